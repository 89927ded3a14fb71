package index

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.layerstore.dev/core/codecs"
)

func TestInventoryPolicy(t *testing.T) {
	var p = InventoryPolicy{InlineCodec: codecs.GZIP}

	for path, expect := range map[string]bool{
		"inventory.json":                          true,
		"obj/inventory.json":                      true,
		"obj/v1/inventory.json.sha512":            true,
		"obj/extensions/0005-mutable-head/config": true,
		"obj/v1/content/inventory.json":           false,
		"obj/v1/content/extensions/file.txt":      false,
		"obj/v1/content/data.bin":                 false,
		"obj/inventory.json.":                     false,
		"obj/inventory.jsonx":                     false,
		"extensions":                              false,
	} {
		require.Equal(t, expect, p.Inline(path), path)
	}

	require.Equal(t, codecs.GZIP, p.Codec("obj/inventory.json"))
	require.Equal(t, codecs.NONE, p.Codec("obj/inventory.json.sha512"))
	require.Equal(t, codecs.GZIP, p.Codec("obj/extensions/x"))

	require.False(t, NoInlinePolicy{}.Inline("inventory.json"))
}
