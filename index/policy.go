package index

import (
	"strings"

	"go.layerstore.dev/core/codecs"
)

// ContentPolicy decides which file paths have their content inlined into
// the index, and the Codec with which inlined content is encoded.
type ContentPolicy interface {
	// Inline returns whether content of the file at |path| is inlined.
	Inline(path string) bool
	// Codec returns the Codec of inlined content of |path|.
	Codec(path string) codecs.Codec
}

// NoInlinePolicy is a ContentPolicy which inlines nothing.
type NoInlinePolicy struct{}

// Inline returns false.
func (NoInlinePolicy) Inline(string) bool { return false }

// Codec returns NONE.
func (NoInlinePolicy) Codec(string) codecs.Codec { return codecs.NONE }

// InventoryPolicy is a ContentPolicy which inlines small, frequently read
// repository metadata: "inventory.json" files, their "inventory.json.*"
// sidecars, and any file beneath an "extensions" directory. Files beneath
// a "content" directory are payload, and are never inlined.
//
// Sidecars are stored as-is. Other inlined content is encoded with InlineCodec.
type InventoryPolicy struct {
	InlineCodec codecs.Codec
}

// Inline returns whether |path| is inventory, sidecar, or extension content.
func (p InventoryPolicy) Inline(path string) bool {
	var dirs, name = splitPath(path)

	for _, d := range dirs {
		if d == "content" {
			return false
		}
	}
	if name == "inventory.json" || isSidecar(name) {
		return true
	}
	for _, d := range dirs {
		if d == "extensions" {
			return true
		}
	}
	return false
}

// Codec returns NONE for sidecars, and the configured Codec otherwise.
func (p InventoryPolicy) Codec(path string) codecs.Codec {
	if _, name := splitPath(path); isSidecar(name) {
		return codecs.NONE
	}
	return p.InlineCodec
}

func isSidecar(name string) bool {
	return strings.HasPrefix(name, "inventory.json.") && len(name) > len("inventory.json.")
}

// splitPath returns the ancestor directory names and base name of |path|.
func splitPath(path string) (dirs []string, name string) {
	var parts = strings.Split(path, "/")
	return parts[:len(parts)-1], parts[len(parts)-1]
}
