package codecs

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCodecRoundTrips(t *testing.T) {
	var content = []byte(strings.Repeat(`{"id": "urn:uuid:1234", "type": "inventory"}`, 64))

	for _, codec := range []Codec{NONE, GZIP, SNAPPY, ZSTANDARD} {
		var enc, err = Compress(codec, content)
		require.NoError(t, err, codec.String())

		if codec != NONE {
			require.Less(t, len(enc), len(content), codec.String())
		}
		dec, err := Decompress(codec, enc)
		require.NoError(t, err, codec.String())
		require.Equal(t, content, dec, codec.String())
	}
}

func TestStreamingWriterAndReader(t *testing.T) {
	var buf bytes.Buffer
	var w, err = NewCodecWriter(&buf, GZIP)
	require.NoError(t, err)

	for _, s := range []string{"one ", "two ", "three"} {
		_, err = w.Write([]byte(s))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	dec, err := Decompress(GZIP, buf.Bytes())
	require.NoError(t, err)
	require.Equal(t, "one two three", string(dec))
}

func TestParseCodec(t *testing.T) {
	for _, name := range []string{"none", "gzip", "snappy", "zstd"} {
		var c, err = ParseCodec(name)
		require.NoError(t, err)
		require.Equal(t, name, c.String())
		require.NoError(t, c.Validate())
	}
	var _, err = ParseCodec("lz4")
	require.EqualError(t, err, `unsupported codec "lz4"`)

	require.Error(t, Codec(9).Validate())
	require.Equal(t, "Codec(9)", Codec(9).String())

	_, err = NewCodecWriter(nil, Codec(9))
	require.Error(t, err)
}
