package compression

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripAllAlgorithms(t *testing.T) {
	original := []byte(strings.Repeat("aggregated exchange payload ", 64))

	for _, algo := range []Algorithm{None, Gzip, Snappy, LZ4, Zstd, S2} {
		t.Run(string(algo), func(t *testing.T) {
			c, err := NewCompressor(&Config{Algorithm: algo, Level: Default})
			require.NoError(t, err)
			assert.Equal(t, algo, c.Algorithm())

			compressed, err := c.Compress(original)
			require.NoError(t, err)
			if algo != None {
				assert.Less(t, len(compressed), len(original))
			}

			decompressed, err := c.Decompress(compressed)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(original, decompressed))
		})
	}
}

func TestDecompressLimit(t *testing.T) {
	big := bytes.Repeat([]byte{'x'}, 4096)
	for _, algo := range []Algorithm{Gzip, Snappy, LZ4, Zstd, S2} {
		t.Run(string(algo), func(t *testing.T) {
			c, err := NewCompressor(&Config{Algorithm: algo, MaxDecodedSize: 1024})
			require.NoError(t, err)
			compressed, err := c.Compress(big)
			require.NoError(t, err)
			_, err = c.Decompress(compressed)
			require.Error(t, err)
		})
	}
}

func TestCodes(t *testing.T) {
	for a := range algorithmCodes {
		code, err := a.Code()
		require.NoError(t, err)
		back, err := AlgorithmForCode(code)
		require.NoError(t, err)
		assert.Equal(t, a, back)
	}
	_, err := AlgorithmForCode(200)
	assert.Error(t, err)
}

func TestParseAlgorithm(t *testing.T) {
	a, err := ParseAlgorithm("")
	require.NoError(t, err)
	assert.Equal(t, None, a)

	a, err = ParseAlgorithm("zstd")
	require.NoError(t, err)
	assert.Equal(t, Zstd, a)

	_, err = ParseAlgorithm("brotli")
	assert.Error(t, err)

	_, err = NewCompressor(&Config{Algorithm: "brotli"})
	assert.Error(t, err)
}
