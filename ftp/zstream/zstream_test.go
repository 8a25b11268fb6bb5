package zstream

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pump pushes src through a codec in small chunks and collects the
// output, the way the transfer engines do.
func pump(t *testing.T, c Codec, src []byte, chunk int) []byte {
	t.Helper()

	var out bytes.Buffer
	outBuf := make([]byte, 512)

	for len(src) > 0 {
		n := chunk
		if n > len(src) {
			n = len(src)
		}

		consumed, produced, status, err := c.Process(src[:n], outBuf, false)
		require.NoError(t, err)
		assert.Equal(t, Running, status)

		out.Write(outBuf[:produced])
		src = src[consumed:]
	}

	for {
		_, produced, status, err := c.Process(nil, outBuf, true)
		require.NoError(t, err)

		out.Write(outBuf[:produced])
		if status == StreamEnd {
			break
		}
	}

	return out.Bytes()
}

func TestDeflateInflateRoundtrip(t *testing.T) {
	payload := []byte("the quick brown fox jumps over the lazy dog, repeatedly, " +
		"so there is something to compress here beyond the block header")

	def, err := NewDeflater(6)
	require.NoError(t, err)
	defer def.Close()

	compressed := pump(t, def, payload, 17)
	require.NotEmpty(t, compressed)

	inf := NewInflater()
	defer inf.Close()

	restored := pump(t, inf, compressed, 13)
	assert.Equal(t, payload, restored)
}

func TestDeflateZerosCompressesWell(t *testing.T) {
	payload := make([]byte, 1<<20)

	def, err := NewDeflater(6)
	require.NoError(t, err)
	defer def.Close()

	compressed := pump(t, def, payload, 64*1024)
	assert.Less(t, len(compressed), 10*1024, "1 MiB of zeros should deflate below 10 KiB")

	inf := NewInflater()
	defer inf.Close()

	restored := pump(t, inf, compressed, 4096)
	assert.Equal(t, payload, restored)
}

func TestDeflateLevelZero(t *testing.T) {
	payload := []byte("stored, not compressed")

	def, err := NewDeflater(0)
	require.NoError(t, err)
	defer def.Close()

	compressed := pump(t, def, payload, 8)

	inf := NewInflater()
	defer inf.Close()

	assert.Equal(t, payload, pump(t, inf, compressed, 8))
}

func TestInflateGarbageErrors(t *testing.T) {
	inf := NewInflater()
	defer inf.Close()

	outBuf := make([]byte, 64)
	garbage := []byte{0xde, 0xad, 0xbe, 0xef, 0xde, 0xad, 0xbe, 0xef}

	var err error
	for i := 0; i < 4 && err == nil; i++ {
		_, _, _, err = inf.Process(garbage, outBuf, false)
	}
	if err == nil {
		_, _, _, err = inf.Process(nil, outBuf, true)
	}

	assert.Error(t, err)
}

func TestInflateTruncatedStream(t *testing.T) {
	def, err := NewDeflater(6)
	require.NoError(t, err)
	defer def.Close()

	compressed := pump(t, def, []byte("payload that will be cut short"), 8)
	require.Greater(t, len(compressed), 4)

	inf := NewInflater()
	defer inf.Close()

	outBuf := make([]byte, 64)
	_, _, _, err = inf.Process(compressed[:len(compressed)/2], outBuf, false)
	require.NoError(t, err)

	_, _, status, err := inf.Process(nil, outBuf, true)
	assert.Error(t, err)
	assert.NotEqual(t, StreamEnd, status)
}
