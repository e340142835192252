package capture

import (
	"bytes"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeBody_Text(t *testing.T) {
	inputs := []string{
		"",
		`{"x":1}`,
		"line one\nline two\r\n\ttabbed",
		"héllo wörld ✓ 日本語",
		strings.Repeat("a", MaxStoredBodyBytes),
	}
	for _, in := range inputs {
		nb := NormalizeBody([]byte(in))
		assert.False(t, nb.Truncated)
		assert.False(t, nb.Base64)
		assert.Equal(t, in, nb.Text)
	}
}

func TestNormalizeBody_InvalidUTF8IsReplaced(t *testing.T) {
	nb := NormalizeBody([]byte{'o', 'k', 0xff, 0xfe, '!'})
	assert.False(t, nb.Base64)
	assert.Equal(t, "ok��!", nb.Text)
}

func TestNormalizeBody_BinaryWhenNULPresent(t *testing.T) {
	inputs := [][]byte{
		{0},
		{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a, 0, 0, 0, 0x0d},
		append([]byte("text then "), 0, 'x'),
	}
	for _, in := range inputs {
		nb := NormalizeBody(in)
		require.True(t, nb.Base64)
		assert.False(t, nb.Truncated)
		decoded, err := base64.StdEncoding.DecodeString(nb.Text)
		require.NoError(t, err)
		assert.Equal(t, in, decoded)
	}
}

func TestNormalizeBody_NULFreeBinaryPassesAsText(t *testing.T) {
	// Known limitation of the NUL heuristic.
	nb := NormalizeBody([]byte{0xff, 0xd8, 0xff, 0xe0})
	assert.False(t, nb.Base64)
}

func TestNormalizeBody_TruncatesBeforeClassifying(t *testing.T) {
	text := bytes.Repeat([]byte("z"), MaxStoredBodyBytes+10)
	nb := NormalizeBody(text)
	assert.True(t, nb.Truncated)
	assert.False(t, nb.Base64)
	assert.Equal(t, MaxStoredBodyBytes, len(nb.Text))

	// A NUL past the cap is cut off, so the body is text.
	tail := append(bytes.Repeat([]byte("y"), MaxStoredBodyBytes), 0)
	nb = NormalizeBody(tail)
	assert.True(t, nb.Truncated)
	assert.False(t, nb.Base64)

	// A NUL inside the cap makes the capped bytes binary.
	bin := bytes.Repeat([]byte{0}, MaxStoredBodyBytes+1)
	nb = NormalizeBody(bin)
	assert.True(t, nb.Truncated)
	require.True(t, nb.Base64)
	decoded, err := base64.StdEncoding.DecodeString(nb.Text)
	require.NoError(t, err)
	assert.Equal(t, bin[:MaxStoredBodyBytes], decoded)
}

func TestNormalizeBody_DoesNotModifyInput(t *testing.T) {
	in := append(bytes.Repeat([]byte("q"), MaxStoredBodyBytes), 'r', 's')
	cp := append([]byte(nil), in...)
	NormalizeBody(in)
	assert.Equal(t, cp, in)
}
