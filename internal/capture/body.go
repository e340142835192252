package capture

import (
	"bytes"
	"encoding/base64"

	"golang.org/x/text/encoding/unicode"
)

// MaxStoredBodyBytes is the most of a request body that is ever stored.
const MaxStoredBodyBytes = 1 << 20

type NormalizedBody struct {
	Text      string
	Base64    bool
	Truncated bool
}

// NormalizeBody caps raw at MaxStoredBodyBytes and encodes what is left.
// Any NUL byte marks the payload as binary, which is stored base64-encoded;
// everything else is decoded as UTF-8 with invalid bytes replaced by U+FFFD.
func NormalizeBody(raw []byte) NormalizedBody {
	var nb NormalizedBody
	if len(raw) > MaxStoredBodyBytes {
		raw = raw[:MaxStoredBodyBytes]
		nb.Truncated = true
	}

	if isBinary(raw) {
		nb.Text = base64.StdEncoding.EncodeToString(raw)
		nb.Base64 = true
		return nb
	}

	text, err := unicode.UTF8.NewDecoder().Bytes(raw)
	if err != nil {
		// The decoder replaces rather than fails; keep the raw bytes if it ever does.
		text = raw
	}
	nb.Text = string(text)
	return nb
}

// isBinary is deliberately coarse: NUL-free binary formats pass as text.
func isBinary(b []byte) bool {
	return bytes.IndexByte(b, 0) >= 0
}
