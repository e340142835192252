package capture

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSign_KnownVector(t *testing.T) {
	// RFC 4231 test case 2.
	got := Sign("Jefe", []byte("what do ya want for nothing?"))
	assert.Equal(t, "sha256=5bdcc146bf60754e6a042426089575c75a003f089d2739839dec58b964ec3843", got)
}

func TestVerifySignature_RoundTrip(t *testing.T) {
	body := []byte(`{"x":1}`)
	sig := Sign("abc", body)
	require.True(t, strings.HasPrefix(sig, "sha256="))
	assert.NoError(t, VerifySignature(body, sig, "abc"))
}

func TestVerifySignature_AnySingleCharMutationRejected(t *testing.T) {
	body := []byte(`{"x":1}`)
	sig := Sign("abc", body)

	for i := range sig {
		b := []byte(sig)
		if b[i] == 'a' {
			b[i] = 'b'
		} else {
			b[i] = 'a'
		}
		assert.ErrorIs(t, VerifySignature(body, string(b), "abc"), ErrUnauthorized, "mutation at %d", i)
	}
}

func TestVerifySignature_Rejections(t *testing.T) {
	body := []byte("payload")
	sig := Sign("abc", body)

	tests := []struct {
		name      string
		body      []byte
		signature string
		secret    string
	}{
		{"empty signature", body, "", "abc"},
		{"wrong secret", body, sig, "abd"},
		{"different body", []byte("payload!"), sig, "abc"},
		{"missing prefix", body, strings.TrimPrefix(sig, "sha256="), "abc"},
		{"uppercase hex", body, "sha256=" + strings.ToUpper(strings.TrimPrefix(sig, "sha256=")), "abc"},
		{"truncated", body, sig[:len(sig)-1], "abc"},
		{"extended", body, sig + "0", "abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, VerifySignature(tt.body, tt.signature, tt.secret), ErrUnauthorized)
		})
	}
}

func TestVerifySignature_EmptyBody(t *testing.T) {
	sig := Sign("abc", nil)
	assert.NoError(t, VerifySignature([]byte{}, sig, "abc"))
}
