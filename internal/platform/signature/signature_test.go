package signature_test

import (
	"strings"
	"testing"

	"github.com/fauxparse/lilbirdie-sub001/internal/platform/signature"
	"github.com/stretchr/testify/assert"
)

func TestSignAndVerify(t *testing.T) {
	secret := []byte("bridge-secret-0123")
	body := []byte(`{"type":"list-metadata-updated","data":{"listId":"L1"}}`)

	sig := signature.Sign(secret, body)
	assert.True(t, strings.HasPrefix(sig, "sha256="))
	assert.True(t, signature.Verify(secret, body, sig))

	tests := []struct {
		name  string
		body  []byte
		value string
	}{
		{"tampered body", []byte(`{"type":"error"}`), sig},
		{"other secret", body, signature.Sign([]byte("someone-else-entirely"), body)},
		{"missing prefix", body, strings.TrimPrefix(sig, "sha256=")},
		{"not hex", body, "sha256=zz"},
		{"empty", body, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.False(t, signature.Verify(secret, tt.body, tt.value))
		})
	}
}
