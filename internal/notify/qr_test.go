package notify

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratePickupQRProducesPNG(t *testing.T) {
	gen := NewQRGenerator("test-secret")

	png, err := gen.GeneratePickupQR(PickupPayload{
		OrderID:    "o-1",
		PickupCode: "482913",
		IssuedAt:   time.Now(),
	})
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(png, []byte("\x89PNG")))
}

func TestQRGeneratorNormalizesAnySecretLength(t *testing.T) {
	for _, secret := range []string{"", "short", "a-much-longer-secret-than-a-block-size-allows"} {
		gen := NewQRGenerator(secret)
		_, err := gen.GeneratePickupQR(PickupPayload{OrderID: "o-1", PickupCode: "000000"})
		assert.NoError(t, err, "secret %q", secret)
	}
}

func TestEncryptAESIsNonDeterministic(t *testing.T) {
	gen := NewQRGenerator("test-secret")

	a, err := encryptAES([]byte("payload"), gen.secret)
	require.NoError(t, err)
	b, err := encryptAES([]byte("payload"), gen.secret)
	require.NoError(t, err)
	// Random IV per call: identical payloads must not produce
	// identical ciphertexts.
	assert.NotEqual(t, a, b)
}
