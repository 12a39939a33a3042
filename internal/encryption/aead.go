// Package encryption guards refresh tokens at rest using a Tink AEAD
// primitive. Values are bound to their instance via associated data so a
// ciphertext cannot be replayed on a different row.
package encryption

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/tink-crypto/tink-go/v2/aead"
	"github.com/tink-crypto/tink-go/v2/insecurecleartextkeyset"
	"github.com/tink-crypto/tink-go/v2/keyset"
	"github.com/tink-crypto/tink-go/v2/tink"
)

// valuePrefix marks encrypted values so plaintext rows written before
// encryption was enabled remain distinguishable during rollout.
const valuePrefix = "mg-enc:"

// Codec encrypts and decrypts string values with an AEAD, base64-encoding
// ciphertexts for storage in text columns.
type Codec struct {
	aead tink.AEAD
}

// NewCodec wraps an AEAD primitive.
func NewCodec(a tink.AEAD) *Codec {
	return &Codec{aead: a}
}

// NewCodecFromKeyset builds a codec from a base64-encoded cleartext Tink
// keyset, as supplied through configuration.
func NewCodecFromKeyset(encodedKeyset string) (*Codec, error) {
	raw, err := base64.StdEncoding.DecodeString(encodedKeyset)
	if err != nil {
		return nil, fmt.Errorf("decoding keyset: %w", err)
	}

	handle, err := insecurecleartextkeyset.Read(
		keyset.NewBinaryReader(bytes.NewReader(raw)))
	if err != nil {
		return nil, fmt.Errorf("reading keyset: %w", err)
	}

	primitive, err := aead.New(handle)
	if err != nil {
		return nil, fmt.Errorf("creating AEAD primitive: %w", err)
	}

	c := &Codec{aead: primitive}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// EncryptString encrypts a value with the associated data as AAD.
func (c *Codec) EncryptString(plaintext, associatedData string) (string, error) {
	ciphertext, err := c.aead.Encrypt([]byte(plaintext), []byte(associatedData))
	if err != nil {
		return "", fmt.Errorf("encrypting value: %w", err)
	}
	return valuePrefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// DecryptString reverses EncryptString. The associated data must match the
// value used during encryption.
func (c *Codec) DecryptString(value, associatedData string) (string, error) {
	if !strings.HasPrefix(value, valuePrefix) {
		return "", fmt.Errorf("missing %q prefix: value may be unencrypted or corrupted", valuePrefix)
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, valuePrefix))
	if err != nil {
		return "", fmt.Errorf("base64 decode failed: %w", err)
	}

	plaintext, err := c.aead.Decrypt(decoded, []byte(associatedData))
	if err != nil {
		return "", fmt.Errorf("decryption failed: %w", err)
	}
	return string(plaintext), nil
}

// Validate performs a round-trip to fail fast at startup when the keyset is
// misconfigured.
func (c *Codec) Validate() error {
	const testAAD = "validation"
	testPlaintext := []byte("mcpgate-encryption-test")

	ciphertext, err := c.aead.Encrypt(testPlaintext, []byte(testAAD))
	if err != nil {
		return fmt.Errorf("validation encrypt failed: %w", err)
	}

	decrypted, err := c.aead.Decrypt(ciphertext, []byte(testAAD))
	if err != nil {
		return fmt.Errorf("validation decrypt failed: %w", err)
	}

	if !bytes.Equal(testPlaintext, decrypted) {
		return fmt.Errorf("validation round-trip failed: plaintext mismatch")
	}
	return nil
}

// NewTestCodec creates a codec for tests without any key management. Keys
// are not persisted or protected.
func NewTestCodec() (*Codec, error) {
	handle, err := keyset.NewHandle(aead.AES256GCMKeyTemplate())
	if err != nil {
		return nil, fmt.Errorf("creating test keyset handle: %w", err)
	}
	primitive, err := aead.New(handle)
	if err != nil {
		return nil, fmt.Errorf("creating test AEAD primitive: %w", err)
	}
	return &Codec{aead: primitive}, nil
}
