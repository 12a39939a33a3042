package encryption

import (
	"bytes"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tink-crypto/tink-go/v2/aead"
	"github.com/tink-crypto/tink-go/v2/insecurecleartextkeyset"
	"github.com/tink-crypto/tink-go/v2/keyset"
)

func TestCodecRoundTrip(t *testing.T) {
	codec, err := NewTestCodec()
	require.NoError(t, err)

	ciphertext, err := codec.EncryptString("refresh-token-secret", "instance-1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ciphertext, "mg-enc:"))
	assert.NotContains(t, ciphertext, "refresh-token-secret")

	plaintext, err := codec.DecryptString(ciphertext, "instance-1")
	require.NoError(t, err)
	assert.Equal(t, "refresh-token-secret", plaintext)
}

func TestCodecAssociatedDataMismatch(t *testing.T) {
	codec, err := NewTestCodec()
	require.NoError(t, err)

	ciphertext, err := codec.EncryptString("secret", "instance-1")
	require.NoError(t, err)

	_, err = codec.DecryptString(ciphertext, "instance-2")
	assert.Error(t, err, "AAD binds the ciphertext to its instance")
}

func TestCodecRejectsUnprefixedValue(t *testing.T) {
	codec, err := NewTestCodec()
	require.NoError(t, err)

	_, err = codec.DecryptString("plaintext-from-before-rollout", "instance-1")
	assert.ErrorContains(t, err, "mg-enc:")
}

func TestCodecRejectsCorruptedValue(t *testing.T) {
	codec, err := NewTestCodec()
	require.NoError(t, err)

	_, err = codec.DecryptString("mg-enc:not!!base64", "instance-1")
	assert.Error(t, err)

	_, err = codec.DecryptString("mg-enc:"+base64.StdEncoding.EncodeToString([]byte("garbage")), "instance-1")
	assert.Error(t, err)
}

func TestNewCodecFromKeyset(t *testing.T) {
	handle, err := keyset.NewHandle(aead.AES256GCMKeyTemplate())
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, insecurecleartextkeyset.Write(handle, keyset.NewBinaryWriter(&buf)))

	codec, err := NewCodecFromKeyset(base64.StdEncoding.EncodeToString(buf.Bytes()))
	require.NoError(t, err)

	ciphertext, err := codec.EncryptString("value", "aad")
	require.NoError(t, err)
	plaintext, err := codec.DecryptString(ciphertext, "aad")
	require.NoError(t, err)
	assert.Equal(t, "value", plaintext)
}

func TestNewCodecFromKeysetRejectsGarbage(t *testing.T) {
	_, err := NewCodecFromKeyset("!!!not-base64!!!")
	assert.Error(t, err)

	_, err = NewCodecFromKeyset(base64.StdEncoding.EncodeToString([]byte("not a keyset")))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	codec, err := NewTestCodec()
	require.NoError(t, err)
	assert.NoError(t, codec.Validate())
}
