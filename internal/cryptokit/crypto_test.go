package cryptokit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGenerateKeysIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	k1 := New(dir)
	require.NoError(t, k1.GenerateKeys())

	k2 := New(dir)
	require.NoError(t, k2.GenerateKeys())

	// Both kits must agree on the symmetric key, proving the second call
	// loaded rather than regenerated.
	pt := []byte("round trip")
	ct, err := k1.Encrypt(pt)
	require.NoError(t, err)
	out, err := k2.Decrypt(ct)
	require.NoError(t, err)
	require.Equal(t, pt, out)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	k := New(t.TempDir())
	require.NoError(t, k.GenerateKeys())

	pt := []byte("federated model parameters")
	ct, err := k.Encrypt(pt)
	require.NoError(t, err)
	require.NotEqual(t, pt, ct)

	out, err := k.Decrypt(ct)
	require.NoError(t, err)
	require.Equal(t, pt, out)
}

func TestSignVerifyDetectsTampering(t *testing.T) {
	k := New(t.TempDir())
	require.NoError(t, k.GenerateKeys())

	data := []byte("global model v1")
	sig, err := k.Sign(data)
	require.NoError(t, err)
	require.True(t, k.Verify(data, sig))

	tampered := append([]byte(nil), data...)
	tampered[0] ^= 0xFF
	require.False(t, k.Verify(tampered, sig))
}

func TestTokenRoundTripAndExpiry(t *testing.T) {
	k := New(t.TempDir())
	require.NoError(t, k.GenerateKeys())

	token, err := k.IssueToken("client-1", "trainer", time.Hour)
	require.NoError(t, err)

	claims, err := k.VerifyToken(token)
	require.NoError(t, err)
	require.Equal(t, "client-1", claims.Subject)
	require.Equal(t, "trainer", claims.Role)

	expired, err := k.IssueToken("client-1", "trainer", -time.Minute)
	require.NoError(t, err)
	_, err = k.VerifyToken(expired)
	require.Error(t, err)
}

func TestUninitializedKitFailsClosed(t *testing.T) {
	k := New(t.TempDir())
	_, err := k.Encrypt([]byte("x"))
	require.Error(t, err)
	_, err = k.IssueToken("a", "b", time.Minute)
	require.Error(t, err)
}

func TestContentHashDeterministic(t *testing.T) {
	k := New(t.TempDir())
	require.NoError(t, k.GenerateKeys())

	a := k.Hash([]byte("same bytes"))
	b := k.Hash([]byte("same bytes"))
	require.Equal(t, a, b)
	require.NotEqual(t, a, k.Hash([]byte("different bytes")))
}
