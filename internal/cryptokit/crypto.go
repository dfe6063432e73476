package cryptokit

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"

	"github.com/medhive/flcoordinator/internal/errs"
)

const sha256Crypto = crypto.SHA256

func sha256New() hash.Hash { return sha256.New() }

// Hash returns the SHA-256 hex digest of data, used as a content address.
func (k *Kit) Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Encrypt performs authenticated symmetric encryption (AES-256-GCM). The
// returned ciphertext is self-contained: the nonce is prepended.
func (k *Kit) Encrypt(plaintext []byte) ([]byte, error) {
	const op = "CryptoKit.Encrypt"
	if !k.initialized {
		return nil, errs.E(op, errs.NotInitialized, nil)
	}

	block, err := aes.NewCipher(k.aesKey)
	if err != nil {
		return nil, errs.E(op, errs.Fatal, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errs.E(op, errs.Fatal, err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, errs.E(op, errs.Fatal, err)
	}

	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return ciphertext, nil
}

// Decrypt reverses Encrypt.
func (k *Kit) Decrypt(ciphertext []byte) ([]byte, error) {
	const op = "CryptoKit.Decrypt"
	if !k.initialized {
		return nil, errs.E(op, errs.NotInitialized, nil)
	}

	block, err := aes.NewCipher(k.aesKey)
	if err != nil {
		return nil, errs.E(op, errs.Fatal, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errs.E(op, errs.Fatal, err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, errs.E(op, errs.Validation, fmt.Errorf("ciphertext too short"))
	}
	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, errs.E(op, errs.SignatureInvalid, fmt.Errorf("decrypt: %w", err))
	}
	return plaintext, nil
}

// Sign produces an RSA-PSS/SHA-256 signature over data.
func (k *Kit) Sign(data []byte) ([]byte, error) {
	const op = "CryptoKit.Sign"
	if !k.initialized {
		return nil, errs.E(op, errs.NotInitialized, nil)
	}
	digest := sha256.Sum256(data)
	sig, err := rsa.SignPSS(rand.Reader, k.privateKey, sha256Crypto, digest[:], nil)
	if err != nil {
		return nil, errs.E(op, errs.Fatal, err)
	}
	return sig, nil
}

// Verify checks an RSA-PSS/SHA-256 signature over data.
func (k *Kit) Verify(data, signature []byte) bool {
	if !k.initialized {
		return false
	}
	digest := sha256.Sum256(data)
	return rsa.VerifyPSS(k.publicKey, sha256Crypto, digest[:], signature, nil) == nil
}

// DeriveClientKey derives a per-client HMAC key for server-keyed upload
// signatures (SPEC_FULL.md §9 open-question resolution), binding the client
// ID to the server's JWT secret so the key is reproducible without separate
// storage.
func (k *Kit) DeriveClientKey(clientID string) ([]byte, error) {
	const op = "CryptoKit.DeriveClientKey"
	if !k.initialized {
		return nil, errs.E(op, errs.NotInitialized, nil)
	}
	h := sha256.New()
	h.Write(k.jwtSecret)
	h.Write([]byte("|client-key|"))
	h.Write([]byte(clientID))
	return h.Sum(nil), nil
}
