// Package cryptokit provides the coordinator's cryptographic primitives:
// key management, token issuance/verification, authenticated symmetric
// encryption, RSA-PSS signing, and content hashing. Every keyed operation
// fails with errs.NotInitialized when key material hasn't been generated or
// loaded, per spec.md §4.1; Verify reports false instead, and Hash needs no
// key material.
package cryptokit

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/pbkdf2"

	"github.com/medhive/flcoordinator/internal/errs"
)

const (
	privateKeyFile  = "private_key.pem"
	publicKeyFile   = "public_key.pem"
	jwtSecretFile   = "jwt_secret.key"
	encryptionFile  = "encryption.key"
	saltFile        = "salt"

	rsaKeyBits  = 2048
	jwtKeyBytes = 32
	aesKeyBytes = 32
	saltBytes   = 16

	pbkdf2Iterations = 100_000
)

// KeyPaths is the on-disk location of each key file under keys/ (spec.md §6).
type KeyPaths struct {
	Dir string
}

func (p KeyPaths) privateKey() string { return filepath.Join(p.Dir, privateKeyFile) }
func (p KeyPaths) publicKey() string  { return filepath.Join(p.Dir, publicKeyFile) }
func (p KeyPaths) jwtSecret() string  { return filepath.Join(p.Dir, jwtSecretFile) }
func (p KeyPaths) encryption() string { return filepath.Join(p.Dir, encryptionFile) }
func (p KeyPaths) salt() string       { return filepath.Join(p.Dir, saltFile) }

// Kit holds loaded key material and implements the CryptoKit operations.
type Kit struct {
	paths      KeyPaths
	passphrase string

	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	jwtSecret  []byte
	aesKey     []byte

	initialized bool
	log         zerolog.Logger
}

// Option configures a Kit at construction.
type Option func(*Kit)

// WithPassphrase makes GenerateKeys derive the symmetric data key from an
// operator passphrase and the generated salt via PBKDF2 instead of drawing
// it at random. Key files are written unencrypted, mode 0600, with or
// without a passphrase; the passphrase does not encrypt the key files and
// Load does not use it.
func WithPassphrase(passphrase string) Option {
	return func(k *Kit) { k.passphrase = passphrase }
}

// WithLogger attaches a structured logger.
func WithLogger(log zerolog.Logger) Option {
	return func(k *Kit) { k.log = log }
}

// New constructs a Kit whose key files live directly in dir (callers pass
// the storage root's keys/ directory). It does not generate or load keys;
// call GenerateKeys or Load explicitly so startup failure modes are visible
// to the caller (spec.md §4.1: "the server refuses to start with security
// enabled unless keys are present or explicitly generated").
func New(dir string, opts ...Option) *Kit {
	k := &Kit{paths: KeyPaths{Dir: dir}, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Initialized reports whether key material has been generated or loaded.
func (k *Kit) Initialized() bool { return k.initialized }

// keysExist checks for every required key file.
func (k *Kit) keysExist() bool {
	for _, p := range []string{k.paths.privateKey(), k.paths.publicKey(), k.paths.jwtSecret(), k.paths.encryption(), k.paths.salt()} {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

// GenerateKeys idempotently produces the four keys described in spec.md §3.
// It never overwrites existing material: if all key files already exist,
// GenerateKeys loads them instead of regenerating, and if only some exist it
// fails without writing anything.
func (k *Kit) GenerateKeys() error {
	const op = "CryptoKit.GenerateKeys"

	if err := os.MkdirAll(k.paths.Dir, 0o700); err != nil {
		return errs.E(op, errs.Fatal, fmt.Errorf("create keys dir: %w", err))
	}

	if k.keysExist() {
		k.log.Info().Msg("key material already present, loading instead of regenerating")
		return k.Load()
	}
	for _, p := range []string{k.paths.privateKey(), k.paths.publicKey(), k.paths.jwtSecret(), k.paths.encryption(), k.paths.salt()} {
		if _, err := os.Stat(p); err == nil {
			return errs.E(op, errs.Fatal, fmt.Errorf("partial key material under %s: refusing to overwrite %s", k.paths.Dir, p))
		}
	}

	priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return errs.E(op, errs.Fatal, fmt.Errorf("generate rsa key: %w", err))
	}

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return errs.E(op, errs.Fatal, fmt.Errorf("marshal private key: %w", err))
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes})
	if err := writeSecret(k.paths.privateKey(), privPEM); err != nil {
		return errs.E(op, errs.Fatal, err)
	}

	pubBytes, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return errs.E(op, errs.Fatal, fmt.Errorf("marshal public key: %w", err))
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})
	if err := writeSecret(k.paths.publicKey(), pubPEM); err != nil {
		return errs.E(op, errs.Fatal, err)
	}

	jwtSecret := make([]byte, jwtKeyBytes)
	if _, err := rand.Read(jwtSecret); err != nil {
		return errs.E(op, errs.Fatal, fmt.Errorf("generate jwt secret: %w", err))
	}
	if err := writeSecret(k.paths.jwtSecret(), jwtSecret); err != nil {
		return errs.E(op, errs.Fatal, err)
	}

	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return errs.E(op, errs.Fatal, fmt.Errorf("generate salt: %w", err))
	}
	if err := writeSecret(k.paths.salt(), salt); err != nil {
		return errs.E(op, errs.Fatal, err)
	}

	aesKey := make([]byte, aesKeyBytes)
	if k.passphrase != "" {
		aesKey = pbkdf2.Key([]byte(k.passphrase), salt, pbkdf2Iterations, aesKeyBytes, sha256New)
	} else if _, err := rand.Read(aesKey); err != nil {
		return errs.E(op, errs.Fatal, fmt.Errorf("generate encryption key: %w", err))
	}
	if err := writeSecret(k.paths.encryption(), aesKey); err != nil {
		return errs.E(op, errs.Fatal, err)
	}

	k.privateKey = priv
	k.publicKey = &priv.PublicKey
	k.jwtSecret = jwtSecret
	k.aesKey = aesKey
	k.initialized = true

	k.log.Info().Str("dir", k.paths.Dir).Msg("generated coordinator key material")
	return nil
}

// Load reads existing key material from disk. It returns errs.NotInitialized
// if any key file is missing.
func (k *Kit) Load() error {
	const op = "CryptoKit.Load"

	if !k.keysExist() {
		return errs.E(op, errs.NotInitialized, fmt.Errorf("key material missing under %s", k.paths.Dir))
	}

	privPEM, err := os.ReadFile(k.paths.privateKey())
	if err != nil {
		return errs.E(op, errs.Fatal, err)
	}
	block, _ := pem.Decode(privPEM)
	if block == nil {
		return errs.E(op, errs.Fatal, fmt.Errorf("invalid private key PEM"))
	}
	privAny, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return errs.E(op, errs.Fatal, fmt.Errorf("parse private key: %w", err))
	}
	priv, ok := privAny.(*rsa.PrivateKey)
	if !ok {
		return errs.E(op, errs.Fatal, fmt.Errorf("private key is not RSA"))
	}

	jwtSecret, err := os.ReadFile(k.paths.jwtSecret())
	if err != nil {
		return errs.E(op, errs.Fatal, err)
	}
	aesKey, err := os.ReadFile(k.paths.encryption())
	if err != nil {
		return errs.E(op, errs.Fatal, err)
	}

	k.privateKey = priv
	k.publicKey = &priv.PublicKey
	k.jwtSecret = jwtSecret
	k.aesKey = aesKey
	k.initialized = true
	return nil
}

func writeSecret(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename into place %s: %w", path, err)
	}
	return os.Chmod(path, 0o600)
}
