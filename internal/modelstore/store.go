// Package modelstore provides content-addressed storage of model blobs and
// round artifacts on disk, per spec.md §4.2 and the on-disk layout in
// spec.md §6. Writers always write-temp-and-rename; readers never observe
// a torn write.
package modelstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"

	"github.com/medhive/flcoordinator/internal/errs"
)

// Encryptor is the subset of CryptoKit the store needs. Defined here so
// modelstore doesn't import cryptokit directly, keeping the dependency
// order of spec.md §2 (CryptoKit is a leaf, ModelStore depends on it).
type Encryptor interface {
	Encrypt([]byte) ([]byte, error)
	Decrypt([]byte) ([]byte, error)
	Hash([]byte) string
}

// Mirror is an optional remote backing store (see S3Mirror).
type Mirror interface {
	Put(ctx context.Context, key string, data []byte) error
}

// Store is the content-addressed, encrypted, on-disk model blob store.
type Store struct {
	root   string
	crypto Encryptor
	mirror Mirror
	log    zerolog.Logger
}

// Option configures a Store at construction.
type Option func(*Store)

// WithMirror attaches an optional remote mirror.
func WithMirror(m Mirror) Option {
	return func(s *Store) { s.mirror = m }
}

// WithLogger attaches a structured logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Store) { s.log = log }
}

// New constructs a Store rooted at root (the configured storage root from
// spec.md §6).
func New(root string, crypto Encryptor, opts ...Option) *Store {
	s := &Store{root: root, crypto: crypto, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) blobsDir() string   { return filepath.Join(s.root, "blobs") }
func (s *Store) roundsDir() string  { return filepath.Join(s.root, "rounds") }
func (s *Store) globalsDir() string { return filepath.Join(s.root, "models", "global") }

func (s *Store) blobPath(ref string) string { return filepath.Join(s.blobsDir(), ref+".bin") }

// PutBlob compresses, encrypts, and writes bytes atomically, returning the
// content address (SHA-256 of the plaintext, per spec.md §3's ModelBlob
// invariant). The ref is computed before encryption because AES-GCM seals
// with a fresh random nonce on every call: hashing the ciphertext would
// make identical plaintext produce a different ref each time it is put,
// defeating the "identical contents collapse to a single ref" guarantee.
// Identical plaintext collapses to one physical copy.
func (s *Store) PutBlob(ctx context.Context, data []byte) (string, error) {
	const op = "ModelStore.PutBlob"

	ref := s.crypto.Hash(data)

	if err := os.MkdirAll(s.blobsDir(), 0o700); err != nil {
		return "", errs.E(op, errs.Fatal, err)
	}

	path := s.blobPath(ref)
	if _, err := os.Stat(path); err == nil {
		// Content already stored; collapse to the single copy.
		return ref, nil
	}

	compressed, err := zstdEncode(data)
	if err != nil {
		return "", errs.E(op, errs.Fatal, fmt.Errorf("compress: %w", err))
	}
	ciphertext, err := s.crypto.Encrypt(compressed)
	if err != nil {
		return "", errs.E(op, errs.Fatal, fmt.Errorf("encrypt: %w", err))
	}

	if err := writeAtomic(path, ciphertext, 0o600); err != nil {
		return "", errs.E(op, errs.Fatal, err)
	}

	if s.mirror != nil {
		if err := s.mirror.Put(ctx, "blobs/"+ref+".bin", ciphertext); err != nil {
			s.log.Warn().Err(err).Str("ref", ref).Msg("blob mirror write failed, disk copy remains authoritative")
		}
	}

	return ref, nil
}

// WriteEncryptedFile compresses and encrypts data the same way PutBlob
// does, but writes it at an explicit path rather than a content address.
// Used for the round-scoped and global-model layout files that spec.md §6
// names directly (global_model/model.bin, client_models/<clientId>.bin,
// models/global/<modelKind>/aggregated.<version>.bin).
func (s *Store) WriteEncryptedFile(path string, data []byte) error {
	const op = "ModelStore.WriteEncryptedFile"

	compressed, err := zstdEncode(data)
	if err != nil {
		return errs.E(op, errs.Fatal, fmt.Errorf("compress: %w", err))
	}
	ciphertext, err := s.crypto.Encrypt(compressed)
	if err != nil {
		return errs.E(op, errs.Fatal, fmt.Errorf("encrypt: %w", err))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return errs.E(op, errs.Fatal, err)
	}
	if err := writeAtomic(path, ciphertext, 0o600); err != nil {
		return errs.E(op, errs.Fatal, err)
	}
	return nil
}

// ReadEncryptedFile reverses WriteEncryptedFile.
func (s *Store) ReadEncryptedFile(path string) ([]byte, error) {
	const op = "ModelStore.ReadEncryptedFile"

	ciphertext, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.E(op, errs.NotFound, fmt.Errorf("%s not found", path))
		}
		return nil, errs.E(op, errs.Transient, err)
	}
	compressed, err := s.crypto.Decrypt(ciphertext)
	if err != nil {
		return nil, errs.E(op, errs.Fatal, fmt.Errorf("decrypt: %w", err))
	}
	data, err := zstdDecode(compressed)
	if err != nil {
		return nil, errs.E(op, errs.Fatal, fmt.Errorf("decompress: %w", err))
	}
	return data, nil
}

// GetBlob reads, decrypts, and decompresses a blob by content address.
func (s *Store) GetBlob(ref string) ([]byte, error) {
	const op = "ModelStore.GetBlob"

	ciphertext, err := os.ReadFile(s.blobPath(ref))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.E(op, errs.NotFound, fmt.Errorf("blob %s not found", ref))
		}
		return nil, errs.E(op, errs.Transient, err)
	}

	compressed, err := s.crypto.Decrypt(ciphertext)
	if err != nil {
		return nil, errs.E(op, errs.Fatal, fmt.Errorf("decrypt: %w", err))
	}

	data, err := zstdDecode(compressed)
	if err != nil {
		return nil, errs.E(op, errs.Fatal, fmt.Errorf("decompress: %w", err))
	}
	return data, nil
}

func zstdEncode(data []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil), nil
}

func zstdDecode(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(data, nil)
}

func writeAtomic(path string, data []byte, mode os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename into place %s: %w", path, err)
	}
	return nil
}
