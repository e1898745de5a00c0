// Package vault stores raw provider payloads encrypted at rest in
// content-addressed blob storage. Payloads are sealed with
// XChaCha20-Poly1305 under versioned keys derived from a master key, so
// key rotation never requires re-encrypting old blobs. Every open of a
// raw payload is audited before the bytes are returned.
package vault

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/veritas-labs/scrutiny/pkg/audit"
)

var (
	ErrBlobNotFound      = errors.New("vault: blob not found")
	ErrInvalidRef        = errors.New("vault: invalid blob reference")
	ErrUnknownKeyVersion = errors.New("vault: unknown key version")
	ErrSealFailed        = errors.New("vault: seal failed")
	ErrOpenFailed        = errors.New("vault: open failed")
)

// BlobStore is content-addressed storage for sealed payloads. References
// are "sha256:<hex>" content hashes of the stored bytes.
type BlobStore interface {
	Store(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
	Exists(ctx context.Context, ref string) (bool, error)
	Delete(ctx context.Context, ref string) error
}

const keyDerivationInfo = "scrutiny/vault"

// Cipher seals and opens payloads under versioned derived keys. Version
// N's key is HKDF-SHA256(master, info="scrutiny/vault/v<N>"), so any
// historical version can be re-derived on demand.
type Cipher struct {
	mu     sync.RWMutex
	master []byte
	active uint32
}

// NewCipher creates a cipher from a 32-byte master key.
func NewCipher(master []byte) (*Cipher, error) {
	if len(master) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("vault: master key must be %d bytes, got %d", chacha20poly1305.KeySize, len(master))
	}
	return &Cipher{master: append([]byte(nil), master...), active: 1}, nil
}

// Rotate activates the next key version for new seals. Old blobs remain
// openable.
func (c *Cipher) Rotate() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active++
	return c.active
}

// ActiveVersion returns the key version used for new seals.
func (c *Cipher) ActiveVersion() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active
}

func (c *Cipher) deriveKey(version uint32) ([]byte, error) {
	info := fmt.Sprintf("%s/v%d", keyDerivationInfo, version)
	reader := hkdf.New(sha256.New, c.master, nil, []byte(info))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("vault: key derivation failed: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext under the active key. Output layout is
// "v<N>:" followed by nonce and ciphertext.
func (c *Cipher) Seal(plaintext []byte) ([]byte, error) {
	c.mu.RLock()
	version := c.active
	c.mu.RUnlock()

	key, err := c.deriveKey(version)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSealFailed, err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: nonce generation: %v", ErrSealFailed, err)
	}
	header := []byte("v" + strconv.FormatUint(uint64(version), 10) + ":")
	sealed := make([]byte, 0, len(header)+len(nonce)+len(plaintext)+aead.Overhead())
	sealed = append(sealed, header...)
	sealed = append(sealed, nonce...)
	return aead.Seal(sealed, nonce, plaintext, nil), nil
}

// Open decrypts a sealed payload, re-deriving whichever key version
// sealed it.
func (c *Cipher) Open(sealed []byte) ([]byte, error) {
	limit := len(sealed)
	if limit > 12 {
		limit = 12
	}
	idx := bytes.IndexByte(sealed[:limit], ':')
	if idx < 2 || sealed[0] != 'v' {
		return nil, fmt.Errorf("%w: missing version header", ErrOpenFailed)
	}
	version, err := strconv.ParseUint(string(sealed[1:idx]), 10, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: bad version header", ErrOpenFailed)
	}
	c.mu.RLock()
	active := c.active
	c.mu.RUnlock()
	if uint32(version) == 0 || uint32(version) > active {
		return nil, fmt.Errorf("%w: v%d", ErrUnknownKeyVersion, version)
	}

	key, err := c.deriveKey(uint32(version))
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}
	body := sealed[idx+1:]
	if len(body) < aead.NonceSize() {
		return nil, fmt.Errorf("%w: sealed payload too short", ErrOpenFailed)
	}
	nonce, ciphertext := body[:aead.NonceSize()], body[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}
	return plaintext, nil
}

// AuditSink receives raw-access events. *audit.Log satisfies it.
type AuditSink interface {
	Append(ctx context.Context, rec audit.Record) (*audit.Event, error)
}

// Vault seals payloads into a blob store and gates access to them.
type Vault struct {
	blobs     BlobStore
	cipher    *Cipher
	auditSink AuditSink
	logger    *slog.Logger
}

// New creates a vault over the given blob store and cipher.
func New(blobs BlobStore, cipher *Cipher, auditSink AuditSink) *Vault {
	return &Vault{
		blobs:     blobs,
		cipher:    cipher,
		auditSink: auditSink,
		logger:    slog.Default().With("component", "vault"),
	}
}

// Put seals the payload and stores it, returning the blob reference to
// persist alongside the cache entry.
func (v *Vault) Put(ctx context.Context, plaintext []byte) (string, error) {
	sealed, err := v.cipher.Seal(plaintext)
	if err != nil {
		return "", err
	}
	ref, err := v.blobs.Store(ctx, sealed)
	if err != nil {
		return "", fmt.Errorf("vault: failed to store blob: %w", err)
	}
	return ref, nil
}

// Open returns the decrypted payload behind ref. The access is audited
// before any bytes are read; a failed audit write denies access.
func (v *Vault) Open(ctx context.Context, ref string, actor audit.Actor, reason string) ([]byte, error) {
	if v.auditSink != nil {
		if _, err := v.auditSink.Append(ctx, audit.Record{
			Actor:    actor,
			Category: audit.CategoryRawAccess,
			Subject:  ref,
			Action:   "open",
			Payload:  map[string]any{"reason": reason},
		}); err != nil {
			return nil, err
		}
	}
	sealed, err := v.blobs.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	return v.cipher.Open(sealed)
}

// Delete removes the blob behind ref. Used by erasure; deleting a
// missing blob is not an error.
func (v *Vault) Delete(ctx context.Context, ref string) error {
	if err := v.blobs.Delete(ctx, ref); err != nil {
		return fmt.Errorf("vault: failed to delete blob: %w", err)
	}
	v.logger.Debug("blob deleted", "ref", ref)
	return nil
}

// parseRef validates a "sha256:<hex>" reference and returns the hex part.
func parseRef(ref string) (string, error) {
	rest, ok := strings.CutPrefix(ref, "sha256:")
	if !ok || len(rest) != 64 {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	for _, r := range rest {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f':
		default:
			return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
		}
	}
	return rest, nil
}
