package vault

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritas-labs/scrutiny/pkg/audit"
)

func testMasterKey() []byte {
	return bytes.Repeat([]byte{0x42}, 32)
}

func TestCipherRoundTrip(t *testing.T) {
	c, err := NewCipher(testMasterKey())
	require.NoError(t, err)

	plaintext := []byte(`{"source":"county court","records":[{"case":"CR-2019-1142"}]}`)
	sealed, err := c.Seal(plaintext)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(sealed, []byte("v1:")))
	assert.NotContains(t, string(sealed), "county court")

	opened, err := c.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestCipherKeySize(t *testing.T) {
	_, err := NewCipher([]byte("short"))
	require.Error(t, err)
}

func TestCipherRotation(t *testing.T) {
	c, err := NewCipher(testMasterKey())
	require.NoError(t, err)

	oldSealed, err := c.Seal([]byte("before rotation"))
	require.NoError(t, err)

	require.Equal(t, uint32(2), c.Rotate())
	assert.Equal(t, uint32(2), c.ActiveVersion())

	newSealed, err := c.Seal([]byte("after rotation"))
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(newSealed, []byte("v2:")))

	// Blobs sealed before the rotation stay openable.
	opened, err := c.Open(oldSealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("before rotation"), opened)

	opened, err = c.Open(newSealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("after rotation"), opened)
}

func TestCipherRejectsBadPayloads(t *testing.T) {
	c, err := NewCipher(testMasterKey())
	require.NoError(t, err)

	sealed, err := c.Seal([]byte("payload"))
	require.NoError(t, err)

	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0xFF
	_, err = c.Open(tampered)
	require.ErrorIs(t, err, ErrOpenFailed)

	future := append([]byte("v9:"), sealed[3:]...)
	_, err = c.Open(future)
	require.ErrorIs(t, err, ErrUnknownKeyVersion)

	_, err = c.Open([]byte("garbage"))
	require.ErrorIs(t, err, ErrOpenFailed)

	_, err = c.Open([]byte("v1:short"))
	require.ErrorIs(t, err, ErrOpenFailed)
}

func TestFileStoreContentAddressing(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	data := []byte("sealed payload bytes")
	ref, err := store.Store(ctx, data)
	require.NoError(t, err)
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, ref)

	again, err := store.Store(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, ref, again)

	got, err := store.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	exists, err := store.Exists(ctx, ref)
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, store.Delete(ctx, ref))
	exists, err = store.Exists(ctx, ref)
	require.NoError(t, err)
	assert.False(t, exists)
	require.NoError(t, store.Delete(ctx, ref))

	_, err = store.Get(ctx, "sha256:not-hex")
	require.ErrorIs(t, err, ErrInvalidRef)
	_, err = store.Get(ctx, ref)
	require.ErrorIs(t, err, ErrBlobNotFound)
}

func newTestVault(t *testing.T) (*Vault, *audit.Log) {
	t.Helper()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	cipher, err := NewCipher(testMasterKey())
	require.NoError(t, err)
	log, err := audit.New(context.Background(), audit.NewMemoryStore())
	require.NoError(t, err)
	return New(store, cipher, log), log
}

func TestVaultPutOpen(t *testing.T) {
	v, log := newTestVault(t)
	ctx := context.Background()

	plaintext := []byte(`{"raw":"provider payload"}`)
	ref, err := v.Put(ctx, plaintext)
	require.NoError(t, err)
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, ref)

	opened, err := v.Open(ctx, ref, audit.ActorUser, "analyst review")
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)

	events, err := log.Query(ctx, audit.Filter{Category: audit.CategoryRawAccess})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ref, events[0].Subject)
	assert.Equal(t, audit.ActorUser, events[0].Actor)
}

type failingSink struct{}

func (failingSink) Append(context.Context, audit.Record) (*audit.Event, error) {
	return nil, errors.New("sink down")
}

func TestVaultOpenDeniedWhenAuditFails(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	cipher, err := NewCipher(testMasterKey())
	require.NoError(t, err)
	v := New(store, cipher, failingSink{})
	ctx := context.Background()

	ref, err := v.Put(ctx, []byte("secret"))
	require.NoError(t, err)

	_, err = v.Open(ctx, ref, audit.ActorUser, "review")
	require.Error(t, err)
}

func TestVaultDelete(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()

	ref, err := v.Put(ctx, []byte("to be erased"))
	require.NoError(t, err)
	require.NoError(t, v.Delete(ctx, ref))
	require.NoError(t, v.Delete(ctx, ref))

	_, err = v.Open(ctx, ref, audit.ActorSystem, "erasure check")
	require.ErrorIs(t, err, ErrBlobNotFound)
}
