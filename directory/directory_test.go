package directory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/opd-ai/codedrop/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// directoryContract exercises the behaviour every backend must share.
func directoryContract(t *testing.T, dir interfaces.Directory) {
	t.Helper()
	ctx := context.Background()

	t.Run("resolve_returns_published_address", func(t *testing.T) {
		require.NoError(t, dir.Publish(ctx, testCode, testPeerAddr))
		addr, err := dir.Resolve(ctx, testCode)
		require.NoError(t, err)
		assert.Equal(t, testPeerAddr, addr)
	})

	t.Run("unpublished_code_not_found", func(t *testing.T) {
		_, err := dir.Resolve(ctx, "000000")
		assert.ErrorIs(t, err, interfaces.ErrCodeNotFound)
	})

	t.Run("republish_supersedes", func(t *testing.T) {
		require.NoError(t, dir.Publish(ctx, testCode2, testPeerAddr))
		require.NoError(t, dir.Publish(ctx, testCode2, testPeerAlt))
		addr, err := dir.Resolve(ctx, testCode2)
		require.NoError(t, err)
		assert.Equal(t, testPeerAlt, addr)
	})

	t.Run("withdraw_removes_code", func(t *testing.T) {
		require.NoError(t, dir.Publish(ctx, "555555", testPeerAddr))
		require.NoError(t, dir.Withdraw(ctx, "555555"))
		_, err := dir.Resolve(ctx, "555555")
		assert.ErrorIs(t, err, interfaces.ErrCodeNotFound)
		assert.NoError(t, dir.Withdraw(ctx, "555555"), "withdrawing twice is not an error")
	})
}

func TestMemoryDirectoryContract(t *testing.T) {
	directoryContract(t, NewMemoryDirectory(time.Hour))
}

func TestSQLiteDirectoryContract(t *testing.T) {
	dir, err := NewSQLiteDirectory(filepath.Join(t.TempDir(), "codes.db"), time.Hour)
	require.NoError(t, err)
	defer dir.Close()

	directoryContract(t, dir)
}

func TestMemoryDirectoryExpiry(t *testing.T) {
	ctx := context.Background()
	tp := newMockTimeProvider()
	dir := NewMemoryDirectory(10 * time.Minute)
	dir.SetTimeProvider(tp)

	require.NoError(t, dir.Publish(ctx, testCode, testPeerAddr))
	require.NoError(t, dir.Publish(ctx, testCode2, testPeerAddr))

	tp.advance(9 * time.Minute)
	_, err := dir.Resolve(ctx, testCode)
	require.NoError(t, err)

	tp.advance(time.Minute)
	_, err = dir.Resolve(ctx, testCode)
	assert.ErrorIs(t, err, interfaces.ErrCodeNotFound, "expired code must look unpublished")

	assert.Equal(t, 1, dir.Len())
	assert.Equal(t, 1, dir.PurgeExpired())
	assert.Equal(t, 0, dir.Len())
}

func TestMemoryDirectoryNoTTLNeverExpires(t *testing.T) {
	ctx := context.Background()
	tp := newMockTimeProvider()
	dir := NewMemoryDirectory(0)
	dir.SetTimeProvider(tp)

	require.NoError(t, dir.Publish(ctx, testCode, testPeerAddr))
	tp.advance(365 * 24 * time.Hour)

	ad, err := dir.Lookup(ctx, testCode)
	require.NoError(t, err)
	assert.Equal(t, testPeerAddr, ad.PeerAddress)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), ad.CreatedAt)
}

func TestMemoryDirectoryCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dir := NewMemoryDirectory(0)
	assert.ErrorIs(t, dir.Publish(ctx, testCode, testPeerAddr), context.Canceled)
	_, err := dir.Resolve(ctx, testCode)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLocalIsShared(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, Local().Publish(ctx, "LOCAL1", testPeerAddr))
	defer Local().Withdraw(ctx, "LOCAL1")

	addr, err := Local().Resolve(ctx, "LOCAL1")
	require.NoError(t, err)
	assert.Equal(t, testPeerAddr, addr)
	assert.Same(t, Local(), Local())
}

func TestSQLiteDirectoryExpiryAndPurge(t *testing.T) {
	ctx := context.Background()
	tp := newMockTimeProvider()
	dir, err := NewSQLiteDirectory(":memory:", 10*time.Minute)
	require.NoError(t, err)
	defer dir.Close()
	dir.SetTimeProvider(tp)

	require.NoError(t, dir.Publish(ctx, testCode, testPeerAddr))

	ad, err := dir.Lookup(ctx, testCode)
	require.NoError(t, err)
	assert.Equal(t, tp.Now().UnixNano(), ad.CreatedAt.UnixNano())

	tp.advance(10 * time.Minute)
	_, err = dir.Resolve(ctx, testCode)
	assert.ErrorIs(t, err, interfaces.ErrCodeNotFound)

	removed, err := dir.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}

func TestSQLiteDirectoryPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "codes.db")

	dir, err := NewSQLiteDirectory(path, 0)
	require.NoError(t, err)
	require.NoError(t, dir.Publish(ctx, testCode, testPeerAddr))
	require.NoError(t, dir.Close())

	reopened, err := NewSQLiteDirectory(path, 0)
	require.NoError(t, err)
	defer reopened.Close()

	addr, err := reopened.Resolve(ctx, testCode)
	require.NoError(t, err)
	assert.Equal(t, testPeerAddr, addr)
}

func TestSQLiteDirectoryClosedIsUnavailable(t *testing.T) {
	dir, err := NewSQLiteDirectory(":memory:", 0)
	require.NoError(t, err)
	require.NoError(t, dir.Close())

	err = dir.Publish(context.Background(), testCode, testPeerAddr)
	assert.ErrorIs(t, err, interfaces.ErrDirectoryUnavailable)
}
