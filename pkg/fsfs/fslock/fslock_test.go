package fslock

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cs3org/revafs/pkg/fsfs/fsfserr"
	"github.com/cs3org/revafs/pkg/fsfs/layout"
)

func newTestManager(t *testing.T) *Manager {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "transactions"), 0755))
	lt := &layout.Layout{Root: dir}
	return NewManager(lt)
}

func TestWithGlobalWriteLockSetsFlagWhileHeld(t *testing.T) {
	m := newTestManager(t)
	var ran bool
	err := m.WithGlobalWriteLock(context.Background(), func() error {
		ran = true
		require.True(t, m.HasGlobalWriteLock())
		return nil
	})
	require.NoError(t, err)
	require.True(t, ran)
	require.False(t, m.HasGlobalWriteLock())
}

func TestAcquireProtoRevLockRejectsSecondWriterInProcess(t *testing.T) {
	m := newTestManager(t)

	release, err := m.AcquireProtoRevLock("0-1")
	require.NoError(t, err)
	defer release()

	_, err2 := m.AcquireProtoRevLock("0-1")
	require.Error(t, err2)
	require.Equal(t, fsfserr.KindRepBeingWritten, fsfserr.KindOf(err2))
}

func TestAcquireProtoRevLockReleaseAllowsReacquire(t *testing.T) {
	m := newTestManager(t)

	release, err := m.AcquireProtoRevLock("0-1")
	require.NoError(t, err)
	release()

	_, err2 := m.AcquireProtoRevLock("0-1")
	require.NoError(t, err2)
}
