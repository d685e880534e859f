package fastcopy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dedupv1/dedupv1d/pkg/bridge"
	"github.com/dedupv1/dedupv1d/pkg/dedupengine"
	"github.com/dedupv1/dedupv1d/pkg/storage"
	"github.com/dedupv1/dedupv1d/pkg/volume"
)

type volumeSet struct {
	byID map[uint32]*volume.Volume
}

func (vs *volumeSet) FindByID(id uint32) (*volume.Volume, bool) {
	v, ok := vs.byID[id]
	return v, ok
}

func newTestIndex(t *testing.T) storage.Index {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir() + "/test.db")
	require.NoError(t, err)
	require.NoError(t, store.Start())
	t.Cleanup(func() { _ = store.Close() })
	index, err := store.Index("fastcopy")
	require.NoError(t, err)
	return index
}

func newStartedVolume(t *testing.T, id uint32, size uint64, system dedupengine.System, errIdx storage.Index) *volume.Volume {
	t.Helper()
	v, err := volume.New(volume.Options{ID: id, LogicalSize: size, Maintenance: true})
	require.NoError(t, err)
	require.NoError(t, v.Start(system, bridge.NewFakeBridge(), errIdx))
	require.NoError(t, v.Run())
	return v
}

func newFixture(t *testing.T) (*Engine, *volumeSet, storage.Index) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir() + "/test.db")
	require.NoError(t, err)
	require.NoError(t, store.Start())
	t.Cleanup(func() { _ = store.Close() })
	errIdx, err := store.Index("errors")
	require.NoError(t, err)

	system := dedupengine.NewMemSystem(64 << 20)
	vs := &volumeSet{byID: make(map[uint32]*volume.Volume)}
	vs.byID[1] = newStartedVolume(t, 1, 4096*100, system, errIdx)
	vs.byID[2] = newStartedVolume(t, 2, 4096*100, system, errIdx)

	eng := New(vs)
	return eng, vs, newTestIndex(t)
}

func TestStartNewFastCopyJobRejectsDuplicateTarget(t *testing.T) {
	eng, _, index := newFixture(t)
	require.NoError(t, eng.Start(index))
	require.NoError(t, eng.Run())
	defer eng.Stop()

	require.NoError(t, eng.StartNewFastCopyJob(1, 2, 0, 0, 4096))
	assert.Error(t, eng.StartNewFastCopyJob(1, 2, 0, 0, 4096))
}

func TestFastCopyCompletesAndClearsEndpoints(t *testing.T) {
	eng, _, index := newFixture(t)
	require.NoError(t, eng.Start(index))
	require.NoError(t, eng.Run())

	require.NoError(t, eng.StartNewFastCopyJob(1, 2, 0, 0, 4096*8))
	assert.True(t, eng.IsFastCopySource(1))
	assert.True(t, eng.IsFastCopyTarget(2))

	require.Eventually(t, func() bool {
		return !eng.IsFastCopyTarget(2)
	}, 2*time.Second, 5*time.Millisecond)
	assert.False(t, eng.IsFastCopySource(1))

	require.NoError(t, eng.Stop())
}

func TestSnapshotPersistsAcrossRestart(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir() + "/test.db")
	require.NoError(t, err)
	require.NoError(t, store.Start())
	t.Cleanup(func() { _ = store.Close() })
	errIdx, err := store.Index("errors")
	require.NoError(t, err)
	fcIndex, err := store.Index("fastcopy")
	require.NoError(t, err)

	system := dedupengine.NewMemSystem(64 << 20)
	vs := &volumeSet{byID: make(map[uint32]*volume.Volume)}
	vs.byID[1] = newStartedVolume(t, 1, 4096*100, system, errIdx)
	vs.byID[2] = newStartedVolume(t, 2, 4096*100, system, errIdx)

	eng1 := New(vs)
	require.NoError(t, eng1.Start(fcIndex))
	require.NoError(t, eng1.StartNewFastCopyJob(1, 2, 0, 0, 4096*4))

	eng2 := New(vs)
	require.NoError(t, eng2.Start(fcIndex))
	assert.True(t, eng2.IsFastCopyTarget(2))
}
