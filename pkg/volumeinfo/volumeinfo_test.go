package volumeinfo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dedupv1/dedupv1d/pkg/bridge"
	"github.com/dedupv1/dedupv1d/pkg/dedupengine"
	"github.com/dedupv1/dedupv1d/pkg/groupinfo"
	"github.com/dedupv1/dedupv1d/pkg/storage"
	"github.com/dedupv1/dedupv1d/pkg/targetinfo"
	"github.com/dedupv1/dedupv1d/pkg/volume"
)

type fixture struct {
	vi      *VolumeInfo
	index   storage.Index
	errIdx  storage.Index
	groups  *groupinfo.GroupInfo
	targets *targetinfo.TargetInfo
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir() + "/test.db")
	require.NoError(t, err)
	require.NoError(t, store.Start())
	t.Cleanup(func() { _ = store.Close() })

	volIndex, err := store.Index("volumes")
	require.NoError(t, err)
	errIndex, err := store.Index("volume-errors")
	require.NoError(t, err)

	g := groupinfo.New()
	require.NoError(t, g.Start([]groupinfo.Options{{Name: "grp0"}}, mustIndex(t, store, "groups")))
	ti := targetinfo.New(nil)
	require.NoError(t, ti.Start([]targetinfo.Options{{TID: 1, Name: "iqn.tgt0"}}, mustIndex(t, store, "targets")))

	system := dedupengine.NewMemSystem(64 << 20)
	vi := New(g, ti, system, func() bridge.Bridge { return bridge.NewFakeBridge() })

	return &fixture{vi: vi, index: volIndex, errIdx: errIndex, groups: g, targets: ti}
}

func mustIndex(t *testing.T, store *storage.BoltStore, name string) storage.Index {
	t.Helper()
	idx, err := store.Index(name)
	require.NoError(t, err)
	return idx
}

func TestStartEmpty(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.vi.Start(nil, f.index, f.errIdx))
	assert.Empty(t, f.vi.List())
}

func TestAttachAndFindVolume(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.vi.Start(nil, f.index, f.errIdx))

	v, err := f.vi.AttachVolume(volume.Options{ID: 1, LogicalSize: 4096 * 4}, f.errIdx)
	require.NoError(t, err)
	assert.Equal(t, volume.StateRunning, v.State())

	found, ok := f.vi.FindByID(1)
	require.True(t, ok)
	assert.Equal(t, v, found)
}

func TestAttachRejectsDuplicateID(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.vi.Start(nil, f.index, f.errIdx))
	_, err := f.vi.AttachVolume(volume.Options{ID: 1, LogicalSize: 4096}, f.errIdx)
	require.NoError(t, err)
	_, err = f.vi.AttachVolume(volume.Options{ID: 1, LogicalSize: 4096}, f.errIdx)
	assert.Error(t, err)
}

func TestGroupMembershipAndLookup(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.vi.Start(nil, f.index, f.errIdx))
	_, err := f.vi.AttachVolume(volume.Options{ID: 1, LogicalSize: 4096}, f.errIdx)
	require.NoError(t, err)

	require.NoError(t, f.vi.AddToGroup(1, "grp0", 0))
	v, ok := f.vi.FindInGroup("grp0", 0)
	require.True(t, ok)
	assert.Equal(t, uint32(1), v.ID())

	assert.Error(t, f.vi.AddToGroup(1, "grp0", 0))
	require.NoError(t, f.vi.RemoveFromGroup(1, "grp0", 0))
	_, ok = f.vi.FindInGroup("grp0", 0)
	assert.False(t, ok)
}

func TestTargetMembershipAndRebind(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.vi.Start(nil, f.index, f.errIdx))
	_, err := f.vi.AttachVolume(volume.Options{ID: 1, LogicalSize: 4096}, f.errIdx)
	require.NoError(t, err)

	require.NoError(t, f.vi.AddToTarget(1, "iqn.tgt0", 0))
	v, ok := f.vi.FindInTarget("iqn.tgt0", 0)
	require.True(t, ok)
	assert.Equal(t, uint32(1), v.ID())

	require.NoError(t, f.vi.RebindTarget("iqn.tgt0", "iqn.tgt1"))
	_, ok = f.vi.FindInTarget("iqn.tgt0", 0)
	assert.False(t, ok)
	v, ok = f.vi.FindInTarget("iqn.tgt1", 0)
	require.True(t, ok)
	assert.Equal(t, uint32(1), v.ID())
}

func TestDetachRejectsWhileGrouped(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.vi.Start(nil, f.index, f.errIdx))
	_, err := f.vi.AttachVolume(volume.Options{ID: 1, LogicalSize: 4096}, f.errIdx)
	require.NoError(t, err)
	require.NoError(t, f.vi.AddToGroup(1, "grp0", 0))

	assert.Error(t, f.vi.DetachVolume(1))
	require.NoError(t, f.vi.RemoveFromGroup(1, "grp0", 0))
	assert.NoError(t, f.vi.DetachVolume(1))
}

func TestDetachRejectsPreconfigured(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.vi.Start([]volume.Options{{ID: 1, LogicalSize: 4096}}, f.index, f.errIdx))
	assert.Error(t, f.vi.DetachVolume(1))
}

type fakeFastCopy struct {
	started  bool
	srcs     map[uint32]bool
	targets  map[uint32]bool
}

func (f *fakeFastCopy) StartNewFastCopyJob(srcID, targetID uint32, srcOffset, targetOffset, size uint64) error {
	f.started = true
	return nil
}
func (f *fakeFastCopy) IsFastCopySource(id uint32) bool { return f.srcs[id] }
func (f *fakeFastCopy) IsFastCopyTarget(id uint32) bool { return f.targets[id] }

func TestFastCopyRequiresMaintenanceOnBothEnds(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.vi.Start(nil, f.index, f.errIdx))
	_, err := f.vi.AttachVolume(volume.Options{ID: 1, LogicalSize: 4096}, f.errIdx)
	require.NoError(t, err)
	_, err = f.vi.AttachVolume(volume.Options{ID: 2, LogicalSize: 4096}, f.errIdx)
	require.NoError(t, err)

	fc := &fakeFastCopy{srcs: map[uint32]bool{}, targets: map[uint32]bool{}}
	f.vi.SetFastCopyEngine(fc)

	assert.Error(t, f.vi.FastCopy(1, 2, 0, 0, 4096))

	require.NoError(t, f.vi.ChangeMaintainceMode(1, true))
	require.NoError(t, f.vi.ChangeMaintainceMode(2, true))
	require.NoError(t, f.vi.FastCopy(1, 2, 0, 0, 4096))
	assert.True(t, fc.started)
}

func TestDetachRejectedWhileFastCopyEndpoint(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.vi.Start(nil, f.index, f.errIdx))
	_, err := f.vi.AttachVolume(volume.Options{ID: 1, LogicalSize: 4096}, f.errIdx)
	require.NoError(t, err)

	fc := &fakeFastCopy{srcs: map[uint32]bool{1: true}, targets: map[uint32]bool{}}
	f.vi.SetFastCopyEngine(fc)
	assert.Error(t, f.vi.DetachVolume(1))
}

type fakeDetacher struct {
	detaching map[uint32]bool
	handedOff []uint32
}

func newFakeDetacher() *fakeDetacher {
	return &fakeDetacher{detaching: map[uint32]bool{}}
}

func (f *fakeDetacher) DetachVolume(volumeID uint32, formerDeviceName string, formerLogicalSize, startBlock, endBlock uint64) error {
	f.detaching[volumeID] = true
	f.handedOff = append(f.handedOff, volumeID)
	return nil
}

func (f *fakeDetacher) IsDetaching(volumeID uint32) bool { return f.detaching[volumeID] }

func TestDetachVolumeHandsOffToDetacher(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.vi.Start(nil, f.index, f.errIdx))
	_, err := f.vi.AttachVolume(volume.Options{ID: 1, LogicalSize: 4096 * 4}, f.errIdx)
	require.NoError(t, err)

	det := newFakeDetacher()
	f.vi.SetDetacher(det)

	require.NoError(t, f.vi.DetachVolume(1))
	assert.Equal(t, []uint32{1}, det.handedOff)

	_, ok := f.vi.FindByID(1)
	assert.False(t, ok)
}

func TestAttachRejectsStillDetachingID(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.vi.Start(nil, f.index, f.errIdx))

	det := newFakeDetacher()
	det.detaching[2] = true
	f.vi.SetDetacher(det)

	_, err := f.vi.AttachVolume(volume.Options{ID: 2, LogicalSize: 4096}, f.errIdx)
	assert.Error(t, err)

	delete(det.detaching, 2)
	_, err = f.vi.AttachVolume(volume.Options{ID: 2, LogicalSize: 4096}, f.errIdx)
	assert.NoError(t, err)
}

func TestPersistedVolumesSurviveRestart(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.vi.Start(nil, f.index, f.errIdx))
	_, err := f.vi.AttachVolume(volume.Options{ID: 7, LogicalSize: 4096}, f.errIdx)
	require.NoError(t, err)

	system := dedupengine.NewMemSystem(64 << 20)
	vi2 := New(f.groups, f.targets, system, func() bridge.Bridge { return bridge.NewFakeBridge() })
	require.NoError(t, vi2.Start(nil, f.index, f.errIdx))
	_, ok := vi2.FindByID(7)
	assert.True(t, ok)
}
