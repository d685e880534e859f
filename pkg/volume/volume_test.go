package volume

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dedupv1/dedupv1d/pkg/bridge"
	"github.com/dedupv1/dedupv1d/pkg/dedupengine"
	"github.com/dedupv1/dedupv1d/pkg/storage"
)

func putBE32(buf []byte, v uint32) {
	buf[0] = byte(v >> 24)
	buf[1] = byte(v >> 16)
	buf[2] = byte(v >> 8)
	buf[3] = byte(v)
}

func write10CDB(lba uint32, numBlocks uint16) []byte {
	cdb := make([]byte, 10)
	cdb[0] = 0x2A // WRITE(10)
	putBE32(cdb[2:6], lba)
	cdb[7] = byte(numBlocks >> 8)
	cdb[8] = byte(numBlocks)
	return cdb
}

func read10CDB(lba uint32, numBlocks uint16) []byte {
	cdb := make([]byte, 10)
	cdb[0] = 0x28 // READ(10)
	putBE32(cdb[2:6], lba)
	cdb[7] = byte(numBlocks >> 8)
	cdb[8] = byte(numBlocks)
	return cdb
}

func newTestVolume(t *testing.T, id uint32, logicalSize uint64) (*Volume, *bridge.FakeBridge, dedupengine.System, storage.Index) {
	t.Helper()
	v, err := New(Options{ID: id, LogicalSize: logicalSize, SectorSize: 512, CommandThreadCount: 4})
	require.NoError(t, err)

	store, err := storage.NewBoltStore(t.TempDir() + "/test.db")
	require.NoError(t, err)
	require.NoError(t, store.Start())
	t.Cleanup(func() { _ = store.Close() })
	index, err := store.Index("ch-errors")
	require.NoError(t, err)

	system := dedupengine.NewMemSystem(0)
	br := bridge.NewFakeBridge()

	require.NoError(t, v.Start(system, br, index))
	return v, br, system, index
}

func TestNewRejectsBadSectorSize(t *testing.T) {
	_, err := New(Options{ID: 1, LogicalSize: 4096, SectorSize: 600})
	assert.Error(t, err)
}

func TestNewRejectsMisalignedLogicalSize(t *testing.T) {
	_, err := New(Options{ID: 1, LogicalSize: 100, SectorSize: 512})
	assert.Error(t, err)
}

func TestNewDefaults(t *testing.T) {
	v, err := New(Options{ID: 7, LogicalSize: 4096 * 10})
	require.NoError(t, err)
	assert.Equal(t, uint32(512), v.SectorSize())
	assert.Equal(t, DefaultCommandThreadCount, v.CommandThreadCount())
	assert.Equal(t, "dedupv1-7", v.DeviceName())
	assert.Equal(t, StateCreated, v.State())
}

func TestLifecycleTransitions(t *testing.T) {
	v, br, _, _ := newTestVolume(t, 1, 4096*100)
	assert.Equal(t, StateStarted, v.State())

	require.NoError(t, v.Run())
	assert.Equal(t, StateRunning, v.State())
	registered, opts := br.Registered()
	assert.True(t, registered)
	assert.Equal(t, "dedupv1-1", opts.DeviceName)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, v.Stop(ctx))
	assert.Equal(t, StateStopped, v.State())

	// Restart: second Run call uses Restart rather than Start.
	require.NoError(t, v.Run())
	assert.Equal(t, StateRunning, v.State())
	require.NoError(t, v.Stop(ctx))

	require.NoError(t, v.Close())
}

func TestRunRejectedFromCreated(t *testing.T) {
	v, err := New(Options{ID: 1, LogicalSize: 4096})
	require.NoError(t, err)
	assert.Error(t, v.Run())
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	v, br, _, _ := newTestVolume(t, 2, 4096*100)
	require.NoError(t, v.Run())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	defer func() { _ = v.Stop(ctx) }()

	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i)
	}

	writeResp := br.InjectAndWait(bridge.Command{
		Subcode:   bridge.Exec,
		SessionID: 1,
		CommandID: 1,
		CDB:       write10CDB(0, 8), // 8 * 512 = 4096
		WriteData: payload,
	})
	assert.Equal(t, bridge.ExecCompleted, writeResp.Status)
	assert.True(t, writeResp.Result.OK())

	readResp := br.InjectAndWait(bridge.Command{
		Subcode:   bridge.Exec,
		SessionID: 1,
		CommandID: 2,
		CDB:       read10CDB(0, 8),
		AllocLen:  4096,
	})
	assert.True(t, readResp.Result.OK())
	assert.Equal(t, payload, readResp.Data)
}

func TestMaintenanceModeRejectsDataPathCommands(t *testing.T) {
	v, br, _, _ := newTestVolume(t, 3, 4096*100)
	require.NoError(t, v.ChangeMaintenanceMode(true))
	require.NoError(t, v.Run())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	defer func() { _ = v.Stop(ctx) }()

	resp := br.InjectAndWait(bridge.Command{
		Subcode:  bridge.Exec,
		CDB:      read10CDB(0, 8),
		AllocLen: 4096,
	})
	assert.False(t, resp.Result.OK())
}

func TestChangeMaintenanceModeRejectedAfterFailed(t *testing.T) {
	v, err := New(Options{ID: 4, LogicalSize: 4096})
	require.NoError(t, err)
	v.state = StateFailed
	assert.Error(t, v.ChangeMaintenanceMode(true))
}

func TestChangeLogicalSizeRejectsShrink(t *testing.T) {
	v, _, _, _ := newTestVolume(t, 5, 4096*100)
	assert.Error(t, v.ChangeLogicalSize(4096*10))
}

func TestChangeLogicalSizeGrowsAndNotifies(t *testing.T) {
	v, br, _, _ := newTestVolume(t, 6, 4096*100)
	require.NoError(t, v.Run())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	defer func() { _ = v.Stop(ctx) }()

	require.NoError(t, v.ChangeLogicalSize(4096*200))
	assert.Equal(t, uint64(4096*200/512), v.BlockCount())
	assert.Equal(t, 1, br.CapacityNotifications())
}

func TestChangeOptionsRequiresMaintenance(t *testing.T) {
	v, _, _, _ := newTestVolume(t, 7, 4096*100)
	err := v.ChangeOptions(dedupengine.Options{"filter": "x"}, dedupengine.Options{"chunking": "y"})
	assert.Error(t, err)

	require.NoError(t, v.ChangeMaintenanceMode(true))
	require.NoError(t, v.ChangeOptions(dedupengine.Options{"filter": "x"}, dedupengine.Options{"chunking": "y"}))
}

func TestGroupAndTargetMembership(t *testing.T) {
	v, err := New(Options{ID: 8, LogicalSize: 4096})
	require.NoError(t, err)

	require.NoError(t, v.AddToGroup("grp0", 0))
	assert.Error(t, v.AddToGroup("grp0", 0)) // duplicate
	assert.Len(t, v.Groups(), 1)
	v.RemoveFromGroup("grp0", 0)
	assert.Empty(t, v.Groups())

	require.NoError(t, v.AddToTarget("tgt0", 1))
	v.RenameTarget("tgt0", "tgt1")
	assert.Equal(t, "tgt1", v.Targets()[0].Name)
	v.RemoveFromTarget("tgt1", 1)
	assert.Empty(t, v.Targets())
}

func TestPreconfiguredVolumeRejectsMembershipChange(t *testing.T) {
	v, err := New(Options{ID: 9, LogicalSize: 4096, Preconfigured: true})
	require.NoError(t, err)
	assert.Error(t, v.AddToGroup("grp0", 0))
	assert.Error(t, v.AddToTarget("tgt0", 0))
}

func TestSerializeParseRoundTrip(t *testing.T) {
	v, err := New(Options{
		ID:                 42,
		LogicalSize:        4096 * 10,
		SectorSize:         4096,
		CommandThreadCount: 8,
		Groups:             []NamedLUN{{Name: "grp0", LUN: 0}},
		Targets:            []NamedLUN{{Name: "tgt0", LUN: 1}},
		FilterChainOptions: dedupengine.Options{"filter": "none"},
		ChunkingOptions:    dedupengine.Options{"chunking": "fixed"},
		Maintenance:        true,
	})
	require.NoError(t, err)

	data, err := v.SerializeTo()
	require.NoError(t, err)

	opts, err := ParseFrom(data)
	require.NoError(t, err)

	assert.Equal(t, v.ID(), opts.ID)
	assert.Equal(t, v.LogicalSize(), opts.LogicalSize)
	assert.Equal(t, v.SectorSize(), opts.SectorSize)
	assert.Equal(t, v.CommandThreadCount(), opts.CommandThreadCount)
	assert.Equal(t, v.Groups(), opts.Groups)
	assert.Equal(t, v.Targets(), opts.Targets)
	assert.Equal(t, v.maintenance, opts.Maintenance)

	v2, err := New(opts)
	require.NoError(t, err)
	assert.Equal(t, v.DeviceName(), v2.DeviceName())
	assert.Equal(t, v.BlockCount(), v2.BlockCount())
}

func TestSerializeOmitsDefaultDeviceNameAndSectorSize(t *testing.T) {
	v, err := New(Options{ID: 11, LogicalSize: 4096})
	require.NoError(t, err)
	data, err := v.SerializeTo()
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"device_name"`)
	assert.NotContains(t, string(data), `"sector_size"`)
}

func TestThrottleDecisionBelowThreshold(t *testing.T) {
	sleep, dur := throttleDecision(499, 16, 1)
	assert.False(t, sleep)
	assert.Zero(t, dur)
}

func TestThrottleDecisionAtCapacity(t *testing.T) {
	// avg well above threshold, threadsToHold about 13.3; with all 16 threads
	// already throttled this call should not need to sleep.
	sleep, _ := throttleDecision(1900, 16, 16)
	assert.False(t, sleep)
}

func TestThrottleDecisionTriggersSleep(t *testing.T) {
	// avg just over threshold, only this one thread currently throttled:
	// threads_to_hold should exceed 1.
	sleep, dur := throttleDecision(600, 16, 1)
	assert.True(t, sleep)
	assert.InDelta(t, 6.0, dur.Seconds(), 0.01)
}

func TestThrottleDelegatesToEngineAndUpdatesAverage(t *testing.T) {
	v, _, _, _ := newTestVolume(t, 12, 4096*100)
	slept, err := v.Throttle(0)
	require.NoError(t, err)
	assert.False(t, slept) // fresh handler has zero average response time
	assert.Equal(t, 1, v.throttleTimeAvg.pos)
}

func TestForceMaintenanceForFullStoreIsIdempotent(t *testing.T) {
	v, _, _, _ := newTestVolume(t, 13, 4096*100)
	assert.False(t, v.Maintenance())
	v.forceMaintenanceForFullStore()
	assert.True(t, v.Maintenance())
	v.forceMaintenanceForFullStore() // no panic, no double unit-attention push issue
	assert.True(t, v.Maintenance())
}

func TestWriteForcesMaintenanceWhenStoreFull(t *testing.T) {
	v, err := New(Options{ID: 14, LogicalSize: 4096 * 100, SectorSize: 512, CommandThreadCount: 2})
	require.NoError(t, err)

	store, err := storage.NewBoltStore(t.TempDir() + "/test.db")
	require.NoError(t, err)
	require.NoError(t, store.Start())
	t.Cleanup(func() { _ = store.Close() })
	index, err := store.Index("ch-errors")
	require.NoError(t, err)

	system := dedupengine.NewMemSystem(1) // capacity so small any write overflows it
	br := bridge.NewFakeBridge()
	require.NoError(t, v.Start(system, br, index))
	require.NoError(t, v.Run())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	defer func() { _ = v.Stop(ctx) }()

	payload := make([]byte, 4096)
	resp := br.InjectAndWait(bridge.Command{
		Subcode:   bridge.Exec,
		CDB:       write10CDB(0, 8),
		WriteData: payload,
	})
	assert.False(t, resp.Result.OK())
	assert.True(t, v.Maintenance())
}

func TestSessionAttachDetach(t *testing.T) {
	v, br, _, _ := newTestVolume(t, 15, 4096*100)
	require.NoError(t, v.Run())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	defer func() { _ = v.Stop(ctx) }()

	br.InjectAndWait(bridge.Command{Subcode: bridge.AttachSess, SessionID: 99, InitiatorName: "iqn.test"})
	assert.Equal(t, 1, v.SessionCount())
	s, ok := v.FindSession(99)
	require.True(t, ok)
	assert.Equal(t, "iqn.test", s.InitiatorName)

	br.InjectAndWait(bridge.Command{Subcode: bridge.DetachSess, SessionID: 99})
	assert.Equal(t, 0, v.SessionCount())
}

func TestWorkerTransitionsToFailedOnBridgeError(t *testing.T) {
	v, br, _, _ := newTestVolume(t, 16, 4096*100)
	require.NoError(t, v.Run())

	br.SetFailNext(assertErr{})
	require.Eventually(t, func() bool {
		return v.State() == StateFailed
	}, time.Second, 5*time.Millisecond)
}

type assertErr struct{}

func (assertErr) Error() string { return "bridge wedged" }
