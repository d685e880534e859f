// Package detacher implements the Volume Detacher described in spec §4.6:
// background reclamation of block metadata for volumes that have been
// detached but whose blocks have not yet been fully returned to the dedup
// engine's chunk store.
package detacher

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dedupv1/dedupv1d/pkg/log"
	"github.com/dedupv1/dedupv1d/pkg/metrics"
	"github.com/dedupv1/dedupv1d/pkg/storage"
)

// State is one of the four states in the detacher lifecycle.
type State int

const (
	StateCreated State = iota
	StateStarted
	StateRunning
	StateStopped
)

// Idle-aware batch pacing, per spec §4.6.
const (
	idleBatchSize  = 256
	idleSleep      = 20 * time.Millisecond
	busyBatchSize  = 4
	busySleep      = 1 * time.Second
)

// BlockIndexDeleter reclaims the block metadata at a single block id. It is
// the dedup engine's chunk-store deletion path, abstracted so the detacher
// does not need to import the engine package directly.
type BlockIndexDeleter interface {
	DeleteBlockInfo(volumeID uint32, blockID uint64) error
	// Flush forces any buffered chunk-store state for volumeID to disk
	// before detaching begins, per spec §4.6 ("flushes the chunk store").
	Flush(volumeID uint32) error
}

// IdleDetector reports whether the system is currently idle, driving the
// detacher's batch-size and sleep-interval choice.
type IdleDetector interface {
	IsIdle() bool
}

// alwaysBusy is the default IdleDetector when the caller does not wire a
// real one in: it paces conservatively.
type alwaysBusy struct{}

func (alwaysBusy) IsIdle() bool { return false }

// DetachingData is the persisted record for one volume whose blocks are
// being reclaimed. The volume id stays reserved while this record exists.
type DetachingData struct {
	VolumeID          uint32 `json:"volume_id"`
	FormerDeviceName  string `json:"former_device_name"`
	FormerLogicalSize uint64 `json:"former_logical_size"`
	StartBlockID      uint64 `json:"start_block_id"`
	EndBlockID        uint64 `json:"end_block_id"`
	CurrentBlockID    uint64 `json:"current_block_id,omitempty"`
	HasCurrent        bool   `json:"has_current,omitempty"`
}

// Detacher reclaims block metadata for detached volumes in the background,
// one worker goroutine per volume, paced by an idle detector.
type Detacher struct {
	mu      sync.Mutex
	state   State
	entries map[uint32]*DetachingData
	index   storage.Index
	deleter BlockIndexDeleter
	idle    IdleDetector
	stopCh  map[uint32]chan struct{}
	wg      sync.WaitGroup
	logger  zerolog.Logger
}

// New returns a detacher in state CREATED. idle may be nil, in which case
// the detacher always paces as if busy.
func New(deleter BlockIndexDeleter, idle IdleDetector) *Detacher {
	if idle == nil {
		idle = alwaysBusy{}
	}
	return &Detacher{
		entries: make(map[uint32]*DetachingData),
		deleter: deleter,
		idle:    idle,
		stopCh:  make(map[uint32]chan struct{}),
		logger:  log.WithComponent("detacher"),
	}
}

func volKey(id uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, id)
	return buf
}

// Start loads the persistent index. CREATED -> STARTED.
func (d *Detacher) Start(index storage.Index) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateCreated {
		return fmt.Errorf("detacher: Start called from state other than CREATED")
	}
	d.index = index

	cursor, err := index.Cursor()
	if err != nil {
		return fmt.Errorf("detacher: open cursor: %w", err)
	}
	for key, value, ok := cursor.First(); ok; key, value, ok = cursor.Next() {
		var rec DetachingData
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("detacher: corrupt record for key %x: %w", key, err)
		}
		d.entries[rec.VolumeID] = &rec
		metrics.DetachingVolumesTotal.Inc()
	}

	d.state = StateStarted
	return nil
}

// Run starts one worker goroutine per pending detaching entry. STARTED ->
// RUNNING.
func (d *Detacher) Run() error {
	d.mu.Lock()
	if d.state != StateStarted {
		d.mu.Unlock()
		return fmt.Errorf("detacher: Run called from state other than STARTED")
	}
	d.state = StateRunning
	entries := make([]*DetachingData, 0, len(d.entries))
	for _, rec := range d.entries {
		entries = append(entries, rec)
	}
	d.mu.Unlock()

	for _, rec := range entries {
		d.startWorkerLocked(rec.VolumeID)
	}
	return nil
}

// Stop signals every worker to exit and waits for them. RUNNING -> STOPPED.
func (d *Detacher) Stop() error {
	d.mu.Lock()
	if d.state != StateRunning {
		d.mu.Unlock()
		return fmt.Errorf("detacher: Stop called from state other than RUNNING")
	}
	d.state = StateStopped
	for _, ch := range d.stopCh {
		close(ch)
	}
	d.stopCh = make(map[uint32]chan struct{})
	d.mu.Unlock()

	d.wg.Wait()
	return nil
}

// DetachVolume flushes the chunk store for volumeID and inserts a fresh
// detaching record spanning [startBlock, endBlock). Duplicate insertion for
// an already-detaching volume id is an error (put-if-absent semantics). If
// the detacher is RUNNING, the worker starts immediately.
func (d *Detacher) DetachVolume(volumeID uint32, formerDeviceName string, formerLogicalSize, startBlock, endBlock uint64) error {
	if err := d.deleter.Flush(volumeID); err != nil {
		return fmt.Errorf("detacher: flush volume %d: %w", volumeID, err)
	}

	d.mu.Lock()
	if _, exists := d.entries[volumeID]; exists {
		d.mu.Unlock()
		return fmt.Errorf("detacher: volume %d is already detaching", volumeID)
	}
	rec := &DetachingData{
		VolumeID:          volumeID,
		FormerDeviceName:  formerDeviceName,
		FormerLogicalSize: formerLogicalSize,
		StartBlockID:      startBlock,
		EndBlockID:        endBlock,
	}
	if err := d.persistLocked(rec); err != nil {
		d.mu.Unlock()
		return err
	}
	d.entries[volumeID] = rec
	running := d.state == StateRunning
	d.mu.Unlock()
	metrics.DetachingVolumesTotal.Inc()

	if running {
		d.startWorkerLocked(volumeID)
	}
	return nil
}

// IsDetaching reports whether volumeID still has a pending detaching
// record (the id remains reserved until reclamation completes).
func (d *Detacher) IsDetaching(volumeID uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.entries[volumeID]
	return ok
}

func (d *Detacher) persistLocked(rec *DetachingData) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("detacher: marshal volume %d: %w", rec.VolumeID, err)
	}
	if err := d.index.Put(volKey(rec.VolumeID), data); err != nil {
		return fmt.Errorf("detacher: persist volume %d: %w", rec.VolumeID, err)
	}
	return nil
}

func (d *Detacher) startWorkerLocked(volumeID uint32) {
	d.mu.Lock()
	stop := make(chan struct{})
	d.stopCh[volumeID] = stop
	d.mu.Unlock()

	d.wg.Add(1)
	go d.runWorker(volumeID, stop)
}

func (d *Detacher) runWorker(volumeID uint32, stop <-chan struct{}) {
	defer d.wg.Done()

	for {
		d.mu.Lock()
		if d.state != StateRunning {
			d.mu.Unlock()
			return
		}
		rec, ok := d.entries[volumeID]
		if !ok {
			d.mu.Unlock()
			return
		}
		cursor := rec.StartBlockID
		if rec.HasCurrent {
			cursor = rec.CurrentBlockID
		}
		end := rec.EndBlockID
		d.mu.Unlock()

		if cursor >= end {
			d.finishLocked(volumeID)
			return
		}

		batchSize := uint64(busyBatchSize)
		sleep := busySleep
		if d.idle.IsIdle() {
			batchSize = idleBatchSize
			sleep = idleSleep
		}

		batchEnd := cursor + batchSize
		if batchEnd > end {
			batchEnd = end
		}

		var deleteErr error
		for b := cursor; b < batchEnd; b++ {
			if err := d.deleter.DeleteBlockInfo(volumeID, b); err != nil {
				deleteErr = err
				break
			}
			cursor = b + 1
			metrics.DetacherBlocksReclaimedTotal.Inc()
		}

		d.mu.Lock()
		if rec, ok := d.entries[volumeID]; ok {
			rec.CurrentBlockID = cursor
			rec.HasCurrent = true
			_ = d.persistLocked(rec)
		}
		d.mu.Unlock()

		if deleteErr != nil {
			d.logger.Error().Err(deleteErr).Uint32("volume_id", volumeID).Msg("detacher: delete block info failed, backing off")
			select {
			case <-stop:
				return
			case <-time.After(sleep):
			}
			continue
		}

		if cursor >= end {
			d.finishLocked(volumeID)
			return
		}

		select {
		case <-stop:
			return
		case <-time.After(sleep):
		}
	}
}

func (d *Detacher) finishLocked(volumeID uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.index.Delete(volKey(volumeID)); err != nil {
		d.logger.Error().Err(err).Uint32("volume_id", volumeID).Msg("detacher: failed to delete detaching record")
		return
	}
	delete(d.entries, volumeID)
	delete(d.stopCh, volumeID)
	metrics.DetachingVolumesTotal.Dec()
	d.logger.Info().Uint32("volume_id", volumeID).Msg("volume fully detached")
}
