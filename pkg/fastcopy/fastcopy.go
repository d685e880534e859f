// Package fastcopy implements the Volume Fast-Copy engine described in
// spec §4.7: a single background worker draining a queue of target-volume
// ids, copying ranges between maintenance-mode volumes in 64 MiB steps,
// durable at step granularity so a crash resumes from the last persisted
// offset.
package fastcopy

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dedupv1/dedupv1d/pkg/dedupengine"
	"github.com/dedupv1/dedupv1d/pkg/log"
	"github.com/dedupv1/dedupv1d/pkg/metrics"
	"github.com/dedupv1/dedupv1d/pkg/scsi"
	"github.com/dedupv1/dedupv1d/pkg/storage"
	"github.com/dedupv1/dedupv1d/pkg/volume"
)

// StepSize is the number of bytes copied per engine call, per spec §4.7.
const StepSize = 64 << 20

// snapshotKey is the info-store key the job list is persisted under.
const snapshotKey = "volume-fastcopy"

// JobData is one in-flight fast-copy job, persisted as part of the
// {jobs: [...]} snapshot.
type JobData struct {
	SourceID      uint32 `json:"source_id"`
	TargetID      uint32 `json:"target_id"`
	SourceOffset  uint64 `json:"source_offset"`
	TargetOffset  uint64 `json:"target_offset"`
	Size          uint64 `json:"size"`
	CurrentOffset uint64 `json:"current_offset"`
	Failed        bool   `json:"failed,omitempty"`
}

func (j *JobData) done() bool {
	return j.CurrentOffset >= j.Size
}

// VolumeLookup resolves a volume id to its live *volume.Volume, used to
// reach each endpoint's dedup-engine handle via WithDedupVolume.
type VolumeLookup interface {
	FindByID(id uint32) (*volume.Volume, bool)
}

type snapshot struct {
	Jobs []JobData `json:"jobs"`
}

// Engine is the single-worker fast-copy subsystem.
type Engine struct {
	mu        sync.Mutex
	byTarget  map[uint32]*JobData
	bySource  map[uint32]map[uint32]bool
	queue     []uint32
	changedCh chan struct{}
	stopCh    chan struct{}
	wg        sync.WaitGroup
	running   bool

	index   storage.Index
	volumes VolumeLookup
	logger  zerolog.Logger
}

// New returns an unstarted fast-copy engine.
func New(volumes VolumeLookup) *Engine {
	return &Engine{
		byTarget:  make(map[uint32]*JobData),
		bySource:  make(map[uint32]map[uint32]bool),
		changedCh: make(chan struct{}, 1),
		volumes:   volumes,
		logger:    log.WithComponent("fastcopy"),
	}
}

// Start restores the persisted snapshot and enqueues every recorded job.
func (e *Engine) Start(index storage.Index) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.index = index

	data, res := index.Lookup([]byte(snapshotKey))
	if res == storage.LookupError {
		return fmt.Errorf("fastcopy: lookup snapshot failed")
	}
	if res == storage.NotFound {
		return nil
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("fastcopy: corrupt snapshot: %w", err)
	}
	for i := range snap.Jobs {
		job := snap.Jobs[i]
		if job.done() {
			continue
		}
		e.registerLocked(&job)
		e.queue = append(e.queue, job.TargetID)
		metrics.FastCopyJobsActive.Inc()
	}
	return nil
}

// Run spawns the single background worker. RUNNING until Stop.
func (e *Engine) Run() error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("fastcopy: already running")
	}
	e.running = true
	e.stopCh = make(chan struct{})
	stop := e.stopCh
	e.mu.Unlock()

	e.wg.Add(1)
	go e.worker(stop)
	return nil
}

// Stop signals the worker to exit and waits for it.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return fmt.Errorf("fastcopy: not running")
	}
	e.running = false
	close(e.stopCh)
	e.mu.Unlock()

	e.wg.Wait()
	return nil
}

func (e *Engine) registerLocked(job *JobData) {
	e.byTarget[job.TargetID] = job
	if e.bySource[job.SourceID] == nil {
		e.bySource[job.SourceID] = make(map[uint32]bool)
	}
	e.bySource[job.SourceID][job.TargetID] = true
}

// StartNewFastCopyJob inserts, persists, and enqueues a new job. At most one
// job may target a given volume at a time.
func (e *Engine) StartNewFastCopyJob(srcID, targetID uint32, srcOffset, targetOffset, size uint64) error {
	e.mu.Lock()
	if _, exists := e.byTarget[targetID]; exists {
		e.mu.Unlock()
		return fmt.Errorf("fastcopy: target volume %d already has an in-flight job", targetID)
	}
	job := &JobData{
		SourceID:     srcID,
		TargetID:     targetID,
		SourceOffset: srcOffset,
		TargetOffset: targetOffset,
		Size:         size,
	}
	e.registerLocked(job)
	e.queue = append(e.queue, targetID)
	err := e.persistSnapshotLocked()
	e.mu.Unlock()
	if err != nil {
		return err
	}
	metrics.FastCopyJobsActive.Inc()

	select {
	case e.changedCh <- struct{}{}:
	default:
	}
	return nil
}

// IsFastCopySource reports whether volumeID is currently feeding any
// in-flight job.
func (e *Engine) IsFastCopySource(volumeID uint32) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.bySource[volumeID]) > 0
}

// IsFastCopyTarget reports whether volumeID is the target of an in-flight
// job.
func (e *Engine) IsFastCopyTarget(volumeID uint32) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.byTarget[volumeID]
	return ok
}

func (e *Engine) persistSnapshotLocked() error {
	snap := snapshot{Jobs: make([]JobData, 0, len(e.byTarget))}
	for _, job := range e.byTarget {
		snap.Jobs = append(snap.Jobs, *job)
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("fastcopy: marshal snapshot: %w", err)
	}
	if err := e.index.Put([]byte(snapshotKey), data); err != nil {
		return fmt.Errorf("fastcopy: persist snapshot: %w", err)
	}
	return nil
}

func (e *Engine) worker(stop <-chan struct{}) {
	defer e.wg.Done()
	for {
		targetID, ok := e.popLocked()
		if !ok {
			select {
			case <-stop:
				return
			case <-e.changedCh:
				continue
			}
		}

		if e.step(targetID) {
			// Job still has remaining work; re-enqueue for the next step.
			e.mu.Lock()
			e.queue = append(e.queue, targetID)
			e.mu.Unlock()
		}

		select {
		case <-stop:
			return
		default:
		}
	}
}

func (e *Engine) popLocked() (uint32, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) == 0 {
		return 0, false
	}
	id := e.queue[0]
	e.queue = e.queue[1:]
	return id, true
}

// step performs one 64 MiB copy step for the job targeting targetID. It
// returns true if the job still has remaining work and was re-enqueued by
// the caller, false if the job finished (successfully or with a failure)
// and was removed.
func (e *Engine) step(targetID uint32) bool {
	e.mu.Lock()
	job, ok := e.byTarget[targetID]
	if !ok {
		e.mu.Unlock()
		return false
	}
	srcID := job.SourceID
	srcOffset := job.SourceOffset + job.CurrentOffset
	tgtOffset := job.TargetOffset + job.CurrentOffset
	remaining := job.Size - job.CurrentOffset
	size := uint64(StepSize)
	if remaining < size {
		size = remaining
	}
	e.mu.Unlock()

	srcVol, ok := e.volumes.FindByID(srcID)
	if !ok {
		return e.failJob(targetID, fmt.Errorf("fastcopy: source volume %d not found", srcID))
	}
	tgtVol, ok := e.volumes.FindByID(targetID)
	if !ok {
		return e.failJob(targetID, fmt.Errorf("fastcopy: target volume %d not found", targetID))
	}

	stepStart := time.Now()
	var result scsi.Result
	copyErr := srcVol.WithDedupVolume(func(srcDedup dedupengine.Volume) error {
		return tgtVol.WithDedupVolume(func(tgtDedup dedupengine.Volume) error {
			var ec dedupengine.ErrorContext
			result = srcDedup.FastCopyTo(tgtDedup, srcOffset, tgtOffset, size, &ec)
			if !result.OK() {
				return fmt.Errorf("fastcopy: engine reported %+v", result)
			}
			return nil
		})
	})
	metrics.FastCopyStepDuration.Observe(time.Since(stepStart).Seconds())
	if copyErr != nil {
		return e.failJob(targetID, copyErr)
	}
	metrics.FastCopyBytesCopiedTotal.Add(float64(size))

	e.mu.Lock()
	defer e.mu.Unlock()
	job, ok = e.byTarget[targetID]
	if !ok {
		return false
	}
	job.CurrentOffset += size
	if err := e.persistSnapshotLocked(); err != nil {
		e.logger.Error().Err(err).Msg("fastcopy: failed to persist snapshot")
	}
	if job.done() {
		e.removeJobLocked(targetID)
		return false
	}
	return true
}

func (e *Engine) failJob(targetID uint32, cause error) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	job, ok := e.byTarget[targetID]
	if !ok {
		return false
	}
	job.Failed = true
	e.logger.Error().Err(cause).Uint32("target_id", targetID).Msg("fastcopy: job failed")
	if err := e.persistSnapshotLocked(); err != nil {
		e.logger.Error().Err(err).Msg("fastcopy: failed to persist snapshot after failure")
	}
	e.removeJobLocked(targetID)
	return false
}

func (e *Engine) removeJobLocked(targetID uint32) {
	job, ok := e.byTarget[targetID]
	if !ok {
		return
	}
	delete(e.byTarget, targetID)
	if srcSet, ok := e.bySource[job.SourceID]; ok {
		delete(srcSet, targetID)
		if len(srcSet) == 0 {
			delete(e.bySource, job.SourceID)
		}
	}
	metrics.FastCopyJobsActive.Dec()
}
