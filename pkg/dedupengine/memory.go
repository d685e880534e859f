package dedupengine

import (
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/dedupv1/dedupv1d/pkg/scsi"
)

// DefaultBlockSize is the chunk granularity MemSystem deduplicates at. Reads
// and writes are expected to be aligned to it; the real engine's chunker
// handles unaligned spans, which is out of scope for this in-memory stand-in.
const DefaultBlockSize = 4096

type chunk struct {
	data     []byte
	refcount int
}

// MemSystem is an in-memory, sha256-content-addressed dedupengine.System.
// It is sized for tests and for running the daemon without a real dedup
// core, not for production durability: nothing here survives a restart.
type MemSystem struct {
	blockSize    uint64
	capacityByte uint64

	mu       sync.Mutex
	chunks   map[string]*chunk
	usedByte uint64
	volumes  map[uint32]*memVolume

	log *memLog
}

// NewMemSystem creates a MemSystem. capacityBytes bounds the total distinct
// chunk bytes the store will hold; a write that would exceed it fails with
// ErrorContext.IsFull set. capacityBytes of zero means unbounded.
func NewMemSystem(capacityBytes uint64) *MemSystem {
	return &MemSystem{
		blockSize:    DefaultBlockSize,
		capacityByte: capacityBytes,
		chunks:       make(map[string]*chunk),
		volumes:      make(map[uint32]*memVolume),
		log:          &memLog{},
	}
}

func (s *MemSystem) Log() Log { return s.log }

func (s *MemSystem) OpenVolume(volumeID uint32) (Volume, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.volumes[volumeID]; ok {
		return v, nil
	}
	v := &memVolume{
		id:     volumeID,
		system: s,
		blocks: make(map[uint64]string),
	}
	s.volumes[volumeID] = v
	return v, nil
}

func (s *MemSystem) CloseVolume(volumeID uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.volumes[volumeID]
	if !ok {
		return nil
	}
	v.mu.Lock()
	for _, fp := range v.blocks {
		s.releaseLocked(fp)
	}
	v.blocks = nil
	v.mu.Unlock()
	delete(s.volumes, volumeID)
	return nil
}

// DeleteBlock releases volumeID's reference at blockID, decrementing the
// underlying chunk's refcount. A volume or block with no reference is a
// no-op, matching the idempotent semantics the detacher's batch retries
// rely on.
func (s *MemSystem) DeleteBlock(volumeID uint32, blockID uint64) error {
	s.mu.Lock()
	v, ok := s.volumes[volumeID]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	v.mu.Lock()
	fp, had := v.blocks[blockID]
	if had {
		delete(v.blocks, blockID)
	}
	v.mu.Unlock()
	if !had {
		return nil
	}

	s.mu.Lock()
	s.releaseLocked(fp)
	s.mu.Unlock()
	return nil
}

func (s *MemSystem) Start() error { return nil }
func (s *MemSystem) Run() error   { return nil }
func (s *MemSystem) Stop() error  { return nil }
func (s *MemSystem) Close() error { return nil }

// releaseLocked drops one reference to fp. Callers hold s.mu.
func (s *MemSystem) releaseLocked(fp string) {
	c, ok := s.chunks[fp]
	if !ok {
		return
	}
	c.refcount--
	if c.refcount <= 0 {
		s.usedByte -= uint64(len(c.data))
		delete(s.chunks, fp)
	}
}

// storeLocked inserts or references a chunk with the given content,
// returning its fingerprint. Callers hold s.mu.
func (s *MemSystem) storeLocked(data []byte, ec *ErrorContext) (string, scsi.Result) {
	fp := fingerprint(data)
	if c, ok := s.chunks[fp]; ok {
		c.refcount++
		return fp, scsi.Ok
	}
	if s.capacityByte > 0 && s.usedByte+uint64(len(data)) > s.capacityByte {
		if ec != nil {
			ec.SetFull(fmt.Sprintf("chunk store at capacity (%d/%d bytes)", s.usedByte, s.capacityByte))
		}
		return "", scsi.CheckCondition(scsi.KeyMediumError, 0x0C, 0x00)
	}
	s.chunks[fp] = &chunk{data: append([]byte(nil), data...), refcount: 1}
	s.usedByte += uint64(len(data))
	return fp, scsi.Ok
}

func fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return string(sum[:])
}

type memVolume struct {
	id     uint32
	system *MemSystem

	mu     sync.RWMutex
	blocks map[uint64]string

	logicalSize uint64
	maintenance bool
	options     Options
}

func (v *memVolume) blockSize() uint64 { return v.system.blockSize }

// eachBlock splits [offset, offset+size) into the volume's block-aligned
// segments, invoking fn with the block index and the byte range within buf
// that corresponds to it.
func (v *memVolume) eachBlock(offset, size uint64, fn func(blockIdx uint64, bufStart, bufEnd int) error) error {
	bs := v.blockSize()
	if offset%bs != 0 || size%bs != 0 {
		return fmt.Errorf("dedupengine: offset/size must be aligned to block size %d", bs)
	}
	n := size / bs
	for i := uint64(0); i < n; i++ {
		blockIdx := offset/bs + i
		start := int(i * bs)
		end := start + int(bs)
		if err := fn(blockIdx, start, end); err != nil {
			return err
		}
	}
	return nil
}

func (v *memVolume) MakeRequest(reqType RequestType, offset, size uint64, buf []byte, ec *ErrorContext) scsi.Result {
	if uint64(len(buf)) < size {
		return scsi.CheckCondition(scsi.KeyIllegalRequest, 0x24, 0x00)
	}

	switch reqType {
	case Read:
		v.mu.RLock()
		defer v.mu.RUnlock()
		err := v.eachBlock(offset, size, func(blockIdx uint64, start, end int) error {
			fp, ok := v.blocks[blockIdx]
			if !ok {
				for i := start; i < end; i++ {
					buf[i] = 0
				}
				return nil
			}
			v.system.mu.Lock()
			c := v.system.chunks[fp]
			v.system.mu.Unlock()
			if c != nil {
				copy(buf[start:end], c.data)
			}
			return nil
		})
		if err != nil {
			return scsi.CheckCondition(scsi.KeyIllegalRequest, 0x24, 0x00)
		}
		return scsi.Ok

	case Write:
		v.mu.Lock()
		defer v.mu.Unlock()
		v.system.mu.Lock()
		defer v.system.mu.Unlock()
		var result = scsi.Ok
		err := v.eachBlock(offset, size, func(blockIdx uint64, start, end int) error {
			fp, res := v.system.storeLocked(buf[start:end], ec)
			if !res.OK() {
				result = res
				return fmt.Errorf("store full")
			}
			if old, had := v.blocks[blockIdx]; had && old != fp {
				v.system.releaseLocked(old)
			}
			v.blocks[blockIdx] = fp
			return nil
		})
		if err != nil {
			return result
		}
		return scsi.Ok
	}
	return scsi.CheckCondition(scsi.KeyIllegalRequest, 0x24, 0x00)
}

func (v *memVolume) SyncCache() scsi.Result {
	return scsi.Ok
}

func (v *memVolume) FastCopyTo(target Volume, srcOffset, tgtOffset, size uint64, ec *ErrorContext) scsi.Result {
	tgt, ok := target.(*memVolume)
	if !ok {
		return scsi.CheckCondition(scsi.KeyIllegalRequest, 0x24, 0x00)
	}

	v.mu.RLock()
	defer v.mu.RUnlock()
	tgt.mu.Lock()
	defer tgt.mu.Unlock()
	v.system.mu.Lock()
	defer v.system.mu.Unlock()

	return resultFromErr(v.eachBlock(srcOffset, size, func(srcIdx uint64, start, end int) error {
		tgtIdx := tgtOffset/v.blockSize() + (srcIdx - srcOffset/v.blockSize())
		fp, had := v.blocks[srcIdx]
		if !had {
			if old, hadOld := tgt.blocks[tgtIdx]; hadOld {
				v.system.releaseLocked(old)
				delete(tgt.blocks, tgtIdx)
			}
			return nil
		}
		if old, hadOld := tgt.blocks[tgtIdx]; hadOld && old != fp {
			v.system.releaseLocked(old)
		}
		if c, ok := v.system.chunks[fp]; ok {
			c.refcount++
		}
		tgt.blocks[tgtIdx] = fp
		return nil
	}))
}

func resultFromErr(err error) scsi.Result {
	if err != nil {
		return scsi.CheckCondition(scsi.KeyIllegalRequest, 0x24, 0x00)
	}
	return scsi.Ok
}

func (v *memVolume) Throttle() {}

func (v *memVolume) ChangeLogicalSize(newSizeBytes uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.logicalSize = newSizeBytes
	return nil
}

func (v *memVolume) ChangeMaintenanceMode(maintenance bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.maintenance = maintenance
	return nil
}

func (v *memVolume) ChangeOptions(opts Options) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.options = opts
	return nil
}

func (v *memVolume) Start() error { return nil }
func (v *memVolume) Run() error   { return nil }
func (v *memVolume) Stop() error  { return nil }
func (v *memVolume) Close() error { return nil }

type memLog struct {
	mu     sync.Mutex
	events []loggedEvent
}

type loggedEvent struct {
	VolumeID uint32
	Event    EventType
}

func (l *memLog) CommitEvent(volumeID uint32, event EventType) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, loggedEvent{VolumeID: volumeID, Event: event})
	return nil
}
