package dedupengine

import (
	"github.com/dedupv1/dedupv1d/pkg/scsi"
)

// RequestType distinguishes the two data-path operations MakeRequest
// supports.
type RequestType int

const (
	Read RequestType = iota
	Write
)

func (t RequestType) String() string {
	if t == Write {
		return "WRITE"
	}
	return "READ"
}

// EventType names the events a Volume commits to the dedup log on attach and
// detach, consumed downstream by replay during a dirty start.
type EventType int

const (
	EventVolumeAttach EventType = iota
	EventVolumeDetach
)

func (e EventType) String() string {
	switch e {
	case EventVolumeAttach:
		return "VOLUME_ATTACH"
	case EventVolumeDetach:
		return "VOLUME_DETACH"
	default:
		return "UNKNOWN"
	}
}

// ErrorContext is populated by a failed MakeRequest or FastCopyTo call. A
// write that sets IsFull forces the owning volume into maintenance mode (see
// the volume package's command handler).
type ErrorContext struct {
	full bool
	msg  string
}

// SetFull marks the context as a capacity exhaustion failure.
func (e *ErrorContext) SetFull(msg string) {
	e.full = true
	e.msg = msg
}

// IsFull reports whether the failure was a capacity exhaustion.
func (e *ErrorContext) IsFull() bool {
	return e != nil && e.full
}

// Message returns the human-readable detail set by SetFull, if any.
func (e *ErrorContext) Message() string {
	if e == nil {
		return ""
	}
	return e.msg
}

// Options are the free-form filter-chain and chunking parameters a volume
// carries; the core treats them as opaque key/value pairs and passes them
// through to the engine on ChangeOptions.
type Options map[string]string

// Log records attach/detach events for replay during a dirty start.
type Log interface {
	CommitEvent(volumeID uint32, event EventType) error
}

// Volume is the per-volume handle the command handler and fast-copy engine
// drive. All methods are safe for concurrent use from multiple worker
// threads; callers still serialize size/option changes via their own locks
// per the core's lock-ordering rules.
type Volume interface {
	// MakeRequest performs one read or write of size bytes at offset. For a
	// Read, buf is filled by the engine; for a Write, buf is consumed. A
	// non-OK result may carry error details via ec.
	MakeRequest(reqType RequestType, offset, size uint64, buf []byte, ec *ErrorContext) scsi.Result

	// SyncCache flushes any write-back state held by the engine.
	SyncCache() scsi.Result

	// FastCopyTo copies size bytes from this volume at srcOffset into target
	// at tgtOffset, sharing chunk references instead of reading and
	// rewriting the data.
	FastCopyTo(target Volume, srcOffset, tgtOffset, size uint64, ec *ErrorContext) scsi.Result

	// Throttle is the dedup engine's own throttle signal, delegated to after
	// the volume-level throttle in the command handler's Throttle method.
	Throttle()

	ChangeLogicalSize(newSizeBytes uint64) error
	ChangeMaintenanceMode(maintenance bool) error
	ChangeOptions(opts Options) error

	Start() error
	Run() error
	Stop() error
	Close() error
}

// System is the process-wide dedup engine handle: it owns the volume
// namespace and the event log that attach/detach commit to.
type System interface {
	Log() Log

	// OpenVolume returns the dedup-engine-side handle for a volume id,
	// creating backing state on first use.
	OpenVolume(volumeID uint32) (Volume, error)

	// CloseVolume releases engine-side state for a volume id, dropping every
	// block reference it still holds. The detacher does not call it; it
	// reclaims blocks one at a time through DeleteBlock.
	CloseVolume(volumeID uint32) error

	// DeleteBlock releases the block-to-chunk reference at blockID within a
	// detaching volume's namespace, decrementing the underlying chunk's
	// refcount. Driven by the detacher, one block at a time.
	DeleteBlock(volumeID uint32, blockID uint64) error

	Start() error
	Run() error
	Stop() error
	Close() error
}
