package bridge

import (
	"time"

	"github.com/dedupv1/dedupv1d/pkg/scsi"
)

// PollTimeout is how long HandleProcessCommand blocks waiting for a command
// before returning control to its caller, so a worker thread can re-check
// its volume's state even with no command pending.
const PollTimeout = 2 * time.Second

// Subcode identifies the kind of command the kernel bridge delivers to
// HandleProcessCommand.
type Subcode int

const (
	AttachSess Subcode = iota
	DetachSess
	TaskMgmtReceived
	Exec
	AllocMem
	OnFreeCmd
	OnCachedMemFree
	Parse
	TaskMgmtDone
)

func (s Subcode) String() string {
	switch s {
	case AttachSess:
		return "ATTACH_SESS"
	case DetachSess:
		return "DETACH_SESS"
	case TaskMgmtReceived:
		return "TASK_MGMT_RECEIVED"
	case Exec:
		return "EXEC"
	case AllocMem:
		return "ALLOC_MEM"
	case OnFreeCmd:
		return "ON_FREE_CMD"
	case OnCachedMemFree:
		return "ON_CACHED_MEM_FREE"
	case Parse:
		return "PARSE"
	case TaskMgmtDone:
		return "TASK_MGMT_DONE"
	default:
		return "UNKNOWN"
	}
}

// ParseType, MemoryReuse, PartialTransfers, TaskSet and QueueAlgorithm are
// the fixed registration parameters the core always requests; they exist as
// named constants so Register's call site reads the way the contract is
// worded rather than as bare enum literals.
type ParseType int

const ParseException ParseType = 0

type MemoryReuse int

const MemoryReuseNone MemoryReuse = 0

type PartialTransfers int

const PartialTransfersNotSupported PartialTransfers = 0

type TaskSet int

const TaskSetSeparate TaskSet = 0

type QueueAlgorithm int

const QueueAlgorithmUnrestrictedReorder QueueAlgorithm = 0

// RegisterOptions are the fixed registration parameters a volume passes to
// Register. DeviceName is the only field that varies per volume; the rest
// are always the values the core requires for correct dedupv1d semantics.
type RegisterOptions struct {
	DeviceName       string
	ParseType        ParseType
	MemoryReuse      MemoryReuse
	PartialTransfers PartialTransfers
	TaskSet          TaskSet
	QueueAlgorithm   QueueAlgorithm
	FixedSense       bool
}

// DefaultRegisterOptions returns the fixed parameters described by the
// bridge contract, with DeviceName left for the caller to fill in.
func DefaultRegisterOptions(deviceName string) RegisterOptions {
	return RegisterOptions{
		DeviceName:       deviceName,
		ParseType:        ParseException,
		MemoryReuse:      MemoryReuseNone,
		PartialTransfers: PartialTransfersNotSupported,
		TaskSet:          TaskSetSeparate,
		QueueAlgorithm:   QueueAlgorithmUnrestrictedReorder,
		FixedSense:       true,
	}
}

// Command is one unit of work the kernel bridge hands to a worker thread.
// TargetName/InitiatorName/LUN are only populated for ATTACH_SESS; WriteData
// and AllocLen only for EXEC.
type Command struct {
	Subcode          Subcode
	SessionID        uint64
	CommandID        uint64
	CDB              []byte
	TaskMgmtFunction int
	TargetName       string
	InitiatorName    string
	LUN              uint32
	WriteData        []byte
	AllocLen         uint32
}

// Response is what a Handler returns after processing a Command; the
// default per spec §4.3 step 1 is EXEC_COMPLETED for EXEC subcodes. Data and
// Result are only meaningful for EXEC subcodes.
type Response struct {
	Status ResponseStatus
	Data   []byte
	Result scsi.Result
}

type ResponseStatus int

const (
	ExecCompleted ResponseStatus = iota
	SessionAttached
	SessionDetached
	TaskMgmtSuccess
)

// Handler processes one dequeued Command and produces the Response the
// bridge relays back to the kernel side.
type Handler interface {
	Handle(Command) Response
}

// Bridge is the interface the core observes onto the kernel-side SCSI
// target layer. It never defines the wire format underneath it.
type Bridge interface {
	Start(blockSize uint32) error
	Restart(blockSize uint32) error
	Stop() error

	Register(opts RegisterOptions) error

	// HandleProcessCommand polls for one command up to PollTimeout. It
	// returns (true, nil) if a command was dequeued and dispatched to
	// handler, (false, nil) on a timeout with nothing pending, and a
	// non-nil error on an unrecoverable bridge failure (the caller's volume
	// transitions to FAILED on such an error).
	HandleProcessCommand(handler Handler) (bool, error)

	NotifyDeviceCapacityChanged() error
}
