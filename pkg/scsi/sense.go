package scsi

import "fmt"

// Status is the single-byte SCSI command status.
type Status byte

const (
	StatusGood           Status = 0x00
	StatusCheckCondition Status = 0x02
)

// SenseKey is the 4-bit sense key reported in fixed-format sense data.
type SenseKey byte

const (
	KeyNoSense        SenseKey = 0x00
	KeyRecoveredError SenseKey = 0x01
	KeyNotReady       SenseKey = 0x02
	KeyMediumError    SenseKey = 0x03
	KeyIllegalRequest SenseKey = 0x05
	KeyUnitAttention  SenseKey = 0x06
	KeyVendorSpecific SenseKey = 0x09
	KeyAbortedCommand SenseKey = 0x0B
	KeyMiscompare     SenseKey = 0x0E
)

func (k SenseKey) String() string {
	switch k {
	case KeyNoSense:
		return "NO_SENSE"
	case KeyRecoveredError:
		return "RECOVERED_ERROR"
	case KeyNotReady:
		return "NOT_READY"
	case KeyMediumError:
		return "MEDIUM_ERROR"
	case KeyIllegalRequest:
		return "ILLEGAL_REQUEST"
	case KeyUnitAttention:
		return "UNIT_ATTENTION"
	case KeyVendorSpecific:
		return "VENDOR_SPECIFIC"
	case KeyAbortedCommand:
		return "ABORTED_COMMAND"
	case KeyMiscompare:
		return "MISCOMPARE"
	default:
		return fmt.Sprintf("SENSE_KEY(0x%02x)", byte(k))
	}
}

// Result is the outcome of one SCSI command: either success (StatusGood,
// zero sense key) or a CHECK_CONDITION with a sense triple. It never carries
// a Go error — SCSI-path failures are reported back to the initiator as
// sense, not propagated as errors (see spec §7).
type Result struct {
	Status   Status
	SenseKey SenseKey
	ASC      byte
	ASCQ     byte
	// Recovered marks a command that completed with a good status but was
	// retried internally; the command handler counts these without
	// reporting an error to the initiator.
	Recovered bool
}

// OK reports whether the result represents a successful command.
func (r Result) OK() bool {
	return r.Status == StatusGood
}

// Ok is the canonical successful result.
var Ok = Result{Status: StatusGood}

// CheckCondition builds a CHECK_CONDITION result with the given sense triple.
func CheckCondition(key SenseKey, asc, ascq byte) Result {
	return Result{Status: StatusCheckCondition, SenseKey: key, ASC: asc, ASCQ: ascq}
}

func (r Result) String() string {
	if r.OK() {
		if r.Recovered {
			return "OK (recovered)"
		}
		return "OK"
	}
	return fmt.Sprintf("CHECK_CONDITION key=%s asc=0x%02x ascq=0x%02x", r.SenseKey, r.ASC, r.ASCQ)
}

// Well-known results named directly by spec §4/§7.
var (
	ErrInvalidOpcode     = CheckCondition(KeyIllegalRequest, 0x20, 0x00)
	ErrInvalidField      = CheckCondition(KeyIllegalRequest, 0x24, 0x00)
	ErrSavingNotSupported = CheckCondition(KeyIllegalRequest, 0x39, 0x00)
	ErrNotReadyMaintenance = CheckCondition(KeyNotReady, 0x04, 0x03)
	ErrUnitAttentionOperatingConditionsChanged = CheckCondition(KeyUnitAttention, 0x3F, 0x0E)
	ErrMiscompare        = CheckCondition(KeyMiscompare, 0x1D, 0x00)
	ErrMemAllocFailed    = CheckCondition(KeyVendorSpecific, 0x80, 0x00)
)

// SenseBytes renders the fixed-format 18-byte sense data for a non-OK result.
func (r Result) SenseBytes() []byte {
	buf := make([]byte, 18)
	buf[0] = 0x70 // current errors, fixed format
	buf[2] = byte(r.SenseKey) & 0x0F
	buf[7] = 10 // additional sense length
	buf[12] = r.ASC
	buf[13] = r.ASCQ
	return buf
}
