package volume

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dedupv1/dedupv1d/pkg/bridge"
	"github.com/dedupv1/dedupv1d/pkg/dedupengine"
	"github.com/dedupv1/dedupv1d/pkg/log"
	"github.com/dedupv1/dedupv1d/pkg/metrics"
	"github.com/dedupv1/dedupv1d/pkg/scsi"
	"github.com/dedupv1/dedupv1d/pkg/storage"
)

const (
	responseTimeWindow   = 256
	throughputWindowSize = 5 * time.Second
	errorRingCapacity    = 5
	slowCommandThreshold = 100 * time.Millisecond
)

// threadTrace is the best-effort per-worker-thread execution trace spec §3
// calls CommandHandlerThreadState. TraceID is a fresh correlation id per
// command, letting parse/execute/free log lines for the same command be
// grepped together across threads.
type threadTrace struct {
	SessionID uint64
	CommandID uint64
	Opcode    byte
	TraceID   string
	Idle      bool
}

// ExecRequest is one inbound SCSI command, translated from a bridge.Command
// by the volume worker loop.
type ExecRequest struct {
	SessionID uint64
	CommandID uint64
	CDB       []byte
	// WriteData holds the initiator-supplied bytes for a WRITE or the
	// comparison buffer for a VERIFY with BYTCHK set.
	WriteData []byte
	AllocLen  uint32
}

// ExecReply is the outcome ExecuteSCSICommand hands back to the worker,
// ready to relay to the kernel bridge.
type ExecReply struct {
	Status bridge.ResponseStatus
	Data   []byte
	Result scsi.Result
}

// CommandHandler is the per-volume execution engine: one per Volume,
// shared by all of that volume's command_thread_count workers.
type CommandHandler struct {
	volume *Volume
	logger zerolog.Logger

	avgResponseMs      *rollingAverage
	avgWriteResponseMs *rollingAverage
	readThroughput     *throughputWindow
	writeThroughput    *throughputWindow

	mu               sync.Mutex
	totalCommands    uint64
	sectorReads      uint64
	sectorWrites     uint64
	retries          uint64
	memAllocs        uint64
	memAllocFailures uint64
	taskMgmtCounts   map[scsi.TaskMgmtFunction]uint64

	opcodes   *opcodeCounters
	errorRing *errorReportRing

	traces sync.Map // threadIdx(int) -> threadTrace

	sessionCount int64 // atomic
}

// NewCommandHandler creates the handler for v, persisting its error-report
// ring to index under the key volume.<id>.ch.error.
func NewCommandHandler(v *Volume, index storage.Index) *CommandHandler {
	key := errorReportKey(v.id)
	return &CommandHandler{
		volume:             v,
		logger:             log.WithVolume(v.id),
		avgResponseMs:      newRollingAverage(responseTimeWindow),
		avgWriteResponseMs: newRollingAverage(responseTimeWindow),
		readThroughput:     newThroughputWindow(throughputWindowSize),
		writeThroughput:    newThroughputWindow(throughputWindowSize),
		taskMgmtCounts:     make(map[scsi.TaskMgmtFunction]uint64),
		opcodes:            newOpcodeCounters(),
		errorRing:          newErrorReportRing(errorRingCapacity, key, index),
	}
}

func errorReportKey(volumeID uint32) string {
	return "volume." + uitoa(volumeID) + ".ch.error"
}

func uitoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// AverageResponseTimeMillis is the rolling average ExecuteSCSICommand
// latency in milliseconds, consumed by Volume.Throttle.
func (h *CommandHandler) AverageResponseTimeMillis() float64 {
	return h.avgResponseMs.value()
}

// AttachSession registers a new Session with the handler's volume and
// gives it an empty unit-attention queue.
func (h *CommandHandler) AttachSession(s *Session) {
	h.volume.sessions.add(s)
	h.volume.unitAttention.add(s.SessionID)
	h.logger.Info().Uint64("session_id", s.SessionID).Str("initiator", s.InitiatorName).Msg("session attached")
}

// DetachSession removes a Session from the handler's volume.
func (h *CommandHandler) DetachSession(sessionID uint64) {
	h.volume.sessions.remove(sessionID)
	h.volume.unitAttention.remove(sessionID)
	h.logger.Info().Uint64("session_id", sessionID).Msg("session detached")
}

// TaskMgmt counts a task management function and reports SUCCESS; richer
// per-function semantics are not required by the core (spec §4.3).
func (h *CommandHandler) TaskMgmt(fn scsi.TaskMgmtFunction) bridge.Response {
	h.mu.Lock()
	h.taskMgmtCounts[fn]++
	h.mu.Unlock()
	return bridge.Response{Status: bridge.TaskMgmtSuccess}
}

// ExecuteSCSICommand runs the seven-step pipeline described in spec §4.3.
func (h *CommandHandler) ExecuteSCSICommand(threadIdx int, req ExecRequest) ExecReply {
	start := time.Now()
	opcode := byte(0)
	if len(req.CDB) > 0 {
		opcode = req.CDB[0]
	}

	// Step 1: trace + default reply.
	traceID := uuid.New().String()
	h.traces.Store(threadIdx, threadTrace{SessionID: req.SessionID, CommandID: req.CommandID, Opcode: opcode, TraceID: traceID})
	reply := ExecReply{Status: bridge.ExecCompleted, Result: scsi.Ok}
	defer h.traces.Store(threadIdx, threadTrace{Idle: true})

	h.opcodes.countCommand(opcode)
	h.mu.Lock()
	h.totalCommands++
	h.mu.Unlock()

	// Step 2: allocate reply buffer on demand.
	var replyBuf []byte
	if req.AllocLen > 0 {
		replyBuf = make([]byte, req.AllocLen)
	}

	// Step 3: pop a pending unit attention for this session, if any.
	if result, ok := h.volume.unitAttention.pop(req.SessionID); ok {
		reply.Result = result
		h.recordOutcome(traceID, opcode, 0, start, reply.Result)
		return reply
	}

	// Step 4: dispatch.
	result, data := h.dispatch(req, replyBuf)
	reply.Result = result
	reply.Data = data

	// Step 5/6: counters, rolling averages, sense/error-report bookkeeping.
	var sectorCount uint64
	if len(req.CDB) > 0 {
		if d, dres := scsi.Decode(req.CDB, req.AllocLen, h.volume.sectorSizeForDecode()); dres.OK() {
			sectorCount = d.Size / uint64(h.volume.sectorSize)
		}
	}
	h.recordOutcome(traceID, opcode, sectorCount, start, reply.Result)

	if !reply.Result.OK() {
		h.errorRing.add(ErrorReport{
			Time:    time.Now(),
			Opcode:  opcode,
			Status:  reply.Result.Status,
			Key:     reply.Result.SenseKey,
			ASC:     reply.Result.ASC,
			ASCQ:    reply.Result.ASCQ,
			Details: reply.Result.String(),
			TraceID: traceID,
		})
	}

	return reply
}

func (h *CommandHandler) recordOutcome(traceID string, opcode byte, sectors uint64, start time.Time, result scsi.Result) {
	elapsed := time.Since(start)
	h.avgResponseMs.add(float64(elapsed.Milliseconds()))

	opcodeName := scsi.Opcode(opcode).String()
	metrics.CommandsTotal.WithLabelValues(opcodeName).Inc()
	metrics.CommandDuration.WithLabelValues(opcodeName).Observe(elapsed.Seconds())

	h.mu.Lock()
	switch scsi.Opcode(opcode) {
	case scsi.OpRead6, scsi.OpRead10, scsi.OpRead16:
		h.sectorReads += sectors // writes are counted in execWrite
	}
	h.mu.Unlock()

	if !result.OK() && result.SenseKey != scsi.KeyIllegalRequest {
		h.opcodes.countError(opcode)
		metrics.CommandErrorsTotal.WithLabelValues(opcodeName).Inc()
	}
	if result.Recovered {
		h.mu.Lock()
		h.retries++
		h.mu.Unlock()
		metrics.CommandRetriesTotal.Inc()
	}

	if elapsed > slowCommandThreshold {
		h.logger.Debug().
			Str("opcode", scsi.Opcode(opcode).String()).
			Str("trace_id", traceID).
			Dur("elapsed", elapsed).
			Msg("slow command")
	}
}

// dispatch implements spec §4.2/§4.3 step 4: opcode dispatch, including the
// maintenance-mode short-circuit for data-path opcodes.
func (h *CommandHandler) dispatch(req ExecRequest, replyBuf []byte) (scsi.Result, []byte) {
	v := h.volume
	cdb := req.CDB
	op, hasOp := firstOpcode(cdb)
	if !hasOp {
		return scsi.ErrInvalidOpcode, nil
	}

	maintenance := v.Maintenance()

	switch op {
	case byte(scsi.OpTestUnitReady):
		if maintenance {
			return scsi.ErrNotReadyMaintenance, nil
		}
		return scsi.Ok, nil

	case byte(scsi.OpInquiry):
		evpd := len(cdb) > 1 && cdb[1]&0x01 != 0
		cmddt := len(cdb) > 1 && cdb[1]&0x02 != 0
		pageCode := byte(0)
		if len(cdb) > 2 {
			pageCode = cdb[2]
		}
		data, res := scsi.Inquiry(evpd, cmddt, pageCode, scsi.InquiryParams{
			Maintenance:        maintenance,
			UniqueSerialNumber: v.uniqueSerialNumber,
			DeviceName:         v.DeviceName(),
		})
		return res, data

	case byte(scsi.OpModeSense6):
		dbd := len(cdb) > 1 && cdb[1]&0x04 != 0
		pc := byte(0)
		pageCode := byte(0)
		if len(cdb) > 2 {
			pc = cdb[2] >> 6
			pageCode = cdb[2] & 0x3F
		}
		data, res := scsi.ModeSense6(dbd, pc, pageCode, scsi.ModeSenseParams{
			BlockSize:  v.sectorSize,
			BlockCount: v.BlockCount(),
		})
		return res, data

	case byte(scsi.OpReadCapacity10):
		return scsi.Ok, scsi.ReadCapacity10(v.BlockCount(), v.sectorSize)

	case byte(scsi.OpServiceActionIn16):
		return scsi.Ok, scsi.ReadCapacity16(v.BlockCount(), v.sectorSize)

	case byte(scsi.OpRead6), byte(scsi.OpRead10), byte(scsi.OpRead16):
		if maintenance {
			return scsi.ErrNotReadyMaintenance, nil
		}
		return h.execRead(cdb, req.AllocLen)

	case byte(scsi.OpWrite6), byte(scsi.OpWrite10), byte(scsi.OpWrite16):
		if maintenance {
			return scsi.ErrNotReadyMaintenance, nil
		}
		return h.execWrite(cdb, req.WriteData)

	case byte(scsi.OpVerify10), byte(scsi.OpVerify16):
		if maintenance {
			return scsi.ErrNotReadyMaintenance, nil
		}
		return h.execVerify(cdb, req.WriteData)

	case byte(scsi.OpSynchronizeCache10), byte(scsi.OpSynchronizeCache16):
		if maintenance {
			return scsi.ErrNotReadyMaintenance, nil
		}
		return h.execSyncCache(cdb)

	default:
		return scsi.ErrInvalidOpcode, nil
	}
}

func firstOpcode(cdb []byte) (byte, bool) {
	if len(cdb) == 0 {
		return 0, false
	}
	return cdb[0], true
}

func (h *CommandHandler) execRead(cdb []byte, allocLen uint32) (scsi.Result, []byte) {
	v := h.volume
	d, res := scsi.Decode(cdb, allocLen, v.sectorSize)
	if !res.OK() {
		return res, nil
	}
	buf := make([]byte, d.Size)
	var ec dedupengine.ErrorContext
	result := v.dedupVolume.MakeRequest(dedupengine.Read, d.Offset, d.Size, buf, &ec)
	if result.OK() {
		h.readThroughput.add(d.Size)
	}
	return result, buf
}

func (h *CommandHandler) execWrite(cdb []byte, data []byte) (scsi.Result, []byte) {
	v := h.volume
	d, res := scsi.Decode(cdb, uint32(len(data)), v.sectorSize)
	if !res.OK() {
		return res, nil
	}
	start := time.Now()
	var ec dedupengine.ErrorContext
	result := v.dedupVolume.MakeRequest(dedupengine.Write, d.Offset, d.Size, data, &ec)
	h.avgWriteResponseMs.add(float64(time.Since(start).Milliseconds()))
	if result.OK() {
		h.writeThroughput.add(d.Size)
		h.mu.Lock()
		h.sectorWrites += d.Size / uint64(v.sectorSize)
		h.mu.Unlock()
	} else if ec.IsFull() {
		v.forceMaintenanceForFullStore()
	}
	return result, nil
}

func (h *CommandHandler) execVerify(cdb []byte, compare []byte) (scsi.Result, []byte) {
	v := h.volume
	d, res := scsi.Decode(cdb, uint32(len(compare)), v.sectorSize)
	if !res.OK() {
		return res, nil
	}
	scratch := make([]byte, d.Size)
	var ec dedupengine.ErrorContext
	result := v.dedupVolume.MakeRequest(dedupengine.Read, d.Offset, d.Size, scratch, &ec)
	if !result.OK() {
		return result, nil
	}
	if d.ByteCheck && compare != nil {
		if !bytesEqual(scratch, compare) {
			return scsi.ErrMiscompare, nil
		}
	}
	return scsi.Ok, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (h *CommandHandler) execSyncCache(cdb []byte) (scsi.Result, []byte) {
	v := h.volume
	d, res := scsi.Decode(cdb, 0, v.sectorSize)
	if !res.OK() {
		return res, nil
	}
	if d.Immed {
		return scsi.ErrInvalidField, nil
	}
	return v.dedupVolume.SyncCache(), nil
}

// Snapshot reports the handler's counters for diagnostics/tests.
type Snapshot struct {
	TotalCommands uint64
	SectorReads   uint64
	SectorWrites  uint64
	Retries       uint64
	AvgResponseMs float64
	ReadBPS       float64
	WriteBPS      float64
}

func (h *CommandHandler) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Snapshot{
		TotalCommands: h.totalCommands,
		SectorReads:   h.sectorReads,
		SectorWrites:  h.sectorWrites,
		Retries:       h.retries,
		AvgResponseMs: h.avgResponseMs.value(),
		ReadBPS:       h.readThroughput.bytesPerSecond(),
		WriteBPS:      h.writeThroughput.bytesPerSecond(),
	}
}
