package volume

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/dedupv1/dedupv1d/pkg/scsi"
	"github.com/dedupv1/dedupv1d/pkg/storage"
)

// rollingAverage is a fixed-window moving average over the last `window`
// samples, guarded by a spin-cheap mutex per spec §5 ("rolling averages and
// per-thread state maps are lock-free or spin-mutex guarded").
type rollingAverage struct {
	mu     sync.Mutex
	window int
	values []float64
	pos    int
	filled bool
	sum    float64
}

func newRollingAverage(window int) *rollingAverage {
	return &rollingAverage{window: window, values: make([]float64, window)}
}

func (r *rollingAverage) add(v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.values[r.pos]
	r.values[r.pos] = v
	r.sum += v - old
	r.pos = (r.pos + 1) % r.window
	if r.pos == 0 {
		r.filled = true
	}
}

func (r *rollingAverage) value() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.pos
	if r.filled {
		n = r.window
	}
	if n == 0 {
		return 0
	}
	return r.sum / float64(n)
}

// throughputWindow tracks bytes moved within a trailing time window (default
// 5 seconds) to report a rolling bytes/sec average.
type throughputWindow struct {
	mu       sync.Mutex
	window   time.Duration
	samples  []throughputSample
}

type throughputSample struct {
	at    time.Time
	bytes uint64
}

func newThroughputWindow(window time.Duration) *throughputWindow {
	return &throughputWindow{window: window}
}

func (t *throughputWindow) add(bytes uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	t.samples = append(t.samples, throughputSample{at: now, bytes: bytes})
	t.evictLocked(now)
}

func (t *throughputWindow) evictLocked(now time.Time) {
	cut := now.Add(-t.window)
	i := 0
	for i < len(t.samples) && t.samples[i].at.Before(cut) {
		i++
	}
	t.samples = t.samples[i:]
}

// bytesPerSecond returns the rolling throughput average over the window.
func (t *throughputWindow) bytesPerSecond() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	t.evictLocked(now)
	if len(t.samples) == 0 {
		return 0
	}
	var total uint64
	for _, s := range t.samples {
		total += s.bytes
	}
	elapsed := now.Sub(t.samples[0].at).Seconds()
	if elapsed <= 0 {
		elapsed = t.window.Seconds()
	}
	return float64(total) / elapsed
}

// ErrorReport is one entry in a volume's bounded error-report ring. TraceID
// ties the entry back to the CommandHandlerThreadState trace active when the
// command failed, for correlation in aggregated logs.
type ErrorReport struct {
	Time    time.Time     `json:"time"`
	Opcode  byte          `json:"opcode"`
	Sector  uint64        `json:"sector"`
	Status  scsi.Status   `json:"status"`
	Key     scsi.SenseKey `json:"sense_key"`
	ASC     byte          `json:"asc"`
	ASCQ    byte          `json:"ascq"`
	Details string        `json:"details"`
	TraceID string        `json:"trace_id"`
}

// errorReportRing is the last-K bounded ring described in spec §3, persisted
// opportunistically (at most once per second) under the command handler's
// info-store key.
type errorReportRing struct {
	mu          sync.Mutex
	capacity    int
	entries     []ErrorReport
	persistKey  string
	index       storage.Index
	lastPersist time.Time
}

func newErrorReportRing(capacity int, key string, index storage.Index) *errorReportRing {
	return &errorReportRing{capacity: capacity, persistKey: key, index: index}
}

func (r *errorReportRing) add(report ErrorReport) {
	r.mu.Lock()
	r.entries = append(r.entries, report)
	if len(r.entries) > r.capacity {
		r.entries = r.entries[len(r.entries)-r.capacity:]
	}
	shouldPersist := r.index != nil && time.Since(r.lastPersist) >= time.Second
	var snapshot []ErrorReport
	if shouldPersist {
		snapshot = append([]ErrorReport(nil), r.entries...)
		r.lastPersist = time.Now()
	}
	r.mu.Unlock()

	if shouldPersist {
		if encoded, err := json.Marshal(snapshot); err == nil {
			_ = r.index.Put([]byte(r.persistKey), encoded)
		}
	}
}

func (r *errorReportRing) snapshot() []ErrorReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ErrorReport(nil), r.entries...)
}

// opcodeCounters tallies per-opcode command and error counts behind a single
// mutex; commands execute at a rate where this is not contended enough to
// warrant anything fancier.
type opcodeCounters struct {
	mu     sync.Mutex
	total  map[byte]uint64
	errors map[byte]uint64
}

func newOpcodeCounters() *opcodeCounters {
	return &opcodeCounters{total: make(map[byte]uint64), errors: make(map[byte]uint64)}
}

func (c *opcodeCounters) countCommand(opcode byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.total[opcode]++
}

func (c *opcodeCounters) countError(opcode byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors[opcode]++
}

func (c *opcodeCounters) snapshot() (total, errors map[byte]uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	total = make(map[byte]uint64, len(c.total))
	for k, v := range c.total {
		total[k] = v
	}
	errors = make(map[byte]uint64, len(c.errors))
	for k, v := range c.errors {
		errors[k] = v
	}
	return total, errors
}
