package volume

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/dedupv1/dedupv1d/pkg/bridge"
	"github.com/dedupv1/dedupv1d/pkg/dedupengine"
	"github.com/dedupv1/dedupv1d/pkg/log"
	"github.com/dedupv1/dedupv1d/pkg/metrics"
	"github.com/dedupv1/dedupv1d/pkg/scsi"
	"github.com/dedupv1/dedupv1d/pkg/storage"
)

// State is one of the five states in the volume lifecycle described in
// spec §4.4. Maintenance is an orthogonal flag, not a state.
type State int

const (
	StateCreated State = iota
	StateStarted
	StateRunning
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateStarted:
		return "STARTED"
	case StateRunning:
		return "RUNNING"
	case StateStopped:
		return "STOPPED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

const (
	// DefaultSectorSize is used when Options.SectorSize is zero.
	DefaultSectorSize = 512
	// DefaultCommandThreadCount is used when Options.CommandThreadCount is
	// not positive.
	DefaultCommandThreadCount = 16
	// MaxDeviceNameLength and deviceNamePattern bound device_name, per
	// spec §3.
	MaxDeviceNameLength = 48
)

var deviceNamePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

func validSectorSize(n uint32) bool {
	switch n {
	case 512, 1024, 2048, 4096:
		return true
	}
	return false
}

func validDeviceName(name string) bool {
	if len(name) < 1 || len(name) > MaxDeviceNameLength {
		return false
	}
	return deviceNamePattern.MatchString(name)
}

func defaultDeviceName(id uint32) string {
	return fmt.Sprintf("dedupv1-%d", id)
}

func hashDeviceName(name string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return h.Sum64()
}

// NamedLUN pairs a group or target name with the LUN a volume is exported
// as within it.
type NamedLUN struct {
	Name string
	LUN  uint32
}

// Options configures a Volume at creation (New) or reconstructs one from a
// persisted record (ParseFrom's return value is fed back into New).
type Options struct {
	ID                 uint32
	DeviceName         string
	LogicalSize        uint64
	SectorSize         uint32
	CommandThreadCount int
	Preconfigured      bool
	Maintenance        bool
	Groups             []NamedLUN
	Targets            []NamedLUN
	FilterChainOptions dedupengine.Options
	ChunkingOptions    dedupengine.Options
}

// Volume is a single exported LUN: identity, geometry, state machine,
// session table, and the worker threads driving the kernel SCSI bridge.
// See spec §3/§4.4.
type Volume struct {
	mu sync.RWMutex

	id                 uint32
	deviceName         string
	logicalSize        uint64
	sectorSize         uint32
	blockCount         uint64
	commandThreadCount int
	preconfigured      bool
	uniqueSerialNumber uint64

	state          State
	maintenance    bool
	everRegistered bool

	groups  []NamedLUN
	targets []NamedLUN

	filterOptions   dedupengine.Options
	chunkingOptions dedupengine.Options

	sessions      *sessionMap
	unitAttention *unitAttentionMap

	dedupVolume dedupengine.Volume
	bridgeConn  bridge.Bridge
	handler     *CommandHandler

	throttledCount  int32 // atomic
	throttleTimeAvg *rollingAverage

	workerWG sync.WaitGroup

	logger zerolog.Logger
}

// New validates opts and returns a CREATED Volume. Callers obtain the
// dedup-engine handle and kernel bridge later, via Start/Run.
func New(opts Options) (*Volume, error) {
	sectorSize := opts.SectorSize
	if sectorSize == 0 {
		sectorSize = DefaultSectorSize
	}
	if !validSectorSize(sectorSize) {
		return nil, fmt.Errorf("volume %d: invalid sector size %d", opts.ID, sectorSize)
	}
	if opts.LogicalSize%uint64(sectorSize) != 0 {
		return nil, fmt.Errorf("volume %d: logical size %d is not a multiple of sector size %d", opts.ID, opts.LogicalSize, sectorSize)
	}

	threadCount := opts.CommandThreadCount
	if threadCount <= 0 {
		threadCount = DefaultCommandThreadCount
	}

	deviceName := opts.DeviceName
	if deviceName == "" {
		deviceName = defaultDeviceName(opts.ID)
	}
	if !validDeviceName(deviceName) {
		return nil, fmt.Errorf("volume %d: invalid device name %q", opts.ID, deviceName)
	}

	return &Volume{
		id:                 opts.ID,
		deviceName:         deviceName,
		logicalSize:        opts.LogicalSize,
		sectorSize:         sectorSize,
		blockCount:         opts.LogicalSize / uint64(sectorSize),
		commandThreadCount: threadCount,
		preconfigured:      opts.Preconfigured,
		uniqueSerialNumber: hashDeviceName(deviceName),
		state:              StateCreated,
		maintenance:        opts.Maintenance,
		groups:             append([]NamedLUN(nil), opts.Groups...),
		targets:            append([]NamedLUN(nil), opts.Targets...),
		filterOptions:      opts.FilterChainOptions,
		chunkingOptions:    opts.ChunkingOptions,
		sessions:           newSessionMap(),
		unitAttention:      newUnitAttentionMap(),
		throttleTimeAvg:    newRollingAverage(256),
		logger:             log.WithVolume(opts.ID),
	}, nil
}

// Start wires the volume to the dedup engine and builds its command
// handler. CREATED -> STARTED, per spec §4.4.
func (v *Volume) Start(system dedupengine.System, conn bridge.Bridge, errorIndex storage.Index) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state != StateCreated {
		return fmt.Errorf("volume %d: Start called in state %s, want CREATED", v.id, v.state)
	}

	dv, err := system.OpenVolume(v.id)
	if err != nil {
		return fmt.Errorf("volume %d: open dedup volume: %w", v.id, err)
	}

	v.dedupVolume = dv
	v.bridgeConn = conn
	v.handler = NewCommandHandler(v, errorIndex)
	v.state = StateStarted
	v.logger.Info().Str("device_name", v.deviceName).Uint64("logical_size", v.logicalSize).Msg("volume started")
	return nil
}

// Run registers (or re-registers) with the kernel SCSI bridge and spawns
// command_thread_count workers. STARTED|STOPPED -> RUNNING.
func (v *Volume) Run() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state != StateStarted && v.state != StateStopped {
		return fmt.Errorf("volume %d: Run called in state %s, want STARTED or STOPPED", v.id, v.state)
	}

	var err error
	if !v.everRegistered {
		err = v.bridgeConn.Start(v.sectorSize)
	} else {
		err = v.bridgeConn.Restart(v.sectorSize)
	}
	if err != nil {
		return fmt.Errorf("volume %d: bridge start: %w", v.id, err)
	}
	if err := v.bridgeConn.Register(bridge.DefaultRegisterOptions(v.deviceName)); err != nil {
		return fmt.Errorf("volume %d: bridge register: %w", v.id, err)
	}
	v.everRegistered = true

	v.state = StateRunning
	for i := 0; i < v.commandThreadCount; i++ {
		v.workerWG.Add(1)
		go v.runWorker(i)
	}
	v.logger.Info().Int("threads", v.commandThreadCount).Msg("volume running")
	return nil
}

// Stop flips the state so worker threads exit cooperatively, waits for
// them (bounded by ctx), and unregisters from the kernel bridge. RUNNING ->
// STOPPED.
func (v *Volume) Stop(ctx context.Context) error {
	v.mu.Lock()
	if v.state != StateRunning {
		v.mu.Unlock()
		return nil
	}
	v.state = StateStopped
	v.mu.Unlock()

	done := make(chan struct{})
	go func() {
		v.workerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("volume %d: stop: %w", v.id, ctx.Err())
	}

	if err := v.bridgeConn.Stop(); err != nil {
		return fmt.Errorf("volume %d: bridge stop: %w", v.id, err)
	}
	v.logger.Info().Msg("volume stopped")
	return nil
}

// Close releases dedup-engine resources. Permitted from any state,
// including FAILED (the one mutation a failed volume still accepts).
func (v *Volume) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.dedupVolume == nil {
		return nil
	}
	return v.dedupVolume.Close()
}

func (v *Volume) setFailed(cause error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state == StateFailed {
		return
	}
	v.state = StateFailed
	v.logger.Error().Err(cause).Msg("volume worker failed, transitioning to FAILED")
}

// volumeWorkerHandler binds a Volume and a fixed worker thread index to the
// bridge.Handler interface, so ExecuteSCSICommand's thread trace matches the
// worker that produced it.
type volumeWorkerHandler struct {
	v   *Volume
	idx int
}

func (h volumeWorkerHandler) Handle(cmd bridge.Command) bridge.Response {
	return h.v.handleCommand(h.idx, cmd)
}

func (v *Volume) handleCommand(threadIdx int, cmd bridge.Command) bridge.Response {
	switch cmd.Subcode {
	case bridge.AttachSess:
		v.AddSession(&Session{
			SessionID:     cmd.SessionID,
			TargetName:    cmd.TargetName,
			InitiatorName: cmd.InitiatorName,
			LUN:           cmd.LUN,
		})
		return bridge.Response{Status: bridge.SessionAttached}

	case bridge.DetachSess:
		v.RemoveSession(cmd.SessionID)
		return bridge.Response{Status: bridge.SessionDetached}

	case bridge.TaskMgmtReceived:
		return v.handler.TaskMgmt(scsi.TaskMgmtFunction(cmd.TaskMgmtFunction))

	case bridge.Exec:
		reply := v.handler.ExecuteSCSICommand(threadIdx, ExecRequest{
			SessionID: cmd.SessionID,
			CommandID: cmd.CommandID,
			CDB:       cmd.CDB,
			WriteData: cmd.WriteData,
			AllocLen:  cmd.AllocLen,
		})
		return bridge.Response{Status: reply.Status, Data: reply.Data, Result: reply.Result}

	default:
		return bridge.Response{Status: bridge.ExecCompleted}
	}
}

// runWorker is the blocking loop described in spec §4.4: drop the read
// lock, throttle, process one bridge command, reacquire the read lock to
// check state.
func (v *Volume) runWorker(idx int) {
	defer v.workerWG.Done()
	h := volumeWorkerHandler{v: v, idx: idx}

	v.mu.RLock()
	for v.state == StateRunning {
		v.mu.RUnlock()

		throttled, _ := v.Throttle(idx)
		if !throttled {
			if _, err := v.bridgeConn.HandleProcessCommand(h); err != nil {
				v.setFailed(err)
				return
			}
		}

		v.mu.RLock()
	}
	v.mu.RUnlock()
}

// throttleDecision is the pure formula behind Throttle: once avgResponseMs
// exceeds 500, the number of threads allowed to proceed without sleeping
// shrinks toward 1 as avgResponseMs climbs toward 2000+. throttledCount is
// the count of threads (including the caller) currently inside Throttle.
func throttleDecision(avgResponseMs float64, commandThreadCount int, throttledCount int32) (shouldSleep bool, sleepFor time.Duration) {
	if avgResponseMs <= 500 {
		return false, 0
	}
	ratio := avgResponseMs / 2000.0
	if ratio > 1 {
		ratio = 1
	}
	threadsToHold := math.Exp(ratio*math.Log(float64(commandThreadCount-2))) + 1
	if float64(throttledCount) < threadsToHold {
		return true, time.Duration(avgResponseMs / 100 * float64(time.Second))
	}
	return false, 0
}

// Throttle implements the formula in spec §4.4: once the rolling average
// response time exceeds 500ms, hold back threads beyond a count derived
// from how bad that average is, then delegate to the dedup engine's own
// throttle. Returns whether this call slept.
func (v *Volume) Throttle(threadIdx int) (bool, error) {
	start := time.Now()
	n := atomic.AddInt32(&v.throttledCount, 1)
	defer atomic.AddInt32(&v.throttledCount, -1)

	avg := v.handler.AverageResponseTimeMillis()
	shouldSleep, sleepFor := throttleDecision(avg, v.CommandThreadCount(), n)
	if shouldSleep {
		v.logger.Debug().Float64("avg_response_ms", avg).Dur("sleep", sleepFor).Msg("response time throttle")
		metrics.ThrottleSleepsTotal.WithLabelValues(uitoa(v.id)).Inc()
		metrics.ThrottleSleepDuration.Observe(sleepFor.Seconds())
		time.Sleep(sleepFor)
	}

	if v.dedupVolume != nil {
		v.dedupVolume.Throttle()
	}
	v.throttleTimeAvg.add(float64(time.Since(start).Milliseconds()))
	return shouldSleep, nil
}

// ChangeMaintenanceMode flips the orthogonal maintenance flag. A no-op if
// already in the requested mode; forbidden from FAILED.
func (v *Volume) ChangeMaintenanceMode(flag bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state == StateFailed {
		return fmt.Errorf("volume %d: cannot change maintenance mode in FAILED state", v.id)
	}
	if v.maintenance == flag {
		return nil
	}
	if v.dedupVolume != nil {
		if err := v.dedupVolume.ChangeMaintenanceMode(flag); err != nil {
			return fmt.Errorf("volume %d: change maintenance mode: %w", v.id, err)
		}
	}
	v.maintenance = flag
	v.unitAttention.pushToAll(scsi.ErrUnitAttentionOperatingConditionsChanged)
	v.logger.Info().Bool("maintenance", flag).Msg("maintenance mode changed")
	return nil
}

// forceMaintenanceForFullStore is invoked by the command handler when a
// write's error context reports the chunk store full (spec §4.3).
func (v *Volume) forceMaintenanceForFullStore() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.maintenance {
		return
	}
	v.maintenance = true
	v.unitAttention.pushToAll(scsi.ErrUnitAttentionOperatingConditionsChanged)
	v.logger.Warn().Msg("forcing maintenance mode: dedup engine reported store full")
}

// ChangeLogicalSize grows the volume. Shrinking is rejected, per spec §3's
// monotonically-non-decreasing invariant.
func (v *Volume) ChangeLogicalSize(newSize uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if newSize < v.logicalSize {
		return fmt.Errorf("volume %d: logical size may not shrink (%d -> %d)", v.id, v.logicalSize, newSize)
	}
	if newSize%uint64(v.sectorSize) != 0 {
		return fmt.Errorf("volume %d: logical size %d is not a multiple of sector size %d", v.id, newSize, v.sectorSize)
	}
	if v.dedupVolume != nil {
		if err := v.dedupVolume.ChangeLogicalSize(newSize); err != nil {
			return fmt.Errorf("volume %d: change logical size: %w", v.id, err)
		}
	}
	v.logicalSize = newSize
	v.blockCount = newSize / uint64(v.sectorSize)
	if v.everRegistered && v.bridgeConn != nil {
		if err := v.bridgeConn.NotifyDeviceCapacityChanged(); err != nil {
			v.logger.Warn().Err(err).Msg("failed to notify kernel bridge of capacity change")
		}
	}
	v.logger.Info().Uint64("logical_size", newSize).Msg("logical size changed")
	return nil
}

// ChangeOptions replaces the filter-chain and chunking option sets. Only
// permitted in maintenance; reverts on dedup-engine failure.
func (v *Volume) ChangeOptions(filter, chunking dedupengine.Options) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.maintenance {
		return fmt.Errorf("volume %d: options may only change while in maintenance", v.id)
	}

	prevFilter, prevChunking := v.filterOptions, v.chunkingOptions
	v.filterOptions, v.chunkingOptions = filter, chunking

	if v.dedupVolume != nil {
		merged := make(dedupengine.Options, len(filter)+len(chunking))
		for k, val := range filter {
			merged[k] = val
		}
		for k, val := range chunking {
			merged[k] = val
		}
		if err := v.dedupVolume.ChangeOptions(merged); err != nil {
			v.filterOptions, v.chunkingOptions = prevFilter, prevChunking
			return fmt.Errorf("volume %d: change options: %w", v.id, err)
		}
	}
	return nil
}

// AddSession registers a new Session. Session membership changes take the
// volume's write lock so fast-copy/maintenance preconditions ("session
// count == 0") observe a consistent view (spec §5).
func (v *Volume) AddSession(s *Session) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.handler.AttachSession(s)
}

// RemoveSession detaches a Session by id.
func (v *Volume) RemoveSession(sessionID uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.handler.DetachSession(sessionID)
}

// FindSession looks up a Session without taking the volume lock; the
// session map guards its own concurrency.
func (v *Volume) FindSession(sessionID uint64) (*Session, bool) {
	return v.sessions.find(sessionID)
}

// SessionCount reports the number of attached sessions.
func (v *Volume) SessionCount() int {
	return v.sessions.count()
}

// AddToGroup records (name, lun) membership. Collision checking against
// other volumes is VolumeInfo's responsibility; this only guards against
// duplicate membership on the same volume and preconfigured immutability.
func (v *Volume) AddToGroup(name string, lun uint32) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.preconfigured {
		return fmt.Errorf("volume %d: preconfigured volumes cannot change group membership", v.id)
	}
	for _, g := range v.groups {
		if g.Name == name && g.LUN == lun {
			return fmt.Errorf("volume %d: already a member of group %q at lun %d", v.id, name, lun)
		}
	}
	v.groups = append(v.groups, NamedLUN{Name: name, LUN: lun})
	return nil
}

// RemoveFromGroup is a no-op if the volume was not a member.
func (v *Volume) RemoveFromGroup(name string, lun uint32) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i, g := range v.groups {
		if g.Name == name && g.LUN == lun {
			v.groups = append(v.groups[:i:i], v.groups[i+1:]...)
			return
		}
	}
}

// AddToTarget records (name, lun) membership in an iSCSI target.
func (v *Volume) AddToTarget(name string, lun uint32) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.preconfigured {
		return fmt.Errorf("volume %d: preconfigured volumes cannot change target membership", v.id)
	}
	for _, t := range v.targets {
		if t.Name == name && t.LUN == lun {
			return fmt.Errorf("volume %d: already mapped in target %q at lun %d", v.id, name, lun)
		}
	}
	v.targets = append(v.targets, NamedLUN{Name: name, LUN: lun})
	return nil
}

// RemoveFromTarget is a no-op if the volume was not mapped in the target.
func (v *Volume) RemoveFromTarget(name string, lun uint32) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i, t := range v.targets {
		if t.Name == name && t.LUN == lun {
			v.targets = append(v.targets[:i:i], v.targets[i+1:]...)
			return
		}
	}
}

// RenameTarget updates every (name, lun) entry referencing oldName to
// newName, used by TargetInfo.ChangeTargetParams when a target is renamed.
func (v *Volume) RenameTarget(oldName, newName string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i, t := range v.targets {
		if t.Name == oldName {
			v.targets[i].Name = newName
		}
	}
}

// --- read-only accessors ---

func (v *Volume) ID() uint32 { return v.id }

func (v *Volume) DeviceName() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.deviceName
}

func (v *Volume) LogicalSize() uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.logicalSize
}

func (v *Volume) SectorSize() uint32 { return v.sectorSize }

func (v *Volume) sectorSizeForDecode() uint32 { return v.sectorSize }

func (v *Volume) BlockCount() uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.blockCount
}

func (v *Volume) CommandThreadCount() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.commandThreadCount
}

func (v *Volume) Maintenance() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.maintenance
}

func (v *Volume) Preconfigured() bool { return v.preconfigured }

func (v *Volume) State() State {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.state
}

func (v *Volume) UniqueSerialNumber() uint64 { return v.uniqueSerialNumber }

func (v *Volume) Handler() *CommandHandler { return v.handler }

// WithDedupVolume invokes fn with the volume's dedup-engine handle while
// holding the volume's lock only long enough to capture it, per the
// fast-copy engine's "take and release each volume's lock in turn"
// discipline (spec §4.7).
func (v *Volume) WithDedupVolume(fn func(dedupengine.Volume) error) error {
	v.mu.RLock()
	dv := v.dedupVolume
	v.mu.RUnlock()
	return fn(dv)
}

// Groups returns a copy of the volume's group memberships.
func (v *Volume) Groups() []NamedLUN {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return append([]NamedLUN(nil), v.groups...)
}

// Targets returns a copy of the volume's target memberships.
func (v *Volume) Targets() []NamedLUN {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return append([]NamedLUN(nil), v.targets...)
}

func (v *Volume) String() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return fmt.Sprintf("volume %d (%s, state=%s, maintenance=%t, sessions=%d)",
		v.id, v.deviceName, v.state, v.maintenance, v.sessions.count())
}

// serializedVolume is the on-disk shape of a Volume record, per spec §4.4
// SerializeTo/ParseFrom. An unset DeviceName means "use the default derived
// from id" on deserialize.
type serializedVolume struct {
	ID                 uint32              `json:"id"`
	DeviceName         string              `json:"device_name,omitempty"`
	LogicalSize        uint64              `json:"logical_size"`
	CommandThreadCount int                 `json:"command_thread_count"`
	SectorSize         uint32              `json:"sector_size,omitempty"`
	Groups             []NamedLUN          `json:"groups,omitempty"`
	Targets            []NamedLUN          `json:"targets,omitempty"`
	FilterChainOptions dedupengine.Options `json:"filter_chain_options,omitempty"`
	ChunkingOptions    dedupengine.Options `json:"chunking_options,omitempty"`
	State              string              `json:"state"`
}

// SerializeTo renders the volume's persisted fields, per spec §4.4.
func (v *Volume) SerializeTo() ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	rec := serializedVolume{
		ID:                 v.id,
		LogicalSize:        v.logicalSize,
		CommandThreadCount: v.commandThreadCount,
		Groups:             v.groups,
		Targets:            v.targets,
		FilterChainOptions: v.filterOptions,
		ChunkingOptions:    v.chunkingOptions,
		State:              "RUNNING",
	}
	if v.deviceName != defaultDeviceName(v.id) {
		rec.DeviceName = v.deviceName
	}
	if v.sectorSize != DefaultSectorSize {
		rec.SectorSize = v.sectorSize
	}
	if v.maintenance {
		rec.State = "MAINTENANCE"
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("volume %d: serialize: %w", v.id, err)
	}
	return data, nil
}

// ParseFrom decodes a persisted record into Options suitable for New. It is
// the inverse of SerializeTo.
func ParseFrom(data []byte) (Options, error) {
	var rec serializedVolume
	if err := json.Unmarshal(data, &rec); err != nil {
		return Options{}, fmt.Errorf("volume: parse record: %w", err)
	}
	return Options{
		ID:                 rec.ID,
		DeviceName:         rec.DeviceName,
		LogicalSize:        rec.LogicalSize,
		SectorSize:         rec.SectorSize,
		CommandThreadCount: rec.CommandThreadCount,
		Groups:             rec.Groups,
		Targets:            rec.Targets,
		FilterChainOptions: rec.FilterChainOptions,
		ChunkingOptions:    rec.ChunkingOptions,
		Maintenance:        rec.State == "MAINTENANCE",
	}, nil
}
