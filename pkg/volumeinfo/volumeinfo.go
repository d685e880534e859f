// Package volumeinfo implements VolumeInfo, the in-memory registry of every
// attached volume described in spec §4.5: lookup by id/name, the
// group/target multimaps that back LUN resolution, and the administrative
// operations (attach/detach, group/target membership, maintenance mode,
// resize, options, fast-copy) that mutate a volume under the lock-ordering
// rule of spec §5 (Volume write lock -> VolumeInfo lock -> TargetInfo lock
// -> UserInfo lock).
package volumeinfo

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dedupv1/dedupv1d/pkg/bridge"
	"github.com/dedupv1/dedupv1d/pkg/dedupengine"
	"github.com/dedupv1/dedupv1d/pkg/groupinfo"
	"github.com/dedupv1/dedupv1d/pkg/log"
	"github.com/dedupv1/dedupv1d/pkg/metrics"
	"github.com/dedupv1/dedupv1d/pkg/storage"
	"github.com/dedupv1/dedupv1d/pkg/targetinfo"
	"github.com/dedupv1/dedupv1d/pkg/volume"
)

// FastCopyEngine abstracts the fast-copy subsystem so volumeinfo does not
// need to import it directly (fastcopy imports volume, so the dependency
// would otherwise have to run the other way; keeping it an interface also
// makes VolumeInfo.FastCopy unit-testable without a real job queue).
type FastCopyEngine interface {
	StartNewFastCopyJob(srcID, targetID uint32, srcOffset, targetOffset, size uint64) error
	IsFastCopySource(volumeID uint32) bool
	IsFastCopyTarget(volumeID uint32) bool
}

// VolumeDetacher abstracts the detacher subsystem, same reasoning as
// FastCopyEngine: keeps the dependency one-directional and DetachVolume
// unit-testable without a real background reclamation worker.
type VolumeDetacher interface {
	DetachVolume(volumeID uint32, formerDeviceName string, formerLogicalSize, startBlock, endBlock uint64) error
	IsDetaching(volumeID uint32) bool
}

// stopTimeout bounds how long DetachVolume waits for a volume's worker
// threads to drain before handing the id to the detacher.
const stopTimeout = 2 * time.Second

// lunEntry pairs a LUN with the volume mapped at it, for the group/target
// multimaps.
type lunEntry struct {
	lun    uint32
	volume *volume.Volume
}

// VolumeInfo is the process-wide registry of attached volumes.
type VolumeInfo struct {
	mu sync.RWMutex

	ordered []*volume.Volume
	byID    map[uint32]*volume.Volume
	byName  map[string]*volume.Volume
	byGroup map[string][]lunEntry
	byTarget map[string][]lunEntry

	index     storage.Index
	system    dedupengine.System
	newBridge func() bridge.Bridge
	fastCopy  FastCopyEngine
	detacher  VolumeDetacher

	groups  *groupinfo.GroupInfo
	targets *targetinfo.TargetInfo

	started bool
	logger  zerolog.Logger
}

// New returns an unstarted VolumeInfo. newBridge builds a fresh kernel
// bridge connection for each volume started; fastCopy may be nil until the
// fast-copy engine is wired in by the caller after both are constructed
// (fastcopy itself depends on *volume.Volume, not on VolumeInfo).
func New(groups *groupinfo.GroupInfo, targets *targetinfo.TargetInfo, system dedupengine.System, newBridge func() bridge.Bridge) *VolumeInfo {
	return &VolumeInfo{
		byID:     make(map[uint32]*volume.Volume),
		byName:   make(map[string]*volume.Volume),
		byGroup:  make(map[string][]lunEntry),
		byTarget: make(map[string][]lunEntry),
		groups:   groups,
		targets:  targets,
		system:   system,
		newBridge: newBridge,
		logger:   log.WithComponent("volumeinfo"),
	}
}

// SetFastCopyEngine wires the fast-copy engine in after construction,
// breaking the initialization cycle between volumeinfo and fastcopy.
func (vi *VolumeInfo) SetFastCopyEngine(fc FastCopyEngine) {
	vi.mu.Lock()
	defer vi.mu.Unlock()
	vi.fastCopy = fc
}

// SetDetacher wires the detacher in after construction, same reasoning as
// SetFastCopyEngine.
func (vi *VolumeInfo) SetDetacher(det VolumeDetacher) {
	vi.mu.Lock()
	defer vi.mu.Unlock()
	vi.detacher = det
}

func idKey(id uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, id)
	return buf
}

// Start brings up every preconfigured volume, then restores dynamic volumes
// from the persistent index, in the dependency order required by spec
// §4.5: GroupInfo and TargetInfo must already be started by the caller
// before Start is invoked here. The group and target memberships of the
// volumes brought up are indexed as recorded; Start does not check them
// against GroupInfo or TargetInfo.
func (vi *VolumeInfo) Start(preconfigured []volume.Options, index storage.Index, errorIndex storage.Index) error {
	vi.mu.Lock()
	defer vi.mu.Unlock()
	if vi.started {
		return fmt.Errorf("volumeinfo: already started")
	}
	vi.index = index

	for _, opts := range preconfigured {
		opts.Preconfigured = true
		if err := vi.bringUpLocked(opts, errorIndex); err != nil {
			return fmt.Errorf("volumeinfo: preconfigured volume %d: %w", opts.ID, err)
		}
	}

	cursor, err := index.Cursor()
	if err != nil {
		return fmt.Errorf("volumeinfo: open cursor: %w", err)
	}
	for key, value, ok := cursor.First(); ok; key, value, ok = cursor.Next() {
		opts, err := volume.ParseFrom(value)
		if err != nil {
			return fmt.Errorf("volumeinfo: corrupt record for key %x: %w", key, err)
		}
		if _, exists := vi.byID[opts.ID]; exists {
			continue
		}
		if err := vi.bringUpLocked(opts, errorIndex); err != nil {
			return fmt.Errorf("volumeinfo: restore volume %d: %w", opts.ID, err)
		}
	}

	vi.started = true
	vi.logger.Info().Int("count", len(vi.ordered)).Msg("volumeinfo started")
	return nil
}

// bringUpLocked constructs, starts, and runs a volume, then indexes it. It
// must be called with vi.mu held.
func (vi *VolumeInfo) bringUpLocked(opts volume.Options, errorIndex storage.Index) error {
	v, err := volume.New(opts)
	if err != nil {
		return err
	}
	if err := v.Start(vi.system, vi.newBridge(), errorIndex); err != nil {
		return err
	}
	if err := v.Run(); err != nil {
		return err
	}
	vi.indexLocked(v)
	return nil
}

func (vi *VolumeInfo) indexLocked(v *volume.Volume) {
	vi.ordered = append(vi.ordered, v)
	vi.byID[v.ID()] = v
	vi.byName[v.DeviceName()] = v
	for _, g := range v.Groups() {
		vi.byGroup[g.Name] = append(vi.byGroup[g.Name], lunEntry{lun: g.LUN, volume: v})
	}
	for _, t := range v.Targets() {
		vi.byTarget[t.Name] = append(vi.byTarget[t.Name], lunEntry{lun: t.LUN, volume: v})
	}
}

func (vi *VolumeInfo) persistLocked(v *volume.Volume) error {
	data, err := v.SerializeTo()
	if err != nil {
		return err
	}
	if err := vi.index.Put(idKey(v.ID()), data); err != nil {
		return fmt.Errorf("volumeinfo: persist volume %d: %w", v.ID(), err)
	}
	return nil
}

// FindByID returns the volume with the given id, if any.
func (vi *VolumeInfo) FindByID(id uint32) (*volume.Volume, bool) {
	vi.mu.RLock()
	defer vi.mu.RUnlock()
	v, ok := vi.byID[id]
	return v, ok
}

// FindByName returns the volume with the given device name, if any.
func (vi *VolumeInfo) FindByName(name string) (*volume.Volume, bool) {
	vi.mu.RLock()
	defer vi.mu.RUnlock()
	v, ok := vi.byName[name]
	return v, ok
}

// FindInGroup resolves (group, lun) to a volume, used by the SCSI target
// layer to route an incoming command to the right Volume.
func (vi *VolumeInfo) FindInGroup(group string, lun uint32) (*volume.Volume, bool) {
	vi.mu.RLock()
	defer vi.mu.RUnlock()
	for _, e := range vi.byGroup[group] {
		if e.lun == lun {
			return e.volume, true
		}
	}
	return nil, false
}

// FindInTarget resolves (target, lun) to a volume.
func (vi *VolumeInfo) FindInTarget(target string, lun uint32) (*volume.Volume, bool) {
	vi.mu.RLock()
	defer vi.mu.RUnlock()
	for _, e := range vi.byTarget[target] {
		if e.lun == lun {
			return e.volume, true
		}
	}
	return nil, false
}

// List returns every registered volume in attach order.
func (vi *VolumeInfo) List() []*volume.Volume {
	vi.mu.RLock()
	defer vi.mu.RUnlock()
	out := make([]*volume.Volume, len(vi.ordered))
	copy(out, vi.ordered)
	return out
}

// RefreshMetrics recomputes the volume-registry gauges from current state.
// Intended to be driven periodically by a scheduler task rather than
// updated incrementally at every mutation site, since "in maintenance" and
// per-state counts depend on volume-internal transitions VolumeInfo does
// not observe directly.
func (vi *VolumeInfo) RefreshMetrics() {
	vi.mu.RLock()
	defer vi.mu.RUnlock()
	counts := make(map[string]int)
	inMaintenance := 0
	for _, v := range vi.ordered {
		counts[v.State().String()]++
		if v.Maintenance() {
			inMaintenance++
		}
	}
	for _, state := range []string{"CREATED", "STARTED", "RUNNING", "STOPPED", "FAILED"} {
		metrics.VolumesTotal.WithLabelValues(state).Set(float64(counts[state]))
	}
	metrics.VolumesInMaintenance.Set(float64(inMaintenance))
}

// AttachVolume constructs, starts, and registers a brand-new dynamic
// volume.
func (vi *VolumeInfo) AttachVolume(opts volume.Options, errorIndex storage.Index) (*volume.Volume, error) {
	opts.Preconfigured = false
	vi.mu.Lock()
	defer vi.mu.Unlock()
	if vi.detacher != nil && vi.detacher.IsDetaching(opts.ID) {
		return nil, fmt.Errorf("volumeinfo: volume id %d is still detaching, not reusable yet", opts.ID)
	}
	if _, exists := vi.byID[opts.ID]; exists {
		return nil, fmt.Errorf("volumeinfo: volume id %d already attached", opts.ID)
	}
	if _, exists := vi.byName[opts.DeviceName]; opts.DeviceName != "" && exists {
		return nil, fmt.Errorf("volumeinfo: device name %q already attached", opts.DeviceName)
	}

	v, err := volume.New(opts)
	if err != nil {
		return nil, err
	}
	if err := v.Start(vi.system, vi.newBridge(), errorIndex); err != nil {
		return nil, err
	}
	if err := v.Run(); err != nil {
		return nil, err
	}
	if err := vi.persistLocked(v); err != nil {
		return nil, err
	}
	vi.indexLocked(v)
	return v, nil
}

// DetachVolume stops a dynamic volume, commits a DETACH event to the dedup
// log (spec §4.5/§4.6), and hands its block range to the detacher for
// background reclamation before removing it from the registry. Rejected if
// preconfigured, still a member of any group or target, still holding open
// sessions, or participating in an in-flight fast-copy as either endpoint.
// The volume id stays reserved (see AttachVolume's detaching check) until
// the detacher finishes and the caller observes that via
// vi.detacher.IsDetaching.
func (vi *VolumeInfo) DetachVolume(id uint32) error {
	vi.mu.Lock()
	defer vi.mu.Unlock()
	v, ok := vi.byID[id]
	if !ok {
		return fmt.Errorf("volumeinfo: volume id %d not found", id)
	}
	if v.Preconfigured() {
		return fmt.Errorf("volumeinfo: volume %d is preconfigured and cannot be detached", id)
	}
	if len(v.Groups()) > 0 {
		return fmt.Errorf("volumeinfo: volume %d is still a member of %d group(s)", id, len(v.Groups()))
	}
	if len(v.Targets()) > 0 {
		return fmt.Errorf("volumeinfo: volume %d is still mapped into %d target(s)", id, len(v.Targets()))
	}
	if v.SessionCount() > 0 {
		return fmt.Errorf("volumeinfo: volume %d still has %d open session(s)", id, v.SessionCount())
	}
	if vi.fastCopy != nil && (vi.fastCopy.IsFastCopySource(id) || vi.fastCopy.IsFastCopyTarget(id)) {
		return fmt.Errorf("volumeinfo: volume %d is an endpoint of an in-flight fast-copy job", id)
	}

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := v.Stop(ctx); err != nil {
		return fmt.Errorf("volumeinfo: stop volume %d: %w", id, err)
	}

	if err := vi.system.Log().CommitEvent(id, dedupengine.EventVolumeDetach); err != nil {
		return fmt.Errorf("volumeinfo: commit detach event for volume %d: %w", id, err)
	}

	if vi.detacher != nil {
		formerDeviceName := v.DeviceName()
		formerLogicalSize := v.LogicalSize()
		endBlock := (formerLogicalSize + dedupengine.DefaultBlockSize - 1) / dedupengine.DefaultBlockSize
		if err := vi.detacher.DetachVolume(id, formerDeviceName, formerLogicalSize, 0, endBlock); err != nil {
			return fmt.Errorf("volumeinfo: hand off volume %d to detacher: %w", id, err)
		}
	}

	if err := vi.index.Delete(idKey(id)); err != nil {
		return fmt.Errorf("volumeinfo: delete volume %d: %w", id, err)
	}
	delete(vi.byID, id)
	delete(vi.byName, v.DeviceName())
	for i, ov := range vi.ordered {
		if ov.ID() == id {
			vi.ordered = append(vi.ordered[:i:i], vi.ordered[i+1:]...)
			break
		}
	}
	return nil
}

// AddToGroup maps the volume into group at lun.
func (vi *VolumeInfo) AddToGroup(id uint32, group string, lun uint32) error {
	vi.mu.Lock()
	defer vi.mu.Unlock()
	v, ok := vi.byID[id]
	if !ok {
		return fmt.Errorf("volumeinfo: volume id %d not found", id)
	}
	if !vi.groups.HasGroup(group) {
		return fmt.Errorf("volumeinfo: group %q not found", group)
	}
	for _, e := range vi.byGroup[group] {
		if e.lun == lun {
			return fmt.Errorf("volumeinfo: lun %d already in use in group %q", lun, group)
		}
	}
	if err := v.AddToGroup(group, lun); err != nil {
		return err
	}
	vi.byGroup[group] = append(vi.byGroup[group], lunEntry{lun: lun, volume: v})
	return vi.persistLocked(v)
}

// RemoveFromGroup unmaps the volume from group.
func (vi *VolumeInfo) RemoveFromGroup(id uint32, group string, lun uint32) error {
	vi.mu.Lock()
	defer vi.mu.Unlock()
	v, ok := vi.byID[id]
	if !ok {
		return fmt.Errorf("volumeinfo: volume id %d not found", id)
	}
	v.RemoveFromGroup(group, lun)
	entries := vi.byGroup[group]
	for i, e := range entries {
		if e.lun == lun && e.volume.ID() == id {
			vi.byGroup[group] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	return vi.persistLocked(v)
}

// AddToTarget maps the volume into target at lun.
func (vi *VolumeInfo) AddToTarget(id uint32, target string, lun uint32) error {
	vi.mu.Lock()
	defer vi.mu.Unlock()
	v, ok := vi.byID[id]
	if !ok {
		return fmt.Errorf("volumeinfo: volume id %d not found", id)
	}
	if !vi.targets.HasTarget(target) {
		return fmt.Errorf("volumeinfo: target %q not found", target)
	}
	for _, e := range vi.byTarget[target] {
		if e.lun == lun {
			return fmt.Errorf("volumeinfo: lun %d already in use in target %q", lun, target)
		}
	}
	if err := v.AddToTarget(target, lun); err != nil {
		return err
	}
	vi.byTarget[target] = append(vi.byTarget[target], lunEntry{lun: lun, volume: v})
	return vi.persistLocked(v)
}

// RemoveFromTarget unmaps the volume from target.
func (vi *VolumeInfo) RemoveFromTarget(id uint32, target string, lun uint32) error {
	vi.mu.Lock()
	defer vi.mu.Unlock()
	v, ok := vi.byID[id]
	if !ok {
		return fmt.Errorf("volumeinfo: volume id %d not found", id)
	}
	v.RemoveFromTarget(target, lun)
	entries := vi.byTarget[target]
	for i, e := range entries {
		if e.lun == lun && e.volume.ID() == id {
			vi.byTarget[target] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	return vi.persistLocked(v)
}

// ChangeMaintainceMode flips a volume's maintenance flag.
func (vi *VolumeInfo) ChangeMaintainceMode(id uint32, maintenance bool) error {
	vi.mu.Lock()
	defer vi.mu.Unlock()
	v, ok := vi.byID[id]
	if !ok {
		return fmt.Errorf("volumeinfo: volume id %d not found", id)
	}
	if err := v.ChangeMaintenanceMode(maintenance); err != nil {
		return err
	}
	return vi.persistLocked(v)
}

// ChangeLogicalSize grows a volume's logical size.
func (vi *VolumeInfo) ChangeLogicalSize(id uint32, newSize uint64) error {
	vi.mu.Lock()
	defer vi.mu.Unlock()
	v, ok := vi.byID[id]
	if !ok {
		return fmt.Errorf("volumeinfo: volume id %d not found", id)
	}
	if err := v.ChangeLogicalSize(newSize); err != nil {
		return err
	}
	return vi.persistLocked(v)
}

// ChangeOptions reconfigures a volume's filter chain and chunking options.
func (vi *VolumeInfo) ChangeOptions(id uint32, filter, chunking dedupengine.Options) error {
	vi.mu.Lock()
	defer vi.mu.Unlock()
	v, ok := vi.byID[id]
	if !ok {
		return fmt.Errorf("volumeinfo: volume id %d not found", id)
	}
	if err := v.ChangeOptions(filter, chunking); err != nil {
		return err
	}
	return vi.persistLocked(v)
}

// FastCopy starts a background fast-copy job from src to target. Both
// volumes must exist, be distinct, and be in maintenance mode; the actual
// copy runs asynchronously in the fast-copy engine.
func (vi *VolumeInfo) FastCopy(srcID, targetID uint32, srcOffset, targetOffset, size uint64) error {
	vi.mu.RLock()
	src, srcOK := vi.byID[srcID]
	dst, dstOK := vi.byID[targetID]
	fc := vi.fastCopy
	vi.mu.RUnlock()

	if !srcOK {
		return fmt.Errorf("volumeinfo: source volume %d not found", srcID)
	}
	if !dstOK {
		return fmt.Errorf("volumeinfo: target volume %d not found", targetID)
	}
	if srcID == targetID {
		return fmt.Errorf("volumeinfo: fast-copy source and target must differ")
	}
	if !src.Maintenance() {
		return fmt.Errorf("volumeinfo: source volume %d is not in maintenance mode", srcID)
	}
	if !dst.Maintenance() {
		return fmt.Errorf("volumeinfo: target volume %d is not in maintenance mode", targetID)
	}
	if fc == nil {
		return fmt.Errorf("volumeinfo: fast-copy engine not configured")
	}
	return fc.StartNewFastCopyJob(srcID, targetID, srcOffset, targetOffset, size)
}

// RebindTarget implements targetinfo.VolumeRebinder: it updates every
// volume mapped into oldName to reference newName instead, so
// TargetInfo.ChangeTargetParams can rename a target without orphaning its
// LUN mappings.
func (vi *VolumeInfo) RebindTarget(oldName, newName string) error {
	vi.mu.Lock()
	defer vi.mu.Unlock()
	entries, ok := vi.byTarget[oldName]
	if !ok || len(entries) == 0 {
		return nil
	}
	for _, e := range entries {
		e.volume.RenameTarget(oldName, newName)
		if err := vi.persistLocked(e.volume); err != nil {
			return err
		}
	}
	vi.byTarget[newName] = append(vi.byTarget[newName], entries...)
	delete(vi.byTarget, oldName)
	return nil
}
