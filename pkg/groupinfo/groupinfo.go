// Package groupinfo implements GroupInfo, the persistent directory of LUN
// groups described in spec §3/§4.8. A group is identity only; VolumeInfo
// uses the group name as a namespace for (lun, volume) assignments.
package groupinfo

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dedupv1/dedupv1d/pkg/log"
	"github.com/dedupv1/dedupv1d/pkg/storage"
)

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9._:-]+$`)

// Group is identity-only: a namespace name, and whether it was declared in
// static config (and therefore cannot be removed via the admin API).
type Group struct {
	Name          string
	Preconfigured bool
}

// Options configures a new dynamic group.
type Options struct {
	Name string
}

// GroupInfo is a started-once directory of preconfigured and dynamic
// groups, backed by a persistent index keyed by group name.
type GroupInfo struct {
	mu      sync.Mutex
	groups  map[string]*Group
	index   storage.Index
	started bool
	logger  zerolog.Logger
}

// New returns an unstarted GroupInfo.
func New() *GroupInfo {
	return &GroupInfo{
		groups: make(map[string]*Group),
		logger: log.WithComponent("groupinfo"),
	}
}

// Start registers every preconfigured group, then restores dynamic groups
// from the persistent index.
func (g *GroupInfo) Start(preconfigured []Options, index storage.Index) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		return fmt.Errorf("groupinfo: already started")
	}
	g.index = index

	for _, opts := range preconfigured {
		if err := validateName(opts.Name); err != nil {
			return fmt.Errorf("groupinfo: preconfigured group: %w", err)
		}
		g.groups[opts.Name] = &Group{Name: opts.Name, Preconfigured: true}
	}

	cursor, err := index.Cursor()
	if err != nil {
		return fmt.Errorf("groupinfo: open cursor: %w", err)
	}
	for key, value, ok := cursor.First(); ok; key, value, ok = cursor.Next() {
		var rec Group
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("groupinfo: corrupt record for key %q: %w", key, err)
		}
		rec.Preconfigured = false
		if _, exists := g.groups[rec.Name]; exists {
			continue
		}
		g.groups[rec.Name] = &rec
	}

	g.started = true
	g.logger.Info().Int("count", len(g.groups)).Msg("groupinfo started")
	return nil
}

func validateName(name string) error {
	if len(name) == 0 || len(name) > 223 || !namePattern.MatchString(name) {
		return fmt.Errorf("groupinfo: invalid group name %q", name)
	}
	return nil
}

// HasGroup reports whether name is a known group.
func (g *GroupInfo) HasGroup(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.groups[name]
	return ok
}

// AddGroup registers and persists a new dynamic group.
func (g *GroupInfo) AddGroup(opts Options) error {
	if err := validateName(opts.Name); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.groups[opts.Name]; exists {
		return fmt.Errorf("groupinfo: group %q already exists", opts.Name)
	}
	rec := &Group{Name: opts.Name}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("groupinfo: marshal group %q: %w", opts.Name, err)
	}
	if err := g.index.Put([]byte(opts.Name), data); err != nil {
		return fmt.Errorf("groupinfo: persist group %q: %w", opts.Name, err)
	}
	g.groups[opts.Name] = rec
	return nil
}

// RemoveGroup removes a dynamic group. Preconfigured groups cannot be
// removed via the admin API.
func (g *GroupInfo) RemoveGroup(name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	grp, ok := g.groups[name]
	if !ok {
		return fmt.Errorf("groupinfo: group %q not found", name)
	}
	if grp.Preconfigured {
		return fmt.Errorf("groupinfo: group %q is preconfigured and cannot be removed", name)
	}
	if err := g.index.Delete([]byte(name)); err != nil {
		return fmt.Errorf("groupinfo: delete group %q: %w", name, err)
	}
	delete(g.groups, name)
	return nil
}

// List returns every known group.
func (g *GroupInfo) List() []Group {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Group, 0, len(g.groups))
	for _, grp := range g.groups {
		out = append(out, *grp)
	}
	return out
}
