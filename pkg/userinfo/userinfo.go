// Package userinfo implements UserInfo, the persistent directory of iSCSI
// CHAP users described in spec §3/§4.8.
package userinfo

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

// User is an iSCSI CHAP identity authorized for zero or more targets.
type User struct {
	Name          string
	SecretHash    string
	Targets       []string
	Preconfigured bool
}

// Options configures a new dynamic user.
type Options struct {
	Name       string
	SecretHash string
}

// UserInfo is a started-once directory of preconfigured and dynamic users,
// backed by a persistent index keyed by user name.
type UserInfo struct {
	mu      sync.Mutex
	users   map[string]*User
	index   storage.Index
	started bool
	logger  zerolog.Logger
}

// New returns an unstarted UserInfo.
func New() *UserInfo {
	return &UserInfo{
		users:  make(map[string]*User),
		logger: log.WithComponent("userinfo"),
	}
}

func validateName(name string) error {
	if len(name) == 0 || len(name) > 512 || !namePattern.MatchString(name) {
		return fmt.Errorf("userinfo: invalid user name %q", name)
	}
	return nil
}

// Start registers every preconfigured user, then restores dynamic users
// from the persistent index.
func (u *UserInfo) Start(preconfigured []Options, index storage.Index) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.started {
		return fmt.Errorf("userinfo: already started")
	}
	u.index = index

	for _, opts := range preconfigured {
		if err := validateName(opts.Name); err != nil {
			return fmt.Errorf("userinfo: preconfigured user: %w", err)
		}
		u.users[opts.Name] = &User{Name: opts.Name, SecretHash: opts.SecretHash, Preconfigured: true}
	}

	cursor, err := index.Cursor()
	if err != nil {
		return fmt.Errorf("userinfo: open cursor: %w", err)
	}
	for key, value, ok := cursor.First(); ok; key, value, ok = cursor.Next() {
		var rec User
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("userinfo: corrupt record for key %q: %w", key, err)
		}
		rec.Preconfigured = false
		if _, exists := u.users[rec.Name]; exists {
			continue
		}
		u.users[rec.Name] = &rec
	}

	u.started = true
	u.logger.Info().Int("count", len(u.users)).Msg("userinfo started")
	return nil
}

// HasUser reports whether name is a known user.
func (u *UserInfo) HasUser(name string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	_, ok := u.users[name]
	return ok
}

func (u *UserInfo) persistLocked(rec *User) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("userinfo: marshal user %q: %w", rec.Name, err)
	}
	if err := u.index.Put([]byte(rec.Name), data); err != nil {
		return fmt.Errorf("userinfo: persist user %q: %w", rec.Name, err)
	}
	return nil
}

// AddUser registers and persists a new dynamic user.
func (u *UserInfo) AddUser(opts Options) error {
	if err := validateName(opts.Name); err != nil {
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, exists := u.users[opts.Name]; exists {
		return fmt.Errorf("userinfo: user %q already exists", opts.Name)
	}
	rec := &User{Name: opts.Name, SecretHash: opts.SecretHash}
	if err := u.persistLocked(rec); err != nil {
		return err
	}
	u.users[opts.Name] = rec
	return nil
}

// RemoveUser removes a dynamic user. Rejected if preconfigured or still
// bound to any target.
func (u *UserInfo) RemoveUser(name string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	usr, ok := u.users[name]
	if !ok {
		return fmt.Errorf("userinfo: user %q not found", name)
	}
	if usr.Preconfigured {
		return fmt.Errorf("userinfo: user %q is preconfigured and cannot be removed", name)
	}
	if len(usr.Targets) > 0 {
		return fmt.Errorf("userinfo: user %q is still bound to %d target(s)", name, len(usr.Targets))
	}
	if err := u.index.Delete([]byte(name)); err != nil {
		return fmt.Errorf("userinfo: delete user %q: %w", name, err)
	}
	delete(u.users, name)
	return nil
}

// BindTarget records that name is authorized for targetName.
func (u *UserInfo) BindTarget(name, targetName string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	usr, ok := u.users[name]
	if !ok {
		return fmt.Errorf("userinfo: user %q not found", name)
	}
	for _, t := range usr.Targets {
		if t == targetName {
			return fmt.Errorf("userinfo: user %q already bound to target %q", name, targetName)
		}
	}
	usr.Targets = append(usr.Targets, targetName)
	return u.persistLocked(usr)
}

// UnbindTarget removes name's authorization for targetName, if present.
func (u *UserInfo) UnbindTarget(name, targetName string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	usr, ok := u.users[name]
	if !ok {
		return fmt.Errorf("userinfo: user %q not found", name)
	}
	for i, t := range usr.Targets {
		if t == targetName {
			usr.Targets = append(usr.Targets[:i:i], usr.Targets[i+1:]...)
			return u.persistLocked(usr)
		}
	}
	return nil
}

// GetUsersInTarget returns the names of every user currently authorized for
// targetName, used by TargetInfo.ChangeTargetParams to re-bind users on
// rename.
func (u *UserInfo) GetUsersInTarget(targetName string) []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	var names []string
	for _, usr := range u.users {
		for _, t := range usr.Targets {
			if t == targetName {
				names = append(names, usr.Name)
				break
			}
		}
	}
	return names
}

// RebindUserTarget moves a user's authorization from oldName to newName,
// called by TargetInfo while it holds the target lock (spec §4.5's
// cross-component lock-ordering rule: TargetInfo may call UserInfo).
func (u *UserInfo) RebindUserTarget(userName, oldName, newName string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	usr, ok := u.users[userName]
	if !ok {
		return fmt.Errorf("userinfo: user %q not found", userName)
	}
	for i, t := range usr.Targets {
		if t == oldName {
			usr.Targets[i] = newName
			return u.persistLocked(usr)
		}
	}
	return nil
}

// List returns every known user.
func (u *UserInfo) List() []User {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]User, 0, len(u.users))
	for _, usr := range u.users {
		out = append(out, *usr)
	}
	return out
}
