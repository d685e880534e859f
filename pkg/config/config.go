// Package config loads the dedupv1d static configuration file: the
// preconfigured volumes, targets, users and groups that exist independent
// of the admin API, plus the ambient process settings (logging, storage
// paths, dedup engine capacity).
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/dedupv1/dedupv1d/pkg/groupinfo"
	"github.com/dedupv1/dedupv1d/pkg/log"
	"github.com/dedupv1/dedupv1d/pkg/targetinfo"
	"github.com/dedupv1/dedupv1d/pkg/userinfo"
	"github.com/dedupv1/dedupv1d/pkg/volume"
)

// LogConfig configures the zerolog sink, per spec's ambient logging stack.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// StorageConfig names the on-disk directory for the persistent indexes and
// bounds the capacity of the dedup engine's in-memory chunk store.
type StorageConfig struct {
	DataDir      string `yaml:"data_dir"`
	CapacityGB   uint64 `yaml:"capacity_gb"`
}

// VolumeConfig is one preconfigured volume entry.
type VolumeConfig struct {
	ID                 uint32            `yaml:"id"`
	DeviceName         string            `yaml:"device_name"`
	LogicalSizeBytes   uint64            `yaml:"logical_size_bytes"`
	SectorSize         uint32            `yaml:"sector_size"`
	CommandThreadCount int               `yaml:"command_thread_count"`
	Maintenance        bool              `yaml:"maintenance"`
	Groups             []NamedLUNConfig  `yaml:"groups"`
	Targets            []NamedLUNConfig  `yaml:"targets"`
	FilterChainOptions map[string]string `yaml:"filter_chain_options"`
	ChunkingOptions    map[string]string `yaml:"chunking_options"`
}

// NamedLUNConfig pairs a group/target name with the LUN a volume is
// exported at within it.
type NamedLUNConfig struct {
	Name string `yaml:"name"`
	LUN  uint32 `yaml:"lun"`
}

// TargetParamConfig is one name=value iSCSI negotiation parameter.
type TargetParamConfig struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

// TargetConfig is one preconfigured iSCSI target entry.
type TargetConfig struct {
	TID            uint32              `yaml:"tid"`
	Name           string              `yaml:"name"`
	Params         []TargetParamConfig `yaml:"params"`
	AuthUsername   string              `yaml:"auth_username"`
	AuthSecretHash string              `yaml:"auth_secret_hash"`
}

// UserConfig is one preconfigured CHAP user entry.
type UserConfig struct {
	Name       string `yaml:"name"`
	SecretHash string `yaml:"secret_hash"`
}

// GroupConfig is one preconfigured group entry.
type GroupConfig struct {
	Name string `yaml:"name"`
}

// Config is the top-level static configuration document.
type Config struct {
	Log     LogConfig      `yaml:"log"`
	Storage StorageConfig  `yaml:"storage"`
	Volumes []VolumeConfig `yaml:"volumes"`
	Targets []TargetConfig `yaml:"targets"`
	Users   []UserConfig   `yaml:"users"`
	Groups  []GroupConfig  `yaml:"groups"`
}

// Load reads and parses path into a Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return &cfg, nil
}

// LogLevel converts the YAML log level into the log package's Level type,
// defaulting to info on an empty or unrecognized value.
func (c *Config) LogLevel() log.Level {
	switch c.Log.Level {
	case "debug":
		return log.DebugLevel
	case "warn":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

func namedLUNs(in []NamedLUNConfig) []volume.NamedLUN {
	out := make([]volume.NamedLUN, 0, len(in))
	for _, n := range in {
		out = append(out, volume.NamedLUN{Name: n.Name, LUN: n.LUN})
	}
	return out
}

// VolumeOptions converts every configured volume into volume.Options ready
// for VolumeInfo.Start, tagged Preconfigured.
func (c *Config) VolumeOptions() []volume.Options {
	out := make([]volume.Options, 0, len(c.Volumes))
	for _, v := range c.Volumes {
		out = append(out, volume.Options{
			ID:                 v.ID,
			DeviceName:         v.DeviceName,
			LogicalSize:        v.LogicalSizeBytes,
			SectorSize:         v.SectorSize,
			CommandThreadCount: v.CommandThreadCount,
			Preconfigured:      true,
			Maintenance:        v.Maintenance,
			Groups:             namedLUNs(v.Groups),
			Targets:            namedLUNs(v.Targets),
			FilterChainOptions: v.FilterChainOptions,
			ChunkingOptions:    v.ChunkingOptions,
		})
	}
	return out
}

// TargetOptions converts every configured target into targetinfo.Options.
func (c *Config) TargetOptions() []targetinfo.Options {
	out := make([]targetinfo.Options, 0, len(c.Targets))
	for _, t := range c.Targets {
		params := make([]targetinfo.Param, 0, len(t.Params))
		for _, p := range t.Params {
			params = append(params, targetinfo.Param{Name: p.Name, Value: p.Value})
		}
		out = append(out, targetinfo.Options{
			TID:            t.TID,
			Name:           t.Name,
			Params:         params,
			AuthUsername:   t.AuthUsername,
			AuthSecretHash: t.AuthSecretHash,
		})
	}
	return out
}

// UserOptions converts every configured user into userinfo.Options.
func (c *Config) UserOptions() []userinfo.Options {
	out := make([]userinfo.Options, 0, len(c.Users))
	for _, u := range c.Users {
		out = append(out, userinfo.Options{Name: u.Name, SecretHash: u.SecretHash})
	}
	return out
}

// GroupOptions converts every configured group into groupinfo.Options.
func (c *Config) GroupOptions() []groupinfo.Options {
	out := make([]groupinfo.Options, 0, len(c.Groups))
	for _, g := range c.Groups {
		out = append(out, groupinfo.Options{Name: g.Name})
	}
	return out
}
