package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// CollabPolicy tunes the collaboration core. Every field can be set from
// the YAML policy file; unset fields keep their defaults.
type CollabPolicy struct {
	SnapshotEveryOps     int           `yaml:"snapshot_every_ops"`
	SnapshotEveryBytes   int           `yaml:"snapshot_every_bytes"`
	CompactAfterSnapshot bool          `yaml:"compact_after_snapshot"`
	MaxBufferedPerClient int           `yaml:"max_buffered_per_client"`
	TailPageSize         int           `yaml:"tail_page_size"`
	ShardIdleTimeout     time.Duration `yaml:"shard_idle_timeout"`
	LeaseTTL             time.Duration `yaml:"lease_ttl"`

	PresenceIdleThreshold time.Duration `yaml:"presence_idle_threshold"`

	DefaultMaxParticipants int `yaml:"default_max_participants"`
	AutoAcceptMaxRunes     int `yaml:"auto_accept_max_runes"`

	// EventSinks selects where domain events go: outbox, redis, pgnotify.
	EventSinks []string `yaml:"event_sinks"`
}

// DefaultCollabPolicy returns the built-in policy.
func DefaultCollabPolicy() CollabPolicy {
	return CollabPolicy{
		SnapshotEveryOps:       500,
		SnapshotEveryBytes:     1 << 20,
		CompactAfterSnapshot:   true,
		MaxBufferedPerClient:   256,
		TailPageSize:           500,
		ShardIdleTimeout:       10 * time.Minute,
		LeaseTTL:               30 * time.Second,
		PresenceIdleThreshold:  60 * time.Second,
		DefaultMaxParticipants: 25,
		AutoAcceptMaxRunes:     12,
		EventSinks:             []string{"outbox"},
	}
}

// LoadFile overlays the YAML file at path onto p.
func (p *CollabPolicy) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read policy file: %w", err)
	}
	if err := yaml.Unmarshal(data, p); err != nil {
		return fmt.Errorf("failed to parse policy file %s: %w", path, err)
	}
	return nil
}

// Validate checks the policy for impossible values.
func (p CollabPolicy) Validate() error {
	var errs []error
	if p.SnapshotEveryOps < 1 && p.SnapshotEveryBytes < 1 {
		errs = append(errs, errors.New("snapshot policy needs an op or byte threshold"))
	}
	if p.MaxBufferedPerClient < 0 {
		errs = append(errs, errors.New("max_buffered_per_client cannot be negative"))
	}
	if p.TailPageSize < 1 {
		errs = append(errs, errors.New("tail_page_size must be positive"))
	}
	if p.LeaseTTL < time.Second {
		errs = append(errs, errors.New("lease_ttl must be at least 1s"))
	}
	if p.PresenceIdleThreshold <= 0 {
		errs = append(errs, errors.New("presence_idle_threshold must be positive"))
	}
	for _, s := range p.EventSinks {
		switch s {
		case "outbox", "redis", "pgnotify":
		default:
			errs = append(errs, fmt.Errorf("unknown event sink %q", s))
		}
	}
	return errors.Join(errs...)
}
