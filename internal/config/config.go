// Package config loads the archive node configuration.
//
// Every retry count, backoff interval and failure ceiling used by the
// pipeline lives here with a documented default. Durations are written as
// Go duration strings ("250ms", "30s").
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPartition is used for associations whose called AE is not mapped.
const DefaultPartition = "default"

// Duplicate handling policies for a partition.
const (
	PolicyManual       = "manual"        // leave reconciliation to an operator
	PolicyAcceptLatest = "accept-latest" // incoming object replaces stored
	PolicyKeepStored   = "keep-stored"   // stored object wins, incoming discarded
	PolicyReject       = "reject"        // incoming discarded, recorded as rejected
)

// Config is the top-level node configuration.
type Config struct {
	// Database is the SQLite file holding locations, queue and reconciliation records.
	Database string `yaml:"database"`

	// Filesystems maps a filesystem name to its root directory.
	Filesystems map[string]string `yaml:"filesystems"`

	// DefaultFilesystem receives newly created studies.
	DefaultFilesystem string `yaml:"default_filesystem"`

	// QuarantineRoot holds reconciliation payloads, never canonical data.
	QuarantineRoot string `yaml:"quarantine_root"`

	// OutboxRoot receives auto-routed objects, one directory per destination.
	OutboxRoot string `yaml:"outbox_root"`

	// ImportDir is watched for dropped object files. Empty disables the watcher.
	ImportDir string `yaml:"import_dir"`

	// RulesDir holds the CUE rule sources. Empty disables rules.
	RulesDir string `yaml:"rules_dir"`

	// Partitions maps a called AE title to partition settings.
	Partitions map[string]Partition `yaml:"partitions"`

	// TransferSyntaxes accepted at association negotiation. Empty accepts all.
	TransferSyntaxes []string `yaml:"transfer_syntaxes"`

	Locks LockConfig  `yaml:"locks"`
	Queue QueueConfig `yaml:"queue"`
	IO    IOConfig    `yaml:"io"`
	HTTP  HTTPConfig  `yaml:"http"`
}

// Partition configures one tenant of the archive.
type Partition struct {
	// Name is the partition folder under each filesystem root.
	Name string `yaml:"name"`

	// DuplicatePolicy is applied by the duplicate processor when no
	// operator decision has been recorded. See Policy* constants.
	DuplicatePolicy string `yaml:"duplicate_policy"`

	// Discriminators are the attributes whose mismatch against stored data
	// raises a reconciliation. Defaults to DefaultDiscriminators.
	Discriminators []string `yaml:"discriminators"`
}

// LockConfig controls storage location locking.
type LockConfig struct {
	// Retries is how many times ingestion attempts the study write lock.
	Retries int `yaml:"retries"`

	// BackoffMin/BackoffMax bound the randomized sleep between attempts.
	BackoffMin Duration `yaml:"backoff_min"`
	BackoffMax Duration `yaml:"backoff_max"`

	// StaleAfter is the age beyond which a held lock is presumed abandoned.
	StaleAfter Duration `yaml:"stale_after"`

	// PollInterval is the sleep between attempts of a timed acquire.
	PollInterval Duration `yaml:"poll_interval"`
}

// QueueConfig controls the work queue scheduler.
type QueueConfig struct {
	// Workers is the size of the worker pool.
	Workers int `yaml:"workers"`

	// PollInterval is how long an idle worker waits before polling again.
	PollInterval Duration `yaml:"poll_interval"`

	// PostponeDelay reschedules an entry whose study lock is unavailable.
	PostponeDelay Duration `yaml:"postpone_delay"`

	// RetryDelay is the backoff after the first failure; it doubles per
	// further failure up to MaxRetryDelay.
	RetryDelay    Duration `yaml:"retry_delay"`
	MaxRetryDelay Duration `yaml:"max_retry_delay"`

	// MaxFailures is the failure ceiling; reaching it makes an entry Failed.
	MaxFailures int `yaml:"max_failures"`

	// CompletedRetention keeps Completed rows before the sweep deletes them.
	CompletedRetention Duration `yaml:"completed_retention"`

	// DelayedDeleteRetention keeps CompletedDelayedDelete rows for auditing.
	DelayedDeleteRetention Duration `yaml:"delayed_delete_retention"`

	// SweepInterval is the retention sweep period.
	SweepInterval Duration `yaml:"sweep_interval"`

	// AbandonedAfter returns InProgress entries without a heartbeat for this
	// long to Pending on startup.
	AbandonedAfter Duration `yaml:"abandoned_after"`

	// RebuildRate limits how many index rebuilds per second a filesystem
	// rebuild trigger enqueues.
	RebuildRate float64 `yaml:"rebuild_rate"`
}

// IOConfig controls retries of transient disk errors on the commit path.
type IOConfig struct {
	Retries int      `yaml:"retries"`
	Backoff Duration `yaml:"backoff"`
}

// HTTPConfig configures the store endpoint and metrics listener.
type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

// DefaultDiscriminators are compared when no partition override exists.
var DefaultDiscriminators = []string{
	"PatientID",
	"PatientName",
	"IssuerOfPatientID",
	"PatientBirthDate",
	"PatientSex",
	"AccessionNumber",
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		Database:          "archivist.db",
		Filesystems:       map[string]string{"fs1": "data/fs1"},
		DefaultFilesystem: "fs1",
		QuarantineRoot:    "data/quarantine",
		OutboxRoot:        "data/outbox",
		Partitions: map[string]Partition{
			"*": {Name: DefaultPartition, DuplicatePolicy: PolicyManual},
		},
		Locks: LockConfig{
			Retries:      5,
			BackoffMin:   Duration(50 * time.Millisecond),
			BackoffMax:   Duration(250 * time.Millisecond),
			StaleAfter:   Duration(10 * time.Minute),
			PollInterval: Duration(25 * time.Millisecond),
		},
		Queue: QueueConfig{
			Workers:                4,
			PollInterval:           Duration(2 * time.Second),
			PostponeDelay:          Duration(10 * time.Second),
			RetryDelay:             Duration(30 * time.Second),
			MaxRetryDelay:          Duration(time.Hour),
			MaxFailures:            5,
			CompletedRetention:     Duration(time.Hour),
			DelayedDeleteRetention: Duration(7 * 24 * time.Hour),
			SweepInterval:          Duration(5 * time.Minute),
			AbandonedAfter:         Duration(30 * time.Minute),
			RebuildRate:            20,
		},
		IO: IOConfig{
			Retries: 3,
			Backoff: Duration(100 * time.Millisecond),
		},
		HTTP: HTTPConfig{Listen: "127.0.0.1:8104"},
	}
}

// Load reads a YAML file over the defaults. Relative paths in the file are
// resolved against the file's directory. An empty path returns defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	// Maps replace the defaults rather than merging into them.
	defaults := cfg
	cfg.Filesystems = nil
	cfg.Partitions = nil
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Filesystems == nil {
		cfg.Filesystems = defaults.Filesystems
	}
	if cfg.Partitions == nil {
		cfg.Partitions = defaults.Partitions
	}

	cfg.resolvePaths(filepath.Dir(path))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) resolvePaths(base string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	c.Database = abs(c.Database)
	c.QuarantineRoot = abs(c.QuarantineRoot)
	c.OutboxRoot = abs(c.OutboxRoot)
	c.ImportDir = abs(c.ImportDir)
	c.RulesDir = abs(c.RulesDir)
	for name, root := range c.Filesystems {
		c.Filesystems[name] = abs(root)
	}
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	if c.Database == "" {
		return fmt.Errorf("database is required")
	}
	if len(c.Filesystems) == 0 {
		return fmt.Errorf("at least one filesystem is required")
	}
	if _, ok := c.Filesystems[c.DefaultFilesystem]; !ok {
		return fmt.Errorf("default_filesystem %q is not a configured filesystem", c.DefaultFilesystem)
	}
	if c.QuarantineRoot == "" {
		return fmt.Errorf("quarantine_root is required")
	}
	for name, root := range c.Filesystems {
		if within(root, c.QuarantineRoot) || within(c.QuarantineRoot, root) {
			return fmt.Errorf("quarantine_root must not overlap filesystem %q", name)
		}
	}
	for ae, p := range c.Partitions {
		if p.Name == "" {
			return fmt.Errorf("partition for %q has no name", ae)
		}
		switch p.DuplicatePolicy {
		case "", PolicyManual, PolicyAcceptLatest, PolicyKeepStored, PolicyReject:
		default:
			return fmt.Errorf("partition %q: unknown duplicate_policy %q", p.Name, p.DuplicatePolicy)
		}
	}
	if c.Locks.Retries < 1 {
		return fmt.Errorf("locks.retries must be at least 1")
	}
	if c.Locks.BackoffMax < c.Locks.BackoffMin {
		return fmt.Errorf("locks.backoff_max must not be below locks.backoff_min")
	}
	if c.Locks.StaleAfter <= 0 {
		return fmt.Errorf("locks.stale_after must be positive")
	}
	if c.Queue.Workers < 1 {
		return fmt.Errorf("queue.workers must be at least 1")
	}
	if c.Queue.MaxFailures < 1 {
		return fmt.Errorf("queue.max_failures must be at least 1")
	}
	if c.Queue.RetryDelay <= 0 {
		return fmt.Errorf("queue.retry_delay must be positive")
	}
	// Every retry before the ceiling must wait strictly longer than the last.
	if c.Queue.MaxFailures > 1 {
		longest := c.Queue.RetryDelay.D() << (c.Queue.MaxFailures - 2)
		if longest <= 0 || c.Queue.MaxRetryDelay.D() < longest {
			return fmt.Errorf("queue.max_retry_delay must be at least retry_delay * 2^(max_failures-2) (%s)", longest)
		}
	}
	if c.IO.Retries < 0 {
		return fmt.Errorf("io.retries must not be negative")
	}
	return nil
}

// PartitionFor returns the partition configured for a called AE title,
// falling back to the "*" entry and then to the default partition.
func (c Config) PartitionFor(calledAE string) Partition {
	p, ok := c.Partitions[calledAE]
	if !ok {
		p, ok = c.Partitions["*"]
	}
	if !ok {
		p = Partition{Name: DefaultPartition}
	}
	if p.DuplicatePolicy == "" {
		p.DuplicatePolicy = PolicyManual
	}
	if len(p.Discriminators) == 0 {
		p.Discriminators = DefaultDiscriminators
	}
	return p
}

// PartitionByName looks a partition up by its folder name.
func (c Config) PartitionByName(name string) Partition {
	keys := make([]string, 0, len(c.Partitions))
	for k := range c.Partitions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if c.Partitions[k].Name == name {
			return c.PartitionFor(k)
		}
	}
	p := c.PartitionFor("")
	p.Name = name
	return p
}

// within reports whether path is root or lies below it.
func within(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
