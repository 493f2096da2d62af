// Package config holds the settings of a data directory.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/invopop/jsonschema"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/maruel/labdb/internal/atomicfile"
	dberrors "github.com/maruel/labdb/internal/errors"
	"github.com/maruel/labdb/internal/table"
	"github.com/maruel/labdb/internal/tree"
)

// FileName is the name of the configuration file in a data directory.
const FileName = "labdb.yaml"

// Storage backends.
const (
	BackendDirectory = "directory"
	BackendSQLite    = "sqlite"
)

// GitConfig configures versioning of directory tables.
type GitConfig struct {
	Enabled     bool   `yaml:"enabled" jsonschema:"description=Commit every change of a directory table"`
	AuthorName  string `yaml:"author_name,omitempty" jsonschema:"description=Commit author name"`
	AuthorEmail string `yaml:"author_email,omitempty" jsonschema:"description=Commit author email"`
}

// WatchConfig configures detection of external edits.
type WatchConfig struct {
	Enabled          bool    `yaml:"enabled" jsonschema:"description=Reload records edited by other processes"`
	RefreshPerSecond float64 `yaml:"refresh_per_second,omitempty" jsonschema:"description=Maximum reloads per second; 0 is unlimited,minimum=0"`
}

// Config is the content of labdb.yaml.
type Config struct {
	Format       string        `yaml:"format" jsonschema:"description=Record serialization,enum=xml,enum=yaml"`
	Backend      string        `yaml:"backend" jsonschema:"description=Record storage,enum=directory,enum=sqlite"`
	AltInfix     string        `yaml:"alt_infix" jsonschema:"description=Infix of the alternate file name"`
	TmpInfix     string        `yaml:"tmp_infix" jsonschema:"description=Infix of the temporary file name"`
	RetryDelay   time.Duration `yaml:"retry_delay" jsonschema:"type=string,description=Pause before retrying a failed rename or delete"`
	LockWait     time.Duration `yaml:"lock_wait" jsonschema:"type=string,description=Wait per lock attempt"`
	LockAttempts int           `yaml:"lock_attempts" jsonschema:"description=Lock attempts before failing,minimum=1"`
	LoadWorkers  int           `yaml:"load_workers" jsonschema:"description=Records loaded concurrently when opening a table,minimum=1"`
	Git          GitConfig     `yaml:"git"`
	Watch        WatchConfig   `yaml:"watch"`
}

// Default returns the default configuration.
func Default() *Config {
	c := &Config{}
	c.setDefaults()
	return c
}

func (c *Config) setDefaults() {
	if c.Format == "" {
		c.Format = tree.XML.String()
	}
	if c.Backend == "" {
		c.Backend = BackendDirectory
	}
	if c.AltInfix == "" {
		c.AltInfix = atomicfile.DefaultAltInfix
	}
	if c.TmpInfix == "" {
		c.TmpInfix = atomicfile.DefaultTmpInfix
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = atomicfile.DefaultRetryDelay
	}
	if c.LockWait == 0 {
		c.LockWait = table.DefaultLockWait
	}
	if c.LockAttempts == 0 {
		c.LockAttempts = table.DefaultLockAttempts
	}
	if c.LoadWorkers == 0 {
		c.LoadWorkers = table.DefaultLoadWorkers
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	var errs []error
	if _, err := tree.ParseFormat(c.Format); err != nil {
		errs = append(errs, err)
	}
	if c.Backend != BackendDirectory && c.Backend != BackendSQLite {
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}
	if err := c.Files().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.RetryDelay < 0 {
		errs = append(errs, errors.New("retry_delay must not be negative"))
	}
	if c.LockWait <= 0 {
		errs = append(errs, errors.New("lock_wait must be positive"))
	}
	if c.LockAttempts < 1 {
		errs = append(errs, errors.New("lock_attempts must be at least 1"))
	}
	if c.LoadWorkers < 1 {
		errs = append(errs, errors.New("load_workers must be at least 1"))
	}
	if c.Watch.RefreshPerSecond < 0 {
		errs = append(errs, errors.New("watch.refresh_per_second must not be negative"))
	}
	if c.Git.Enabled && c.Backend != BackendDirectory {
		errs = append(errs, errors.New("git requires the directory backend"))
	}
	if err := errors.Join(errs...); err != nil {
		return dberrors.Validation("invalid configuration").Wrap(err)
	}
	return nil
}

// RecordFormat returns the record serialization.
func (c *Config) RecordFormat() tree.Format {
	f, _ := tree.ParseFormat(c.Format)
	return f
}

// Files returns the file triad options.
func (c *Config) Files() *atomicfile.Options {
	return &atomicfile.Options{AltInfix: c.AltInfix, TmpInfix: c.TmpInfix, RetryDelay: c.RetryDelay}
}

// TableOptions returns the table options.
func (c *Config) TableOptions() []table.Option {
	return []table.Option{
		table.WithLockWait(c.LockWait, c.LockAttempts),
		table.WithLoadWorkers(c.LoadWorkers),
	}
}

// RefreshLimit returns the watcher rate limit.
func (c *Config) RefreshLimit() rate.Limit {
	if c.Watch.RefreshPerSecond == 0 {
		return rate.Inf
	}
	return rate.Limit(c.Watch.RefreshPerSecond)
}

// Load reads the configuration of dataDir. A missing file yields the
// defaults and is created.
func Load(dataDir string) (*Config, error) {
	path := filepath.Join(dataDir, FileName)
	data, err := atomicfile.ReadFile(path, nil)
	if errors.Is(err, dberrors.ErrNotFound) {
		c := Default()
		if err := c.Save(dataDir); err != nil {
			return nil, err
		}
		return c, nil
	}
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, dberrors.Validation("failed to parse %s", path).Wrap(err)
	}
	c.setDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Save writes the configuration to dataDir.
func (c *Config) Save(dataDir string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return atomicfile.WriteFile(filepath.Join(dataDir, FileName), data, nil)
}

// JSONSchema describes labdb.yaml.
func JSONSchema() *jsonschema.Schema {
	r := &jsonschema.Reflector{FieldNameTag: "yaml", DoNotReference: true}
	return r.Reflect(&Config{})
}
