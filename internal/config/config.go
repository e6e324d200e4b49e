// Package config loads corpusctl configuration from YAML.
//
// A file is first validated against the embedded CUE schema (schema.cue),
// then decoded over Default. Relative paths are resolved against the
// directory containing the file.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"

	"github.com/roach88/corpus/internal/metrics"
)

//go:embed schema.cue
var schemaCUE string

// Duration is a time.Duration written as a Go duration string ("250ms").
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML writes the duration string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type Config struct {
	Corpus   CorpusConfig   `yaml:"corpus"`
	Audit    AuditConfig    `yaml:"audit"`
	Export   ExportConfig   `yaml:"export"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

type CorpusConfig struct {
	Path string `yaml:"path"`
	// LockWait is how long a writer open backs off while the lock is held.
	// Zero fails fast.
	LockWait Duration `yaml:"lock_wait"`
}

type AuditConfig struct {
	Dir             string `yaml:"dir"`
	MaxSegmentBytes int64  `yaml:"max_segment_bytes"`
	// RetainSegments prunes older segments after open. Zero keeps all.
	RetainSegments int    `yaml:"retain_segments"`
	Host           string `yaml:"host"`
	// ServiceUser is the actor recorded on operator commands.
	ServiceUser string `yaml:"service_user"`
	// LockWait is how long an appender open backs off while another
	// process appends. Zero fails fast.
	LockWait Duration `yaml:"lock_wait"`
}

type ExportConfig struct {
	// SigningKeyEnv names the environment variable holding the HMAC key.
	SigningKeyEnv        string `yaml:"signing_key_env"`
	DefaultRetentionDays int    `yaml:"default_retention_days"`
}

type PipelineConfig struct {
	MaxChunkAttempts     int      `yaml:"max_chunk_attempts"`
	RetryInitialInterval Duration `yaml:"retry_initial_interval"`
}

type MetricsConfig struct {
	Namespace string `yaml:"namespace"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Corpus: CorpusConfig{Path: "corpus.db"},
		Audit: AuditConfig{
			Dir:             "audit",
			MaxSegmentBytes: 64 << 20,
			LockWait:        Duration(5 * time.Second),
		},
		Export: ExportConfig{SigningKeyEnv: "CORPUS_SIGNING_KEY"},
		Pipeline: PipelineConfig{
			MaxChunkAttempts:     3,
			RetryInitialInterval: Duration(200 * time.Millisecond),
		},
		Metrics: MetricsConfig{Namespace: metrics.DefaultNamespace},
	}
}

// Load reads, validates and decodes the file at path. An empty path
// returns Default.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	cfg.resolve(filepath.Dir(path))
	return cfg, nil
}

// Parse validates and decodes YAML. Paths are left as written.
func Parse(data []byte) (Config, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("parse yaml: %w", err)
	}
	if raw == nil {
		raw = map[string]any{}
	}
	if err := validate(raw); err != nil {
		return Config{}, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

func validate(raw map[string]any) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}

	v := schema.LookupPath(cue.ParsePath("#Config")).Unify(ctx.Encode(raw))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return formatCUEError(err)
	}
	return nil
}

// formatCUEError reports the first schema violation with its path.
func formatCUEError(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return fmt.Errorf("invalid config: %w", err)
	}
	first := errs[0]
	format, args := first.Msg()
	msg := fmt.Sprintf(format, args...)
	if path := first.Path(); len(path) > 0 {
		return fmt.Errorf("invalid config: %s: %s", strings.Join(path, "."), msg)
	}
	return fmt.Errorf("invalid config: %s", msg)
}

func (c *Config) resolve(dir string) {
	c.Corpus.Path = resolvePath(dir, c.Corpus.Path)
	c.Audit.Dir = resolvePath(dir, c.Audit.Dir)
}

func resolvePath(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

// SigningKey returns the export signing key from the environment, or nil
// when unset.
func (c Config) SigningKey() []byte {
	if c.Export.SigningKeyEnv == "" {
		return nil
	}
	key := os.Getenv(c.Export.SigningKeyEnv)
	if key == "" {
		return nil
	}
	return []byte(key)
}

// RetentionDays returns the default retention for exports, or nil.
func (c Config) RetentionDays() *int {
	if c.Export.DefaultRetentionDays <= 0 {
		return nil
	}
	d := c.Export.DefaultRetentionDays
	return &d
}
