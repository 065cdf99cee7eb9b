package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the migration service.
type Config struct {
	Server     ServerConfig   `yaml:"server"`
	Database   DatabaseConfig `yaml:"database"`
	Redis      RedisConfig    `yaml:"redis"`
	Upload     UploadConfig   `yaml:"upload"`
	Pipeline   PipelineConfig `yaml:"pipeline"`
	Jobs       JobsConfig     `yaml:"jobs"`
	Archive    ArchiveConfig  `yaml:"archive"`
	SheetTypes []SheetType    `yaml:"sheet_types"`
	Rules      []RuleConfig   `yaml:"rules"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// GetHost returns the configured host, defaulting to all interfaces.
func (s ServerConfig) GetHost() string {
	if s.Host == "" {
		return "0.0.0.0"
	}
	return s.Host
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds optional Redis settings. When the address is empty the
// service runs with in-memory fallbacks (progress cache and job sequencing
// fall back to the database).
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// UploadConfig bounds what the pre-save validator accepts.
type UploadConfig struct {
	MaxFileSizeBytes  int64    `yaml:"max_file_size_bytes"` // default 100 MiB
	AllowedExtensions []string `yaml:"allowed_extensions"`  // default xlsx, xls
	Dir               string   `yaml:"dir"`                 // persisted workbook directory
	TemplateCheck     bool     `yaml:"template_check"`      // header/template comparison (warnings only)
}

// PipelineConfig holds global sheet-processing policy.
type PipelineConfig struct {
	UseParallelSheetProcessing bool  `yaml:"use_parallel_sheet_processing"`
	MaxConcurrentSheets        int   `yaml:"max_concurrent_sheets"` // default 3
	ContinueOnSheetFailure     bool  `yaml:"continue_on_sheet_failure"`
	IngestTimeoutMillis        int64 `yaml:"ingest_timeout_millis"`     // default 5 min
	ValidationTimeoutMillis    int64 `yaml:"validation_timeout_millis"` // default 10 min
	InsertTimeoutMillis        int64 `yaml:"insert_timeout_millis"`     // default 30 min
	SheetTimeoutMillis         int64 `yaml:"sheet_timeout_millis"`      // default 30 min
	MaxRowsPerSheet            int   `yaml:"max_rows_per_sheet"`        // default 10000; 0 = unlimited
	ShutdownGraceMillis        int64 `yaml:"shutdown_grace_millis"`     // default 5 min
}

// IngestTimeout returns the per-phase ingest timeout.
func (p PipelineConfig) IngestTimeout() time.Duration {
	return time.Duration(p.IngestTimeoutMillis) * time.Millisecond
}

// ValidationTimeout returns the per-phase validation timeout.
func (p PipelineConfig) ValidationTimeout() time.Duration {
	return time.Duration(p.ValidationTimeoutMillis) * time.Millisecond
}

// InsertTimeout returns the per-phase insert timeout.
func (p PipelineConfig) InsertTimeout() time.Duration {
	return time.Duration(p.InsertTimeoutMillis) * time.Millisecond
}

// SheetTimeout returns the whole-sheet timeout used by the scheduler.
func (p PipelineConfig) SheetTimeout() time.Duration {
	return time.Duration(p.SheetTimeoutMillis) * time.Millisecond
}

// ShutdownGrace returns how long in-flight sheets may run after a
// termination signal before being force-failed.
func (p PipelineConfig) ShutdownGrace() time.Duration {
	return time.Duration(p.ShutdownGraceMillis) * time.Millisecond
}

// JobsConfig bounds the async job manager.
type JobsConfig struct {
	CorePoolSize           int `yaml:"core_pool_size"`           // default 2
	MaxPoolSize            int `yaml:"max_pool_size"`            // default 5
	QueueCapacity          int `yaml:"queue_capacity"`           // default 100
	BreakerFailures        int `yaml:"breaker_failures"`         // consecutive failures before the circuit opens
	BreakerCooldownSeconds int `yaml:"breaker_cooldown_seconds"` // default 30
}

// ArchiveConfig holds optional S3 archival of completed workbooks.
type ArchiveConfig struct {
	Enabled    bool   `yaml:"enabled"`
	S3Bucket   string `yaml:"s3_bucket"`
	S3Region   string `yaml:"s3_region"`
	AWSProfile string `yaml:"aws_profile"`
	Prefix     string `yaml:"prefix"` // key prefix, default "migrations"
}

// SheetType is the declarative descriptor binding a workbook sheet to its
// column mapping, validation rules and target tables.
type SheetType struct {
	Name        string          `yaml:"name"`  // must match the workbook sheet name
	Order       int             `yaml:"order"` // execution order, 1..K
	Enabled     bool            `yaml:"enabled"`
	Mapping     []ColumnMapping `yaml:"mapping"`
	RawTable    string          `yaml:"raw_table"`
	ValidTable  string          `yaml:"valid_table"`
	ErrorTable  string          `yaml:"error_table"`
	MasterTable string          `yaml:"master_table"`
	BatchSize   int             `yaml:"batch_size"` // default 5000
	Parallel    bool            `yaml:"parallel"`
	RuleIDs     []string        `yaml:"rules"`
	BusinessKey BusinessKeySpec `yaml:"business_key"`
	// MasterColumns declares the master-table insert columns in foreign-key
	// order for the default writer.
	MasterColumns []string `yaml:"master_columns"`
}

// ColumnMapping translates one localized header label to a canonical column.
type ColumnMapping struct {
	Header string `yaml:"header"` // localized header label as it appears in the sheet
	Column string `yaml:"column"` // canonical target column name
	Kind   string `yaml:"kind"`   // text | date | number | month
}

// BusinessKeySpec declares how the per-row business key is assembled.
// When Discriminator is set, the variant whose When list contains the row's
// discriminator value wins; otherwise Default applies.
type BusinessKeySpec struct {
	Discriminator string              `yaml:"discriminator"`
	Variants      []BusinessKeyRecipe `yaml:"variants"`
	Default       BusinessKeyRecipe   `yaml:"default"`
}

// BusinessKeyRecipe names the ordered source columns joined by underscore.
type BusinessKeyRecipe struct {
	When    []string `yaml:"when"`
	Columns []string `yaml:"columns"`
}

// RuleConfig declares one validation rule instance. Type selects the
// built-in; the remaining fields feed it.
type RuleConfig struct {
	ID       string   `yaml:"id"`
	Type     string   `yaml:"type"` // required | datatype | pattern | enum | unique_in_file | unique_in_db | reference | business
	Priority int      `yaml:"priority"`
	Fields   []string `yaml:"fields"`
	Field    string   `yaml:"field"`
	DataType string   `yaml:"datatype"` // date | month | number | text
	Pattern  string   `yaml:"pattern"`
	Allowed  []string `yaml:"allowed"`
	// Reference / duplicate lookups
	Table  string `yaml:"table"`
	Column string `yaml:"column"`
	Source string `yaml:"source"` // unique_in_db: "master" (default) or "valid"
	// Business rules dispatch on a registered predicate name.
	Predicate string `yaml:"predicate"`
	Message   string `yaml:"message"`
}

// Load reads the configuration file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromEnv loads .env (if present), then the YAML file, then applies
// environment overrides. DATABASE_URL and REDIS_URL always win over YAML.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("UPLOAD_DIR"); v != "" {
		cfg.Upload.Dir = v
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 20
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Upload.MaxFileSizeBytes == 0 {
		c.Upload.MaxFileSizeBytes = 100 * 1024 * 1024
	}
	if len(c.Upload.AllowedExtensions) == 0 {
		c.Upload.AllowedExtensions = []string{"xlsx", "xls"}
	}
	if c.Upload.Dir == "" {
		c.Upload.Dir = "/tmp/migration-uploads"
	}
	if c.Pipeline.MaxConcurrentSheets == 0 {
		c.Pipeline.MaxConcurrentSheets = 3
	}
	if c.Pipeline.IngestTimeoutMillis == 0 {
		c.Pipeline.IngestTimeoutMillis = 5 * 60 * 1000
	}
	if c.Pipeline.ValidationTimeoutMillis == 0 {
		c.Pipeline.ValidationTimeoutMillis = 10 * 60 * 1000
	}
	if c.Pipeline.InsertTimeoutMillis == 0 {
		c.Pipeline.InsertTimeoutMillis = 30 * 60 * 1000
	}
	if c.Pipeline.SheetTimeoutMillis == 0 {
		c.Pipeline.SheetTimeoutMillis = 30 * 60 * 1000
	}
	if c.Pipeline.ShutdownGraceMillis == 0 {
		c.Pipeline.ShutdownGraceMillis = 5 * 60 * 1000
	}
	if c.Pipeline.MaxRowsPerSheet == 0 {
		c.Pipeline.MaxRowsPerSheet = 10000
	}
	if c.Jobs.CorePoolSize == 0 {
		c.Jobs.CorePoolSize = 2
	}
	if c.Jobs.MaxPoolSize == 0 {
		c.Jobs.MaxPoolSize = 5
	}
	if c.Jobs.QueueCapacity == 0 {
		c.Jobs.QueueCapacity = 100
	}
	if c.Jobs.BreakerFailures == 0 {
		c.Jobs.BreakerFailures = 5
	}
	if c.Jobs.BreakerCooldownSeconds == 0 {
		c.Jobs.BreakerCooldownSeconds = 30
	}
	if c.Archive.Prefix == "" {
		c.Archive.Prefix = "migrations"
	}
	for i := range c.SheetTypes {
		st := &c.SheetTypes[i]
		if st.BatchSize == 0 {
			st.BatchSize = 5000
		}
		base := strings.ToLower(strings.ReplaceAll(st.Name, " ", "_"))
		if st.RawTable == "" {
			st.RawTable = "mig_" + base + "_raw"
		}
		if st.ValidTable == "" {
			st.ValidTable = "mig_" + base + "_valid"
		}
		if st.ErrorTable == "" {
			st.ErrorTable = "mig_" + base + "_error"
		}
	}
}

func (c *Config) validate() error {
	seen := make(map[string]bool)
	for _, st := range c.SheetTypes {
		if st.Name == "" {
			return fmt.Errorf("sheet_types: name is required")
		}
		if seen[st.Name] {
			return fmt.Errorf("sheet_types: duplicate name %q", st.Name)
		}
		seen[st.Name] = true
		if len(st.Mapping) == 0 {
			return fmt.Errorf("sheet_types[%s]: mapping is required", st.Name)
		}
		for _, m := range st.Mapping {
			switch m.Kind {
			case "", "text", "date", "number", "month":
			default:
				return fmt.Errorf("sheet_types[%s]: unknown mapping kind %q for %s", st.Name, m.Kind, m.Column)
			}
		}
	}
	ruleIDs := make(map[string]bool)
	for _, r := range c.Rules {
		if r.ID == "" {
			return fmt.Errorf("rules: id is required")
		}
		if ruleIDs[r.ID] {
			return fmt.Errorf("rules: duplicate id %q", r.ID)
		}
		ruleIDs[r.ID] = true
	}
	for _, st := range c.SheetTypes {
		for _, id := range st.RuleIDs {
			if !ruleIDs[id] {
				return fmt.Errorf("sheet_types[%s]: unknown rule id %q", st.Name, id)
			}
		}
	}
	return nil
}

// EnabledSheetTypes returns the enabled sheet types sorted by declared order.
func (c *Config) EnabledSheetTypes() []SheetType {
	var out []SheetType
	for _, st := range c.SheetTypes {
		if st.Enabled {
			out = append(out, st)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Order < out[j-1].Order; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// RequiredSheetNames returns the names of all enabled sheet types; the
// pre-save validator requires each to exist in an uploaded workbook.
func (c *Config) RequiredSheetNames() []string {
	var names []string
	for _, st := range c.EnabledSheetTypes() {
		names = append(names, st.Name)
	}
	return names
}

// RuleByID looks up one rule declaration.
func (c *Config) RuleByID(id string) (RuleConfig, bool) {
	for _, r := range c.Rules {
		if r.ID == id {
			return r, true
		}
	}
	return RuleConfig{}, false
}

// SheetTypeByName looks up one sheet type.
func (c *Config) SheetTypeByName(name string) (SheetType, bool) {
	for _, st := range c.SheetTypes {
		if st.Name == name {
			return st, true
		}
	}
	return SheetType{}, false
}

// ExpectedHeaders returns the declared localized header labels for a sheet
// type, in mapping order. Used by the template check.
func (st SheetType) ExpectedHeaders() []string {
	out := make([]string, len(st.Mapping))
	for i, m := range st.Mapping {
		out[i] = m.Header
	}
	return out
}
