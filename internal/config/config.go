// Package config loads and normalizes process configuration for every
// engram-sub002 binary (gateway, sync drivers, outbox worker, offline
// tools). Configuration is always constructed explicitly in main and
// passed down — no package-level singleton.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Config aggregates every per-concern configuration block. A single YAML
// file is unmarshaled into this struct, then environment variables of
// record override individual fields.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	SVN        SVNConfig        `yaml:"svn"`
	GitLab     GitLabConfig     `yaml:"gitlab"`
	Sync       SyncConfig       `yaml:"sync"`
	Artifact   ArtifactConfig   `yaml:"artifact"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Outbox     OutboxConfig     `yaml:"outbox"`
	Security   SecurityConfig   `yaml:"security"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	PubSub     PubSubConfig     `yaml:"pubsub"`
	Redis      RedisConfig      `yaml:"redis"`
}

type ServerConfig struct {
	Port             string   `yaml:"port"`
	Env              string   `yaml:"env"`
	ReadTimeoutSec   int      `yaml:"read_timeout_sec"`
	WriteTimeoutSec  int      `yaml:"write_timeout_sec"`
	IdleTimeoutSec   int      `yaml:"idle_timeout_sec"`
	ShutdownTimeout  int      `yaml:"shutdown_timeout_sec"`
	CORSAllowOrigins []string `yaml:"cors_allow_origins"`
}

// DatabaseConfig is the single Postgres-shaped relational store the core
// treats as named tables with documented columns.
type DatabaseConfig struct {
	DSN             string `yaml:"dsn"`
	Schema          string `yaml:"schema"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	PgvectorAutoInit bool  `yaml:"pgvector_auto_init"`
}

type SVNConfig struct {
	BinaryPath               string `yaml:"binary_path"`
	Username                 string `yaml:"username"`
	Password                 string `yaml:"password"`
	TrustServerCertFailures  string `yaml:"trust_server_cert_failures"`
	CommandTimeoutSec        int    `yaml:"command_timeout_sec"`
}

type GitLabConfig struct {
	BaseURL            string      `yaml:"base_url"`
	TokenProvider      string      `yaml:"token_provider"` // env | file | exec
	TokenEnvVar        string      `yaml:"token_env_var"`
	TokenFilePath      string      `yaml:"token_file_path"`
	TokenExecCommand   string      `yaml:"token_exec_command"`
	RateLimit          RateLimit   `yaml:"rate_limit"`
	MaxAttempts        int         `yaml:"max_attempts"`
	BackoffBaseSeconds float64     `yaml:"backoff_base_seconds"`
	BackoffMaxSeconds  float64     `yaml:"backoff_max_seconds"`
	RequestTimeoutSec  int         `yaml:"request_timeout_sec"`
	RefName            string      `yaml:"ref_name"`
}

type RateLimit struct {
	BurstSize       int `yaml:"burst_size"`
	RefillPerSecond int `yaml:"refill_per_second"`
}

type SyncConfig struct {
	BatchSize                 int     `yaml:"batch_size"`
	ForwardWindowSeconds      int     `yaml:"forward_window_seconds"`
	MinForwardWindowSeconds   int     `yaml:"min_forward_window_seconds"`
	MaxForwardWindowSeconds   int     `yaml:"max_forward_window_seconds"`
	OverlapSeconds            int     `yaml:"overlap_seconds"`
	TimeWindowDays            int     `yaml:"time_window_days"`
	DiffMode                  string  `yaml:"diff_mode"` // always | best_effort | none
	Strict                    bool    `yaml:"strict"`
	LeaseSeconds              int     `yaml:"lease_seconds"`
	RenewIntervalRevs         int     `yaml:"renew_interval_revs"`
	GitTotalChangesThreshold  int     `yaml:"git_total_changes_threshold"`
	GitFilesChangedThreshold  int     `yaml:"git_files_changed_threshold"`
	SVNChangedPathsThreshold  int     `yaml:"svn_changed_paths_threshold"`
	DiffSizeThresholdBytes    int64   `yaml:"diff_size_threshold_bytes"`
	ShrinkFactor              float64 `yaml:"shrink_factor"`
	GrowFactor                float64 `yaml:"grow_factor"`
	AdaptiveCommitThreshold   int     `yaml:"adaptive_commit_threshold"`
	DemoteAfterConsecutive429 int     `yaml:"demote_after_consecutive_429"`
}

type ArtifactConfig struct {
	RootPath          string `yaml:"root_path"`
	ProjectKey        string `yaml:"project_key"`
	AllowLegacyLookup bool   `yaml:"allow_legacy_lookup"`
	MaxSizeBytes      int64  `yaml:"max_size_bytes"`
	ShaMismatchPolicy string `yaml:"sha_mismatch_policy"` // strict | mirror
}

type GatewayConfig struct {
	ExternalMemoryBaseURL string `yaml:"external_memory_base_url"`
	RequestTimeoutSec      int    `yaml:"request_timeout_sec"`
	DedupEnabled           bool   `yaml:"dedup_enabled"`
	MCPEnabled             bool   `yaml:"mcp_enabled"`
	GateProfile            string `yaml:"gate_profile"`
}

type OutboxConfig struct {
	BatchSize        int     `yaml:"batch_size"`
	LeaseSeconds     int     `yaml:"lease_seconds"`
	MaxRetries       int     `yaml:"max_retries"`
	BaseBackoffSec   float64 `yaml:"base_backoff_seconds"`
	MaxBackoffSec    float64 `yaml:"max_backoff_seconds"`
	JitterFraction   float64 `yaml:"jitter_fraction"`
	PollIntervalSec  int     `yaml:"poll_interval_seconds"`
	PerItemTimeoutSec int    `yaml:"per_item_timeout_seconds"`
}

type SecurityConfig struct {
	MTLSEnabled    bool   `yaml:"mtls_enabled"`
	SPIFFESocket   string `yaml:"spiffe_socket_path"`
	TrustDomain    string `yaml:"trust_domain"`
	TokenHashSalt  string `yaml:"token_hash_salt"`
}

type MonitoringConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	Namespace  string `yaml:"namespace"`
}

type PubSubConfig struct {
	ProjectID string `yaml:"project_id"`
	TopicID   string `yaml:"topic_id"`
	Enabled   bool   `yaml:"enabled"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// Load reads a YAML config file, overlays a local .env if present, then
// applies the environment variables of record, and finally fills in
// defaults for anything left zero-valued.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // optional local dev overlay; missing file is not an error

	cfg := &Config{}
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: open %s: %w", path, err)
			}
		} else {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("config: decode %s: %w", path, err)
			}
		}
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()
	return cfg, nil
}

// applyEnvOverrides applies exactly the environment variables of record
// plus the handful of infra knobs (DSN, Redis) every binary needs.
func (c *Config) applyEnvOverrides() {
	c.Database.PgvectorAutoInit = getEnvBool("STEP3_PGVECTOR_AUTO_INIT", c.Database.PgvectorAutoInit)
	if v := getEnvInt64("EVIDENCE_MAX_SIZE_BYTES", 0); v > 0 {
		c.Artifact.MaxSizeBytes = v
	}
	c.Gateway.ExternalMemoryBaseURL = getEnv("OPENMEMORY_BASE_URL", c.Gateway.ExternalMemoryBaseURL)
	c.Database.DSN = getEnv("POSTGRES_DSN", c.Database.DSN)
	c.Artifact.ProjectKey = getEnv("PROJECT_KEY", c.Artifact.ProjectKey)
	c.Database.Schema = getEnv("OM_PG_SCHEMA", c.Database.Schema)
	c.Gateway.GateProfile = getEnv("GATE_PROFILE", c.Gateway.GateProfile)

	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.Env = getEnv("ENGRAM_ENV", c.Server.Env)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.SVN.Password = getEnv("SVN_PASSWORD", c.SVN.Password)
	if origins := getEnv("CORS_ALLOW_ORIGINS", ""); origins != "" {
		c.Server.CORSAllowOrigins = splitCSV(origins)
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = 15
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = 15
	}
	if c.Server.IdleTimeoutSec == 0 {
		c.Server.IdleTimeoutSec = 60
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30
	}
	if len(c.Server.CORSAllowOrigins) == 0 {
		c.Server.CORSAllowOrigins = []string{"*"}
	}
	if c.SVN.BinaryPath == "" {
		c.SVN.BinaryPath = "svn"
	}
	if c.SVN.TrustServerCertFailures == "" {
		c.SVN.TrustServerCertFailures = "unknown-ca"
	}
	if c.SVN.CommandTimeoutSec == 0 {
		c.SVN.CommandTimeoutSec = 120
	}
	if c.GitLab.MaxAttempts == 0 {
		c.GitLab.MaxAttempts = 5
	}
	if c.GitLab.BackoffBaseSeconds == 0 {
		c.GitLab.BackoffBaseSeconds = 1
	}
	if c.GitLab.BackoffMaxSeconds == 0 {
		c.GitLab.BackoffMaxSeconds = 60
	}
	if c.GitLab.RequestTimeoutSec == 0 {
		c.GitLab.RequestTimeoutSec = 30
	}
	if c.GitLab.RateLimit.BurstSize == 0 {
		c.GitLab.RateLimit.BurstSize = 10
	}
	if c.GitLab.RateLimit.RefillPerSecond == 0 {
		c.GitLab.RateLimit.RefillPerSecond = 5
	}
	if c.GitLab.TokenProvider == "" {
		c.GitLab.TokenProvider = "env"
	}
	if c.GitLab.TokenEnvVar == "" {
		c.GitLab.TokenEnvVar = "GITLAB_TOKEN"
	}
	if c.GitLab.RefName == "" {
		c.GitLab.RefName = "main"
	}
	if c.Sync.BatchSize == 0 {
		c.Sync.BatchSize = 100
	}
	if c.Sync.ForwardWindowSeconds == 0 {
		c.Sync.ForwardWindowSeconds = 3600
	}
	if c.Sync.MinForwardWindowSeconds == 0 {
		c.Sync.MinForwardWindowSeconds = 60
	}
	if c.Sync.MaxForwardWindowSeconds == 0 {
		c.Sync.MaxForwardWindowSeconds = 86400
	}
	if c.Sync.OverlapSeconds == 0 {
		c.Sync.OverlapSeconds = 30
	}
	if c.Sync.TimeWindowDays == 0 {
		c.Sync.TimeWindowDays = 90
	}
	if c.Sync.DiffMode == "" {
		c.Sync.DiffMode = "best_effort"
	}
	if c.Sync.LeaseSeconds == 0 {
		c.Sync.LeaseSeconds = 300
	}
	if c.Sync.RenewIntervalRevs == 0 {
		c.Sync.RenewIntervalRevs = 50
	}
	if c.Sync.GitTotalChangesThreshold == 0 {
		c.Sync.GitTotalChangesThreshold = 2000
	}
	if c.Sync.GitFilesChangedThreshold == 0 {
		c.Sync.GitFilesChangedThreshold = 50
	}
	if c.Sync.SVNChangedPathsThreshold == 0 {
		c.Sync.SVNChangedPathsThreshold = 50
	}
	if c.Sync.DiffSizeThresholdBytes == 0 {
		c.Sync.DiffSizeThresholdBytes = 200 * 1024
	}
	if c.Sync.ShrinkFactor == 0 {
		c.Sync.ShrinkFactor = 0.5
	}
	if c.Sync.GrowFactor == 0 {
		c.Sync.GrowFactor = 1.5
	}
	if c.Sync.AdaptiveCommitThreshold == 0 {
		c.Sync.AdaptiveCommitThreshold = 20
	}
	if c.Sync.DemoteAfterConsecutive429 == 0 {
		c.Sync.DemoteAfterConsecutive429 = 3
	}
	if c.Artifact.RootPath == "" {
		c.Artifact.RootPath = "./data/artifacts"
	}
	if c.Artifact.MaxSizeBytes == 0 {
		c.Artifact.MaxSizeBytes = 10 * 1024 * 1024
	}
	if c.Artifact.ShaMismatchPolicy == "" {
		c.Artifact.ShaMismatchPolicy = "strict"
	}
	if c.Gateway.RequestTimeoutSec == 0 {
		c.Gateway.RequestTimeoutSec = 10
	}
	if c.Outbox.BatchSize == 0 {
		c.Outbox.BatchSize = 50
	}
	if c.Outbox.LeaseSeconds == 0 {
		c.Outbox.LeaseSeconds = 60
	}
	if c.Outbox.MaxRetries == 0 {
		c.Outbox.MaxRetries = 8
	}
	if c.Outbox.BaseBackoffSec == 0 {
		c.Outbox.BaseBackoffSec = 2
	}
	if c.Outbox.MaxBackoffSec == 0 {
		c.Outbox.MaxBackoffSec = 900
	}
	if c.Outbox.JitterFraction == 0 {
		c.Outbox.JitterFraction = 0.2
	}
	if c.Outbox.PollIntervalSec == 0 {
		c.Outbox.PollIntervalSec = 5
	}
	if c.Outbox.PerItemTimeoutSec == 0 {
		c.Outbox.PerItemTimeoutSec = 15
	}
	if c.Monitoring.ListenAddr == "" {
		c.Monitoring.ListenAddr = ":9090"
	}
	if c.Monitoring.Namespace == "" {
		c.Monitoring.Namespace = "engram"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "engram:"
	}
	if c.PubSub.TopicID == "" {
		c.PubSub.TopicID = "engram-events"
	}
}

func (c *Config) IsProduction() bool { return c.Server.Env == "production" }

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return defaultVal
}

func getEnvInt64(key string, defaultVal int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func splitCSV(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
