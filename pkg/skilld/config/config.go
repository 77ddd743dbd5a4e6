package config

import (
	"fmt"
	"time"

	"github.com/nais/skilld/pkg/conftools"
	"github.com/nais/skilld/pkg/skill"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	LockBackendFile     = "file"
	LockBackendDatabase = "database"
)

type Github struct {
	Repository      string        `json:"repository"`
	Branch          string        `json:"branch"`
	ManifestPattern string        `json:"manifest-pattern"`
	Token           string        `json:"token"`
	ApplicationID   int           `json:"app-id"`
	InstallID       int           `json:"install-id"`
	KeyFile         string        `json:"key-file"`
	RequestTimeout  time.Duration `json:"request-timeout"`
}

type Webhook struct {
	Secret        string        `json:"secret"`
	RateLimit     int           `json:"rate-limit"`
	MaxAge        time.Duration `json:"max-age"`
	MaxFutureSkew time.Duration `json:"max-future-skew"`
}

type Poller struct {
	Enabled  bool          `json:"enabled"`
	Interval time.Duration `json:"interval"`
}

type Archive struct {
	Bucket  string        `json:"bucket"`
	Region  string        `json:"region"`
	Prefix  string        `json:"prefix"`
	Timeout time.Duration `json:"timeout"`
}

type Config struct {
	APIKeys                []string      `json:"api-keys"`
	Archive                Archive       `json:"archive"`
	DatabaseURL            string        `json:"database-url"`
	DatabaseConnectTimeout time.Duration `json:"database-connect-timeout"`
	Github                 Github        `json:"github"`
	HealthTimeout          time.Duration `json:"health-timeout"`
	ListenAddress          string        `json:"listen-address"`
	LockBackend            string        `json:"lock-backend"`
	LockTTL                time.Duration `json:"lock-ttl"`
	LogFormat              string        `json:"log-format"`
	LogLevel               string        `json:"log-level"`
	MaxSkillSize           int           `json:"max-skill-size"`
	MetricsPath            string        `json:"metrics-path"`
	OtelCollectorEndpoint  string        `json:"otel-collector-endpoint"`
	Poller                 Poller        `json:"poller"`
	ReloadSentinel         string        `json:"reload-sentinel"`
	SkillDir               string        `json:"skill-dir"`
	StateDir               string        `json:"state-dir"`
	SyncTimeout            time.Duration `json:"sync-timeout"`
	Webhook                Webhook       `json:"webhook"`
}

func (g *Github) HasAppConfig() bool {
	return g.ApplicationID != 0 && g.InstallID != 0 && g.KeyFile != ""
}

const (
	APIKeys                = "api-keys"
	ArchiveBucket          = "archive.bucket"
	ArchivePrefix          = "archive.prefix"
	ArchiveRegion          = "archive.region"
	ArchiveTimeout         = "archive.timeout"
	DatabaseConnectTimeout = "database-connect-timeout"
	DatabaseUrl            = "database-url"
	GithubAppId            = "github.app-id"
	GithubBranch           = "github.branch"
	GithubInstallId        = "github.install-id"
	GithubKeyFile          = "github.key-file"
	GithubManifestPattern  = "github.manifest-pattern"
	GithubRepository       = "github.repository"
	GithubRequestTimeout   = "github.request-timeout"
	GithubToken            = "github.token"
	HealthTimeout          = "health-timeout"
	ListenAddress          = "listen-address"
	LockBackend            = "lock-backend"
	LockTTL                = "lock-ttl"
	LogFormat              = "log-format"
	LogLevel               = "log-level"
	MaxSkillSize           = "max-skill-size"
	MetricsPath            = "metrics-path"
	OtelCollectorEndpoint  = "otel-collector-endpoint"
	PollerEnabled          = "poller.enabled"
	PollerInterval         = "poller.interval"
	ReloadSentinel         = "reload-sentinel"
	SkillDir               = "skill-dir"
	StateDir               = "state-dir"
	SyncTimeout            = "sync-timeout"
	WebhookMaxAge          = "webhook.max-age"
	WebhookMaxFutureSkew   = "webhook.max-future-skew"
	WebhookRateLimit       = "webhook.rate-limit"
	WebhookSecret          = "webhook.secret"
)

// Masked lists keys whose values are never printed.
var Masked = []string{
	APIKeys,
	DatabaseUrl,
	GithubToken,
	WebhookSecret,
}

// Bind environment variables commonly provided by the hosting platform.
func bindPlatform() {
	viper.BindEnv(DatabaseUrl, "DATABASE_URL")
	viper.BindEnv(GithubToken, "GITHUB_TOKEN")
	viper.BindEnv(WebhookSecret, "GITHUB_WEBHOOK_SECRET")
	viper.BindEnv(OtelCollectorEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func Initialize() *Config {
	conftools.Initialize("skilld")
	bindPlatform()

	flag.String(ListenAddress, "127.0.0.1:8080", "IP:PORT")
	flag.String(LogFormat, "text", "Log format, either 'json' or 'text'.")
	flag.String(LogLevel, "info", "Logging verbosity level.")
	flag.String(MetricsPath, "/metrics", "HTTP endpoint for exposed metrics.")
	flag.String(OtelCollectorEndpoint, "", "OpenTelemetry collector endpoint URL. Tracing is disabled when empty.")

	flag.String(SkillDir, "/var/lib/skills", "Directory the serving host loads skills from.")
	flag.String(StateDir, "/var/lib/skilld", "Directory for backups and lock files.")
	flag.Int(MaxSkillSize, skill.DefaultMaxSize, "Maximum size of a skill document in bytes.")
	flag.String(ReloadSentinel, ".reload", "File name of the reload sentinel inside the skill directory.")
	flag.String(LockBackend, LockBackendFile, "Where to keep the deployment lock, either 'file' or 'database'.")
	flag.Duration(LockTTL, 10*time.Minute, "Age after which a held deployment lock may be force released.")
	flag.Duration(HealthTimeout, 5*time.Second, "How long the post-deployment health probe may take.")
	flag.Duration(SyncTimeout, 2*time.Minute, "How long a manually triggered sync may take.")
	flag.StringSlice(APIKeys, nil, "Pre-shared keys for the internal API, comma separated.")

	flag.String(DatabaseUrl, "", "PostgreSQL connection information. Audit records are only logged when empty.")
	flag.Duration(DatabaseConnectTimeout, time.Minute, "How long to try the initial database connection.")

	flag.String(GithubRepository, "", "Source repository, as owner/name.")
	flag.String(GithubBranch, "main", "Branch to deploy from.")
	flag.String(GithubManifestPattern, "**/"+skill.ManifestFilename, "Glob matching skill documents in the repository.")
	flag.String(GithubToken, "", "GitHub token for reading repository contents.")
	flag.Int(GithubAppId, 0, "Github App ID.")
	flag.Int(GithubInstallId, 0, "Github App installation ID.")
	flag.String(GithubKeyFile, "", "Path to PEM key owned by Github App.")
	flag.Duration(GithubRequestTimeout, 10*time.Second, "Timeout for requests to GitHub.")

	flag.String(WebhookSecret, "", "Shared secret for webhook signatures. All webhooks are rejected when empty.")
	flag.Int(WebhookRateLimit, 30, "Maximum webhook requests per minute.")
	flag.Duration(WebhookMaxAge, 5*time.Minute, "Reject webhooks whose Date header is older than this.")
	flag.Duration(WebhookMaxFutureSkew, time.Minute, "Reject webhooks whose Date header is further in the future than this.")

	flag.Bool(PollerEnabled, true, "Poll the source repository for changes.")
	flag.Duration(PollerInterval, 5*time.Minute, "Time between polls.")

	flag.String(ArchiveBucket, "", "S3 bucket to mirror backups to. Disabled when empty.")
	flag.String(ArchiveRegion, "", "AWS region of the archive bucket.")
	flag.String(ArchivePrefix, "skilld/backups", "Object key prefix for archived backups.")
	flag.Duration(ArchiveTimeout, 2*time.Minute, "How long uploading one backup to the archive may take.")

	return &Config{}
}

// Validate checks settings that have no sensible default.
func (cfg *Config) Validate() error {
	if cfg.Github.Repository == "" {
		return fmt.Errorf("%s must be set", GithubRepository)
	}
	switch cfg.LockBackend {
	case LockBackendFile:
	case LockBackendDatabase:
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("%s=%s requires %s", LockBackend, LockBackendDatabase, DatabaseUrl)
		}
	default:
		return fmt.Errorf("%s must be one of '%s' or '%s'", LockBackend, LockBackendFile, LockBackendDatabase)
	}
	if cfg.LockTTL <= 0 {
		return fmt.Errorf("%s must be positive", LockTTL)
	}
	if cfg.Poller.Enabled && cfg.Poller.Interval <= 0 {
		return fmt.Errorf("%s must be positive", PollerInterval)
	}
	if cfg.Webhook.RateLimit <= 0 {
		return fmt.Errorf("%s must be positive", WebhookRateLimit)
	}
	if cfg.Webhook.MaxAge <= 0 {
		return fmt.Errorf("%s must be positive", WebhookMaxAge)
	}
	if cfg.Webhook.MaxFutureSkew < 0 {
		return fmt.Errorf("%s must not be negative", WebhookMaxFutureSkew)
	}
	if cfg.SyncTimeout <= 0 {
		return fmt.Errorf("%s must be positive", SyncTimeout)
	}
	if cfg.Archive.Bucket != "" && cfg.Archive.Timeout <= 0 {
		return fmt.Errorf("%s must be positive", ArchiveTimeout)
	}
	return nil
}
