package config

// Config is the root configuration document.
//
// It is stored as JSON or YAML on disk; YAML is coerced to JSON so both
// formats go through the same strict decoder (DisallowUnknownFields).
// All durations are Go duration strings (e.g. "500ms", "10s", "5m").
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	OpenAI   OpenAIConfig   `json:"openai"`
	Sweep    SweepConfig    `json:"sweep"`
	Workflow WorkflowConfig `json:"workflow"`
	Notify   NotifyConfig   `json:"notify"`
	Admin    AdminConfig    `json:"admin,omitempty"`
}

type LoggingConfig struct {
	Level   string            `json:"level,omitempty"` // trace|debug|info|warn|error
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file,omitempty"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// StorageConfig controls the sqlite document store.
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// OpenAIConfig controls the shared completion client used by the
// classification, opportunity-scoring, FAQ-matching and drafting
// capabilities.
//
// APIKey falls back to the OPENAI_API_KEY environment variable when empty.
type OpenAIConfig struct {
	APIKey         string `json:"api_key,omitempty"`
	BaseURL        string `json:"base_url,omitempty"`
	Model          string `json:"model,omitempty"`
	RequestTimeout string `json:"request_timeout,omitempty"` // default "30s"
	RatePerSec     int    `json:"rate_per_sec,omitempty"`    // default 5
	Burst          int    `json:"burst,omitempty"`           // default rate_per_sec
}

// SweepConfig controls the periodic trigger.
//
// Spec is a cron expression evaluated in UTC; each tick sweeps all enrolled
// accounts and starts runs for accounts whose local wall-clock time is
// within Tolerance of their configured digest time.
type SweepConfig struct {
	Enabled   bool   `json:"enabled"`
	Spec      string `json:"spec,omitempty"`      // default "* * * * *"
	Tolerance string `json:"tolerance,omitempty"` // default "15m"

	// MaxConcurrentRuns bounds simultaneous per-account runs started by
	// the sweep. Manual triggers are not counted.
	MaxConcurrentRuns int `json:"max_concurrent_runs,omitempty"` // default 4
}

// WorkflowConfig carries the orchestrator defaults. Per-account records may
// override digest time, quiet hours, capacity and stage enablement.
type WorkflowConfig struct {
	TotalBudget       string `json:"total_budget,omitempty"`       // default "5m"
	ActivityThreshold string `json:"activity_threshold,omitempty"` // default "30m"
	LookbackWindow    string `json:"lookback_window,omitempty"`    // default "12h"
	RecentActivity    string `json:"recent_activity,omitempty"`    // default "1h"

	// CrisisSeverity is the 0..1 severity floor below which a previously
	// scored message is excluded from automation entirely.
	CrisisSeverity *float64 `json:"crisis_severity,omitempty"` // default 0.3

	BatchSize       int `json:"batch_size,omitempty"`        // default 50
	AutoResponseCap int `json:"auto_response_cap,omitempty"` // default 20
	DigestCapacity  int `json:"digest_capacity,omitempty"`   // default 10

	RetryMax      int    `json:"retry_max,omitempty"`       // default 3
	RetryBase     string `json:"retry_base,omitempty"`      // default "100ms"
	RetryMaxDelay string `json:"retry_max_delay,omitempty"` // default "2s"

	// Boundary reply template. Supports {{creator_name}}, {{faq_link}} and
	// {{community_link}} placeholders.
	BoundaryTemplate  string `json:"boundary_template,omitempty"`
	BoundaryRateLimit string `json:"boundary_rate_limit,omitempty"` // default "168h"
	UndoTTL           string `json:"undo_ttl,omitempty"`            // default "24h"
}

// NotifyConfig controls the async notification pipeline.
type NotifyConfig struct {
	Enabled    bool `json:"enabled"`
	Workers    int  `json:"workers,omitempty"`      // default 2
	QueueSize  int  `json:"queue_size,omitempty"`   // default 256
	RatePerSec int  `json:"rate_per_sec,omitempty"` // default 10

	RetryMax      int    `json:"retry_max,omitempty"`       // default 2
	RetryBase     string `json:"retry_base,omitempty"`      // default "500ms"
	RetryMaxDelay string `json:"retry_max_delay,omitempty"` // default "10s"

	Telegram TelegramNotifyConfig `json:"telegram,omitempty"`
}

// TelegramNotifyConfig enables the Telegram delivery channel.
// Token falls back to the TELEGRAM_BOT_TOKEN environment variable.
type TelegramNotifyConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"`
}

// AdminConfig controls the synchronous administrative trigger endpoint.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8787").
//   - If you bind to a non-loopback address, set a token or explicitly
//     allow_insecure.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default "127.0.0.1:8787"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}
