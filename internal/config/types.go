package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Config is the on-disk configuration. All durations are Go duration strings
// ("500ms", "10s", "1m"). Every section is optional.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Store     StoreConfig     `json:"store"`
	Audit     AuditConfig     `json:"audit"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Handlers  HandlersConfig  `json:"handlers"`
	Notify    NotifyConfig    `json:"notify"`
	Systemd   SystemdConfig   `json:"systemd"`
	Status    StatusConfig    `json:"status"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StoreConfig selects the task table backend.
//
// Defaults:
//   - driver: "file"
//   - path: "./scheduled_tasks.json"
//   - retry_max_elapsed: "5s" (persistence retries on remove)
//   - watch: true (daemon resyncs when the table changes on disk)
type StoreConfig struct {
	Driver          string `json:"driver,omitempty"`
	Path            string `json:"path,omitempty"`
	BusyTimeout     string `json:"busy_timeout,omitempty"`
	RetryMaxElapsed string `json:"retry_max_elapsed,omitempty"`
	Watch           *bool  `json:"watch,omitempty"`
}

// AuditConfig selects the audit sink: "file" (default), "sqlite" or "none".
type AuditConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// SchedulerConfig controls execution of fired timers.
//
// Defaults:
//   - default_timeout: "0s" (no limit)
//   - drain_timeout: "30s" (how long stop waits for in-flight runs)
//   - history_size: 200
//   - failure_log_every: "1m"
type SchedulerConfig struct {
	DefaultTimeout  string `json:"default_timeout,omitempty"`
	DrainTimeout    string `json:"drain_timeout,omitempty"`
	HistorySize     int    `json:"history_size,omitempty"`
	FailureLogEvery string `json:"failure_log_every,omitempty"`
}

type HandlersConfig struct {
	Email     EmailConfig     `json:"email"`
	FetchRate FetchRateConfig `json:"fetch_rate"`
}

// EmailConfig names the SMTP relay. Credentials are read from the environment
// variables named here, never from the file.
type EmailConfig struct {
	SMTPHost    string `json:"smtp_host,omitempty"`
	SMTPPort    int    `json:"smtp_port,omitempty"`
	SenderEnv   string `json:"sender_env,omitempty"`
	PasswordEnv string `json:"password_env,omitempty"`
}

type FetchRateConfig struct {
	URL       string `json:"url,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	Timeout   string `json:"timeout,omitempty"`
	Output    string `json:"output,omitempty"`
}

type NotifyConfig struct {
	Telegram TelegramNotifyConfig `json:"telegram"`
}

// TelegramNotifyConfig sends task failure alerts to one chat.
type TelegramNotifyConfig struct {
	Enabled    bool   `json:"enabled"`
	TokenEnv   string `json:"token_env,omitempty"`
	ChatID     int64  `json:"chat_id,omitempty"`
	RatePerMin int    `json:"rate_per_min,omitempty"`
}

type SystemdConfig struct {
	Notify   bool `json:"notify"`
	Watchdog bool `json:"watchdog"`
}

// StatusConfig serves /healthz and /status (and optionally /debug/pprof) from the
// daemon. A non-loopback addr requires a token, read from the variable named by
// token_env.
type StatusConfig struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr,omitempty"`
	TokenEnv string `json:"token_env,omitempty"`
	Pprof    bool   `json:"pprof"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Store:   StoreConfig{Driver: "file"},
		Audit:   AuditConfig{Driver: "file"},
		Systemd: SystemdConfig{Notify: true, Watchdog: true},
	}
}

// Durations holds the parsed duration fields.
type Durations struct {
	StoreBusyTimeout  time.Duration
	StoreRetryElapsed time.Duration
	AuditBusyTimeout  time.Duration
	DefaultTimeout    time.Duration
	DrainTimeout      time.Duration
	FailureLogEvery   time.Duration
	FetchTimeout      time.Duration
}

// Durations parses every duration field, applying defaults.
func (c *Config) Durations() (Durations, error) {
	var d Durations
	var errs []error
	parse := func(dst *time.Duration, path, raw string, def time.Duration) {
		v, err := ParseDurationOrDefault(path, raw, def)
		if err != nil {
			errs = append(errs, err)
			return
		}
		*dst = v
	}
	parse(&d.StoreBusyTimeout, "store.busy_timeout", c.Store.BusyTimeout, 0)
	parse(&d.StoreRetryElapsed, "store.retry_max_elapsed", c.Store.RetryMaxElapsed, 5*time.Second)
	parse(&d.AuditBusyTimeout, "audit.busy_timeout", c.Audit.BusyTimeout, 0)
	parse(&d.DefaultTimeout, "scheduler.default_timeout", c.Scheduler.DefaultTimeout, 0)
	parse(&d.DrainTimeout, "scheduler.drain_timeout", c.Scheduler.DrainTimeout, 30*time.Second)
	parse(&d.FailureLogEvery, "scheduler.failure_log_every", c.Scheduler.FailureLogEvery, time.Minute)
	parse(&d.FetchTimeout, "handlers.fetch_rate.timeout", c.Handlers.FetchRate.Timeout, 30*time.Second)
	return d, errors.Join(errs...)
}

// StoreWatch reports whether the daemon should watch the task table.
func (c *Config) StoreWatch() bool {
	return c.Store.Watch == nil || *c.Store.Watch
}

// Validate checks the fields that can be checked without touching the outside world.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.Durations(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(strings.TrimSpace(c.Store.Driver)) {
	case "", "file", "json", "sqlite", "sqlite3":
	default:
		errs = append(errs, fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver))
	}
	switch strings.ToLower(strings.TrimSpace(c.Audit.Driver)) {
	case "", "file", "sqlite", "sqlite3", "none", "off":
	default:
		errs = append(errs, fmt.Errorf("audit.driver: unknown driver %q", c.Audit.Driver))
	}
	if c.Scheduler.HistorySize < 0 {
		errs = append(errs, errors.New("scheduler.history_size must be >= 0"))
	}
	if p := c.Handlers.Email.SMTPPort; p < 0 || p > 65535 {
		errs = append(errs, fmt.Errorf("handlers.email.smtp_port out of range: %d", p))
	}
	if t := c.Notify.Telegram; t.Enabled && t.ChatID == 0 {
		errs = append(errs, errors.New("notify.telegram.chat_id is required when enabled"))
	}
	if st := c.Status; st.Enabled && strings.TrimSpace(st.Addr) != "" {
		if _, _, err := net.SplitHostPort(st.Addr); err != nil {
			errs = append(errs, fmt.Errorf("status.addr: %w", err))
		}
	}
	return errors.Join(errs...)
}
