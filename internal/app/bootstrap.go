package app

import (
	"fmt"
	"os"
	"strings"

	"taskmanager/internal/audit"
	"taskmanager/internal/config"
	"taskmanager/internal/eventbus"
	"taskmanager/internal/handlers"
	"taskmanager/internal/notify"
	"taskmanager/internal/observability/status"
	"taskmanager/internal/task/scheduler"
	"taskmanager/internal/task/store"
	logx "taskmanager/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStoreConfig(cfg *config.Config, d config.Durations) store.Config {
	return store.Config{
		Driver:      strings.TrimSpace(cfg.Store.Driver),
		Path:        strings.TrimSpace(cfg.Store.Path),
		BusyTimeout: d.StoreBusyTimeout,
	}
}

func mapAuditConfig(cfg *config.Config, d config.Durations) audit.Config {
	return audit.Config{
		Driver:      strings.TrimSpace(cfg.Audit.Driver),
		Path:        strings.TrimSpace(cfg.Audit.Path),
		BusyTimeout: d.AuditBusyTimeout,
	}
}

func mapSchedulerConfig(cfg *config.Config, d config.Durations) scheduler.Config {
	return scheduler.Config{
		DefaultTimeout:  d.DefaultTimeout,
		HistorySize:     cfg.Scheduler.HistorySize,
		FailureLogEvery: d.FailureLogEvery,
	}
}

func mapHandlerDeps(cfg *config.Config, d config.Durations, log logx.Logger) handlers.Deps {
	h := cfg.Handlers
	return handlers.Deps{
		Config: handlers.Config{
			Email: handlers.EmailConfig{
				Host:        h.Email.SMTPHost,
				Port:        h.Email.SMTPPort,
				SenderEnv:   h.Email.SenderEnv,
				PasswordEnv: h.Email.PasswordEnv,
			},
			FetchRate: handlers.FetchRateConfig{
				URL:       h.FetchRate.URL,
				UserAgent: h.FetchRate.UserAgent,
				Timeout:   d.FetchTimeout,
				Output:    h.FetchRate.Output,
			},
		},
		Log: log,
	}
}

// newNotifier returns nil when alerts are disabled.
func newNotifier(cfg *config.Config, bus eventbus.Bus, log logx.Logger) (*notify.Service, error) {
	tc := cfg.Notify.Telegram
	if !tc.Enabled {
		return nil, nil
	}
	env := strings.TrimSpace(tc.TokenEnv)
	if env == "" {
		env = "TELEGRAM_BOT_TOKEN"
	}
	tg, err := notify.NewTelegram(os.Getenv(env), tc.ChatID)
	if err != nil {
		return nil, fmt.Errorf("notify.telegram: %w (token is read from $%s)", err, env)
	}
	return notify.New(notify.Config{RatePerMin: tc.RatePerMin}, tg, bus, log), nil
}

// newStatusServer returns nil when the status endpoint is disabled.
func newStatusServer(cfg *config.Config, sched *scheduler.Service, log logx.Logger) *status.Server {
	st := cfg.Status
	if !st.Enabled {
		return nil
	}
	var token string
	if env := strings.TrimSpace(st.TokenEnv); env != "" {
		token = strings.TrimSpace(os.Getenv(env))
	}
	return status.New(status.Config{Addr: st.Addr, Token: token, Pprof: st.Pprof}, sched.Snapshot, log)
}
