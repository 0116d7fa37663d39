// Package handlers holds the task bodies bound to each task kind.
//
// Each handler validates its own parameters, does its work and returns a Detail
// describing what it did. Errors are returned, never logged and swallowed: the
// scheduler records them.
package handlers

import (
	"net/smtp"
	"time"

	"github.com/go-resty/resty/v2"

	"taskmanager/internal/task"
	"taskmanager/internal/task/registry"
	logx "taskmanager/pkg/logx"
)

type EmailConfig struct {
	Host        string
	Port        int
	SenderEnv   string
	PasswordEnv string
}

type FetchRateConfig struct {
	URL       string
	UserAgent string
	Timeout   time.Duration
	// Output is the CSV file rates are appended to; empty disables recording.
	Output string
}

type Config struct {
	Email     EmailConfig
	FetchRate FetchRateConfig
}

const (
	defaultSMTPHost   = "smtp.gmail.com"
	defaultSMTPPort   = 587
	defaultRateURL    = "https://www.bankbazaar.com/gold-rate-tamil-nadu.html"
	defaultUserAgent  = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	defaultRateOutput = "gold_rates.csv"
)

// Deps are the collaborators the handlers need. Zero values get working defaults.
type Deps struct {
	Config Config
	Log    logx.Logger
	Now    func() time.Time
	HTTP   *resty.Client
	// SendMail defaults to smtp.SendMail.
	SendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
	// Getenv defaults to os.Getenv.
	Getenv func(string) string
}

func (d *Deps) defaults() {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Config.Email.Host == "" {
		d.Config.Email.Host = defaultSMTPHost
	}
	if d.Config.Email.Port == 0 {
		d.Config.Email.Port = defaultSMTPPort
	}
	if d.Config.Email.SenderEnv == "" {
		d.Config.Email.SenderEnv = "SENDER_EMAIL"
	}
	if d.Config.Email.PasswordEnv == "" {
		d.Config.Email.PasswordEnv = "SENDER_PASSWORD"
	}
	if d.Config.FetchRate.URL == "" {
		d.Config.FetchRate.URL = defaultRateURL
	}
	if d.Config.FetchRate.UserAgent == "" {
		d.Config.FetchRate.UserAgent = defaultUserAgent
	}
	if d.Config.FetchRate.Timeout <= 0 {
		d.Config.FetchRate.Timeout = 30 * time.Second
	}
	if d.Config.FetchRate.Output == "" {
		d.Config.FetchRate.Output = defaultRateOutput
	}
	if d.HTTP == nil {
		d.HTTP = resty.New()
	}
	d.HTTP.SetTimeout(d.Config.FetchRate.Timeout).SetHeader("User-Agent", d.Config.FetchRate.UserAgent)
	if d.SendMail == nil {
		d.SendMail = smtp.SendMail
	}
	if d.Getenv == nil {
		d.Getenv = getenv
	}
}

// Bindings returns one binding per task kind.
func Bindings(d Deps) []registry.Binding {
	d.defaults()
	org := &organizer{log: d.Log}
	del := &deleter{log: d.Log, now: d.Now}
	mail := &mailer{cfg: d.Config.Email, send: d.SendMail, getenv: d.Getenv, now: d.Now}
	rate := &rateFetcher{cfg: d.Config.FetchRate, http: d.HTTP, now: d.Now}
	conv := &converter{log: d.Log}
	comp := &compressor{}
	return []registry.Binding{
		{Kind: task.OrganizeFiles, Invoke: org.Run},
		{Kind: task.DeleteFiles, Invoke: del.Run},
		{Kind: task.SendEmail, Invoke: mail.Run},
		{Kind: task.FetchRate, Invoke: rate.Run},
		{Kind: task.ConvertFile, Invoke: conv.Run},
		{Kind: task.CompressFiles, Invoke: comp.Run},
	}
}
