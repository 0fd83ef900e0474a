// Package config holds the broker's runtime settings: defaults, a TOML file
// overlay and validation.
//
// A config file only needs the keys it changes:
//
//	[server]
//	port = 8080
//
//	[session]
//	timeout = "90s"
//	credential_wait = "15s"
//
//	[gateway]
//	url = "wss://gateway.internal/socket"
//
//	[branding]
//	brand = "MYBOT"
//	time_zone = "Africa/Nairobi"
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/BurntSushi/toml"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

type Config struct {
	Server   Server
	Session  Session
	Gateway  Gateway
	Branding Branding
	Log      Log
}

type Server struct {
	Host      string
	Port      int
	StaticDir string
}

// Session holds the lifecycle timings.
type Session struct {
	Dir            string
	CredentialFile string
	// Timeout bounds the life of every session.
	Timeout time.Duration
	// PairingDelay is waited before requesting a pairing code.
	PairingDelay time.Duration
	// OpenSettle is waited after the connection opens before the
	// credential file is checked.
	OpenSettle time.Duration
	// CredentialWait bounds polling for a late credential file after
	// OpenSettle. Zero means a single check.
	CredentialWait time.Duration
	// Flush is waited after delivery before the handle is closed.
	Flush time.Duration
}

type Gateway struct {
	URL              string
	HandshakeTimeout time.Duration
	RequestTimeout   time.Duration
}

type Branding struct {
	Brand    string
	Owner    string
	TimeZone string
	Links    map[string]string
}

type Log struct {
	Level  string
	Pretty bool
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Server: Server{
			Host:      "",
			Port:      3000,
			StaticDir: "public",
		},
		Session: Session{
			Dir:            "sessions",
			CredentialFile: "creds.json",
			Timeout:        120 * time.Second,
			PairingDelay:   1500 * time.Millisecond,
			OpenSettle:     5 * time.Second,
			CredentialWait: 10 * time.Second,
			Flush:          1 * time.Second,
		},
		Gateway: Gateway{
			URL:              "ws://127.0.0.1:8765/socket",
			HandshakeTimeout: 15 * time.Second,
			RequestTimeout:   30 * time.Second,
		},
		Branding: Branding{
			Brand:    "PAIRCODE",
			TimeZone: "Africa/Dar_es_Salaam",
		},
		Log: Log{
			Level: "info",
		},
	}
}

// Addr returns the HTTP listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// BeginBudget is the longest a pairing request can take before it is
// answered: the gateway handshake, the hello and pairing code round trips
// and the pairing delay.
func (c Config) BeginBudget() time.Duration {
	return c.Gateway.HandshakeTimeout + 2*c.Gateway.RequestTimeout + c.Session.PairingDelay
}

// duration decodes Go duration strings such as "1.5s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

type fileConfig struct {
	Server struct {
		Host      string `toml:"host"`
		Port      int    `toml:"port"`
		StaticDir string `toml:"static_dir"`
	} `toml:"server"`
	Session struct {
		Dir            string   `toml:"dir"`
		CredentialFile string   `toml:"credential_file"`
		Timeout        duration `toml:"timeout"`
		PairingDelay   duration `toml:"pairing_delay"`
		OpenSettle     duration `toml:"open_settle"`
		CredentialWait duration `toml:"credential_wait"`
		Flush          duration `toml:"flush"`
	} `toml:"session"`
	Gateway struct {
		URL              string   `toml:"url"`
		HandshakeTimeout duration `toml:"handshake_timeout"`
		RequestTimeout   duration `toml:"request_timeout"`
	} `toml:"gateway"`
	Branding struct {
		Brand    string            `toml:"brand"`
		Owner    string            `toml:"owner"`
		TimeZone string            `toml:"time_zone"`
		Links    map[string]string `toml:"links"`
	} `toml:"branding"`
	Log struct {
		Level  string `toml:"level"`
		Pretty bool   `toml:"pretty"`
	} `toml:"log"`
}

// Load reads the TOML file at path over Default. An empty path returns the
// defaults. The result is not validated; call Validate after applying any
// flag overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	str := func(dst *string, v string, key ...string) {
		if meta.IsDefined(key...) {
			*dst = strings.TrimSpace(v)
		}
	}
	dur := func(dst *time.Duration, v duration, key ...string) {
		if meta.IsDefined(key...) {
			*dst = v.Duration
		}
	}

	str(&cfg.Server.Host, raw.Server.Host, "server", "host")
	if meta.IsDefined("server", "port") {
		cfg.Server.Port = raw.Server.Port
	}
	str(&cfg.Server.StaticDir, raw.Server.StaticDir, "server", "static_dir")

	str(&cfg.Session.Dir, raw.Session.Dir, "session", "dir")
	str(&cfg.Session.CredentialFile, raw.Session.CredentialFile, "session", "credential_file")
	dur(&cfg.Session.Timeout, raw.Session.Timeout, "session", "timeout")
	dur(&cfg.Session.PairingDelay, raw.Session.PairingDelay, "session", "pairing_delay")
	dur(&cfg.Session.OpenSettle, raw.Session.OpenSettle, "session", "open_settle")
	dur(&cfg.Session.CredentialWait, raw.Session.CredentialWait, "session", "credential_wait")
	dur(&cfg.Session.Flush, raw.Session.Flush, "session", "flush")

	str(&cfg.Gateway.URL, raw.Gateway.URL, "gateway", "url")
	dur(&cfg.Gateway.HandshakeTimeout, raw.Gateway.HandshakeTimeout, "gateway", "handshake_timeout")
	dur(&cfg.Gateway.RequestTimeout, raw.Gateway.RequestTimeout, "gateway", "request_timeout")

	str(&cfg.Branding.Brand, raw.Branding.Brand, "branding", "brand")
	str(&cfg.Branding.Owner, raw.Branding.Owner, "branding", "owner")
	str(&cfg.Branding.TimeZone, raw.Branding.TimeZone, "branding", "time_zone")
	if meta.IsDefined("branding", "links") {
		cfg.Branding.Links = raw.Branding.Links
	}

	str(&cfg.Log.Level, raw.Log.Level, "log", "level")
	if meta.IsDefined("log", "pretty") {
		cfg.Log.Pretty = raw.Log.Pretty
	}

	return cfg, nil
}

// Validate reports every invalid setting in one error wrapping ErrInvalid.
func (c Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		add("server.port %d out of range", c.Server.Port)
	}
	if c.Session.Dir == "" {
		add("session.dir is empty")
	}
	if c.Session.CredentialFile == "" || strings.ContainsAny(c.Session.CredentialFile, `/\`) {
		add("session.credential_file %q must be a plain file name", c.Session.CredentialFile)
	}
	if c.Session.Timeout <= 0 {
		add("session.timeout must be positive")
	}
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"pairing_delay", c.Session.PairingDelay},
		{"open_settle", c.Session.OpenSettle},
		{"credential_wait", c.Session.CredentialWait},
		{"flush", c.Session.Flush},
	} {
		if d.value < 0 {
			add("session.%s must not be negative", d.name)
		}
	}
	if u, err := url.Parse(c.Gateway.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		add("gateway.url %q must be a ws:// or wss:// URL", c.Gateway.URL)
	}
	if c.Branding.Brand == "" {
		add("branding.brand is empty")
	}
	if _, err := time.LoadLocation(c.Branding.TimeZone); err != nil {
		add("branding.time_zone %q: %v", c.Branding.TimeZone, err)
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}
