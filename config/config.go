// Package config loads the identity server configuration from YAML with
// IDENTITY_* environment overrides.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/goliatone/go-errors"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "IDENTITY_"

// Config is the root configuration.
type Config struct {
	App       App                 `yaml:"app"`
	HTTP      HTTP                `yaml:"http"`
	Database  Database            `yaml:"database"`
	Session   Session             `yaml:"session"`
	Redis     Redis               `yaml:"redis"`
	Providers map[string]Provider `yaml:"providers"`
}

// App holds installation wide settings.
type App struct {
	Name               string `yaml:"name"`
	AppCode            string `yaml:"app_code"`
	InstallationID     string `yaml:"installation_id"`
	InstallationSecret string `yaml:"installation_secret"`
	LogLevel           string `yaml:"log_level"`
}

// HTTP configures the listener and the handshake cookie.
type HTTP struct {
	Address        string        `yaml:"address"`
	PathPrefix     string        `yaml:"path_prefix"`
	SessionHeader  string        `yaml:"session_header"`
	CookieName     string        `yaml:"cookie_name"`
	CookieSecure   bool          `yaml:"cookie_secure"`
	CookieSameSite string        `yaml:"cookie_same_site"`
	HandshakeTTL   time.Duration `yaml:"handshake_ttl"`
}

// Database selects the storage engine.
type Database struct {
	Engine string `yaml:"engine"`
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	Debug  bool   `yaml:"debug"`
}

// Session configures the JWT session issuer.
type Session struct {
	SigningKey string        `yaml:"signing_key"`
	Issuer     string        `yaml:"issuer"`
	Audience   []string      `yaml:"audience"`
	TTL        time.Duration `yaml:"ttl"`
}

// Redis enables the shared nonce store when Address is set.
type Redis struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// Provider configures one identity provider.
type Provider struct {
	Kind         string   `yaml:"kind"`
	Enabled      bool     `yaml:"enabled"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	RedirectURL  string   `yaml:"redirect_url"`
	Scopes       []string `yaml:"scopes"`
	AuthURL      string   `yaml:"auth_url"`
	TokenURL     string   `yaml:"token_url"`
	UserInfoURL  string   `yaml:"user_info_url"`
	Issuer       string   `yaml:"issuer"`
}

// Defaults returns a configuration usable for local development once the
// secrets are filled in.
func Defaults() Config {
	return Config{
		App: App{
			Name:     "identity",
			AppCode:  "1234567890",
			LogLevel: "info",
		},
		HTTP: HTTP{
			Address:        ":8080",
			PathPrefix:     "/social",
			SessionHeader:  "X-BB-SESSION",
			CookieName:     "identity_handshake",
			CookieSecure:   true,
			CookieSameSite: "Lax",
			HandshakeTTL:   10 * time.Minute,
		},
		Database: Database{
			Engine: "bun",
			Driver: "sqlite",
			DSN:    "file:identity.db?cache=shared",
		},
		Session: Session{
			Issuer: "go-identity",
			TTL:    24 * time.Hour,
		},
		Providers: map[string]Provider{},
	}
}

// Load reads path on top of Defaults and applies environment overrides.
// An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, errors.CategoryInternal, "read config file").
				WithMetadata(map[string]any{"path": path})
		}
		if err := Parse(raw, &cfg); err != nil {
			return nil, err
		}
	}

	ApplyEnv(&cfg, os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Parse decodes YAML into cfg, keeping values absent from raw.
func Parse(raw []byte, cfg *Config) error {
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return errors.Wrap(err, errors.CategoryBadInput, "parse config")
	}
	return nil
}

// ApplyEnv overrides cfg from the environment. Provider settings use
// IDENTITY_PROVIDERS_<ID>_<FIELD>, e.g. IDENTITY_PROVIDERS_GOOGLE_CLIENT_SECRET.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(EnvPrefix + key); ok {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + key); ok {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}

	str("APP_CODE", &cfg.App.AppCode)
	str("INSTALLATION_ID", &cfg.App.InstallationID)
	str("INSTALLATION_SECRET", &cfg.App.InstallationSecret)
	str("LOG_LEVEL", &cfg.App.LogLevel)

	str("HTTP_ADDRESS", &cfg.HTTP.Address)
	str("HTTP_PATH_PREFIX", &cfg.HTTP.PathPrefix)
	boolean("HTTP_COOKIE_SECURE", &cfg.HTTP.CookieSecure)
	duration("HTTP_HANDSHAKE_TTL", &cfg.HTTP.HandshakeTTL)

	str("DATABASE_ENGINE", &cfg.Database.Engine)
	str("DATABASE_DRIVER", &cfg.Database.Driver)
	str("DATABASE_DSN", &cfg.Database.DSN)
	boolean("DATABASE_DEBUG", &cfg.Database.Debug)

	str("SESSION_SIGNING_KEY", &cfg.Session.SigningKey)
	str("SESSION_ISSUER", &cfg.Session.Issuer)
	duration("SESSION_TTL", &cfg.Session.TTL)

	str("REDIS_ADDRESS", &cfg.Redis.Address)
	str("REDIS_PASSWORD", &cfg.Redis.Password)

	for id, p := range cfg.Providers {
		key := "PROVIDERS_" + strings.ToUpper(strings.ReplaceAll(id, "-", "_")) + "_"
		str(key+"CLIENT_ID", &p.ClientID)
		str(key+"CLIENT_SECRET", &p.ClientSecret)
		str(key+"REDIRECT_URL", &p.RedirectURL)
		boolean(key+"ENABLED", &p.Enabled)
		cfg.Providers[id] = p
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	err := validation.ValidateStruct(&c,
		validation.Field(&c.App),
		validation.Field(&c.HTTP),
		validation.Field(&c.Database),
		validation.Field(&c.Session),
	)
	if err != nil {
		return errors.Wrap(err, errors.CategoryValidation, "invalid configuration")
	}

	for id, p := range c.Providers {
		if !p.Enabled {
			continue
		}
		if err := p.Validate(); err != nil {
			return errors.Wrap(err, errors.CategoryValidation, fmt.Sprintf("invalid provider %q", id))
		}
	}

	return nil
}

// Validate implements validation.Validatable.
func (a App) Validate() error {
	return validation.ValidateStruct(&a,
		validation.Field(&a.AppCode, validation.Required),
		validation.Field(&a.InstallationSecret, validation.Required, validation.Length(16, 0)),
		validation.Field(&a.LogLevel, validation.In("trace", "debug", "info", "warn", "error")),
	)
}

// Validate implements validation.Validatable.
func (h HTTP) Validate() error {
	return validation.ValidateStruct(&h,
		validation.Field(&h.Address, validation.Required),
		validation.Field(&h.PathPrefix, validation.Required, validation.Match(prefixPattern)),
		validation.Field(&h.CookieName, validation.Required),
		validation.Field(&h.CookieSameSite, validation.In("Lax", "Strict", "None")),
		validation.Field(&h.HandshakeTTL, validation.Required),
	)
}

// Validate implements validation.Validatable.
func (d Database) Validate() error {
	return validation.ValidateStruct(&d,
		validation.Field(&d.Engine, validation.Required, validation.In("bun", "gorm")),
		validation.Field(&d.Driver, validation.Required, validation.In("sqlite", "postgres"), validation.By(d.driverForEngine)),
		validation.Field(&d.DSN, validation.Required),
	)
}

// The gorm engine only ships the sqlite driver.
func (d Database) driverForEngine(value any) error {
	if d.Engine == "gorm" && value != "sqlite" {
		return fmt.Errorf("engine gorm supports only the sqlite driver")
	}
	return nil
}

// Validate implements validation.Validatable.
func (s Session) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.SigningKey, validation.Required, validation.Length(32, 0)),
		validation.Field(&s.TTL, validation.Required),
	)
}

// Validate implements validation.Validatable.
func (p Provider) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Kind, validation.Required, validation.In("google", "github", "oidc", "oauth2")),
		validation.Field(&p.ClientID, validation.Required),
		validation.Field(&p.ClientSecret, validation.Required),
		validation.Field(&p.RedirectURL, validation.Required, is.URL),
		validation.Field(&p.AuthURL, is.URL),
		validation.Field(&p.TokenURL, is.URL),
		validation.Field(&p.UserInfoURL, is.URL),
		validation.Field(&p.Issuer, is.URL),
	)
}

// EnabledProviders returns the enabled providers keyed by id.
func (c Config) EnabledProviders() map[string]Provider {
	out := make(map[string]Provider, len(c.Providers))
	for id, p := range c.Providers {
		if p.Enabled {
			out[strings.ToLower(strings.TrimSpace(id))] = p
		}
	}
	return out
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	out := c
	out.App.InstallationSecret = redact(c.App.InstallationSecret)
	out.Session.SigningKey = redact(c.Session.SigningKey)
	out.Redis.Password = redact(c.Redis.Password)
	out.Database.DSN = redactDSN(c.Database.DSN)

	out.Providers = make(map[string]Provider, len(c.Providers))
	for id, p := range c.Providers {
		p.ClientSecret = redact(p.ClientSecret)
		out.Providers[id] = p
	}
	return out
}

func redact(v string) string {
	if v == "" {
		return ""
	}
	return "********"
}

func redactDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	scheme := strings.Index(dsn, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return dsn
	}
	return dsn[:scheme+3] + "********" + dsn[at:]
}

var prefixPattern = regexp.MustCompile(`^/[a-zA-Z0-9/_-]*$`)
