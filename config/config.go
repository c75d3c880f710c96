// Package config loads the storefront daemon settings with koanf from a
// YAML file and STOREFRONT_* environment variables (optionally seeded from a
// .env file). Environment values win over the file.
package config

import (
	"errors"
	"io"
	"io/fs"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/go-viper/mapstructure/v2"
	goerrors "github.com/goliatone/go-errors"
	auth "github.com/goliatone/go-storefront-auth"
	"github.com/joho/godotenv"
	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "STOREFRONT_"

// Transport kinds
const (
	TransportWebsocket = "ws"
	TransportRedis     = "redis"
)

type Database struct {
	DSN string `yaml:"dsn"`
}

func (d Database) Validate() error {
	return validation.ValidateStruct(&d,
		validation.Field(&d.DSN, validation.Required),
	)
}

type Timeouts struct {
	Profile time.Duration `yaml:"profile"`
	Session time.Duration `yaml:"session"`
}

func (t Timeouts) Validate() error {
	return validation.ValidateStruct(&t,
		validation.Field(&t.Profile, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&t.Session, validation.Required, validation.Min(time.Millisecond)),
	)
}

type Sync struct {
	ReconnectDelay     time.Duration `yaml:"reconnect_delay"`
	AccountReloadDelay time.Duration `yaml:"account_reload_delay"`
	RecountDelay       time.Duration `yaml:"recount_delay"`
	PollInterval       time.Duration `yaml:"poll_interval"`
}

func (s Sync) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.ReconnectDelay, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&s.AccountReloadDelay, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&s.RecountDelay, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&s.PollInterval, validation.Required, validation.Min(time.Second)),
	)
}

type Plans struct {
	GraceDays               int `yaml:"grace_days"`
	DefaultFreeProductLimit int `yaml:"default_free_product_limit"`
	// Location names the time zone of renewal days, empty for local time.
	Location string `yaml:"location"`
}

func (p Plans) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.GraceDays, validation.Min(0)),
		validation.Field(&p.DefaultFreeProductLimit, validation.Required, validation.Min(1)),
		validation.Field(&p.Location, validation.By(validLocation)),
	)
}

type Auth struct {
	SigningKey    string            `yaml:"signing_key"`
	Issuer        string            `yaml:"issuer"`
	TokenTTL      time.Duration     `yaml:"token_ttl"`
	JWKSURL       string            `yaml:"jwks_url"`
	JWKSIssuer    string            `yaml:"jwks_issuer"`
	ResetRedirect string            `yaml:"reset_redirect"`
	SocialURLs    map[string]string `yaml:"social_urls,omitempty"`
}

func (a Auth) Validate() error {
	return validation.ValidateStruct(&a,
		validation.Field(&a.SigningKey, validation.Required, validation.Length(16, 0)),
		validation.Field(&a.JWKSURL, is.URL),
		validation.Field(&a.ResetRedirect, is.URL),
	)
}

type Transport struct {
	Kind          string `yaml:"kind"`
	URL           string `yaml:"url"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	Prefix        string `yaml:"prefix"`
	// Listen serves the websocket hub on this address when set.
	Listen string `yaml:"listen"`
}

func (t Transport) Validate() error {
	return validation.ValidateStruct(&t,
		validation.Field(&t.Kind, validation.Required, validation.In(TransportWebsocket, TransportRedis)),
		validation.Field(&t.URL, validation.By(requiredIf(t.Kind == TransportWebsocket && t.Listen == ""))),
		validation.Field(&t.RedisAddr, validation.By(requiredIf(t.Kind == TransportRedis))),
	)
}

func requiredIf(cond bool) validation.RuleFunc {
	return func(value any) error {
		if !cond {
			return nil
		}
		return validation.Validate(value, validation.Required)
	}
}

type Metrics struct {
	Address string `yaml:"address"`
}

// Config is the daemon configuration
type Config struct {
	Database  Database  `yaml:"database"`
	Timeouts  Timeouts  `yaml:"timeouts"`
	Sync      Sync      `yaml:"sync"`
	Plans     Plans     `yaml:"plans"`
	Auth      Auth      `yaml:"auth"`
	Transport Transport `yaml:"transport"`
	Metrics   Metrics   `yaml:"metrics"`
	LogLevel  string    `yaml:"log_level"`
}

var _ auth.Config = (*Config)(nil)

// Default returns the built in settings
func Default() *Config {
	return &Config{
		Database: Database{DSN: "file:storefront.db?cache=shared"},
		Timeouts: Timeouts{
			Profile: auth.DefaultProfileTimeout,
			Session: auth.DefaultSessionTimeout,
		},
		Sync: Sync{
			ReconnectDelay:     auth.DefaultReconnectDelay,
			AccountReloadDelay: auth.DefaultAccountReloadDelay,
			RecountDelay:       auth.DefaultRecountDelay,
			PollInterval:       auth.DefaultPollInterval,
		},
		Plans: Plans{
			GraceDays:               int(auth.DefaultGracePeriod / (24 * time.Hour)),
			DefaultFreeProductLimit: auth.DefaultFreeProductLimit,
		},
		Auth: Auth{
			Issuer:   "storefront",
			TokenTTL: 24 * time.Hour,
		},
		Transport: Transport{
			Kind:   TransportWebsocket,
			Prefix: "storefront:changes",
		},
		LogLevel: "info",
	}
}

// Load reads path and envFile on top of Default. Missing files are skipped
// when their path is empty; a named file that does not exist is an error
// for path and ignored for envFile.
//
// Environment keys use a double underscore between sections, so
// STOREFRONT_SYNC__POLL_INTERVAL sets sync.poll_interval.
func Load(path, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, goerrors.Wrap(err, goerrors.CategoryBadInput, "failed to read env file").
				WithMetadata(map[string]any{"path": envFile})
		}
	}

	cfg := Default()
	if path != "" {
		k := koanf.New(".")
		if err := k.Load(file.Provider(path), kyaml.Parser()); err != nil {
			return nil, goerrors.Wrap(err, goerrors.CategoryBadInput, "failed to read config file").
				WithMetadata(map[string]any{"path": path})
		}
		if err := unmarshal(k, cfg, true); err != nil {
			return nil, goerrors.Wrap(err, goerrors.CategoryBadInput, "failed to parse config file").
				WithMetadata(map[string]any{"path": path})
		}
	}

	k := koanf.New(".")
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryBadInput, "failed to read environment")
	}
	if err := unmarshal(k, cfg, false); err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryBadInput, "invalid environment override")
	}

	if err := cfg.Validate(); err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryValidation, "invalid configuration")
	}
	return cfg, nil
}

func envKey(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(name, EnvPrefix)), "__", ".")
}

// unmarshal decodes k over cfg keeping the fields it does not name. strict
// rejects keys that match no field.
func unmarshal(k *koanf.Koanf, cfg *Config, strict bool) error {
	return k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		Tag: "yaml",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.TextUnmarshallerHookFunc(),
			),
			ErrorUnused:      strict,
			WeaklyTypedInput: true,
			TagName:          "yaml",
			Result:           cfg,
		},
	})
}

// Write encodes c as YAML
func (c *Config) Write(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return err
	}
	return enc.Close()
}

func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Database),
		validation.Field(&c.Timeouts),
		validation.Field(&c.Sync),
		validation.Field(&c.Plans),
		validation.Field(&c.Auth),
		validation.Field(&c.Transport),
		validation.Field(&c.LogLevel, validation.In("debug", "info", "warn", "error")),
	)
}

func validLocation(value any) error {
	name, _ := value.(string)
	if name == "" {
		return nil
	}
	_, err := time.LoadLocation(name)
	return err
}

// Location returns the renewal day time zone, nil for local time
func (c *Config) Location() *time.Location {
	if c.Plans.Location == "" {
		return nil
	}
	loc, err := time.LoadLocation(c.Plans.Location)
	if err != nil {
		return nil
	}
	return loc
}

func (c *Config) GetProfileTimeout() time.Duration {
	return c.Timeouts.Profile
}

func (c *Config) GetSessionTimeout() time.Duration {
	return c.Timeouts.Session
}

func (c *Config) GetReconnectDelay() time.Duration {
	return c.Sync.ReconnectDelay
}

func (c *Config) GetAccountReloadDelay() time.Duration {
	return c.Sync.AccountReloadDelay
}

func (c *Config) GetRecountDelay() time.Duration {
	return c.Sync.RecountDelay
}

func (c *Config) GetPollInterval() time.Duration {
	return c.Sync.PollInterval
}

func (c *Config) GetGracePeriod() time.Duration {
	return time.Duration(c.Plans.GraceDays) * 24 * time.Hour
}

func (c *Config) GetDefaultFreeProductLimit() int {
	return c.Plans.DefaultFreeProductLimit
}
