// Package config builds the server configuration from TOML files and
// environment overrides.
//
// Load order, later wins:
//
//	<dir>/main.toml
//	<dir>/<env>.toml            env from KV_SERVER_ENV, default "development"
//	KV__<SECTION>__<KEY>=value  empty values are ignored
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

const (
	EnvName   = "KV_SERVER_ENV"
	EnvPrefix = "KV"
	envSep    = "__"

	DefaultEnv = "development"
)

type Config struct {
	DB           DB           `toml:"db" mapstructure:"db"`
	Web          Web          `toml:"web" mapstructure:"web"`
	ProofService ProofService `toml:"proof_service" mapstructure:"proof_service"`
	Chain        Chain        `toml:"chain" mapstructure:"chain"`
	Log          Log          `toml:"log" mapstructure:"log"`
}

type DB struct {
	Host     string `toml:"host" mapstructure:"host"`
	Port     uint16 `toml:"port" mapstructure:"port"`
	Username string `toml:"username" mapstructure:"username"`
	Password string `toml:"password" mapstructure:"password"`
	DB       string `toml:"db" mapstructure:"db"`
	MaxConns int32  `toml:"max_conns" mapstructure:"max_conns"`
}

type Web struct {
	Listen        string  `toml:"listen" mapstructure:"listen"`
	Port          uint16  `toml:"port" mapstructure:"port"`
	RatePerSecond float64 `toml:"rate_per_second" mapstructure:"rate_per_second"`
	Burst         int     `toml:"burst" mapstructure:"burst"`
	// TrustProxy takes the client address from X-Forwarded-For and X-Real-IP.
	// Enable it only behind a proxy that overwrites those headers.
	TrustProxy bool `toml:"trust_proxy" mapstructure:"trust_proxy"`
}

type ProofService struct {
	URL     string   `toml:"url" mapstructure:"url"`
	Timeout Duration `toml:"timeout" mapstructure:"timeout"`
}

type Chain struct {
	// Store is "postgres" or "memory".
	Store       string   `toml:"store" mapstructure:"store"`
	ProposalTTL Duration `toml:"proposal_ttl" mapstructure:"proposal_ttl"`
}

type Log struct {
	Level  string `toml:"level" mapstructure:"level"`
	Format string `toml:"format" mapstructure:"format"`
}

// Duration reads "30s"-style strings from TOML and the environment.
type Duration struct{ time.Duration }

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func Default() *Config {
	return &Config{
		DB: DB{
			Host:     "localhost",
			Port:     5432,
			Username: "postgres",
			DB:       "kv_server",
			MaxConns: 10,
		},
		Web: Web{
			Listen:        "0.0.0.0",
			Port:          8000,
			RatePerSecond: 20,
			Burst:         40,
		},
		ProofService: ProofService{
			URL:     "http://localhost:9800",
			Timeout: Duration{10 * time.Second},
		},
		Chain: Chain{
			Store:       "postgres",
			ProposalTTL: Duration{time.Hour},
		},
		Log: Log{Level: "info", Format: "text"},
	}
}

// AppEnv is the runtime environment name.
func AppEnv() string {
	if v := strings.TrimSpace(os.Getenv(EnvName)); v != "" {
		return v
	}
	return DefaultEnv
}

// Load reads dir/main.toml, then dir/<AppEnv()>.toml, then KV__ variables
// from the process environment. Missing files are skipped.
func Load(dir string) (*Config, error) {
	return LoadFrom(dir, AppEnv())
}

// LoadFrom is Load with an explicit environment name.
func LoadFrom(dir, env string) (*Config, error) {
	v, err := newViper()
	if err != nil {
		return nil, err
	}
	for _, name := range []string{"main.toml", env + ".toml"} {
		if err := mergeFile(v, filepath.Join(dir, name)); err != nil {
			return nil, err
		}
	}
	cfg := &Config{}
	err = v.Unmarshal(cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
	)))
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newViper seeds a viper instance with Default() so every key is known to
// AutomaticEnv, and maps db.port to KV__DB__PORT.
func newViper() (*viper.Viper, error) {
	seed, err := toml.Marshal(Default())
	if err != nil {
		return nil, err
	}
	v := viper.New()
	v.SetConfigType("toml")
	if err := v.ReadConfig(bytes.NewReader(seed)); err != nil {
		return nil, err
	}
	// viper joins prefix and key with "_", so the prefix carries the other one.
	v.SetEnvPrefix(EnvPrefix + "_")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", envSep))
	v.AutomaticEnv()
	return v, nil
}

func mergeFile(v *viper.Viper, path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.MergeInConfig(); err != nil {
		return fmt.Errorf("config %s: %w", path, err)
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.ProofService.URL) == "" {
		errs = append(errs, errors.New("proof_service.url is required"))
	} else if u, err := url.Parse(c.ProofService.URL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("proof_service.url %q is not an absolute URL", c.ProofService.URL))
	}
	if c.ProofService.Timeout.Duration <= 0 {
		errs = append(errs, errors.New("proof_service.timeout must be positive"))
	}
	switch c.Chain.Store {
	case "postgres":
		if c.DB.Host == "" || c.DB.DB == "" {
			errs = append(errs, errors.New("db.host and db.db are required for the postgres store"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("chain.store %q: want postgres or memory", c.Chain.Store))
	}
	if c.Chain.ProposalTTL.Duration <= 0 {
		errs = append(errs, errors.New("chain.proposal_ttl must be positive"))
	}
	if c.Web.Port == 0 {
		errs = append(errs, errors.New("web.port is required"))
	}
	return errors.Join(errs...)
}

// DatabaseURL renders the Postgres connection string.
func (c *Config) DatabaseURL() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.DB.Username, c.DB.Password),
		Host:   fmt.Sprintf("%s:%d", c.DB.Host, c.DB.Port),
		Path:   "/" + c.DB.DB,
	}
	return u.String()
}

// ListenAddr is the host:port the HTTP server binds.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Web.Listen, c.Web.Port)
}
