// Package config loads the process configuration.
//
// Sources are layered, later ones winning:
//
//	compiled defaults → YAML file (--config) → environment → command-line flags
//
// The result is one immutable Config passed into constructors at start-up.
// Nothing else in the module reads environment variables.
package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"
	"golang.org/x/crypto/bcrypt"

	"github.com/sakif/repotrack/internal/github"
)

// EnvPrefix marks generic overrides: REPOTRACK_HTTP_READTIMEOUT=30s sets
// http.readTimeout.
const EnvPrefix = "REPOTRACK_"

// MinSecretLength mirrors auth.MinSecretLength so a bad secret fails at
// load time with a config error instead of later at wiring.
const MinSecretLength = 16

// Config is the full process configuration.
type Config struct {
	HTTP    HTTPConfig    `koanf:"http"`
	Store   StoreConfig   `koanf:"store"`
	Auth    AuthConfig    `koanf:"auth"`
	GitHub  GitHubConfig  `koanf:"github"`
	Log     LogConfig     `koanf:"log"`
	Metrics MetricsConfig `koanf:"metrics"`
}

type HTTPConfig struct {
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"readTimeout"`
	WriteTimeout    time.Duration `koanf:"writeTimeout"`
	IdleTimeout     time.Duration `koanf:"idleTimeout"`
	ShutdownTimeout time.Duration `koanf:"shutdownTimeout"`
	// CORSOrigins lists the origins browsers may call from; "*" allows
	// any. Empty turns CORS handling off.
	CORSOrigins []string `koanf:"corsOrigins"`
}

type StoreConfig struct {
	// DSN selects the backend: postgres://… or sqlite://path (sqlite:path
	// and a bare path also work).
	DSN string `koanf:"dsn"`
}

type AuthConfig struct {
	JWTSecret  string `koanf:"jwtSecret"`
	BcryptCost int    `koanf:"bcryptCost"`
	// HashWorkers sizes the bcrypt pool; 0 means one per CPU.
	HashWorkers int `koanf:"hashWorkers"`
	// PublicAccountList serves GET /api/users/all-users without a token.
	PublicAccountList bool `koanf:"publicAccountList"`
}

type GitHubConfig struct {
	BaseURL        string        `koanf:"baseURL"`
	Token          string        `koanf:"token"`
	Timeout        time.Duration `koanf:"timeout"`
	MaxConcurrency int           `koanf:"maxConcurrency"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type MetricsConfig struct {
	Enabled bool `koanf:"enabled"`
}

// defaults are keyed by koanf path. Every known key appears here, which is
// also what lets unchanged flags leave file and env values alone.
func defaults() map[string]any {
	return map[string]any{
		"http.port":              5000,
		"http.readTimeout":       "15s",
		"http.writeTimeout":      "15s",
		"http.idleTimeout":       "60s",
		"http.shutdownTimeout":   "10s",
		"http.corsOrigins":       []string{"*"},
		"store.dsn":              "sqlite://data/repotrack.db",
		"auth.jwtSecret":         "",
		"auth.bcryptCost":        bcrypt.DefaultCost,
		"auth.hashWorkers":       0,
		"auth.publicAccountList": false,
		"github.baseURL":         github.DefaultBaseURL,
		"github.token":           "",
		"github.timeout":         "10s",
		"github.maxConcurrency":  4,
		"log.level":              "info",
		"log.format":             "text",
		"metrics.enabled":        true,
	}
}

// envAliases are the short variable names deployments already use.
var envAliases = map[string]string{
	"PORT":         "http.port",
	"JWT_SECRET":   "auth.jwtSecret",
	"DATABASE_URL": "store.dsn",
	"GITHUB_TOKEN": "github.token",
	"GIT_SECRET":   "github.token",
	"LOG_LEVEL":    "log.level",
	"LOG_FORMAT":   "log.format",
	"BCRYPT_COST":  "auth.bcryptCost",
	"HASH_WORKERS": "auth.hashWorkers",
	"CORS_ORIGINS": "http.corsOrigins",
}

// flagKeys maps the flags registered by RegisterFlags to koanf paths.
var flagKeys = map[string]string{
	"port":                "http.port",
	"cors-origin":         "http.corsOrigins",
	"dsn":                 "store.dsn",
	"log-level":           "log.level",
	"log-format":          "log.format",
	"bcrypt-cost":         "auth.bcryptCost",
	"hash-workers":        "auth.hashWorkers",
	"public-account-list": "auth.publicAccountList",
	"github-base-url":     "github.baseURL",
	"metrics":             "metrics.enabled",
}

// Default returns the compiled defaults. JWTSecret is empty, so a Default()
// config does not pass Validate on its own.
func Default() Config {
	cfg, err := load(koanf.New("."))
	if err != nil {
		// defaults() is static; a decode failure here is a programming error.
		panic(err)
	}
	return *cfg
}

// RegisterFlags adds the overridable settings to fs. The jwt secret has no
// flag; set it through JWT_SECRET or the config file.
func RegisterFlags(fs *pflag.FlagSet) {
	d := defaults()
	fs.Int("port", d["http.port"].(int), "HTTP listen port")
	fs.StringSlice("cors-origin", d["http.corsOrigins"].([]string), "allowed CORS origin, repeatable (\"*\" for any)")
	fs.String("dsn", d["store.dsn"].(string), "store DSN (postgres://… or sqlite://path)")
	fs.String("log-level", d["log.level"].(string), "log level: debug, info, warn, error")
	fs.String("log-format", d["log.format"].(string), "log format: text or json")
	fs.Int("bcrypt-cost", d["auth.bcryptCost"].(int), "bcrypt cost for new password hashes")
	fs.Int("hash-workers", d["auth.hashWorkers"].(int), "password hashing workers (0 = one per CPU)")
	fs.Bool("public-account-list", d["auth.publicAccountList"].(bool), "serve the account list without a token")
	fs.String("github-base-url", d["github.baseURL"].(string), "GitHub REST API base URL")
	fs.Bool("metrics", d["metrics.enabled"].(bool), "expose /metrics")
}

// Load builds the configuration from every source and validates it.
// configFile may be empty; flags may be nil.
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	cfg, err := Read(configFile, flags)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read is Load without Validate, for commands that need only part of the
// configuration (migrate needs the DSN, not the jwt secret).
func Read(configFile string, flags *pflag.FlagSet) (*Config, error) {
	ko := koanf.New(".")

	if configFile != "" {
		if err := ko.Load(file.Provider(configFile), yaml.Parser()); err != nil {
			return nil, oops.In("config").With("file", configFile).Wrapf(err, "reading config file")
		}
	}

	known := make(map[string]string)
	for key := range defaults() {
		known[strings.ToLower(key)] = key
	}

	preferGitHubToken := os.Getenv("GITHUB_TOKEN") != ""
	if err := ko.Load(env.Provider(".", env.Opt{
		TransformFunc: func(k, v string) (string, any) {
			if v == "" || (k == "GIT_SECRET" && preferGitHubToken) {
				return "", nil
			}
			if key, ok := envAliases[k]; ok {
				return key, v
			}
			if rest, ok := strings.CutPrefix(k, EnvPrefix); ok {
				path := strings.ToLower(strings.ReplaceAll(rest, "_", "."))
				if key, ok := known[path]; ok {
					return key, v
				}
			}
			// Everything else in the environment is not ours.
			return "", nil
		},
	}), nil); err != nil {
		return nil, oops.In("config").Wrapf(err, "reading environment")
	}

	cfg, err := load(ko)
	if err != nil {
		return nil, err
	}

	if flags != nil {
		// Defaults are merged into ko by load, so unchanged flags are skipped
		// and never override a file or env value.
		if err := ko.Load(posflag.ProviderWithFlag(flags, ".", ko, func(f *pflag.Flag) (string, any) {
			key, ok := flagKeys[f.Name]
			if !ok {
				return "", nil
			}
			return key, posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return nil, oops.In("config").Wrapf(err, "reading flags")
		}
		if cfg, err = load(ko); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// load fills in missing keys from defaults() and decodes ko into a Config.
func load(ko *koanf.Koanf) (*Config, error) {
	for key, val := range defaults() {
		if !ko.Exists(key) {
			if err := ko.Set(key, val); err != nil {
				return nil, oops.In("config").With("key", key).Wrapf(err, "setting default")
			}
		}
	}

	cfg := new(Config)
	if err := ko.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			Result:           cfg,
			TagName:          "koanf",
			WeaklyTypedInput: true,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
			MatchName: func(mapKey, fieldName string) bool {
				return strings.EqualFold(mapKey, fieldName)
			},
		},
	}); err != nil {
		return nil, oops.In("config").Wrapf(err, "decoding config")
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	bad := func(key, format string, args ...any) {
		errs = append(errs, oops.In("config").Code("CONFIG_INVALID").With("key", key).Errorf(format, args...))
	}

	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		bad("http.port", "http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	for key, d := range map[string]time.Duration{
		"http.readTimeout":     c.HTTP.ReadTimeout,
		"http.writeTimeout":    c.HTTP.WriteTimeout,
		"http.idleTimeout":     c.HTTP.IdleTimeout,
		"http.shutdownTimeout": c.HTTP.ShutdownTimeout,
		"github.timeout":       c.GitHub.Timeout,
	} {
		if d <= 0 {
			bad(key, "%s must be positive, got %s", key, d)
		}
	}
	if strings.TrimSpace(c.Store.DSN) == "" {
		bad("store.dsn", "store.dsn is required (set DATABASE_URL)")
	}
	if len(c.Auth.JWTSecret) < MinSecretLength {
		bad("auth.jwtSecret", "auth.jwtSecret must be at least %d bytes (set JWT_SECRET)", MinSecretLength)
	}
	if c.Auth.BcryptCost < bcrypt.MinCost || c.Auth.BcryptCost > bcrypt.MaxCost {
		bad("auth.bcryptCost", "auth.bcryptCost must be between %d and %d, got %d", bcrypt.MinCost, bcrypt.MaxCost, c.Auth.BcryptCost)
	}
	if c.Auth.HashWorkers < 0 {
		bad("auth.hashWorkers", "auth.hashWorkers must not be negative, got %d", c.Auth.HashWorkers)
	}
	if c.GitHub.BaseURL == "" {
		bad("github.baseURL", "github.baseURL is required")
	}
	if c.GitHub.MaxConcurrency < 1 {
		bad("github.maxConcurrency", "github.maxConcurrency must be at least 1, got %d", c.GitHub.MaxConcurrency)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		bad("log.format", "log.format must be text or json, got %q", c.Log.Format)
	}

	return errors.Join(errs...)
}
