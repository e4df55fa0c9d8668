package app

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/spf13/pflag"

	api "murmur/cmd/internal/auth/api"
	"murmur/cmd/internal/auth/federated"
	"murmur/cmd/internal/auth/session"
	"murmur/cmd/internal/auth/throttle"
	"murmur/cmd/internal/realtime"
)

// Store backends accepted by MURMUR_STORE.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreMongo    = "mongo"
)

// Config is the server runtime configuration.
//
// Values come from an optional YAML file (--config or MURMUR_CONFIG) and the
// environment; environment variables win over the file.
type Config struct {
	HTTPAddr          string        `yaml:"http_addr" env:"MURMUR_HTTP_ADDR" env-default:"0.0.0.0:8080"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" env:"MURMUR_HTTP_READ_HEADER_TIMEOUT" env-default:"5s"`
	ReadTimeout       time.Duration `yaml:"read_timeout" env:"MURMUR_HTTP_READ_TIMEOUT" env-default:"15s"`
	WriteTimeout      time.Duration `yaml:"write_timeout" env:"MURMUR_HTTP_WRITE_TIMEOUT" env-default:"15s"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" env:"MURMUR_HTTP_IDLE_TIMEOUT" env-default:"60s"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" env:"MURMUR_HTTP_SHUTDOWN_TIMEOUT" env-default:"10s"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes" env:"MURMUR_HTTP_MAX_HEADER_BYTES" env-default:"1048576"`

	LogLevel  string `yaml:"log_level" env:"MURMUR_LOG_LEVEL" env-default:"info"`
	LogFormat string `yaml:"log_format" env:"MURMUR_LOG_FORMAT" env-default:"json"`

	// Store is memory, postgres or mongo. Empty picks postgres when
	// DatabaseURL is set, mongo when MongoURI is set, memory otherwise.
	Store              string `yaml:"store" env:"MURMUR_STORE"`
	DatabaseURL        string `yaml:"database_url" env:"MURMUR_DATABASE_URL"`
	DBMaxConns         int32  `yaml:"db_max_conns" env:"MURMUR_DB_MAX_CONNS" env-default:"10"`
	DBMinConns         int32  `yaml:"db_min_conns" env:"MURMUR_DB_MIN_CONNS" env-default:"0"`
	DBMigrate          bool   `yaml:"db_migrate" env:"MURMUR_DB_MIGRATE" env-default:"true"`
	MongoURI           string `yaml:"mongo_uri" env:"MURMUR_MONGO_URI"`
	MongoDatabase      string `yaml:"mongo_database" env:"MURMUR_MONGO_DATABASE" env-default:"murmur"`
	ReadinessRequireDB bool   `yaml:"readiness_require_db" env:"MURMUR_READINESS_REQUIRE_DB" env-default:"false"`

	RedisAddr     string `yaml:"redis_addr" env:"MURMUR_REDIS_ADDR"`
	RedisPassword string `yaml:"redis_password" env:"MURMUR_REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db" env:"MURMUR_REDIS_DB" env-default:"0"`

	SessionSecret    string        `yaml:"session_secret" env:"MURMUR_SESSION_SECRET"`
	AccessTTL        time.Duration `yaml:"access_ttl" env:"MURMUR_ACCESS_TTL" env-default:"15m"`
	RefreshTTL       time.Duration `yaml:"refresh_ttl" env:"MURMUR_REFRESH_TTL" env-default:"168h"`
	MaxCASAttempts   int           `yaml:"max_cas_attempts" env:"MURMUR_MAX_CAS_ATTEMPTS" env-default:"8"`
	TokenHMACKey     string        `yaml:"token_hmac_key" env:"MURMUR_TOKEN_HMAC_KEY"`
	RequireTokenHMAC bool          `yaml:"require_token_hmac" env:"MURMUR_REQUIRE_TOKEN_HMAC" env-default:"false"`

	LoginIdentifierMax int           `yaml:"login_identifier_max" env:"MURMUR_LOGIN_IDENTIFIER_MAX" env-default:"5"`
	LoginIPMax         int           `yaml:"login_ip_max" env:"MURMUR_LOGIN_IP_MAX" env-default:"50"`
	LoginWindow        time.Duration `yaml:"login_window" env:"MURMUR_LOGIN_WINDOW" env-default:"15m"`

	TrustProxy     bool   `yaml:"trust_proxy" env:"MURMUR_TRUST_PROXY" env-default:"false"`
	CookieDomain   string `yaml:"cookie_domain" env:"MURMUR_COOKIE_DOMAIN"`
	CookieSecure   bool   `yaml:"cookie_secure" env:"MURMUR_COOKIE_SECURE" env-default:"true"`
	CookieSameSite string `yaml:"cookie_samesite" env:"MURMUR_COOKIE_SAMESITE" env-default:"lax"`

	GoogleClientID     string `yaml:"google_client_id" env:"MURMUR_GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `yaml:"google_client_secret" env:"MURMUR_GOOGLE_CLIENT_SECRET"`
	GoogleRedirectURL  string `yaml:"google_redirect_url" env:"MURMUR_GOOGLE_REDIRECT_URL"`

	CORSAllowedOrigins   []string `yaml:"cors_allowed_origins" env:"MURMUR_CORS_ALLOWED_ORIGINS" env-separator:","`
	CORSAllowCredentials bool     `yaml:"cors_allow_credentials" env:"MURMUR_CORS_ALLOW_CREDENTIALS" env-default:"false"`
	CORSMaxAgeSeconds    int      `yaml:"cors_max_age_seconds" env:"MURMUR_CORS_MAX_AGE_SECONDS" env-default:"600"`

	WSOriginRequired bool     `yaml:"ws_origin_required" env:"MURMUR_WS_ORIGIN_REQUIRED" env-default:"true"`
	WSAllowedOrigins []string `yaml:"ws_allowed_origins" env:"MURMUR_WS_ALLOWED_ORIGINS" env-separator:"," env-default:"http://localhost,http://127.0.0.1"`
	WSDevInsecure    bool     `yaml:"ws_dev_insecure" env:"MURMUR_WS_DEV_INSECURE" env-default:"false"`
}

// LoadConfig reads configuration from args, an optional YAML file, and the
// environment, then validates it.
func LoadConfig(args []string) (Config, error) {
	fs := pflag.NewFlagSet("murmur", pflag.ContinueOnError)
	path := fs.StringP("config", "c", os.Getenv("MURMUR_CONFIG"), "path to a YAML config file")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	var cfg Config
	if p := strings.TrimSpace(*path); p != "" {
		if err := cleanenv.ReadConfig(p, &cfg); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", p, err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return Config{}, fmt.Errorf("read env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// StoreBackend resolves the configured backend.
func (c Config) StoreBackend() string {
	switch s := strings.ToLower(strings.TrimSpace(c.Store)); {
	case s != "":
		return s
	case c.DatabaseURL != "":
		return StorePostgres
	case c.MongoURI != "":
		return StoreMongo
	default:
		return StoreMemory
	}
}

// Validate checks cross-field constraints that cleanenv cannot express.
func (c Config) Validate() error {
	var errs []error

	switch c.StoreBackend() {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("MURMUR_DATABASE_URL is required for the postgres store"))
		}
	case StoreMongo:
		if c.MongoURI == "" {
			errs = append(errs, errors.New("MURMUR_MONGO_URI is required for the mongo store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store %q", c.Store))
	}

	switch strings.ToLower(c.LogFormat) {
	case "", "json", "pretty":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}

	if err := c.Session().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.DBMinConns > c.DBMaxConns && c.DBMaxConns > 0 {
		errs = append(errs, errors.New("db min conns exceeds max conns"))
	}
	return errors.Join(errs...)
}

// Session returns the session service configuration.
func (c Config) Session() session.Config {
	return session.Config{
		Secret:         c.SessionSecret,
		AccessTTL:      c.AccessTTL,
		RefreshTTL:     c.RefreshTTL,
		MaxCASAttempts: c.MaxCASAttempts,
	}
}

// Auth returns the REST handler configuration.
func (c Config) Auth() api.Config {
	cfg := api.DefaultConfig()
	cfg.TrustProxy = c.TrustProxy
	cfg.CookieDomain = c.CookieDomain
	cfg.CookieSecure = c.CookieSecure
	cfg.CookieSameSite = api.ParseSameSite(c.CookieSameSite)
	return cfg.Normalized()
}

// Throttle returns the login throttle configuration.
func (c Config) Throttle() throttle.Config {
	return throttle.Config{
		IdentifierMax: c.LoginIdentifierMax,
		IPMax:         c.LoginIPMax,
		Window:        c.LoginWindow,
	}
}

// Google returns the federated provider configuration.
func (c Config) Google() federated.GoogleConfig {
	return federated.GoogleConfig{
		ClientID:     c.GoogleClientID,
		ClientSecret: c.GoogleClientSecret,
		RedirectURL:  c.GoogleRedirectURL,
	}
}

// Gateway returns the realtime gateway configuration.
func (c Config) Gateway() realtime.GatewayConfig {
	cfg := realtime.DefaultGatewayConfig()
	cfg.OriginRequired = c.WSOriginRequired
	cfg.DevInsecure = c.WSDevInsecure
	if len(c.WSAllowedOrigins) > 0 {
		cfg.AllowedOrigins = c.WSAllowedOrigins
	}
	return cfg
}
