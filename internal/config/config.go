package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"Server"`
	Database DatabaseConfig `mapstructure:"Database"`
	Google   GoogleConfig   `mapstructure:"Google"`
	Security SecurityConfig `mapstructure:"Security"`
	Redis    RedisConfig    `mapstructure:"Redis"`
	S3       S3Config       `mapstructure:"S3"`
	Sweep    SweepConfig    `mapstructure:"Sweep"`
}

type ServerConfig struct {
	Port           string   `mapstructure:"Port"`
	GRPCPort       string   `mapstructure:"GRPCPort"`
	BaseURL        string   `mapstructure:"BaseURL"`
	Mode           string   `mapstructure:"Mode"`
	CookieSecure   bool     `mapstructure:"CookieSecure"`
	AllowedOrigins []string `mapstructure:"AllowedOrigins"`
}

type DatabaseConfig struct {
	Host           string `mapstructure:"Host"`
	Port           string `mapstructure:"Port"`
	User           string `mapstructure:"User"`
	Password       string `mapstructure:"Password"`
	Name           string `mapstructure:"Name"`
	SSLMode        string `mapstructure:"SSLMode"`
	MigrationsPath string `mapstructure:"MigrationsPath"`
}

type GoogleConfig struct {
	ClientID     string `mapstructure:"ClientID"`
	ClientSecret string `mapstructure:"ClientSecret"`
	RedirectURL  string `mapstructure:"RedirectURL"`
}

type SecurityConfig struct {
	// TokenEncryptionKey is a base64 encoded 32 byte key for refresh tokens at rest.
	TokenEncryptionKey string        `mapstructure:"TokenEncryptionKey"`
	IngestToken        string        `mapstructure:"IngestToken"`
	SessionMaxAge      time.Duration `mapstructure:"SessionMaxAge"`
	SessionUpdateAge   time.Duration `mapstructure:"SessionUpdateAge"`
	StateTTL           time.Duration `mapstructure:"StateTTL"`
}

// RedisConfig is optional. An empty Addr keeps OAuth state in process memory.
type RedisConfig struct {
	Addr     string `mapstructure:"Addr"`
	Password string `mapstructure:"Password"`
	DB       int    `mapstructure:"DB"`
}

// S3Config is optional. An empty Bucket disables transcript archiving.
type S3Config struct {
	Endpoint        string `mapstructure:"Endpoint"`
	Region          string `mapstructure:"Region"`
	Bucket          string `mapstructure:"Bucket"`
	AccessKeyID     string `mapstructure:"AccessKeyID"`
	SecretAccessKey string `mapstructure:"SecretAccessKey"`
	Prefix          string `mapstructure:"Prefix"`
}

type SweepConfig struct {
	Interval          time.Duration `mapstructure:"Interval"`
	OrphanGracePeriod time.Duration `mapstructure:"OrphanGracePeriod"`
	ArchiveBatchSize  int           `mapstructure:"ArchiveBatchSize"`
}

var envBindings = map[string]string{
	"Server.Port":                 "HTTP_PORT",
	"Server.GRPCPort":             "GRPC_PORT",
	"Server.BaseURL":              "BASE_URL",
	"Server.Mode":                 "APP_ENV",
	"Server.CookieSecure":         "COOKIE_SECURE",
	"Server.AllowedOrigins":       "ALLOWED_ORIGINS",
	"Database.Host":               "DATABASE_HOST",
	"Database.Port":               "DATABASE_PORT",
	"Database.User":               "DATABASE_USER",
	"Database.Password":           "DATABASE_PASSWORD",
	"Database.Name":               "DATABASE_NAME",
	"Database.SSLMode":            "DATABASE_SSLMODE",
	"Database.MigrationsPath":     "DATABASE_MIGRATIONS_PATH",
	"Google.ClientID":             "GOOGLE_CLIENT_ID",
	"Google.ClientSecret":         "GOOGLE_CLIENT_SECRET",
	"Google.RedirectURL":          "GOOGLE_REDIRECT_URL",
	"Security.TokenEncryptionKey": "TOKEN_ENCRYPTION_KEY",
	"Security.IngestToken":        "INGEST_TOKEN",
	"Security.SessionMaxAge":      "SESSION_MAX_AGE",
	"Security.SessionUpdateAge":   "SESSION_UPDATE_AGE",
	"Security.StateTTL":           "OAUTH_STATE_TTL",
	"Redis.Addr":                  "REDIS_ADDR",
	"Redis.Password":              "REDIS_PASSWORD",
	"Redis.DB":                    "REDIS_DB",
	"S3.Endpoint":                 "S3_ENDPOINT",
	"S3.Region":                   "S3_REGION",
	"S3.Bucket":                   "S3_BUCKET",
	"S3.AccessKeyID":              "S3_ACCESS_KEY_ID",
	"S3.SecretAccessKey":          "S3_SECRET_ACCESS_KEY",
	"S3.Prefix":                   "S3_PREFIX",
	"Sweep.Interval":              "SWEEP_INTERVAL",
	"Sweep.OrphanGracePeriod":     "ORPHAN_GRACE_PERIOD",
	"Sweep.ArchiveBatchSize":      "ARCHIVE_BATCH_SIZE",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("Server.Port", "3000")
	v.SetDefault("Server.GRPCPort", "50051")
	v.SetDefault("Server.BaseURL", "http://localhost:3000")
	v.SetDefault("Server.Mode", "development")
	v.SetDefault("Server.AllowedOrigins", []string{"http://localhost:3000"})
	v.SetDefault("Database.SSLMode", "disable")
	v.SetDefault("Database.MigrationsPath", "migrations")
	v.SetDefault("Security.SessionMaxAge", 30*24*time.Hour)
	v.SetDefault("Security.SessionUpdateAge", 24*time.Hour)
	v.SetDefault("Security.StateTTL", 10*time.Minute)
	v.SetDefault("S3.Region", "us-east-1")
	v.SetDefault("S3.Prefix", "transcripts")
	v.SetDefault("Sweep.Interval", time.Hour)
	v.SetDefault("Sweep.OrphanGracePeriod", time.Hour)
	v.SetDefault("Sweep.ArchiveBatchSize", 20)
}

// NewConfig reads the config file at path and overlays environment variables.
// A missing file is not an error: the environment alone may be enough.
func NewConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	setDefaults(v)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind env %s: %w", env, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: using only environment variables: %v\n", err)
	} else {
		// Flat KEY=VALUE files land under their env names; map them onto the nested keys.
		for key, env := range envBindings {
			if os.Getenv(env) == "" && v.InConfig(env) {
				v.Set(key, v.Get(env))
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Google.RedirectURL == "" {
		cfg.Google.RedirectURL = cfg.Server.BaseURL + "/auth/google/callback"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Database.Host == "" ||
		c.Database.Port == "" ||
		c.Database.User == "" ||
		c.Database.Password == "" ||
		c.Database.Name == "" {
		return fmt.Errorf("database configuration is incomplete: host=%s, port=%s, user=%s, name=%s",
			c.Database.Host, c.Database.Port, c.Database.User, c.Database.Name)
	}
	if c.Google.ClientID == "" || c.Google.ClientSecret == "" {
		return fmt.Errorf("google oauth client id and secret are required")
	}
	if c.Security.TokenEncryptionKey == "" {
		return fmt.Errorf("token encryption key is required")
	}
	if c.Security.SessionMaxAge <= 0 {
		return fmt.Errorf("session max age must be positive")
	}
	if c.Sweep.Interval <= 0 {
		return fmt.Errorf("sweep interval must be positive")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Server.Mode == "production" || c.Server.Mode == "prod"
}

func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host,
		c.Port,
		c.User,
		c.Password,
		c.Name,
		c.SSLMode,
	)
}

// GetURL is the URL form golang-migrate expects. Credentials are escaped.
func (c *DatabaseConfig) GetURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     net.JoinHostPort(c.Host, c.Port),
		Path:     "/" + c.Name,
		RawQuery: url.Values{"sslmode": {c.SSLMode}}.Encode(),
	}
	return u.String()
}
