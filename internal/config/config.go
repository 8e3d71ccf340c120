package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds everything the faxbridge process needs.
// Values come from the environment (optionally seeded from a .env file).
// No business logic should read raw environment variables.
type Config struct {
	App     AppConfig
	DB      DBConfig    `envPrefix:"DB_"`
	Redis   RedisConfig `envPrefix:"REDIS_"`
	Spool   SpoolConfig
	Convert ConvertConfig
	Loop    LoopConfig
	Ops     OpsConfig
	Auth    AuthConfig
}

type AppConfig struct {
	Env string `env:"APP_ENV" envDefault:"local"`

	// ServerName selects which jobs this instance owns. Defaults to the hostname.
	ServerName string `env:"SERVER_NAME"`

	// HostFilter, when set, makes the loop idle unless the hostname contains it.
	HostFilter string `env:"HOST_FILTER"`
}

type DBConfig struct {
	Host     string `env:"HOST"`
	Port     int    `env:"PORT" envDefault:"5432"`
	User     string `env:"USER"`
	Password string `env:"PASSWORD"`
	Name     string `env:"NAME"`

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string `env:"SSLMODE"`

	MaxOpenConns int `env:"MAX_OPEN_CONNS" envDefault:"10"`
}

// RedisConfig is optional. Without an address converter slots are limited in-process only.
type RedisConfig struct {
	Addr     string `env:"ADDR"`
	Password string `env:"PASSWORD"`
}

type SpoolConfig struct {
	// DialerOutgoingDir is the dialer's watch directory for call files.
	DialerOutgoingDir string `env:"DIALER_OUTGOING_DIR" envDefault:"/var/spool/asterisk/outgoing"`
	FaxOutDir         string `env:"FAX_OUT_DIR" envDefault:"/var/spool/asterisk/fax/out"`
	FaxInDir          string `env:"FAX_IN_DIR" envDefault:"/var/spool/asterisk/fax/in"`
	QuarantineDir     string `env:"FAX_QUARANTINE_DIR" envDefault:"/var/spool/asterisk/fax/bad"`

	// Ownership applied to call files before handoff. -1 leaves it unchanged.
	DialerUID int `env:"DIALER_UID" envDefault:"-1"`
	DialerGID int `env:"DIALER_GID" envDefault:"-1"`
}

type ConvertConfig struct {
	// Argument templates. {input} and {output} are substituted per argument.
	PDFToTIFF string `env:"PDF_TO_TIFF_CMD" envDefault:"gs -q -dNOPAUSE -dBATCH -sDEVICE=tiffg4 -sPAPERSIZE=letter -sOutputFile={output} {input}"`
	TIFFToPDF string `env:"TIFF_TO_PDF_CMD" envDefault:"tiff2pdf -o {output} {input}"`

	Timeout     time.Duration `env:"CONVERT_TIMEOUT" envDefault:"2m"`
	MaxParallel int           `env:"CONVERT_MAX_PARALLEL" envDefault:"4"`
}

type LoopConfig struct {
	PollInterval      time.Duration `env:"POLL_INTERVAL" envDefault:"10s"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"10s"`
	MaxConcurrentJobs int           `env:"MAX_CONCURRENT_JOBS" envDefault:"8"`

	// StaleClaimAfter is how long a job may sit in processing before requeue may take it back.
	StaleClaimAfter time.Duration `env:"STALE_CLAIM_AFTER" envDefault:"15m"`
}

type OpsConfig struct {
	// Port of the ops HTTP server. 0 disables it.
	Port int `env:"OPS_PORT" envDefault:"8089"`
}

type AuthConfig struct {
	JWTSecret      string        `env:"JWT_SECRET"`
	JWTIssuer      string        `env:"JWT_ISSUER" envDefault:"faxbridge"`
	JWTAudience    string        `env:"JWT_AUDIENCE"`
	AccessTokenTTL time.Duration `env:"JWT_ACCESS_TTL" envDefault:"15m"`
}

// Load reads .env (if present) and the environment, then validates.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return Config{}, fmt.Errorf("load .env file: %w", err)
		}
	}

	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if strings.TrimSpace(c.App.ServerName) == "" {
		host, err := os.Hostname()
		if err != nil {
			return Config{}, fmt.Errorf("resolve hostname: %w", err)
		}
		c.App.ServerName = host
	}

	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate reports every problem at once and fills in env-dependent defaults.
func (c *Config) Validate() error {
	var errs []error

	if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if strings.TrimSpace(c.App.ServerName) == "" {
		errs = append(errs, errors.New("SERVER_NAME is required"))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	dirs := []struct{ key, val string }{
		{"DIALER_OUTGOING_DIR", c.Spool.DialerOutgoingDir},
		{"FAX_OUT_DIR", c.Spool.FaxOutDir},
		{"FAX_IN_DIR", c.Spool.FaxInDir},
		{"FAX_QUARANTINE_DIR", c.Spool.QuarantineDir},
	}
	for _, d := range dirs {
		if d.val == "" || !filepath.IsAbs(d.val) {
			errs = append(errs, fmt.Errorf("%s must be an absolute path, got %q", d.key, d.val))
		}
	}
	if c.Spool.DialerUID < -1 || c.Spool.DialerGID < -1 {
		errs = append(errs, errors.New("DIALER_UID and DIALER_GID must be >= -1"))
	}

	templates := []struct{ key, val string }{
		{"PDF_TO_TIFF_CMD", c.Convert.PDFToTIFF},
		{"TIFF_TO_PDF_CMD", c.Convert.TIFFToPDF},
	}
	for _, tpl := range templates {
		if !strings.Contains(tpl.val, "{input}") || !strings.Contains(tpl.val, "{output}") {
			errs = append(errs, fmt.Errorf("%s must reference {input} and {output}", tpl.key))
		}
	}
	if c.Convert.Timeout <= 0 {
		errs = append(errs, errors.New("CONVERT_TIMEOUT must be > 0"))
	}
	if c.Convert.MaxParallel <= 0 {
		errs = append(errs, errors.New("CONVERT_MAX_PARALLEL must be > 0"))
	}

	if c.Loop.PollInterval <= 0 {
		errs = append(errs, errors.New("POLL_INTERVAL must be > 0"))
	}
	if c.Loop.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("HEARTBEAT_INTERVAL must be > 0"))
	}
	if c.Loop.MaxConcurrentJobs <= 0 {
		errs = append(errs, errors.New("MAX_CONCURRENT_JOBS must be > 0"))
	}
	if c.Loop.StaleClaimAfter <= 2*c.Convert.Timeout {
		errs = append(errs, fmt.Errorf("STALE_CLAIM_AFTER must exceed twice CONVERT_TIMEOUT (%s), got %s", c.Convert.Timeout, c.Loop.StaleClaimAfter))
	}

	if c.Ops.Port < 0 || c.Ops.Port > 65535 {
		errs = append(errs, fmt.Errorf("OPS_PORT must be a valid port or 0, got %d", c.Ops.Port))
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.IsProduction() && c.Ops.Port > 0 && c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required in production when OPS_PORT is set"))
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) OpsAddr() string {
	return fmt.Sprintf(":%d", c.Ops.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
