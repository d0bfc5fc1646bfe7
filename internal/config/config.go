// Package config holds the settings of the upload server: defaults, an
// optional JSON file and command-line flags, in that order of precedence.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
)

const (
	StoreLocal    = "local"
	StorePostgres = "postgres"
)

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
}

// Config holds the runtime settings of the upload server.
type Config struct {
	// Addr is the bind address of the upload API
	Addr string `json:"addr" validate:"required"`
	// MetricsAddr is the bind address of the /metrics endpoint, empty disables it
	MetricsAddr string `json:"metrics_addr"`

	// DataDir holds the backing files, and the client states when Store is local
	DataDir     string `json:"data_dir" validate:"required"`
	Store       string `json:"store" validate:"oneof=local postgres"`
	DatabaseDSN string `json:"database_dsn" validate:"required_if=Store postgres"`

	MasterRateKBps  int64 `json:"master_rate_kbps" validate:"gt=0"`
	ClientRateKBps  int64 `json:"client_rate_kbps" validate:"gt=0"`
	MinimumRateKBps int64 `json:"minimum_rate_kbps" validate:"gt=0"`
	MaxFileSize     int64 `json:"max_file_size" validate:"gt=0"`
	SliceSize       int64 `json:"slice_size" validate:"gt=0"`

	CookieName   string   `json:"cookie_name" validate:"required"`
	CookieSecret string   `json:"cookie_secret" validate:"required,min=16"`
	CookieMaxAge Duration `json:"cookie_max_age" validate:"gt=0"`

	// RequestTimeout is the read deadline of chunk requests
	RequestTimeout Duration `json:"request_timeout" validate:"gt=0"`

	// S3Bucket enables the export of completed uploads when set
	S3Bucket    string `json:"s3_bucket"`
	S3Prefix    string `json:"s3_prefix"`
	S3Endpoint  string `json:"s3_endpoint" validate:"required_with=S3Bucket"`
	S3Region    string `json:"s3_region" validate:"required_with=S3Bucket"`
	S3AccessKey string `json:"s3_access_key" validate:"required_with=S3Bucket"`
	S3SecretKey string `json:"s3_secret_key" validate:"required_with=S3Bucket"`
}

// NewDefault returns a Config suitable for local development. The cookie
// secret must be overridden in production.
func NewDefault() *Config {
	return &Config{
		Addr:            ":8080",
		MetricsAddr:     ":9090",
		DataDir:         "./data",
		Store:           StoreLocal,
		MasterRateKBps:  10 * 1024 * 1024,
		ClientRateKBps:  10 * 1024,
		MinimumRateKBps: 10,
		MaxFileSize:     5 << 40,
		SliceSize:       10 << 20,
		CookieName:      "fxupload_client",
		CookieSecret:    "development-cookie-secret",
		CookieMaxAge:    Duration(365 * 24 * time.Hour),
		RequestTimeout:  Duration(time.Hour),
	}
}

// AddFlags binds the fields of c to flags of fs, with their current
// values as defaults.
func (c *Config) AddFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&c.Addr, "addr", "a", c.Addr, "bind address of the upload API")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "bind address of the metrics endpoint, empty disables it")
	fs.StringVarP(&c.DataDir, "data-dir", "d", c.DataDir, "directory of the backing files")
	fs.StringVar(&c.Store, "store", c.Store, "upload state store: local or postgres")
	fs.StringVar(&c.DatabaseDSN, "database-dsn", c.DatabaseDSN, "PostgreSQL DSN of the postgres store")
	fs.Int64Var(&c.MasterRateKBps, "master-rate", c.MasterRateKBps, "server wide upload rate in KB/s")
	fs.Int64Var(&c.ClientRateKBps, "client-rate", c.ClientRateKBps, "default per client upload rate in KB/s")
	fs.Int64Var(&c.MinimumRateKBps, "minimum-rate", c.MinimumRateKBps, "lowest per upload rate override in KB/s")
	fs.Int64Var(&c.MaxFileSize, "max-file-size", c.MaxFileSize, "largest accepted declared size in bytes")
	fs.Int64Var(&c.SliceSize, "slice-size", c.SliceSize, "chunk size advertised to clients in bytes")
	fs.StringVar(&c.CookieName, "cookie-name", c.CookieName, "name of the client identity cookie")
	fs.StringVarP(&c.CookieSecret, "cookie-secret", "s", c.CookieSecret, "HMAC secret signing the client identity cookie")
	fs.DurationVar((*time.Duration)(&c.CookieMaxAge), "cookie-max-age", time.Duration(c.CookieMaxAge), "lifetime of the client identity cookie")
	fs.DurationVar((*time.Duration)(&c.RequestTimeout), "request-timeout", time.Duration(c.RequestTimeout), "read deadline of chunk requests")
	fs.StringVar(&c.S3Bucket, "s3-bucket", c.S3Bucket, "bucket completed uploads are exported to, empty disables the export")
	fs.StringVar(&c.S3Prefix, "s3-prefix", c.S3Prefix, "key prefix of exported uploads")
	fs.StringVar(&c.S3Endpoint, "s3-endpoint", c.S3Endpoint, "S3 endpoint")
	fs.StringVar(&c.S3Region, "s3-region", c.S3Region, "S3 region")
	fs.StringVar(&c.S3AccessKey, "s3-access-key", c.S3AccessKey, "S3 access key")
	fs.StringVar(&c.S3SecretKey, "s3-secret-key", c.S3SecretKey, "S3 secret key")
}

// Validate checks the values of c.
func (c *Config) Validate() error {
	return validate.Struct(c)
}

// ExportEnabled reports whether completed uploads are exported to S3.
func (c *Config) ExportEnabled() bool {
	return c.S3Bucket != ""
}

// Load builds a Config from the defaults, then the JSON file given with
// -c/--config, then the other flags of args.
func Load(args []string) (cfg *Config, err error) {
	cfg = NewDefault()
	fs := pflag.NewFlagSet("fxupload-server", pflag.ContinueOnError)
	configFile := fs.StringP("config", "c", "", "JSON configuration file")
	cfg.AddFlags(fs)
	if err = fs.Parse(args); err != nil {
		return nil, err
	}

	if *configFile != "" {
		explicit := make(map[string]string)
		fs.Visit(func(f *pflag.Flag) {
			if f.Name != "config" {
				explicit[f.Name] = f.Value.String()
			}
		})
		if err = cfg.loadFile(*configFile); err != nil {
			return nil, err
		}
		for name, value := range explicit {
			if err = fs.Set(name, value); err != nil {
				return nil, err
			}
		}
	}

	if err = cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return
}

// loadFile overlays the fields present in a JSON file.
func (c *Config) loadFile(path string) (err error) {
	var raw []byte
	if raw, err = os.ReadFile(path); err != nil {
		return fmt.Errorf("read configuration file: %w", err)
	}
	if err = json.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse configuration file %s: %w", path, err)
	}
	return
}

// Duration is a time.Duration read from JSON either as a string such as
// "1h30m" or as a number of nanoseconds.
type Duration time.Duration

var errInvalidDuration = errors.New("invalid duration")

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		*d = Duration(value)
		return nil
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	default:
		return errInvalidDuration
	}
}
