package sftp

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is everything needed to establish a Session.
// The mapstructure tags allow loading it with viper.
type Config struct {
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"min=1,max=65535"`
	Username string `mapstructure:"username" validate:"required"`

	// At least one of Password, PrivateKey, PrivateKeyPath, or UseAgent must be set.
	Password       string `mapstructure:"password" validate:"required_without_all=PrivateKey PrivateKeyPath UseAgent"`
	PrivateKey     string `mapstructure:"private_key"`
	PrivateKeyPath string `mapstructure:"private_key_path"`
	Passphrase     string `mapstructure:"passphrase"`
	UseAgent       bool   `mapstructure:"use_agent"`
	AgentSocket    string `mapstructure:"agent_socket"`

	// KnownHostsFile defaults to ~/.ssh/known_hosts, if it exists.
	KnownHostsFile        string `mapstructure:"known_hosts_file" validate:"required_without=InsecureIgnoreHostKey"`
	InsecureIgnoreHostKey bool   `mapstructure:"insecure_ignore_host_key"`

	// ReadyTimeout bounds the TCP dial and the SSH handshake.
	ReadyTimeout time.Duration `mapstructure:"ready_timeout" validate:"gte=0s"`

	Transfer TransferConfig `mapstructure:"transfer"`
}

// TransferConfig holds the tunables of the protocol client.
type TransferConfig struct {
	ChunkSize      int           `mapstructure:"chunk_size" validate:"min=1,max=4294966063"`
	MaxInflight    int           `mapstructure:"max_inflight" validate:"min=1"`
	ReadAhead      int           `mapstructure:"read_ahead" validate:"min=1,ltefield=MaxInflight"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"gte=0s"`
	FileMode       fs.FileMode   `mapstructure:"file_mode" validate:"lte=511"`
}

// Default connection settings.
const (
	DefaultPort         = 22
	DefaultReadyTimeout = 20 * time.Second
)

// WithDefaults returns a copy of the config with default values applied.
func (c Config) WithDefaults() Config {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.ReadyTimeout == 0 {
		c.ReadyTimeout = DefaultReadyTimeout
	}

	if c.KnownHostsFile == "" && !c.InsecureIgnoreHostKey {
		if home, err := os.UserHomeDir(); err == nil {
			known := filepath.Join(home, ".ssh", "known_hosts")
			if _, err := os.Stat(known); err == nil {
				c.KnownHostsFile = known
			}
		}
	}

	t := &c.Transfer
	if t.ChunkSize == 0 {
		t.ChunkSize = DefaultChunkSize
	}
	if t.MaxInflight == 0 {
		t.MaxInflight = DefaultMaxInflight
	}
	if t.ReadAhead == 0 {
		t.ReadAhead = DefaultReadAhead
	}
	if t.FileMode == 0 {
		t.FileMode = DefaultFileMode
	}

	return c
}

// ValidationError is a single field that failed validation.
type ValidationError struct {
	Field string
	Tag   string
	Param string
}

func (e ValidationError) String() string {
	if e.Param != "" {
		return e.Field + " failed on " + e.Tag + "=" + e.Param
	}
	return e.Field + " failed on " + e.Tag
}

// ValidationErrors collects every field of a Config that failed validation.
// It wraps fs.ErrInvalid.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	if len(v) == 0 {
		return "sftp: invalid config"
	}

	parts := make([]string, len(v))
	for i, e := range v {
		parts[i] = e.String()
	}

	return "sftp: invalid config: " + strings.Join(parts, "; ")
}

// Unwrap returns fs.ErrInvalid.
func (v ValidationErrors) Unwrap() error {
	return fs.ErrInvalid
}

// Validate checks the config, and returns ValidationErrors listing every invalid field.
// Defaults are not applied, call WithDefaults first.
func (c Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())

	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("mapstructure"), ",")
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})

	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return err
	}

	failures := make(ValidationErrors, 0, len(ve))
	for _, fe := range ve {
		failures = append(failures, ValidationError{
			Field: strings.TrimPrefix(fe.Namespace(), "Config."),
			Tag:   fe.Tag(),
			Param: fe.Param(),
		})
	}

	return failures
}

// ClientOptions converts the transfer settings into client options.
// The config is expected to have had its defaults applied.
func (c Config) ClientOptions() []ClientOption {
	t := c.Transfer

	opts := []ClientOption{
		WithMaxInflight(t.MaxInflight),
		WithReadAhead(t.ReadAhead),
		WithRequestTimeout(t.RequestTimeout),
		WithFileMode(t.FileMode),
	}

	if t.ChunkSize > 0 {
		opts = append(opts, WithChunkSize(t.ChunkSize))
	}

	return opts
}
