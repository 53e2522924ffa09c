package config

import (
	"fmt"
	"net"
	"net/netip"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// AppConfig holds configuration values parsed from environment variables.
type AppConfig struct {
	// Env is the runtime environment, either "dev" or "prod".
	Env string `koanf:"env" validate:"required,oneof=dev prod"`

	// LogLevel controls log verbosity: "debug", "info", "warn", or "error".
	LogLevel string `koanf:"log_level" validate:"required,oneof=debug info warn error"`

	// Servers is a list of upstream DNS servers in ip:port format.
	Servers []string `koanf:"servers" validate:"required,dive,ip_port"`

	// BindAttempts is how many random ports are tried per bind round.
	BindAttempts int `koanf:"bind_attempts" validate:"required,gte=1,lte=1000"`

	// PortMin and PortMax bound the ephemeral port range [PortMin, PortMax).
	PortMin int `koanf:"port_min" validate:"required,gte=1,lt=65535"`
	PortMax int `koanf:"port_max" validate:"required,gtfield=PortMin,lte=65535"`

	// AvoidPorts are never chosen as local ports.
	AvoidPorts []int `koanf:"avoid_ports" validate:"dive,gte=1,lte=65535"`

	// RecvBufferSize is the size of the per-datagram receive buffer.
	RecvBufferSize int `koanf:"recv_buffer_size" validate:"required,gte=512,lte=65535"`

	// RebindDelay is how long to wait before another bind round after every
	// attempt of a round failed.
	RebindDelay time.Duration `koanf:"rebind_delay" validate:"gt=0"`

	// PollInterval bounds how long a parked stream waits before re-polling
	// its socket.
	PollInterval time.Duration `koanf:"poll_interval" validate:"gt=0"`

	// QueryTimeout is how long the CLI waits for a reply.
	QueryTimeout time.Duration `koanf:"query_timeout" validate:"gt=0"`

	// NSEC3CacheSize is the number of owner-name digests kept in memory.
	NSEC3CacheSize int `koanf:"nsec3_cache_size" validate:"required,gte=1"`

	// NSEC3MaxIterations rejects NSEC3 parameters above this count. Zero disables the check.
	NSEC3MaxIterations int `koanf:"nsec3_max_iterations" validate:"gte=0,lte=65535"`
}

// DEFAULT_APP_CONFIG defines the default application configuration settings.
var DEFAULT_APP_CONFIG = AppConfig{
	Env:                "prod",
	LogLevel:           "info",
	Servers:            []string{"1.1.1.1:53", "1.0.0.1:53"},
	BindAttempts:       10,
	PortMin:            1025,
	PortMax:            65535,
	AvoidPorts:         []int{},
	RecvBufferSize:     2048,
	RebindDelay:        50 * time.Millisecond,
	PollInterval:       2 * time.Millisecond,
	QueryTimeout:       5 * time.Second,
	NSEC3CacheSize:     1024,
	NSEC3MaxIterations: 0,
}

// validIPPort validates whether the provided field value is a valid IP address and port combination.
// It expects the value to be in the format "IP:Port"; IPv6 addresses must be
// bracketed and may carry a zone, as in "[fe80::1%eth0]:53".
func validIPPort(fl validator.FieldLevel) bool {
	addr := fl.Field().String()
	ip, port, err := net.SplitHostPort(addr)
	if err != nil || ip == "" || port == "" {
		return false
	}
	if _, err := netip.ParseAddr(ip); err != nil {
		return false
	}
	portNum, err := strconv.ParseUint(port, 10, 16)
	return err == nil && portNum > 0 && portNum < 65536
}

// envLoader loads environment variables with the prefix "DNSQ_".
// It transforms the keys to lowercase, removes the prefix, and splits
// space or comma separated values into lists. It can be mocked in tests.
var envLoader = func(k *koanf.Koanf) error {
	return k.Load(env.Provider(".", env.Opt{
		Prefix: "DNSQ_",
		TransformFunc: func(key, value string) (string, any) {
			key = strings.ToLower(strings.TrimPrefix(key, "DNSQ_"))
			value = strings.TrimSpace(value)

			if value == "" {
				return key, value
			}

			if strings.Contains(value, " ") || strings.Contains(value, ",") {
				parts := strings.FieldsFunc(value, func(r rune) bool {
					return r == ' ' || r == ','
				})
				return key, parts
			}

			return key, value
		},
	}), nil)
}

// defaultLoader loads DEFAULT_APP_CONFIG into the provided Koanf instance.
var defaultLoader = func(k *koanf.Koanf) error {
	return k.Load(structs.Provider(DEFAULT_APP_CONFIG, "koanf"), nil)
}

// fileLoader loads a YAML, TOML or JSON file chosen by extension.
var fileLoader = func(k *koanf.Koanf, path string) error {
	var parser koanf.Parser
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".toml":
		parser = toml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return fmt.Errorf("unsupported config file extension: %s", filepath.Ext(path))
	}
	return k.Load(file.Provider(path), parser)
}

// registerValidation registers the custom "ip_port" validation tag.
var registerValidation = func(v *validator.Validate) error {
	return v.RegisterValidation("ip_port", validIPPort)
}

// Load parses environment variables and returns an AppConfig instance.
// It applies default values and runs validation automatically.
func Load() (*AppConfig, error) {
	return LoadFile("")
}

// LoadFile is Load with an optional configuration file layered between the
// defaults and the environment. An empty path skips the file.
func LoadFile(path string) (*AppConfig, error) {
	k := koanf.New(".")

	err := defaultLoader(k)
	if err != nil {
		return nil, fmt.Errorf("error loading default config: %w", err)
	}

	if path != "" {
		if err := fileLoader(k, path); err != nil {
			return nil, fmt.Errorf("error loading config file %s: %w", path, err)
		}
	}

	err = envLoader(k)
	if err != nil {
		return nil, fmt.Errorf("error loading env: %w", err)
	}

	var cfg AppConfig

	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate runs struct validation on cfg. The CLI calls it again after
// applying flag overrides.
func Validate(cfg *AppConfig) error {
	validate := validator.New(validator.WithRequiredStructEnabled())

	err := registerValidation(validate)
	if err != nil {
		return fmt.Errorf("error registering validation: %w", err)
	}

	err = validate.Struct(cfg)
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}
