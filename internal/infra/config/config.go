package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// Config is the top-level moonctl configuration.
type Config struct {
	Printer   PrinterConfig   `yaml:"printer" toml:"printer"`
	Stream    StreamConfig    `yaml:"stream" toml:"stream"`
	HTTP      HTTPConfig      `yaml:"http" toml:"http"`
	Reconnect ReconnectConfig `yaml:"reconnect" toml:"reconnect"`
	Emulator  EmulatorConfig  `yaml:"emulator" toml:"emulator"`
	Discovery DiscoveryConfig `yaml:"discovery" toml:"discovery"`
	Logger    LoggerConfig    `yaml:"logger" toml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer" toml:"tracer"`
	Includes  []string        `yaml:"includes,omitempty" toml:"includes,omitempty"`
}

// PrinterConfig locates the Moonraker instance and holds its credentials.
type PrinterConfig struct {
	Endpoint string `yaml:"endpoint" toml:"endpoint"`
	// APIKey is sent as X-Api-Key and may be "enc:...".
	APIKey string `yaml:"api_key" toml:"api_key"`
	// Token is a oneshot token or JWT, sent as ?token=.
	Token string `yaml:"token" toml:"token"`
	// Username and Password are added to the params of every stream request.
	// Password may be "enc:...".
	Username    string        `yaml:"username" toml:"username"`
	Password    string        `yaml:"password" toml:"password"`
	Transport   string        `yaml:"transport" toml:"transport"` // nhooyr | gorilla
	IDFormat    string        `yaml:"id_format" toml:"id_format"` // sequential | uuid
	CallTimeout time.Duration `yaml:"call_timeout" toml:"call_timeout"`
}

// StreamConfig tunes the persistent connection.
type StreamConfig struct {
	DialTimeout   time.Duration `yaml:"dial_timeout" toml:"dial_timeout"`
	SendQueueSize int           `yaml:"send_queue_size" toml:"send_queue_size"`
	SendTimeout   time.Duration `yaml:"send_timeout" toml:"send_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout" toml:"write_timeout"`
	PingInterval  time.Duration `yaml:"ping_interval" toml:"ping_interval"`
	ReadLimit     int64         `yaml:"read_limit" toml:"read_limit"`
	RateLimit     float64       `yaml:"rate_limit" toml:"rate_limit"` // frames per second, 0 = unlimited
	RateBurst     int           `yaml:"rate_burst" toml:"rate_burst"`
}

// HTTPConfig tunes the plain HTTP transport.
type HTTPConfig struct {
	BearerToken string        `yaml:"bearer_token" toml:"bearer_token"` // may be "enc:..."
	ConnTimeout time.Duration `yaml:"conn_timeout" toml:"conn_timeout"`
	RespTimeout time.Duration `yaml:"resp_timeout" toml:"resp_timeout"`
	Pool        PoolConfig    `yaml:"pool" toml:"pool"`
	Breaker     BreakerConfig `yaml:"breaker" toml:"breaker"`
}

// PoolConfig sizes the HTTP connection pool.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns" toml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host" toml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host" toml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout" toml:"idle_conn_timeout"`
}

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures uint32 `yaml:"max_failures" toml:"max_failures"`
	// Timeout is how long the circuit stays open before a probe.
	Timeout time.Duration `yaml:"timeout" toml:"timeout"`
}

// ReconnectConfig drives the supervisor used by long-running commands.
type ReconnectConfig struct {
	Enabled        bool          `yaml:"enabled" toml:"enabled"`
	InitialBackoff time.Duration `yaml:"initial_backoff" toml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff" toml:"max_backoff"`
	Breaker        BreakerConfig `yaml:"breaker" toml:"breaker"`
}

// EmulatorConfig configures `moonctl emulate`.
type EmulatorConfig struct {
	Addr           string        `yaml:"addr" toml:"addr"`
	StatusInterval time.Duration `yaml:"status_interval" toml:"status_interval"`
	Keys           []EmulatorKey `yaml:"keys" toml:"keys"`
	Advertise      bool          `yaml:"advertise" toml:"advertise"`
	Instance       string        `yaml:"instance" toml:"instance"`

	// RateLimit caps HTTP requests and upgrades per client IP per minute. Zero disables it.
	RateLimit int `yaml:"rate_limit" toml:"rate_limit"`
	RateBurst int `yaml:"rate_burst" toml:"rate_burst"`
}

// EmulatorKey is an accepted API key or token.
type EmulatorKey struct {
	Name string `yaml:"name" toml:"name"`
	Key  string `yaml:"key" toml:"key"` // may be "enc:..."
}

// DiscoveryConfig configures mDNS browsing.
type DiscoveryConfig struct {
	ScanTimeout time.Duration `yaml:"scan_timeout" toml:"scan_timeout"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
	Output string `yaml:"output" toml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled     bool    `yaml:"enabled" toml:"enabled"`
	Exporter    string  `yaml:"exporter" toml:"exporter"` // noop | stdout
	Output      string  `yaml:"output" toml:"output"`     // stdout exporter target: stdout, stderr or a file
	SampleRatio float64 `yaml:"sample_ratio" toml:"sample_ratio"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Printer: PrinterConfig{
			Endpoint:    "localhost:7125",
			Transport:   "nhooyr",
			IDFormat:    "sequential",
			CallTimeout: 30 * time.Second,
		},
		Stream: StreamConfig{
			DialTimeout:   10 * time.Second,
			SendQueueSize: 64,
			SendTimeout:   5 * time.Second,
			WriteTimeout:  10 * time.Second,
			ReadLimit:     4 << 20,
		},
		HTTP: HTTPConfig{
			ConnTimeout: 10 * time.Second,
			RespTimeout: 30 * time.Second,
			Breaker: BreakerConfig{
				MaxFailures: 5,
				Timeout:     30 * time.Second,
			},
		},
		Reconnect: ReconnectConfig{
			Enabled:        true,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     30 * time.Second,
			Breaker: BreakerConfig{
				MaxFailures: 5,
				Timeout:     time.Minute,
			},
		},
		Emulator: EmulatorConfig{
			Addr:           "127.0.0.1:7125",
			StatusInterval: 250 * time.Millisecond,
			Instance:       "moonctl-emulator",
		},
		Discovery: DiscoveryConfig{
			ScanTimeout: 3 * time.Second,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter:    "noop",
			Output:      "stderr",
			SampleRatio: 1,
		},
	}
}

// Load reads a YAML or TOML config file (by extension), applies env var
// overrides, and decrypts secrets. A missing file yields defaults plus env.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return finish(cfg)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	plan, err := planFragments(absPath, data)
	if err != nil {
		return nil, err
	}
	for _, f := range plan {
		cfg.Includes = nil
		if err := decode(f.path, f.data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", f.path, err)
		}
	}
	cfg.Includes = nil

	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("MOONRPC_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode unmarshals data onto v, choosing TOML for .toml files and YAML otherwise.
func decode(path string, data []byte, v any) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		_, err := toml.Decode(string(data), v)
		return err
	}
	return yaml.Unmarshal(data, v)
}

// ApplyEnvOverrides maps MOONRPC_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MOONRPC_ENDPOINT"); v != "" {
		cfg.Printer.Endpoint = v
	}
	if v := os.Getenv("MOONRPC_API_KEY"); v != "" {
		cfg.Printer.APIKey = v
	}
	if v := os.Getenv("MOONRPC_TOKEN"); v != "" {
		cfg.Printer.Token = v
	}
	if v := os.Getenv("MOONRPC_USERNAME"); v != "" {
		cfg.Printer.Username = v
	}
	if v := os.Getenv("MOONRPC_PASSWORD"); v != "" {
		cfg.Printer.Password = v
	}
	if v := os.Getenv("MOONRPC_TRANSPORT"); v != "" {
		cfg.Printer.Transport = v
	}
	if v := os.Getenv("MOONRPC_ID_FORMAT"); v != "" {
		cfg.Printer.IDFormat = v
	}
	if d, ok := envDuration("MOONRPC_CALL_TIMEOUT"); ok {
		cfg.Printer.CallTimeout = d
	}
	if d, ok := envDuration("MOONRPC_DIAL_TIMEOUT"); ok {
		cfg.Stream.DialTimeout = d
	}
	if d, ok := envDuration("MOONRPC_PING_INTERVAL"); ok {
		cfg.Stream.PingInterval = d
	}
	if v := os.Getenv("MOONRPC_SEND_QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Stream.SendQueueSize = n
		}
	}
	if v := os.Getenv("MOONRPC_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Stream.RateLimit = f
		}
	}
	if v := os.Getenv("MOONRPC_HTTP_BEARER_TOKEN"); v != "" {
		cfg.HTTP.BearerToken = v
	}
	if v := os.Getenv("MOONRPC_RECONNECT_ENABLED"); v != "" {
		cfg.Reconnect.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("MOONRPC_EMULATOR_ADDR"); v != "" {
		cfg.Emulator.Addr = v
	}
	if v := os.Getenv("MOONRPC_EMULATOR_KEYS"); v != "" {
		// name:key pairs, comma separated.
		cfg.Emulator.Keys = nil
		for _, pair := range splitAndTrim(v, ",") {
			name, key, ok := strings.Cut(pair, ":")
			if !ok {
				name, key = pair, pair
			}
			cfg.Emulator.Keys = append(cfg.Emulator.Keys, EmulatorKey{Name: name, Key: key})
		}
	}
	if v := os.Getenv("MOONRPC_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("MOONRPC_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("MOONRPC_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("MOONRPC_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
}

func envDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}

// splitAndTrim splits s by sep and trims whitespace from each element.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// decryptSecrets replaces "enc:..." values in credential fields.
func decryptSecrets(cfg *Config, passphrase string) error {
	fields := map[string]*string{
		"printer.api_key":   &cfg.Printer.APIKey,
		"printer.token":     &cfg.Printer.Token,
		"printer.password":  &cfg.Printer.Password,
		"http.bearer_token": &cfg.HTTP.BearerToken,
	}
	for i := range cfg.Emulator.Keys {
		fields["emulator key "+cfg.Emulator.Keys[i].Name] = &cfg.Emulator.Keys[i].Key
	}
	for name, fp := range fields {
		if !strings.HasPrefix(*fp, "enc:") {
			continue
		}
		decrypted, err := DecryptValue(strings.TrimPrefix(*fp, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*fp = decrypted
	}
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts a value produced by EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions checks the config file has restrictive permissions.
// Files may hold API keys, so group or world write is refused.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	if mode&0o022 != 0 {
		return fmt.Errorf("config file %s is group or world writable (mode %o)", path, mode)
	}
	return nil
}
