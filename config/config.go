package config

import (
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"

	"github.com/code-payments/purchase-bridge/bridge"
	"github.com/code-payments/purchase-bridge/reconcile"
)

const (
	HTTPAddrEnv                 = "HTTP_ADDR"
	ShutdownTimeoutEnv          = "SHUTDOWN_TIMEOUT"
	CatalogFileEnv              = "CATALOG_FILE"
	PlatformVersionEnv          = "PLATFORM_VERSION"
	PlayPackageNameEnv          = "PLAY_PACKAGE_NAME"
	PlayServiceAccountFileEnv   = "PLAY_SERVICE_ACCOUNT_FILE"
	VerifierEnv                 = "VERIFIER"
	CallerVerifyTimeoutEnv      = "CALLER_VERIFY_TIMEOUT"
	VerifierCacheTTLEnv         = "VERIFIER_CACHE_TTL"
	RequireVerifierEnv          = "REQUIRE_VERIFIER"
	ReconnectInitialIntervalEnv = "RECONNECT_INITIAL_INTERVAL"
	ReconnectMaxIntervalEnv     = "RECONNECT_MAX_INTERVAL"
	ReconnectMaxRetriesEnv      = "RECONNECT_MAX_RETRIES"
	StreamBufferSizeEnv         = "STREAM_BUFFER_SIZE"
	StreamSendTimeoutEnv        = "STREAM_SEND_TIMEOUT"
	LogDevelopmentEnv           = "LOG_DEVELOPMENT"
	AutoCompletePurchasesEnv    = "AUTO_COMPLETE_PURCHASES"
)

var ErrVerifierRequired = errors.New("purchase verification is required but no verifier is configured")

// VerifierMode selects how purchases are verified before they grant
// entitlement.
type VerifierMode string

const (
	VerifierNone VerifierMode = "none"

	// VerifierPlay checks purchases with the Google Play Developer API.
	VerifierPlay VerifierMode = "play"

	// VerifierMemory has the simulated store sign its purchase tokens and
	// checks the signatures.
	VerifierMemory VerifierMode = "memory"

	// VerifierCaller asks the connected application over its websocket.
	VerifierCaller VerifierMode = "caller"
)

func (m VerifierMode) valid() bool {
	switch m {
	case VerifierNone, VerifierPlay, VerifierMemory, VerifierCaller:
		return true
	default:
		return false
	}
}

type Config struct {
	HTTPAddr        string
	ShutdownTimeout time.Duration

	// CatalogFile lists the products offered by the simulated store.
	CatalogFile string

	PlatformVersion string

	// Verifier names a VerifierMode. When unset, Google Play verification
	// is used if PlayPackageName is set.
	Verifier               string
	PlayPackageName        string
	PlayServiceAccountFile string
	CallerVerifyTimeout    time.Duration
	VerifierCacheTTL       time.Duration
	RequireVerifier        bool

	ReconnectInitialInterval time.Duration
	ReconnectMaxInterval     time.Duration
	ReconnectMaxRetries      uint64

	StreamBufferSize  int
	StreamSendTimeout time.Duration

	LogDevelopment        bool
	AutoCompletePurchases bool
}

func Default() *Config {
	reconcileConf := reconcile.DefaultConfig()
	bridgeConf := bridge.DefaultConfig()

	return &Config{
		HTTPAddr:                 ":8080",
		ShutdownTimeout:          15 * time.Second,
		CallerVerifyTimeout:      10 * time.Second,
		VerifierCacheTTL:         10 * time.Minute,
		ReconnectInitialInterval: reconcileConf.ReconnectInitialInterval,
		ReconnectMaxInterval:     reconcileConf.ReconnectMaxInterval,
		ReconnectMaxRetries:      reconcileConf.ReconnectMaxRetries,
		StreamBufferSize:         bridgeConf.StreamBufferSize,
		StreamSendTimeout:        bridgeConf.StreamSendTimeout,
	}
}

// Load reads filenames (.env when none are given) into the environment and
// then builds the config from it. A missing default .env file is not an
// error.
func Load(filenames ...string) (*Config, error) {
	if err := godotenv.Load(filenames...); err != nil {
		if len(filenames) > 0 || !errors.Is(err, fs.ErrNotExist) {
			return nil, errors.Wrap(err, "failed to load env file")
		}
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv builds the config from lookup, falling back to defaults for unset
// keys.
func FromEnv(lookup func(key string) (string, bool)) (*Config, error) {
	c := Default()
	p := parser{lookup: lookup}

	p.string(HTTPAddrEnv, &c.HTTPAddr)
	p.duration(ShutdownTimeoutEnv, &c.ShutdownTimeout)
	p.string(CatalogFileEnv, &c.CatalogFile)
	p.string(PlatformVersionEnv, &c.PlatformVersion)
	p.string(PlayPackageNameEnv, &c.PlayPackageName)
	p.string(PlayServiceAccountFileEnv, &c.PlayServiceAccountFile)
	p.string(VerifierEnv, &c.Verifier)
	p.duration(CallerVerifyTimeoutEnv, &c.CallerVerifyTimeout)
	p.duration(VerifierCacheTTLEnv, &c.VerifierCacheTTL)
	p.bool(RequireVerifierEnv, &c.RequireVerifier)
	p.duration(ReconnectInitialIntervalEnv, &c.ReconnectInitialInterval)
	p.duration(ReconnectMaxIntervalEnv, &c.ReconnectMaxInterval)
	p.uint(ReconnectMaxRetriesEnv, &c.ReconnectMaxRetries)
	p.int(StreamBufferSizeEnv, &c.StreamBufferSize)
	p.duration(StreamSendTimeoutEnv, &c.StreamSendTimeout)
	p.bool(LogDevelopmentEnv, &c.LogDevelopment)
	p.bool(AutoCompletePurchasesEnv, &c.AutoCompletePurchases)

	if p.err != nil {
		return nil, p.err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	if c.HTTPAddr == "" {
		return errors.Errorf("%s must be set", HTTPAddrEnv)
	}
	if c.StreamBufferSize < 1 {
		return errors.Errorf("%s must be positive", StreamBufferSizeEnv)
	}
	if c.StreamSendTimeout <= 0 {
		return errors.Errorf("%s must be positive", StreamSendTimeoutEnv)
	}
	if c.ReconnectInitialInterval <= 0 || c.ReconnectMaxInterval < c.ReconnectInitialInterval {
		return errors.Errorf("%s must be positive and no larger than %s", ReconnectInitialIntervalEnv, ReconnectMaxIntervalEnv)
	}

	mode := c.VerifierMode()
	if !mode.valid() {
		return errors.Errorf("unknown %s %q", VerifierEnv, c.Verifier)
	}
	if mode == VerifierPlay && c.PlayPackageName == "" {
		return errors.Errorf("%s is required for %s verification", PlayPackageNameEnv, VerifierPlay)
	}
	if c.PlayPackageName != "" && c.PlayServiceAccountFile == "" {
		return errors.Errorf("%s is required when %s is set", PlayServiceAccountFileEnv, PlayPackageNameEnv)
	}
	if mode == VerifierCaller && c.CallerVerifyTimeout <= 0 {
		return errors.Errorf("%s must be positive", CallerVerifyTimeoutEnv)
	}
	if c.RequireVerifier && !c.VerifierEnabled() {
		return ErrVerifierRequired
	}
	return nil
}

func (c *Config) VerifierMode() VerifierMode {
	if c.Verifier != "" {
		return VerifierMode(c.Verifier)
	}
	if c.PlayPackageName != "" {
		return VerifierPlay
	}
	return VerifierNone
}

// VerifierEnabled reports whether purchases are verified at all.
func (c *Config) VerifierEnabled() bool {
	return c.VerifierMode() != VerifierNone
}

func (c *Config) Reconcile() reconcile.Config {
	return reconcile.Config{
		ReconnectInitialInterval: c.ReconnectInitialInterval,
		ReconnectMaxInterval:     c.ReconnectMaxInterval,
		ReconnectMaxRetries:      c.ReconnectMaxRetries,
	}
}

func (c *Config) Bridge() bridge.Config {
	return bridge.Config{
		PlatformVersion:   c.PlatformVersion,
		StreamBufferSize:  c.StreamBufferSize,
		StreamSendTimeout: c.StreamSendTimeout,
	}
}

// parser records the first malformed value it sees and leaves the target
// untouched for unset keys.
type parser struct {
	lookup func(string) (string, bool)
	err    error
}

func (p *parser) value(key string) (string, bool) {
	if p.err != nil {
		return "", false
	}
	v, ok := p.lookup(key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func (p *parser) string(key string, dst *string) {
	if v, ok := p.value(key); ok {
		*dst = v
	}
}

func (p *parser) bool(key string, dst *bool) {
	v, ok := p.value(key)
	if !ok {
		return
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		p.err = errors.Wrapf(err, "invalid %s", key)
		return
	}
	*dst = parsed
}

func (p *parser) int(key string, dst *int) {
	v, ok := p.value(key)
	if !ok {
		return
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		p.err = errors.Wrapf(err, "invalid %s", key)
		return
	}
	*dst = parsed
}

func (p *parser) uint(key string, dst *uint64) {
	v, ok := p.value(key)
	if !ok {
		return
	}
	parsed, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		p.err = errors.Wrapf(err, "invalid %s", key)
		return
	}
	*dst = parsed
}

func (p *parser) duration(key string, dst *time.Duration) {
	v, ok := p.value(key)
	if !ok {
		return
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		p.err = errors.Wrapf(err, "invalid %s", key)
		return
	}
	*dst = parsed
}
