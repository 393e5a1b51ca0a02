package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration required by the API process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App    AppConfig
	DB     DBConfig
	Redis  RedisConfig
	Auth   AuthConfig
	Twilio TwilioConfig
	Kafka  KafkaConfig
	Dialer DialerConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit for AWS-ready posture.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string

	// Pool sizing. The claim statement holds a connection per in-flight
	// selection, so MaxOpenConns bounds concurrent RequestNextCall work.
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

type RedisConfig struct {
	Host string
	Port int
}

// AuthConfig verifies bearer tokens. Issuance happens in the identity
// service; the TTLs here only bound what this process will mint in tests.
type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	// PublicURL is where Twilio reaches our answer/status webhooks.
	PublicURL string
}

type KafkaConfig struct {
	// Brokers is optional; without it events stay in-process.
	Brokers []string
	Topic   string
}

// PacingTunables mirror the predictive pacing constants. Zero means default.
type PacingTunables struct {
	MinSample               int     `yaml:"min_sample"`
	AnswerRateFloor         float64 `yaml:"answer_rate_floor"`
	RatioUpperBound         float64 `yaml:"ratio_upper_bound"`
	DefaultAbandonThreshold float64 `yaml:"default_abandon_threshold"`
}

type DialerConfig struct {
	RingTimeout      time.Duration
	PacingInterval   time.Duration
	StatsWindow      time.Duration
	StatsMaxCalls    int
	RetryBackoff     time.Duration
	CallbackPriority int
	DefaultPriority  int
	EventBuffer      int
	ClaimRetries     int
	// ClaimTTL is how long a claimed record may sit undialled before the
	// pacing runner hands it back.
	ClaimTTL time.Duration

	// Provider selects the outbound adapter: sip or twilio.
	Provider string
	CallerID string
	// AgentURITemplate has one %s for the agent id.
	AgentURITemplate string

	Pacing PacingTunables
	// ConfigFile is an optional YAML overlay for Pacing.
	ConfigFile string
}

// fileConfig is the YAML overlay layout.
type fileConfig struct {
	Pacing PacingTunables `yaml:"pacing"`
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))
	c.DB.MaxOpenConns, parseErrs = optInt(parseErrs, "DB_MAX_OPEN_CONNS", 0)
	c.DB.MaxIdleConns, parseErrs = optInt(parseErrs, "DB_MAX_IDLE_CONNS", -1)
	c.DB.ConnMaxLifetime, parseErrs = optDuration(parseErrs, "DB_CONN_MAX_LIFETIME")
	c.DB.ConnMaxIdleTime, parseErrs = optDuration(parseErrs, "DB_CONN_MAX_IDLE_TIME")

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied in Validate() based on env.
	c.Auth.AccessTokenTTL = mustDuration("JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL = mustDuration("JWT_REFRESH_TTL")

	c.Twilio.AccountSID = strings.TrimSpace(os.Getenv("TWILIO_ACCOUNT_SID"))
	c.Twilio.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	c.Twilio.FromNumber = strings.TrimSpace(os.Getenv("TWILIO_FROM_NUMBER"))
	c.Twilio.PublicURL = strings.TrimSpace(os.Getenv("TWILIO_PUBLIC_URL"))

	c.Kafka.Brokers = splitList(os.Getenv("KAFKA_BROKERS"))
	c.Kafka.Topic = strings.TrimSpace(os.Getenv("KAFKA_TOPIC"))

	d := &c.Dialer
	d.RingTimeout, parseErrs = optDuration(parseErrs, "DIALER_RING_TIMEOUT")
	d.PacingInterval, parseErrs = optDuration(parseErrs, "DIALER_PACING_INTERVAL")
	d.StatsWindow, parseErrs = optDuration(parseErrs, "DIALER_STATS_WINDOW")
	d.RetryBackoff, parseErrs = optDuration(parseErrs, "DIALER_RETRY_BACKOFF")
	d.ClaimTTL, parseErrs = optDuration(parseErrs, "DIALER_CLAIM_TTL")
	d.StatsMaxCalls, parseErrs = optInt(parseErrs, "DIALER_STATS_MAX_CALLS", 0)
	d.CallbackPriority, parseErrs = optInt(parseErrs, "DIALER_CALLBACK_PRIORITY", 0)
	d.DefaultPriority, parseErrs = optInt(parseErrs, "DIALER_DEFAULT_PRIORITY", 0)
	d.EventBuffer, parseErrs = optInt(parseErrs, "DIALER_EVENT_BUFFER", 0)
	d.ClaimRetries, parseErrs = optInt(parseErrs, "DIALER_CLAIM_RETRIES", -1)
	d.Pacing.MinSample, parseErrs = optInt(parseErrs, "DIALER_MIN_SAMPLE", 0)
	d.Pacing.AnswerRateFloor, parseErrs = optFloat(parseErrs, "DIALER_ANSWER_RATE_FLOOR")
	d.Pacing.RatioUpperBound, parseErrs = optFloat(parseErrs, "DIALER_RATIO_UPPER_BOUND")
	d.Pacing.DefaultAbandonThreshold, parseErrs = optFloat(parseErrs, "DIALER_ABANDON_THRESHOLD")
	d.Provider = strings.ToLower(strings.TrimSpace(os.Getenv("DIALER_PROVIDER")))
	d.CallerID = strings.TrimSpace(os.Getenv("DIALER_CALLER_ID"))
	d.AgentURITemplate = strings.TrimSpace(os.Getenv("DIALER_AGENT_URI_TEMPLATE"))
	d.ConfigFile = strings.TrimSpace(os.Getenv("DIALER_CONFIG_FILE"))

	if d.ConfigFile != "" {
		if err := c.applyFile(d.ConfigFile); err != nil {
			parseErrs = append(parseErrs, err)
		}
	}

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// applyFile overlays non-zero YAML pacing values on top of the env values.
func (c *Config) applyFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("DIALER_CONFIG_FILE: %w", err)
	}
	var f fileConfig
	if err := yaml.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("DIALER_CONFIG_FILE %s: %w", path, err)
	}
	p := &c.Dialer.Pacing
	if f.Pacing.MinSample != 0 {
		p.MinSample = f.Pacing.MinSample
	}
	if f.Pacing.AnswerRateFloor != 0 {
		p.AnswerRateFloor = f.Pacing.AnswerRateFloor
	}
	if f.Pacing.RatioUpperBound != 0 {
		p.RatioUpperBound = f.Pacing.RatioUpperBound
	}
	if f.Pacing.DefaultAbandonThreshold != 0 {
		p.DefaultAbandonThreshold = f.Pacing.DefaultAbandonThreshold
	}
	return nil
}

// Validate reports every problem at once and fills defaults in place.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
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
			// Local-friendly default; production must be explicit.
			// Allowed values are enforced below.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	errs = append(errs, c.DB.validatePool()...)

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}

	if c.Auth.AccessTokenTTL <= 0 {
		// Default: short-lived access tokens.
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		// Default: longer-lived refresh tokens.
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	errs = append(errs, c.Dialer.validate(c.Twilio)...)
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		c.Kafka.Topic = "dialer.events"
	}

	return joinErrors(errs)
}

func (db *DBConfig) validatePool() []error {
	var errs []error
	if db.MaxOpenConns < 0 {
		errs = append(errs, fmt.Errorf("DB_MAX_OPEN_CONNS must be >= 0, got %d", db.MaxOpenConns))
	} else if db.MaxOpenConns == 0 {
		db.MaxOpenConns = 25
	}
	if db.MaxIdleConns < 0 {
		db.MaxIdleConns = min(10, db.MaxOpenConns)
	}
	if db.MaxOpenConns > 0 && db.MaxIdleConns > db.MaxOpenConns {
		errs = append(errs, fmt.Errorf("DB_MAX_IDLE_CONNS (%d) must not exceed DB_MAX_OPEN_CONNS (%d)", db.MaxIdleConns, db.MaxOpenConns))
	}
	if db.ConnMaxLifetime <= 0 {
		db.ConnMaxLifetime = 30 * time.Minute
	}
	if db.ConnMaxIdleTime <= 0 {
		db.ConnMaxIdleTime = 5 * time.Minute
	}
	return errs
}

func (d *DialerConfig) validate(tw TwilioConfig) []error {
	var errs []error
	if d.RingTimeout <= 0 {
		d.RingTimeout = 25 * time.Second
	}
	if d.PacingInterval <= 0 {
		d.PacingInterval = 20 * time.Second
	}
	if d.StatsWindow <= 0 {
		d.StatsWindow = 15 * time.Minute
	}
	if d.StatsMaxCalls <= 0 {
		d.StatsMaxCalls = 200
	}
	if d.RetryBackoff <= 0 {
		d.RetryBackoff = 30 * time.Minute
	}
	if d.DefaultPriority <= 0 {
		d.DefaultPriority = 100
	}
	if d.CallbackPriority >= d.DefaultPriority {
		errs = append(errs, fmt.Errorf("DIALER_CALLBACK_PRIORITY (%d) must be lower than DIALER_DEFAULT_PRIORITY (%d)", d.CallbackPriority, d.DefaultPriority))
	}
	if d.EventBuffer <= 0 {
		d.EventBuffer = 1024
	}
	if d.ClaimRetries < 0 {
		d.ClaimRetries = 3
	}
	if d.ClaimTTL <= 0 {
		d.ClaimTTL = 10 * time.Minute
	}
	if d.AgentURITemplate == "" {
		d.AgentURITemplate = "sip:%s@agents.local"
	} else if strings.Count(d.AgentURITemplate, "%s") != 1 {
		errs = append(errs, fmt.Errorf("DIALER_AGENT_URI_TEMPLATE must contain exactly one %%s, got %q", d.AgentURITemplate))
	}

	switch d.Provider {
	case "":
		d.Provider = "sip"
	case "sip":
	case "twilio":
		if tw.AccountSID == "" || tw.AuthToken == "" {
			errs = append(errs, errors.New("TWILIO_ACCOUNT_SID and TWILIO_AUTH_TOKEN are required for DIALER_PROVIDER=twilio"))
		}
		if tw.PublicURL == "" {
			errs = append(errs, errors.New("TWILIO_PUBLIC_URL is required for DIALER_PROVIDER=twilio"))
		}
	default:
		errs = append(errs, fmt.Errorf("DIALER_PROVIDER must be sip or twilio, got %q", d.Provider))
	}

	p := d.Pacing
	if p.AnswerRateFloor < 0 || p.AnswerRateFloor > 1 {
		errs = append(errs, fmt.Errorf("DIALER_ANSWER_RATE_FLOOR must be within (0, 1], got %v", p.AnswerRateFloor))
	}
	if p.RatioUpperBound != 0 && p.RatioUpperBound < 1 {
		errs = append(errs, fmt.Errorf("DIALER_RATIO_UPPER_BOUND must be >= 1, got %v", p.RatioUpperBound))
	}
	if p.DefaultAbandonThreshold < 0 || p.DefaultAbandonThreshold >= 1 {
		errs = append(errs, fmt.Errorf("DIALER_ABANDON_THRESHOLD must be within (0, 1), got %v", p.DefaultAbandonThreshold))
	}
	return errs
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
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

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func mustDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func optInt(errs []error, key string, def int) (int, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, errs
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, append(errs, fmt.Errorf("%s must be an integer, got %q", key, v))
	}
	return n, errs
}

func optFloat(errs []error, key string) (float64, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, errs
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, append(errs, fmt.Errorf("%s must be a number, got %q", key, v))
	}
	return f, errs
}

func optDuration(errs []error, key string) (time.Duration, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, errs
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, append(errs, fmt.Errorf("%s must be a duration, got %q", key, v))
	}
	return d, errs
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
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
