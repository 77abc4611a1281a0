// Package config loads relay configuration from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds every setting the relay needs at boot. All values come
// from environment variables; there is no config file for this service.
type Config struct {
	Port        int
	Env         string
	MediaStreamTimeout time.Duration
	MaxAIRetries       int

	ElevenLabs ElevenLabsConfig
	Twilio     TwilioConfig
	Audit      AuditConfig
	RateLimit  RateLimitConfig
}

// ElevenLabsConfig configures the AI peer's signed-URL fetcher (C1).
type ElevenLabsConfig struct {
	AgentID    string
	APIKey     string
	SignedURLBase   string
	SignedURLMethod string // GET or POST
}

// TwilioConfig configures the telephony client (C2).
type TwilioConfig struct {
	AccountSID  string
	AuthToken   string
	PhoneNumber string
}

// AuditConfig configures the call audit log (C9). Empty DatabaseURL
// disables persistence; the audit log then runs as a no-op.
type AuditConfig struct {
	DatabaseURL string
}

// RateLimitConfig configures the outbound-call limiter (C10).
type RateLimitConfig struct {
	CallsPerMinute int
	Burst          int
}

// Load reads and validates configuration from the environment. A local
// .env file is loaded first, best-effort, so development doesn't
// require exporting every variable by hand.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)

	cfg := &Config{
		Port:               v.GetInt("PORT"),
		Env:                v.GetString("NODE_ENV"),
		MediaStreamTimeout: time.Duration(v.GetInt("MEDIA_STREAM_TIMEOUT_MS")) * time.Millisecond,
		MaxAIRetries:       v.GetInt("MAX_ELEVENLABS_RETRIES"),
		ElevenLabs: ElevenLabsConfig{
			AgentID:         v.GetString("ELEVENLABS_AGENT_ID"),
			APIKey:          v.GetString("ELEVENLABS_API_KEY"),
			SignedURLBase:   v.GetString("AI_SIGNED_URL_BASE"),
			SignedURLMethod: strings.ToUpper(v.GetString("AI_SIGNED_URL_METHOD")),
		},
		Twilio: TwilioConfig{
			AccountSID:  v.GetString("TWILIO_ACCOUNT_SID"),
			AuthToken:   v.GetString("TWILIO_AUTH_TOKEN"),
			PhoneNumber: v.GetString("TWILIO_PHONE_NUMBER"),
		},
		Audit: AuditConfig{
			DatabaseURL: v.GetString("AUDIT_DATABASE_URL"),
		},
		RateLimit: RateLimitConfig{
			CallsPerMinute: v.GetInt("OUTBOUND_CALLS_PER_MIN"),
			Burst:          v.GetInt("OUTBOUND_CALL_BURST"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", 8000)
	v.SetDefault("MEDIA_STREAM_TIMEOUT_MS", 300000)
	v.SetDefault("MAX_ELEVENLABS_RETRIES", 3)
	v.SetDefault("AI_SIGNED_URL_METHOD", "GET")
	v.SetDefault("AI_SIGNED_URL_BASE", "https://api.elevenlabs.io/v1/convai/conversation/get_signed_url")
	v.SetDefault("OUTBOUND_CALLS_PER_MIN", 30)
	v.SetDefault("OUTBOUND_CALL_BURST", 5)
}

// Validate fails fast on missing required configuration, matching the
// control plane's fatal-at-boot policy for missing env vars.
func (c *Config) Validate() error {
	var missing []string
	if c.ElevenLabs.AgentID == "" {
		missing = append(missing, "ELEVENLABS_AGENT_ID")
	}
	if c.ElevenLabs.APIKey == "" {
		missing = append(missing, "ELEVENLABS_API_KEY")
	}
	if c.Twilio.AccountSID == "" {
		missing = append(missing, "TWILIO_ACCOUNT_SID")
	}
	if c.Twilio.AuthToken == "" {
		missing = append(missing, "TWILIO_AUTH_TOKEN")
	}
	if c.Twilio.PhoneNumber == "" {
		missing = append(missing, "TWILIO_PHONE_NUMBER")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

// IsDevelopment reports whether NODE_ENV selects verbose, human-readable logging.
func (c *Config) IsDevelopment() bool {
	return c.Env != "production"
}
