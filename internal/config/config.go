package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds application configuration
type Config struct {
	Port          string
	Env           string
	LogLevel      string
	LogFormat     string
	ServerURL     string
	DashboardURL  string
	Timezone      string
	CacheDir      string
	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	TwilioAccountSID    string
	TwilioAuthToken     string
	RecordingAccountSID string
	RecordingAuthToken  string
	SMSFromNumber       string
	VoiceName           string
	VoiceLanguage       string
	DialTimeout         time.Duration

	OpenAIAPIKey string
	OpenAIModel  string
	XAIAPIKey    string
	XAIBaseURL   string
	XAIModel     string
	LLMMaxTokens int
	LLMTimeout   time.Duration
	PLZTimeout   time.Duration

	STTAPIKey string
	TTSModel  string
	TTSVoice  string

	GeocodingAPIKey string
	RoutesAPIKey    string
	RoutesBaseURL   string

	TelegramBotToken string
	TelegramChatID   string

	OIDCUserinfoURL string

	GridCron string
}

// Load reads configuration from environment variables
func Load() *Config {
	cfg := &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogFormat:     getEnv("LOG_FORMAT", "json"),
		ServerURL:     getEnv("SERVER_URL", "http://localhost:8080"),
		DashboardURL:  getEnv("DASHBOARD_URL", ""),
		Timezone:      getEnv("TIMEZONE", "Europe/Berlin"),
		CacheDir:      getEnv("CACHE_DIR", "cache"),
		RedisAddr:     getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		TwilioAccountSID:    getEnv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:     getEnv("TWILIO_AUTH_TOKEN", ""),
		RecordingAccountSID: getEnv("TWILIO_RECORDING_SID", ""),
		RecordingAuthToken:  getEnv("TWILIO_RECORDING_SECRET", ""),
		SMSFromNumber:       getEnv("SMS_FROM_NUMBER", ""),
		VoiceName:           getEnv("VOICE_NAME", "Polly.Vicki"),
		VoiceLanguage:       getEnv("VOICE_LANGUAGE", "de-DE"),
		DialTimeout:         getEnvAsDuration("DIAL_TIMEOUT", 15*time.Second),

		OpenAIAPIKey: getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:  getEnv("OPENAI_MODEL", "gpt-4o"),
		XAIAPIKey:    getEnv("XAI_API_KEY", ""),
		XAIBaseURL:   getEnv("XAI_BASE_URL", "https://api.x.ai/v1"),
		XAIModel:     getEnv("XAI_MODEL", "grok-2-latest"),
		LLMMaxTokens: getEnvAsInt("LLM_MAX_TOKENS", 256),
		LLMTimeout:   getEnvAsDuration("LLM_TIMEOUT", 6*time.Second),
		PLZTimeout:   getEnvAsDuration("PLZ_TIMEOUT", 5*time.Second),

		STTAPIKey: getEnv("STT_API_KEY", ""),
		TTSModel:  getEnv("TTS_MODEL", "tts-1"),
		TTSVoice:  getEnv("TTS_VOICE", "alloy"),

		GeocodingAPIKey: getEnv("GEOCODING_API_KEY", ""),
		RoutesAPIKey:    getEnv("ROUTES_API_KEY", ""),
		RoutesBaseURL:   getEnv("ROUTES_BASE_URL", "https://routes.googleapis.com"),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),

		OIDCUserinfoURL: getEnv("OIDC_USERINFO_URL", ""),

		GridCron: getEnv("GRID_CRON", "17 3 * * *"),
	}

	if cfg.STTAPIKey == "" {
		cfg.STTAPIKey = cfg.OpenAIAPIKey
	}
	if cfg.RoutesAPIKey == "" {
		cfg.RoutesAPIKey = cfg.GeocodingAPIKey
	}
	if cfg.RecordingAccountSID == "" {
		cfg.RecordingAccountSID = cfg.TwilioAccountSID
		cfg.RecordingAuthToken = cfg.TwilioAuthToken
	}

	return cfg
}

// Location resolves the configured timezone, falling back to UTC when the
// name does not load.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
