package config

import (
	"strings"
	"time"

	"flashchat-backend/pkg/constants"
	"flashchat-backend/pkg/env"
)

// Config holds all runtime configuration for the call service, loaded from
// environment variables with development-friendly defaults.
type Config struct {
	Env  string
	Port string

	// Signaling backend
	FirebaseProjectID       string
	FirebaseCredentialsFile string

	// Redis (push token store, rate limiting, token revocation)
	RedisHost     string
	RedisPort     string
	RedisPassword string

	// Call archive database (CockroachDB), optional
	ArchiveEnabled bool
	DBHost         string
	DBPort         string
	DBUser         string
	DBPassword     string
	DBName         string
	DBSSLMode      string

	// Auth
	JWTSecret           string
	AccessTokenDuration time.Duration

	// Call behavior
	ICEServers      []string
	RateLimitMax    int
	RateLimitWindow time.Duration
	HTTPRateLimit   int
	HTTPRateWindow  time.Duration
	RequestTimeout  time.Duration
	APNsKeyFile     string
	APNsKeyID       string
	APNsTeamID      string
	APNsTopic       string
	APNsProduction  bool
	PushFCMEnabled  bool
	PushAPNsEnabled bool
}

// Load reads configuration from the environment.
func Load() *Config {
	return &Config{
		Env:  env.GetString("ENV", "development"),
		Port: env.GetString("PORT", "8084"),

		FirebaseProjectID:       env.GetString("FIREBASE_PROJECT_ID", ""),
		FirebaseCredentialsFile: env.GetString("FIREBASE_CREDENTIALS_FILE", ""),

		RedisHost:     env.GetString("REDIS_HOST", "localhost"),
		RedisPort:     env.GetString("REDIS_PORT", "6379"),
		RedisPassword: env.GetStringFromFile("REDIS_PASSWORD", ""),

		ArchiveEnabled: env.GetBool("CALL_ARCHIVE_ENABLED", false),
		DBHost:         env.GetString("DB_HOST", "localhost"),
		DBPort:         env.GetString("DB_PORT", "26257"),
		DBUser:         env.GetString("DB_USER", "root"),
		DBPassword:     env.GetStringFromFile("DB_PASSWORD", ""),
		DBName:         env.GetString("DB_NAME", "flashchat"),
		DBSSLMode:      env.GetString("DB_SSLMODE", "disable"),

		JWTSecret:           env.GetStringFromFile("JWT_SECRET", "secret"),
		AccessTokenDuration: env.GetDuration("ACCESS_TOKEN_DURATION", constants.AccessTokenExpiry),

		ICEServers:      iceServers(),
		RateLimitMax:    env.GetInt("CALL_RATE_LIMIT_MAX", constants.CallRateLimitMax),
		RateLimitWindow: env.GetDuration("CALL_RATE_LIMIT_WINDOW", constants.CallRateLimitWindow),
		HTTPRateLimit:   env.GetInt("HTTP_RATE_LIMIT", 100),
		HTTPRateWindow:  env.GetDuration("HTTP_RATE_WINDOW", time.Minute),
		RequestTimeout:  env.GetDuration("REQUEST_TIMEOUT", constants.DefaultTimeout),

		APNsKeyFile:    env.GetString("APNS_KEY_FILE", ""),
		APNsKeyID:      env.GetString("APNS_KEY_ID", ""),
		APNsTeamID:     env.GetString("APNS_TEAM_ID", ""),
		APNsTopic:      env.GetString("APNS_TOPIC", "com.flashchat.app"),
		APNsProduction: env.GetBool("APNS_PRODUCTION", false),

		PushFCMEnabled:  env.GetBool("PUSH_FCM_ENABLED", true),
		PushAPNsEnabled: env.GetBool("PUSH_APNS_ENABLED", false),
	}
}

// GetRedisAddr returns the Redis address in host:port form.
func (c *Config) GetRedisAddr() string {
	return c.RedisHost + ":" + c.RedisPort
}

// IsProduction reports whether the service runs with production settings.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func iceServers() []string {
	raw := env.GetString("ICE_SERVERS", "")
	if raw == "" {
		return constants.DefaultICEServers
	}
	var servers []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			servers = append(servers, s)
		}
	}
	return servers
}
