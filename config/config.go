// Package config loads process configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds everything the server needs to run.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string

	// PublicURL is the externally reachable base URL (webhooks, NCCO).
	PublicURL string

	// WSBaseURL is the externally reachable websocket base URL handed to
	// the telephony provider for the media leg.
	WSBaseURL string

	// VonageAPIURL is the Vonage voice API base. Overridable for tests.
	VonageAPIURL string

	VonageApplicationID string
	VonagePrivateKey    string // path to the RS256 private key PEM
	VonageNumber        string

	DeepgramAPIKey string

	// LanguageCode for transcription sessions.
	LanguageCode string

	// StartThreshold is the number of buffered audio chunks that triggers
	// a transcription subsession start for a speaker.
	StartThreshold int

	LogLevel string
}

// Load reads configuration from the environment. A missing .env file is not
// an error.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Addr:                envOrDefault("ADDR", ":8081"),
		PublicURL:           envOrDefault("PUBLIC_URL", "http://localhost:8081"),
		WSBaseURL:           envOrDefault("WS_BASE_URL", "ws://localhost:8081"),
		VonageAPIURL:        envOrDefault("VONAGE_API_URL", "https://api.nexmo.com"),
		VonageApplicationID: os.Getenv("VONAGE_APPLICATION_ID"),
		VonagePrivateKey:    envOrDefault("VONAGE_PRIVATE_KEY_PATH", "private.key"),
		VonageNumber:        os.Getenv("VONAGE_NUMBER"),
		DeepgramAPIKey:      os.Getenv("DEEPGRAM_API_KEY"),
		LanguageCode:        envOrDefault("LANGUAGE_CODE", "en-US"),
		StartThreshold:      envIntOrDefault("START_THRESHOLD", 10),
		LogLevel:            envOrDefault("LOG_LEVEL", "info"),
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
