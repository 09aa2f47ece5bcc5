// Package config provides environment configuration helpers for voicebridge.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Defaults for optional settings.
const (
	DefaultPort          = 8081
	DefaultRealtimeModel = "gpt-realtime"
	DefaultRealtimeVoice = "alloy"
)

// Port returns the listening port from PORT, or the default.
func Port() int {
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			return p
		}
	}
	return DefaultPort
}

// OpenAIKeyRequired returns the OpenAI API key from OPENAI_API_KEY.
// Exits if not set: the bridge cannot open model sessions without it.
func OpenAIKeyRequired() string {
	key := os.Getenv("OPENAI_API_KEY")
	if key == "" {
		fmt.Fprintln(os.Stderr, "Error: OPENAI_API_KEY environment variable is required")
		os.Exit(1)
	}
	return key
}

// DatabaseURLRequired returns the agent directory DSN from DATABASE_URL.
// Exits if not set.
func DatabaseURLRequired() string {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		fmt.Fprintln(os.Stderr, "Error: DATABASE_URL environment variable is required")
		os.Exit(1)
	}
	return dsn
}

// RealtimeModel returns the model identifier from OPENAI_REALTIME_MODEL or default.
func RealtimeModel() string {
	if m := os.Getenv("OPENAI_REALTIME_MODEL"); m != "" {
		return m
	}
	return DefaultRealtimeModel
}

// RealtimeVoice returns the synthetic voice from OPENAI_REALTIME_VOICE or default.
func RealtimeVoice() string {
	if v := os.Getenv("OPENAI_REALTIME_VOICE"); v != "" {
		return v
	}
	return DefaultRealtimeVoice
}

// LogLevel returns the log level from LOG_LEVEL or "info".
func LogLevel() string {
	if l := os.Getenv("LOG_LEVEL"); l != "" {
		return l
	}
	return "info"
}
