// Package config loads process-wide settings from the environment, with an
// optional .env file for local development.
package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config is the resolved set of startup knobs for the server.
type Config struct {
	Port              string
	SerialDeviceLabel string
	TaskCatalogPath   string
	PlayersPerSession int
}

// Load reads .env if present (a missing file is not an error; this mirrors
// local-dev-only .env usage, not a deploy requirement) and resolves defaults
// for anything unset.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("config: no .env file loaded")
	}

	return Config{
		Port:              getEnv("EDMO_PORT", "8080"),
		SerialDeviceLabel: getEnv("EDMO_SERIAL_LABEL", ""),
		TaskCatalogPath:   getEnv("EDMO_TASK_CATALOG", "tasks.json"),
		PlayersPerSession: getEnvInt("EDMO_PLAYERS_PER_SESSION", 4),
	}
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("config: invalid integer, using default")
		return fallback
	}
	return n
}
