// Package config loads the engine's runtime configuration from the
// environment using plain getenv-style helpers, with an optional .env
// file loaded first for local/dev runs (joho/godotenv) and struct-tag
// validation (go-playground/validator/v10) in place of ad hoc "is this set"
// checks.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config is the process-wide knob set shared by the coordinator and every
// worker: the number of workers, the shard count each table is partitioned
// into, how many BSP iterations to run, and checkpointing policy.
type Config struct {
	NumWorkers    int    `validate:"gte=1"`
	Shards        int    `validate:"gtefield=NumWorkers"`
	Iterations    int    `validate:"gte=1"`
	Checkpoint    bool
	CheckpointDir string `validate:"required_if=Checkpoint true"`
	Slots         int    `validate:"gte=1"`
}

var validate = validator.New()

// Load reads a .env file if present (errors loading it are ignored, matching
// godotenv's own recommended usage for optional local overrides), then
// populates Config from the environment, applying defaults for optional
// settings and failing for anything required but absent.
func Load() (Config, error) {
	_ = godotenv.Load()

	numWorkers, err := getenvInt("BSP_NUM_WORKERS", 1)
	if err != nil {
		return Config{}, err
	}
	shards, err := getenvInt("BSP_SHARDS", numWorkers)
	if err != nil {
		return Config{}, err
	}
	iterations, err := getenvInt("BSP_ITERATIONS", 1)
	if err != nil {
		return Config{}, err
	}
	slots, err := getenvInt("BSP_SLOTS", 1)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		NumWorkers:    numWorkers,
		Shards:        shards,
		Iterations:    iterations,
		Checkpoint:    getenvBool("BSP_CHECKPOINT", false),
		CheckpointDir: getenv("BSP_CHECKPOINT_DIR", ""),
		Slots:         slots,
	}

	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// getenv retrieves an environment variable with a default fallback value.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvInt(k string, def int) (int, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be an integer: %w", k, err)
	}
	return n, nil
}

func getenvBool(k string, def bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
