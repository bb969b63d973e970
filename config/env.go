package config

import (
	"errors"
	"io/fs"
	"log/slog"

	"github.com/joho/godotenv"
)

// LoadEnv reads .env into the process environment. Variables already set win;
// a missing file is fine (containers pass env directly).
func LoadEnv(files ...string) {
	if err := godotenv.Load(files...); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return
		}
		slog.Warn("could not load .env", "error", err)
	}
}
