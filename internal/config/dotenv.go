package config

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads KEY=VALUE pairs from the given files (default
// ".env") into the process environment. Variables that are already set
// win. Missing files are skipped and reported as loaded=false.
func LoadDotEnv(paths ...string) (loaded bool, err error) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return loaded, fmt.Errorf("load %s: %w", p, err)
		}
		loaded = true
	}
	return loaded, nil
}
