package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/subosito/gotenv"
)

const envFileHeader = "# phinbridge configuration\n"

// ParseEnvFile parses KEY=value lines. Comments, blank lines, quoted
// values and "export" prefixes are accepted.
func ParseEnvFile(r io.Reader) (map[string]string, error) {
	env, err := gotenv.StrictParse(r)
	if err != nil {
		return nil, fmt.Errorf("parse env file: %w", err)
	}
	values := make(map[string]string, len(env))
	for k, v := range env {
		values[k] = v
	}
	return values, nil
}

// WriteEnvFile atomically replaces path with values, sorted by key.
// The file holds secrets and is written with mode 0600.
func WriteEnvFile(path string, values map[string]string) error {
	body, err := gotenv.Marshal(gotenv.Env(values))
	if err != nil {
		return fmt.Errorf("marshal env file: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(envFileHeader+body+"\n"), 0o600); err != nil {
		return fmt.Errorf("write env file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace env file: %w", err)
	}
	return nil
}
