package system

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// LoadDefaultEnv loads ".env" unless the environment is already configured.
// LOG_LEVEL being set means the process was started with explicit settings
// and the file should not override them.
func LoadDefaultEnv() error {
	if os.Getenv("LOG_LEVEL") != "" {
		return nil
	}
	return LoadEnv(".env")
}

// LoadEnv reads KEY=VALUE pairs from filename into the environment. Blank
// lines, comments and lines without "=" are skipped; values may carry
// surrounding quotes. When the file is not in the working directory the
// parent directories are searched, so binaries run from cmd/ subdirectories
// still pick up the project file.
func LoadEnv(filename string) error {
	path, err := resolveEnvFile(filename)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		if err := os.Setenv(strings.TrimSpace(key), value); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func resolveEnvFile(filename string) (string, error) {
	if _, err := os.Stat(filename); err == nil {
		return filename, nil
	}
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		candidate := filepath.Join(dir, filename)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir { // reached the filesystem root
			return "", os.ErrNotExist
		}
		dir = parent
	}
}
