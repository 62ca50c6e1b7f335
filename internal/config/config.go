package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	ContentRoot  string
	ManifestName string
	ChaptersDir  string
	LogMode      string
	Addr         string
	CORSOrigin   string
	ScanWorkers  int
	// History journal
	HistoryEnabled bool
	HistoryDir     string
	// Redis notifications, disabled when RedisURL is empty
	RedisURL     string
	RedisChannel string
}

// Load reads .env (when present) and then the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	root := getenv("CONTENT_ROOT", "public")
	return Config{
		ContentRoot:    root,
		ManifestName:   getenv("CONTENT_MANIFEST", "manifest.json"),
		ChaptersDir:    getenv("CONTENT_CHAPTERS_DIR", "chapters"),
		LogMode:        getenv("LOG_MODE", "dev"),
		Addr:           getenv("API_ADDR", "127.0.0.1:8790"),
		CORSOrigin:     getenv("CORS_ORIGIN", "*"),
		ScanWorkers:    getenvInt("SCAN_WORKERS", 4),
		HistoryEnabled: getenvBool("HISTORY_ENABLED", false),
		HistoryDir:     getenv("HISTORY_DIR", filepath.Join(root, ".chapter-history")),
		RedisURL:       getenv("REDIS_URL", ""),
		RedisChannel:   getenv("REDIS_CHANNEL", "chapters:versions"),
	}, nil
}

// WithRoot re-derives the root-relative defaults for an overridden content root.
func (c Config) WithRoot(root string) Config {
	if root == "" || root == c.ContentRoot {
		return c
	}
	if c.HistoryDir == filepath.Join(c.ContentRoot, ".chapter-history") {
		c.HistoryDir = filepath.Join(root, ".chapter-history")
	}
	c.ContentRoot = root
	return c
}

func (c Config) ManifestPath() string {
	return filepath.Join(c.ContentRoot, c.ManifestName)
}

func (c Config) ChaptersPath() string {
	return filepath.Join(c.ContentRoot, c.ChaptersDir)
}

func getenv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	switch value {
	case "":
		return fallback
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
