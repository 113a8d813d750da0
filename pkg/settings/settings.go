// Package settings reads process configuration from the environment,
// optionally preloaded from a .env file.
package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Launcher modes.
const (
	LauncherNone   = ""
	LauncherDocker = "docker"
)

// Store backends.
const (
	StoreSQLite = "sqlite"
	StoreJSONL  = "jsonl"
)

// Settings is the process configuration.
type Settings struct {
	Addr       string     // QDASH_ADDR, HTTP listen address
	BackendURL string     // QDASH_BACKEND_URL, empty runs offline
	UserID     string     // QDASH_USER_ID
	Store      string     // QDASH_STORE, sqlite or jsonl
	DBPath     string     // QDASH_DB_PATH, sqlite database file
	DataDir    string     // QDASH_DATA_DIR, jsonl root directory
	LogLevel   slog.Level // LOG_LEVEL
	SMFile     string     // QDASH_SM_FILE, optional Standard Model override
	Launcher   string     // QDASH_LAUNCHER
	SimImage   string     // QDASH_SIM_IMAGE
}

// Load reads envFile (if present) into the environment and returns the
// resulting settings. Variables already set take precedence over the file.
func Load(envFile string) (Settings, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Settings{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds settings from a lookup function.
func FromEnv(getenv func(string) string) (Settings, error) {
	get := func(key, def string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return def
	}

	s := Settings{
		Addr:       get("QDASH_ADDR", ":8080"),
		BackendURL: get("QDASH_BACKEND_URL", ""),
		UserID:     get("QDASH_USER_ID", "local"),
		Store:      strings.ToLower(get("QDASH_STORE", StoreSQLite)),
		DBPath:     get("QDASH_DB_PATH", "data/qdash.db"),
		DataDir:    get("QDASH_DATA_DIR", "data"),
		SMFile:     get("QDASH_SM_FILE", ""),
		Launcher:   strings.ToLower(get("QDASH_LAUNCHER", LauncherNone)),
		SimImage:   get("QDASH_SIM_IMAGE", ""),
	}
	if err := s.LogLevel.UnmarshalText([]byte(get("LOG_LEVEL", "info"))); err != nil {
		return Settings{}, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	switch s.Launcher {
	case LauncherNone, LauncherDocker:
	default:
		return Settings{}, fmt.Errorf("QDASH_LAUNCHER: unknown launcher %q", s.Launcher)
	}
	switch s.Store {
	case StoreSQLite, StoreJSONL:
	default:
		return Settings{}, fmt.Errorf("QDASH_STORE: unknown store %q", s.Store)
	}
	return s, nil
}

// Offline reports whether no backend is configured.
func (s Settings) Offline() bool { return s.BackendURL == "" }

// standardModelFile is the layout of QDASH_SM_FILE:
//
//	modules:
//	  qed: [photon, electron]
//	  qcd: [gluon]
type standardModelFile struct {
	Modules map[string][]string `yaml:"modules"`
}

// LoadStandardModel reads a Standard Model override (module id -> field ids).
func LoadStandardModel(path string) (map[string][]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read standard model file: %w", err)
	}
	var f standardModelFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse standard model file: %w", err)
	}
	if len(f.Modules) == 0 {
		return nil, fmt.Errorf("standard model file %s declares no modules", path)
	}
	out := make(map[string][]string, len(f.Modules))
	for m, fields := range f.Modules {
		if fields == nil {
			fields = []string{}
		}
		out[m] = fields
	}
	return out, nil
}
