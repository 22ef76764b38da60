package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	minTypingTimeout = time.Second
	maxTypingTimeout = 5 * time.Second
)

// Config holds all environment-based configuration for chatsync.
type Config struct {
	// Chat service endpoints and credentials.
	APIURL  string `env:"CHAT_API_URL"`
	FeedURL string `env:"CHAT_FEED_URL"`
	Token   string `env:"CHAT_TOKEN"`
	UserID  string `env:"CHAT_USER_ID"`

	// Rooms to follow, comma separated. Empty means every joined room.
	RoomIDs string `env:"CHAT_ROOM_IDS"`

	// Messages fetched as catch-up when a subscription starts.
	MessageLimit int `env:"CHAT_MESSAGE_LIMIT" envDefault:"20"`

	TypingTimeout      time.Duration `env:"TYPING_TIMEOUT" envDefault:"3s"`
	RequestMaxAttempts int           `env:"REQUEST_MAX_ATTEMPTS" envDefault:"3"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	// Path of the bbolt state file. Defaults to ~/.chatsync/state.db.
	StatePath string `env:"STATE_PATH"`

	EnableMCP     bool   `env:"ENABLE_MCP" envDefault:"false"`
	MCPListenAddr string `env:"MCP_LISTEN_ADDR" envDefault:"127.0.0.1:8090"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. The file carries the API token.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.FeedURL == "" {
		cfg.FeedURL = cfg.APIURL
	}

	if cfg.StatePath != "" {
		abs, err := filepath.Abs(cfg.StatePath)
		if err != nil {
			return nil, fmt.Errorf("resolving state path to absolute path: %w", err)
		}

		cfg.StatePath = abs
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("CHAT_API_URL is required")
	}

	u, err := url.Parse(c.APIURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("CHAT_API_URL must be an absolute http(s) URL, got %q", c.APIURL)
	}

	if c.FeedURL != "" {
		f, err := url.Parse(c.FeedURL)
		if err != nil || f.Host == "" {
			return fmt.Errorf("CHAT_FEED_URL must be an absolute URL, got %q", c.FeedURL)
		}

		switch f.Scheme {
		case "http", "https", "ws", "wss":
		default:
			return fmt.Errorf("CHAT_FEED_URL has unsupported scheme %q", f.Scheme)
		}
	}

	if c.Token == "" {
		return fmt.Errorf("CHAT_TOKEN is required")
	}

	if c.UserID == "" {
		return fmt.Errorf("CHAT_USER_ID is required")
	}

	if c.MessageLimit < 0 {
		return fmt.Errorf("CHAT_MESSAGE_LIMIT must not be negative, got %d", c.MessageLimit)
	}

	if c.TypingTimeout < minTypingTimeout || c.TypingTimeout > maxTypingTimeout {
		return fmt.Errorf("TYPING_TIMEOUT must be between %s and %s, got %s", minTypingTimeout, maxTypingTimeout, c.TypingTimeout)
	}

	if c.RequestMaxAttempts < 1 {
		return fmt.Errorf("REQUEST_MAX_ATTEMPTS must be at least 1, got %d", c.RequestMaxAttempts)
	}

	if c.EnableMCP && c.MCPListenAddr == "" {
		return fmt.Errorf("MCP_LISTEN_ADDR is required when MCP is enabled")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// ParseRoomIDs splits CHAT_ROOM_IDS into room IDs, dropping blanks and
// duplicates while keeping the configured order. A nil result means
// "follow every joined room".
func (c *Config) ParseRoomIDs() []string {
	if c.RoomIDs == "" {
		return nil
	}

	seen := make(map[string]struct{})

	var ids []string

	for _, id := range strings.Split(c.RoomIDs, ",") {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}

		if _, dup := seen[id]; dup {
			continue
		}

		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	return ids
}
