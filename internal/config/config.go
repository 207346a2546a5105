// Package config loads process-wide configuration from the environment.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the Session Agent's runtime configuration. Every field is
// resolved once at startup from the environment; nothing here is mutated
// afterward.
type Config struct {
	// Port is the listen address for the control-plane and WebSocket server.
	Port string

	// StateBaseDir is the root directory under which each session's
	// embedded SQLite file lives (<StateBaseDir>/<sessionID>.db).
	StateBaseDir string

	// DirectoryBaseURL is the base URL of the external directory service.
	DirectoryBaseURL string

	// EventBusBaseURL is the base URL of the external event bus used for
	// cross-session notifications (user.joined, session.errored, ...).
	EventBusBaseURL string

	// DefaultIdleTimeout is used when a session's `start` call omits one.
	DefaultIdleTimeout time.Duration

	// QuestionExpiry is how long a runner question stays pending before
	// the scheduler expires it.
	QuestionExpiry time.Duration

	// TokenEncryptionKeyPath points at an age identity file used to
	// encrypt/decrypt OAuth tokens at rest in the directory.
	TokenEncryptionKeyPath string

	// GitHubAppID / GitHubPrivateKey configure the GitHub App bridge used
	// to mint installation tokens for create-pr/update-pr.
	GitHubAppID      string
	GitHubPrivateKey string

	// GitHubAppInstallationID is the bot-account installation whose token
	// the git-provider bridge falls back to when neither the prompt
	// author nor the session owner has a personal OAuth token on file.
	GitHubAppInstallationID int64

	// RequestTimeout bounds every outbound call to an external
	// collaborator (provisioner, directory, git provider, sibling agent).
	RequestTimeout time.Duration
}

// Load reads .env.local then .env (if present) and resolves Config from
// the process environment, applying the same defaults the teacher's
// backend falls back to when a variable is unset.
func Load() (*Config, error) {
	_ = godotenv.Overload(".env.local")
	_ = godotenv.Overload(".env")

	cfg := &Config{
		Port:                   getEnv("PORT", "8080"),
		StateBaseDir:           getEnv("STATE_BASE_DIR", "/data/state"),
		DirectoryBaseURL:       getEnv("DIRECTORY_BASE_URL", "http://directory.internal"),
		EventBusBaseURL:        getEnv("EVENT_BUS_BASE_URL", "http://eventbus.internal"),
		TokenEncryptionKeyPath: getEnv("TOKEN_ENCRYPTION_KEY_PATH", ""),
		GitHubAppID:            os.Getenv("GITHUB_APP_ID"),
		GitHubPrivateKey:       os.Getenv("GITHUB_PRIVATE_KEY"),
	}

	idleMS, err := getEnvInt("DEFAULT_IDLE_TIMEOUT_MS", 15*60*1000)
	if err != nil {
		return nil, fmt.Errorf("parse DEFAULT_IDLE_TIMEOUT_MS: %w", err)
	}
	cfg.DefaultIdleTimeout = time.Duration(idleMS) * time.Millisecond

	questionMS, err := getEnvInt("QUESTION_EXPIRY_MS", 5*60*1000)
	if err != nil {
		return nil, fmt.Errorf("parse QUESTION_EXPIRY_MS: %w", err)
	}
	cfg.QuestionExpiry = time.Duration(questionMS) * time.Millisecond

	reqTimeoutMS, err := getEnvInt("REQUEST_TIMEOUT_MS", 30*1000)
	if err != nil {
		return nil, fmt.Errorf("parse REQUEST_TIMEOUT_MS: %w", err)
	}
	cfg.RequestTimeout = time.Duration(reqTimeoutMS) * time.Millisecond

	if v := os.Getenv("GITHUB_APP_INSTALLATION_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse GITHUB_APP_INSTALLATION_ID: %w", err)
		}
		cfg.GitHubAppInstallationID = id
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}

// MustLoad loads configuration or terminates the process, matching the
// teacher's main.go startup-failure-is-fatal convention.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	return cfg
}
