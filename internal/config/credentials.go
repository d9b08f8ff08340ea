package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// ErrMissingBackendCredential is returned by Credentials.Validate when the
// configured generation backend has no API key.
var ErrMissingBackendCredential = errors.New("config: missing backend credential")

// Credentials holds secrets read from the environment. They never live in
// the YAML file.
type Credentials struct {
	DiscordToken    string `env:"CHATTERBOX_DISCORD_TOKEN"`
	SlackBotToken   string `env:"CHATTERBOX_SLACK_BOT_TOKEN"`
	SlackAppToken   string `env:"CHATTERBOX_SLACK_APP_TOKEN"`
	OpenAIAPIKey    string `env:"CHATTERBOX_OPENAI_API_KEY"`
	OpenAIBaseURL   string `env:"CHATTERBOX_OPENAI_BASE_URL"`
	AnthropicAPIKey string `env:"CHATTERBOX_ANTHROPIC_API_KEY"`
	DBPassword      string `env:"CHATTERBOX_DB_PASSWORD"`
}

// LoadCredentials loads an optional .env file from the working directory and
// parses credentials from the process environment. Variables already set in
// the environment win over the .env file.
func LoadCredentials(envFiles ...string) (*Credentials, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", f, err)
		}
	}
	var creds Credentials
	if err := env.Parse(&creds); err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}
	return &creds, nil
}

// Validate checks that the credentials required by cfg are present. A
// missing backend key wraps ErrMissingBackendCredential.
func (c *Credentials) Validate(cfg *Config) error {
	switch cfg.Backend.Provider {
	case "anthropic":
		if c.AnthropicAPIKey == "" {
			return fmt.Errorf("%w: CHATTERBOX_ANTHROPIC_API_KEY is not set", ErrMissingBackendCredential)
		}
	default:
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("%w: CHATTERBOX_OPENAI_API_KEY is not set", ErrMissingBackendCredential)
		}
	}
	switch cfg.Platform.Name {
	case "discord":
		if c.DiscordToken == "" {
			return fmt.Errorf("config: CHATTERBOX_DISCORD_TOKEN is not set")
		}
	case "slack":
		if c.SlackBotToken == "" || c.SlackAppToken == "" {
			return fmt.Errorf("config: CHATTERBOX_SLACK_BOT_TOKEN and CHATTERBOX_SLACK_APP_TOKEN are required")
		}
	}
	return nil
}
