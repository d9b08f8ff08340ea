package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/chatterbox/internal/config"
	"github.com/zulandar/chatterbox/internal/db"
	"github.com/zulandar/chatterbox/internal/genai"
	"github.com/zulandar/chatterbox/internal/health"
	"github.com/zulandar/chatterbox/internal/metrics"
	"github.com/zulandar/chatterbox/internal/telegraph"
	discordadapter "github.com/zulandar/chatterbox/internal/telegraph/discord"
	slackadapter "github.com/zulandar/chatterbox/internal/telegraph/slack"
)

func newStartCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the Chatterbox daemon",
		Long:  "Connects to the configured chat platform and generation backend and serves conversations until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Chatterbox config file")
	return cmd
}

func runStart(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	creds, err := config.LoadCredentials()
	if err != nil {
		return err
	}
	if err := creds.Validate(cfg); err != nil {
		if errors.Is(err, config.ErrMissingBackendCredential) {
			log.Printf("start: %v", err)
		}
		return err
	}

	backend, err := genai.New(cfg.Backend, creds)
	if err != nil {
		return fmt.Errorf("start: backend: %w", err)
	}

	gormDB, err := db.Connect(cfg.Database, creds.DBPassword)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}

	adapter, err := createAdapter(cfg, creds)
	if err != nil {
		return err
	}

	m := metrics.New()
	daemon, err := telegraph.NewDaemon(telegraph.DaemonOpts{
		DB:      gormDB,
		Config:  cfg,
		Adapter: adapter,
		Backend: backend,
		Metrics: m,
		Out:     cmd.OutOrStdout(),
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle OS signals for graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if cfg.Health.Port > 0 {
		go func() {
			if err := health.Start(ctx, health.StartOpts{
				Port:    cfg.Health.Port,
				Metrics: m.Handler(),
				Out:     cmd.OutOrStdout(),
			}); err != nil {
				log.Printf("start: %v", err)
			}
		}()
	}

	return daemon.Run(ctx)
}

// createAdapter builds a platform adapter from the config.
func createAdapter(cfg *config.Config, creds *config.Credentials) (telegraph.Adapter, error) {
	switch cfg.Platform.Name {
	case "slack":
		return slackadapter.New(slackadapter.AdapterOpts{
			AppToken: creds.SlackAppToken,
			BotToken: creds.SlackBotToken,
		})
	case "discord":
		return discordadapter.New(discordadapter.AdapterOpts{
			BotToken:  creds.DiscordToken,
			AdminRole: cfg.Platform.AdminRole,
		})
	default:
		return nil, fmt.Errorf("start: unsupported platform %q", cfg.Platform.Name)
	}
}
