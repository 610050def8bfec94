// ABOUTME: Entry point for omni-agent, the reference agent for omni-gateway
// ABOUTME: Usage: omni-agent --url ws://host:8080/connect [--id ID] [--token TOKEN]

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/2389/omni-gateway/internal/agent"
	"github.com/2389/omni-gateway/internal/auth"
)

// selfSignedTTL matches the lifetime of agent tokens issued by omni-gateway token.
const selfSignedTTL = 6 * time.Hour

// Version is set at build time.
var version = "dev"

func newRootCmd() *cobra.Command {
	var (
		url             string
		agentID         string
		token           string
		metricsInterval time.Duration
		debug           bool
	)

	root := &cobra.Command{
		Use:   "omni-agent",
		Short: "Reference agent for omni-gateway",
		Long: `omni-agent connects to an omni-gateway, announces itself and executes
shell and metrics commands pushed by operators. It reconnects forever until
interrupted.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			level := slog.LevelInfo
			if debug {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
			return run(cmd.Context(), url, agentID, token, metricsInterval, logger)
		},
	}

	flags := root.Flags()
	flags.StringVar(&url, "url", envOr("OMNI_GATEWAY_URL", "ws://localhost:8080/connect"), "gateway connect URL")
	flags.StringVar(&agentID, "id", os.Getenv("OMNI_AGENT_ID"), "agent id (default: persisted random id)")
	flags.StringVar(&token, "token", os.Getenv("OMNI_AGENT_TOKEN"), "agent token (default: self-signed with OMNI_JWT_SECRET)")
	flags.DurationVar(&metricsInterval, "metrics-interval", agent.DefaultMetricsInterval, "interval between agent:metrics reports")
	flags.BoolVarP(&debug, "debug", "d", false, "enable debug logging")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "omni-agent %s\n", version)
		},
	})
	return root
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, url, agentID, token string, metricsInterval time.Duration, logger *slog.Logger) error {
	if agentID == "" {
		path, err := agent.DefaultIDPath()
		if err != nil {
			return err
		}
		if agentID, err = agent.LoadOrCreateID(path); err != nil {
			return err
		}
	}

	tokenSource, err := resolveTokenSource(agentID, token, os.Getenv("OMNI_JWT_SECRET"))
	if err != nil {
		return err
	}

	rt, err := agent.New(agent.Config{
		URL:             url,
		AgentID:         agentID,
		TokenSource:     tokenSource,
		MetricsInterval: metricsInterval,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	logger.Info("starting omni-agent", "agent_id", agentID, "url", url)
	return rt.Run(ctx)
}

// resolveTokenSource prefers an explicit token. Without one, a fresh agent
// token is signed with secret before every connection attempt.
func resolveTokenSource(agentID, token, secret string) (func() (string, error), error) {
	if token != "" {
		return func() (string, error) { return token, nil }, nil
	}
	if secret == "" {
		return nil, errors.New("no agent token: set -token, OMNI_AGENT_TOKEN or OMNI_JWT_SECRET")
	}
	tokens := auth.NewTokenService([]byte(secret))
	return func() (string, error) {
		return tokens.Issue(agentID, auth.RoleAgent, nil, selfSignedTTL)
	}, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
