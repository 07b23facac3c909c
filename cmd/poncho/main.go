// Package main is the poncho CLI: a single-agent runtime that serves the
// HTTP API, runs one-shot tasks, and validates agent manifests.
//
// Basic usage:
//
//	poncho serve --config poncho.yaml
//	poncho run "summarize the open incidents"
//	poncho validate
//
// Model-provider keys come from the environment (ANTHROPIC_API_KEY,
// OPENAI_API_KEY); the API bearer token from PONCHO_AUTH_TOKEN unless
// configured otherwise.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ponchohq/poncho/internal/agent"
	"github.com/ponchohq/poncho/internal/approval"
	slackbridge "github.com/ponchohq/poncho/internal/channels/slack"
	"github.com/ponchohq/poncho/internal/config"
	"github.com/ponchohq/poncho/internal/gateway"
	"github.com/ponchohq/poncho/internal/manifest"
	"github.com/ponchohq/poncho/internal/memory"
	"github.com/ponchohq/poncho/internal/mcp"
	"github.com/ponchohq/poncho/internal/provider"
	"github.com/ponchohq/poncho/internal/skills"
	"github.com/ponchohq/poncho/internal/store"
	"github.com/ponchohq/poncho/internal/stream"
	"github.com/ponchohq/poncho/internal/tools"
	"github.com/ponchohq/poncho/pkg/models"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "poncho",
		Short:        "Poncho - manifest-driven AI agent runtime",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	root.AddCommand(
		buildServeCmd(),
		buildRunCmd(),
		buildValidateCmd(),
	)
	return root
}

// app is everything a running agent needs, wired once at startup.
type app struct {
	cfg      *config.Config
	manifest *manifest.Manifest
	stores   *store.Stores
	runner   *agent.Runner
	arbiter  *approval.Arbiter
	streams  *stream.Registry
	skills   *skills.Catalog
	servers  *mcp.Manager
	logger   *slog.Logger
}

func (a *app) close(ctx context.Context) {
	if a.servers != nil {
		a.servers.Close(ctx)
	}
	if a.stores != nil {
		if err := a.stores.Close(); err != nil {
			a.logger.Warn("closing stores failed", "error", err)
		}
	}
}

// buildApp loads config and manifest and assembles the full runtime: stores,
// skills, remote tool servers, the tool registry, and the runner.
func buildApp(ctx context.Context, configPath string, decider approval.Decider) (*app, error) {
	logger := slog.Default()

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	m, err := manifest.Load(cfg.Manifest)
	if err != nil {
		return nil, err
	}

	root := cfg.Store.Root
	if root == "" {
		root = manifest.StoreRoot()
	}
	if err := m.EnsureID(filepath.Join(root, manifest.Slug(m.Name))); err != nil {
		return nil, err
	}
	stateDir := m.Identity().StateDir(root)

	client, err := provider.Resolve(m.Model.Provider)
	if err != nil {
		return nil, err
	}

	stores, err := store.Open(cfg.Store, m.Identity(), logger)
	if err != nil {
		return nil, err
	}

	catalog := skills.NewCatalog(cfg.SkillDirs, logger)
	if err := catalog.Scan(); err != nil {
		logger.Warn("skill scan failed", "error", err)
	}

	servers, err := mcp.NewManager(cfg.Servers, cfg.Environment, logger)
	if err != nil {
		stores.Close()
		return nil, err
	}
	discoverCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	discovered := servers.Discover(discoverCtx)
	cancel()
	logger.Info("remote tools discovered", "count", len(discovered))

	memStore := memory.NewStore(stateDir, stores.Conversations)

	registry := tools.NewRegistry(tools.Options{
		Environment:      cfg.Environment,
		Policy:           m.Policy(),
		ApprovalPatterns: m.ApprovalRequired,
		Logger:           logger,
	})
	registry.Register(tools.Filesystem(tools.FilesystemConfig{
		Root:       cfg.WorkingDir,
		AllowWrite: cfg.Tools.Filesystem.AllowWrite,
	}, cfg.Environment)...)
	registry.Register(memory.Tools(memStore)...)
	registry.Register(skills.Tools(catalog, &skills.ScriptRunner{})...)
	registry.Register(servers.RegistryTools(discovered)...)

	arbiter := approval.New(decider, logger)
	streams := stream.NewRegistry(stream.DefaultGrace, stream.DefaultBufferCap)

	runner := &agent.Runner{
		Manifest:        m,
		Provider:        client,
		Registry:        registry,
		Arbiter:         arbiter,
		Streams:         streams,
		Stores:          stores,
		Skills:          catalog,
		Environment:     cfg.Environment,
		WorkingDir:      cfg.WorkingDir,
		ApprovalTimeout: cfg.Approvals.Timeout,
		Logger:          logger,
	}

	return &app{
		cfg:      cfg,
		manifest: m,
		stores:   stores,
		runner:   runner,
		arbiter:  arbiter,
		streams:  streams,
		skills:   catalog,
		servers:  servers,
		logger:   logger,
	}, nil
}

func buildServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the agent over HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, configPath, nil)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			// Watch blocks until ctx is done, so it gets its own goroutine.
			go func() {
				if err := a.skills.Watch(ctx, 0); err != nil && !errors.Is(err, context.Canceled) {
					a.logger.Warn("skill watching stopped", "error", err)
				}
			}()

			auth, err := gateway.NewAuthenticator(gateway.AuthConfig{
				Token:      a.cfg.Auth.Token(),
				Passphrase: a.cfg.Auth.Passphrase,
				JWTSecret:  []byte(a.cfg.Auth.JWTSecret),
				SessionTTL: a.cfg.Auth.SessionTTL,
			})
			if err != nil {
				return err
			}
			srv := &gateway.Server{
				Auth:     auth,
				Runner:   a.runner,
				Stores:   a.stores,
				Streams:  a.streams,
				Arbiter:  a.arbiter,
				Uploads:  gateway.NewUploads(),
				Manifest: a.manifest,
				Metrics:  gateway.NewMetrics(),
				Logger:   a.logger,
			}

			if a.cfg.Slack.Enabled {
				if err := startSlack(ctx, a); err != nil {
					return err
				}
			}

			httpServer := &http.Server{
				Addr:              a.cfg.Server.Addr(),
				Handler:           srv.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				a.logger.Info("listening", "addr", httpServer.Addr, "agent", a.manifest.Name)
				errCh <- httpServer.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}
			a.logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "poncho.yaml", "config file path")
	return cmd
}

func startSlack(ctx context.Context, a *app) error {
	botEnv := a.cfg.Slack.BotTokenEnv
	if botEnv == "" {
		botEnv = "SLACK_BOT_TOKEN"
	}
	appEnv := a.cfg.Slack.AppTokenEnv
	if appEnv == "" {
		appEnv = "SLACK_APP_TOKEN"
	}
	botToken, appToken := os.Getenv(botEnv), os.Getenv(appEnv)
	if botToken == "" || appToken == "" {
		return fmt.Errorf("slack is enabled but %s or %s is not set", botEnv, appEnv)
	}
	bridge := slackbridge.New(slackbridge.Config{
		BotToken: botToken,
		AppToken: appToken,
	}, a.runner, a.stores.Conversations, a.logger)
	return bridge.Start(ctx)
}

func buildRunCmd() *cobra.Command {
	var configPath string
	var conversationID string
	cmd := &cobra.Command{
		Use:   "run [task...]",
		Short: "Run a single task and print the response",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, configPath, stdinDecider(cmd))
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			task := strings.Join(args, " ")
			conv, err := resolveConversation(ctx, a, conversationID)
			if err != nil {
				return err
			}

			broker, runID, err := a.runner.StartRun(ctx, conv, task, nil)
			if err != nil {
				return err
			}
			a.logger.Info("run started", "run", runID, "conversation", conv.ID)

			sub := broker.Subscribe()
			defer sub.Cancel()
			for ev := range sub.C {
				switch ev.Type {
				case models.EventModelChunk:
					var payload models.ModelChunkPayload
					if ev.Decode(&payload) == nil {
						fmt.Fprint(cmd.OutOrStdout(), payload.Text)
					}
				case models.EventRunCompleted:
					fmt.Fprintln(cmd.OutOrStdout())
					var payload models.RunCompletedPayload
					if ev.Decode(&payload) == nil && payload.Result.Continuation {
						fmt.Fprintln(cmd.ErrOrStderr(),
							"step budget reached; run again with --conversation", conv.ID, `and the task "Continue"`)
					}
					return nil
				case models.EventRunCancelled:
					fmt.Fprintln(cmd.ErrOrStderr(), "run cancelled")
					return nil
				case models.EventRunError:
					var payload models.RunErrorPayload
					_ = ev.Decode(&payload)
					return fmt.Errorf("%s: %s", payload.Code, payload.Message)
				}
			}
			return fmt.Errorf("event stream ended unexpectedly")
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "poncho.yaml", "config file path")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "continue an existing conversation")
	return cmd
}

func resolveConversation(ctx context.Context, a *app, id string) (*models.Conversation, error) {
	if id != "" {
		return a.stores.Conversations.Get(ctx, id)
	}
	return a.stores.Conversations.Create(ctx, &models.Conversation{OwnerID: "cli"})
}

// stdinDecider resolves gated tool calls interactively on the terminal.
func stdinDecider(cmd *cobra.Command) approval.Decider {
	reader := bufio.NewReader(cmd.InOrStdin())
	return func(_ context.Context, req *approval.Request) (approval.Decision, error) {
		fmt.Fprintf(cmd.ErrOrStderr(), "approve tool %s? input: %s [y/N]: ", req.Tool, string(req.Input))
		line, err := reader.ReadString('\n')
		if err != nil {
			return approval.Decision{Approved: false, Reason: "no interactive answer"}, nil
		}
		answer := strings.ToLower(strings.TrimSpace(line))
		if answer == "y" || answer == "yes" {
			return approval.Decision{Approved: true}, nil
		}
		return approval.Decision{Approved: false, Reason: "denied at the terminal"}, nil
	}
}

func buildValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file and agent manifest",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			m, err := manifest.Load(cfg.Manifest)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: agent %q (%d cron jobs, %d allowed-tool patterns)\n",
				m.Name, len(m.Cron), len(m.AllowedTools))
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "poncho.yaml", "config file path")
	return cmd
}
