package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/felipepmaragno/chatbridge/internal/api"
	"github.com/felipepmaragno/chatbridge/internal/config"
	"github.com/felipepmaragno/chatbridge/internal/domain"
	"github.com/felipepmaragno/chatbridge/internal/metrics"
	"github.com/felipepmaragno/chatbridge/internal/telemetry"
)

// rootOptions are the persistent flags; set values override the environment.
type rootOptions struct {
	configFile string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	var cfg *config.Config

	root := &cobra.Command{
		Use:           "chatbridge",
		Short:         "One chat interface over several AI providers",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if opts.configFile != "" {
				loaded.ConfigFile = opts.configFile
			}
			if opts.logLevel != "" {
				loaded.LogLevel = opts.logLevel
			}

			// serve logs to stdout like any service; interactive commands keep
			// stdout for their own output
			logOut := io.Writer(os.Stderr)
			if cmd.Name() == "serve" {
				logOut = os.Stdout
			}
			setupLogger(loaded.LogLevel, logOut)

			cfg = loaded
			return nil
		},
	}

	root.PersistentFlags().StringVar(&opts.configFile, "config", "", "Path of the configuration document (default $CHATBRIDGE_CONFIG)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error (default $LOG_LEVEL)")

	getConfig := func() *config.Config { return cfg }

	root.AddCommand(
		newServeCmd(getConfig),
		newChatCmd(getConfig),
		newModelsCmd(getConfig),
		newPingCmd(getConfig),
		newConfigCmd(getConfig),
	)
	return root
}

// withApp builds the app for one command run and closes it afterwards.
func withApp(ctx context.Context, cfg *config.Config, fn func(*app) error) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			slog.Warn("failed to release resources", "error", err)
		}
	}()
	return fn(a)
}

func newServeCmd(getConfig func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := getConfig()
			ctx := cmd.Context()

			shutdownTracer, err := telemetry.Init(ctx, telemetry.Options{
				ServiceName: "chatbridge",
				Version:     version,
				Endpoint:    cfg.OTLPEndpoint,
				SampleRatio: cfg.TraceSampleRatio,
			})
			if err != nil {
				slog.Warn("failed to initialize telemetry", "error", err)
				shutdownTracer = func(context.Context) error { return nil }
			}
			metrics.InitInstanceMetrics(version)

			return withApp(ctx, cfg, func(a *app) error {
				return serve(ctx, a, shutdownTracer)
			})
		},
	}
}

func serve(ctx context.Context, a *app, shutdownTracer func(context.Context) error) error {
	cfg := a.cfg
	slog.Info("starting chatbridge", "addr", cfg.Addr, "version", version, "config", a.store.Path())

	checkers := []api.HealthChecker{api.NewStoreHealthChecker(a.store)}
	if cfg.RedisURL != "" {
		redisChecker, err := api.NewRedisHealthChecker(cfg.RedisURL)
		if err != nil {
			slog.Warn("invalid redis url, readiness will not check redis", "error", err)
		} else {
			checkers = append(checkers, redisChecker)
			a.closers = append(a.closers, redisChecker.Close)
		}
	}

	handler := api.NewHandler(api.HandlerConfig{
		Conversations: a.conversations,
		Store:         a.store,
		Clients:       a.clients,
		RateLimiter:   a.newRateLimiter(),
		Checkers:      checkers,
		Version:       version,
	})

	// WriteTimeout bounds a whole streamed reply, not a single write.
	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	slog.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		slog.Warn("failed to flush traces", "error", err)
	}

	slog.Info("server stopped")
	return nil
}

func newChatCmd(getConfig func() *config.Config) *cobra.Command {
	var (
		group    string
		provider string
		noStream bool
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat from standard input, one message per line",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), getConfig(), func(a *app) error {
				stream := a.store.StreamEnabled() && !noStream
				return runChat(cmd.Context(), a, cmd.InOrStdin(), cmd.OutOrStdout(), group, domain.ProviderID(provider), stream)
			})
		},
	}

	cmd.Flags().StringVarP(&group, "group", "g", "cli", "Conversation group")
	cmd.Flags().StringVarP(&provider, "provider", "p", "", "Provider (default from settings)")
	cmd.Flags().BoolVar(&noStream, "no-stream", false, "Wait for the whole reply instead of streaming it")
	return cmd
}

func runChat(ctx context.Context, a *app, in io.Reader, out io.Writer, group string, provider domain.ProviderID, stream bool) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		message := strings.TrimSpace(scanner.Text())
		if message == "" {
			continue
		}

		if !stream {
			fmt.Fprintln(out, a.conversations.Reply(ctx, message, group, provider))
			continue
		}

		for fragment := range a.conversations.ReplyStream(ctx, message, group, provider, nil) {
			fmt.Fprint(out, fragment)
		}
		fmt.Fprintln(out)

		if ctx.Err() != nil {
			return nil
		}
	}
	return scanner.Err()
}

func newModelsCmd(getConfig func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "models <provider>",
		Short: "List the models a provider offers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := domain.ParseProviderID(args[0])
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}

			return withApp(cmd.Context(), getConfig(), func(a *app) error {
				list, err := a.conversations.AvailableModels(cmd.Context(), id)
				if err != nil {
					return err
				}
				for _, m := range list {
					fmt.Fprintln(cmd.OutOrStdout(), m)
				}
				return nil
			})
		},
	}
}

func newPingCmd(getConfig func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Test the connection to every provider",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), getConfig(), func(a *app) error {
				results := a.conversations.TestConnections(cmd.Context())
				printConnectionResults(cmd.OutOrStdout(), results)
				return nil
			})
		},
	}
}

func printConnectionResults(out io.Writer, results map[domain.ProviderID]domain.ConnectionResult) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PROVIDER\tSTATUS\tTIME\tMODELS\tERROR")
	for _, id := range domain.Providers {
		result, ok := results[id]
		if !ok {
			continue
		}
		status := "ok"
		if !result.Success {
			status = "failed"
		}
		fmt.Fprintf(tw, "%s\t%s\t%.0fms\t%d\t%s\n", id, status, result.ResponseTimeMs, result.ModelCount, result.Error)
	}
	tw.Flush()
}

func newConfigCmd(getConfig func() *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or change the configuration document",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the settings with credentials masked",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd.Context(), getConfig(), func(a *app) error {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(api.NewSettingsView(a.store.Settings()))
				})
			},
		},
		&cobra.Command{
			Use:   "reset",
			Short: "Restore the built-in defaults",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd.Context(), getConfig(), func(a *app) error {
					if err := a.store.ResetToDefaults(); err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), "configuration reset to defaults:", a.store.Path())
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "set-key <provider> <key>",
			Short: "Store a provider credential",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := domain.ParseProviderID(args[0])
				if err != nil {
					return fmt.Errorf("%s: %w", args[0], err)
				}
				return withApp(cmd.Context(), getConfig(), func(a *app) error {
					if err := a.store.SetCredential(id, args[1]); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "credential for %s saved\n", id)
					return nil
				})
			},
		},
	)
	return cmd
}
