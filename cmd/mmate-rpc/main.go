package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	mmate "github.com/glimte/mmate-rpc"
	"github.com/glimte/mmate-rpc/health"
	"github.com/glimte/mmate-rpc/messaging"
	"github.com/glimte/mmate-rpc/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Version information
	version   = "dev"
	gitCommit = "unknown"
)

func main() {
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:   "mmate-rpc",
		Short: "Request/response over RabbitMQ topic exchanges",
		Long: `mmate-rpc runs either side of a request/response exchange.
Start "server" in one terminal and "client" in another.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, gitCommit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	bindFlags(rootCmd, v)

	serverCmd := &cobra.Command{
		Use:   "server",
		Short: "Answer requests until interrupted or 'q' is entered",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, v, func(ctx context.Context, cfg *config, client *mmate.Client) error {
				return runServer(ctx, cfg, client, cmd.InOrStdin(), cmd.OutOrStdout())
			})
		},
	}

	clientCmd := &cobra.Command{
		Use:   "client",
		Short: "Send each line read from stdin as a request; 'q' quits",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, v, func(ctx context.Context, cfg *config, client *mmate.Client) error {
				return runClient(ctx, cfg, client, cmd.InOrStdin(), cmd.OutOrStdout())
			})
		},
	}

	requestCmd := &cobra.Command{
		Use:   "request <message>",
		Short: "Send a single request and print the response",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, v, func(ctx context.Context, cfg *config, client *mmate.Client) error {
				requester, err := client.NewRequestClient(ctx, cfg.Exchange, cfg.Topic)
				if err != nil {
					return err
				}
				defer requester.Dispose()

				reply, err := requester.Request(ctx, []byte(strings.Join(args, " ")), cfg.Timeout)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(reply))
				return nil
			})
		},
	}

	rootCmd.AddCommand(serverCmd, clientCmd, requestCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// withClient connects according to the configuration, serves metrics and
// health when asked to, runs fn and closes everything on return
func withClient(cmd *cobra.Command, v *viper.Viper, fn func(context.Context, *config, *mmate.Client) error) error {
	cfg, err := loadConfig(cmd, v)
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	registry := prometheus.NewRegistry()
	opts := []mmate.ClientOption{
		mmate.WithLogger(logger),
		mmate.WithMetrics(metrics.NewPrometheus(registry, "mmate")),
		mmate.WithConnectRetries(3, time.Second),
	}
	if cfg.TLS {
		opts = append(opts, mmate.WithTLS())
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprint(cmd.ErrOrStderr(), "Setting up a connection... ")
	client, err := mmate.NewClient(cfg.brokerURL(), opts...)
	if err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "failed")
		return err
	}
	fmt.Fprintln(cmd.ErrOrStderr(), "done!")
	defer client.Close()

	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, registry, client.Health(), logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	return fn(ctx, cfg, client)
}

func serveMetrics(addr string, registry *prometheus.Registry, checks *health.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", health.Handler(checks, 2*time.Second))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "addr", addr, "error", err)
		}
	}()

	logger.Info("serving metrics and health", "addr", addr)
	return srv
}

func runServer(ctx context.Context, cfg *config, client *mmate.Client, in io.Reader, out io.Writer) error {
	server, err := client.NewResponseServer(ctx, cfg.Exchange, cfg.Topic)
	if err != nil {
		return err
	}
	defer server.Dispose()

	unregister := server.OnRequestReceived(func(ctx context.Context, req *messaging.RequestNotification) error {
		fmt.Fprintf(out, "Got message %q\n", string(req.Payload()))

		response := "Your request arrived at " + time.Now().Format(time.DateTime)
		if err := server.SendResponse(ctx, req, []byte(response)); err != nil {
			return err
		}
		fmt.Fprintf(out, "Sent a response: %q\n", response)
		return nil
	})
	defer unregister()

	fmt.Fprintln(out, "Awaiting requests...")
	fmt.Fprintln(out, "Give Q to exit.")

	lines := readLines(in)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-server.Done():
			return server.EnsureActive()
		case line, ok := <-lines:
			if !ok || isQuit(line) {
				return nil
			}
		}
	}
}

func runClient(ctx context.Context, cfg *config, client *mmate.Client, in io.Reader, out io.Writer) error {
	requester, err := client.NewRequestClient(ctx, cfg.Exchange, cfg.Topic)
	if err != nil {
		return err
	}
	defer requester.Dispose()

	lines := readLines(in)
	for {
		fmt.Fprintln(out, "Please give a message to be sent or 'q' to quit:")
		fmt.Fprint(out, "> ")

		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok || isQuit(l) {
				return nil
			}
			line = l
		}

		fmt.Fprintln(out, "Requesting...")
		reply, err := requester.Request(ctx, []byte(line), cfg.Timeout)
		switch {
		case errors.Is(err, messaging.ErrRequestTimeout):
			fmt.Fprintln(out, "The request has timed out.")
		case err != nil:
			return err
		default:
			fmt.Fprintf(out, "Response: %q\n", string(reply))
		}
	}
}

// readLines feeds lines of r to the returned channel until EOF. The reading
// goroutine may outlive the caller while it is blocked on input.
func readLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

func isQuit(line string) bool {
	return strings.EqualFold(strings.TrimSpace(line), "q")
}
