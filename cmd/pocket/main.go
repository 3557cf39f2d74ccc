// cmd/pocket is the CLI for running and inspecting a sync replica.
//
// Usage:
//
//	pocket run --config pocket.yaml
//	pocket run --server http://localhost:8080 --node laptop-1 --data-dir ~/.pocket
//	pocket status --server http://localhost:8080
//	pocket conformance http://localhost:8080
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/josedab/pocket-go/internal/config"
	"github.com/josedab/pocket-go/internal/conformance"
	"github.com/josedab/pocket-go/internal/store"
	"github.com/josedab/pocket-go/internal/syncer"
	"github.com/josedab/pocket-go/internal/transport"
)

var (
	serverAddr string
	timeout    time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "pocket",
		Short: "Offline-first document replica with bidirectional sync",
	}

	root.PersistentFlags().StringVarP(&serverAddr, "server", "s",
		"http://localhost:8080", "Sync server address")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second,
		"Request timeout")

	root.AddCommand(runCmd(), statusCmd(), conformanceCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// ─── run ──────────────────────────────────────────────────────────────────────

func runCmd() *cobra.Command {
	var (
		configPath string
		nodeID     string
		dataDir    string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a syncing replica until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
				TimeFormat: time.Kitchen,
			})))

			var cfg config.Config
			var err error
			if configPath != "" {
				cfg, err = config.Load(configPath)
			} else {
				cfg, err = config.NewBuilder(serverAddr, nodeID).
					DataDir(dataDir).
					Build()
			}
			if err != nil {
				return err
			}

			st, err := store.NewFile(dataDirOr(cfg.DataDir, nodeID), cfg.NodeID)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			var tr transport.Transport
			if cfg.UseStreamingTransport {
				tr = transport.NewWebSocket(transport.WebSocketConfig{
					URL:            wsURL(cfg.ServerURL),
					RequestTimeout: cfg.RequestTimeout,
				})
			} else {
				tr = transport.NewHTTP(transport.HTTPConfig{
					BaseURL:        cfg.ServerURL,
					RequestTimeout: cfg.RequestTimeout,
				})
			}

			engine, err := syncer.New(cfg, st, tr)
			if err != nil {
				return err
			}
			if err := engine.Start(cmd.Context()); err != nil {
				return err
			}
			defer engine.Stop()

			states, cancelStates := engine.Status()
			defer cancelStates()
			stats, cancelStats := engine.StatsStream()
			defer cancelStats()

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

			for {
				select {
				case s := <-states:
					slog.Info("sync state", "state", string(s))
				case st := <-stats:
					slog.Info("sync stats",
						"pushed", st.PushCount,
						"pulled", st.PullCount,
						"conflicts", st.ConflictCount,
					)
				case <-quit:
					slog.Info("shutting down")
					return nil
				}
			}
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to a pocket.yaml")
	cmd.Flags().StringVar(&nodeID, "node", "pocket-node", "Replica node id")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "Directory for durable sync state")
	return cmd
}

func dataDirOr(dir, nodeID string) string {
	if dir != "" {
		return dir
	}
	return fmt.Sprintf("%s/pocket-%s", os.TempDir(), nodeID)
}

func wsURL(httpURL string) string {
	switch {
	case len(httpURL) > 8 && httpURL[:8] == "https://":
		return "wss://" + httpURL[8:] + "/usp/ws"
	case len(httpURL) > 7 && httpURL[:7] == "http://":
		return "ws://" + httpURL[7:] + "/usp/ws"
	}
	return httpURL + "/usp/ws"
}

// ─── status ───────────────────────────────────────────────────────────────────

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Query a sync server's health",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, serverAddr+"/health", nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			fmt.Println(string(body))
			if resp.StatusCode >= 300 {
				return fmt.Errorf("server returned HTTP %d", resp.StatusCode)
			}
			return nil
		},
	}
}

// ─── conformance ──────────────────────────────────────────────────────────────

func conformanceCmd() *cobra.Command {
	var authToken string
	cmd := &cobra.Command{
		Use:   "conformance <server-url>",
		Short: "Run the protocol conformance battery against a server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h := &conformance.Harness{
				Dial: func() transport.Transport {
					return transport.NewHTTP(transport.HTTPConfig{
						BaseURL:        args[0],
						RequestTimeout: timeout,
					})
				},
				AuthToken: authToken,
			}

			report := h.Run(cmd.Context())
			out, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))

			if !report.Compliant {
				return fmt.Errorf("server is not protocol compliant")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&authToken, "auth-token", "", "Credential for the handshake probes")
	return cmd
}
