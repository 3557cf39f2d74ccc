// cmd/pocketd runs the reference USP sync server.
//
// Example:
//
//	pocketd --addr :8080 --node-id server-1
//	pocketd --addr :8080 --auth-token s3cret --log-level debug
//
// Clients reach it on POST /usp/message (request/response) or GET /usp/ws
// (streaming); GET /health answers readiness probes.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/josedab/pocket-go/internal/server"
)

func main() {
	root := &cobra.Command{
		Use:   "pocketd",
		Short: "Reference sync server for pocket replicas",
	}

	flags := root.Flags()
	flags.String("addr", ":8080", "Listen address (host:port)")
	flags.String("node-id", "pocketd", "Server node identifier")
	flags.String("auth-token", "", "Require this token in handshakes")
	flags.String("log-level", "info", "Log level: debug, info, warn, error")

	v := viper.New()
	v.SetEnvPrefix("POCKETD")
	v.AutomaticEnv()
	_ = v.BindPFlags(flags)

	root.RunE = func(cmd *cobra.Command, args []string) error {
		return serve(v)
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve(v *viper.Viper) error {
	log := newLogger(v.GetString("log-level"))
	slog.SetDefault(log)

	opts := []server.Option{server.WithLogger(log)}
	if token := v.GetString("auth-token"); token != "" {
		opts = append(opts, server.WithAuthToken(token))
	}
	srv := server.New(v.GetString("node-id"), opts...)
	router := server.NewRouter(srv)

	httpSrv := &http.Server{
		Addr:         v.GetString("addr"),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", httpSrv.Addr, "node", v.GetString("node-id"))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// SIGINT/SIGTERM drain in-flight requests for up to 15s.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		log.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpSrv.Shutdown(ctx)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      lvl,
		TimeFormat: time.Kitchen,
	}))
}
