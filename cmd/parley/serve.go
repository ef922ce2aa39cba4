package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/parley/internal/config"
	"github.com/haasonsaas/parley/internal/gate"
	"github.com/haasonsaas/parley/internal/notify"
)

func buildServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the agent server with websocket events and metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

func runServe(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := notify.NewWSHub(nil)
	defer hub.Close()

	a, err := buildApp(ctx, cfg, hub)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.orch.Start(); err != nil {
		return err
	}

	// Reconcile tool servers when the config file changes on disk.
	if configPath != "" {
		watcher := config.NewWatcher(configPath, func(next *config.Config) {
			reconcileToolServers(ctx, a, next)
		}, a.logger)
		go func() {
			if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Warn("config watcher stopped", "error", err)
			}
		}()
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("GET /v1/tools", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"catalog":  a.tools.Catalog(),
			"shadowed": a.tools.Shadowed(),
		})
	})
	mux.HandleFunc("GET /v1/confirmations", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, a.gate.Pending())
	})
	mux.HandleFunc("POST /v1/confirmations/{id}", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Approved bool `json:"approved"`
			Remember bool `json:"remember"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err := a.gate.Resolve(r.PathValue("id"), body.Approved, body.Remember)
		switch {
		case errors.Is(err, gate.ErrUnknownExecution):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, gate.ErrAlreadyResolved):
			http.Error(w, err.Error(), http.StatusConflict)
		case err != nil:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	})
	mux.HandleFunc("POST /v1/sessions/{agent}/{channel}/messages", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Content string `json:"content"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		sess, err := a.orch.CreateOrGet(r.Context(), r.PathValue("agent"), r.PathValue("channel"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		msg, err := sess.Run(r.Context(), body.Content)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, msg)
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsSrv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		a.logger.Info("server listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()
	go func() {
		a.logger.Info("metrics listening", "addr", metricsSrv.Addr)
		errCh <- metricsSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
	return nil
}

// reconcileToolServers applies a changed tool-server list to the
// running manager: removed servers disconnect, new auto-connect
// servers connect.
func reconcileToolServers(ctx context.Context, a *app, next *config.Config) {
	connected := make(map[string]bool)
	for _, st := range a.tools.Status() {
		if st.Connected {
			connected[st.ID] = true
		}
	}

	a.tools.SetServers(next.Tools.Servers)

	for _, srv := range next.Tools.Servers {
		if srv == nil || !srv.AutoConnect || connected[srv.ID] {
			continue
		}
		if err := a.tools.Connect(ctx, srv.ID); err != nil {
			a.logger.Warn("connect tool server after reload", "server", srv.ID, "error", err)
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
