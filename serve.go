package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/riverfog7/StarwardUpdater/internal"
)

// ProgressContentType is the media type of the length-delimited progress stream
const ProgressContentType = "application/x-protobuf-stream"

type updateHandler struct {
	controller *internal.UpdateController
	logger     *internal.Logger
}

// newUpdateRouter exposes the controller over HTTP
func newUpdateRouter(controller *internal.UpdateController, logger *internal.Logger) http.Handler {
	h := &updateHandler{controller: controller, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Route("/v1/update", func(r chi.Router) {
		r.Post("/", h.update)
		r.Get("/progress", h.progress)
	})
	return r
}

// update streams progress frames of a new update run until it reaches a terminal state
func (h *updateHandler) update(w http.ResponseWriter, r *http.Request) {
	var req internal.UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request: %v", err), http.StatusBadRequest)
		return
	}
	if err := req.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if h.controller.Service.IsRunning() {
		http.Error(w, internal.ErrUpdateInProgress.Error(), http.StatusConflict)
		return
	}

	w.Header().Set("Content-Type", ProgressContentType)
	w.WriteHeader(http.StatusOK)

	stream := internal.NewProgressFrameWriter(w)
	if err := h.controller.Update(r.Context(), &req, stream); err != nil {
		h.logger.PushLogWarning(h, fmt.Sprintf("Update of %s ended: %v", req.TargetPath, err))
	}
}

// progress returns the current snapshot as JSON
func (h *updateHandler) progress(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.controller.Service.GetUpdateProgress()); err != nil {
		h.logger.PushLogDebug(h, fmt.Sprintf("Failed to write progress: %v", err))
	}
}

// newUpdateController wires the release client and update service of both update paths
func newUpdateController(cfg *internal.Config, client *http.Client, logger *internal.Logger) *internal.UpdateController {
	releases := cfg.NewReleaseClient(client, logger)
	service := internal.NewUpdateService(cfg.NewDownloader(client, logger), cfg.NewHDiffTool(), cfg.BaseDirectory, cfg.CacheFolder, logger)
	service.Concurrency = cfg.Concurrency
	controller := internal.NewUpdateController(releases, service, logger)
	controller.Interval = cfg.Serve.ProgressInterval
	return controller
}

func ServeCommand(cfg *internal.Config, logger *internal.Logger, cmd *ServeCmd) int {
	listen := cmd.Listen
	if listen == "" {
		listen = cfg.Serve.Listen
	}

	ctx, cancel := signalContext()
	defer cancel()

	client := cfg.NewHTTPClient()
	defer client.CloseIdleConnections()

	controller := newUpdateController(cfg, client, logger)

	server := &http.Server{
		Addr:              listen,
		Handler:           newUpdateRouter(controller, logger),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.PushLogInfo(nil, fmt.Sprintf("Serving update RPC on %s", listen))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fmt.Fprintf(os.Stderr, "Error serving: %v\n", err)
		return 1
	}
	return 0
}
