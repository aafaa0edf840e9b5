package net

import (
	"encoding/json"
	"log"
	nethttp "net/http"
	"time"

	"entitysync/internal/engine"
	"entitysync/internal/net/ws"
	"entitysync/logging"
)

type HTTPHandlerConfig struct {
	Logger  *log.Logger
	Auth    *JWTAuthenticator
	Metrics *logging.Metrics
}

// NewHTTPHandler assembles the service surface: the websocket endpoint plus
// the health and diagnostics probes.
func NewHTTPHandler(eng *engine.Engine, cfg HTTPHandlerConfig) nethttp.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	mux := nethttp.NewServeMux()

	mux.HandleFunc("/healthz", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("/diagnostics", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		var telemetry map[string]uint64
		if cfg.Metrics != nil {
			telemetry = cfg.Metrics.Snapshot()
		}
		payload := struct {
			Status     string             `json:"status"`
			ServerTime int64              `json:"serverTime"`
			Engine     engine.Diagnostics `json:"engine"`
			Telemetry  map[string]uint64  `json:"telemetry,omitempty"`
		}{
			Status:     "ok",
			ServerTime: time.Now().UnixMilli(),
			Engine:     eng.DiagnosticsSnapshot(),
			Telemetry:  telemetry,
		}

		data, err := json.Marshal(payload)
		if err != nil {
			httpError(w, "failed to encode", nethttp.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	})

	var auth ws.Authenticator
	if cfg.Auth != nil {
		auth = cfg.Auth
	}
	wsHandler := ws.NewHandler(eng, ws.HandlerConfig{
		Logger: logger,
		Auth:   auth,
		Tokens: ULIDTokens{},
	})
	mux.HandleFunc("/ws", wsHandler.Handle)

	return mux
}

func httpError(w nethttp.ResponseWriter, msg string, code int) {
	nethttp.Error(w, msg, code)
}
