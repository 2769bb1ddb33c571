package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"kaya.mini/kaya/internal/types"
)

const (
	maxBodyBytes    = 8 << 20
	requestIDHeader = "X-Request-ID"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server serves the JSON-RPC endpoint, its websocket twin and a health
// probe.
type Server struct {
	svc    *Service
	blocks BlockCounter
	router *mux.Router
	http   *http.Server
	log    zerolog.Logger
}

// NewServer builds the router around svc.
func NewServer(svc *Service, log zerolog.Logger) *Server {
	s := &Server{
		svc:    svc,
		blocks: svc.blocks,
		router: mux.NewRouter(),
		log:    log.With().Str("component", "rpc.server").Logger(),
	}

	s.router.Use(s.withRequestID)
	s.router.HandleFunc("/", s.handleRPC).Methods(http.MethodPost, http.MethodOptions)
	s.router.HandleFunc("/ws", s.handleWebsocket).Methods(http.MethodGet)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info().Str("addr", addr).Msg("JSON-RPC server listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(requestIDHeader, id)
		w.Header().Set("Access-Control-Allow-Origin", "*")

		log := s.log.With().Str("request_id", id).Logger()
		start := time.Now()
		next.ServeHTTP(w, r.WithContext(log.WithContext(r.Context())))
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("http request")
	})
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Warn().Err(err).Msg("write response")
	}
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.WriteHeader(http.StatusNoContent)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeJSON(w, http.StatusOK, parseFailure("read request body: %v", err))
		return
	}
	s.writeJSON(w, http.StatusOK, s.handlePayload(r.Context(), body))
}

// handlePayload decodes a single call or a batch and dispatches it.
func (s *Server) handlePayload(ctx context.Context, body []byte) any {
	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(body, &batch); err != nil {
			return parseFailure("invalid batch: %v", err)
		}
		if len(batch) == 0 {
			return parseFailure("empty batch")
		}
		out := make([]Response, 0, len(batch))
		for _, raw := range batch {
			out = append(out, s.dispatchRaw(ctx, raw))
		}
		return out
	}
	return s.dispatchRaw(ctx, body)
}

func (s *Server) dispatchRaw(ctx context.Context, raw []byte) Response {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return parseFailure("invalid request: %v", err)
	}
	return s.svc.Dispatch(ctx, req)
}

func parseFailure(format string, args ...any) Response {
	return Response{
		JSONRPC: jsonrpcVersion,
		ID:      responseID(nil),
		Error:   errorObject(types.Errorf(types.KindParse, format, args...)),
	}
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx := r.Context()
	log := zerolog.Ctx(ctx)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Msg("websocket closed")
			}
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		if err := conn.WriteJSON(s.handlePayload(ctx, data)); err != nil {
			log.Warn().Err(err).Msg("websocket write failed")
			return
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"version":     types.Version,
		"blockNumber": s.blocks.Current(),
	})
}
