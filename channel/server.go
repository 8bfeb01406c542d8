package channel

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/code-payments/purchase-bridge/bridge"
)

const maxRequestBodySize = 1 << 20

type Config struct {
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
}

func DefaultConfig() Config {
	return Config{
		PingInterval: 25 * time.Second,
		PongWait:     60 * time.Second,
		WriteWait:    10 * time.Second,
	}
}

// Server exposes a Bridge over HTTP and websockets.
type Server struct {
	log          *zap.Logger
	bridge       *bridge.Bridge
	presentation *bridge.PresentationHolder
	callers      *Callers
	conf         Config
	upgrader     websocket.Upgrader
}

type ServerOption func(*Server)

// WithCallers registers open websocket connections in callers, so that calls
// can be made back to them.
func WithCallers(callers *Callers) ServerOption {
	return func(s *Server) {
		s.callers = callers
	}
}

func NewServer(log *zap.Logger, b *bridge.Bridge, presentation *bridge.PresentationHolder, conf Config, opts ...ServerOption) *Server {
	s := &Server{
		log:          log,
		bridge:       b,
		presentation: presentation,
		callers:      NewCallers(),
		conf:         conf,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	s.Register(r)
	return r
}

// Register mounts the server's routes on r.
func (s *Server) Register(r chi.Router) {
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/methods/{method}", s.handleMethod)
		r.Get("/channels", s.handleChannels)
	})
}

type healthResponse struct {
	Status    string `json:"status"`
	Connected bool   `json:"connected"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Connected: s.bridge.Connected(),
	})
}

func (s *Server) handleMethod(w http.ResponseWriter, r *http.Request) {
	method := chi.URLParam(r, "method")
	log := s.log.With(
		zap.String("method", method),
		zap.String("request_id", middleware.GetReqID(r.Context())),
	)

	args, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize))
	if err != nil {
		log.Debug("Failed to read request body", zap.Error(err))
		respondWithError(w, status.Error(codes.InvalidArgument, "invalid request body"))
		return
	}

	result, err := s.invoke(r.Context(), method, json.RawMessage(args))
	if err != nil {
		log.Debug("Method call failed", zap.Error(err))
		respondWithError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, Response{Result: result})
}

func respondWithError(w http.ResponseWriter, err error) {
	respondWithJSON(w, httpStatus(status.Code(err)), Response{Error: newErrorBody(err)})
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	response, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(response)
}
