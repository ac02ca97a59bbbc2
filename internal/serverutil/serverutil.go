package serverutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/andrej220/linen/pkg/lg"
	"github.com/go-playground/validator/v10"
)

// ServerConfig holds configuration for the HTTP server.
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DefaultServerConfig provides default server configuration values.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:            "8081",
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// RunServer serves handler until ctx is done, then shuts the server down
// gracefully within ShutdownTimeout.
func RunServer(ctx context.Context, handler http.Handler, config ServerConfig, logger lg.Logger) error {
	if logger == nil {
		logger = lg.Discard
	}
	if config.Port == "" {
		config.Port = DefaultServerConfig().Port
	}
	ln, err := net.Listen("tcp", ":"+config.Port)
	if err != nil {
		return fmt.Errorf("listen on port %s: %w", config.Port, err)
	}
	return Serve(ctx, ln, handler, config, logger)
}

// Serve is RunServer on an existing listener.
func Serve(ctx context.Context, ln net.Listener, handler http.Handler, config ServerConfig, logger lg.Logger) error {
	if logger == nil {
		logger = lg.Discard
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = DefaultServerConfig().ShutdownTimeout
	}
	server := &http.Server{
		Handler:      handler,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return lg.Attach(context.Background(), logger) },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", lg.String("addr", ln.Addr().String()))
		errCh <- server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	logger.Info("server stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info("server stopped gracefully")
	return nil
}

type requestKey struct{}

var validate = validator.New()

// ValidationHandler is a middleware that decodes and validates incoming JSON requests.
type ValidationHandler[T any] struct {
	next http.Handler
}

func NewValidationHandler[T any](next http.Handler) http.Handler {
	return &ValidationHandler[T]{next: next}
}

// ServeHTTP decodes the body into T, validates its struct tags and passes it
// to the next handler through the request context.
func (h *ValidationHandler[T]) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var request T
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		WriteError(rw, http.StatusBadRequest, fmt.Errorf("invalid request: %w", err))
		return
	}
	if err := validate.Struct(request); err != nil {
		WriteError(rw, http.StatusBadRequest, err)
		return
	}

	ctx := context.WithValue(r.Context(), requestKey{}, request)
	h.next.ServeHTTP(rw, r.WithContext(ctx))
}

// RequestFromContext returns the request stored by ValidationHandler[T].
func RequestFromContext[T any](ctx context.Context) (T, bool) {
	req, ok := ctx.Value(requestKey{}).(T)
	return req, ok
}

func WriteJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func WriteError(rw http.ResponseWriter, status int, err error) {
	WriteJSON(rw, status, map[string]string{"error": err.Error()})
}
