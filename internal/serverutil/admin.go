package serverutil

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/andrej220/linen/internal/runner"
	"github.com/andrej220/linen/pkg/noderegistry"
	dm "github.com/andrej220/linen/pkg/shared-models"
)

// NodeRegistry is the part of the connection registry the admin API needs.
type NodeRegistry interface {
	ListNames() []string
	Evict(name noderegistry.NodeName) error
}

type ExecuteFunc func(ctx context.Context, req dm.Request) (dm.Result, error)

// NewAdminHandler serves:
//
//	GET    /healthz       liveness
//	GET    /nodes         names with a live connection
//	DELETE /nodes/{name}  close and forget a node's connection
//	POST   /runs          execute a request synchronously, bounded by runTimeout
func NewAdminHandler(reg NodeRegistry, execute ExecuteFunc, runTimeout time.Duration) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(rw http.ResponseWriter, _ *http.Request) {
		WriteJSON(rw, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /nodes", func(rw http.ResponseWriter, _ *http.Request) {
		WriteJSON(rw, http.StatusOK, map[string][]string{"nodes": reg.ListNames()})
	})
	mux.HandleFunc("DELETE /nodes/{name}", func(rw http.ResponseWriter, r *http.Request) {
		err := reg.Evict(r.PathValue("name"))
		switch {
		case errors.Is(err, noderegistry.ErrNodeNotFound):
			WriteError(rw, http.StatusNotFound, err)
		case err != nil:
			// The entry is gone even if closing it failed.
			WriteError(rw, http.StatusInternalServerError, err)
		default:
			rw.WriteHeader(http.StatusNoContent)
		}
	})
	if execute != nil {
		mux.Handle("POST /runs", NewValidationHandler[dm.Request](http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			req, _ := RequestFromContext[dm.Request](r.Context())
			ctx := r.Context()
			if runTimeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, runTimeout)
				defer cancel()
			}
			res, err := execute(ctx, req)
			switch {
			case errors.Is(err, runner.ErrInvalidRequest):
				WriteError(rw, http.StatusBadRequest, err)
				return
			case err != nil:
				WriteError(rw, http.StatusInternalServerError, err)
				return
			}
			WriteJSON(rw, http.StatusOK, res)
		})))
	}
	return mux
}
