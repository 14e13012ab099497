package apiserver

import (
	"context"
	"net/http"
	"time"

	"github.com/apirun/apirun/internal/kvstore"
	"github.com/apirun/apirun/internal/store"
)

const readinessTimeout = 2 * time.Second

// HealthzHandler reports process liveness.
func HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}

// ReadyzHandler reports readiness: the database and the KV store must both
// answer within the readiness timeout.
func ReadyzHandler(st store.Store, kv kvstore.KVStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
		defer cancel()

		if err := st.CheckHealth(ctx); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		if err := kv.Ping(ctx); err != nil {
			http.Error(w, "kv store unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}
