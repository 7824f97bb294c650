package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"codeberg.org/groupherd/groupherd/pkg/breaker"
	"codeberg.org/groupherd/groupherd/pkg/discovery"
	"codeberg.org/groupherd/groupherd/pkg/orchestrate"
	"codeberg.org/groupherd/groupherd/pkg/provider"
	"codeberg.org/groupherd/groupherd/pkg/reconcile"
)

const apiPrefix = "/apis/groupherd.io/v1"

// Deps carries everything the admin API serves. Nil fields disable the
// endpoints that need them.
type Deps struct {
	Orchestrator *orchestrate.Orchestrator
	Registry     *provider.Registry
	Breakers     *breaker.Set
	Store        reconcile.Store
	Worker       *reconcile.Worker
	Discovery    discovery.Discovery
	Logger       *zap.Logger
}

func SetupRoutes(mux *http.ServeMux, ctx context.Context, deps Deps) {
	logger := deps.Logger

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	mux.HandleFunc(apiPrefix+"/membership", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req orchestrate.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}

		applyCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
		defer cancel()

		resp, err := deps.Orchestrator.Apply(applyCtx, req)
		if err != nil {
			logger.Error("Membership change failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		writeJSON(w, http.StatusOK, orchestrate.Format(resp))
	})

	mux.HandleFunc(apiPrefix+"/providers", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		type providerInfo struct {
			Name         string                `json:"name"`
			Primary      bool                  `json:"primary"`
			Prefix       string                `json:"prefix"`
			Capabilities provider.Capabilities `json:"capabilities"`
		}

		active := deps.Registry.Active()
		out := make([]providerInfo, 0, len(active))
		for name, p := range active {
			out = append(out, providerInfo{
				Name:         name,
				Primary:      name == deps.Registry.PrimaryName(),
				Prefix:       deps.Registry.Prefix(name),
				Capabilities: p.Capabilities(),
			})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

		writeJSON(w, http.StatusOK, out)
	})

	mux.HandleFunc(apiPrefix+"/retries", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		status := reconcile.RecordStatus(r.URL.Query().Get("status"))
		records, err := deps.Store.List(ctx, status, 500)
		if err != nil {
			logger.Error("Failed to list retry records", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "store error")
			return
		}

		writeJSON(w, http.StatusOK, records)
	})

	mux.HandleFunc(apiPrefix+"/retries/export", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		status := reconcile.RecordStatus(r.URL.Query().Get("status"))
		if status == "" {
			status = reconcile.StatusFailedPermanent
		}

		records, err := deps.Store.List(ctx, status, 0)
		if err != nil {
			logger.Error("Failed to list retry records", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "store error")
			return
		}

		tmp, err := os.CreateTemp("", "retries-*.xlsx")
		if err != nil {
			writeError(w, http.StatusInternalServerError, "export failed")
			return
		}
		defer os.Remove(tmp.Name())
		defer tmp.Close()

		if err := reconcile.ExportToExcel(tmp, records); err != nil {
			logger.Error("Failed to export retry records", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "export failed")
			return
		}

		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", `attachment; filename="retries.xlsx"`)
		http.ServeFile(w, r, tmp.Name())
	})

	mux.HandleFunc(apiPrefix+"/retries/", func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, apiPrefix+"/retries/")
		parts := strings.Split(path, "/")

		if len(parts) < 1 || parts[0] == "" {
			http.Error(w, "Record id required", http.StatusBadRequest)
			return
		}
		id := parts[0]

		switch {
		case len(parts) == 1 && r.Method == http.MethodGet:
			record, err := deps.Store.Get(ctx, id)
			if err == reconcile.ErrNotFound {
				writeError(w, http.StatusNotFound, fmt.Sprintf("record %s not found", id))
				return
			}
			if err != nil {
				writeError(w, http.StatusInternalServerError, "store error")
				return
			}
			writeJSON(w, http.StatusOK, record)

		case len(parts) == 2 && parts[1] == "requeue" && r.Method == http.MethodPost:
			if err := deps.Store.Requeue(ctx, id); err != nil {
				if err == reconcile.ErrNotFound {
					writeError(w, http.StatusNotFound, fmt.Sprintf("record %s not found", id))
					return
				}
				logger.Error("Requeue failed", zap.String("record", id), zap.Error(err))
				writeError(w, http.StatusInternalServerError, "store error")
				return
			}
			logger.Info("Record requeued", zap.String("record", id))
			writeJSON(w, http.StatusOK, map[string]string{"status": "requeued", "id": id})

		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc(apiPrefix+"/reconcile", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		batchCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
		defer cancel()

		stats, err := deps.Worker.ProcessBatch(batchCtx)
		if err != nil {
			logger.Error("Manual batch failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		writeJSON(w, http.StatusOK, stats)
	})

	mux.HandleFunc(apiPrefix+"/breakers", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		stats := deps.Breakers.Stats()
		sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
		writeJSON(w, http.StatusOK, stats)
	})

	mux.HandleFunc(apiPrefix+"/breakers/", func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, apiPrefix+"/breakers/")
		parts := strings.Split(path, "/")

		if len(parts) != 2 || parts[1] != "reset" || r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		name := parts[0]
		if !deps.Breakers.Reset(name) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("no breaker named %s", name))
			return
		}

		logger.Info("Breaker reset", zap.String("breaker", name))
		writeJSON(w, http.StatusOK, map[string]string{"status": "reset", "breaker": name})
	})

	mux.HandleFunc(apiPrefix+"/workers", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		if deps.Discovery == nil {
			writeJSON(w, http.StatusOK, []discovery.Peer{})
			return
		}

		peers, err := deps.Discovery.Peers(r.Context())
		if err != nil {
			logger.Error("Failed to list peers", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "discovery error")
			return
		}
		writeJSON(w, http.StatusOK, peers)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
