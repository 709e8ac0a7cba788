package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// buildHandler wires all REST routes onto a new ServeMux.
// Uses Go 1.22+ method-prefixed patterns ("GET /path", "POST /path").
func buildHandler(s *Server) http.Handler {
	mux := http.NewServeMux()

	// Root/help
	mux.HandleFunc("GET /", s.handleRoot)

	// Health / status
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/capacity", s.handleCapacity)

	// Data sources
	mux.HandleFunc("POST /api/datasources", s.handleUploadDataSource)
	mux.HandleFunc("GET /api/datasources", s.handleListDataSources)
	mux.HandleFunc("GET /api/datasources/{id}", s.handleGetDataSource)
	mux.HandleFunc("PUT /api/datasources/{id}/override", s.handleSetDataSourceOverride)
	mux.HandleFunc("POST /api/datasources/{id}/process", s.handleProcessDataSource)

	// Jobs / runs / outputs
	mux.HandleFunc("GET /api/jobs", s.handleListJobs)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("POST /api/jobs/{id}/cancel", s.handleCancelJob)
	mux.HandleFunc("GET /api/jobs/{id}/outputs", s.handleListJobOutputs)
	mux.HandleFunc("GET /api/runs", s.handleListRuns)

	// Dead-letter triage
	mux.HandleFunc("GET /api/dead-letters", s.handleListDeadLetters)
	mux.HandleFunc("GET /api/dead-letters/{id}", s.handleGetDeadLetter)
	mux.HandleFunc("PUT /api/dead-letters/{id}/override", s.handleSetDeadLetterOverride)
	mux.HandleFunc("POST /api/dead-letters/{id}/retry", s.handleRetryDeadLetter)
	mux.HandleFunc("POST /api/dead-letters/{id}/resolve", s.handleResolveDeadLetter)

	// Fork discovery
	mux.HandleFunc("GET /api/forks/missing", s.handleListMissingForks)
	mux.HandleFunc("POST /api/forks/discover", s.handleDiscoverForks)

	// Analysis-finished callback
	mux.HandleFunc("POST /sonar/webhook", s.handleWebhook)

	return mux
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// pathID extracts a numeric path parameter by name from the request.
func pathID(r *http.Request, name string) (int64, error) {
	raw := r.PathValue(name)
	if raw == "" {
		return 0, fmt.Errorf("missing path parameter %q", name)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}

type paginationResult[T any] struct {
	Items      []T `json:"items"`
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

type paginationParams struct {
	Page     int
	PageSize int
	Offset   int
}

func parsePaginationParams(r *http.Request, defaultPageSize, maxPageSize int) paginationParams {
	q := r.URL.Query()
	page := 1
	pageSize := defaultPageSize

	if v := strings.TrimSpace(q.Get("page")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			page = n
		}
	}
	if v := strings.TrimSpace(q.Get("page_size")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			pageSize = n
		}
	} else if v := strings.TrimSpace(q.Get("limit")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			pageSize = n
		}
	}
	if maxPageSize > 0 && pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	if v := strings.TrimSpace(q.Get("offset")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return paginationParams{
				Page:     (n / pageSize) + 1,
				PageSize: pageSize,
				Offset:   n,
			}
		}
	}

	return paginationParams{
		Page:     page,
		PageSize: pageSize,
		Offset:   (page - 1) * pageSize,
	}
}

func totalPages(total, pageSize int) int {
	if total <= 0 || pageSize <= 0 {
		return 1
	}
	return (total + pageSize - 1) / pageSize
}

// validateSafePath ensures that the resolved destination path stays within the allowed base directory.
// It returns an error if the path validation fails, preventing directory traversal attacks.
func validateSafePath(baseDir, filename string) (string, error) {
	absBaseDir, err := filepath.Abs(baseDir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve base directory: %w", err)
	}

	destPath := filepath.Join(baseDir, filename)
	absDestPath, err := filepath.Abs(destPath)
	if err != nil {
		return "", fmt.Errorf("invalid filename: %w", err)
	}

	if !strings.HasPrefix(absDestPath, absBaseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("filename would escape allowed directory")
	}

	return absDestPath, nil
}

// --- root/status handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":   "sonarsweep",
		"status": "running",
		"endpoints": []string{
			"GET /health",
			"GET /api/status",
			"GET /api/capacity",
			"POST /api/datasources",
			"GET /api/datasources",
			"POST /api/datasources/{id}/process",
			"GET /api/jobs",
			"GET /api/runs",
			"GET /api/dead-letters",
			"POST /api/dead-letters/{id}/retry",
			"GET /api/forks/missing",
			"POST /api/forks/discover",
			"POST /sonar/webhook",
		},
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	depth, err := s.q.Depth(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	pending, queued, resolved, err := s.st.CountDeadLetters(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	dataSources, err := s.st.CountDataSources(ctx, "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "running",
		"uptime_secs":  int64(time.Since(s.startedAt).Seconds()),
		"queue":        depth,
		"data_sources": dataSources,
		"dead_letters": map[string]int{
			"pending":  pending,
			"queued":   queued,
			"resolved": resolved,
		},
	})
}

func (s *Server) handleCapacity(w http.ResponseWriter, r *http.Request) {
	out := make([]any, 0, len(s.cfg.Sonar.Instances))
	for _, inst := range s.cfg.Sonar.Instances {
		c, err := s.st.SlotCapacity(r.Context(), inst.Name, inst.MaxConcurrent)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "query failed")
			return
		}
		out = append(out, c)
	}
	writeJSON(w, http.StatusOK, map[string]any{"instances": out})
}
