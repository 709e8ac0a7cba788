package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/sonarsweep/sonarsweep/internal/queue"
	"github.com/sonarsweep/sonarsweep/models"
)

// maxUploadBytes bounds one dataset upload (256 MiB).
const maxUploadBytes = 256 << 20

// handleUploadDataSource accepts a multipart CSV upload and registers it as
// a pending data source. Processing starts only on an explicit /process call.
func (s *Server) handleUploadDataSource(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	filename := filepath.Base(header.Filename)
	if filename == "" || filename == "." || !strings.HasSuffix(strings.ToLower(filename), ".csv") {
		writeError(w, http.StatusBadRequest, "file must be a .csv")
		return
	}

	uploadDir := s.cfg.Server.UploadDir
	if err := os.MkdirAll(uploadDir, 0o755); err != nil {
		writeError(w, http.StatusInternalServerError, "creating upload directory failed")
		return
	}
	destPath, err := validateSafePath(uploadDir, filename)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	dest, err := os.Create(destPath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storing upload failed")
		return
	}
	if _, err := io.Copy(dest, file); err != nil {
		dest.Close()
		_ = os.Remove(destPath)
		writeError(w, http.StatusInternalServerError, "storing upload failed")
		return
	}
	if err := dest.Close(); err != nil {
		writeError(w, http.StatusInternalServerError, "storing upload failed")
		return
	}

	name := strings.TrimSpace(r.FormValue("name"))
	if name == "" {
		name = strings.TrimSuffix(filename, filepath.Ext(filename))
	}

	ds := &models.DataSource{
		Name:           name,
		Filename:       filename,
		FilePath:       destPath,
		Status:         models.DataSourceStatusPending,
		ConfigOverride: r.FormValue("config_override"),
	}
	if err := s.st.CreateDataSource(r.Context(), ds); err != nil {
		writeError(w, http.StatusInternalServerError, "registering data source failed")
		return
	}
	writeJSON(w, http.StatusCreated, ds)
}

func (s *Server) handleListDataSources(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := r.URL.Query().Get("status")
	pg := parsePaginationParams(r, 20, 200)

	total, err := s.st.CountDataSources(ctx, status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	items, err := s.st.ListDataSources(ctx, status, pg.PageSize, pg.Offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if items == nil {
		items = []models.DataSource{}
	}
	writeJSON(w, http.StatusOK, paginationResult[models.DataSource]{
		Items:      items,
		Page:       pg.Page,
		PageSize:   pg.PageSize,
		Total:      total,
		TotalPages: totalPages(total, pg.PageSize),
	})
}

func (s *Server) handleGetDataSource(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ds, err := s.st.GetDataSource(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "data source not found")
		return
	}
	writeJSON(w, http.StatusOK, ds)
}

type overrideRequest struct {
	ConfigOverride string `json:"config_override"`
}

func (s *Server) handleSetDataSourceOverride(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if _, err := s.st.GetDataSource(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, "data source not found")
		return
	}
	if err := s.st.SetDataSourceOverride(r.Context(), id, req.ConfigOverride); err != nil {
		writeError(w, http.StatusInternalServerError, "update failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

// handleProcessDataSource creates a job and enqueues the ingest task.
func (s *Server) handleProcessDataSource(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx := r.Context()

	ds, err := s.st.GetDataSource(ctx, id)
	if err != nil {
		writeError(w, http.StatusNotFound, "data source not found")
		return
	}
	if ds.Status == models.DataSourceStatusProcessing {
		writeError(w, http.StatusConflict, "data source is already being processed")
		return
	}

	job := &models.Job{DataSourceID: ds.ID}
	if err := s.st.CreateJob(ctx, job); err != nil {
		writeError(w, http.StatusInternalServerError, "creating job failed")
		return
	}

	payload := models.IngestTask{DataSourceID: ds.ID, JobID: job.ID}
	if _, err := s.q.Enqueue(ctx, queue.TaskIngestDataSource, payload, 0, 3); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("enqueueing ingest: %v", err))
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status": "queued",
		"job_id": job.ID,
	})
}
