package server

import (
	"net/http"
	"strconv"

	"github.com/sonarsweep/sonarsweep/models"
)

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	status := q.Get("status")
	dataSourceID, _ := strconv.ParseInt(q.Get("data_source_id"), 10, 64)
	pg := parsePaginationParams(r, 20, 200)

	items, err := s.st.ListJobs(ctx, status, dataSourceID, pg.PageSize, pg.Offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if items == nil {
		items = []models.Job{}
	}
	writeJSON(w, http.StatusOK, paginationResult[models.Job]{
		Items:      items,
		Page:       pg.Page,
		PageSize:   pg.PageSize,
		Total:      len(items),
		TotalPages: totalPages(len(items), pg.PageSize),
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, err := s.st.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleCancelJob marks a job cancelled and frees its backend slot. Tasks
// already reserved finish their current commit; new deliveries for the job
// become no-ops once the data source is no longer processing.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx := r.Context()

	job, err := s.st.GetJob(ctx, id)
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	switch job.Status {
	case models.JobStatusSucceeded, models.JobStatusFailed, models.JobStatusCancelled:
		writeError(w, http.StatusConflict, "job is already finished")
		return
	}
	if err := s.st.SetJobStatus(ctx, id, models.JobStatusCancelled, "cancelled by operator"); err != nil {
		writeError(w, http.StatusInternalServerError, "update failed")
		return
	}
	if err := s.st.ReleaseSlot(ctx, id); err != nil {
		writeError(w, http.StatusInternalServerError, "releasing backend slot failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleListJobOutputs(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	pg := parsePaginationParams(r, 50, 500)
	items, err := s.st.ListOutputs(r.Context(), id, pg.PageSize, pg.Offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if items == nil {
		items = []models.Output{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	status := q.Get("status")
	jobID, _ := strconv.ParseInt(q.Get("job_id"), 10, 64)
	pg := parsePaginationParams(r, 50, 500)

	items, err := s.st.ListRuns(ctx, status, jobID, pg.PageSize, pg.Offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if items == nil {
		items = []models.SonarRun{}
	}
	writeJSON(w, http.StatusOK, paginationResult[models.SonarRun]{
		Items:      items,
		Page:       pg.Page,
		PageSize:   pg.PageSize,
		Total:      len(items),
		TotalPages: totalPages(len(items), pg.PageSize),
	})
}
