package server

import (
	"encoding/json"
	"net/http"

	"github.com/sonarsweep/sonarsweep/internal/queue"
	"github.com/sonarsweep/sonarsweep/models"
)

func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	status := q.Get("status")
	reason := q.Get("reason")
	pg := parsePaginationParams(r, 20, 200)

	items, err := s.st.ListDeadLetters(ctx, status, reason, pg.PageSize, pg.Offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if items == nil {
		items = []models.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, paginationResult[models.DeadLetter]{
		Items:      items,
		Page:       pg.Page,
		PageSize:   pg.PageSize,
		Total:      len(items),
		TotalPages: totalPages(len(items), pg.PageSize),
	})
}

func (s *Server) handleGetDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	dl, err := s.st.GetDeadLetter(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "dead letter not found")
		return
	}
	writeJSON(w, http.StatusOK, dl)
}

func (s *Server) handleSetDeadLetterOverride(w http.ResponseWriter, r *http.Request) {
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
	if _, err := s.st.GetDeadLetter(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, "dead letter not found")
		return
	}
	if err := s.st.SetDeadLetterOverride(r.Context(), id, req.ConfigOverride); err != nil {
		writeError(w, http.StatusInternalServerError, "update failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

// handleRetryDeadLetter re-enqueues the parked commit task, applying the
// dead letter's edited config override if one was saved.
func (s *Server) handleRetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx := r.Context()

	dl, err := s.st.GetDeadLetter(ctx, id)
	if err != nil {
		writeError(w, http.StatusNotFound, "dead letter not found")
		return
	}
	if dl.Status == models.DeadLetterStatusResolved {
		writeError(w, http.StatusConflict, "dead letter is already resolved")
		return
	}

	var commit models.CommitTask
	if err := json.Unmarshal([]byte(dl.Payload), &commit); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "dead letter payload is not a commit task")
		return
	}
	if dl.ConfigOverride != "" {
		commit.ConfigOverride = dl.ConfigOverride
	}

	taskID, err := s.q.Enqueue(ctx, queue.TaskRunCommitScan, commit, 0, s.cfg.Pipeline.ScanRetryLimit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "enqueueing retry failed")
		return
	}
	// Reset the failed run to pending so the retry starts from a clean slate.
	if run, rerr := s.st.GetRun(ctx, commit.DataSourceID, commit.ProjectKey, commit.CommitSHA); rerr == nil {
		if err := s.st.SetRunStatus(ctx, run.ID, models.RunStatusPending, "requeued by operator"); err != nil {
			writeError(w, http.StatusInternalServerError, "update failed")
			return
		}
	}
	if err := s.st.MarkDeadLetterQueued(ctx, id); err != nil {
		writeError(w, http.StatusInternalServerError, "update failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":  "queued",
		"task_id": taskID,
	})
}

func (s *Server) handleResolveDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := s.st.GetDeadLetter(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, "dead letter not found")
		return
	}
	if err := s.st.MarkDeadLetterResolved(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "update failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}
