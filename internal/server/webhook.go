package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/sonarsweep/sonarsweep/internal/queue"
	"github.com/sonarsweep/sonarsweep/models"
)

// webhookPayload is the analysis-finished callback body. Older backend
// versions put the analysis id at the top level, newer ones nest it.
type webhookPayload struct {
	AnalysisID string `json:"analysisId"`
	Status     string `json:"status"`
	Analysis   struct {
		Key string `json:"key"`
	} `json:"analysis"`
	Project struct {
		Key string `json:"key"`
	} `json:"project"`
	QualityGate struct {
		Status string `json:"status"`
	} `json:"qualityGate"`
}

// handleWebhook correlates an analysis-finished callback with its tracked
// run and enqueues the metrics export when the analysis succeeded.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading body failed")
		return
	}
	if !s.authenticateWebhook(r, body) {
		writeError(w, http.StatusUnauthorized, "invalid webhook credentials")
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid webhook body")
		return
	}
	componentKey := strings.TrimSpace(payload.Project.Key)
	if componentKey == "" {
		writeError(w, http.StatusBadRequest, "missing project key")
		return
	}

	ctx := r.Context()
	run, err := s.st.GetRunByComponentKey(ctx, componentKey)
	if err != nil {
		writeError(w, http.StatusNotFound, "component is not tracked")
		return
	}

	analysisID := payload.Analysis.Key
	if analysisID == "" {
		analysisID = payload.AnalysisID
	}
	verdict := payload.QualityGate.Status
	if verdict == "" {
		verdict = payload.Status
	}

	if !successVerdict(verdict) {
		if err := s.st.SetRunAnalysis(ctx, run.ID, analysisID, models.RunStatusFailed); err != nil {
			writeError(w, http.StatusInternalServerError, "update failed")
			return
		}
		slog.Warn("Webhook reported failed analysis",
			"component", componentKey, "verdict", verdict)
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
		return
	}

	if err := s.st.SetRunAnalysis(ctx, run.ID, analysisID, run.Status); err != nil {
		writeError(w, http.StatusInternalServerError, "update failed")
		return
	}
	export := models.ExportTask{
		ProjectKey:    run.ProjectKey,
		CommitSHA:     run.CommitSHA,
		SonarInstance: run.SonarInstance,
		JobID:         run.JobID,
		DataSourceID:  run.DataSourceID,
	}
	if _, err := s.q.Enqueue(ctx, queue.TaskExportMetrics, export, 0, s.cfg.Pipeline.ExportRetryLimit); err != nil {
		writeError(w, http.StatusInternalServerError, "enqueueing export failed")
		return
	}

	slog.Info("Webhook accepted", "component", componentKey, "analysis_id", analysisID)
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// authenticateWebhook accepts either the shared secret header or an
// HMAC-SHA256 signature of the raw body.
func (s *Server) authenticateWebhook(r *http.Request, body []byte) bool {
	secret := s.cfg.Webhook.Secret
	if secret == "" {
		return false
	}

	if got := r.Header.Get("X-Sonar-Secret"); got != "" {
		return subtle.ConstantTimeCompare([]byte(got), []byte(secret)) == 1
	}
	if sig := r.Header.Get("X-Sonar-Webhook-HMAC-SHA256"); sig != "" {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		want := hex.EncodeToString(mac.Sum(nil))
		return hmac.Equal([]byte(strings.ToLower(sig)), []byte(want))
	}
	return false
}

func successVerdict(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "ok", "success":
		return true
	}
	return false
}
