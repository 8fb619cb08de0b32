package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/sells-group/review-enrich/internal/jobs"
	"github.com/sells-group/review-enrich/internal/model"
)

// handleLogs streams the job's events as server-sent events until the job
// is terminal or the client goes away.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookup(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	err := jobs.Stream(r.Context(), s.store, job.ID, s.poll, func(ev jobs.Event) error {
		data, err := json.Marshal(ev.Data)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		zap.L().Warn("api: log stream ended", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// handleDownload serves the artifact of a finished job.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if job.Status != model.JobStatusDone {
		writeError(w, http.StatusConflict, fmt.Sprintf("job is %s", job.Status))
		return
	}
	if job.OutputRef == "" {
		writeError(w, http.StatusGone, "output expired")
		return
	}
	f, err := os.Open(job.OutputRef)
	if err != nil {
		if !os.IsNotExist(err) {
			zap.L().Error("api: open artifact", zap.String("job_id", job.ID), zap.Error(err))
		}
		writeError(w, http.StatusGone, "output no longer available")
		return
	}
	defer f.Close() //nolint:errcheck

	info, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusGone, "output no longer available")
		return
	}

	name := filepath.Base(job.OutputRef)
	ctype := "text/csv"
	if filepath.Ext(name) == "."+model.FormatXLSX {
		ctype = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	w.Header().Set("Content-Type", ctype)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	http.ServeContent(w, r, name, info.ModTime(), f)
}
