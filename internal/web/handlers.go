package web

// handlers.go implements the migration endpoints. Uploads are spooled to
// local disk under a random name before the pipeline touches them, so the
// multipart stream is read exactly once and oversized bodies are rejected by
// MaxBytesReader before they hit the spool.

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nvqhuy/xlsmigrate/internal/core"
	"github.com/nvqhuy/xlsmigrate/internal/logging"
	"github.com/nvqhuy/xlsmigrate/internal/xlsx"
)

// uploadResult is the response of the upload and phase endpoints.
type uploadResult struct {
	core.Summary
	ErrorFileAvailable bool `json:"errorFileAvailable,omitempty"`
}

// handleUpload runs the full pipeline synchronously and returns the finished
// job. A failed run answers with the error envelope carrying the job id, so
// the caller can inspect status and download the error report.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	s.runUpload(w, r, false, false)
}

// handleUploadAsync admits the job and returns 202 immediately.
func (s *Server) handleUploadAsync(w http.ResponseWriter, r *http.Request) {
	s.runUpload(w, r, true, false)
}

// handleIngestOnly runs ingest and stops, leaving the job parked at
// INGEST_COMPLETED for the step-by-step phase endpoints.
func (s *Server) handleIngestOnly(w http.ResponseWriter, r *http.Request) {
	s.runUpload(w, r, false, true)
}

func (s *Server) runUpload(w http.ResponseWriter, r *http.Request, async, ingestOnly bool) {
	req, err := s.spoolUpload(r)
	if err != nil {
		respondError(w, r, err, "")
		return
	}
	req.IngestOnly = ingestOnly

	if async {
		job, err := s.service.StartAsync(r.Context(), req)
		if err != nil {
			s.removeSpool(r, req.FilePath)
			jobID := ""
			if job != nil {
				jobID = job.ID
			}
			respondError(w, r, err, jobID)
			return
		}
		writeJSON(w, http.StatusAccepted, uploadResult{Summary: job.Summarize()})
		return
	}

	job, err := s.service.Start(r.Context(), req)
	s.removeSpool(r, req.FilePath)
	if err != nil {
		jobID := ""
		if job != nil {
			jobID = job.ID
		}
		respondError(w, r, err, jobID)
		return
	}
	writeJSON(w, http.StatusOK, uploadResult{
		Summary:            job.Summarize(),
		ErrorFileAvailable: job.ErrorRows > 0,
	})
}

// spoolUpload validates the multipart request and writes the workbook to the
// spool directory under a random name.
func (s *Server) spoolUpload(r *http.Request) (core.StartRequest, error) {
	var req core.StartRequest

	r.Body = http.MaxBytesReader(nil, r.Body, s.cfg.Migration.MaxFileSize)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		if err.Error() == "http: request body too large" {
			return req, core.Errorf(core.CodeFileTooLarge,
				"upload exceeds %d bytes", s.cfg.Migration.MaxFileSize)
		}
		return req, core.Errorf(core.CodeIOError, "reading upload: %v", err)
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		return req, core.Errorf(core.CodeIOError, "missing file field: %v", err)
	}
	defer file.Close()

	if ext := filepath.Ext(header.Filename); ext != ".xlsx" && ext != ".xlsm" {
		return req, core.Errorf(core.CodeFileCorrupt,
			"unsupported file type %q, expected .xlsx", ext)
	}

	req.MigrationKey = r.FormValue("migrationKey")
	if req.MigrationKey == "" {
		req.MigrationKey = "employee"
	}
	req.CreatedBy = r.FormValue("createdBy")
	req.JobID = r.FormValue("jobId")
	if raw := r.FormValue("maxRows"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return req, core.Errorf(core.CodeFileCorrupt, "invalid maxRows %q", raw)
		}
		req.MaxRows = n
	}

	if err := os.MkdirAll(s.cfg.Migration.SpoolDir, 0o755); err != nil {
		return req, core.Errorf(core.CodeIOError, "spool dir: %v", err)
	}
	path := filepath.Join(s.cfg.Migration.SpoolDir, uuid.New().String()+".xlsx")

	dst, err := os.Create(path)
	if err != nil {
		return req, core.Errorf(core.CodeIOError, "spooling upload: %v", err)
	}
	if _, err := io.Copy(dst, file); err != nil {
		dst.Close()
		os.Remove(path)
		return req, core.Errorf(core.CodeIOError, "spooling upload: %v", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(path)
		return req, core.Errorf(core.CodeIOError, "spooling upload: %v", err)
	}

	req.FilePath = path
	return req, nil
}

// removeSpool deletes a spooled workbook once the synchronous run is done.
// Async runs keep the file until the run finishes and clean up themselves.
func (s *Server) removeSpool(r *http.Request, path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logging.FromContext(r.Context()).Warn("spool cleanup failed",
			"path", path, "error", err)
	}
}

// phaseHandler runs one named phase of a parked job.
func (s *Server) phaseHandler(phase core.Phase) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobID")
		job, err := s.service.RunPhase(r.Context(), jobID, phase)
		if err != nil {
			respondError(w, r, err, jobID)
			return
		}
		writeJSON(w, http.StatusOK, uploadResult{Summary: job.Summarize()})
	}
}

// handleResume re-runs a failed job from its last checkpoint.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := s.service.Resume(r.Context(), jobID)
	if err != nil {
		respondError(w, r, err, jobID)
		return
	}
	writeJSON(w, http.StatusOK, uploadResult{Summary: job.Summarize()})
}

// handleCancel requests cooperative cancellation of a running job.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if !s.service.Cancel(jobID) {
		respondError(w, r,
			core.Errorf(core.CodeJobNotFound, "job %s has no phase in flight", jobID), jobID)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"jobId":  jobID,
		"status": "cancelling",
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	summary, err := s.service.Status(r.Context(), jobID)
	if err != nil {
		respondError(w, r, err, jobID)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	jobs, err := s.service.List(r.Context(), limit)
	if err != nil {
		respondError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// handleListDefinitions lists the registered migrations.
func (s *Server) handleListDefinitions(w http.ResponseWriter, r *http.Request) {
	type definition struct {
		Key     string   `json:"key"`
		Label   string   `json:"label"`
		Headers []string `json:"headers"`
	}
	var defs []definition
	for _, d := range core.Definitions() {
		defs = append(defs, definition{
			Key:     d.Key,
			Label:   d.Label,
			Headers: d.Descriptor.Headers(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"definitions": defs})
}

func (s *Server) handleErrorStats(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	stats, err := s.service.ErrorStats(r.Context(), jobID)
	if err != nil {
		respondError(w, r, err, jobID)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleErrorDownload streams the error report as an xlsx attachment.
// Error rows are pulled from staging one at a time and pushed through the
// stream writer, so the report never sits fully in memory.
func (s *Server) handleErrorDownload(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	// Resolve headers first so a bad id answers 404 instead of a broken file.
	headers, err := s.service.ErrorFileHeaders(r.Context(), jobID)
	if err != nil {
		respondError(w, r, err, jobID)
		return
	}

	writer, err := xlsx.NewErrorFileWriter(headers)
	if err != nil {
		respondError(w, r, err, jobID)
		return
	}
	err = s.service.StreamErrors(r.Context(), jobID, func(row core.RawRow) error {
		return writer.Append(row.Values, row.ErrorMessage, row.ErrorCode)
	})
	if err != nil {
		respondError(w, r, err, jobID)
		return
	}

	w.Header().Set("Content-Type",
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%s-errors.xlsx", jobID))
	if _, err := writer.WriteTo(w); err != nil {
		logging.FromContext(r.Context()).Error("error report write failed",
			"job_id", jobID, "error", err)
	}
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	keepErrors := r.URL.Query().Get("keepErrors") == "true"

	if err := s.service.Cleanup(r.Context(), jobID, keepErrors); err != nil {
		respondError(w, r, err, jobID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobId":      jobID,
		"keepErrors": keepErrors,
		"status":     "cleaned",
	})
}
