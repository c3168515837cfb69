package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Yukselcsgn/dynamic-web-scraper/internal/crawler"
)

const (
	defaultJobLimit = 50
	maxJobLimit     = 500
	maxBatchSize    = 1000
	maxBodyBytes    = 1 << 20
)

type jobRequest struct {
	URL        string         `json:"url"`
	Config     map[string]any `json:"config"`
	Priority   string         `json:"priority"`
	Tags       []string       `json:"tags"`
	Metadata   map[string]any `json:"metadata"`
	MaxRetries *int           `json:"max_retries"`
}

type batchRequest struct {
	Jobs []jobRequest `json:"jobs"`
}

func (req jobRequest) toNewJob() (crawler.NewJob, error) {
	priority, err := crawler.ParsePriority(req.Priority)
	if err != nil {
		return crawler.NewJob{}, err
	}
	return crawler.NewJob{
		URL:        strings.TrimSpace(req.URL),
		Config:     req.Config,
		Priority:   priority,
		Tags:       req.Tags,
		Metadata:   req.Metadata,
		MaxRetries: req.MaxRetries,
	}, nil
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	nj, err := req.toNewJob()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	jobID, err := s.jobs.AddJob(r.Context(), nj)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) submitBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Jobs) == 0 {
		writeError(w, http.StatusBadRequest, "jobs required")
		return
	}
	if len(req.Jobs) > maxBatchSize {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("at most %d jobs per batch", maxBatchSize))
		return
	}
	batch := make([]crawler.NewJob, 0, len(req.Jobs))
	for i, jr := range req.Jobs {
		nj, err := jr.toNewJob()
		if err != nil {
			s.fail(w, r, fmt.Errorf("jobs[%d]: %w", i, err))
			return
		}
		batch = append(batch, nj)
	}
	ids, err := s.jobs.AddJobs(r.Context(), batch)
	if err != nil {
		if len(ids) > 0 {
			writeJSON(w, statusFor(err), map[string]any{"job_ids": ids, "error": err.Error()})
			return
		}
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job_ids": ids})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.LookupJob(chi.URLParam(r, "job_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

// getJobResult returns 200 with the job once it is terminal. With ?wait=<duration> it
// blocks up to that long; a job still in flight afterwards yields 202.
func (s *Server) getJobResult(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	wait, err := parseDuration(r.URL.Query().Get("wait"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid wait: "+err.Error())
		return
	}
	if s.cfg.MaxResultWait > 0 && wait > s.cfg.MaxResultWait {
		wait = s.cfg.MaxResultWait
	}

	if wait > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), wait)
		defer cancel()
		job, err := s.jobs.WaitResult(ctx, jobID)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, map[string]any{"job": job, "ready": true})
			return
		case errors.Is(err, context.DeadlineExceeded):
		default:
			s.fail(w, r, err)
			return
		}
	}

	job, err := s.jobs.LookupJob(jobID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !job.Status.IsTerminal() {
		writeJSON(w, http.StatusAccepted, map[string]any{"job": job, "ready": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job, "ready": true})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.CancelJob(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": job.ID, "status": string(job.Status)})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultJobLimit, maxJobLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	status := crawler.JobStatus(strings.ToLower(r.URL.Query().Get("status")))
	if status != "" && !status.Valid() {
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": s.jobs.ListJobs(status, limit)})
}

// purgeJobs removes terminal jobs older than ?older_than (default 0, meaning every
// terminal job completed before now).
func (s *Server) purgeJobs(w http.ResponseWriter, r *http.Request) {
	olderThan, err := parseDuration(r.URL.Query().Get("older_than"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid older_than: "+err.Error())
		return
	}
	purged, err := s.jobs.PurgeTerminal(r.Context(), olderThan)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"purged": purged})
}

func (s *Server) queueStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.jobs.Stats())
}

func (s *Server) poolStats(w http.ResponseWriter, _ *http.Request) {
	if s.pool == nil {
		writeError(w, http.StatusServiceUnavailable, "worker pool not running in this process")
		return
	}
	writeJSON(w, http.StatusOK, s.pool.Stats())
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.New("invalid JSON")
	}
	return nil
}

func parseDuration(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, errors.New("must be >= 0")
	}
	return d, nil
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	limit := def
	if limStr := r.URL.Query().Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	return limit, nil
}
