package api

import (
	"crypto/subtle"
	"net/http"
	"strconv"
)

const cronSecretHeader = "x-cron-secret"

type runResponse struct {
	OK        bool `json:"ok"`
	Processed int  `json:"processed"`
}

// handleRun authenticates the scheduler and runs one batch of a loop.
func (s *Server) handleRun(runner Runner, defaultBatch int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.validCronSecret(r.Header.Get(cronSecretHeader)) {
			writeJSON(w, http.StatusForbidden, errorBody{Error: "forbidden"})
			return
		}
		if runner == nil {
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "loop not configured"})
			return
		}
		batch := defaultBatch
		if v := r.URL.Query().Get("batch"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
				batch = n
			}
		}
		if batch <= 0 {
			batch = 10
		}
		n, err := runner.RunOnce(r.Context(), batch)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, runResponse{OK: true, Processed: n})
	}
}

// An unset secret rejects every caller.
func (s *Server) validCronSecret(got string) bool {
	want := s.cfg.CronSecret
	if want == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
