package ops

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/prom2json"
)

const defaultEventLimit = 100

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Error("Could not write response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Service) jobStatus(w http.ResponseWriter, r *http.Request) {
	uuid := mux.Vars(r)["uuid"]
	job, err := s.cfg.Store.OrganicJob(r.Context(), uuid)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "unknown job "+uuid)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Service) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.cfg.Store.OrganicJobs(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Service) listEvents(w http.ResponseWriter, r *http.Request) {
	limit := defaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	events, err := s.cfg.Store.SystemEvents(r.Context(), r.URL.Query().Get("type"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// metricsJSON renders the default prometheus registry as json, for operators
// without a scrape pipeline.
func (s *Service) metricsJSON(w http.ResponseWriter, r *http.Request) {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]*prom2json.Family, 0, len(families))
	for _, mf := range families {
		out = append(out, prom2json.NewFamily(mf))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) dynamicConfig(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Dynamic == nil {
		writeError(w, http.StatusNotFound, "dynamic config not loaded")
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Dynamic.Snapshot())
}

func (s *Service) triggerBackup(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Backup == nil {
		writeError(w, http.StatusNotFound, "backups not configured")
		return
	}
	_, permissionOverride := r.URL.Query()["permissionOverride"]
	if err := s.cfg.Backup.Backup(r.Context(), s.cfg.BackupDir, permissionOverride); err != nil {
		log.WithError(err).Error("Backup failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
