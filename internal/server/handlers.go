package server

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/avramidis/strategos/internal/coordinator"
	"github.com/avramidis/strategos/internal/domain"
	"github.com/avramidis/strategos/internal/events"
	"github.com/avramidis/strategos/internal/execution"
	"github.com/avramidis/strategos/internal/integrator"
	"github.com/avramidis/strategos/internal/persistence"
	"github.com/avramidis/strategos/internal/recovery"
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{
		"status":  "error",
		"message": message,
	})
}

type healthResponse struct {
	Status        string                  `json:"status"`
	Service       string                  `json:"service"`
	State         coordinator.SystemState `json:"state,omitempty"`
	UptimeSeconds float64                 `json:"uptime_seconds"`
	Components    int                     `json:"components"`
}

// handleHealth answers liveness checks with the coordinator snapshot
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := healthResponse{Status: "healthy", Service: "strategos"}
	if s.cfg.Coordinator != nil {
		health := s.cfg.Coordinator.Status()
		response.State = health.OverallState
		response.UptimeSeconds = health.UptimeSeconds
		response.Components = len(health.ComponentHealth)
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Prom == nil {
		s.writeError(w, http.StatusServiceUnavailable, "metrics not wired")
		return
	}
	s.cfg.Prom.Handler().ServeHTTP(w, r)
}

type systemStatusResponse struct {
	State          coordinator.SystemState                 `json:"state"`
	UptimeSeconds  float64                                 `json:"uptime_seconds"`
	CriticalEvents int                                     `json:"critical_events"`
	Components     map[string]coordinator.ComponentHealth  `json:"components"`
	CPUPercent     float64                                 `json:"cpu_percent"`
	MemoryPercent  float64                                 `json:"memory_percent"`
	Goroutines     int                                     `json:"goroutines"`
	Pipeline       *integrator.Stats                       `json:"pipeline,omitempty"`
	Execution      *execution.Stats                        `json:"execution,omitempty"`
	Sessions       map[domain.Killzone]domain.SessionStats `json:"sessions,omitempty"`
	Bus            *events.BusMetrics                      `json:"bus,omitempty"`
	Store          *persistence.StoreMetrics               `json:"store,omitempty"`
}

// handleSystemStatus returns the full operational picture: coordinator
// health, host resource usage and per-subsystem counters
func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	response := systemStatusResponse{Goroutines: runtime.NumGoroutine()}

	if s.cfg.Coordinator != nil {
		health := s.cfg.Coordinator.Status()
		response.State = health.OverallState
		response.UptimeSeconds = health.UptimeSeconds
		response.CriticalEvents = health.CriticalEvents
		response.Components = health.ComponentHealth
	}

	response.CPUPercent, response.MemoryPercent = s.hostStats()

	if s.cfg.Pipeline != nil {
		stats := s.cfg.Pipeline.Stats()
		response.Pipeline = &stats
		response.Sessions = s.cfg.Pipeline.SessionStats()
	}
	if s.cfg.Executor != nil {
		stats := s.cfg.Executor.Stats()
		response.Execution = &stats
	}
	if s.cfg.Bus != nil {
		metrics := s.cfg.Bus.Metrics()
		response.Bus = &metrics
	}
	if s.cfg.Store != nil {
		metrics := s.cfg.Store.Metrics()
		response.Store = &metrics
	}

	s.writeJSON(w, http.StatusOK, response)
}

// hostStats samples CPU over a short interval so the endpoint stays
// responsive; memory is read instantly.
func (s *Server) hostStats() (float64, float64) {
	var cpuPct float64
	if samples, err := cpu.Percent(100*time.Millisecond, false); err != nil {
		s.log.Warn().Err(err).Msg("Failed to sample CPU usage")
	} else if len(samples) > 0 {
		cpuPct = samples[0]
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to read memory usage")
		return cpuPct, 0
	}
	return cpuPct, memStat.UsedPercent
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Scheduler == nil {
		s.writeError(w, http.StatusServiceUnavailable, "scheduler not wired")
		return
	}
	entries := s.cfg.Scheduler.Entries()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_jobs": len(entries),
		"jobs":       entries,
	})
}

// handleTriggerJob runs a registered job out of schedule. The run is
// asynchronous; its outcome lands in the job's entry.
func (s *Server) handleTriggerJob(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Scheduler == nil {
		s.writeError(w, http.StatusServiceUnavailable, "scheduler not wired")
		return
	}

	name := chi.URLParam(r, "name")
	s.jobsMu.RLock()
	job, ok := s.jobs[name]
	s.jobsMu.RUnlock()
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown job "+name)
		return
	}

	s.log.Info().Str("job", name).Msg("Manual job trigger")
	go func() {
		if err := s.cfg.Scheduler.RunNow(job); err != nil {
			s.log.Error().Err(err).Str("job", name).Msg("Triggered job failed")
		}
	}()

	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "triggered",
		"job":    name,
	})
}

type databaseStats struct {
	SizeMB    float64 `json:"size_mb"`
	WALSizeMB float64 `json:"wal_size_mb"`
	PageCount int64   `json:"page_count"`
	PageSize  int64   `json:"page_size"`
	FreePages int64   `json:"free_pages"`
}

func (s *Server) handleDatabaseStats(w http.ResponseWriter, r *http.Request) {
	databases := make(map[string]databaseStats, len(s.cfg.Databases))
	for name, db := range s.cfg.Databases {
		stats, err := db.GetStats()
		if err != nil {
			s.log.Warn().Err(err).Str("database", name).Msg("Failed to read database stats")
			continue
		}
		databases[name] = databaseStats{
			SizeMB:    float64(stats.SizeBytes) / 1024 / 1024,
			WALSizeMB: float64(stats.WALSizeBytes) / 1024 / 1024,
			PageCount: stats.PageCount,
			PageSize:  stats.PageSize,
			FreePages: stats.FreelistCount,
		}
	}

	response := map[string]interface{}{"databases": databases}
	if s.cfg.Store != nil {
		metrics := s.cfg.Store.Metrics()
		response["store"] = metrics
	}
	s.writeJSON(w, http.StatusOK, response)
}

// handleEmergencyStop halts the whole platform. The stop tears this
// server down with everything else, so the response goes out first.
func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Coordinator == nil {
		s.writeError(w, http.StatusServiceUnavailable, "coordinator not wired")
		return
	}

	s.log.Warn().Msg("Emergency stop requested over HTTP")
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "stopping",
		"message": "Emergency stop initiated",
	})

	go func() {
		if err := s.cfg.Coordinator.EmergencyStop(); err != nil {
			s.log.Error().Err(err).Msg("Emergency stop failed")
		}
	}()
}

type recoveryHistoryResponse struct {
	Attempts []recovery.Attempt        `json:"attempts"`
	Health   []recovery.HealthSnapshot `json:"health"`
}

func (s *Server) handleRecoveryHistory(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Recovery == nil {
		s.writeError(w, http.StatusServiceUnavailable, "recovery engine not wired")
		return
	}
	s.writeJSON(w, http.StatusOK, recoveryHistoryResponse{
		Attempts: s.cfg.Recovery.Attempts(),
		Health:   s.cfg.Recovery.HealthHistory(),
	})
}

func (s *Server) handleRecoveryStatus(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Recovery == nil {
		s.writeError(w, http.StatusServiceUnavailable, "recovery engine not wired")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"engine":        s.cfg.Recovery.Status(),
		"latest_health": s.cfg.Recovery.LatestHealth(),
	})
}

// handleRecoveryReset clears attempt budgets so exhausted actions may
// run again. The reserved name "all" resets every action.
func (s *Server) handleRecoveryReset(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Recovery == nil {
		s.writeError(w, http.StatusServiceUnavailable, "recovery engine not wired")
		return
	}

	action := chi.URLParam(r, "action")
	if action == "all" {
		s.cfg.Recovery.ResetAll()
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "reset", "action": "all"})
		return
	}
	if err := s.cfg.Recovery.ResetAction(action); err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "reset", "action": action})
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		s.writeError(w, http.StatusServiceUnavailable, "event bus not wired")
		return
	}

	response := map[string]interface{}{
		"dashboard": s.cfg.Bus.Dashboard().Snapshot(),
		"bus":       s.cfg.Bus.Metrics(),
	}
	if s.cfg.Pipeline != nil {
		response["pipeline"] = s.cfg.Pipeline.Stats()
		response["sessions"] = s.cfg.Pipeline.SessionStats()
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleRiskLimits(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Gate == nil {
		s.writeError(w, http.StatusServiceUnavailable, "risk gate not wired")
		return
	}
	s.writeJSON(w, http.StatusOK, s.cfg.Gate.Limits())
}

// handleBackup submits an asynchronous backup; progress shows up in the
// store metrics and the backup directory.
func (s *Server) handleBackup(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Store == nil {
		s.writeError(w, http.StatusServiceUnavailable, "persistence store not wired")
		return
	}

	if err := s.cfg.Store.SubmitBackup(); err != nil {
		s.log.Error().Err(err).Msg("Failed to submit backup")
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.log.Info().Msg("Manual backup submitted")
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "accepted",
		"message": "Backup submitted",
	})
}
