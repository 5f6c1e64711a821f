// Package statusapi is an optional local introspection server exposing
// the currently running job's phase and last-known monitor.Status over
// HTTP. Grounded on the teacher's api/router.go (SetupRouter: gin +
// gin-contrib/cors, a GET /health route) and api/handlers.go's
// GetStatus/HealthCheck, narrowed from a full migration REST API down to
// two read-only endpoints — nothing here accepts a request that mutates
// a run; spec.md's Non-goals exclude a control surface, not observability.
package statusapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"skyplane-ctl/pkg/monitor"
)

// Reporter is updated by the client container as a run progresses and
// read by the HTTP handlers below.
type Reporter struct {
	mu      sync.RWMutex
	jobID   string
	phase   string
	status  monitor.Status
	started time.Time
}

// NewReporter returns an idle Reporter.
func NewReporter() *Reporter {
	return &Reporter{phase: "idle"}
}

// SetPhase records which C8 phase the run is currently in
// ("provisioning", "planning", "monitoring", "done").
func (r *Reporter) SetPhase(jobID, phase string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobID = jobID
	r.phase = phase
	if phase == "provisioning" {
		r.started = time.Now()
	}
}

// SetStatus records the monitor's latest Status snapshot.
func (r *Reporter) SetStatus(status monitor.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = status
}

func (r *Reporter) snapshot() gin.H {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return gin.H{
		"job_id":             r.jobID,
		"phase":              r.phase,
		"started_at":         r.started,
		"monitor_status":     r.status.MonitorStatus,
		"completed_chunks":   len(r.status.CompletedChunkIDs),
		"total_runtime_s":    r.status.TotalRuntimeS,
		"throughput_gbits":   r.status.ThroughputGbits,
		"errors":             r.status.Errors,
	}
}

// NewRouter builds the gin.Engine serving /health and /status, CORS-open
// the same way the teacher's SetupRouter is (a local introspection
// surface, not a multi-tenant API).
func NewRouter(reporter *Reporter) *gin.Engine {
	router := gin.Default()

	cfg := cors.DefaultConfig()
	cfg.AllowOrigins = []string{"*"}
	cfg.AllowMethods = []string{"GET"}
	router.Use(cors.New(cfg))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "time": time.Now()})
	})

	router.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, reporter.snapshot())
	})

	return router
}
