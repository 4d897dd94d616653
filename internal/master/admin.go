package master

import (
	"net/http"
	"sort"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/rayctl/internal/observability"
	"github.com/danmuck/rayctl/internal/stats"
)

type workerView struct {
	ID          uint64   `json:"id"`
	Addr        string   `json:"addr"`
	Treelets    []uint64 `json:"treelets"`
	Initialized bool     `json:"initialized"`
	RayQueue    uint64   `json:"ray_queue"`
	PendingQ    uint64   `json:"pending_queue"`
	OutQ        uint64   `json:"out_queue"`
	Demand      float64  `json:"demand_rays_per_sec"`
}

type statusView struct {
	Workers            int     `json:"workers"`
	Initialized        int     `json:"initialized"`
	PendingRequests    int     `json:"pending_requests"`
	FinishedPaths      uint64  `json:"finished_paths"`
	TotalPaths         uint64  `json:"total_paths"`
	SamplesAccumulated uint64  `json:"samples_accumulated"`
	NetDemand          float64 `json:"net_demand_rays_per_sec"`
	ElapsedSeconds     float64 `json:"elapsed_seconds"`
}

// serveAdmin runs the observational HTTP surface.
func (m *Master) serveAdmin() {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(m.logger))
	r.Use(cors.New(cors.Config{
		AllowOrigins: []string{"http://localhost:3000"},
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"uptime": time.Since(m.startTime).String(),
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/status", func(c *gin.Context) {
		var view statusView
		m.Inspect(func(m *Master) {
			view = statusView{
				Workers:            len(m.workers),
				Initialized:        len(m.initialized),
				PendingRequests:    len(m.pendingRequests),
				FinishedPaths:      m.aggregate.FinishedPaths,
				TotalPaths:         m.totalPaths,
				SamplesAccumulated: m.samplesAccumulated,
				NetDemand:          m.demand.NetDemand(),
				ElapsedSeconds:     time.Since(m.startTime).Seconds(),
			}
		})
		c.JSON(http.StatusOK, view)
	})

	r.GET("/workers", func(c *gin.Context) {
		var views []workerView
		m.Inspect(func(m *Master) {
			ids := make([]stats.WorkerID, 0, len(m.workers))
			for id := range m.workers {
				ids = append(ids, id)
			}
			sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
			for _, id := range ids {
				w := m.workers[id]
				_, initialized := m.initialized[id]
				addr := ""
				if w.udpAddr != nil {
					addr = w.udpAddr.String()
				}
				views = append(views, workerView{
					ID:          uint64(id),
					Addr:        addr,
					Treelets:    m.workerHoldings(id),
					Initialized: initialized,
					RayQueue:    w.stats.Queue.Ray,
					PendingQ:    w.stats.Queue.Pending,
					OutQ:        w.stats.Queue.Out,
					Demand:      m.demand.WorkerDemand(id),
				})
			}
		})
		c.JSON(http.StatusOK, gin.H{"workers": views})
	})

	if err := r.Run(m.cfg.AdminAddr); err != nil {
		log.Warn().Err(err).Msg("admin surface stopped")
	}
}
