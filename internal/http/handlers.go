package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/visionflow/visionflow/internal/bridge"
	"github.com/visionflow/visionflow/internal/handler"
	"github.com/visionflow/visionflow/internal/pipeline"
)

// Handlers contains all HTTP handlers
type Handlers struct {
	supervisor *pipeline.Supervisor
	bridge     *bridge.Bridge
	handlers   *handler.Registry
	started    time.Time
}

// NewHandlers creates a new handler set
func NewHandlers(sup *pipeline.Supervisor, b *bridge.Bridge, reg *handler.Registry) *Handlers {
	return &Handlers{
		supervisor: sup,
		bridge:     b,
		handlers:   reg,
		started:    time.Now(),
	}
}

// Root handles health check
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "online",
		"service": "VisionFlow Pipeline Service",
		"version": "0.3.0",
	})
}

// Health handles detailed health check
func (h *Handlers) Health(c *gin.Context) {
	stats := h.supervisor.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":         "healthy",
		"uptime_seconds": time.Since(h.started).Seconds(),
		"pipelines": gin.H{
			"registered": stats.Registered,
			"running":    stats.Running,
		},
		"types":    stats.Types,
		"handlers": h.handlers.Names(),
	})
}

// Stats reports aggregate supervisor and subscriber counters
func (h *Handlers) Stats(c *gin.Context) {
	sup := h.supervisor.Stats()
	sub := h.bridge.Stats()
	c.JSON(http.StatusOK, gin.H{
		"pipelines": gin.H{
			"registered": sup.Registered,
			"running":    sup.Running,
		},
		"types": sup.Types,
		"subscriptions": gin.H{
			"total":        sub.Subscriptions,
			"per_pipeline": sub.Pipelines,
		},
	})
}

// ListPipelines lists every registered pipeline with its condition
func (h *Handlers) ListPipelines(c *gin.Context) {
	descs := h.supervisor.List()
	out := make([]gin.H, 0, len(descs))
	for _, d := range descs {
		out = append(out, describeJSON(d))
	}
	c.JSON(http.StatusOK, gin.H{
		"pipelines": out,
		"count":     len(out),
	})
}

// GetPipeline describes one pipeline
func (h *Handlers) GetPipeline(c *gin.Context) {
	desc, err := h.supervisor.Describe(c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, describeJSON(desc))
}

type startRequest struct {
	Config       map[string]interface{} `json:"config"`
	StepInterval string                 `json:"step_interval"`
}

// StartPipeline launches a worker for the named pipeline
func (h *Handlers) StartPipeline(c *gin.Context) {
	name := c.Param("name")

	var req startRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
			return
		}
	}

	opts := pipeline.StartOptions{ConfigOverride: req.Config}
	if req.StepInterval != "" {
		d, err := time.ParseDuration(req.StepInterval)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid step_interval: " + err.Error()})
			return
		}
		opts.StepInterval = d
	}

	if err := h.supervisor.Start(c.Request.Context(), name, opts); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "started", "pipeline": name})
}

// StopPipeline terminates the named pipeline's worker
func (h *Handlers) StopPipeline(c *gin.Context) {
	name := c.Param("name")
	if err := h.supervisor.Stop(name); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped", "pipeline": name})
}

type signalRequest struct {
	Name     string                 `json:"name" binding:"required"`
	Priority string                 `json:"priority"`
	Payload  map[string]interface{} `json:"payload"`
}

// SendSignal delivers a prioritized signal to a running pipeline
func (h *Handlers) SendSignal(c *gin.Context) {
	name := c.Param("name")

	var req signalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	pri := pipeline.PriorityNormal
	if req.Priority != "" {
		p, err := pipeline.ParsePriority(req.Priority)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		pri = p
	}

	if err := h.supervisor.SendSignal(name, req.Name, pri, req.Payload); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "queued",
		"pipeline": name,
		"signal":   req.Name,
		"priority": pri.String(),
	})
}

// UpdateConfig applies a partial configuration to a running pipeline
func (h *Handlers) UpdateConfig(c *gin.Context) {
	name := c.Param("name")

	var partial map[string]interface{}
	if err := c.ShouldBindJSON(&partial); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	if len(partial) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty configuration update"})
		return
	}

	if err := h.supervisor.UpdateConfig(name, partial); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "queued", "pipeline": name})
}

// TopicSnapshot returns the retained records of one topic
func (h *Handlers) TopicSnapshot(c *gin.Context) {
	name := c.Param("name")
	topic := c.Param("topic")

	recs, err := h.supervisor.TopicSnapshot(name, topic)
	if err != nil {
		respondError(c, err)
		return
	}

	out := make([]gin.H, 0, len(recs))
	for _, r := range recs {
		out = append(out, gin.H{
			"seq":         r.Seq,
			"payload":     r.Payload,
			"metadata":    r.Metadata,
			"produced_at": float64(r.ProducedAt.UnixNano()) / float64(time.Second),
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"pipeline": name,
		"topic":    topic,
		"records":  out,
		"count":    len(out),
	})
}

// Subscribers reports the live subscriber count for one pipeline
func (h *Handlers) Subscribers(c *gin.Context) {
	name := c.Param("name")
	if _, err := h.supervisor.Describe(name); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"pipeline":    name,
		"subscribers": h.bridge.Subscribers(name),
	})
}

func describeJSON(d pipeline.Description) gin.H {
	out := gin.H{
		"name":          d.Descriptor.Name,
		"type":          d.Descriptor.Type,
		"states":        d.Descriptor.States,
		"initial_state": d.Descriptor.InitialState,
		"error_state":   d.Descriptor.ErrorState,
		"signals":       d.Descriptor.Signals,
		"topics":        topicsJSON(d.Descriptor.Topics),
		"running":       d.Running,
		"phase":         d.Phase.String(),
	}
	if d.State != "" {
		out["state"] = d.State
		out["prev_state"] = d.PrevState
	}
	if !d.LastHeartbeat.IsZero() {
		out["last_heartbeat"] = float64(d.LastHeartbeat.UnixNano()) / float64(time.Second)
	}
	if d.Err != "" {
		out["error"] = d.Err
	}
	return out
}

func topicsJSON(topics []pipeline.TopicConfig) []gin.H {
	out := make([]gin.H, 0, len(topics))
	for _, t := range topics {
		out = append(out, gin.H{
			"name":                t.Name,
			"max_count":           t.MaxCount,
			"time_window_seconds": t.TimeWindow.Seconds(),
		})
	}
	return out
}
