// Package httpapi is the collector's report ingress (C5): a gin router
// exposing POST /api/report, grounded in the handlers.Handlers pattern
// from the pack's agent-orchestration backend (bound JSON request
// structs, gin.H error bodies, a request-scoped context passed through
// to the service layer).
package httpapi

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/sentinelmesh/consensus-core/internal/logger"
	"github.com/sentinelmesh/consensus-core/internal/model"
)

// Store is the narrow persistence capability the ingress needs.
type Store interface {
	GetAgent(id string) (*model.Agent, error)
	GetValidator(id string) (*model.Validator, error)
	CreateReport(report model.AgentReport, seenAt time.Time) (model.AgentReport, error)
}

// Aggregator is the narrow capability the ingress needs to hand an
// accepted report to the consensus window state machine before
// returning 200.
type Aggregator interface {
	HandleReport(ctx context.Context, report model.AgentReport)
}

// Metrics is the narrow recording capability the ingress needs. It may
// be nil, in which case reports are simply not counted.
type Metrics interface {
	RecordReport(status string)
}

// reportRequest is the wire body for POST /api/report (spec §6).
type reportRequest struct {
	AgentID     string             `json:"agentId"`
	AgentAPIKey string             `json:"agentApiKey"`
	ValidatorID string             `json:"validatorId"`
	Status      model.HealthStatus `json:"status"`
	Message     string             `json:"message"`
	Signature   string             `json:"signature"`
}

// NewServer builds the collector's gin router. metrics may be nil.
func NewServer(store Store, aggregator Aggregator, metrics Metrics) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	h := &handler{store: store, aggregator: aggregator, metrics: metrics}
	router.POST("/api/report", h.handleReport)

	return router
}

type handler struct {
	store      Store
	aggregator Aggregator
	metrics    Metrics
}

func (h *handler) handleReport(c *gin.Context) {
	var req reportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	if req.AgentID == "" || req.AgentAPIKey == "" || req.ValidatorID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "agentId, agentApiKey and validatorId are required"})
		return
	}
	if !req.Status.IsIncomingValid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "status must be HEALTHY or UNHEALTHY"})
		return
	}

	agent, err := h.store.GetAgent(req.AgentID)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unknown agent"})
		return
	}
	if !agent.IsActive {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "agent is inactive"})
		return
	}
	if subtle.ConstantTimeCompare([]byte(agent.APIKey), []byte(req.AgentAPIKey)) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid agent api key"})
		return
	}
	if agent.ValidatorID != req.ValidatorID {
		c.JSON(http.StatusForbidden, gin.H{"error": "agent is not scoped to this validator"})
		return
	}

	validator, err := h.store.GetValidator(req.ValidatorID)
	if err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "unknown validator"})
		return
	}
	if !validator.IsActive {
		c.JSON(http.StatusForbidden, gin.H{"error": "validator is inactive"})
		return
	}

	report := model.AgentReport{
		ID:          uuid.NewString(),
		AgentID:     req.AgentID,
		ValidatorID: req.ValidatorID,
		Status:      req.Status,
		Message:     req.Message,
	}

	saved, err := h.store.CreateReport(report, time.Now())
	if err != nil {
		logger.Error("HTTPAPI", "failed to persist report for agent %s: %v", req.AgentID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	// Handoff must happen before the 200 is returned so reportId stays
	// meaningful to the caller.
	h.aggregator.HandleReport(c.Request.Context(), saved)

	if h.metrics != nil {
		h.metrics.RecordReport(string(saved.Status))
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "reportId": saved.ID})
}
