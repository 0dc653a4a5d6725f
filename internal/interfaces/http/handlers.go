package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mischa23v/caseflow/internal/application/engine"
	appquery "github.com/mischa23v/caseflow/internal/application/query"
	"github.com/mischa23v/caseflow/internal/domain/workflow"
)

// actorHeader carries the authenticated actor ID, supplied by the identity
// layer in front of this service.
const actorHeader = "X-Actor"

// Handlers contains all HTTP request handlers
type Handlers struct {
	engine *engine.Engine
	facade *appquery.Facade
	logger *zap.Logger
}

// NewHandlers creates a new Handlers instance
func NewHandlers(eng *engine.Engine, facade *appquery.Facade, logger *zap.Logger) *Handlers {
	return &Handlers{engine: eng, facade: facade, logger: logger}
}

// Response represents a standard JSON response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
}

// StartRequest is the body of a start call
type StartRequest struct {
	DefinitionID string `json:"definition_id" binding:"required"`
}

// StartResponse identifies the created workflow run
type StartResponse struct {
	WorkflowID string `json:"workflow_id"`
	RunID      string `json:"run_id"`
	Version    int64  `json:"version"`
}

// SignalRequest is the body of a signal call. ExpectedVersion, when set,
// pins the optimistic-concurrency check.
type SignalRequest struct {
	Payload         json.RawMessage `json:"payload,omitempty"`
	ExpectedVersion *int64          `json:"expected_version,omitempty"`
}

// SignalResponse returns the events one accepted signal appended
type SignalResponse struct {
	Events  interface{} `json:"events"`
	Version int64       `json:"version"`
}

// HealthCheck handles GET /health
func (h *Handlers) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   "1.0.0",
	})
}

// entityRef builds the entity reference from the route, rejecting unknown
// families.
func (h *Handlers) entityRef(c *gin.Context) (workflow.EntityRef, bool) {
	family := workflow.EntityType(c.Param("family"))
	if !family.IsValid() {
		c.JSON(http.StatusNotFound, Response{Success: false, Error: "unknown workflow family: " + c.Param("family")})
		return workflow.EntityRef{}, false
	}
	return workflow.EntityRef{Type: family, ID: c.Param("entityId")}, true
}

// StartWorkflow handles POST /:family/:entityId/start
func (h *Handlers) StartWorkflow(c *gin.Context) {
	ref, ok := h.entityRef(c)
	if !ok {
		return
	}

	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, Response{Success: false, Error: "definition_id is required"})
		return
	}

	inst, _, err := h.engine.Start(c.Request.Context(), req.DefinitionID, ref, c.GetHeader(actorHeader))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, Response{Success: true, Data: StartResponse{
		WorkflowID: inst.DefinitionID,
		RunID:      inst.ID,
		Version:    inst.Version,
	}})
}

// SubmitSignal handles POST /:family/:entityId/signal/:signalType
func (h *Handlers) SubmitSignal(c *gin.Context) {
	ref, ok := h.entityRef(c)
	if !ok {
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, Response{Success: false, Error: "failed to read request body"})
		return
	}

	var req SignalRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			c.JSON(http.StatusBadRequest, Response{Success: false, Error: "malformed request body"})
			return
		}
	}

	sig, err := workflow.ParseSignal(workflow.SignalType(c.Param("signalType")), req.Payload)
	if err != nil {
		h.writeError(c, err)
		return
	}

	h.submit(c, ref, sig, req.ExpectedVersion)
}

// Pause handles POST /:family/:entityId/pause
func (h *Handlers) Pause(c *gin.Context) {
	if ref, ok := h.entityRef(c); ok {
		h.submit(c, ref, &workflow.Pause{}, nil)
	}
}

// Resume handles POST /:family/:entityId/resume
func (h *Handlers) Resume(c *gin.Context) {
	if ref, ok := h.entityRef(c); ok {
		h.submit(c, ref, &workflow.Resume{}, nil)
	}
}

// CancelWorkflow handles POST /:family/:entityId/cancel
func (h *Handlers) CancelWorkflow(c *gin.Context) {
	ref, ok := h.entityRef(c)
	if !ok {
		return
	}

	var body workflow.Cancel
	_ = c.ShouldBindJSON(&body)
	h.submit(c, ref, &workflow.Cancel{Reason: body.Reason}, nil)
}

// submit resolves the instance behind an entity reference and routes the
// signal through the dispatcher.
func (h *Handlers) submit(c *gin.Context, ref workflow.EntityRef, sig workflow.Signal, expectedVersion *int64) {
	inst, err := h.facade.GetStatusByEntity(c.Request.Context(), ref)
	if err != nil {
		h.writeError(c, err)
		return
	}

	version := engine.AnyVersion
	if expectedVersion != nil {
		version = *expectedVersion
	}

	events, err := h.engine.Submit(c.Request.Context(), inst.ID, sig, c.GetHeader(actorHeader), version)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, Response{Success: true, Data: SignalResponse{
		Events:  events,
		Version: events[len(events)-1].Sequence,
	}})
}

// GetStatus handles GET /:family/:entityId/status
func (h *Handlers) GetStatus(c *gin.Context) {
	ref, ok := h.entityRef(c)
	if !ok {
		return
	}

	inst, err := h.facade.GetStatusByEntity(c.Request.Context(), ref)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: inst})
}

// GetHistory handles GET /:family/:entityId/history
func (h *Handlers) GetHistory(c *gin.Context) {
	ref, ok := h.entityRef(c)
	if !ok {
		return
	}

	inst, err := h.facade.GetStatusByEntity(c.Request.Context(), ref)
	if err != nil {
		h.writeError(c, err)
		return
	}

	history, err := h.facade.GetHistory(c.Request.Context(), inst.ID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: history})
}

// GetPending handles GET /:family/pending?approver=...
func (h *Handlers) GetPending(c *gin.Context) {
	pending, err := h.facade.GetPendingApprovals(c.Request.Context(), c.Query("approver"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	family := workflow.EntityType(c.Param("family"))
	filtered := pending[:0]
	for _, p := range pending {
		if p.Instance.EntityRef.Type == family {
			filtered = append(filtered, p)
		}
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: filtered})
}

// GetNeedingAttention handles GET /:family/attention?threshold_hours=...
func (h *Handlers) GetNeedingAttention(c *gin.Context) {
	hours, err := strconv.ParseFloat(c.DefaultQuery("threshold_hours", "0"), 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, Response{Success: false, Error: "threshold_hours must be a number"})
		return
	}

	items, err := h.facade.GetNeedingAttention(c.Request.Context(), time.Duration(hours*float64(time.Hour)))
	if err != nil {
		h.writeError(c, err)
		return
	}

	family := workflow.EntityType(c.Param("family"))
	filtered := items[:0]
	for _, item := range items {
		if item.Instance.EntityRef.Type == family {
			filtered = append(filtered, item)
		}
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: filtered})
}

// writeError maps engine errors onto HTTP status codes
func (h *Handlers) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, workflow.ErrVersionConflict):
		status = http.StatusConflict
	case errors.Is(err, workflow.ErrInvalidTransition),
		errors.Is(err, workflow.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, workflow.ErrInstanceNotFound),
		errors.Is(err, workflow.ErrDefinitionNotFound),
		errors.Is(err, workflow.ErrEntityNotFound),
		errors.Is(err, workflow.ErrUnknownTask),
		errors.Is(err, workflow.ErrUnknownApprover):
		status = http.StatusNotFound
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed", zap.Error(err))
	}
	c.JSON(status, Response{Success: false, Error: err.Error()})
}
