package handlers

import (
	"net/http"
	"time"

	"example.com/analytics/services/ingest/internal/models"
	"example.com/analytics/services/ingest/internal/services"
	"example.com/analytics/services/ingest/internal/tracing"
	"example.com/analytics/services/ingest/internal/validation"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// EventHandler handles event ingestion and reporting HTTP requests
type EventHandler struct {
	service *services.IngestService
	tracer  tracing.Tracer
}

// NewEventHandler creates a new event handler
func NewEventHandler(service *services.IngestService, tracer tracing.Tracer) *EventHandler {
	return &EventHandler{
		service: service,
		tracer:  tracer,
	}
}

// HandleIngestEvent accepts one analytics event. The response acknowledges
// queueing only; persistence happens asynchronously in the worker.
func (h *EventHandler) HandleIngestEvent(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-ingest-event")
	defer h.tracer.EndTransaction(txn)

	var body map[string]interface{}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"errors":  []string{"request body must be a JSON object"},
		})
		h.tracer.RecordError(txn, err)
		return
	}

	result := validation.ValidateEvent(body)
	if !result.IsValid {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"errors":  result.Errors,
		})
		return
	}

	payload := models.EventPayloadFromMap(body)
	h.tracer.AddAttribute(txn, "site_id", payload.SiteID)
	h.tracer.AddAttribute(txn, "event_type", payload.EventType)

	// Stamp the enqueue time when the client did not supply one
	if payload.Timestamp == "" {
		payload.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	job, err := h.service.EnqueueEvent(c.Request.Context(), payload)
	if err != nil {
		log.Error().Err(err).Str("site_id", payload.SiteID).Msg("Failed to queue event")
		h.tracer.RecordError(txn, err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "Failed to queue event",
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"success": true,
		"message": "Event queued for processing",
		"job_id":  job.ID,
	})
}

// HandleGetStats serves aggregated statistics for one site over a UTC day
func (h *EventHandler) HandleGetStats(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-get-stats")
	defer h.tracer.EndTransaction(txn)

	siteID := c.Query("site_id")
	if siteID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "site_id query parameter is required",
		})
		return
	}

	date := c.Query("date")
	if date == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "date query parameter is required (format: YYYY-MM-DD)",
		})
		return
	}

	day, err := time.ParseInLocation("2006-01-02", date, time.UTC)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "Invalid date format. Use YYYY-MM-DD",
		})
		return
	}

	stats, err := h.service.GetDailyStats(c.Request.Context(), siteID, day)
	if err != nil {
		log.Error().Err(err).Str("site_id", siteID).Msg("Failed to retrieve stats")
		h.tracer.RecordError(txn, err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "Failed to retrieve statistics",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"site_id": siteID,
		"date":    date,
		"stats":   stats,
	})
}

// HandleSearchEvents looks up a site's events in the search index
func (h *EventHandler) HandleSearchEvents(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-search-events")
	defer h.tracer.EndTransaction(txn)

	siteID := c.Query("site_id")
	term := c.Query("q")
	if siteID == "" || term == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "site_id and q query parameters are required",
		})
		return
	}

	events, err := h.service.SearchEvents(c.Request.Context(), siteID, term)
	if err != nil {
		log.Error().Err(err).Str("site_id", siteID).Msg("Failed to search events")
		h.tracer.RecordError(txn, err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "Failed to search events",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"site_id": siteID,
		"events":  events,
	})
}

// RegisterRoutes registers the handler's routes
func (h *EventHandler) RegisterRoutes(router *gin.Engine) {
	router.POST("/event", h.HandleIngestEvent)
	router.GET("/stats", h.HandleGetStats)
	router.GET("/events/search", h.HandleSearchEvents)
}
