package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"callwatch/internal/logger"
	"callwatch/internal/metrics"
	"callwatch/internal/models"
)

// EventSubmitter accepts normalized events for evaluation. *engine.Engine
// satisfies it.
type EventSubmitter interface {
	Submit(envelope *models.Envelope) error
}

// IngestHandler handles call event ingestion via HTTP
type IngestHandler struct {
	submitter EventSubmitter

	// Max body size (default 10MB)
	maxBodySize int64
}

// IngestConfig holds configuration for the ingest handler
type IngestConfig struct {
	Submitter   EventSubmitter
	MaxBodySize int64
}

// NewIngestHandler creates a new ingest handler
func NewIngestHandler(cfg IngestConfig) *IngestHandler {
	maxBodySize := cfg.MaxBodySize
	if maxBodySize == 0 {
		maxBodySize = 10 * 1024 * 1024 // 10MB default
	}

	return &IngestHandler{
		submitter:   cfg.Submitter,
		maxBodySize: maxBodySize,
	}
}

// IngestResponse is the response returned to clients
type IngestResponse struct {
	Success  bool          `json:"success"`
	Accepted int           `json:"accepted"`
	Rejected int           `json:"rejected"`
	Errors   []IngestError `json:"errors,omitempty"`
}

// IngestError describes a validation error for a specific event
type IngestError struct {
	Index   int    `json:"index"`
	EventID string `json:"event_id,omitempty"`
	Error   string `json:"error"`
}

// ServeHTTP handles the ingest HTTP request
func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType != "" && !strings.HasPrefix(contentType, "application/json") {
		h.writeError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	inputs, err := models.DecodeEvents(body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(inputs) == 0 {
		h.writeError(w, http.StatusBadRequest, "no events provided")
		return
	}
	metrics.IngestBatchSize.Observe(float64(len(inputs)))

	response := h.processEvents(inputs)

	status := http.StatusOK
	switch {
	case response.Accepted == 0 && response.unavailable:
		status = http.StatusServiceUnavailable
	case response.Accepted == 0:
		status = http.StatusBadRequest
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(response.IngestResponse)
}

type ingestResult struct {
	IngestResponse
	unavailable bool
}

// processEvents validates, normalizes and submits events to the engine
func (h *IngestHandler) processEvents(inputs []models.EventInput) ingestResult {
	var res ingestResult
	reject := func(i int, id string, err error) {
		res.Errors = append(res.Errors, IngestError{Index: i, EventID: id, Error: err.Error()})
		res.Rejected++
		metrics.IngestEventsTotal.WithLabelValues("http", "rejected").Inc()
	}

	for i, input := range inputs {
		event, err := input.Parse()
		if err != nil {
			reject(i, input.ID, err)
			continue
		}

		if err := h.submitter.Submit(models.NewEnvelope(*event, "http")); err != nil {
			if errors.Is(err, models.ErrInvalidEvent) {
				reject(i, event.ID, err)
				continue
			}
			// Shutting down; everything after this fails the same way.
			log := logger.WithComponent("ingest")
			log.Warn().Err(err).Str("event_id", event.ID).Msg("event not submitted")
			res.unavailable = true
			reject(i, event.ID, err)
			continue
		}
		res.Accepted++
		metrics.IngestEventsTotal.WithLabelValues("http", "accepted").Inc()
	}

	res.Success = res.Rejected == 0
	return res
}

// writeError writes an error response
func (h *IngestHandler) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   message,
	})
}
