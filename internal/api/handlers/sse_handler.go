package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/zatekoja/hisprompt/backend/internal/domain/entities"
	"github.com/zatekoja/hisprompt/backend/internal/domain/providers"
)

const sseHeartbeatInterval = 30 * time.Second

// SSEHandler streams prompt lifecycle events to operators.
type SSEHandler struct {
	eventBus  providers.EventBus
	clients   map[string]map[chan *entities.PromptEvent]bool // channel -> clients
	mu        sync.RWMutex
	heartbeat time.Duration
}

// NewSSEHandler creates a new SSE handler
func NewSSEHandler(eventBus providers.EventBus) *SSEHandler {
	return &SSEHandler{
		eventBus:  eventBus,
		clients:   make(map[string]map[chan *entities.PromptEvent]bool),
		heartbeat: sseHeartbeatInterval,
	}
}

// StreamPromptUpdates handles GET /api/stream/prompts/{id}
func (h *SSEHandler) StreamPromptUpdates(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		respondWithError(w, http.StatusBadRequest, "invalid prompt id")
		return
	}
	h.stream(w, r, providers.GetPromptChannel(id), map[string]interface{}{"prompt_id": id})
}

// StreamPatientUpdates handles GET /api/stream/patients/{patientId}
func (h *SSEHandler) StreamPatientUpdates(w http.ResponseWriter, r *http.Request) {
	patientID := strings.TrimSpace(r.PathValue("patientId"))
	if patientID == "" {
		respondWithError(w, http.StatusBadRequest, "patient ID is required")
		return
	}
	h.stream(w, r, providers.GetPatientChannel(patientID), map[string]interface{}{"patient_id": patientID})
}

// StreamAllUpdates handles GET /api/stream/prompts?status=
//
// When status is set only events entering that status are forwarded.
func (h *SSEHandler) StreamAllUpdates(w http.ResponseWriter, r *http.Request) {
	hello := map[string]interface{}{"channel": providers.EventChannelPromptUpdates}
	var filter entities.PromptStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		status, ok := entities.ParsePromptStatus(raw)
		if !ok {
			respondWithError(w, http.StatusBadRequest, "unknown status "+raw)
			return
		}
		filter = status
		hello["status"] = status
	}
	h.streamFiltered(w, r, providers.EventChannelPromptUpdates, hello, func(event *entities.PromptEvent) bool {
		return filter == "" || event.ToStatus == filter
	})
}

func (h *SSEHandler) stream(w http.ResponseWriter, r *http.Request, channel string, hello map[string]interface{}) {
	h.streamFiltered(w, r, channel, hello, nil)
}

func (h *SSEHandler) streamFiltered(w http.ResponseWriter, r *http.Request, channel string, hello map[string]interface{}, keep func(*entities.PromptEvent) bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondWithError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	clientChan := make(chan *entities.PromptEvent, 50)
	h.registerClient(channel, clientChan)
	defer h.unregisterClient(channel, clientChan)

	eventChan, err := h.eventBus.Subscribe(r.Context(), channel)
	if err != nil {
		log.Error().Err(err).Str("channel", channel).Msg("Failed to subscribe to prompt events")
		respondWithError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}

	hello["timestamp"] = time.Now()
	h.sendEvent(w, "connected", hello)
	flusher.Flush()

	go h.forwardEvents(r.Context(), eventChan, clientChan, keep)

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			log.Debug().Str("channel", channel).Msg("Client disconnected from prompt stream")
			return
		case <-ticker.C:
			h.sendEvent(w, "heartbeat", map[string]interface{}{
				"timestamp": time.Now(),
			})
			flusher.Flush()
		case event := <-clientChan:
			if event == nil {
				continue
			}
			h.sendEvent(w, string(event.EventType), event)
			flusher.Flush()
		}
	}
}

// forwardEvents copies bus events to the client, dropping them when the
// client falls behind.
func (h *SSEHandler) forwardEvents(ctx context.Context, eventChan <-chan *entities.PromptEvent, clientChan chan<- *entities.PromptEvent, keep func(*entities.PromptEvent) bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-eventChan:
			if !ok {
				return
			}
			if keep != nil && !keep(event) {
				continue
			}
			select {
			case clientChan <- event:
			default:
			}
		}
	}
}

func (h *SSEHandler) registerClient(channel string, clientChan chan *entities.PromptEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[channel] == nil {
		h.clients[channel] = make(map[chan *entities.PromptEvent]bool)
	}
	h.clients[channel][clientChan] = true
	log.Debug().Str("channel", channel).Int("clients", len(h.clients[channel])).Msg("SSE client registered")
}

func (h *SSEHandler) unregisterClient(channel string, clientChan chan *entities.PromptEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients, exists := h.clients[channel]; exists {
		delete(clients, clientChan)
		if len(clients) == 0 {
			delete(h.clients, channel)
		}
	}
}

func (h *SSEHandler) sendEvent(w http.ResponseWriter, eventType string, data interface{}) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal event data")
		return
	}

	fmt.Fprintf(w, "event: %s\n", eventType)
	fmt.Fprintf(w, "data: %s\n\n", jsonData)
}

// GetClientCount returns the number of connected clients
func (h *SSEHandler) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for _, clients := range h.clients {
		count += len(clients)
	}
	return count
}
