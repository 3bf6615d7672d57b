package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ollivr/soketi/internal/api/middleware"
	"github.com/ollivr/soketi/internal/channels"
)

// EventsHandler implements the backend trigger surface: HTTP requests
// from trusted servers that publish events into channels.
type EventsHandler struct {
	channels *channels.Manager
}

func NewEventsHandler(cm *channels.Manager) *EventsHandler {
	return &EventsHandler{channels: cm}
}

// TriggerRequest is the body of POST /apps/:app_id/events. Channel and
// Channels are alternatives; Data is forwarded to subscribers verbatim.
type TriggerRequest struct {
	Name     string          `json:"name" binding:"required"`
	Data     json.RawMessage `json:"data"`
	Channel  string          `json:"channel"`
	Channels []string        `json:"channels"`
	SocketID string          `json:"socket_id"`
}

func (r *TriggerRequest) targetChannels() []string {
	if len(r.Channels) > 0 {
		return r.Channels
	}
	if r.Channel != "" {
		return []string{r.Channel}
	}
	return nil
}

// Trigger publishes one event to up to the app's channel-batch limit and
// responds with the local delivery count per channel.
func (h *EventsHandler) Trigger(c *gin.Context) {
	app := middleware.AppFromContext(c)

	var req TriggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	targets := req.targetChannels()
	if len(targets) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "channel or channels is required"})
		return
	}
	if len(targets) > app.MaxEventChannelsAtOnce {
		c.JSON(http.StatusBadRequest, gin.H{"error": "too many channels in one event"})
		return
	}
	if len(req.Data) > app.MaxEventPayloadKB*1024 {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "event payload too large"})
		return
	}

	counts := make(map[string]int, len(targets))
	for _, channel := range targets {
		if err := channels.ValidateName(channel, app.MaxChannelNameLength); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		counts[channel] = h.channels.Publish(c.Request.Context(), app, channel, req.Name, req.Data, req.SocketID)
	}

	c.JSON(http.StatusOK, gin.H{"channels": counts})
}

// BatchTriggerRequest is the body of POST /apps/:app_id/batch_events.
type BatchTriggerRequest struct {
	Batch []BatchEvent `json:"batch" binding:"required"`
}

type BatchEvent struct {
	Name     string          `json:"name" binding:"required"`
	Data     json.RawMessage `json:"data"`
	Channel  string          `json:"channel" binding:"required"`
	SocketID string          `json:"socket_id"`
}

// BatchTrigger publishes several events in one request.
func (h *EventsHandler) BatchTrigger(c *gin.Context) {
	app := middleware.AppFromContext(c)

	var req BatchTriggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.Batch) > app.MaxEventChannelsAtOnce {
		c.JSON(http.StatusBadRequest, gin.H{"error": "too many events in one batch"})
		return
	}

	counts := make([]gin.H, 0, len(req.Batch))
	for _, event := range req.Batch {
		if err := channels.ValidateName(event.Channel, app.MaxChannelNameLength); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if len(event.Data) > app.MaxEventPayloadKB*1024 {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "event payload too large"})
			return
		}
		delivered := h.channels.Publish(c.Request.Context(), app, event.Channel, event.Name, event.Data, event.SocketID)
		counts = append(counts, gin.H{"channel": event.Channel, "delivered": delivered})
	}

	c.JSON(http.StatusOK, gin.H{"batch": counts})
}
