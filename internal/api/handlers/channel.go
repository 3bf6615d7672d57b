package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ollivr/soketi/internal/api/middleware"
	"github.com/ollivr/soketi/internal/channels"
)

// ChannelHandler exposes channel occupancy over the HTTP API. Counts are
// node-local: they reflect the connections this process holds.
type ChannelHandler struct {
	channels *channels.Manager
}

func NewChannelHandler(cm *channels.Manager) *ChannelHandler {
	return &ChannelHandler{channels: cm}
}

// List serves GET /apps/:app_id/channels. The filter_by_prefix query
// parameter narrows the result the way backends usually scope presence
// channels.
func (h *ChannelHandler) List(c *gin.Context) {
	app := middleware.AppFromContext(c)
	prefix := c.Query("filter_by_prefix")

	result := make(map[string]gin.H)
	for name, summary := range h.channels.Channels(app.ID, prefix) {
		entry := gin.H{"subscription_count": summary.SubscriptionCount}
		if channels.TypeOf(name) == channels.ChannelTypePresence {
			entry["user_count"] = summary.UserCount
		}
		result[name] = entry
	}

	c.JSON(http.StatusOK, gin.H{"channels": result})
}

// Info serves GET /apps/:app_id/channels/:channel_name.
func (h *ChannelHandler) Info(c *gin.Context) {
	app := middleware.AppFromContext(c)
	name := c.Param("channel_name")

	summary, occupied := h.channels.ChannelInfo(app.ID, name)
	response := gin.H{
		"occupied":           occupied,
		"subscription_count": summary.SubscriptionCount,
	}
	if channels.TypeOf(name) == channels.ChannelTypePresence {
		response["user_count"] = summary.UserCount
	}

	c.JSON(http.StatusOK, response)
}

// Users serves GET /apps/:app_id/channels/:channel_name/users, the
// presence roster. Non-presence channels get 400.
func (h *ChannelHandler) Users(c *gin.Context) {
	app := middleware.AppFromContext(c)
	name := c.Param("channel_name")

	if channels.TypeOf(name) != channels.ChannelTypePresence {
		c.JSON(http.StatusBadRequest, gin.H{"error": "users are only available on presence channels"})
		return
	}

	users := make([]gin.H, 0)
	if members := h.channels.Members(app.ID, name); members != nil {
		for _, id := range members.IDs {
			users = append(users, gin.H{"id": id})
		}
	}

	c.JSON(http.StatusOK, gin.H{"users": users})
}
