package server

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
)

const heartbeatInterval = 25 * time.Second

type realtimeEventPayload struct {
	Latest int64 `json:"latest"`
}

// handleWebEvents streams append hints to the web client over SSE. The stream
// never carries message content; listeners drain via the cursor protocol.
func (h *httpHandler) handleWebEvents(c *gin.Context) {
	device, ok := h.resolveWebThread(c, c.Query("thread_id"), c.Query("pair_code"))
	if !ok {
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(200)
	c.Writer.Flush()

	stream, cleanup := h.realtime.Subscribe(c.Request.Context(), device.ThreadID)
	defer cleanup()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case message, open := <-stream:
			if !open {
				return
			}
			data, err := json.Marshal(realtimeEventPayload{Latest: message.LatestMsgID})
			if err != nil {
				continue
			}
			fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", message.EventType, data)
			c.Writer.Flush()
		case <-heartbeat.C:
			fmt.Fprintf(c.Writer, "event: %s\ndata: {}\n\n", realtimeEventHeartbeat)
			c.Writer.Flush()
		}
	}
}
