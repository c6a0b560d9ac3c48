package server

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/zulandar/parley/internal/pubsub"
)

// handleStream relays broker events for one chat over SSE. The relay is a
// dumb pipe: it subscribes, forwards every event in order, and detaches on
// client disconnect without touching prompt processing.
func handleStream(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		chat, ok := loadAccessibleChat(c, opts)
		if !ok {
			return
		}

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		ctx := c.Request.Context()
		events, cancel, err := opts.Broker.Subscribe(ctx, chat.UID)
		if err != nil {
			log.WithError(err).WithField("chat_uid", chat.UID).Error("server: subscribe")
			// The stream headers are already set, so the failure travels
			// in-band as an error event.
			writeSSE(c.Writer, pubsub.ErrorEvent("stream unavailable"))
			c.Writer.Flush()
			return
		}
		defer cancel()

		writeSSE(c.Writer, pubsub.ConnectedEvent(chat.UID))
		c.Writer.Flush()

		for {
			select {
			case <-ctx.Done():
				return
			case evt, open := <-events:
				if !open {
					return
				}
				writeSSE(c.Writer, evt)
				c.Writer.Flush()
			}
		}
	}
}

// writeSSE writes one event in SSE wire format.
func writeSSE(w io.Writer, evt pubsub.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}
