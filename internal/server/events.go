package server

import (
	"net/http"
	"time"

	"github.com/danmuck/dicomctl/internal/send"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const wsWriteWait = 10 * time.Second

// streamEvents replays a job's events and follows it until it ends. The
// socket closes normally after the terminal event.
func (s *Server) streamEvents(c *gin.Context) {
	id := c.Param("id")
	backlog, ch, unsubscribe, err := s.jobs.Subscribe(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	defer unsubscribe()

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Str("job", id).Msg("server.events upgrade failed")
		return
	}
	defer conn.Close()

	// Reads only detect the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(ev send.Event) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(ev); err != nil {
			log.Debug().Err(err).Str("job", id).Msg("server.events write failed")
			return false
		}
		return true
	}
	for _, ev := range backlog {
		if !write(ev) {
			return
		}
	}
	if ch != nil {
	stream:
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					break stream
				}
				if !write(ev) {
					return
				}
			case <-gone:
				return
			}
		}
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished"),
		time.Now().Add(wsWriteWait))
}
