package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/quarksoft/workspaced/internal/logging"
	"github.com/quarksoft/workspaced/pkg/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleBashWS serves a duplex shell channel suitable for xterm.js clients:
// each text frame from the client is a command, and output chunks stream
// back as text frames. The connection gets a dedicated session that is torn
// down on disconnect.
func (s *Server) handleBashWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error("websocket upgrade failed", logging.Err(err))
		return
	}
	defer conn.Close()

	session, err := s.manager.OpenStreamSession()
	if err != nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte("ERROR: "+err.Error()+"\n"))
		return
	}
	defer s.manager.CloseSession(session.ID())

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		command := strings.TrimSpace(string(msg))
		if command == "" {
			continue
		}

		ch, err := session.Stream(command)
		if err != nil {
			frame := "Unexpected error: " + err.Error() + "\n"
			if types.IsToolError(err) {
				frame = "ERROR: " + err.Error() + "\n"
			}
			if writeErr := conn.WriteMessage(websocket.TextMessage, []byte(frame)); writeErr != nil {
				return
			}
			continue
		}

		for chunk := range ch {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(chunk)); err != nil {
				session.EndStream()
				for range ch {
				}
				return
			}
		}
	}
}
