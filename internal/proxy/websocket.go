package proxy

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shehryarbajwa/docfetch/internal/session"
	"github.com/shehryarbajwa/docfetch/pkg/models"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Server relays a client websocket to the DevTools endpoint of a session's
// browser, for watching a workflow live.
type Server struct {
	registry *session.Registry
}

func NewServer(registry *session.Registry) *Server {
	return &Server{
		registry: registry,
	}
}

func (s *Server) HandleDebugConnection(w http.ResponseWriter, r *http.Request, key models.SessionKey) {
	sess, ok := s.registry.Lookup(key)
	if !ok {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	browserURL := sess.DebugURL()
	if browserURL == "" {
		http.Error(w, "Session has no live browser", http.StatusConflict)
		return
	}

	// Upgrade HTTP connection to WebSocket
	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade connection: %v", err)
		return
	}
	defer clientConn.Close()

	log.Printf("✅ Client connected to session %s debug", key)

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	browserConn, _, err := websocket.DefaultDialer.DialContext(ctx, browserURL, nil)
	if err != nil {
		log.Printf("❌ Failed to connect to browser for %s: %v", key, err)
		clientConn.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf("Error connecting: %v", err)))
		return
	}
	defer browserConn.Close()

	// Bidirectional proxy
	errChan := make(chan error, 2)

	go func() {
		errChan <- s.proxyMessages(clientConn, browserConn, "client→browser")
	}()
	go func() {
		errChan <- s.proxyMessages(browserConn, clientConn, "browser→client")
	}()

	// Wait for either direction to close
	err = <-errChan
	if err != nil && err != io.EOF {
		log.Printf("Proxy error for session %s: %v", key, err)
	}

	log.Printf("Client disconnected from session %s debug", key)
}

func (s *Server) proxyMessages(src, dst *websocket.Conn, direction string) error {
	for {
		messageType, message, err := src.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error (%s): %v", direction, err)
			}
			return err
		}

		if err := dst.WriteMessage(messageType, message); err != nil {
			log.Printf("Failed to write message (%s): %v", direction, err)
			return err
		}
	}
}
