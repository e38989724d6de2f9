package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/michaelbrown/toolsmith/internal/storage"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // deployed behind an authenticating proxy
	},
}

// wsIncoming is a message from the client.
type wsIncoming struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// wsOutgoing is a message to the client.
type wsOutgoing struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Name    string `json:"name,omitempty"`
	Args    any    `json:"args,omitempty"`
}

// wsConn serializes writes; agent callbacks fire from several goroutines.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) send(msg wsOutgoing) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("websocket marshal error: %v", err)
		return
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Printf("websocket write error: %v", err)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v", err)
		return
	}
	defer conn.Close()
	ws := &wsConn{conn: conn}

	ar, err := s.runs.GetOrCreate(r.Context(), run, s.cfg, s.store, s.tools, s.newClient)
	if err != nil {
		ws.send(wsOutgoing{Type: "error", Content: fmt.Sprintf("initializing agent: %v", err)})
		return
	}

	for {
		var msg wsIncoming
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("websocket read error: %v", err)
			}
			return
		}

		if msg.Type != "message" || msg.Content == "" {
			ws.send(wsOutgoing{Type: "error", Content: "invalid message"})
			continue
		}

		s.processWebSocketMessage(ws, ar, run, msg.Content)
	}
}

func (s *Server) processWebSocketMessage(ws *wsConn, ar *ActiveRun, run *storage.Run, content string) {
	ar.mu.Lock()
	defer ar.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	done := ar.start(cancel)
	defer func() {
		cancel()
		done()
		ar.Agent.OnScope, ar.Agent.OnTextDelta = nil, nil
		ar.Agent.OnToolCall, ar.Agent.OnToolResult = nil, nil
	}()

	ar.Agent.OnScope = func(scope string) {
		ws.send(wsOutgoing{Type: "scope", Content: scope})
	}
	ar.Agent.OnTextDelta = func(delta string) {
		ws.send(wsOutgoing{Type: "text_delta", Content: delta})
	}
	ar.Agent.OnToolCall = func(name string, args map[string]any) {
		ws.send(wsOutgoing{Type: "tool_call", Name: name, Args: args})
	}
	ar.Agent.OnToolResult = func(name string, result string) {
		ws.send(wsOutgoing{Type: "tool_result", Name: name, Content: result})
	}

	s.markRunning(ctx, run, content)
	response, err := ar.Agent.RunStreaming(ctx, content)
	s.finishRun(run, ar, err)

	if err != nil {
		if ctx.Err() != nil {
			ws.send(wsOutgoing{Type: "error", Content: "interrupted"})
		} else {
			ws.send(wsOutgoing{Type: "error", Content: err.Error()})
		}
		return
	}

	ws.send(wsOutgoing{Type: "done", Content: response})
}
