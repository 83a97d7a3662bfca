package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

type wsMessage struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// WSHandler handles /v1/ws: a JSON message stream mirroring the SSE feed for
// clients that prefer a socket. Protocol: client sends {"type":"subscribe",
// "id":..,"requestId":..}; the server relays request events as
// {"type":"event","id":..,"payload":{...}} until "unsubscribe" or close.
func (s *Server) WSHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	connDone := make(chan struct{})
	defer close(connDone)

	type sub struct {
		requestID string
		ch        chan SSEEvent
		done      chan struct{}
	}
	subs := map[string]sub{}
	defer func() {
		for _, sb := range subs {
			close(sb.done)
			s.Broker.Unsubscribe(sb.requestID, sb.ch)
		}
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error { _ = conn.SetReadDeadline(time.Now().Add(60 * time.Second)); return nil })

	// WriteJSON is not safe for concurrent use; serialize through a channel.
	out := make(chan any, 16)
	go func() {
		for {
			select {
			case <-connDone:
				return
			case v := <-out:
				if err := conn.WriteJSON(v); err != nil {
					return
				}
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(20 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-connDone:
				return
			case <-ticker.C:
				select {
				case out <- wsMessage{Type: "ping"}:
				case <-connDone:
					return
				}
			}
		}
	}()

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		switch msg.Type {
		case "ping":
			out <- wsMessage{Type: "pong"}
		case "subscribe":
			if msg.RequestID == "" {
				out <- wsMessage{Type: "error", ID: msg.ID, Payload: []byte(`{"message":"requestId required"}`)}
				continue
			}
			if _, dup := subs[msg.ID]; dup {
				continue
			}
			ch := s.Broker.Subscribe(msg.RequestID)
			done := make(chan struct{})
			subs[msg.ID] = sub{requestID: msg.RequestID, ch: ch, done: done}
			go func(id string, c chan SSEEvent, done chan struct{}) {
				for {
					select {
					case <-done:
						return
					case evt, ok := <-c:
						if !ok {
							return
						}
						b, _ := json.Marshal(map[string]any{"event": evt.Type, "data": evt.Data})
						select {
						case out <- wsMessage{Type: "event", ID: id, Payload: b}:
						case <-done:
							return
						case <-connDone:
							return
						}
					}
				}
			}(msg.ID, ch, done)
		case "unsubscribe":
			if sb, ok := subs[msg.ID]; ok {
				close(sb.done)
				s.Broker.Unsubscribe(sb.requestID, sb.ch)
				delete(subs, msg.ID)
				out <- wsMessage{Type: "complete", ID: msg.ID}
			}
		}
	}
}
