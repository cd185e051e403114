/*
Package sessiontransport is the websocket rendezvous hub the coordinator
daemon uses to relay ceremony traffic between devices that cannot reach
each other directly: a session.SessionState's participants each open one
websocket connection here, and every wire.Envelope one peer sends is
either forwarded to a named recipient or broadcast to the rest of the
session, exactly as DKG/reshare round-1 commitments and sign-round nonce
commitments need to be. The hub never interprets envelope bodies — it
only reads the wire.Tag and routing header needed to relay opaquely,
mirroring the teacher's signaling room, which forwarded SDP/ICE payloads
it likewise never inspected.
*/
package sessiontransport

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hxrts/aura/internal/ids"
	"github.com/hxrts/aura/internal/wire"
)

// RoutedFrame is the JSON envelope carried over the websocket connection.
// Body holds a wire.Encode-d Envelope; the hub reads To/From to route it
// and checks that Body decodes as a wire envelope, but never interprets
// the envelope's payload.
type RoutedFrame struct {
	From ids.DeviceID  `json:"from"`
	To   *ids.DeviceID `json:"to,omitempty"` // nil means broadcast to the rest of the session
	Body []byte        `json:"body"`
}

// Peer is one device's live connection into a session.
type Peer struct {
	Device  ids.DeviceID
	Conn    *websocket.Conn
	Send    chan []byte
	Session *Session
}

// Session is one ceremony's rendezvous point, keyed by its session.SessionState ID.
type Session struct {
	ID      ids.SessionID
	Kind    string
	mu      sync.RWMutex
	Peers   map[ids.DeviceID]*Peer
	Created time.Time
}

// Hub tracks every session currently being relayed.
type Hub struct {
	mu       sync.RWMutex
	sessions map[ids.SessionID]*Session
}

func NewHub() *Hub {
	return &Hub{sessions: make(map[ids.SessionID]*Session)}
}

func (h *Hub) GetOrCreateSession(id ids.SessionID, kind string) *Session {
	h.mu.Lock()
	defer h.mu.Unlock()

	if s, ok := h.sessions[id]; ok {
		return s
	}
	s := &Session{
		ID:      id,
		Kind:    kind,
		Peers:   make(map[ids.DeviceID]*Peer),
		Created: time.Now(),
	}
	h.sessions[id] = s
	log.Printf("[SessionTransport] opened session %s (%s)", id, kind)
	return s
}

// Join registers device's connection with the session. Call from the
// websocket handler after upgrading; the caller then starts the peer's
// WritePump and ReadPump.
func (h *Hub) Join(sessionID ids.SessionID, kind string, device ids.DeviceID, conn *websocket.Conn) *Peer {
	session := h.GetOrCreateSession(sessionID, kind)

	peer := &Peer{
		Device:  device,
		Conn:    conn,
		Send:    make(chan []byte, 64),
		Session: session,
	}

	session.mu.Lock()
	session.Peers[device] = peer
	session.mu.Unlock()

	return peer
}

// Leave removes peer from its session and closes its outbound channel.
// Closes (and drops) the session entirely once its last peer departs.
func (h *Hub) Leave(peer *Peer) {
	session := peer.Session
	session.mu.Lock()
	delete(session.Peers, peer.Device)
	empty := len(session.Peers) == 0
	session.mu.Unlock()

	close(peer.Send)

	if empty {
		h.mu.Lock()
		delete(h.sessions, session.ID)
		h.mu.Unlock()
		log.Printf("[SessionTransport] closed empty session %s", session.ID)
	}
}

// HandleFrame decodes one RoutedFrame received from peer and relays it.
func (h *Hub) HandleFrame(peer *Peer, raw []byte) error {
	var frame RoutedFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return fmt.Errorf("sessiontransport: unmarshal frame: %w", err)
	}
	if _, err := wire.Decode(frame.Body); err != nil {
		return fmt.Errorf("sessiontransport: invalid wire envelope: %w", err)
	}
	frame.From = peer.Device

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("sessiontransport: marshal relay frame: %w", err)
	}

	session := peer.Session
	session.mu.RLock()
	defer session.mu.RUnlock()

	if frame.To != nil {
		target, ok := session.Peers[*frame.To]
		if !ok {
			return fmt.Errorf("sessiontransport: unknown recipient %s", *frame.To)
		}
		deliver(target, data)
		return nil
	}

	for device, p := range session.Peers {
		if device == peer.Device {
			continue
		}
		deliver(p, data)
	}
	return nil
}

func deliver(p *Peer, data []byte) {
	select {
	case p.Send <- data:
	default:
		log.Printf("[SessionTransport] dropping frame, send buffer full for %s", p.Device)
	}
}

// WritePump drains peer.Send to its websocket connection with periodic
// keepalive pings, returning once the connection closes.
func (h *Hub) WritePump(peer *Peer) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		peer.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-peer.Send:
			peer.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				peer.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := peer.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			peer.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := peer.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ReadPump reads frames from peer's websocket and relays them until the
// connection closes or errors, then removes peer from its session.
func (h *Hub) ReadPump(peer *Peer) {
	defer h.Leave(peer)

	peer.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	peer.Conn.SetPongHandler(func(string) error {
		peer.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := peer.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[SessionTransport] websocket error for %s: %v", peer.Device, err)
			}
			return
		}
		if err := h.HandleFrame(peer, message); err != nil {
			log.Printf("[SessionTransport] %v", err)
		}
	}
}
