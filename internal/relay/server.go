package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/technosupport/camguard/internal/metrics"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  8 * 1024,
	WriteBufferSize: 8 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wireMessage is the JSON text-frame shape producers/consumers may use
// instead of raw binary frames.
type wireMessage struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
}

// Server owns the relay's HTTP surface: the producer and consumer
// WebSocket upgrade routes.
type Server struct {
	Rooms      *Registry
	Presence   *PresenceRegistry
	ViewerAuth *ViewerAuth // nil disables consumer token verification

	nextConsumerID uint64
	nextProducerID uint64
	producers      sync.Map // producer id -> *websocket.Conn, so a displaced producer can be closed
}

// ViewerAuth validates a JWT carried on the consumer's ?token= query
// param. A nil ViewerAuth on the Server disables verification entirely.
type ViewerAuth struct {
	SigningKey []byte
}

func (v *ViewerAuth) valid(tokenStr string) bool {
	if tokenStr == "" {
		return false
	}
	_, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		return v.SigningKey, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	return err == nil
}

// Routes mounts the relay's WebSocket endpoints onto r.
func (s *Server) Routes(r chi.Router) {
	r.Get("/ws/produce/{stream_key}", s.handleProduce)
	r.Get("/ws/consume/{stream_key}", s.handleConsume)
}

func (s *Server) handleProduce(w http.ResponseWriter, r *http.Request) {
	streamKey := chi.URLParam(r, "stream_key")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		metrics.ProducerConnectionsTotal.WithLabelValues("upgrade_failed").Inc()
		return
	}
	defer conn.Close()

	room := s.Rooms.GetOrCreate(streamKey)
	id := atomic.AddUint64(&s.nextProducerID, 1)
	s.producers.Store(id, conn)
	defer s.producers.Delete(id)
	displaced, hadProducer := room.SetProducer(id)
	if hadProducer {
		if old, ok := s.producers.Load(displaced); ok {
			old.(*websocket.Conn).Close()
		}
		log.Printf("[relay] producer for %s displaced by a new connection", streamKey)
	}
	metrics.ProducerConnectionsTotal.WithLabelValues("accepted").Inc()
	s.Presence.AnnounceProducer(r.Context(), streamKey)

	defer room.ClearProducer(id)
	defer s.Presence.ForgetProducer(context.Background(), streamKey)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			room.Broadcast(data)
			s.Presence.AnnounceProducer(r.Context(), streamKey)
			if s.Presence.HasRemoteSubscribers(r.Context(), streamKey) {
				s.Presence.PublishFrame(streamKey, data)
			}
		case websocket.TextMessage:
			s.handleProducerText(conn, room, streamKey, data, r.Context())
		}
	}
}

func (s *Server) handleProducerText(conn *websocket.Conn, room *Room, streamKey string, data []byte, ctx context.Context) {
	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	switch msg.Type {
	case "ping":
		reply, _ := json.Marshal(wireMessage{Type: "pong"})
		conn.WriteMessage(websocket.TextMessage, reply)
	case "init":
		frame, err := base64.StdEncoding.DecodeString(msg.Data)
		if err != nil {
			return
		}
		room.SetInitSegment(frame)
		room.Broadcast(frame)
		s.Presence.AnnounceProducer(ctx, streamKey)
	case "data":
		frame, err := base64.StdEncoding.DecodeString(msg.Data)
		if err != nil {
			return
		}
		room.Broadcast(frame)
		s.Presence.AnnounceProducer(ctx, streamKey)
		if s.Presence.HasRemoteSubscribers(ctx, streamKey) {
			s.Presence.PublishFrame(streamKey, frame)
		}
	}
}

func (s *Server) handleConsume(w http.ResponseWriter, r *http.Request) {
	streamKey := chi.URLParam(r, "stream_key")

	if s.ViewerAuth != nil {
		if !s.ViewerAuth.valid(r.URL.Query().Get("token")) {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	id := atomic.AddUint64(&s.nextConsumerID, 1)
	wc := &wsConsumer{id: id, conn: conn}

	room, localRoomExists := s.Rooms.Get(streamKey)
	if localRoomExists {
		room.AddConsumer(wc)
		defer room.RemoveConsumer(id)
	} else if owner, ok := s.Presence.OwnerInstance(r.Context(), streamKey); ok && owner != "" {
		s.consumeRemote(r.Context(), streamKey, wc)
	} else {
		// No known producer anywhere; still create a local room so a
		// producer that attaches moments later can find this consumer.
		room = s.Rooms.GetOrCreate(streamKey)
		room.AddConsumer(wc)
		defer room.RemoveConsumer(id)
	}
	metrics.RoomConsumersTotal.Set(float64(s.Rooms.TotalConsumers()))
	defer func() { metrics.RoomConsumersTotal.Set(float64(s.Rooms.TotalConsumers())) }()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var m wireMessage
		if json.Unmarshal(msg, &m) == nil && m.Type == "ping" {
			reply, _ := json.Marshal(wireMessage{Type: "pong"})
			conn.WriteMessage(websocket.TextMessage, reply)
		}
	}
}

// consumeRemote subscribes to the cross-instance NATS subject and forwards
// frames directly to wc until the connection closes.
func (s *Server) consumeRemote(ctx context.Context, streamKey string, wc *wsConsumer) {
	s.Presence.RegisterRemoteSubscriber(ctx, streamKey)
	subCtx, cancel := context.WithCancel(ctx)
	err := s.Presence.SubscribeFrames(subCtx, streamKey, func(frame []byte) {
		wc.Send(frame)
	})
	if err != nil {
		cancel()
		log.Printf("[relay] remote subscribe failed for %s: %v", streamKey, err)
	}
	go func() {
		ticker := time.NewTicker(remoteTTL / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				cancel()
				return
			case <-ticker.C:
				s.Presence.RegisterRemoteSubscriber(ctx, streamKey)
			}
		}
	}()
}

// wsConsumer adapts a *websocket.Conn to the Consumer interface; writes
// are serialized with a mutex since gorilla/websocket forbids concurrent
// writers on one connection.
type wsConsumer struct {
	id   uint64
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsConsumer) ID() uint64 { return w.id }

func (w *wsConsumer) Send(frame []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(websocket.BinaryMessage, frame)
}
