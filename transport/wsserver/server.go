package wsserver

import (
	"net/http"
	"sync"
	"time"

	petname "github.com/dustinkirkland/golang-petname"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"go.liveq.dev/core/transport"
)

const (
	// sendQueueDepth bounds per-subscriber queued messages. Messages beyond
	// it are dropped (the transport is fire-and-forget).
	sendQueueDepth = 256
	writeTimeout   = 10 * time.Second
	pingPeriod     = 30 * time.Second
)

// Server is a websocket hub satisfying transport.Publisher. Subscribers
// attach via ServeHTTP; each holds a single connection identified by a
// subscriber name taken from the "subscriber" query argument, or generated.
type Server struct {
	// OnAttach, if non-nil, is invoked with the subscriber name and its
	// upgrade request after the connection is established. Hosts use it to
	// subscribe the new subscriber to observers named by the request.
	OnAttach func(subscriber string, r *http.Request)
	// OnDetach, if non-nil, is invoked with the subscriber name after its
	// connection closes. Hosts use it to unsubscribe the departed
	// subscriber from its observers.
	OnDetach func(subscriber string)

	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	subscriber string
	conn       *websocket.Conn
	sendCh     chan transport.Message
	done       chan struct{}
}

// New returns an empty Server.
func New() *Server {
	return &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		sessions: make(map[string]*session),
	}
}

// Publish queues |msg| for delivery to |subscriber|, dropping it if the
// subscriber has no connection or its queue is full.
func (s *Server) Publish(subscriber string, msg transport.Message) error {
	s.mu.Lock()
	var sess, ok = s.sessions[subscriber]
	s.mu.Unlock()

	if !ok {
		droppedTotal.Inc()
		return errors.Errorf("subscriber %q is not connected", subscriber)
	}
	select {
	case sess.sendCh <- msg:
		return nil
	default:
		droppedTotal.Inc()
		return errors.Errorf("subscriber %q send queue is full", subscriber)
	}
}

// hello is the first frame sent on a new subscriber connection, informing
// the client of its (possibly generated) subscriber name.
type hello struct {
	Msg        string `json:"msg"`
	Subscriber string `json:"subscriber"`
}

// ServeHTTP upgrades the request to a websocket subscriber session.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var subscriber = r.URL.Query().Get("subscriber")
	if subscriber == "" {
		subscriber = petname.Generate(2, "-")
	}

	var conn, err = s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithField("err", err).Warn("failed to upgrade subscriber connection")
		return
	}

	var sess = &session{
		subscriber: subscriber,
		conn:       conn,
		sendCh:     make(chan transport.Message, sendQueueDepth),
		done:       make(chan struct{}),
	}

	s.mu.Lock()
	if _, ok := s.sessions[subscriber]; ok {
		// The name is taken; disambiguate rather than hijack the session.
		subscriber = subscriber + "-" + uuid.NewString()[:8]
		sess.subscriber = subscriber
	}
	s.sessions[subscriber] = sess
	s.mu.Unlock()
	subscribersGauge.Inc()

	log.WithField("subscriber", subscriber).Info("subscriber attached")

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err = conn.WriteJSON(hello{Msg: "subscribed", Subscriber: subscriber}); err != nil {
		s.detach(sess)
		return
	}

	go sess.writePump()

	if s.OnAttach != nil {
		s.OnAttach(subscriber, r)
	}
	sess.readPump() // Blocks until the peer closes or errors.
	s.detach(sess)
}

// detach removes the session and notifies OnDetach exactly once.
func (s *Server) detach(sess *session) {
	s.mu.Lock()
	var current, ok = s.sessions[sess.subscriber]
	if ok && current == sess {
		delete(s.sessions, sess.subscriber)
	}
	s.mu.Unlock()

	if !ok || current != sess {
		return
	}
	close(sess.done)
	_ = sess.conn.Close()
	subscribersGauge.Dec()

	log.WithField("subscriber", sess.subscriber).Info("subscriber detached")

	if s.OnDetach != nil {
		s.OnDetach(sess.subscriber)
	}
}

// writePump drains the send queue to the connection, interleaving pings.
func (sess *session) writePump() {
	var ticker = time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-sess.done:
			return
		case msg := <-sess.sendCh:
			_ = sess.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := sess.conn.WriteJSON(msg); err != nil {
				log.WithFields(log.Fields{"subscriber": sess.subscriber, "err": err}).
					Warn("failed to write subscriber message")
				return
			}
		case <-ticker.C:
			_ = sess.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := sess.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes (and discards) peer frames until the connection closes.
func (sess *session) readPump() {
	sess.conn.SetReadLimit(4096)
	for {
		if _, _, err := sess.conn.ReadMessage(); err != nil {
			return
		}
	}
}
