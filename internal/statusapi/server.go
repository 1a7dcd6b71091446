// Package statusapi exposes a small observation surface over the
// running sessions: a JSON snapshot endpoint and a websocket stream of
// session notifications.
package statusapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/daydreamlive/daydream-go/internal/session"
	"github.com/daydreamlive/daydream-go/internal/transport"
)

const clientBuffer = 16

// Event is one notification pushed to /events subscribers.
type Event struct {
	Session string `json:"session"`
	Kind    string `json:"kind"`

	State       string `json:"state,omitempty"`
	ErrorCode   string `json:"error_code,omitempty"`
	ErrorDetail string `json:"error,omitempty"`
	Attempt     int    `json:"attempt,omitempty"`
	MaxAttempts int    `json:"max_attempts,omitempty"`
	DelayMs     int64  `json:"delay_ms,omitempty"`
	URL         string `json:"url,omitempty"`
}

// sessionStatus is one entry of the /status snapshot.
type sessionStatus struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	State       string `json:"state"`
	LastError   string `json:"last_error,omitempty"`
	PlaybackURL string `json:"playback_url,omitempty"`
}

// Server serves the status endpoints and fans session notifications out
// to websocket subscribers.
type Server struct {
	log      zerolog.Logger
	upgrader websocket.Upgrader
	srv      *http.Server

	mu       sync.RWMutex
	sessions map[string]*session.Core
	clients  map[chan Event]struct{}
}

// New builds a server listening on addr once Run is called.
func New(addr string, log zerolog.Logger) *Server {
	s := &Server{
		log: log.With().Str("module", "statusapi").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		sessions: make(map[string]*session.Core),
		clients:  make(map[chan Event]struct{}),
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/status", s.handleStatus)
	r.GET("/events", s.handleEvents)

	s.srv = &http.Server{Addr: addr, Handler: r}
	return s
}

// Watch registers core under name and subscribes to its notifications.
// Must be called before the session stops.
func (s *Server) Watch(name string, core *session.Core) {
	s.mu.Lock()
	s.sessions[name] = core
	s.mu.Unlock()
	core.Subscribe(&forwarder{server: s, name: name, labels: coreLabels(core)})
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	s.log.Info().Str("addr", s.srv.Addr).Msg("status api listening")
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the listener and disconnects subscribers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for ch := range s.clients {
		close(ch)
	}
	s.clients = make(map[chan Event]struct{})
	s.mu.Unlock()
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleStatus(c *gin.Context) {
	s.mu.RLock()
	out := make([]sessionStatus, 0, len(s.sessions))
	for name, core := range s.sessions {
		st := sessionStatus{
			ID:          core.ID(),
			Name:        name,
			State:       core.StateLabel(),
			PlaybackURL: core.PlaybackURL(),
		}
		if err := core.LastError(); err != nil {
			st.LastError = err.Error()
		}
		out = append(out, st)
	}
	s.mu.RUnlock()
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

func (s *Server) handleEvents(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ch := make(chan Event, clientBuffer)
	s.mu.Lock()
	s.clients[ch] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if _, ok := s.clients[ch]; ok {
			delete(s.clients, ch)
			close(ch)
		}
		s.mu.Unlock()
	}()

	// Reads are discarded; the socket exists to push events. The read
	// loop still runs so close frames are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				conn.Close()
				return
			}
		}
	}()

	for ev := range ch {
		payload, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}

// publish fans ev out to all subscribers, dropping it for any whose
// buffer is full.
func (s *Server) publish(ev Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for ch := range s.clients {
		select {
		case ch <- ev:
		default:
		}
	}
}

// forwarder adapts the session observer interface onto the event
// stream.
type forwarder struct {
	server *Server
	name   string
	labels func(session.State) string
}

func (f *forwarder) OnStateChange(st session.State) {
	f.server.publish(Event{Session: f.name, Kind: "state", State: f.labels(st)})
}

func (f *forwarder) OnError(err *transport.Error) {
	f.server.publish(Event{
		Session:     f.name,
		Kind:        "error",
		ErrorCode:   string(err.Code),
		ErrorDetail: err.Error(),
	})
}

func (f *forwarder) OnReconnectProgress(p session.Progress) {
	f.server.publish(Event{
		Session:     f.name,
		Kind:        "reconnect",
		Attempt:     p.Attempt,
		MaxAttempts: p.MaxAttempts,
		DelayMs:     p.Delay.Milliseconds(),
	})
}

func (f *forwarder) OnPlaybackURL(url string) {
	f.server.publish(Event{Session: f.name, Kind: "playback_url", URL: url})
}

func coreLabels(core *session.Core) func(session.State) string {
	return func(st session.State) string {
		return core.Labels().For(st)
	}
}
