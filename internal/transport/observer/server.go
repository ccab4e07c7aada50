package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"lameduck.lab/internal/observerproto"
	"lameduck.lab/internal/sim/rotation"
	"lameduck.lab/internal/sim/session"
)

// Source is the session being monitored.
type Source interface {
	SessionID() string
	Config() rotation.Config
	Roster() []rotation.Participant
	Status() session.StatusView
	Totals() session.Totals
}

// Server streams session progress to loopback monitor clients. It is a
// session.Notifier; attach it to the driver alongside the hub.
type Server struct {
	log *log.Logger

	upgrader websocket.Upgrader
	nextID   atomic.Uint64
	source   atomic.Pointer[sourceBox]

	mu   sync.Mutex
	subs map[string]*subscriber
}

type sourceBox struct{ src Source }

type subscriber struct {
	out     chan []byte
	records atomic.Bool
}

func NewServer(logger *log.Logger) *Server {
	return &Server{
		log:  logger,
		subs: map[string]*subscriber{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

// Attach sets the monitored session once it exists.
func (s *Server) Attach(src Source) { s.source.Store(&sourceBox{src: src}) }

func (s *Server) current() Source {
	if b := s.source.Load(); b != nil {
		return b.src
	}
	return nil
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		src := s.current()
		if src == nil {
			http.Error(rw, "session not started", http.StatusServiceUnavailable)
			return
		}

		resp := observerproto.BootstrapResponse{
			ProtocolVersion: observerproto.Version,
			SessionID:       src.SessionID(),
			Config:          src.Config(),
			Roster:          src.Roster(),
			Status:          src.Status(),
			Totals:          src.Totals(),
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var sub observerproto.SubscribeMsg
		if err := json.Unmarshal(msg, &sub); err != nil || sub.Type != "SUBSCRIBE" || sub.ProtocolVersion != observerproto.Version {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}

		sid := fmt.Sprintf("O%d", s.nextID.Add(1))
		sb := &subscriber{out: make(chan []byte, 256)}
		sb.records.Store(sub.Records)
		s.mu.Lock()
		s.subs[sid] = sb
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			delete(s.subs, sid)
			s.mu.Unlock()
		}()

		// Current status first so the client can render immediately.
		if src := s.current(); src != nil {
			st := src.Status()
			if b, err := json.Marshal(observerproto.EventMsg{
				Type: observerproto.EventRoundStarted, ProtocolVersion: observerproto.Version,
				Round: st.Round, Status: &st,
			}); err == nil {
				sb.out <- b
			}
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		writeErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b := <-sb.out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						return
					}
				}
			}
		}()

		// Reader loop: allow SUBSCRIBE updates.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(10 * time.Minute))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			var upd observerproto.SubscribeMsg
			if err := json.Unmarshal(msg, &upd); err != nil {
				continue
			}
			if upd.Type != "SUBSCRIBE" || upd.ProtocolVersion != observerproto.Version {
				continue
			}
			sb.records.Store(upd.Records)
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// broadcast sends to every subscriber, dropping for slow ones. full is
// sent to subscribers that asked for records, brief to the rest.
func (s *Server) broadcast(brief, full observerproto.EventMsg) {
	bb, err := json.Marshal(brief)
	if err != nil {
		return
	}
	fb := bb
	if full.Record != nil {
		if fb, err = json.Marshal(full); err != nil {
			fb = bb
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sb := range s.subs {
		b := bb
		if sb.records.Load() {
			b = fb
		}
		select {
		case sb.out <- b:
		default:
			if s.log != nil {
				s.log.Printf("monitor %s: queue full, dropped %s", id, brief.Type)
			}
		}
	}
}

// Subscribers counts connected monitor clients.
func (s *Server) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *Server) RoundStarted(status session.StatusView, groups rotation.Groups) {
	ev := observerproto.EventMsg{
		Type: observerproto.EventRoundStarted, ProtocolVersion: observerproto.Version,
		Round: status.Round + 1, Status: &status, Groups: &groups,
	}
	s.broadcast(ev, ev)
}

func (s *Server) RoundCommitted(rec rotation.RoundRecord, summary session.VoteSummary, status session.StatusView) {
	brief := observerproto.EventMsg{
		Type: observerproto.EventRoundCommitted, ProtocolVersion: observerproto.Version,
		Round: rec.RoundNumber, Status: &status, Summary: &summary,
	}
	full := brief
	full.Record = &rec
	s.broadcast(brief, full)
}

func (s *Server) Concluded(status session.StatusView, totals session.Totals) {
	ev := observerproto.EventMsg{
		Type: observerproto.EventConcluded, ProtocolVersion: observerproto.Version,
		Round: status.Round, Status: &status, Totals: &totals,
	}
	s.broadcast(ev, ev)
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
