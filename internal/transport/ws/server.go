package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"lameduck.lab/internal/protocol"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	outQueue   = 64
)

type Server struct {
	hub       *Hub
	validator *protocol.Validator
	log       *log.Logger

	upgrader websocket.Upgrader
}

func NewServer(h *Hub, v *protocol.Validator, logger *log.Logger) *Server {
	return &Server{
		hub:       h,
		validator: v,
		log:       logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		id, out := s.handshake(conn)
		if id == "" {
			return
		}
		defer s.hub.Detach(id, out)
		s.hub.Resync(id)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		go func() {
			ping := time.NewTicker(pingPeriod)
			defer ping.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case b := <-out:
					_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				case <-ping.C:
					if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop.
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				break
			}
			_ = conn.SetReadDeadline(time.Now().Add(pongWait))
			s.dispatch(id, msg)
		}
	}
}

func (s *Server) dispatch(id string, msg []byte) {
	base, err := s.validator.Validate(msg)
	if err != nil {
		s.hub.Send(id, protocol.NewError(protocol.ErrProtoBadRequest, err.Error()))
		return
	}
	if base.ProtocolVersion != protocol.Version {
		s.hub.Send(id, protocol.NewError(protocol.ErrProtoVersion, "protocol_version must be "+protocol.Version))
		return
	}
	if base.Type != protocol.TypeSubmit {
		s.hub.Send(id, protocol.NewError(protocol.ErrProtoBadRequest, "unexpected message type "+base.Type))
		return
	}
	var sub protocol.SubmitMsg
	if err := json.Unmarshal(msg, &sub); err != nil {
		s.hub.Send(id, protocol.NewError(protocol.ErrProtoBadRequest, err.Error()))
		return
	}
	if !s.hub.Submit(id, sub) {
		s.hub.Send(id, protocol.NewError(protocol.ErrInternal, "server busy, resubmit"))
	}
}

func (s *Server) handshake(conn *websocket.Conn) (id string, out chan []byte) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return "", nil
	}

	base, err := s.validator.Validate(msg)
	if err != nil || base.Type != protocol.TypeHello {
		s.reject(conn, protocol.ErrProtoBadRequest, "expected HELLO")
		return "", nil
	}
	if base.ProtocolVersion != protocol.Version {
		s.reject(conn, protocol.ErrProtoVersion, "bad protocol_version")
		return "", nil
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		s.reject(conn, protocol.ErrProtoBadRequest, "bad HELLO")
		return "", nil
	}

	out = make(chan []byte, outQueue)
	welcome, err := s.hub.Join(hello, out)
	if err != nil {
		var je *JoinError
		if errors.As(err, &je) {
			s.reject(conn, je.Code, je.Message)
		} else {
			s.reject(conn, protocol.ErrInternal, "join failed")
		}
		return "", nil
	}
	if err := writeJSON(conn, welcome); err != nil {
		s.hub.Detach(welcome.ParticipantID, out)
		return "", nil
	}
	return welcome.ParticipantID, out
}

func (s *Server) reject(conn *websocket.Conn, code, message string) {
	if s.log != nil {
		s.log.Printf("ws: rejected %s: %s (%s)", conn.RemoteAddr(), code, message)
	}
	_ = writeJSON(conn, protocol.NewError(code, message))
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, message), time.Now().Add(time.Second))
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, b)
}
