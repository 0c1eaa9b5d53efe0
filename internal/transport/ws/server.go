// Package ws is the websocket client transport: one reader goroutine and one
// writer goroutine per connection. Readers call into the command pipeline
// concurrently; the replication engine feeds the writer through the session's
// outbound channel.
package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"meridian.world/internal/protocol"
	"meridian.world/internal/sim/engine"
)

const (
	handshakeTimeout = 5 * time.Second
	writeTimeout     = 5 * time.Second
	readTimeout      = 60 * time.Second
)

type Server struct {
	engine *engine.Engine
	log    *log.Logger

	upgrader websocket.Upgrader
}

func NewServer(e *engine.Engine, logger *log.Logger) *Server {
	return &Server{
		engine: e,
		log:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
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

		sessionID, out := s.handshake(conn)
		if sessionID == "" {
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b, ok := <-out:
					if !ok {
						return
					}
					_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				break
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil {
				continue
			}
			switch base.Type {
			case protocol.TypeCommand:
				var cmd protocol.CommandMsg
				if err := json.Unmarshal(msg, &cmd); err != nil {
					continue
				}
				if cmd.ProtocolVersion != protocol.Version {
					continue
				}
				s.submit(sessionID, out, cmd)
			case protocol.TypeTickAck:
				var ta protocol.TickAckMsg
				if err := json.Unmarshal(msg, &ta); err != nil {
					continue
				}
				s.engine.Sessions.AckTick(sessionID, ta.Tick, s.engine.Tick())
			}
		}

		s.engine.Disconnect(sessionID)
	}
}

// submit runs one command through the pipeline and pushes the immediate ACK.
// Buffered commands get a later ACK from the pipeline when they drain or
// expire.
func (s *Server) submit(sessionID string, out chan []byte, cmd protocol.CommandMsg) {
	res := s.engine.Pipeline.Submit(sessionID, cmd)
	if res.Buffered {
		return
	}
	ack := protocol.AckMsg{
		Type:            protocol.TypeAck,
		ProtocolVersion: protocol.Version,
		Seq:             cmd.Seq,
		Accepted:        res.Accepted,
		Code:            res.Code,
		Message:         res.Message,
		ServerTick:      s.engine.Tick(),
	}
	b, err := json.Marshal(ack)
	if err != nil {
		return
	}
	select {
	case out <- b:
	default:
		// Queue full: the client learns the outcome from replication instead.
	}
}

func (s *Server) handshake(conn *websocket.Conn) (sessionID string, out chan []byte) {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return "", nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		closeWith(conn, "expected HELLO")
		return "", nil
	}

	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return "", nil
	}
	if hello.ProtocolVersion != protocol.Version {
		closeWith(conn, "bad protocol_version")
		return "", nil
	}
	if hello.Auth == nil || hello.Auth.Token == "" {
		_ = writeJSON(conn, protocol.ErrorMsg{
			Type:            protocol.TypeError,
			ProtocolVersion: protocol.Version,
			Code:            protocol.ErrAuthFailed,
			Message:         "missing auth token",
		})
		return "", nil
	}

	maxQ := hello.Capabilities.MaxQueue
	if maxQ <= 0 {
		maxQ = 16
	}
	if maxQ > 128 {
		maxQ = 128
	}
	out = make(chan []byte, maxQ)

	sess := s.engine.Sessions.Connect(out, s.engine.Tick())
	authed, err := s.engine.Sessions.Authenticate(sess.ID, hello.Auth.Token)
	if err != nil {
		s.engine.Disconnect(sess.ID)
		_ = writeJSON(conn, protocol.ErrorMsg{
			Type:            protocol.TypeError,
			ProtocolVersion: protocol.Version,
			Code:            protocol.ErrAuthFailed,
			Message:         "authentication rejected",
		})
		return "", nil
	}

	cats := s.engine.Catalogs()
	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       authed.ID,
		Principal:       authed.Principal,
		WorldParams:     s.engine.WorldParams(),
		Catalogs: protocol.CatalogDigests{
			KindSchemas: protocol.DigestRef{
				Digest: cats.Kinds.Digest,
				Count:  len(cats.Kinds.Names),
			},
		},
	}
	if err := writeJSON(conn, welcome); err != nil {
		s.engine.Disconnect(authed.ID)
		return "", nil
	}

	schemas := make(map[string]json.RawMessage, len(cats.Kinds.Raw))
	for kind, raw := range cats.Kinds.Raw {
		schemas[kind] = json.RawMessage(raw)
	}
	catalog := protocol.CatalogMsg{
		Type:            protocol.TypeCatalog,
		ProtocolVersion: protocol.Version,
		Name:            "kind_schemas",
		Digest:          cats.Kinds.Digest,
		Data:            schemas,
	}
	if err := writeJSON(conn, catalog); err != nil {
		s.engine.Disconnect(authed.ID)
		return "", nil
	}

	s.log.Printf("session %s connected as %s", authed.ID, authed.Principal)
	return authed.ID, out
}

func closeWith(conn *websocket.Conn, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason),
		time.Now().Add(time.Second))
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, b)
}
