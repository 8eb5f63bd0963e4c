package api

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/mysteryisfun/Agentic-devops-pipeline/pkg/bus"
	"github.com/mysteryisfun/Agentic-devops-pipeline/pkg/events"
	"github.com/mysteryisfun/Agentic-devops-pipeline/pkg/terminal"
)

// accept upgrades the HTTP connection to a WebSocket.
func accept(c *echo.Context) (*websocket.Conn, error) {
	return websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		// Origin validation is deferred to the deployment proxy; dashboards
		// connect from arbitrary hosts during development.
		InsecureSkipVerify: true,
	})
}

// socket pairs one WebSocket connection with one bus subscription: a
// forwarding goroutine streams subscription events to the client while the
// caller owns the read loop.
type socket struct {
	conn *websocket.Conn
	ctx  context.Context
}

func (s *socket) sendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(s.ctx, wsWriteTimeout)
	defer cancel()
	return s.conn.Write(writeCtx, websocket.MessageText, data)
}

// forward streams bus events to the client until the subscription closes or
// a write fails. Returns on either; the caller's deferred cleanup handles
// the rest.
func (s *socket) forward(sub *bus.Subscription) {
	for ev := range sub.C {
		if err := s.sendJSON(ev); err != nil {
			return
		}
	}
}

// serve runs the common connection lifecycle: subscribe, greet, forward,
// then hand each inbound client message to onMessage until the socket
// closes.
func (s *Server) serve(c *echo.Context, topic string, greeting bus.Event, onMessage func(sk *socket, raw []byte)) error {
	conn, err := accept(c)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()
	sk := &socket{conn: conn, ctx: ctx}

	sub := s.bus.Subscribe(topic)
	defer s.bus.Unsubscribe(sub)
	defer conn.Close(websocket.StatusNormalClosure, "")

	if greeting != nil {
		if _, ok := greeting["timestamp"]; !ok {
			greeting["timestamp"] = events.Timestamp()
		}
		if err := sk.sendJSON(greeting); err != nil {
			return nil
		}
	}

	go sk.forward(sub)

	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			return nil
		}
		onMessage(sk, raw)
	}
}

// pipelineSocketHandler streams one pipeline's events at /ws/{pipeline_id}.
// Any client message is acknowledged back.
func (s *Server) pipelineSocketHandler(c *echo.Context) error {
	pipelineID := c.Param("pipeline_id")
	return s.serve(c, events.PipelineTopic(pipelineID), bus.Event{
		"type":        "connection_established",
		"pipeline_id": pipelineID,
	}, s.ackMessage)
}

// allPipelinesSocketHandler streams every pipeline's events at /ws/all.
func (s *Server) allPipelinesSocketHandler(c *echo.Context) error {
	return s.serve(c, bus.AllPipelines, bus.Event{
		"type":  "connection_established",
		"scope": "all_pipelines",
	}, s.ackMessage)
}

func (s *Server) ackMessage(sk *socket, raw []byte) {
	var msg map[string]any
	if err := json.Unmarshal(raw, &msg); err != nil {
		msg = map[string]any{"raw": string(raw)}
	}
	_ = sk.sendJSON(bus.Event{
		"type":      events.EventTypeAck,
		"received":  msg,
		"timestamp": events.Timestamp(),
	})
}

// terminalSocketHandler streams one terminal session at
// /ws/terminal/{session_id} and accepts session commands scoped to it.
func (s *Server) terminalSocketHandler(c *echo.Context) error {
	sessionID := c.Param("session_id")
	return s.serve(c, events.TerminalTopic(sessionID), bus.Event{
		"type":       events.EventTypeTerminalConnected,
		"session_id": sessionID,
	}, func(sk *socket, raw []byte) {
		s.handleTerminalCommand(sk, raw, sessionID)
	})
}

// allTerminalsSocketHandler streams every terminal session at
// /ws/terminal/all and accepts session commands naming their session.
func (s *Server) allTerminalsSocketHandler(c *echo.Context) error {
	return s.serve(c, bus.AllTerminals, bus.Event{
		"type":  events.EventTypeTerminalConnected,
		"scope": "all_terminals",
	}, func(sk *socket, raw []byte) {
		s.handleTerminalCommand(sk, raw, "")
	})
}

// terminalCommand is one inbound message on a terminal socket.
type terminalCommand struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Command   string `json:"command"`
	Cwd       string `json:"cwd"`
}

// handleTerminalCommand dispatches ping, list_sessions, start_session,
// terminate_session and get_status. defaultSession scopes commands arriving
// on a per-session socket; messages may still name another session
// explicitly.
func (s *Server) handleTerminalCommand(sk *socket, raw []byte, defaultSession string) {
	var cmd terminalCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		_ = sk.sendJSON(bus.Event{"type": "error", "message": "invalid message: " + err.Error()})
		return
	}
	sessionID := cmd.SessionID
	if sessionID == "" {
		sessionID = defaultSession
	}

	switch cmd.Type {
	case "ping":
		_ = sk.sendJSON(bus.Event{"type": events.EventTypePong, "timestamp": events.Timestamp()})

	case "list_sessions":
		_ = sk.sendJSON(bus.Event{
			"type":     "session_list",
			"sessions": s.terminals.List(),
		})

	case "start_session":
		if sessionID == "" || cmd.Command == "" {
			_ = sk.sendJSON(bus.Event{"type": "error", "message": "session_id and command are required"})
			return
		}
		if err := s.terminals.Start(sessionID, cmd.Command, cmd.Cwd); err != nil {
			s.terminalError(sk, sessionID, err)
			return
		}
		_ = sk.sendJSON(bus.Event{"type": "session_started", "session_id": sessionID})

	case "terminate_session":
		if err := s.terminals.Terminate(sessionID); err != nil {
			s.terminalError(sk, sessionID, err)
			return
		}
		_ = sk.sendJSON(bus.Event{"type": "session_terminating", "session_id": sessionID})

	case "get_status":
		status, err := s.terminals.Status(sessionID)
		if err != nil {
			s.terminalError(sk, sessionID, err)
			return
		}
		_ = sk.sendJSON(bus.Event{"type": "session_status", "session_id": sessionID, "status": status})

	default:
		_ = sk.sendJSON(bus.Event{"type": "error", "message": "unknown command type: " + cmd.Type})
	}
}

func (s *Server) terminalError(sk *socket, sessionID string, err error) {
	status := "error"
	if errors.Is(err, terminal.ErrSessionNotFound) {
		status = "not_found"
	}
	_ = sk.sendJSON(bus.Event{
		"type":       "error",
		"session_id": sessionID,
		"status":     status,
		"message":    err.Error(),
	})
}
