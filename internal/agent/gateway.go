package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	gatewayConnectWriteTimeout = 3 * time.Second
	gatewayRequestWriteTimeout = 2 * time.Second
	gatewayHealthTimeout       = 3 * time.Second
)

// Gateway talks to the agent runtime over its websocket protocol.
type Gateway struct {
	wsURL  string
	token  string
	dialer websocket.Dialer
}

type gatewayFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Event   string          `json:"event,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *gatewayError   `json:"error,omitempty"`
}

type gatewayError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type gatewayRequest struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params"`
}

type connectParams struct {
	Protocol int    `json:"protocol"`
	Client   string `json:"client"`
	Token    string `json:"token,omitempty"`
}

type runParams struct {
	TaskID         string `json:"taskId"`
	SubtaskID      string `json:"subtaskId"`
	Prompt         string `json:"prompt"`
	Directory      string `json:"directory"`
	ModelID        string `json:"modelId,omitempty"`
	IdempotencyKey string `json:"idempotencyKey"`
}

type abortParams struct {
	SessionID string `json:"sessionId"`
}

type subscribeParams struct {
	Directory string `json:"directory,omitempty"`
}

type runAckPayload struct {
	Status    string `json:"status"`
	SessionID string `json:"sessionId"`
}

type runResultPayload struct {
	SessionID    string `json:"sessionId"`
	Outcome      string `json:"outcome"`
	Aborted      bool   `json:"aborted"`
	ErrorMessage string `json:"errorMessage"`
}

type healthPayload struct {
	Healthy bool `json:"healthy"`
}

func NewGateway(wsURL, token string) (*Gateway, error) {
	wsURL, err := normalizeGatewayURL(wsURL)
	if err != nil {
		return nil, err
	}
	return &Gateway{
		wsURL: wsURL,
		token: strings.TrimSpace(token),
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 4 * time.Second,
		},
	}, nil
}

func normalizeGatewayURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = "ws://127.0.0.1:18789"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse AGENT_GATEWAY_URL: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(u.Scheme)) {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported gateway url scheme %q", u.Scheme)
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), nil
}

func (g *Gateway) RunSubtask(ctx context.Context, req ExecutionRequest) (ExecutionResult, error) {
	conn, ws, err := g.dialAndConnect(ctx)
	if err != nil {
		return ExecutionResult{}, err
	}
	defer conn.Close()

	runReqID := uuid.NewString()
	runReq := gatewayRequest{
		Type:   "req",
		ID:     runReqID,
		Method: "subtask.run",
		Params: runParams{
			TaskID:         req.TaskID,
			SubtaskID:      req.SubtaskID,
			Prompt:         req.Prompt,
			Directory:      req.WorkingDirectory,
			ModelID:        req.ModelID,
			IdempotencyKey: uuid.NewString(),
		},
	}
	if err := writeGatewayJSON(conn, runReq, gatewayRequestWriteTimeout); err != nil {
		return ExecutionResult{}, fmt.Errorf("gateway run write: %w", err)
	}

	sessionID := ""
	for {
		frame, err := ws.nextFrame(ctx)
		if err != nil {
			return ExecutionResult{}, err
		}
		if frame.Type != "res" || frame.ID != runReqID {
			continue
		}
		if !frame.OK {
			msg := "gateway run failed"
			if frame.Error != nil && strings.TrimSpace(frame.Error.Message) != "" {
				msg = frame.Error.Message
			}
			return ExecutionResult{}, errors.New(msg)
		}

		// The run method responds twice: an early ack carrying the session
		// id, then the final result once the run is over.
		var ack runAckPayload
		if err := json.Unmarshal(frame.Payload, &ack); err == nil && strings.EqualFold(ack.Status, "accepted") {
			sessionID = strings.TrimSpace(ack.SessionID)
			if sessionID != "" && req.OnSession != nil {
				req.OnSession(sessionID)
			}
			continue
		}

		var result runResultPayload
		if err := json.Unmarshal(frame.Payload, &result); err != nil {
			return ExecutionResult{}, fmt.Errorf("gateway run result parse: %w", err)
		}
		if strings.TrimSpace(result.SessionID) == "" {
			result.SessionID = sessionID
		}
		return ExecutionResult{
			SessionID:    result.SessionID,
			Outcome:      result.Outcome,
			Aborted:      result.Aborted,
			ErrorMessage: result.ErrorMessage,
		}, nil
	}
}

func (g *Gateway) AbortSession(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return errors.New("session id is required")
	}

	conn, ws, err := g.dialAndConnect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	reqID := uuid.NewString()
	abortReq := gatewayRequest{
		Type:   "req",
		ID:     reqID,
		Method: "session.abort",
		Params: abortParams{SessionID: sessionID},
	}
	if err := writeGatewayJSON(conn, abortReq, gatewayRequestWriteTimeout); err != nil {
		return fmt.Errorf("gateway abort write: %w", err)
	}
	return ws.waitForResponseOK(ctx, reqID)
}

func (g *Gateway) Health(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, gatewayHealthTimeout)
	defer cancel()

	conn, ws, err := g.dialAndConnect(ctx)
	if err != nil {
		return false
	}
	defer conn.Close()

	reqID := uuid.NewString()
	healthReq := gatewayRequest{Type: "req", ID: reqID, Method: "health", Params: struct{}{}}
	if err := writeGatewayJSON(conn, healthReq, gatewayRequestWriteTimeout); err != nil {
		return false
	}

	for {
		frame, err := ws.nextFrame(ctx)
		if err != nil {
			return false
		}
		if frame.Type != "res" || frame.ID != reqID {
			continue
		}
		if !frame.OK {
			return false
		}
		var payload healthPayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			return false
		}
		return payload.Healthy
	}
}

func (g *Gateway) StreamEvents(ctx context.Context, directory string, fn func(Event)) error {
	conn, ws, err := g.dialAndConnect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	reqID := uuid.NewString()
	subReq := gatewayRequest{
		Type:   "req",
		ID:     reqID,
		Method: "event.subscribe",
		Params: subscribeParams{Directory: strings.TrimSpace(directory)},
	}
	if err := writeGatewayJSON(conn, subReq, gatewayRequestWriteTimeout); err != nil {
		return fmt.Errorf("gateway subscribe write: %w", err)
	}
	if err := ws.waitForResponseOK(ctx, reqID); err != nil {
		return err
	}

	for {
		frame, err := ws.nextFrame(ctx)
		if err != nil {
			return err
		}
		if frame.Type != "event" || strings.TrimSpace(frame.Event) == "" {
			continue
		}
		var props EventProperties
		if len(frame.Payload) > 0 {
			if err := json.Unmarshal(frame.Payload, &props); err != nil {
				continue
			}
		}
		fn(Event{Type: frame.Event, Properties: props})
	}
}

func (g *Gateway) dialAndConnect(ctx context.Context) (*websocket.Conn, *gatewayWS, error) {
	conn, resp, err := g.dialer.DialContext(ctx, g.wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, nil, fmt.Errorf("gateway dial failed (%s): %w", resp.Status, err)
		}
		return nil, nil, fmt.Errorf("gateway dial failed: %w", err)
	}

	ws := newGatewayWS(conn)
	connectID := uuid.NewString()
	connectReq := gatewayRequest{
		Type:   "req",
		ID:     connectID,
		Method: "connect",
		Params: connectParams{Protocol: 1, Client: "agentrun", Token: g.token},
	}
	if err := writeGatewayJSON(conn, connectReq, gatewayConnectWriteTimeout); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("gateway connect write: %w", err)
	}
	if err := ws.waitForResponseOK(ctx, connectID); err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return conn, ws, nil
}

type gatewayWS struct {
	conn *websocket.Conn
	msgs chan []byte
	errs chan error
}

func newGatewayWS(conn *websocket.Conn) *gatewayWS {
	ws := &gatewayWS{
		conn: conn,
		msgs: make(chan []byte, 256),
		errs: make(chan error, 1),
	}
	go func() {
		defer close(ws.msgs)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				ws.errs <- err
				return
			}
			ws.msgs <- data
		}
	}()
	return ws
}

func (ws *gatewayWS) nextFrame(ctx context.Context) (gatewayFrame, error) {
	data, err := ws.nextMessage(ctx)
	if err != nil {
		return gatewayFrame{}, err
	}
	var frame gatewayFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return gatewayFrame{}, fmt.Errorf("gateway frame parse: %w", err)
	}
	return frame, nil
}

func (ws *gatewayWS) nextMessage(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-ws.errs:
		if err == nil {
			return nil, errClosed()
		}
		return nil, err
	case data, ok := <-ws.msgs:
		if !ok {
			select {
			case err := <-ws.errs:
				if err != nil {
					return nil, err
				}
			default:
			}
			return nil, errClosed()
		}
		return data, nil
	}
}

func errClosed() error { return errors.New("gateway connection closed") }

func (ws *gatewayWS) waitForResponseOK(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("gateway response id missing")
	}
	deadline := time.Now().Add(6 * time.Second)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("gateway response timeout (id=%s)", id)
		}
		frame, err := ws.nextFrame(ctx)
		if err != nil {
			return err
		}
		if frame.Type != "res" || frame.ID != id {
			continue
		}
		if frame.OK {
			return nil
		}
		msg := "gateway request failed"
		if frame.Error != nil {
			if strings.TrimSpace(frame.Error.Message) != "" {
				msg = frame.Error.Message
			} else if strings.TrimSpace(frame.Error.Code) != "" {
				msg = frame.Error.Code
			}
		}
		return errors.New(msg)
	}
}

func writeGatewayJSON(conn *websocket.Conn, payload any, timeout time.Duration) error {
	if conn == nil {
		return errors.New("gateway connection is nil")
	}
	if timeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(timeout))
		defer conn.SetWriteDeadline(time.Time{})
	}
	return conn.WriteJSON(payload)
}
