package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/roach88/syncql/internal/gql"
	"github.com/roach88/syncql/internal/syncerr"
)

// Subprotocol is the GraphQL over WebSocket protocol name.
const Subprotocol = "graphql-transport-ws"

// graphql-transport-ws message types.
const (
	msgConnectionInit = "connection_init"
	msgConnectionAck  = "connection_ack"
	msgSubscribe      = "subscribe"
	msgNext           = "next"
	msgError          = "error"
	msgComplete       = "complete"
	msgPing           = "ping"
	msgPong           = "pong"
)

// Close codes defined by graphql-transport-ws.
const (
	closeBadRequest   websocket.StatusCode = 4400
	closeUnauthorized websocket.StatusCode = 4401
	closeForbidden    websocket.StatusCode = 4403
)

const ackTimeout = 10 * time.Second

// Message is a graphql-transport-ws frame.
type Message struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Subscribe implements Transport. The stream runs on its own goroutine and
// reconnects on transient failures with the retry schedule (no attempt
// bound) until ctx ends or the Subscription is cancelled. Events missed
// while disconnected are not replayed.
func (t *HTTPTransport) Subscribe(ctx context.Context, req Request, onEvent func(gql.Object), onError func(error)) (*Subscription, error) {
	if t.realtime == "" {
		return nil, syncerr.Rejected("no realtime endpoint configured")
	}
	if _, err := t.tokens.CurrentToken(ctx); err != nil {
		return nil, asAuth(err)
	}

	sub, subCtx := NewSubscription(ctx)
	go t.runSubscription(subCtx, sub, req, onEvent, onError)
	return sub, nil
}

func (t *HTTPTransport) runSubscription(ctx context.Context, sub *Subscription, req Request, onEvent func(gql.Object), onError func(error)) {
	b := t.retry.reconnect()
	for {
		err := t.streamOnce(ctx, req, onEvent, b.Reset)
		if ctx.Err() != nil {
			sub.Finish(nil)
			return
		}
		if err == nil {
			// Server completed the stream.
			sub.Finish(nil)
			return
		}
		if !syncerr.IsTransient(err) {
			if onError != nil {
				onError(err)
			}
			sub.Finish(err)
			return
		}

		wait := b.NextBackOff()
		t.metrics.Reconnects.Inc()
		t.logger.Warn("subscription dropped, reconnecting",
			"operation", req.Operation.Name(),
			"wait", wait,
			"error", err)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			sub.Finish(nil)
			return
		case <-timer.C:
		}
	}
}

// streamOnce runs one connection until it ends. onAck is called once the
// server acknowledges the connection.
func (t *HTTPTransport) streamOnce(ctx context.Context, req Request, onEvent func(gql.Object), onAck func()) error {
	creds, err := t.tokens.CurrentToken(ctx)
	if err != nil {
		return asAuth(err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+creds.Token)
	conn, resp, err := websocket.Dial(ctx, t.realtime, &websocket.DialOptions{
		Subprotocols: []string{Subprotocol},
		HTTPHeader:   header,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return syncerr.Wrap(syncerr.CodeAuth, fmt.Sprintf("realtime endpoint refused credentials (%d)", resp.StatusCode), err)
		}
		return classifyNetError(ctx, err)
	}
	defer conn.CloseNow()

	initPayload, _ := json.Marshal(map[string]string{"Authorization": "Bearer " + creds.Token})
	if err := writeMessage(ctx, conn, Message{Type: msgConnectionInit, Payload: initPayload}); err != nil {
		return classifyWSError(ctx, err)
	}

	ackCtx, cancel := context.WithTimeout(ctx, ackTimeout)
	msg, err := readMessage(ackCtx, conn)
	cancel()
	if err != nil {
		return classifyWSError(ctx, err)
	}
	if msg.Type != msgConnectionAck {
		return syncerr.Rejected(fmt.Sprintf("expected %s, got %s", msgConnectionAck, msg.Type))
	}
	onAck()

	body, err := encodeRequest(req.Operation)
	if err != nil {
		return syncerr.Wrap(syncerr.CodeRequestRejected, "encode subscription", err)
	}
	const id = "1"
	if err := writeMessage(ctx, conn, Message{ID: id, Type: msgSubscribe, Payload: body}); err != nil {
		return classifyWSError(ctx, err)
	}

	for {
		msg, err := readMessage(ctx, conn)
		if err != nil {
			return classifyWSError(ctx, err)
		}

		switch msg.Type {
		case msgNext:
			var out responseBody
			if err := json.Unmarshal(msg.Payload, &out); err != nil {
				t.logger.Warn("malformed subscription event", "operation", req.Operation.Name(), "error", err)
				continue
			}
			if len(out.Errors) > 0 {
				t.logger.Warn("subscription event carried errors",
					"operation", req.Operation.Name(),
					"error", out.Errors[0].Message)
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			onEvent(out.Data)
		case msgError:
			var errs []graphQLError
			_ = json.Unmarshal(msg.Payload, &errs)
			details := make([]string, len(errs))
			for i, e := range errs {
				details[i] = e.Message
			}
			return syncerr.Rejected("subscription rejected", details...)
		case msgComplete:
			return nil
		case msgPing:
			if err := writeMessage(ctx, conn, Message{Type: msgPong}); err != nil {
				return classifyWSError(ctx, err)
			}
		case msgPong:
		default:
			t.logger.Debug("ignoring unknown message", "type", msg.Type)
		}
	}
}

func writeMessage(ctx context.Context, conn *websocket.Conn, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func readMessage(ctx context.Context, conn *websocket.Conn) (Message, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return Message{}, err
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, syncerr.Wrap(syncerr.CodeRequestRejected, "malformed frame", err)
	}
	return msg, nil
}

// classifyWSError maps websocket read/write failures, including protocol
// close codes, to error codes.
func classifyWSError(ctx context.Context, err error) error {
	var se *syncerr.Error
	if errors.As(err, &se) {
		return err
	}
	switch websocket.CloseStatus(err) {
	case closeUnauthorized, closeForbidden:
		return syncerr.Wrap(syncerr.CodeAuth, "realtime endpoint refused credentials", err)
	case closeBadRequest:
		return syncerr.Wrap(syncerr.CodeRequestRejected, "realtime endpoint rejected the subscription", err)
	}
	return classifyNetError(ctx, err)
}
