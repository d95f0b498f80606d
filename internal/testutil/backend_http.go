package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/coder/websocket"

	"github.com/roach88/syncql/internal/gql"
	"github.com/roach88/syncql/internal/syncerr"
	"github.com/roach88/syncql/internal/transport"
)

// HTTPHandler serves b over HTTP: GraphQL POSTs on any path, and
// graphql-transport-ws subscriptions on WebSocket upgrades. When token is
// non-empty, requests must carry "Bearer <token>".
func (b *Backend) HTTPHandler(token string) http.Handler {
	return &backendServer{b: b, token: token}
}

type backendServer struct {
	b     *Backend
	token string
}

type graphQLRequest struct {
	Query         string          `json:"query"`
	OperationName string          `json:"operationName"`
	Variables     json.RawMessage `json:"variables"`
}

func (s *backendServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		s.serveWS(w, r)
		return
	}
	if s.token != "" && r.Header.Get("Authorization") != "Bearer "+s.token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	op, err := decodeOperation(body)
	if err != nil {
		writeErrors(w, http.StatusBadRequest, err.Error())
		return
	}

	data, err := s.b.Execute(r.Context(), transport.Request{
		Operation:      op,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		var se *syncerr.Error
		errors.As(err, &se)
		switch syncerr.CodeOf(err) {
		case syncerr.CodeAuth:
			http.Error(w, "unauthorized", http.StatusUnauthorized)
		case syncerr.CodeRequestRejected:
			msgs := se.Details
			if len(msgs) == 0 {
				msgs = []string{se.Message}
			}
			writeErrors(w, http.StatusOK, msgs...)
		default:
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"data":`))
	w.Write(gql.MarshalCanonical(data))
	w.Write([]byte(`}`))
}

func decodeOperation(body []byte) (gql.Operation, error) {
	var req graphQLRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return gql.Operation{}, err
	}
	vars := gql.Object{}
	if len(req.Variables) > 0 && string(req.Variables) != "null" {
		var err error
		if vars, err = gql.DecodeObject(req.Variables); err != nil {
			return gql.Operation{}, err
		}
	}
	kind := gql.KindQuery
	doc := strings.TrimSpace(req.Query)
	switch {
	case strings.HasPrefix(doc, "mutation"):
		kind = gql.KindMutation
	case strings.HasPrefix(doc, "subscription"):
		kind = gql.KindSubscription
	}
	return gql.NewOperation(kind, req.OperationName, req.Query, vars), nil
}

func writeErrors(w http.ResponseWriter, status int, msgs ...string) {
	type gqlErr struct {
		Message string `json:"message"`
	}
	errs := make([]gqlErr, len(msgs))
	for i, m := range msgs {
		errs[i] = gqlErr{Message: m}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"errors": errs})
}

func (s *backendServer) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: []string{transport.Subprotocol}})
	if err != nil {
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	hello, err := readFrame(ctx, conn)
	if err != nil || hello.Type != "connection_init" {
		conn.Close(4400, "expected connection_init")
		return
	}
	if s.token != "" {
		var payload struct {
			Authorization string `json:"Authorization"`
		}
		_ = json.Unmarshal(hello.Payload, &payload)
		if payload.Authorization != "Bearer "+s.token {
			conn.Close(4401, "unauthorized")
			return
		}
	}
	if err := writeFrame(ctx, conn, transport.Message{Type: "connection_ack"}); err != nil {
		return
	}

	for {
		msg, err := readFrame(ctx, conn)
		if err != nil {
			return
		}
		switch msg.Type {
		case "ping":
			_ = writeFrame(ctx, conn, transport.Message{Type: "pong"})
		case "complete":
			cancel()
			return
		case "subscribe":
			op, err := decodeOperation(msg.Payload)
			if err != nil {
				conn.Close(4400, "malformed subscribe")
				return
			}
			id := msg.ID
			_, err = s.b.Subscribe(ctx, transport.Request{Operation: op},
				func(data gql.Object) {
					payload := append(append([]byte(`{"data":`), gql.MarshalCanonical(data)...), '}')
					_ = writeFrame(ctx, conn, transport.Message{ID: id, Type: "next", Payload: payload})
				},
				func(err error) {
					payload, _ := json.Marshal([]map[string]string{{"message": err.Error()}})
					_ = writeFrame(ctx, conn, transport.Message{ID: id, Type: "error", Payload: payload})
				})
			if err != nil {
				conn.Close(websocket.StatusTryAgainLater, err.Error())
				return
			}
		}
	}
}

func readFrame(ctx context.Context, conn *websocket.Conn) (transport.Message, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return transport.Message{}, err
	}
	var msg transport.Message
	err = json.Unmarshal(data, &msg)
	return msg, err
}

func writeFrame(ctx context.Context, conn *websocket.Conn, msg transport.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
