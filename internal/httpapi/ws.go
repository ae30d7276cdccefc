package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/triagechat/internal/chat"
	"github.com/ent0n29/triagechat/internal/logging"
	"github.com/ent0n29/triagechat/internal/policy"
	"github.com/ent0n29/triagechat/internal/protocol"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 120 * time.Second
)

func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if s.metrics != nil {
		s.metrics.ActiveWSConnections.Inc()
		defer s.metrics.ActiveWSConnections.Dec()
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, 64)
	outbound := make(chan any, 64)
	runDone := make(chan struct{})

	go func() {
		defer close(runDone)
		defer close(outbound)
		s.runConnection(ctx, r.URL.Query().Get("conversation_id"), inbound, outbound)
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for msg := range outbound {
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				cancel()
				// Drain so runConnection never blocks on a dead socket.
				for range outbound {
				}
				return
			}
		}
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}

		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			parsed = protocol.NewErrorEvent("", "invalid_client_message", err.Error(), false)
		}
		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- parsed:
		}
	}

	close(inbound)
	<-runDone
	<-writerDone
}

// runConnection handles frames one at a time so replies keep request order.
// A connection remembers the last conversation key it was given, so clients
// under the generated policy can omit the id after the first reply.
func (s *Server) runConnection(ctx context.Context, initialKey string, inbound <-chan any, outbound chan<- any) {
	lastKey := strings.TrimSpace(initialKey)
	policyName := s.chat.IdentityPolicy().Name()

	send := func(msg any) bool {
		select {
		case <-ctx.Done():
			return false
		case outbound <- msg:
			return true
		}
	}

	for msg := range inbound {
		switch m := msg.(type) {
		case protocol.ErrorEvent:
			if !send(m) {
				return
			}
		case protocol.Ping:
			if !send(protocol.Pong{Type: protocol.TypePong, RequestID: m.RequestID}) {
				return
			}
		case protocol.ChatMessage:
			key := pickIdentity(policyName, m.ConversationID, m.PhoneNumber)
			if strings.TrimSpace(key) == "" {
				key = lastKey
			}
			res, err := s.chat.Handle(ctx, chat.Request{
				ConversationID: key,
				Message:        m.Message,
				Metadata:       m.Metadata,
			})
			if res.ConversationID != "" {
				lastKey = res.ConversationID
			}
			if err != nil && !errors.Is(err, chat.ErrTriageNotSaved) {
				_, code, retryable := classifyError(err)
				detail, _ := policy.RedactPII(err.Error())
				logging.FromCtx(ctx).Warn().
					Str("error", detail).
					Str("conversation_id", policy.RedactKey(res.ConversationID)).
					Str("code", code).
					Msg("ws chat message failed")
				ev := protocol.NewErrorEvent(m.RequestID, code, err.Error(), retryable)
				ev.ConversationID = res.ConversationID
				if !send(ev) {
					return
				}
				continue
			}
			if !send(protocol.ChatReply{
				Type:           protocol.TypeChatReply,
				RequestID:      m.RequestID,
				ConversationID: res.ConversationID,
				Reply:          res.Reply,
				TriageSaved:    res.TriageSaved,
			}) {
				return
			}
		case protocol.SummaryGet:
			sum, err := s.chat.Summary(ctx, m.ConversationID)
			var out any
			switch {
			case err != nil:
				_, code, retryable := classifyError(err)
				out = protocol.NewErrorEvent(m.RequestID, code, err.Error(), retryable)
			case sum == nil:
				out = protocol.NewErrorEvent(m.RequestID, "summary_not_found", "no triage summary for id", false)
			default:
				out = protocol.TriageSummary{
					Type:           protocol.TypeTriageSummary,
					RequestID:      m.RequestID,
					ConversationID: sum.Key,
					Summary:        sum.Summary,
					FinalizedAt:    sum.FinalizedAt,
				}
			}
			if !send(out) {
				return
			}
		}
	}
}
