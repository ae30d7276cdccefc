package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/triagechat/internal/chat"
	"github.com/ent0n29/triagechat/internal/config"
	"github.com/ent0n29/triagechat/internal/conversation"
	"github.com/ent0n29/triagechat/internal/generator"
	"github.com/ent0n29/triagechat/internal/logging"
	"github.com/ent0n29/triagechat/internal/observability"
	"github.com/ent0n29/triagechat/internal/policy"
)

// ChatService is the slice of chat.Service the HTTP layer drives.
type ChatService interface {
	Handle(ctx context.Context, req chat.Request) (chat.Result, error)
	Conversation(ctx context.Context, key string) (*conversation.Conversation, error)
	Summary(ctx context.Context, key string) (*conversation.TriageSummary, error)
	Ping(ctx context.Context) error
	IdentityPolicy() conversation.IdentityPolicy
}

type Server struct {
	cfg      config.Config
	chat     ChatService
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
	static   http.Handler
}

func New(cfg config.Config, svc ChatService, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:     cfg,
		chat:    svc,
		metrics: metrics,
		static:  newStaticHandler(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers unless explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/ui/", http.StatusTemporaryRedirect)
	})
	r.Get("/ui", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/ui/", http.StatusTemporaryRedirect)
	})
	r.Handle("/ui/*", http.StripPrefix("/ui/", s.static))

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	// Original frontend contract.
	r.Post("/chat", s.handleChat)
	r.Post("/summary", s.handleSummaryLookup)

	r.Post("/v1/chat", s.handleChat)
	r.Get("/v1/chat/ws", s.handleChatWS)
	r.Get("/v1/conversations/{id}", s.handleGetConversation)
	r.Get("/v1/conversations/{id}/summary", s.handleGetSummary)
	r.Get("/v1/status", s.handleStatus)
	r.Get("/v1/perf/stages", s.handlePerfStages)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"identity_policy": s.chat.IdentityPolicy().Name(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.chat.Ping(r.Context()); err != nil {
		logging.FromCtx(r.Context()).Warn().Err(err).Msg("readiness check failed")
		respondError(w, http.StatusServiceUnavailable, "storage_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

type chatRequest struct {
	Message        string         `json:"message"`
	ConversationID string         `json:"conversation_id"`
	PhoneNumber    string         `json:"phone_number"`
	Metadata       map[string]any `json:"metadata"`
}

type chatResponse struct {
	Reply          string `json:"reply,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	PhoneNumber    string `json:"phone_number,omitempty"`
	TriageSaved    bool   `json:"triage_saved"`
	Persisted      bool   `json:"persisted"`
	TriageError    string `json:"triage_error,omitempty"`
	Error          string `json:"error,omitempty"`
	Code           string `json:"code,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		if errors.Is(err, errEmptyBody) {
			respondError(w, http.StatusBadRequest, "invalid_request", "request body is required")
			return
		}
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	policyName := s.chat.IdentityPolicy().Name()
	res, err := s.chat.Handle(r.Context(), chat.Request{
		ConversationID: pickIdentity(policyName, req.ConversationID, req.PhoneNumber),
		Message:        req.Message,
		Metadata:       req.Metadata,
	})

	out := chatResponse{
		Reply:          res.Reply,
		ConversationID: res.ConversationID,
		TriageSaved:    res.TriageSaved,
		Persisted:      res.Persisted,
	}
	if policyName == conversation.PolicyStable {
		out.PhoneNumber = res.ConversationID
	}

	if err != nil {
		status, code, _ := classifyError(err)
		if errors.Is(err, chat.ErrTriageNotSaved) {
			// The turn is committed; the reply is still good.
			out.TriageError = code
			respondJSON(w, http.StatusOK, out)
			return
		}
		detail, _ := policy.RedactPII(err.Error())
		logging.FromCtx(r.Context()).Warn().
			Str("error", detail).
			Str("conversation_id", policy.RedactKey(res.ConversationID)).
			Str("code", code).
			Msg("chat request failed")
		out.Error = err.Error()
		out.Code = code
		respondJSON(w, status, out)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(chi.URLParam(r, "id"))
	if key == "" {
		respondError(w, http.StatusBadRequest, "invalid_conversation_id", "missing conversation id")
		return
	}
	conv, err := s.chat.Conversation(r.Context(), key)
	if err != nil {
		status, code, _ := classifyError(err)
		respondError(w, status, code, err.Error())
		return
	}
	if conv == nil {
		respondError(w, http.StatusNotFound, "conversation_not_found", "no conversation for id")
		return
	}
	respondJSON(w, http.StatusOK, conv)
}

func (s *Server) handleGetSummary(w http.ResponseWriter, r *http.Request) {
	s.respondSummary(w, r, chi.URLParam(r, "id"))
}

type summaryLookupRequest struct {
	ConversationID string `json:"conversation_id"`
	PhoneNumber    string `json:"phone_number"`
}

func (s *Server) handleSummaryLookup(w http.ResponseWriter, r *http.Request) {
	var req summaryLookupRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	s.respondSummary(w, r, pickIdentity(s.chat.IdentityPolicy().Name(), req.ConversationID, req.PhoneNumber))
}

func (s *Server) respondSummary(w http.ResponseWriter, r *http.Request, key string) {
	key = strings.TrimSpace(key)
	if key == "" {
		respondError(w, http.StatusBadRequest, "invalid_conversation_id", "conversation_id is required")
		return
	}
	sum, err := s.chat.Summary(r.Context(), key)
	if err != nil {
		status, code, _ := classifyError(err)
		respondError(w, status, code, err.Error())
		return
	}
	if sum == nil {
		respondError(w, http.StatusNotFound, "summary_not_found", "no triage summary for id")
		return
	}
	respondJSON(w, http.StatusOK, sum)
}

// pickIdentity chooses which request field names the conversation. Stable
// deployments key on the phone number; generated ones on the session id.
func pickIdentity(policyName, conversationID, phoneNumber string) string {
	primary, secondary := conversationID, phoneNumber
	if policyName == conversation.PolicyStable {
		primary, secondary = phoneNumber, conversationID
	}
	if strings.TrimSpace(primary) != "" {
		return primary
	}
	return secondary
}

// classifyError maps service errors to an HTTP status, a stable error code and
// whether the client may retry.
func classifyError(err error) (status int, code string, retryable bool) {
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		return http.StatusBadRequest, "invalid_message", false
	case errors.Is(err, conversation.ErrIdentityRequired):
		return http.StatusBadRequest, "identity_required", false
	case errors.Is(err, conversation.ErrInvalidKey):
		return http.StatusBadRequest, "invalid_conversation_id", false
	case errors.Is(err, generator.ErrGenerationFailed):
		var statusErr *generator.StatusError
		if errors.As(err, &statusErr) {
			return http.StatusBadGateway, "generation_failed", statusErr.Retryable()
		}
		return http.StatusBadGateway, "generation_failed", !errors.Is(err, context.Canceled)
	case errors.Is(err, conversation.ErrStorageUnavailable):
		return http.StatusServiceUnavailable, "storage_unavailable", true
	default:
		return http.StatusInternalServerError, "internal_error", false
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
