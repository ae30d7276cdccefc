package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/triagechat/internal/conversation"
	"github.com/ent0n29/triagechat/internal/generator"
	"github.com/ent0n29/triagechat/internal/logging"
	"github.com/ent0n29/triagechat/internal/observability"
	"github.com/ent0n29/triagechat/internal/policy"
	"github.com/ent0n29/triagechat/internal/triage"
)

const defaultHistoryTurns = 20

var (
	ErrEmptyMessage = errors.New("message is required")
	// ErrTriageNotSaved is returned together with a valid Result: the turn was
	// committed but the triage summary could not be written.
	ErrTriageNotSaved = errors.New("triage summary not saved")
)

// Request is one user message addressed to a conversation. ConversationID may
// be empty when the identity policy generates ids.
type Request struct {
	ConversationID string
	Message        string
	Metadata       map[string]any
}

// Result is the outcome of a handled message. Reply is set whenever generation
// succeeded, even if persisting the turn failed afterwards.
type Result struct {
	ConversationID string
	Reply          string
	TriageSaved    bool
	Persisted      bool
}

// Service runs one chat turn: resolve the key, generate a reply with recent
// history, persist the turn, then check the reply for triage markers.
type Service struct {
	store        conversation.Store
	identity     conversation.IdentityPolicy
	generator    generator.Generator
	extractor    *triage.Extractor
	metrics      *observability.Metrics
	backend      string
	historyTurns int
}

type Options struct {
	Store        conversation.Store
	Identity     conversation.IdentityPolicy
	Generator    generator.Generator
	Extractor    *triage.Extractor
	Metrics      *observability.Metrics
	Backend      string
	HistoryTurns int
}

func NewService(opts Options) *Service {
	identity := opts.Identity
	if identity == nil {
		identity = conversation.GeneratedSessionID{}
	}
	extractor := opts.Extractor
	if extractor == nil {
		extractor = triage.NewExtractor(opts.Store, nil)
	}
	historyTurns := opts.HistoryTurns
	if historyTurns <= 0 {
		historyTurns = defaultHistoryTurns
	}
	backend := opts.Backend
	if backend == "" {
		backend = conversation.BackendName(opts.Store)
	}
	return &Service{
		store:        opts.Store,
		identity:     identity,
		generator:    opts.Generator,
		extractor:    extractor,
		metrics:      opts.Metrics,
		backend:      backend,
		historyTurns: historyTurns,
	}
}

// IdentityPolicy returns the policy keys are resolved with.
func (s *Service) IdentityPolicy() conversation.IdentityPolicy { return s.identity }

func (s *Service) Handle(ctx context.Context, req Request) (Result, error) {
	started := time.Now()
	logger := logging.FromCtx(ctx)

	if strings.TrimSpace(req.Message) == "" {
		s.metrics.IncChatTurn("empty_message")
		return Result{}, ErrEmptyMessage
	}

	key, err := s.identity.Resolve(req.ConversationID)
	if err != nil {
		s.metrics.IncChatTurn("identity_required")
		return Result{}, err
	}
	res := Result{ConversationID: key}
	logKey := policy.RedactKey(key)

	stageStart := time.Now()
	history, err := s.history(ctx, key)
	s.metrics.ObserveStage(observability.StageLoadHistory, time.Since(stageStart))
	if err != nil {
		s.metrics.IncChatTurn("store_error")
		s.metrics.IncStoreError(s.backend, "get_conversation")
		logger.Error().Err(err).Str("conversation_id", logKey).Msg("load history failed")
		return res, err
	}

	stageStart = time.Now()
	reply, err := s.generator.Generate(ctx, req.Message, history)
	genElapsed := time.Since(stageStart)
	s.metrics.ObserveStage(observability.StageGenerate, genElapsed)
	s.metrics.ObserveGenerationLatency(genElapsed)
	if err != nil {
		s.metrics.IncChatTurn("generation_failed")
		logger.Error().
			Str("error", redacted(err.Error())).
			Str("conversation_id", logKey).
			Dur("elapsed", genElapsed).
			Msg("generation failed")
		return res, fmt.Errorf("%w: %w", generator.ErrGenerationFailed, err)
	}
	res.Reply = reply

	stageStart = time.Now()
	_, err = s.store.AppendTurn(ctx, key, req.Message, reply, req.Metadata)
	s.metrics.ObserveStage(observability.StageAppendTurn, time.Since(stageStart))
	if err != nil {
		s.metrics.IncChatTurn("store_error")
		s.metrics.IncStoreError(s.backend, "append_turn")
		logger.Error().Err(err).Str("conversation_id", logKey).Msg("append turn failed")
		return res, err
	}
	res.Persisted = true

	stageStart = time.Now()
	saved, err := s.extractor.MaybeExtract(ctx, key, reply)
	s.metrics.ObserveStage(observability.StageTriage, time.Since(stageStart))
	if err != nil {
		s.metrics.IncChatTurn("triage_failed")
		s.metrics.IncTriage("error")
		s.metrics.IncStoreError(s.backend, "save_triage_summary")
		logger.Error().Err(err).Str("conversation_id", logKey).Msg("save triage summary failed")
		return res, fmt.Errorf("%w: %w", ErrTriageNotSaved, err)
	}
	res.TriageSaved = saved
	if saved {
		s.metrics.IncTriage("saved")
		logger.Info().Str("conversation_id", logKey).Msg("triage summary saved")
	} else {
		s.metrics.IncTriage("no_match")
	}

	s.metrics.IncChatTurn("ok")
	s.metrics.ObserveTurnOutcome(saved)
	s.metrics.ObserveStage(observability.StageTurnTotal, time.Since(started))
	logger.Debug().
		Str("conversation_id", logKey).
		Int("history_turns", len(history)).
		Str("user", redacted(req.Message)).
		Str("reply", redacted(reply)).
		Dur("elapsed", time.Since(started)).
		Msg("chat turn handled")
	return res, nil
}

// redacted masks contact and card details before free text reaches a log line.
func redacted(text string) string {
	out, _ := policy.RedactPII(text)
	return out
}

// Conversation returns the stored conversation for key, or nil when unknown.
func (s *Service) Conversation(ctx context.Context, key string) (*conversation.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, key)
	if err != nil {
		s.metrics.IncStoreError(s.backend, "get_conversation")
		return nil, err
	}
	return conv, nil
}

// Summary returns the triage summary for key, or nil when none was extracted.
func (s *Service) Summary(ctx context.Context, key string) (*conversation.TriageSummary, error) {
	sum, err := s.extractor.Summary(ctx, key)
	if err != nil {
		s.metrics.IncStoreError(s.backend, "get_triage_summary")
		return nil, err
	}
	return sum, nil
}

// Ping reports whether the conversation store is reachable.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) history(ctx context.Context, key string) ([]conversation.Turn, error) {
	conv, err := s.store.GetConversation(ctx, key)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, nil
	}
	turns := conv.Turns
	if len(turns) > s.historyTurns {
		turns = turns[len(turns)-s.historyTurns:]
	}
	return turns, nil
}
