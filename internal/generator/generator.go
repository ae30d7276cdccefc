package generator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/triagechat/internal/config"
	"github.com/ent0n29/triagechat/internal/conversation"
	"github.com/ent0n29/triagechat/internal/reliability"
)

// ErrGenerationFailed marks a reply that could not be produced. Nothing is
// persisted for a turn that fails with it.
var ErrGenerationFailed = errors.New("generation failed")

// DefaultSystemPrompt frames the model as a clinical intake assistant whose
// closing message carries the markers the triage extractor looks for.
const DefaultSystemPrompt = `Você é um assistente de triagem em saúde. Converse em português, faça uma pergunta por vez sobre os sintomas do paciente (início, duração, intensidade, fatores de melhora e piora, medicações em uso). Não faça diagnósticos. Quando tiver informação suficiente, encerre com um resumo contendo as seções "Queixa principal" e "Sintomas detalhados".`

// Generator produces the assistant reply for message given the prior turns,
// oldest first.
type Generator interface {
	Generate(ctx context.Context, message string, history []conversation.Turn) (string, error)
}

// Config controls generator construction.
type Config struct {
	Mode         string
	APIKey       string
	BaseURL      string
	Model        string
	HTTPURL      string
	SystemPrompt string
	Timeout      time.Duration
}

// StatusError is a non-2xx answer from a remote model endpoint.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("generator http status %d", e.StatusCode)
	}
	return fmt.Sprintf("generator http status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether a later attempt could succeed. Nothing in this
// package retries; callers decide.
func (e *StatusError) Retryable() bool {
	return reliability.IsRetryableHTTPStatus(e.StatusCode)
}

func NewGenerator(cfg Config) (Generator, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "openai"
	}

	switch mode {
	case "auto":
		return newAutoGenerator(cfg), nil
	case "openai":
		if strings.TrimSpace(cfg.APIKey) == "" {
			return nil, fmt.Errorf("%w: generator api key is required for openai mode", config.ErrConfiguration)
		}
		return NewOpenAIGenerator(cfg), nil
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, fmt.Errorf("%w: generator HTTP url is required for http mode", config.ErrConfiguration)
		}
		return NewHTTPGenerator(cfg.HTTPURL, cfg.Timeout), nil
	case "mock":
		return NewMockGenerator(), nil
	default:
		return nil, fmt.Errorf("%w: unsupported generator mode %q", config.ErrConfiguration, cfg.Mode)
	}
}

func newAutoGenerator(cfg Config) Generator {
	if strings.TrimSpace(cfg.APIKey) != "" {
		return NewOpenAIGenerator(cfg)
	}
	if strings.TrimSpace(cfg.HTTPURL) != "" {
		return NewHTTPGenerator(cfg.HTTPURL, cfg.Timeout)
	}
	return NewMockGenerator()
}

// Name identifies the generator variant for logs.
func Name(g Generator) string {
	switch g.(type) {
	case *OpenAIGenerator:
		return "openai"
	case *HTTPGenerator:
		return "http"
	case *MockGenerator:
		return "mock"
	default:
		return fmt.Sprintf("%T", g)
	}
}

func timeoutOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return 60 * time.Second
	}
	return d
}
