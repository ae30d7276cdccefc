package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"
)

type statusCheck struct {
	ID     string `json:"id"`
	Status string `json:"status"` // ok|warn|error
	Label  string `json:"label"`
	Detail string `json:"detail,omitempty"`
	Fix    string `json:"fix,omitempty"`
}

type statusResponse struct {
	StoreBackend   string        `json:"store_backend"`
	Generator      string        `json:"generator"`
	IdentityPolicy string        `json:"identity_policy"`
	Checks         []statusCheck `json:"checks"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	backend := strings.TrimSpace(s.cfg.StoreBackend)
	if backend == "" {
		backend = inferredBackend(s.cfg.MongoURI, s.cfg.DatabaseURL, s.cfg.RedisURL)
	}
	generatorMode, generatorCheck := s.generatorCheck()

	checks := make([]statusCheck, 0, 4)
	checks = append(checks, s.storeCheck(r.Context(), backend), generatorCheck)

	policyName := s.chat.IdentityPolicy().Name()
	checks = append(checks, statusCheck{
		ID:     "identity_policy",
		Status: "ok",
		Label:  "Conversation identity",
		Detail: policyName,
	})

	respondJSON(w, http.StatusOK, statusResponse{
		StoreBackend:   backend,
		Generator:      generatorMode,
		IdentityPolicy: policyName,
		Checks:         checks,
	})
}

func (s *Server) storeCheck(ctx context.Context, backend string) statusCheck {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.chat.Ping(ctx); err != nil {
		return statusCheck{
			ID:     "store",
			Status: "error",
			Label:  "Conversation store",
			Detail: err.Error(),
			Fix:    "Check MONGODB_URI, DATABASE_URL or REDIS_URL and that the server is reachable.",
		}
	}
	if backend == "memory" {
		return statusCheck{
			ID:     "store",
			Status: "warn",
			Label:  "Conversation store",
			Detail: "in-memory only",
			Fix:    "Set STORE_BACKEND and its URL to persist conversations across restarts.",
		}
	}
	return statusCheck{
		ID:     "store",
		Status: "ok",
		Label:  "Conversation store",
		Detail: backend,
	}
}

func (s *Server) generatorCheck() (string, statusCheck) {
	mode := strings.ToLower(strings.TrimSpace(s.cfg.GeneratorMode))
	if mode == "" {
		mode = "openai"
	}
	if mode == "auto" {
		switch {
		case strings.TrimSpace(s.cfg.GeneratorAPIKey) != "":
			mode = "openai"
		case strings.TrimSpace(s.cfg.GeneratorHTTPURL) != "":
			mode = "http"
		default:
			mode = "mock"
		}
	}

	switch mode {
	case "openai":
		return mode, statusCheck{
			ID:     "generator",
			Status: "ok",
			Label:  "Reply generator",
			Detail: s.cfg.GeneratorModel,
		}
	case "http":
		return mode, statusCheck{
			ID:     "generator",
			Status: "ok",
			Label:  "Reply generator",
			Detail: "http endpoint configured",
		}
	default:
		return "mock", statusCheck{
			ID:     "generator",
			Status: "warn",
			Label:  "Reply generator",
			Detail: "Replies are placeholders.",
			Fix:    "Set GOOGLE_API_KEY (or GENERATOR_API_KEY) to use gemini-2.5-flash.",
		}
	}
}

func inferredBackend(mongoURI, databaseURL, redisURL string) string {
	switch {
	case strings.TrimSpace(mongoURI) != "":
		return "mongo"
	case strings.TrimSpace(databaseURL) != "":
		return "postgres"
	case strings.TrimSpace(redisURL) != "":
		return "redis"
	default:
		return "memory"
	}
}
