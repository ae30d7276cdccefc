package conversation

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	PolicyGenerated = "generated"
	PolicyStable    = "stable"
)

// IdentityPolicy maps the identity supplied by a caller to a conversation key.
// One policy is selected per deployment.
type IdentityPolicy interface {
	Resolve(supplied string) (string, error)
	Name() string
}

// GeneratedSessionID echoes a supplied id and mints a random one on first contact.
// Callers must send the returned key back to continue the same history.
type GeneratedSessionID struct{}

func (GeneratedSessionID) Resolve(supplied string) (string, error) {
	if id := strings.TrimSpace(supplied); id != "" {
		return id, nil
	}
	return uuid.NewString(), nil
}

func (GeneratedSessionID) Name() string { return PolicyGenerated }

// StableExternalID uses a caller-owned identity such as a phone number. It never
// generates keys.
type StableExternalID struct{}

func (StableExternalID) Resolve(supplied string) (string, error) {
	id := strings.TrimSpace(supplied)
	if id == "" {
		return "", ErrIdentityRequired
	}
	return id, nil
}

func (StableExternalID) Name() string { return PolicyStable }

// NewIdentityPolicy returns the policy registered under name.
func NewIdentityPolicy(name string) (IdentityPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", PolicyGenerated:
		return GeneratedSessionID{}, nil
	case PolicyStable:
		return StableExternalID{}, nil
	default:
		return nil, fmt.Errorf("unsupported identity policy %q (expected %s|%s)", name, PolicyGenerated, PolicyStable)
	}
}
