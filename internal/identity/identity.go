// Package identity issues agent identities and resolves bearer secrets.
//
// Registration is two-step: Register hands out a short-lived one-time claim
// secret, and Claim exchanges it for the long-lived bearer secret. The
// party that triggered registration never sees the bearer secret unless it
// is also the party that claims.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/apexgames-io/arbiter/internal/db"
	"github.com/apexgames-io/arbiter/internal/fault"
	"github.com/apexgames-io/arbiter/internal/model"
)

const secretBytes = 32

type Service struct {
	store    *db.Store
	claimTTL time.Duration
}

func NewService(store *db.Store, claimTTL time.Duration) *Service {
	return &Service{store: store, claimTTL: claimTTL}
}

// Register creates an unclaimed agent row and returns its id and the
// one-time claim secret.
func (s *Service) Register(ctx context.Context) (agentID, claimSecret string, err error) {
	agentID = uuid.NewString()
	claimSecret, err = newSecret()
	if err != nil {
		return "", "", err
	}
	agent := model.Agent{
		AgentID:     agentID,
		ClaimSecret: claimSecret,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.InsertAgent(ctx, agent); err != nil {
		return "", "", fmt.Errorf("register agent: %w", err)
	}
	return agentID, claimSecret, nil
}

// Claim exchanges a live claim secret for a fresh bearer secret. The store
// update is atomic, so exactly one caller can ever win; everyone else —
// wrong secret, already claimed, expired, unknown agent — gets UNAUTHORIZED.
func (s *Service) Claim(ctx context.Context, agentID, claimSecret string) (string, error) {
	if agentID == "" || claimSecret == "" {
		return "", fault.Unauthorized("invalid claim")
	}
	bearerSecret, err := newSecret()
	if err != nil {
		return "", err
	}
	notBefore := time.Now().UTC().Add(-s.claimTTL)
	if err := s.store.ClaimAgent(ctx, agentID, claimSecret, bearerSecret, notBefore); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return "", fault.Unauthorized("invalid claim")
		}
		return "", fmt.Errorf("claim agent: %w", err)
	}
	return bearerSecret, nil
}

// Resolve maps a bearer secret to the agent holding it.
func (s *Service) Resolve(ctx context.Context, bearerSecret string) (model.Agent, error) {
	if bearerSecret == "" {
		return model.Agent{}, fault.Unauthorized("")
	}
	agent, err := s.store.GetAgentByBearer(ctx, bearerSecret)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return model.Agent{}, fault.Unauthorized("")
		}
		return model.Agent{}, fmt.Errorf("resolve bearer: %w", err)
	}
	return agent, nil
}

func newSecret() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
