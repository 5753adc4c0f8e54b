// Package arbiter binds identity to action: it serializes submissions per
// session, enforces template legality, commits state and log atomically,
// and publishes change events.
package arbiter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/apexgames-io/arbiter/internal/db"
	"github.com/apexgames-io/arbiter/internal/fault"
	"github.com/apexgames-io/arbiter/internal/model"
	"github.com/apexgames-io/arbiter/internal/notify"
	"github.com/apexgames-io/arbiter/internal/template"
)

type Arbiter struct {
	store    *db.Store
	registry *template.Registry
	notifier *notify.Notifier

	lockMu       sync.Mutex
	sessionLocks map[string]*sessionLockEntry
}

type sessionLockEntry struct {
	mu   sync.Mutex
	refs int
}

func New(store *db.Store, registry *template.Registry, notifier *notify.Notifier) *Arbiter {
	return &Arbiter{
		store:        store,
		registry:     registry,
		notifier:     notifier,
		sessionLocks: map[string]*sessionLockEntry{},
	}
}

// lockSession takes the per-session exclusive lock and returns the release
// func. Entries are ref-counted so the map does not grow with dead sessions.
func (a *Arbiter) lockSession(sessionID string) func() {
	a.lockMu.Lock()
	entry, ok := a.sessionLocks[sessionID]
	if !ok {
		entry = &sessionLockEntry{}
		a.sessionLocks[sessionID] = entry
	}
	entry.refs++
	a.lockMu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		a.lockMu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(a.sessionLocks, sessionID)
		}
		a.lockMu.Unlock()
	}
}

// SessionView is a per-role read of one session.
type SessionView struct {
	Session      model.Session
	Role         string
	View         json.RawMessage
	LegalActions []string
}

// SubmitResult is the arbiter's answer to an accepted submission.
type SubmitResult struct {
	Tick   int64
	Status model.SessionStatus
	View   json.RawMessage
}

// CreateSession validates the participant map against the template and
// inserts the session with its initial bindings. Unbound roles leave the
// session waiting; a fully-bound session starts active.
func (a *Arbiter) CreateSession(ctx context.Context, callerID, templateID string, participants map[string]*string) (model.Session, error) {
	tmpl, err := a.registry.Lookup(templateID)
	if err != nil {
		return model.Session{}, err
	}

	roles := tmpl.Roles()
	roleSet := make(map[string]bool, len(roles))
	for _, role := range roles {
		roleSet[role] = true
	}

	bound := make(map[string]string, len(participants))
	seenAgents := make(map[string]bool, len(participants))
	for role, agentID := range participants {
		if !roleSet[role] {
			return model.Session{}, fault.InvalidRequest(fmt.Sprintf("role %q is not part of template %q", role, templateID))
		}
		if agentID == nil {
			continue
		}
		if *agentID == "" {
			return model.Session{}, fault.InvalidRequest(fmt.Sprintf("empty agent id for role %q", role))
		}
		if seenAgents[*agentID] {
			return model.Session{}, fault.InvalidRequest(fmt.Sprintf("agent %q bound to more than one role", *agentID))
		}
		seenAgents[*agentID] = true
		bound[role] = *agentID
	}
	if !seenAgents[callerID] {
		return model.Session{}, fault.Forbidden("caller must be one of the listed participants")
	}
	for role, agentID := range bound {
		if _, err := a.store.GetAgent(ctx, agentID); err != nil {
			if errors.Is(err, db.ErrNotFound) {
				return model.Session{}, fault.NotFound(fmt.Sprintf("agent %q not found", agentID))
			}
			return model.Session{}, fmt.Errorf("check agent for role %s: %w", role, err)
		}
	}

	status := model.StatusActive
	if len(bound) < len(roles) {
		status = model.StatusWaiting
	}

	now := time.Now().UTC()
	session := model.Session{
		SessionID: uuid.NewString(),
		Template:  templateID,
		State:     tmpl.InitialState(),
		Status:    status,
		Tick:      0,
		CreatedAt: now,
		UpdatedAt: now,
	}
	bindings := make([]model.Participant, 0, len(bound))
	for role, agentID := range bound {
		bindings = append(bindings, model.Participant{
			SessionID: session.SessionID,
			AgentID:   agentID,
			Role:      role,
		})
	}
	if err := a.store.CreateSession(ctx, session, bindings); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return model.Session{}, fault.NotFound("agent not found")
		}
		return model.Session{}, err
	}
	return session, nil
}

// Join binds an open role of a waiting session to the agent. Flipping to
// active publishes a change event.
func (a *Arbiter) Join(ctx context.Context, agentID, sessionID, role string) (model.Session, error) {
	unlock := a.lockSession(sessionID)
	defer unlock()

	session, err := a.loadSession(ctx, sessionID)
	if err != nil {
		return model.Session{}, err
	}
	if session.Status != model.StatusWaiting {
		return model.Session{}, fault.Forbidden("session is not waiting for participants")
	}
	tmpl, err := a.registry.Lookup(session.Template)
	if err != nil {
		return model.Session{}, err
	}
	if !containsRole(tmpl.Roles(), role) {
		return model.Session{}, fault.InvalidRequest(fmt.Sprintf("role %q is not part of template %q", role, session.Template))
	}

	existing, err := a.store.ListParticipants(ctx, sessionID)
	if err != nil {
		return model.Session{}, err
	}
	boundRoles := make(map[string]bool, len(existing))
	for _, p := range existing {
		if p.AgentID == agentID {
			return model.Session{}, fault.Forbidden("agent already bound to this session")
		}
		boundRoles[p.Role] = true
	}
	if boundRoles[role] {
		return model.Session{}, fault.Conflict(fmt.Sprintf("role %q is already filled", role))
	}

	status := model.StatusWaiting
	if len(existing)+1 == len(tmpl.Roles()) {
		status = model.StatusActive
	}
	now := time.Now().UTC()
	binding := model.Participant{SessionID: sessionID, AgentID: agentID, Role: role}
	if err := a.store.AddParticipant(ctx, binding, status, now); err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			return model.Session{}, fault.Conflict(fmt.Sprintf("role %q is already filled", role))
		}
		if errors.Is(err, db.ErrNotFound) {
			return model.Session{}, fault.NotFound("agent not found")
		}
		return model.Session{}, err
	}
	session.Status = status
	session.UpdatedAt = now

	if status == model.StatusActive {
		a.notifier.Publish(sessionID)
	}
	return session, nil
}

// Read returns the session with the state filtered to the agent's role and
// the agent's current legal actions.
func (a *Arbiter) Read(ctx context.Context, agentID, sessionID string) (SessionView, error) {
	session, err := a.loadSession(ctx, sessionID)
	if err != nil {
		return SessionView{}, err
	}
	participant, err := a.requireParticipant(ctx, sessionID, agentID)
	if err != nil {
		return SessionView{}, err
	}
	tmpl, err := a.registry.Lookup(session.Template)
	if err != nil {
		return SessionView{}, err
	}
	view, err := tmpl.View(session.State, participant.Role)
	if err != nil {
		return SessionView{}, fmt.Errorf("view state: %w", err)
	}
	legal, err := tmpl.LegalActions(session.State, participant.Role)
	if err != nil {
		return SessionView{}, fmt.Errorf("legal actions: %w", err)
	}
	if session.Status != model.StatusActive {
		legal = nil
	}
	return SessionView{
		Session:      session,
		Role:         participant.Role,
		View:         view,
		LegalActions: legal,
	}, nil
}

// List returns the agent's sessions, most recently updated first.
func (a *Arbiter) List(ctx context.Context, agentID string) ([]model.Session, error) {
	return a.store.ListSessionsForAgent(ctx, agentID)
}

// Log returns the session's action log in ascending tick order.
func (a *Arbiter) Log(ctx context.Context, agentID, sessionID string) ([]model.ActionEntry, error) {
	if _, err := a.loadSession(ctx, sessionID); err != nil {
		return nil, err
	}
	if _, err := a.requireParticipant(ctx, sessionID, agentID); err != nil {
		return nil, err
	}
	return a.store.ListActions(ctx, sessionID)
}

// Submit runs the arbitration pipeline for one (agent, session, action)
// submission. Steps 2-8 hold the per-session lock; the change event goes
// out after the commit and never rolls it back.
func (a *Arbiter) Submit(ctx context.Context, agentID, sessionID, action string, expectedTick *int64) (SubmitResult, error) {
	if action == "" {
		return SubmitResult{}, fault.InvalidRequest("action is required")
	}

	unlock := a.lockSession(sessionID)
	locked := true
	defer func() {
		if locked {
			unlock()
		}
	}()

	session, err := a.loadSession(ctx, sessionID)
	if err != nil {
		return SubmitResult{}, err
	}
	participant, err := a.requireParticipant(ctx, sessionID, agentID)
	if err != nil {
		return SubmitResult{}, err
	}
	role := participant.Role

	switch session.Status {
	case model.StatusCompleted:
		return SubmitResult{}, fault.InvalidAction("session is terminal")
	case model.StatusWaiting:
		return SubmitResult{}, fault.InvalidAction("session has not started")
	}

	tmpl, err := a.registry.Lookup(session.Template)
	if err != nil {
		return SubmitResult{}, err
	}

	legal, err := tmpl.LegalActions(session.State, role)
	if err != nil {
		return SubmitResult{}, fault.InvalidAction(err.Error())
	}

	switch tmpl.Kind() {
	case template.Sequential:
		if expectedTick == nil {
			return SubmitResult{}, fault.InvalidRequest("expected_tick is required for sequential templates")
		}
		if *expectedTick != session.Tick {
			return SubmitResult{}, fault.Conflict(fmt.Sprintf("expected tick %d, current is %d", *expectedTick, session.Tick))
		}
	case template.Simultaneous:
		if len(legal) == 0 {
			return SubmitResult{}, fault.AlreadyActed("")
		}
	}

	if !containsRole(legal, action) {
		return SubmitResult{}, fault.InvalidAction(fmt.Sprintf("action %q is not legal for role %q", action, role))
	}

	newState, err := tmpl.Apply(session.State, role, action)
	if err != nil {
		var fe *fault.Error
		if errors.As(err, &fe) {
			return SubmitResult{}, fe
		}
		// A template failing on an action it listed as legal is a
		// template bug; the client still just sees INVALID_ACTION.
		return SubmitResult{}, fault.InvalidAction(err.Error())
	}
	terminal, err := tmpl.IsTerminal(newState)
	if err != nil {
		return SubmitResult{}, fault.InvalidAction(err.Error())
	}
	status := model.StatusActive
	if terminal {
		status = model.StatusCompleted
	}

	entry := model.ActionEntry{
		ActionID:  uuid.NewString(),
		SessionID: sessionID,
		AgentID:   agentID,
		Role:      role,
		Action:    action,
		Tick:      session.Tick,
		CreatedAt: time.Now().UTC(),
	}
	if err := a.store.ApplyTransition(ctx, sessionID, newState, session.Tick, status, entry); err != nil {
		if errors.Is(err, db.ErrConflict) {
			return SubmitResult{}, fault.Conflict("session advanced concurrently")
		}
		return SubmitResult{}, err
	}

	unlock()
	locked = false

	a.notifier.Publish(sessionID)

	view, err := tmpl.View(newState, role)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("view state: %w", err)
	}
	return SubmitResult{
		Tick:   session.Tick + 1,
		Status: status,
		View:   view,
	}, nil
}

func (a *Arbiter) loadSession(ctx context.Context, sessionID string) (model.Session, error) {
	session, err := a.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return model.Session{}, fault.NotFound(fmt.Sprintf("session %q not found", sessionID))
		}
		return model.Session{}, err
	}
	return session, nil
}

func (a *Arbiter) requireParticipant(ctx context.Context, sessionID, agentID string) (model.Participant, error) {
	participant, err := a.store.GetParticipant(ctx, sessionID, agentID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return model.Participant{}, fault.Forbidden("not a participant in this session")
		}
		return model.Participant{}, err
	}
	return participant, nil
}

func containsRole(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
