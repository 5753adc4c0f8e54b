package arbiter_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apexgames-io/arbiter/internal/arbiter"
	"github.com/apexgames-io/arbiter/internal/db"
	"github.com/apexgames-io/arbiter/internal/fault"
	"github.com/apexgames-io/arbiter/internal/model"
	"github.com/apexgames-io/arbiter/internal/notify"
	"github.com/apexgames-io/arbiter/internal/template"
	"github.com/apexgames-io/arbiter/internal/template/chessgame"
	"github.com/apexgames-io/arbiter/internal/template/rps"
	"github.com/apexgames-io/arbiter/internal/testutil"
)

type fixture struct {
	arb      *arbiter.Arbiter
	store    *db.Store
	notifier *notify.Notifier
	ctx      context.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, ctx := testutil.NewStore(t)
	registry := template.NewRegistry(
		rps.New(),
		chessgame.New(chessgame.NewOracle()),
	)
	notifier := notify.NewNotifier()
	return &fixture{
		arb:      arbiter.New(store, registry, notifier),
		store:    store,
		notifier: notifier,
		ctx:      ctx,
	}
}

func (f *fixture) agent(t *testing.T, id string) string {
	t.Helper()
	err := f.store.InsertAgent(f.ctx, model.Agent{
		AgentID:     id,
		ClaimSecret: "claim-" + id,
		CreatedAt:   time.Now().UTC(),
	})
	require.NoError(t, err)
	return id
}

func ptr[T any](v T) *T { return &v }

func TestCreateSessionValidation(t *testing.T) {
	f := newFixture(t)
	a := f.agent(t, "a")
	b := f.agent(t, "b")

	_, err := f.arb.CreateSession(f.ctx, a, "unknown.v1", map[string]*string{"player_1": &a})
	assert.True(t, fault.Is(err, fault.CodeNotFound))

	_, err = f.arb.CreateSession(f.ctx, a, rps.TemplateID, map[string]*string{"goalie": &a})
	assert.True(t, fault.Is(err, fault.CodeInvalidRequest))

	_, err = f.arb.CreateSession(f.ctx, a, rps.TemplateID, map[string]*string{"player_1": &a, "player_2": &a})
	assert.True(t, fault.Is(err, fault.CodeInvalidRequest))

	_, err = f.arb.CreateSession(f.ctx, a, rps.TemplateID, map[string]*string{"player_1": &b, "player_2": nil})
	assert.True(t, fault.Is(err, fault.CodeForbidden), "caller must be a listed participant")

	_, err = f.arb.CreateSession(f.ctx, a, rps.TemplateID, map[string]*string{"player_1": &a, "player_2": ptr("ghost")})
	assert.True(t, fault.Is(err, fault.CodeNotFound))

	session, err := f.arb.CreateSession(f.ctx, a, rps.TemplateID, map[string]*string{"player_1": &a, "player_2": &b})
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, session.Status)
	assert.EqualValues(t, 0, session.Tick)
}

func TestScholarsMate(t *testing.T) {
	f := newFixture(t)
	a := f.agent(t, "a")
	b := f.agent(t, "b")
	session, err := f.arb.CreateSession(f.ctx, a, chessgame.TemplateID,
		map[string]*string{"white": &a, "black": &b})
	require.NoError(t, err)

	moves := []struct {
		agent string
		uci   string
	}{
		{a, "e2e4"}, {b, "e7e5"},
		{a, "f1c4"}, {b, "b8c6"},
		{a, "d1h5"}, {b, "g8f6"},
		{a, "h5f7"},
	}
	for i, mv := range moves {
		result, err := f.arb.Submit(f.ctx, mv.agent, session.SessionID, mv.uci, ptr(int64(i)))
		require.NoError(t, err, "move %d (%s)", i, mv.uci)
		assert.EqualValues(t, i+1, result.Tick)
	}

	view, err := f.arb.Read(f.ctx, a, session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, view.Session.Status)
	assert.EqualValues(t, 7, view.Session.Tick)

	var doc struct {
		Outcome *string `json:"outcome"`
	}
	require.NoError(t, json.Unmarshal(view.View, &doc))
	require.NotNil(t, doc.Outcome)
	assert.Equal(t, "white_wins", *doc.Outcome)

	entries, err := f.arb.Log(f.ctx, b, session.SessionID)
	require.NoError(t, err)
	require.Len(t, entries, 7)
	for i, entry := range entries {
		assert.EqualValues(t, i, entry.Tick)
	}

	// No more moves on a completed session.
	_, err = f.arb.Submit(f.ctx, b, session.SessionID, "e8f7", ptr(int64(7)))
	assert.True(t, fault.Is(err, fault.CodeInvalidAction))
}

func TestChessOutOfTurn(t *testing.T) {
	f := newFixture(t)
	a := f.agent(t, "a")
	b := f.agent(t, "b")
	session, err := f.arb.CreateSession(f.ctx, a, chessgame.TemplateID,
		map[string]*string{"white": &a, "black": &b})
	require.NoError(t, err)

	_, err = f.arb.Submit(f.ctx, b, session.SessionID, "e7e5", ptr(int64(0)))
	assert.True(t, fault.Is(err, fault.CodeInvalidAction))

	view, err := f.arb.Read(f.ctx, a, session.SessionID)
	require.NoError(t, err)
	assert.EqualValues(t, 0, view.Session.Tick, "rejected submission must not advance state")
}

func TestChessStaleTick(t *testing.T) {
	f := newFixture(t)
	a := f.agent(t, "a")
	b := f.agent(t, "b")
	session, err := f.arb.CreateSession(f.ctx, a, chessgame.TemplateID,
		map[string]*string{"white": &a, "black": &b})
	require.NoError(t, err)

	result, err := f.arb.Submit(f.ctx, a, session.SessionID, "e2e4", ptr(int64(0)))
	require.NoError(t, err)
	assert.EqualValues(t, 1, result.Tick)

	_, err = f.arb.Submit(f.ctx, a, session.SessionID, "d2d4", ptr(int64(0)))
	assert.True(t, fault.Is(err, fault.CodeConflict))
}

func TestChessExpectedTickRequired(t *testing.T) {
	f := newFixture(t)
	a := f.agent(t, "a")
	b := f.agent(t, "b")
	session, err := f.arb.CreateSession(f.ctx, a, chessgame.TemplateID,
		map[string]*string{"white": &a, "black": &b})
	require.NoError(t, err)

	_, err = f.arb.Submit(f.ctx, a, session.SessionID, "e2e4", nil)
	assert.True(t, fault.Is(err, fault.CodeInvalidRequest))
}

func TestRPSHappyPath(t *testing.T) {
	f := newFixture(t)
	a := f.agent(t, "a")
	b := f.agent(t, "b")
	session, err := f.arb.CreateSession(f.ctx, a, rps.TemplateID,
		map[string]*string{"player_1": &a, "player_2": &b})
	require.NoError(t, err)

	result, err := f.arb.Submit(f.ctx, a, session.SessionID, "rock", nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, result.Tick)
	assert.Equal(t, model.StatusActive, result.Status)

	// P1 has exhausted this phase; P2 still sees the choice masked.
	p1View, err := f.arb.Read(f.ctx, a, session.SessionID)
	require.NoError(t, err)
	assert.Empty(t, p1View.LegalActions)

	p2View, err := f.arb.Read(f.ctx, b, session.SessionID)
	require.NoError(t, err)
	var masked struct {
		Choices map[string]string `json:"choices"`
	}
	require.NoError(t, json.Unmarshal(p2View.View, &masked))
	assert.Equal(t, rps.Masked, masked.Choices["player_1"])

	result, err = f.arb.Submit(f.ctx, b, session.SessionID, "scissors", nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, result.Tick)
	assert.Equal(t, model.StatusCompleted, result.Status)

	var doc struct {
		Phase  string  `json:"phase"`
		Result *string `json:"result"`
	}
	require.NoError(t, json.Unmarshal(result.View, &doc))
	assert.Equal(t, rps.PhaseReveal, doc.Phase)
	require.NotNil(t, doc.Result)
	assert.Equal(t, "player_1_wins", *doc.Result)

	entries, err := f.arb.Log(f.ctx, a, session.SessionID)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestRPSDoubleSubmit(t *testing.T) {
	f := newFixture(t)
	a := f.agent(t, "a")
	b := f.agent(t, "b")
	session, err := f.arb.CreateSession(f.ctx, a, rps.TemplateID,
		map[string]*string{"player_1": &a, "player_2": &b})
	require.NoError(t, err)

	_, err = f.arb.Submit(f.ctx, a, session.SessionID, "rock", nil)
	require.NoError(t, err)

	_, err = f.arb.Submit(f.ctx, a, session.SessionID, "paper", nil)
	assert.True(t, fault.Is(err, fault.CodeAlreadyActed))

	view, err := f.arb.Read(f.ctx, b, session.SessionID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, view.Session.Tick)
	var doc struct {
		Choices map[string]string `json:"choices"`
	}
	require.NoError(t, json.Unmarshal(view.View, &doc))
	assert.Equal(t, rps.Masked, doc.Choices["player_1"], "opponent view still hides the first choice")
}

func TestJoinByLink(t *testing.T) {
	f := newFixture(t)
	a := f.agent(t, "a")
	b := f.agent(t, "b")
	c := f.agent(t, "c")

	session, err := f.arb.CreateSession(f.ctx, a, rps.TemplateID,
		map[string]*string{"player_1": &a, "player_2": nil})
	require.NoError(t, err)
	assert.Equal(t, model.StatusWaiting, session.Status)

	// Outsiders cannot act.
	_, err = f.arb.Submit(f.ctx, c, session.SessionID, "rock", nil)
	assert.True(t, fault.Is(err, fault.CodeForbidden))

	// The creator cannot act before the session starts.
	_, err = f.arb.Submit(f.ctx, a, session.SessionID, "rock", nil)
	assert.True(t, fault.Is(err, fault.CodeInvalidAction))

	joined, err := f.arb.Join(f.ctx, b, session.SessionID, "player_2")
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, joined.Status)

	result, err := f.arb.Submit(f.ctx, b, session.SessionID, "rock", nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, result.Tick)
}

func TestJoinConflicts(t *testing.T) {
	f := newFixture(t)
	a := f.agent(t, "a")
	b := f.agent(t, "b")
	c := f.agent(t, "c")

	session, err := f.arb.CreateSession(f.ctx, a, rps.TemplateID,
		map[string]*string{"player_1": &a, "player_2": nil})
	require.NoError(t, err)

	_, err = f.arb.Join(f.ctx, b, session.SessionID, "player_1")
	assert.True(t, fault.Is(err, fault.CodeConflict), "role already filled")

	_, err = f.arb.Join(f.ctx, a, session.SessionID, "player_2")
	assert.True(t, fault.Is(err, fault.CodeForbidden), "agent already bound")

	_, err = f.arb.Join(f.ctx, b, session.SessionID, "referee")
	assert.True(t, fault.Is(err, fault.CodeInvalidRequest))

	_, err = f.arb.Join(f.ctx, b, session.SessionID, "player_2")
	require.NoError(t, err)

	_, err = f.arb.Join(f.ctx, c, session.SessionID, "player_2")
	assert.True(t, fault.Is(err, fault.CodeForbidden), "session no longer waiting")

	_, err = f.arb.Join(f.ctx, c, "missing-session", "player_2")
	assert.True(t, fault.Is(err, fault.CodeNotFound))
}

func TestRepeatSubmissionNeverSucceedsTwice(t *testing.T) {
	f := newFixture(t)
	a := f.agent(t, "a")
	b := f.agent(t, "b")

	chess, err := f.arb.CreateSession(f.ctx, a, chessgame.TemplateID,
		map[string]*string{"white": &a, "black": &b})
	require.NoError(t, err)
	_, err = f.arb.Submit(f.ctx, a, chess.SessionID, "e2e4", ptr(int64(0)))
	require.NoError(t, err)
	_, err = f.arb.Submit(f.ctx, a, chess.SessionID, "e2e4", ptr(int64(0)))
	assert.True(t, fault.Is(err, fault.CodeConflict))

	game, err := f.arb.CreateSession(f.ctx, a, rps.TemplateID,
		map[string]*string{"player_1": &a, "player_2": &b})
	require.NoError(t, err)
	_, err = f.arb.Submit(f.ctx, a, game.SessionID, "rock", nil)
	require.NoError(t, err)
	_, err = f.arb.Submit(f.ctx, a, game.SessionID, "rock", nil)
	assert.True(t, fault.Is(err, fault.CodeAlreadyActed))
}

func TestSubmitPublishesChangeEvent(t *testing.T) {
	f := newFixture(t)
	a := f.agent(t, "a")
	b := f.agent(t, "b")
	session, err := f.arb.CreateSession(f.ctx, a, rps.TemplateID,
		map[string]*string{"player_1": &a, "player_2": &b})
	require.NoError(t, err)

	sub := f.notifier.Subscribe(session.SessionID)
	defer f.notifier.Unsubscribe(sub)

	_, err = f.arb.Submit(f.ctx, a, session.SessionID, "rock", nil)
	require.NoError(t, err)

	select {
	case <-sub.C():
	case <-time.After(time.Second):
		t.Fatal("expected change event after commit")
	}
}

func TestJoinToActivePublishesChangeEvent(t *testing.T) {
	f := newFixture(t)
	a := f.agent(t, "a")
	b := f.agent(t, "b")
	session, err := f.arb.CreateSession(f.ctx, a, rps.TemplateID,
		map[string]*string{"player_1": &a, "player_2": nil})
	require.NoError(t, err)

	sub := f.notifier.Subscribe(session.SessionID)
	defer f.notifier.Unsubscribe(sub)

	_, err = f.arb.Join(f.ctx, b, session.SessionID, "player_2")
	require.NoError(t, err)

	select {
	case <-sub.C():
	case <-time.After(time.Second):
		t.Fatal("expected change event after activating join")
	}
}

func TestConcurrentRPSSubmissionsSerialize(t *testing.T) {
	f := newFixture(t)
	a := f.agent(t, "a")
	b := f.agent(t, "b")
	session, err := f.arb.CreateSession(f.ctx, a, rps.TemplateID,
		map[string]*string{"player_1": &a, "player_2": &b})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, submission := range []struct {
		agent  string
		choice string
	}{
		{a, "rock"},
		{b, "scissors"},
	} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.arb.Submit(f.ctx, submission.agent, session.SessionID, submission.choice, nil)
		}()
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	view, err := f.arb.Read(f.ctx, a, session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, view.Session.Status)
	assert.EqualValues(t, 2, view.Session.Tick)
}

func TestReadRequiresParticipant(t *testing.T) {
	f := newFixture(t)
	a := f.agent(t, "a")
	b := f.agent(t, "b")
	c := f.agent(t, "c")
	session, err := f.arb.CreateSession(f.ctx, a, rps.TemplateID,
		map[string]*string{"player_1": &a, "player_2": &b})
	require.NoError(t, err)

	_, err = f.arb.Read(f.ctx, c, session.SessionID)
	assert.True(t, fault.Is(err, fault.CodeForbidden))

	_, err = f.arb.Log(f.ctx, c, session.SessionID)
	assert.True(t, fault.Is(err, fault.CodeForbidden))

	_, err = f.arb.Read(f.ctx, a, "missing")
	assert.True(t, fault.Is(err, fault.CodeNotFound))
}

func TestReadIsStableWithoutWrites(t *testing.T) {
	f := newFixture(t)
	a := f.agent(t, "a")
	b := f.agent(t, "b")
	session, err := f.arb.CreateSession(f.ctx, a, rps.TemplateID,
		map[string]*string{"player_1": &a, "player_2": &b})
	require.NoError(t, err)
	_, err = f.arb.Submit(f.ctx, a, session.SessionID, "rock", nil)
	require.NoError(t, err)

	first, err := f.arb.Read(f.ctx, b, session.SessionID)
	require.NoError(t, err)
	second, err := f.arb.Read(f.ctx, b, session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, string(first.View), string(second.View))
	assert.Equal(t, first.Session.Tick, second.Session.Tick)
}

func TestListSessions(t *testing.T) {
	f := newFixture(t)
	a := f.agent(t, "a")
	b := f.agent(t, "b")

	first, err := f.arb.CreateSession(f.ctx, a, rps.TemplateID,
		map[string]*string{"player_1": &a, "player_2": &b})
	require.NoError(t, err)
	second, err := f.arb.CreateSession(f.ctx, a, chessgame.TemplateID,
		map[string]*string{"white": &a, "black": &b})
	require.NoError(t, err)

	// Touch the first session so it becomes most-recently-updated.
	time.Sleep(5 * time.Millisecond)
	_, err = f.arb.Submit(f.ctx, a, first.SessionID, "rock", nil)
	require.NoError(t, err)

	sessions, err := f.arb.List(f.ctx, a)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, first.SessionID, sessions[0].SessionID)
	assert.Equal(t, second.SessionID, sessions[1].SessionID)
}
