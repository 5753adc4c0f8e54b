package rps

import (
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apexgames-io/arbiter/internal/fault"
	"github.com/apexgames-io/arbiter/internal/template"
)

func TestInitialStateGolden(t *testing.T) {
	g := goldie.New(t, goldie.WithNameSuffix(".golden"))
	g.Assert(t, "rps_initial", New().InitialState())
}

func TestContractBasics(t *testing.T) {
	tmpl := New()
	assert.Equal(t, "rps.v1", tmpl.TemplateID())
	assert.Equal(t, template.Simultaneous, tmpl.Kind())
	assert.Equal(t, []string{"player_1", "player_2"}, tmpl.Roles())
}

func TestLegalActionsBeforeAndAfterCommit(t *testing.T) {
	tmpl := New()
	st := tmpl.InitialState()

	legal, err := tmpl.LegalActions(st, RolePlayer1)
	require.NoError(t, err)
	assert.Equal(t, []string{"rock", "paper", "scissors"}, legal)

	st, err = tmpl.Apply(st, RolePlayer1, "rock")
	require.NoError(t, err)

	legal, err = tmpl.LegalActions(st, RolePlayer1)
	require.NoError(t, err)
	assert.Empty(t, legal, "committed role has no legal actions this phase")

	legal, err = tmpl.LegalActions(st, RolePlayer2)
	require.NoError(t, err)
	assert.Len(t, legal, 3)
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	tmpl := New()
	st := tmpl.InitialState()
	before := string(st)

	_, err := tmpl.Apply(st, RolePlayer1, "rock")
	require.NoError(t, err)
	assert.Equal(t, before, string(st))
}

func TestDoubleCommitFailsAlreadyActed(t *testing.T) {
	tmpl := New()
	st := tmpl.InitialState()

	st, err := tmpl.Apply(st, RolePlayer1, "rock")
	require.NoError(t, err)

	_, err = tmpl.Apply(st, RolePlayer1, "paper")
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.CodeAlreadyActed))
}

func TestInvalidChoiceFails(t *testing.T) {
	tmpl := New()
	_, err := tmpl.Apply(tmpl.InitialState(), RolePlayer1, "lizard")
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.CodeInvalidAction))
}

func TestResolution(t *testing.T) {
	cases := []struct {
		p1, p2 string
		result string
	}{
		{"rock", "scissors", "player_1_wins"},
		{"scissors", "paper", "player_1_wins"},
		{"paper", "rock", "player_1_wins"},
		{"scissors", "rock", "player_2_wins"},
		{"paper", "scissors", "player_2_wins"},
		{"rock", "paper", "player_2_wins"},
		{"rock", "rock", "draw"},
		{"paper", "paper", "draw"},
		{"scissors", "scissors", "draw"},
	}
	tmpl := New()
	for _, tc := range cases {
		t.Run(tc.p1+"_vs_"+tc.p2, func(t *testing.T) {
			st := tmpl.InitialState()
			st, err := tmpl.Apply(st, RolePlayer1, tc.p1)
			require.NoError(t, err)
			st, err = tmpl.Apply(st, RolePlayer2, tc.p2)
			require.NoError(t, err)

			var doc struct {
				Phase  string  `json:"phase"`
				Result *string `json:"result"`
			}
			require.NoError(t, json.Unmarshal(st, &doc))
			assert.Equal(t, PhaseReveal, doc.Phase)
			require.NotNil(t, doc.Result)
			assert.Equal(t, tc.result, *doc.Result)

			terminal, err := tmpl.IsTerminal(st)
			require.NoError(t, err)
			assert.True(t, terminal, "session is terminal once result is set, draws included")
		})
	}
}

func TestViewMasksOpponentDuringCommit(t *testing.T) {
	tmpl := New()
	st := tmpl.InitialState()
	st, err := tmpl.Apply(st, RolePlayer1, "rock")
	require.NoError(t, err)

	view, err := tmpl.View(st, RolePlayer2)
	require.NoError(t, err)

	var doc struct {
		Choices map[string]string `json:"choices"`
	}
	require.NoError(t, json.Unmarshal(view, &doc))
	assert.Equal(t, Masked, doc.Choices[RolePlayer1])
	_, committed := doc.Choices[RolePlayer2]
	assert.False(t, committed)

	// Own view shows own choice.
	ownView, err := tmpl.View(st, RolePlayer1)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(ownView, &doc))
	assert.Equal(t, "rock", doc.Choices[RolePlayer1])
}

func TestViewRevealsEverythingAfterBothCommit(t *testing.T) {
	tmpl := New()
	st := tmpl.InitialState()
	st, err := tmpl.Apply(st, RolePlayer1, "rock")
	require.NoError(t, err)
	st, err = tmpl.Apply(st, RolePlayer2, "scissors")
	require.NoError(t, err)

	view, err := tmpl.View(st, RolePlayer2)
	require.NoError(t, err)

	var doc struct {
		Choices map[string]string `json:"choices"`
	}
	require.NoError(t, json.Unmarshal(view, &doc))
	assert.Equal(t, "rock", doc.Choices[RolePlayer1])
	assert.Equal(t, "scissors", doc.Choices[RolePlayer2])
}

func TestViewIsIdempotent(t *testing.T) {
	tmpl := New()
	st := tmpl.InitialState()
	st, err := tmpl.Apply(st, RolePlayer1, "paper")
	require.NoError(t, err)

	for _, role := range tmpl.Roles() {
		once, err := tmpl.View(st, role)
		require.NoError(t, err)
		twice, err := tmpl.View(once, role)
		require.NoError(t, err)
		assert.JSONEq(t, string(once), string(twice))
	}
}
