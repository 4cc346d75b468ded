package link

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	accountentity "github.com/ovaphlow/pitchfork/service-identity-link/internal/account/entity"
	"github.com/ovaphlow/pitchfork/service-identity-link/internal/conversation"
)

type scenario struct {
	Name  string         `yaml:"name"`
	Seed  []seedAccount  `yaml:"seed"`
	Steps []scenarioStep `yaml:"steps"`
	After scenarioAfter  `yaml:"after"`
}

type seedAccount struct {
	ID       string `yaml:"id"`
	Email    string `yaml:"email"`
	Verified bool   `yaml:"verified"`
	Chat     string `yaml:"chat"`
}

type scenarioStep struct {
	Chat   string `yaml:"chat"`
	Send   string `yaml:"send"`
	Expect struct {
		Handled *bool  `yaml:"handled"`
		Notice  string `yaml:"notice"`
		Flow    string `yaml:"flow"`
		Reply   string `yaml:"reply"`
	} `yaml:"expect"`
}

type scenarioAfter struct {
	AccountCount *int `yaml:"account_count"`
	Challenges   *int `yaml:"challenges"`
	Accounts     []struct {
		Chat     string `yaml:"chat"`
		ID       string `yaml:"id"`
		Email    string `yaml:"email"`
		Verified bool   `yaml:"verified"`
	} `yaml:"accounts"`
}

func loadScenarios(t *testing.T) map[string]scenario {
	t.Helper()
	paths, err := filepath.Glob(filepath.Join("testdata", "scenarios", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	out := make(map[string]scenario, len(paths))
	for _, p := range paths {
		raw, err := os.ReadFile(p)
		require.NoError(t, err)
		var sc scenario
		require.NoError(t, yaml.Unmarshal(raw, &sc), p)
		out[filepath.Base(p)] = sc
	}
	return out
}

// TestScenarios replays each conversation under testdata/scenarios against
// both state backends. "$code" sends the last delivered code and "$wrong"
// a code that differs from it.
func TestScenarios(t *testing.T) {
	for file, sc := range loadScenarios(t) {
		for _, backend := range []string{"memory", "sql"} {
			t.Run(file+"/"+backend, func(t *testing.T) {
				runScenario(t, sc, backend)
			})
		}
	}
}

func runScenario(t *testing.T, sc scenario, backend string) {
	f := newFixture(t, backend)
	ctx := context.Background()
	for _, s := range sc.Seed {
		f.seed(t, s.ID, s.Email, s.Verified, s.Chat)
	}

	for i, step := range sc.Steps {
		text := step.Send
		switch text {
		case "$code":
			text = f.channel.last(t).Code
		case "$wrong":
			text = wrongCode(f.channel.last(t).Code)
		}
		res := f.send(t, step.Chat, text)

		msg := sc.Name + ": step " + step.Send
		handled := true
		if step.Expect.Handled != nil {
			handled = *step.Expect.Handled
		}
		assert.Equal(t, handled, res.Handled, msg)
		if step.Expect.Notice != "" {
			assert.Equal(t, Notice(step.Expect.Notice), res.Notice, "%s (#%d)", msg, i)
		}
		if step.Expect.Flow != "" {
			assert.Equal(t, conversation.FlowKind(step.Expect.Flow), res.Flow, "%s (#%d)", msg, i)
		}
		if step.Expect.Reply != "" {
			require.NotEmpty(t, res.Replies, msg)
			assert.Contains(t, res.Replies[0], step.Expect.Reply, msg)
		}
	}

	if sc.After.AccountCount != nil {
		var n int
		require.NoError(t, f.db.Get(&n, `SELECT COUNT(*) FROM accounts`))
		assert.Equal(t, *sc.After.AccountCount, n, sc.Name)
	}
	if sc.After.Challenges != nil {
		var n int
		require.NoError(t, f.db.Get(&n, `SELECT COUNT(*) FROM verification_challenges`))
		assert.Equal(t, *sc.After.Challenges, n, sc.Name)
	}
	for _, want := range sc.After.Accounts {
		a, err := f.accounts.GetOrCreate(ctx, want.Chat, accountentity.ProfileHints{})
		require.NoError(t, err, sc.Name)
		if want.ID != "" {
			assert.Equal(t, want.ID, a.ID, sc.Name)
		}
		assert.Equal(t, want.Verified, a.EmailVerified, sc.Name)
		if want.Email != "" {
			require.NotNil(t, a.EmailAddress, sc.Name)
			assert.Equal(t, want.Email, *a.EmailAddress, sc.Name)
		}
	}
}
