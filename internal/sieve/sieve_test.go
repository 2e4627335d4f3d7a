// internal/sieve/sieve_test.go
package sieve

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Wasif-ZA/decision.log-sub001/internal/config"
	"github.com/Wasif-ZA/decision.log-sub001/internal/model"
)

func testConfig() config.SieveConfig {
	return config.SieveConfig{
		MinDiffLines:  10,
		MinBodyLength: 40,
		MaxPatchBytes: 65536,
	}
}

func substantivePatch(lines int) string {
	var b strings.Builder
	b.WriteString("--- a/internal/server/server.go\n+++ b/internal/server/server.go\n")
	for i := 0; i < lines; i++ {
		b.WriteString("+\tnew line of code\n")
	}
	return b.String()
}

func TestEvaluate_AcceptsSubstantivePR(t *testing.T) {
	s := New(testConfig())

	v := s.Evaluate(model.Artifact{
		Title: "Migrate session storage from Redis to Postgres",
		Body:  "We decided to replace Redis with Postgres for session storage because we already operate Postgres and the extra cache added operational burden.",
		Patch: substantivePatch(150),
	})

	require.True(t, v.Worthy)
	assert.Equal(t, "Migrate session storage from Redis to Postgres", v.Fields.Title)
	assert.NotEmpty(t, v.Fields.Summary)
	assert.Greater(t, v.Fields.Confidence, 0.0)
	assert.NotEmpty(t, v.Fields.Tags)
}

func TestEvaluate_RejectsDocOnly(t *testing.T) {
	s := New(testConfig())

	cases := []model.Artifact{
		{Title: "Fix typo in README", Body: "small typo", Patch: "--- a/README.md\n+++ b/README.md\n+fixed\n"},
		{Title: "Update documentation for v2", Body: "docs only"},
		{Title: "gofmt the whole tree", Body: "formatting pass", Patch: substantivePatch(500)},
	}

	for _, a := range cases {
		v := s.Evaluate(a)
		assert.False(t, v.Worthy, "title=%q", a.Title)
		assert.NotEmpty(t, v.Reason)
	}
}

func TestEvaluate_RejectsNoDescriptionTrivialDiff(t *testing.T) {
	s := New(testConfig())

	v := s.Evaluate(model.Artifact{Title: "Bump version", Body: "", Patch: "+1.2.3\n-1.2.2\n"})

	assert.False(t, v.Worthy)
	assert.Equal(t, "no description and trivial diff", v.Reason)
}

// The sieve must answer for every input and never panic, including empty and
// degenerate artifacts.
func TestEvaluate_Totality(t *testing.T) {
	s := New(testConfig())

	inputs := []model.Artifact{
		{},
		{Title: "", Body: "", Patch: ""},
		{Title: strings.Repeat("x", 10000)},
		{Body: strings.Repeat("decision ", 5000)},
		{Patch: strings.Repeat("+\n", 100000)},
		{Patch: "not a real diff at all"},
		{Title: "\x00\xff weird bytes", Body: "\n\n\n", Patch: "---\n+++\n"},
	}

	for i, a := range inputs {
		assert.NotPanics(t, func() {
			v := s.Evaluate(a)
			if !v.Worthy {
				assert.NotEmpty(t, v.Reason, "rejections must carry a reason (case %d)", i)
			}
		})
	}
}

func TestEvaluate_Idempotent(t *testing.T) {
	s := New(testConfig())
	a := model.Artifact{
		Title: "Adopt event-driven architecture for order processing",
		Body:  "Long rationale explaining the decision to switch to a message broker and the trade-off against synchronous calls.",
		Patch: substantivePatch(200),
	}

	first := s.Evaluate(a)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, s.Evaluate(a))
	}
}

// Tag order must not depend on map iteration order: a multi-category artifact
// yields the same tag slice on every evaluation.
func TestEvaluate_TagOrderStable(t *testing.T) {
	s := New(testConfig())
	a := model.Artifact{
		Title: "Rewrite the storage layer",
		Body:  "We decided to migrate the database schema and replace the cache, changing the API contract. Trade-off: a breaking change for clients.",
		Patch: substantivePatch(50),
	}

	first := s.Evaluate(a)
	require.True(t, first.Worthy)
	assert.Equal(t, []string{"architecture", "dependency", "infra", "api", "tradeoff"}, first.Fields.Tags)
	for i := 0; i < 200; i++ {
		assert.Equal(t, first.Fields.Tags, s.Evaluate(a).Fields.Tags, "iteration %d", i)
	}
}

// Truncation must not split a multi-byte rune.
func TestSummarize_TruncatesOnRuneBoundary(t *testing.T) {
	long := strings.Repeat("世", 120) // 3 bytes each, byte 280 falls mid-rune
	got := summarize(long)

	assert.True(t, utf8.ValidString(got))
	assert.LessOrEqual(t, len(got), 280)
	assert.NotEmpty(t, got)
}

func TestCountChangedLines(t *testing.T) {
	assert.Equal(t, 0, countChangedLines(""))
	assert.Equal(t, 2, countChangedLines("--- a/x\n+++ b/x\n+added\n-removed\n context\n"))
}
