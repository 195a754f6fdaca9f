package spell

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "spells.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testSpell(repoID, errorType string) *Spell {
	return &Spell{
		Title:           "Fix undefined array access",
		Description:     "Guard array access when the value may be undefined",
		ErrorType:       errorType,
		ErrorPattern:    "cannot read property .* of undefined",
		SolutionCode:    "diff --git a/src/util.js b/src/util.js\n--- a/src/util.js\n+++ b/src/util.js\n@@ -1 +1 @@\n-const n = arr.length;\n+const n = (arr || []).length;\n",
		Tags:            []string{"typeerror", "undefined"},
		RepositoryID:    repoID,
		ConfidenceScore: DefaultConfidence,
	}
}

func TestStoreCreateGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sp := testSpell("repo-1", "TypeError")
	require.NoError(t, s.Create(ctx, sp))
	require.NotEmpty(t, sp.ID)

	got, err := s.Get(ctx, sp.ID)
	require.NoError(t, err)
	assert.Equal(t, sp.Title, got.Title)
	assert.Equal(t, sp.ErrorPattern, got.ErrorPattern)
	assert.Equal(t, []string{"typeerror", "undefined"}, got.Tags)
	assert.Equal(t, "repo-1", got.RepositoryID)
	assert.False(t, got.AutoGenerated)
}

func TestStoreGetNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreCreateValidates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sp := testSpell("repo-1", "TypeError")
	sp.ErrorPattern = "  "
	assert.Error(t, s.Create(ctx, sp))

	sp = testSpell("repo-1", "TypeError")
	sp.ConfidenceScore = 101
	assert.Error(t, s.Create(ctx, sp))
}

func TestStoreUpdateDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sp := testSpell("repo-1", "TypeError")
	require.NoError(t, s.Create(ctx, sp))

	sp.HumanReviewed = true
	sp.ConfidenceScore = 90
	require.NoError(t, s.Update(ctx, sp))

	got, err := s.Get(ctx, sp.ID)
	require.NoError(t, err)
	assert.True(t, got.HumanReviewed)
	assert.Equal(t, 90, got.ConfidenceScore)

	require.NoError(t, s.Delete(ctx, sp.ID))
	_, err = s.Get(ctx, sp.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, s.Delete(ctx, sp.ID), ErrNotFound)
	assert.ErrorIs(t, s.Update(ctx, sp), ErrNotFound)
}

func TestStoreCandidatesScoping(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := testSpell("repo-a", "TypeError")
	b := testSpell("repo-b", "TypeError")
	c := testSpell("repo-b", "SyntaxError")
	for _, sp := range []*Spell{a, b, c} {
		require.NoError(t, s.Create(ctx, sp))
	}

	// Scoped to repo-b only.
	got, err := s.Candidates(ctx, []string{"repo-b"}, "typeerror")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, b.ID, got[0].ID)

	// Empty repoIDs means all accessible.
	got, err = s.Candidates(ctx, nil, "typeerror")
	require.NoError(t, err)
	assert.Len(t, got, 2)

	// Unknown error type falls back to all in-scope spells.
	got, err = s.Candidates(ctx, []string{"repo-b"}, "ImportError")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestStoreApplications(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sp := testSpell("repo-1", "TypeError")
	require.NoError(t, s.Create(ctx, sp))

	app := &Application{
		SpellID:      sp.ID,
		Repository:   "octo/hello",
		CommitSHA:    "abc123def456",
		Patch:        "diff --git a/x.py b/x.py\n--- a/x.py\n+++ b/x.py\n@@ -1 +1 @@\n-a\n+b\n",
		FilesTouched: []string{"x.py"},
		Rationale:    "guard nil",
	}
	require.NoError(t, s.RecordApplication(ctx, app))

	apps, err := s.Applications(ctx, sp.ID)
	require.NoError(t, err)
	require.Len(t, apps, 1)
	assert.Equal(t, app.Patch, apps[0].Patch)
	assert.Equal(t, []string{"x.py"}, apps[0].FilesTouched)
}

func TestStoreRepoConfig(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rc := &RepoConfig{RepoName: "octo/hello", Active: true}
	require.NoError(t, s.UpsertRepoConfig(ctx, rc))

	got, err := s.RepoConfigByName(ctx, "octo/hello")
	require.NoError(t, err)
	assert.Equal(t, "main", got.DefaultBranch)
	assert.True(t, got.Active)

	// Upsert refreshes in place.
	rc2 := &RepoConfig{RepoName: "octo/hello", DefaultBranch: "develop", Active: false}
	require.NoError(t, s.UpsertRepoConfig(ctx, rc2))
	got, err = s.RepoConfigByName(ctx, "octo/hello")
	require.NoError(t, err)
	assert.Equal(t, "develop", got.DefaultBranch)
	assert.False(t, got.Active)

	_, err = s.RepoConfigByName(ctx, "octo/unknown")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreWebhookLogs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.LogWebhook(ctx, &WebhookLog{
		DeliveryID: "d-1",
		Event:      "pull_request",
		Repo:       "octo/hello",
		PRNumber:   7,
		Action:     "opened",
		Status:     "success",
		Duration:   42 * time.Millisecond,
	}))

	logs, err := s.WebhookLogs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "success", logs[0].Status)
	assert.Equal(t, 42*time.Millisecond, logs[0].Duration)
}
