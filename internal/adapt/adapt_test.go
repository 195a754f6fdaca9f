package adapt

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/grimoire/internal/config"
	"github.com/fyrsmithlabs/grimoire/internal/llm"
	"github.com/fyrsmithlabs/grimoire/internal/spell"
)

const validPatch = "diff --git a/x.py b/x.py\nindex abc1234..def5678 100644\n--- a/x.py\n+++ b/x.py\n@@ -1,1 +1,1 @@\n-a\n+b\n"

func validResponse(t *testing.T, files ...string) string {
	t.Helper()
	out, err := json.Marshal(map[string]any{
		"patch":         validPatch,
		"files_touched": files,
		"rationale":     "fix",
	})
	require.NoError(t, err)
	return string(out)
}

func testSpell() *spell.Spell {
	return &spell.Spell{
		ID:           "spell-1",
		Title:        "Guard against undefined access",
		Description:  "Add a null check before dereferencing",
		ErrorType:    "TypeError",
		ErrorPattern: "cannot read .* of undefined",
		SolutionCode: "if (user) {\n  return user.name;\n}\n// see src/user.js and src/auth.js",
	}
}

func testContext() FailingContext {
	return FailingContext{
		Repository:  "octo/hello",
		CommitSHA:   "abc1234def",
		FailingTest: "test_user_lookup",
		StackTrace:  "TypeError: cannot read length of undefined\n  at user.js:10",
	}
}

func TestFailingContextValidate(t *testing.T) {
	tests := []struct {
		name    string
		fc      FailingContext
		wantErr bool
	}{
		{"valid", FailingContext{Repository: "octo/hello", CommitSHA: "abc1234"}, false},
		{"full length sha", FailingContext{Repository: "octo/hello", CommitSHA: "0123456789abcdef0123456789abcdef01234567"}, false},
		{"missing repository", FailingContext{CommitSHA: "abc1234"}, true},
		{"short sha", FailingContext{Repository: "octo/hello", CommitSHA: "abc12"}, true},
		{"non-hex sha", FailingContext{Repository: "octo/hello", CommitSHA: "zzzzzzz"}, true},
		{"overlong sha", FailingContext{Repository: "octo/hello", CommitSHA: "0123456789abcdef0123456789abcdef012345678"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.fc.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestInferLanguage(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"python dominates", "fix app/main.py and tests/test_main.py plus one src/util.js", "python"},
		{"javascript", "patch src/index.js", "javascript"},
		{"typescript", "see types.ts and index.tsx", "typescript"},
		{"nothing recognizable", "no extensions here at all", ""},
		{"unknown extension", "binary blob data.xyz123zzz", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, InferLanguage(tt.text))
		})
	}
}

func TestBuildPromptContainsRequiredParts(t *testing.T) {
	sp := testSpell()
	fc := testContext()
	constraints := &AdaptationConstraints{
		MaxFiles:         3,
		ExcludedPatterns: []string{"package.json", "*.lock", "vendor/*"},
		PreserveStyle:    true,
	}

	prompt := BuildPrompt(sp, fc, constraints)

	assert.Contains(t, prompt, fc.CommitSHA)
	assert.Contains(t, prompt, fc.FailingTest)
	assert.Contains(t, prompt, fc.StackTrace)
	assert.Contains(t, prompt, sp.SolutionCode)
	assert.Contains(t, prompt, "max_files=3")
	for _, pattern := range constraints.ExcludedPatterns {
		assert.Contains(t, prompt, pattern)
	}
	assert.Contains(t, prompt, "preserve_style=true")
	assert.Contains(t, prompt, `"patch"`)
	assert.Contains(t, prompt, `"files_touched"`)
	assert.Contains(t, prompt, `"rationale"`)
	assert.Contains(t, prompt, `"error"`)
}

func TestBuildPromptDeterministic(t *testing.T) {
	sp := testSpell()
	fc := testContext()
	constraints := DefaultConstraints()

	first := BuildPrompt(sp, fc, constraints)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, BuildPrompt(sp, fc, constraints))
	}
}

func TestBuildPromptInfersLanguageFromSolution(t *testing.T) {
	sp := testSpell() // solution mentions .js files
	fc := testContext()
	fc.Language = ""

	prompt := BuildPrompt(sp, fc, DefaultConstraints())
	assert.Contains(t, prompt, "Language: javascript")

	fc.Language = "python"
	prompt = BuildPrompt(sp, fc, DefaultConstraints())
	assert.Contains(t, prompt, "Language: python")
	assert.NotContains(t, prompt, "Language: javascript")
}

func TestValidateAccepted(t *testing.T) {
	result, perr := Validate(validResponse(t, "x.py"), DefaultConstraints())
	require.Nil(t, perr)
	require.NotNil(t, result)

	// Byte-identity round trip: the accepted patch is exactly what the
	// response carried, no reformatting.
	assert.Equal(t, validPatch, result.Patch)
	assert.Equal(t, []string{"x.py"}, result.FilesTouched)
	assert.Equal(t, "fix", result.Rationale)
}

func TestValidateMalformedJSON(t *testing.T) {
	_, perr := Validate("not json at all", DefaultConstraints())
	require.NotNil(t, perr)
	assert.Equal(t, CodeMalformedResponse, perr.Code)
}

func TestValidateMissingKeys(t *testing.T) {
	_, perr := Validate(`{"patch":"diff --git a/x b/x"}`, DefaultConstraints())
	require.NotNil(t, perr)
	assert.Equal(t, CodeMalformedResponse, perr.Code)
}

func TestValidateUpstreamDeclined(t *testing.T) {
	_, perr := Validate(`{"error":"cannot adapt this spell safely"}`, DefaultConstraints())
	require.NotNil(t, perr)
	assert.Equal(t, CodeUpstreamDeclined, perr.Code)
	assert.Contains(t, perr.Message, "cannot adapt")
}

func TestValidateInvalidDiffHeader(t *testing.T) {
	raw := `{"patch":"not a diff","files_touched":["a.py"],"rationale":"x"}`
	_, perr := Validate(raw, DefaultConstraints())
	require.NotNil(t, perr)
	assert.Equal(t, CodeInvalidDiffHeader, perr.Code)
}

func TestValidateInvalidDiffMarkers(t *testing.T) {
	// Header is fine but the hunk markers are missing.
	out, err := json.Marshal(map[string]any{
		"patch":         "diff --git a/x.py b/x.py\nindex abc..def 100644\n",
		"files_touched": []string{"x.py"},
		"rationale":     "x",
	})
	require.NoError(t, err)

	_, perr := Validate(string(out), DefaultConstraints())
	require.NotNil(t, perr)
	assert.Equal(t, CodeInvalidDiffMarkers, perr.Code)
}

func TestValidatePathMismatch(t *testing.T) {
	_, perr := Validate(validResponse(t, "other.py"), DefaultConstraints())
	require.NotNil(t, perr)
	assert.Equal(t, CodePathMismatch, perr.Code)
	assert.Contains(t, perr.Message, "x.py")
}

func TestValidateMaxFilesViolation(t *testing.T) {
	raw := `{"patch":"diff --git a/x.py b/x.py\n--- a/x.py\n+++ b/x.py\n@@ -1,1 +1,1 @@\n-a\n+b\n","files_touched":["x.py","y.py","z.py","w.py"],"rationale":"fix"}`
	_, perr := Validate(raw, &AdaptationConstraints{MaxFiles: 3})
	require.NotNil(t, perr)
	assert.Equal(t, CodeConstraintViolation, perr.Code)
	assert.Contains(t, perr.Message, "max_files")
}

func TestValidateExcludedPattern(t *testing.T) {
	patch := "diff --git a/frontend/package.json b/frontend/package.json\n--- a/frontend/package.json\n+++ b/frontend/package.json\n@@ -1,1 +1,1 @@\n-a\n+b\n"
	out, err := json.Marshal(map[string]any{
		"patch":         patch,
		"files_touched": []string{"frontend/package.json"},
		"rationale":     "bump",
	})
	require.NoError(t, err)

	_, perr := Validate(string(out), DefaultConstraints())
	require.NotNil(t, perr)
	assert.Equal(t, CodeConstraintViolation, perr.Code)
	assert.Contains(t, perr.Message, "excluded_pattern")
}

func TestValidateExcludedGlob(t *testing.T) {
	patch := "diff --git a/yarn.lock b/yarn.lock\n--- a/yarn.lock\n+++ b/yarn.lock\n@@ -1,1 +1,1 @@\n-a\n+b\n"
	out, err := json.Marshal(map[string]any{
		"patch":         patch,
		"files_touched": []string{"yarn.lock"},
		"rationale":     "bump",
	})
	require.NoError(t, err)

	_, perr := Validate(string(out), DefaultConstraints())
	require.NotNil(t, perr)
	assert.Equal(t, CodeConstraintViolation, perr.Code)
}

func TestValidateNilConstraintsUsesDefaults(t *testing.T) {
	result, perr := Validate(validResponse(t, "x.py"), nil)
	require.Nil(t, perr)
	assert.Equal(t, validPatch, result.Patch)
}

func TestValidateNeverMutatesOddWhitespace(t *testing.T) {
	// Trailing spaces and CRLF endings must survive verbatim.
	patch := "diff --git a/x.py b/x.py\n--- a/x.py  \n+++ b/x.py\t\n@@ -1,1 +1,1 @@\r\n-a \r\n+b  \r\n"
	out, err := json.Marshal(map[string]any{
		"patch":         patch,
		"files_touched": []string{"x.py"},
		"rationale":     "fix",
	})
	require.NoError(t, err)

	result, perr := Validate(string(out), DefaultConstraints())
	require.Nil(t, perr)
	assert.Equal(t, patch, result.Patch)
}

func TestEngineGeneratePatchSuccess(t *testing.T) {
	mock := llm.NewMockCompleter()
	mock.Enqueue(validResponse(t, "x.py"), nil)

	engine := NewEngine(mock, nil)
	result, perr := engine.GeneratePatch(context.Background(), testSpell(), testContext(), nil)
	require.Nil(t, perr)
	assert.Equal(t, validPatch, result.Patch)
	assert.Equal(t, 1, mock.Calls())
}

func TestEngineRejectsInvalidContext(t *testing.T) {
	mock := llm.NewMockCompleter()
	engine := NewEngine(mock, nil)

	fc := testContext()
	fc.CommitSHA = "nope"
	_, perr := engine.GeneratePatch(context.Background(), testSpell(), fc, nil)
	require.NotNil(t, perr)
	assert.Equal(t, CodeConstraintViolation, perr.Code)
	assert.Equal(t, 0, mock.Calls())
}

func TestEngineMapsUpstreamError(t *testing.T) {
	mock := llm.NewMockCompleter()
	mock.Enqueue("", errors.New("connection reset"))

	engine := NewEngine(mock, nil)
	_, perr := engine.GeneratePatch(context.Background(), testSpell(), testContext(), nil)
	require.NotNil(t, perr)
	assert.Equal(t, CodeUpstreamError, perr.Code)
	assert.Contains(t, perr.Message, "connection reset")
}

func TestEngineMapsTimeout(t *testing.T) {
	slow := completerFunc(func(ctx context.Context, prompt string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})

	engine := NewEngine(slow, nil, WithTimeout(10*time.Millisecond))
	_, perr := engine.GeneratePatch(context.Background(), testSpell(), testContext(), nil)
	require.NotNil(t, perr)
	assert.Equal(t, CodeTimeout, perr.Code)
}

func TestEngineNeverRetries(t *testing.T) {
	var calls int
	failing := completerFunc(func(ctx context.Context, prompt string) (string, error) {
		calls++
		return "not json", nil
	})

	engine := NewEngine(failing, nil)
	_, perr := engine.GeneratePatch(context.Background(), testSpell(), testContext(), nil)
	require.NotNil(t, perr)
	assert.Equal(t, CodeMalformedResponse, perr.Code)
	assert.Equal(t, 1, calls)
}

func TestEnginePerCallConstraintsOverride(t *testing.T) {
	mock := llm.NewMockCompleter()
	mock.Enqueue(validResponse(t, "x.py"), nil)
	mock.Enqueue(validResponse(t, "x.py"), nil)

	engine := NewEngine(mock, &AdaptationConstraints{MaxFiles: 1})

	// Default engine constraints accept a one-file patch.
	_, perr := engine.GeneratePatch(context.Background(), testSpell(), testContext(), nil)
	require.Nil(t, perr)

	// A stricter per-call constraint excluding x.py rejects the same patch.
	strict := &AdaptationConstraints{MaxFiles: 1, ExcludedPatterns: []string{"*.py"}}
	_, perr = engine.GeneratePatch(context.Background(), testSpell(), testContext(), strict)
	require.NotNil(t, perr)
	assert.Equal(t, CodeConstraintViolation, perr.Code)
}

func TestConstraintsFromConfig(t *testing.T) {
	c := ConstraintsFromConfig(config.AdaptConfig{
		MaxFiles:         5,
		ExcludedPatterns: []string{"*.md"},
		PreserveStyle:    false,
	})
	assert.Equal(t, 5, c.MaxFiles)
	assert.Equal(t, []string{"*.md"}, c.ExcludedPatterns)
	assert.False(t, c.PreserveStyle)

	// Unset values fall back to defaults.
	c = ConstraintsFromConfig(config.AdaptConfig{PreserveStyle: true})
	assert.Equal(t, DefaultConstraints().MaxFiles, c.MaxFiles)
	assert.Equal(t, DefaultConstraints().ExcludedPatterns, c.ExcludedPatterns)
	assert.True(t, c.PreserveStyle)
}

// completerFunc adapts a plain function to the llm.Completer interface.
type completerFunc func(ctx context.Context, prompt string) (string, error)

func (f completerFunc) Complete(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}
