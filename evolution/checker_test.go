package evolution

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/skillforge/runtime"
)

const echoScript = `
function handle(input)
    return { echo = input.value }
end
`

func newTestChecker() *CompileChecker {
	exec := runtime.NewExecutor(runtime.ExecutorConfig{}, zap.NewNop())
	return NewCompileChecker(exec, zap.NewNop())
}

func TestCompileChecker_PassesValidScriptWithoutFixtures(t *testing.T) {
	checker := newTestChecker()
	result := checker.Check(context.Background(), []byte(echoScript), nil)
	assert.True(t, result.Passed)
	assert.Empty(t, result.Diagnostics)
	assert.False(t, result.CheckedAt.IsZero())
}

func TestCompileChecker_FailsSyntaxError(t *testing.T) {
	checker := newTestChecker()
	result := checker.Check(context.Background(), []byte("function handle(input) return {"), nil)
	assert.False(t, result.Passed)
	assert.NotEmpty(t, result.Diagnostics)
}

func TestCompileChecker_FailsMissingEntrypoint(t *testing.T) {
	checker := newTestChecker()
	result := checker.Check(context.Background(), []byte("local x = 1"), []Fixture{
		{Name: "any", Input: json.RawMessage(`{}`), Expected: json.RawMessage(`{}`)},
	})
	assert.False(t, result.Passed)
	assert.Contains(t, result.Diagnostics, "any")
}

func TestCompileChecker_RunsFixtures(t *testing.T) {
	checker := newTestChecker()

	passing := []Fixture{
		{
			Name:     "echo",
			Input:    json.RawMessage(`{"value": "hello"}`),
			Expected: json.RawMessage(`{"echo": "hello"}`),
		},
	}
	result := checker.Check(context.Background(), []byte(echoScript), passing)
	assert.True(t, result.Passed)

	failing := []Fixture{
		{
			Name:     "mismatch",
			Input:    json.RawMessage(`{"value": "hello"}`),
			Expected: json.RawMessage(`{"echo": "goodbye"}`),
		},
	}
	result = checker.Check(context.Background(), []byte(echoScript), failing)
	assert.False(t, result.Passed)
	assert.Contains(t, result.Diagnostics, "mismatch")
}

func TestJSONEqual_IgnoresKeyOrderAndWhitespace(t *testing.T) {
	equal, err := jsonEqual(
		json.RawMessage(`{"a": 1, "b": [1, 2]}`),
		json.RawMessage(`{ "b":[1,2], "a":1 }`),
	)
	require.NoError(t, err)
	assert.True(t, equal)

	equal, err = jsonEqual(json.RawMessage(`{"a": 1}`), json.RawMessage(`{"a": 2}`))
	require.NoError(t, err)
	assert.False(t, equal)
}

func TestFixtureStore_RoundTrip(t *testing.T) {
	store, err := NewFixtureStore(t.TempDir())
	require.NoError(t, err)

	// Missing skill yields no fixtures and no error.
	fixtures, err := store.Load("summarize")
	require.NoError(t, err)
	assert.Nil(t, fixtures)

	saved := []Fixture{
		{Name: "echo", Input: json.RawMessage(`{"value":"x"}`), Expected: json.RawMessage(`{"echo":"x"}`)},
	}
	require.NoError(t, store.Save("summarize", saved))

	loaded, err := store.Load("summarize")
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "echo", loaded[0].Name)
}
