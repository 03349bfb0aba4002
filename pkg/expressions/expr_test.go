package expressions

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate(t *testing.T) {
	e := NewEngine()

	out, err := e.Evaluate("budget > 500000", map[string]any{"budget": 750000})
	require.NoError(t, err)
	assert.Equal(t, true, out)

	out, err = e.Evaluate("budget > 500000", map[string]any{"budget": 100000})
	require.NoError(t, err)
	assert.Equal(t, false, out)
}

func TestEvaluateEmptyExpression(t *testing.T) {
	e := NewEngine()

	_, err := e.Evaluate("", map[string]any{})
	assert.ErrorIs(t, err, ErrEmptyExpression)
}

func TestEvaluateUndefinedVariable(t *testing.T) {
	e := NewEngine()

	out, err := e.Evaluate(`city == "Lisbon"`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, false, out)
}

func TestEvaluateCompileError(t *testing.T) {
	e := NewEngine()

	_, err := e.Evaluate("budget >", map[string]any{"budget": 1})
	assert.Error(t, err)
}

func TestEvaluateBool(t *testing.T) {
	e := NewEngine()

	ok, err := e.EvaluateBool(`tags contains "vip"`, map[string]any{
		"tags": []string{"vip", "buyer"},
	})
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = e.EvaluateBool("1 + 1", map[string]any{})
	assert.Error(t, err)
}

func TestEvaluateBoolNilResult(t *testing.T) {
	e := NewEngine()

	ok, err := e.EvaluateBool("missing", map[string]any{})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluateConcurrent(t *testing.T) {
	e := NewEngine()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			out, err := e.Evaluate("score * 2", map[string]any{"score": 21})
			assert.NoError(t, err)
			assert.Equal(t, 42, out)
		}()
	}

	wg.Wait()
}
