package board

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFold_InsertThenUpdate(t *testing.T) {
	changes := []Change{
		NewInsert("o1", json.RawMessage(`{"v":0}`)),
		NewUpdate("o1", "v", json.RawMessage(`1`)),
	}
	result, err := Fold(Objects{}, changes)
	require.NoError(t, err)

	require.Contains(t, result, "o1")
	assert.JSONEq(t, `{"v":1}`, string(result["o1"]))
}

func TestFold_ConcurrentUpdateLastWriterWins(t *testing.T) {
	changes := []Change{
		NewInsert("o1", json.RawMessage(`{"v":0}`)),
		NewUpdate("o1", "v", json.RawMessage(`1`)),
		NewUpdate("o1", "v", json.RawMessage(`2`)),
	}
	result, err := Fold(Objects{}, changes)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(result["o1"]))
}

func TestFold_UpdateOnMissingObjectIsNoOp(t *testing.T) {
	changes := []Change{
		NewUpdate("missing", "v", json.RawMessage(`99`)),
	}
	result, err := Fold(Objects{}, changes)
	require.NoError(t, err)
	assert.NotContains(t, result, "missing")
}

func TestFold_DeleteThenUpdateLeavesObjectAbsent(t *testing.T) {
	changes := []Change{
		NewInsert("o1", json.RawMessage(`{"v":0}`)),
		NewDelete("o1"),
		NewUpdate("o1", "v", json.RawMessage(`99`)),
	}
	result, err := Fold(Objects{}, changes)
	require.NoError(t, err)
	assert.NotContains(t, result, "o1")
}

func TestFold_DeleteOnMissingObjectIsNoOp(t *testing.T) {
	result, err := Fold(Objects{}, []Change{NewDelete("missing")})
	require.NoError(t, err)
	assert.Empty(t, result)
}

func TestFold_IsPureFunctionOfPrefix(t *testing.T) {
	changes := []Change{
		NewInsert("o1", json.RawMessage(`{"v":0}`)),
		NewUpdate("o1", "v", json.RawMessage(`5`)),
	}
	first, err := Fold(Objects{}, changes)
	require.NoError(t, err)
	second, err := Fold(Objects{}, changes)
	require.NoError(t, err)

	assert.Equal(t, len(first), len(second))
	assert.JSONEq(t, string(first["o1"]), string(second["o1"]))
}

func TestFold_InsertReplacesWholeObject(t *testing.T) {
	changes := []Change{
		NewInsert("o1", json.RawMessage(`{"v":0,"stale":true}`)),
		NewInsert("o1", json.RawMessage(`{"v":1}`)),
	}
	result, err := Fold(Objects{}, changes)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(result["o1"]))
}
