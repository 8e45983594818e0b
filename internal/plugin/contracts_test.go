package plugin

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSuccessBuildsSuccessTaggedResult(t *testing.T) {
	result := Success(Row{"a": 1}, map[string]any{"action": "parsed"})

	require.Equal(t, TransformStatusSuccess, result.Status)
	require.Equal(t, Row{"a": 1}, result.Row)
	require.Nil(t, result.ErrorReason)
}

func TestErrorBuildsErrorTaggedResult(t *testing.T) {
	result := Error(map[string]any{"reason": "timeout"}, true)

	require.Equal(t, TransformStatusError, result.Status)
	require.True(t, result.Retryable)
	require.Nil(t, result.Row)
}

func TestExceptionResultSatisfiesError(t *testing.T) {
	var err error = ExceptionResult{Recovered: "boom"}
	require.ErrorContains(t, err, "uncaught exception")
}
