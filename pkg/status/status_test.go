package status_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/treeverse/clusterkv/pkg/status"
)

func TestErrorClass(t *testing.T) {
	cases := []struct {
		name  string
		err   *status.Error
		class error
	}{
		{name: "timeout", err: status.New(status.ErrTimeout, "socket"), class: status.ErrTimeoutKind},
		{name: "connection", err: status.New(status.ErrConnection, "reset"), class: status.ErrNetwork},
		{name: "invalid_node", err: status.New(status.ErrInvalidNode, ""), class: status.ErrInvalidNodeKind},
		{name: "nodes_not_found", err: status.NodesNotFound("test"), class: status.ErrNodesNotFound},
		{name: "param", err: status.New(status.ErrParam, "bad key"), class: status.ErrClientClass},
		{name: "server", err: status.New(status.ErrRecordTooBig, ""), class: status.ErrServerKind},
		{name: "batch", err: status.New(status.ErrBatchFailed, ""), class: status.ErrBatchFailedKind},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("operate: %w", tt.err)
			require.ErrorIs(t, wrapped, tt.class)
			require.Equal(t, tt.err.Code, status.CodeOf(wrapped))
		})
	}
}

func TestErrorIsByCode(t *testing.T) {
	err := status.New(status.ErrTimeout, "read").WithNode("A", 2)
	require.ErrorIs(t, err, status.New(status.ErrTimeout, ""))
	require.NotErrorIs(t, err, status.New(status.ErrConnection, ""))
	require.Contains(t, err.Error(), "node A")
	require.Contains(t, err.Error(), "iteration 2")
}

func TestCodeOf(t *testing.T) {
	require.Equal(t, status.OK, status.CodeOf(nil))
	require.Equal(t, status.ErrClient, status.CodeOf(errors.New("plain")))
}

func TestIsRowError(t *testing.T) {
	require.False(t, status.OK.IsRowError())
	require.False(t, status.ErrRecordNotFound.IsRowError())
	require.False(t, status.FilteredOut.IsRowError())
	require.True(t, status.ErrUDF.IsRowError())
	require.True(t, status.ErrTimeout.IsRowError())
}

func TestIsRetryable(t *testing.T) {
	require.True(t, status.IsRetryable(status.New(status.ErrTimeout, "")))
	require.True(t, status.IsRetryable(fmt.Errorf("x: %w", status.New(status.ErrConnection, ""))))
	require.False(t, status.IsRetryable(status.New(status.ErrParam, "")))
	require.False(t, status.IsRetryable(errors.New("plain")))
}
