package crawler

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUnavailableWrapsBoth(t *testing.T) {
	t.Parallel()

	cause := errors.New("dial tcp: connection refused")
	err := Unavailable("queue lease", cause)
	require.ErrorIs(t, err, ErrQueueUnavailable)
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "queue lease")
	require.NoError(t, Unavailable("noop", nil))
}

func TestFetchErrorUnwrap(t *testing.T) {
	t.Parallel()

	err := error(&FetchError{URL: "https://example.com/dp/1", StatusCode: 503, Err: context.DeadlineExceeded})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Contains(t, err.Error(), "status 503")

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, "https://example.com/dp/1", fe.URL)
}

func TestPersistenceAndDiscoveryErrors(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")
	perr := error(&PersistenceError{URL: "u1", Op: "save", Err: cause})
	require.ErrorIs(t, perr, cause)
	require.Equal(t, "persist u1 (save): boom", perr.Error())

	derr := error(&DiscoveryError{Term: "lighter", Err: cause})
	require.ErrorIs(t, derr, cause)
	require.Equal(t, `discover "lighter": boom`, derr.Error())
}

func TestOutcomeAndStatus(t *testing.T) {
	t.Parallel()

	require.Equal(t, JobStatusCompleted, OutcomeSuccess.Status())
	require.Equal(t, JobStatusFailed, OutcomeFailure.Status())
	require.Equal(t, "failure", OutcomeFailure.String())
	require.True(t, JobStatusFailed.Terminal())
	require.False(t, JobStatusActive.Terminal())
	require.True(t, QueueStats{Completed: 2}.Drained())
	require.False(t, QueueStats{Active: 1}.Drained())
	require.Equal(t, 6, QueueStats{Waiting: 1, Active: 2, Completed: 2, Failed: 1}.Total())
}
