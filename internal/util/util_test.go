package util

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJobInputKey(t *testing.T) {
	require.Equal(t, "jobs/job-123/program", JobInputKey("job-123"))
}

func TestJobResultKey(t *testing.T) {
	require.Equal(t, "jobs/job-123/result", JobResultKey("job-123"))
}

func TestRetryOnceSucceedsWithoutRetryingOnFirstSuccess(t *testing.T) {
	calls := 0
	err := RetryOnce(func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestRetryOnceRetriesExactlyOnceOnFailure(t *testing.T) {
	calls := 0
	err := RetryOnce(func() error {
		calls++
		return errors.New("transient")
	})
	require.Error(t, err)
	require.Equal(t, 2, calls)
}

func TestRetryOnceRecoversOnSecondAttempt(t *testing.T) {
	calls := 0
	err := RetryOnce(func() error {
		calls++
		if calls == 1 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}
