package scrape

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
)

func TestCanTransitionFollowsLifecycleTable(t *testing.T) {
	t.Parallel()

	allowed := map[[2]Status]bool{
		{StatusPending, StatusRunning}:     true,
		{StatusPending, StatusFailed}:      true,
		{StatusRunning, StatusAnalyzing}:   true,
		{StatusRunning, StatusFailed}:      true,
		{StatusAnalyzing, StatusCompleted}: true,
		{StatusAnalyzing, StatusFailed}:    true,
		{StatusFailed, StatusPending}:      true,
		{StatusFailed, StatusAnalyzing}:    true,
	}
	all := []Status{StatusPending, StatusRunning, StatusAnalyzing, StatusCompleted, StatusFailed}
	for _, from := range all {
		for _, to := range all {
			want := allowed[[2]Status{from, to}]
			require.Equalf(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestCompletedOnlyReachableFromAnalyzing(t *testing.T) {
	t.Parallel()

	for _, from := range []Status{StatusPending, StatusRunning, StatusFailed, StatusCompleted} {
		err := CheckTransition(from, StatusCompleted)
		require.ErrorIs(t, err, ErrInvalidTransition)
	}
	require.NoError(t, CheckTransition(StatusAnalyzing, StatusCompleted))
}

func TestStatusValid(t *testing.T) {
	t.Parallel()

	require.True(t, StatusAnalyzing.Valid())
	require.False(t, Status("queued").Valid())
}

func TestExternalServiceErrorMessage(t *testing.T) {
	t.Parallel()

	err := NewExternalServiceError("provider", 503, "  Service Unavailable \n", nil)
	require.Equal(t, "provider returned status 503: Service Unavailable", err.Error())

	cause := errors.New("dial tcp: refused")
	err = NewExternalServiceError("provider", 0, "", cause)
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "dial tcp: refused")
}

func TestExternalServiceErrorBoundsBody(t *testing.T) {
	t.Parallel()

	body := make([]byte, 4096)
	for i := range body {
		body[i] = 'x'
	}
	err := NewExternalServiceError("provider", 500, string(body), nil)
	require.LessOrEqual(t, len(err.Body), maxErrorBody+len("…"))
}

func TestExternalServiceErrorKeepsUTF8Intact(t *testing.T) {
	t.Parallel()

	body := strings.Repeat("x", maxErrorBody-1) + strings.Repeat("é", 8)
	err := NewExternalServiceError("provider", 502, body, nil)
	require.True(t, utf8.ValidString(err.Body))
	require.Equal(t, strings.Repeat("x", maxErrorBody-1)+"…", err.Body)
	require.True(t, utf8.ValidString(err.Error()))
}

func TestVersionMatches(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 3, 1, 9, 0, 0, 123456789, time.UTC)
	job := Job{ID: "job-1", Status: StatusAnalyzing, Attempt: 1, UpdatedAt: at}
	v := job.Version()

	stored := job
	stored.UpdatedAt = at.Truncate(time.Microsecond)
	require.True(t, v.Matches(stored))

	retried := job
	retried.Attempt = 2
	require.False(t, v.Matches(retried))

	touched := job
	touched.UpdatedAt = at.Add(time.Second)
	require.False(t, v.Matches(touched))

	failed := job
	failed.Status = StatusFailed
	require.False(t, v.Matches(failed))
}

func TestValidationErrorCarriesMarker(t *testing.T) {
	t.Parallel()

	err := error(&ValidationError{Fields: []string{"meta.entity_name", "summary"}})
	require.True(t, IsValidationError(err))
	require.Contains(t, err.Error(), ValidationMarker)
	require.Contains(t, err.Error(), "meta.entity_name, summary")
	require.False(t, IsValidationError(errors.New("timeout")))
}

func TestJobCloneDoesNotAlias(t *testing.T) {
	t.Parallel()

	job := Job{
		ID:         "job-1",
		RawResults: []json.RawMessage{json.RawMessage(`{"url":"a.com"}`)},
		Report:     &Report{Summary: "ok", Recommendations: []string{"a"}},
	}
	cp := job.Clone()
	cp.RawResults[0][2] = 'X'
	cp.Report.Recommendations[0] = "b"

	require.Equal(t, `{"url":"a.com"}`, string(job.RawResults[0]))
	require.Equal(t, "a", job.Report.Recommendations[0])
	require.True(t, job.HasRawResults())
}
