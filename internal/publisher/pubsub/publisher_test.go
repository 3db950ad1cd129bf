package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"

	"github.com/JakeFAU/seo-scrape-orchestrator/internal/scrape"
)

func TestBuildMessageForEvent(t *testing.T) {
	t.Parallel()

	ev := scrape.Event{JobID: "job-1", From: scrape.StatusRunning, To: scrape.StatusAnalyzing}
	msg, err := buildMessage(context.Background(), ev)
	require.NoError(t, err)
	require.Equal(t, "job-1", msg.OrderingKey)
	require.Equal(t, "job-1", msg.Attributes["job_id"])
	require.Equal(t, "analyzing", msg.Attributes["status"])
	require.Equal(t, "running", msg.Attributes["from_status"])

	var decoded scrape.Event
	require.NoError(t, json.Unmarshal(msg.Data, &decoded))
	require.Equal(t, ev.JobID, decoded.JobID)
	require.Equal(t, ev.To, decoded.To)
}

func TestBuildMessageForArbitraryPayload(t *testing.T) {
	t.Parallel()

	msg, err := buildMessage(context.Background(), map[string]string{"k": "v"})
	require.NoError(t, err)
	require.Empty(t, msg.OrderingKey)
	require.JSONEq(t, `{"k":"v"}`, string(msg.Data))
}

func TestBuildMessageRejectsUnmarshalable(t *testing.T) {
	t.Parallel()

	_, err := buildMessage(context.Background(), make(chan int))
	require.Error(t, err)
}

func TestPublishWithoutPublisher(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), "t", "x")
	require.Error(t, err)
}

func TestCarrierSatisfiesPropagation(t *testing.T) {
	t.Parallel()

	var _ propagation.TextMapCarrier = &pubsubCarrier{}
	c := &pubsubCarrier{attrs: map[string]string{}}
	c.Set("traceparent", "00-abc")
	require.Equal(t, "00-abc", c.Get("traceparent"))
	require.Equal(t, []string{"traceparent"}, c.Keys())
}

func TestOpenValidates(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), "", "topic")
	require.Error(t, err)
}
