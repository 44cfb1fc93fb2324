package server

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/hearth/internal/model"
	"github.com/ashita-ai/hearth/internal/notice"
	"github.com/ashita-ai/hearth/internal/service/projection"
	"github.com/ashita-ai/hearth/internal/service/reconcile"
	"github.com/ashita-ai/hearth/internal/testutil"
)

func receive(t *testing.T, ch chan []byte) string {
	t.Helper()
	select {
	case got := <-ch:
		return string(got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return ""
	}
}

func TestBrokerFanOut(t *testing.T) {
	broker := NewBroker(nil, testutil.TestLogger())
	ch1 := broker.Subscribe()
	ch2 := broker.Subscribe()

	broker.BuildChanged("X", &model.WorldBuildState{IssueID: "X", Status: model.BuildPaused, Attempt: 2})
	for _, ch := range []chan []byte{ch1, ch2} {
		got := receive(t, ch)
		assert.True(t, strings.HasPrefix(got, "event: build\ndata: "), got)
		assert.Contains(t, got, `"status":"paused"`)
	}

	broker.Unsubscribe(ch1)
	broker.Unsubscribe(ch1)
	broker.BuildChanged("X", nil)
	assert.Contains(t, receive(t, ch2), `"discarded":true`)
	assert.Equal(t, 1, broker.Subscribers())
	broker.Unsubscribe(ch2)
}

func TestBrokerPublishUpdate(t *testing.T) {
	broker := NewBroker(nil, testutil.TestLogger())
	ch := broker.Subscribe()
	defer broker.Unsubscribe(ch)

	broker.PublishUpdate(reconcile.Update{
		IssueID:    "X",
		Projection: projection.Projection{IssueID: "X", Status: model.BuildVoting, BestFitness: 0.7},
		Events:     []model.BuildEvent{{Type: "system"}},
	})
	got := receive(t, ch)
	data := strings.TrimSuffix(strings.TrimPrefix(got, "event: projection\ndata: "), "\n\n")
	var u map[string]any
	require.NoError(t, json.Unmarshal([]byte(data), &u))
	assert.Equal(t, "X", u["issue_id"])
	assert.NotContains(t, data, "events", "raw events stay server-side")
}

func TestBrokerRelaysNotices(t *testing.T) {
	center := notice.New(testutil.TestLogger(), 5)
	broker := NewBroker(center, testutil.TestLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		broker.Start(ctx)
		close(done)
	}()

	ch := broker.Subscribe()
	defer broker.Unsubscribe(ch)
	// Start subscribes asynchronously; publish until the relay is up.
	var got string
	require.Eventually(t, func() bool {
		center.Publish(model.NoticeStorage, "", "disk full")
		select {
		case ev := <-ch:
			got = string(ev)
			return true
		case <-time.After(10 * time.Millisecond):
			return false
		}
	}, time.Second, time.Millisecond)
	assert.Contains(t, got, "event: notice\n")
	assert.Contains(t, got, "disk full")

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broker did not stop")
	}
}

func TestBrokerSlowSubscriberDoesNotBlock(t *testing.T) {
	broker := NewBroker(nil, testutil.TestLogger())
	slow := broker.Subscribe()
	defer broker.Unsubscribe(slow)

	done := make(chan struct{})
	go func() {
		for range 200 {
			broker.BuildChanged("X", nil)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a full subscriber")
	}
	assert.Len(t, slow, cap(slow))
}

func TestFormatSSE(t *testing.T) {
	got := string(formatSSE("notice", []byte(`{"id":"123"}`)))
	assert.Equal(t, "event: notice\ndata: {\"id\":\"123\"}\n\n", got)
}
