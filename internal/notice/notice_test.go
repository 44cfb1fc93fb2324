package notice

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/hearth/internal/model"
	"github.com/ashita-ai/hearth/internal/testutil"
)

func TestPublishAndList(t *testing.T) {
	c := New(testutil.TestLogger(), 0)
	n := c.Publish(model.NoticeSubmission, "", "kernel rejected the issue")

	list := c.List()
	require.Len(t, list, 1)
	assert.Equal(t, n.ID, list[0].ID)
	assert.Equal(t, model.NoticeSubmission, list[0].Kind)
	assert.NotEqual(t, uuid.Nil, n.ID)
	assert.False(t, n.At.IsZero())
}

func TestCapacityEvictsOldest(t *testing.T) {
	c := New(testutil.TestLogger(), 3)
	for i := range 5 {
		c.Publish(model.NoticeTransient, "", fmt.Sprintf("n%d", i))
	}
	list := c.List()
	require.Len(t, list, 3)
	assert.Equal(t, "n2", list[0].Message)
	assert.Equal(t, "n4", list[2].Message)
}

func TestDismiss(t *testing.T) {
	c := New(testutil.TestLogger(), 0)
	a := c.Publish(model.NoticeStorage, "", "a")
	b := c.Publish(model.NoticeStorage, "", "b")

	assert.True(t, c.Dismiss(a.ID))
	assert.False(t, c.Dismiss(a.ID))
	list := c.List()
	require.Len(t, list, 1)
	assert.Equal(t, b.ID, list[0].ID)

	c.Clear()
	assert.Empty(t, c.List())
}

func TestSubscribersReceiveNotices(t *testing.T) {
	c := New(testutil.TestLogger(), 0)
	ch := c.Subscribe()
	n := c.Publish(model.NoticeKernel, "X", "kill failed")

	got := <-ch
	assert.Equal(t, n.ID, got.ID)
	assert.Equal(t, "X", got.IssueID)

	c.Unsubscribe(ch)
	_, open := <-ch
	assert.False(t, open)
	c.Unsubscribe(ch)
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	c := New(testutil.TestLogger(), 100)
	ch := c.Subscribe()
	defer c.Unsubscribe(ch)
	for i := range 40 {
		c.Publish(model.NoticeTransient, "", fmt.Sprint(i))
	}
	assert.Len(t, c.List(), 40)
	assert.Len(t, ch, cap(ch))
}
