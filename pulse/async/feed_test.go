package async

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeedFanOut(t *testing.T) {
	feed := NewFeed()
	a := feed.Subscribe()
	b := feed.Subscribe()
	assert.Equal(t, 2, feed.Len())

	job := &Job{ID: "JB_FANOUT", Status: JobStatusPending}
	feed.Publish(job)

	gotA := <-a
	gotB := <-b
	assert.Equal(t, "JB_FANOUT", gotA.ID)
	assert.Equal(t, "JB_FANOUT", gotB.ID)

	gotA.Status = JobStatusFailed
	assert.Equal(t, JobStatusPending, job.Status, "subscribers get a copy")
	assert.Equal(t, JobStatusPending, gotB.Status)

	feed.Unsubscribe(a)
	assert.Equal(t, 1, feed.Len())
	feed.Publish(job)
	assert.Len(t, a, 0)
	assert.Len(t, b, 1)
}

func TestFeedNeverBlocks(t *testing.T) {
	feed := NewFeed()
	ch := feed.Subscribe()

	for i := 0; i < SubscriberChannelBufferSize+10; i++ {
		feed.Publish(&Job{ID: "JB_FLOOD"})
	}
	require.Len(t, ch, SubscriberChannelBufferSize, "overflow is dropped, not queued")
}

func TestNilFeedPublish(t *testing.T) {
	var feed *Feed
	assert.NotPanics(t, func() { feed.Publish(&Job{ID: "JB_NIL"}) })
	assert.NotPanics(t, func() { NewFeed().Publish(nil) })
}
