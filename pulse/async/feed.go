package async

import "sync"

// SubscriberChannelBufferSize is the buffer size for subscriber channels
const SubscriberChannelBufferSize = 100

// Feed fans job updates out to subscribers. Sends never block: a slow
// subscriber misses updates rather than stalling the writer.
type Feed struct {
	mu          sync.RWMutex
	subscribers []chan *Job
}

// NewFeed creates an empty feed
func NewFeed() *Feed {
	return &Feed{subscribers: make([]chan *Job, 0)}
}

// Subscribe returns a channel that receives job updates.
// The caller is responsible for calling Unsubscribe when done.
func (f *Feed) Subscribe() chan *Job {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan *Job, SubscriberChannelBufferSize)
	f.subscribers = append(f.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscriber channel. The channel is NOT closed;
// the caller owns its lifecycle.
func (f *Feed) Unsubscribe(ch chan *Job) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i, sub := range f.subscribers {
		if sub == ch {
			f.subscribers = append(f.subscribers[:i], f.subscribers[i+1:]...)
			return
		}
	}
}

// Publish sends a copy of job to every subscriber
func (f *Feed) Publish(job *Job) {
	if f == nil || job == nil {
		return
	}
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, ch := range f.subscribers {
		snapshot := *job
		select {
		case ch <- &snapshot:
		default:
			// Channel full, skip
		}
	}
}

// Len reports the number of subscribers
func (f *Feed) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subscribers)
}
