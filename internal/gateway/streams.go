package gateway

import (
	"errors"
	"time"

	"github.com/NoPKT/agentim/internal/cache"
	"github.com/NoPKT/agentim/internal/metrics"
)

// ErrStreamTooLarge means a stream's accumulated content crossed the
// ceiling. The stream is marked rejected and later chunks for it are
// dropped without growing it further.
var ErrStreamTooLarge = errors.New("stream exceeds maximum content size")

type stream struct {
	content  []byte
	rejected bool
}

// StreamTracker assembles streamed message content chunk by chunk. Streams
// are bounded in count and age: an abandoned stream ages out, and when the
// tracker is full admitting a new stream evicts a stale one first, the
// oldest one otherwise.
type StreamTracker struct {
	streams    *cache.Cache[*stream]
	maxContent int
}

// NewStreamTracker creates a tracker holding at most capacity in-flight
// streams, each capped at maxContent accumulated bytes and dropped after
// ttl without a chunk.
func NewStreamTracker(capacity, maxContent int, ttl time.Duration) *StreamTracker {
	return &StreamTracker{
		streams:    cache.New[*stream](capacity, ttl),
		maxContent: maxContent,
	}
}

// Append adds a chunk to the stream, creating it on first sight.
func (t *StreamTracker) Append(messageID, chunk string) error {
	var appendErr error
	t.streams.Upsert(messageID, func(s *stream, ok bool) *stream {
		if !ok {
			s = &stream{}
		}
		if s.rejected {
			appendErr = ErrStreamTooLarge
			return s
		}
		if len(s.content)+len(chunk) > t.maxContent {
			s.rejected = true
			s.content = nil
			appendErr = ErrStreamTooLarge
			metrics.StreamsRejected.Inc()
			return s
		}
		s.content = append(s.content, chunk...)
		return s
	})
	return appendErr
}

// Finish removes the stream and returns its assembled content. A stream
// that was rejected, evicted, or never seen returns ok=false. The content
// is copied out under the cache lock; Append mutates the entry in place.
func (t *StreamTracker) Finish(messageID string) (string, bool) {
	var content string
	ok := false
	found := t.streams.View(messageID, func(s *stream) {
		if !s.rejected {
			content = string(s.content)
			ok = true
		}
	})
	if !found {
		return "", false
	}
	t.streams.Delete(messageID)
	return content, ok
}

// Discard drops a stream without completing it.
func (t *StreamTracker) Discard(messageID string) {
	t.streams.Delete(messageID)
}

// Len reports the number of in-flight streams.
func (t *StreamTracker) Len() int { return t.streams.Len() }

// StartSweeper starts periodic expiry of abandoned streams.
func (t *StreamTracker) StartSweeper(interval time.Duration) {
	t.streams.StartSweeper(interval)
}

// Stop halts the sweeper. Safe to call more than once.
func (t *StreamTracker) Stop() { t.streams.Stop() }
