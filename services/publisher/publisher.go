package publisher

import "context"

// Event describes one newly stored plan revision.
type Event struct {
	Plan      string `json:"plan"`
	Date      string `json:"date"`
	Timestamp int64  `json:"timestamp"`
	Size      int    `json:"size"`
}

// Publisher represents a service for announcing stored revisions to
// downstream consumers
type Publisher interface {
	// PublishRevision publishes a revision event to the stream
	PublishRevision(ctx context.Context, event Event) error

	// TrimStream trims the stream to the configured maximum length
	TrimStream(ctx context.Context) error

	// Close closes the publisher connection
	Close() error
}
