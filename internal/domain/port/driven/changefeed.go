package driven

import (
	"context"

	"github.com/ericfisherdev/repopulse/internal/domain/model"
)

// ChangeFeed defines the driven port for opening change streams.
// Each Open call yields an independent stream that shares no state with
// streams opened before or after it.
type ChangeFeed interface {
	// Open joins topic with the given table bindings. The returned stream
	// ends when Close is called, when ctx is canceled, or when the
	// transport fails.
	Open(ctx context.Context, sess model.Session, topic string, watches []model.TableWatch) (Stream, error)
}

// Stream is an open change feed.
type Stream interface {
	// Events delivers notifications in arrival order. It is closed when
	// the stream ends.
	Events() <-chan model.ChangeEvent
	// Err returns the error that ended the stream, or nil after a clean
	// Close. Only meaningful once Events is closed.
	Err() error
	// Close tears the stream down. It is safe to call more than once.
	Close() error
}
