package ports

import (
	"context"
	"iter"
	"time"

	"TagRelay/internal/domain"
)

// Connector is the shared capability of every platform endpoint.
type Connector interface {
	Name() string
	Connect(ctx context.Context) error
}

// SourceConnector discovers posts on the inbound platform.
type SourceConnector interface {
	Connector
	// FetchByTag yields public, non-reply, non-mention posts oldest first.
	FetchByTag(ctx context.Context, tag string, query domain.FetchQuery) iter.Seq2[domain.SourcePost, error]
	FetchMediaStreams(ctx context.Context, refs []domain.MediaRef) ([]domain.MediaStream, error)
}

// DestinationConnector publishes messages on the outbound platform.
type DestinationConnector interface {
	Connector
	// Post publishes text, replying to replyToID when it is not empty.
	// Throttling is reported as *domain.RateLimitError, anything else as *domain.DeliveryError.
	Post(ctx context.Context, text string, mediaIDs []string, replyToID string) (domain.PostedStatus, error)
	UploadMedia(ctx context.Context, streams []domain.MediaStream) ([]string, error)
}

// RecordStore persists delivery records. Every failure wraps domain.ErrPersistence.
type RecordStore interface {
	InsertMany(ctx context.Context, records []domain.DeliveryRecord) ([]domain.Handle, error)
	UpdateByHandle(ctx context.Context, record domain.DeliveryRecord, handle domain.Handle) (domain.Handle, error)
	FindByStatus(ctx context.Context, statuses ...domain.Status) ([]domain.StoredRecord, error)
	FindBySourceID(ctx context.Context, direction, sourcePostID string, statuses ...domain.Status) ([]domain.StoredRecord, error)
	RemoveByHandles(ctx context.Context, handles []domain.Handle) error
	All(ctx context.Context) ([]domain.StoredRecord, error)
}

// MediaFetcher downloads attachments over HTTP.
type MediaFetcher interface {
	Fetch(ctx context.Context, ref domain.MediaRef) (domain.MediaStream, error)
}

// Metrics records controller activity.
type Metrics interface {
	ObserveTransition(status domain.Status)
	ObserveCycle(outcome string)
	ObserveSkipped(reason string)
}

// Scheduler controls when cycles execute.
type Scheduler interface {
	Start(ctx context.Context, job func(time.Time)) error
	Stop(ctx context.Context) error
}
