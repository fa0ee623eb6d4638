package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"slices"
	"sync"

	"TagRelay/internal/domain"
	"TagRelay/internal/ports"
)

type memStore struct {
	mu         sync.Mutex
	next       domain.Handle
	rows       []domain.StoredRecord
	failUpdate bool
	failInsert bool
}

var _ ports.RecordStore = (*memStore)(nil)

func (s *memStore) InsertMany(_ context.Context, records []domain.DeliveryRecord) ([]domain.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failInsert {
		return nil, fmt.Errorf("insert: %w", domain.ErrPersistence)
	}
	handles := make([]domain.Handle, 0, len(records))
	for _, r := range records {
		s.next++
		s.rows = append(s.rows, domain.StoredRecord{Handle: s.next, Record: clone(r)})
		handles = append(handles, s.next)
	}
	return handles, nil
}

func (s *memStore) UpdateByHandle(_ context.Context, record domain.DeliveryRecord, handle domain.Handle) (domain.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failUpdate {
		return 0, fmt.Errorf("update: %w", domain.ErrPersistence)
	}
	for i := range s.rows {
		if s.rows[i].Handle == handle {
			s.rows[i].Record = clone(record)
			return handle, nil
		}
	}
	return 0, fmt.Errorf("handle %d: %w", handle, domain.ErrPersistence)
}

func (s *memStore) FindByStatus(_ context.Context, statuses ...domain.Status) ([]domain.StoredRecord, error) {
	return s.filter(func(r domain.DeliveryRecord) bool { return slices.Contains(statuses, r.Status) }), nil
}

func (s *memStore) FindBySourceID(_ context.Context, direction, id string, statuses ...domain.Status) ([]domain.StoredRecord, error) {
	return s.filter(func(r domain.DeliveryRecord) bool {
		return r.SourceDirection == direction && r.SourcePostID == id && slices.Contains(statuses, r.Status)
	}), nil
}

func (s *memStore) RemoveByHandles(_ context.Context, handles []domain.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = slices.DeleteFunc(s.rows, func(r domain.StoredRecord) bool { return slices.Contains(handles, r.Handle) })
	return nil
}

func (s *memStore) All(context.Context) ([]domain.StoredRecord, error) {
	return s.filter(func(domain.DeliveryRecord) bool { return true }), nil
}

func (s *memStore) filter(keep func(domain.DeliveryRecord) bool) []domain.StoredRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.StoredRecord
	for _, r := range s.rows {
		if keep(r.Record) {
			out = append(out, domain.StoredRecord{Handle: r.Handle, Record: clone(r.Record)})
		}
	}
	return out
}

func (s *memStore) byStatus(status domain.Status) []domain.StoredRecord {
	out, _ := s.FindByStatus(context.Background(), status)
	return out
}

func clone(r domain.DeliveryRecord) domain.DeliveryRecord {
	r.Parts = slices.Clone(r.Parts)
	r.SourceMedia = slices.Clone(r.SourceMedia)
	return r
}

type fakeSource struct {
	name       string
	posts      []domain.SourcePost
	fetchErr   error
	mediaCalls int
}

var _ ports.SourceConnector = (*fakeSource)(nil)

func (f *fakeSource) Name() string                  { return f.name }
func (f *fakeSource) Connect(context.Context) error { return nil }

func (f *fakeSource) FetchByTag(context.Context, string, domain.FetchQuery) iter.Seq2[domain.SourcePost, error] {
	return func(yield func(domain.SourcePost, error) bool) {
		for _, p := range f.posts {
			if !yield(p, nil) {
				return
			}
		}
		if f.fetchErr != nil {
			yield(domain.SourcePost{}, f.fetchErr)
		}
	}
}

func (f *fakeSource) FetchMediaStreams(_ context.Context, refs []domain.MediaRef) ([]domain.MediaStream, error) {
	f.mediaCalls++
	streams := make([]domain.MediaStream, len(refs))
	for i, r := range refs {
		streams[i] = domain.MediaStream{Kind: r.Type, Description: r.Description, Body: io.NopCloser(bytes.NewReader([]byte("img")))}
	}
	return streams, nil
}

type postCall struct {
	text     string
	mediaIDs []string
	replyTo  string
}

type fakeDestination struct {
	name     string
	calls    []postCall
	failAt   map[int]error // 1-based call number -> error
	connects int
}

var _ ports.DestinationConnector = (*fakeDestination)(nil)

func (f *fakeDestination) Name() string { return f.name }

func (f *fakeDestination) Connect(context.Context) error {
	f.connects++
	return nil
}

func (f *fakeDestination) Post(_ context.Context, text string, mediaIDs []string, replyToID string) (domain.PostedStatus, error) {
	n := len(f.calls) + 1
	if err, ok := f.failAt[n]; ok {
		delete(f.failAt, n)
		return domain.PostedStatus{}, err
	}
	f.calls = append(f.calls, postCall{text: text, mediaIDs: mediaIDs, replyTo: replyToID})
	id := fmt.Sprintf("d%d", len(f.calls))
	return domain.PostedStatus{ID: id, URL: "https://dest.example/" + id}, nil
}

func (f *fakeDestination) UploadMedia(_ context.Context, streams []domain.MediaStream) ([]string, error) {
	ids := make([]string, len(streams))
	for i := range streams {
		ids[i] = fmt.Sprintf("m%d", i+1)
	}
	return ids, nil
}

var (
	errThrottled = &domain.RateLimitError{Err: errors.New("429 too many requests")}
	errRejected  = &domain.DeliveryError{Err: errors.New("422 unprocessable")}
)
