package usecase

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"TagRelay/internal/domain"
	"TagRelay/internal/logging"
	"TagRelay/internal/statustext"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	store *memStore
	src   *fakeSource
	dst   *fakeDestination
	ctrl  *Controller
}

func newHarness(opts ControllerOptions) *harness {
	h := &harness{
		store: &memStore{},
		src:   &fakeSource{name: "home"},
		dst:   &fakeDestination{name: "out", failAt: map[int]error{}},
	}
	if opts.TriggerTag == "" {
		opts.TriggerTag = "relay"
	}
	if opts.Budget == 0 {
		opts.Budget = 140
	}
	h.ctrl = NewController(ControllerDeps{
		Source:      h.src,
		Destination: h.dst,
		Store:       h.store,
		Composer:    statustext.NewComposer(statustext.Options{}),
		Logger:      logging.Discard(),
		Now:         func() time.Time { return fixedNow },
	}, opts)
	return h
}

func (h *harness) enqueue(t *testing.T, rec domain.DeliveryRecord) domain.StoredRecord {
	t.Helper()
	handles, err := h.store.InsertMany(context.Background(), []domain.DeliveryRecord{rec})
	require.NoError(t, err)
	return domain.StoredRecord{Handle: handles[0], Record: rec}
}

func threadRecord(parts int) domain.DeliveryRecord {
	rec := domain.DeliveryRecord{
		SourceDirection: "home",
		DestDirection:   "out",
		SourcePostID:    "100",
		SourcePostURL:   "https://home.example/@alice/100",
		Status:          domain.StatusWaiting,
		TriggerTag:      "relay",
	}
	for i := 1; i <= parts; i++ {
		rec.Parts = append(rec.Parts, fmt.Sprintf("part %d", i))
	}
	return rec
}

func requireChain(t *testing.T, succeeded []domain.StoredRecord) {
	t.Helper()
	ids := map[string]bool{}
	for i, s := range succeeded {
		require.NotEmpty(t, s.Record.DestPostID)
		require.False(t, ids[s.Record.DestPostID], "duplicate destination id %s", s.Record.DestPostID)
		ids[s.Record.DestPostID] = true
		require.Len(t, s.Record.Parts, 1)
		if i == 0 {
			require.Empty(t, s.Record.PreviousDestPostID)
			continue
		}
		require.Equal(t, succeeded[i-1].Record.DestPostID, s.Record.PreviousDestPostID)
	}
}

func TestResumableThreadAfterRateLimit(t *testing.T) {
	t.Parallel()

	h := newHarness(ControllerOptions{Thread: true})
	stored := h.enqueue(t, threadRecord(10))
	h.dst.failAt[6] = errThrottled

	err := h.ctrl.ProcessOneWaiting(context.Background(), stored)
	require.NoError(t, err)

	succeeded := h.store.byStatus(domain.StatusSucceed)
	require.Len(t, succeeded, 5)
	requireChain(t, succeeded)

	waiting := h.store.byStatus(domain.StatusWaiting)
	require.Len(t, waiting, 1)
	require.Equal(t, stored.Handle, waiting[0].Handle)
	require.Equal(t, []string{"part 6", "part 7", "part 8", "part 9", "part 10"}, waiting[0].Record.Parts)
	require.Equal(t, succeeded[4].Record.DestPostID, waiting[0].Record.PreviousDestPostID)
	require.Contains(t, waiting[0].Record.ErrorMessage, "rate limited")

	outcome, err := h.ctrl.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeAdvance, outcome)

	require.Empty(t, h.store.byStatus(domain.StatusWaiting))
	all := h.store.byStatus(domain.StatusSucceed)
	require.Len(t, all, 10)
	require.Len(t, h.dst.calls, 10)
	for i, call := range h.dst.calls {
		require.Equal(t, fmt.Sprintf("part %d", i+1), call.text, "no part is posted twice")
		if i > 0 {
			require.Equal(t, fmt.Sprintf("d%d", i), call.replyTo)
		}
	}
}

func TestPermanentFailureMarksRemainderFailed(t *testing.T) {
	t.Parallel()

	h := newHarness(ControllerOptions{Thread: true})
	stored := h.enqueue(t, threadRecord(10))
	h.dst.failAt[6] = errRejected

	require.NoError(t, h.ctrl.ProcessOneWaiting(context.Background(), stored))

	requireChain(t, h.store.byStatus(domain.StatusSucceed))
	require.Len(t, h.store.byStatus(domain.StatusSucceed), 5)
	failed := h.store.byStatus(domain.StatusFailed)
	require.Len(t, failed, 1)
	require.Len(t, failed[0].Record.Parts, 5)
	require.Contains(t, failed[0].Record.ErrorMessage, "422")
	require.Empty(t, h.store.byStatus(domain.StatusWaiting))

	outcome, err := h.ctrl.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeIdle, outcome)
	require.Len(t, h.dst.calls, 5)
}

func TestDryRunNeverPosts(t *testing.T) {
	t.Parallel()

	h := newHarness(ControllerOptions{Thread: true, DryRun: true})
	stored := h.enqueue(t, threadRecord(3))

	require.NoError(t, h.ctrl.ProcessOneWaiting(context.Background(), stored))

	all, err := h.store.All(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, domain.StatusTest, all[0].Record.Status)
	require.Empty(t, h.dst.calls)
	require.Zero(t, h.dst.connects)
}

func TestStartPersistenceFailureAbortsDelivery(t *testing.T) {
	t.Parallel()

	h := newHarness(ControllerOptions{})
	stored := h.enqueue(t, threadRecord(1))
	h.store.failUpdate = true

	err := h.ctrl.ProcessOneWaiting(context.Background(), stored)
	require.ErrorIs(t, err, domain.ErrPersistence)
	require.Empty(t, h.dst.calls)
	require.Len(t, h.store.byStatus(domain.StatusWaiting), 1)
}

func TestSiblingInsertFailureReported(t *testing.T) {
	t.Parallel()

	h := newHarness(ControllerOptions{Thread: true})
	stored := h.enqueue(t, threadRecord(3))
	h.store.failInsert = true

	err := h.ctrl.ProcessOneWaiting(context.Background(), stored)
	require.ErrorIs(t, err, domain.ErrPersistence)
	require.Len(t, h.dst.calls, 3)

	got := h.store.byStatus(domain.StatusSucceed)
	require.Len(t, got, 1)
	require.Equal(t, stored.Handle, got[0].Handle)
	require.Equal(t, "d3", got[0].Record.DestPostID)
}

func TestMediaAttachedToFirstPostOnly(t *testing.T) {
	t.Parallel()

	h := newHarness(ControllerOptions{Thread: true, UploadMedia: true})
	rec := threadRecord(3)
	rec.SourceMedia = []domain.MediaRef{{Type: "image", URL: "https://files.example/a.png"}}
	stored := h.enqueue(t, rec)

	require.NoError(t, h.ctrl.ProcessOneWaiting(context.Background(), stored))

	require.Len(t, h.dst.calls, 3)
	require.Equal(t, []string{"m1"}, h.dst.calls[0].mediaIDs)
	require.Empty(t, h.dst.calls[1].mediaIDs)
	require.Empty(t, h.dst.calls[2].mediaIDs)
	require.Equal(t, 1, h.src.mediaCalls)
}

func TestMediaNotRetriedAfterResume(t *testing.T) {
	t.Parallel()

	h := newHarness(ControllerOptions{Thread: true, UploadMedia: true})
	rec := threadRecord(3)
	rec.SourceMedia = []domain.MediaRef{{Type: "image", URL: "https://files.example/a.png"}}
	stored := h.enqueue(t, rec)
	h.dst.failAt[2] = errThrottled

	require.NoError(t, h.ctrl.ProcessOneWaiting(context.Background(), stored))
	waiting := h.store.byStatus(domain.StatusWaiting)
	require.Len(t, waiting, 1)
	require.Empty(t, waiting[0].Record.SourceMedia)

	_, err := h.ctrl.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, h.src.mediaCalls)
	require.Len(t, h.dst.calls, 3)
}

func sourcePost(id, body string) domain.SourcePost {
	return domain.SourcePost{
		ID:           id,
		URL:          "https://home.example/@alice/" + id,
		CreatedAt:    fixedNow,
		Body:         body,
		AuthorHandle: "@alice@home.example",
		Public:       true,
	}
}

func TestDiscoveryIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(ControllerOptions{})
	h.src.posts = []domain.SourcePost{
		sourcePost("1", "<p>first #relay</p>"),
		sourcePost("2", "<p>second #relay</p>"),
		sourcePost("1", "<p>first #relay</p>"),
	}
	ctx := context.Background()

	outcome, err := h.ctrl.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, OutcomeDiscover, outcome)
	waiting := h.store.byStatus(domain.StatusWaiting)
	require.Len(t, waiting, 2)
	require.Equal(t, "1", waiting[0].Record.SourcePostID)
	require.Equal(t, []string{"@alice@home.example\nfirst #don_tw"}, waiting[0].Record.Parts)

	for range 2 {
		outcome, err = h.ctrl.Run(ctx)
		require.NoError(t, err)
		require.Equal(t, OutcomeAdvance, outcome)
	}

	outcome, err = h.ctrl.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, OutcomeIdle, outcome)

	all, err := h.store.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Len(t, h.dst.calls, 2)
}

func TestDiscoverySkipsContentTooLong(t *testing.T) {
	t.Parallel()

	h := newHarness(ControllerOptions{Thread: true, Budget: 40})
	h.src.posts = []domain.SourcePost{
		sourcePost("1", "<p>see https://example.com/a/very/long/path</p>"),
		sourcePost("2", "<p>hi</p>"),
	}

	n, err := h.ctrl.discover(context.Background(), logging.Discard())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	waiting := h.store.byStatus(domain.StatusWaiting)
	require.Len(t, waiting, 1)
	require.Equal(t, "2", waiting[0].Record.SourcePostID)
}

func TestDiscoveryKeepsPostsBeforeFetchError(t *testing.T) {
	t.Parallel()

	h := newHarness(ControllerOptions{})
	h.src.posts = []domain.SourcePost{sourcePost("1", "<p>one</p>")}
	h.src.fetchErr = fmt.Errorf("timeline unavailable")

	n, err := h.ctrl.discover(context.Background(), logging.Discard())
	require.Error(t, err)
	require.Equal(t, 1, n)
	require.Len(t, h.store.byStatus(domain.StatusWaiting), 1)
}

func TestRunWithoutConnector(t *testing.T) {
	t.Parallel()

	ctrl := NewController(ControllerDeps{Logger: logging.Discard()}, ControllerOptions{})
	_, err := ctrl.Run(context.Background())
	require.ErrorIs(t, err, ErrNoConnector)
}

func TestStaleStartIsReclaimed(t *testing.T) {
	t.Parallel()

	h := newHarness(ControllerOptions{StartReclaimAfter: time.Hour})
	rec := threadRecord(1)
	rec.Status = domain.StatusStart
	rec.ProcessedAt = fixedNow.Add(-2 * time.Hour)
	h.enqueue(t, rec)

	fresh := threadRecord(1)
	fresh.SourcePostID = "101"
	fresh.Status = domain.StatusStart
	fresh.ProcessedAt = fixedNow.Add(-time.Minute)
	h.enqueue(t, fresh)

	outcome, err := h.ctrl.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeAdvance, outcome)

	succeeded := h.store.byStatus(domain.StatusSucceed)
	require.Len(t, succeeded, 1)
	require.Equal(t, "100", succeeded[0].Record.SourcePostID)
	require.Len(t, h.store.byStatus(domain.StatusStart), 1)
}

func TestSummaryAndPurge(t *testing.T) {
	t.Parallel()

	h := newHarness(ControllerOptions{})
	for i, status := range []domain.Status{domain.StatusWaiting, domain.StatusSucceed, domain.StatusFailed, domain.StatusTest, domain.StatusStart} {
		rec := threadRecord(1)
		rec.SourcePostID = fmt.Sprint(i)
		rec.Status = status
		h.enqueue(t, rec)
	}
	ctx := context.Background()

	counts, err := h.ctrl.Summary(ctx)
	require.NoError(t, err)
	for _, s := range domain.AllStatuses {
		require.Equal(t, 1, counts[s], "status %s", s)
	}

	removed, err := h.ctrl.RemoveWrong(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, removed)

	removed, err = h.ctrl.RemoveWaiting(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	all, err := h.ctrl.Records(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, domain.StatusSucceed, all[0].Record.Status)
}

func TestPreviewComposesWithoutEnqueue(t *testing.T) {
	t.Parallel()

	h := newHarness(ControllerOptions{})
	h.src.posts = []domain.SourcePost{sourcePost("1", "<p>hello #relay</p>")}

	previews, err := h.ctrl.Preview(context.Background())
	require.NoError(t, err)
	require.Len(t, previews, 1)
	require.NoError(t, previews[0].Err)
	require.Equal(t, []string{"@alice@home.example\nhello #don_tw"}, previews[0].Parts)

	all, err := h.store.All(context.Background())
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestDiscoverDoesNotBlockOnWaiting(t *testing.T) {
	t.Parallel()

	h := newHarness(ControllerOptions{})
	h.src.posts = []domain.SourcePost{sourcePost("1", "<p>one</p>")}
	ctx := context.Background()

	for range 2 {
		n, err := h.ctrl.discover(ctx, logging.Discard())
		require.NoError(t, err)
		require.Equal(t, 1, n)
	}
	require.Len(t, h.store.byStatus(domain.StatusWaiting), 2, "Waiting records never count as handled")

	outcome, err := h.ctrl.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, OutcomeAdvance, outcome, "Run advances a non-empty queue instead of discovering")
}

func TestReclaimedThreadIsPostedWhole(t *testing.T) {
	t.Parallel()

	h := newHarness(ControllerOptions{Thread: true, StartReclaimAfter: time.Hour})
	rec := threadRecord(3)
	rec.Status = domain.StatusStart
	rec.ProcessedAt = fixedNow.Add(-2 * time.Hour)
	h.enqueue(t, rec)

	_, err := h.ctrl.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, h.dst.calls, 3)
	require.Equal(t, "part 1", h.dst.calls[0].text)
	require.Empty(t, h.dst.calls[0].replyTo)
	require.Len(t, h.store.byStatus(domain.StatusSucceed), 3)
}
