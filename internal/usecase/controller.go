package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"TagRelay/internal/domain"
	"TagRelay/internal/ports"
	"TagRelay/internal/statustext"
)

// Outcome names the single step a controller invocation performed.
type Outcome string

const (
	OutcomeAdvance  Outcome = "advance"
	OutcomeDiscover Outcome = "discover"
	OutcomeIdle     Outcome = "idle"
)

// ErrNoConnector reports a controller built without an inbound or outbound endpoint.
var ErrNoConnector = errors.New("connector is not configured")

const reclaimMessage = "reclaimed: Start older than %s"

// ControllerDeps wires all driven adapters into the delivery controller.
type ControllerDeps struct {
	Source      ports.SourceConnector
	Destination ports.DestinationConnector
	Store       ports.RecordStore
	Composer    *statustext.Composer
	Metrics     ports.Metrics
	Logger      *slog.Logger
	Now         func() time.Time
}

// ControllerOptions carries the relay settings of one inbound/outbound pair.
type ControllerOptions struct {
	TriggerTag  string
	Thread      bool
	Budget      int
	UploadMedia bool
	Query       domain.FetchQuery
	DryRun      bool
	// StartReclaimAfter reverts stale Start records to Waiting before Advance. Zero disables it.
	// Siblings are persisted only when a record finishes, so a thread interrupted by a crash
	// is reclaimed with all its parts and already posted parts go out again.
	StartReclaimAfter time.Duration
}

// Controller drives delivery records through Waiting -> Start -> {Succeed | Failed | Waiting | Test}.
// Invocations must be serialized by the caller.
type Controller struct {
	source      ports.SourceConnector
	destination ports.DestinationConnector
	store       ports.RecordStore
	composer    *statustext.Composer
	metrics     ports.Metrics
	logger      *slog.Logger
	now         func() time.Time
	opts        ControllerOptions

	sourceReady      bool
	destinationReady bool
}

// NewController constructs the delivery state machine.
func NewController(deps ControllerDeps, opts ControllerOptions) *Controller {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = nopMetrics{}
	}
	composer := deps.Composer
	if composer == nil {
		composer = statustext.NewComposer(statustext.Options{})
	}

	return &Controller{
		source:      deps.Source,
		destination: deps.Destination,
		store:       deps.Store,
		composer:    composer,
		metrics:     metrics,
		logger:      logger,
		now:         now,
		opts:        opts,
	}
}

// Run performs exactly one of Advance, Discover or Idle.
func (c *Controller) Run(ctx context.Context) (Outcome, error) {
	logger := c.logger.With("run_id", uuid.NewString())

	outcome, err := c.run(ctx, logger)
	label := string(outcome)
	if err != nil {
		label += "_failed"
		logger.Error("cycle finished with errors", "outcome", outcome, "error", err)
	} else {
		logger.Info("cycle finished", "outcome", outcome)
	}
	c.metrics.ObserveCycle(label)
	return outcome, err
}

func (c *Controller) run(ctx context.Context, logger *slog.Logger) (Outcome, error) {
	if c.source == nil || c.destination == nil || c.store == nil {
		return OutcomeIdle, ErrNoConnector
	}

	if c.opts.StartReclaimAfter > 0 {
		if err := c.reclaimStale(ctx, logger); err != nil {
			return OutcomeIdle, err
		}
	}

	advanced, err := c.advance(ctx, logger)
	if advanced || err != nil {
		return OutcomeAdvance, err
	}

	discovered, err := c.discover(ctx, logger)
	if err != nil {
		return OutcomeDiscover, err
	}
	if discovered == 0 {
		logger.Info("nothing to do")
		return OutcomeIdle, nil
	}
	return OutcomeDiscover, nil
}

func (c *Controller) advance(ctx context.Context, logger *slog.Logger) (bool, error) {
	waiting, err := c.store.FindByStatus(ctx, domain.StatusWaiting)
	if err != nil {
		return false, fmt.Errorf("find waiting records: %w", err)
	}
	if len(waiting) == 0 {
		return false, nil
	}
	return true, c.processOneWaiting(ctx, waiting[0], logger)
}

// discover fetches posts carrying the trigger tag and enqueues those not yet
// handled as Waiting records. It returns the number of inserted records.
// Waiting records do not block a post, so it must only run on an empty queue.
func (c *Controller) discover(ctx context.Context, logger *slog.Logger) (int, error) {
	if c.source == nil || c.destination == nil || c.store == nil {
		return 0, ErrNoConnector
	}
	if err := c.connectSource(ctx); err != nil {
		return 0, err
	}

	var (
		records  []domain.DeliveryRecord
		seen     = map[string]bool{}
		fetchErr error
	)
	for post, err := range c.source.FetchByTag(ctx, c.opts.TriggerTag, c.opts.Query) {
		if err != nil {
			fetchErr = fmt.Errorf("fetch %s from %s: %w", c.opts.TriggerTag, c.source.Name(), err)
			break
		}
		if seen[post.ID] {
			continue
		}
		seen[post.ID] = true

		existing, err := c.store.FindBySourceID(ctx, c.source.Name(), post.ID, domain.BlockingStatuses...)
		if err != nil {
			logger.Warn("dedup lookup failed, post left for next cycle", "post_id", post.ID, "error", err)
			c.metrics.ObserveSkipped("store_error")
			continue
		}
		if len(existing) > 0 {
			continue
		}

		parts, err := c.composer.Compose(post, c.opts.TriggerTag, c.opts.Budget, c.opts.Thread)
		if err != nil {
			logger.Warn("post skipped", "post_id", post.ID, "url", post.URL, "error", err)
			c.metrics.ObserveSkipped(skipReason(err))
			continue
		}

		records = append(records, domain.DeliveryRecord{
			SourceDirection: c.source.Name(),
			DestDirection:   c.destination.Name(),
			SourcePostID:    post.ID,
			SourcePostURL:   post.URL,
			SourceMedia:     post.Media,
			Status:          domain.StatusWaiting,
			Parts:           parts,
			TriggerTag:      c.opts.TriggerTag,
			ProcessedAt:     c.now().UTC(),
		})
	}

	if len(records) == 0 {
		return 0, fetchErr
	}

	if _, err := c.store.InsertMany(ctx, records); err != nil {
		return 0, errors.Join(fmt.Errorf("enqueue %d records: %w", len(records), err), fetchErr)
	}
	for range records {
		c.metrics.ObserveTransition(domain.StatusWaiting)
	}
	logger.Info("posts enqueued", "count", len(records), "tag", c.opts.TriggerTag)
	return len(records), fetchErr
}

// sibling is one record of the unit of work; stored is false until it is inserted.
type sibling struct {
	record domain.DeliveryRecord
	handle domain.Handle
	stored bool
}

// ProcessOneWaiting delivers one Waiting record. Thread parts are posted in
// order; each posted part beyond the last becomes its own Succeed sibling
// while the original record keeps the remaining parts.
func (c *Controller) ProcessOneWaiting(ctx context.Context, stored domain.StoredRecord) error {
	return c.processOneWaiting(ctx, stored, c.logger)
}

func (c *Controller) processOneWaiting(ctx context.Context, stored domain.StoredRecord, logger *slog.Logger) error {
	if !c.opts.DryRun {
		if err := c.connectDestination(ctx); err != nil {
			return err
		}
	}

	rec := stored.Record
	rec.Status = domain.StatusStart
	rec.ProcessedAt = c.now().UTC()
	rec.ErrorMessage = ""
	if _, err := c.store.UpdateByHandle(ctx, rec, stored.Handle); err != nil {
		return fmt.Errorf("mark record %d as Start: %w", stored.Handle, err)
	}
	c.metrics.ObserveTransition(domain.StatusStart)

	siblings := []sibling{{record: rec, handle: stored.Handle, stored: true}}

	if c.opts.DryRun {
		siblings[0].record.Status = domain.StatusTest
		siblings[0].record.ProcessedAt = c.now().UTC()
		c.metrics.ObserveTransition(domain.StatusTest)
	} else {
		siblings = c.deliver(ctx, siblings, logger)
	}

	err := c.persist(ctx, siblings)
	for _, s := range siblings {
		logSummary(logger, s)
	}
	return err
}

func (c *Controller) deliver(ctx context.Context, siblings []sibling, logger *slog.Logger) []sibling {
	for {
		i := firstStarted(siblings)
		if i < 0 {
			return siblings
		}
		cur := &siblings[i]

		if len(cur.record.Parts) == 0 {
			cur.record.Status = domain.StatusFailed
			cur.record.ErrorMessage = "record has no content"
			c.metrics.ObserveTransition(domain.StatusFailed)
			continue
		}

		var mediaIDs []string
		if len(cur.record.SourceMedia) > 0 && c.opts.UploadMedia {
			ids, err := c.uploadMedia(ctx, cur.record.SourceMedia)
			switch {
			case domain.IsRateLimited(err):
				c.stopStarted(siblings, domain.StatusWaiting, err)
				return siblings
			case err != nil:
				logger.Warn("media upload failed, posting text only", "post_id", cur.record.SourcePostID, "error", err)
			}
			mediaIDs = ids
		}

		part := cur.record.Parts[0]
		posted, err := c.destination.Post(ctx, part, mediaIDs, cur.record.PreviousDestPostID)
		if err != nil {
			status := domain.StatusFailed
			if domain.IsRateLimited(err) {
				status = domain.StatusWaiting
			}
			c.stopStarted(siblings, status, err)
			return siblings
		}

		now := c.now().UTC()
		if len(cur.record.Parts) > 1 {
			done := cur.record
			done.Status = domain.StatusSucceed
			done.Parts = []string{part}
			done.DestPostID = posted.ID
			done.DestPostURL = posted.URL
			done.ProcessedAt = now

			cur.record.Parts = cur.record.Parts[1:]
			cur.record.PreviousDestPostID = posted.ID
			cur.record.SourceMedia = nil
			cur.record.ProcessedAt = now

			siblings = append(siblings, sibling{record: done})
		} else {
			cur.record.Status = domain.StatusSucceed
			cur.record.DestPostID = posted.ID
			cur.record.DestPostURL = posted.URL
			cur.record.ProcessedAt = now
		}
		c.metrics.ObserveTransition(domain.StatusSucceed)
	}
}

func (c *Controller) uploadMedia(ctx context.Context, refs []domain.MediaRef) ([]string, error) {
	streams, err := c.source.FetchMediaStreams(ctx, refs)
	if err != nil {
		return nil, fmt.Errorf("fetch media: %w", err)
	}
	defer func() {
		for _, s := range streams {
			if s.Body != nil {
				_ = s.Body.Close()
			}
		}
	}()

	ids, err := c.destination.UploadMedia(ctx, streams)
	if err != nil {
		return nil, fmt.Errorf("upload media: %w", err)
	}
	return ids, nil
}

// stopStarted moves every sibling still in Start to status, leaving succeeded ones untouched.
func (c *Controller) stopStarted(siblings []sibling, status domain.Status, cause error) {
	now := c.now().UTC()
	for i := range siblings {
		if siblings[i].record.Status != domain.StatusStart {
			continue
		}
		siblings[i].record.Status = status
		siblings[i].record.ErrorMessage = cause.Error()
		siblings[i].record.ProcessedAt = now
		c.metrics.ObserveTransition(status)
	}
}

func (c *Controller) persist(ctx context.Context, siblings []sibling) error {
	var (
		errs    []error
		created []domain.DeliveryRecord
		slots   []int
	)
	for i, s := range siblings {
		if !s.stored {
			created = append(created, s.record)
			slots = append(slots, i)
			continue
		}
		if _, err := c.store.UpdateByHandle(ctx, s.record, s.handle); err != nil {
			errs = append(errs, fmt.Errorf("update record %d: %w", s.handle, err))
		}
	}

	if len(created) > 0 {
		handles, err := c.store.InsertMany(ctx, created)
		if err != nil {
			errs = append(errs, fmt.Errorf("insert %d sibling records: %w", len(created), err))
		}
		for k, h := range handles {
			siblings[slots[k]].handle = h
			siblings[slots[k]].stored = true
		}
	}

	return errors.Join(errs...)
}

func (c *Controller) reclaimStale(ctx context.Context, logger *slog.Logger) error {
	started, err := c.store.FindByStatus(ctx, domain.StatusStart)
	if err != nil {
		return fmt.Errorf("find started records: %w", err)
	}

	cutoff := c.now().Add(-c.opts.StartReclaimAfter)
	for _, s := range started {
		if !s.Record.ProcessedAt.Before(cutoff) {
			continue
		}
		rec := s.Record
		rec.Status = domain.StatusWaiting
		rec.ErrorMessage = fmt.Sprintf(reclaimMessage, c.opts.StartReclaimAfter)
		if _, err := c.store.UpdateByHandle(ctx, rec, s.Handle); err != nil {
			logger.Warn("reclaim failed", "handle", s.Handle, "error", err)
			continue
		}
		c.metrics.ObserveTransition(domain.StatusWaiting)
		logger.Warn("stale Start record reclaimed", "handle", s.Handle, "post_id", rec.SourcePostID)
	}
	return nil
}

func (c *Controller) connectSource(ctx context.Context) error {
	if c.sourceReady {
		return nil
	}
	if err := c.source.Connect(ctx); err != nil {
		return fmt.Errorf("connect inbound %s: %w", c.source.Name(), err)
	}
	c.sourceReady = true
	return nil
}

func (c *Controller) connectDestination(ctx context.Context) error {
	if c.destinationReady {
		return nil
	}
	if err := c.destination.Connect(ctx); err != nil {
		return fmt.Errorf("connect outbound %s: %w", c.destination.Name(), err)
	}
	c.destinationReady = true
	return nil
}

func firstStarted(siblings []sibling) int {
	for i, s := range siblings {
		if s.record.Status == domain.StatusStart {
			return i
		}
	}
	return -1
}

func skipReason(err error) string {
	if errors.Is(err, domain.ErrContentTooLong) {
		return "content_too_long"
	}
	return "compose_error"
}

func logSummary(logger *slog.Logger, s sibling) {
	level := slog.LevelInfo
	if s.record.Status == domain.StatusFailed || s.record.Status == domain.StatusWaiting {
		level = slog.LevelWarn
	}
	attrs := []any{
		"status", s.record.Status,
		"processed_at", s.record.ProcessedAt.Format(time.RFC3339),
		"in", s.record.SourceDirection,
		"in_id", s.record.SourcePostID,
		"in_url", s.record.SourcePostURL,
		"out", s.record.DestDirection,
		"out_id", s.record.DestPostID,
		"out_url", s.record.DestPostURL,
		"tag", s.record.TriggerTag,
	}
	if s.stored {
		attrs = append(attrs, "handle", s.handle)
	}
	if s.record.ErrorMessage != "" {
		attrs = append(attrs, "error", s.record.ErrorMessage)
	}
	logger.Log(context.Background(), level, "delivery", attrs...)
}

type nopMetrics struct{}

func (nopMetrics) ObserveTransition(domain.Status) {}
func (nopMetrics) ObserveCycle(string)             {}
func (nopMetrics) ObserveSkipped(string)           {}
