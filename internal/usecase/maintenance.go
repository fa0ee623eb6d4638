package usecase

import (
	"context"
	"fmt"

	"TagRelay/internal/domain"
)

// Preview is one discovered post rendered without being enqueued.
type Preview struct {
	Post  domain.SourcePost
	Parts []string
	Err   error
}

// Preview composes every post the next discovery would see.
func (c *Controller) Preview(ctx context.Context) ([]Preview, error) {
	if c.source == nil {
		return nil, ErrNoConnector
	}
	if err := c.connectSource(ctx); err != nil {
		return nil, err
	}

	var out []Preview
	for post, err := range c.source.FetchByTag(ctx, c.opts.TriggerTag, c.opts.Query) {
		if err != nil {
			return out, fmt.Errorf("fetch %s from %s: %w", c.opts.TriggerTag, c.source.Name(), err)
		}
		parts, err := c.composer.Compose(post, c.opts.TriggerTag, c.opts.Budget, c.opts.Thread)
		out = append(out, Preview{Post: post, Parts: parts, Err: err})
	}
	return out, nil
}

// Summary counts stored records per status. Every known status is present.
func (c *Controller) Summary(ctx context.Context) (map[domain.Status]int, error) {
	records, err := c.Records(ctx)
	if err != nil {
		return nil, err
	}

	counts := make(map[domain.Status]int, len(domain.AllStatuses))
	for _, s := range domain.AllStatuses {
		counts[s] = 0
	}
	for _, r := range records {
		counts[r.Record.Status]++
	}
	return counts, nil
}

// Records returns every stored record in insertion order.
func (c *Controller) Records(ctx context.Context) ([]domain.StoredRecord, error) {
	if c.store == nil {
		return nil, ErrNoConnector
	}
	records, err := c.store.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return records, nil
}

// RemoveWaiting drops queued records that were never attempted.
func (c *Controller) RemoveWaiting(ctx context.Context) (int, error) {
	return c.removeByStatus(ctx, domain.StatusWaiting)
}

// RemoveWrong drops records left in Start, Failed or Test.
func (c *Controller) RemoveWrong(ctx context.Context) (int, error) {
	return c.removeByStatus(ctx, domain.StatusStart, domain.StatusFailed, domain.StatusTest)
}

func (c *Controller) removeByStatus(ctx context.Context, statuses ...domain.Status) (int, error) {
	if c.store == nil {
		return 0, ErrNoConnector
	}
	records, err := c.store.FindByStatus(ctx, statuses...)
	if err != nil {
		return 0, fmt.Errorf("find records %v: %w", statuses, err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	handles := make([]domain.Handle, len(records))
	for i, r := range records {
		handles[i] = r.Handle
	}
	if err := c.store.RemoveByHandles(ctx, handles); err != nil {
		return 0, fmt.Errorf("remove %d records: %w", len(handles), err)
	}
	c.logger.Info("records removed", "count", len(handles), "statuses", statuses)
	return len(handles), nil
}
