package mastodon

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	gomastodon "github.com/mattn/go-mastodon"

	"TagRelay/internal/domain"
	"TagRelay/internal/infrastructure/media"
	"TagRelay/internal/ports"
)

const visibilityPublic = "public"

// Config carries the endpoint settings the connector needs.
type Config struct {
	Server        string
	ClientID      string
	ClientSecret  string
	AccessToken   string
	FederationTag string
	Timeout       time.Duration
}

// Connector reads hashtag timelines and publishes statuses on a Mastodon instance.
type Connector struct {
	name          string
	client        *gomastodon.Client
	federationTag string
	fetcher       ports.MediaFetcher
	logger        *slog.Logger
}

var (
	_ ports.SourceConnector      = (*Connector)(nil)
	_ ports.DestinationConnector = (*Connector)(nil)
)

// New builds a connector; fetcher downloads attachments of discovered posts.
func New(name string, cfg Config, fetcher ports.MediaFetcher, logger *slog.Logger) *Connector {
	client := gomastodon.NewClient(&gomastodon.Config{
		Server:       strings.TrimRight(cfg.Server, "/"),
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		AccessToken:  cfg.AccessToken,
	})
	if cfg.Timeout > 0 {
		client.Timeout = cfg.Timeout
	}
	client.UserAgent = "TagRelay/1.0"

	if logger == nil {
		logger = slog.Default()
	}
	return &Connector{
		name:          name,
		client:        client,
		federationTag: strings.TrimPrefix(cfg.FederationTag, "#"),
		fetcher:       fetcher,
		logger:        logger,
	}
}

// Name identifies the endpoint.
func (c *Connector) Name() string {
	return c.name
}

// Connect checks that the instance is reachable. Public hashtag timelines
// need no token, so the account is only verified when one is configured.
func (c *Connector) Connect(ctx context.Context) error {
	if c.client.Config.AccessToken == "" {
		if _, err := c.client.GetInstance(ctx); err != nil {
			return fmt.Errorf("mastodon %s: instance: %w", c.name, err)
		}
		return nil
	}

	account, err := c.client.GetAccountCurrentUser(ctx)
	if err != nil {
		return fmt.Errorf("mastodon %s: verify credentials: %w", c.name, err)
	}
	c.logger.Debug("mastodon account verified", "endpoint", c.name, "acct", account.Acct)
	return nil
}

// FetchByTag merges the local timelines of the trigger tag and the
// federation tag, keeps public top-level posts without mentions inside the
// window and yields them oldest first.
func (c *Connector) FetchByTag(ctx context.Context, tag string, query domain.FetchQuery) iter.Seq2[domain.SourcePost, error] {
	return func(yield func(domain.SourcePost, error) bool) {
		since, err := parseMarker(query.Since)
		if err != nil {
			yield(domain.SourcePost{}, fmt.Errorf("since: %w", err))
			return
		}
		until, err := parseMarker(query.Until)
		if err != nil {
			yield(domain.SourcePost{}, fmt.Errorf("until: %w", err))
			return
		}

		pg := gomastodon.Pagination{SinceID: gomastodon.ID(since.id), MaxID: gomastodon.ID(until.id)}
		if query.Limit > 0 {
			pg.Limit = int64(query.Limit)
		}

		tags := []string{strings.TrimPrefix(tag, "#")}
		if c.federationTag != "" && c.federationTag != tags[0] {
			tags = append(tags, c.federationTag)
		}

		seen := map[gomastodon.ID]struct{}{}
		var statuses []*gomastodon.Status
		for _, t := range tags {
			page := pg
			found, err := c.client.GetTimelineHashtag(ctx, t, true, &page)
			if err != nil {
				yield(domain.SourcePost{}, fmt.Errorf("mastodon %s: timeline #%s: %w", c.name, t, err))
				return
			}
			for _, st := range found {
				if _, ok := seen[st.ID]; ok {
					continue
				}
				seen[st.ID] = struct{}{}
				statuses = append(statuses, st)
			}
		}

		sort.Slice(statuses, func(i, j int) bool {
			return lessID(string(statuses[i].ID), string(statuses[j].ID))
		})

		for _, st := range statuses {
			if !eligible(st) || !since.admits(st.CreatedAt, true) || !until.admits(st.CreatedAt, false) {
				continue
			}
			if !yield(toSourcePost(st), nil) {
				return
			}
		}
	}
}

// FetchMediaStreams downloads the attachments of a source post.
func (c *Connector) FetchMediaStreams(ctx context.Context, refs []domain.MediaRef) ([]domain.MediaStream, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	if c.fetcher == nil {
		return nil, fmt.Errorf("mastodon %s: no media fetcher", c.name)
	}
	return media.FetchAll(ctx, c.fetcher, refs)
}

// Post publishes a status, replying when replyToID is set.
func (c *Connector) Post(ctx context.Context, text string, mediaIDs []string, replyToID string) (domain.PostedStatus, error) {
	toot := &gomastodon.Toot{Status: text, Visibility: visibilityPublic}
	if replyToID != "" {
		toot.InReplyToID = gomastodon.ID(replyToID)
	}
	for _, id := range mediaIDs {
		toot.MediaIDs = append(toot.MediaIDs, gomastodon.ID(id))
	}

	status, err := c.client.PostStatus(ctx, toot)
	if err != nil {
		return domain.PostedStatus{}, classify(err)
	}
	return domain.PostedStatus{ID: string(status.ID), URL: status.URL}, nil
}

// UploadMedia uploads every stream and returns attachment ids in order.
func (c *Connector) UploadMedia(ctx context.Context, streams []domain.MediaStream) ([]string, error) {
	ids := make([]string, 0, len(streams))
	for _, s := range streams {
		attachment, err := c.client.UploadMediaFromMedia(ctx, &gomastodon.Media{
			File:        s.Body,
			Description: s.Description,
		})
		if err != nil {
			return ids, fmt.Errorf("mastodon %s: upload %s: %w", c.name, s.Kind, classify(err))
		}
		ids = append(ids, string(attachment.ID))
	}
	return ids, nil
}

func eligible(st *gomastodon.Status) bool {
	return st.Visibility == visibilityPublic && len(st.Mentions) == 0 && isEmptyID(st.InReplyToID)
}

func isEmptyID(v interface{}) bool {
	switch id := v.(type) {
	case nil:
		return true
	case string:
		return id == ""
	case gomastodon.ID:
		return id == ""
	default:
		return false
	}
}

func toSourcePost(st *gomastodon.Status) domain.SourcePost {
	post := domain.SourcePost{
		ID:             string(st.ID),
		URL:            st.URL,
		CreatedAt:      st.CreatedAt,
		Body:           st.Content,
		AuthorHandle:   AuthorHandle(st.Account),
		Public:         st.Visibility == visibilityPublic,
		ContentWarning: st.SpoilerText,
	}
	for _, m := range st.Mentions {
		post.Mentions = append(post.Mentions, m.Acct)
	}
	for _, a := range st.MediaAttachments {
		post.Media = append(post.Media, domain.MediaRef{
			Type:        a.Type,
			URL:         a.URL,
			TextURL:     a.TextURL,
			Description: a.Description,
		})
	}
	return post
}

// AuthorHandle renders "@user@host" from the account profile URL, falling
// back to the account's acct field.
func AuthorHandle(account gomastodon.Account) string {
	u, err := url.Parse(account.URL)
	if err == nil && u.Host != "" {
		segments := strings.Split(strings.Trim(u.Path, "/"), "/")
		if last := segments[len(segments)-1]; last != "" {
			if !strings.HasPrefix(last, "@") {
				last = "@" + last
			}
			return last + "@" + u.Host
		}
	}
	if account.Acct != "" {
		return "@" + strings.TrimPrefix(account.Acct, "@")
	}
	return "@" + account.Username
}

// marker is either a status id ("id:<n>") or a point in time.
type marker struct {
	id string
	at time.Time
}

func parseMarker(raw string) (marker, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return marker{}, nil
	}
	if id, ok := strings.CutPrefix(raw, "id:"); ok {
		if _, err := strconv.ParseUint(id, 10, 64); err != nil {
			return marker{}, fmt.Errorf("invalid status id %q", id)
		}
		return marker{id: id}, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if at, err := time.Parse(layout, raw); err == nil {
			return marker{at: at}, nil
		}
	}
	return marker{}, fmt.Errorf("unrecognized marker %q", raw)
}

// admits applies date markers; id markers are enforced by pagination.
func (m marker) admits(createdAt time.Time, lower bool) bool {
	if m.at.IsZero() {
		return true
	}
	if lower {
		return !createdAt.Before(m.at)
	}
	return !createdAt.After(m.at)
}

func lessID(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

func classify(err error) error {
	var apiErr *gomastodon.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
		return &domain.RateLimitError{Err: err}
	}
	return &domain.DeliveryError{Err: err}
}
