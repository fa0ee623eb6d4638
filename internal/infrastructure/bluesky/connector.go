package bluesky

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	comatproto "github.com/bluesky-social/indigo/api/atproto"
	appbsky "github.com/bluesky-social/indigo/api/bsky"
	lexutil "github.com/bluesky-social/indigo/lex/util"
	"github.com/bluesky-social/indigo/xrpc"

	"TagRelay/internal/domain"
	"TagRelay/internal/ports"
)

const (
	defaultPDS     = "https://bsky.social"
	postCollection = "app.bsky.feed.post"
	maxImages      = 4
)

var (
	linkExpr = regexp.MustCompile(`https?://[\w/:%#@$&?()~.=+\-]+`)
	tagExpr  = regexp.MustCompile(`(?:^|\s)#([^\s#]+)`)
)

// Config carries the account used for posting.
type Config struct {
	Server      string
	Identifier  string
	AppPassword string
	Timeout     time.Duration
}

type uploadedBlob struct {
	blob *lexutil.LexBlob
	alt  string
}

// Connector publishes posts to a Bluesky PDS. Thread replies carry both the
// root and the parent strong references.
type Connector struct {
	name     string
	client   *xrpc.Client
	ident    string
	password string
	logger   *slog.Logger

	mu    sync.Mutex
	refs  map[string]*comatproto.RepoStrongRef // uri -> strong ref of posts created here
	roots map[string]*comatproto.RepoStrongRef // uri -> thread root
	blobs map[string]uploadedBlob
}

var _ ports.DestinationConnector = (*Connector)(nil)

// New builds a connector; the session is created by Connect.
func New(name string, cfg Config, logger *slog.Logger) *Connector {
	host := strings.TrimRight(cfg.Server, "/")
	if host == "" {
		host = defaultPDS
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Connector{
		name: name,
		client: &xrpc.Client{
			Host:      host,
			Client:    &http.Client{Timeout: timeout},
			UserAgent: ptr("TagRelay/1.0"),
		},
		ident:    cfg.Identifier,
		password: cfg.AppPassword,
		logger:   logger,
		refs:     map[string]*comatproto.RepoStrongRef{},
		roots:    map[string]*comatproto.RepoStrongRef{},
		blobs:    map[string]uploadedBlob{},
	}
}

// Name identifies the endpoint.
func (c *Connector) Name() string {
	return c.name
}

// Connect creates a session with the identifier and app password.
func (c *Connector) Connect(ctx context.Context) error {
	if c.ident == "" || c.password == "" {
		return fmt.Errorf("bluesky %s: identifier and app password are required", c.name)
	}

	sess, err := comatproto.ServerCreateSession(ctx, c.client, &comatproto.ServerCreateSession_Input{
		Identifier: c.ident,
		Password:   c.password,
	})
	if err != nil {
		return fmt.Errorf("bluesky %s: create session: %w", c.name, err)
	}

	c.client.Auth = &xrpc.AuthInfo{
		AccessJwt:  sess.AccessJwt,
		RefreshJwt: sess.RefreshJwt,
		Handle:     sess.Handle,
		Did:        sess.Did,
	}
	c.logger.Debug("bluesky session created", "endpoint", c.name, "handle", sess.Handle)
	return nil
}

// UploadMedia uploads image blobs. Other media kinds are skipped.
func (c *Connector) UploadMedia(ctx context.Context, streams []domain.MediaStream) ([]string, error) {
	if err := c.checkAuth(); err != nil {
		return nil, err
	}

	var ids []string
	for _, s := range streams {
		if s.Kind != "image" {
			c.logger.Info("skipping unsupported media", "endpoint", c.name, "kind", s.Kind)
			continue
		}
		if len(ids) == maxImages {
			c.logger.Warn("image limit reached", "endpoint", c.name, "limit", maxImages)
			break
		}

		out, err := comatproto.RepoUploadBlob(ctx, c.client, s.Body)
		if err != nil {
			return ids, fmt.Errorf("bluesky %s: upload blob: %w", c.name, classify(err))
		}

		id := out.Blob.Ref.String()
		c.mu.Lock()
		c.blobs[id] = uploadedBlob{blob: out.Blob, alt: s.Description}
		c.mu.Unlock()
		ids = append(ids, id)
	}
	return ids, nil
}

// Post creates a feed post. replyToID is the AT URI of the parent post.
func (c *Connector) Post(ctx context.Context, text string, mediaIDs []string, replyToID string) (domain.PostedStatus, error) {
	if err := c.checkAuth(); err != nil {
		return domain.PostedStatus{}, &domain.DeliveryError{Err: err}
	}

	post := &appbsky.FeedPost{
		LexiconTypeID: postCollection,
		CreatedAt:     time.Now().UTC().Format(time.RFC3339),
		Text:          text,
		Facets:        Facets(text),
		Embed:         c.embed(mediaIDs),
	}

	if replyToID != "" {
		reply, err := c.replyRef(ctx, replyToID)
		if err != nil {
			return domain.PostedStatus{}, err
		}
		post.Reply = reply
	}

	out, err := comatproto.RepoCreateRecord(ctx, c.client, &comatproto.RepoCreateRecord_Input{
		Collection: postCollection,
		Repo:       c.client.Auth.Did,
		Record:     &lexutil.LexiconTypeDecoder{Val: post},
	})
	if err != nil {
		return domain.PostedStatus{}, classify(err)
	}

	ref := &comatproto.RepoStrongRef{Uri: out.Uri, Cid: out.Cid}
	c.mu.Lock()
	c.refs[out.Uri] = ref
	if post.Reply != nil {
		c.roots[out.Uri] = post.Reply.Root
	} else {
		c.roots[out.Uri] = ref
	}
	c.mu.Unlock()

	return domain.PostedStatus{ID: out.Uri, URL: WebURL(c.client.Auth.Did, out.Uri)}, nil
}

func (c *Connector) embed(mediaIDs []string) *appbsky.FeedPost_Embed {
	var images []*appbsky.EmbedImages_Image
	c.mu.Lock()
	for _, id := range mediaIDs {
		if b, ok := c.blobs[id]; ok {
			images = append(images, &appbsky.EmbedImages_Image{Alt: b.alt, Image: b.blob})
		}
	}
	c.mu.Unlock()

	if len(images) == 0 {
		return nil
	}
	return &appbsky.FeedPost_Embed{EmbedImages: &appbsky.EmbedImages{Images: images}}
}

// replyRef resolves parent and root of a reply, reading the parent record
// from the repository when it was not created by this process.
func (c *Connector) replyRef(ctx context.Context, parentURI string) (*appbsky.FeedPost_ReplyRef, error) {
	c.mu.Lock()
	parent, okParent := c.refs[parentURI]
	root, okRoot := c.roots[parentURI]
	c.mu.Unlock()
	if okParent && okRoot {
		return &appbsky.FeedPost_ReplyRef{Root: root, Parent: parent}, nil
	}

	repo, rkey, err := splitURI(parentURI)
	if err != nil {
		return nil, &domain.DeliveryError{Err: err}
	}
	out, err := comatproto.RepoGetRecord(ctx, c.client, "", postCollection, repo, rkey)
	if err != nil {
		return nil, classify(err)
	}
	if out.Cid == nil {
		return nil, &domain.DeliveryError{Err: fmt.Errorf("record %s has no cid", parentURI)}
	}

	parent = &comatproto.RepoStrongRef{Uri: out.Uri, Cid: *out.Cid}
	root = parent
	if out.Value != nil {
		if fp, ok := out.Value.Val.(*appbsky.FeedPost); ok && fp.Reply != nil && fp.Reply.Root != nil {
			root = fp.Reply.Root
		}
	}

	c.mu.Lock()
	c.refs[parentURI] = parent
	c.roots[parentURI] = root
	c.mu.Unlock()

	return &appbsky.FeedPost_ReplyRef{Root: root, Parent: parent}, nil
}

func (c *Connector) checkAuth() error {
	if c.client.Auth == nil || c.client.Auth.Did == "" {
		return fmt.Errorf("bluesky %s: not connected", c.name)
	}
	return nil
}

// Facets marks links and hashtags so they render as rich text.
func Facets(text string) []*appbsky.RichtextFacet {
	var facets []*appbsky.RichtextFacet

	for _, loc := range linkExpr.FindAllStringIndex(text, -1) {
		facets = append(facets, &appbsky.RichtextFacet{
			Index: &appbsky.RichtextFacet_ByteSlice{ByteStart: int64(loc[0]), ByteEnd: int64(loc[1])},
			Features: []*appbsky.RichtextFacet_Features_Elem{
				{RichtextFacet_Link: &appbsky.RichtextFacet_Link{Uri: text[loc[0]:loc[1]]}},
			},
		})
	}

	for _, m := range tagExpr.FindAllStringSubmatchIndex(text, -1) {
		start := m[2] - 1 // include '#'
		facets = append(facets, &appbsky.RichtextFacet{
			Index: &appbsky.RichtextFacet_ByteSlice{ByteStart: int64(start), ByteEnd: int64(m[3])},
			Features: []*appbsky.RichtextFacet_Features_Elem{
				{RichtextFacet_Tag: &appbsky.RichtextFacet_Tag{Tag: text[m[2]:m[3]]}},
			},
		})
	}

	return facets
}

// WebURL converts an AT URI of a post to its bsky.app address.
func WebURL(did, uri string) string {
	_, rkey, err := splitURI(uri)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("https://bsky.app/profile/%s/post/%s", did, rkey)
}

// splitURI parses at://<repo>/<collection>/<rkey>.
func splitURI(uri string) (string, string, error) {
	rest, ok := strings.CutPrefix(uri, "at://")
	if !ok {
		return "", "", fmt.Errorf("not an at uri: %q", uri)
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
		return "", "", fmt.Errorf("malformed at uri: %q", uri)
	}
	return parts[0], parts[2], nil
}

func classify(err error) error {
	var xe *xrpc.Error
	if errors.As(err, &xe) && xe.StatusCode == http.StatusTooManyRequests {
		rl := &domain.RateLimitError{Err: err}
		if xe.Ratelimit != nil && !xe.Ratelimit.Reset.IsZero() {
			rl.RetryAfter = time.Until(xe.Ratelimit.Reset)
		}
		return rl
	}
	return &domain.DeliveryError{Err: err}
}

func ptr[T any](v T) *T {
	return &v
}
