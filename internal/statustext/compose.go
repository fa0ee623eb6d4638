package statustext

import (
	"fmt"
	"strings"

	"TagRelay/internal/domain"
)

// DefaultFederationTag replaces the trigger tag in outbound text.
const DefaultFederationTag = "don_tw"

// Options configures a Composer for one destination.
type Options struct {
	FederationTag   string
	URLLength       int
	RetainMediaURLs bool
}

// Composer turns source posts into destination-sized text.
type Composer struct {
	federationTag   string
	retainMediaURLs bool
	segmenter       Segmenter
}

// NewComposer builds a composer; an empty federation tag falls back to DefaultFederationTag.
func NewComposer(opts Options) *Composer {
	tag := strings.TrimPrefix(opts.FederationTag, "#")
	if tag == "" {
		tag = DefaultFederationTag
	}
	return &Composer{
		federationTag:   tag,
		retainMediaURLs: opts.RetainMediaURLs,
		segmenter:       NewSegmenter(opts.URLLength),
	}
}

// Segmenter exposes the weighting used by this composer.
func (c *Composer) Segmenter() Segmenter {
	return c.segmenter
}

// Compose dispatches to ComposeThread or ComposeSingle.
func (c *Composer) Compose(post domain.SourcePost, triggerTag string, budget int, thread bool) ([]string, error) {
	if thread {
		return c.ComposeThread(post, triggerTag, budget)
	}
	msg, err := c.ComposeSingle(post, triggerTag, budget)
	if err != nil {
		return nil, err
	}
	return []string{msg}, nil
}

// ComposeSingle renders the post as one message of at most budget weighted
// characters, trimming trailing words when needed.
func (c *Composer) ComposeSingle(post domain.SourcePost, triggerTag string, budget int) (string, error) {
	text := post.AuthorHandle + "\n" + c.body(post, triggerTag)

	tokens, total := c.segmenter.Segment(text)
	if total <= budget {
		return text, nil
	}

	trimmed, ok := c.trim(tokens, total-budget)
	if !ok {
		return "", fmt.Errorf("post %s: %w", post.ID, domain.ErrContentTooLong)
	}
	return trimmed, nil
}

// ComposeThread splits the post into ordered parts, each within budget. The
// first part carries the federation tag marker; every part starts with the
// author header. No content is dropped.
func (c *Composer) ComposeThread(post domain.SourcePost, triggerTag string, budget int) ([]string, error) {
	tokens, _ := c.segmenter.Segment(c.body(post, triggerTag))

	header := post.AuthorHandle + " "
	marker := "#" + c.federationTag + "\n"
	headerLen := c.segmenter.Length(header)
	markerLen := c.segmenter.Length(marker)
	const newlineLen = 1

	limit := budget - headerLen - markerLen
	if limit < 0 {
		return nil, fmt.Errorf("post %s: header exceeds budget %d: %w", post.ID, budget, domain.ErrContentTooLong)
	}
	for _, tok := range tokens {
		if w := c.segmenter.Weight(tok); w > limit {
			return nil, fmt.Errorf("post %s: %s token of weight %d exceeds %d: %w",
				post.ID, tok.Kind, w, limit, domain.ErrContentTooLong)
		}
	}

	var (
		parts      []string
		content    strings.Builder
		running    int
		markerSent bool
	)

	tail := func() (string, int) {
		if markerSent {
			return "\n", newlineLen
		}
		return marker, markerLen
	}
	closePart := func() {
		t, _ := tail()
		parts = append(parts, header+t+content.String())
		content.Reset()
		running = 0
		markerSent = true
	}

	for i := 0; i < len(tokens); {
		w := c.segmenter.Weight(tokens[i])
		_, tailLen := tail()
		if running > 0 && running+w+headerLen+tailLen > budget {
			closePart()
			continue
		}
		content.WriteString(tokens[i].Text)
		running += w
		i++
	}
	if running > 0 || len(parts) == 0 {
		closePart()
	}

	return parts, nil
}

// body applies rendering, content warning, media URL removal and the
// trigger tag rewrite.
func (c *Composer) body(post domain.SourcePost, triggerTag string) string {
	var text string
	if post.ContentWarning != "" {
		text = post.ContentWarning + " #" + c.federationTag
	} else {
		text = RenderHTML(post.Body)
	}

	if !c.retainMediaURLs {
		for _, m := range post.Media {
			if m.TextURL != "" {
				text = strings.ReplaceAll(text, m.TextURL, "")
			}
		}
	}

	triggerTag = strings.TrimPrefix(triggerTag, "#")
	if triggerTag != "" {
		text = strings.ReplaceAll(text, "#"+triggerTag, "#"+c.federationTag)
	}

	return collapseSpaces(text)
}

// trim removes deficit weight from trailing Word tokens. URL and Hashtag
// tokens are kept whole. It reports false when the deficit cannot be covered.
func (c *Composer) trim(tokens []Token, deficit int) (string, bool) {
	out := make([]string, len(tokens))
	for i, tok := range tokens {
		out[i] = tok.Text
	}

	for i := len(tokens) - 1; i >= 0 && deficit > 0; i-- {
		if tokens[i].Kind != Word {
			continue
		}
		text := tokens[i].Text
		w := TextWeight(text)
		keep := w - deficit

		if keep < 1 {
			out[i] = delimiterFor(text)
			deficit -= w - 1
			continue
		}

		prefix, cut := prefixWithin(text, keep)
		deficit = 0
		switch {
		case prefix == "":
			out[i] = delimiterFor(text)
		case endsWithSpace(prefix):
			out[i] = prefix
		default:
			rs := []rune(prefix)
			out[i] = string(rs[:len(rs)-1]) + delimiterFor(string(rs[len(rs)-1:])+text[cut:])
		}
	}

	if deficit > 0 {
		return "", false
	}
	return strings.Join(out, ""), true
}

// prefixWithin returns the longest prefix of text whose weight is at most
// limit, and its byte length.
func prefixWithin(text string, limit int) (string, int) {
	n := 0
	for i, r := range text {
		rw := RuneWeight(r)
		if n+rw > limit {
			return text[:i], i
		}
		n += rw
	}
	return text, len(text)
}

func delimiterFor(removed string) string {
	if strings.Contains(removed, "\n") {
		return "\n"
	}
	return " "
}

func endsWithSpace(s string) bool {
	if s == "" {
		return false
	}
	switch s[len(s)-1] {
	case ' ', '\n', '\t', '\r':
		return true
	}
	return false
}
