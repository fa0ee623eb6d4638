package domain

import (
	"io"
	"time"
)

// SourcePost is one discoverable post on the source platform.
type SourcePost struct {
	ID             string
	URL            string
	CreatedAt      time.Time
	Body           string // raw marked-up content
	AuthorHandle   string
	Public         bool
	Mentions       []string
	ContentWarning string
	Media          []MediaRef
}

// MediaRef points at an attachment of a source post.
type MediaRef struct {
	Type        string `json:"type"`
	URL         string `json:"url"`
	TextURL     string `json:"text_url,omitempty"`
	Description string `json:"description,omitempty"`
}

// MediaStream is a downloaded attachment ready for upload.
type MediaStream struct {
	Kind        string
	ContentType string
	Description string
	Body        io.ReadCloser
}

// PostedStatus identifies a post created on the destination platform.
type PostedStatus struct {
	ID  string
	URL string
}

// FetchQuery narrows discovery on the source platform.
type FetchQuery struct {
	Since string
	Until string
	Limit int
}
