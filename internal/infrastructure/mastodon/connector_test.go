package mastodon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	gomastodon "github.com/mattn/go-mastodon"

	"TagRelay/internal/domain"
	"TagRelay/internal/logging"
)

func statusJSON(id, visibility, inReplyTo string, mentions bool) string {
	mention := "[]"
	if mentions {
		mention = `[{"id":"9","username":"bob","acct":"bob@elsewhere","url":"https://elsewhere/@bob"}]`
	}
	reply := "null"
	if inReplyTo != "" {
		reply = fmt.Sprintf("%q", inReplyTo)
	}
	return fmt.Sprintf(`{
		"id": %q,
		"url": "https://mastodon.example/@alice/%s",
		"created_at": "2024-05-01T10:00:0%sZ",
		"content": "<p>post %s #relay</p>",
		"spoiler_text": "",
		"visibility": %q,
		"in_reply_to_id": %s,
		"mentions": %s,
		"media_attachments": [{"id":"m%s","type":"image","url":"https://files.example/%s.png","text_url":"https://mastodon.example/media/%s","description":"alt"}],
		"account": {"id":"1","username":"alice","acct":"alice","url":"https://mastodon.example/@alice"}
	}`, id, id, id[len(id)-1:], id, visibility, reply, mention, id, id, id)
}

func newTimelineServer(t *testing.T) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/v1/timelines/tag/relay":
			if r.URL.Query().Get("local") == "" {
				t.Errorf("expected local timeline query, got %s", r.URL.RawQuery)
			}
			fmt.Fprintf(w, "[%s,%s,%s,%s]",
				statusJSON("10", "public", "", false),
				statusJSON("7", "unlisted", "", false),
				statusJSON("4", "public", "2", false),
				statusJSON("3", "public", "", true),
			)
		case "/api/v1/timelines/tag/don_tw":
			fmt.Fprintf(w, "[%s,%s]",
				statusJSON("10", "public", "", false),
				statusJSON("5", "public", "", false),
			)
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestFetchByTagFiltersAndOrders(t *testing.T) {
	t.Parallel()

	srv := newTimelineServer(t)
	defer srv.Close()

	conn := New("home", Config{Server: srv.URL, FederationTag: "don_tw"}, nil, logging.Discard())

	var ids []string
	for post, err := range conn.FetchByTag(context.Background(), "relay", domain.FetchQuery{}) {
		if err != nil {
			t.Fatalf("FetchByTag yielded error: %v", err)
		}
		ids = append(ids, post.ID)
	}

	if len(ids) != 2 || ids[0] != "5" || ids[1] != "10" {
		t.Fatalf("unexpected ids %v", ids)
	}
}

func TestFetchByTagMapsPost(t *testing.T) {
	t.Parallel()

	srv := newTimelineServer(t)
	defer srv.Close()

	conn := New("home", Config{Server: srv.URL, FederationTag: "don_tw"}, nil, logging.Discard())
	for post, err := range conn.FetchByTag(context.Background(), "#relay", domain.FetchQuery{Limit: 20}) {
		if err != nil {
			t.Fatalf("FetchByTag yielded error: %v", err)
		}
		if post.AuthorHandle != "@alice@mastodon.example" {
			t.Fatalf("unexpected handle %q", post.AuthorHandle)
		}
		if post.Body != "<p>post 5 #relay</p>" || !post.Public {
			t.Fatalf("unexpected post %+v", post)
		}
		if len(post.Media) != 1 || post.Media[0].TextURL != "https://mastodon.example/media/5" {
			t.Fatalf("unexpected media %+v", post.Media)
		}
		break
	}
}

func TestFetchByTagDateWindow(t *testing.T) {
	t.Parallel()

	srv := newTimelineServer(t)
	defer srv.Close()

	conn := New("home", Config{Server: srv.URL, FederationTag: "don_tw"}, nil, logging.Discard())
	var ids []string
	query := domain.FetchQuery{Since: "2024-05-01T10:00:01Z", Until: "2024-05-01T10:00:05Z"}
	for post, err := range conn.FetchByTag(context.Background(), "relay", query) {
		if err != nil {
			t.Fatalf("FetchByTag yielded error: %v", err)
		}
		ids = append(ids, post.ID)
	}
	if len(ids) != 1 || ids[0] != "5" {
		t.Fatalf("unexpected ids %v", ids)
	}
}

func TestFetchByTagRejectsBadMarker(t *testing.T) {
	t.Parallel()

	conn := New("home", Config{Server: "http://127.0.0.1:1"}, nil, logging.Discard())
	for _, err := range conn.FetchByTag(context.Background(), "relay", domain.FetchQuery{Since: "id:abc"}) {
		if err == nil {
			t.Fatalf("expected marker error")
		}
		return
	}
	t.Fatalf("expected one yielded error")
}

func TestPostClassifiesErrors(t *testing.T) {
	t.Parallel()

	var status atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/statuses" {
			http.NotFound(w, r)
			return
		}
		if code := int(status.Load()); code != http.StatusOK {
			w.WriteHeader(code)
			_, _ = w.Write([]byte(`{"error":"nope"}`))
			return
		}
		if got := r.FormValue("in_reply_to_id"); got != "41" {
			t.Errorf("expected reply id 41, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"42","url":"https://mastodon.example/@relay/42","account":{},"mentions":[],"media_attachments":[]}`))
	}))
	defer srv.Close()

	conn := New("out", Config{Server: srv.URL, AccessToken: "token"}, nil, logging.Discard())

	status.Store(http.StatusOK)
	posted, err := conn.Post(context.Background(), "hello", nil, "41")
	if err != nil {
		t.Fatalf("Post returned error: %v", err)
	}
	if posted.ID != "42" || posted.URL != "https://mastodon.example/@relay/42" {
		t.Fatalf("unexpected posted status %+v", posted)
	}

	status.Store(http.StatusTooManyRequests)
	_, err = conn.Post(context.Background(), "hello", nil, "")
	if !domain.IsRateLimited(err) {
		t.Fatalf("expected rate limit, got %v", err)
	}

	status.Store(http.StatusUnprocessableEntity)
	_, err = conn.Post(context.Background(), "hello", nil, "")
	var delivery *domain.DeliveryError
	if !errors.As(err, &delivery) {
		t.Fatalf("expected delivery error, got %v", err)
	}
}

func TestAuthorHandle(t *testing.T) {
	t.Parallel()

	cases := []struct {
		account gomastodon.Account
		want    string
	}{
		{gomastodon.Account{URL: "https://mastodon.example/@alice"}, "@alice@mastodon.example"},
		{gomastodon.Account{URL: "https://pleroma.example/users/bob"}, "@bob@pleroma.example"},
		{gomastodon.Account{Acct: "carol@remote.example"}, "@carol@remote.example"},
		{gomastodon.Account{Username: "dave"}, "@dave"},
	}
	for _, tc := range cases {
		if got := AuthorHandle(tc.account); got != tc.want {
			t.Fatalf("AuthorHandle(%+v) = %q, want %q", tc.account, got, tc.want)
		}
	}
}
