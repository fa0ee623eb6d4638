package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"TagRelay/internal/domain"
	"TagRelay/internal/ports"
)

const defaultAPIBase = "https://api.telegram.org"

// Config identifies the bot and the target chat.
type Config struct {
	Server   string
	BotToken string
	ChatID   string
	Timeout  time.Duration
}

// Connector relays messages to a Telegram chat via bot API.
type Connector struct {
	name     string
	apiBase  string
	botToken string
	chatID   string
	client   *http.Client
	logger   *slog.Logger

	chatUsername string
}

var _ ports.DestinationConnector = (*Connector)(nil)

type apiResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	ErrorCode   int             `json:"error_code"`
	Result      json.RawMessage `json:"result"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

type chat struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type message struct {
	MessageID int64 `json:"message_id"`
	Chat      chat  `json:"chat"`
}

// New registers bot token and chat identifier.
func New(name string, cfg Config, logger *slog.Logger) *Connector {
	base := strings.TrimRight(cfg.Server, "/")
	if base == "" {
		base = defaultAPIBase
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Connector{
		name:     name,
		apiBase:  base,
		botToken: cfg.BotToken,
		chatID:   cfg.ChatID,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

// Name identifies the endpoint.
func (c *Connector) Name() string {
	return c.name
}

// Connect resolves the chat so posted messages get public links when the chat has a username.
func (c *Connector) Connect(ctx context.Context) error {
	if c.botToken == "" || c.chatID == "" {
		return fmt.Errorf("telegram %s: bot token and chat id are required", c.name)
	}

	var ch chat
	if err := c.call(ctx, "getChat", url.Values{"chat_id": {c.chatID}}, &ch); err != nil {
		return fmt.Errorf("telegram %s: get chat: %w", c.name, err)
	}
	c.chatUsername = ch.Username
	return nil
}

// Post sends a plain text message, replying to replyToID when set.
func (c *Connector) Post(ctx context.Context, text string, mediaIDs []string, replyToID string) (domain.PostedStatus, error) {
	form := url.Values{}
	form.Set("chat_id", c.chatID)
	form.Set("text", text)
	if replyToID != "" {
		form.Set("reply_to_message_id", replyToID)
	}

	var msg message
	if err := c.call(ctx, "sendMessage", form, &msg); err != nil {
		return domain.PostedStatus{}, err
	}

	id := strconv.FormatInt(msg.MessageID, 10)
	posted := domain.PostedStatus{ID: id}
	username := msg.Chat.Username
	if username == "" {
		username = c.chatUsername
	}
	if username != "" {
		posted.URL = fmt.Sprintf("https://t.me/%s/%s", username, id)
	}
	return posted, nil
}

// UploadMedia is a no-op: the Bot API has no detached uploads, so media links stay in the text.
func (c *Connector) UploadMedia(ctx context.Context, streams []domain.MediaStream) ([]string, error) {
	if len(streams) > 0 {
		c.logger.Info("telegram does not attach uploaded media", "endpoint", c.name, "count", len(streams))
	}
	return nil, nil
}

func (c *Connector) call(ctx context.Context, method string, form url.Values, out any) error {
	endpoint := fmt.Sprintf("%s/bot%s/%s", c.apiBase, c.botToken, method)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return &domain.DeliveryError{Err: fmt.Errorf("new request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return &domain.DeliveryError{Err: fmt.Errorf("do request: %w", err)}
	}
	defer resp.Body.Close()

	var body apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return &domain.DeliveryError{Err: fmt.Errorf("telegram %s: decode response (%s): %w", method, resp.Status, err)}
	}

	if resp.StatusCode == http.StatusTooManyRequests || body.ErrorCode == http.StatusTooManyRequests {
		return &domain.RateLimitError{
			RetryAfter: time.Duration(body.Parameters.RetryAfter) * time.Second,
			Err:        fmt.Errorf("telegram %s: %s", method, body.Description),
		}
	}
	if resp.StatusCode != http.StatusOK || !body.OK {
		return &domain.DeliveryError{Err: fmt.Errorf("telegram %s: %s: %s", method, resp.Status, body.Description)}
	}

	if out != nil {
		if err := json.Unmarshal(body.Result, out); err != nil {
			return &domain.DeliveryError{Err: fmt.Errorf("telegram %s: decode result: %w", method, err)}
		}
	}
	return nil
}
