// Package telegram is the chat transport: a thin client over the Telegram
// Bot API exposing exactly the two operations the controller needs, a
// long-poll receive and a chunked send.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/mymmrac/telego"
	"golang.org/x/time/rate"
)

// Update is one inbound update. Text is empty for updates that carry no text
// message, and ChatID is empty for updates that carry no message at all; the
// caller still needs ID to advance its cursor.
type Update struct {
	ID     int
	ChatID string
	Text   string
}

// Client wraps the bot API. Outbound messages are paced by a token bucket
// so chunked long outputs do not burst the API.
type Client struct {
	bot      *telego.Bot
	limiter  *rate.Limiter
	maxChars int
}

// NewClient connects the bot API client. maxChars caps each outbound chunk.
func NewClient(token string, maxChars int) (*Client, error) {
	bot, err := telego.NewBot(token, telego.WithDefaultLogger(false, true))
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot client: %w", err)
	}
	return &Client{
		bot:      bot,
		limiter:  rate.NewLimiter(rate.Limit(20), 5),
		maxChars: maxChars,
	}, nil
}

// Receive long-polls for message updates at the given cursor. The timeout
// is the server-side wait.
func (c *Client) Receive(ctx context.Context, timeout time.Duration, offset int) ([]Update, error) {
	raw, err := c.bot.GetUpdates(ctx, &telego.GetUpdatesParams{
		Offset:         offset,
		Timeout:        int(timeout / time.Second),
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		return nil, fmt.Errorf("getUpdates failed: %w", err)
	}

	out := make([]Update, 0, len(raw))
	for _, upd := range raw {
		u := Update{ID: upd.UpdateID}
		if upd.Message != nil {
			u.ChatID = strconv.FormatInt(upd.Message.Chat.ID, 10)
			u.Text = upd.Message.Text
		}
		out = append(out, u)
	}
	return out, nil
}

// Send delivers text to the chat, chunked on newline boundaries, with link
// previews disabled.
func (c *Client) Send(ctx context.Context, chatID, text string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q: %w", chatID, err)
	}

	for _, chunk := range ChunkText(text, c.maxChars) {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		_, err := c.bot.SendMessage(ctx, &telego.SendMessageParams{
			ChatID:             telego.ChatID{ID: id},
			Text:               chunk,
			LinkPreviewOptions: &telego.LinkPreviewOptions{IsDisabled: true},
		})
		if err != nil {
			return fmt.Errorf("sendMessage to %s failed: %w", chatID, err)
		}
	}
	return nil
}

// ChunkText splits text into pieces of at most maxChars, preferring to cut
// at the last newline inside the window.
func ChunkText(text string, maxChars int) []string {
	if len(text) <= maxChars {
		return []string{text}
	}

	var parts []string
	rest := text
	for len(rest) > maxChars {
		idx := -1
		for i := maxChars - 1; i >= 0; i-- {
			if rest[i] == '\n' {
				idx = i
				break
			}
		}
		if idx < 0 {
			idx = maxChars
		}
		parts = append(parts, trimRightSpace(rest[:idx]))
		rest = trimLeftSpace(rest[idx:])
	}
	if rest != "" {
		parts = append(parts, rest)
	}
	return parts
}

func trimRightSpace(s string) string {
	for len(s) > 0 && isSpace(s[len(s)-1]) {
		s = s[:len(s)-1]
	}
	return s
}

func trimLeftSpace(s string) string {
	for len(s) > 0 && isSpace(s[0]) {
		s = s[1:]
	}
	return s
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\n' || b == '\t' || b == '\r'
}
