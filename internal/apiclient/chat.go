package apiclient

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/foundersbase/chatdock/internal/chat"
)

func peerPath(format string, peer chat.Username) string {
	return strings.Replace(format, "{username}", url.PathEscape(string(peer)), 1)
}

func (c *Client) ListConversations(ctx context.Context) ([]chat.Conversation, error) {
	var out []chat.Conversation
	if err := c.call(ctx, c.BaseURL, http.MethodGet, "/api/chat/conversations", nil, &out, nil); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) EnsureConversation(ctx context.Context, peer chat.Username) (chat.Conversation, error) {
	var out chat.Conversation
	path := peerPath("/api/chat/conversations/{username}/ensure", peer)
	if err := c.call(ctx, c.BaseURL, http.MethodPost, path, nil, &out, nil); err != nil {
		return chat.Conversation{}, err
	}
	if out.OtherUsername == "" {
		out.OtherUsername = peer
	}
	return out, nil
}

func (c *Client) MarkRead(ctx context.Context, peer chat.Username) error {
	path := peerPath("/api/chat/conversations/{username}/mark-read", peer)
	return c.call(ctx, c.BaseURL, http.MethodPost, path, nil, nil, nil)
}

// Messages returns the full history with peer, ascending by time as the
// server sends it.
func (c *Client) Messages(ctx context.Context, peer chat.Username) ([]chat.Message, error) {
	var out []chat.Message
	path := peerPath("/api/chat/messages/{username}", peer)
	if err := c.call(ctx, c.BaseURL, http.MethodGet, path, nil, &out, nil); err != nil {
		return nil, err
	}
	return out, nil
}

// DirectMessages bypasses the BFF and reads history straight from the
// backend with the live-channel ticket as bearer credential.
func (c *Client) DirectMessages(ctx context.Context, ticket string, peer chat.Username) ([]chat.Message, error) {
	var out []chat.Message
	path := peerPath("/api/chat/messages/{username}", peer)
	if err := c.call(ctx, c.BackendURL, http.MethodGet, path, nil, &out, bearer(ticket)); err != nil {
		return nil, err
	}
	return out, nil
}

type SendRequest struct {
	To      chat.Username `json:"to"`
	Content string        `json:"content"`
}

func (c *Client) Send(ctx context.Context, peer chat.Username, content string) (chat.Message, error) {
	var out chat.Message
	if err := c.call(ctx, c.BaseURL, http.MethodPost, "/api/chat/send", SendRequest{To: peer, Content: content}, &out, nil); err != nil {
		return chat.Message{}, err
	}
	return out, nil
}

func (c *Client) SearchUsers(ctx context.Context, q string) ([]chat.UserSummary, error) {
	var out []chat.UserSummary
	path := "/api/chat/users/search?q=" + url.QueryEscape(q)
	if err := c.call(ctx, c.BaseURL, http.MethodGet, path, nil, &out, nil); err != nil {
		return nil, err
	}
	return out, nil
}

type ticketResp struct {
	Token string `json:"token"`
}

// Ticket mints a short-lived live-channel credential.
func (c *Client) Ticket(ctx context.Context) (string, error) {
	var out ticketResp
	if err := c.call(ctx, c.BaseURL, http.MethodGet, "/api/chat/ws-ticket", nil, &out, nil); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.Token) == "" {
		return "", ErrNoTicket
	}
	return out.Token, nil
}

// Me returns the signed-in account.
func (c *Client) Me(ctx context.Context) (chat.UserSummary, error) {
	var out chat.UserSummary
	if err := c.call(ctx, c.BaseURL, http.MethodGet, "/api/account/me", nil, &out, nil); err != nil {
		return chat.UserSummary{}, err
	}
	return out, nil
}
