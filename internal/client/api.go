package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/gorilla/websocket"

	"github.com/seclith/qsession/internal/errs"
	"github.com/seclith/qsession/internal/feed"
	"github.com/seclith/qsession/internal/model"
)

// API is the HTTP client for the session server.
type API struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewAPI constructs a client for the server at baseURL.
func NewAPI(baseURL string) *API {
	return &API{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// SetToken installs the bearer used on subsequent calls.
func (a *API) SetToken(token string) { a.token = token }

// Token exchanges a user id (empty for a fresh one) for a bearer token and
// installs it on the client.
func (a *API) Token(ctx context.Context, userID string) (string, uuid.UUID, error) {
	var out struct {
		Token  string `json:"token"`
		UserID string `json:"user_id"`
	}
	err := a.do(ctx, http.MethodPost, "/v1/token",
		map[string]string{"user_id": userID}, &out)
	if err != nil {
		return "", uuid.Nil, err
	}
	id, err := uuid.FromString(out.UserID)
	if err != nil {
		return "", uuid.Nil, fmt.Errorf("bad user id in token response: %w", err)
	}
	a.token = out.Token
	return out.Token, id, nil
}

// Keygen fetches a fresh session key.
func (a *API) Keygen(ctx context.Context) (string, error) {
	var out struct {
		Key string `json:"key"`
	}
	if err := a.do(ctx, http.MethodGet, "/v1/keygen", nil, &out); err != nil {
		return "", err
	}
	return out.Key, nil
}

// SessionView is the server's session representation.
type SessionView struct {
	Session      feed.SessionRow       `json:"session"`
	Participants []feed.ParticipantRow `json:"participants"`
}

// CreateSessionParams describes a new session.
type CreateSessionParams struct {
	Name          string `json:"name"`
	DurationMin   int    `json:"duration_min"`
	SecurityLevel string `json:"security_level"`
	Authenticity  string `json:"authenticity"`
}

// CreateSession provisions a session owned by the caller.
func (a *API) CreateSession(ctx context.Context, p CreateSessionParams) (*SessionView, error) {
	var out SessionView
	if err := a.do(ctx, http.MethodPost, "/v1/sessions", p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// JoinSession joins by key.
func (a *API) JoinSession(ctx context.Context, key string, deviceInfo json.RawMessage) (*SessionView, error) {
	var out SessionView
	body := map[string]any{"key": key}
	if len(deviceInfo) > 0 {
		body["device_info"] = deviceInfo
	}
	if err := a.do(ctx, http.MethodPost, "/v1/sessions/join", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetSession loads a session and its participants.
func (a *API) GetSession(ctx context.Context, sessionID uuid.UUID) (*SessionView, error) {
	var out SessionView
	if err := a.do(ctx, http.MethodGet, "/v1/sessions/"+sessionID.String(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Messages backfills the session's visible messages.
func (a *API) Messages(ctx context.Context, sessionID uuid.UUID) ([]model.Message, error) {
	var out struct {
		Messages []feed.MessageRow `json:"messages"`
	}
	err := a.do(ctx, http.MethodGet, "/v1/sessions/"+sessionID.String()+"/messages", nil, &out)
	if err != nil {
		return nil, err
	}
	msgs := make([]model.Message, 0, len(out.Messages))
	for _, row := range out.Messages {
		m, err := row.ToModel()
		if err != nil {
			return nil, fmt.Errorf("decode message %s: %w", row.ID, err)
		}
		msgs = append(msgs, *m)
	}
	return msgs, nil
}

// SendMessage posts a message and returns the server's copy.
func (a *API) SendMessage(ctx context.Context, sessionID uuid.UUID, content string, mode model.ChatMode) (*model.Message, error) {
	var row feed.MessageRow
	err := a.do(ctx, http.MethodPost, "/v1/sessions/"+sessionID.String()+"/messages",
		map[string]string{"content": content, "chat_mode": string(mode)}, &row)
	if err != nil {
		return nil, err
	}
	return row.ToModel()
}

// MarkRead records the caller as a reader of the message.
func (a *API) MarkRead(ctx context.Context, messageID uuid.UUID) error {
	return a.do(ctx, http.MethodPost, "/v1/messages/"+messageID.String()+"/read", nil, nil)
}

// MarkDelivered records transport delivery to the caller.
func (a *API) MarkDelivered(ctx context.Context, messageID uuid.UUID) error {
	return a.do(ctx, http.MethodPost, "/v1/messages/"+messageID.String()+"/delivered", nil, nil)
}

// DeleteMessage removes a message for everyone.
func (a *API) DeleteMessage(ctx context.Context, messageID uuid.UUID) error {
	return a.do(ctx, http.MethodDelete, "/v1/messages/"+messageID.String(), nil, nil)
}

// SetTyping publishes the caller's typing state.
func (a *API) SetTyping(ctx context.Context, sessionID uuid.UUID, isTyping bool) error {
	return a.do(ctx, http.MethodPost, "/v1/sessions/"+sessionID.String()+"/typing",
		map[string]bool{"is_typing": isTyping}, nil)
}

// RotateKey forces an out-of-cycle rotation and returns the new key.
func (a *API) RotateKey(ctx context.Context, sessionID uuid.UUID) (string, error) {
	var out struct {
		NewKey string `json:"new_key"`
	}
	err := a.do(ctx, http.MethodPost, "/v1/session-control",
		map[string]string{"action": "rotate-key", "session_id": sessionID.String()}, &out)
	if err != nil {
		return "", err
	}
	return out.NewKey, nil
}

// DestroySession tears the session down; creator only.
func (a *API) DestroySession(ctx context.Context, sessionID uuid.UUID) error {
	return a.do(ctx, http.MethodPost, "/v1/session-control",
		map[string]string{"action": "destroy-session", "session_id": sessionID.String()}, nil)
}

// ReportIntrusion reports a suspicious access attempt.
func (a *API) ReportIntrusion(ctx context.Context, sessionID uuid.UUID, reason string, deviceInfo json.RawMessage) error {
	body := map[string]any{"reason": reason}
	if sessionID != uuid.Nil {
		body["session_id"] = sessionID.String()
	}
	if len(deviceInfo) > 0 {
		body["device_info"] = deviceInfo
	}
	return a.do(ctx, http.MethodPost, "/v1/intrusion-report", body, nil)
}

// DialFeed opens the session's websocket change feed. The returned Conn
// plugs into a ConnectionManager.
func (a *API) DialFeed(ctx context.Context, sessionID uuid.UUID) (Conn, error) {
	u, err := url.Parse(a.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/v1/sessions/" + sessionID.String() + "/feed"
	u.RawQuery = url.Values{"token": {a.token}}.Encode()

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial feed: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial feed: %w", err)
	}
	return &wsConn{ws: ws}, nil
}

// wsConn adapts a websocket to the Conn interface.
type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) ReadEvent() (feed.Event, error) {
	var ev feed.Event
	if err := c.ws.ReadJSON(&ev); err != nil {
		return feed.Event{}, err
	}
	return ev, nil
}

func (c *wsConn) Close() error { return c.ws.Close() }

// do runs one JSON request. A nil out discards the response body.
func (a *API) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return statusError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// statusError maps HTTP statuses back onto the shared sentinels so caller
// logic can branch on them.
func statusError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := strings.TrimSpace(string(data))

	var base error
	switch resp.StatusCode {
	case http.StatusNotFound:
		base = errs.ErrNotFound
	case http.StatusForbidden, http.StatusUnauthorized:
		base = errs.ErrUnauthorized
	case http.StatusTooManyRequests:
		base = errs.ErrRateLimited
	case http.StatusConflict:
		base = errs.ErrSessionInactive
	default:
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, msg)
	}
	return fmt.Errorf("%w: %s", base, msg)
}
