// Package risk submits intrusion context to an opaque assessment service.
// Assessments annotate the security notice; their failure never blocks the
// intrusion response.
package risk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Assessor produces a short natural-language assessment of an attempt.
type Assessor interface {
	Assess(ctx context.Context, input Input) (string, error)
}

// Input is the attempt context handed to the service.
type Input struct {
	SessionName string
	Reason      string
	DeviceInfo  json.RawMessage
	UserID      string
}

// Client calls a chat-completions style endpoint.
type Client struct {
	url     string
	apiKey  string
	model   string
	timeout time.Duration
	http    *http.Client
	log     *zap.Logger
}

// NewClient constructs an assessment client. An empty URL yields a disabled
// client whose Assess always errors; callers treat that as "no assessment".
func NewClient(url, apiKey, model string, timeout time.Duration, log *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{url: url, apiKey: apiKey, model: model, timeout: timeout, http: &http.Client{}, log: log}
}

// SetHTTPClient overrides the HTTP client (tests).
func (c *Client) SetHTTPClient(h *http.Client) { c.http = h }

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

const systemPrompt = "You are a security analyst reviewing unauthorized session access attempts. Provide a brief, professional security assessment."

// Assess returns a one-sentence assessment of the attempt.
func (c *Client) Assess(ctx context.Context, in Input) (string, error) {
	if c.url == "" {
		return "", fmt.Errorf("risk assessment disabled")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	user := in.UserID
	if user == "" {
		user = "unknown"
	}
	prompt := fmt.Sprintf(
		"Analyze this intrusion attempt:\nSession: %s\nReason: %s\nDevice Info: %s\nUser ID: %s\n\nProvide a 1-sentence security assessment of this attempt.",
		in.SessionName, in.Reason, string(in.DeviceInfo), user)

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("assessment status %d: %s", resp.StatusCode, snippet)
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", fmt.Errorf("decode assessment: %w", err)
	}
	if len(cr.Choices) == 0 || cr.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("empty assessment")
	}
	return cr.Choices[0].Message.Content, nil
}
