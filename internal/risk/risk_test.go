package risk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClient_Assess(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(chatResponse{Choices: []struct {
			Message chatMessage `json:"message"`
		}{{Message: chatMessage{Role: "assistant", Content: "Likely credential stuffing."}}}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "sk-test", "risk-1", time.Second, nil)
	out, err := c.Assess(context.Background(), Input{
		SessionName: "ops sync",
		Reason:      "unauthorized access attempt",
		DeviceInfo:  json.RawMessage(`{"ua":"curl"}`),
	})
	require.NoError(t, err)
	require.Equal(t, "Likely credential stuffing.", out)

	require.Equal(t, "risk-1", got.Model)
	require.Len(t, got.Messages, 2)
	require.Equal(t, "system", got.Messages[0].Role)
	require.Contains(t, got.Messages[1].Content, "ops sync")
	require.Contains(t, got.Messages[1].Content, "unknown") // no user id supplied
}

func TestClient_Assess_DisabledWithoutURL(t *testing.T) {
	c := NewClient("", "", "", time.Second, nil)
	_, err := c.Assess(context.Background(), Input{Reason: "x"})
	require.Error(t, err)
}

func TestClient_Assess_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "", time.Second, nil)
	_, err := c.Assess(context.Background(), Input{Reason: "x"})
	require.Error(t, err)
}

func TestClient_Assess_EmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "", time.Second, nil)
	_, err := c.Assess(context.Background(), Input{Reason: "x"})
	require.Error(t, err)
}
