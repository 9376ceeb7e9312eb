package generator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOllama_GenerateSendsContextAndSystem(t *testing.T) {
	var got generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"response":"hi there","done":true,"context":[7,8,9]}`))
	}))
	defer srv.Close()

	c := NewOllama(srv.URL+"/", time.Second)
	resp, err := c.Generate(context.Background(), Request{
		Model:   "phi",
		Prompt:  "hello",
		System:  "be brief",
		Context: json.RawMessage(`[1,2]`),
	})
	require.NoError(t, err)

	assert.Equal(t, "phi", got.Model)
	assert.Equal(t, "be brief", got.System)
	assert.JSONEq(t, `[1,2]`, string(got.Context))
	assert.False(t, got.Stream)

	assert.True(t, resp.Done)
	assert.Equal(t, "hi there", resp.Response)
	assert.JSONEq(t, `[7,8,9]`, string(resp.Context))
}

func TestOllama_FreshConversationOmitsContext(t *testing.T) {
	var raw map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		w.Write([]byte(`{"response":"ok","done":true}`))
	}))
	defer srv.Close()

	_, err := NewOllama(srv.URL, time.Second).Generate(context.Background(), Request{Model: "m", Prompt: "p"})
	require.NoError(t, err)
	_, present := raw["context"]
	assert.False(t, present)
}

func TestOllama_Failures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		is      error
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "model not found", http.StatusNotFound)
			},
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"response":`))
			},
			is: ErrMalformed,
		},
		{
			name: "error field",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"error":"out of memory"}`))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			_, err := NewOllama(srv.URL, time.Second).Generate(context.Background(), Request{Model: "m", Prompt: "p"})
			require.Error(t, err)
			if tt.is != nil {
				assert.ErrorIs(t, err, tt.is)
			}
		})
	}
}

func TestOllama_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	_, err := NewOllama(srv.URL, 50*time.Millisecond).Generate(context.Background(), Request{Model: "m", Prompt: "p"})
	require.Error(t, err)
}

func TestOllama_EmptyPrompt(t *testing.T) {
	_, err := NewOllama("", 0).Generate(context.Background(), Request{Prompt: "  "})
	assert.ErrorIs(t, err, ErrEmptyPrompt)
}
