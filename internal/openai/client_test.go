package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func TestEndpointURL(t *testing.T) {
	cases := []struct {
		base string
		want string
	}{
		{"https://api.openai.com/v1", "https://api.openai.com/v1/chat/completions"},
		{"https://api.openai.com/v1/", "https://api.openai.com/v1/chat/completions"},
		{"http://localhost:8080", "http://localhost:8080/v1/chat/completions"},
		{"", "https://api.openai.com/v1/chat/completions"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, endpointURL(tc.base, "/chat/completions"), "base=%q", tc.base)
	}
}

func TestNewClient_EmptyKey(t *testing.T) {
	_, err := NewClient("  ")
	require.Error(t, err)
}

func TestNewClient_InstrumentedTransport(t *testing.T) {
	c, err := NewClient("sk-test")
	require.NoError(t, err)
	_, ok := c.resolvedHTTPClient().Transport.(*otelhttp.Transport)
	require.True(t, ok)
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient("sk-test", WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	return c
}

func TestCompleteJSON(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "json_object", req.ResponseFormat.Type)
		require.Len(t, req.Messages, 2)

		_, _ = io.WriteString(w, `{"choices":[{"message":{"content":"{\"intent\":\"handoff\"}"}}]}`)
	})

	var out struct {
		Intent string `json:"intent"`
	}
	require.NoError(t, c.CompleteJSON(context.Background(), "sys", "user", &out))
	require.Equal(t, "handoff", out.Intent)
}

func TestCompleteJSON_NonJSONContent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"choices":[{"message":{"content":"not json"}}]}`)
	})

	var out map[string]any
	err := c.CompleteJSON(context.Background(), "sys", "user", &out)
	require.Error(t, err)
}

func TestChat_HTTPStatusError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, "slow down")
	})

	_, err := c.Describe(context.Background(), []byte{0xff, 0xd8}, "image/jpeg")
	var statusErr *HTTPStatusError
	require.True(t, errors.As(err, &statusErr))
	require.Equal(t, http.StatusTooManyRequests, statusErr.HTTPStatusCode())
	require.Contains(t, statusErr.Body, "slow down")
}

func TestDescribe_SendsDataURL(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.Contains(t, string(body), "data:image/png;base64,")
		_, _ = io.WriteString(w, `{"choices":[{"message":{"content":"  Uma foto de um frasco. "}}]}`)
	})

	desc, err := c.Describe(context.Background(), []byte("png"), "image/png")
	require.NoError(t, err)
	require.Equal(t, "Uma foto de um frasco.", desc)
}

func TestTranscribe(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/audio/transcriptions", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		require.Equal(t, "whisper-1", r.FormValue("model"))

		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		require.True(t, strings.HasSuffix(header.Filename, ".ogg"))
		data, _ := io.ReadAll(file)
		require.Equal(t, "OggS", string(data))

		_, _ = io.WriteString(w, `{"text":" o pix deu erro "}`)
	})

	text, err := c.Transcribe(context.Background(), []byte("OggS"), "audio/ogg; codecs=opus")
	require.NoError(t, err)
	require.Equal(t, "o pix deu erro", text)
}

func TestTranscribe_EmptyAudio(t *testing.T) {
	c, err := NewClient("sk-test")
	require.NoError(t, err)

	_, err = c.Transcribe(context.Background(), nil, "audio/ogg")
	require.Error(t, err)
}
