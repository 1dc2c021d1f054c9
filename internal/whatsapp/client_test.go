package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ashureev/funnel-relay/internal/domain"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{BaseURL: srv.URL, PhoneNumberID: "123", Token: "tok"}, WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	return c
}

func TestNewClientRequiresCredentials(t *testing.T) {
	_, err := NewClient(Config{Token: "tok"})
	require.Error(t, err)
	_, err = NewClient(Config{PhoneNumberID: "1"})
	require.Error(t, err)
}

func TestNormalizePhone(t *testing.T) {
	require.Equal(t, "5511999990000", NormalizePhone("+55 (11) 99999-0000"))
	require.Equal(t, "", NormalizePhone("abc"))
}

func TestSendText(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v24.0/123/messages", r.URL.Path)
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		var msg messageRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		require.Equal(t, "whatsapp", msg.MessagingProduct)
		require.Equal(t, "5511999990000", msg.To)
		require.Equal(t, "text", msg.Type)
		require.Equal(t, "Olá", msg.Text.Body)

		_, _ = io.WriteString(w, `{"messages":[{"id":"wamid.out"}]}`)
	})

	id, err := c.SendText(context.Background(), "+55 11 99999-0000", "Olá")
	require.NoError(t, err)
	require.Equal(t, "wamid.out", id)
}

func TestSendMedia(t *testing.T) {
	var got []messageRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var msg messageRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		got = append(got, msg)
		_, _ = io.WriteString(w, `{"messages":[{"id":"x"}]}`)
	})
	ctx := context.Background()

	_, err := c.SendMediaByID(ctx, "1", domain.MediaAudio, "media-1")
	require.NoError(t, err)
	_, err = c.SendMediaByLink(ctx, "1", domain.MediaVideo, "https://cdn/x.mp4")
	require.NoError(t, err)
	_, err = c.SendMediaByID(ctx, "1", "sticker", "m")
	require.Error(t, err)

	require.Len(t, got, 2)
	require.Equal(t, "audio", got[0].Type)
	require.Equal(t, "media-1", got[0].Audio.ID)
	require.Equal(t, "video", got[1].Type)
	require.Equal(t, "https://cdn/x.mp4", got[1].Video.Link)
}

func TestSendErrorsClassifiedByStatus(t *testing.T) {
	status := http.StatusBadGateway
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
		_, _ = io.WriteString(w, `{"error":{"message":"boom"}}`)
	})

	_, err := c.SendText(context.Background(), "1", "x")
	require.ErrorIs(t, err, domain.ErrTransientDelivery)
	var statusErr *HTTPStatusError
	require.True(t, errors.As(err, &statusErr))
	require.Equal(t, http.StatusBadGateway, statusErr.StatusCode)

	status = http.StatusBadRequest
	_, err = c.SendText(context.Background(), "1", "x")
	require.NotErrorIs(t, err, domain.ErrTransientDelivery)
	require.True(t, errors.As(err, &statusErr))
}

func TestNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := NewClient(Config{BaseURL: url, PhoneNumberID: "1", Token: "t"})
	require.NoError(t, err)

	_, err = c.SendText(context.Background(), "1", "x")
	require.Error(t, err)
	require.ErrorIs(t, err, domain.ErrTransientDelivery)
}

func TestSendRejectsEmptyRecipient(t *testing.T) {
	c := newTestClient(t, func(http.ResponseWriter, *http.Request) {
		t.Fatal("no request expected")
	})

	_, err := c.SendText(context.Background(), "n/a", "x")
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestUploadMedia(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v24.0/123/media", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		require.Equal(t, "whatsapp", r.FormValue("messaging_product"))
		require.Equal(t, "audio/ogg", r.FormValue("type"))
		_, header, err := r.FormFile("file")
		require.NoError(t, err)
		require.Equal(t, "boas_vindas.ogg", header.Filename)
		require.Equal(t, "audio/ogg", header.Header.Get("Content-Type"))
		_, _ = io.WriteString(w, `{"id":"media-42"}`)
	})

	id, err := c.UploadMedia(context.Background(), "boas_vindas.ogg", "audio/ogg", []byte("OggS"))
	require.NoError(t, err)
	require.Equal(t, "media-42", id)
}

func TestUploadMediaTooLarge(t *testing.T) {
	c := newTestClient(t, func(http.ResponseWriter, *http.Request) {
		t.Fatal("no request expected")
	})

	_, err := c.UploadMedia(context.Background(), "big.mp4", "video/mp4", make([]byte, MaxMediaBytes+1))
	require.ErrorIs(t, err, ErrMediaTooLarge)
}

func TestFetchMedia(t *testing.T) {
	var srvURL string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		switch {
		case r.URL.Path == "/v24.0/media-in":
			_, _ = io.WriteString(w, `{"url":"`+srvURL+`/download/media-in","mime_type":"audio/ogg","file_size":4}`)
		case strings.HasPrefix(r.URL.Path, "/download/"):
			_, _ = io.WriteString(w, "OggS")
		default:
			http.NotFound(w, r)
		}
	})
	srvURL = c.cfg.BaseURL

	data, mimeType, err := c.FetchMedia(context.Background(), "media-in")
	require.NoError(t, err)
	require.Equal(t, "OggS", string(data))
	require.Equal(t, "audio/ogg", mimeType)
}
