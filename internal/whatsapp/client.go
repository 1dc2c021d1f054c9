// Package whatsapp is a client for the WhatsApp Cloud API and a parser for
// its webhook payloads.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"time"
	"unicode"

	"github.com/ashureev/funnel-relay/internal/domain"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL    = "https://graph.facebook.com"
	defaultAPIVersion = "v24.0"

	// MaxMediaBytes is the largest media payload accepted for upload or download.
	MaxMediaBytes = 16 << 20
)

// ErrMediaTooLarge is returned when a media payload exceeds MaxMediaBytes.
var ErrMediaTooLarge = errors.New("media exceeds 16 MiB limit")

// HTTPStatusError captures non-2xx Graph API responses.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("whatsapp: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

// HTTPStatusCode returns the upstream status code.
func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Config holds Cloud API connection settings.
type Config struct {
	BaseURL       string
	APIVersion    string
	PhoneNumberID string
	Token         string
	Timeout       time.Duration
	// RatePerSecond caps outbound Graph API calls. Zero disables the cap.
	RatePerSecond float64
	Burst         int
}

// Client sends messages and manages media through the Cloud API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
}

type Option func(*Client)

// WithHTTPClient replaces the instrumented default HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a Cloud API client.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.PhoneNumberID) == "" {
		return nil, errors.New("whatsapp: phone number id must not be empty")
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("whatsapp: access token must not be empty")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.APIVersion == "" {
		cfg.APIVersion = defaultAPIVersion
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	c := &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter: rate.NewLimiter(limit, burst),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) graphURL(path string) string {
	return c.cfg.BaseURL + "/" + c.cfg.APIVersion + "/" + strings.TrimLeft(path, "/")
}

// NormalizePhone strips every non-digit from a phone number.
func NormalizePhone(phone string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, phone)
}

type mediaObject struct {
	ID   string `json:"id,omitempty"`
	Link string `json:"link,omitempty"`
}

type textObject struct {
	Body string `json:"body"`
}

type messageRequest struct {
	MessagingProduct string       `json:"messaging_product"`
	RecipientType    string       `json:"recipient_type"`
	To               string       `json:"to"`
	Type             string       `json:"type"`
	Text             *textObject  `json:"text,omitempty"`
	Audio            *mediaObject `json:"audio,omitempty"`
	Video            *mediaObject `json:"video,omitempty"`
}

type messageResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// SendText sends a text message and returns the provider message id.
func (c *Client) SendText(ctx context.Context, to, body string) (string, error) {
	return c.sendMessage(ctx, messageRequest{
		To:   to,
		Type: "text",
		Text: &textObject{Body: body},
	})
}

// SendMediaByID sends previously uploaded media.
func (c *Client) SendMediaByID(ctx context.Context, to string, kind domain.MediaKind, mediaID string) (string, error) {
	return c.sendMedia(ctx, to, kind, mediaObject{ID: mediaID})
}

// SendMediaByLink sends media the provider fetches from a public URL.
func (c *Client) SendMediaByLink(ctx context.Context, to string, kind domain.MediaKind, link string) (string, error) {
	return c.sendMedia(ctx, to, kind, mediaObject{Link: link})
}

func (c *Client) sendMedia(ctx context.Context, to string, kind domain.MediaKind, obj mediaObject) (string, error) {
	req := messageRequest{To: to}
	switch kind {
	case domain.MediaVideo:
		req.Type, req.Video = "video", &obj
	case domain.MediaAudio, "":
		req.Type, req.Audio = "audio", &obj
	default:
		return "", fmt.Errorf("whatsapp: unsupported media kind %q", kind)
	}
	return c.sendMessage(ctx, req)
}

func (c *Client) sendMessage(ctx context.Context, msg messageRequest) (string, error) {
	msg.MessagingProduct = "whatsapp"
	msg.RecipientType = "individual"
	msg.To = NormalizePhone(msg.To)
	if msg.To == "" {
		return "", fmt.Errorf("whatsapp: %w: recipient has no digits", domain.ErrValidation)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("whatsapp: marshal message: %w", err)
	}

	url := c.graphURL(c.cfg.PhoneNumberID + "/messages")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("whatsapp: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	raw, err := c.do(req, url, 1<<20)
	if err != nil {
		return "", fmt.Errorf("whatsapp: send %s: %w", msg.Type, err)
	}

	var resp messageResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("whatsapp: decode send response: %w", err)
	}
	if len(resp.Messages) == 0 {
		return "", nil
	}
	return resp.Messages[0].ID, nil
}

type uploadResponse struct {
	ID string `json:"id"`
}

// UploadMedia uploads raw media and returns the provider media id.
func (c *Client) UploadMedia(ctx context.Context, filename, mimeType string, data []byte) (string, error) {
	if len(data) > MaxMediaBytes {
		return "", fmt.Errorf("whatsapp: upload %s: %w", filename, ErrMediaTooLarge)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("messaging_product", "whatsapp"); err != nil {
		return "", fmt.Errorf("whatsapp: write field: %w", err)
	}
	if err := w.WriteField("type", mimeType); err != nil {
		return "", fmt.Errorf("whatsapp: write field: %w", err)
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	h.Set("Content-Type", mimeType)
	part, err := w.CreatePart(h)
	if err != nil {
		return "", fmt.Errorf("whatsapp: create file part: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("whatsapp: write file part: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("whatsapp: close multipart body: %w", err)
	}

	url := c.graphURL(c.cfg.PhoneNumberID + "/media")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return "", fmt.Errorf("whatsapp: create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	raw, err := c.do(req, url, 1<<20)
	if err != nil {
		return "", fmt.Errorf("whatsapp: upload %s: %w", filename, err)
	}

	var resp uploadResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("whatsapp: decode upload response: %w", err)
	}
	if resp.ID == "" {
		return "", errors.New("whatsapp: upload response has no media id")
	}
	return resp.ID, nil
}

type mediaInfo struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
	FileSize int64  `json:"file_size"`
}

// MediaURL resolves a media id to a short-lived download URL.
func (c *Client) MediaURL(ctx context.Context, mediaID string) (string, string, error) {
	url := c.graphURL(mediaID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", "", fmt.Errorf("whatsapp: create request: %w", err)
	}

	raw, err := c.do(req, url, 1<<20)
	if err != nil {
		return "", "", fmt.Errorf("whatsapp: media url: %w", err)
	}

	var info mediaInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return "", "", fmt.Errorf("whatsapp: decode media info: %w", err)
	}
	if info.URL == "" {
		return "", "", errors.New("whatsapp: media info has no url")
	}
	if info.FileSize > MaxMediaBytes {
		return "", "", fmt.Errorf("whatsapp: media %s: %w", mediaID, ErrMediaTooLarge)
	}
	return info.URL, info.MimeType, nil
}

// Download fetches media bytes from a URL returned by MediaURL.
func (c *Client) Download(ctx context.Context, mediaURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, fmt.Errorf("whatsapp: create request: %w", err)
	}

	data, err := c.do(req, mediaURL, MaxMediaBytes+1)
	if err != nil {
		return nil, fmt.Errorf("whatsapp: download media: %w", err)
	}
	if len(data) > MaxMediaBytes {
		return nil, fmt.Errorf("whatsapp: download media: %w", ErrMediaTooLarge)
	}
	return data, nil
}

// FetchMedia resolves and downloads an inbound media id.
func (c *Client) FetchMedia(ctx context.Context, mediaID string) ([]byte, string, error) {
	url, mimeType, err := c.MediaURL(ctx, mediaID)
	if err != nil {
		return nil, "", err
	}
	data, err := c.Download(ctx, url)
	if err != nil {
		return nil, "", err
	}
	return data, mimeType, nil
}

// do waits for the rate limiter, authenticates and executes req. Server and
// network failures are wrapped with domain.ErrTransientDelivery.
func (c *Client) do(req *http.Request, url string, limit int64) ([]byte, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)

	res, err := c.httpClient.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: %w", domain.ErrTransientDelivery, err)
		}
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		statusErr := &HTTPStatusError{StatusCode: res.StatusCode, URL: url, Body: string(buf)}
		if res.StatusCode >= 500 {
			return nil, fmt.Errorf("%w: %w", domain.ErrTransientDelivery, statusErr)
		}
		return nil, statusErr
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, limit))
	if err != nil {
		return nil, fmt.Errorf("%w: read response body: %w", domain.ErrTransientDelivery, err)
	}
	return buf, nil
}
