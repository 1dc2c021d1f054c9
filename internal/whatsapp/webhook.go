package whatsapp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/funnel-relay/internal/domain"
)

type webhookPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string       `json:"field"`
			Value webhookValue `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type webhookValue struct {
	Contacts []struct {
		WaID    string `json:"wa_id"`
		Profile struct {
			Name string `json:"name"`
		} `json:"profile"`
	} `json:"contacts"`
	Messages []webhookMessage `json:"messages"`
}

type webhookMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption"`
}

type webhookMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Audio  *webhookMedia `json:"audio"`
	Voice  *webhookMedia `json:"voice"`
	Image  *webhookMedia `json:"image"`
	Button *struct {
		Text    string `json:"text"`
		Payload string `json:"payload"`
	} `json:"button"`
	Interactive *struct {
		Type        string `json:"type"`
		ButtonReply *struct {
			Title string `json:"title"`
		} `json:"button_reply"`
		ListReply *struct {
			Title string `json:"title"`
		} `json:"list_reply"`
	} `json:"interactive"`
}

// ParseWebhook extracts the first message of a webhook delivery. It returns
// nil, nil when the delivery carries no message (status callbacks). A body
// that is not a webhook payload fails with domain.ErrValidation.
func ParseWebhook(body []byte) (*domain.InboundMessage, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: decode webhook: %w", domain.ErrValidation, err)
	}

	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			if len(change.Value.Messages) == 0 {
				continue
			}
			msg := change.Value.Messages[0]
			inbound, err := toInbound(msg)
			if err != nil {
				return nil, err
			}
			for _, c := range change.Value.Contacts {
				if c.WaID == msg.From || len(change.Value.Contacts) == 1 {
					inbound.ProfileName = c.Profile.Name
					break
				}
			}
			return inbound, nil
		}
	}
	return nil, nil
}

func toInbound(msg webhookMessage) (*domain.InboundMessage, error) {
	if msg.ID == "" {
		return nil, fmt.Errorf("%w: message has no id", domain.ErrValidation)
	}
	from := NormalizePhone(msg.From)
	if from == "" {
		return nil, fmt.Errorf("%w: message %s has no sender", domain.ErrValidation, msg.ID)
	}

	in := &domain.InboundMessage{
		ExternalID: msg.ID,
		From:       from,
		RawType:    msg.Type,
		Kind:       domain.KindUnknown,
		Timestamp:  parseTimestamp(msg.Timestamp),
	}

	switch msg.Type {
	case "text":
		if msg.Text != nil {
			in.Kind, in.Text = domain.KindText, msg.Text.Body
		}
	case "audio", "voice":
		media := msg.Audio
		if media == nil {
			media = msg.Voice
		}
		if media != nil && media.ID != "" {
			in.Kind, in.MediaID, in.MimeType = domain.KindAudio, media.ID, media.MimeType
		}
	case "image":
		if msg.Image != nil && msg.Image.ID != "" {
			in.Kind, in.MediaID, in.MimeType = domain.KindImage, msg.Image.ID, msg.Image.MimeType
			in.Caption = strings.TrimSpace(msg.Image.Caption)
		}
	case "button":
		if msg.Button != nil {
			in.Kind, in.Text = domain.KindText, firstNonEmpty(msg.Button.Text, msg.Button.Payload)
		}
	case "interactive":
		if it := msg.Interactive; it != nil {
			switch {
			case it.ButtonReply != nil:
				in.Kind, in.Text = domain.KindText, it.ButtonReply.Title
			case it.ListReply != nil:
				in.Kind, in.Text = domain.KindText, it.ListReply.Title
			}
		}
	}
	return in, nil
}

func parseTimestamp(s string) time.Time {
	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil || secs <= 0 {
		return time.Now()
	}
	return time.Unix(secs, 0)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// VerifySignature checks the X-Hub-Signature-256 header ("sha256=<hex>")
// against an HMAC of body keyed with the app secret.
func VerifySignature(appSecret string, body []byte, header string) bool {
	sig, ok := strings.CutPrefix(strings.TrimSpace(header), "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Sign returns the X-Hub-Signature-256 value for body.
func Sign(appSecret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
