package whatsapp

import (
	"testing"

	"github.com/ashureev/funnel-relay/internal/domain"
	"github.com/stretchr/testify/require"
)

func envelope(contacts, messages string) []byte {
	return []byte(`{"object":"whatsapp_business_account","entry":[{"id":"WABA","changes":[{"field":"messages","value":{
		"messaging_product":"whatsapp",
		"contacts":` + contacts + `,
		"messages":` + messages + `}}]}]}`)
}

func TestParseWebhookText(t *testing.T) {
	body := envelope(
		`[{"wa_id":"5511999990000","profile":{"name":"Maria"}}]`,
		`[{"from":"5511999990000","id":"wamid.1","timestamp":"1700000000","type":"text","text":{"body":"Oi"}}]`,
	)

	msg, err := ParseWebhook(body)
	require.NoError(t, err)
	require.Equal(t, "wamid.1", msg.ExternalID)
	require.Equal(t, "5511999990000", msg.From)
	require.Equal(t, "Maria", msg.ProfileName)
	require.Equal(t, domain.KindText, msg.Kind)
	require.Equal(t, "Oi", msg.Text)
	require.Equal(t, int64(1700000000), msg.Timestamp.Unix())
}

func TestParseWebhookKinds(t *testing.T) {
	tests := []struct {
		name     string
		message  string
		kind     domain.MessageKind
		text     string
		mediaID  string
		caption  string
		mimeType string
	}{
		{
			name:     "audio",
			message:  `{"from":"1","id":"a","type":"audio","audio":{"id":"m1","mime_type":"audio/ogg; codecs=opus","voice":true}}`,
			kind:     domain.KindAudio,
			mediaID:  "m1",
			mimeType: "audio/ogg; codecs=opus",
		},
		{
			name:    "image with caption",
			message: `{"from":"1","id":"b","type":"image","image":{"id":"m2","mime_type":"image/jpeg","caption":" comprovante "}}`,
			kind:    domain.KindImage, mediaID: "m2", caption: "comprovante", mimeType: "image/jpeg",
		},
		{
			name:    "button",
			message: `{"from":"1","id":"c","type":"button","button":{"text":"Quero","payload":"YES"}}`,
			kind:    domain.KindText, text: "Quero",
		},
		{
			name:    "interactive list",
			message: `{"from":"1","id":"d","type":"interactive","interactive":{"type":"list_reply","list_reply":{"id":"x","title":"Sim"}}}`,
			kind:    domain.KindText, text: "Sim",
		},
		{
			name:    "sticker",
			message: `{"from":"1","id":"e","type":"sticker","sticker":{"id":"s"}}`,
			kind:    domain.KindUnknown,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ParseWebhook(envelope(`[]`, `[`+tt.message+`]`))
			require.NoError(t, err)
			require.Equal(t, tt.kind, msg.Kind)
			require.Equal(t, tt.text, msg.Text)
			require.Equal(t, tt.mediaID, msg.MediaID)
			require.Equal(t, tt.caption, msg.Caption)
			require.Equal(t, tt.mimeType, msg.MimeType)
		})
	}
}

func TestParseWebhookFirstMessageOnly(t *testing.T) {
	body := envelope(`[]`, `[
		{"from":"1","id":"first","type":"text","text":{"body":"a"}},
		{"from":"1","id":"second","type":"text","text":{"body":"b"}}]`)

	msg, err := ParseWebhook(body)
	require.NoError(t, err)
	require.Equal(t, "first", msg.ExternalID)
}

func TestParseWebhookStatusCallback(t *testing.T) {
	body := []byte(`{"object":"whatsapp_business_account","entry":[{"changes":[{"field":"messages","value":{"statuses":[{"id":"wamid.x","status":"read"}]}}]}]}`)

	msg, err := ParseWebhook(body)
	require.NoError(t, err)
	require.Nil(t, msg)
}

func TestParseWebhookInvalid(t *testing.T) {
	_, err := ParseWebhook([]byte(`{not json`))
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = ParseWebhook(envelope(`[]`, `[{"from":"1","type":"text","text":{"body":"x"}}]`))
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = ParseWebhook(envelope(`[]`, `[{"from":"","id":"x","type":"text","text":{"body":"x"}}]`))
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"entry":[]}`)
	sig := Sign("secret", body)

	require.True(t, VerifySignature("secret", body, sig))
	require.False(t, VerifySignature("other", body, sig))
	require.False(t, VerifySignature("secret", []byte(`{}`), sig))
	require.False(t, VerifySignature("secret", body, "sha1=abc"))
	require.False(t, VerifySignature("secret", body, "sha256=zz"))
}
