package domain

// MediaKind tags outbound media.
type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

// Content is a pre-authored outbound unit: optional text followed by optional media.
type Content struct {
	TextResponse string    `json:"text_response,omitempty" yaml:"text"`
	MediaPath    string    `json:"media_path,omitempty" yaml:"media"`
	MediaKind    MediaKind `json:"media_kind,omitempty" yaml:"media_kind"`
}

// HasText returns true if the content carries a non-blank text body.
func (c Content) HasText() bool {
	for _, r := range c.TextResponse {
		if r != ' ' && r != '\n' && r != '\t' && r != '\r' {
			return true
		}
	}
	return false
}

// HasMedia returns true if the content references a media asset.
func (c Content) HasMedia() bool {
	return c.MediaPath != ""
}

// Kind returns the media kind, defaulting to audio.
func (c Content) Kind() MediaKind {
	if c.MediaKind == "" {
		return MediaAudio
	}
	return c.MediaKind
}

// FunnelStep is a node of the funnel graph.
type FunnelStep struct {
	Key string `json:"step_key"`
	Content
	NextStep *string `json:"next_step,omitempty"`
	// Burst marks a step that is sent automatically right after its
	// predecessor, without waiting for a customer reply.
	Burst    bool `json:"burst"`
	Position int  `json:"position"`
}

// Next returns the next step key or an empty string.
func (s *FunnelStep) Next() string {
	if s.NextStep == nil {
		return ""
	}
	return *s.NextStep
}
