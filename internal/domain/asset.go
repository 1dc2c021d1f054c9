package domain

import "time"

// AudioAsset maps a logical media key to the provider-side media handle.
type AudioAsset struct {
	AudioKey    string    `json:"audio_key"`
	MediaHandle string    `json:"media_id"`
	MimeType    string    `json:"mime_type"`
	SizeBytes   int64     `json:"file_size_bytes"`
	SourcePath  string    `json:"source_path,omitempty"`
	UploadedAt  time.Time `json:"uploaded_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
