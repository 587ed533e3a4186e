package chat

import (
	"encoding/json"
	"strings"
)

// PartType enumerates the structured content part kinds.
type PartType string

const (
	PartText     PartType = "text"
	PartImageURL PartType = "image_url"
)

// ContentPart is one ordered segment of a multi-modal message.
type ContentPart struct {
	Type     PartType  `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageRef `json:"image_url,omitempty"`
}

// ImageRef points at an already uploaded image.
type ImageRef struct {
	URL string `json:"url"`
}

// TextPart builds a text segment.
func TextPart(text string) ContentPart {
	return ContentPart{Type: PartText, Text: text}
}

// ImagePart builds an image segment.
func ImagePart(url string) ContentPart {
	return ContentPart{Type: PartImageURL, ImageURL: &ImageRef{URL: url}}
}

type structuredContent struct {
	Content []ContentPart `json:"content"`
}

// EncodeParts serializes parts into the single string stored in a message's
// content field.
func EncodeParts(parts []ContentPart) (string, error) {
	data, err := json.Marshal(structuredContent{Content: parts})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DecodeContent returns the ordered parts of a stored content string. Plain
// text comes back as a single text part; ok is false in that case.
func DecodeContent(content string) (parts []ContentPart, ok bool) {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "{") {
		return []ContentPart{TextPart(content)}, false
	}

	var decoded structuredContent
	if err := json.Unmarshal([]byte(trimmed), &decoded); err != nil || decoded.Content == nil {
		return []ContentPart{TextPart(content)}, false
	}
	return decoded.Content, true
}

// PlainText flattens content to its text segments, joined by newlines.
func PlainText(content string) string {
	parts, structured := DecodeContent(content)
	if !structured {
		return content
	}
	return JoinText(parts)
}

// JoinText concatenates the non-empty text parts.
func JoinText(parts []ContentPart) string {
	texts := make([]string, 0, len(parts))
	for _, part := range parts {
		if part.Type == PartText && strings.TrimSpace(part.Text) != "" {
			texts = append(texts, part.Text)
		}
	}
	return strings.Join(texts, "\n")
}
