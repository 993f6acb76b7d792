package models

import (
	"fmt"
	"time"
)

// ContentKind tags the variant carried by InboundContent.
type ContentKind string

const (
	ContentText        ContentKind = "text"
	ContentImage       ContentKind = "image"
	ContentAudio       ContentKind = "audio"
	ContentVideo       ContentKind = "video"
	ContentDocument    ContentKind = "document"
	ContentSticker     ContentKind = "sticker"
	ContentLocation    ContentKind = "location"
	ContentUnsupported ContentKind = "unsupported"
)

// InboundContent is the payload of an inbound message, resolved once by the
// transport adapter. Only the fields relevant to Kind are set.
type InboundContent struct {
	Kind      ContentKind `json:"kind"`
	Text      string      `json:"text,omitempty"`
	Caption   string      `json:"caption,omitempty"`
	MimeType  string      `json:"mime_type,omitempty"`
	FileName  string      `json:"file_name,omitempty"`
	Latitude  float64     `json:"latitude,omitempty"`
	Longitude float64     `json:"longitude,omitempty"`
}

// TextContent is a convenience constructor for plain text.
func TextContent(text string) InboundContent {
	return InboundContent{Kind: ContentText, Text: text}
}

// HasContent reports whether the message carries something a person wrote or
// sent on purpose. Unsupported payloads and empty text do not count.
func (c InboundContent) HasContent() bool {
	switch c.Kind {
	case ContentText:
		return c.Text != ""
	case ContentUnsupported, "":
		return false
	default:
		return true
	}
}

// Fragment renders the content as the text handed to the inbound buffer.
func (c InboundContent) Fragment() string {
	switch c.Kind {
	case ContentText:
		return c.Text
	case ContentImage, ContentVideo, ContentDocument:
		label := fmt.Sprintf("[%s]", c.Kind)
		if c.FileName != "" {
			label = fmt.Sprintf("[%s: %s]", c.Kind, c.FileName)
		}
		if c.Caption != "" {
			return label + " " + c.Caption
		}
		return label
	case ContentAudio:
		return "[audio]"
	case ContentSticker:
		return "[sticker]"
	case ContentLocation:
		return fmt.Sprintf("[location: %.6f,%.6f]", c.Latitude, c.Longitude)
	default:
		return ""
	}
}

// InboundMessage is one message delivered by a transport to the engine.
type InboundMessage struct {
	Key        ConversationKey `json:"key"`
	MessageID  string          `json:"message_id"`
	Content    InboundContent  `json:"content"`
	IsFromSelf bool            `json:"is_from_self"`
	IsSystem   bool            `json:"is_system"`
	ReceivedAt time.Time       `json:"received_at"`
}
