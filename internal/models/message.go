package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Sender identifies who authored a conversation message.
type Sender string

const (
	SenderClient  Sender = "client"
	SenderBot     Sender = "bot"
	SenderAdvisor Sender = "advisor"
)

// MessageKind is the discriminator of MessageContent.
type MessageKind string

const (
	KindText        MessageKind = "text"
	KindImage       MessageKind = "image"
	KindDocument    MessageKind = "document"
	KindAudio       MessageKind = "audio"
	KindUnsupported MessageKind = "unsupported"
)

// MessageContent is implemented by exactly the content types below.
type MessageContent interface {
	Kind() MessageKind
	isContent()
}

type TextContent struct {
	Body string `json:"body"`
}

type ImageContent struct {
	MediaRef string `json:"media_ref"`
	MimeType string `json:"mime_type,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

type DocumentContent struct {
	MediaRef string `json:"media_ref"`
	MimeType string `json:"mime_type,omitempty"`
	Filename string `json:"filename,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

type AudioContent struct {
	MediaRef string `json:"media_ref"`
	MimeType string `json:"mime_type,omitempty"`
}

// UnsupportedContent is a placeholder for inbound kinds we do not store
// (stickers, locations, contacts, video).
type UnsupportedContent struct {
	Description string `json:"description"`
}

func (TextContent) Kind() MessageKind        { return KindText }
func (ImageContent) Kind() MessageKind       { return KindImage }
func (DocumentContent) Kind() MessageKind    { return KindDocument }
func (AudioContent) Kind() MessageKind       { return KindAudio }
func (UnsupportedContent) Kind() MessageKind { return KindUnsupported }

func (TextContent) isContent()        {}
func (ImageContent) isContent()       {}
func (DocumentContent) isContent()    {}
func (AudioContent) isContent()       {}
func (UnsupportedContent) isContent() {}

// Message is an immutable entry of a conversation log.
type Message struct {
	ID        string         `json:"id"`
	Sender    Sender         `json:"sender"`
	Content   MessageContent `json:"-"`
	Timestamp time.Time      `json:"timestamp"`
}

// MediaRef returns the stored media reference carried by the message, if any.
// IsExternalRef reports whether ref is a URL served outside the media store,
// such as a catalog image.
func IsExternalRef(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
}

func (m Message) MediaRef() string {
	switch c := m.Content.(type) {
	case ImageContent:
		return c.MediaRef
	case DocumentContent:
		return c.MediaRef
	case AudioContent:
		return c.MediaRef
	case TextContent, UnsupportedContent, nil:
		return ""
	default:
		panic(fmt.Sprintf("models: unhandled content %T", c))
	}
}

// Preview renders a one-line description for operator listings.
func (m Message) Preview() string {
	switch c := m.Content.(type) {
	case TextContent:
		return c.Body
	case ImageContent:
		return "[image] " + c.Caption
	case DocumentContent:
		return "[document] " + c.Filename
	case AudioContent:
		return "[audio]"
	case UnsupportedContent:
		return "[" + c.Description + "]"
	case nil:
		return ""
	default:
		panic(fmt.Sprintf("models: unhandled content %T", c))
	}
}

// Text returns the body of a text message and false for other kinds.
func (m Message) Text() (string, bool) {
	c, ok := m.Content.(TextContent)
	return c.Body, ok
}

type messageJSON struct {
	ID        string          `json:"id"`
	Sender    Sender          `json:"sender"`
	Type      MessageKind     `json:"type"`
	Content   json.RawMessage `json:"content"`
	Timestamp time.Time       `json:"timestamp"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	if m.Content == nil {
		return nil, fmt.Errorf("message %s has no content", m.ID)
	}
	raw, err := json.Marshal(m.Content)
	if err != nil {
		return nil, err
	}
	return json.Marshal(messageJSON{
		ID:        m.ID,
		Sender:    m.Sender,
		Type:      m.Content.Kind(),
		Content:   raw,
		Timestamp: m.Timestamp,
	})
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var wire messageJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	var content MessageContent
	var err error
	switch wire.Type {
	case KindText:
		var c TextContent
		err = json.Unmarshal(wire.Content, &c)
		content = c
	case KindImage:
		var c ImageContent
		err = json.Unmarshal(wire.Content, &c)
		content = c
	case KindDocument:
		var c DocumentContent
		err = json.Unmarshal(wire.Content, &c)
		content = c
	case KindAudio:
		var c AudioContent
		err = json.Unmarshal(wire.Content, &c)
		content = c
	case KindUnsupported:
		var c UnsupportedContent
		err = json.Unmarshal(wire.Content, &c)
		content = c
	default:
		return fmt.Errorf("unknown message type %q", wire.Type)
	}
	if err != nil {
		return fmt.Errorf("decode %s content: %w", wire.Type, err)
	}

	m.ID = wire.ID
	m.Sender = wire.Sender
	m.Content = content
	m.Timestamp = wire.Timestamp
	return nil
}
