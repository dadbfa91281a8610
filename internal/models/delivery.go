package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// DeliveryStatus tracks a queued send through the dispatcher.
type DeliveryStatus string

const (
	DeliveryPending    DeliveryStatus = "pending"
	DeliveryProcessing DeliveryStatus = "processing"
	DeliverySent       DeliveryStatus = "sent"
	DeliveryFailed     DeliveryStatus = "failed"
)

// OutboundKind selects the messaging call used for an outbound message.
type OutboundKind string

const (
	OutboundText    OutboundKind = "text"
	OutboundButtons OutboundKind = "buttons"
	OutboundList    OutboundKind = "list"
	OutboundMedia   OutboundKind = "media"
)

// Channel limits.
const (
	MaxButtons       = 3
	MaxTextLength    = 4096
	MaxPromoLength   = 4000
	MaxButtonTitle   = 20
	MaxListRows      = 10
	MaxAttachmentLen = 16 << 20
)

// Button is a quick-reply option.
type Button struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// ListRow is one selectable row of a list message.
type ListRow struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// ListSection groups list rows under a heading.
type ListSection struct {
	Title string    `json:"title"`
	Rows  []ListRow `json:"rows"`
}

// Outbound is a message waiting to go out through the messaging channel.
type Outbound struct {
	Kind        OutboundKind  `json:"kind"`
	Body        string        `json:"body,omitempty"`
	Buttons     []Button      `json:"buttons,omitempty"`
	ButtonLabel string        `json:"button_label,omitempty"`
	Sections    []ListSection `json:"sections,omitempty"`
	MediaRef    string        `json:"media_ref,omitempty"`
	MediaKind   MessageKind   `json:"media_kind,omitempty"`
	Caption     string        `json:"caption,omitempty"`
}

func TextMessage(body string) Outbound {
	return Outbound{Kind: OutboundText, Body: body}
}

func ButtonsMessage(body string, buttons ...Button) Outbound {
	return Outbound{Kind: OutboundButtons, Body: body, Buttons: buttons}
}

func ListMessage(body, label string, sections ...ListSection) Outbound {
	return Outbound{Kind: OutboundList, Body: body, ButtonLabel: label, Sections: sections}
}

func MediaMessage(ref string, kind MessageKind, caption string) Outbound {
	return Outbound{Kind: OutboundMedia, MediaRef: ref, MediaKind: kind, Caption: caption}
}

// Validate enforces the messaging channel's limits.
func (o Outbound) Validate() error {
	switch o.Kind {
	case OutboundText:
		if o.Body == "" {
			return fmt.Errorf("empty text message")
		}
	case OutboundButtons:
		if len(o.Buttons) == 0 || len(o.Buttons) > MaxButtons {
			return fmt.Errorf("button message needs 1-%d buttons, got %d", MaxButtons, len(o.Buttons))
		}
	case OutboundList:
		rows := 0
		for _, s := range o.Sections {
			rows += len(s.Rows)
		}
		if rows == 0 || rows > MaxListRows {
			return fmt.Errorf("list message needs 1-%d rows, got %d", MaxListRows, rows)
		}
	case OutboundMedia:
		if o.MediaRef == "" {
			return fmt.Errorf("media message without reference")
		}
	default:
		return fmt.Errorf("unknown outbound kind %q", o.Kind)
	}
	if len([]rune(o.Body)) > MaxTextLength {
		return fmt.Errorf("body exceeds %d characters", MaxTextLength)
	}
	return nil
}

// AsMessage converts the outbound payload into a conversation log entry.
func (o Outbound) AsMessage() MessageContent {
	switch o.Kind {
	case OutboundMedia:
		switch o.MediaKind {
		case KindImage:
			return ImageContent{MediaRef: o.MediaRef, Caption: o.Caption}
		case KindAudio:
			return AudioContent{MediaRef: o.MediaRef}
		default:
			return DocumentContent{MediaRef: o.MediaRef, Caption: o.Caption}
		}
	default:
		return TextContent{Body: o.Body}
	}
}

// QueuedDelivery is a durable pending send.
type QueuedDelivery struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	Target      string         `gorm:"index;not null" json:"target"`
	Kind        OutboundKind   `gorm:"size:16" json:"kind"`
	Payload     string         `gorm:"type:text" json:"payload"`
	Priority    int            `gorm:"index:idx_delivery_due,priority:2" json:"priority"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"max_attempts"`
	Status      DeliveryStatus `gorm:"size:16;index:idx_delivery_due,priority:1" json:"status"`
	ScheduledAt time.Time      `gorm:"index:idx_delivery_due,priority:3" json:"scheduled_at"`
	CreatedAt   time.Time      `json:"created_at"`
	ClaimedAt   *time.Time     `json:"claimed_at,omitempty"`
	ProcessedAt *time.Time     `json:"processed_at,omitempty"`
	LastError   string         `json:"last_error,omitempty"`
}

// TableName implements the gorm tabler interface.
func (QueuedDelivery) TableName() string { return "delivery_queue" }

// Outbound decodes the stored payload.
func (d *QueuedDelivery) Outbound() (Outbound, error) {
	var out Outbound
	if err := json.Unmarshal([]byte(d.Payload), &out); err != nil {
		return Outbound{}, fmt.Errorf("decode delivery %d payload: %w", d.ID, err)
	}
	return out, nil
}

// IsTerminal reports whether the dispatcher is done with the row.
func (d *QueuedDelivery) IsTerminal() bool {
	return d.Status == DeliverySent || d.Status == DeliveryFailed
}

// LeaseExpiredError is recorded on rows released after sitting in processing
// past the dispatcher lease.
const LeaseExpiredError = "processing lease expired"

// Setting is a small persisted key/value pair (promo text and similar).
type Setting struct {
	Key       string    `gorm:"primaryKey;size:64" json:"key"`
	Value     string    `gorm:"type:text" json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

const SettingPromo = "promo_text"
