package models

import (
	"strconv"
	"time"
)

// WebhookEnvelope is the top-level payload delivered by the WhatsApp
// Business webhook. Entries fan out into changes, each carrying inbound
// messages, delivery status updates or echoes of messages the business
// sent itself.
type WebhookEnvelope struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

type Entry struct {
	ID      string   `json:"id"`
	Time    int64    `json:"time,omitempty"`
	Changes []Change `json:"changes"`
}

type Change struct {
	Field string      `json:"field"`
	Value ChangeValue `json:"value"`
}

type ChangeValue struct {
	MessagingProduct string         `json:"messaging_product,omitempty"`
	Metadata         *PhoneMetadata `json:"metadata,omitempty"`
	Contacts         []Contact      `json:"contacts,omitempty"`
	Messages         []Message      `json:"messages,omitempty"`
	Statuses         []Status       `json:"statuses,omitempty"`
	MessageEchoes    []MessageEcho  `json:"message_echoes,omitempty"`
}

type PhoneMetadata struct {
	DisplayPhoneNumber string `json:"display_phone_number,omitempty"`
	PhoneNumberID      string `json:"phone_number_id,omitempty"`
}

type Contact struct {
	WaID    string  `json:"wa_id"`
	Profile Profile `json:"profile"`
}

type Profile struct {
	Name string `json:"name"`
}

type Message struct {
	ID        string      `json:"id"`
	From      string      `json:"from"`
	Timestamp string      `json:"timestamp,omitempty"`
	Type      string      `json:"type"`
	Text      *Text       `json:"text,omitempty"`
	Image     *Media      `json:"image,omitempty"`
	Audio     *Media      `json:"audio,omitempty"`
	Video     *Media      `json:"video,omitempty"`
	Document  *Media      `json:"document,omitempty"`
	Context   *MsgContext `json:"context,omitempty"`
}

type Text struct {
	Body string `json:"body"`
}

type Media struct {
	ID       string `json:"id,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	SHA256   string `json:"sha256,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

// MsgContext links a message to the one it replies to.
type MsgContext struct {
	From string `json:"from,omitempty"`
	ID   string `json:"id,omitempty"`
}

type Status struct {
	ID          string        `json:"id"`
	Status      string        `json:"status"`
	Timestamp   string        `json:"timestamp,omitempty"`
	RecipientID string        `json:"recipient_id,omitempty"`
	Errors      []StatusError `json:"errors,omitempty"`
}

type StatusError struct {
	Code    int    `json:"code"`
	Title   string `json:"title,omitempty"`
	Message string `json:"message,omitempty"`
}

// MessageEcho mirrors a message the business sent from another surface
// (e.g. the WhatsApp Business app) back into the webhook stream.
type MessageEcho struct {
	ID        string `json:"id"`
	To        string `json:"to"`
	From      string `json:"from,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Type      string `json:"type"`
	Text      *Text  `json:"text,omitempty"`
}

const (
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusFailed    = "failed"
)

// ParseTimestamp converts the webhook's unix-seconds string form.
// Returns the zero time when the field is absent or malformed.
func ParseTimestamp(ts string) time.Time {
	if ts == "" {
		return time.Time{}
	}
	secs, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(secs, 0).UTC()
}
