package models

import (
	"encoding/json"
	"strconv"
	"time"
)

// WebhookBuilder assembles webhook envelopes, mostly for tests. All
// additions land in the value of a single entry change.
type WebhookBuilder struct {
	envelope *WebhookEnvelope
	value    *ChangeValue
}

func NewWebhookBuilder() *WebhookBuilder {
	envelope := &WebhookEnvelope{
		Object: "whatsapp_business_account",
		Entry: []Entry{
			{
				ID:      "0",
				Changes: []Change{{Field: "messages"}},
			},
		},
	}

	return &WebhookBuilder{
		envelope: envelope,
		value:    &envelope.Entry[0].Changes[0].Value,
	}
}

func (b *WebhookBuilder) WithObject(object string) *WebhookBuilder {
	b.envelope.Object = object
	return b
}

func (b *WebhookBuilder) WithEntryID(id string) *WebhookBuilder {
	b.envelope.Entry[0].ID = id
	return b
}

func (b *WebhookBuilder) WithPhoneNumberID(id string) *WebhookBuilder {
	b.value.Metadata = &PhoneMetadata{PhoneNumberID: id}
	return b
}

func (b *WebhookBuilder) WithContact(waID, name string) *WebhookBuilder {
	b.value.Contacts = append(b.value.Contacts, Contact{WaID: waID, Profile: Profile{Name: name}})
	return b
}

func (b *WebhookBuilder) AddTextMessage(id, from, body string) *WebhookBuilder {
	return b.AddMessage(Message{
		ID:        id,
		From:      from,
		Timestamp: unixNow(),
		Type:      "text",
		Text:      &Text{Body: body},
	})
}

func (b *WebhookBuilder) AddMessage(msg Message) *WebhookBuilder {
	b.value.Messages = append(b.value.Messages, msg)
	return b
}

func (b *WebhookBuilder) AddStatus(id, status string) *WebhookBuilder {
	return b.AddStatusDetail(Status{
		ID:        id,
		Status:    status,
		Timestamp: unixNow(),
	})
}

func (b *WebhookBuilder) AddStatusDetail(st Status) *WebhookBuilder {
	b.value.Statuses = append(b.value.Statuses, st)
	return b
}

func (b *WebhookBuilder) AddEcho(id, to, body string) *WebhookBuilder {
	b.value.MessageEchoes = append(b.value.MessageEchoes, MessageEcho{
		ID:        id,
		To:        to,
		Timestamp: unixNow(),
		Type:      "text",
		Text:      &Text{Body: body},
	})
	return b
}

func (b *WebhookBuilder) Build() *WebhookEnvelope {
	return b.envelope
}

func (b *WebhookBuilder) BuildJSON() []byte {
	data, _ := json.Marshal(b.envelope)
	return data
}

func unixNow() string {
	return strconv.FormatInt(time.Now().Unix(), 10)
}
