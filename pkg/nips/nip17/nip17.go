// Package nip17 builds and inspects kind-14 private direct message
// rumors, including the marketplace order metadata tags carried by
// checkout and order-status messages.
package nip17

import (
	"time"

	"github.com/shopstr-eng/shopstr-core/pkg/event"
)

const (
	// PrivateDirectMessageKind represents NIP-17 private direct message rumors
	PrivateDirectMessageKind = 14
)

// OrderDetails carries the structured marketplace metadata attached to
// a direct message. Zero-valued fields are omitted from the rumor tags.
type OrderDetails struct {
	OrderID        string // "order" tag
	Type           string // "type" tag, message type discriminator
	Amount         string // "amount" tag, sats
	PaymentProof   string // "payment" tag
	Status         string // "status" tag
	ItemID         string // "item" tag
	TrackingNumber string // "tracking" tag
	Carrier        string // "carrier" tag
	ETA            string // "eta" tag
	ProductAddress string // "a" tag, kind:pubkey:dTag listing reference
}

// CreateRumor assembles an unsigned kind-14 rumor addressed to a single
// recipient. The ID is computed manually so the rumor can be referenced
// before any network round-trip; rumors are never signed.
func CreateRumor(senderPubKey, recipientPubKey, content, subject string, order *OrderDetails) (*event.Event, error) {
	tags := [][]string{{"p", recipientPubKey}}
	if subject != "" {
		tags = append(tags, []string{"subject", subject})
	}
	if order != nil {
		tags = append(tags, order.tags()...)
	}

	rumor := &event.Event{
		PubKey:    senderPubKey,
		CreatedAt: time.Now().Unix(),
		Kind:      PrivateDirectMessageKind,
		Tags:      tags,
		Content:   content,
	}

	id, err := rumor.ComputeID()
	if err != nil {
		return nil, err
	}
	rumor.ID = id

	return rumor, nil
}

func (o *OrderDetails) tags() [][]string {
	var tags [][]string
	add := func(name, value string) {
		if value != "" {
			tags = append(tags, []string{name, value})
		}
	}
	add("order", o.OrderID)
	add("type", o.Type)
	add("amount", o.Amount)
	add("payment", o.PaymentProof)
	add("status", o.Status)
	add("item", o.ItemID)
	add("tracking", o.TrackingNumber)
	add("carrier", o.Carrier)
	add("eta", o.ETA)
	add("a", o.ProductAddress)
	return tags
}

// OrderFromTags reconstructs the order metadata from a rumor's tags
func OrderFromTags(evt *event.Event) *OrderDetails {
	o := &OrderDetails{}
	found := false
	get := func(name string, dst *string) {
		if v, ok := evt.GetTagValue(name); ok {
			*dst = v
			found = true
		}
	}
	get("order", &o.OrderID)
	get("type", &o.Type)
	get("amount", &o.Amount)
	get("payment", &o.PaymentProof)
	get("status", &o.Status)
	get("item", &o.ItemID)
	get("tracking", &o.TrackingNumber)
	get("carrier", &o.Carrier)
	get("eta", &o.ETA)
	get("a", &o.ProductAddress)
	if !found {
		return nil
	}
	return o
}

// IsPrivateDirectMessage checks if an event is a NIP-17 private direct message
func IsPrivateDirectMessage(evt *event.Event) bool {
	return evt.Kind == PrivateDirectMessageKind
}

// GetRecipients extracts all recipient public keys from NIP-17 event tags
func GetRecipients(evt *event.Event) []string {
	var recipients []string
	for _, tag := range evt.Tags {
		if len(tag) >= 2 && tag[0] == "p" {
			recipients = append(recipients, tag[1])
		}
	}
	if recipients == nil {
		return []string{}
	}
	return recipients
}

// GetSubject extracts the subject from NIP-17 event tags
func GetSubject(evt *event.Event) (string, bool) {
	return evt.GetTagValue("subject")
}

// ValidateRumor validates a NIP-17 rumor event (must be unsigned)
func ValidateRumor(evt *event.Event) error {
	// Check kind
	if evt.Kind != PrivateDirectMessageKind {
		return &ValidationError{Kind: "invalid_kind", Message: "invalid event kind for NIP-17"}
	}

	// Must have at least one recipient
	if len(GetRecipients(evt)) == 0 {
		return &ValidationError{Kind: "missing_recipient", Message: "NIP-17 event must have at least one 'p' tag"}
	}

	// Content should not be empty for private messages
	if evt.Content == "" {
		return &ValidationError{Kind: "empty_content", Message: "NIP-17 private message content cannot be empty"}
	}

	// Event should not be signed (rumors are unsigned)
	if evt.Sig != "" {
		return &ValidationError{Kind: "signed_rumor", Message: "NIP-17 rumors must not be signed"}
	}

	return nil
}

// ValidationError represents a NIP-17 validation error
type ValidationError struct {
	Kind    string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}
