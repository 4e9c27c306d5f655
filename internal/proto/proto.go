// Package proto defines the typed envelopes exchanged over the duplex
// channel between mail nodes and the relay gateway.
package proto

import (
	"encoding/json"
	"fmt"
	"time"

	"mailrelay/internal/model"
)

// Type discriminates the envelope variants.
type Type string

const (
	TypeHeartbeat      Type = "HEARTBEAT"
	TypeRegister       Type = "REGISTER"
	TypeLookup         Type = "LOOKUP"
	TypeMessage        Type = "MESSAGE"
	TypeBroadcast      Type = "BROADCAST"
	TypeEmailSend      Type = "EMAIL_SEND"
	TypeEmailReceived  Type = "EMAIL_RECEIVED"
	TypeEmailDelivered Type = "EMAIL_DELIVERED"
)

// Sentinel sender identities.
const (
	// SenderUnknown is stamped on envelopes sent before the gateway
	// has assigned the node an identity.
	SenderUnknown = "unknown"
	// SenderServer marks gateway-originated envelopes.
	SenderServer = "server"
)

var knownTypes = map[Type]bool{
	TypeHeartbeat:      true,
	TypeRegister:       true,
	TypeLookup:         true,
	TypeMessage:        true,
	TypeBroadcast:      true,
	TypeEmailSend:      true,
	TypeEmailReceived:  true,
	TypeEmailDelivered: true,
}

// Envelope is one message unit on the duplex channel. Timestamp is
// epoch milliseconds. Envelopes are immutable once sent; the payload
// shape is fixed by Type.
type Envelope struct {
	Type      Type            `json:"type"`
	Timestamp int64           `json:"timestamp"`
	SenderID  string          `json:"senderId"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// RegisterData is the REGISTER payload.
type RegisterData struct {
	IPAddress   string `json:"ipAddress"`
	Port        int    `json:"port"`
	MailAddress string `json:"mailAddress"`
}

// LookupData is the LOOKUP payload.
type LookupData struct {
	MailAddress string `json:"mailAddress"`
}

// MessageData is the MESSAGE payload sent by a node.
type MessageData struct {
	Recipient string `json:"recipient"`
	Content   any    `json:"content"`
}

// BroadcastData is the BROADCAST payload.
type BroadcastData struct {
	Content any `json:"content"`
}

// EmailSendData is the EMAIL_SEND payload.
type EmailSendData struct {
	Email model.Email `json:"email"`
}

// ReceiptData is the payload shared by EMAIL_RECEIVED and
// EMAIL_DELIVERED confirmations.
type ReceiptData struct {
	EmailID   string `json:"emailId"`
	Recipient string `json:"recipient"`
}

// RegisterResult is the gateway's response to a REGISTER.
type RegisterResult struct {
	Success bool              `json:"success"`
	Node    *model.NodeRecord `json:"node,omitempty"`
}

// LookupResult is the gateway's response to a LOOKUP. Node is nil and
// Error set when no online record matched.
type LookupResult struct {
	Success bool              `json:"success"`
	Node    *model.NodeRecord `json:"node,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// MessageEvent is the MESSAGE payload forwarded to a recipient.
type MessageEvent struct {
	From    string `json:"from"`
	Content any    `json:"content"`
}

// New builds an envelope of the given type, stamping the current time.
// A nil data produces an envelope without a payload (HEARTBEAT).
func New(t Type, senderID string, data any) (Envelope, error) {
	env := Envelope{
		Type:      t,
		Timestamp: time.Now().UnixMilli(),
		SenderID:  senderID,
	}
	if data == nil {
		return env, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	env.Data = raw
	return env, nil
}

// NewHeartbeat builds a payload-less HEARTBEAT envelope.
func NewHeartbeat(senderID string) Envelope {
	env, _ := New(TypeHeartbeat, senderID, nil)
	return env
}

// Decode parses a raw frame into an envelope and rejects unknown
// discriminants.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if !knownTypes[env.Type] {
		return Envelope{}, fmt.Errorf("unknown envelope type %q", env.Type)
	}
	return env, nil
}

// Encode serializes an envelope to its wire form.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Register decodes the REGISTER payload.
func (e Envelope) Register() (RegisterData, error) {
	return payload[RegisterData](e, TypeRegister)
}

// Lookup decodes the LOOKUP payload.
func (e Envelope) Lookup() (LookupData, error) {
	return payload[LookupData](e, TypeLookup)
}

// Message decodes the MESSAGE payload.
func (e Envelope) Message() (MessageData, error) {
	return payload[MessageData](e, TypeMessage)
}

// Broadcast decodes the BROADCAST payload.
func (e Envelope) Broadcast() (BroadcastData, error) {
	return payload[BroadcastData](e, TypeBroadcast)
}

// EmailSend decodes the EMAIL_SEND payload.
func (e Envelope) EmailSend() (EmailSendData, error) {
	return payload[EmailSendData](e, TypeEmailSend)
}

// Receipt decodes the EMAIL_RECEIVED or EMAIL_DELIVERED payload.
func (e Envelope) Receipt() (ReceiptData, error) {
	if e.Type != TypeEmailReceived && e.Type != TypeEmailDelivered {
		return ReceiptData{}, fmt.Errorf("envelope is %s, not a receipt", e.Type)
	}
	var data ReceiptData
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return ReceiptData{}, fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return data, nil
}

// RegisterResult decodes the gateway's REGISTER response payload.
func (e Envelope) RegisterResult() (RegisterResult, error) {
	return payload[RegisterResult](e, TypeRegister)
}

// LookupResult decodes the gateway's LOOKUP response payload.
func (e Envelope) LookupResult() (LookupResult, error) {
	return payload[LookupResult](e, TypeLookup)
}

// MessageEvent decodes a forwarded MESSAGE payload.
func (e Envelope) MessageEvent() (MessageEvent, error) {
	return payload[MessageEvent](e, TypeMessage)
}

func payload[T any](e Envelope, want Type) (T, error) {
	var data T
	if e.Type != want {
		return data, fmt.Errorf("envelope is %s, not %s", e.Type, want)
	}
	if len(e.Data) == 0 {
		return data, fmt.Errorf("%s envelope has no payload", want)
	}
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return data, fmt.Errorf("decode %s payload: %w", want, err)
	}
	return data, nil
}
