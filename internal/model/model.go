package model

import "time"

// Node status values.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Email status values. Transitions are owned by the mailbox store,
// driven by delivery confirmations relayed back from the gateway.
const (
	EmailSending   = "sending"
	EmailDelivered = "delivered"
	EmailFailed    = "failed"
)

// NodeRecord is a directory entry for a registered mail node.
// The address fields are self-reported by the node and not verified.
// LastHeartbeat is epoch milliseconds, matching the wire format.
type NodeRecord struct {
	NodeID        string `json:"nodeId"`
	IPAddress     string `json:"ipAddress"`
	Port          int    `json:"port"`
	MailAddress   string `json:"mailAddress"`
	Status        string `json:"status"`
	LastHeartbeat int64  `json:"lastHeartbeat"`
}

// Online reports whether the record is currently marked online.
func (n NodeRecord) Online() bool {
	return n.Status == StatusOnline
}

// Email is the unit of mail passed through the relay. The relay only
// reads ID/From/To for routing; everything else is opaque payload.
type Email struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Subject   string `json:"subject"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
	Status    string `json:"status,omitempty"`
}

// Delivery outcome values.
const (
	OutcomeForwarded = "forwarded"
	OutcomeDropped   = "dropped"
)

// Delivery is a single routing decision made by the gateway,
// appended to the delivery log when one is configured.
type Delivery struct {
	Timestamp time.Time
	Type      string
	SenderID  string
	Recipient string
	Outcome   string
	Reason    string // empty for forwarded
}
