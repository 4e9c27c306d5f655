package api

import "mailrelay/internal/model"

// RegisterRequest is posted by a node joining the directory.
type RegisterRequest struct {
	IPAddress   string `json:"ipAddress"`
	Port        int    `json:"port"`
	MailAddress string `json:"mailAddress"`
}

// RegisterResponse returns the freshly allocated record.
type RegisterResponse struct {
	Success bool              `json:"success"`
	Node    *model.NodeRecord `json:"node,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// LookupResponse returns the online record for a mail address.
type LookupResponse struct {
	Success bool              `json:"success"`
	Node    *model.NodeRecord `json:"node,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// NodesResponse lists every directory record, online or not.
type NodesResponse struct {
	Success bool               `json:"success"`
	Nodes   []model.NodeRecord `json:"nodes"`
	Error   string             `json:"error,omitempty"`
}

// HeartbeatRequest refreshes a node's liveness.
type HeartbeatRequest struct {
	NodeID string `json:"nodeId"`
}

// HeartbeatResponse reports whether the identity was known.
type HeartbeatResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}
