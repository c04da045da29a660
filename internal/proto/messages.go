package proto

import "time"

// Flow event types.
const (
	FlowOpen  = "open"
	FlowClose = "close"
)

// FlowEvent is published whenever the relay admits or releases a flow.
type FlowEvent struct {
	Type     string    `json:"type"`
	Instance string    `json:"instance"`
	Mode     string    `json:"mode"`
	Peer     string    `json:"peer"`
	Upstream string    `json:"upstream"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// Instance describes a running relay process.
type Instance struct {
	ID       string    `json:"id"`
	Mode     string    `json:"mode"`
	Listen   string    `json:"listen"`
	Upstream string    `json:"upstream"`
	Started  time.Time `json:"started"`
}
