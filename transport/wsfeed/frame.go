package wsfeed

import (
	auth "github.com/goliatone/go-storefront-auth"
)

const (
	frameSubscribe = "subscribe"
	frameStatus    = "status"
	frameChange    = "change"
)

type frame struct {
	Type    string                 `json:"type"`
	Token   string                 `json:"token,omitempty"`
	Request *auth.SubscribeRequest `json:"request,omitempty"`
	Status  auth.ChannelStatus     `json:"status,omitempty"`
	Event   *auth.ChangeEvent      `json:"event,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

func statusFrame(status auth.ChannelStatus, reason string) frame {
	return frame{Type: frameStatus, Status: status, Error: reason}
}
