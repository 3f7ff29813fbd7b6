package rpc

import (
	"github.com/matheus3301/wppcache/internal/backend"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// The structs below are the payloads carried inside structpb.Struct messages.

type WriteRecordRequest struct {
	Collection string         `json:"collection"`
	ID         string         `json:"id,omitempty"`
	Fields     backend.Fields `json:"fields"`
}

type WriteBatchRequest struct {
	Collection string          `json:"collection"`
	Writes     []backend.Write `json:"writes"`
}

type QueryRequest struct {
	Collection string         `json:"collection"`
	Filter     backend.Filter `json:"filter"`
}

type QueryResponse struct {
	Records []backend.Record `json:"records"`
}

type SubscribeRequest struct {
	Topic backend.Topic `json:"topic"`
}

// Event kinds sent on a Subscribe stream. EventReady is always first.
const (
	EventReady    = "ready"
	EventSnapshot = "snapshot"
	EventError    = "error"
)

type Event struct {
	Kind    string           `json:"kind"`
	Records []backend.Record `json:"records,omitempty"`
	Fault   *Fault           `json:"fault,omitempty"`
}

// Fault carries an error inside a stream message.
type Fault struct {
	Code    uint32 `json:"code"`
	Message string `json:"message"`
}

type StatusResponse struct {
	Session   string                 `json:"session"`
	PID       int                    `json:"pid"`
	StartedAt *timestamppb.Timestamp `json:"started_at"`
	Counts    map[string]int         `json:"counts,omitempty"`
	Watchers  int                    `json:"watchers"`
}
