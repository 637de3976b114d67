// Package codec parses inbound backend frames, extracts sync-package payloads
// and builds outbound command frames. Its only shared state is the
// process-wide pts sequence stamped on sync acks.
package codec

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// StatusOK is the success code carried by acknowledgement frames.
const StatusOK = 200

// Kind is the coarse classification of an inbound frame.
type Kind int

const (
	KindGeneric Kind = iota
	KindSyncPackage
	KindHeartbeatAck
)

func (k Kind) String() string {
	switch k {
	case KindSyncPackage:
		return "sync_package"
	case KindHeartbeatAck:
		return "heartbeat_ack"
	default:
		return "generic"
	}
}

// Frame is an inbound JSON frame. Body is kept raw because its shape differs
// between pushes (object) and command responses (array).
type Frame struct {
	LWP     string          `json:"lwp,omitempty"`
	Code    int             `json:"code,omitempty"`
	Headers map[string]any  `json:"headers,omitempty"`
	Body    json.RawMessage `json:"body,omitempty"`
}

// Parse decodes a raw text frame.
func Parse(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse frame: %w", err)
	}
	return &f, nil
}

// Header returns a header value rendered as a string, or "" when absent.
func (f *Frame) Header(key string) string {
	if f == nil || f.Headers == nil {
		return ""
	}
	switch v := f.Headers[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

type syncBody struct {
	SyncPushPackage struct {
		Data []struct {
			Data string `json:"data"`
		} `json:"data"`
	} `json:"syncPushPackage"`
}

// syncPayloads returns the opaque payload strings of a sync package.
func (f *Frame) syncPayloads() []string {
	if f == nil || len(f.Body) == 0 || f.Body[0] != '{' {
		return nil
	}
	var body syncBody
	if err := json.Unmarshal(f.Body, &body); err != nil {
		return nil
	}
	out := make([]string, 0, len(body.SyncPushPackage.Data))
	for _, d := range body.SyncPushPackage.Data {
		out = append(out, d.Data)
	}
	return out
}

// Classify reports what kind of frame f is. A non-empty push package wins
// over the heartbeat-ack shape.
func Classify(f *Frame) Kind {
	if len(f.syncPayloads()) > 0 {
		return KindSyncPackage
	}
	if f != nil && f.Code == StatusOK && f.Header("mid") != "" {
		return KindHeartbeatAck
	}
	return KindGeneric
}
