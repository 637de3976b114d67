package codec

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

const (
	// DefaultAppKey is the web client's application key.
	DefaultAppKey = "444e9908a51d1cb236a27862abc769c9"

	// RegisterUserAgent is the client descriptor sent at registration.
	RegisterUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) " +
		"Chrome/133.0.0.0 Safari/537.36 DingTalk(2.1.5) OS(Windows/10) Browser(Chrome/133.0.0.0) " +
		"DingWeb/2.1.5 IMPaaS DingWeb/2.1.5"

	capabilities = "im:3,au:3,sy:6"
	addrSuffix   = "@goofish"
)

// Header fields echoed back in per-frame acknowledgements, when present.
var ackHeaderWhitelist = []string{"app-key", "ua", "dt"}

type command struct {
	LWP     string            `json:"lwp"`
	Headers map[string]string `json:"headers"`
	Body    any               `json:"body,omitempty"`
}

type ack struct {
	Code    int               `json:"code"`
	Headers map[string]string `json:"headers"`
}

// Registration carries what the backend needs to bind a connection.
type Registration struct {
	AppKey   string
	Token    string
	DeviceID string
}

// EncodeRegister builds the /reg frame sent first on every connection.
func EncodeRegister(r Registration) ([]byte, error) {
	appKey := r.AppKey
	if appKey == "" {
		appKey = DefaultAppKey
	}
	return json.Marshal(command{
		LWP: "/reg",
		Headers: map[string]string{
			"cache-header": "app-key token ua wv",
			"app-key":      appKey,
			"token":        r.Token,
			"ua":           RegisterUserAgent,
			"dt":           "j",
			"wv":           capabilities,
			"sync":         "0,0;0;0;",
			"did":          r.DeviceID,
			"mid":          NewMID(),
		},
	})
}

var (
	ptsMu   sync.Mutex
	lastPts int64
)

// nextPts returns a strictly increasing microsecond sequence derived from now.
func nextPts(now time.Time) int64 {
	ptsMu.Lock()
	defer ptsMu.Unlock()
	pts := now.UnixMilli() * 1000
	if pts <= lastPts {
		pts = lastPts + 1
	}
	lastPts = pts
	return pts
}

// EncodeSyncAck builds the sync-status ack that follows registration.
func EncodeSyncAck(now time.Time) ([]byte, error) {
	return json.Marshal(command{
		LWP:     "/r/SyncStatus/ackDiff",
		Headers: map[string]string{"mid": NewMID()},
		Body: []map[string]any{{
			"pipeline":    "sync",
			"tooLong2Tag": "PNM,1",
			"channel":     "sync",
			"topic":       "sync",
			"highPts":     0,
			"pts":         nextPts(now),
			"seq":         0,
			"timestamp":   now.UnixMilli(),
		}},
	})
}

// EncodeHeartbeat builds a heartbeat frame correlated by mid.
func EncodeHeartbeat(mid string) ([]byte, error) {
	return json.Marshal(command{
		LWP:     "/!",
		Headers: map[string]string{"mid": mid},
	})
}

// EncodeAck builds the acknowledgement for an inbound frame. It returns
// (nil, nil) when the frame carries no message id.
func EncodeAck(f *Frame) ([]byte, error) {
	mid := f.Header("mid")
	if mid == "" {
		return nil, nil
	}
	headers := map[string]string{
		"mid": mid,
		"sid": f.Header("sid"),
	}
	for _, k := range ackHeaderWhitelist {
		if v := f.Header(k); v != "" {
			headers[k] = v
		}
	}
	return json.Marshal(ack{Code: StatusOK, Headers: headers})
}

// EncodeChatSend builds a text message send command addressed to the
// conversation, delivered to both the recipient and self.
func EncodeChatSend(conversationID, recipientID, selfID, text string) ([]byte, error) {
	inner, err := json.Marshal(map[string]any{
		"contentType": 1,
		"text":        map[string]string{"text": text},
	})
	if err != nil {
		return nil, fmt.Errorf("encode text content: %w", err)
	}

	content := map[string]any{
		"uuid":             NewMessageUUID(),
		"cid":              conversationID + addrSuffix,
		"conversationType": 1,
		"content": map[string]any{
			"contentType": 101,
			"custom": map[string]any{
				"type": 1,
				"data": base64.StdEncoding.EncodeToString(inner),
			},
		},
		"redPointPolicy":       0,
		"extension":            map[string]string{"extJson": "{}"},
		"ctx":                  map[string]string{"appVersion": "1.0", "platform": "web"},
		"mtags":                map[string]any{},
		"msgReadStatusSetting": 1,
	}
	receivers := map[string]any{
		"actualReceivers": []string{recipientID + addrSuffix, selfID + addrSuffix},
	}

	return json.Marshal(command{
		LWP:     "/r/MessageSend/sendByReceiverScope",
		Headers: map[string]string{"mid": NewMID()},
		Body:    []any{content, receivers},
	})
}
