package codec

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
)

type decodedCommand struct {
	LWP     string            `json:"lwp"`
	Code    int               `json:"code"`
	Headers map[string]string `json:"headers"`
	Body    any               `json:"body"`
}

func mustEncode(t *testing.T, fn func() ([]byte, error)) []byte {
	t.Helper()
	b, err := fn()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	return b
}

func decodeCommand(t *testing.T, b []byte) decodedCommand {
	t.Helper()
	var c decodedCommand
	if err := json.Unmarshal(b, &c); err != nil {
		t.Fatalf("unmarshal command: %v", err)
	}
	return c
}

func TestEncodeRegister(t *testing.T) {
	t.Parallel()

	c := decodeCommand(t, mustEncode(t, func() ([]byte, error) {
		return EncodeRegister(Registration{Token: "tok", DeviceID: "dev-1"})
	}))
	if c.LWP != "/reg" {
		t.Fatalf("unexpected lwp %q", c.LWP)
	}
	if c.Headers["token"] != "tok" || c.Headers["did"] != "dev-1" {
		t.Fatalf("unexpected headers %v", c.Headers)
	}
	if c.Headers["app-key"] != DefaultAppKey {
		t.Fatalf("expected default app key, got %q", c.Headers["app-key"])
	}
	if c.Headers["wv"] == "" || c.Headers["mid"] == "" {
		t.Fatalf("missing capability or mid: %v", c.Headers)
	}
}

func TestEncodeAckEchoesWhitelistedHeaders(t *testing.T) {
	t.Parallel()

	f, err := Parse([]byte(`{"headers":{"mid":"m1","sid":"s1","app-key":"k","ua":"agent","dt":"j","secret":"x"}}`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	c := decodeCommand(t, mustEncode(t, func() ([]byte, error) { return EncodeAck(f) }))

	if c.Code != StatusOK {
		t.Fatalf("unexpected code %d", c.Code)
	}
	want := map[string]string{"mid": "m1", "sid": "s1", "app-key": "k", "ua": "agent", "dt": "j"}
	for k, v := range want {
		if c.Headers[k] != v {
			t.Fatalf("header %s = %q, want %q", k, c.Headers[k], v)
		}
	}
	if _, ok := c.Headers["secret"]; ok {
		t.Fatal("non-whitelisted header must not be echoed")
	}
}

func TestEncodeAckWithoutMid(t *testing.T) {
	t.Parallel()

	f, _ := Parse([]byte(`{"headers":{"sid":"s1"}}`))
	b, err := EncodeAck(f)
	if err != nil || b != nil {
		t.Fatalf("expected (nil, nil), got (%s, %v)", b, err)
	}
}

func TestEncodeChatSend(t *testing.T) {
	t.Parallel()

	c := decodeCommand(t, mustEncode(t, func() ([]byte, error) {
		return EncodeChatSend("conv1", "buyer", "seller", "你好")
	}))
	if c.LWP != "/r/MessageSend/sendByReceiverScope" {
		t.Fatalf("unexpected lwp %q", c.LWP)
	}
	body, ok := c.Body.([]any)
	if !ok || len(body) != 2 {
		t.Fatalf("expected two-part body, got %#v", c.Body)
	}

	content := body[0].(map[string]any)
	if content["cid"] != "conv1@goofish" {
		t.Fatalf("unexpected cid %v", content["cid"])
	}
	custom := content["content"].(map[string]any)["custom"].(map[string]any)
	raw, err := base64.StdEncoding.DecodeString(custom["data"].(string))
	if err != nil {
		t.Fatalf("custom data not base64: %v", err)
	}
	var inner struct {
		ContentType int `json:"contentType"`
		Text        struct {
			Text string `json:"text"`
		} `json:"text"`
	}
	if err := json.Unmarshal(raw, &inner); err != nil {
		t.Fatalf("custom data not json: %v", err)
	}
	if inner.Text.Text != "你好" || inner.ContentType != 1 {
		t.Fatalf("unexpected inner payload %+v", inner)
	}

	receivers := body[1].(map[string]any)["actualReceivers"].([]any)
	if len(receivers) != 2 || receivers[0] != "buyer@goofish" || receivers[1] != "seller@goofish" {
		t.Fatalf("unexpected receivers %v", receivers)
	}
}

func TestNewMIDFormat(t *testing.T) {
	t.Parallel()
	mid := NewMID()
	if !strings.HasSuffix(mid, " 0") {
		t.Fatalf("unexpected mid %q", mid)
	}
}
