package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ashureev/goofish-agent/internal/codec"
	"github.com/ashureev/goofish-agent/internal/domain"
)

const (
	platformSuffix = "@goofish"

	// ImageParseFailed replaces the content of an image message whose
	// attachment block could not be read.
	ImageParseFailed = "[图片解析失败]"

	imageMessageType = 101
	imageContentType = 2
)

// Classify maps a decoded payload to exactly one event variant. Rules are
// tried in order: order status, typing, chat; anything else is ignored.
// observedAtMs stamps order events.
func Classify(p codec.Payload, observedAtMs int64) domain.Event {
	if ev, ok := classifyOrder(p, observedAtMs); ok {
		return ev
	}
	if ev, ok := classifyTyping(p); ok {
		return ev
	}
	if ev, ok := classifyChat(p); ok {
		return ev
	}
	return domain.NewIgnoredEvent("unrecognized payload")
}

func classifyOrder(p codec.Payload, observedAtMs int64) (domain.Event, bool) {
	label, ok := p.String("3", "redReminder")
	if !ok {
		return domain.Event{}, false
	}
	status, ok := domain.StatusFromReminder(label)
	if !ok {
		return domain.Event{}, false
	}
	counterpart, _ := p.String("1")
	orderID := stripAddress(counterpart)
	if orderID == "" {
		return domain.NewIgnoredEvent("order status without order id"), true
	}
	return domain.NewOrderEvent(domain.OrderStatusEvent{
		OrderID:      orderID,
		Status:       status,
		ObservedAtMs: observedAtMs,
	}), true
}

func classifyTyping(p codec.Payload) (domain.Event, bool) {
	v, ok := p.Lookup("1")
	if !ok {
		return domain.Event{}, false
	}
	list, ok := v.([]any)
	if !ok || len(list) == 0 {
		return domain.Event{}, false
	}
	first, ok := list[0].(map[string]any)
	if !ok {
		return domain.Event{}, false
	}
	addr, ok := first["1"].(string)
	if !ok || !strings.Contains(addr, platformSuffix) {
		return domain.Event{}, false
	}
	return domain.NewTypingEvent(stripAddress(addr)), true
}

func classifyChat(p codec.Payload) (domain.Event, bool) {
	reminder, ok := p.Object("1", "10")
	if !ok {
		return domain.Event{}, false
	}
	content, ok := reminder.String("reminderContent")
	if !ok {
		return domain.Event{}, false
	}

	if kind, ok := p.Int("1", "7"); ok && kind == 1 {
		return domain.NewIgnoredEvent("system message"), true
	}

	createdAt, ok := p.Int("1", "5")
	if !ok {
		return domain.NewIgnoredEvent("chat message without timestamp"), true
	}

	msg := domain.ChatMessage{
		ConversationID: conversationID(p),
		SenderID:       stringField(reminder, "senderUserId"),
		SenderName:     stringField(reminder, "reminderTitle"),
		Text:           content,
		ContentType:    domain.ContentText,
		SourceURL:      stringField(reminder, "reminderUrl"),
		CreatedAtMs:    createdAt,
		ClientIP:       stringField(reminder, "clientIp"),
		Platform:       stringField(reminder, "_platform"),
	}
	applyImage(p, &msg)
	return domain.NewChatEvent(msg), true
}

// conversationID prefers the nested conversation address and falls back to
// the top-level one.
func conversationID(p codec.Payload) string {
	if s, ok := p.String("1", "2"); ok && s != "" {
		return stripAddress(s)
	}
	s, _ := p.String("2")
	return stripAddress(s)
}

// applyImage rewrites msg when the payload carries an image attachment.
func applyImage(p codec.Payload, msg *domain.ChatMessage) {
	msgType, ok := p.Int("1", "6", "1")
	if !ok || msgType != imageMessageType {
		return
	}
	block, ok := p.Object("1", "6", "3")
	if !ok {
		return
	}
	if ct, ok := block.Int("4"); !ok || ct != imageContentType {
		return
	}

	msg.ContentType = domain.ContentImage
	url, err := firstPictureURL(block)
	if err != nil {
		msg.Text = ImageParseFailed
		return
	}
	if url != "" {
		msg.Text = url
	}
}

type imageData struct {
	Image struct {
		Pics []struct {
			URL string `json:"url"`
		} `json:"pics"`
	} `json:"image"`
}

func firstPictureURL(block codec.Payload) (string, error) {
	v, present := block.Lookup("5")
	if !present {
		return "", nil
	}
	raw, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("image block field 5 is %T, want string", v)
	}
	var data imageData
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return "", err
	}
	if len(data.Image.Pics) == 0 {
		return "", nil
	}
	return data.Image.Pics[0].URL, nil
}

func stringField(p codec.Payload, key string) string {
	s, _ := p.String(key)
	return s
}

func stripAddress(addr string) string {
	id, _, _ := strings.Cut(addr, "@")
	return id
}
