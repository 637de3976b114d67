// Package domain contains the marketplace events and records shared by the
// session, pipeline and storage layers.
package domain

// ContentType describes what a chat message carries.
type ContentType string

const (
	ContentText  ContentType = "text"
	ContentImage ContentType = "image"
)

// EventKind tags which variant of Event is populated.
type EventKind int

const (
	KindIgnored EventKind = iota
	KindChat
	KindOrderStatus
	KindTyping
)

func (k EventKind) String() string {
	switch k {
	case KindChat:
		return "chat"
	case KindOrderStatus:
		return "order_status"
	case KindTyping:
		return "typing"
	default:
		return "ignored"
	}
}

// ChatMessage is a buyer message pushed by the backend.
type ChatMessage struct {
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	SenderName     string      `json:"senderName"`
	Text           string      `json:"text"`
	ContentType    ContentType `json:"contentType"`
	SourceURL      string      `json:"sourceUrl,omitempty"`
	CreatedAtMs    int64       `json:"createdAtMs"`
	ClientIP       string      `json:"clientIp,omitempty"`
	City           string      `json:"city,omitempty"`
	Country        string      `json:"country,omitempty"`
	Platform       string      `json:"platform,omitempty"`
}

// OrderStatusEvent is an observed order state transition.
type OrderStatusEvent struct {
	OrderID      string      `json:"orderId"`
	Status       OrderStatus `json:"status"`
	ObservedAtMs int64       `json:"observedAtMs"`
}

// TypingStatus signals the counterpart is typing.
type TypingStatus struct {
	ConversationID string `json:"conversationId"`
}

// Ignored records why a payload produced no actionable event.
type Ignored struct {
	Reason string `json:"reason"`
}

// Event is a tagged union. Exactly one of the pointer fields matching Kind is
// set; use the constructors below rather than building it by hand.
type Event struct {
	Kind    EventKind
	Chat    *ChatMessage
	Order   *OrderStatusEvent
	Typing  *TypingStatus
	Ignored *Ignored
}

func NewChatEvent(m ChatMessage) Event {
	return Event{Kind: KindChat, Chat: &m}
}

func NewOrderEvent(o OrderStatusEvent) Event {
	return Event{Kind: KindOrderStatus, Order: &o}
}

func NewTypingEvent(conversationID string) Event {
	return Event{Kind: KindTyping, Typing: &TypingStatus{ConversationID: conversationID}}
}

func NewIgnoredEvent(reason string) Event {
	return Event{Kind: KindIgnored, Ignored: &Ignored{Reason: reason}}
}
