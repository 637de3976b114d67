package domain

// SelfUserName is the display name stored for messages the agent sent.
const SelfUserName = "me"

// StoredMessage is a persisted chat line. OrderID is the conversation id.
type StoredMessage struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	LocalID  string `json:"localId"`
	Text     string `json:"text"`
	TimeMs   int64  `json:"timeMs"`
	URL      string `json:"url,omitempty"`
	OrderID  string `json:"orderId"`
}

// OrderMessage is a human readable order log line.
type OrderMessage struct {
	OrderID string `json:"orderId"`
	Message string `json:"message"`
	TimeMs  int64  `json:"timeMs"`
}
