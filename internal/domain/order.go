package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// OrderStatus is the lifecycle state of a marketplace order.
type OrderStatus int

const (
	OrderUnknown OrderStatus = iota
	OrderAwaitingPayment
	OrderAwaitingShipment
	OrderClosed
)

var orderStatusNames = map[OrderStatus]string{
	OrderAwaitingPayment:  "awaiting_payment",
	OrderAwaitingShipment: "awaiting_shipment",
	OrderClosed:           "closed",
}

// Marketplace reminder labels as they appear in pushed payloads.
var reminderLabels = map[string]OrderStatus{
	"等待买家付款": OrderAwaitingPayment,
	"等待卖家发货": OrderAwaitingShipment,
	"交易关闭":   OrderClosed,
}

// Human readable order log lines, one per transition.
var orderNotices = map[OrderStatus]string{
	OrderAwaitingPayment:  "订单创建，等待买家付款",
	OrderAwaitingShipment: "买家已付款，等待卖家发货",
	OrderClosed:           "交易已关闭",
}

func (s OrderStatus) String() string {
	if name, ok := orderStatusNames[s]; ok {
		return name
	}
	return "unknown"
}

// Notice returns the order log message recorded for a transition into s.
func (s OrderStatus) Notice() string {
	return orderNotices[s]
}

// ParseOrderStatus maps a stored status name back to its enum value.
func ParseOrderStatus(name string) (OrderStatus, error) {
	for s, n := range orderStatusNames {
		if n == name {
			return s, nil
		}
	}
	return OrderUnknown, fmt.Errorf("unknown order status %q", name)
}

// StatusFromReminder maps a reminder label to an order status.
func StatusFromReminder(label string) (OrderStatus, bool) {
	s, ok := reminderLabels[label]
	return s, ok
}

func (s OrderStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *OrderStatus) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseOrderStatus(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// OrderTransition is one entry of an order's append-only status history.
type OrderTransition struct {
	OrderID string      `json:"orderId"`
	Status  OrderStatus `json:"status"`
	At      time.Time   `json:"at"`
}
