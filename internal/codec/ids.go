package codec

import (
	"math/rand/v2"
	"strconv"
	"time"
)

// NewMID returns a message correlation id in the backend's "<rand><ms> 0" form.
func NewMID() string {
	return strconv.Itoa(rand.IntN(1000)) + strconv.FormatInt(time.Now().UnixMilli(), 10) + " 0"
}

// NewMessageUUID returns a client-side message id.
func NewMessageUUID() string {
	return "-" + strconv.FormatInt(time.Now().UnixMilli(), 10) + "1"
}
