// Package agent wraps the reply-generation backends consulted for every
// flushed conversation batch.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"strings"
)

const (
	// DefaultFallback is sent whenever the backend fails or answers empty.
	DefaultFallback = "抱歉，我现在无法回答您的问题，请稍后再试。"

	// SafetyNotice replaces replies that steer buyers off-platform.
	SafetyNotice = "[安全提醒]请通过平台沟通"
)

// ErrReply marks a failed or empty reply from a backend.
var ErrReply = errors.New("reply generation failed")

// Off-platform contact channels a reply must not mention.
var blockedPhrases = []string{"微信", "QQ", "支付宝", "银行卡", "线下"}

// Replier generates a reply for a conversation transcript on behalf of
// identity. conversationID may be empty.
type Replier interface {
	Generate(ctx context.Context, message, identity, conversationID string) (string, error)
}

// Service applies the safety filter and fallback around a Replier. It never
// returns an error.
type Service struct {
	replier  Replier
	fallback string
	logger   *slog.Logger
}

// NewService creates a Service. An empty fallback selects DefaultFallback.
func NewService(replier Replier, fallback string, logger *slog.Logger) *Service {
	if fallback == "" {
		fallback = DefaultFallback
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{replier: replier, fallback: fallback, logger: logger}
}

// Generate returns a safe reply, substituting the fallback on failure.
func (s *Service) Generate(ctx context.Context, message, identity, conversationID string) string {
	reply, err := s.replier.Generate(ctx, message, identity, conversationID)
	if err != nil {
		s.logger.Error("[AGENT] Reply generation failed, using fallback",
			"conversation_id", conversationID,
			"identity", identity,
			"error", err,
		)
		return s.fallback
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		s.logger.Warn("[AGENT] Empty reply, using fallback", "conversation_id", conversationID)
		return s.fallback
	}
	return SafetyFilter(reply)
}

// SafetyFilter replaces replies mentioning off-platform contact channels.
func SafetyFilter(reply string) string {
	for _, p := range blockedPhrases {
		if strings.Contains(reply, p) {
			return SafetyNotice
		}
	}
	return reply
}
