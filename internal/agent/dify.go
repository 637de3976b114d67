package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultDifyBaseURL is the hosted Dify API root.
const DefaultDifyBaseURL = "https://api.dify.ai/v1"

// DifyReplier generates replies through a Dify chat application.
type DifyReplier struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewDifyReplier creates a replier. An empty baseURL selects the hosted API.
func NewDifyReplier(baseURL, apiKey string) *DifyReplier {
	if baseURL == "" {
		baseURL = DefaultDifyBaseURL
	}
	return &DifyReplier{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type difyRequest struct {
	Inputs         map[string]string `json:"inputs"`
	Query          string            `json:"query"`
	ResponseMode   string            `json:"response_mode"`
	ConversationID string            `json:"conversation_id"`
	User           string            `json:"user"`
}

type difyResponse struct {
	Answer string `json:"answer"`
}

// Generate implements Replier. The marketplace conversation id is passed as
// the order_id input; Dify's own conversation tracking is not used.
func (r *DifyReplier) Generate(ctx context.Context, message, identity, conversationID string) (string, error) {
	body, err := json.Marshal(difyRequest{
		Inputs:       map[string]string{"order_id": conversationID},
		Query:        message,
		ResponseMode: "blocking",
		User:         identity,
	})
	if err != nil {
		return "", fmt.Errorf("marshal dify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/chat-messages", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build dify request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+r.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: dify request: %v", ErrReply, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("%w: dify status %d: %s", ErrReply, resp.StatusCode, snippet)
	}

	var out difyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode dify response: %v", ErrReply, err)
	}
	return out.Answer, nil
}
