package collaborators

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/convocrm/backend/internal/domain/models"
	"github.com/convocrm/backend/internal/domain/ports"
)

// HTTPChannelSender posts rendered instructions to the channel-send
// collaborator's webhook. Transport, templating approval, and delivery-status
// tracking live on the other side of that webhook.
type HTTPChannelSender struct {
	url    string
	client *http.Client
}

// NewHTTPChannelSender creates a sender targeting the given webhook URL.
func NewHTTPChannelSender(url string) *HTTPChannelSender {
	return &HTTPChannelSender{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

var _ ports.MessageSender = (*HTTPChannelSender)(nil)

// Send posts one instruction. Non-2xx responses are errors so the outbox
// retries them.
func (s *HTTPChannelSender) Send(ctx context.Context, instruction models.OutboundInstruction) error {
	body, err := json.Marshal(instruction)
	if err != nil {
		return fmt.Errorf("failed to marshal outbound instruction: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build channel request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("channel send failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("channel send rejected with status %d", resp.StatusCode)
	}
	return nil
}

// LogChannelSender writes outbound instructions to the log instead of a
// channel. Used when no webhook is configured (local development).
type LogChannelSender struct{}

var _ ports.MessageSender = (*LogChannelSender)(nil)

// Send logs the instruction and succeeds.
func (s *LogChannelSender) Send(_ context.Context, instruction models.OutboundInstruction) error {
	log.Printf("📤 Channel (log): -> %s: %s", instruction.ConversantID, instruction.Content)
	return nil
}

// NewChannelSenderFromEnv picks the HTTP sender when CHANNEL_SEND_URL is set,
// the log sender otherwise.
func NewChannelSenderFromEnv() ports.MessageSender {
	if url := os.Getenv("CHANNEL_SEND_URL"); url != "" {
		return NewHTTPChannelSender(url)
	}
	log.Println("⚠️ CHANNEL_SEND_URL not set, outbound messages will be logged only")
	return &LogChannelSender{}
}
