package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/loqalabs/loqa-voice/internal/protocol"
)

// WebhookNotifier POSTs job outcomes as JSON.
type WebhookNotifier struct {
	client *http.Client
}

func NewWebhookNotifier(client *http.Client) *WebhookNotifier {
	if client == nil {
		client = http.DefaultClient
	}
	return &WebhookNotifier{client: client}
}

func (n *WebhookNotifier) Notify(ctx context.Context, webhookURL string, status protocol.JobStatus) error {
	body, err := json.Marshal(status)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook responded %d", resp.StatusCode)
	}
	return nil
}
