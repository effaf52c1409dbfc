package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/viper"

	"github.com/craftmarket/ledger/internal/models"
)

// AnchorClient talks to the external settlement anchor over HTTP. It is the
// production SettlementTransport; tests plug in a mock instead.
type AnchorClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewAnchorClient() *AnchorClient {
	viper.SetDefault("anchor.url", "http://localhost:9090")
	viper.SetDefault("anchor.timeout", 30*time.Second)

	return &AnchorClient{
		baseURL: viper.GetString("anchor.url"),
		apiKey:  viper.GetString("anchor.api_key"),
		client:  &http.Client{Timeout: viper.GetDuration("anchor.timeout")},
	}
}

type anchorSubmitRequest struct {
	BatchNumber int64  `json:"batch_number"`
	ContentHash string `json:"content_hash"`
	EntryCount  int    `json:"entry_count"`
	NetAmount   string `json:"net_amount"`
	PeriodStart string `json:"period_start"`
	PeriodEnd   string `json:"period_end"`
}

type anchorSubmitResponse struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
}

func (c *AnchorClient) Submit(ctx context.Context, batch *models.SettlementBatch) (string, error) {
	payload, err := json.Marshal(anchorSubmitRequest{
		BatchNumber: batch.BatchNumber,
		ContentHash: batch.ContentHash,
		EntryCount:  batch.EntryCount,
		NetAmount:   batch.NetAmount.String(),
		PeriodStart: batch.PeriodStart.Format(time.RFC3339),
		PeriodEnd:   batch.PeriodEnd.Format(time.RFC3339),
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/batches", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("anchor submission rejected: status %d", resp.StatusCode)
	}

	var body anchorSubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("anchor returned unreadable response: %w", err)
	}
	if body.Reference == "" {
		return "", fmt.Errorf("anchor returned no reference")
	}
	return body.Reference, nil
}

// Confirm looks a batch up by content hash. A 404 means the anchor never
// received the batch, which is distinct from the anchor being unreachable.
func (c *AnchorClient) Confirm(ctx context.Context, contentHash string) (bool, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/batches/"+contentHash, nil)
	if err != nil {
		return false, "", err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return false, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, "", nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, "", fmt.Errorf("anchor lookup failed: status %d", resp.StatusCode)
	}

	var body anchorSubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, "", err
	}
	return body.Status == "CONFIRMED", body.Reference, nil
}
