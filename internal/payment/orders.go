package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/HanTheDev/lernkarte-api/internal/models"
)

// OrderClient creates orders through the processor's REST API.
type OrderClient struct {
	apiURL     string
	keyID      string
	keySecret  string
	currency   string
	httpClient *http.Client
}

func NewOrderClient(apiURL, keyID, keySecret, currency string) *OrderClient {
	return &OrderClient{
		apiURL:     strings.TrimRight(apiURL, "/"),
		keyID:      keyID,
		keySecret:  keySecret,
		currency:   currency,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// CreateOrder registers an order for amount minor currency units.
func (c *OrderClient) CreateOrder(ctx context.Context, amount int64) (models.Order, error) {
	reqBody := map[string]interface{}{
		"amount":          amount,
		"currency":        c.currency,
		"receipt":         "receipt_" + uuid.NewString(),
		"payment_capture": 1,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return models.Order{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/orders", bytes.NewBuffer(jsonData))
	if err != nil {
		return models.Order{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.keyID, c.keySecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return models.Order{}, fmt.Errorf("create order: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return models.Order{}, fmt.Errorf("create order: processor returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var order models.Order
	if err := json.NewDecoder(resp.Body).Decode(&order); err != nil {
		return models.Order{}, fmt.Errorf("decode order: %w", err)
	}

	return order, nil
}
