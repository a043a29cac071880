package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/servilink/servilink/internal/payments"
)

// TaskClient opens service tasks in the order management backend after a
// payment is captured. Creation is best-effort: the caller logs failures
// and the payment stays valid without a task.
type TaskClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewTaskClient creates a task client for the given backend base URL.
func NewTaskClient(baseURL, apiKey string) *TaskClient {
	return &TaskClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type createTaskRequest struct {
	PaymentID     string `json:"paymentId"`
	OrderRef      string `json:"orderRef"`
	ProviderID    string `json:"providerId"`
	ServiceAmount string `json:"serviceAmount"`
	Currency      string `json:"currency"`
}

type createTaskResponse struct {
	Task struct {
		ID string `json:"id"`
	} `json:"task"`
}

// CreateTask opens a service task for a captured payment and returns its ID.
func (t *TaskClient) CreateTask(ctx context.Context, p *payments.Payment) (string, error) {
	body, err := json.Marshal(createTaskRequest{
		PaymentID:     p.ID,
		OrderRef:      p.OrderRef,
		ProviderID:    p.ProviderID,
		ServiceAmount: p.ServiceAmount.String(),
		Currency:      p.Currency,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", t.baseURL+"/v1/tasks", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("task backend returned status %d", resp.StatusCode)
	}

	var out createTaskResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode task response: %w", err)
	}
	if out.Task.ID == "" {
		return "", fmt.Errorf("task backend returned no task id")
	}
	return out.Task.ID, nil
}
