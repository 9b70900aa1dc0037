// Package relayapi is the HTTP client the schedulers use to call back into
// the relay's own public API. The API layer owns request validation and
// transaction submission; schedulers only post approvals and closes.
package relayapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Flow selects the payment sub-flow an endpoint acts on.
type Flow string

const (
	FlowNew    Flow = "new"
	FlowCancel Flow = "cancel"
)

// TaskKind selects the shop approval endpoint.
type TaskKind string

const (
	TaskKindUpdate TaskKind = "update"
	TaskKindStatus TaskKind = "status"
)

// Client posts to the relay API with a bearer access key.
type Client struct {
	baseURL   string
	accessKey string
	http      *http.Client
}

// New builds a client for the given base URL.
func New(baseURL, accessKey string) *Client {
	return &Client{
		baseURL:   strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		accessKey: accessKey,
		http:      &http.Client{Timeout: 10 * time.Second},
	}
}

type approvePaymentRequest struct {
	PaymentID string `json:"paymentId"`
	Approval  bool   `json:"approval"`
	Signature string `json:"signature"`
}

type closePaymentRequest struct {
	PaymentID string `json:"paymentId"`
	Confirm   bool   `json:"confirm"`
}

type approveTaskRequest struct {
	TaskID    string `json:"taskId"`
	Approval  bool   `json:"approval"`
	Signature string `json:"signature"`
}

// ApprovePayment posts an approval (or denial) for a payment sub-flow.
func (c *Client) ApprovePayment(ctx context.Context, flow Flow, paymentID string, approval bool, signature []byte) error {
	req := approvePaymentRequest{PaymentID: paymentID, Approval: approval, Signature: hexutil.Encode(signature)}
	return c.post(ctx, fmt.Sprintf("/v1/payment/%s/approval", flow), req)
}

// ClosePayment posts a close for a payment sub-flow. confirm=false is the
// forced-close "give up, roll back" signal.
func (c *Client) ClosePayment(ctx context.Context, flow Flow, paymentID string, confirm bool) error {
	req := closePaymentRequest{PaymentID: paymentID, Confirm: confirm}
	return c.post(ctx, fmt.Sprintf("/v1/payment/%s/close", flow), req)
}

// ApproveTask posts an approval for a shop administrative task.
func (c *Client) ApproveTask(ctx context.Context, kind TaskKind, taskID string, approval bool, signature []byte) error {
	req := approveTaskRequest{TaskID: taskID, Approval: approval, Signature: hexutil.Encode(signature)}
	return c.post(ctx, fmt.Sprintf("/v1/shop/%s/approval", kind), req)
}

func (c *Client) post(ctx context.Context, path string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.accessKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("post %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}
