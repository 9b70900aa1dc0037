// Package callback posts scheduler results to the configured origin endpoint.
// Delivery is best effort: failures are logged and never surface to the
// caller, and there is no retry, so a dropped callback is lost. Callers that
// need certainty poll row status instead.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"loyaltyrelay/observability"
)

// Result codes carried in the callback body.
const (
	CodeSuccess = 0
	CodeDenied  = 4000
	CodeError   = 5000
)

// Callback type identifiers.
const (
	TypePayNew     = "pay_new"
	TypePayCancel  = "pay_cancel"
	TypeShopAdd    = "shop_add"
	TypeShopUpdate = "shop_update"
	TypeShopStatus = "shop_status"
)

// Notifier posts structured results to one configured endpoint.
type Notifier struct {
	endpoint  string
	accessKey string
	http      *http.Client
	log       *slog.Logger
}

// New builds a notifier. A nil logger falls back to the default.
func New(endpoint, accessKey string, log *slog.Logger) *Notifier {
	if log == nil {
		log = slog.Default()
	}
	return &Notifier{
		endpoint:  endpoint,
		accessKey: accessKey,
		http:      &http.Client{Timeout: 10 * time.Second},
		log:       log,
	}
}

type payload struct {
	Type    string      `json:"type"`
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
}

// Notify posts one callback. Errors are absorbed after logging.
func (n *Notifier) Notify(ctx context.Context, callbackType string, code int, message string, data interface{}) {
	if n.endpoint == "" {
		return
	}
	body, err := json.Marshal(payload{Type: callbackType, Code: code, Message: message, Data: data})
	if err != nil {
		n.log.Error("callback encode failed", "type", callbackType, "err", err)
		observability.Metrics().CallbackDeliveries.WithLabelValues("error").Inc()
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(body))
	if err != nil {
		n.log.Error("callback request failed", "type", callbackType, "err", err)
		observability.Metrics().CallbackDeliveries.WithLabelValues("error").Inc()
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if n.accessKey != "" {
		req.Header.Set("Authorization", "Bearer "+n.accessKey)
	}
	resp, err := n.http.Do(req)
	if err != nil {
		n.log.Error("callback delivery failed", "type", callbackType, "err", err)
		observability.Metrics().CallbackDeliveries.WithLabelValues("error").Inc()
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		n.log.Error("callback rejected", "type", callbackType, "status", resp.StatusCode)
		observability.Metrics().CallbackDeliveries.WithLabelValues("rejected").Inc()
		return
	}
	observability.Metrics().CallbackDeliveries.WithLabelValues("ok").Inc()
}
