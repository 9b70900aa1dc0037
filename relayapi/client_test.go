package relayapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	path string
	auth string
	body map[string]interface{}
}

func newRecordingServer(t *testing.T, status int) (*httptest.Server, *[]recordedRequest) {
	t.Helper()
	var requests []recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(raw, &body))
		requests = append(requests, recordedRequest{
			path: r.URL.Path,
			auth: r.Header.Get("Authorization"),
			body: body,
		})
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &requests
}

func TestApprovePayment(t *testing.T) {
	srv, requests := newRecordingServer(t, http.StatusOK)
	client := New(srv.URL+"/", "secret-key")

	err := client.ApprovePayment(context.Background(), FlowNew, "0x01", true, []byte{0xde, 0xad})
	require.NoError(t, err)

	require.Len(t, *requests, 1)
	req := (*requests)[0]
	require.Equal(t, "/v1/payment/new/approval", req.path)
	require.Equal(t, "Bearer secret-key", req.auth)
	require.Equal(t, "0x01", req.body["paymentId"])
	require.Equal(t, true, req.body["approval"])
	require.Equal(t, "0xdead", req.body["signature"])
}

func TestClosePaymentCancelFlow(t *testing.T) {
	srv, requests := newRecordingServer(t, http.StatusOK)
	client := New(srv.URL, "secret-key")

	err := client.ClosePayment(context.Background(), FlowCancel, "0x02", false)
	require.NoError(t, err)

	require.Len(t, *requests, 1)
	req := (*requests)[0]
	require.Equal(t, "/v1/payment/cancel/close", req.path)
	require.Equal(t, "0x02", req.body["paymentId"])
	require.Equal(t, false, req.body["confirm"])
}

func TestApproveTask(t *testing.T) {
	srv, requests := newRecordingServer(t, http.StatusOK)
	client := New(srv.URL, "secret-key")

	err := client.ApproveTask(context.Background(), TaskKindStatus, "task-1", true, []byte{0x01})
	require.NoError(t, err)

	require.Len(t, *requests, 1)
	require.Equal(t, "/v1/shop/status/approval", (*requests)[0].path)
}

func TestPostReportsRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"payment status changed"}`))
	}))
	t.Cleanup(srv.Close)
	client := New(srv.URL, "")

	err := client.ClosePayment(context.Background(), FlowNew, "0x03", true)
	require.Error(t, err)
	require.Contains(t, err.Error(), "409")
	require.Contains(t, err.Error(), "payment status changed")
}
