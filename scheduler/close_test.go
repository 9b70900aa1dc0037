package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"loyaltyrelay/models"
	"loyaltyrelay/relayapi"
)

func newCloseForTest(t *testing.T, store *fakeStore, ledger *fakeLedger, relay *fakeRelay, now time.Time) *Close {
	t.Helper()
	closer, err := NewClose(CloseConfig{
		Store:      store,
		Ledger:     ledger,
		Relay:      relay,
		CloseAfter: 24 * time.Hour,
		Now:        func() time.Time { return now },
	})
	require.NoError(t, err)
	return closer
}

func TestForcedCloseRollsBackExpiredPayment(t *testing.T) {
	now := time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)
	store := newFakeStore()
	store.putPayment(models.Payment{
		PaymentID:     common.HexToHash("0x01").Hex(),
		PaymentStatus: models.StatusApprovedNewSentTx,
		OpenedNewAt:   now.Add(-25 * time.Hour),
	})
	relay := &fakeRelay{}

	newCloseForTest(t, store, &fakeLedger{}, relay, now).forceClose(context.Background(), relayapi.FlowNew)

	require.Len(t, relay.closes, 1)
	require.Equal(t, relayapi.FlowNew, relay.closes[0].flow)
	require.False(t, relay.closes[0].confirm)
}

func TestForcedCloseLeavesFreshPayments(t *testing.T) {
	now := time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)
	store := newFakeStore()
	store.putPayment(models.Payment{
		PaymentID:     common.HexToHash("0x02").Hex(),
		PaymentStatus: models.StatusOpenedNew,
		OpenedNewAt:   now.Add(-time.Hour),
	})
	relay := &fakeRelay{}

	newCloseForTest(t, store, &fakeLedger{}, relay, now).forceClose(context.Background(), relayapi.FlowNew)

	require.Empty(t, relay.closes)
}

func TestForcedCloseIgnoresTerminalPayments(t *testing.T) {
	now := time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)
	store := newFakeStore()
	for i, status := range []models.PaymentStatus{
		models.StatusClosedNew, models.StatusFailedNew,
	} {
		store.putPayment(models.Payment{
			PaymentID:     common.HexToHash(common.Bytes2Hex([]byte{byte(i + 10)})).Hex(),
			PaymentStatus: status,
			OpenedNewAt:   now.Add(-48 * time.Hour),
		})
	}
	relay := &fakeRelay{}

	newCloseForTest(t, store, &fakeLedger{}, relay, now).forceClose(context.Background(), relayapi.FlowNew)

	require.Empty(t, relay.closes)
}

func TestForcedCloseCancelUsesCancelTimestamp(t *testing.T) {
	now := time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)
	store := newFakeStore()
	// Opened long ago on the new flow but the cancel attempt is recent.
	store.putPayment(models.Payment{
		PaymentID:      common.HexToHash("0x03").Hex(),
		PaymentStatus:  models.StatusOpenedCancel,
		OpenedNewAt:    now.Add(-72 * time.Hour),
		OpenedCancelAt: now.Add(-time.Hour),
	})
	relay := &fakeRelay{}

	closer := newCloseForTest(t, store, &fakeLedger{}, relay, now)
	closer.forceClose(context.Background(), relayapi.FlowCancel)
	require.Empty(t, relay.closes)

	store.putPayment(models.Payment{
		PaymentID:      common.HexToHash("0x04").Hex(),
		PaymentStatus:  models.StatusOpenedCancel,
		OpenedCancelAt: now.Add(-25 * time.Hour),
	})
	closer.forceClose(context.Background(), relayapi.FlowCancel)
	require.Len(t, relay.closes, 1)
	require.Equal(t, relayapi.FlowCancel, relay.closes[0].flow)
	require.False(t, relay.closes[0].confirm)
}

func TestRepairRedrivesCloseWhenChainStillOpen(t *testing.T) {
	now := time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)
	confirmedID := common.HexToHash("0x05").Hex()
	sentID := common.HexToHash("0x06").Hex()

	store := newFakeStore()
	store.putPayment(models.Payment{
		PaymentID:     confirmedID,
		PaymentStatus: models.StatusApprovedNewConfirmedTx,
		OpenedNewAt:   now.Add(-25 * time.Hour),
	})
	store.putPayment(models.Payment{
		PaymentID:     sentID,
		PaymentStatus: models.StatusApprovedNewSentTx,
		OpenedNewAt:   now.Add(-25 * time.Hour),
	})
	ledger := &fakeLedger{statusOf: map[common.Hash]models.ContractPaymentStatus{
		common.HexToHash(confirmedID): models.ContractStatusOpenedPayment,
		common.HexToHash(sentID):      models.ContractStatusOpenedPayment,
	}}
	relay := &fakeRelay{}

	newCloseForTest(t, store, ledger, relay, now).repair(context.Background(), relayapi.FlowNew)

	require.Len(t, relay.closes, 2)
	confirms := map[string]bool{}
	for _, call := range relay.closes {
		confirms[call.paymentID] = call.confirm
	}
	// A payment the watch already confirmed closes as successful, one that
	// never got that far closes as a rollback.
	require.True(t, confirms[confirmedID])
	require.False(t, confirms[sentID])
}

func TestRepairLeavesFreshSentPaymentsToWatch(t *testing.T) {
	now := time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)
	paymentID := common.HexToHash("0x09").Hex()
	store := newFakeStore()
	store.putPayment(models.Payment{
		PaymentID:     paymentID,
		PaymentStatus: models.StatusApprovedNewSentTx,
		OpenedNewAt:   now.Add(-time.Minute),
	})
	// The transaction just landed on chain; the watch scheduler has not seen
	// it yet. Repair must not roll it back in the meantime.
	ledger := &fakeLedger{statusOf: map[common.Hash]models.ContractPaymentStatus{
		common.HexToHash(paymentID): models.ContractStatusOpenedPayment,
	}}
	relay := &fakeRelay{}

	newCloseForTest(t, store, ledger, relay, now).repair(context.Background(), relayapi.FlowNew)

	require.Empty(t, relay.closes)
	require.Equal(t, models.StatusApprovedNewSentTx, store.payment(paymentID).PaymentStatus)
}

func TestRepairSyncsContractStatusWhenChainResolved(t *testing.T) {
	now := time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)
	paymentID := common.HexToHash("0x07").Hex()
	store := newFakeStore()
	store.putPayment(models.Payment{
		PaymentID:      paymentID,
		PaymentStatus:  models.StatusApprovedNewSentTx,
		ContractStatus: models.ContractStatusOpenedPayment,
		OpenedNewAt:    now.Add(-25 * time.Hour),
	})
	ledger := &fakeLedger{statusOf: map[common.Hash]models.ContractPaymentStatus{
		common.HexToHash(paymentID): models.ContractStatusClosedPayment,
	}}
	relay := &fakeRelay{}

	newCloseForTest(t, store, ledger, relay, now).repair(context.Background(), relayapi.FlowNew)

	require.Empty(t, relay.closes)
	require.Equal(t, models.ContractStatusClosedPayment, store.payment(paymentID).ContractStatus)
}

func TestRepairLeavesConsistentRowsAlone(t *testing.T) {
	now := time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)
	paymentID := common.HexToHash("0x08").Hex()
	store := newFakeStore()
	before := models.Payment{
		PaymentID:      paymentID,
		PaymentStatus:  models.StatusReplyCompletedNew,
		ContractStatus: models.ContractStatusClosedPayment,
		OpenedNewAt:    now.Add(-25 * time.Hour),
	}
	store.putPayment(before)
	ledger := &fakeLedger{statusOf: map[common.Hash]models.ContractPaymentStatus{
		common.HexToHash(paymentID): models.ContractStatusClosedPayment,
	}}
	relay := &fakeRelay{}

	newCloseForTest(t, store, ledger, relay, now).repair(context.Background(), relayapi.FlowNew)

	require.Empty(t, relay.closes)
	require.Equal(t, before, store.payment(paymentID))
}

func TestTickPurgesExpiredTemporaryAccounts(t *testing.T) {
	now := time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)
	store := newFakeStore()
	relay := &fakeRelay{}

	newCloseForTest(t, store, &fakeLedger{}, relay, now).Tick(context.Background())

	require.Equal(t, []time.Time{now}, store.purged)
}
