package scheduler

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"loyaltyrelay/chain"
	"loyaltyrelay/models"
	"loyaltyrelay/relayapi"
	"loyaltyrelay/signer"
	"loyaltyrelay/storage"
)

type fakeStore struct {
	mu       sync.Mutex
	payments map[string]models.Payment
	tasks    map[string]models.ShopTask
	purged   []time.Time
	listErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		payments: make(map[string]models.Payment),
		tasks:    make(map[string]models.ShopTask),
	}
}

func (f *fakeStore) putPayment(p models.Payment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payments[p.PaymentID] = p
}

func (f *fakeStore) putTask(t models.ShopTask) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[t.TaskID] = t
}

func (f *fakeStore) payment(id string) models.Payment {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.payments[id]
}

func (f *fakeStore) task(id string) models.ShopTask {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tasks[id]
}

func (f *fakeStore) PaymentsByStatus(_ context.Context, statuses []models.PaymentStatus) ([]models.Payment, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Payment
	for _, p := range f.payments {
		for _, status := range statuses {
			if p.PaymentStatus == status {
				out = append(out, p)
				break
			}
		}
	}
	return out, nil
}

func (f *fakeStore) Payment(_ context.Context, paymentID string) (*models.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[paymentID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &p, nil
}

func (f *fakeStore) UpdatePaymentIfStatus(_ context.Context, expected models.PaymentStatus, payment *models.Payment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	current, ok := f.payments[payment.PaymentID]
	if !ok {
		return storage.ErrNotFound
	}
	if current.PaymentStatus != expected {
		return storage.ErrStatusChanged
	}
	f.payments[payment.PaymentID] = *payment
	return nil
}

func (f *fakeStore) ForcePaymentStatus(_ context.Context, paymentID string, status models.PaymentStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[paymentID]
	if !ok {
		return storage.ErrNotFound
	}
	p.PaymentStatus = status
	f.payments[paymentID] = p
	return nil
}

func (f *fakeStore) UpdateContractStatus(_ context.Context, paymentID string, status models.ContractPaymentStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[paymentID]
	if !ok {
		return storage.ErrNotFound
	}
	p.ContractStatus = status
	f.payments[paymentID] = p
	return nil
}

func (f *fakeStore) TasksByStatus(_ context.Context, status models.TaskStatusValue) ([]models.ShopTask, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.ShopTask
	for _, t := range f.tasks {
		if t.TaskStatus == status {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeStore) Task(_ context.Context, taskID string) (*models.ShopTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &t, nil
}

func (f *fakeStore) UpdateTaskIfStatus(_ context.Context, expected models.TaskStatusValue, task *models.ShopTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	current, ok := f.tasks[task.TaskID]
	if !ok {
		return storage.ErrNotFound
	}
	if current.TaskStatus != expected {
		return storage.ErrStatusChanged
	}
	f.tasks[task.TaskID] = *task
	return nil
}

func (f *fakeStore) ForceTaskStatus(_ context.Context, taskID string, status models.TaskStatusValue) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok {
		return storage.ErrNotFound
	}
	t.TaskStatus = status
	f.tasks[taskID] = t
	return nil
}

func (f *fakeStore) RemoveExpiredTemporaryAccounts(_ context.Context, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purged = append(f.purged, now)
	return 1, nil
}

type fakeLedger struct {
	nonce           *big.Int
	nonceErr        error
	statusOf        map[common.Hash]models.ContractPaymentStatus
	receiptErr      error
	paymentEvent    *chain.PaymentEvent
	paymentEventErr error
	shopEvent       *chain.ShopEvent
	shopEventErr    error
	shopEventNames  []string
}

func (f *fakeLedger) NonceOf(context.Context, common.Address) (*big.Int, error) {
	if f.nonceErr != nil {
		return nil, f.nonceErr
	}
	if f.nonce == nil {
		return big.NewInt(0), nil
	}
	return f.nonce, nil
}

func (f *fakeLedger) PaymentStatusOf(_ context.Context, paymentID common.Hash) (models.ContractPaymentStatus, error) {
	return f.statusOf[paymentID], nil
}

func (f *fakeLedger) WaitForReceipt(_ context.Context, txHash common.Hash) (*types.Receipt, error) {
	if f.receiptErr != nil {
		return nil, f.receiptErr
	}
	return &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: txHash}, nil
}

func (f *fakeLedger) PaymentEventFromReceipt(*types.Receipt) (*chain.PaymentEvent, error) {
	if f.paymentEventErr != nil {
		return nil, f.paymentEventErr
	}
	return f.paymentEvent, nil
}

func (f *fakeLedger) ShopEventFromReceipt(_ *types.Receipt, name string) (*chain.ShopEvent, error) {
	f.shopEventNames = append(f.shopEventNames, name)
	if f.shopEventErr != nil {
		return nil, f.shopEventErr
	}
	return f.shopEvent, nil
}

type approveCall struct {
	flow      relayapi.Flow
	paymentID string
	approval  bool
	signature []byte
}

type closeCall struct {
	flow      relayapi.Flow
	paymentID string
	confirm   bool
}

type taskCall struct {
	kind      relayapi.TaskKind
	taskID    string
	approval  bool
	signature []byte
}

type fakeRelay struct {
	mu       sync.Mutex
	approves []approveCall
	closes   []closeCall
	tasks    []taskCall
	err      error
}

func (f *fakeRelay) ApprovePayment(_ context.Context, flow relayapi.Flow, paymentID string, approval bool, signature []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.approves = append(f.approves, approveCall{flow, paymentID, approval, signature})
	return nil
}

func (f *fakeRelay) ClosePayment(_ context.Context, flow relayapi.Flow, paymentID string, confirm bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.closes = append(f.closes, closeCall{flow, paymentID, confirm})
	return nil
}

func (f *fakeRelay) ApproveTask(_ context.Context, kind relayapi.TaskKind, taskID string, approval bool, signature []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.tasks = append(f.tasks, taskCall{kind, taskID, approval, signature})
	return nil
}

type fakeResolver struct {
	accounts map[common.Address]*signer.Signer
	shops    map[common.Hash]*signer.Signer
}

func (f *fakeResolver) FindSigner(_ context.Context, account common.Address) (*signer.Signer, error) {
	if s, ok := f.accounts[account]; ok {
		return s, nil
	}
	return nil, signer.ErrNoSigner
}

func (f *fakeResolver) FindShopSigner(_ context.Context, shopID common.Hash) (*signer.Signer, error) {
	if s, ok := f.shops[shopID]; ok {
		return s, nil
	}
	return nil, signer.ErrNoSigner
}

type fakePool struct {
	signer   *signer.Signer
	acquired int
	released int
}

func (f *fakePool) Acquire(context.Context) (*signer.Signer, func(), error) {
	f.acquired++
	return f.signer, func() { f.released++ }, nil
}

type notifyCall struct {
	callbackType string
	code         int
	message      string
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []notifyCall
}

func (f *fakeNotifier) Notify(_ context.Context, callbackType string, code int, message string, _ interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, notifyCall{callbackType, code, message})
}
