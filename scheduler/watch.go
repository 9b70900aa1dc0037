package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"loyaltyrelay/callback"
	"loyaltyrelay/chain"
	"loyaltyrelay/models"
	"loyaltyrelay/observability"
	"loyaltyrelay/storage"
)

// WatchConfig captures the dependencies and tuning for the transaction-watch
// scheduler.
type WatchConfig struct {
	Store    Store
	Ledger   Ledger
	Pool     SignerPool
	Notifier Notifier
	Interval time.Duration
	Logger   *slog.Logger
}

// Watch resolves submitted rows to confirmed or reverted by observing the
// chain. It is the only component that parses chain events and the sole
// writer of the confirmed/reverted/completed statuses; the other schedulers
// only read or force-close.
type Watch struct {
	store    Store
	ledger   Ledger
	pool     SignerPool
	notifier Notifier
	interval time.Duration
	log      *slog.Logger
}

// NewWatch constructs the scheduler with its collaborators bound.
func NewWatch(cfg WatchConfig) (*Watch, error) {
	if cfg.Store == nil || cfg.Ledger == nil || cfg.Pool == nil || cfg.Notifier == nil {
		return nil, errors.New("scheduler: watch requires store, ledger, pool, and notifier")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Watch{
		store:    cfg.Store,
		ledger:   cfg.Ledger,
		pool:     cfg.Pool,
		notifier: cfg.Notifier,
		interval: cfg.Interval,
		log:      log,
	}, nil
}

// Run starts the ticker loop until the context is cancelled.
func (s *Watch) Run(ctx context.Context) {
	runLoop(ctx, s.log, "watch", s.interval, s.Tick)
}

// Tick executes one full pass. Exported so tests can drive single ticks.
func (s *Watch) Tick(ctx context.Context) {
	s.watchPayments(ctx, false)
	s.watchPayments(ctx, true)
	s.watchTasks(ctx)
}

func (s *Watch) watchPayments(ctx context.Context, cancelFlow bool) {
	sent := models.StatusApprovedNewSentTx
	reverted := models.StatusApprovedNewRevertedTx
	if cancelFlow {
		sent = models.StatusApprovedCancelSentTx
		reverted = models.StatusApprovedCancelRevertedTx
	}
	payments, err := s.store.PaymentsByStatus(ctx, []models.PaymentStatus{sent})
	if err != nil {
		s.log.Error("load sent payments", "cancel", cancelFlow, "err", err)
		return
	}
	for i := range payments {
		p := &payments[i]
		if err := s.confirmPayment(ctx, p, cancelFlow); err != nil {
			observability.Metrics().RowErrors.WithLabelValues("watch").Inc()
			s.log.Error("watch payment", "paymentId", p.PaymentID, "err", err)
			// An exception anywhere in the attempt means the row's state can
			// no longer be trusted enough to guard; force the revert.
			if ferr := s.store.ForcePaymentStatus(ctx, p.PaymentID, reverted); ferr != nil {
				s.log.Error("force payment revert", "paymentId", p.PaymentID, "err", ferr)
				continue
			}
			observability.Metrics().RowsProcessed.WithLabelValues("watch", "reverted").Inc()
		}
	}
}

func (s *Watch) confirmPayment(ctx context.Context, p *models.Payment, cancelFlow bool) error {
	_, release, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire signer channel: %w", err)
	}
	defer release()

	txHash := p.OpenNewTxHash
	sent, confirmed, completed := models.StatusApprovedNewSentTx, models.StatusApprovedNewConfirmedTx, models.StatusReplyCompletedNew
	cbType := callback.TypePayNew
	if cancelFlow {
		txHash = p.OpenCancelTxHash
		sent, confirmed, completed = models.StatusApprovedCancelSentTx, models.StatusApprovedCancelConfirmedTx, models.StatusReplyCompletedCancel
		cbType = callback.TypePayCancel
	}
	if txHash == "" {
		return errors.New("no transaction recorded")
	}
	receipt, err := s.ledger.WaitForReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		return fmt.Errorf("wait for receipt %s: %w", txHash, err)
	}
	evt, err := s.ledger.PaymentEventFromReceipt(receipt)
	if err != nil {
		return err
	}

	// The event is the authoritative source for the point/value breakdown;
	// the derived totals are computed here and nowhere else.
	p.PaidPoint = models.BigIntFrom(evt.PaidPoint)
	p.PaidValue = models.BigIntFrom(evt.PaidValue)
	p.FeePoint = models.BigIntFrom(evt.FeePoint)
	p.FeeValue = models.BigIntFrom(evt.FeeValue)
	p.TotalPoint = p.PaidPoint.Add(p.FeePoint)
	p.TotalValue = p.PaidValue.Add(p.FeeValue)
	p.ContractStatus = models.ContractPaymentStatus(evt.Status)

	p.PaymentStatus = confirmed
	err = s.store.UpdatePaymentIfStatus(ctx, sent, p)
	if errors.Is(err, storage.ErrStatusChanged) {
		// Expected concurrent progress, not a failure.
		s.log.Debug("payment advanced concurrently", "paymentId", p.PaymentID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("confirm payment: %w", err)
	}

	s.notifier.Notify(ctx, cbType, callback.CodeSuccess, "OK", p)

	p.PaymentStatus = completed
	err = s.store.UpdatePaymentIfStatus(ctx, confirmed, p)
	if err != nil && !errors.Is(err, storage.ErrStatusChanged) {
		return fmt.Errorf("complete payment: %w", err)
	}
	observability.Metrics().RowsProcessed.WithLabelValues("watch", "confirmed").Inc()
	return nil
}

func (s *Watch) watchTasks(ctx context.Context) {
	tasks, err := s.store.TasksByStatus(ctx, models.TaskSentTx)
	if err != nil {
		s.log.Error("load sent tasks", "err", err)
		return
	}
	for i := range tasks {
		t := &tasks[i]
		if err := s.confirmTask(ctx, t); err != nil {
			observability.Metrics().RowErrors.WithLabelValues("watch").Inc()
			s.log.Error("watch task", "taskId", t.TaskID, "err", err)
			if ferr := s.store.ForceTaskStatus(ctx, t.TaskID, models.TaskRevertedTx); ferr != nil {
				s.log.Error("force task revert", "taskId", t.TaskID, "err", ferr)
				continue
			}
			observability.Metrics().RowsProcessed.WithLabelValues("watch", "reverted").Inc()
		}
	}
}

func (s *Watch) confirmTask(ctx context.Context, t *models.ShopTask) error {
	_, release, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire signer channel: %w", err)
	}
	defer release()

	if t.TxHash == "" {
		return errors.New("no transaction recorded")
	}
	eventName := chain.EventNameForTask(t.Type)
	if eventName == "" {
		return fmt.Errorf("unknown task type %q", t.Type)
	}
	receipt, err := s.ledger.WaitForReceipt(ctx, common.HexToHash(t.TxHash))
	if err != nil {
		return fmt.Errorf("wait for receipt %s: %w", t.TxHash, err)
	}
	evt, err := s.ledger.ShopEventFromReceipt(receipt, eventName)
	if err != nil {
		return err
	}

	if evt.Name != "" {
		t.Name = evt.Name
	}
	if evt.Currency != "" {
		t.Currency = evt.Currency
	}
	t.Status = models.ShopStatus(evt.Status)
	t.TaskStatus = models.TaskCompleted
	err = s.store.UpdateTaskIfStatus(ctx, models.TaskSentTx, t)
	if errors.Is(err, storage.ErrStatusChanged) {
		s.log.Debug("task advanced concurrently", "taskId", t.TaskID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}

	s.notifier.Notify(ctx, callbackTypeForTask(t.Type), callback.CodeSuccess, "OK", t)
	observability.Metrics().RowsProcessed.WithLabelValues("watch", "completed").Inc()
	return nil
}

func callbackTypeForTask(taskType models.TaskType) string {
	switch taskType {
	case models.TaskAdd:
		return callback.TypeShopAdd
	case models.TaskUpdate:
		return callback.TypeShopUpdate
	default:
		return callback.TypeShopStatus
	}
}
