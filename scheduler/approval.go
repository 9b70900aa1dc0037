package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"loyaltyrelay/message"
	"loyaltyrelay/models"
	"loyaltyrelay/observability"
	"loyaltyrelay/relayapi"
	"loyaltyrelay/signer"
)

// ApprovalConfig captures the dependencies and tuning for the approval
// scheduler.
type ApprovalConfig struct {
	Store    Store
	Ledger   Ledger
	Relay    RelayAPI
	Signers  SignerResolver
	ChainID  *big.Int
	Interval time.Duration
	// Wait is the minimum dwell time before the relay approves on behalf of
	// the counterparty. The debounce keeps the scheduler from racing the
	// original submitter's own approval path.
	Wait   time.Duration
	Logger *slog.Logger
	Now    func() time.Time
}

// Approval signs and submits approvals for rows sitting in an opened state
// past the configured dwell time.
type Approval struct {
	store    Store
	ledger   Ledger
	relay    RelayAPI
	signers  SignerResolver
	chainID  *big.Int
	interval time.Duration
	wait     time.Duration
	log      *slog.Logger
	nowFn    func() time.Time
}

// NewApproval constructs the scheduler with its collaborators bound.
func NewApproval(cfg ApprovalConfig) (*Approval, error) {
	if cfg.Store == nil || cfg.Ledger == nil || cfg.Relay == nil || cfg.Signers == nil {
		return nil, errors.New("scheduler: approval requires store, ledger, relay, and signers")
	}
	if cfg.ChainID == nil {
		return nil, errors.New("scheduler: approval requires a chain id")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Approval{
		store:    cfg.Store,
		ledger:   cfg.Ledger,
		relay:    cfg.Relay,
		signers:  cfg.Signers,
		chainID:  cfg.ChainID,
		interval: cfg.Interval,
		wait:     cfg.Wait,
		log:      log,
		nowFn:    nowFn,
	}, nil
}

// Run starts the ticker loop until the context is cancelled.
func (s *Approval) Run(ctx context.Context) {
	runLoop(ctx, s.log, "approval", s.interval, s.Tick)
}

// Tick executes one full pass. Exported so tests can drive single ticks.
func (s *Approval) Tick(ctx context.Context) {
	s.approveNewPayments(ctx)
	s.approveCancelPayments(ctx)
	s.approveTasks(ctx)
}

func (s *Approval) approveNewPayments(ctx context.Context) {
	payments, err := s.store.PaymentsByStatus(ctx, []models.PaymentStatus{models.StatusOpenedNew})
	if err != nil {
		s.log.Error("load opened new payments", "err", err)
		return
	}
	now := s.nowFn()
	for i := range payments {
		p := &payments[i]
		if now.Sub(p.OpenedNewAt) < s.wait {
			continue
		}
		if err := s.approveNew(ctx, p); err != nil {
			observability.Metrics().RowErrors.WithLabelValues("approval").Inc()
			s.log.Error("approve new payment", "paymentId", p.PaymentID, "err", err)
		}
	}
}

func (s *Approval) approveNew(ctx context.Context, p *models.Payment) error {
	account := common.HexToAddress(p.Account)
	sgn, err := s.signers.FindSigner(ctx, account)
	if errors.Is(err, signer.ErrNoSigner) {
		// Retried on a later tick; no poison-row quarantine at this layer.
		s.log.Debug("no signer for payment account", "paymentId", p.PaymentID, "account", p.Account)
		return nil
	}
	if err != nil {
		return err
	}
	nonce, err := s.ledger.NonceOf(ctx, account)
	if err != nil {
		return fmt.Errorf("read nonce: %w", err)
	}
	digest := message.NewPayment(
		common.HexToHash(p.PaymentID), p.PurchaseID, p.Amount.Int(), p.Currency,
		common.HexToHash(p.ShopID), account, nonce, s.chainID,
	)
	sig, err := message.Sign(digest, sgn.Key())
	if err != nil {
		return fmt.Errorf("sign approval: %w", err)
	}
	advanced, err := s.paymentLeftStatus(ctx, p.PaymentID, models.StatusOpenedNew)
	if err != nil {
		return err
	}
	if advanced {
		return nil
	}
	if err := s.relay.ApprovePayment(ctx, relayapi.FlowNew, p.PaymentID, true, sig); err != nil {
		return err
	}
	observability.Metrics().RowsProcessed.WithLabelValues("approval", "approved_new").Inc()
	return nil
}

func (s *Approval) approveCancelPayments(ctx context.Context) {
	payments, err := s.store.PaymentsByStatus(ctx, []models.PaymentStatus{models.StatusOpenedCancel})
	if err != nil {
		s.log.Error("load opened cancel payments", "err", err)
		return
	}
	now := s.nowFn()
	for i := range payments {
		p := &payments[i]
		if now.Sub(p.OpenedCancelAt) < s.wait {
			continue
		}
		if err := s.approveCancel(ctx, p); err != nil {
			observability.Metrics().RowErrors.WithLabelValues("approval").Inc()
			s.log.Error("approve cancel payment", "paymentId", p.PaymentID, "err", err)
		}
	}
}

func (s *Approval) approveCancel(ctx context.Context, p *models.Payment) error {
	// Cancellation is approved by the shop side, resolved through the shop's
	// on-chain delegator.
	sgn, err := s.signers.FindShopSigner(ctx, common.HexToHash(p.ShopID))
	if errors.Is(err, signer.ErrNoSigner) {
		s.log.Debug("no signer for shop", "paymentId", p.PaymentID, "shopId", p.ShopID)
		return nil
	}
	if err != nil {
		return err
	}
	nonce, err := s.ledger.NonceOf(ctx, sgn.Address())
	if err != nil {
		return fmt.Errorf("read nonce: %w", err)
	}
	digest := message.CancelPayment(common.HexToHash(p.PaymentID), p.PurchaseID, sgn.Address(), nonce, s.chainID)
	sig, err := message.Sign(digest, sgn.Key())
	if err != nil {
		return fmt.Errorf("sign approval: %w", err)
	}
	advanced, err := s.paymentLeftStatus(ctx, p.PaymentID, models.StatusOpenedCancel)
	if err != nil {
		return err
	}
	if advanced {
		return nil
	}
	if err := s.relay.ApprovePayment(ctx, relayapi.FlowCancel, p.PaymentID, true, sig); err != nil {
		return err
	}
	observability.Metrics().RowsProcessed.WithLabelValues("approval", "approved_cancel").Inc()
	return nil
}

func (s *Approval) approveTasks(ctx context.Context) {
	tasks, err := s.store.TasksByStatus(ctx, models.TaskOpened)
	if err != nil {
		s.log.Error("load opened tasks", "err", err)
		return
	}
	now := s.nowFn()
	for i := range tasks {
		t := &tasks[i]
		if now.Sub(t.Timestamp) < s.wait {
			continue
		}
		if err := s.approveTask(ctx, t); err != nil {
			observability.Metrics().RowErrors.WithLabelValues("approval").Inc()
			s.log.Error("approve task", "taskId", t.TaskID, "err", err)
		}
	}
}

func (s *Approval) approveTask(ctx context.Context, t *models.ShopTask) error {
	var kind relayapi.TaskKind
	switch t.Type {
	case models.TaskUpdate:
		kind = relayapi.TaskKindUpdate
	case models.TaskStatus:
		kind = relayapi.TaskKindStatus
	default:
		// ADD tasks are submitted directly by the API layer and only reach
		// the schedulers once a transaction is already out.
		return nil
	}
	account := common.HexToAddress(t.Account)
	sgn, err := s.signers.FindSigner(ctx, account)
	if errors.Is(err, signer.ErrNoSigner) {
		s.log.Debug("no signer for task account", "taskId", t.TaskID, "account", t.Account)
		return nil
	}
	if err != nil {
		return err
	}
	nonce, err := s.ledger.NonceOf(ctx, account)
	if err != nil {
		return fmt.Errorf("read nonce: %w", err)
	}
	digest := message.ShopAccount(common.HexToHash(t.ShopID), account, nonce, s.chainID)
	sig, err := message.Sign(digest, sgn.Key())
	if err != nil {
		return fmt.Errorf("sign approval: %w", err)
	}
	fresh, err := s.store.Task(ctx, t.TaskID)
	if err != nil {
		return err
	}
	if fresh.TaskStatus != models.TaskOpened {
		s.log.Debug("task already progressed", "taskId", t.TaskID, "status", fresh.TaskStatus)
		return nil
	}
	if err := s.relay.ApproveTask(ctx, kind, t.TaskID, true, sig); err != nil {
		return err
	}
	observability.Metrics().RowsProcessed.WithLabelValues("approval", "approved_task").Inc()
	return nil
}

// paymentLeftStatus re-reads the row immediately before the approval call and
// reports whether it already left the expected opened status. This is a
// best-effort duplicate-submission guard; the relay API itself also rejects
// approvals for rows not in the expected status.
func (s *Approval) paymentLeftStatus(ctx context.Context, paymentID string, expected models.PaymentStatus) (bool, error) {
	fresh, err := s.store.Payment(ctx, paymentID)
	if err != nil {
		return false, err
	}
	if fresh.PaymentStatus != expected {
		s.log.Debug("payment already progressed", "paymentId", paymentID, "status", fresh.PaymentStatus)
		return true, nil
	}
	return false, nil
}
