package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"loyaltyrelay/models"
	"loyaltyrelay/observability"
	"loyaltyrelay/relayapi"
)

// CloseConfig captures the dependencies and tuning for the forced-close
// scheduler.
type CloseConfig struct {
	Store  Store
	Ledger Ledger
	Relay  RelayAPI
	// CloseAfter is how long a payment may sit in a non-terminal status
	// before the relay gives up and forces a rollback close.
	CloseAfter time.Duration
	Interval   time.Duration
	Logger     *slog.Logger
	Now        func() time.Time
}

// Close guarantees every payment eventually reaches a terminal status and
// keeps the locally cached contract status from drifting from on-chain truth.
// Forced close covers rows where the relay never got as far as the chain;
// consistency repair covers rows where a transaction went out but the relay
// lost track of the outcome. Together they bound staleness to two scheduler
// intervals plus CloseAfter.
type Close struct {
	store      Store
	ledger     Ledger
	relay      RelayAPI
	closeAfter time.Duration
	interval   time.Duration
	log        *slog.Logger
	nowFn      func() time.Time
}

// NewClose constructs the scheduler with its collaborators bound.
func NewClose(cfg CloseConfig) (*Close, error) {
	if cfg.Store == nil || cfg.Ledger == nil || cfg.Relay == nil {
		return nil, errors.New("scheduler: close requires store, ledger, and relay")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Close{
		store:      cfg.Store,
		ledger:     cfg.Ledger,
		relay:      cfg.Relay,
		closeAfter: cfg.CloseAfter,
		interval:   cfg.Interval,
		log:        log,
		nowFn:      nowFn,
	}, nil
}

// Run starts the ticker loop until the context is cancelled.
func (s *Close) Run(ctx context.Context) {
	runLoop(ctx, s.log, "close", s.interval, s.Tick)
}

// Tick executes the independent passes. Each tolerates failure in the others.
func (s *Close) Tick(ctx context.Context) {
	s.forceClose(ctx, relayapi.FlowNew)
	s.forceClose(ctx, relayapi.FlowCancel)
	s.repair(ctx, relayapi.FlowNew)
	s.repair(ctx, relayapi.FlowCancel)
	s.purgeTemporaryAccounts(ctx)
}

func (s *Close) forceClose(ctx context.Context, flow relayapi.Flow) {
	statuses := models.NewPaymentInFlight
	if flow == relayapi.FlowCancel {
		statuses = models.CancelPaymentInFlight
	}
	payments, err := s.store.PaymentsByStatus(ctx, statuses)
	if err != nil {
		s.log.Error("load in-flight payments", "flow", flow, "err", err)
		return
	}
	now := s.nowFn()
	for i := range payments {
		p := &payments[i]
		opened := p.OpenedNewAt
		if flow == relayapi.FlowCancel {
			opened = p.OpenedCancelAt
		}
		if now.Sub(opened) < s.closeAfter {
			continue
		}
		// confirm=false: give up and roll back.
		if err := s.relay.ClosePayment(ctx, flow, p.PaymentID, false); err != nil {
			observability.Metrics().RowErrors.WithLabelValues("close").Inc()
			s.log.Error("force close payment", "paymentId", p.PaymentID, "flow", flow, "err", err)
			continue
		}
		observability.Metrics().RowsProcessed.WithLabelValues("close", "forced").Inc()
		s.log.Info("forced payment close", "paymentId", p.PaymentID, "flow", flow, "status", p.PaymentStatus)
	}
}

// repair reconciles local state against the chain. When the chain still holds
// the payment open, a close is re-driven with confirm derived from the local
// status; when the chain already resolved it, only the cached contract status
// is brought up to date. Rows younger than the close threshold are skipped:
// they still belong to the watch scheduler, and re-driving a close while the
// confirmation is in flight would roll back a live payment.
func (s *Close) repair(ctx context.Context, flow relayapi.Flow) {
	statuses := models.NewPaymentInFlight
	openOnChain := models.ContractStatusOpenedPayment
	if flow == relayapi.FlowCancel {
		statuses = models.CancelPaymentInFlight
		openOnChain = models.ContractStatusOpenedCancel
	}
	payments, err := s.store.PaymentsByStatus(ctx, statuses)
	if err != nil {
		s.log.Error("load repair candidates", "flow", flow, "err", err)
		return
	}
	now := s.nowFn()
	for i := range payments {
		p := &payments[i]
		opened := p.OpenedNewAt
		if flow == relayapi.FlowCancel {
			opened = p.OpenedCancelAt
		}
		if now.Sub(opened) < s.closeAfter {
			continue
		}
		if err := s.repairPayment(ctx, p, flow, openOnChain); err != nil {
			observability.Metrics().RowErrors.WithLabelValues("close").Inc()
			s.log.Error("repair payment", "paymentId", p.PaymentID, "flow", flow, "err", err)
		}
	}
}

func (s *Close) repairPayment(ctx context.Context, p *models.Payment, flow relayapi.Flow, openOnChain models.ContractPaymentStatus) error {
	onchain, err := s.ledger.PaymentStatusOf(ctx, common.HexToHash(p.PaymentID))
	if err != nil {
		return err
	}
	if onchain == openOnChain {
		confirm := p.PaymentStatus.CloseConfirm()
		if err := s.relay.ClosePayment(ctx, flow, p.PaymentID, confirm); err != nil {
			return err
		}
		observability.Metrics().RowsProcessed.WithLabelValues("close", "repaired").Inc()
		s.log.Info("re-drove payment close", "paymentId", p.PaymentID, "flow", flow, "confirm", confirm)
		return nil
	}
	if p.ContractStatus != onchain {
		// The chain already resolved it; just track the authoritative status.
		if err := s.store.UpdateContractStatus(ctx, p.PaymentID, onchain); err != nil {
			return err
		}
		observability.Metrics().RowsProcessed.WithLabelValues("close", "synced").Inc()
	}
	return nil
}

func (s *Close) purgeTemporaryAccounts(ctx context.Context) {
	count, err := s.store.RemoveExpiredTemporaryAccounts(ctx, s.nowFn())
	if err != nil {
		s.log.Error("purge temporary accounts", "err", err)
		return
	}
	if count > 0 {
		s.log.Debug("purged temporary accounts", "count", count)
	}
}
