// Package scheduler drives payment and shop-task lifecycles: the approval
// scheduler turns opened rows into signed, submitted transactions; the
// forced-close scheduler guarantees every payment reaches a terminal status
// and repairs drift against on-chain truth; the transaction-watch scheduler
// resolves submitted rows by observing the chain.
//
// Each scheduler runs as an independent ticker loop. Within a tick rows are
// processed sequentially and every per-row error is absorbed: scheduler
// liveness never depends on any single row succeeding. Correctness across
// concurrently running schedulers rests on status-guarded writes — a status
// update only lands if the row is still in the expected pre-state.
package scheduler

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"loyaltyrelay/chain"
	"loyaltyrelay/models"
	"loyaltyrelay/observability"
	"loyaltyrelay/relayapi"
	"loyaltyrelay/signer"
)

// Store is the persisted-state collaborator the schedulers poll and update.
type Store interface {
	PaymentsByStatus(ctx context.Context, statuses []models.PaymentStatus) ([]models.Payment, error)
	Payment(ctx context.Context, paymentID string) (*models.Payment, error)
	UpdatePaymentIfStatus(ctx context.Context, expected models.PaymentStatus, payment *models.Payment) error
	ForcePaymentStatus(ctx context.Context, paymentID string, status models.PaymentStatus) error
	UpdateContractStatus(ctx context.Context, paymentID string, status models.ContractPaymentStatus) error
	TasksByStatus(ctx context.Context, status models.TaskStatusValue) ([]models.ShopTask, error)
	Task(ctx context.Context, taskID string) (*models.ShopTask, error)
	UpdateTaskIfStatus(ctx context.Context, expected models.TaskStatusValue, task *models.ShopTask) error
	ForceTaskStatus(ctx context.Context, taskID string, status models.TaskStatusValue) error
	RemoveExpiredTemporaryAccounts(ctx context.Context, now time.Time) (int64, error)
}

// Ledger is the contract-client collaborator.
type Ledger interface {
	NonceOf(ctx context.Context, account common.Address) (*big.Int, error)
	PaymentStatusOf(ctx context.Context, paymentID common.Hash) (models.ContractPaymentStatus, error)
	WaitForReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	PaymentEventFromReceipt(receipt *types.Receipt) (*chain.PaymentEvent, error)
	ShopEventFromReceipt(receipt *types.Receipt, name string) (*chain.ShopEvent, error)
}

// RelayAPI is the relay's own public surface the schedulers call back into.
type RelayAPI interface {
	ApprovePayment(ctx context.Context, flow relayapi.Flow, paymentID string, approval bool, signature []byte) error
	ClosePayment(ctx context.Context, flow relayapi.Flow, paymentID string, confirm bool) error
	ApproveTask(ctx context.Context, kind relayapi.TaskKind, taskID string, approval bool, signature []byte) error
}

// SignerResolver locates signing capabilities for accounts and shops.
type SignerResolver interface {
	FindSigner(ctx context.Context, account common.Address) (*signer.Signer, error)
	FindShopSigner(ctx context.Context, shopID common.Hash) (*signer.Signer, error)
}

// SignerPool hands out pooled relay signers for chain interaction.
type SignerPool interface {
	Acquire(ctx context.Context) (*signer.Signer, func(), error)
}

// Notifier posts callback results. Best effort; never returns an error.
type Notifier interface {
	Notify(ctx context.Context, callbackType string, code int, message string, data interface{})
}

// runLoop executes tick on a fixed interval until the context is cancelled.
// A panicking tick is logged and the loop simply waits for its next interval.
func runLoop(ctx context.Context, log *slog.Logger, name string, interval time.Duration, tick func(context.Context)) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			observability.Metrics().Ticks.WithLabelValues(name).Inc()
			func() {
				defer func() {
					if r := recover(); r != nil {
						log.Error("scheduler tick panicked", "scheduler", name, "panic", r)
					}
				}()
				tick(ctx)
			}()
		}
	}
}
