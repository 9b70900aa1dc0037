package chain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"loyaltyrelay/models"
)

// Event names emitted by the contracts.
const (
	EventLoyaltyPayment    = "LoyaltyPaymentEvent"
	EventAddedShop         = "AddedShop"
	EventUpdatedShop       = "UpdatedShop"
	EventChangedShopStatus = "ChangedShopStatus"
)

// ErrEventNotFound is returned when a receipt carries no log for the expected
// event; the watch scheduler treats it as a reverted transaction.
var ErrEventNotFound = fmt.Errorf("chain: expected event not found in receipt")

// PaymentEvent is the decoded LoyaltyPaymentEvent payload.
type PaymentEvent struct {
	PaymentID  [32]byte       `abi:"paymentId"`
	PurchaseID string         `abi:"purchaseId"`
	Account    common.Address `abi:"account"`
	ShopID     [32]byte       `abi:"shopId"`
	Amount     *big.Int       `abi:"amount"`
	Currency   string         `abi:"currency"`
	Status     uint8          `abi:"status"`
	PaidPoint  *big.Int       `abi:"paidPoint"`
	PaidValue  *big.Int       `abi:"paidValue"`
	FeePoint   *big.Int       `abi:"feePoint"`
	FeeValue   *big.Int       `abi:"feeValue"`
}

// ShopEvent is the decoded payload of any shop contract event. Fields absent
// from the event (ChangedShopStatus carries only shop id and status) keep
// their zero values.
type ShopEvent struct {
	ShopID   [32]byte
	Name     string
	Currency string
	Account  common.Address
	Status   uint8
}

// EventNameForTask maps a task type to the event its transaction must emit.
func EventNameForTask(taskType models.TaskType) string {
	switch taskType {
	case models.TaskAdd:
		return EventAddedShop
	case models.TaskUpdate:
		return EventUpdatedShop
	case models.TaskStatus:
		return EventChangedShopStatus
	default:
		return ""
	}
}

// PaymentEventFromReceipt locates and decodes the LoyaltyPaymentEvent log.
func (c *Client) PaymentEventFromReceipt(receipt *types.Receipt) (*PaymentEvent, error) {
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("transaction %s reverted", receipt.TxHash.Hex())
	}
	event, ok := c.ledgerABI.Events[EventLoyaltyPayment]
	if !ok {
		return nil, fmt.Errorf("ledger abi has no %s event", EventLoyaltyPayment)
	}
	for _, log := range receipt.Logs {
		if log == nil || len(log.Topics) == 0 || log.Topics[0] != event.ID {
			continue
		}
		var evt PaymentEvent
		if err := c.ledgerABI.UnpackIntoInterface(&evt, EventLoyaltyPayment, log.Data); err != nil {
			return nil, fmt.Errorf("decode %s: %w", EventLoyaltyPayment, err)
		}
		return &evt, nil
	}
	return nil, ErrEventNotFound
}

// ShopEventFromReceipt locates and decodes the named shop event log.
func (c *Client) ShopEventFromReceipt(receipt *types.Receipt, name string) (*ShopEvent, error) {
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("transaction %s reverted", receipt.TxHash.Hex())
	}
	event, ok := c.shopABI.Events[name]
	if !ok {
		return nil, fmt.Errorf("shop abi has no %s event", name)
	}
	for _, log := range receipt.Logs {
		if log == nil || len(log.Topics) == 0 || log.Topics[0] != event.ID {
			continue
		}
		switch name {
		case EventChangedShopStatus:
			var evt struct {
				ShopID [32]byte `abi:"shopId"`
				Status uint8    `abi:"status"`
			}
			if err := c.shopABI.UnpackIntoInterface(&evt, name, log.Data); err != nil {
				return nil, fmt.Errorf("decode %s: %w", name, err)
			}
			return &ShopEvent{ShopID: evt.ShopID, Status: evt.Status}, nil
		default:
			var evt struct {
				ShopID   [32]byte       `abi:"shopId"`
				Name     string         `abi:"name"`
				Currency string         `abi:"currency"`
				Account  common.Address `abi:"account"`
				Status   uint8          `abi:"status"`
			}
			if err := c.shopABI.UnpackIntoInterface(&evt, name, log.Data); err != nil {
				return nil, fmt.Errorf("decode %s: %w", name, err)
			}
			return &ShopEvent{ShopID: evt.ShopID, Name: evt.Name, Currency: evt.Currency, Account: evt.Account, Status: evt.Status}, nil
		}
	}
	return nil, ErrEventNotFound
}
