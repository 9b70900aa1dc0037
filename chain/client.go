// Package chain reads the ledger and shop contracts and resolves submitted
// transactions to receipts and typed events.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"loyaltyrelay/models"
)

const ledgerABIJSON = `[
  {"type":"function","name":"nonceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"paymentStatusOf","stateMutability":"view","inputs":[{"name":"paymentId","type":"bytes32"}],"outputs":[{"name":"","type":"uint8"}]},
  {"type":"event","name":"LoyaltyPaymentEvent","inputs":[
    {"name":"paymentId","type":"bytes32","indexed":false},
    {"name":"purchaseId","type":"string","indexed":false},
    {"name":"account","type":"address","indexed":false},
    {"name":"shopId","type":"bytes32","indexed":false},
    {"name":"amount","type":"uint256","indexed":false},
    {"name":"currency","type":"string","indexed":false},
    {"name":"status","type":"uint8","indexed":false},
    {"name":"paidPoint","type":"uint256","indexed":false},
    {"name":"paidValue","type":"uint256","indexed":false},
    {"name":"feePoint","type":"uint256","indexed":false},
    {"name":"feeValue","type":"uint256","indexed":false}
  ]}
]`

const shopABIJSON = `[
  {"type":"function","name":"delegatorOf","stateMutability":"view","inputs":[{"name":"shopId","type":"bytes32"}],"outputs":[{"name":"","type":"address"}]},
  {"type":"event","name":"AddedShop","inputs":[
    {"name":"shopId","type":"bytes32","indexed":false},
    {"name":"name","type":"string","indexed":false},
    {"name":"currency","type":"string","indexed":false},
    {"name":"account","type":"address","indexed":false},
    {"name":"status","type":"uint8","indexed":false}
  ]},
  {"type":"event","name":"UpdatedShop","inputs":[
    {"name":"shopId","type":"bytes32","indexed":false},
    {"name":"name","type":"string","indexed":false},
    {"name":"currency","type":"string","indexed":false},
    {"name":"account","type":"address","indexed":false},
    {"name":"status","type":"uint8","indexed":false}
  ]},
  {"type":"event","name":"ChangedShopStatus","inputs":[
    {"name":"shopId","type":"bytes32","indexed":false},
    {"name":"status","type":"uint8","indexed":false}
  ]}
]`

// ErrTxNotMined is returned when the receipt wait budget is spent without the
// transaction appearing on chain.
var ErrTxNotMined = errors.New("chain: transaction not mined")

// defaultReceiptWait bounds how long a single receipt lookup may block. A
// broadcast transaction that has not been mined within this window is treated
// as dropped so the caller can give the row up.
const defaultReceiptWait = 30 * time.Second

// Backend is the subset of the Ethereum RPC the relay consumes.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Client reads relay state from the ledger and shop contracts.
type Client struct {
	backend     Backend
	ledger      common.Address
	shops       common.Address
	ledgerABI   abi.ABI
	shopABI     abi.ABI
	receiptPoll time.Duration
	receiptWait time.Duration
}

// Dial connects to an RPC endpoint and wraps it in a Client.
func Dial(endpoint string, ledger, shops common.Address) (*Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, errors.New("chain: rpc endpoint required")
	}
	ec, err := ethclient.Dial(trimmed)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", trimmed, err)
	}
	return New(ec, ledger, shops)
}

// New wraps an existing backend. Used directly by tests.
func New(backend Backend, ledger, shops common.Address) (*Client, error) {
	ledgerABI, err := abi.JSON(strings.NewReader(ledgerABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse ledger abi: %w", err)
	}
	shopABI, err := abi.JSON(strings.NewReader(shopABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse shop abi: %w", err)
	}
	return &Client{
		backend:     backend,
		ledger:      ledger,
		shops:       shops,
		ledgerABI:   ledgerABI,
		shopABI:     shopABI,
		receiptPoll: time.Second,
		receiptWait: defaultReceiptWait,
	}, nil
}

// NonceOf reads the ledger nonce for an account.
func (c *Client) NonceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	out, err := c.call(ctx, c.ledger, c.ledgerABI, "nonceOf", account)
	if err != nil {
		return nil, err
	}
	nonce, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("nonceOf returned %T", out[0])
	}
	return nonce, nil
}

// PaymentStatusOf reads the current on-chain status of a payment.
func (c *Client) PaymentStatusOf(ctx context.Context, paymentID common.Hash) (models.ContractPaymentStatus, error) {
	out, err := c.call(ctx, c.ledger, c.ledgerABI, "paymentStatusOf", paymentID)
	if err != nil {
		return models.ContractStatusInvalid, err
	}
	status, ok := out[0].(uint8)
	if !ok {
		return models.ContractStatusInvalid, fmt.Errorf("paymentStatusOf returned %T", out[0])
	}
	return models.ContractPaymentStatus(status), nil
}

// DelegatorOf reads the delegated signing address registered for a shop.
func (c *Client) DelegatorOf(ctx context.Context, shopID common.Hash) (common.Address, error) {
	out, err := c.call(ctx, c.shops, c.shopABI, "delegatorOf", shopID)
	if err != nil {
		return common.Address{}, err
	}
	delegator, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("delegatorOf returned %T", out[0])
	}
	return delegator, nil
}

// WaitForReceipt polls until the transaction is mined, the wait budget is
// spent, or the context ends. A hash that never turns up surfaces
// ErrTxNotMined rather than blocking the rest of the caller's sweep.
func (c *Client) WaitForReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	deadline := time.Now().Add(c.receiptWait)
	for {
		receipt, err := c.backend.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("fetch receipt %s: %w", txHash.Hex(), err)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("receipt %s: %w", txHash.Hex(), ErrTxNotMined)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.receiptPoll):
		}
	}
}

func (c *Client) call(ctx context.Context, to common.Address, contractABI abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	input, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	raw, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	out, err := contractABI.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s returned no values", method)
	}
	return out, nil
}
