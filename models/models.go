package models

import (
	"encoding/binary"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PaymentStatus represents a state in the loyalty payment workflow.
type PaymentStatus string

// New-payment sub-flow states.
const (
	StatusOpenedNew              PaymentStatus = "OPENED_NEW"
	StatusApprovedNewFailedTx    PaymentStatus = "APPROVED_NEW_FAILED_TX"
	StatusApprovedNewSentTx      PaymentStatus = "APPROVED_NEW_SENT_TX"
	StatusApprovedNewConfirmedTx PaymentStatus = "APPROVED_NEW_CONFIRMED_TX"
	StatusApprovedNewRevertedTx  PaymentStatus = "APPROVED_NEW_REVERTED_TX"
	StatusDeniedNew              PaymentStatus = "DENIED_NEW"
	StatusReplyCompletedNew      PaymentStatus = "REPLY_COMPLETED_NEW"
	StatusClosedNew              PaymentStatus = "CLOSED_NEW"
	StatusFailedNew              PaymentStatus = "FAILED_NEW"
)

// Cancel-payment sub-flow states.
const (
	StatusOpenedCancel              PaymentStatus = "OPENED_CANCEL"
	StatusApprovedCancelFailedTx    PaymentStatus = "APPROVED_CANCEL_FAILED_TX"
	StatusApprovedCancelSentTx      PaymentStatus = "APPROVED_CANCEL_SENT_TX"
	StatusApprovedCancelConfirmedTx PaymentStatus = "APPROVED_CANCEL_CONFIRMED_TX"
	StatusApprovedCancelRevertedTx  PaymentStatus = "APPROVED_CANCEL_REVERTED_TX"
	StatusDeniedCancel              PaymentStatus = "DENIED_CANCEL"
	StatusReplyCompletedCancel      PaymentStatus = "REPLY_COMPLETED_CANCEL"
	StatusClosedCancel              PaymentStatus = "CLOSED_CANCEL"
	StatusFailedCancel              PaymentStatus = "FAILED_CANCEL"
)

// NewPaymentInFlight enumerates every new-payment status a forced close may
// still act on: anything that has not reached CLOSED_NEW or FAILED_NEW.
var NewPaymentInFlight = []PaymentStatus{
	StatusOpenedNew,
	StatusApprovedNewFailedTx,
	StatusApprovedNewSentTx,
	StatusApprovedNewConfirmedTx,
	StatusApprovedNewRevertedTx,
	StatusDeniedNew,
	StatusReplyCompletedNew,
}

// CancelPaymentInFlight mirrors NewPaymentInFlight for the cancel sub-flow.
var CancelPaymentInFlight = []PaymentStatus{
	StatusOpenedCancel,
	StatusApprovedCancelFailedTx,
	StatusApprovedCancelSentTx,
	StatusApprovedCancelConfirmedTx,
	StatusApprovedCancelRevertedTx,
	StatusDeniedCancel,
	StatusReplyCompletedCancel,
}

// IsTerminal reports whether no scheduler will transition the payment further.
func (s PaymentStatus) IsTerminal() bool {
	switch s {
	case StatusClosedNew, StatusFailedNew, StatusDeniedNew,
		StatusClosedCancel, StatusFailedCancel, StatusDeniedCancel:
		return true
	}
	return false
}

// IsCancelFlow reports whether the status belongs to the cancel sub-flow.
func (s PaymentStatus) IsCancelFlow() bool {
	switch s {
	case StatusOpenedCancel, StatusApprovedCancelFailedTx, StatusApprovedCancelSentTx,
		StatusApprovedCancelConfirmedTx, StatusApprovedCancelRevertedTx,
		StatusDeniedCancel, StatusReplyCompletedCancel, StatusClosedCancel, StatusFailedCancel:
		return true
	}
	return false
}

// CloseConfirm reports whether a consistency-repair close for a row in this
// status should settle (confirm=true) or roll back (confirm=false). Only rows
// whose transaction already confirmed are settled; everything else rolls back.
func (s PaymentStatus) CloseConfirm() bool {
	switch s {
	case StatusApprovedNewConfirmedTx, StatusReplyCompletedNew, StatusClosedNew,
		StatusApprovedCancelConfirmedTx, StatusReplyCompletedCancel, StatusClosedCancel:
		return true
	}
	return false
}

// ContractPaymentStatus mirrors the ledger contract's payment status enum.
type ContractPaymentStatus int

const (
	ContractStatusInvalid ContractPaymentStatus = iota
	ContractStatusOpenedPayment
	ContractStatusClosedPayment
	ContractStatusFailedPayment
	ContractStatusOpenedCancel
	ContractStatusClosedCancel
	ContractStatusFailedCancel
)

// Payment describes one loyalty payment across the new and cancel sub-flows.
// Rows are created by the API layer in OPENED_NEW and are never deleted.
type Payment struct {
	PaymentID      string                `gorm:"primaryKey;size:66" json:"paymentId"`
	PurchaseID     string                `gorm:"size:66;index" json:"purchaseId"`
	Amount         BigInt                `gorm:"type:text" json:"amount"`
	Currency       string                `gorm:"size:16" json:"currency"`
	ShopID         string                `gorm:"size:66;index" json:"shopId"`
	Account        string                `gorm:"size:42;index" json:"account"`
	PaidPoint      BigInt                `gorm:"type:text" json:"paidPoint"`
	PaidValue      BigInt                `gorm:"type:text" json:"paidValue"`
	FeePoint       BigInt                `gorm:"type:text" json:"feePoint"`
	FeeValue       BigInt                `gorm:"type:text" json:"feeValue"`
	TotalPoint     BigInt                `gorm:"type:text" json:"totalPoint"`
	TotalValue     BigInt                `gorm:"type:text" json:"totalValue"`
	PaymentStatus  PaymentStatus         `gorm:"size:40;index" json:"paymentStatus"`
	ContractStatus ContractPaymentStatus `gorm:"index" json:"contractStatus"`

	OpenedNewAt    time.Time `json:"openNewTimestamp"`
	ClosedNewAt    time.Time `json:"closeNewTimestamp"`
	OpenedCancelAt time.Time `json:"openCancelTimestamp"`
	ClosedCancelAt time.Time `json:"closeCancelTimestamp"`

	OpenNewTxHash    string    `gorm:"size:66" json:"openNewTxId"`
	OpenNewTxTime    time.Time `json:"openNewTxTime"`
	CloseNewTxHash   string    `gorm:"size:66" json:"closeNewTxId"`
	CloseNewTxTime   time.Time `json:"closeNewTxTime"`
	OpenCancelTxHash string    `gorm:"size:66" json:"openCancelTxId"`
	OpenCancelTxTime time.Time `json:"openCancelTxTime"`
	CloseCancelTx    string    `gorm:"size:66" json:"closeCancelTxId"`
	CloseCancelTime  time.Time `json:"closeCancelTxTime"`

	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

// NewPaymentID derives the deterministic payment identifier from the paying
// account and its ledger nonce at open time.
func NewPaymentID(account common.Address, nonce uint64) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], nonce)
	return hexutil.Encode(crypto.Keccak256(account.Bytes(), buf[:]))
}

// NewTaskID mints the identifier for a freshly submitted shop task.
func NewTaskID() string {
	return uuid.NewString()
}

// TaskType enumerates shop administration actions.
type TaskType string

const (
	TaskAdd    TaskType = "ADD"
	TaskUpdate TaskType = "UPDATE"
	TaskStatus TaskType = "STATUS"
)

// TaskStatusValue represents a state in the shop task workflow.
type TaskStatusValue string

const (
	TaskOpened     TaskStatusValue = "OPENED"
	TaskSentTx     TaskStatusValue = "SENT_TX"
	TaskCompleted  TaskStatusValue = "COMPLETED"
	TaskRevertedTx TaskStatusValue = "REVERTED_TX"
)

// IsTerminal reports whether the task has reached a final status.
func (s TaskStatusValue) IsTerminal() bool {
	return s == TaskCompleted || s == TaskRevertedTx
}

// ShopStatus mirrors the shop contract's status enum.
type ShopStatus int

const (
	ShopStatusInvalid ShopStatus = iota
	ShopStatusActive
	ShopStatusInactive
)

// ShopTask describes one shop administration action awaiting relay processing.
type ShopTask struct {
	TaskID     string          `gorm:"primaryKey;size:64" json:"taskId"`
	Type       TaskType        `gorm:"size:16;index" json:"type"`
	ShopID     string          `gorm:"size:66;index" json:"shopId"`
	Account    string          `gorm:"size:42;index" json:"account"`
	Name       string          `gorm:"size:128" json:"name"`
	Currency   string          `gorm:"size:16" json:"currency"`
	Status     ShopStatus      `json:"status"`
	TaskStatus TaskStatusValue `gorm:"size:24;index" json:"taskStatus"`
	Timestamp  time.Time       `json:"timestamp"`
	TxHash     string          `gorm:"size:66" json:"txId"`
	TxTime     time.Time       `json:"txTime"`

	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

// DelegatedKey stores a shop's delegated signing key, encrypted at rest with
// the relay's symmetric key. The decrypted key is only trusted after its
// derived address matches the shop's on-chain delegator.
type DelegatedKey struct {
	Account      string `gorm:"primaryKey;size:42"`
	ShopID       string `gorm:"size:66;index"`
	EncryptedKey string `gorm:"type:text"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TemporaryAccount maps a short-lived account alias to a real account.
type TemporaryAccount struct {
	Temporary string    `gorm:"primaryKey;size:42"`
	Account   string    `gorm:"size:42;index"`
	ExpiresAt time.Time `gorm:"index"`
	CreatedAt time.Time
}

// AutoMigrate performs all schema migrations for the relay.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Payment{},
		&ShopTask{},
		&DelegatedKey{},
		&TemporaryAccount{},
	)
}
