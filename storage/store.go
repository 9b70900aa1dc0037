package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"loyaltyrelay/models"
)

var (
	// ErrNotFound is returned when no row matches the requested identifier.
	ErrNotFound = errors.New("storage: row not found")
	// ErrStatusChanged is returned when a guarded update finds the row no
	// longer in the expected status. Callers treat it as concurrent progress,
	// not failure.
	ErrStatusChanged = errors.New("storage: row status changed")
)

// Store persists payments, shop tasks, delegated keys, and temporary account
// mappings behind gorm. Single-row status updates are atomic; the store does
// not provide cross-row transactions.
type Store struct {
	db *gorm.DB
}

// Open connects to the database named by the DSN and migrates the schema.
// Postgres DSNs are detected by prefix; anything else is treated as a sqlite
// path, which keeps local development and tests on the embedded driver.
func Open(dsn string) (*Store, error) {
	var dialector gorm.Dialector
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStore wraps an already-open gorm handle. Used by tests.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreatePayment inserts a new payment row.
func (s *Store) CreatePayment(ctx context.Context, payment *models.Payment) error {
	return s.db.WithContext(ctx).Create(payment).Error
}

// Payment fetches a payment by identifier.
func (s *Store) Payment(ctx context.Context, paymentID string) (*models.Payment, error) {
	var payment models.Payment
	err := s.db.WithContext(ctx).First(&payment, "payment_id = ?", paymentID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// PaymentsByStatus returns payments in any of the given statuses, oldest first.
func (s *Store) PaymentsByStatus(ctx context.Context, statuses []models.PaymentStatus) ([]models.Payment, error) {
	var payments []models.Payment
	err := s.db.WithContext(ctx).
		Where("payment_status IN ?", statuses).
		Order("created_at ASC").
		Find(&payments).Error
	if err != nil {
		return nil, err
	}
	return payments, nil
}

// UpdatePaymentIfStatus writes the full row only if it is still in the
// expected status. The guard and the write are one UPDATE, so concurrent
// schedulers cannot interleave between read and write.
func (s *Store) UpdatePaymentIfStatus(ctx context.Context, expected models.PaymentStatus, payment *models.Payment) error {
	res := s.db.WithContext(ctx).
		Model(&models.Payment{}).
		Where("payment_id = ? AND payment_status = ?", payment.PaymentID, expected).
		Select("*").
		Omit("payment_id", "created_at").
		Updates(payment)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return s.guardFailure(ctx, &models.Payment{}, "payment_id = ?", payment.PaymentID)
	}
	return nil
}

// ForcePaymentStatus bypasses the status guard. Only hard-failure paths use it.
func (s *Store) ForcePaymentStatus(ctx context.Context, paymentID string, status models.PaymentStatus) error {
	res := s.db.WithContext(ctx).
		Model(&models.Payment{}).
		Where("payment_id = ?", paymentID).
		Update("payment_status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateContractStatus records the last-observed on-chain payment status.
func (s *Store) UpdateContractStatus(ctx context.Context, paymentID string, status models.ContractPaymentStatus) error {
	res := s.db.WithContext(ctx).
		Model(&models.Payment{}).
		Where("payment_id = ?", paymentID).
		Update("contract_status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateTask inserts a new shop task row.
func (s *Store) CreateTask(ctx context.Context, task *models.ShopTask) error {
	return s.db.WithContext(ctx).Create(task).Error
}

// Task fetches a shop task by identifier.
func (s *Store) Task(ctx context.Context, taskID string) (*models.ShopTask, error) {
	var task models.ShopTask
	err := s.db.WithContext(ctx).First(&task, "task_id = ?", taskID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// TasksByStatus returns shop tasks in the given status, oldest first.
func (s *Store) TasksByStatus(ctx context.Context, status models.TaskStatusValue) ([]models.ShopTask, error) {
	var tasks []models.ShopTask
	err := s.db.WithContext(ctx).
		Where("task_status = ?", status).
		Order("created_at ASC").
		Find(&tasks).Error
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// UpdateTaskIfStatus writes the full task row under the same single-UPDATE
// status guard as UpdatePaymentIfStatus.
func (s *Store) UpdateTaskIfStatus(ctx context.Context, expected models.TaskStatusValue, task *models.ShopTask) error {
	res := s.db.WithContext(ctx).
		Model(&models.ShopTask{}).
		Where("task_id = ? AND task_status = ?", task.TaskID, expected).
		Select("*").
		Omit("task_id", "created_at").
		Updates(task)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return s.guardFailure(ctx, &models.ShopTask{}, "task_id = ?", task.TaskID)
	}
	return nil
}

// ForceTaskStatus bypasses the status guard for hard-failure paths.
func (s *Store) ForceTaskStatus(ctx context.Context, taskID string, status models.TaskStatusValue) error {
	res := s.db.WithContext(ctx).
		Model(&models.ShopTask{}).
		Where("task_id = ?", taskID).
		Update("task_status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveDelegatedKey upserts a shop's encrypted delegated key.
func (s *Store) SaveDelegatedKey(ctx context.Context, key *models.DelegatedKey) error {
	return s.db.WithContext(ctx).Save(key).Error
}

// DelegatedKeyByAccount fetches the encrypted delegated key for an account.
func (s *Store) DelegatedKeyByAccount(ctx context.Context, account string) (*models.DelegatedKey, error) {
	var key models.DelegatedKey
	err := s.db.WithContext(ctx).First(&key, "account = ?", strings.ToLower(account)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &key, nil
}

// CreateTemporaryAccount records a short-lived account alias.
func (s *Store) CreateTemporaryAccount(ctx context.Context, mapping *models.TemporaryAccount) error {
	return s.db.WithContext(ctx).Create(mapping).Error
}

// RemoveExpiredTemporaryAccounts purges aliases past their expiry and returns
// how many rows were deleted.
func (s *Store) RemoveExpiredTemporaryAccounts(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("expires_at <= ?", now).
		Delete(&models.TemporaryAccount{})
	return res.RowsAffected, res.Error
}

// guardFailure distinguishes a missing row from one whose status moved.
func (s *Store) guardFailure(ctx context.Context, model interface{}, query string, id string) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(model).Where(query, id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrNotFound
	}
	return ErrStatusChanged
}
