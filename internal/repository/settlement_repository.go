package repository

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/gmfi-labs/gmfi-chain/internal/model"
)

var (
	ErrDepositNotFound    = errors.New("deposit not found")
	ErrWithdrawalNotFound = errors.New("withdrawal not found")
	ErrInvoiceNotFound    = errors.New("invoice not found")
	ErrPaymentNotFound    = errors.New("payment not found")
	ErrDuplicateRecord    = errors.New("duplicate settlement record")
)

// DepositRepository 充值记录仓储接口
type DepositRepository interface {
	Create(ctx context.Context, deposit *model.Deposit) error
	GetByTransaction(ctx context.Context, transactionID int64) (*model.Deposit, error)
	ListByUser(ctx context.Context, userID int64, limit int) ([]*model.Deposit, error)
}

type depositRepository struct {
	*Repository
}

// NewDepositRepository 创建充值记录仓储
func NewDepositRepository(db *gorm.DB) DepositRepository {
	return &depositRepository{Repository: NewRepository(db)}
}

func (r *depositRepository) Create(ctx context.Context, deposit *model.Deposit) error {
	deposit.CreatedAt = nowMilli()
	err := r.DB(ctx).Create(deposit).Error
	if isDuplicateKeyError(err) {
		return ErrDuplicateRecord
	}
	return err
}

func (r *depositRepository) GetByTransaction(ctx context.Context, transactionID int64) (*model.Deposit, error) {
	var deposit model.Deposit
	err := r.DB(ctx).Where("transaction_id = ?", transactionID).First(&deposit).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDepositNotFound
	}
	if err != nil {
		return nil, err
	}
	return &deposit, nil
}

func (r *depositRepository) ListByUser(ctx context.Context, userID int64, limit int) ([]*model.Deposit, error) {
	var deposits []*model.Deposit
	err := r.DB(ctx).Where("user_id = ?", userID).Order("id DESC").Limit(limit).Find(&deposits).Error
	return deposits, err
}

// WithdrawalRepository 提币记录仓储接口
type WithdrawalRepository interface {
	Create(ctx context.Context, withdrawal *model.Withdrawal) error
	GetByNo(ctx context.Context, no string) (*model.Withdrawal, error)
	GetByOutbound(ctx context.Context, outboundID int64) (*model.Withdrawal, error)
	GetByTransaction(ctx context.Context, transactionID int64) (*model.Withdrawal, error)
	LinkTransaction(ctx context.Context, id, transactionID int64) error
}

type withdrawalRepository struct {
	*Repository
}

// NewWithdrawalRepository 创建提币记录仓储
func NewWithdrawalRepository(db *gorm.DB) WithdrawalRepository {
	return &withdrawalRepository{Repository: NewRepository(db)}
}

func (r *withdrawalRepository) Create(ctx context.Context, withdrawal *model.Withdrawal) error {
	now := nowMilli()
	withdrawal.CreatedAt = now
	withdrawal.UpdatedAt = now
	err := r.DB(ctx).Create(withdrawal).Error
	if isDuplicateKeyError(err) {
		return ErrDuplicateRecord
	}
	return err
}

func (r *withdrawalRepository) GetByNo(ctx context.Context, no string) (*model.Withdrawal, error) {
	return r.first(r.DB(ctx).Where("no = ?", no))
}

func (r *withdrawalRepository) GetByOutbound(ctx context.Context, outboundID int64) (*model.Withdrawal, error) {
	return r.first(r.DB(ctx).Where("outbound_id = ?", outboundID))
}

func (r *withdrawalRepository) GetByTransaction(ctx context.Context, transactionID int64) (*model.Withdrawal, error) {
	return r.first(r.DB(ctx).Where("transaction_id = ?", transactionID))
}

func (r *withdrawalRepository) first(db *gorm.DB) (*model.Withdrawal, error) {
	var withdrawal model.Withdrawal
	err := db.First(&withdrawal).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrWithdrawalNotFound
	}
	if err != nil {
		return nil, err
	}
	return &withdrawal, nil
}

func (r *withdrawalRepository) LinkTransaction(ctx context.Context, id, transactionID int64) error {
	result := r.DB(ctx).Model(&model.Withdrawal{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"transaction_id": transactionID,
			"updated_at":     nowMilli(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrWithdrawalNotFound
	}
	return nil
}

// InvoiceRepository 账单与支付记录仓储接口
type InvoiceRepository interface {
	Create(ctx context.Context, invoice *model.Invoice) error
	GetByID(ctx context.Context, id int64) (*model.Invoice, error)
	GetByNo(ctx context.Context, no string) (*model.Invoice, error)
	GetByOutbound(ctx context.Context, outboundID int64) (*model.Invoice, error)
	// FindPayable 未支付完成且未归集的账单
	FindPayable(ctx context.Context, chainID int64, payAddress string, tokenID int64) (*model.Invoice, error)
	ExistsPayable(ctx context.Context, chainID int64, payAddress string) (bool, error)
	// ListGatherable 已支付、已过期且尚未发起归集的账单
	ListGatherable(ctx context.Context, now int64, limit int) ([]*model.Invoice, error)
	SetOutbound(ctx context.Context, id, outboundID int64) error

	// AddPayment 记录支付并累加实付金额，实付不小于应付时标记已支付
	AddPayment(ctx context.Context, payment *model.Payment) (*model.Invoice, error)
	GetPaymentByTransaction(ctx context.Context, transactionID int64) (*model.Payment, error)
	SumPayments(ctx context.Context, invoiceID int64) (decimal.Decimal, error)
}

type invoiceRepository struct {
	*Repository
}

// NewInvoiceRepository 创建账单仓储
func NewInvoiceRepository(db *gorm.DB) InvoiceRepository {
	return &invoiceRepository{Repository: NewRepository(db)}
}

func (r *invoiceRepository) Create(ctx context.Context, invoice *model.Invoice) error {
	now := nowMilli()
	invoice.CreatedAt = now
	invoice.UpdatedAt = now
	err := r.DB(ctx).Create(invoice).Error
	if isDuplicateKeyError(err) {
		return ErrDuplicateRecord
	}
	return err
}

func (r *invoiceRepository) GetByID(ctx context.Context, id int64) (*model.Invoice, error) {
	return r.first(r.DB(ctx).Where("id = ?", id))
}

func (r *invoiceRepository) GetByNo(ctx context.Context, no string) (*model.Invoice, error) {
	return r.first(r.DB(ctx).Where("no = ?", no))
}

func (r *invoiceRepository) GetByOutbound(ctx context.Context, outboundID int64) (*model.Invoice, error) {
	return r.first(r.DB(ctx).Where("outbound_id = ?", outboundID))
}

func (r *invoiceRepository) FindPayable(ctx context.Context, chainID int64, payAddress string, tokenID int64) (*model.Invoice, error) {
	return r.first(r.DB(ctx).
		Where("chain_id = ? AND pay_address = ? AND token_id = ?", chainID, payAddress, tokenID).
		Where("paid = ? AND outbound_id IS NULL", false))
}

func (r *invoiceRepository) ExistsPayable(ctx context.Context, chainID int64, payAddress string) (bool, error) {
	var count int64
	err := r.DB(ctx).Model(&model.Invoice{}).
		Where("chain_id = ? AND pay_address = ? AND paid = ? AND outbound_id IS NULL", chainID, payAddress, false).
		Count(&count).Error
	return count > 0, err
}

func (r *invoiceRepository) ListGatherable(ctx context.Context, now int64, limit int) ([]*model.Invoice, error) {
	var invoices []*model.Invoice
	err := r.DB(ctx).
		Where("paid = ? AND expired_at < ? AND outbound_id IS NULL", true, now).
		Order("id ASC").
		Limit(limit).
		Find(&invoices).Error
	return invoices, err
}

func (r *invoiceRepository) SetOutbound(ctx context.Context, id, outboundID int64) error {
	result := r.DB(ctx).Model(&model.Invoice{}).
		Where("id = ? AND outbound_id IS NULL", id).
		Updates(map[string]interface{}{
			"outbound_id": outboundID,
			"updated_at":  nowMilli(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrInvoiceNotFound
	}
	return nil
}

func (r *invoiceRepository) first(db *gorm.DB) (*model.Invoice, error) {
	var invoice model.Invoice
	err := db.First(&invoice).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrInvoiceNotFound
	}
	if err != nil {
		return nil, err
	}
	return &invoice, nil
}

func (r *invoiceRepository) AddPayment(ctx context.Context, payment *model.Payment) (*model.Invoice, error) {
	var invoice *model.Invoice
	err := r.Transaction(ctx, func(ctx context.Context) error {
		payment.CreatedAt = nowMilli()
		if err := r.DB(ctx).Create(payment).Error; err != nil {
			if isDuplicateKeyError(err) {
				return ErrDuplicateRecord
			}
			return err
		}

		db := r.DB(ctx)
		if err := db.Model(&model.Invoice{}).
			Where("id = ?", payment.InvoiceID).
			Updates(map[string]interface{}{
				"actual_value": gorm.Expr("actual_value + ?", payment.Value),
				"updated_at":   nowMilli(),
			}).Error; err != nil {
			return err
		}
		if err := db.Model(&model.Invoice{}).
			Where("id = ? AND actual_value >= value", payment.InvoiceID).
			Update("paid", true).Error; err != nil {
			return err
		}

		var err error
		invoice, err = r.GetByID(ctx, payment.InvoiceID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return invoice, nil
}

func (r *invoiceRepository) GetPaymentByTransaction(ctx context.Context, transactionID int64) (*model.Payment, error) {
	var payment model.Payment
	err := r.DB(ctx).Where("transaction_id = ?", transactionID).First(&payment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

func (r *invoiceRepository) SumPayments(ctx context.Context, invoiceID int64) (decimal.Decimal, error) {
	var payments []*model.Payment
	if err := r.DB(ctx).Where("invoice_id = ?", invoiceID).Find(&payments).Error; err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, p := range payments {
		total = total.Add(p.Value)
	}
	return total, nil
}
