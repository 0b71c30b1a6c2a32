package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jimyag/assistd/internal/assistd/entity"
	"github.com/jimyag/assistd/internal/assistd/repository"
	"github.com/jimyag/assistd/internal/assistd/repository/model"
	"github.com/jimyag/assistd/pkg/apierror"
	"github.com/jimyag/assistd/pkg/keylock"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	defaultPageSize = 20
	lockKindCredit  = "credit"
)

// CreditService 积分账本
//
// 同一租户的所有余额变更串行：先取进程内 key 锁，再在事务内对余额行加锁。
// 每次变更写入一条流水，流水的 BalanceAfter 等于提交后的余额。
type CreditService struct {
	repo  *repository.Repository
	locks *keylock.Locker
	now   func() time.Time
}

// NewCreditService 创建账本服务
func NewCreditService(repo *repository.Repository, locks *keylock.Locker) *CreditService {
	return &CreditService{
		repo:  repo,
		locks: locks,
		now:   time.Now,
	}
}

// Ledger 单个租户在一次事务内的账本视图
// 只在 WithLedger 的回调内有效
type Ledger struct {
	tenantID string
	tx       *gorm.DB
	credits  repository.CreditRepository
	credit   *model.Credit
	now      time.Time
}

// DB 返回当前事务，调用方可在同一事务内修改其他表
func (l *Ledger) DB() *gorm.DB {
	return l.tx
}

// Credit 读取并锁定余额行，首次调用时惰性创建
func (l *Ledger) Credit(ctx context.Context) (*model.Credit, error) {
	if l.credit != nil {
		return l.credit, nil
	}
	credit, err := l.credits.GetForUpdate(ctx, l.tenantID)
	if err != nil {
		return nil, fmt.Errorf("lock credit row: %w", err)
	}
	l.credit = credit
	return credit, nil
}

// SaveCredit 保存余额行的非金额字段（如欢迎奖励标记）
func (l *Ledger) SaveCredit(ctx context.Context) error {
	if l.credit == nil {
		return nil
	}
	return l.credits.Save(ctx, l.credit)
}

// Add 入账，externalRef 非空且已存在时返回已有流水与 duplicate=true，不做修改
func (l *Ledger) Add(ctx context.Context, txType model.TransactionType, amount decimal.Decimal, description, serverID, externalRef string) (*model.CreditTransaction, bool, error) {
	if !txType.IsCredit() {
		return nil, false, fmt.Errorf("transaction type %q is not a credit", txType)
	}
	if !amount.IsPositive() {
		return nil, false, fmt.Errorf("credit amount must be positive, got %s", amount)
	}

	if externalRef != "" {
		existing, err := l.credits.GetTransactionByExternalRef(ctx, externalRef)
		if err == nil {
			return existing, true, nil
		}
		if !repository.IsNotFound(err) {
			return nil, false, err
		}
	}

	credit, err := l.Credit(ctx)
	if err != nil {
		return nil, false, err
	}
	txn, err := l.apply(ctx, credit, txType, amount, description, serverID, externalRef)
	if err != nil {
		return nil, false, err
	}
	return txn, false, nil
}

// Deduct 扣账，余额不足时返回 insufficient=true 且不做任何修改
func (l *Ledger) Deduct(ctx context.Context, txType model.TransactionType, amount decimal.Decimal, description, serverID string) (*model.CreditTransaction, bool, error) {
	if !txType.IsDebit() {
		return nil, false, fmt.Errorf("transaction type %q is not a debit", txType)
	}
	if !amount.IsPositive() {
		return nil, false, fmt.Errorf("debit amount must be positive, got %s", amount)
	}

	credit, err := l.Credit(ctx)
	if err != nil {
		return nil, false, err
	}
	if credit.Balance.LessThan(amount) {
		return nil, true, nil
	}
	txn, err := l.apply(ctx, credit, txType, amount.Neg(), description, serverID, "")
	if err != nil {
		return nil, false, err
	}
	return txn, false, nil
}

func (l *Ledger) apply(ctx context.Context, credit *model.Credit, txType model.TransactionType, signed decimal.Decimal, description, serverID, externalRef string) (*model.CreditTransaction, error) {
	credit.Balance = credit.Balance.Add(signed)
	if credit.Balance.IsNegative() {
		return nil, fmt.Errorf("balance of tenant %s would become negative", credit.TenantID)
	}
	credit.UpdatedAt = l.now
	if err := l.credits.Save(ctx, credit); err != nil {
		return nil, fmt.Errorf("save credit: %w", err)
	}

	txn := &model.CreditTransaction{
		CreditID:     credit.ID,
		TenantID:     credit.TenantID,
		Type:         txType,
		Amount:       signed,
		BalanceAfter: credit.Balance,
		Description:  description,
		CreatedAt:    l.now,
	}
	if serverID != "" {
		txn.ServerID = &serverID
	}
	if externalRef != "" {
		txn.ExternalRef = &externalRef
	}
	if err := l.credits.CreateTransaction(ctx, txn); err != nil {
		return nil, err
	}
	return txn, nil
}

// WithLedger 持有租户账本锁，在事务内执行 fn，fn 返回错误时整体回滚
func (s *CreditService) WithLedger(ctx context.Context, tenantID string, fn func(l *Ledger) error) error {
	unlock, err := s.locks.Lock(ctx, keylock.Key(lockKindCredit, tenantID))
	if err != nil {
		return apierror.WrapError(apierror.ErrServiceUnavailable, "Ledger is busy", err)
	}
	defer unlock()

	return s.repo.Transaction(ctx, func(tx *gorm.DB) error {
		return fn(&Ledger{
			tenantID: tenantID,
			tx:       tx,
			credits:  repository.NewCreditRepository(tx),
			now:      s.now(),
		})
	})
}

// AddCredits 入账，相同 ExternalRef 只入账一次
func (s *CreditService) AddCredits(ctx context.Context, req *entity.AddCreditsRequest) (*entity.CreditResult, error) {
	logger := zerolog.Ctx(ctx)

	if err := req.IsValid(); err != nil {
		return nil, apierror.WrapError(apierror.ErrInvalidParameterValue, err.Error(), err)
	}
	typ := req.Type
	if typ == "" {
		typ = string(model.TxPurchase)
	}
	txType, err := model.ParseTransactionType(typ)
	if err != nil {
		return nil, apierror.WrapError(apierror.ErrUnknownTransactionType, err.Error(), err)
	}
	if !txType.IsCredit() {
		return nil, apierror.WrapError(apierror.ErrInvalidParameterValue,
			fmt.Sprintf("transaction type %s cannot add credits", txType), nil)
	}

	var (
		txn       *model.CreditTransaction
		duplicate bool
	)
	err = s.WithLedger(ctx, req.TenantID, func(l *Ledger) error {
		var err error
		txn, duplicate, err = l.Add(ctx, txType, req.Amount, req.Description, "", req.ExternalRef)
		return err
	})
	if err != nil && req.ExternalRef != "" && repository.IsDuplicateKey(err) {
		// 其他进程先一步写入了同一引用
		existing, lookupErr := repository.NewCreditRepository(s.repo.DB()).GetTransactionByExternalRef(ctx, req.ExternalRef)
		if lookupErr == nil {
			txn, duplicate, err = existing, true, nil
		}
	}
	if err != nil {
		logger.Error().Err(err).Str("tenant_id", req.TenantID).Msg("Failed to add credits")
		return nil, asAPIError(err, "Failed to add credits")
	}

	if duplicate {
		logger.Info().
			Str("tenant_id", req.TenantID).
			Str("external_ref", req.ExternalRef).
			Msg("Credit already applied for external reference")
	} else {
		logger.Info().
			Str("tenant_id", req.TenantID).
			Str("type", string(txType)).
			Str("amount", req.Amount.String()).
			Str("balance_after", txn.BalanceAfter.String()).
			Msg("Credits added")
	}

	e, err := transactionModelToEntity(txn)
	if err != nil {
		return nil, apierror.WrapError(apierror.ErrInternalError, "Failed to convert transaction", err)
	}
	return &entity.CreditResult{Transaction: e, Duplicate: duplicate}, nil
}

// DeductCredits 扣账，余额不足返回 Insufficient 而不是错误
func (s *CreditService) DeductCredits(ctx context.Context, req *entity.DeductCreditsRequest) (*entity.DeductResult, error) {
	logger := zerolog.Ctx(ctx)

	if req.TenantID == "" {
		return nil, apierror.WrapError(apierror.ErrMissingParameter, "tenant_id is required", nil)
	}
	if !req.Amount.IsPositive() {
		return nil, apierror.WrapError(apierror.ErrInvalidParameterValue, "amount must be positive", nil)
	}
	typ := req.Type
	if typ == "" {
		typ = string(model.TxUsage)
	}
	txType, err := model.ParseTransactionType(typ)
	if err != nil {
		return nil, apierror.WrapError(apierror.ErrUnknownTransactionType, err.Error(), err)
	}
	if !txType.IsDebit() {
		return nil, apierror.WrapError(apierror.ErrInvalidParameterValue,
			fmt.Sprintf("transaction type %s cannot deduct credits", txType), nil)
	}

	result := &entity.DeductResult{}
	err = s.WithLedger(ctx, req.TenantID, func(l *Ledger) error {
		txn, insufficient, err := l.Deduct(ctx, txType, req.Amount, req.Description, req.ServerID)
		if err != nil {
			return err
		}
		credit, _ := l.Credit(ctx)
		result.Balance = credit.Balance.String()
		result.Insufficient = insufficient
		if txn != nil {
			e, err := transactionModelToEntity(txn)
			if err != nil {
				return err
			}
			result.Transaction = e
		}
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Str("tenant_id", req.TenantID).Msg("Failed to deduct credits")
		return nil, asAPIError(err, "Failed to deduct credits")
	}

	if result.Insufficient {
		logger.Warn().
			Str("tenant_id", req.TenantID).
			Str("amount", req.Amount.String()).
			Str("balance", result.Balance).
			Msg("Insufficient credits")
	}
	return result, nil
}

// HasEnoughCredits 余额是否不低于 amount，不加锁
func (s *CreditService) HasEnoughCredits(ctx context.Context, tenantID string, amount decimal.Decimal) (bool, error) {
	balance, err := s.balance(ctx, tenantID)
	if err != nil {
		return false, err
	}
	return balance.GreaterThanOrEqual(amount), nil
}

func (s *CreditService) balance(ctx context.Context, tenantID string) (decimal.Decimal, error) {
	credit, err := repository.NewCreditRepository(s.repo.DB()).GetByTenant(ctx, tenantID)
	if err != nil {
		if repository.IsNotFound(err) {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	return credit.Balance, nil
}

// GetBalance 查询余额，没有记录的租户余额为零
func (s *CreditService) GetBalance(ctx context.Context, req *entity.TenantRequest) (*entity.Credit, error) {
	credit, err := repository.NewCreditRepository(s.repo.DB()).GetByTenant(ctx, req.TenantID)
	if err != nil {
		if repository.IsNotFound(err) {
			return &entity.Credit{TenantID: req.TenantID, Balance: decimal.Zero.String()}, nil
		}
		zerolog.Ctx(ctx).Error().Err(err).Str("tenant_id", req.TenantID).Msg("Failed to get balance")
		return nil, apierror.WrapError(apierror.ErrInternalError, "Failed to get balance", err)
	}
	return creditModelToEntity(credit), nil
}

// ListTransactions 分页查询流水，最新的在前
func (s *CreditService) ListTransactions(ctx context.Context, req *entity.ListTransactionsRequest) (*entity.ListTransactionsResponse, error) {
	page, pageSize := req.Page, req.PageSize
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	txns, total, err := repository.NewCreditRepository(s.repo.DB()).
		ListTransactions(ctx, req.TenantID, (page-1)*pageSize, pageSize)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("tenant_id", req.TenantID).Msg("Failed to list transactions")
		return nil, apierror.WrapError(apierror.ErrInternalError, "Failed to list transactions", err)
	}

	resp := &entity.ListTransactionsResponse{
		Transactions: make([]entity.CreditTransaction, 0, len(txns)),
		Total:        total,
		Page:         page,
		PageSize:     pageSize,
	}
	for _, txn := range txns {
		e, err := transactionModelToEntity(txn)
		if err != nil {
			return nil, apierror.WrapError(apierror.ErrInternalError, "Failed to convert transaction", err)
		}
		resp.Transactions = append(resp.Transactions, *e)
	}
	return resp, nil
}

// GrantCredits 运营赠送或退款
func (s *CreditService) GrantCredits(ctx context.Context, req *entity.GrantCreditsRequest) (*entity.CreditResult, error) {
	typ := req.Type
	if typ == "" {
		typ = string(model.TxBonus)
	}
	if typ != string(model.TxBonus) && typ != string(model.TxRefund) {
		return nil, apierror.WrapError(apierror.ErrInvalidParameterValue, "grant type must be bonus or refund", nil)
	}
	return s.AddCredits(ctx, &entity.AddCreditsRequest{
		TenantID:    req.TenantID,
		Amount:      req.Amount,
		Type:        typ,
		Description: req.Description,
	})
}

// asAPIError 保留已有的 *apierror.Error，其余包装为内部错误
func asAPIError(err error, message string) error {
	if apiErr := apierror.As(err); apiErr != nil {
		return apiErr
	}
	if errors.Is(err, repository.ErrConflict) {
		return apierror.WrapError(apierror.ErrConcurrentModification, message, err)
	}
	return apierror.WrapError(apierror.ErrInternalError, message, err)
}
