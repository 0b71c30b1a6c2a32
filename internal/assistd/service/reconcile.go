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
)

// errCursorMoved 同步期间水位已被推进，本次结果作废
var errCursorMoved = errors.New("usage cursor moved")

// ReconcileOptions 对账参数
type ReconcileOptions struct {
	HoursPerPeriod int
	// ShutdownGrace 欠费标记到停机的宽限期
	ShutdownGrace time.Duration
	// CreditsPerUSD LLM 花费换算为积分的汇率
	CreditsPerUSD decimal.Decimal
}

// ReconcileService 周期对账：LLM 用量扣费与算力小时计费
type ReconcileService struct {
	repo    *repository.Repository
	locks   *keylock.Locker
	credits *CreditService
	servers *ServerService
	usage   UsageSource
	opts    ReconcileOptions
	now     func() time.Time
}

// NewReconcileService 创建对账服务
func NewReconcileService(
	repo *repository.Repository,
	locks *keylock.Locker,
	credits *CreditService,
	servers *ServerService,
	usage UsageSource,
	opts ReconcileOptions,
) *ReconcileService {
	if opts.HoursPerPeriod <= 0 {
		opts.HoursPerPeriod = 730
	}
	if opts.CreditsPerUSD.IsZero() {
		opts.CreditsPerUSD = decimal.NewFromInt(1)
	}
	return &ReconcileService{
		repo:    repo,
		locks:   locks,
		credits: credits,
		servers: servers,
		usage:   usage,
		opts:    opts,
		now:     time.Now,
	}
}

// CheckStatus 检查所有未终结服务器的远端状态
func (r *ReconcileService) CheckStatus(ctx context.Context) (*entity.CheckResult, error) {
	return r.servers.CheckAll(ctx)
}

// SyncLLMUsage 为每个拥有服务器的租户同步 LLM 用量
func (r *ReconcileService) SyncLLMUsage(ctx context.Context) (*entity.UsageSyncResult, error) {
	logger := zerolog.Ctx(ctx)

	tenants, err := repository.NewServerRepository(r.repo.DB()).TenantsWithServers(ctx)
	if err != nil {
		return nil, apierror.WrapError(apierror.ErrInternalError, "Failed to list tenants", err)
	}

	result := &entity.UsageSyncResult{Tenants: len(tenants)}
	for _, tenantID := range tenants {
		if ctx.Err() != nil {
			break
		}
		charged, insufficient, err := r.syncTenant(ctx, tenantID)
		if err != nil {
			result.Errors++
			logger.Error().Err(err).Str("tenant_id", tenantID).Msg("Failed to sync LLM usage")
			continue
		}
		if charged {
			result.Charged++
		}
		if insufficient {
			result.Insufficient++
		}
	}
	return result, nil
}

// syncTenant 拉取 (cursor, now] 的花费，扣费与推进水位在同一账本事务内提交
// 余额不足时水位不动，欠费留到下次同步，同时标记租户的运行中服务器
func (r *ReconcileService) syncTenant(ctx context.Context, tenantID string) (bool, bool, error) {
	logger := zerolog.Ctx(ctx)
	now := r.now().UTC()

	from, hadCursor, err := r.cursorStart(ctx, tenantID)
	if err != nil {
		return false, false, err
	}
	if !now.After(from) {
		return false, false, nil
	}

	spend, err := r.usage.Spend(ctx, tenantID, from, now)
	if err != nil {
		return false, false, fmt.Errorf("query spend: %w", err)
	}
	cost := spend.Mul(r.opts.CreditsPerUSD).Round(8)

	var charged, insufficient bool
	err = r.credits.WithLedger(ctx, tenantID, func(l *Ledger) error {
		cursors := repository.NewUsageCursorRepository(l.DB())
		current, err := cursors.Get(ctx, tenantID)
		switch {
		case err == nil:
			if !hadCursor || !current.SyncedTo.Equal(from) {
				return errCursorMoved
			}
		case repository.IsNotFound(err):
			if hadCursor {
				return errCursorMoved
			}
		default:
			return err
		}

		if cost.IsPositive() {
			desc := fmt.Sprintf("LLM usage %s to %s (%s USD)", from.Format(time.RFC3339), now.Format(time.RFC3339), spend.String())
			_, short, err := l.Deduct(ctx, model.TxLLMUsage, cost, desc, "")
			if err != nil {
				return err
			}
			if short {
				insufficient = true
				return nil
			}
			charged = true
		}
		return cursors.Save(ctx, &model.UsageCursor{TenantID: tenantID, SyncedTo: now, UpdatedAt: now})
	})
	if errors.Is(err, errCursorMoved) {
		logger.Debug().Str("tenant_id", tenantID).Msg("Usage cursor moved during sync, skipping")
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}

	if charged {
		logger.Info().
			Str("tenant_id", tenantID).
			Str("spend_usd", spend.String()).
			Str("credits", cost.String()).
			Msg("LLM usage charged")
	}
	if insufficient {
		logger.Warn().
			Str("tenant_id", tenantID).
			Str("credits", cost.String()).
			Msg("Insufficient credits for LLM usage, cursor held")
		r.flagTenantServers(ctx, tenantID, "insufficient credits for LLM usage")
	}
	return charged, insufficient, nil
}

// cursorStart 返回同步起点，没有水位时从租户最早的服务器创建时间开始
func (r *ReconcileService) cursorStart(ctx context.Context, tenantID string) (time.Time, bool, error) {
	cursor, err := repository.NewUsageCursorRepository(r.repo.DB()).Get(ctx, tenantID)
	if err == nil {
		return cursor.SyncedTo.UTC(), true, nil
	}
	if !repository.IsNotFound(err) {
		return time.Time{}, false, err
	}

	servers, err := repository.NewServerRepository(r.repo.DB()).List(ctx, repository.ServerFilter{TenantID: tenantID})
	if err != nil {
		return time.Time{}, false, err
	}
	if len(servers) == 0 {
		return r.now().UTC(), false, nil
	}
	return servers[0].CreatedAt.UTC(), false, nil
}

func (r *ReconcileService) flagTenantServers(ctx context.Context, tenantID, reason string) {
	servers, err := repository.NewServerRepository(r.repo.DB()).List(ctx, repository.ServerFilter{
		TenantID: tenantID,
		Statuses: []model.ServerStatus{model.ServerRunning},
	})
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("tenant_id", tenantID).Msg("Failed to list servers to flag")
		return
	}
	for _, server := range servers {
		if err := r.servers.FlagForShutdown(ctx, server.ID, reason); err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Str("server_id", server.ID).Msg("Failed to flag server for shutdown")
		}
	}
}

// ChargeHourly 对本小时尚未计费的运行中服务器扣费，并停掉超过宽限期的欠费服务器
func (r *ReconcileService) ChargeHourly(ctx context.Context) (*entity.ChargeResult, error) {
	logger := zerolog.Ctx(ctx)
	serverRepo := repository.NewServerRepository(r.repo.DB())

	running, err := serverRepo.List(ctx, repository.ServerFilter{
		Statuses: []model.ServerStatus{model.ServerRunning},
	})
	if err != nil {
		return nil, apierror.WrapError(apierror.ErrInternalError, "Failed to list running servers", err)
	}

	result := &entity.ChargeResult{}
	for _, server := range running {
		if ctx.Err() != nil {
			break
		}
		outcome, err := r.chargeServer(ctx, server.ID)
		if err != nil {
			result.Errors++
			logger.Error().Err(err).Str("server_id", server.ID).Msg("Failed to charge server")
			continue
		}
		switch outcome {
		case chargeSkipped:
			result.Skipped++
		case chargeFlagged:
			result.Flagged++
		case chargeCharged:
			result.Charged++
		case chargeCleared:
			result.Charged++
			result.Cleared++
		}
	}

	// 宽限期已过的欠费服务器停机
	flagged, err := serverRepo.List(ctx, repository.ServerFilter{
		Statuses: []model.ServerStatus{model.ServerRunning},
	})
	if err != nil {
		return result, apierror.WrapError(apierror.ErrInternalError, "Failed to list running servers", err)
	}
	now := r.now()
	for _, server := range flagged {
		if server.ShutdownFlaggedAt == nil || now.Sub(*server.ShutdownFlaggedAt) < r.opts.ShutdownGrace {
			continue
		}
		if err := r.servers.StopServer(ctx, server.ID, "insufficient credits"); err != nil {
			result.Errors++
			logger.Error().Err(err).Str("server_id", server.ID).Msg("Failed to stop server after grace period")
			continue
		}
		result.Stopped++
	}
	return result, nil
}

type chargeOutcome int

const (
	chargeSkipped chargeOutcome = iota
	chargeCharged
	chargeCleared
	chargeFlagged
)

// chargeServer 持有服务器锁与租户账本锁，扣费与 last_billed_at 在同一事务内提交
func (r *ReconcileService) chargeServer(ctx context.Context, serverID string) (chargeOutcome, error) {
	logger := zerolog.Ctx(ctx)

	unlock, err := r.locks.Lock(ctx, keylock.Key(lockKindServer, serverID))
	if err != nil {
		return chargeSkipped, err
	}
	defer unlock()

	server, err := repository.NewServerRepository(r.repo.DB()).GetByID(ctx, serverID)
	if err != nil {
		return chargeSkipped, err
	}

	now := r.now()
	hourStart := now.Truncate(time.Hour)
	if server.Status != model.ServerRunning ||
		(server.LastBilledAt != nil && !server.LastBilledAt.Before(hourStart)) {
		return chargeSkipped, nil
	}
	amount := hourlyRate(server.MonthlyPrice, r.opts.HoursPerPeriod)
	if !amount.IsPositive() {
		return chargeSkipped, nil
	}

	outcome := chargeSkipped
	err = r.credits.WithLedger(ctx, server.TenantID, func(l *Ledger) error {
		servers := repository.NewServerRepository(l.DB())
		current, err := servers.GetByID(ctx, serverID)
		if err != nil {
			return err
		}

		desc := fmt.Sprintf("compute %s %s", current.DeploymentType, hourStart.UTC().Format("2006-01-02T15:00Z"))
		_, short, err := l.Deduct(ctx, model.TxUsage, amount, desc, current.ID)
		if err != nil {
			return err
		}
		if short {
			if current.ShutdownFlaggedAt != nil {
				return nil
			}
			current.ShutdownFlaggedAt = &now
			current.AppendLog(now, fmt.Sprintf("flagged for shutdown: insufficient credits for hourly charge of %s", amount.String()))
			outcome = chargeFlagged
			return servers.Update(ctx, current)
		}

		current.LastBilledAt = &now
		outcome = chargeCharged
		if current.ShutdownFlaggedAt != nil {
			current.ShutdownFlaggedAt = nil
			current.AppendLog(now, "shutdown flag cleared")
			outcome = chargeCleared
		}
		return servers.Update(ctx, current)
	})
	if err != nil {
		return chargeSkipped, err
	}

	switch outcome {
	case chargeFlagged:
		logger.Warn().
			Str("server_id", serverID).
			Str("tenant_id", server.TenantID).
			Str("amount", amount.String()).
			Msg("Insufficient credits for hourly charge, server flagged")
	case chargeCharged, chargeCleared:
		logger.Debug().Str("server_id", serverID).Str("amount", amount.String()).Msg("Hourly charge applied")
	}
	return outcome, nil
}
