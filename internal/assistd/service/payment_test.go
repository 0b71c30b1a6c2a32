package service

import (
	"context"
	"errors"
	"testing"

	"github.com/jimyag/assistd/internal/assistd/entity"
	"github.com/jimyag/assistd/internal/assistd/repository/model"
	"github.com/jimyag/assistd/pkg/apierror"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaymentService_VerifySignature(t *testing.T) {
	t.Parallel()
	env := setupTestEnv(t)
	body := []byte(`{"id":"evt_1","type":"payment.succeeded"}`)
	valid := Sign("whsec-test", body)

	testcases := []struct {
		name      string
		body      []byte
		signature string
		wantErr   bool
	}{
		{name: "valid", body: body, signature: valid},
		{name: "valid with prefix", body: body, signature: "sha256=" + valid},
		{name: "empty", body: body, signature: "", wantErr: true},
		{name: "not hex", body: body, signature: "zz", wantErr: true},
		{name: "wrong secret", body: body, signature: Sign("other", body), wantErr: true},
		{name: "tampered body", body: []byte(`{"id":"evt_2","type":"payment.succeeded"}`), signature: valid, wantErr: true},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := env.Payments.VerifySignature(tc.body, tc.signature)
			if tc.wantErr {
				assert.True(t, errors.Is(err, apierror.ErrInvalidSignature), err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestPaymentService_VerifySignatureWithoutSecret(t *testing.T) {
	t.Parallel()
	env := setupTestEnv(t, func(o *envOptions) {
		o.payment.WebhookSecret = ""
	})
	body := []byte(`{}`)
	err := env.Payments.VerifySignature(body, Sign("", body))
	assert.True(t, errors.Is(err, apierror.ErrInvalidSignature), err)
}

func TestPaymentService_PaymentSucceeded(t *testing.T) {
	t.Parallel()

	testcases := []struct {
		name        string
		event       *entity.PaymentEvent
		wantBalance string
		wantErr     *apierror.Error
	}{
		{
			name: "explicit credits",
			event: &entity.PaymentEvent{
				ID: "evt_1", Type: entity.EventPaymentSucceeded, TenantID: "tenant-a",
				Reference: "pi_1", Credits: decimal.NewFromInt(20), AmountUSD: decimal.NewFromInt(5),
			},
			wantBalance: "20",
		},
		{
			name: "usd converted",
			event: &entity.PaymentEvent{
				ID: "evt_1", Type: entity.EventPaymentSucceeded, TenantID: "tenant-a",
				Reference: "pi_1", AmountUSD: decimal.RequireFromString("12.34"),
			},
			wantBalance: "12.34",
		},
		{
			name: "zero amount rejected",
			event: &entity.PaymentEvent{
				ID: "evt_1", Type: entity.EventPaymentSucceeded, TenantID: "tenant-a", Reference: "pi_1",
			},
			wantBalance: "0",
			wantErr:     apierror.ErrInvalidParameterValue,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			env := setupTestEnv(t)
			res, err := env.Payments.HandleEvent(context.Background(), tc.event)
			if tc.wantErr != nil {
				assert.True(t, errors.Is(err, tc.wantErr), err)
			} else {
				require.NoError(t, err)
				assert.True(t, res.Handled)
				assert.Equal(t, string(model.TxPurchase), res.Transaction.Type)
				assert.Equal(t, "payment:pi_1", res.Transaction.ExternalRef)
			}
			assert.True(t, env.balance(t, "tenant-a").Equal(decimal.RequireFromString(tc.wantBalance)))
		})
	}
}

func TestPaymentService_DuplicateDelivery(t *testing.T) {
	t.Parallel()
	env := setupTestEnv(t)
	ctx := context.Background()

	payment := &entity.PaymentEvent{
		ID: "evt_1", Type: entity.EventPaymentSucceeded, TenantID: "tenant-a",
		Reference: "pi_1", AmountUSD: decimal.NewFromInt(10),
	}
	renewal := &entity.PaymentEvent{
		ID: "evt_2", Type: entity.EventSubscriptionRenewed, TenantID: "tenant-a",
		Reference: "in_1", Credits: decimal.NewFromInt(3),
	}
	for i := 0; i < 3; i++ {
		res, err := env.Payments.HandleEvent(ctx, payment)
		require.NoError(t, err)
		assert.Equal(t, i > 0, res.Duplicate)

		res, err = env.Payments.HandleEvent(ctx, renewal)
		require.NoError(t, err)
		assert.Equal(t, i > 0, res.Duplicate)
	}

	assert.True(t, env.balance(t, "tenant-a").Equal(decimal.NewFromInt(13)))
	assert.Equal(t, 1, countTransactions(t, env, "tenant-a", model.TxPurchase))
	assert.Equal(t, 1, countTransactions(t, env, "tenant-a", model.TxRenewal))
}

func TestPaymentService_WelcomeBonus(t *testing.T) {
	t.Parallel()
	env := setupTestEnv(t)
	ctx := context.Background()

	created := func(id, ref string) *entity.PaymentEvent {
		return &entity.PaymentEvent{ID: id, Type: entity.EventSubscriptionCreated, TenantID: "tenant-a", Reference: ref}
	}

	res, err := env.Payments.HandleEvent(ctx, created("evt_1", "sub_1"))
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	require.NotNil(t, res.Transaction)
	assert.Equal(t, string(model.TxBonus), res.Transaction.Type)

	// 重复投递与新订阅都不会再发放
	res, err = env.Payments.HandleEvent(ctx, created("evt_1", "sub_1"))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	res, err = env.Payments.HandleEvent(ctx, created("evt_2", "sub_2"))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.True(t, env.balance(t, "tenant-a").Equal(decimal.NewFromInt(5)))

	// 取消订阅不清除标记
	res, err = env.Payments.HandleEvent(ctx, &entity.PaymentEvent{ID: "evt_3", Type: entity.EventSubscriptionCanceled, TenantID: "tenant-a"})
	require.NoError(t, err)
	assert.True(t, res.Handled)
	res, err = env.Payments.HandleEvent(ctx, created("evt_4", "sub_3"))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	credit, err := env.Payments.ResetWelcomeBonus(ctx, "tenant-a")
	require.NoError(t, err)
	assert.False(t, credit.ReceivedWelcomeBonus)

	// 重置后同一订阅的重放仍然幂等，新订阅可以再次领取
	res, err = env.Payments.HandleEvent(ctx, created("evt_1", "sub_1"))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	res, err = env.Payments.HandleEvent(ctx, created("evt_5", "sub_4"))
	require.NoError(t, err)
	assert.False(t, res.Duplicate)

	assert.True(t, env.balance(t, "tenant-a").Equal(decimal.NewFromInt(10)))
	assert.Equal(t, 2, countTransactions(t, env, "tenant-a", model.TxBonus))
}

func TestPaymentService_UnknownEvent(t *testing.T) {
	t.Parallel()
	env := setupTestEnv(t)

	res, err := env.Payments.HandleEvent(context.Background(), &entity.PaymentEvent{ID: "evt_1", Type: "invoice.created", TenantID: "tenant-a"})
	require.NoError(t, err)
	assert.False(t, res.Handled)
	assert.True(t, env.balance(t, "tenant-a").IsZero())
}
