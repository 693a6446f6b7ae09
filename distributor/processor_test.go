package distributor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"codekudos/models"
	"codekudos/rewards"
	"codekudos/wallet"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	return db
}

func seedReward(t *testing.T, db *gorm.DB, status models.RewardStatus, tokens int64, walletAddress string) models.Reward {
	t.Helper()
	developer := models.Developer{
		ID:             uuid.New(),
		GithubID:       time.Now().UnixNano(),
		GithubUsername: "dev-" + uuid.NewString()[:8],
		WalletAddress:  walletAddress,
	}
	require.NoError(t, db.Create(&developer).Error)
	reward := models.Reward{
		ID:             uuid.New(),
		DeveloperID:    developer.ID,
		TotalTokens:    tokens,
		Status:         status,
		PeriodOpenedAt: time.Now(),
	}
	require.NoError(t, db.Create(&reward).Error)
	return reward
}

type countingWallet struct {
	wallet.FuncWallet
	transfers int
	lastDest  string
	lastAmt   *big.Int
}

func newCountingWallet(receipt wallet.ReceiptStatus, transferErr error) *countingWallet {
	w := &countingWallet{}
	w.TokenDecimals = 18
	w.TransferFunc = func(_ context.Context, dest string, amount *big.Int) (string, error) {
		w.transfers++
		w.lastDest = dest
		w.lastAmt = amount
		if transferErr != nil {
			return "", transferErr
		}
		return fmt.Sprintf("0xhash%d", w.transfers), nil
	}
	w.ReceiptFunc = func(context.Context, string, time.Duration) (wallet.ReceiptStatus, error) {
		return receipt, nil
	}
	return w
}

func TestDistributeHappyPath(t *testing.T) {
	db := setupTestDB(t)
	w := newCountingWallet(wallet.ReceiptConfirmed, nil)
	proc := NewProcessor(db, w, rewards.NewEngine(db))
	reward := seedReward(t, db, models.StatusFullyApproved, 150, "0xdest")

	attempt, err := proc.Distribute(context.Background(), reward.ID)
	require.NoError(t, err)
	require.Equal(t, models.AttemptConfirmed, attempt.Outcome)
	require.Equal(t, int64(150), attempt.Amount)
	require.Equal(t, 1, w.transfers)
	require.Equal(t, "0xdest", w.lastDest)
	require.Zero(t, w.lastAmt.Cmp(wallet.ToBaseUnits(150, 18)))

	var persisted models.Reward
	require.NoError(t, db.First(&persisted, "id = ?", reward.ID).Error)
	require.Equal(t, models.StatusDistributed, persisted.Status)

	var stored models.DistributionAttempt
	require.NoError(t, db.First(&stored, "id = ?", attempt.ID).Error)
	require.Equal(t, models.AttemptConfirmed, stored.Outcome)
	require.NotEmpty(t, stored.TxHash)
	require.NotNil(t, stored.ConfirmedAt)
}

func TestDistributeIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	w := newCountingWallet(wallet.ReceiptConfirmed, nil)
	proc := NewProcessor(db, w, rewards.NewEngine(db))
	reward := seedReward(t, db, models.StatusFullyApproved, 40, "0xdest")

	first, err := proc.Distribute(context.Background(), reward.ID)
	require.NoError(t, err)

	second, err := proc.Distribute(context.Background(), reward.ID)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, 1, w.transfers, "repeat distribute must not resubmit")
}

func TestDistributeRequiresFullApproval(t *testing.T) {
	db := setupTestDB(t)
	w := newCountingWallet(wallet.ReceiptConfirmed, nil)
	proc := NewProcessor(db, w, rewards.NewEngine(db))
	reward := seedReward(t, db, models.StatusManagerApproved, 40, "0xdest")

	_, err := proc.Distribute(context.Background(), reward.ID)
	require.ErrorIs(t, err, rewards.ErrNotEligible)
	require.Zero(t, w.transfers)

	var attempts int64
	require.NoError(t, db.Model(&models.DistributionAttempt{}).Count(&attempts).Error)
	require.Zero(t, attempts)
}

func TestDistributeUnknownReward(t *testing.T) {
	db := setupTestDB(t)
	proc := NewProcessor(db, newCountingWallet(wallet.ReceiptConfirmed, nil), rewards.NewEngine(db))

	_, err := proc.Distribute(context.Background(), uuid.New())
	require.ErrorIs(t, err, rewards.ErrNotFound)
}

func TestDistributeMissingWallet(t *testing.T) {
	db := setupTestDB(t)
	w := newCountingWallet(wallet.ReceiptConfirmed, nil)
	proc := NewProcessor(db, w, rewards.NewEngine(db))
	reward := seedReward(t, db, models.StatusFullyApproved, 40, "")

	_, err := proc.Distribute(context.Background(), reward.ID)
	require.ErrorIs(t, err, ErrMissingWallet)
	require.Zero(t, w.transfers)

	// No write-ahead record: nothing was submitted, so there is nothing to
	// reconcile.
	var attempts int64
	require.NoError(t, db.Model(&models.DistributionAttempt{}).Count(&attempts).Error)
	require.Zero(t, attempts)

	var persisted models.Reward
	require.NoError(t, db.First(&persisted, "id = ?", reward.ID).Error)
	require.Equal(t, models.StatusFullyApproved, persisted.Status)
}

func TestDistributeSubmissionFailure(t *testing.T) {
	db := setupTestDB(t)
	w := newCountingWallet(wallet.ReceiptConfirmed, errors.New("rpc unreachable"))
	proc := NewProcessor(db, w, rewards.NewEngine(db))
	reward := seedReward(t, db, models.StatusFullyApproved, 40, "0xdest")

	attempt, err := proc.Distribute(context.Background(), reward.ID)
	require.ErrorIs(t, err, ErrSubmissionFailed)
	require.Equal(t, models.AttemptFailed, attempt.Outcome)

	var persisted models.Reward
	require.NoError(t, db.First(&persisted, "id = ?", reward.ID).Error)
	require.Equal(t, models.StatusFullyApproved, persisted.Status, "failed distribution must not advance the reward")

	// A failed attempt does not block a retry.
	w.TransferFunc = func(context.Context, string, *big.Int) (string, error) {
		w.transfers++
		return "0xretry", nil
	}
	retried, err := proc.Distribute(context.Background(), reward.ID)
	require.NoError(t, err)
	require.Equal(t, models.AttemptConfirmed, retried.Outcome)
	require.NotEqual(t, attempt.ID, retried.ID)
}

func TestDistributeRevertedTransaction(t *testing.T) {
	db := setupTestDB(t)
	w := newCountingWallet(wallet.ReceiptReverted, nil)
	proc := NewProcessor(db, w, rewards.NewEngine(db))
	reward := seedReward(t, db, models.StatusFullyApproved, 40, "0xdest")

	attempt, err := proc.Distribute(context.Background(), reward.ID)
	require.ErrorIs(t, err, ErrSubmissionFailed)
	require.Equal(t, models.AttemptFailed, attempt.Outcome)

	var stored models.DistributionAttempt
	require.NoError(t, db.First(&stored, "id = ?", attempt.ID).Error)
	require.Equal(t, models.AttemptFailed, stored.Outcome)
	require.Equal(t, "transaction reverted", stored.Error)
}

func TestDistributeConfirmationTimeoutLeavesPending(t *testing.T) {
	db := setupTestDB(t)
	w := newCountingWallet(wallet.ReceiptPending, nil)
	proc := NewProcessor(db, w, rewards.NewEngine(db))
	reward := seedReward(t, db, models.StatusFullyApproved, 40, "0xdest")

	attempt, err := proc.Distribute(context.Background(), reward.ID)
	require.NoError(t, err, "an unresolved confirmation is not a failure")
	require.Equal(t, models.AttemptPending, attempt.Outcome)
	require.NotEmpty(t, attempt.TxHash)

	var persisted models.Reward
	require.NoError(t, db.First(&persisted, "id = ?", reward.ID).Error)
	require.Equal(t, models.StatusFullyApproved, persisted.Status)

	// A later call must return the unresolved attempt, never resubmit.
	again, err := proc.Distribute(context.Background(), reward.ID)
	require.NoError(t, err)
	require.Equal(t, attempt.ID, again.ID)
	require.Equal(t, 1, w.transfers)
}

func TestDistributePolicyCaps(t *testing.T) {
	db := setupTestDB(t)
	w := newCountingWallet(wallet.ReceiptConfirmed, nil)
	enforcer := NewPolicyEnforcer(Policy{
		DailyCap:       100,
		MaxPerReward:   80,
		ConfirmTimeout: Duration{time.Second},
	})
	proc := NewProcessor(db, w, rewards.NewEngine(db), WithPolicy(enforcer))

	oversized := seedReward(t, db, models.StatusFullyApproved, 90, "0xdest")
	_, err := proc.Distribute(context.Background(), oversized.ID)
	require.ErrorIs(t, err, ErrRewardCapExceeded)
	require.Zero(t, w.transfers)

	first := seedReward(t, db, models.StatusFullyApproved, 70, "0xdest")
	_, err = proc.Distribute(context.Background(), first.ID)
	require.NoError(t, err)

	second := seedReward(t, db, models.StatusFullyApproved, 50, "0xdest")
	_, err = proc.Distribute(context.Background(), second.ID)
	require.ErrorIs(t, err, ErrDailyCapExceeded)
	require.Equal(t, 1, w.transfers)
}

func TestConfirmAttemptIdempotent(t *testing.T) {
	db := setupTestDB(t)
	w := newCountingWallet(wallet.ReceiptPending, nil)
	proc := NewProcessor(db, w, rewards.NewEngine(db))
	reward := seedReward(t, db, models.StatusFullyApproved, 40, "0xdest")

	attempt, err := proc.Distribute(context.Background(), reward.ID)
	require.NoError(t, err)
	require.Equal(t, models.AttemptPending, attempt.Outcome)

	require.NoError(t, proc.ConfirmAttempt(context.Background(), attempt.ID))
	require.NoError(t, proc.ConfirmAttempt(context.Background(), attempt.ID))

	var persisted models.Reward
	require.NoError(t, db.First(&persisted, "id = ?", reward.ID).Error)
	require.Equal(t, models.StatusDistributed, persisted.Status)
}
