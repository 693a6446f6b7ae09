package distributor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"codekudos/models"
	"codekudos/observability"
	"codekudos/rewards"
	"codekudos/wallet"
)

// ErrMissingWallet reports a fully approved reward whose developer has no
// wallet address. Terminal: surfaced to an operator, never retried
// automatically, and no attempt is recorded.
var ErrMissingWallet = errors.New("distributor: developer wallet address missing")

// ErrSubmissionFailed reports a transient on-chain submission failure. The
// reward stays fully_approved and the attempt is marked failed so a manual or
// scheduled retry can run.
var ErrSubmissionFailed = errors.New("distributor: submission failed")

// Processor converts fully approved rewards into on-chain token transfers and
// reconciles the result back into the reward status. Distribute is idempotent
// under at-least-once invocation: an existing unresolved attempt is returned
// instead of resubmitting.
type Processor struct {
	db      *gorm.DB
	wallet  wallet.TokenWallet
	engine  *rewards.Engine
	policy  *PolicyEnforcer
	metrics *observability.DistributorMetrics
	now     func() time.Time

	mu       sync.Mutex
	inFlight map[uuid.UUID]struct{}
}

// ProcessorOption customises the processor instance.
type ProcessorOption func(*Processor)

// WithPolicy supplies the distribution policy enforcer.
func WithPolicy(p *PolicyEnforcer) ProcessorOption {
	return func(proc *Processor) { proc.policy = p }
}

// WithMetrics overrides the default metrics registry.
func WithMetrics(m *observability.DistributorMetrics) ProcessorOption {
	return func(proc *Processor) { proc.metrics = m }
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) ProcessorOption {
	return func(proc *Processor) { proc.now = clock }
}

// NewProcessor constructs a distribution processor.
func NewProcessor(db *gorm.DB, tokenWallet wallet.TokenWallet, engine *rewards.Engine, opts ...ProcessorOption) *Processor {
	proc := &Processor{
		db:       db,
		wallet:   tokenWallet,
		engine:   engine,
		policy:   NewPolicyEnforcer(DefaultPolicy()),
		metrics:  observability.Distributor(),
		now:      time.Now,
		inFlight: make(map[uuid.UUID]struct{}),
	}
	for _, opt := range opts {
		opt(proc)
	}
	return proc
}

// Distribute executes the on-chain transfer for a fully approved reward.
//
// The attempt row is written ahead of the submission so a crash between the
// two leaves a detectable pending record for reconciliation. A confirmation
// timeout leaves the attempt pending as well; only an explicit submission
// error or revert marks it failed. Distribution failure never advances the
// reward status and is never treated as success.
func (p *Processor) Distribute(ctx context.Context, rewardID uuid.UUID) (*models.DistributionAttempt, error) {
	if !p.begin(rewardID) {
		// Another goroutine is mid-submission for this reward; report the
		// recorded attempt rather than racing it.
		return p.latestAttempt(ctx, rewardID)
	}
	defer p.finish(rewardID)

	var (
		attempt  models.DistributionAttempt
		existing bool
	)
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var reward models.Reward
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&reward, "id = ?", rewardID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return rewards.ErrNotFound
			}
			return fmt.Errorf("load reward: %w", err)
		}

		var prior models.DistributionAttempt
		err := tx.Where("reward_id = ? AND outcome IN ?", rewardID,
			[]models.AttemptOutcome{models.AttemptPending, models.AttemptConfirmed}).
			Order("submitted_at DESC").
			First(&prior).Error
		if err == nil {
			attempt = prior
			existing = true
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("load attempts: %w", err)
		}

		if reward.Status != models.StatusFullyApproved {
			return fmt.Errorf("%w: reward %s is %s, distribution requires %s",
				rewards.ErrNotEligible, rewardID, reward.Status, models.StatusFullyApproved)
		}

		var developer models.Developer
		if err := tx.First(&developer, "id = ?", reward.DeveloperID).Error; err != nil {
			return fmt.Errorf("load developer: %w", err)
		}
		destination := strings.TrimSpace(developer.WalletAddress)
		if destination == "" {
			return fmt.Errorf("%w: developer %s", ErrMissingWallet, developer.GithubUsername)
		}

		if err := p.policy.Validate(reward.TotalTokens, p.now()); err != nil {
			return err
		}

		attempt = models.DistributionAttempt{
			ID:          uuid.New(),
			RewardID:    rewardID,
			Destination: destination,
			Amount:      reward.TotalTokens,
			Outcome:     models.AttemptPending,
			SubmittedAt: p.now(),
			UpdatedAt:   p.now(),
		}
		return tx.Create(&attempt).Error
	})
	if err != nil {
		if errors.Is(err, ErrMissingWallet) {
			p.metrics.RecordError("missing_wallet")
			slog.Error("distribution blocked on missing wallet", "reward", rewardID)
		}
		return nil, err
	}
	if existing {
		slog.Info("distribution already recorded", "reward", rewardID, "attempt", attempt.ID, "outcome", attempt.Outcome)
		return &attempt, nil
	}

	return p.submit(ctx, attempt)
}

func (p *Processor) submit(ctx context.Context, attempt models.DistributionAttempt) (*models.DistributionAttempt, error) {
	start := p.now()
	amount := wallet.ToBaseUnits(attempt.Amount, p.wallet.Decimals())

	txHash, err := p.wallet.Transfer(ctx, attempt.Destination, amount)
	if err != nil {
		p.metrics.RecordError("transfer")
		if failErr := p.failAttempt(ctx, attempt.ID, err.Error()); failErr != nil {
			slog.Error("record attempt failure", "attempt", attempt.ID, "err", failErr)
		}
		attempt.Outcome = models.AttemptFailed
		attempt.Error = err.Error()
		return &attempt, fmt.Errorf("%w: %v", ErrSubmissionFailed, err)
	}

	attempt.TxHash = txHash
	p.persistTxHash(ctx, attempt.ID, txHash)
	p.metrics.RecordSubmission()

	status, err := p.wallet.WaitForReceipt(ctx, txHash, p.policy.ConfirmTimeout())
	if err != nil {
		// Unresolved, not failed: the reconciler re-checks the chain by hash.
		slog.Warn("confirmation wait unresolved", "attempt", attempt.ID, "tx", txHash, "err", err)
		return &attempt, nil
	}
	switch status {
	case wallet.ReceiptConfirmed:
		if err := p.ConfirmAttempt(ctx, attempt.ID); err != nil {
			return &attempt, err
		}
		p.policy.Record(attempt.Amount, p.now())
		if remaining := p.policy.Remaining(p.now()); remaining >= 0 {
			p.metrics.SetCapRemaining(remaining)
		}
		p.metrics.ObserveSettlement(p.now().Sub(start))
		now := p.now()
		attempt.Outcome = models.AttemptConfirmed
		attempt.ConfirmedAt = &now
		slog.Info("distribution confirmed", "reward", attempt.RewardID, "tx", txHash, "tokens", attempt.Amount)
		return &attempt, nil
	case wallet.ReceiptReverted:
		p.metrics.RecordError("reverted")
		if failErr := p.failAttempt(ctx, attempt.ID, "transaction reverted"); failErr != nil {
			slog.Error("record attempt failure", "attempt", attempt.ID, "err", failErr)
		}
		attempt.Outcome = models.AttemptFailed
		attempt.Error = "transaction reverted"
		return &attempt, fmt.Errorf("%w: transaction %s reverted", ErrSubmissionFailed, txHash)
	default:
		slog.Info("distribution awaiting confirmation", "reward", attempt.RewardID, "tx", txHash)
		return &attempt, nil
	}
}

// persistTxHash records the chain's transaction hash on the attempt row. The
// hash is the reconciler's only safe lever on a stuck attempt, so a transient
// write failure is retried before giving up; an attempt left hashless can only
// be resolved by an operator.
func (p *Processor) persistTxHash(ctx context.Context, attemptID uuid.UUID, txHash string) {
	var err error
	for i := 0; i < 3; i++ {
		err = p.db.WithContext(ctx).Model(&models.DistributionAttempt{}).
			Where("id = ?", attemptID).
			Updates(map[string]any{"tx_hash": txHash, "updated_at": p.now()}).Error
		if err == nil {
			return
		}
		time.Sleep(time.Duration(i+1) * 50 * time.Millisecond)
	}
	p.metrics.RecordError("tx_hash_persist")
	slog.Error("record tx hash", "attempt", attemptID, "tx", txHash, "err", err)
}

// ConfirmAttempt marks an attempt confirmed and advances the reward to
// distributed in one transaction. Safe to call from the reconciler as well.
func (p *Processor) ConfirmAttempt(ctx context.Context, attemptID uuid.UUID) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var attempt models.DistributionAttempt
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&attempt, "id = ?", attemptID).Error; err != nil {
			return fmt.Errorf("load attempt: %w", err)
		}
		if attempt.Outcome == models.AttemptConfirmed {
			return nil
		}
		now := p.now()
		if err := tx.Model(&models.DistributionAttempt{}).
			Where("id = ? AND outcome = ?", attemptID, models.AttemptPending).
			Updates(map[string]any{
				"outcome":      models.AttemptConfirmed,
				"confirmed_at": now,
				"updated_at":   now,
			}).Error; err != nil {
			return fmt.Errorf("confirm attempt: %w", err)
		}
		return p.engine.MarkDistributed(ctx, tx, attempt.RewardID, "distributor",
			fmt.Sprintf("tx=%s tokens=%d", attempt.TxHash, attempt.Amount))
	})
}

// FailAttempt marks an attempt failed, leaving the reward fully_approved and
// eligible for retry.
func (p *Processor) FailAttempt(ctx context.Context, attemptID uuid.UUID, reason string) error {
	return p.failAttempt(ctx, attemptID, reason)
}

func (p *Processor) failAttempt(ctx context.Context, attemptID uuid.UUID, reason string) error {
	return p.db.WithContext(ctx).Model(&models.DistributionAttempt{}).
		Where("id = ? AND outcome = ?", attemptID, models.AttemptPending).
		Updates(map[string]any{
			"outcome":    models.AttemptFailed,
			"error":      reason,
			"updated_at": p.now(),
		}).Error
}

func (p *Processor) latestAttempt(ctx context.Context, rewardID uuid.UUID) (*models.DistributionAttempt, error) {
	var attempt models.DistributionAttempt
	err := p.db.WithContext(ctx).
		Where("reward_id = ?", rewardID).
		Order("submitted_at DESC").
		First(&attempt).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: reward %s distribution in progress", rewards.ErrConflict, rewardID)
		}
		return nil, fmt.Errorf("load attempt: %w", err)
	}
	return &attempt, nil
}

func (p *Processor) begin(rewardID uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inFlight[rewardID]; busy {
		return false
	}
	p.inFlight[rewardID] = struct{}{}
	return true
}

func (p *Processor) finish(rewardID uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inFlight, rewardID)
}
