package rewards

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"codekudos/models"
)

// Expected control-flow outcomes of a lifecycle operation. The server maps
// these onto HTTP statuses; they are not logged as failures.
var (
	// ErrNotFound indicates an unknown reward id.
	ErrNotFound = errors.New("rewards: reward not found")
	// ErrNotEligible indicates the requested transition is illegal for the
	// reward's current status or the caller's role.
	ErrNotEligible = errors.New("rewards: not eligible")
	// ErrConflict indicates the caller lost an optimistic-concurrency race:
	// another actor recorded the same approval first.
	ErrConflict = errors.New("rewards: concurrent approval conflict")
	// ErrInvariantViolation indicates a data-integrity bug such as a write
	// against a frozen reward. It aborts the operation and is logged loudly.
	ErrInvariantViolation = errors.New("rewards: invariant violation")
)

// Emitter receives lifecycle notifications after the owning transaction has
// committed. Implementations must not block.
type Emitter interface {
	ApprovalRecorded(ctx context.Context, reward models.Reward, role string)
	ReadyForDistribution(ctx context.Context, rewardID uuid.UUID)
}

// NopEmitter discards all notifications.
type NopEmitter struct{}

// ApprovalRecorded implements Emitter.
func (NopEmitter) ApprovalRecorded(context.Context, models.Reward, string) {}

// ReadyForDistribution implements Emitter.
func (NopEmitter) ReadyForDistribution(context.Context, uuid.UUID) {}

// Engine enforces the reward approval state machine. All transitions run as
// conditional updates keyed on the expected prior status so concurrent
// approvers surface as ErrConflict instead of double-applying.
type Engine struct {
	db      *gorm.DB
	emitter Emitter
	now     func() time.Time
}

// Option customises the engine instance.
type Option func(*Engine)

// WithEmitter supplies the post-commit notification sink.
func WithEmitter(e Emitter) Option {
	return func(eng *Engine) { eng.emitter = e }
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(eng *Engine) { eng.now = clock }
}

// NewEngine constructs an approval engine backed by the supplied database.
func NewEngine(db *gorm.DB, opts ...Option) *Engine {
	eng := &Engine{db: db, emitter: NopEmitter{}, now: time.Now}
	for _, opt := range opts {
		opt(eng)
	}
	return eng
}

// Approve records a role-scoped sign-off on a reward. Manager approval
// requires status pending; HR approval requires manager_approved. The status
// advance and the approval fields are written in one conditional update, so
// exactly one of two concurrent calls for the same role can succeed.
func (e *Engine) Approve(ctx context.Context, rewardID uuid.UUID, role, actor, comment string) (*models.Reward, error) {
	var expected, next models.RewardStatus
	var column string
	switch role {
	case models.RoleManager:
		expected, next, column = models.StatusPending, models.StatusManagerApproved, "manager"
	case models.RoleHR:
		expected, next, column = models.StatusManagerApproved, models.StatusFullyApproved, "hr"
	default:
		return nil, fmt.Errorf("%w: role %q cannot approve rewards", ErrNotEligible, role)
	}
	if err := ValidateTransition(expected, next); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvariantViolation, err)
	}

	var approved models.Reward
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var reward models.Reward
		if err := tx.First(&reward, "id = ?", rewardID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("load reward: %w", err)
		}
		if reward.Status != expected {
			return fmt.Errorf("%w: %s approval requires status %s, reward %s is %s",
				ErrNotEligible, role, expected, reward.ID, reward.Status)
		}

		now := e.now()
		res := tx.Model(&models.Reward{}).
			Where("id = ? AND status = ?", rewardID, expected).
			Updates(map[string]any{
				"status":                next,
				"updated_at":            now,
				column + "_approved":    true,
				column + "_approved_by": actor,
				column + "_approved_at": now,
				column + "_comment":     comment,
			})
		if res.Error != nil {
			return fmt.Errorf("record approval: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			// The precondition held on read but another writer got there
			// first; the at-most-one-approval invariant kicks in here.
			return ErrConflict
		}

		approvedAt := now
		approval := &models.Approval{Approved: true, ApprovedBy: actor, ApprovedAt: &approvedAt, Comment: comment}
		reward.Status = next
		reward.UpdatedAt = now
		if role == models.RoleManager {
			reward.ManagerApproval = approval
		} else {
			reward.HRApproval = approval
		}
		approved = reward

		return e.appendEvent(tx, reward.ID, actor, "reward."+string(next), comment)
	})
	if err != nil {
		if errors.Is(err, ErrInvariantViolation) {
			slog.Error("reward approval invariant violation", "reward", rewardID, "role", role, "err", err)
		}
		return nil, err
	}

	e.emitter.ApprovalRecorded(ctx, approved, role)
	if approved.Status == models.StatusFullyApproved {
		e.emitter.ReadyForDistribution(ctx, approved.ID)
	}
	slog.Info("approval recorded", "reward", approved.ID, "role", role, "actor", actor, "status", approved.Status)
	return &approved, nil
}

// MarkDistributed advances a fully approved reward to distributed. The
// distributor calls this after the on-chain transfer confirms; the conditional
// update keeps a stale or duplicate confirmation from double-advancing.
func (e *Engine) MarkDistributed(ctx context.Context, tx *gorm.DB, rewardID uuid.UUID, actor, details string) error {
	if tx == nil {
		tx = e.db.WithContext(ctx)
	}
	now := e.now()
	res := tx.Model(&models.Reward{}).
		Where("id = ? AND status = ?", rewardID, models.StatusFullyApproved).
		Updates(map[string]any{"status": models.StatusDistributed, "updated_at": now})
	if res.Error != nil {
		return fmt.Errorf("mark distributed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		var reward models.Reward
		if err := tx.First(&reward, "id = ?", rewardID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("load reward: %w", err)
		}
		if reward.Status == models.StatusDistributed {
			return nil
		}
		return fmt.Errorf("%w: reward %s is %s, cannot mark distributed", ErrNotEligible, rewardID, reward.Status)
	}
	return e.appendEvent(tx, rewardID, actor, "reward."+string(models.StatusDistributed), details)
}

// AppendEvent records an audit entry outside of a lifecycle transition.
func (e *Engine) AppendEvent(ctx context.Context, rewardID uuid.UUID, actor, action, details string) error {
	return e.appendEvent(e.db.WithContext(ctx), rewardID, actor, action, details)
}

func (e *Engine) appendEvent(tx *gorm.DB, rewardID uuid.UUID, actor, action, details string) error {
	event := models.Event{
		ID:        uuid.New(),
		RewardID:  &rewardID,
		Actor:     actor,
		Action:    action,
		Details:   details,
		CreatedAt: e.now(),
	}
	return tx.Create(&event).Error
}
