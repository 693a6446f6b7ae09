package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"codekudos/models"
	"codekudos/observability"
	"codekudos/rewards"
)

// ErrUnknownDeveloper reports a contribution from a non-onboarded identity.
// The event is dropped and logged; it is not fatal to the caller.
var ErrUnknownDeveloper = errors.New("ledger: unknown developer")

// ErrInvalidEvent reports a malformed contribution event.
var ErrInvalidEvent = errors.New("ledger: invalid contribution event")

// ContributionEvent is the normalized contribution signal delivered by the
// ingest surface. Points are computed by the caller's scoring policy; the
// ledger only records them.
type ContributionEvent struct {
	DeveloperHandle string              `json:"developer_handle"`
	Type            models.ActivityType `json:"type"`
	Description     string              `json:"description"`
	Repository      string              `json:"repository,omitempty"`
	TicketID        string              `json:"ticket_id,omitempty"`
	Points          int64               `json:"points"`
}

var knownTypes = map[models.ActivityType]struct{}{
	models.ActivityCommit:      {},
	models.ActivityPullRequest: {},
	models.ActivityTicket:      {},
}

// Validate checks the event shape before it touches the database.
func (e ContributionEvent) Validate() error {
	if strings.TrimSpace(e.DeveloperHandle) == "" {
		return fmt.Errorf("%w: developer handle required", ErrInvalidEvent)
	}
	if _, ok := knownTypes[e.Type]; !ok {
		return fmt.Errorf("%w: unknown activity type %q", ErrInvalidEvent, e.Type)
	}
	if e.Points < 0 {
		return fmt.Errorf("%w: points must be non-negative", ErrInvalidEvent)
	}
	return nil
}

// Ledger normalizes contribution events into activities and maintains the
// one-open-reward-per-developer aggregation invariant. A reward stays open
// until the manager approval freezes it; the next contribution after that
// opens a fresh reward.
type Ledger struct {
	db  *gorm.DB
	now func() time.Time
}

// Option customises the ledger instance.
type Option func(*Ledger)

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) { l.now = clock }
}

// New constructs a ledger backed by the supplied database.
func New(db *gorm.DB, opts ...Option) *Ledger {
	l := &Ledger{db: db, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Ingest attributes one contribution event to the developer's open reward,
// creating the reward when none is open, and recomputes the reward total.
func (l *Ledger) Ingest(ctx context.Context, event ContributionEvent) (*models.Activity, error) {
	if err := event.Validate(); err != nil {
		observability.Ledger().RecordDropped("invalid")
		return nil, err
	}

	handle := strings.TrimSpace(event.DeveloperHandle)
	var developer models.Developer
	if err := l.db.WithContext(ctx).First(&developer, "github_username = ?", handle).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.Ledger().RecordDropped("unknown_developer")
			slog.Warn("dropping contribution from unknown developer", "handle", handle, "type", event.Type)
			return nil, fmt.Errorf("%w: %s", ErrUnknownDeveloper, handle)
		}
		return nil, fmt.Errorf("lookup developer: %w", err)
	}

	var activity models.Activity
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		reward, err := l.OpenReward(tx, developer.ID)
		if err != nil {
			return err
		}

		activity = models.Activity{
			ID:          uuid.New(),
			RewardID:    reward.ID,
			Type:        event.Type,
			Description: event.Description,
			Repository:  event.Repository,
			TicketID:    event.TicketID,
			Points:      event.Points,
			CreatedAt:   l.now(),
		}
		if err := tx.Create(&activity).Error; err != nil {
			return fmt.Errorf("record activity: %w", err)
		}
		if err := l.RecomputeTotals(tx, reward.ID); err != nil {
			return err
		}

		audit := models.Event{
			ID:        uuid.New(),
			RewardID:  &reward.ID,
			Actor:     developer.GithubUsername,
			Action:    "activity." + string(activity.Type),
			Details:   activity.Description,
			CreatedAt: l.now(),
		}
		return tx.Create(&audit).Error
	})
	if err != nil {
		return nil, err
	}
	observability.Ledger().RecordActivity(string(activity.Type))
	slog.Info("contribution recorded", "developer", developer.GithubUsername, "type", activity.Type, "points", activity.Points)
	return &activity, nil
}

// OpenReward returns the developer's single pending reward, creating one when
// none is open. Approved and distributed rewards are frozen snapshots, so a
// contribution landing after approval always starts a new reward. Runs inside
// the caller's transaction and locks the open reward row.
//
// The existence check alone cannot exclude a concurrent first contribution:
// FOR UPDATE locks nothing when no pending row exists. The partial unique
// index on (developer_id) WHERE status = 'pending' is the real guard; a lost
// insert race is resolved by re-reading the winner's row.
func (l *Ledger) OpenReward(tx *gorm.DB, developerID uuid.UUID) (*models.Reward, error) {
	var reward models.Reward
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&reward, "developer_id = ? AND status = ?", developerID, models.StatusPending).Error
	if err == nil {
		return &reward, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("load open reward: %w", err)
	}

	now := l.now()
	reward = models.Reward{
		ID:             uuid.New(),
		DeveloperID:    developerID,
		TotalTokens:    0,
		Status:         models.StatusPending,
		PeriodOpenedAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if createErr := tx.Create(&reward).Error; createErr != nil {
		var winner models.Reward
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&winner, "developer_id = ? AND status = ?", developerID, models.StatusPending).Error
		if err == nil {
			return &winner, nil
		}
		return nil, fmt.Errorf("open reward: %w", createErr)
	}
	return &reward, nil
}

// RecomputeTotals sets the reward total to the sum of its activities' points.
// Idempotent. Totals of approved rewards are frozen: invoking this on a
// non-pending reward is a programmer error surfaced as an invariant violation,
// never applied silently.
func (l *Ledger) RecomputeTotals(tx *gorm.DB, rewardID uuid.UUID) error {
	var total int64
	if err := tx.Model(&models.Activity{}).
		Where("reward_id = ?", rewardID).
		Select("COALESCE(SUM(points),0)").
		Scan(&total).Error; err != nil {
		return fmt.Errorf("sum activity points: %w", err)
	}

	res := tx.Model(&models.Reward{}).
		Where("id = ? AND status = ?", rewardID, models.StatusPending).
		Updates(map[string]any{"total_tokens": total, "updated_at": l.now()})
	if res.Error != nil {
		return fmt.Errorf("update total: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		var reward models.Reward
		if err := tx.First(&reward, "id = ?", rewardID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return rewards.ErrNotFound
			}
			return fmt.Errorf("load reward: %w", err)
		}
		err := fmt.Errorf("%w: recompute on frozen reward %s (status %s)",
			rewards.ErrInvariantViolation, rewardID, reward.Status)
		slog.Error("frozen reward total recompute rejected", "reward", rewardID, "status", reward.Status)
		return err
	}
	return nil
}
