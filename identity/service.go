package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"codekudos/models"
	"codekudos/observability/logging"
)

// ErrStateInvalid reports an unknown, replayed, or expired OAuth state nonce.
var ErrStateInvalid = errors.New("identity: invalid oauth state")

const defaultStateTTL = 10 * time.Minute

// Service runs the onboarding handshake: it hands out single-use state
// nonces, completes the OAuth exchange, and upserts the developer record.
type Service struct {
	db       *gorm.DB
	github   *GitHubClient
	stateTTL time.Duration
	now      func() time.Time
}

// ServiceOption customises the identity service.
type ServiceOption func(*Service)

// WithStateTTL overrides how long an issued state nonce stays valid.
func WithStateTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.stateTTL = ttl
		}
	}
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) ServiceOption {
	return func(s *Service) { s.now = clock }
}

// NewService constructs the identity service.
func NewService(db *gorm.DB, github *GitHubClient, opts ...ServiceOption) *Service {
	s := &Service{db: db, github: github, stateTTL: defaultStateTTL, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Begin issues a state nonce and returns the provider URL to redirect the
// browser to. The nonce is durable so the callback may land on any replica.
func (s *Service) Begin(ctx context.Context) (string, error) {
	state, err := newState()
	if err != nil {
		return "", err
	}
	record := models.OAuthState{
		State:     state,
		ExpiresAt: s.now().Add(s.stateTTL),
		CreatedAt: s.now(),
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return "", fmt.Errorf("identity: persist state: %w", err)
	}
	return s.github.AuthorizeURL(state), nil
}

// Complete validates the callback state, exchanges the code, and upserts the
// developer. The state row is deleted on first use; expiry is checked at read
// time rather than by a background sweeper.
func (s *Service) Complete(ctx context.Context, state, code string) (*models.Developer, error) {
	if err := s.consumeState(ctx, state); err != nil {
		return nil, err
	}

	token, err := s.github.Exchange(ctx, code)
	if err != nil {
		return nil, err
	}
	user, err := s.github.FetchUser(ctx, token)
	if err != nil {
		return nil, err
	}
	return s.upsertDeveloper(ctx, user)
}

func (s *Service) consumeState(ctx context.Context, state string) error {
	state = strings.TrimSpace(state)
	if state == "" {
		return ErrStateInvalid
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record models.OAuthState
		if err := tx.First(&record, "state = ?", state).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrStateInvalid
			}
			return fmt.Errorf("identity: load state: %w", err)
		}
		if err := tx.Delete(&models.OAuthState{}, "state = ?", state).Error; err != nil {
			return fmt.Errorf("identity: consume state: %w", err)
		}
		if s.now().After(record.ExpiresAt) {
			return fmt.Errorf("%w: expired", ErrStateInvalid)
		}
		return nil
	})
}

func (s *Service) upsertDeveloper(ctx context.Context, user *GitHubUser) (*models.Developer, error) {
	var developer models.Developer
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.First(&developer, "github_id = ?", user.ID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			developer = models.Developer{
				ID:             uuid.New(),
				GithubID:       user.ID,
				GithubUsername: user.Login,
				DisplayName:    displayName(user),
				Email:          user.Email,
				CreatedAt:      s.now(),
				UpdatedAt:      s.now(),
			}
			if err := tx.Create(&developer).Error; err != nil {
				return fmt.Errorf("identity: create developer: %w", err)
			}
			slog.Info("developer onboarded",
					"developer", developer.GithubUsername,
					logging.MaskField("email", developer.Email))
			return nil
		}
		if err != nil {
			return fmt.Errorf("identity: load developer: %w", err)
		}
		updates := map[string]any{
			"github_username": user.Login,
			"display_name":    displayName(user),
			"updated_at":      s.now(),
		}
		if strings.TrimSpace(user.Email) != "" {
			updates["email"] = user.Email
		}
		if err := tx.Model(&developer).Updates(updates).Error; err != nil {
			return fmt.Errorf("identity: update developer: %w", err)
		}
		return tx.First(&developer, "github_id = ?", user.ID).Error
	})
	if err != nil {
		return nil, err
	}
	return &developer, nil
}

// SetWallet records the payout address for a developer. The address is
// assigned once; changing an existing address requires operator intervention
// directly in the database.
func (s *Service) SetWallet(ctx context.Context, githubUsername, address string) (*models.Developer, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, fmt.Errorf("identity: wallet address required")
	}
	var developer models.Developer
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&developer, "github_username = ?", githubUsername).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("identity: developer %s not found", githubUsername)
			}
			return fmt.Errorf("identity: load developer: %w", err)
		}
		if developer.WalletAddress != "" && developer.WalletAddress != address {
			return fmt.Errorf("identity: wallet already assigned for %s", githubUsername)
		}
		if err := tx.Model(&developer).Updates(map[string]any{
			"wallet_address": address,
			"updated_at":     s.now(),
		}).Error; err != nil {
			return fmt.Errorf("identity: set wallet: %w", err)
		}
		developer.WalletAddress = address
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("wallet assigned", "developer", developer.GithubUsername)
	return &developer, nil
}

func displayName(user *GitHubUser) string {
	if name := strings.TrimSpace(user.Name); name != "" {
		return name
	}
	return user.Login
}

func newState() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("identity: generate state: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
