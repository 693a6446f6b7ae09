package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Actor roles recognised by the reward workflow.
const (
	RoleDeveloper = "developer"
	RoleManager   = "manager"
	RoleHR        = "hr"
	RoleOperator  = "operator"
)

// RewardStatus represents a state in the reward approval lifecycle.
type RewardStatus string

// All lifecycle states, in order. Transitions never skip or reverse.
const (
	StatusPending         RewardStatus = "pending"
	StatusManagerApproved RewardStatus = "manager_approved"
	StatusFullyApproved   RewardStatus = "fully_approved"
	StatusDistributed     RewardStatus = "distributed"
)

// ActivityType classifies a contribution.
type ActivityType string

// Supported contribution types.
const (
	ActivityCommit      ActivityType = "commit"
	ActivityPullRequest ActivityType = "pull_request"
	ActivityTicket      ActivityType = "ticket"
)

// AttemptOutcome tracks the resolution of a distribution attempt.
type AttemptOutcome string

// Distribution attempt outcomes.
const (
	AttemptPending   AttemptOutcome = "pending"
	AttemptConfirmed AttemptOutcome = "confirmed"
	AttemptFailed    AttemptOutcome = "failed"
)

// Developer is an onboarded contributor. The GitHub identity pair is the
// stable external join key; the wallet address is assigned once at
// provisioning and treated as immutable afterwards.
type Developer struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	GithubID       int64     `gorm:"uniqueIndex" json:"github_id"`
	GithubUsername string    `gorm:"uniqueIndex;size:128" json:"github_username"`
	DisplayName    string    `gorm:"size:128" json:"display_name"`
	Email          string    `gorm:"size:255" json:"email"`
	WalletAddress  string    `gorm:"size:64" json:"wallet_address"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Approval is a role-scoped sign-off, embedded write-once on the reward row.
type Approval struct {
	Approved   bool       `json:"approved"`
	ApprovedBy string     `gorm:"size:128" json:"approved_by"`
	ApprovedAt *time.Time `json:"approved_at"`
	Comment    string     `gorm:"size:512" json:"comment,omitempty"`
}

// Reward aggregates a developer's activities for one earning window.
// TotalTokens is always recomputed from the owned activities and frozen once
// the reward leaves the pending state. The partial unique index makes the
// database the authority on the one-open-reward-per-developer invariant:
// concurrent first contributions cannot both insert a pending row.
type Reward struct {
	ID              uuid.UUID             `gorm:"type:uuid;primaryKey" json:"id"`
	DeveloperID     uuid.UUID             `gorm:"type:uuid;index;uniqueIndex:ux_rewards_open_developer,where:status = 'pending'" json:"developer_id"`
	TotalTokens     int64                 `gorm:"not null" json:"total_tokens"`
	Status          RewardStatus          `gorm:"size:32;index" json:"status"`
	ManagerApproval *Approval             `gorm:"embedded;embeddedPrefix:manager_" json:"manager_approval,omitempty"`
	HRApproval      *Approval             `gorm:"embedded;embeddedPrefix:hr_" json:"hr_approval,omitempty"`
	PeriodOpenedAt  time.Time             `json:"period_opened_at"`
	CreatedAt       time.Time             `json:"created_at"`
	UpdatedAt       time.Time             `json:"updated_at"`
	Activities      []Activity            `json:"activities,omitempty"`
	Attempts        []DistributionAttempt `json:"attempts,omitempty"`
}

// Activity is a single attributed contribution. Immutable once created and
// always owned by exactly one reward.
type Activity struct {
	ID          uuid.UUID    `gorm:"type:uuid;primaryKey" json:"id"`
	RewardID    uuid.UUID    `gorm:"type:uuid;index" json:"reward_id"`
	Type        ActivityType `gorm:"size:32" json:"type"`
	Description string       `gorm:"size:512" json:"description"`
	Repository  string       `gorm:"size:255" json:"repository,omitempty"`
	TicketID    string       `gorm:"size:64" json:"ticket_id,omitempty"`
	Points      int64        `gorm:"not null" json:"points"`
	CreatedAt   time.Time    `json:"created_at"`
}

// DistributionAttempt is the write-ahead record for one on-chain transfer.
// At most one unresolved (pending or confirmed) attempt exists per reward.
type DistributionAttempt struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	RewardID    uuid.UUID      `gorm:"type:uuid;index" json:"reward_id"`
	Destination string         `gorm:"size:64" json:"destination"`
	Amount      int64          `gorm:"not null" json:"amount"`
	TxHash      string         `gorm:"size:66;index" json:"tx_hash,omitempty"`
	Outcome     AttemptOutcome `gorm:"size:16;index" json:"outcome"`
	Error       string         `gorm:"size:512" json:"error,omitempty"`
	SubmittedAt time.Time      `json:"submitted_at"`
	ConfirmedAt *time.Time     `json:"confirmed_at,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Event is the audit trail appended alongside every lifecycle transition.
type Event struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	RewardID  *uuid.UUID `gorm:"type:uuid;index" json:"reward_id,omitempty"`
	Actor     string     `gorm:"size:128" json:"actor"`
	Action    string     `gorm:"size:64" json:"action"`
	Details   string     `gorm:"type:text" json:"details,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// IdempotencyKey stores request idempotency metadata.
type IdempotencyKey struct {
	Key       string `gorm:"primaryKey;size:128"`
	RequestID string `gorm:"size:64"`
	Method    string `gorm:"size:8"`
	Path      string `gorm:"size:255"`
	Status    int
	Response  string `gorm:"type:text"`
	CreatedAt time.Time
}

// OAuthState is a durable single-use nonce for the identity-provider
// handshake. Expiry is checked at read time, not by a background sweeper.
type OAuthState struct {
	State     string    `gorm:"primaryKey;size:64"`
	ExpiresAt time.Time `gorm:"index"`
	CreatedAt time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Developer{},
		&Reward{},
		&Activity{},
		&DistributionAttempt{},
		&Event{},
		&IdempotencyKey{},
		&OAuthState{},
	)
}
