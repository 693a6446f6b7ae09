package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"codekudos/auth"
	"codekudos/distributor"
	kudosmw "codekudos/middleware"
	"codekudos/models"
	"codekudos/rewards"
)

// ApproveReward records the caller's role-scoped sign-off. Managers approve
// pending rewards; HR approves manager-approved ones. A lost concurrency race
// surfaces as 409, an out-of-order approval as 422.
func (s *Server) ApproveReward(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "missing identity")
		return
	}
	rewardID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid reward id")
		return
	}

	var req struct {
		Role    string `json:"role"`
		Comment string `json:"comment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	// A role claimed in the payload must match the authenticated role; the
	// token, not the body, decides which approval stage this records.
	if req.Role != "" && req.Role != string(claims.Role) {
		s.writeError(w, http.StatusForbidden, "payload role does not match authenticated role")
		return
	}

	reward, err := s.engine.Approve(r.Context(), rewardID, string(claims.Role), claims.Subject, req.Comment)
	if err != nil {
		s.handleRewardError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, reward)
}

// DistributeReward triggers the on-chain transfer for a fully approved
// reward. Repeated calls return the recorded attempt without resubmitting.
func (s *Server) DistributeReward(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "missing identity")
		return
	}
	rewardID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid reward id")
		return
	}

	attempt, err := s.processor.Distribute(r.Context(), rewardID)
	if err != nil {
		switch {
		case errors.Is(err, rewards.ErrNotFound):
			s.writeError(w, http.StatusNotFound, "reward not found")
		case errors.Is(err, rewards.ErrNotEligible),
			errors.Is(err, distributor.ErrMissingWallet),
			errors.Is(err, distributor.ErrDailyCapExceeded),
			errors.Is(err, distributor.ErrRewardCapExceeded):
			s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		case errors.Is(err, rewards.ErrConflict):
			s.writeError(w, http.StatusConflict, "distribution already in progress")
		case errors.Is(err, distributor.ErrSubmissionFailed):
			s.writeError(w, http.StatusBadGateway, err.Error())
		default:
			s.writeError(w, http.StatusInternalServerError, "distribution failed")
		}
		return
	}

	details := ""
	if key, ok := kudosmw.IdempotencyKeyFromContext(r.Context()); ok {
		details = "idempotency_key=" + key
	}
	_ = s.engine.AppendEvent(r.Context(), rewardID, claims.Subject, "distribution.requested", details)
	s.writeJSON(w, http.StatusOK, attempt)
}

// ListRewards returns rewards, optionally filtered by status or developer.
func (s *Server) ListRewards(w http.ResponseWriter, r *http.Request) {
	query := s.db.WithContext(r.Context()).Order("created_at DESC")
	if status := r.URL.Query().Get("status"); status != "" {
		if !rewards.KnownStatus(models.RewardStatus(status)) {
			s.writeError(w, http.StatusBadRequest, "unknown status")
			return
		}
		query = query.Where("status = ?", status)
	}
	if raw := r.URL.Query().Get("developer_id"); raw != "" {
		developerID, err := uuid.Parse(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid developer id")
			return
		}
		query = query.Where("developer_id = ?", developerID)
	} else if handle := r.URL.Query().Get("developer"); handle != "" {
		var developer models.Developer
		if err := s.db.WithContext(r.Context()).First(&developer, "github_username = ?", handle).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				s.writeError(w, http.StatusNotFound, "developer not found")
				return
			}
			s.writeError(w, http.StatusInternalServerError, "failed to load developer")
			return
		}
		query = query.Where("developer_id = ?", developer.ID)
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}
	if raw := r.URL.Query().Get("page"); raw != "" {
		if page, err := strconv.Atoi(raw); err == nil && page > 1 {
			query = query.Offset((page - 1) * limit)
		}
	}

	var list []models.Reward
	if err := query.Limit(limit).Find(&list).Error; err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load rewards")
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

// GetReward returns one reward with its activities and distribution attempts.
func (s *Server) GetReward(w http.ResponseWriter, r *http.Request) {
	rewardID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid reward id")
		return
	}
	var reward models.Reward
	err = s.db.WithContext(r.Context()).
		Preload("Activities").
		Preload("Attempts").
		First(&reward, "id = ?", rewardID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			s.writeError(w, http.StatusNotFound, "reward not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "failed to load reward")
		return
	}
	s.writeJSON(w, http.StatusOK, reward)
}

// DeveloperStats summarises a developer's standing across all rewards.
func (s *Server) DeveloperStats(w http.ResponseWriter, r *http.Request) {
	handle := chi.URLParam(r, "handle")
	var developer models.Developer
	if err := s.db.WithContext(r.Context()).First(&developer, "github_username = ?", handle).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			s.writeError(w, http.StatusNotFound, "developer not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "failed to load developer")
		return
	}

	type statusTotal struct {
		Status models.RewardStatus
		Total  int64
		Count  int64
	}
	var totals []statusTotal
	if err := s.db.WithContext(r.Context()).Model(&models.Reward{}).
		Select("status, COALESCE(SUM(total_tokens),0) AS total, COUNT(*) AS count").
		Where("developer_id = ?", developer.ID).
		Group("status").
		Scan(&totals).Error; err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to aggregate rewards")
		return
	}

	var activityCount int64
	if err := s.db.WithContext(r.Context()).Model(&models.Activity{}).
		Joins("JOIN rewards ON rewards.id = activities.reward_id").
		Where("rewards.developer_id = ?", developer.ID).
		Count(&activityCount).Error; err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to count activities")
		return
	}

	stats := map[string]any{
		"developer":  developer,
		"activities": activityCount,
	}
	var earned, outstanding int64
	byStatus := map[string]any{}
	for _, t := range totals {
		byStatus[string(t.Status)] = map[string]int64{"tokens": t.Total, "rewards": t.Count}
		if t.Status == models.StatusDistributed {
			earned += t.Total
		} else {
			outstanding += t.Total
		}
	}
	stats["by_status"] = byStatus
	stats["earned_tokens"] = earned
	stats["outstanding_tokens"] = outstanding
	s.writeJSON(w, http.StatusOK, stats)
}

// ActivityFeed returns the most recent audit events.
func (s *Server) ActivityFeed(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}
	var events []models.Event
	if err := s.db.WithContext(r.Context()).
		Order("created_at DESC").
		Limit(limit).
		Find(&events).Error; err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load feed")
		return
	}
	s.writeJSON(w, http.StatusOK, events)
}

// TreasuryBalance reports the custodial account's token balance.
func (s *Server) TreasuryBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := s.wallet.BalanceOf(r.Context(), s.treasury)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, "balance query failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"address": s.treasury,
		"balance": balance.String(),
	})
}

func (s *Server) handleRewardError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, rewards.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "reward not found")
	case errors.Is(err, rewards.ErrConflict):
		s.writeError(w, http.StatusConflict, "approval already recorded by another actor")
	case errors.Is(err, rewards.ErrNotEligible):
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, "operation failed")
	}
}
