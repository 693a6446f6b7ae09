package server

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"codekudos/auth"
	"codekudos/distributor"
	"codekudos/identity"
	"codekudos/ledger"
	"codekudos/models"
	"codekudos/rewards"
	"codekudos/wallet"
)

type testEnv struct {
	server     *Server
	db         *gorm.DB
	auth       *auth.Authenticator
	dispatcher *Dispatcher
	transfers  *int
}

func newTestEnv(t *testing.T, cfgMut ...func(*Config)) *testEnv {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unwrap sql db: %v", err)
	}
	// Scheduled distributions run on their own goroutine; a single connection
	// keeps their transactions serialized against the request path.
	sqlDB.SetMaxOpenConns(1)

	transfers := 0
	w := wallet.FuncWallet{
		TokenDecimals: 18,
		TransferFunc: func(context.Context, string, *big.Int) (string, error) {
			transfers++
			return fmt.Sprintf("0xhash%d", transfers), nil
		},
		BalanceFunc: func(context.Context, string) (*big.Int, error) {
			return big.NewInt(123456), nil
		},
	}

	engine := rewards.NewEngine(db)
	processor := distributor.NewProcessor(db, w, engine)
	dispatcher := NewDispatcher(processor, time.Minute)
	engineWithEmitter := rewards.NewEngine(db, rewards.WithEmitter(dispatcher))

	authenticator, err := auth.New(auth.Options{
		Secret:   []byte("test-secret"),
		Issuer:   "codekudos-test",
		Audience: "codekudos-api",
	})
	if err != nil {
		t.Fatalf("new authenticator: %v", err)
	}

	cfg := Config{
		DB:              db,
		Engine:          engineWithEmitter,
		Ledger:          ledger.New(db),
		Processor:       processor,
		Identity:        identity.NewService(db, nil),
		Auth:            authenticator,
		Wallet:          w,
		TreasuryAddress: "0xtreasury",
	}
	for _, mut := range cfgMut {
		mut(&cfg)
	}

	return &testEnv{
		server:     New(cfg),
		db:         db,
		auth:       authenticator,
		dispatcher: dispatcher,
		transfers:  &transfers,
	}
}

func (env *testEnv) token(t *testing.T, subject string, role auth.Role) string {
	t.Helper()
	token, err := env.auth.Issue(subject, role)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func (env *testEnv) request(t *testing.T, method, path, token, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (env *testEnv) seedDeveloper(t *testing.T, handle, walletAddress string) models.Developer {
	t.Helper()
	developer := models.Developer{
		ID:             uuid.New(),
		GithubID:       time.Now().UnixNano(),
		GithubUsername: handle,
		WalletAddress:  walletAddress,
	}
	if err := env.db.Create(&developer).Error; err != nil {
		t.Fatalf("create developer: %v", err)
	}
	return developer
}

func (env *testEnv) seedReward(t *testing.T, developerID uuid.UUID, status models.RewardStatus, tokens int64) models.Reward {
	t.Helper()
	reward := models.Reward{
		ID:             uuid.New(),
		DeveloperID:    developerID,
		TotalTokens:    tokens,
		Status:         status,
		PeriodOpenedAt: time.Now(),
	}
	if err := env.db.Create(&reward).Error; err != nil {
		t.Fatalf("create reward: %v", err)
	}
	return reward
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	rec := env.request(t, http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestEndToEndLifecycle(t *testing.T) {
	env := newTestEnv(t)
	developer := env.seedDeveloper(t, "octocat", "0xdest")

	// Contribution arrives over the webhook.
	rec := env.request(t, http.MethodPost, "/webhooks/contributions", "",
		`{"developer_handle":"octocat","type":"commit","description":"fix parser","points":15}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("webhook: expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	var reward models.Reward
	if err := env.db.First(&reward, "developer_id = ?", developer.ID).Error; err != nil {
		t.Fatalf("load reward: %v", err)
	}
	if reward.Status != models.StatusPending || reward.TotalTokens != 15 {
		t.Fatalf("unexpected reward: %+v", reward)
	}

	// Manager signs off.
	manager := env.token(t, "alice", auth.RoleManager)
	rec = env.request(t, http.MethodPost, "/api/v1/rewards/"+reward.ID.String()+"/approve", manager,
		`{"comment":"solid work"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("manager approve: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	// HR signs off; the approval response returns before the transfer runs.
	hr := env.token(t, "harriet", auth.RoleHR)
	rec = env.request(t, http.MethodPost, "/api/v1/rewards/"+reward.ID.String()+"/approve", hr, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("hr approve: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	env.dispatcher.Wait()

	if err := env.db.First(&reward, "id = ?", reward.ID).Error; err != nil {
		t.Fatalf("reload reward: %v", err)
	}
	if reward.Status != models.StatusDistributed {
		t.Fatalf("expected distributed, got %s", reward.Status)
	}
	if *env.transfers != 1 {
		t.Fatalf("expected exactly 1 transfer, got %d", *env.transfers)
	}

	// The detail view shows activities and the confirmed attempt.
	rec = env.request(t, http.MethodGet, "/api/v1/rewards/"+reward.ID.String(), manager, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get reward: expected 200, got %d", rec.Code)
	}
	var detail models.Reward
	if err := json.Unmarshal(rec.Body.Bytes(), &detail); err != nil {
		t.Fatalf("decode reward: %v", err)
	}
	if len(detail.Activities) != 1 || len(detail.Attempts) != 1 {
		t.Fatalf("expected 1 activity and 1 attempt, got %d/%d", len(detail.Activities), len(detail.Attempts))
	}
	if detail.Attempts[0].Outcome != models.AttemptConfirmed {
		t.Fatalf("expected confirmed attempt, got %s", detail.Attempts[0].Outcome)
	}
}

func TestOutOfOrderApprovalRejected(t *testing.T) {
	env := newTestEnv(t)
	developer := env.seedDeveloper(t, "octocat", "0xdest")
	reward := env.seedReward(t, developer.ID, models.StatusPending, 10)

	hr := env.token(t, "harriet", auth.RoleHR)
	rec := env.request(t, http.MethodPost, "/api/v1/rewards/"+reward.ID.String()+"/approve", hr, "")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestApproveUnknownReward(t *testing.T) {
	env := newTestEnv(t)
	manager := env.token(t, "alice", auth.RoleManager)
	rec := env.request(t, http.MethodPost, "/api/v1/rewards/"+uuid.NewString()+"/approve", manager, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestApproveRequiresPrivilegedRole(t *testing.T) {
	env := newTestEnv(t)
	developer := env.seedDeveloper(t, "octocat", "0xdest")
	reward := env.seedReward(t, developer.ID, models.StatusPending, 10)

	// No token at all.
	rec := env.request(t, http.MethodPost, "/api/v1/rewards/"+reward.ID.String()+"/approve", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	// Developer token lacks the approval role.
	dev := env.token(t, "octocat", auth.RoleDeveloper)
	rec = env.request(t, http.MethodPost, "/api/v1/rewards/"+reward.ID.String()+"/approve", dev, "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestApproveRejectsMismatchedBodyRole(t *testing.T) {
	env := newTestEnv(t)
	developer := env.seedDeveloper(t, "octocat", "0xdest")
	reward := env.seedReward(t, developer.ID, models.StatusPending, 10)

	// The token decides which approval stage runs; a body claiming another
	// role is refused rather than silently ignored.
	manager := env.token(t, "alice", auth.RoleManager)
	rec := env.request(t, http.MethodPost, "/api/v1/rewards/"+reward.ID.String()+"/approve", manager,
		`{"role":"hr","comment":"sneaky"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rec.Code, rec.Body.String())
	}

	var persisted models.Reward
	if err := env.db.First(&persisted, "id = ?", reward.ID).Error; err != nil {
		t.Fatalf("load reward: %v", err)
	}
	if persisted.Status != models.StatusPending {
		t.Fatalf("reward must stay pending, got %s", persisted.Status)
	}

	// A body role matching the token is accepted.
	rec = env.request(t, http.MethodPost, "/api/v1/rewards/"+reward.ID.String()+"/approve", manager,
		`{"role":"manager","comment":"solid work"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestDistributeEndpoint(t *testing.T) {
	env := newTestEnv(t)
	developer := env.seedDeveloper(t, "octocat", "0xdest")
	reward := env.seedReward(t, developer.ID, models.StatusFullyApproved, 20)

	operator := env.token(t, "ops", auth.RoleOperator)
	rec := env.request(t, http.MethodPost, "/api/v1/rewards/"+reward.ID.String()+"/distribute", operator, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var attempt models.DistributionAttempt
	if err := json.Unmarshal(rec.Body.Bytes(), &attempt); err != nil {
		t.Fatalf("decode attempt: %v", err)
	}
	if attempt.Outcome != models.AttemptConfirmed {
		t.Fatalf("expected confirmed, got %s", attempt.Outcome)
	}

	// Repeat request returns the recorded attempt without a second transfer.
	rec = env.request(t, http.MethodPost, "/api/v1/rewards/"+reward.ID.String()+"/distribute", operator, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("repeat: expected 200, got %d", rec.Code)
	}
	if *env.transfers != 1 {
		t.Fatalf("expected 1 transfer, got %d", *env.transfers)
	}

	// Managers cannot trigger distribution.
	manager := env.token(t, "alice", auth.RoleManager)
	rec = env.request(t, http.MethodPost, "/api/v1/rewards/"+reward.ID.String()+"/distribute", manager, "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestDistributeNotEligible(t *testing.T) {
	env := newTestEnv(t)
	developer := env.seedDeveloper(t, "octocat", "0xdest")
	reward := env.seedReward(t, developer.ID, models.StatusPending, 20)

	operator := env.token(t, "ops", auth.RoleOperator)
	rec := env.request(t, http.MethodPost, "/api/v1/rewards/"+reward.ID.String()+"/distribute", operator, "")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestWebhookUnknownDeveloperIgnored(t *testing.T) {
	env := newTestEnv(t)
	rec := env.request(t, http.MethodPost, "/webhooks/contributions", "",
		`{"developer_handle":"ghost","type":"commit","points":5}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ignored" {
		t.Fatalf("expected ignored, got %+v", body)
	}
}

func TestWebhookRateLimit(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.WebhookRate = 0.001
		cfg.WebhookBurst = 1
	})
	env.seedDeveloper(t, "octocat", "0xdest")

	payload := `{"developer_handle":"octocat","type":"commit","points":1}`
	rec := env.request(t, http.MethodPost, "/webhooks/contributions", "", payload)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("first request: expected 202, got %d", rec.Code)
	}
	rec = env.request(t, http.MethodPost, "/webhooks/contributions", "", payload)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", rec.Code)
	}
}

func TestIdempotencyKeyReplay(t *testing.T) {
	env := newTestEnv(t)
	developer := env.seedDeveloper(t, "octocat", "0xdest")
	reward := env.seedReward(t, developer.ID, models.StatusPending, 10)

	manager := env.token(t, "alice", auth.RoleManager)
	path := "/api/v1/rewards/" + reward.ID.String() + "/approve"

	first := env.request(t, http.MethodPost, path, manager, "", "Idempotency-Key", "approve-1")
	if first.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", first.Code, first.Body.String())
	}

	// Replaying the key returns the stored response instead of re-running the
	// approval, which would otherwise fail with 422.
	second := env.request(t, http.MethodPost, path, manager, "", "Idempotency-Key", "approve-1")
	if second.Code != http.StatusOK {
		t.Fatalf("replay: expected 200, got %d: %s", second.Code, second.Body.String())
	}
	if first.Body.String() != second.Body.String() {
		t.Fatalf("replayed response differs:\n%s\n%s", first.Body.String(), second.Body.String())
	}

	var persisted models.Reward
	if err := env.db.First(&persisted, "id = ?", reward.ID).Error; err != nil {
		t.Fatalf("load reward: %v", err)
	}
	if persisted.Status != models.StatusManagerApproved {
		t.Fatalf("expected manager_approved, got %s", persisted.Status)
	}
}

func TestDistributeAuditRecordsIdempotencyKey(t *testing.T) {
	env := newTestEnv(t)
	developer := env.seedDeveloper(t, "octocat", "0xdest")
	reward := env.seedReward(t, developer.ID, models.StatusFullyApproved, 20)

	operator := env.token(t, "ops", auth.RoleOperator)
	rec := env.request(t, http.MethodPost, "/api/v1/rewards/"+reward.ID.String()+"/distribute", operator,
		"", "Idempotency-Key", "dist-42")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var event models.Event
	if err := env.db.First(&event, "reward_id = ? AND action = ?", reward.ID, "distribution.requested").Error; err != nil {
		t.Fatalf("load audit event: %v", err)
	}
	if !strings.Contains(event.Details, "dist-42") {
		t.Fatalf("audit details %q missing idempotency key", event.Details)
	}
}

func TestSetDeveloperWallet(t *testing.T) {
	env := newTestEnv(t)
	env.seedDeveloper(t, "octocat", "")

	operator := env.token(t, "ops", auth.RoleOperator)
	rec := env.request(t, http.MethodPost, "/api/v1/developers/octocat/wallet", operator,
		`{"address":"0xabc"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var developer models.Developer
	if err := env.db.First(&developer, "github_username = ?", "octocat").Error; err != nil {
		t.Fatalf("load developer: %v", err)
	}
	if developer.WalletAddress != "0xabc" {
		t.Fatalf("wallet not assigned: %q", developer.WalletAddress)
	}

	// Reassignment is refused.
	rec = env.request(t, http.MethodPost, "/api/v1/developers/octocat/wallet", operator,
		`{"address":"0xother"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestListRewardsFilters(t *testing.T) {
	env := newTestEnv(t)
	developer := env.seedDeveloper(t, "octocat", "0xdest")
	other := env.seedDeveloper(t, "hubot", "0xdest")
	env.seedReward(t, developer.ID, models.StatusPending, 10)
	env.seedReward(t, developer.ID, models.StatusDistributed, 20)
	env.seedReward(t, other.ID, models.StatusPending, 30)

	manager := env.token(t, "alice", auth.RoleManager)

	rec := env.request(t, http.MethodGet, "/api/v1/rewards?status=pending", manager, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var list []models.Reward
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 pending rewards, got %d", len(list))
	}

	rec = env.request(t, http.MethodGet, "/api/v1/rewards?developer=octocat", manager, "")
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 rewards for octocat, got %d", len(list))
	}

	rec = env.request(t, http.MethodGet, "/api/v1/rewards?developer_id="+developer.ID.String(), manager, "")
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 rewards by id, got %d", len(list))
	}

	rec = env.request(t, http.MethodGet, "/api/v1/rewards?limit=2&page=2", manager, "")
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 reward on page 2, got %d", len(list))
	}

	rec = env.request(t, http.MethodGet, "/api/v1/rewards?status=bogus", manager, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", rec.Code)
	}

	rec = env.request(t, http.MethodGet, "/api/v1/rewards?developer=ghost", manager, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown developer, got %d", rec.Code)
	}
}

func TestDeveloperStats(t *testing.T) {
	env := newTestEnv(t)
	developer := env.seedDeveloper(t, "octocat", "0xdest")
	env.seedReward(t, developer.ID, models.StatusDistributed, 100)
	env.seedReward(t, developer.ID, models.StatusPending, 40)

	manager := env.token(t, "alice", auth.RoleManager)
	rec := env.request(t, http.MethodGet, "/api/v1/developers/octocat/stats", manager, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var stats struct {
		EarnedTokens      int64 `json:"earned_tokens"`
		OutstandingTokens int64 `json:"outstanding_tokens"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.EarnedTokens != 100 || stats.OutstandingTokens != 40 {
		t.Fatalf("unexpected totals: %+v", stats)
	}
}

func TestTreasuryBalance(t *testing.T) {
	env := newTestEnv(t)
	operator := env.token(t, "ops", auth.RoleOperator)

	rec := env.request(t, http.MethodGet, "/api/v1/treasury/balance", operator, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["address"] != "0xtreasury" || body["balance"] != "123456" {
		t.Fatalf("unexpected body: %+v", body)
	}

	// Operators only.
	manager := env.token(t, "alice", auth.RoleManager)
	rec = env.request(t, http.MethodGet, "/api/v1/treasury/balance", manager, "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}
