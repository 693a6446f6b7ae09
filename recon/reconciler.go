package recon

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
	"gorm.io/gorm"

	"codekudos/models"
	"codekudos/observability"
	"codekudos/wallet"
)

const (
	// ReportRetentionDays specifies how long generated reconciliation
	// reports remain on disk.
	ReportRetentionDays = 365

	// Anomaly types emitted by the reconciler.
	AnomalyMissingSubmission = "missing_submission"
	AnomalyStalePending      = "stale_pending"
	AnomalyRevertedOnChain   = "reverted_onchain"
	AnomalyMissingAttempt    = "missing_attempt"
)

// Resolver settles the fate of a distribution attempt once the chain has
// answered. The distributor's processor satisfies this.
type Resolver interface {
	ConfirmAttempt(ctx context.Context, attemptID uuid.UUID) error
	FailAttempt(ctx context.Context, attemptID uuid.UUID, reason string) error
}

// AlertFunc is invoked for every anomaly detected during reconciliation.
type AlertFunc func(ctx context.Context, anomaly Anomaly) error

// Config captures the dependencies required to construct a Reconciler.
type Config struct {
	DB        *gorm.DB
	Wallet    wallet.TokenWallet
	Resolver  Resolver
	OutputDir string
	// Grace is how long an unresolved attempt may age before it is treated
	// as an anomaly. Attempts younger than the grace period are likely still
	// in the distributor's confirmation window and are left alone.
	Grace  time.Duration
	DryRun bool
	Now    func() time.Time
	Alert  AlertFunc
	Logger *slog.Logger
}

// RunOptions specifies overrides when executing a reconciliation window.
type RunOptions struct {
	Start  time.Time
	End    time.Time
	DryRun bool
}

// Reconciler resolves distribution attempts the processor left unresolved and
// materialises nightly reports joining rewards, attempts, and chain receipts.
// It never resubmits a transfer: the only state transitions it performs are
// settlements and failures the chain itself attests to by hash. Attempts
// without a hash are never failed automatically, only alerted, because the
// absence of a recorded hash does not rule out a submitted transaction.
type Reconciler struct {
	db        *gorm.DB
	wallet    wallet.TokenWallet
	resolver  Resolver
	outputDir string
	grace     time.Duration
	dryRun    bool
	now       func() time.Time
	alert     AlertFunc
	logger    *slog.Logger
}

// Anomaly captures a reconciliation failure requiring operator review.
type Anomaly struct {
	Type      string
	RewardID  *uuid.UUID
	AttemptID *uuid.UUID
	TxHash    string
	Details   string
}

// ReportRow summarises reconciliation status for a single attempt.
type ReportRow struct {
	AttemptID    uuid.UUID
	RewardID     uuid.UUID
	Developer    string
	Destination  string
	Tokens       int64
	TxHash       string
	Outcome      string
	RewardStatus string
	SubmittedAt  time.Time
	ConfirmedAt  *time.Time
	SettleDelay  time.Duration
	Resolved     bool
	Anomalous    bool
}

// Result summarises a reconciliation run.
type Result struct {
	Start       time.Time
	End         time.Time
	Rows        []*ReportRow
	Anomalies   []Anomaly
	Confirmed   int
	Failed      int
	Unresolved  int
	CSVPath     string
	ParquetPath string
}

// NewReconciler builds a configured reconciler.
func NewReconciler(cfg Config) (*Reconciler, error) {
	if cfg.DB == nil {
		return nil, errors.New("recon: db is required")
	}
	if cfg.Wallet == nil {
		return nil, errors.New("recon: wallet is required")
	}
	if cfg.Resolver == nil {
		return nil, errors.New("recon: resolver is required")
	}
	outputDir := cfg.OutputDir
	if strings.TrimSpace(outputDir) == "" {
		outputDir = filepath.Join("codekudos-data", "recon")
	}
	grace := cfg.Grace
	if grace <= 0 {
		grace = 10 * time.Minute
	}
	alert := cfg.Alert
	if alert == nil {
		alert = func(ctx context.Context, anomaly Anomaly) error { return nil }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Reconciler{
		db:        cfg.DB,
		wallet:    cfg.Wallet,
		resolver:  cfg.Resolver,
		outputDir: outputDir,
		grace:     grace,
		dryRun:    cfg.DryRun,
		now:       nowFn,
		alert:     alert,
		logger:    logger,
	}, nil
}

// Run executes reconciliation for the supplied window. Pending attempts are
// probed against the chain regardless of window so a crashed confirmation wait
// from any earlier run is eventually settled.
func (r *Reconciler) Run(ctx context.Context, opts RunOptions) (*Result, error) {
	start := opts.Start.UTC()
	end := opts.End.UTC()
	if end.Before(start) {
		return nil, fmt.Errorf("recon: end before start")
	}
	dryRun := r.dryRun || opts.DryRun
	now := r.now()

	var attempts []models.DistributionAttempt
	if err := r.db.WithContext(ctx).
		Where("outcome = ? OR (submitted_at BETWEEN ? AND ?)", models.AttemptPending, start, end).
		Order("submitted_at ASC").
		Find(&attempts).Error; err != nil {
		return nil, fmt.Errorf("recon: load attempts: %w", err)
	}

	rewardIDs := make([]uuid.UUID, 0, len(attempts))
	rewardSeen := map[uuid.UUID]bool{}
	for _, attempt := range attempts {
		if !rewardSeen[attempt.RewardID] {
			rewardIDs = append(rewardIDs, attempt.RewardID)
			rewardSeen[attempt.RewardID] = true
		}
	}

	rewardMap := map[uuid.UUID]models.Reward{}
	developerMap := map[uuid.UUID]models.Developer{}
	if len(rewardIDs) > 0 {
		var rewardRows []models.Reward
		if err := r.db.WithContext(ctx).Where("id IN ?", rewardIDs).Find(&rewardRows).Error; err != nil {
			return nil, fmt.Errorf("recon: load rewards: %w", err)
		}
		developerIDs := make([]uuid.UUID, 0, len(rewardRows))
		for _, reward := range rewardRows {
			rewardMap[reward.ID] = reward
			developerIDs = append(developerIDs, reward.DeveloperID)
		}
		var developers []models.Developer
		if err := r.db.WithContext(ctx).Where("id IN ?", developerIDs).Find(&developers).Error; err != nil {
			return nil, fmt.Errorf("recon: load developers: %w", err)
		}
		for _, developer := range developers {
			developerMap[developer.ID] = developer
		}
	}

	result := &Result{Start: start, End: end}
	rows := make([]*ReportRow, 0, len(attempts))

	for i := range attempts {
		attempt := &attempts[i]
		row := r.buildRow(attempt, rewardMap, developerMap)
		rows = append(rows, row)

		if attempt.Outcome != models.AttemptPending {
			continue
		}

		if strings.TrimSpace(attempt.TxHash) == "" {
			// A missing hash does not prove the transfer never reached the
			// chain: the submit path can send successfully and then lose the
			// hash persist. Failing the attempt here would re-open the reward
			// for a blind resubmission, so the attempt stays pending and an
			// anomaly summons an operator once the grace period lapses.
			result.Unresolved++
			if now.Sub(attempt.SubmittedAt) >= r.grace {
				row.Anomalous = true
				result.Anomalies = append(result.Anomalies, r.raise(ctx, Anomaly{
					Type:      AnomalyMissingSubmission,
					RewardID:  ptrUUID(attempt.RewardID),
					AttemptID: ptrUUID(attempt.ID),
					Details:   fmt.Sprintf("attempt from %s has no transaction hash; operator resolution required", attempt.SubmittedAt.Format(time.RFC3339)),
				}))
			}
			continue
		}

		status, err := r.wallet.WaitForReceipt(ctx, attempt.TxHash, 0)
		if err != nil {
			r.logger.Warn("recon: receipt probe failed", "attempt", attempt.ID, "tx", attempt.TxHash, "err", err)
			result.Unresolved++
			continue
		}
		switch status {
		case wallet.ReceiptConfirmed:
			if dryRun {
				result.Unresolved++
				continue
			}
			if err := r.resolver.ConfirmAttempt(ctx, attempt.ID); err != nil {
				r.logger.Error("recon: confirm attempt", "attempt", attempt.ID, "err", err)
				result.Unresolved++
				continue
			}
			row.Outcome = string(models.AttemptConfirmed)
			row.Resolved = true
			result.Confirmed++
			r.logger.Info("recon: settled attempt", "attempt", attempt.ID, "tx", attempt.TxHash)
		case wallet.ReceiptReverted:
			row.Anomalous = true
			result.Anomalies = append(result.Anomalies, r.raise(ctx, Anomaly{
				Type:      AnomalyRevertedOnChain,
				RewardID:  ptrUUID(attempt.RewardID),
				AttemptID: ptrUUID(attempt.ID),
				TxHash:    attempt.TxHash,
				Details:   "transaction reverted on chain",
			}))
			if !dryRun {
				if err := r.resolver.FailAttempt(ctx, attempt.ID, "transaction reverted"); err != nil {
					r.logger.Error("recon: fail attempt", "attempt", attempt.ID, "err", err)
					result.Unresolved++
					continue
				}
				row.Outcome = string(models.AttemptFailed)
				row.Resolved = true
				result.Failed++
			}
		default:
			result.Unresolved++
			if now.Sub(attempt.SubmittedAt) >= r.grace {
				row.Anomalous = true
				result.Anomalies = append(result.Anomalies, r.raise(ctx, Anomaly{
					Type:      AnomalyStalePending,
					RewardID:  ptrUUID(attempt.RewardID),
					AttemptID: ptrUUID(attempt.ID),
					TxHash:    attempt.TxHash,
					Details:   fmt.Sprintf("no receipt since %s", attempt.SubmittedAt.Format(time.RFC3339)),
				}))
			}
		}
	}

	if err := r.auditDistributed(ctx, start, end, result); err != nil {
		return nil, err
	}

	observability.Distributor().SetPendingAttempts(result.Unresolved)

	result.Rows = rows
	if !dryRun && len(rows) > 0 {
		runDir := filepath.Join(r.outputDir, fmt.Sprintf("%s_%s", start.Format("20060102"), end.Format("20060102")))
		if err := os.MkdirAll(runDir, 0o755); err != nil {
			return nil, fmt.Errorf("recon: ensure output dir: %w", err)
		}
		csvPath := filepath.Join(runDir, "attempts.csv")
		if err := writeCSV(csvPath, rows); err != nil {
			return nil, err
		}
		parquetPath := filepath.Join(runDir, "attempts.parquet")
		if err := writeParquet(parquetPath, rows); err != nil {
			return nil, err
		}
		result.CSVPath = csvPath
		result.ParquetPath = parquetPath
		r.logger.Info("recon: wrote report", "csv", csvPath, "parquet", parquetPath, "rows", len(rows))
	}
	return result, nil
}

// auditDistributed flags rewards marked distributed without a confirmed
// attempt backing them. This cannot happen through the processor; it catches
// manual database interventions.
func (r *Reconciler) auditDistributed(ctx context.Context, start, end time.Time, result *Result) error {
	var orphaned []models.Reward
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at BETWEEN ? AND ?", models.StatusDistributed, start, end).
		Where("id NOT IN (?)", r.db.Model(&models.DistributionAttempt{}).
			Select("reward_id").
			Where("outcome = ?", models.AttemptConfirmed)).
		Find(&orphaned).Error
	if err != nil {
		return fmt.Errorf("recon: audit distributed rewards: %w", err)
	}
	for _, reward := range orphaned {
		result.Anomalies = append(result.Anomalies, r.raise(ctx, Anomaly{
			Type:     AnomalyMissingAttempt,
			RewardID: ptrUUID(reward.ID),
			Details:  fmt.Sprintf("reward distributed with no confirmed attempt (total %d)", reward.TotalTokens),
		}))
	}
	return nil
}

func (r *Reconciler) buildRow(attempt *models.DistributionAttempt, rewardMap map[uuid.UUID]models.Reward, developerMap map[uuid.UUID]models.Developer) *ReportRow {
	row := &ReportRow{
		AttemptID:   attempt.ID,
		RewardID:    attempt.RewardID,
		Destination: attempt.Destination,
		Tokens:      attempt.Amount,
		TxHash:      attempt.TxHash,
		Outcome:     string(attempt.Outcome),
		SubmittedAt: attempt.SubmittedAt.UTC(),
		ConfirmedAt: attempt.ConfirmedAt,
	}
	if reward, ok := rewardMap[attempt.RewardID]; ok {
		row.RewardStatus = string(reward.Status)
		if developer, ok := developerMap[reward.DeveloperID]; ok {
			row.Developer = developer.GithubUsername
		}
	}
	if attempt.ConfirmedAt != nil && attempt.ConfirmedAt.After(attempt.SubmittedAt) {
		row.SettleDelay = attempt.ConfirmedAt.Sub(attempt.SubmittedAt)
	}
	return row
}

func (r *Reconciler) raise(ctx context.Context, anomaly Anomaly) Anomaly {
	if r.alert != nil {
		if err := r.alert(ctx, anomaly); err != nil {
			r.logger.Error("recon: alert delivery failed", "type", anomaly.Type, "err", err)
		}
	}
	return anomaly
}

func writeCSV(path string, rows []*ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	header := []string{
		"attempt_id", "reward_id", "developer", "destination", "tokens", "tx_hash",
		"outcome", "reward_status", "submitted_at", "confirmed_at", "settle_delay_seconds",
		"resolved_this_run", "anomalous",
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("recon: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.AttemptID.String(),
			row.RewardID.String(),
			row.Developer,
			row.Destination,
			fmt.Sprintf("%d", row.Tokens),
			row.TxHash,
			row.Outcome,
			row.RewardStatus,
			row.SubmittedAt.Format(time.RFC3339),
			formatTime(row.ConfirmedAt),
			formatSeconds(row.SettleDelay),
			boolString(row.Resolved),
			boolString(row.Anomalous),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("recon: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("recon: flush csv: %w", err)
	}
	return nil
}

type parquetRow struct {
	AttemptID          string  `parquet:"name=attempt_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	RewardID           string  `parquet:"name=reward_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Developer          string  `parquet:"name=developer, type=BYTE_ARRAY, convertedtype=UTF8"`
	Destination        string  `parquet:"name=destination, type=BYTE_ARRAY, convertedtype=UTF8"`
	Tokens             int64   `parquet:"name=tokens, type=INT64"`
	TxHash             string  `parquet:"name=tx_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	Outcome            string  `parquet:"name=outcome, type=BYTE_ARRAY, convertedtype=UTF8"`
	RewardStatus       string  `parquet:"name=reward_status, type=BYTE_ARRAY, convertedtype=UTF8"`
	SubmittedAt        string  `parquet:"name=submitted_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	ConfirmedAt        string  `parquet:"name=confirmed_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	SettleDelaySeconds float64 `parquet:"name=settle_delay_seconds, type=DOUBLE"`
	ResolvedThisRun    bool    `parquet:"name=resolved_this_run, type=BOOLEAN"`
	Anomalous          bool    `parquet:"name=anomalous, type=BOOLEAN"`
}

func writeParquet(path string, rows []*ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetRow{
			AttemptID:          row.AttemptID.String(),
			RewardID:           row.RewardID.String(),
			Developer:          row.Developer,
			Destination:        row.Destination,
			Tokens:             row.Tokens,
			TxHash:             row.TxHash,
			Outcome:            row.Outcome,
			RewardStatus:       row.RewardStatus,
			SubmittedAt:        row.SubmittedAt.Format(time.RFC3339),
			ConfirmedAt:        formatTime(row.ConfirmedAt),
			SettleDelaySeconds: row.SettleDelay.Seconds(),
			ResolvedThisRun:    row.Resolved,
			Anomalous:          row.Anomalous,
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("recon: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("recon: close parquet file: %w", err)
	}
	return nil
}

func boolString(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

func formatSeconds(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	return fmt.Sprintf("%.2f", d.Seconds())
}

func ptrUUID(id uuid.UUID) *uuid.UUID {
	v := id
	return &v
}
