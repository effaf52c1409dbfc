package services

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/craftmarket/ledger/internal/audit"
	"github.com/craftmarket/ledger/internal/models"
	"github.com/craftmarket/ledger/pkg/logger"
)

const batchColumns = `id, batch_number, period_start, period_end, entry_count, total_volume, net_amount,
	       status, content_hash, COALESCE(external_ref, ''), retry_count, COALESCE(last_error, ''),
	       submitted_at, confirmed_at, created_at, updated_at`

// SettlementTransport is the pluggable anchor. Submit hands a batch to the
// external chain; Confirm looks a batch up by content hash, which also
// resolves batches whose submission timed out before a reference came back.
type SettlementTransport interface {
	Submit(ctx context.Context, batch *models.SettlementBatch) (externalRef string, err error)
	Confirm(ctx context.Context, contentHash string) (confirmed bool, externalRef string, err error)
}

// SettlementService groups unsettled entries into batches on a fixed
// schedule and drives external anchoring with bounded retry.
type SettlementService struct {
	db        *sql.DB
	redis     *redis.Client
	transport SettlementTransport
	audit     *audit.Logger

	batchSize     int
	maxRetries    int
	submitTimeout time.Duration
}

func NewSettlementService(db *sql.DB, rdb *redis.Client, transport SettlementTransport, auditLogger *audit.Logger) *SettlementService {
	viper.SetDefault("ledger.settlement.batch_size", 500)
	viper.SetDefault("ledger.settlement.max_retries", 5)
	viper.SetDefault("ledger.settlement.submit_timeout", 30*time.Second)

	return &SettlementService{
		db:            db,
		redis:         rdb,
		transport:     transport,
		audit:         auditLogger,
		batchSize:     viper.GetInt("ledger.settlement.batch_size"),
		maxRetries:    viper.GetInt("ledger.settlement.max_retries"),
		submitTimeout: viper.GetDuration("ledger.settlement.submit_timeout"),
	}
}

// RunOnce executes one batching pass: failed batches under the retry cap are
// resubmitted as themselves, then a new batch claims the unbatched completed
// entries. Tests drive the batcher by calling this directly.
func (s *SettlementService) RunOnce(ctx context.Context) error {
	if s.redis != nil {
		locked, err := s.redis.SetNX(ctx, "lock:settlement_batcher", "1", 2*s.submitTimeout).Result()
		if err == nil && !locked {
			logger.Debug("settlement batcher already running elsewhere, skipping pass")
			return nil
		}
		if err == nil {
			defer s.redis.Del(context.Background(), "lock:settlement_batcher")
		}
	}

	if err := s.retryFailed(ctx); err != nil {
		logger.Warn("settlement retry pass finished with errors", zap.Error(err))
	}

	batch, err := s.openBatch(ctx)
	if err != nil {
		return err
	}
	if batch == nil {
		return nil
	}

	return s.submit(ctx, batch)
}

// openBatch creates the batch header and claims entries inside the same
// transaction, so a concurrent batcher sees zero unclaimed entries instead
// of double-selecting.
func (s *SettlementService) openBatch(ctx context.Context) (*models.SettlementBatch, error) {
	now := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	batch := &models.SettlementBatch{
		ID:          uuid.NewString(),
		PeriodStart: now,
		PeriodEnd:   now,
		Status:      models.BatchPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err = tx.QueryRow(`
		INSERT INTO settlement_batches
		(id, period_start, period_end, entry_count, total_volume, net_amount, status, content_hash, retry_count, created_at, updated_at)
		VALUES ($1, $2, $2, 0, 0, 0, $3, '', 0, $2, $2)
		RETURNING batch_number`,
		batch.ID, now, batch.Status).Scan(&batch.BatchNumber)
	if err != nil {
		return nil, err
	}

	result, err := tx.Exec(`
		UPDATE ledger_entries SET settlement_batch_id = $1
		WHERE id IN (
			SELECT id FROM ledger_entries
			WHERE settlement_batch_id IS NULL AND status = $2 AND created_at <= $3
			ORDER BY created_at ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)`,
		batch.ID, models.EntryCompleted, now, s.batchSize)
	if err != nil {
		return nil, err
	}
	claimed, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if claimed == 0 {
		return nil, nil
	}

	rows, err := tx.Query(`
		SELECT e.id, e.amount, e.entry_type, e.debit_account_id, e.credit_account_id, e.created_at, d.kind, c.kind
		FROM ledger_entries e
		JOIN accounts d ON d.id = e.debit_account_id
		JOIN accounts c ON c.id = e.credit_account_id
		WHERE e.settlement_batch_id = $1
		ORDER BY e.created_at ASC`, batch.ID)
	if err != nil {
		return nil, err
	}

	var hashes []string
	volume, net := decimal.Zero, decimal.Zero
	periodStart := now
	for rows.Next() {
		var (
			id, debitID, creditID string
			amount                decimal.Decimal
			entryType             models.EntryType
			createdAt             time.Time
			debitKind, creditKind models.AccountKind
		)
		if err := rows.Scan(&id, &amount, &entryType, &debitID, &creditID, &createdAt, &debitKind, &creditKind); err != nil {
			rows.Close()
			return nil, err
		}

		hashes = append(hashes, entryContentHash(id, debitID, creditID, amount, entryType))
		volume = volume.Add(amount)
		if creditKind.SettlementEligible() {
			net = net.Add(amount)
		}
		if debitKind.SettlementEligible() {
			net = net.Sub(amount)
		}
		if createdAt.Before(periodStart) {
			periodStart = createdAt
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	batch.EntryCount = len(hashes)
	batch.TotalVolume = volume
	batch.NetAmount = net
	batch.ContentHash = batchContentHash(hashes)
	batch.PeriodStart = periodStart
	batch.Status = models.BatchProcessing

	_, err = tx.Exec(`
		UPDATE settlement_batches
		SET period_start = $1, entry_count = $2, total_volume = $3, net_amount = $4, content_hash = $5, status = $6, updated_at = $7
		WHERE id = $8`,
		batch.PeriodStart, batch.EntryCount, batch.TotalVolume, batch.NetAmount,
		batch.ContentHash, batch.Status, time.Now(), batch.ID)
	if err != nil {
		return nil, err
	}

	if err := s.audit.RecordTx(tx, audit.Event{
		EventType:    "SETTLEMENT",
		Actor:        audit.SystemActor(),
		ResourceType: "settlement_batch",
		ResourceID:   batch.ID,
		Action:       "BATCH_OPENED",
		Amount:       decimal.NullDecimal{Decimal: batch.NetAmount, Valid: true},
		Details: map[string]string{
			"batch_number": strconv.FormatInt(batch.BatchNumber, 10),
			"entry_count":  strconv.Itoa(batch.EntryCount),
			"content_hash": batch.ContentHash,
		},
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	logger.Info("settlement batch opened",
		zap.Int64("batch_number", batch.BatchNumber),
		zap.Int("entries", batch.EntryCount),
		zap.String("net_amount", batch.NetAmount.String()))
	return batch, nil
}

// submit is the only long-latency call in the core. A timeout leaves the
// batch in place for reconciliation; a local timeout is never treated as a
// failure, to avoid double-submission.
func (s *SettlementService) submit(ctx context.Context, batch *models.SettlementBatch) error {
	sctx, cancel := context.WithTimeout(ctx, s.submitTimeout)
	defer cancel()

	externalRef, err := s.transport.Submit(sctx, batch)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			// A timed-out resubmission may still have reached the anchor.
			// Move a FAILED batch back to PROCESSING so reconciliation owns
			// it; the retry pass must not pick it up and submit again.
			if batch.Status == models.BatchFailed {
				_, uerr := s.db.ExecContext(ctx, `
					UPDATE settlement_batches
					SET status = $1, updated_at = $2
					WHERE id = $3`,
					models.BatchProcessing, time.Now(), batch.ID)
				if uerr != nil {
					return uerr
				}
				batch.Status = models.BatchProcessing
			}
			logger.Warn("settlement submission timed out, leaving batch for reconciliation",
				zap.Int64("batch_number", batch.BatchNumber))
			return fmt.Errorf("%w: batch %d", models.ErrSettlementConfirmationUnknown, batch.BatchNumber)
		}
		return s.markFailed(ctx, batch, err)
	}

	now := time.Now()
	_, err = s.db.ExecContext(ctx, `
		UPDATE settlement_batches
		SET status = $1, external_ref = $2, submitted_at = $3, updated_at = $3
		WHERE id = $4`,
		models.BatchSubmitted, externalRef, now, batch.ID)
	if err != nil {
		return err
	}
	batch.Status = models.BatchSubmitted
	batch.ExternalRef = externalRef

	cctx, ccancel := context.WithTimeout(ctx, s.submitTimeout)
	defer ccancel()
	confirmed, _, err := s.transport.Confirm(cctx, batch.ContentHash)
	if err != nil || !confirmed {
		// Submitted but not yet visible; reconciliation decides later.
		return nil
	}
	return s.markConfirmed(ctx, batch, externalRef)
}

func (s *SettlementService) markConfirmed(ctx context.Context, batch *models.SettlementBatch, externalRef string) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		UPDATE settlement_batches
		SET status = $1, external_ref = $2, confirmed_at = $3, updated_at = $3
		WHERE id = $4`,
		models.BatchConfirmed, externalRef, now, batch.ID)
	if err != nil {
		return err
	}

	s.audit.Log(audit.Event{
		EventType:    "SETTLEMENT",
		Actor:        audit.SystemActor(),
		ResourceType: "settlement_batch",
		ResourceID:   batch.ID,
		Action:       "BATCH_CONFIRMED",
		Details:      map[string]string{"external_ref": externalRef},
	})
	logger.Info("settlement batch confirmed",
		zap.Int64("batch_number", batch.BatchNumber),
		zap.String("external_ref", externalRef))
	return nil
}

// markFailed bumps the retry count and leaves the entries attached: the
// batch retries as itself on the next pass, and past the cap it stays
// FAILED for an operator. Re-batching its entries would recompute a
// different hash for previously audited records.
func (s *SettlementService) markFailed(ctx context.Context, batch *models.SettlementBatch, cause error) error {
	retryCount := batch.RetryCount + 1
	_, err := s.db.ExecContext(ctx, `
		UPDATE settlement_batches
		SET status = $1, retry_count = $2, last_error = $3, updated_at = $4
		WHERE id = $5`,
		models.BatchFailed, retryCount, cause.Error(), time.Now(), batch.ID)
	if err != nil {
		return err
	}

	if retryCount >= s.maxRetries {
		logger.Error("settlement batch exhausted retries, operator resolution required",
			zap.Int64("batch_number", batch.BatchNumber),
			zap.Int("retry_count", retryCount),
			zap.Error(cause))
	}
	s.audit.Log(audit.Event{
		EventType:    "SETTLEMENT",
		Actor:        audit.SystemActor(),
		ResourceType: "settlement_batch",
		ResourceID:   batch.ID,
		Action:       "BATCH_FAILED",
		Details:      map[string]string{"error": cause.Error(), "retry_count": strconv.Itoa(retryCount)},
	})
	return fmt.Errorf("%w: batch %d: %v", models.ErrSettlementSubmissionFailed, batch.BatchNumber, cause)
}

func (s *SettlementService) retryFailed(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+batchColumns+`
		FROM settlement_batches
		WHERE status = $1 AND retry_count < $2
		ORDER BY batch_number ASC`,
		models.BatchFailed, s.maxRetries)
	if err != nil {
		return err
	}

	var batches []*models.SettlementBatch
	for rows.Next() {
		batch, err := scanBatch(rows)
		if err != nil {
			rows.Close()
			return err
		}
		batches = append(batches, batch)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	var lastErr error
	for _, batch := range batches {
		if err := s.submit(ctx, batch); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// ReconcileOnce resolves batches stuck in PROCESSING or SUBMITTED by asking
// the anchor whether it has seen their content hash. Confirmed batches are
// closed out; batches the anchor never saw are safe to fail and resubmit.
func (s *SettlementService) ReconcileOnce(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+batchColumns+`
		FROM settlement_batches
		WHERE status = $1 OR status = $2
		ORDER BY batch_number ASC`,
		models.BatchProcessing, models.BatchSubmitted)
	if err != nil {
		return err
	}

	var batches []*models.SettlementBatch
	for rows.Next() {
		batch, err := scanBatch(rows)
		if err != nil {
			rows.Close()
			return err
		}
		batches = append(batches, batch)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, batch := range batches {
		cctx, cancel := context.WithTimeout(ctx, s.submitTimeout)
		confirmed, externalRef, err := s.transport.Confirm(cctx, batch.ContentHash)
		cancel()
		if err != nil {
			// Anchor unreachable; keep waiting rather than guessing.
			logger.Warn("settlement reconciliation could not reach anchor",
				zap.Int64("batch_number", batch.BatchNumber), zap.Error(err))
			continue
		}
		if confirmed {
			if err := s.markConfirmed(ctx, batch, externalRef); err != nil {
				return err
			}
			continue
		}
		if err := s.markFailed(ctx, batch, errors.New("batch not found by anchor")); err != nil {
			logger.Warn("settlement reconciliation marked batch failed",
				zap.Int64("batch_number", batch.BatchNumber), zap.Error(err))
		}
	}
	return nil
}

func (s *SettlementService) fetchBatch(ctx context.Context, batchID string) (*models.SettlementBatch, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+batchColumns+`
		FROM settlement_batches
		WHERE id = $1`, batchID)
	batch, err := scanBatch(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", models.ErrBatchNotFound, batchID)
	}
	return batch, err
}

func (s *SettlementService) fetchBatches(ctx context.Context, limit int) ([]*models.SettlementBatch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+batchColumns+`
		FROM settlement_batches
		ORDER BY batch_number DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	batches := []*models.SettlementBatch{}
	for rows.Next() {
		batch, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, batch)
	}
	return batches, rows.Err()
}

func scanBatch(row rowScanner) (*models.SettlementBatch, error) {
	var batch models.SettlementBatch
	var submittedAt, confirmedAt sql.NullTime

	err := row.Scan(
		&batch.ID, &batch.BatchNumber, &batch.PeriodStart, &batch.PeriodEnd,
		&batch.EntryCount, &batch.TotalVolume, &batch.NetAmount, &batch.Status,
		&batch.ContentHash, &batch.ExternalRef, &batch.RetryCount, &batch.LastError,
		&submittedAt, &confirmedAt, &batch.CreatedAt, &batch.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if submittedAt.Valid {
		batch.SubmittedAt = &submittedAt.Time
	}
	if confirmedAt.Valid {
		batch.ConfirmedAt = &confirmedAt.Time
	}
	return &batch, nil
}

// entryContentHash covers the fields that make an entry what it is; any
// change to one of them changes the batch hash.
func entryContentHash(id, debitAccountID, creditAccountID string, amount decimal.Decimal, entryType models.EntryType) string {
	h := sha256.Sum256([]byte(id + "|" + debitAccountID + "|" + creditAccountID + "|" + amount.String() + "|" + string(entryType)))
	return hex.EncodeToString(h[:])
}

// batchContentHash is a hash of the sorted per-entry hashes: independent of
// selection order, sensitive to any single entry's content.
func batchContentHash(entryHashes []string) string {
	sorted := make([]string, len(entryHashes))
	copy(sorted, entryHashes)
	sort.Strings(sorted)

	h := sha256.New()
	for _, eh := range sorted {
		h.Write([]byte(eh))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// HTTP handlers

// GetBatch returns one settlement batch header
// @Summary Get settlement batch
// @Description Batch header fields only; entry-level detail is never exposed externally
// @Tags settlements
// @Produce json
// @Param batchId path string true "Batch ID"
// @Success 200 {object} models.SettlementBatch
// @Failure 404 {object} ErrorResponse
// @Router /settlements/{batchId} [get]
func (s *SettlementService) GetBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchId")

	batch, err := s.fetchBatch(r.Context(), batchID)
	if err != nil {
		SendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(batch)
}

// ListBatches returns recent settlement batch headers
// @Summary List settlement batches
// @Tags settlements
// @Produce json
// @Param limit query int false "Number of batches to return (default: 20, max: 100)"
// @Success 200 {object} object{batches=[]models.SettlementBatch,count=int}
// @Router /settlements [get]
func (s *SettlementService) ListBatches(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	batches, err := s.fetchBatches(r.Context(), limit)
	if err != nil {
		SendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"batches": batches,
		"count":   len(batches),
	})
}
