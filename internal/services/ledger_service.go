package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/craftmarket/ledger/internal/audit"
	"github.com/craftmarket/ledger/internal/middleware"
	"github.com/craftmarket/ledger/internal/models"
	"github.com/craftmarket/ledger/pkg/logger"
)

const entryColumns = `id, debit_account_id, credit_account_id, amount, currency, entry_type, status,
	       reference_type, reference_id, COALESCE(idempotency_key, ''),
	       debit_balance_after, credit_balance_after, settlement_batch_id,
	       COALESCE(failure_reason, ''), created_at, completed_at`

// LedgerService is the double-entry write path. Every money movement in the
// system - transfers, fees, refunds, dividends, advance disbursements and
// repayments - goes through Record, so the balance invariants are enforced
// in exactly one place.
type LedgerService struct {
	db        *sql.DB
	redis     *redis.Client
	audit     *audit.Logger
	validator *ValidationHelper

	// inflowHook runs after a qualifying credit commits. Repayment
	// application is internal only: advances hook in here instead of
	// exposing a route.
	inflowHook func(ctx context.Context, accountID string, gross decimal.Decimal)
}

// EntryParams describes one movement between two accounts.
type EntryParams struct {
	DebitAccountID  string
	CreditAccountID string
	Amount          decimal.Decimal
	Currency        string
	Type            models.EntryType
	IdempotencyKey  string
	Reference       *models.Reference
}

func NewLedgerService(db *sql.DB, rdb *redis.Client, auditLogger *audit.Logger) *LedgerService {
	return &LedgerService{
		db:        db,
		redis:     rdb,
		audit:     auditLogger,
		validator: NewValidationHelper(),
	}
}

// Record validates and posts one entry atomically: both cached balances flip
// and the COMPLETED entry row is written in a single database transaction,
// or nothing changes at all. A repeated idempotency key returns the entry
// created by the first call.
func (s *LedgerService) Record(ctx context.Context, p EntryParams, actor audit.Actor) (*models.Entry, error) {
	if err := s.validateParams(p); err != nil {
		return nil, err
	}

	if p.IdempotencyKey != "" {
		if existing, err := s.findByIdempotencyKey(ctx, p.IdempotencyKey); err == nil && existing != nil {
			return existing, nil
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	entry, err := s.recordEntryTx(tx, p, actor)
	if err != nil {
		if isUniqueViolation(err) && p.IdempotencyKey != "" {
			// Lost a race against a concurrent retry with the same key.
			tx.Rollback()
			if existing, ferr := s.findByIdempotencyKey(ctx, p.IdempotencyKey); ferr == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.cacheIdempotencyKey(ctx, p.IdempotencyKey, entry.ID)

	if s.inflowHook != nil && qualifiesAsInflow(p) {
		s.inflowHook(ctx, p.CreditAccountID, p.Amount)
	}
	return entry, nil
}

// SetInflowHook registers the callback invoked after each qualifying inflow
// entry commits. Must be called before the service starts handling requests.
func (s *LedgerService) SetInflowHook(hook func(ctx context.Context, accountID string, gross decimal.Decimal)) {
	s.inflowHook = hook
}

// qualifiesAsInflow reports whether an entry counts as new money arriving at
// the credit account. Advance disbursements and repayment deductions do not
// qualify, or disbursing an advance would immediately repay part of it.
func qualifiesAsInflow(p EntryParams) bool {
	switch p.Type {
	case models.EntryDeposit, models.EntryTransfer, models.EntryPurchase:
	default:
		return false
	}
	if p.Reference != nil {
		switch p.Reference.Type {
		case "advance", "advance_repayment", "reversal":
			return false
		}
	}
	return true
}

// recordEntryTx posts one entry inside the caller's transaction. Both
// accounts are locked in consistent id order so two concurrent entries
// touching the same pair cannot deadlock or double-spend a stale balance.
func (s *LedgerService) recordEntryTx(tx *sql.Tx, p EntryParams, actor audit.Actor) (*models.Entry, error) {
	firstLock, secondLock := p.DebitAccountID, p.CreditAccountID
	if firstLock > secondLock {
		firstLock, secondLock = secondLock, firstLock
	}

	debit, err := lockAccount(tx, firstLock)
	if err != nil {
		return nil, err
	}
	credit, err := lockAccount(tx, secondLock)
	if err != nil {
		return nil, err
	}
	if firstLock != p.DebitAccountID {
		debit, credit = credit, debit
	}

	if debit.Status != models.AccountActive || credit.Status != models.AccountActive {
		return nil, models.ErrAccountNotActive
	}
	if p.Currency != debit.Currency || p.Currency != credit.Currency {
		return nil, fmt.Errorf("%w: currency %s does not match account currency", models.ErrValidation, p.Currency)
	}
	if debit.Kind.RequiresFunds() && debit.AvailableBalance().LessThan(p.Amount) {
		return nil, models.ErrInsufficientFunds
	}

	newDebitBalance := debit.Balance.Sub(p.Amount)
	newCreditBalance := credit.Balance.Add(p.Amount)
	now := time.Now()

	entry := &models.Entry{
		ID:                 uuid.NewString(),
		DebitAccountID:     debit.ID,
		CreditAccountID:    credit.ID,
		Amount:             p.Amount,
		Currency:           p.Currency,
		Type:               p.Type,
		Status:             models.EntryCompleted,
		Reference:          p.Reference,
		IdempotencyKey:     p.IdempotencyKey,
		DebitBalanceAfter:  newDebitBalance,
		CreditBalanceAfter: newCreditBalance,
		CreatedAt:          now,
		CompletedAt:        &now,
	}

	var refType, refID, idemKey interface{}
	if p.Reference != nil {
		refType, refID = p.Reference.Type, p.Reference.ID
	}
	if p.IdempotencyKey != "" {
		idemKey = p.IdempotencyKey
	}

	_, err = tx.Exec(`
		INSERT INTO ledger_entries
		(id, debit_account_id, credit_account_id, amount, currency, entry_type, status, reference_type, reference_id, idempotency_key, debit_balance_after, credit_balance_after, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		entry.ID, entry.DebitAccountID, entry.CreditAccountID, entry.Amount, entry.Currency,
		entry.Type, entry.Status, refType, refID, idemKey,
		entry.DebitBalanceAfter, entry.CreditBalanceAfter, entry.CreatedAt, entry.CompletedAt)
	if err != nil {
		return nil, err
	}

	if err := s.updateAccountBalance(tx, debit.ID, newDebitBalance, debit.Version); err != nil {
		return nil, err
	}
	if err := s.updateAccountBalance(tx, credit.ID, newCreditBalance, credit.Version); err != nil {
		return nil, err
	}

	// Investment credits grow the pool's raised total. The row lock is
	// already held, so no version check is needed here.
	if p.Type == models.EntryInvestment && credit.Kind == models.KindInvestmentPool {
		_, err = tx.Exec(`
			UPDATE accounts SET amount_raised = COALESCE(amount_raised, 0) + $1 WHERE id = $2`,
			p.Amount, credit.ID)
		if err != nil {
			return nil, err
		}
	}

	if err := s.audit.RecordTx(tx, audit.Event{
		EventType:    "LEDGER_ENTRY",
		Actor:        actor,
		ResourceType: "entry",
		ResourceID:   entry.ID,
		Action:       string(p.Type),
		Amount:       decimal.NullDecimal{Decimal: p.Amount, Valid: true},
		Currency:     p.Currency,
		Details: map[string]string{
			"debit_account":  debit.ID,
			"credit_account": credit.ID,
		},
	}); err != nil {
		return nil, err
	}

	return entry, nil
}

// Reverse creates a new completed entry with the accounts swapped and flags
// the original REVERSED. The original record is never edited beyond that
// single status flip.
func (s *LedgerService) Reverse(ctx context.Context, entryID string, actor audit.Actor) (*models.Entry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	orig, err := s.lockEntry(tx, entryID)
	if err != nil {
		return nil, err
	}
	if orig.Status != models.EntryCompleted {
		return nil, fmt.Errorf("%w: entry %s is %s", models.ErrEntryNotReversible, orig.ID, orig.Status)
	}

	reversal, err := s.recordEntryTx(tx, EntryParams{
		DebitAccountID:  orig.CreditAccountID,
		CreditAccountID: orig.DebitAccountID,
		Amount:          orig.Amount,
		Currency:        orig.Currency,
		Type:            models.EntryAdjustment,
		Reference:       &models.Reference{Type: "reversal", ID: orig.ID},
	}, actor)
	if err != nil {
		return nil, err
	}

	result, err := tx.Exec(`
		UPDATE ledger_entries SET status = $1 WHERE id = $2 AND status = $3`,
		models.EntryReversed, orig.ID, models.EntryCompleted)
	if err != nil {
		return nil, err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, models.ErrEntryNotReversible
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return reversal, nil
}

// Distribute pays dividends out of an investment pool, one entry per
// investor, proportional to each investor's completed investment entries.
// The whole distribution is one transaction: it succeeds completely or not
// at all.
func (s *LedgerService) Distribute(ctx context.Context, poolAccountID string, total decimal.Decimal, actor audit.Actor) ([]*models.Entry, error) {
	if !total.IsPositive() {
		return nil, fmt.Errorf("%w: distribution total must be positive", models.ErrValidation)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	pool, err := lockAccount(tx, poolAccountID)
	if err != nil {
		return nil, err
	}
	if pool.Kind != models.KindInvestmentPool {
		return nil, fmt.Errorf("%w: account %s is not an investment pool", models.ErrValidation, poolAccountID)
	}
	if pool.Status != models.AccountActive {
		return nil, models.ErrAccountNotActive
	}

	type stake struct {
		accountID string
		invested  decimal.Decimal
	}
	rows, err := tx.Query(`
		SELECT debit_account_id, SUM(amount) AS invested
		FROM ledger_entries
		WHERE credit_account_id = $1 AND entry_type = $2 AND status = $3
		GROUP BY debit_account_id
		ORDER BY invested DESC, debit_account_id ASC`,
		poolAccountID, models.EntryInvestment, models.EntryCompleted)
	if err != nil {
		return nil, err
	}

	var stakes []stake
	investedTotal := decimal.Zero
	for rows.Next() {
		var st stake
		if err := rows.Scan(&st.accountID, &st.invested); err != nil {
			rows.Close()
			return nil, err
		}
		stakes = append(stakes, st)
		investedTotal = investedTotal.Add(st.invested)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(stakes) == 0 || !investedTotal.IsPositive() {
		return nil, fmt.Errorf("%w: pool %s has no recorded investment", models.ErrValidation, poolAccountID)
	}

	// Truncate each share to cents; rounding dust goes to the largest
	// investor so the credited sum equals the requested total exactly.
	shares := make([]decimal.Decimal, len(stakes))
	allocated := decimal.Zero
	for i, st := range stakes {
		shares[i] = total.Mul(st.invested).Div(investedTotal).RoundDown(2)
		allocated = allocated.Add(shares[i])
	}
	shares[0] = shares[0].Add(total.Sub(allocated))

	entries := make([]*models.Entry, 0, len(stakes))
	for i, st := range stakes {
		if !shares[i].IsPositive() {
			continue
		}
		entry, err := s.recordEntryTx(tx, EntryParams{
			DebitAccountID:  poolAccountID,
			CreditAccountID: st.accountID,
			Amount:          shares[i],
			Currency:        pool.Currency,
			Type:            models.EntryDividend,
			Reference:       &models.Reference{Type: "dividend_distribution", ID: poolAccountID},
		}, actor)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	logger.Info("dividends distributed",
		zap.String("pool_account", poolAccountID),
		zap.String("total", total.String()),
		zap.Int("investors", len(entries)))
	return entries, nil
}

func (s *LedgerService) validateParams(p EntryParams) error {
	if p.DebitAccountID == "" || p.CreditAccountID == "" {
		return fmt.Errorf("%w: both account ids are required", models.ErrValidation)
	}
	if p.DebitAccountID == p.CreditAccountID {
		return models.ErrInvalidAccountPair
	}
	if !p.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", models.ErrValidation)
	}
	if !p.Amount.Equal(p.Amount.Round(2)) {
		return fmt.Errorf("%w: amount precision exceeds 2 decimal places", models.ErrValidation)
	}
	if len(p.Currency) != 3 {
		return fmt.Errorf("%w: currency must be a 3-letter code", models.ErrValidation)
	}
	if !p.Type.Valid() {
		return fmt.Errorf("%w: unknown entry type %q", models.ErrValidation, p.Type)
	}
	return nil
}

func (s *LedgerService) updateAccountBalance(tx *sql.Tx, accountID string, newBalance decimal.Decimal, version int) error {
	result, err := tx.Exec(`
		UPDATE accounts
		SET balance = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4`,
		newBalance, time.Now(), accountID, version)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("optimistic lock failed for account %s", accountID)
	}
	return nil
}

func (s *LedgerService) lockEntry(tx *sql.Tx, entryID string) (*models.Entry, error) {
	row := tx.QueryRow(`
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE id = $1
		FOR UPDATE`, entryID)
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", models.ErrEntryNotFound, entryID)
	}
	return entry, err
}

func (s *LedgerService) fetchEntry(ctx context.Context, entryID string) (*models.Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE id = $1`, entryID)
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", models.ErrEntryNotFound, entryID)
	}
	return entry, err
}

func (s *LedgerService) findByIdempotencyKey(ctx context.Context, key string) (*models.Entry, error) {
	if s.redis != nil {
		if entryID, err := s.redis.Get(ctx, "idem:"+key).Result(); err == nil && entryID != "" {
			return s.fetchEntry(ctx, entryID)
		}
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE idempotency_key = $1`, key)
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return entry, err
}

func (s *LedgerService) cacheIdempotencyKey(ctx context.Context, key, entryID string) {
	if key == "" || s.redis == nil {
		return
	}
	if err := s.redis.Set(ctx, "idem:"+key, entryID, 24*time.Hour).Err(); err != nil {
		logger.Warn("failed to cache idempotency key", zap.Error(err))
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*models.Entry, error) {
	var entry models.Entry
	var refType, refID, batchID sql.NullString
	var completedAt sql.NullTime

	err := row.Scan(
		&entry.ID, &entry.DebitAccountID, &entry.CreditAccountID, &entry.Amount,
		&entry.Currency, &entry.Type, &entry.Status, &refType, &refID,
		&entry.IdempotencyKey, &entry.DebitBalanceAfter, &entry.CreditBalanceAfter,
		&batchID, &entry.FailureReason, &entry.CreatedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	if refType.Valid {
		entry.Reference = &models.Reference{Type: refType.String, ID: refID.String}
	}
	if batchID.Valid {
		entry.SettlementBatchID = &batchID.String
	}
	if completedAt.Valid {
		entry.CompletedAt = &completedAt.Time
	}
	return &entry, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// HTTP handlers

// CreateEntry records a transfer/purchase/refund/fee entry
// @Summary Record a ledger entry
// @Description Post a double-entry movement between two accounts
// @Tags entries
// @Accept json
// @Produce json
// @Param entry body object{debitAccountId=string,creditAccountId=string,amount=string,currency=string,type=string,idempotencyKey=string} true "Entry data"
// @Success 201 {object} models.Entry
// @Failure 400 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Router /entries [post]
func (s *LedgerService) CreateEntry(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DebitAccountID  string            `json:"debitAccountId" validate:"required"`
		CreditAccountID string            `json:"creditAccountId" validate:"required"`
		Amount          string            `json:"amount" validate:"required"`
		Currency        string            `json:"currency" validate:"required,len=3"`
		Type            string            `json:"type" validate:"required"`
		IdempotencyKey  string            `json:"idempotencyKey,omitempty"`
		Reference       *models.Reference `json:"reference,omitempty"`
	}

	if !decodeJSONBody(w, r, &req) {
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		SendErrorResponse(w, "Invalid amount", http.StatusBadRequest, nil)
		return
	}

	entry, err := s.Record(r.Context(), EntryParams{
		DebitAccountID:  req.DebitAccountID,
		CreditAccountID: req.CreditAccountID,
		Amount:          amount,
		Currency:        req.Currency,
		Type:            models.EntryType(req.Type),
		IdempotencyKey:  req.IdempotencyKey,
		Reference:       req.Reference,
	}, actorFromRequest(r))
	if err != nil {
		SendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(entry)
}

// ReverseEntry reverses a completed entry
// @Summary Reverse a ledger entry
// @Description Create an opposite entry and flag the original REVERSED
// @Tags entries
// @Produce json
// @Param entryId path string true "Entry ID"
// @Success 201 {object} models.Entry
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /entries/{entryId}/reverse [post]
func (s *LedgerService) ReverseEntry(w http.ResponseWriter, r *http.Request) {
	entryID := chi.URLParam(r, "entryId")

	reversal, err := s.Reverse(r.Context(), entryID, actorFromRequest(r))
	if err != nil {
		SendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(reversal)
}

// GetEntry retrieves a specific entry
// @Summary Get entry by ID
// @Tags entries
// @Produce json
// @Param entryId path string true "Entry ID"
// @Success 200 {object} models.Entry
// @Failure 404 {object} ErrorResponse
// @Router /entries/{entryId} [get]
func (s *LedgerService) GetEntry(w http.ResponseWriter, r *http.Request) {
	entryID := chi.URLParam(r, "entryId")

	entry, err := s.fetchEntry(r.Context(), entryID)
	if err != nil {
		SendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entry)
}

// DistributeDividends pays out a pool's dividends to its investors
// @Summary Distribute dividends
// @Description Pay a total amount out of an investment pool, proportional to recorded investment
// @Tags pools
// @Accept json
// @Produce json
// @Param accountId path string true "Pool account ID"
// @Param distribution body object{total=string} true "Distribution data"
// @Success 200 {object} object{entries=[]models.Entry,count=int}
// @Failure 400 {object} ErrorResponse
// @Router /pools/{accountId}/dividends [post]
func (s *LedgerService) DistributeDividends(w http.ResponseWriter, r *http.Request) {
	poolAccountID := chi.URLParam(r, "accountId")

	var req struct {
		Total string `json:"total" validate:"required"`
	}
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	total, err := decimal.NewFromString(req.Total)
	if err != nil {
		SendErrorResponse(w, "Invalid total", http.StatusBadRequest, nil)
		return
	}

	entries, err := s.Distribute(r.Context(), poolAccountID, total, actorFromRequest(r))
	if err != nil {
		SendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

// decodeJSONBody applies the shared request decoding rules: 1 MB cap, no
// unknown fields, single JSON object. Returns false if a response was
// already written.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}
	return true
}

func actorFromRequest(r *http.Request) audit.Actor {
	return middleware.ActorFromContext(r.Context())
}
