package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/craftmarket/ledger/internal/audit"
	"github.com/craftmarket/ledger/internal/models"
	"github.com/craftmarket/ledger/pkg/logger"
)

// AccountService owns account lifecycle and the cached balance fields.
type AccountService struct {
	db        *sql.DB
	audit     *audit.Logger
	validator *ValidationHelper
}

func NewAccountService(db *sql.DB, auditLogger *audit.Logger) *AccountService {
	return &AccountService{
		db:        db,
		audit:     auditLogger,
		validator: NewValidationHelper(),
	}
}

// CreateAccountParams describes a new account. A nil Owner means a
// system-level account.
type CreateAccountParams struct {
	Kind     models.AccountKind
	Owner    *models.OwnerRef
	Currency string

	// Pool-only fields, rejected for any other kind.
	InvestmentTarget   decimal.NullDecimal
	ExpectedReturnRate decimal.NullDecimal
}

// Create opens a new account. Uniqueness is enforced in the schema: one
// account per (owner, kind), and for system accounts one per (kind, currency).
// A second create returns ErrDuplicateAccount.
func (s *AccountService) Create(ctx context.Context, p CreateAccountParams, actor audit.Actor) (*models.Account, error) {
	if !p.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown account kind %q", models.ErrValidation, p.Kind)
	}
	if p.Owner != nil && !p.Owner.Valid() {
		return nil, fmt.Errorf("%w: invalid owner reference", models.ErrValidation)
	}
	if len(p.Currency) != 3 {
		return nil, fmt.Errorf("%w: currency must be a 3-letter code", models.ErrValidation)
	}
	if p.Kind != models.KindInvestmentPool && (p.InvestmentTarget.Valid || p.ExpectedReturnRate.Valid) {
		return nil, fmt.Errorf("%w: pool fields are only valid for investment pools", models.ErrValidation)
	}

	now := time.Now()
	account := &models.Account{
		ID:                 uuid.NewString(),
		Kind:               p.Kind,
		Owner:              p.Owner,
		Currency:           p.Currency,
		Balance:            decimal.Zero,
		PendingBalance:     decimal.Zero,
		Status:             models.AccountActive,
		InvestmentTarget:   p.InvestmentTarget,
		ExpectedReturnRate: p.ExpectedReturnRate,
		Version:            1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if p.Kind == models.KindInvestmentPool {
		account.AmountRaised = decimal.NullDecimal{Decimal: decimal.Zero, Valid: true}
	}

	var ownerKind, ownerID interface{}
	if p.Owner != nil {
		ownerKind, ownerID = p.Owner.Kind, p.Owner.ID
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	err = tx.QueryRow(`
		INSERT INTO accounts
		(id, account_number, kind, owner_kind, owner_id, currency, balance, pending_balance, status, investment_target, amount_raised, expected_return_rate, version, created_at, updated_at)
		VALUES ($1, lpad(nextval('account_number_seq')::text, 10, '0'), $2, $3, $4, $5, 0, 0, $6, $7, $8, $9, 1, $10, $10)
		RETURNING account_number`,
		account.ID, account.Kind, ownerKind, ownerID, account.Currency, account.Status,
		account.InvestmentTarget, account.AmountRaised, account.ExpectedReturnRate, now,
	).Scan(&account.AccountNumber)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, models.ErrDuplicateAccount
		}
		return nil, err
	}

	if err := s.audit.RecordTx(tx, audit.Event{
		EventType:    "ACCOUNT",
		Actor:        actor,
		ResourceType: "account",
		ResourceID:   account.ID,
		Action:       "CREATE",
		Currency:     account.Currency,
		Details:      map[string]string{"kind": string(account.Kind)},
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	logger.Info("account created",
		zap.String("account_id", account.ID),
		zap.String("kind", string(account.Kind)))
	return account, nil
}

// Freeze stops an account from accepting entries on either side.
func (s *AccountService) Freeze(ctx context.Context, accountID string, actor audit.Actor) error {
	return s.setStatus(ctx, accountID, actor, "FREEZE", models.AccountFrozen,
		models.AccountActive, models.AccountPendingVerification)
}

// Unfreeze returns a frozen account to active.
func (s *AccountService) Unfreeze(ctx context.Context, accountID string, actor audit.Actor) error {
	return s.setStatus(ctx, accountID, actor, "UNFREEZE", models.AccountActive,
		models.AccountFrozen)
}

// Close soft-closes an account. The row is never deleted; history stays. An
// account with a non-zero available balance cannot be closed.
func (s *AccountService) Close(ctx context.Context, accountID string, actor audit.Actor) error {
	return s.setStatus(ctx, accountID, actor, "CLOSE", models.AccountClosed,
		models.AccountActive, models.AccountFrozen)
}

// setStatus is the shared point mutation behind freeze/unfreeze/close. It
// takes the same row lock as entry writes, so a status change cannot race an
// in-flight entry.
func (s *AccountService) setStatus(ctx context.Context, accountID string, actor audit.Actor, action string, to models.AccountStatus, from ...models.AccountStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	account, err := lockAccount(tx, accountID)
	if err != nil {
		return err
	}

	allowed := false
	for _, f := range from {
		if account.Status == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: cannot %s account in status %s", models.ErrValidation, action, account.Status)
	}

	if to == models.AccountClosed && !account.AvailableBalance().IsZero() {
		return models.ErrNonZeroBalance
	}

	var closedAt interface{}
	if to == models.AccountClosed {
		closedAt = time.Now()
	}
	result, err := tx.Exec(`
		UPDATE accounts
		SET status = $1, closed_at = COALESCE($2, closed_at), version = version + 1, updated_at = $3
		WHERE id = $4 AND version = $5`,
		to, closedAt, time.Now(), accountID, account.Version)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("optimistic lock failed for account %s", accountID)
	}

	if err := s.audit.RecordTx(tx, audit.Event{
		EventType:    "ACCOUNT",
		Actor:        actor,
		ResourceType: "account",
		ResourceID:   accountID,
		Action:       action,
	}); err != nil {
		return err
	}

	return tx.Commit()
}

// AvailableBalance is always computed as balance minus pending; the stored
// fields are a cache, never trusted without recomputation during
// reconciliation.
func (s *AccountService) AvailableBalance(ctx context.Context, accountID string) (*models.Account, error) {
	var account models.Account
	err := s.db.QueryRowContext(ctx, `
		SELECT id, account_number, kind, currency, balance, pending_balance, status
		FROM accounts
		WHERE id = $1`, accountID).Scan(
		&account.ID, &account.AccountNumber, &account.Kind, &account.Currency,
		&account.Balance, &account.PendingBalance, &account.Status)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", models.ErrAccountNotFound, accountID)
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// BalanceDrift reports one account whose cached balance disagrees with the
// sum over its completed entries.
type BalanceDrift struct {
	AccountID string          `json:"account_id"`
	Cached    decimal.Decimal `json:"cached"`
	Computed  decimal.Decimal `json:"computed"`
}

// Reconcile recomputes every account's balance from completed entries
// (credits in, debits out) and reports any drift from the cached field. The
// entry table is the source of truth.
func (s *AccountService) Reconcile(ctx context.Context) ([]BalanceDrift, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.balance,
		       COALESCE((SELECT SUM(e.amount) FROM ledger_entries e WHERE e.credit_account_id = a.id AND e.status = 'COMPLETED'), 0)
		     - COALESCE((SELECT SUM(e.amount) FROM ledger_entries e WHERE e.debit_account_id = a.id AND e.status = 'COMPLETED'), 0) AS computed
		FROM accounts a`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var drifts []BalanceDrift
	for rows.Next() {
		var d BalanceDrift
		if err := rows.Scan(&d.AccountID, &d.Cached, &d.Computed); err != nil {
			return nil, err
		}
		if !d.Cached.Equal(d.Computed) {
			logger.Warn("balance drift detected",
				zap.String("account_id", d.AccountID),
				zap.String("cached", d.Cached.String()),
				zap.String("computed", d.Computed.String()))
			drifts = append(drifts, d)
		}
	}
	return drifts, rows.Err()
}

// lockAccount takes the exclusive row lock shared by entry writes and
// account status changes.
func lockAccount(tx *sql.Tx, accountID string) (*models.Account, error) {
	var account models.Account
	err := tx.QueryRow(`
		SELECT id, kind, currency, balance, pending_balance, status, version
		FROM accounts
		WHERE id = $1
		FOR UPDATE`, accountID).Scan(
		&account.ID, &account.Kind, &account.Currency, &account.Balance,
		&account.PendingBalance, &account.Status, &account.Version)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", models.ErrAccountNotFound, accountID)
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// HTTP handlers

// CreateAccount opens a new account
// @Summary Create an account
// @Tags accounts
// @Accept json
// @Produce json
// @Param account body object{kind=string,owner=object{kind=string,id=string},currency=string} true "Account data"
// @Success 201 {object} models.Account
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /accounts [post]
func (s *AccountService) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind               string           `json:"kind" validate:"required"`
		Owner              *models.OwnerRef `json:"owner,omitempty"`
		Currency           string           `json:"currency" validate:"required,len=3"`
		InvestmentTarget   string           `json:"investmentTarget,omitempty"`
		ExpectedReturnRate string           `json:"expectedReturnRate,omitempty"`
	}
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	params := CreateAccountParams{
		Kind:     models.AccountKind(req.Kind),
		Owner:    req.Owner,
		Currency: req.Currency,
	}
	if req.InvestmentTarget != "" {
		target, err := decimal.NewFromString(req.InvestmentTarget)
		if err != nil {
			SendErrorResponse(w, "Invalid investment target", http.StatusBadRequest, nil)
			return
		}
		params.InvestmentTarget = decimal.NullDecimal{Decimal: target, Valid: true}
	}
	if req.ExpectedReturnRate != "" {
		rate, err := decimal.NewFromString(req.ExpectedReturnRate)
		if err != nil {
			SendErrorResponse(w, "Invalid expected return rate", http.StatusBadRequest, nil)
			return
		}
		params.ExpectedReturnRate = decimal.NullDecimal{Decimal: rate, Valid: true}
	}

	account, err := s.Create(r.Context(), params, actorFromRequest(r))
	if err != nil {
		SendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(account)
}

// FreezeAccount freezes an account
// @Summary Freeze an account
// @Tags accounts
// @Produce json
// @Param accountId path string true "Account ID"
// @Success 200 {object} map[string]string
// @Failure 404 {object} ErrorResponse
// @Router /accounts/{accountId}/freeze [put]
func (s *AccountService) FreezeAccount(w http.ResponseWriter, r *http.Request) {
	s.statusHandler(w, r, s.Freeze, "FROZEN")
}

// UnfreezeAccount reactivates a frozen account
// @Summary Unfreeze an account
// @Tags accounts
// @Produce json
// @Param accountId path string true "Account ID"
// @Success 200 {object} map[string]string
// @Failure 404 {object} ErrorResponse
// @Router /accounts/{accountId}/unfreeze [put]
func (s *AccountService) UnfreezeAccount(w http.ResponseWriter, r *http.Request) {
	s.statusHandler(w, r, s.Unfreeze, "ACTIVE")
}

// CloseAccount soft-closes an account with zero available balance
// @Summary Close an account
// @Tags accounts
// @Produce json
// @Param accountId path string true "Account ID"
// @Success 200 {object} map[string]string
// @Failure 409 {object} ErrorResponse
// @Router /accounts/{accountId}/close [put]
func (s *AccountService) CloseAccount(w http.ResponseWriter, r *http.Request) {
	s.statusHandler(w, r, s.Close, "CLOSED")
}

func (s *AccountService) statusHandler(w http.ResponseWriter, r *http.Request, op func(context.Context, string, audit.Actor) error, resulting string) {
	accountID := chi.URLParam(r, "accountId")

	if err := op(r.Context(), accountID, actorFromRequest(r)); err != nil {
		SendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"accountId": accountID,
		"status":    resulting,
	})
}

// GetBalance returns an account's balances
// @Summary Get account balance
// @Tags accounts
// @Produce json
// @Param accountId path string true "Account ID"
// @Success 200 {object} object{accountId=string,balance=string,pendingBalance=string,availableBalance=string,status=string}
// @Failure 404 {object} ErrorResponse
// @Router /accounts/{accountId}/balance [get]
func (s *AccountService) GetBalance(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountId")

	account, err := s.AvailableBalance(r.Context(), accountID)
	if err != nil {
		SendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"accountId":        account.ID,
		"accountNumber":    account.AccountNumber,
		"balance":          account.Balance,
		"pendingBalance":   account.PendingBalance,
		"availableBalance": account.AvailableBalance(),
		"status":           account.Status,
	})
}

// ReconcileBalances compares cached balances against entry sums
// @Summary Reconcile cached balances
// @Description Recompute every account's balance from its entries and report drift
// @Tags accounts
// @Produce json
// @Success 200 {object} object{drifts=[]BalanceDrift,count=int}
// @Router /accounts/reconcile [post]
func (s *AccountService) ReconcileBalances(w http.ResponseWriter, r *http.Request) {
	drifts, err := s.Reconcile(r.Context())
	if err != nil {
		SendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"drifts": drifts,
		"count":  len(drifts),
	})
}
