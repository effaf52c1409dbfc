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
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/craftmarket/ledger/internal/audit"
	"github.com/craftmarket/ledger/internal/models"
	"github.com/craftmarket/ledger/pkg/logger"
)

const advanceColumns = `id, account_id, principal, total_fee, outstanding, total_repaid, fee_repaid,
	       fee_model, flat_fee, weekly_rate, factor_rate, fee_cap,
	       repayment_method, repayment_rate, amortization, term_days,
	       inflow_volume_90d, account_age_days, prior_advances, eligibility_captured_at,
	       status, started_at, expected_end_at, ended_at, version, created_at, updated_at`

// AdvanceService manages cash advances against future inflows. Money only
// moves through the ledger: disbursement and every repayment deduction are
// posted via the shared entry path inside the same transaction that mutates
// the advance.
type AdvanceService struct {
	db        *sql.DB
	ledger    *LedgerService
	audit     *audit.Logger
	validator *ValidationHelper

	reserveAccountID string
	graceDays        int
}

func NewAdvanceService(db *sql.DB, ledger *LedgerService, auditLogger *audit.Logger) *AdvanceService {
	viper.SetDefault("ledger.advance.grace_days", 14)

	return &AdvanceService{
		db:               db,
		ledger:           ledger,
		audit:            auditLogger,
		validator:        NewValidationHelper(),
		reserveAccountID: viper.GetString("ledger.reserve_account"),
		graceDays:        viper.GetInt("ledger.advance.grace_days"),
	}
}

// AdvanceParams describes a requested advance.
type AdvanceParams struct {
	AccountID       string
	Principal       decimal.Decimal
	FeeModel        models.FeeModel
	FlatFee         decimal.NullDecimal
	WeeklyRate      decimal.NullDecimal
	FactorRate      decimal.NullDecimal
	FeeCap          decimal.NullDecimal
	RepaymentMethod models.RepaymentMethod
	RepaymentRate   decimal.Decimal
	Amortization    models.AmortizationOrder
	TermDays        int
}

// Request computes the total fee up front, snapshots the eligibility inputs
// and creates the advance in PENDING_APPROVAL. No money moves here.
func (s *AdvanceService) Request(ctx context.Context, p AdvanceParams, actor audit.Actor) (*models.Advance, error) {
	if err := s.validateParams(p); err != nil {
		return nil, err
	}

	fee, err := computeTotalFee(p)
	if err != nil {
		return nil, err
	}

	snapshot, err := s.captureEligibility(ctx, p.AccountID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	adv := &models.Advance{
		ID:              uuid.NewString(),
		AccountID:       p.AccountID,
		Principal:       p.Principal,
		TotalFee:        fee,
		Outstanding:     p.Principal.Add(fee),
		TotalRepaid:     decimal.Zero,
		FeeRepaid:       decimal.Zero,
		FeeModel:        p.FeeModel,
		FlatFee:         p.FlatFee,
		WeeklyRate:      p.WeeklyRate,
		FactorRate:      p.FactorRate,
		FeeCap:          p.FeeCap,
		RepaymentMethod: p.RepaymentMethod,
		RepaymentRate:   p.RepaymentRate,
		Amortization:    p.Amortization,
		TermDays:        p.TermDays,
		Eligibility:     *snapshot,
		Status:          models.AdvancePendingApproval,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO advances
		(id, account_id, principal, total_fee, outstanding, total_repaid, fee_repaid,
		 fee_model, flat_fee, weekly_rate, factor_rate, fee_cap,
		 repayment_method, repayment_rate, amortization, term_days,
		 inflow_volume_90d, account_age_days, prior_advances, eligibility_captured_at,
		 status, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $23)`,
		adv.ID, adv.AccountID, adv.Principal, adv.TotalFee, adv.Outstanding, adv.TotalRepaid, adv.FeeRepaid,
		adv.FeeModel, adv.FlatFee, adv.WeeklyRate, adv.FactorRate, adv.FeeCap,
		adv.RepaymentMethod, adv.RepaymentRate, adv.Amortization, adv.TermDays,
		snapshot.InflowVolume90d, snapshot.AccountAgeDays, snapshot.PriorAdvances, snapshot.CapturedAt,
		adv.Status, adv.Version, now)
	if err != nil {
		return nil, err
	}

	if err := s.audit.RecordTx(tx, audit.Event{
		EventType:    "ADVANCE",
		Actor:        actor,
		ResourceType: "advance",
		ResourceID:   adv.ID,
		Action:       "REQUESTED",
		Amount:       decimal.NullDecimal{Decimal: adv.Principal, Valid: true},
		Details: map[string]string{
			"fee_model": string(adv.FeeModel),
			"total_fee": adv.TotalFee.String(),
		},
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return adv, nil
}

// Approve moves a pending advance to ACTIVE and disburses the principal from
// the system reserve to the recipient's account, all in one transaction.
func (s *AdvanceService) Approve(ctx context.Context, advanceID string, actor audit.Actor) (*models.Advance, error) {
	if s.reserveAccountID == "" {
		return nil, fmt.Errorf("ledger.reserve_account is not configured")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	adv, err := lockAdvance(tx, advanceID)
	if err != nil {
		return nil, err
	}
	if !adv.Status.CanTransitionTo(models.AdvanceApproved) {
		return nil, fmt.Errorf("%w: %s -> APPROVED", models.ErrInvalidAdvanceTransition, adv.Status)
	}

	// Account locks happen inside recordEntryTx in sorted id order; locking
	// here as well would break that ordering.
	currency, err := accountCurrency(tx, adv.AccountID)
	if err != nil {
		return nil, err
	}

	entry, err := s.ledger.recordEntryTx(tx, EntryParams{
		DebitAccountID:  s.reserveAccountID,
		CreditAccountID: adv.AccountID,
		Amount:          adv.Principal,
		Currency:        currency,
		Type:            models.EntryTransfer,
		Reference:       &models.Reference{Type: "advance", ID: adv.ID},
	}, actor)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	expectedEnd := now.AddDate(0, 0, adv.TermDays)
	adv.Status = models.AdvanceActive
	adv.StartedAt = &now
	adv.ExpectedEndAt = &expectedEnd

	result, err := tx.Exec(`
		UPDATE advances
		SET status = $1, started_at = $2, expected_end_at = $3, version = version + 1, updated_at = $2
		WHERE id = $4 AND version = $5`,
		adv.Status, now, expectedEnd, adv.ID, adv.Version)
	if err != nil {
		return nil, err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("optimistic lock failed for advance %s", adv.ID)
	}
	adv.Version++

	if err := s.audit.RecordTx(tx, audit.Event{
		EventType:    "ADVANCE",
		Actor:        actor,
		ResourceType: "advance",
		ResourceID:   adv.ID,
		Action:       "DISBURSED",
		Amount:       decimal.NullDecimal{Decimal: adv.Principal, Valid: true},
		Currency:     currency,
		Details:      map[string]string{"entry_id": entry.ID},
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	logger.Info("advance disbursed",
		zap.String("advance_id", adv.ID),
		zap.String("account_id", adv.AccountID),
		zap.String("principal", adv.Principal.String()))
	return adv, nil
}

// Cancel rejects a pending advance before any disbursement.
func (s *AdvanceService) Cancel(ctx context.Context, advanceID string, actor audit.Actor) (*models.Advance, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	adv, err := lockAdvance(tx, advanceID)
	if err != nil {
		return nil, err
	}
	if !adv.Status.CanTransitionTo(models.AdvanceCanceled) {
		return nil, fmt.Errorf("%w: %s -> CANCELED", models.ErrInvalidAdvanceTransition, adv.Status)
	}

	now := time.Now()
	result, err := tx.Exec(`
		UPDATE advances
		SET status = $1, ended_at = $2, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4`,
		models.AdvanceCanceled, now, adv.ID, adv.Version)
	if err != nil {
		return nil, err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("optimistic lock failed for advance %s", adv.ID)
	}
	adv.Status = models.AdvanceCanceled
	adv.EndedAt = &now
	adv.Version++

	if err := s.audit.RecordTx(tx, audit.Event{
		EventType:    "ADVANCE",
		Actor:        actor,
		ResourceType: "advance",
		ResourceID:   adv.ID,
		Action:       "CANCELED",
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return adv, nil
}

// ApplyInflow deducts the advance's share of one gross inflow. The deduction
// is capped at the outstanding balance, split per the amortization order and
// posted as a single ledger entry back to the reserve. At exactly zero
// outstanding the advance flips to REPAID in the same transaction.
func (s *AdvanceService) ApplyInflow(ctx context.Context, advanceID string, gross decimal.Decimal, actor audit.Actor) (*models.Repayment, error) {
	if !gross.IsPositive() {
		return nil, fmt.Errorf("%w: inflow amount must be positive", models.ErrValidation)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	adv, err := lockAdvance(tx, advanceID)
	if err != nil {
		return nil, err
	}
	if adv.Status != models.AdvanceActive {
		return nil, fmt.Errorf("%w: advance %s is %s, not ACTIVE", models.ErrInvalidAdvanceTransition, adv.ID, adv.Status)
	}

	deduction := gross.Mul(adv.RepaymentRate).RoundDown(2)
	if deduction.GreaterThan(adv.Outstanding) {
		deduction = adv.Outstanding
	}
	if !deduction.IsPositive() {
		return nil, fmt.Errorf("%w: deduction rounds to zero for inflow %s", models.ErrValidation, gross.String())
	}

	feePortion, principalPortion := splitDeduction(adv, deduction)

	currency, err := accountCurrency(tx, adv.AccountID)
	if err != nil {
		return nil, err
	}

	entry, err := s.ledger.recordEntryTx(tx, EntryParams{
		DebitAccountID:  adv.AccountID,
		CreditAccountID: s.reserveAccountID,
		Amount:          deduction,
		Currency:        currency,
		Type:            models.EntryTransfer,
		Reference:       &models.Reference{Type: "advance_repayment", ID: adv.ID},
	}, actor)
	if err != nil {
		return nil, err
	}

	adv.TotalRepaid = adv.TotalRepaid.Add(deduction)
	adv.FeeRepaid = adv.FeeRepaid.Add(feePortion)
	adv.Outstanding = adv.Principal.Add(adv.TotalFee).Sub(adv.TotalRepaid)

	now := time.Now()
	repayment := &models.Repayment{
		ID:               uuid.NewString(),
		AdvanceID:        adv.ID,
		PrincipalPortion: principalPortion,
		FeePortion:       feePortion,
		Total:            deduction,
		OutstandingAfter: adv.Outstanding,
		EntryID:          entry.ID,
		CreatedAt:        now,
	}
	_, err = tx.Exec(`
		INSERT INTO advance_repayments
		(id, advance_id, principal_portion, fee_portion, total, outstanding_after, entry_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		repayment.ID, repayment.AdvanceID, repayment.PrincipalPortion, repayment.FeePortion,
		repayment.Total, repayment.OutstandingAfter, repayment.EntryID, now)
	if err != nil {
		return nil, err
	}

	status := adv.Status
	var endedAt interface{}
	if adv.Outstanding.IsZero() {
		status = models.AdvanceRepaid
		endedAt = now
	}
	result, err := tx.Exec(`
		UPDATE advances
		SET outstanding = $1, total_repaid = $2, fee_repaid = $3, status = $4,
		    ended_at = COALESCE($5, ended_at), version = version + 1, updated_at = $6
		WHERE id = $7 AND version = $8`,
		adv.Outstanding, adv.TotalRepaid, adv.FeeRepaid, status, endedAt, now, adv.ID, adv.Version)
	if err != nil {
		return nil, err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("optimistic lock failed for advance %s", adv.ID)
	}
	adv.Status = status

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	if adv.Status == models.AdvanceRepaid {
		logger.Info("advance fully repaid", zap.String("advance_id", adv.ID))
	}
	return repayment, nil
}

// HandleInflow is the recorder's post-commit hook. Every qualifying credit
// into an account repays that account's active auto-deduct advances, oldest
// first. Failures are logged, never propagated: the inflow entry is already
// committed and must stand regardless.
func (s *AdvanceService) HandleInflow(ctx context.Context, accountID string, gross decimal.Decimal) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM advances
		WHERE account_id = $1 AND status = $2 AND repayment_method = $3
		ORDER BY created_at ASC`,
		accountID, models.AdvanceActive, models.RepayAutoDeduct)
	if err != nil {
		logger.Warn("inflow hook query failed", zap.String("account_id", accountID), zap.Error(err))
		return
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			logger.Warn("inflow hook scan failed", zap.Error(err))
			return
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		logger.Warn("inflow hook query failed", zap.Error(err))
		return
	}

	for _, id := range ids {
		if _, err := s.ApplyInflow(ctx, id, gross, audit.SystemActor()); err != nil {
			logger.Warn("auto-deduct repayment failed",
				zap.String("advance_id", id),
				zap.String("gross", gross.String()),
				zap.Error(err))
		}
	}
}

// DefaultSweepOnce marks ACTIVE advances past their expected end plus the
// grace period as DEFAULTED. Tests and the scheduler both drive this as a
// single synchronous pass.
func (s *AdvanceService) DefaultSweepOnce(ctx context.Context) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -s.graceDays)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM advances
		WHERE status = $1 AND expected_end_at < $2 AND outstanding > 0`,
		models.AdvanceActive, cutoff)
	if err != nil {
		return 0, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	defaulted := 0
	for _, id := range ids {
		if err := s.markDefaulted(ctx, id); err != nil {
			logger.Warn("default sweep skipped advance", zap.String("advance_id", id), zap.Error(err))
			continue
		}
		defaulted++
	}
	if defaulted > 0 {
		logger.Info("default sweep completed", zap.Int("defaulted", defaulted))
	}
	return defaulted, nil
}

func (s *AdvanceService) markDefaulted(ctx context.Context, advanceID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	adv, err := lockAdvance(tx, advanceID)
	if err != nil {
		return err
	}
	if !adv.Status.CanTransitionTo(models.AdvanceDefaulted) {
		return fmt.Errorf("%w: %s -> DEFAULTED", models.ErrInvalidAdvanceTransition, adv.Status)
	}

	now := time.Now()
	result, err := tx.Exec(`
		UPDATE advances
		SET status = $1, ended_at = $2, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4`,
		models.AdvanceDefaulted, now, adv.ID, adv.Version)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("optimistic lock failed for advance %s", adv.ID)
	}

	if err := s.audit.RecordTx(tx, audit.Event{
		EventType:    "ADVANCE",
		Actor:        audit.SystemActor(),
		ResourceType: "advance",
		ResourceID:   adv.ID,
		Action:       "DEFAULTED",
		Amount:       decimal.NullDecimal{Decimal: adv.Outstanding, Valid: true},
		Details:      map[string]string{"outstanding": adv.Outstanding.String()},
	}); err != nil {
		return err
	}

	return tx.Commit()
}

// splitDeduction divides one deduction between fee and principal per the
// advance's amortization order.
func splitDeduction(adv *models.Advance, deduction decimal.Decimal) (fee, principal decimal.Decimal) {
	feeRemaining := adv.TotalFee.Sub(adv.FeeRepaid)
	principalRemaining := adv.Principal.Sub(adv.TotalRepaid.Sub(adv.FeeRepaid))

	switch adv.Amortization {
	case models.PrincipalFirst:
		principal = decimal.Min(deduction, principalRemaining)
		fee = deduction.Sub(principal)
	default:
		fee = decimal.Min(deduction, feeRemaining)
		principal = deduction.Sub(fee)
	}
	return fee, principal
}

// computeTotalFee derives the full fee at request time. The fee never
// changes after this, regardless of how repayment actually goes.
func computeTotalFee(p AdvanceParams) (decimal.Decimal, error) {
	var fee decimal.Decimal

	switch p.FeeModel {
	case models.FeeFlat:
		if !p.FlatFee.Valid {
			return decimal.Zero, fmt.Errorf("%w: flat fee model requires flat_fee", models.ErrValidation)
		}
		fee = p.FlatFee.Decimal
	case models.FeeWeeklyPercentage:
		if !p.WeeklyRate.Valid {
			return decimal.Zero, fmt.Errorf("%w: weekly percentage model requires weekly_rate", models.ErrValidation)
		}
		weeks := int64((p.TermDays + 6) / 7)
		fee = p.Principal.Mul(p.WeeklyRate.Decimal).Mul(decimal.NewFromInt(weeks))
	case models.FeeFactorRate:
		if !p.FactorRate.Valid {
			return decimal.Zero, fmt.Errorf("%w: factor rate model requires factor_rate", models.ErrValidation)
		}
		if p.FactorRate.Decimal.LessThan(decimal.NewFromInt(1)) {
			return decimal.Zero, fmt.Errorf("%w: factor rate must be >= 1", models.ErrValidation)
		}
		fee = p.Principal.Mul(p.FactorRate.Decimal.Sub(decimal.NewFromInt(1)))
	default:
		return decimal.Zero, fmt.Errorf("%w: unknown fee model %q", models.ErrValidation, p.FeeModel)
	}

	fee = fee.Round(2)
	if p.FeeCap.Valid && fee.GreaterThan(p.FeeCap.Decimal) {
		fee = p.FeeCap.Decimal
	}
	if fee.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: computed fee is negative", models.ErrValidation)
	}
	return fee, nil
}

// captureEligibility freezes the decision inputs at request time.
func (s *AdvanceService) captureEligibility(ctx context.Context, accountID string) (*models.EligibilitySnapshot, error) {
	now := time.Now()

	var accountCreatedAt time.Time
	var status models.AccountStatus
	err := s.db.QueryRowContext(ctx, `
		SELECT created_at, status FROM accounts WHERE id = $1`, accountID).
		Scan(&accountCreatedAt, &status)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", models.ErrAccountNotFound, accountID)
	}
	if err != nil {
		return nil, err
	}
	if status != models.AccountActive {
		return nil, models.ErrAccountNotActive
	}

	var inflow decimal.Decimal
	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM ledger_entries
		WHERE credit_account_id = $1 AND status = $2 AND created_at >= $3`,
		accountID, models.EntryCompleted, now.AddDate(0, 0, -90)).Scan(&inflow)
	if err != nil {
		return nil, err
	}

	var priorAdvances int
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM advances WHERE account_id = $1`, accountID).Scan(&priorAdvances)
	if err != nil {
		return nil, err
	}

	return &models.EligibilitySnapshot{
		InflowVolume90d: inflow,
		AccountAgeDays:  int(now.Sub(accountCreatedAt).Hours() / 24),
		PriorAdvances:   priorAdvances,
		CapturedAt:      now,
	}, nil
}

func (s *AdvanceService) validateParams(p AdvanceParams) error {
	if p.AccountID == "" {
		return fmt.Errorf("%w: account id is required", models.ErrValidation)
	}
	if !p.Principal.IsPositive() {
		return fmt.Errorf("%w: principal must be positive", models.ErrValidation)
	}
	if !p.Principal.Equal(p.Principal.Round(2)) {
		return fmt.Errorf("%w: principal precision exceeds 2 decimal places", models.ErrValidation)
	}
	if p.TermDays <= 0 {
		return fmt.Errorf("%w: term must be positive", models.ErrValidation)
	}
	if p.RepaymentRate.LessThanOrEqual(decimal.Zero) || p.RepaymentRate.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: repayment rate must be in (0, 1]", models.ErrValidation)
	}
	switch p.RepaymentMethod {
	case models.RepayAutoDeduct, models.RepayManual, models.RepayScheduled:
	default:
		return fmt.Errorf("%w: unknown repayment method %q", models.ErrValidation, p.RepaymentMethod)
	}
	switch p.Amortization {
	case models.FeeFirst, models.PrincipalFirst:
	default:
		return fmt.Errorf("%w: unknown amortization order %q", models.ErrValidation, p.Amortization)
	}
	return nil
}

func accountCurrency(tx *sql.Tx, accountID string) (string, error) {
	var currency string
	err := tx.QueryRow(`SELECT currency FROM accounts WHERE id = $1`, accountID).Scan(&currency)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("%w: %s", models.ErrAccountNotFound, accountID)
	}
	return currency, err
}

func lockAdvance(tx *sql.Tx, advanceID string) (*models.Advance, error) {
	row := tx.QueryRow(`
		SELECT `+advanceColumns+`
		FROM advances
		WHERE id = $1
		FOR UPDATE`, advanceID)
	adv, err := scanAdvance(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", models.ErrAdvanceNotFound, advanceID)
	}
	return adv, err
}

func (s *AdvanceService) fetchAdvance(ctx context.Context, advanceID string) (*models.Advance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+advanceColumns+`
		FROM advances
		WHERE id = $1`, advanceID)
	adv, err := scanAdvance(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", models.ErrAdvanceNotFound, advanceID)
	}
	return adv, err
}

func (s *AdvanceService) fetchRepayments(ctx context.Context, advanceID string) ([]*models.Repayment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, advance_id, principal_portion, fee_portion, total, outstanding_after, entry_id, created_at
		FROM advance_repayments
		WHERE advance_id = $1
		ORDER BY created_at ASC`, advanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	repayments := []*models.Repayment{}
	for rows.Next() {
		var rp models.Repayment
		if err := rows.Scan(&rp.ID, &rp.AdvanceID, &rp.PrincipalPortion, &rp.FeePortion,
			&rp.Total, &rp.OutstandingAfter, &rp.EntryID, &rp.CreatedAt); err != nil {
			return nil, err
		}
		repayments = append(repayments, &rp)
	}
	return repayments, rows.Err()
}

func scanAdvance(row rowScanner) (*models.Advance, error) {
	var adv models.Advance
	var startedAt, expectedEndAt, endedAt sql.NullTime

	err := row.Scan(
		&adv.ID, &adv.AccountID, &adv.Principal, &adv.TotalFee, &adv.Outstanding,
		&adv.TotalRepaid, &adv.FeeRepaid,
		&adv.FeeModel, &adv.FlatFee, &adv.WeeklyRate, &adv.FactorRate, &adv.FeeCap,
		&adv.RepaymentMethod, &adv.RepaymentRate, &adv.Amortization, &adv.TermDays,
		&adv.Eligibility.InflowVolume90d, &adv.Eligibility.AccountAgeDays,
		&adv.Eligibility.PriorAdvances, &adv.Eligibility.CapturedAt,
		&adv.Status, &startedAt, &expectedEndAt, &endedAt,
		&adv.Version, &adv.CreatedAt, &adv.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if startedAt.Valid {
		adv.StartedAt = &startedAt.Time
	}
	if expectedEndAt.Valid {
		adv.ExpectedEndAt = &expectedEndAt.Time
	}
	if endedAt.Valid {
		adv.EndedAt = &endedAt.Time
	}
	return &adv, nil
}

// HTTP handlers

// RequestAdvance creates a new advance request
// @Summary Request a cash advance
// @Description Compute the fee, snapshot eligibility and create a PENDING_APPROVAL advance
// @Tags advances
// @Accept json
// @Produce json
// @Param advance body object{accountId=string,principal=string,feeModel=string,flatFee=string,weeklyRate=string,factorRate=string,feeCap=string,repaymentMethod=string,repaymentRate=string,amortization=string,termDays=int} true "Advance request"
// @Success 201 {object} models.Advance
// @Failure 400 {object} ErrorResponse
// @Router /advances [post]
func (s *AdvanceService) RequestAdvance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID       string `json:"accountId" validate:"required"`
		Principal       string `json:"principal" validate:"required"`
		FeeModel        string `json:"feeModel" validate:"required"`
		FlatFee         string `json:"flatFee,omitempty"`
		WeeklyRate      string `json:"weeklyRate,omitempty"`
		FactorRate      string `json:"factorRate,omitempty"`
		FeeCap          string `json:"feeCap,omitempty"`
		RepaymentMethod string `json:"repaymentMethod" validate:"required"`
		RepaymentRate   string `json:"repaymentRate" validate:"required"`
		Amortization    string `json:"amortization,omitempty"`
		TermDays        int    `json:"termDays" validate:"required,gt=0"`
	}

	if !decodeJSONBody(w, r, &req) {
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	principal, err := decimal.NewFromString(req.Principal)
	if err != nil {
		SendErrorResponse(w, "Invalid principal", http.StatusBadRequest, nil)
		return
	}
	rate, err := decimal.NewFromString(req.RepaymentRate)
	if err != nil {
		SendErrorResponse(w, "Invalid repayment rate", http.StatusBadRequest, nil)
		return
	}

	p := AdvanceParams{
		AccountID:       req.AccountID,
		Principal:       principal,
		FeeModel:        models.FeeModel(req.FeeModel),
		RepaymentMethod: models.RepaymentMethod(req.RepaymentMethod),
		RepaymentRate:   rate,
		Amortization:    models.AmortizationOrder(req.Amortization),
		TermDays:        req.TermDays,
	}
	if p.Amortization == "" {
		p.Amortization = models.FeeFirst
	}
	for _, f := range []struct {
		raw  string
		dst  *decimal.NullDecimal
		name string
	}{
		{req.FlatFee, &p.FlatFee, "flatFee"},
		{req.WeeklyRate, &p.WeeklyRate, "weeklyRate"},
		{req.FactorRate, &p.FactorRate, "factorRate"},
		{req.FeeCap, &p.FeeCap, "feeCap"},
	} {
		if f.raw == "" {
			continue
		}
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			SendErrorResponse(w, "Invalid "+f.name, http.StatusBadRequest, nil)
			return
		}
		*f.dst = decimal.NullDecimal{Decimal: d, Valid: true}
	}

	adv, err := s.Request(r.Context(), p, actorFromRequest(r))
	if err != nil {
		SendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(adv)
}

// ApproveAdvance approves and disburses a pending advance
// @Summary Approve an advance
// @Tags advances
// @Produce json
// @Param advanceId path string true "Advance ID"
// @Success 200 {object} models.Advance
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /advances/{advanceId}/approve [post]
func (s *AdvanceService) ApproveAdvance(w http.ResponseWriter, r *http.Request) {
	adv, err := s.Approve(r.Context(), chi.URLParam(r, "advanceId"), actorFromRequest(r))
	if err != nil {
		SendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(adv)
}

// CancelAdvance cancels a pending advance
// @Summary Cancel an advance
// @Tags advances
// @Produce json
// @Param advanceId path string true "Advance ID"
// @Success 200 {object} models.Advance
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /advances/{advanceId}/cancel [post]
func (s *AdvanceService) CancelAdvance(w http.ResponseWriter, r *http.Request) {
	adv, err := s.Cancel(r.Context(), chi.URLParam(r, "advanceId"), actorFromRequest(r))
	if err != nil {
		SendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(adv)
}

// GetAdvance retrieves an advance with its repayment history
// @Summary Get advance by ID
// @Tags advances
// @Produce json
// @Param advanceId path string true "Advance ID"
// @Success 200 {object} object{advance=models.Advance,repayments=[]models.Repayment}
// @Failure 404 {object} ErrorResponse
// @Router /advances/{advanceId} [get]
func (s *AdvanceService) GetAdvance(w http.ResponseWriter, r *http.Request) {
	advanceID := chi.URLParam(r, "advanceId")

	adv, err := s.fetchAdvance(r.Context(), advanceID)
	if err != nil {
		SendServiceError(w, err)
		return
	}
	repayments, err := s.fetchRepayments(r.Context(), advanceID)
	if err != nil {
		SendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"advance":    adv,
		"repayments": repayments,
	})
}
