package services

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"

	"github.com/craftmarket/ledger/internal/audit"
	"github.com/craftmarket/ledger/internal/models"
)

var advanceRowColumns = []string{
	"id", "account_id", "principal", "total_fee", "outstanding", "total_repaid", "fee_repaid",
	"fee_model", "flat_fee", "weekly_rate", "factor_rate", "fee_cap",
	"repayment_method", "repayment_rate", "amortization", "term_days",
	"inflow_volume_90d", "account_age_days", "prior_advances", "eligibility_captured_at",
	"status", "started_at", "expected_end_at", "ended_at", "version", "created_at", "updated_at",
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func nullDec(s string) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: decimal.RequireFromString(s), Valid: true}
}

func TestComputeTotalFee(t *testing.T) {
	base := AdvanceParams{
		AccountID:       "acc-a",
		Principal:       dec("1000.00"),
		RepaymentMethod: models.RepayAutoDeduct,
		RepaymentRate:   dec("0.25"),
		Amortization:    models.FeeFirst,
		TermDays:        84,
	}

	t.Run("factor rate 1.2 yields 20 percent fee", func(t *testing.T) {
		p := base
		p.FeeModel = models.FeeFactorRate
		p.FactorRate = nullDec("1.2")

		fee, err := computeTotalFee(p)
		assert.NoError(t, err)
		assert.True(t, fee.Equal(dec("200.00")))
	})

	t.Run("weekly percentage over a partial week rounds the term up", func(t *testing.T) {
		p := base
		p.FeeModel = models.FeeWeeklyPercentage
		p.WeeklyRate = nullDec("0.02")
		p.TermDays = 30 // 5 weeks, not 4.29

		fee, err := computeTotalFee(p)
		assert.NoError(t, err)
		assert.True(t, fee.Equal(dec("100.00")))
	})

	t.Run("flat fee passes through", func(t *testing.T) {
		p := base
		p.FeeModel = models.FeeFlat
		p.FlatFee = nullDec("50.00")

		fee, err := computeTotalFee(p)
		assert.NoError(t, err)
		assert.True(t, fee.Equal(dec("50.00")))
	})

	t.Run("fee cap limits the computed fee", func(t *testing.T) {
		p := base
		p.FeeModel = models.FeeFactorRate
		p.FactorRate = nullDec("1.5")
		p.FeeCap = nullDec("150.00")

		fee, err := computeTotalFee(p)
		assert.NoError(t, err)
		assert.True(t, fee.Equal(dec("150.00")))
	})

	t.Run("factor rate below one is rejected", func(t *testing.T) {
		p := base
		p.FeeModel = models.FeeFactorRate
		p.FactorRate = nullDec("0.8")

		_, err := computeTotalFee(p)
		assert.ErrorIs(t, err, models.ErrValidation)
	})

	t.Run("missing model parameter is rejected", func(t *testing.T) {
		p := base
		p.FeeModel = models.FeeWeeklyPercentage

		_, err := computeTotalFee(p)
		assert.ErrorIs(t, err, models.ErrValidation)
	})
}

func TestSplitDeduction(t *testing.T) {
	adv := &models.Advance{
		Principal:    dec("1000.00"),
		TotalFee:     dec("200.00"),
		TotalRepaid:  decimal.Zero,
		FeeRepaid:    decimal.Zero,
		Amortization: models.FeeFirst,
	}

	t.Run("fee first takes the fee before principal", func(t *testing.T) {
		fee, principal := splitDeduction(adv, dec("250.00"))
		assert.True(t, fee.Equal(dec("200.00")))
		assert.True(t, principal.Equal(dec("50.00")))
	})

	t.Run("fee first with fee already covered", func(t *testing.T) {
		paid := *adv
		paid.TotalRepaid = dec("250.00")
		paid.FeeRepaid = dec("200.00")

		fee, principal := splitDeduction(&paid, dec("100.00"))
		assert.True(t, fee.IsZero())
		assert.True(t, principal.Equal(dec("100.00")))
	})

	t.Run("principal first defers the fee", func(t *testing.T) {
		pf := *adv
		pf.Amortization = models.PrincipalFirst

		fee, principal := splitDeduction(&pf, dec("250.00"))
		assert.True(t, fee.IsZero())
		assert.True(t, principal.Equal(dec("250.00")))
	})

	t.Run("principal first past the principal pays fee", func(t *testing.T) {
		pf := *adv
		pf.Amortization = models.PrincipalFirst
		pf.TotalRepaid = dec("950.00")

		fee, principal := splitDeduction(&pf, dec("100.00"))
		assert.True(t, principal.Equal(dec("50.00")))
		assert.True(t, fee.Equal(dec("50.00")))
	})
}

func TestAdvanceService_Request(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	viper.Set("ledger.reserve_account", "acc-r")
	auditLogger := audit.NewLogger(nil)
	service := NewAdvanceService(db, NewLedgerService(db, nil, auditLogger), auditLogger)

	t.Run("fee and eligibility are frozen at request time", func(t *testing.T) {
		now := time.Now()
		mock.ExpectQuery("SELECT created_at, status FROM accounts").
			WithArgs("acc-a").
			WillReturnRows(sqlmock.NewRows([]string{"created_at", "status"}).
				AddRow(now.AddDate(0, 0, -120), "ACTIVE"))
		mock.ExpectQuery(`SELECT COALESCE\(SUM\(amount\), 0\)`).
			WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow("5000.00"))
		mock.ExpectQuery(`SELECT COUNT\(\*\) FROM advances`).
			WithArgs("acc-a").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO advances").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO audit_events").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		adv, err := service.Request(context.Background(), AdvanceParams{
			AccountID:       "acc-a",
			Principal:       dec("1000.00"),
			FeeModel:        models.FeeFactorRate,
			FactorRate:      nullDec("1.2"),
			RepaymentMethod: models.RepayAutoDeduct,
			RepaymentRate:   dec("0.25"),
			Amortization:    models.FeeFirst,
			TermDays:        84,
		}, audit.SystemActor())

		assert.NoError(t, err)
		assert.Equal(t, models.AdvancePendingApproval, adv.Status)
		assert.True(t, adv.TotalFee.Equal(dec("200.00")))
		assert.True(t, adv.Outstanding.Equal(dec("1200.00")))
		assert.True(t, adv.Eligibility.InflowVolume90d.Equal(dec("5000.00")))
		assert.Equal(t, 120, adv.Eligibility.AccountAgeDays)
		assert.Equal(t, 1, adv.Eligibility.PriorAdvances)
	})

	t.Run("frozen account cannot request", func(t *testing.T) {
		now := time.Now()
		mock.ExpectQuery("SELECT created_at, status FROM accounts").
			WithArgs("acc-a").
			WillReturnRows(sqlmock.NewRows([]string{"created_at", "status"}).
				AddRow(now.AddDate(0, 0, -120), "FROZEN"))

		_, err := service.Request(context.Background(), AdvanceParams{
			AccountID:       "acc-a",
			Principal:       dec("1000.00"),
			FeeModel:        models.FeeFlat,
			FlatFee:         nullDec("50.00"),
			RepaymentMethod: models.RepayAutoDeduct,
			RepaymentRate:   dec("0.25"),
			Amortization:    models.FeeFirst,
			TermDays:        84,
		}, audit.SystemActor())

		assert.ErrorIs(t, err, models.ErrAccountNotActive)
	})

	t.Run("repayment rate outside unit interval", func(t *testing.T) {
		_, err := service.Request(context.Background(), AdvanceParams{
			AccountID:       "acc-a",
			Principal:       dec("1000.00"),
			FeeModel:        models.FeeFlat,
			FlatFee:         nullDec("50.00"),
			RepaymentMethod: models.RepayAutoDeduct,
			RepaymentRate:   dec("1.5"),
			Amortization:    models.FeeFirst,
			TermDays:        84,
		}, audit.SystemActor())

		assert.ErrorIs(t, err, models.ErrValidation)
	})
}

func activeAdvanceRow(outstanding, totalRepaid, feeRepaid, rate string, version int) *sqlmock.Rows {
	now := time.Now()
	end := now.AddDate(0, 0, 84)
	return sqlmock.NewRows(advanceRowColumns).
		AddRow("adv-1", "acc-a", "1000.00", "200.00", outstanding, totalRepaid, feeRepaid,
			"FACTOR_RATE", nil, nil, "1.2", nil,
			"AUTO_DEDUCT", rate, "FEE_FIRST", 84,
			"5000.00", 120, 1, now,
			"ACTIVE", now, end, nil, version, now, now)
}

func TestAdvanceService_ApplyInflow(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	viper.Set("ledger.reserve_account", "acc-r")
	auditLogger := audit.NewLogger(nil)
	service := NewAdvanceService(db, NewLedgerService(db, nil, auditLogger), auditLogger)

	lockAdvanceQuery := `FROM advances WHERE id = \$1 FOR UPDATE`

	t.Run("final deduction retires the advance", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(lockAdvanceQuery).WithArgs("adv-1").
			WillReturnRows(activeAdvanceRow("400.00", "800.00", "200.00", "1", 3))
		mock.ExpectQuery("SELECT currency FROM accounts").WithArgs("acc-a").
			WillReturnRows(sqlmock.NewRows([]string{"currency"}).AddRow("USD"))
		mock.ExpectQuery(lockAccountQuery).WithArgs("acc-a").
			WillReturnRows(accountRow("acc-a", "USER_WALLET", "500.00", 9))
		mock.ExpectQuery(lockAccountQuery).WithArgs("acc-r").
			WillReturnRows(accountRow("acc-r", "SYSTEM_RESERVE", "-1000.00", 9))
		expectEntryWrite(mock)
		mock.ExpectExec("INSERT INTO advance_repayments").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE advances SET outstanding").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		repayment, err := service.ApplyInflow(context.Background(), "adv-1", dec("400.00"), audit.SystemActor())

		assert.NoError(t, err)
		assert.True(t, repayment.Total.Equal(dec("400.00")))
		// Fee was already covered, the rest is principal.
		assert.True(t, repayment.FeePortion.IsZero())
		assert.True(t, repayment.PrincipalPortion.Equal(dec("400.00")))
		assert.True(t, repayment.OutstandingAfter.IsZero())
	})

	t.Run("deduction is capped at outstanding", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(lockAdvanceQuery).WithArgs("adv-1").
			WillReturnRows(activeAdvanceRow("100.00", "1100.00", "200.00", "0.5", 5))
		mock.ExpectQuery("SELECT currency FROM accounts").WithArgs("acc-a").
			WillReturnRows(sqlmock.NewRows([]string{"currency"}).AddRow("USD"))
		mock.ExpectQuery(lockAccountQuery).WithArgs("acc-a").
			WillReturnRows(accountRow("acc-a", "USER_WALLET", "500.00", 9))
		mock.ExpectQuery(lockAccountQuery).WithArgs("acc-r").
			WillReturnRows(accountRow("acc-r", "SYSTEM_RESERVE", "-1000.00", 9))
		expectEntryWrite(mock)
		mock.ExpectExec("INSERT INTO advance_repayments").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE advances SET outstanding").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		// 0.5 * 1000 = 500, but only 100 is outstanding.
		repayment, err := service.ApplyInflow(context.Background(), "adv-1", dec("1000.00"), audit.SystemActor())

		assert.NoError(t, err)
		assert.True(t, repayment.Total.Equal(dec("100.00")))
		assert.True(t, repayment.OutstandingAfter.IsZero())
	})

	t.Run("inactive advance rejects inflows", func(t *testing.T) {
		now := time.Now()
		repaid := sqlmock.NewRows(advanceRowColumns).
			AddRow("adv-1", "acc-a", "1000.00", "200.00", "0.00", "1200.00", "200.00",
				"FACTOR_RATE", nil, nil, "1.2", nil,
				"AUTO_DEDUCT", "0.25", "FEE_FIRST", 84,
				"5000.00", 120, 1, now,
				"REPAID", now, now, now, 7, now, now)

		mock.ExpectBegin()
		mock.ExpectQuery(lockAdvanceQuery).WithArgs("adv-1").WillReturnRows(repaid)
		mock.ExpectRollback()

		_, err := service.ApplyInflow(context.Background(), "adv-1", dec("100.00"), audit.SystemActor())
		assert.ErrorIs(t, err, models.ErrInvalidAdvanceTransition)
	})

	t.Run("non-positive inflow is rejected", func(t *testing.T) {
		_, err := service.ApplyInflow(context.Background(), "adv-1", decimal.Zero, audit.SystemActor())
		assert.ErrorIs(t, err, models.ErrValidation)
	})
}

func TestAdvanceService_HandleInflow(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	viper.Set("ledger.reserve_account", "acc-r")
	auditLogger := audit.NewLogger(nil)
	service := NewAdvanceService(db, NewLedgerService(db, nil, auditLogger), auditLogger)

	t.Run("inflow repays the account's active advance", func(t *testing.T) {
		mock.ExpectQuery(`SELECT id FROM advances WHERE account_id = \$1`).
			WithArgs("acc-a", models.AdvanceActive, models.RepayAutoDeduct).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("adv-1"))
		mock.ExpectBegin()
		mock.ExpectQuery(`FROM advances WHERE id = \$1 FOR UPDATE`).WithArgs("adv-1").
			WillReturnRows(activeAdvanceRow("1200.00", "0.00", "0.00", "0.25", 2))
		mock.ExpectQuery("SELECT currency FROM accounts").WithArgs("acc-a").
			WillReturnRows(sqlmock.NewRows([]string{"currency"}).AddRow("USD"))
		mock.ExpectQuery(lockAccountQuery).WithArgs("acc-a").
			WillReturnRows(accountRow("acc-a", "USER_WALLET", "500.00", 9))
		mock.ExpectQuery(lockAccountQuery).WithArgs("acc-r").
			WillReturnRows(accountRow("acc-r", "SYSTEM_RESERVE", "-1000.00", 9))
		expectEntryWrite(mock)
		mock.ExpectExec("INSERT INTO advance_repayments").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE advances SET outstanding").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		service.HandleInflow(context.Background(), "acc-a", dec("400.00"))

		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("no active advances leaves the inflow alone", func(t *testing.T) {
		mock.ExpectQuery(`SELECT id FROM advances WHERE account_id = \$1`).
			WithArgs("acc-b", models.AdvanceActive, models.RepayAutoDeduct).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		service.HandleInflow(context.Background(), "acc-b", dec("400.00"))

		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestAdvanceService_Lifecycle(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	viper.Set("ledger.reserve_account", "acc-r")
	auditLogger := audit.NewLogger(nil)
	service := NewAdvanceService(db, NewLedgerService(db, nil, auditLogger), auditLogger)

	lockAdvanceQuery := `FROM advances WHERE id = \$1 FOR UPDATE`

	pendingRow := func(version int) *sqlmock.Rows {
		now := time.Now()
		return sqlmock.NewRows(advanceRowColumns).
			AddRow("adv-1", "acc-a", "1000.00", "200.00", "1200.00", "0.00", "0.00",
				"FACTOR_RATE", nil, nil, "1.2", nil,
				"AUTO_DEDUCT", "0.25", "FEE_FIRST", 84,
				"5000.00", 120, 1, now,
				"PENDING_APPROVAL", nil, nil, nil, version, now, now)
	}

	t.Run("approval disburses principal and activates", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(lockAdvanceQuery).WithArgs("adv-1").
			WillReturnRows(pendingRow(1))
		mock.ExpectQuery("SELECT currency FROM accounts").WithArgs("acc-a").
			WillReturnRows(sqlmock.NewRows([]string{"currency"}).AddRow("USD"))
		mock.ExpectQuery(lockAccountQuery).WithArgs("acc-a").
			WillReturnRows(accountRow("acc-a", "USER_WALLET", "0.00", 1))
		mock.ExpectQuery(lockAccountQuery).WithArgs("acc-r").
			WillReturnRows(accountRow("acc-r", "SYSTEM_RESERVE", "0.00", 1))
		expectEntryWrite(mock)
		mock.ExpectExec("UPDATE advances SET status").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO audit_events").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		adv, err := service.Approve(context.Background(), "adv-1", audit.SystemActor())

		assert.NoError(t, err)
		assert.Equal(t, models.AdvanceActive, adv.Status)
		assert.NotNil(t, adv.StartedAt)
		assert.NotNil(t, adv.ExpectedEndAt)
		assert.Equal(t, adv.StartedAt.AddDate(0, 0, 84), *adv.ExpectedEndAt)
	})

	t.Run("cancel after approval is rejected", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(lockAdvanceQuery).WithArgs("adv-1").
			WillReturnRows(activeAdvanceRow("1200.00", "0.00", "0.00", "0.25", 2))
		mock.ExpectRollback()

		_, err := service.Cancel(context.Background(), "adv-1", audit.SystemActor())
		assert.ErrorIs(t, err, models.ErrInvalidAdvanceTransition)
	})

	t.Run("cancel pending advance", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(lockAdvanceQuery).WithArgs("adv-1").
			WillReturnRows(pendingRow(1))
		mock.ExpectExec("UPDATE advances SET status").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO audit_events").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		adv, err := service.Cancel(context.Background(), "adv-1", audit.SystemActor())

		assert.NoError(t, err)
		assert.Equal(t, models.AdvanceCanceled, adv.Status)
		assert.NotNil(t, adv.EndedAt)
	})
}

func TestAdvanceService_DefaultSweepOnce(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	viper.Set("ledger.reserve_account", "acc-r")
	auditLogger := audit.NewLogger(nil)
	service := NewAdvanceService(db, NewLedgerService(db, nil, auditLogger), auditLogger)

	t.Run("overdue active advance is defaulted", func(t *testing.T) {
		now := time.Now()
		overdue := sqlmock.NewRows(advanceRowColumns).
			AddRow("adv-1", "acc-a", "1000.00", "200.00", "700.00", "500.00", "200.00",
				"FACTOR_RATE", nil, nil, "1.2", nil,
				"AUTO_DEDUCT", "0.25", "FEE_FIRST", 84,
				"5000.00", 120, 1, now,
				"ACTIVE", now.AddDate(0, 0, -120), now.AddDate(0, 0, -36), nil, 4, now, now)

		mock.ExpectQuery("SELECT id FROM advances").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("adv-1"))
		mock.ExpectBegin()
		mock.ExpectQuery(`FROM advances WHERE id = \$1 FOR UPDATE`).WithArgs("adv-1").
			WillReturnRows(overdue)
		mock.ExpectExec("UPDATE advances SET status").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO audit_events").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		defaulted, err := service.DefaultSweepOnce(context.Background())

		assert.NoError(t, err)
		assert.Equal(t, 1, defaulted)
	})

	t.Run("nothing overdue", func(t *testing.T) {
		mock.ExpectQuery("SELECT id FROM advances").
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		defaulted, err := service.DefaultSweepOnce(context.Background())

		assert.NoError(t, err)
		assert.Equal(t, 0, defaulted)
	})
}
