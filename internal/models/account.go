package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type AccountKind string

const (
	KindUserWallet          AccountKind = "USER_WALLET"
	KindInvestmentPool      AccountKind = "INVESTMENT_POOL"
	KindSellerEarnings      AccountKind = "SELLER_EARNINGS"
	KindPlatformFee         AccountKind = "PLATFORM_FEE"
	KindSettlementInTransit AccountKind = "SETTLEMENT_IN_TRANSIT"
	KindSystemReserve       AccountKind = "SYSTEM_RESERVE"
	KindEscrow              AccountKind = "ESCROW"
)

func (k AccountKind) Valid() bool {
	switch k {
	case KindUserWallet, KindInvestmentPool, KindSellerEarnings, KindPlatformFee,
		KindSettlementInTransit, KindSystemReserve, KindEscrow:
		return true
	}
	return false
}

// RequiresFunds reports whether debits against this kind of account must pass
// the available-balance check. System-side accounts (reserve, fee,
// settlement-in-transit) may go negative by design.
func (k AccountKind) RequiresFunds() bool {
	switch k {
	case KindUserWallet, KindSellerEarnings, KindInvestmentPool, KindEscrow:
		return true
	}
	return false
}

// SettlementEligible reports whether entries touching this kind of account
// count toward a batch's net settlement amount.
func (k AccountKind) SettlementEligible() bool {
	return k == KindSystemReserve || k == KindSettlementInTransit
}

type AccountStatus string

const (
	AccountActive              AccountStatus = "ACTIVE"
	AccountFrozen              AccountStatus = "FROZEN"
	AccountClosed              AccountStatus = "CLOSED"
	AccountPendingVerification AccountStatus = "PENDING_VERIFICATION"
)

type OwnerKind string

const (
	OwnerCustomer OwnerKind = "CUSTOMER"
	OwnerSeller   OwnerKind = "SELLER"
	OwnerProducer OwnerKind = "PRODUCER"
	OwnerPlatform OwnerKind = "PLATFORM"
	OwnerSystem   OwnerKind = "SYSTEM"
)

// OwnerRef identifies who an account belongs to. Build one through the
// constructors below so an invalid kind/id combination cannot be represented.
type OwnerRef struct {
	Kind OwnerKind `json:"kind"`
	ID   string    `json:"id,omitempty"`
}

func CustomerOwner(id string) OwnerRef { return OwnerRef{Kind: OwnerCustomer, ID: id} }
func SellerOwner(id string) OwnerRef   { return OwnerRef{Kind: OwnerSeller, ID: id} }
func ProducerOwner(id string) OwnerRef { return OwnerRef{Kind: OwnerProducer, ID: id} }
func PlatformOwner() OwnerRef          { return OwnerRef{Kind: OwnerPlatform} }
func SystemOwner() OwnerRef            { return OwnerRef{Kind: OwnerSystem} }

func (o OwnerRef) Valid() bool {
	switch o.Kind {
	case OwnerCustomer, OwnerSeller, OwnerProducer:
		return o.ID != ""
	case OwnerPlatform, OwnerSystem:
		return o.ID == ""
	}
	return false
}

// Account is a named balance holder. Balance and PendingBalance are cached
// aggregates over completed entries; reconciliation recomputes them from the
// entry table, which remains the source of truth.
type Account struct {
	ID             string          `json:"id" db:"id"`
	AccountNumber  string          `json:"account_number" db:"account_number"`
	Kind           AccountKind     `json:"kind" db:"kind"`
	Owner          *OwnerRef       `json:"owner,omitempty"`
	Currency       string          `json:"currency" db:"currency"`
	Balance        decimal.Decimal `json:"balance" db:"balance"`
	PendingBalance decimal.Decimal `json:"pending_balance" db:"pending_balance"`
	Status         AccountStatus   `json:"status" db:"status"`

	// Pool-only fields, populated when Kind == KindInvestmentPool.
	InvestmentTarget   decimal.NullDecimal `json:"investment_target,omitempty"`
	AmountRaised       decimal.NullDecimal `json:"amount_raised,omitempty"`
	ExpectedReturnRate decimal.NullDecimal `json:"expected_return_rate,omitempty"`

	Version   int        `json:"-" db:"version"` // optimistic locking
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty" db:"closed_at"`
}

// AvailableBalance is the only amount usable for new outgoing entries.
func (a *Account) AvailableBalance() decimal.Decimal {
	return a.Balance.Sub(a.PendingBalance)
}
