package models

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestAccountKind_RequiresFunds(t *testing.T) {
	assert.True(t, KindUserWallet.RequiresFunds())
	assert.True(t, KindSellerEarnings.RequiresFunds())
	assert.True(t, KindInvestmentPool.RequiresFunds())
	assert.True(t, KindEscrow.RequiresFunds())

	assert.False(t, KindSystemReserve.RequiresFunds())
	assert.False(t, KindPlatformFee.RequiresFunds())
	assert.False(t, KindSettlementInTransit.RequiresFunds())
}

func TestAccountKind_SettlementEligible(t *testing.T) {
	assert.True(t, KindSystemReserve.SettlementEligible())
	assert.True(t, KindSettlementInTransit.SettlementEligible())

	assert.False(t, KindUserWallet.SettlementEligible())
	assert.False(t, KindPlatformFee.SettlementEligible())
}

func TestOwnerRef_Valid(t *testing.T) {
	assert.True(t, CustomerOwner("c1").Valid())
	assert.True(t, SellerOwner("s1").Valid())
	assert.True(t, ProducerOwner("p1").Valid())
	assert.True(t, PlatformOwner().Valid())
	assert.True(t, SystemOwner().Valid())

	assert.False(t, OwnerRef{Kind: OwnerCustomer}.Valid())
	assert.False(t, OwnerRef{Kind: OwnerPlatform, ID: "x"}.Valid())
	assert.False(t, OwnerRef{Kind: "TENANT", ID: "x"}.Valid())
}

func TestAccount_AvailableBalance(t *testing.T) {
	a := &Account{
		Balance:        decimal.RequireFromString("100.00"),
		PendingBalance: decimal.RequireFromString("30.00"),
	}
	assert.True(t, a.AvailableBalance().Equal(decimal.RequireFromString("70.00")))
}
