package services

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/craftmarket/ledger/internal/models"
)

type MockSettlementTransport struct {
	mock.Mock
}

func (m *MockSettlementTransport) Submit(ctx context.Context, batch *models.SettlementBatch) (string, error) {
	args := m.Called(ctx, batch)
	return args.String(0), args.Error(1)
}

func (m *MockSettlementTransport) Confirm(ctx context.Context, contentHash string) (bool, string, error) {
	args := m.Called(ctx, contentHash)
	return args.Bool(0), args.String(1), args.Error(2)
}
