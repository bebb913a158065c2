package models

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestTransactionStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status   TransactionStatus
		terminal bool
	}{
		{StatusPending, false},
		{StatusProcessing, false},
		{StatusCompleted, true},
		{StatusFailed, true},
		{StatusCancelled, true},
		{StatusExpired, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.IsTerminal())
		})
	}
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusPending, StatusProcessing))
	assert.True(t, CanTransition(StatusProcessing, StatusCompleted))
	assert.True(t, CanTransition(StatusProcessing, StatusExpired))
	assert.False(t, CanTransition(StatusProcessing, StatusPending))

	for _, terminal := range []TransactionStatus{StatusCompleted, StatusFailed, StatusCancelled, StatusExpired} {
		for _, to := range []TransactionStatus{StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled, StatusExpired} {
			assert.False(t, CanTransition(terminal, to), "%s -> %s", terminal, to)
		}
	}
}

func TestSources(t *testing.T) {
	assert.Equal(t, []TransactionStatus{StatusPending}, Sources(StatusProcessing))
	assert.Equal(t, []TransactionStatus{StatusPending, StatusProcessing}, Sources(StatusCompleted))
	assert.Empty(t, Sources(StatusPending))
}

func TestLookupChannel(t *testing.T) {
	c, ok := LookupChannel(" Halotel ")
	assert.True(t, ok)
	assert.Equal(t, ChannelHalotel, c.Channel)
	assert.True(t, c.Accepts(decimal.NewFromInt(500000)))
	assert.False(t, c.Accepts(decimal.NewFromInt(500001)))
	assert.False(t, c.Accepts(decimal.NewFromInt(999)))

	_, ok = LookupChannel("mpesa-kenya")
	assert.False(t, ok)
}

func TestPackage_Savings(t *testing.T) {
	p := Package{UnitPrice: decimal.NewFromInt(18)}
	assert.Equal(t, "40", p.Savings().String())

	p.UnitPrice = decimal.NewFromInt(30)
	assert.True(t, p.Savings().IsZero())
}
