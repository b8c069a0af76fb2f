package storefront

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/refurb-storefront/internal/checkout"
)

func newRegistrySession(t *testing.T, buyerID int64) *checkout.Session {
	t.Helper()
	cart := checkout.Cart{Lines: []checkout.CartLine{{ID: 1, ListingID: 10, ProductTitle: "Pixel 7", UnitPrice: decimal.RequireFromString("25"), Quantity: 1}}}
	addresses := []checkout.Address{{ID: 2, FullName: "Ada Martin", Street: "3 rue de la Paix", City: "Lyon", PostalCode: "69001", Country: "FR", Phone: "0601020304", IsDefault: true}}
	return checkout.NewSession(checkout.Buyer{ID: buyerID}, cart, addresses, checkout.DefaultPolicy())
}

type manualClock struct {
	now time.Time
}

func (c *manualClock) Now() time.Time { return c.now }

func TestRegistryGetChecksBuyer(t *testing.T) {
	reg := NewSessionRegistry(time.Hour)
	s := newRegistrySession(t, 7)
	reg.Put(s)

	got, ok := reg.Get(s.ID(), 7)
	require.True(t, ok)
	assert.Same(t, s, got)

	_, ok = reg.Get(s.ID(), 8)
	assert.False(t, ok)
	_, ok = reg.Get("missing", 7)
	assert.False(t, ok)

	reg.Delete(s.ID())
	assert.Equal(t, 0, reg.Len())
}

func TestRegistryExpiresIdleSessions(t *testing.T) {
	clock := &manualClock{now: time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)}
	reg := NewSessionRegistry(30 * time.Minute)
	reg.now = clock.Now

	idle := newRegistrySession(t, 7)
	active := newRegistrySession(t, 7)
	reg.Put(idle)
	reg.Put(active)

	clock.now = clock.now.Add(20 * time.Minute)
	_, ok := reg.Get(active.ID(), 7)
	require.True(t, ok)

	clock.now = clock.now.Add(15 * time.Minute)
	assert.Equal(t, 1, reg.Sweep())
	assert.Equal(t, 1, reg.Len())

	clock.now = clock.now.Add(31 * time.Minute)
	_, ok = reg.Get(active.ID(), 7)
	assert.False(t, ok)
	assert.Equal(t, 0, reg.Len())
}

func TestRegistryKeepsProcessingSessions(t *testing.T) {
	clock := &manualClock{now: time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)}
	reg := NewSessionRegistry(time.Minute)
	reg.now = clock.Now

	s := newRegistrySession(t, 7)
	require.NoError(t, s.GoTo(checkout.StepPayment))
	require.NoError(t, s.SetCardholderName("Ada Martin"))
	_, err := s.BeginSubmit()
	require.NoError(t, err)
	reg.Put(s)

	clock.now = clock.now.Add(time.Hour)
	assert.Equal(t, 0, reg.Sweep())
	_, ok := reg.Get(s.ID(), 7)
	assert.True(t, ok)

	s.Abort()
	clock.now = clock.now.Add(time.Hour)
	assert.Equal(t, 1, reg.Sweep())
}

func TestRegistryRunStopsWithContext(t *testing.T) {
	reg := NewSessionRegistry(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		reg.Run(ctx, time.Millisecond)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
