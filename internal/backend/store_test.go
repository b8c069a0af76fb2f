package backend

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/refurb-storefront/internal/sqliteutil"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sqliteutil.Open(sqliteutil.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store := NewStore(db)
	require.NoError(t, store.Init(context.Background()))
	return store
}

func seedListing(t *testing.T, store *Store, productID int64, price string, qty int, note string) Listing {
	t.Helper()
	l, err := store.CreateListing(context.Background(), Listing{
		ProductID:      productID,
		ProductTitle:   "iPhone 12",
		ProductBrand:   "Apple",
		SellerShopName: "ReCell",
		Price:          decimal.RequireFromString(price),
		Quantity:       qty,
		ConditionNote:  note,
		Active:         true,
	})
	require.NoError(t, err)
	return l
}

func TestListingsRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	a := seedListing(t, store, 1, "100", 0, "neuf")
	seedListing(t, store, 1, "150.50", 8, "bon état")
	seedListing(t, store, 2, "80", 3, "")

	got, err := store.GetListing(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.Price.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, "neuf", got.ConditionNote)
	assert.True(t, got.Active)
	assert.Equal(t, []string{}, got.Images)

	page, err := store.ListListings(ctx, 1, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	assert.Len(t, page.Listings, 2)
	assert.False(t, page.HasMore)
	assert.True(t, page.Listings[1].Price.Equal(decimal.RequireFromString("150.50")))

	page, err = store.ListListings(ctx, 0, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	assert.True(t, page.HasMore)
	require.NotNil(t, page.NextPage)
	assert.Equal(t, 2, *page.NextPage)

	_, err = store.GetListing(ctx, 999)
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestCartRespectsStock(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	l := seedListing(t, store, 1, "50", 3, "bon")

	item, err := store.AddToCart(ctx, 7, l.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, item.Quantity)
	assert.Equal(t, "ReCell", item.SellerShopName)

	_, err = store.AddToCart(ctx, 7, l.ID, 2)
	assert.ErrorIs(t, err, ErrInsufficientStock)

	item, err = store.AddToCart(ctx, 7, l.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, item.Quantity)

	_, err = store.UpdateCartItem(ctx, 7, item.ID, 4)
	assert.ErrorIs(t, err, ErrInsufficientStock)
	item, err = store.UpdateCartItem(ctx, 7, item.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, item.Quantity)

	_, err = store.UpdateCartItem(ctx, 8, item.ID, 1)
	assert.ErrorIs(t, err, sql.ErrNoRows)

	items, err := store.ListCart(ctx, 7)
	require.NoError(t, err)
	require.Len(t, items, 1)

	require.NoError(t, store.ClearCart(ctx, 7))
	items, err = store.ListCart(ctx, 7)
	require.NoError(t, err)
	assert.Empty(t, items)
	require.NoError(t, store.ClearCart(ctx, 7))
}

func TestCartRejectsInactiveListing(t *testing.T) {
	store := newTestStore(t)
	l, err := store.CreateListing(context.Background(), Listing{
		ProductID: 1, ProductTitle: "Pixel 6", SellerShopName: "ReCell",
		Price: decimal.NewFromInt(200), Quantity: 5, Active: false,
	})
	require.NoError(t, err)

	_, err = store.AddToCart(context.Background(), 7, l.ID, 1)
	assert.ErrorIs(t, err, ErrListingInactive)
}

func TestAddressDefaults(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	addr := Address{FullName: "Ada Martin", Street: "1 rue de la Paix", City: "Paris", PostalCode: "75002", Country: "FR", Phone: "0600000000"}

	first, err := store.CreateAddress(ctx, 7, addr)
	require.NoError(t, err)
	assert.True(t, first.IsDefault)

	second, err := store.CreateAddress(ctx, 7, addr)
	require.NoError(t, err)
	assert.False(t, second.IsDefault)

	addr.City = "Lyon"
	addr.IsDefault = true
	third, err := store.CreateAddress(ctx, 7, addr)
	require.NoError(t, err)

	addrs, err := store.ListAddresses(ctx, 7)
	require.NoError(t, err)
	require.Len(t, addrs, 3)
	assert.Equal(t, third.ID, addrs[0].ID)
	defaults := 0
	for _, a := range addrs {
		if a.IsDefault {
			defaults++
		}
	}
	assert.Equal(t, 1, defaults)
}

func TestPaymentIntentLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.CreatePaymentIntent(ctx, 0, "eur")
	assert.Error(t, err)

	intent, err := store.CreatePaymentIntent(ctx, 5990, "EUR")
	require.NoError(t, err)
	assert.Equal(t, "eur", intent.Currency)
	assert.Equal(t, IntentRequiresConfirmation, intent.Status)

	confirmed, err := store.ConfirmPaymentIntent(ctx, intent.ClientSecret, "Ada Martin")
	require.NoError(t, err)
	assert.Equal(t, IntentSucceeded, confirmed.Status)

	_, err = store.ConfirmPaymentIntent(ctx, intent.ClientSecret, "Ada Martin")
	var decline *DeclineError
	require.True(t, errors.As(err, &decline))
	assert.Equal(t, "payment_intent_unexpected_state", decline.Code)

	_, err = store.ConfirmPaymentIntent(ctx, "nope", "Ada Martin")
	require.True(t, errors.As(err, &decline))
	assert.Equal(t, "resource_missing", decline.Code)

	other, err := store.CreatePaymentIntent(ctx, 100, "")
	require.NoError(t, err)
	_, err = store.ConfirmPaymentIntent(ctx, other.ClientSecret, "decline")
	require.True(t, errors.As(err, &decline))
	assert.Equal(t, "card_declined", decline.Code)
	assert.Equal(t, "Your card was declined.", decline.Message)
}

func TestCreateOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	a := seedListing(t, store, 1, "25", 5, "neuf")
	b := seedListing(t, store, 1, "10.50", 2, "bon")
	intent, err := store.CreatePaymentIntent(ctx, 7090, "eur")
	require.NoError(t, err)
	_, err = store.ConfirmPaymentIntent(ctx, intent.ClientSecret, "Ada Martin")
	require.NoError(t, err)

	in := NewOrder{
		BuyerID: 7,
		Items: []OrderItem{
			{ListingID: a.ID, Quantity: 2, Price: decimal.NewFromInt(1)},
			{ListingID: b.ID, Quantity: 1},
		},
		PaymentIntentID: intent.ID,
		DeliveryMethod:  "home",
		ShippingCost:    decimal.RequireFromString("9.90"),
		ShippingAddress: &Address{FullName: "Ada Martin", City: "Paris"},
		IdempotencyKey:  "key-1",
	}
	order, created, err := store.CreateOrder(ctx, in)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, OrderPaid, order.Status)
	assert.True(t, order.Total.Equal(decimal.RequireFromString("70.40")), order.Total.String())
	assert.True(t, order.Items[0].Price.Equal(decimal.NewFromInt(25)), "backend prices from listings")

	listing, err := store.GetListing(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, listing.Quantity)

	replay, created, err := store.CreateOrder(ctx, in)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, order.ID, replay.ID)
	listing, err = store.GetListing(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, listing.Quantity, "replay must not decrement stock")

	got, err := store.GetOrder(ctx, 7, order.ID)
	require.NoError(t, err)
	require.Len(t, got.Items, 2)
	require.NotNil(t, got.ShippingAddress)
	assert.Equal(t, "Paris", got.ShippingAddress.City)
	assert.Equal(t, intent.ID, got.PaymentIntentID)

	_, err = store.GetOrder(ctx, 8, order.ID)
	assert.ErrorIs(t, err, sql.ErrNoRows)

	orders, err := store.ListOrders(ctx, 7)
	require.NoError(t, err)
	assert.Len(t, orders, 1)
}

func TestCreateOrderRejectsOverselling(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	a := seedListing(t, store, 1, "25", 1, "neuf")

	_, _, err := store.CreateOrder(ctx, NewOrder{
		BuyerID:        7,
		Items:          []OrderItem{{ListingID: a.ID, Quantity: 2}},
		DeliveryMethod: "pickup",
	})
	assert.ErrorIs(t, err, ErrInsufficientStock)

	_, _, err = store.CreateOrder(ctx, NewOrder{
		BuyerID:         7,
		Items:           []OrderItem{{ListingID: a.ID, Quantity: 1}},
		DeliveryMethod:  "pickup",
		PaymentIntentID: "pi_unknown",
	})
	assert.ErrorIs(t, err, ErrUnknownPaymentIntent)

	order, _, err := store.CreateOrder(ctx, NewOrder{
		BuyerID:        7,
		Items:          []OrderItem{{ListingID: a.ID, Quantity: 1}},
		DeliveryMethod: "pickup",
	})
	require.NoError(t, err)
	assert.Equal(t, OrderAwaitingPayment, order.Status)
}

func TestEmailOutbox(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	e, err := store.QueueEmail(ctx, Email{To: "ada@example.com", Subject: "Hi", HTML: "<p>hi</p>"})
	require.NoError(t, err)
	assert.Equal(t, EmailQueued, e.Status)
	require.NoError(t, store.MarkEmail(ctx, e.ID, EmailFailed, "boom"))

	emails, err := store.ListEmails(ctx)
	require.NoError(t, err)
	require.Len(t, emails, 1)
	assert.Equal(t, EmailFailed, emails[0].Status)
	assert.Equal(t, "boom", emails[0].Error)
}
