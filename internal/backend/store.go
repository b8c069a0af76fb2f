package backend

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	maxPageSize     = 50
	defaultPageSize = 20
)

var (
	// ErrInsufficientStock is returned when a cart or order quantity exceeds the listing's stock.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrListingInactive is returned when buying a deactivated listing.
	ErrListingInactive = errors.New("listing is not active")
	// ErrUnknownPaymentIntent is returned for an order referencing an intent the store never issued.
	ErrUnknownPaymentIntent = errors.New("unknown payment intent")
)

// DeclineError reports a refused payment confirmation.
type DeclineError struct {
	Code    string
	Message string
}

func (e *DeclineError) Error() string {
	return fmt.Sprintf("payment declined (%s): %s", e.Code, e.Message)
}

// Store contains all marketplace persistence logic.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore wires a marketplace data store backed by SQLite.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Init applies schema migrations for the marketplace database.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS listings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			product_id INTEGER NOT NULL,
			product_title TEXT NOT NULL,
			product_brand TEXT NOT NULL DEFAULT '',
			images TEXT NOT NULL DEFAULT '[]',
			seller_id INTEGER NOT NULL DEFAULT 0,
			seller_shop_name TEXT NOT NULL,
			price TEXT NOT NULL,
			quantity INTEGER NOT NULL CHECK (quantity >= 0),
			condition_note TEXT NOT NULL DEFAULT '',
			active INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_listings_product ON listings(product_id, active);`,
		`CREATE TABLE IF NOT EXISTS cart_items (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			buyer_id INTEGER NOT NULL,
			listing_id INTEGER NOT NULL,
			price TEXT NOT NULL,
			quantity INTEGER NOT NULL CHECK (quantity > 0),
			added_at TIMESTAMP NOT NULL,
			UNIQUE(buyer_id, listing_id),
			FOREIGN KEY(listing_id) REFERENCES listings(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS addresses (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			full_name TEXT NOT NULL,
			street TEXT NOT NULL,
			city TEXT NOT NULL,
			postal_code TEXT NOT NULL,
			country TEXT NOT NULL,
			phone TEXT NOT NULL,
			is_default INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_addresses_user ON addresses(user_id);`,
		`CREATE TABLE IF NOT EXISTS payment_intents (
			id TEXT PRIMARY KEY,
			client_secret TEXT NOT NULL UNIQUE,
			amount INTEGER NOT NULL,
			currency TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS orders (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			buyer_id INTEGER NOT NULL,
			status TEXT NOT NULL,
			shipping_cost TEXT NOT NULL,
			total TEXT NOT NULL,
			delivery_method TEXT NOT NULL,
			payment_intent_id TEXT,
			shipping_address TEXT,
			idempotency_key TEXT,
			created_at TIMESTAMP NOT NULL,
			UNIQUE(buyer_id, idempotency_key)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_orders_buyer ON orders(buyer_id, created_at DESC);`,
		`CREATE TABLE IF NOT EXISTS order_items (
			order_id INTEGER NOT NULL,
			listing_id INTEGER NOT NULL,
			product_title TEXT NOT NULL,
			price TEXT NOT NULL,
			quantity INTEGER NOT NULL,
			FOREIGN KEY(order_id) REFERENCES orders(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS emails (
			id TEXT PRIMARY KEY,
			recipient TEXT NOT NULL,
			subject TEXT NOT NULL,
			html TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply marketplace schema: %w", err)
		}
	}
	return nil
}

// EnsurePageSize enforces the maximum page size contract.
func EnsurePageSize(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return page, pageSize
}

const listingColumns = `id, product_id, product_title, product_brand, images, seller_id, seller_shop_name, price, quantity, condition_note, active, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanListing(row rowScanner) (Listing, error) {
	var (
		l      Listing
		images string
	)
	if err := row.Scan(&l.ID, &l.ProductID, &l.ProductTitle, &l.ProductBrand, &images, &l.SellerID,
		&l.SellerShopName, &l.Price, &l.Quantity, &l.ConditionNote, &l.Active, &l.CreatedAt); err != nil {
		return Listing{}, err
	}
	if err := json.Unmarshal([]byte(images), &l.Images); err != nil {
		return Listing{}, fmt.Errorf("decode listing images: %w", err)
	}
	return l, nil
}

// CreateListing seeds a listing.
func (s *Store) CreateListing(ctx context.Context, l Listing) (Listing, error) {
	if l.Price.IsNegative() {
		return Listing{}, errors.New("price must not be negative")
	}
	if l.Images == nil {
		l.Images = []string{}
	}
	images, err := json.Marshal(l.Images)
	if err != nil {
		return Listing{}, fmt.Errorf("encode listing images: %w", err)
	}
	l.CreatedAt = s.now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO listings(product_id, product_title, product_brand, images, seller_id, seller_shop_name, price, quantity, condition_note, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ProductID, l.ProductTitle, l.ProductBrand, string(images), l.SellerID, l.SellerShopName,
		l.Price.String(), l.Quantity, l.ConditionNote, l.Active, l.CreatedAt,
	)
	if err != nil {
		return Listing{}, fmt.Errorf("insert listing: %w", err)
	}
	if l.ID, err = res.LastInsertId(); err != nil {
		return Listing{}, fmt.Errorf("listing id: %w", err)
	}
	return l, nil
}

// GetListing fetches a listing by id.
func (s *Store) GetListing(ctx context.Context, id int64) (Listing, error) {
	l, err := scanListing(s.db.QueryRowContext(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Listing{}, err
		}
		return Listing{}, fmt.Errorf("get listing: %w", err)
	}
	return l, nil
}

// ListListings returns a page of listings, optionally narrowed to one product.
// Inactive listings are included; filtering them is the client's concern.
func (s *Store) ListListings(ctx context.Context, productID int64, page, pageSize int) (ListingPage, error) {
	page, pageSize = EnsurePageSize(page, pageSize)
	where := "1 = 1"
	var args []any
	if productID > 0 {
		where = "product_id = ?"
		args = append(args, productID)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM listings WHERE `+where, args...).Scan(&total); err != nil {
		return ListingPage{}, fmt.Errorf("count listings: %w", err)
	}

	offset := (page - 1) * pageSize
	argsWithPaging := append(append([]any{}, args...), pageSize, offset)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE `+where+` ORDER BY id LIMIT ? OFFSET ?`, argsWithPaging...)
	if err != nil {
		return ListingPage{}, fmt.Errorf("list listings: %w", err)
	}
	defer rows.Close()

	listings := make([]Listing, 0, pageSize)
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return ListingPage{}, fmt.Errorf("scan listing: %w", err)
		}
		listings = append(listings, l)
	}
	if err := rows.Err(); err != nil {
		return ListingPage{}, fmt.Errorf("iter listings: %w", err)
	}

	resp := ListingPage{
		Listings: listings,
		Page:     page,
		PageSize: pageSize,
		Total:    total,
		HasMore:  offset+len(listings) < total,
	}
	if resp.HasMore {
		n := page + 1
		resp.NextPage = &n
	}
	return resp, nil
}

const cartColumns = `c.id, c.buyer_id, c.listing_id, l.product_title, l.seller_shop_name, c.price, c.quantity, c.added_at`

func scanCartItem(row rowScanner) (CartItem, error) {
	var it CartItem
	err := row.Scan(&it.ID, &it.BuyerID, &it.ListingID, &it.ProductTitle, &it.SellerShopName, &it.Price, &it.Quantity, &it.AddedAt)
	return it, err
}

// ListCart returns the buyer's cart in insertion order.
func (s *Store) ListCart(ctx context.Context, buyerID int64) ([]CartItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+cartColumns+` FROM cart_items c JOIN listings l ON l.id = c.listing_id WHERE c.buyer_id = ? ORDER BY c.id`, buyerID)
	if err != nil {
		return nil, fmt.Errorf("list cart: %w", err)
	}
	defer rows.Close()
	items := []CartItem{}
	for rows.Next() {
		it, err := scanCartItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cart item: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter cart: %w", err)
	}
	return items, nil
}

func (s *Store) getCartItem(ctx context.Context, q querier, buyerID, itemID int64) (CartItem, error) {
	it, err := scanCartItem(q.QueryRowContext(ctx,
		`SELECT `+cartColumns+` FROM cart_items c JOIN listings l ON l.id = c.listing_id WHERE c.buyer_id = ? AND c.id = ?`, buyerID, itemID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CartItem{}, err
		}
		return CartItem{}, fmt.Errorf("get cart item: %w", err)
	}
	return it, nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// AddToCart adds qty units of a listing, merging with an existing line. The
// resulting quantity may not exceed the listing's stock.
func (s *Store) AddToCart(ctx context.Context, buyerID, listingID int64, qty int) (CartItem, error) {
	if qty < 1 {
		return CartItem{}, errors.New("quantity must be at least 1")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return CartItem{}, fmt.Errorf("begin add to cart: %w", err)
	}
	defer tx.Rollback()

	listing, err := scanListing(tx.QueryRowContext(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = ?`, listingID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CartItem{}, err
		}
		return CartItem{}, fmt.Errorf("load listing: %w", err)
	}
	if !listing.Active {
		return CartItem{}, ErrListingInactive
	}

	var (
		itemID   int64
		existing int
	)
	err = tx.QueryRowContext(ctx, `SELECT id, quantity FROM cart_items WHERE buyer_id = ? AND listing_id = ?`, buyerID, listingID).
		Scan(&itemID, &existing)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return CartItem{}, fmt.Errorf("load cart line: %w", err)
	}
	total := existing + qty
	if total > listing.Quantity {
		return CartItem{}, fmt.Errorf("%w: %d requested, %d available", ErrInsufficientStock, total, listing.Quantity)
	}

	if itemID == 0 {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO cart_items(buyer_id, listing_id, price, quantity, added_at) VALUES (?, ?, ?, ?, ?)`,
			buyerID, listingID, listing.Price.String(), total, s.now())
		if err != nil {
			return CartItem{}, fmt.Errorf("insert cart item: %w", err)
		}
		if itemID, err = res.LastInsertId(); err != nil {
			return CartItem{}, fmt.Errorf("cart item id: %w", err)
		}
	} else if _, err := tx.ExecContext(ctx, `UPDATE cart_items SET quantity = ? WHERE id = ?`, total, itemID); err != nil {
		return CartItem{}, fmt.Errorf("update cart item: %w", err)
	}

	item, err := s.getCartItem(ctx, tx, buyerID, itemID)
	if err != nil {
		return CartItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return CartItem{}, fmt.Errorf("commit add to cart: %w", err)
	}
	return item, nil
}

// UpdateCartItem sets a line's quantity, checked against live stock.
func (s *Store) UpdateCartItem(ctx context.Context, buyerID, itemID int64, qty int) (CartItem, error) {
	if qty < 1 {
		return CartItem{}, errors.New("quantity must be at least 1")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return CartItem{}, fmt.Errorf("begin update cart: %w", err)
	}
	defer tx.Rollback()

	item, err := s.getCartItem(ctx, tx, buyerID, itemID)
	if err != nil {
		return CartItem{}, err
	}
	var stock int
	if err := tx.QueryRowContext(ctx, `SELECT quantity FROM listings WHERE id = ?`, item.ListingID).Scan(&stock); err != nil {
		return CartItem{}, fmt.Errorf("load stock: %w", err)
	}
	if qty > stock {
		return CartItem{}, fmt.Errorf("%w: %d requested, %d available", ErrInsufficientStock, qty, stock)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE cart_items SET quantity = ? WHERE id = ?`, qty, itemID); err != nil {
		return CartItem{}, fmt.Errorf("update cart item: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return CartItem{}, fmt.Errorf("commit update cart: %w", err)
	}
	item.Quantity = qty
	return item, nil
}

// RemoveCartItem deletes one line from the buyer's cart.
func (s *Store) RemoveCartItem(ctx context.Context, buyerID, itemID int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cart_items WHERE buyer_id = ? AND id = ?`, buyerID, itemID)
	if err != nil {
		return fmt.Errorf("delete cart item: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ClearCart empties the buyer's cart. Clearing an empty cart is not an error.
func (s *Store) ClearCart(ctx context.Context, buyerID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cart_items WHERE buyer_id = ?`, buyerID); err != nil {
		return fmt.Errorf("clear cart: %w", err)
	}
	return nil
}

// ListAddresses returns a user's saved addresses, default first.
func (s *Store) ListAddresses(ctx context.Context, userID int64) ([]Address, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, full_name, street, city, postal_code, country, phone, is_default
		FROM addresses WHERE user_id = ? ORDER BY is_default DESC, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list addresses: %w", err)
	}
	defer rows.Close()
	addrs := []Address{}
	for rows.Next() {
		var a Address
		if err := rows.Scan(&a.ID, &a.UserID, &a.FullName, &a.Street, &a.City, &a.PostalCode, &a.Country, &a.Phone, &a.IsDefault); err != nil {
			return nil, fmt.Errorf("scan address: %w", err)
		}
		addrs = append(addrs, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter addresses: %w", err)
	}
	return addrs, nil
}

// CreateAddress saves an address. A user's first address, or one flagged as
// default, becomes the only default.
func (s *Store) CreateAddress(ctx context.Context, userID int64, a Address) (Address, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Address{}, fmt.Errorf("begin create address: %w", err)
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM addresses WHERE user_id = ?`, userID).Scan(&count); err != nil {
		return Address{}, fmt.Errorf("count addresses: %w", err)
	}
	a.UserID = userID
	a.IsDefault = a.IsDefault || count == 0
	if a.IsDefault {
		if _, err := tx.ExecContext(ctx, `UPDATE addresses SET is_default = 0 WHERE user_id = ?`, userID); err != nil {
			return Address{}, fmt.Errorf("reset default address: %w", err)
		}
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO addresses(user_id, full_name, street, city, postal_code, country, phone, is_default) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		userID, a.FullName, a.Street, a.City, a.PostalCode, a.Country, a.Phone, a.IsDefault)
	if err != nil {
		return Address{}, fmt.Errorf("insert address: %w", err)
	}
	if a.ID, err = res.LastInsertId(); err != nil {
		return Address{}, fmt.Errorf("address id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Address{}, fmt.Errorf("commit address: %w", err)
	}
	return a, nil
}

// CreatePaymentIntent issues an intent awaiting confirmation.
func (s *Store) CreatePaymentIntent(ctx context.Context, amount int64, currency string) (PaymentIntent, error) {
	if amount <= 0 {
		return PaymentIntent{}, errors.New("amount must be positive")
	}
	if strings.TrimSpace(currency) == "" {
		currency = "eur"
	}
	id := "pi_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	intent := PaymentIntent{
		ID:           id,
		ClientSecret: id + "_secret_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16],
		Amount:       amount,
		Currency:     strings.ToLower(currency),
		Status:       IntentRequiresConfirmation,
		CreatedAt:    s.now(),
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO payment_intents(id, client_secret, amount, currency, status, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		intent.ID, intent.ClientSecret, intent.Amount, intent.Currency, intent.Status, intent.CreatedAt,
	); err != nil {
		return PaymentIntent{}, fmt.Errorf("insert payment intent: %w", err)
	}
	return intent, nil
}

// DeclineCardholder is the cardholder name that always triggers a decline.
const DeclineCardholder = "DECLINE"

// ConfirmPaymentIntent captures an intent. Unknown or already-used secrets
// and the test cardholder DeclineCardholder are declined.
func (s *Store) ConfirmPaymentIntent(ctx context.Context, clientSecret, cardholder string) (PaymentIntent, error) {
	var intent PaymentIntent
	err := s.db.QueryRowContext(ctx,
		`SELECT id, client_secret, amount, currency, status, created_at FROM payment_intents WHERE client_secret = ?`, clientSecret).
		Scan(&intent.ID, &intent.ClientSecret, &intent.Amount, &intent.Currency, &intent.Status, &intent.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return PaymentIntent{}, &DeclineError{Code: "resource_missing", Message: "No such payment intent."}
		}
		return PaymentIntent{}, fmt.Errorf("load payment intent: %w", err)
	}
	if intent.Status != IntentRequiresConfirmation {
		return PaymentIntent{}, &DeclineError{Code: "payment_intent_unexpected_state", Message: "This payment has already been processed."}
	}

	status := IntentSucceeded
	if strings.EqualFold(strings.TrimSpace(cardholder), DeclineCardholder) {
		status = IntentDeclined
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE payment_intents SET status = ? WHERE id = ?`, status, intent.ID); err != nil {
		return PaymentIntent{}, fmt.Errorf("update payment intent: %w", err)
	}
	intent.Status = status
	if status == IntentDeclined {
		return intent, &DeclineError{Code: "card_declined", Message: "Your card was declined."}
	}
	return intent, nil
}

// CreateOrder prices the order from the listings, decrements stock and stores
// it. A repeated idempotency key for the same buyer returns the original order
// and created=false.
func (s *Store) CreateOrder(ctx context.Context, in NewOrder) (order Order, created bool, err error) {
	if in.ShippingCost.IsNegative() {
		return Order{}, false, errors.New("shipping cost must not be negative")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Order{}, false, fmt.Errorf("begin create order: %w", err)
	}
	defer tx.Rollback()

	if in.IdempotencyKey != "" {
		var existingID int64
		err := tx.QueryRowContext(ctx, `SELECT id FROM orders WHERE buyer_id = ? AND idempotency_key = ?`, in.BuyerID, in.IdempotencyKey).
			Scan(&existingID)
		switch {
		case err == nil:
			existing, err := s.getOrder(ctx, tx, in.BuyerID, existingID)
			return existing, false, err
		case !errors.Is(err, sql.ErrNoRows):
			return Order{}, false, fmt.Errorf("lookup idempotency key: %w", err)
		}
	}

	status := OrderAwaitingPayment
	if in.PaymentIntentID != "" {
		var intentStatus string
		err := tx.QueryRowContext(ctx, `SELECT status FROM payment_intents WHERE id = ?`, in.PaymentIntentID).Scan(&intentStatus)
		if errors.Is(err, sql.ErrNoRows) {
			return Order{}, false, ErrUnknownPaymentIntent
		}
		if err != nil {
			return Order{}, false, fmt.Errorf("load payment intent: %w", err)
		}
		if intentStatus == IntentSucceeded {
			status = OrderPaid
		}
	}

	items := make([]OrderItem, 0, len(in.Items))
	total := in.ShippingCost
	for _, it := range in.Items {
		listing, err := scanListing(tx.QueryRowContext(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = ?`, it.ListingID))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return Order{}, false, fmt.Errorf("listing %d: %w", it.ListingID, err)
			}
			return Order{}, false, fmt.Errorf("load listing: %w", err)
		}
		if !listing.Active {
			return Order{}, false, fmt.Errorf("listing %d: %w", it.ListingID, ErrListingInactive)
		}
		if it.Quantity > listing.Quantity {
			return Order{}, false, fmt.Errorf("listing %d: %w: %d requested, %d available", it.ListingID, ErrInsufficientStock, it.Quantity, listing.Quantity)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE listings SET quantity = quantity - ? WHERE id = ?`, it.Quantity, it.ListingID); err != nil {
			return Order{}, false, fmt.Errorf("decrement stock: %w", err)
		}
		line := OrderItem{ListingID: listing.ID, ProductTitle: listing.ProductTitle, Price: listing.Price, Quantity: it.Quantity}
		total = total.Add(line.Price.Mul(decimal.NewFromInt(int64(line.Quantity))))
		items = append(items, line)
	}

	var address sql.NullString
	if in.ShippingAddress != nil {
		raw, err := json.Marshal(in.ShippingAddress)
		if err != nil {
			return Order{}, false, fmt.Errorf("encode shipping address: %w", err)
		}
		address = sql.NullString{String: string(raw), Valid: true}
	}
	order = Order{
		BuyerID:         in.BuyerID,
		Status:          status,
		Items:           items,
		ShippingCost:    in.ShippingCost,
		Total:           total,
		DeliveryMethod:  in.DeliveryMethod,
		PaymentIntentID: in.PaymentIntentID,
		ShippingAddress: in.ShippingAddress,
		CreatedAt:       s.now(),
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO orders(buyer_id, status, shipping_cost, total, delivery_method, payment_intent_id, shipping_address, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		order.BuyerID, order.Status, order.ShippingCost.String(), order.Total.String(), order.DeliveryMethod,
		nullString(order.PaymentIntentID), address, nullString(in.IdempotencyKey), order.CreatedAt,
	)
	if err != nil {
		return Order{}, false, fmt.Errorf("insert order: %w", err)
	}
	if order.ID, err = res.LastInsertId(); err != nil {
		return Order{}, false, fmt.Errorf("order id: %w", err)
	}
	for _, it := range items {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO order_items(order_id, listing_id, product_title, price, quantity) VALUES (?, ?, ?, ?, ?)`,
			order.ID, it.ListingID, it.ProductTitle, it.Price.String(), it.Quantity,
		); err != nil {
			return Order{}, false, fmt.Errorf("insert order item: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return Order{}, false, fmt.Errorf("commit order: %w", err)
	}
	return order, true, nil
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

// GetOrder fetches one of the buyer's orders.
func (s *Store) GetOrder(ctx context.Context, buyerID, orderID int64) (Order, error) {
	return s.getOrder(ctx, s.db, buyerID, orderID)
}

func (s *Store) getOrder(ctx context.Context, q querier, buyerID, orderID int64) (Order, error) {
	var (
		o       Order
		intent  sql.NullString
		address sql.NullString
	)
	err := q.QueryRowContext(ctx,
		`SELECT id, buyer_id, status, shipping_cost, total, delivery_method, payment_intent_id, shipping_address, created_at
		FROM orders WHERE buyer_id = ? AND id = ?`, buyerID, orderID).
		Scan(&o.ID, &o.BuyerID, &o.Status, &o.ShippingCost, &o.Total, &o.DeliveryMethod, &intent, &address, &o.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Order{}, err
		}
		return Order{}, fmt.Errorf("get order: %w", err)
	}
	o.PaymentIntentID = intent.String
	if address.Valid {
		o.ShippingAddress = &Address{}
		if err := json.Unmarshal([]byte(address.String), o.ShippingAddress); err != nil {
			return Order{}, fmt.Errorf("decode shipping address: %w", err)
		}
	}

	rows, err := q.QueryContext(ctx,
		`SELECT listing_id, product_title, price, quantity FROM order_items WHERE order_id = ? ORDER BY rowid`, o.ID)
	if err != nil {
		return Order{}, fmt.Errorf("list order items: %w", err)
	}
	defer rows.Close()
	o.Items = []OrderItem{}
	for rows.Next() {
		var it OrderItem
		if err := rows.Scan(&it.ListingID, &it.ProductTitle, &it.Price, &it.Quantity); err != nil {
			return Order{}, fmt.Errorf("scan order item: %w", err)
		}
		o.Items = append(o.Items, it)
	}
	if err := rows.Err(); err != nil {
		return Order{}, fmt.Errorf("iter order items: %w", err)
	}
	return o, nil
}

// ListOrders returns the buyer's orders, newest first.
func (s *Store) ListOrders(ctx context.Context, buyerID int64) ([]Order, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM orders WHERE buyer_id = ? ORDER BY created_at DESC, id DESC`, buyerID)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan order id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter orders: %w", err)
	}

	orders := make([]Order, 0, len(ids))
	for _, id := range ids {
		o, err := s.getOrder(ctx, s.db, buyerID, id)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, nil
}

// QueueEmail stores a message in the outbox.
func (s *Store) QueueEmail(ctx context.Context, e Email) (Email, error) {
	e.ID = uuid.NewString()
	e.Status = EmailQueued
	e.CreatedAt = s.now()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO emails(id, recipient, subject, html, status, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.To, e.Subject, e.HTML, e.Status, e.CreatedAt,
	); err != nil {
		return Email{}, fmt.Errorf("insert email: %w", err)
	}
	return e, nil
}

// MarkEmail records the delivery outcome of an outbox message.
func (s *Store) MarkEmail(ctx context.Context, id, status, errMsg string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE emails SET status = ?, error = ? WHERE id = ?`, status, errMsg, id); err != nil {
		return fmt.Errorf("update email: %w", err)
	}
	return nil
}

// ListEmails returns the outbox, newest first.
func (s *Store) ListEmails(ctx context.Context) ([]Email, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, recipient, subject, html, status, error, created_at FROM emails ORDER BY created_at DESC, rowid DESC`)
	if err != nil {
		return nil, fmt.Errorf("list emails: %w", err)
	}
	defer rows.Close()
	emails := []Email{}
	for rows.Next() {
		var e Email
		if err := rows.Scan(&e.ID, &e.To, &e.Subject, &e.HTML, &e.Status, &e.Error, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan email: %w", err)
		}
		emails = append(emails, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter emails: %w", err)
	}
	return emails, nil
}
