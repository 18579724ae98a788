package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"offer-negotiation-api/internal/models"
	"offer-negotiation-api/internal/negotiation"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a conditional write finds the row in a
	// different state than expected.
	ErrConflict = errors.New("offer was modified concurrently")
)

// Timestamps are stored as fixed-width UTC strings so they sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// DB wraps the database connection and provides methods for data access.
type DB struct {
	conn    *sql.DB
	dialect dialect
}

// NewDB opens a connection for the given driver and initializes the schema.
func NewDB(driver, dsn string) (*DB, error) {
	d, err := newDialect(driver)
	if err != nil {
		return nil, err
	}

	conn, err := sql.Open(d.driver, d.dsn(dsn))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// sqlite allows one writer at a time.
	if d.driver == DriverSQLite {
		conn.SetMaxOpenConns(1)
	}

	db := &DB{conn: conn, dialect: d}

	if err := db.initSchema(context.Background()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Driver returns the name of the SQL driver in use.
func (db *DB) Driver() string {
	return db.dialect.driver
}

// Ping checks that the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// initSchema creates the necessary tables if they don't exist.
func (db *DB) initSchema(ctx context.Context) error {
	d := db.dialect
	queries := []string{
		`CREATE TABLE IF NOT EXISTS properties (
			id VARCHAR(64) PRIMARY KEY,
			owner_id VARCHAR(64) NOT NULL,
			title TEXT NOT NULL,
			address TEXT NOT NULL,
			price DOUBLE PRECISION NOT NULL,
			images TEXT NOT NULL,
			updated_at VARCHAR(40) NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS profiles (
			id VARCHAR(64) PRIMARY KEY,
			display_name TEXT NULL,
			updated_at VARCHAR(40) NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS offers (
			id VARCHAR(64) PRIMARY KEY,
			property_id VARCHAR(64) NOT NULL,
			buyer_id VARCHAR(64) NOT NULL,
			seller_id VARCHAR(64) NOT NULL,
			offer_amount DOUBLE PRECISION NOT NULL,
			counter_amount DOUBLE PRECISION NULL,
			currency VARCHAR(3) NOT NULL,
			status VARCHAR(16) NOT NULL,
			message TEXT NULL,
			seller_response TEXT NULL,
			expires_at VARCHAR(40) NULL,
			created_at VARCHAR(40) NOT NULL,
			updated_at VARCHAR(40) NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS offer_status_history (
			id VARCHAR(64) PRIMARY KEY,
			offer_id VARCHAR(64) NOT NULL,
			from_status VARCHAR(16) NOT NULL,
			to_status VARCHAR(16) NOT NULL,
			actor_id VARCHAR(64) NOT NULL,
			changed_at VARCHAR(40) NOT NULL
		)`,
		d.createIndex("idx_offers_buyer", "offers", "buyer_id", "created_at"),
		d.createIndex("idx_offers_seller", "offers", "seller_id", "created_at"),
		d.createIndex("idx_offers_property", "offers", "property_id"),
		d.createIndex("idx_history_offer", "offer_status_history", "offer_id", "changed_at"),
	}

	for _, query := range queries {
		if _, err := db.conn.ExecContext(ctx, query); err != nil && !d.ignorableSchemaError(err) {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}

	return nil
}

// UpsertProperty creates or updates a property summary.
func (db *DB) UpsertProperty(ctx context.Context, p models.Property) error {
	images, err := json.Marshal(nonNilStrings(p.Images))
	if err != nil {
		return fmt.Errorf("failed to encode images: %w", err)
	}

	query := db.dialect.upsert("properties", "id",
		[]string{"id", "owner_id", "title", "address", "price", "images", "updated_at"})

	_, err = db.conn.ExecContext(ctx, db.dialect.rebind(query),
		p.ID,
		p.OwnerID,
		p.Title,
		p.Address,
		p.Price,
		string(images),
		formatTime(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert property: %w", err)
	}

	return nil
}

// GetProperty returns a property summary by id.
func (db *DB) GetProperty(ctx context.Context, id string) (models.Property, error) {
	query := `SELECT id, owner_id, title, address, price, images, updated_at
		FROM properties WHERE id = ?`

	var p models.Property
	var images, updatedAt string
	err := db.conn.QueryRowContext(ctx, db.dialect.rebind(query), id).Scan(
		&p.ID, &p.OwnerID, &p.Title, &p.Address, &p.Price, &images, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Property{}, ErrNotFound
	}
	if err != nil {
		return models.Property{}, fmt.Errorf("failed to get property: %w", err)
	}

	p.Images = decodeImages(images)
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return models.Property{}, fmt.Errorf("failed to parse updated_at: %w", err)
	}

	return p, nil
}

// UpsertProfile creates or updates a user profile.
func (db *DB) UpsertProfile(ctx context.Context, p models.Profile) error {
	query := db.dialect.upsert("profiles", "id", []string{"id", "display_name", "updated_at"})

	_, err := db.conn.ExecContext(ctx, db.dialect.rebind(query),
		p.ID,
		nullString(p.DisplayName),
		formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert profile: %w", err)
	}

	return nil
}

// GetProfile returns a user profile by id.
func (db *DB) GetProfile(ctx context.Context, id string) (models.Profile, error) {
	var name sql.NullString
	err := db.conn.QueryRowContext(ctx,
		db.dialect.rebind(`SELECT display_name FROM profiles WHERE id = ?`), id,
	).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Profile{}, ErrNotFound
	}
	if err != nil {
		return models.Profile{}, fmt.Errorf("failed to get profile: %w", err)
	}

	return models.Profile{ID: id, DisplayName: stringPtr(name)}, nil
}

// InsertOffer stores a newly submitted offer.
func (db *DB) InsertOffer(ctx context.Context, o models.Offer) error {
	query := `INSERT INTO offers (
		id, property_id, buyer_id, seller_id, offer_amount, counter_amount,
		currency, status, message, seller_response, expires_at, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := db.conn.ExecContext(ctx, db.dialect.rebind(query),
		o.ID,
		o.PropertyID,
		o.BuyerID,
		o.SellerID,
		o.OfferAmount,
		nullFloat(o.CounterAmount),
		o.Currency,
		string(o.Status),
		nullString(o.Message),
		nullString(o.SellerResponse),
		nullTime(o.ExpiresAt),
		formatTime(o.CreatedAt),
		formatTime(o.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert offer: %w", err)
	}

	return nil
}

const offerColumns = `o.id, o.property_id, o.buyer_id, o.seller_id, o.offer_amount, o.counter_amount,
	o.currency, o.status, o.message, o.seller_response, o.expires_at, o.created_at, o.updated_at`

const propertyColumns = `p.id, p.owner_id, p.title, p.address, p.price, p.images, p.updated_at`

// GetOffer returns an offer by id.
func (db *DB) GetOffer(ctx context.Context, id string) (models.Offer, error) {
	query := `SELECT ` + offerColumns + ` FROM offers o WHERE o.id = ?`

	offer, err := scanOffer(db.conn.QueryRowContext(ctx, db.dialect.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Offer{}, ErrNotFound
	}
	if err != nil {
		return models.Offer{}, fmt.Errorf("failed to get offer: %w", err)
	}

	return offer, nil
}

// GetOfferWithProperty returns an offer joined with its property summary.
// Property is nil when the summary is unknown.
func (db *DB) GetOfferWithProperty(ctx context.Context, id string) (models.Offer, *models.Property, error) {
	query := `SELECT ` + offerColumns + `, ` + propertyColumns + `
		FROM offers o LEFT JOIN properties p ON p.id = o.property_id
		WHERE o.id = ?`

	offer, property, err := scanOfferWithProperty(db.conn.QueryRowContext(ctx, db.dialect.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Offer{}, nil, ErrNotFound
	}
	if err != nil {
		return models.Offer{}, nil, fmt.Errorf("failed to get offer: %w", err)
	}

	return offer, property, nil
}

// OfferRow is an offer with its optional property summary.
type OfferRow struct {
	Offer    models.Offer
	Property *models.Property
}

// ListOffersByBuyer returns the offers a user has made, newest first.
func (db *DB) ListOffersByBuyer(ctx context.Context, buyerID string) ([]OfferRow, error) {
	return db.listOffers(ctx, "o.buyer_id", buyerID)
}

// ListOffersBySeller returns the offers a user has received, newest first.
func (db *DB) ListOffersBySeller(ctx context.Context, sellerID string) ([]OfferRow, error) {
	return db.listOffers(ctx, "o.seller_id", sellerID)
}

// PropertyParties returns the distinct buyer and seller ids of the offers
// made on a property.
func (db *DB) PropertyParties(ctx context.Context, propertyID string) (buyers, sellers []string, err error) {
	query := `SELECT DISTINCT buyer_id, seller_id FROM offers WHERE property_id = ?`

	rows, err := db.conn.QueryContext(ctx, db.dialect.rebind(query), propertyID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query offer parties: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var buyer, seller string
		if err := rows.Scan(&buyer, &seller); err != nil {
			return nil, nil, fmt.Errorf("failed to scan offer parties: %w", err)
		}
		buyers = append(buyers, buyer)
		sellers = append(sellers, seller)
	}

	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error iterating offer parties: %w", err)
	}

	return buyers, sellers, nil
}

func (db *DB) listOffers(ctx context.Context, column, userID string) ([]OfferRow, error) {
	query := `SELECT ` + offerColumns + `, ` + propertyColumns + `
		FROM offers o LEFT JOIN properties p ON p.id = o.property_id
		WHERE ` + column + ` = ?
		ORDER BY o.created_at DESC, o.id`

	rows, err := db.conn.QueryContext(ctx, db.dialect.rebind(query), userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query offers: %w", err)
	}
	defer rows.Close()

	var result []OfferRow
	for rows.Next() {
		offer, property, err := scanOfferWithProperty(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan offer: %w", err)
		}
		result = append(result, OfferRow{Offer: offer, Property: property})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating offers: %w", err)
	}

	return result, nil
}

// TransitionOffer writes the new state of an offer only if the stored row
// is still in status from, and records the change in the history table.
func (db *DB) TransitionOffer(ctx context.Context, next models.Offer, from models.OfferStatus, change models.StatusChange) error {
	if !negotiation.CanTransition(from, next.Status) {
		return fmt.Errorf("%w: %s -> %s", negotiation.ErrInvalidTransition, from, next.Status)
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	update := `UPDATE offers SET
		status = ?, offer_amount = ?, counter_amount = ?, seller_response = ?, updated_at = ?
		WHERE id = ? AND status = ?`

	res, err := tx.ExecContext(ctx, db.dialect.rebind(update),
		string(next.Status),
		next.OfferAmount,
		nullFloat(next.CounterAmount),
		nullString(next.SellerResponse),
		formatTime(next.UpdatedAt),
		next.ID,
		string(from),
	)
	if err != nil {
		return fmt.Errorf("failed to update offer: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		var current string
		err := tx.QueryRowContext(ctx, db.dialect.rebind(`SELECT status FROM offers WHERE id = ?`), next.ID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read offer status: %w", err)
		}
		return fmt.Errorf("%w: expected %s, found %s", ErrConflict, from, current)
	}

	insert := `INSERT INTO offer_status_history (
		id, offer_id, from_status, to_status, actor_id, changed_at
	) VALUES (?, ?, ?, ?, ?, ?)`

	_, err = tx.ExecContext(ctx, db.dialect.rebind(insert),
		change.ID,
		next.ID,
		string(from),
		string(next.Status),
		change.ActorID,
		formatTime(change.ChangedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to record status change: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// ListStatusChanges returns the recorded transitions of an offer, oldest first.
func (db *DB) ListStatusChanges(ctx context.Context, offerID string) ([]models.StatusChange, error) {
	query := `SELECT id, offer_id, from_status, to_status, actor_id, changed_at
		FROM offer_status_history
		WHERE offer_id = ?
		ORDER BY changed_at, id`

	rows, err := db.conn.QueryContext(ctx, db.dialect.rebind(query), offerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query status history: %w", err)
	}
	defer rows.Close()

	changes := []models.StatusChange{}
	for rows.Next() {
		var c models.StatusChange
		var from, to, changedAt string
		if err := rows.Scan(&c.ID, &c.OfferID, &from, &to, &c.ActorID, &changedAt); err != nil {
			return nil, fmt.Errorf("failed to scan status change: %w", err)
		}
		c.FromStatus = models.OfferStatus(from)
		c.ToStatus = models.OfferStatus(to)
		if c.ChangedAt, err = parseTime(changedAt); err != nil {
			return nil, fmt.Errorf("failed to parse changed_at: %w", err)
		}
		changes = append(changes, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating status history: %w", err)
	}

	return changes, nil
}

type scanner interface {
	Scan(dest ...any) error
}

type offerFields struct {
	status                       string
	counter                      sql.NullFloat64
	message, response, expiresAt sql.NullString
	createdAt, updatedAt         string
}

func (f *offerFields) dest(o *models.Offer) []any {
	return []any{
		&o.ID, &o.PropertyID, &o.BuyerID, &o.SellerID, &o.OfferAmount, &f.counter,
		&o.Currency, &f.status, &f.message, &f.response, &f.expiresAt, &f.createdAt, &f.updatedAt,
	}
}

func (f *offerFields) fill(o *models.Offer) error {
	var err error
	o.Status = models.OfferStatus(f.status)
	if !negotiation.IsValidStatus(o.Status) {
		return fmt.Errorf("unknown offer status %q", f.status)
	}
	o.CounterAmount = floatPtr(f.counter)
	o.Message = stringPtr(f.message)
	o.SellerResponse = stringPtr(f.response)
	if f.expiresAt.Valid {
		t, err := parseTime(f.expiresAt.String)
		if err != nil {
			return fmt.Errorf("failed to parse expires_at: %w", err)
		}
		o.ExpiresAt = &t
	}
	if o.CreatedAt, err = parseTime(f.createdAt); err != nil {
		return fmt.Errorf("failed to parse created_at: %w", err)
	}
	if o.UpdatedAt, err = parseTime(f.updatedAt); err != nil {
		return fmt.Errorf("failed to parse updated_at: %w", err)
	}
	return nil
}

func scanOffer(s scanner) (models.Offer, error) {
	var o models.Offer
	var f offerFields
	if err := s.Scan(f.dest(&o)...); err != nil {
		return models.Offer{}, err
	}
	if err := f.fill(&o); err != nil {
		return models.Offer{}, err
	}
	return o, nil
}

func scanOfferWithProperty(s scanner) (models.Offer, *models.Property, error) {
	var o models.Offer
	var f offerFields
	var pID, pOwner, pTitle, pAddress, pImages, pUpdated sql.NullString
	var pPrice sql.NullFloat64

	dest := append(f.dest(&o), &pID, &pOwner, &pTitle, &pAddress, &pPrice, &pImages, &pUpdated)
	if err := s.Scan(dest...); err != nil {
		return models.Offer{}, nil, err
	}
	if err := f.fill(&o); err != nil {
		return models.Offer{}, nil, err
	}

	if !pID.Valid {
		return o, nil, nil
	}

	p := &models.Property{
		ID:      pID.String,
		OwnerID: pOwner.String,
		Title:   pTitle.String,
		Address: pAddress.String,
		Price:   pPrice.Float64,
		Images:  decodeImages(pImages.String),
	}
	if pUpdated.Valid {
		t, err := parseTime(pUpdated.String)
		if err != nil {
			return models.Offer{}, nil, fmt.Errorf("failed to parse property updated_at: %w", err)
		}
		p.UpdatedAt = t
	}

	return o, p, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func floatPtr(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	f := nf.Float64
	return &f
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// decodeImages reads the stored image list; a comma-separated list from
// older rows is accepted as well.
func decodeImages(serialized string) []string {
	if serialized == "" || serialized == "[]" {
		return []string{}
	}

	var result []string
	if err := json.Unmarshal([]byte(serialized), &result); err == nil {
		return result
	}

	return strings.Split(serialized, ",")
}
