package fdx

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound is wrapped by every lookup of a record that does not exist.
var ErrNotFound = errors.New("fdx: not found")

// IsNotFound reports whether err, or a failure wrapping it, is a missing record.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// Dataset loads customer records. Implementations must be safe for
// concurrent use; errors other than ErrNotFound are classified by the engine.
type Dataset interface {
	Customer(ctx context.Context, customerID string) (*CustomerRecord, error)
}

//go:embed seed.json
var seedJSON []byte

// MemoryDataset is an immutable in-memory dataset.
type MemoryDataset struct {
	records map[string]*CustomerRecord
}

// NewMemoryDataset indexes records by customer ID.
func NewMemoryDataset(records []CustomerRecord) (*MemoryDataset, error) {
	ds := &MemoryDataset{records: make(map[string]*CustomerRecord, len(records))}
	for i := range records {
		id := records[i].Customer.CustomerID
		if id == "" {
			return nil, fmt.Errorf("fdx: record %d has no customerId", i)
		}
		if _, dup := ds.records[id]; dup {
			return nil, fmt.Errorf("fdx: duplicate customer %s", id)
		}
		rec := records[i]
		ds.records[id] = &rec
	}
	return ds, nil
}

// LoadMemoryDataset decodes a JSON array of customer records.
func LoadMemoryDataset(r io.Reader) (*MemoryDataset, error) {
	records, err := decodeRecords(r)
	if err != nil {
		return nil, err
	}
	return NewMemoryDataset(records)
}

// SeedDataset returns the bundled sample dataset.
func SeedDataset() (*MemoryDataset, error) {
	return LoadMemoryDataset(bytes.NewReader(seedJSON))
}

// SeedRecords returns the bundled sample records.
func SeedRecords() ([]CustomerRecord, error) {
	return decodeRecords(bytes.NewReader(seedJSON))
}

func decodeRecords(r io.Reader) ([]CustomerRecord, error) {
	var records []CustomerRecord
	if err := json.NewDecoder(r).Decode(&records); err != nil {
		return nil, fmt.Errorf("fdx: decode dataset: %w", err)
	}
	return records, nil
}

func (ds *MemoryDataset) Customer(_ context.Context, customerID string) (*CustomerRecord, error) {
	rec, ok := ds.records[customerID]
	if !ok {
		return nil, fmt.Errorf("customer %s: %w", customerID, ErrNotFound)
	}
	return rec, nil
}

// CustomerIDs returns the known customer IDs in order.
func (ds *MemoryDataset) CustomerIDs() []string {
	ids := make([]string, 0, len(ds.records))
	for id := range ds.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DB is the part of *pgxpool.Pool the Postgres dataset uses.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresDataset reads customer documents from fdx.documents. Driver errors
// are returned unwrapped so the classifier sees the SQLSTATE.
type PostgresDataset struct {
	db DB
}

func NewPostgresDataset(db DB) *PostgresDataset {
	return &PostgresDataset{db: db}
}

func (ds *PostgresDataset) Customer(ctx context.Context, customerID string) (*CustomerRecord, error) {
	var doc []byte
	err := ds.db.QueryRow(ctx, `SELECT document FROM fdx.documents WHERE customer_id=$1`, customerID).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("customer %s: %w", customerID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var rec CustomerRecord
	if err := json.Unmarshal(doc, &rec); err != nil {
		return nil, fmt.Errorf("customer %s: corrupt document: %w", customerID, err)
	}
	return &rec, nil
}

// Put upserts a customer document.
func (ds *PostgresDataset) Put(ctx context.Context, rec CustomerRecord) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = ds.db.Exec(ctx, `
		INSERT INTO fdx.documents(customer_id, document, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (customer_id) DO UPDATE SET document=EXCLUDED.document, updated_at=now()`,
		rec.Customer.CustomerID, doc)
	if err != nil {
		return fmt.Errorf("upsert customer %s: %w", rec.Customer.CustomerID, err)
	}
	return nil
}

// Seed upserts every record.
func (ds *PostgresDataset) Seed(ctx context.Context, records []CustomerRecord) error {
	for _, rec := range records {
		if err := ds.Put(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}
