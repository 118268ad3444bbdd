package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	ErrProductNotFound = errors.New("store: product not found")
	ErrSKUExists       = errors.New("store: sku already exists")
)

// Product represents a sellable item. Stock of -1 means unlimited.
type Product struct {
	ID        string
	SKU       string
	Name      string
	UnitPrice int64 // minor units
	Stock     int64 // -1 == unlimited
	Active    bool
	Created   time.Time
}

// CreateProduct inserts a new product.
func (s *Store) CreateProduct(p *Product) error {
	active := 0
	if p.Active {
		active = 1
	}

	_, err := s.db.Exec(`
		INSERT INTO products (id, sku, name, unit_price, stock, active, created)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.SKU, p.Name, p.UnitPrice, p.Stock, active, p.Created.Unix())

	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrSKUExists
		}
		return fmt.Errorf("store: create product: %w", err)
	}

	return nil
}

// GetProduct retrieves a product by id.
func (s *Store) GetProduct(id string) (*Product, error) {
	return s.scanProductRow(s.db.QueryRow(`
		SELECT id, sku, name, unit_price, stock, active, created
		FROM products WHERE id = ?
	`, id))
}

// GetProductBySKU retrieves a product by its unique SKU.
func (s *Store) GetProductBySKU(sku string) (*Product, error) {
	return s.scanProductRow(s.db.QueryRow(`
		SELECT id, sku, name, unit_price, stock, active, created
		FROM products WHERE sku = ?
	`, sku))
}

func (s *Store) scanProductRow(row *sql.Row) (*Product, error) {
	var p Product
	var active int
	var created int64

	err := row.Scan(&p.ID, &p.SKU, &p.Name, &p.UnitPrice, &p.Stock, &active, &created)
	if err == sql.ErrNoRows {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get product: %w", err)
	}

	p.Active = active == 1
	p.Created = time.Unix(created, 0)
	return &p, nil
}

// ListActiveProducts returns every active product.
func (s *Store) ListActiveProducts() ([]*Product, error) {
	rows, err := s.db.Query(`
		SELECT id, sku, name, unit_price, stock, active, created
		FROM products WHERE active = 1
		ORDER BY created
	`)
	if err != nil {
		return nil, fmt.Errorf("store: list products: %w", err)
	}
	defer rows.Close()

	var products []*Product
	for rows.Next() {
		var p Product
		var active int
		var created int64

		if err := rows.Scan(&p.ID, &p.SKU, &p.Name, &p.UnitPrice, &p.Stock, &active, &created); err != nil {
			return nil, fmt.Errorf("store: scan product: %w", err)
		}
		p.Active = active == 1
		p.Created = time.Unix(created, 0)
		products = append(products, &p)
	}

	return products, rows.Err()
}

// UpdateProduct updates the mutable fields of a product.
func (s *Store) UpdateProduct(p *Product) error {
	active := 0
	if p.Active {
		active = 1
	}

	result, err := s.db.Exec(`
		UPDATE products SET name = ?, unit_price = ?, stock = ?, active = ?
		WHERE id = ?
	`, p.Name, p.UnitPrice, p.Stock, active, p.ID)
	if err != nil {
		return fmt.Errorf("store: update product: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrProductNotFound
	}

	return nil
}

// DeleteProduct removes a product.
func (s *Store) DeleteProduct(id string) error {
	result, err := s.db.Exec(`DELETE FROM products WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete product: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrProductNotFound
	}

	return nil
}

// AvailableStock returns the derived available stock for a product:
// stock - Σ qty{pending,confirmed}, clamped at 0. -1 (unlimited) passes
// through unchanged.
func (s *Store) AvailableStock(productID string) (int64, error) {
	p, err := s.GetProduct(productID)
	if err != nil {
		return 0, err
	}
	if p.Stock == -1 {
		return -1, nil
	}

	var held sql.NullInt64
	err = s.db.QueryRow(`
		SELECT SUM(quantity) FROM reservations
		WHERE product_id = ? AND status IN ('pending', 'confirmed')
	`, productID).Scan(&held)
	if err != nil {
		return 0, fmt.Errorf("store: sum reservations: %w", err)
	}

	available := p.Stock - held.Int64
	if available < 0 {
		available = 0
	}
	return available, nil
}
