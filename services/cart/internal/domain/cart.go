package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Cart is a user's durable shopping cart. Lines are unique by ProductID and
// keep their insertion order.
type Cart struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Lines     []Line    `json:"lines"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Line is one product's entry in a cart. The catalog fields are copied in
// when the line is first added.
type Line struct {
	ProductID  string          `json:"product_id"`
	Name       string          `json:"name"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	Quantity   int             `json:"quantity"`
	ImageRef   string          `json:"image_ref,omitempty"`
	Category   string          `json:"category,omitempty"`
	Available  bool            `json:"available"`
	StockLimit *int            `json:"stock_limit,omitempty"`
}

// TotalPrice is the sum of unit price times quantity over all lines.
func (c *Cart) TotalPrice() decimal.Decimal {
	total := decimal.Zero
	for _, l := range c.Lines {
		total = total.Add(l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity))))
	}
	return total
}

// ItemCount returns the sum of quantities.
func (c *Cart) ItemCount() int {
	var count int
	for _, l := range c.Lines {
		count += l.Quantity
	}
	return count
}

// FindLine returns the index of the line for productID, or -1.
func (c *Cart) FindLine(productID string) int {
	for i := range c.Lines {
		if c.Lines[i].ProductID == productID {
			return i
		}
	}
	return -1
}

// RemoveLine drops the line at index i, preserving order.
func (c *Cart) RemoveLine(i int) {
	c.Lines = append(c.Lines[:i:i], c.Lines[i+1:]...)
}

// Clamp bounds qty by the line's stock limit and by max.
func (l Line) Clamp(qty, max int) int {
	if l.StockLimit != nil && qty > *l.StockLimit {
		qty = *l.StockLimit
	}
	if qty > max {
		qty = max
	}
	return qty
}

// Touch bumps the timestamps after a mutation.
func (c *Cart) Touch(now time.Time, ttl time.Duration) {
	c.UpdatedAt = now
	c.ExpiresAt = now.Add(ttl)
}
