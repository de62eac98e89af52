package domain

import (
	"fmt"

	"github.com/shopspring/decimal"

	apperrors "github.com/utafrali/cartsync/pkg/errors"
)

// Limits shared with the cart service, so a guest cart always fits the
// durable cart it is merged into.
const (
	// MaxQuantityPerLine caps a single line's quantity.
	MaxQuantityPerLine = 100
	// MaxLines caps the number of distinct products in a cart.
	MaxLines = 50
)

// CartLine is one product's entry in a cart.
type CartLine struct {
	ProductID  string          `json:"product_id"`
	Name       string          `json:"name"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	Quantity   int             `json:"quantity"`
	ImageRef   string          `json:"image_ref,omitempty"`
	Category   string          `json:"category,omitempty"`
	Available  bool            `json:"available"`
	StockLimit *int            `json:"stock_limit,omitempty"`
}

// Product holds the catalog fields copied into a new cart line.
type Product struct {
	ID         string          `json:"id" validate:"required,max=128"`
	Name       string          `json:"name" validate:"max=500"`
	UnitPrice  decimal.Decimal `json:"unit_price" validate:"gte=0"`
	ImageRef   string          `json:"image_ref" validate:"max=2048"`
	Category   string          `json:"category" validate:"max=200"`
	Available  bool            `json:"available"`
	StockLimit *int            `json:"stock_limit" validate:"omitempty,gte=0"`
}

// Validate checks the fields a cart line depends on.
func (p Product) Validate() error {
	switch {
	case p.ID == "":
		return apperrors.InvalidInput("product id is required")
	case p.UnitPrice.IsNegative():
		return apperrors.InvalidInput("unit price must not be negative")
	case !p.Available:
		return apperrors.InvalidInput(fmt.Sprintf("product %s is not available", p.ID))
	case p.StockLimit != nil && *p.StockLimit <= 0:
		return apperrors.InvalidInput(fmt.Sprintf("product %s is out of stock", p.ID))
	}
	return nil
}

func (p Product) line(qty int) CartLine {
	return CartLine{
		ProductID:  p.ID,
		Name:       p.Name,
		UnitPrice:  p.UnitPrice,
		Quantity:   qty,
		ImageRef:   p.ImageRef,
		Category:   p.Category,
		Available:  p.Available,
		StockLimit: copyLimit(p.StockLimit),
	}
}

// Subtotal is unit price times quantity.
func (l CartLine) Subtotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// Clamp bounds qty by the line's stock limit and MaxQuantityPerLine.
func (l CartLine) Clamp(qty int) int {
	if l.StockLimit != nil && qty > *l.StockLimit {
		qty = *l.StockLimit
	}
	return min(qty, MaxQuantityPerLine)
}

// Equal reports whether two lines hold the same values.
func (l CartLine) Equal(o CartLine) bool {
	if l.ProductID != o.ProductID || l.Name != o.Name || l.Quantity != o.Quantity ||
		l.ImageRef != o.ImageRef || l.Category != o.Category || l.Available != o.Available ||
		!l.UnitPrice.Equal(o.UnitPrice) {
		return false
	}
	if l.StockLimit == nil || o.StockLimit == nil {
		return l.StockLimit == o.StockLimit
	}
	return *l.StockLimit == *o.StockLimit
}

func (l CartLine) clone() CartLine {
	l.StockLimit = copyLimit(l.StockLimit)
	return l
}

func copyLimit(v *int) *int {
	if v == nil {
		return nil
	}
	n := *v
	return &n
}

// Lines is an ordered cart, at most one line per product. Operations never
// modify the receiver; they return a new slice.
type Lines []CartLine

// Clone returns a deep copy.
func (ls Lines) Clone() Lines {
	out := make(Lines, len(ls))
	for i, l := range ls {
		out[i] = l.clone()
	}
	return out
}

// Index returns the position of productID's line, or -1.
func (ls Lines) Index(productID string) int {
	for i := range ls {
		if ls[i].ProductID == productID {
			return i
		}
	}
	return -1
}

// Find returns productID's line.
func (ls Lines) Find(productID string) (CartLine, bool) {
	if i := ls.Index(productID); i >= 0 {
		return ls[i], true
	}
	return CartLine{}, false
}

// WithAdded adds qty of p. An existing line has its quantity increased, a new
// product is appended unless the cart already holds MaxLines products. The
// result is clamped to the stock limit; a line that would end up with no
// quantity is dropped.
func (ls Lines) WithAdded(p Product, qty int) Lines {
	i := ls.Index(p.ID)
	if i < 0 {
		if len(ls) >= MaxLines {
			return ls
		}
		line := p.line(qty)
		line.Quantity = line.Clamp(qty)
		if line.Quantity <= 0 {
			return ls
		}
		out := make(Lines, len(ls), len(ls)+1)
		copy(out, ls)
		return append(out, line)
	}

	line := ls[i]
	if p.StockLimit != nil {
		line.StockLimit = copyLimit(p.StockLimit)
	}
	return ls.replace(i, line, line.Clamp(line.Quantity+qty))
}

// WithQuantity sets productID's quantity, clamped to the stock limit. Zero or
// less removes the line. An absent product leaves the lines unchanged.
func (ls Lines) WithQuantity(productID string, qty int) Lines {
	i := ls.Index(productID)
	if i < 0 {
		return ls
	}
	return ls.replace(i, ls[i], ls[i].Clamp(qty))
}

// Without removes productID's line.
func (ls Lines) Without(productID string) Lines {
	i := ls.Index(productID)
	if i < 0 {
		return ls
	}
	out := make(Lines, 0, len(ls)-1)
	out = append(out, ls[:i]...)
	return append(out, ls[i+1:]...)
}

func (ls Lines) replace(i int, line CartLine, qty int) Lines {
	if qty <= 0 {
		return ls.Without(line.ProductID)
	}
	line.Quantity = qty
	out := make(Lines, len(ls))
	copy(out, ls)
	out[i] = line
	return out
}

// TotalItems is the sum of quantities.
func (ls Lines) TotalItems() int {
	var n int
	for _, l := range ls {
		n += l.Quantity
	}
	return n
}

// TotalPrice is the sum of line subtotals.
func (ls Lines) TotalPrice() decimal.Decimal {
	total := decimal.Zero
	for _, l := range ls {
		total = total.Add(l.Subtotal())
	}
	return total
}

// Equal reports element-wise equality, order included.
func (ls Lines) Equal(o Lines) bool {
	if len(ls) != len(o) {
		return false
	}
	for i := range ls {
		if !ls[i].Equal(o[i]) {
			return false
		}
	}
	return true
}

// Validate checks a decoded line list: unique products, positive quantities.
func (ls Lines) Validate() error {
	seen := make(map[string]struct{}, len(ls))
	for _, l := range ls {
		if l.ProductID == "" {
			return fmt.Errorf("line without product id")
		}
		if l.Quantity < 1 {
			return fmt.Errorf("line %s has quantity %d", l.ProductID, l.Quantity)
		}
		if l.UnitPrice.IsNegative() {
			return fmt.Errorf("line %s has a negative price", l.ProductID)
		}
		if _, dup := seen[l.ProductID]; dup {
			return fmt.Errorf("duplicate line for product %s", l.ProductID)
		}
		seen[l.ProductID] = struct{}{}
	}
	return nil
}
