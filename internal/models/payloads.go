package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// SaleItem is one line of a point-of-sale transaction.
type SaleItem struct {
	ProductID string          `json:"productId"`
	Name      string          `json:"name,omitempty"`
	Quantity  decimal.Decimal `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
}

// LineTotal returns Quantity * UnitPrice.
func (i SaleItem) LineTotal() decimal.Decimal {
	return i.Quantity.Mul(i.UnitPrice)
}

// Sale is a completed transaction captured on the device.
type Sale struct {
	CustomerID    string          `json:"customerId,omitempty"`
	Items         []SaleItem      `json:"items,omitempty"`
	Total         decimal.Decimal `json:"total"`
	PaymentMethod string          `json:"paymentMethod,omitempty"`
	SoldAt        *time.Time      `json:"soldAt,omitempty"`
}

// Validate checks the sale before it is queued.
func (s *Sale) Validate() error {
	if s.Total.IsNegative() {
		return fmt.Errorf("sale total cannot be negative")
	}
	for i, item := range s.Items {
		if item.ProductID == "" {
			return fmt.Errorf("item %d: product id is required", i)
		}
		if !item.Quantity.IsPositive() {
			return fmt.Errorf("item %d: quantity must be positive", i)
		}
		if item.UnitPrice.IsNegative() {
			return fmt.Errorf("item %d: unit price cannot be negative", i)
		}
	}
	if len(s.Items) > 0 {
		if sum := s.ItemsTotal(); !sum.Equal(s.Total) {
			return fmt.Errorf("sale total %s does not match item total %s", s.Total, sum)
		}
	}
	return nil
}

// ItemsTotal sums the line totals.
func (s *Sale) ItemsTotal() decimal.Decimal {
	sum := decimal.Zero
	for _, item := range s.Items {
		sum = sum.Add(item.LineTotal())
	}
	return sum
}

// InventoryUpdate is a stock-level delta for one product.
type InventoryUpdate struct {
	ProductID     string          `json:"productId"`
	QuantityDelta decimal.Decimal `json:"quantityDelta"`
	Reason        string          `json:"reason,omitempty"`
	Note          string          `json:"note,omitempty"`
}

// Validate checks the update before it is queued.
func (u *InventoryUpdate) Validate() error {
	if u.ProductID == "" {
		return fmt.Errorf("product id is required")
	}
	if u.QuantityDelta.IsZero() {
		return fmt.Errorf("quantity delta cannot be zero")
	}
	return nil
}

// Customer is a cached remote customer record.
type Customer struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

// Product is a cached catalog entry.
type Product struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Category string          `json:"category,omitempty"`
	Brand    string          `json:"brand,omitempty"`
	Price    decimal.Decimal `json:"price"`
	Stock    decimal.Decimal `json:"stock"`
}
