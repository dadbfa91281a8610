// Package catalog reads categories, products, vehicle attributes and orders
// from the upstream store. Every call is best effort; callers turn errors into
// a user-facing "try again later".
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrUnavailable wraps every upstream failure.
var ErrUnavailable = errors.New("catalog unavailable")

type Category struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	Parent int    `json:"parent"`
	Count  int    `json:"count"`
}

type Product struct {
	ID               int      `json:"id"`
	Name             string   `json:"name"`
	Price            string   `json:"price"`
	Permalink        string   `json:"permalink"`
	ShortDescription string   `json:"short_description"`
	StockStatus      string   `json:"stock_status"`
	SKU              string   `json:"sku"`
	Images           []string `json:"-"`
}

// InStock reports whether the store lists the product as available.
func (p Product) InStock() bool {
	return p.StockStatus == "" || p.StockStatus == "instock"
}

// ProductPage is one page of a category listing.
type ProductPage struct {
	Products []Product
	Page     int
	HasMore  bool
}

// Term is a vehicle brand or model attribute value.
type Term struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

type OrderItem struct {
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
	Total    string `json:"total"`
}

type Order struct {
	ID          int         `json:"id"`
	Number      string      `json:"number"`
	Status      string      `json:"status"`
	Total       string      `json:"total"`
	Currency    string      `json:"currency"`
	DateCreated string      `json:"date_created"`
	Items       []OrderItem `json:"line_items"`
}

// QuoteFilters are collected by the quote wizard.
type QuoteFilters struct {
	BrandID         int
	BrandName       string
	ModelID         int
	ModelName       string
	CategoryID      int
	CategoryName    string
	SubcategoryID   int
	SubcategoryName string
}

// Summary renders the filters for the operator and the user.
func (q QuoteFilters) Summary() string {
	var parts []string
	add := func(label, v string) {
		if v != "" {
			parts = append(parts, fmt.Sprintf("%s: %s", label, v))
		}
	}
	add("Brand", q.BrandName)
	add("Model", q.ModelName)
	add("Category", q.CategoryName)
	add("Subcategory", q.SubcategoryName)
	if len(parts) == 0 {
		return "no filters"
	}
	return strings.Join(parts, ", ")
}

// Catalog is the read-only upstream store.
type Catalog interface {
	Categories(ctx context.Context) ([]Category, error)
	Subcategories(ctx context.Context, parentID int) ([]Category, error)
	Products(ctx context.Context, categoryID, page, perPage int) (ProductPage, error)
	Product(ctx context.Context, id int) (Product, error)
	Brands(ctx context.Context) ([]Term, error)
	Models(ctx context.Context) ([]Term, error)
	SearchProducts(ctx context.Context, f QuoteFilters, limit int) ([]Product, error)
	OrdersByEmail(ctx context.Context, email string) ([]Order, error)
}
