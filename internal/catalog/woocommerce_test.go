package catalog

import (
	"context"
	"encoding/base64"
	"net"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// newUpstream serves a minimal store API on a loopback port.
func newUpstream(t *testing.T) string {
	t.Helper()
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	wantAuth := "Basic " + base64.StdEncoding.EncodeToString([]byte("ck:cs"))
	app.Use(func(c *fiber.Ctx) error {
		if c.Get(fiber.HeaderAuthorization) != wantAuth {
			return c.SendStatus(fiber.StatusUnauthorized)
		}
		return c.Next()
	})

	api := app.Group("/wp-json/wc/v3")
	api.Get("/products/categories", func(c *fiber.Ctx) error {
		if c.Query("parent") == "10" {
			return c.JSON([]fiber.Map{{"id": 11, "name": "Pads", "parent": 10, "count": 4}})
		}
		return c.JSON([]fiber.Map{
			{"id": 10, "name": "Brakes", "parent": 0, "count": 7},
			{"id": 20, "name": "Filters", "parent": 0, "count": 0},
		})
	})
	api.Get("/products/attributes/:id/terms", func(c *fiber.Ctx) error {
		if c.Params("id") == "3" {
			return c.JSON([]fiber.Map{{"id": 1, "name": "Chevrolet"}, {"id": 2, "name": "Renault"}})
		}
		return c.SendStatus(fiber.StatusNotFound)
	})
	api.Get("/products/:id", func(c *fiber.Ctx) error {
		if c.Params("id") != "101" {
			return c.SendStatus(fiber.StatusNotFound)
		}
		return c.JSON(fiber.Map{
			"id": 101, "name": "Brake pad", "price": "25.00", "stock_status": "instock",
			"images": []fiber.Map{{"src": "https://shop.example.com/pad.jpg"}},
		})
	})
	api.Get("/products", func(c *fiber.Ctx) error {
		all := []fiber.Map{
			{"id": 101, "name": "Brake pad", "price": "25.00"},
			{"id": 102, "name": "Brake disc", "price": "80.00"},
			{"id": 103, "name": "Caliper", "price": "120.00"},
		}
		if c.Query("search") != "" {
			return c.JSON(all[:1])
		}
		offset := c.QueryInt("offset")
		limit := c.QueryInt("per_page")
		if offset >= len(all) {
			return c.JSON([]fiber.Map{})
		}
		end := min(offset+limit, len(all))
		return c.JSON(all[offset:end])
	})
	api.Get("/orders", func(c *fiber.Ctx) error {
		return c.JSON([]fiber.Map{
			{"id": 1, "number": "1001", "status": "completed", "total": "50.00", "currency": "USD",
				"billing": fiber.Map{"email": "Ana@Example.com"}},
			{"id": 2, "number": "1002", "status": "processing", "total": "10.00", "currency": "USD",
				"billing": fiber.Map{"email": "someone.else@example.com"}},
		})
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go app.Listener(ln) //nolint:errcheck
	t.Cleanup(func() { _ = app.Shutdown() })
	return "http://" + ln.Addr().String()
}

func newTestClient(t *testing.T, baseURL string) *WooClient {
	return NewWooClient(Config{
		BaseURL:        baseURL + "/",
		ConsumerKey:    "ck",
		ConsumerSecret: "cs",
		BrandAttribute: 3,
		Timeout:        5 * time.Second,
	}, zaptest.NewLogger(t))
}

func TestWooCategories(t *testing.T) {
	c := newTestClient(t, newUpstream(t))
	ctx := context.Background()

	cats, err := c.Categories(ctx)
	require.NoError(t, err)
	require.Len(t, cats, 2)
	assert.Equal(t, "Brakes", cats[0].Name)
	assert.Equal(t, 7, cats[0].Count)

	subs, err := c.Subcategories(ctx, 10)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, 10, subs[0].Parent)
}

func TestWooProductsPaginates(t *testing.T) {
	c := newTestClient(t, newUpstream(t))
	ctx := context.Background()

	page, err := c.Products(ctx, 10, 1, 2)
	require.NoError(t, err)
	assert.Len(t, page.Products, 2)
	assert.True(t, page.HasMore)

	page, err = c.Products(ctx, 10, 2, 2)
	require.NoError(t, err)
	require.Len(t, page.Products, 1)
	assert.Equal(t, "Caliper", page.Products[0].Name)
	assert.False(t, page.HasMore)
}

func TestWooProductImages(t *testing.T) {
	c := newTestClient(t, newUpstream(t))

	p, err := c.Product(context.Background(), 101)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://shop.example.com/pad.jpg"}, p.Images)
	assert.True(t, p.InStock())

	_, err = c.Product(context.Background(), 999)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestWooTerms(t *testing.T) {
	c := newTestClient(t, newUpstream(t))

	brands, err := c.Brands(context.Background())
	require.NoError(t, err)
	assert.Len(t, brands, 2)

	_, err = c.Models(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable, "model attribute is not configured")
}

func TestWooSearchAndOrders(t *testing.T) {
	c := newTestClient(t, newUpstream(t))
	ctx := context.Background()

	products, err := c.SearchProducts(ctx, QuoteFilters{BrandName: "Chevrolet", CategoryID: 10}, 9)
	require.NoError(t, err)
	assert.Len(t, products, 1)

	orders, err := c.OrdersByEmail(ctx, "ana@example.com")
	require.NoError(t, err)
	require.Len(t, orders, 1, "orders billed to other emails are dropped")
	assert.Equal(t, "1001", orders[0].Number)
}

func TestWooRejectsBadCredentials(t *testing.T) {
	base := newUpstream(t)
	c := NewWooClient(Config{BaseURL: base, ConsumerKey: "ck", ConsumerSecret: "wrong"}, zaptest.NewLogger(t))

	_, err := c.Categories(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorContains(t, err, "status 401")
}

func TestWooUnconfigured(t *testing.T) {
	c := NewWooClient(Config{}, zaptest.NewLogger(t))
	_, err := c.Categories(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestQuoteFiltersSummary(t *testing.T) {
	assert.Equal(t, "no filters", QuoteFilters{}.Summary())
	assert.Equal(t, "Brand: Renault, Category: Filters",
		QuoteFilters{BrandName: "Renault", CategoryName: "Filters"}.Summary())
}
