package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// Config points the client at a WooCommerce-compatible REST API.
type Config struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	BrandAttribute int
	ModelAttribute int
	Timeout        time.Duration
}

// WooClient implements Catalog over the store's REST API.
type WooClient struct {
	cfg    Config
	logger *zap.Logger
}

func NewWooClient(cfg Config, logger *zap.Logger) *WooClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &WooClient{cfg: cfg, logger: logger}
}

type wooProduct struct {
	Product
	RawImages []struct {
		Src string `json:"src"`
	} `json:"images"`
}

type wooOrder struct {
	Order
	Billing struct {
		Email string `json:"email"`
	} `json:"billing"`
}

// get issues a GET against path and decodes the JSON body into v. The agent
// has no context support, so cancellation is only checked before the call.
func (c *WooClient) get(ctx context.Context, path string, q url.Values, v interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.cfg.BaseURL == "" {
		return fmt.Errorf("%w: catalog.base_url is not configured", ErrUnavailable)
	}

	a := fiber.Get(c.cfg.BaseURL + "/wp-json/wc/v3" + path)
	a.BasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)
	a.Timeout(c.cfg.Timeout)
	if len(q) > 0 {
		a.QueryString(q.Encode())
	}

	code, body, errs := a.Bytes()
	if len(errs) > 0 {
		c.logger.Warn("catalog request failed", zap.String("path", path), zap.Errors("errors", errs))
		return fmt.Errorf("%w: GET %s: %v", ErrUnavailable, path, errs[0])
	}
	if code < 200 || code > 299 {
		c.logger.Warn("catalog request rejected", zap.String("path", path), zap.Int("status", code))
		return fmt.Errorf("%w: GET %s: status %d", ErrUnavailable, path, code)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrUnavailable, path, err)
	}
	return nil
}

func (c *WooClient) categories(ctx context.Context, parent int) ([]Category, error) {
	q := url.Values{}
	q.Set("parent", strconv.Itoa(parent))
	q.Set("per_page", "100")
	q.Set("hide_empty", "true")

	var out []Category
	if err := c.get(ctx, "/products/categories", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *WooClient) Categories(ctx context.Context) ([]Category, error) {
	return c.categories(ctx, 0)
}

func (c *WooClient) Subcategories(ctx context.Context, parentID int) ([]Category, error) {
	return c.categories(ctx, parentID)
}

// Products asks for one extra row to learn whether another page exists.
func (c *WooClient) Products(ctx context.Context, categoryID, page, perPage int) (ProductPage, error) {
	if page < 1 {
		page = 1
	}
	q := url.Values{}
	q.Set("category", strconv.Itoa(categoryID))
	q.Set("status", "publish")
	q.Set("per_page", strconv.Itoa(perPage+1))
	q.Set("offset", strconv.Itoa((page-1)*perPage))

	var raw []wooProduct
	if err := c.get(ctx, "/products", q, &raw); err != nil {
		return ProductPage{}, err
	}

	out := ProductPage{Page: page}
	if len(raw) > perPage {
		out.HasMore = true
		raw = raw[:perPage]
	}
	out.Products = flattenProducts(raw)
	return out, nil
}

func (c *WooClient) Product(ctx context.Context, id int) (Product, error) {
	var raw wooProduct
	if err := c.get(ctx, "/products/"+strconv.Itoa(id), nil, &raw); err != nil {
		return Product{}, err
	}
	return flattenProducts([]wooProduct{raw})[0], nil
}

func (c *WooClient) terms(ctx context.Context, attribute int) ([]Term, error) {
	if attribute == 0 {
		return nil, fmt.Errorf("%w: attribute not configured", ErrUnavailable)
	}
	q := url.Values{}
	q.Set("per_page", "100")

	var out []Term
	if err := c.get(ctx, fmt.Sprintf("/products/attributes/%d/terms", attribute), q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *WooClient) Brands(ctx context.Context) ([]Term, error) {
	return c.terms(ctx, c.cfg.BrandAttribute)
}

func (c *WooClient) Models(ctx context.Context) ([]Term, error) {
	return c.terms(ctx, c.cfg.ModelAttribute)
}

// SearchProducts filters by the narrowest category chosen and searches the
// brand and model names as free text.
func (c *WooClient) SearchProducts(ctx context.Context, f QuoteFilters, limit int) ([]Product, error) {
	q := url.Values{}
	q.Set("status", "publish")
	q.Set("per_page", strconv.Itoa(limit))
	switch {
	case f.SubcategoryID != 0:
		q.Set("category", strconv.Itoa(f.SubcategoryID))
	case f.CategoryID != 0:
		q.Set("category", strconv.Itoa(f.CategoryID))
	}
	if terms := strings.TrimSpace(f.BrandName + " " + f.ModelName); terms != "" {
		q.Set("search", terms)
	}

	var raw []wooProduct
	if err := c.get(ctx, "/products", q, &raw); err != nil {
		return nil, err
	}
	return flattenProducts(raw), nil
}

// OrdersByEmail returns the most recent orders billed to email.
func (c *WooClient) OrdersByEmail(ctx context.Context, email string) ([]Order, error) {
	q := url.Values{}
	q.Set("search", email)
	q.Set("per_page", "10")
	q.Set("orderby", "date")
	q.Set("order", "desc")

	var raw []wooOrder
	if err := c.get(ctx, "/orders", q, &raw); err != nil {
		return nil, err
	}

	var out []Order
	for _, o := range raw {
		if strings.EqualFold(o.Billing.Email, email) {
			out = append(out, o.Order)
		}
	}
	return out, nil
}

func flattenProducts(raw []wooProduct) []Product {
	out := make([]Product, 0, len(raw))
	for _, r := range raw {
		p := r.Product
		for _, img := range r.RawImages {
			p.Images = append(p.Images, img.Src)
		}
		out = append(out, p)
	}
	return out
}
