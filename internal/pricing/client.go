// Package pricing talks to the merchant-configuration service that decides
// whether a cart is eligible for coverage, which variant to offer, and how the
// checkout buttons should look.
package pricing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/matt-riley/cartcover/internal/core"
)

const apiVersion = "v2.2"

// Config holds configuration for the pricing client.
type Config struct {
	// BaseURL is the base URL of the merchant-configuration service, e.g.
	// "https://api.example.com".
	BaseURL string
	// HTTPClient is optional; defaults to http.DefaultClient.
	HTTPClient *http.Client
}

type Client struct {
	cfg        Config
	httpClient *http.Client
}

func NewClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, httpClient: hc}
}

// -- wire types --------------------------------------------------------------

type wireMoney struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

type wireRef struct {
	ID string `json:"id"`
}

type wireLineItem struct {
	ID            string    `json:"id"`
	OriginalPrice wireMoney `json:"originalPrice"`
	PriceTotal    wireMoney `json:"priceTotal"`
	Product       wireRef   `json:"product"`
	Variant       wireRef   `json:"variant"`
	Quantity      int       `json:"quantity"`
}

type wireCart struct {
	LineItems  []wireLineItem `json:"lineItems"`
	PriceTotal wireMoney      `json:"priceTotal"`
}

type wireCustomer struct {
	ID      string `json:"id"`
	Country string `json:"country,omitempty"`
}

type coverageProductsRequest struct {
	Cart     wireCart     `json:"cart"`
	Customer wireCustomer `json:"customer"`
}

type coverageProductsResponse struct {
	CoverageProducts []struct {
		CartInfoToEnable *core.Descriptor `json:"cartInfoToEnable"`
	} `json:"coverageProducts"`
}

// Buttons is the checkout-buttons fragment served by the pricing service.
type Buttons struct {
	HTML string `json:"html"`
	CSS  string `json:"css"`
}

func toWireMoney(m core.Money) wireMoney {
	return wireMoney{Amount: m.Amount, Currency: m.CurrencyCode}
}

func encodeCart(cart *core.Cart) coverageProductsRequest {
	items := make([]wireLineItem, 0, len(cart.Lines))
	for _, line := range cart.Lines {
		items = append(items, wireLineItem{
			ID:            line.ID,
			OriginalPrice: toWireMoney(line.Merchandise.Price),
			PriceTotal:    toWireMoney(line.Cost.TotalAmount),
			Product:       wireRef{ID: line.Merchandise.Product.ID},
			Variant:       wireRef{ID: line.Merchandise.ID},
			Quantity:      line.Quantity,
		})
	}
	return coverageProductsRequest{
		Cart: wireCart{
			LineItems:  items,
			PriceTotal: toWireMoney(cart.Cost.TotalAmount),
		},
		Customer: wireCustomer{
			ID:      cart.BuyerIdentity.CustomerID,
			Country: cart.BuyerIdentity.CountryCode,
		},
	}
}

// -- helpers -----------------------------------------------------------------

func (c *Client) storePath(storeID, resource string) string {
	return fmt.Sprintf("%s/%s/stores/%s/%s", c.cfg.BaseURL, apiVersion, url.PathEscape(storeID), resource)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("pricing: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("pricing: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pricing: http: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &LookupError{
			Kind:       ClassifyStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(msg)),
		}
	}
	return resp, nil
}

// CoverageProducts asks the pricing service which coverage variant applies to
// cart. A nil descriptor with a nil error means the cart is not eligible.
func (c *Client) CoverageProducts(ctx context.Context, storeID string, cart *core.Cart) (*core.Descriptor, error) {
	if strings.TrimSpace(storeID) == "" || cart == nil {
		return nil, nil
	}

	resp, err := c.do(ctx, http.MethodPost, c.storePath(storeID, "coverage-products"), encodeCart(cart))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out coverageProductsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("pricing: decode response: %w", err)
	}
	if len(out.CoverageProducts) == 0 || out.CoverageProducts[0].CartInfoToEnable == nil {
		return nil, nil
	}
	return out.CoverageProducts[0].CartInfoToEnable, nil
}

// CheckoutButtons fetches the checkout-buttons fragment. A nil result means
// the store has no custom buttons and the storefront should render its own.
func (c *Client) CheckoutButtons(ctx context.Context, storeID string) (*Buttons, error) {
	if strings.TrimSpace(storeID) == "" {
		return nil, nil
	}

	resp, err := c.do(ctx, http.MethodGet, c.storePath(storeID, "checkout-buttons-ui"), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out Buttons
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("pricing: decode response: %w", err)
	}
	if out.HTML == "" {
		return nil, nil
	}
	return &out, nil
}
