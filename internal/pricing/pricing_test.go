package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matt-riley/cartcover/internal/core"
)

func sampleCart() *core.Cart {
	return &core.Cart{
		ID: "gid://shopify/Cart/1",
		Lines: []core.Line{{
			ID:       "line-1",
			Quantity: 2,
			Merchandise: core.Merchandise{
				ID:      "gid://shopify/ProductVariant/10",
				Price:   core.Money{Amount: "5.00", CurrencyCode: "USD"},
				Product: core.Product{ID: "gid://shopify/Product/20", Vendor: "Acme"},
			},
			Cost: core.LineCost{TotalAmount: core.Money{Amount: "10.00", CurrencyCode: "USD"}},
		}},
		Cost: core.CartCost{
			SubtotalAmount: core.Money{Amount: "10.00", CurrencyCode: "USD"},
			TotalAmount:    core.Money{Amount: "10.00", CurrencyCode: "USD"},
		},
		BuyerIdentity: core.BuyerIdentity{CustomerID: "cust-1", CountryCode: "US"},
	}
}

func TestCoverageProductsRequestShape(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"coverageProducts":[{"cartInfoToEnable":{"productId":"P1","variantId":"V1","cartAttribute":"opt_in","selectedVariant":{"id":"V1","price":{"amount":"2.50","currencyCode":"USD"}}}}]}`)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL + "/"})
	d, err := c.CoverageProducts(context.Background(), "store-9", sampleCart())
	require.NoError(t, err)
	require.NotNil(t, d)

	assert.Equal(t, "/v2.2/stores/store-9/coverage-products", gotPath)
	assert.Equal(t, "V1", d.VariantID)
	assert.Equal(t, "opt_in", d.AttributeKey())
	assert.Equal(t, "2.50", d.SelectedVariant.Price.Amount)

	cart := gotBody["cart"].(map[string]any)
	items := cart["lineItems"].([]any)
	require.Len(t, items, 1)
	item := items[0].(map[string]any)
	assert.Equal(t, "line-1", item["id"])
	assert.Equal(t, float64(2), item["quantity"])
	assert.Equal(t, map[string]any{"amount": "5.00", "currency": "USD"}, item["originalPrice"])
	assert.Equal(t, map[string]any{"id": "gid://shopify/ProductVariant/10"}, item["variant"])
	assert.Equal(t, map[string]any{"amount": "10.00", "currency": "USD"}, cart["priceTotal"])
	assert.Equal(t, map[string]any{"id": "cust-1", "country": "US"}, gotBody["customer"])
}

func TestCoverageProductsNotEligible(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"coverageProducts":[]}`)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	d, err := c.CoverageProducts(context.Background(), "store-9", sampleCart())
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestCoverageProductsShortCircuits(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	d, err := c.CoverageProducts(context.Background(), "", sampleCart())
	require.NoError(t, err)
	assert.Nil(t, d)
	d, err = c.CoverageProducts(context.Background(), "store-9", nil)
	require.NoError(t, err)
	assert.Nil(t, d)
	assert.Zero(t, calls)
}

func TestCoverageProductsClassifiesErrors(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorKind
	}{
		{http.StatusBadRequest, KindBadRequest},
		{http.StatusInternalServerError, KindServerError},
		{http.StatusServiceUnavailable, KindServerError},
		{http.StatusNotFound, KindUnknown},
		{http.StatusUnauthorized, KindUnknown},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			c := NewClient(Config{BaseURL: srv.URL})
			d, err := c.CoverageProducts(context.Background(), "store-9", sampleCart())
			require.Error(t, err)
			assert.Nil(t, d)

			var lookupErr *LookupError
			require.True(t, errors.As(err, &lookupErr))
			assert.Equal(t, tt.want, lookupErr.Kind)
			assert.Equal(t, tt.status, lookupErr.StatusCode)
			assert.Equal(t, "nope", lookupErr.Message)
			assert.Equal(t, tt.want, KindOf(fmt.Errorf("wrapped: %w", err)))
		})
	}
}

func TestCheckoutButtons(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		switch r.URL.Path {
		case "/v2.2/stores/with/checkout-buttons-ui":
			io.WriteString(w, `{"html":"<button>Checkout+ %combinedPrice%</button>","css":".b{}"}`)
		default:
			fmt.Fprint(w, `{"html":""}`)
		}
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	b, err := c.CheckoutButtons(context.Background(), "with")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, ".b{}", b.CSS)

	b, err = c.CheckoutButtons(context.Background(), "without")
	require.NoError(t, err)
	assert.Nil(t, b)
}

func TestErrorLogDeduplicatesByKind(t *testing.T) {
	log := NewErrorLog()
	assert.False(t, log.Record(nil))
	assert.True(t, log.Record(&LookupError{Kind: KindBadRequest, StatusCode: 400, Message: "first"}))
	assert.False(t, log.Record(&LookupError{Kind: KindBadRequest, StatusCode: 400, Message: "second"}))
	assert.True(t, log.Record(&LookupError{Kind: KindServerError, StatusCode: 502}))
	assert.True(t, log.Record(errors.New("dial tcp: refused")))

	entries := log.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, KindBadRequest, entries[0].Kind)
	assert.Contains(t, entries[0].Message, "second")
	assert.Equal(t, KindServerError, entries[1].Kind)
	assert.Equal(t, KindUnknown, entries[2].Kind)
}

func TestRenderButtons(t *testing.T) {
	d := &core.Descriptor{
		VariantID:       "V1",
		SelectedVariant: core.SelectedVariant{Price: core.Money{Amount: "2.50", CurrencyCode: "USD"}},
	}
	b := &Buttons{HTML: "<b>%combinedPrice%</b>", CSS: "x"}

	out := RenderButtons(b, sampleCart(), d, core.DefaultVendor, "en-US")
	require.NotNil(t, out)
	assert.Contains(t, out.HTML, "12.50")
	assert.NotContains(t, out.HTML, CombinedPricePlaceholder)
	assert.Equal(t, "<b>%combinedPrice%</b>", b.HTML)

	covered := sampleCart()
	covered.Lines = append(covered.Lines, core.Line{
		ID:       "line-2",
		Quantity: 1,
		Merchandise: core.Merchandise{
			ID:      core.VariantGID("V1"),
			Product: core.Product{Vendor: core.DefaultVendor},
		},
	})
	covered.Cost.SubtotalAmount = core.Money{Amount: "12.50", CurrencyCode: "USD"}
	out = RenderButtons(b, covered, d, core.DefaultVendor, "en-US")
	assert.Contains(t, out.HTML, "12.50")
	assert.NotContains(t, out.HTML, "15.00")

	assert.Nil(t, RenderButtons(nil, sampleCart(), d, core.DefaultVendor, "en-US"))
}

func TestFormatPriceLocales(t *testing.T) {
	assert.Contains(t, FormatPrice(12.5, "EUR", "de-DE"), "12,50")
	assert.Contains(t, FormatPrice(12.5, "USD", "not a locale"), "12.50")
	assert.True(t, strings.HasPrefix(FormatPrice(3, "XYZ!", "en-US"), "XYZ! "))
}

func TestFormatPriceSymbolPlacement(t *testing.T) {
	tests := []struct {
		locale, code string
		amount       float64
		number       string
		after        bool
	}{
		{locale: "en-US", code: "USD", amount: 1.98, number: "1.98"},
		{locale: "de-DE", code: "EUR", amount: 19.99, number: "19,99", after: true},
		{locale: "fr-FR", code: "EUR", amount: 5, number: "5,00", after: true},
		{locale: "pt-BR", code: "BRL", amount: 5, number: "5,00"},
		{locale: "en-GB", code: "GBP", amount: 2.5, number: "2.50"},
	}
	for _, tt := range tests {
		t.Run(tt.locale, func(t *testing.T) {
			got := FormatPrice(tt.amount, tt.code, tt.locale)
			if tt.after {
				assert.True(t, strings.HasPrefix(got, tt.number+"\u00a0"), got)
			} else {
				assert.True(t, strings.HasSuffix(got, tt.number), got)
				assert.NotEqual(t, tt.number, got, "symbol missing")
			}
		})
	}
	assert.Equal(t, "$1.98", FormatPrice(1.98, "USD", "en-US"))
	assert.Equal(t, "19,99\u00a0€", FormatPrice(19.99, "EUR", "de-DE"))
}

func TestFingerprintCoversPricedFields(t *testing.T) {
	base := Fingerprint(sampleCart())

	price := sampleCart()
	price.Lines[0].Merchandise.Price.Amount = "99.00"
	assert.NotEqual(t, base, Fingerprint(price))

	product := sampleCart()
	product.Lines[0].Merchandise.Product.ID = "gid://shopify/Product/other"
	assert.NotEqual(t, base, Fingerprint(product))

	country := sampleCart()
	country.BuyerIdentity.CountryCode = "FR"
	assert.NotEqual(t, base, Fingerprint(country))
}

func TestFingerprintIgnoresLineOrder(t *testing.T) {
	a := sampleCart()
	a.Lines = append(a.Lines, core.Line{ID: "line-2", Quantity: 1})
	b := sampleCart()
	b.Lines = append([]core.Line{{ID: "line-2", Quantity: 1}}, b.Lines...)
	assert.Equal(t, Fingerprint(a), Fingerprint(b))

	b.Lines[0].Quantity = 3
	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))
	assert.Empty(t, Fingerprint(nil))
}

type countingLookup struct {
	calls int
	d     *core.Descriptor
}

func (l *countingLookup) CoverageProducts(context.Context, string, *core.Cart) (*core.Descriptor, error) {
	l.calls++
	return l.d, nil
}

func TestCachedLookupWithoutCacheDelegates(t *testing.T) {
	next := &countingLookup{d: &core.Descriptor{VariantID: "V1"}}
	l := NewCachedLookup(next, nil, nil)
	for i := 0; i < 2; i++ {
		d, err := l.CoverageProducts(context.Background(), "s", sampleCart())
		require.NoError(t, err)
		assert.Equal(t, "V1", d.VariantID)
	}
	assert.Equal(t, 2, next.calls)
}
