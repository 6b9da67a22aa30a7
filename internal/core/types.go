package core

import "strings"

const (
	// DefaultVendor marks the line items that represent the coverage product.
	DefaultVendor = "re:do"

	// DefaultOptInAttribute is the cart attribute written when a descriptor
	// does not name its own key.
	DefaultOptInAttribute = "redo_opted_in_from_cart"

	variantGIDPrefix = "gid://shopify/ProductVariant/"
)

type Money struct {
	Amount       string `json:"amount"`
	CurrencyCode string `json:"currencyCode"`
}

type Product struct {
	ID     string `json:"id"`
	Vendor string `json:"vendor"`
}

type Merchandise struct {
	ID      string  `json:"id"`
	Title   string  `json:"title,omitempty"`
	Price   Money   `json:"price"`
	Product Product `json:"product"`
}

type LineCost struct {
	TotalAmount Money `json:"totalAmount"`
}

type Line struct {
	ID          string      `json:"id"`
	Quantity    int         `json:"quantity"`
	Merchandise Merchandise `json:"merchandise"`
	Cost        LineCost    `json:"cost"`
}

type CartCost struct {
	SubtotalAmount Money `json:"subtotalAmount"`
	TotalAmount    Money `json:"totalAmount"`
}

type BuyerIdentity struct {
	CustomerID  string `json:"customerId,omitempty"`
	CountryCode string `json:"countryCode,omitempty"`
}

type Attribute struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Cart is a read-only snapshot of the host platform's cart.
type Cart struct {
	ID            string        `json:"id"`
	CheckoutURL   string        `json:"checkoutUrl"`
	Lines         []Line        `json:"lines"`
	Cost          CartCost      `json:"cost"`
	BuyerIdentity BuyerIdentity `json:"buyerIdentity"`
	Attributes    []Attribute   `json:"attributes,omitempty"`
}

type SelectedVariant struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
	Price Money  `json:"price"`
}

// Descriptor identifies the coverage variant to add and the attribute key that
// records the shopper's opt-in.
type Descriptor struct {
	ProductID       string          `json:"productId"`
	VariantID       string          `json:"variantId"`
	CartAttribute   string          `json:"cartAttribute"`
	SelectedVariant SelectedVariant `json:"selectedVariant"`
}

// AttributeKey returns the opt-in attribute key, falling back to
// [DefaultOptInAttribute].
func (d *Descriptor) AttributeKey() string {
	if d == nil || strings.TrimSpace(d.CartAttribute) == "" {
		return DefaultOptInAttribute
	}
	return d.CartAttribute
}

// LineInput is a single line to add to the cart.
type LineInput struct {
	MerchandiseID   string           `json:"merchandiseId"`
	Quantity        int              `json:"quantity"`
	SelectedVariant *SelectedVariant `json:"selectedVariant,omitempty"`
}

// Condition is a zero-argument predicate polled by wait helpers.
type Condition func() bool

// VariantGID converts a bare variant id into the storefront global id form.
// Values already in gid form are returned unchanged.
func VariantGID(variantID string) string {
	if strings.HasPrefix(variantID, "gid://") {
		return variantID
	}
	return variantGIDPrefix + variantID
}
