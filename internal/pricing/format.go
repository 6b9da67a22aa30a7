package pricing

import (
	"strings"

	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"

	"github.com/matt-riley/cartcover/internal/core"
)

// CombinedPricePlaceholder is replaced in the checkout-buttons html by the
// cart subtotal plus the coverage price.
const CombinedPricePlaceholder = "%combinedPrice%"

// trailingSymbol lists the languages whose currency pattern puts the symbol
// after the number ("19,99 €"). x/text has no currency patterns.
var trailingSymbol = map[language.Base]bool{}

func init() {
	for _, l := range []string{
		"bg", "cs", "da", "de", "el", "es", "et", "fi", "fr", "hr", "hu", "is",
		"it", "lt", "lv", "nb", "no", "pl", "pt", "ro", "ru", "sk", "sl", "sr",
		"sv", "uk",
	} {
		trailingSymbol[language.MustParseBase(l)] = true
	}
}

func symbolAfter(tag language.Tag) bool {
	base, _ := tag.Base()
	if region, _ := tag.Region(); base.String() == "pt" && region.String() == "BR" {
		return false
	}
	return trailingSymbol[base]
}

// FormatPrice renders amount in the given ISO 4217 currency for locale. An
// unparseable locale falls back to en-US; an unknown currency code is printed
// before the number.
func FormatPrice(amount float64, currencyCode, locale string) string {
	tag, err := language.Parse(locale)
	if err != nil || tag == language.Und {
		tag = language.AmericanEnglish
	}
	p := message.NewPrinter(tag)

	unit, err := currency.ParseISO(currencyCode)
	if err != nil {
		code := strings.ToUpper(strings.TrimSpace(currencyCode))
		if code == "" {
			return p.Sprint(number.Decimal(amount, number.Scale(2)))
		}
		return p.Sprintf("%s %v", code, number.Decimal(amount, number.Scale(2)))
	}
	scale, _ := currency.Standard.Rounding(unit)
	num := p.Sprint(number.Decimal(amount, number.Scale(scale)))
	sym := p.Sprint(currency.Symbol(unit))
	if symbolAfter(tag) {
		return num + "\u00a0" + sym
	}
	return sym + num
}

// CombinedPrice is the cart subtotal plus the coverage price. When the cart
// already carries a vendor line its price is part of the subtotal and nothing
// is added.
func CombinedPrice(cart *core.Cart, d *core.Descriptor, vendor string) core.Money {
	var subtotal core.Money
	if cart != nil {
		subtotal = cart.Cost.SubtotalAmount
	}
	if d == nil || core.HasVendorLine(cart, vendor) {
		return subtotal
	}
	return core.AddMoney(subtotal, d.SelectedVariant.Price)
}

// RenderButtons substitutes the combined price into b. The input is not
// modified; a nil b renders as nil.
func RenderButtons(b *Buttons, cart *core.Cart, d *core.Descriptor, vendor, locale string) *Buttons {
	if b == nil {
		return nil
	}
	total := CombinedPrice(cart, d, vendor)
	formatted := FormatPrice(total.Float64(), total.CurrencyCode, locale)
	return &Buttons{
		HTML: strings.ReplaceAll(b.HTML, CombinedPricePlaceholder, formatted),
		CSS:  b.CSS,
	}
}
