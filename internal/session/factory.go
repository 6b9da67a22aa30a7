package session

import (
	"net/http"

	"github.com/matt-riley/cartcover/internal/cart"
	"github.com/matt-riley/cartcover/internal/core"
)

// FormMutators drives the storefront cart route, forwarding each session's
// cart cookie.
func FormMutators(cartURL string, hc *http.Client, opts ...cart.Option) MutatorFactory {
	return func(req OpenRequest) (cart.Mutator, error) {
		client := cart.NewFormClient(cart.FormClientConfig{
			CartURL:    cartURL,
			Cookie:     req.CartCookie,
			HTTPClient: hc,
		})
		return cart.NewMutator(client, opts...)
	}
}

// MemoryMutators keeps each session's cart in process, seeded from the
// opening snapshot.
func MemoryMutators(memOpts []cart.MemoryOption, opts ...cart.Option) MutatorFactory {
	return func(req OpenRequest) (cart.Mutator, error) {
		var initial core.Cart
		if req.Cart != nil {
			initial = *req.Cart
		}
		return cart.NewMutator(cart.NewMemoryCart(initial, memOpts...), opts...)
	}
}
