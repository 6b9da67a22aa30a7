package cart

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/matt-riley/cartcover/internal/core"
)

// FormInputName is the form field carrying the JSON-encoded [FormInput].
const FormInputName = "cartFormInput"

type Action string

const (
	ActionLinesAdd         Action = "LinesAdd"
	ActionLinesRemove      Action = "LinesRemove"
	ActionAttributesUpdate Action = "AttributesUpdateInput"
)

type FormInputs struct {
	Lines      []core.LineInput `json:"lines,omitempty"`
	LineIDs    []string         `json:"lineIds,omitempty"`
	Attributes []core.Attribute `json:"attributes,omitempty"`
}

type FormInput struct {
	Action Action     `json:"action"`
	Inputs FormInputs `json:"inputs"`
}

// FormSubmissionMutator drives a [FormSubmitter]. Each submission completes
// synchronously, so there is never anything to wait for.
type FormSubmissionMutator struct {
	submitter FormSubmitter
	opts      options
}

func (m *FormSubmissionMutator) Kind() Kind { return KindFormSubmission }

func (m *FormSubmissionMutator) LinesAdd(ctx context.Context, lines []core.LineInput) error {
	return m.submitter.Submit(ctx, FormInput{Action: ActionLinesAdd, Inputs: FormInputs{Lines: lines}})
}

func (m *FormSubmissionMutator) LinesRemove(ctx context.Context, lineIDs []string) error {
	return m.submitter.Submit(ctx, FormInput{Action: ActionLinesRemove, Inputs: FormInputs{LineIDs: lineIDs}})
}

func (m *FormSubmissionMutator) AttributesUpdate(ctx context.Context, attrs []core.Attribute) error {
	return m.submitter.Submit(ctx, FormInput{Action: ActionAttributesUpdate, Inputs: FormInputs{Attributes: attrs}})
}

func (m *FormSubmissionMutator) WaitIdle(context.Context) bool { return true }

// Snapshot returns the cart the storefront reported after the last
// submission, or nil when it reported none.
func (m *FormSubmissionMutator) Snapshot() *core.Cart {
	if s, ok := m.submitter.(Snapshotter); ok {
		return s.Snapshot()
	}
	return nil
}

// SubmitError is returned when the cart route answers with a non-2xx status.
type SubmitError struct {
	Action     Action
	StatusCode int
	Message    string
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("cart: %s: HTTP %d: %s", e.Action, e.StatusCode, e.Message)
}

// FormClientConfig configures a [FormClient].
type FormClientConfig struct {
	// CartURL is the absolute URL of the storefront cart route, e.g.
	// "https://shop.example.com/cart".
	CartURL string
	// Cookie is forwarded verbatim so the storefront resolves the shopper's
	// cart.
	Cookie string
	// HTTPClient is optional; defaults to http.DefaultClient.
	HTTPClient *http.Client
}

const maxCartResponseBytes = 1 << 20

// FormClient submits cart forms over HTTP. When the cart route answers with
// JSON carrying the updated cart (a Hydrogen cart action returns
// {"cart": {...}}), that cart is kept and served by [FormClient.Snapshot].
type FormClient struct {
	cfg        FormClientConfig
	httpClient *http.Client

	mu   sync.Mutex
	last *core.Cart
}

func NewFormClient(cfg FormClientConfig) *FormClient {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	return &FormClient{cfg: cfg, httpClient: hc}
}

// Snapshot returns the cart reported by the most recent successful
// submission, or nil.
func (c *FormClient) Snapshot() *core.Cart {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last.Clone()
}

func (c *FormClient) Submit(ctx context.Context, input FormInput) error {
	c.mu.Lock()
	c.last = nil
	c.mu.Unlock()

	payload, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("cart: marshal form input: %w", err)
	}

	form := url.Values{}
	form.Set(FormInputName, string(payload))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.CartURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("cart: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if c.cfg.Cookie != "" {
		req.Header.Set("Cookie", c.cfg.Cookie)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("cart: %s: %w", input.Action, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &SubmitError{Action: input.Action, StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}

	c.mu.Lock()
	c.last = reportedCart(resp)
	c.mu.Unlock()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// reportedCart decodes the updated cart from a JSON response body. Anything
// else yields nil.
func reportedCart(resp *http.Response) *core.Cart {
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		return nil
	}
	var body struct {
		Cart *core.Cart `json:"cart"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxCartResponseBytes)).Decode(&body); err != nil {
		return nil
	}
	return body.Cart
}
