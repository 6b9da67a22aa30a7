package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

var ErrNoDescriptor = errors.New("coverage descriptor is required")

// LineMutator issues line mutations against the host cart.
type LineMutator interface {
	LinesAdd(ctx context.Context, lines []LineInput) error
	LinesRemove(ctx context.Context, lineIDs []string) error
}

type Action int

const (
	ActionNone Action = iota
	ActionAdd
	ActionReplace
	ActionRemove
)

func (a Action) String() string {
	switch a {
	case ActionAdd:
		return "add"
	case ActionReplace:
		return "replace"
	case ActionRemove:
		return "remove"
	default:
		return "none"
	}
}

// Plan is the minimal mutation set that moves a cart to the desired coverage
// state. Removals always run before the add.
type Plan struct {
	Action        Action
	RemoveLineIDs []string
	Add           *LineInput
}

// PlanPresent decides how to make cart contain exactly one unit of the
// descriptor's variant. A nil cart always yields an add.
func PlanPresent(cart *Cart, d Descriptor, vendor string) Plan {
	add := coverageLine(d)
	if cart == nil {
		return Plan{Action: ActionAdd, Add: add}
	}

	coverage := vendorLines(cart, vendor)
	if len(coverage) == 0 {
		return Plan{Action: ActionAdd, Add: add}
	}

	target := VariantGID(d.VariantID)
	var matching []Line
	for _, line := range coverage {
		if line.Merchandise.ID == target {
			matching = append(matching, line)
		}
	}
	if len(coverage) == 1 && len(matching) == 1 && matching[0].Quantity == 1 {
		return Plan{Action: ActionNone}
	}

	return Plan{Action: ActionReplace, RemoveLineIDs: lineIDs(coverage), Add: add}
}

// PlanAbsent removes every vendor line regardless of variant.
func PlanAbsent(cart *Cart, vendor string) Plan {
	if cart == nil {
		return Plan{Action: ActionNone}
	}
	coverage := vendorLines(cart, vendor)
	if len(coverage) == 0 {
		return Plan{Action: ActionNone}
	}
	return Plan{Action: ActionRemove, RemoveLineIDs: lineIDs(coverage)}
}

// HasVendorLine reports whether any line in cart belongs to vendor.
func HasVendorLine(cart *Cart, vendor string) bool {
	return cart != nil && len(vendorLines(cart, vendor)) > 0
}

// Reconciler applies coverage plans through a [LineMutator].
type Reconciler struct {
	mutator LineMutator
	vendor  string
	log     *slog.Logger
}

type ReconcilerOption func(*Reconciler)

// WithVendor overrides [DefaultVendor].
func WithVendor(vendor string) ReconcilerOption {
	return func(r *Reconciler) {
		if v := strings.TrimSpace(vendor); v != "" {
			r.vendor = v
		}
	}
}

func WithReconcilerLogger(log *slog.Logger) ReconcilerOption {
	return func(r *Reconciler) {
		if log != nil {
			r.log = log
		}
	}
}

func NewReconciler(mutator LineMutator, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		mutator: mutator,
		vendor:  DefaultVendor,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Reconciler) Vendor() string {
	return r.vendor
}

// EnsurePresent leaves exactly one unit of the descriptor's variant in cart.
func (r *Reconciler) EnsurePresent(ctx context.Context, cart *Cart, d *Descriptor) error {
	if d == nil {
		return ErrNoDescriptor
	}
	return r.apply(ctx, PlanPresent(cart, *d, r.vendor))
}

// EnsureAbsent removes every coverage line. A nil cart is a no-op.
func (r *Reconciler) EnsureAbsent(ctx context.Context, cart *Cart) error {
	if cart == nil {
		r.log.WarnContext(ctx, "no cart loaded, nothing to remove")
		return nil
	}
	return r.apply(ctx, PlanAbsent(cart, r.vendor))
}

func (r *Reconciler) apply(ctx context.Context, plan Plan) error {
	if plan.Action == ActionNone {
		return nil
	}
	if len(plan.RemoveLineIDs) > 0 {
		if err := r.mutator.LinesRemove(ctx, plan.RemoveLineIDs); err != nil {
			return fmt.Errorf("remove coverage lines: %w", err)
		}
	}
	if plan.Add != nil {
		if err := r.mutator.LinesAdd(ctx, []LineInput{*plan.Add}); err != nil {
			return fmt.Errorf("add coverage line: %w", err)
		}
	}
	r.log.DebugContext(ctx, "coverage lines reconciled",
		slog.String("action", plan.Action.String()),
		slog.Int("removed", len(plan.RemoveLineIDs)),
	)
	return nil
}

func coverageLine(d Descriptor) *LineInput {
	selected := d.SelectedVariant
	return &LineInput{
		MerchandiseID:   VariantGID(d.VariantID),
		Quantity:        1,
		SelectedVariant: &selected,
	}
}

func vendorLines(cart *Cart, vendor string) []Line {
	var out []Line
	for _, line := range cart.Lines {
		if line.Merchandise.Product.Vendor == vendor {
			out = append(out, line)
		}
	}
	return out
}

func lineIDs(lines []Line) []string {
	ids := make([]string, 0, len(lines))
	for _, line := range lines {
		ids = append(ids, line.ID)
	}
	return ids
}
