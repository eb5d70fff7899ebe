// Package synthetic derives prices for locally defined composite instruments
// from the ticks of their component legs.
package synthetic

import (
	"strings"

	"github.com/dop251/goja"
	"github.com/shopspring/decimal"

	"github.com/coachpo/tidemark/errs"
	"github.com/coachpo/tidemark/internal/schema"
)

// Venue is the pseudo-venue under which synthetic instruments are published.
const Venue schema.Venue = "SYNTH"

// Definition describes a synthetic instrument: its component legs, their
// weights, and an optional pricing formula. Without a formula the price is the
// weighted sum of the leg prices.
type Definition struct {
	Symbol         string
	Components     []schema.InstrumentID
	Weights        []decimal.Decimal
	Formula        string
	PricePrecision int32
}

// ID returns the synthetic's instrument identity under the synthetic venue.
func (d Definition) ID() schema.InstrumentID {
	return schema.NewInstrumentID(d.Symbol, Venue)
}

// Validate checks the definition is well formed.
func (d Definition) Validate() error {
	if strings.TrimSpace(d.Symbol) == "" {
		return errs.New("synthetic", errs.CodeInvalid,
			errs.WithMessage("synthetic symbol required"))
	}
	if len(d.Components) < 2 {
		return errs.New("synthetic", errs.CodeInvalid,
			errs.WithMessage("synthetic requires at least two components"),
			errs.WithField("symbol", d.Symbol))
	}
	if d.Formula == "" && len(d.Weights) != len(d.Components) {
		return errs.New("synthetic", errs.CodeInvalid,
			errs.WithMessage("weights must match components when no formula is given"),
			errs.WithField("symbol", d.Symbol))
	}
	seen := make(map[schema.InstrumentID]struct{}, len(d.Components))
	for _, comp := range d.Components {
		if err := comp.Validate(); err != nil {
			return err
		}
		if _, dup := seen[comp]; dup {
			return errs.New("synthetic", errs.CodeDuplicate,
				errs.WithMessage("duplicate component"),
				errs.WithField("component", comp.String()))
		}
		seen[comp] = struct{}{}
	}
	if d.PricePrecision < 0 {
		return errs.New("synthetic", errs.CodeInvalid,
			errs.WithMessage("price precision must be non-negative"),
			errs.WithField("symbol", d.Symbol))
	}
	return nil
}

// formulaVar maps a component identity to its formula variable name.
func formulaVar(id schema.InstrumentID) string {
	replacer := strings.NewReplacer("-", "_", ".", "_", "/", "_")
	return replacer.Replace(id.String())
}

// pricer computes a synthetic price from one value per component.
type pricer interface {
	price(values map[schema.InstrumentID]decimal.Decimal) (decimal.Decimal, error)
}

type weightedPricer struct {
	components []schema.InstrumentID
	weights    []decimal.Decimal
	precision  int32
}

func (p *weightedPricer) price(values map[schema.InstrumentID]decimal.Decimal) (decimal.Decimal, error) {
	sum := decimal.Decimal{}
	for i, comp := range p.components {
		sum = sum.Add(values[comp].Mul(p.weights[i]))
	}
	return sum.Round(p.precision), nil
}

type formulaPricer struct {
	components []schema.InstrumentID
	vm         *goja.Runtime
	program    *goja.Program
	precision  int32
}

func newFormulaPricer(def Definition) (*formulaPricer, error) {
	program, err := goja.Compile(def.Symbol, def.Formula, true)
	if err != nil {
		return nil, errs.New("synthetic", errs.CodeInvalid,
			errs.WithMessage("formula does not compile"),
			errs.WithField("symbol", def.Symbol),
			errs.WithCause(err))
	}
	p := new(formulaPricer)
	p.components = def.Components
	p.vm = goja.New()
	p.program = program
	p.precision = def.PricePrecision
	return p, nil
}

func (p *formulaPricer) price(values map[schema.InstrumentID]decimal.Decimal) (decimal.Decimal, error) {
	for _, comp := range p.components {
		if err := p.vm.Set(formulaVar(comp), values[comp].InexactFloat64()); err != nil {
			return decimal.Decimal{}, errs.New("synthetic", errs.CodeInvalid,
				errs.WithMessage("formula variable binding failed"),
				errs.WithCause(err))
		}
	}
	result, err := p.vm.RunProgram(p.program)
	if err != nil {
		return decimal.Decimal{}, errs.New("synthetic", errs.CodeInvalid,
			errs.WithMessage("formula evaluation failed"),
			errs.WithCause(err))
	}
	return decimal.NewFromFloat(result.ToFloat()).Round(p.precision), nil
}

func newPricer(def Definition) (pricer, error) {
	if def.Formula != "" {
		return newFormulaPricer(def)
	}
	p := new(weightedPricer)
	p.components = def.Components
	p.weights = def.Weights
	p.precision = def.PricePrecision
	return p, nil
}
