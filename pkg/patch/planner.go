package patch

import (
	"fmt"
	"sort"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/grafana/zkvm-elfpatch/pkg/disasm"
	"github.com/grafana/zkvm-elfpatch/pkg/riscv"
	"github.com/grafana/zkvm-elfpatch/pkg/sections"
)

// Kind records why a word is being replaced.
type Kind string

const (
	KindDataWord Kind = "data_word"
	KindCSR      Kind = "csr"
	KindRedirect Kind = "redirect"
)

type Patch struct {
	Offset uint64 // file offset
	Addr   uint64 // virtual address the word is loaded at
	Word   uint32
	Kind   Kind
}

// Plan is the complete, offset-ordered set of writes for one file. It is
// built once and not modified afterwards.
type Plan struct {
	patches []Patch

	// ClearHeaderFlag requests the EF_RISCV_RVC bit be dropped from e_flags.
	ClearHeaderFlag bool
	// Dropped counts flagged words with no backing executable section.
	Dropped int
}

func newPlan(byOffset map[uint64]Patch, clearHeaderFlag bool, dropped int) *Plan {
	patches := lo.Values(byOffset)
	sort.Slice(patches, func(i, j int) bool {
		return patches[i].Offset < patches[j].Offset
	})
	return &Plan{patches: patches, ClearHeaderFlag: clearHeaderFlag, Dropped: dropped}
}

func (p *Plan) Len() int { return len(p.patches) }

func (p *Plan) Patches() []Patch {
	return append([]Patch(nil), p.patches...)
}

// CountByKind tallies the planned patches per kind.
func (p *Plan) CountByKind() map[Kind]int {
	return lo.CountValuesBy(p.patches, func(p Patch) Kind { return p.Kind })
}

type Planner struct {
	logger   log.Logger
	strategy Strategy
	symbols  RedirectSymbols
}

func NewPlanner(logger log.Logger, strategy Strategy, symbols RedirectSymbols) *Planner {
	return &Planner{
		logger:   logger,
		strategy: strategy,
		symbols:  symbols,
	}
}

func (p *Planner) Strategy() Strategy { return p.strategy }

// Plan maps a classified listing to replacement words. Only an
// unrepresentable redirect jump is an error; everything else the planner
// cannot place is dropped.
func (p *Planner) Plan(secs *sections.Map, listing *disasm.Listing) (*Plan, error) {
	if p.strategy.redirects() {
		return p.planRedirect(secs, listing)
	}
	return p.planNeutralize(secs, listing), nil
}

func (p *Planner) planNeutralize(secs *sections.Map, listing *disasm.Listing) *Plan {
	var (
		byOffset = make(map[uint64]Patch)
		dropped  int
	)
	for _, line := range listing.Lines {
		c := disasm.Classify(line)
		var patch Patch
		switch c.Kind {
		case disasm.DataWord:
			patch = Patch{Addr: line.Addr, Word: riscv.Nop(), Kind: KindDataWord}
		case disasm.CSR:
			if !p.strategy.neutralizesCSR() {
				continue
			}
			// rd=x0 is a pure write and becomes a nop. Otherwise load 0
			// into rd, as if the CSR read as zero.
			patch = Patch{Addr: line.Addr, Word: riscv.AddZeroImmediate(c.Rd), Kind: KindCSR}
		default:
			continue
		}
		offset, ok := secs.Resolve(line.Addr)
		if !ok {
			dropped++
			level.Debug(p.logger).Log("msg", "address not in an executable section, skipping", "addr", fmt.Sprintf("%#x", line.Addr), "kind", patch.Kind)
			continue
		}
		patch.Offset = offset
		byOffset[offset] = patch
	}
	return newPlan(byOffset, true, dropped)
}

func (p *Planner) planRedirect(secs *sections.Map, listing *disasm.Listing) (*Plan, error) {
	src, okFrom := listing.Label(p.symbols.From)
	dst, okTo := listing.Label(p.symbols.To)
	if !okFrom || !okTo {
		level.Debug(p.logger).Log("msg", "redirect symbols not found, leaving file untouched", "from", p.symbols.From, "from_found", okFrom, "to", p.symbols.To, "to_found", okTo)
		return newPlan(nil, false, 0), nil
	}

	offset, ok := secs.Resolve(src)
	if !ok {
		level.Debug(p.logger).Log("msg", "redirect source not in an executable section, skipping", "symbol", p.symbols.From, "addr", fmt.Sprintf("%#x", src))
		return newPlan(nil, false, 1), nil
	}

	word, err := riscv.Jump(src, dst)
	if err != nil {
		return nil, errors.Wrapf(err, "redirect %s (%#x) to %s (%#x)", p.symbols.From, src, p.symbols.To, dst)
	}

	if line, ok := listing.At(src); ok && line.Raw == word {
		// Redirect already in place.
		return newPlan(nil, true, 0), nil
	}

	return newPlan(map[uint64]Patch{
		offset: {Offset: offset, Addr: src, Word: word, Kind: KindRedirect},
	}, true, 0), nil
}
