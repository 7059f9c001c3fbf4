// Package target maps ZKVM names to the patch strategy their test ELFs
// need.
package target

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/grafana/zkvm-elfpatch/pkg/patch"
)

// Profiles is keyed by lower-case ZKVM name.
type Profiles map[string]patch.Strategy

// Builtin returns the known targets. SP1 and Pico route every 0x73-opcode
// word to their ecall handler, so CSR accesses go too. Zisk maps the text
// segment execute-only, which the failure handler cannot survive.
func Builtin() Profiles {
	return Profiles{
		"sp1":    patch.NeutralizeDataWordsAndCsr,
		"pico":   patch.NeutralizeDataWordsAndCsr,
		"openvm": patch.NeutralizeDataWords,
		"zisk":   patch.NeutralizeDataWordsThenRedirectFailureHandler,
	}
}

// Merge returns a copy of p with overrides applied on top.
func (p Profiles) Merge(overrides Profiles) Profiles {
	out := make(Profiles, len(p)+len(overrides))
	for name, s := range p {
		out[strings.ToLower(name)] = s
	}
	for name, s := range overrides {
		out[strings.ToLower(name)] = s
	}
	return out
}

func (p Profiles) Names() []string {
	names := lo.Keys(p)
	sort.Strings(names)
	return names
}

func (p Profiles) Lookup(name string) (patch.Strategy, error) {
	s, ok := p[strings.ToLower(name)]
	if !ok {
		return 0, errors.Errorf("unknown target %q, known targets: %s", name, strings.Join(p.Names(), ", "))
	}
	return s, nil
}
