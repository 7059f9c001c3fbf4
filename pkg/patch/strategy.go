package patch

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Strategy selects how the planner treats a file.
type Strategy int

const (
	// NeutralizeDataWords replaces undecodable data words with nop.
	NeutralizeDataWords Strategy = iota
	// NeutralizeDataWordsAndCsr also rewrites csrr* instructions as if
	// every CSR read as zero.
	NeutralizeDataWordsAndCsr
	// NeutralizeDataWordsThenRedirectFailureHandler plants a single jal at
	// the start of the failure handler pointing at the terminate routine.
	// Per-word classification is not used in this mode.
	NeutralizeDataWordsThenRedirectFailureHandler
)

var strategyNames = []string{
	NeutralizeDataWords:                           "data-words",
	NeutralizeDataWordsAndCsr:                     "data-words-csr",
	NeutralizeDataWordsThenRedirectFailureHandler: "redirect-failure-handler",
}

// StrategyNames lists the accepted spellings, in declaration order.
func StrategyNames() []string {
	return append([]string(nil), strategyNames...)
}

func ParseStrategy(name string) (Strategy, error) {
	for i, n := range strategyNames {
		if strings.EqualFold(n, name) {
			return Strategy(i), nil
		}
	}
	return 0, errors.Errorf("unknown strategy %q, expected one of: %s", name, strings.Join(strategyNames, ", "))
}

func (s Strategy) String() string {
	if s < 0 || int(s) >= len(strategyNames) {
		return fmt.Sprintf("strategy(%d)", int(s))
	}
	return strategyNames[s]
}

// Set implements flag.Value, so a Strategy can be bound to a CLI flag.
func (s *Strategy) Set(v string) error {
	p, err := ParseStrategy(v)
	if err != nil {
		return err
	}
	*s = p
	return nil
}

func (s Strategy) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Strategy) UnmarshalText(text []byte) error {
	return s.Set(string(text))
}

func (s Strategy) neutralizesCSR() bool {
	return s == NeutralizeDataWordsAndCsr
}

func (s Strategy) redirects() bool {
	return s == NeutralizeDataWordsThenRedirectFailureHandler
}

// RedirectSymbols names the failure handler entry point and the routine
// that terminates with the failure exit code.
type RedirectSymbols struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

var DefaultRedirectSymbols = RedirectSymbols{
	From: "failedtest_saveresults",
	To:   "failedtest_terminate",
}

func (r RedirectSymbols) Validate() error {
	if r.From == "" || r.To == "" {
		return errors.New("redirect symbols must both be set")
	}
	if r.From == r.To {
		return errors.Errorf("redirect symbol %q points at itself", r.From)
	}
	return nil
}
