// Package disasm reads `objdump -d -M no-aliases` listings and flags the
// words a strict ZKVM decoder would reject.
package disasm

import (
	"bufio"
	"bytes"
	"strconv"
	"strings"

	"github.com/grafana/regexp"
	"github.com/pkg/errors"

	"github.com/grafana/zkvm-elfpatch/pkg/riscv"
)

type Kind int

const (
	Ordinary Kind = iota
	DataWord
	CSR
)

func (k Kind) String() string {
	switch k {
	case Ordinary:
		return "ordinary"
	case DataWord:
		return "data_word"
	case CSR:
		return "csr"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Classification is the verdict for a single listing line. Rd is only
// meaningful for CSR.
type Classification struct {
	Kind Kind
	Rd   uint32
}

type Line struct {
	Addr uint64
	Raw  uint32
	Text string
}

var (
	instructionRe = regexp.MustCompile(`^\s*([0-9a-f]+):\s+([0-9a-f]+)\s+(.*)`)
	labelRe       = regexp.MustCompile(`^([0-9a-f]+)\s+<?([^<>\s]+?)>?:\s*$`)
	bareHexRe     = regexp.MustCompile(`^0x[0-9a-f]+\s*$`)
	// Only the explicit register forms: with aliases disabled objdump never
	// prints csrr/csrw/csrs/csrc, and those still land here as csrrs x0 etc.
	csrRe = regexp.MustCompile(`^csrr[wsc]i?\s`)
)

// Classify decides what to do with one line. Lines the disassembler could
// not decode (a .word directive or a bare hex literal) are data. The six
// csrr* forms are CSR accesses. Everything else is left alone.
func Classify(l Line) Classification {
	text := strings.TrimSpace(l.Text)
	switch {
	case strings.HasPrefix(text, ".word") || bareHexRe.MatchString(text):
		return Classification{Kind: DataWord}
	case csrRe.MatchString(text):
		return Classification{Kind: CSR, Rd: riscv.Rd(l.Raw)}
	default:
		return Classification{Kind: Ordinary}
	}
}

// Listing is a fully buffered disassembly.
type Listing struct {
	Lines  []Line
	Labels map[string]uint64

	byAddr map[uint64]int
}

const maxLineSize = 1 << 20

func Parse(text []byte) (*Listing, error) {
	l := &Listing{
		Labels: make(map[string]uint64),
		byAddr: make(map[uint64]int),
	}
	s := bufio.NewScanner(bytes.NewReader(text))
	s.Buffer(make([]byte, 0, 64<<10), maxLineSize)
	for s.Scan() {
		raw := s.Text()
		if m := labelRe.FindStringSubmatch(raw); m != nil {
			addr, err := strconv.ParseUint(m[1], 16, 64)
			if err != nil {
				continue
			}
			l.Labels[m[2]] = addr
			continue
		}
		m := instructionRe.FindStringSubmatch(raw)
		if m == nil {
			continue
		}
		addr, err := strconv.ParseUint(m[1], 16, 64)
		if err != nil {
			continue
		}
		word, err := strconv.ParseUint(m[2], 16, 32)
		if err != nil {
			// Wider than 32 bits: not an instruction word.
			continue
		}
		l.byAddr[addr] = len(l.Lines)
		l.Lines = append(l.Lines, Line{Addr: addr, Raw: uint32(word), Text: strings.TrimSpace(m[3])})
	}
	if err := s.Err(); err != nil {
		return nil, errors.Wrap(err, "scan disassembly")
	}
	return l, nil
}

func (l *Listing) Label(name string) (uint64, bool) {
	addr, ok := l.Labels[name]
	return addr, ok
}

// At returns the line decoded at addr.
func (l *Listing) At(addr uint64) (Line, bool) {
	i, ok := l.byAddr[addr]
	if !ok {
		return Line{}, false
	}
	return l.Lines[i], true
}
