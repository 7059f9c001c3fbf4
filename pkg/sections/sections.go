// Package sections translates virtual addresses inside executable ELF
// sections into file offsets.
package sections

import (
	"debug/elf"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/grafana/regexp"
	"github.com/pkg/errors"
)

// Section is one ELF section with the execute flag set.
type Section struct {
	Name   string
	Addr   uint64
	Offset uint64
	Size   uint64
}

func (s Section) contains(addr uint64) bool {
	return addr >= s.Addr && addr-s.Addr < s.Size
}

// Map holds the executable sections of a single file, ordered by address.
// Section ranges are assumed not to overlap.
type Map struct {
	sections []Section
}

// New builds a Map. Empty sections cannot contain an address and are
// dropped, so they never shadow a section starting at the same address.
func New(sections ...Section) *Map {
	m := &Map{sections: make([]Section, 0, len(sections))}
	for _, s := range sections {
		if s.Size > 0 {
			m.sections = append(m.sections, s)
		}
	}
	sort.SliceStable(m.sections, func(i, j int) bool {
		return m.sections[i].Addr < m.sections[j].Addr
	})
	return m
}

func (m *Map) Len() int { return len(m.sections) }

func (m *Map) Sections() []Section {
	return append([]Section(nil), m.sections...)
}

// Resolve returns the file offset backing addr. ok is false when no
// executable section contains the address.
func (m *Map) Resolve(addr uint64) (offset uint64, ok bool) {
	i := sort.Search(len(m.sections), func(i int) bool {
		return m.sections[i].Addr > addr
	})
	if i == 0 {
		return 0, false
	}
	s := m.sections[i-1]
	if !s.contains(addr) {
		return 0, false
	}
	return s.Offset + (addr - s.Addr), true
}

// sectionHeaderRe matches one entry of `readelf -S`. ELF64 listings wrap
// each entry over two lines, so the pattern is applied to the whole text
// and \s is allowed to span the line break.
var sectionHeaderRe = regexp.MustCompile(
	`\[\s*\d+\]\s+(\S+)\s+\S+\s+([0-9a-f]+)\s+([0-9a-f]+)\s+([0-9a-f]+)\s+\S+\s+(\S+)`,
)

// Parse builds a Map from a section header listing. Only sections whose
// flags token contains X are kept.
func Parse(listing []byte) (*Map, error) {
	var found []Section
	for _, m := range sectionHeaderRe.FindAllSubmatch(listing, -1) {
		flags := string(m[5])
		if !strings.Contains(flags, "X") {
			continue
		}
		s := Section{Name: string(m[1])}
		var err error
		if s.Addr, err = strconv.ParseUint(string(m[2]), 16, 64); err != nil {
			return nil, errors.Wrapf(err, "section %s address", s.Name)
		}
		if s.Offset, err = strconv.ParseUint(string(m[3]), 16, 64); err != nil {
			return nil, errors.Wrapf(err, "section %s offset", s.Name)
		}
		if s.Size, err = strconv.ParseUint(string(m[4]), 16, 64); err != nil {
			return nil, errors.Wrapf(err, "section %s size", s.Name)
		}
		found = append(found, s)
	}
	return New(found...), nil
}

// FromELF builds a Map straight from the section header table.
func FromELF(r io.ReaderAt) (*Map, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, errors.Wrap(err, "parse elf")
	}
	defer f.Close()

	var found []Section
	for _, s := range f.Sections {
		if s.Flags&elf.SHF_EXECINSTR == 0 || s.Type == elf.SHT_NOBITS {
			continue
		}
		found = append(found, Section{
			Name:   s.Name,
			Addr:   s.Addr,
			Offset: s.Offset,
			Size:   s.Size,
		})
	}
	return New(found...), nil
}
