package test

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"
)

type ELFSection struct {
	Name   string
	Addr   uint64
	Offset uint64
	Data   []byte
	Exec   bool
}

type ELFOptions struct {
	Class    elf.Class // ELFCLASS32 when unset
	Flags    uint32    // e_flags
	Sections []ELFSection
}

// BuildELF lays out a little-endian RISC-V executable with the requested
// sections at their exact file offsets, followed by .shstrtab and the
// section header table. Bytes not covered by a section are zero.
func BuildELF(t testing.TB, opts ELFOptions) []byte {
	t.Helper()

	class := opts.Class
	if class == elf.ELFCLASSNONE {
		class = elf.ELFCLASS32
	}
	ehsize, shentsize := uint64(52), uint64(40)
	if class == elf.ELFCLASS64 {
		ehsize, shentsize = 64, 64
	}

	end := ehsize
	for _, s := range opts.Sections {
		if s.Offset < ehsize {
			t.Fatalf("section %s at %#x overlaps the ELF header", s.Name, s.Offset)
		}
		if e := s.Offset + uint64(len(s.Data)); e > end {
			end = e
		}
	}

	shstrtab := []byte{0}
	nameIdx := make([]uint32, len(opts.Sections))
	for i, s := range opts.Sections {
		nameIdx[i] = uint32(len(shstrtab))
		shstrtab = append(append(shstrtab, s.Name...), 0)
	}
	shstrtabName := uint32(len(shstrtab))
	shstrtab = append(shstrtab, ".shstrtab\x00"...)

	shstrtabOff := end
	shoff := (shstrtabOff + uint64(len(shstrtab)) + 7) &^ 7
	shnum := uint64(len(opts.Sections) + 2) // null + sections + .shstrtab

	buf := make([]byte, shoff+shnum*shentsize)
	for _, s := range opts.Sections {
		copy(buf[s.Offset:], s.Data)
	}
	copy(buf[shstrtabOff:], shstrtab)

	var ident [elf.EI_NIDENT]byte
	copy(ident[:], elf.ELFMAG)
	ident[elf.EI_CLASS] = byte(class)
	ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	type shdr struct {
		name            uint32
		typ             elf.SectionType
		flags           elf.SectionFlag
		addr, off, size uint64
		addralign       uint64
	}
	headers := []shdr{{}}
	for i, s := range opts.Sections {
		h := shdr{
			name:      nameIdx[i],
			typ:       elf.SHT_PROGBITS,
			flags:     elf.SHF_ALLOC,
			addr:      s.Addr,
			off:       s.Offset,
			size:      uint64(len(s.Data)),
			addralign: 4,
		}
		if s.Exec {
			h.flags |= elf.SHF_EXECINSTR
		}
		headers = append(headers, h)
	}
	headers = append(headers, shdr{
		name:      shstrtabName,
		typ:       elf.SHT_STRTAB,
		off:       shstrtabOff,
		size:      uint64(len(shstrtab)),
		addralign: 1,
	})

	w := &bytes.Buffer{}
	put := func(v any) {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			t.Fatalf("encode elf: %v", err)
		}
	}
	if class == elf.ELFCLASS64 {
		put(elf.Header64{
			Ident: ident, Type: uint16(elf.ET_EXEC), Machine: uint16(elf.EM_RISCV),
			Version: uint32(elf.EV_CURRENT), Shoff: shoff, Flags: opts.Flags,
			Ehsize: uint16(ehsize), Shentsize: uint16(shentsize),
			Shnum: uint16(shnum), Shstrndx: uint16(shnum - 1),
		})
	} else {
		put(elf.Header32{
			Ident: ident, Type: uint16(elf.ET_EXEC), Machine: uint16(elf.EM_RISCV),
			Version: uint32(elf.EV_CURRENT), Shoff: uint32(shoff), Flags: opts.Flags,
			Ehsize: uint16(ehsize), Shentsize: uint16(shentsize),
			Shnum: uint16(shnum), Shstrndx: uint16(shnum - 1),
		})
	}
	copy(buf, w.Bytes())

	w.Reset()
	for _, h := range headers {
		if class == elf.ELFCLASS64 {
			put(elf.Section64{
				Name: h.name, Type: uint32(h.typ), Flags: uint64(h.flags),
				Addr: h.addr, Off: h.off, Size: h.size, Addralign: h.addralign,
			})
		} else {
			put(elf.Section32{
				Name: h.name, Type: uint32(h.typ), Flags: uint32(h.flags),
				Addr: uint32(h.addr), Off: uint32(h.off), Size: uint32(h.size), Addralign: uint32(h.addralign),
			})
		}
	}
	copy(buf[shoff:], w.Bytes())
	return buf
}
