package patch

import (
	"bytes"
	"context"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/grafana/zkvm-elfpatch/pkg/riscv"
	"github.com/grafana/zkvm-elfpatch/pkg/sections"
	"github.com/grafana/zkvm-elfpatch/pkg/test"
)

// staticInspector returns a fixed listing and reads sections natively.
type staticInspector struct {
	fs      afero.Fs
	listing string
}

func (s *staticInspector) Sections(_ context.Context, path string) (*sections.Map, error) {
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		return nil, err
	}
	return sections.FromELF(bytes.NewReader(data))
}

func (s *staticInspector) Disassemble(context.Context, string) ([]byte, error) {
	return []byte(s.listing), nil
}

// wordInspector renders a listing from the file contents the way
// `objdump -M no-aliases` would for the handful of encodings used here, so
// a second pass sees the effect of the first.
type wordInspector struct {
	staticInspector
	labels map[uint64]string
}

var csrMnemonics = map[uint32]string{1: "csrrw", 2: "csrrs", 3: "csrrc", 5: "csrrwi", 6: "csrrsi", 7: "csrrci"}

func (w *wordInspector) Disassemble(ctx context.Context, path string) ([]byte, error) {
	secs, err := w.Sections(ctx, path)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(w.fs, path)
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	for _, s := range secs.Sections() {
		for addr := s.Addr; addr < s.Addr+s.Size; addr += 4 {
			if name, ok := w.labels[addr]; ok {
				fmt.Fprintf(&b, "\n%08x <%s>:\n", addr, name)
			}
			word := binary.LittleEndian.Uint32(data[s.Offset+(addr-s.Addr):])
			var text string
			switch word & 0x7F {
			case riscv.OpcodeOpImm:
				text = fmt.Sprintf("addi\tx%d,zero,0", riscv.Rd(word))
			case riscv.OpcodeJAL:
				text = "jal\tzero,0"
			case 0x03:
				text = "lhu\tt2,-2(t0)"
			case 0x73:
				if m, ok := csrMnemonics[(word>>12)&0x7]; ok {
					text = fmt.Sprintf("%s\tx%d,0x%x,x0", m, riscv.Rd(word), word>>20)
				} else {
					text = "ecall"
				}
			case 0x00:
				text = fmt.Sprintf("0x%08x", word)
			default:
				text = fmt.Sprintf(".word\t0x%08x", word)
			}
			fmt.Fprintf(&b, "%8x:\t%08x          \t%s\n", addr, word, text)
		}
	}
	return []byte(b.String()), nil
}

func words(ws ...uint32) []byte {
	out := make([]byte, 4*len(ws))
	for i, w := range ws {
		binary.LittleEndian.PutUint32(out[4*i:], w)
	}
	return out
}

func newTestPatcher(t *testing.T, fs afero.Fs, inspector Inspector, cfg Config) *Patcher {
	t.Helper()
	p, err := New(test.NewTestingLogger(t), fs, inspector, cfg)
	require.NoError(t, err)
	return p
}

func TestPatchFileEndToEnd(t *testing.T) {
	fs := afero.NewMemMapFs()
	text := bytes.Repeat([]byte{0xaa}, 0x40)
	copy(text, words(0x00000013, 0xdeadbeef))
	orig := test.BuildELF(t, test.ELFOptions{
		Sections: []test.ELFSection{{Name: ".text", Addr: 0x0, Offset: 0x54, Data: text, Exec: true}},
	})
	writeFile(t, fs, "rv32i.elf", orig)

	p := newTestPatcher(t, fs, &staticInspector{fs: fs, listing: "" +
		"00000000 <_start>:\n" +
		"   0:\t00000013          \taddi\tzero,zero,0\n" +
		"   4:\tdeadbeef          \t.word\t0xdeadbeef\n",
	}, DefaultConfig())

	res, err := p.PatchFile(context.Background(), "rv32i.elf")
	require.NoError(t, err)
	require.Equal(t, 1, res.Patched)
	require.Equal(t, map[Kind]int{KindDataWord: 1}, res.ByKind)

	got := readFile(t, fs, "rv32i.elf")
	require.Len(t, got, len(orig))
	require.Equal(t, uint32(0x00000013), binary.LittleEndian.Uint32(got[0x58:]))
	diff := 0
	for i := range orig {
		if orig[i] != got[i] {
			require.True(t, i >= 0x58 && i < 0x5c, "unexpected change at %#x", i)
			diff++
		}
	}
	require.Equal(t, 4, diff)
}

func TestPatchFileIdempotent(t *testing.T) {
	for _, tc := range []struct {
		strategy Strategy
		want     int
	}{
		{strategy: NeutralizeDataWords, want: 2},
		{strategy: NeutralizeDataWordsAndCsr, want: 4},
		{strategy: NeutralizeDataWordsThenRedirectFailureHandler, want: 1},
	} {
		t.Run(tc.strategy.String(), func(t *testing.T) {
			fs := afero.NewMemMapFs()
			writeFile(t, fs, "t.elf", test.BuildELF(t, test.ELFOptions{
				Class: elf.ELFCLASS64,
				Flags: 0x5,
				Sections: []test.ELFSection{{
					Name: ".text.init", Addr: 0x80000000, Offset: 0x1000, Exec: true,
					Data: words(
						0x30529073, // csrrw zero,mtvec,t0
						0x30202173, // csrrs sp,mstatus,zero
						0x0100006f, // jal
						0xcafebabe,
						0x80000f00,
						0x00000013,
						0xffe2d383, // lhu t2,-2(t0)
						0x00100513, // addi a0,zero,1
					),
				}},
			}))
			inspector := &wordInspector{
				staticInspector: staticInspector{fs: fs},
				labels: map[uint64]string{
					0x80000000: "rvtest_entry_point",
					0x80000018: "failedtest_saveresults",
					0x8000001c: "failedtest_terminate",
				},
			}
			cfg := DefaultConfig()
			cfg.Strategy = tc.strategy
			p := newTestPatcher(t, fs, inspector, cfg)

			first, err := p.PatchFile(context.Background(), "t.elf")
			require.NoError(t, err)
			require.Equal(t, tc.want, first.Patched)
			require.True(t, first.HeaderFlagCleared)

			afterFirst := readFile(t, fs, "t.elf")
			require.Equal(t, uint32(0x4), binary.LittleEndian.Uint32(afterFirst[0x30:]))

			second, err := p.PatchFile(context.Background(), "t.elf")
			require.NoError(t, err)
			require.Equal(t, 0, second.Patched)
			require.False(t, second.HeaderFlagCleared)
			require.Equal(t, afterFirst, readFile(t, fs, "t.elf"))
		})
	}
}

func TestPatchFileRedirectMissingSymbols(t *testing.T) {
	fs := afero.NewMemMapFs()
	orig := test.BuildELF(t, test.ELFOptions{
		Flags:    0x1,
		Sections: []test.ELFSection{{Name: ".text", Addr: 0x80000000, Offset: 0x100, Data: words(0xcafebabe), Exec: true}},
	})
	writeFile(t, fs, "t.elf", orig)
	cfg := DefaultConfig()
	cfg.Strategy = NeutralizeDataWordsThenRedirectFailureHandler
	p := newTestPatcher(t, fs, &wordInspector{staticInspector: staticInspector{fs: fs}}, cfg)

	res, err := p.PatchFile(context.Background(), "t.elf")
	require.NoError(t, err)
	require.Equal(t, 0, res.Patched)
	require.Equal(t, orig, readFile(t, fs, "t.elf"))
}

func TestPatchFileRedirectOutOfRange(t *testing.T) {
	fs := afero.NewMemMapFs()
	orig := test.BuildELF(t, test.ELFOptions{
		Sections: []test.ELFSection{{Name: ".text", Addr: 0x80000000, Offset: 0x100, Data: words(0x13, 0x13), Exec: true}},
	})
	writeFile(t, fs, "t.elf", orig)
	cfg := DefaultConfig()
	cfg.Strategy = NeutralizeDataWordsThenRedirectFailureHandler
	p := newTestPatcher(t, fs, &staticInspector{fs: fs, listing: "" +
		"80000000 <failedtest_saveresults>:\n" +
		"80000000:\t00000013          \taddi\tzero,zero,0\n" +
		"80400000 <failedtest_terminate>:\n",
	}, cfg)

	_, err := p.PatchFile(context.Background(), "t.elf")
	var rangeErr *riscv.EncodingRangeError
	require.ErrorAs(t, err, &rangeErr)
	require.Equal(t, orig, readFile(t, fs, "t.elf"))
}

type failingInspector struct{ err error }

func (f failingInspector) Sections(context.Context, string) (*sections.Map, error) {
	return nil, f.err
}

func (f failingInspector) Disassemble(context.Context, string) ([]byte, error) {
	return nil, f.err
}

func TestPatchFileSkipsNonELF(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "README.elf", []byte("not a binary"))
	p := newTestPatcher(t, fs, failingInspector{err: fmt.Errorf("must not be called")}, DefaultConfig())

	res, err := p.PatchFile(context.Background(), "README.elf")
	require.NoError(t, err)
	require.True(t, res.NotELF)
	require.Equal(t, 0, res.Patched)
}

func TestPatchFileInspectorError(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "t.elf", textELF(t, elf.ELFCLASS32, 0))
	p := newTestPatcher(t, fs, failingInspector{err: fmt.Errorf("readelf: exit status 1")}, DefaultConfig())

	_, err := p.PatchFile(context.Background(), "t.elf")
	require.ErrorContains(t, err, "read section headers: readelf: exit status 1")
}

func TestPatchFileDryRun(t *testing.T) {
	fs := afero.NewMemMapFs()
	orig := test.BuildELF(t, test.ELFOptions{
		Flags:    0x1,
		Sections: []test.ELFSection{{Name: ".text", Addr: 0x1000, Offset: 0x100, Data: words(0x13, 0xcafebabe, 0x30202173), Exec: true}},
	})
	writeFile(t, fs, "t.elf", orig)
	cfg := DefaultConfig()
	cfg.Strategy = NeutralizeDataWordsAndCsr
	cfg.DryRun = true
	p := newTestPatcher(t, fs, &wordInspector{staticInspector: staticInspector{fs: fs}}, cfg)

	res, err := p.PatchFile(context.Background(), "t.elf")
	require.NoError(t, err)
	require.True(t, res.DryRun)
	require.Equal(t, 2, res.Patched)
	require.Equal(t, map[Kind]int{KindDataWord: 1, KindCSR: 1}, res.ByKind)
	require.Equal(t, orig, readFile(t, fs, "t.elf"))
}

func TestPatchFileCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := newTestPatcher(t, afero.NewMemMapFs(), failingInspector{}, DefaultConfig())
	_, err := p.PatchFile(ctx, "t.elf")
	require.ErrorIs(t, err, context.Canceled)
}
