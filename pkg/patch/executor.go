package patch

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

const (
	flagsOffset32 = 0x24
	flagsOffset64 = 0x30

	// EF_RISCV_RVC. `.option rvc` in the test setup sets it even though
	// no compressed instruction is emitted.
	flagRVC = 0x1

	wordSize = 4
)

var (
	ErrUnsupportedClass = errors.New("unsupported ELF class")
	ErrPatchOutOfBounds = errors.New("patch outside of file")
)

// Result describes what happened to one file.
type Result struct {
	NotELF            bool
	DryRun            bool
	Patched           int
	Dropped           int
	HeaderFlagCleared bool
	ByKind            map[Kind]int
}

// IsELF reports whether path starts with the ELF magic.
func IsELF(fs afero.Fs, path string) (bool, error) {
	f, err := fs.Open(path)
	if err != nil {
		return false, errors.Wrap(err, "open")
	}
	defer f.Close()
	var magic [len(elf.ELFMAG)]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return false, nil
		}
		return false, errors.Wrap(err, "read magic")
	}
	return string(magic[:]) == elf.ELFMAG, nil
}

func flagsOffset(class elf.Class) (int64, error) {
	switch class {
	case elf.ELFCLASS32:
		return flagsOffset32, nil
	case elf.ELFCLASS64:
		return flagsOffset64, nil
	default:
		return 0, errors.Wrapf(ErrUnsupportedClass, "class byte %d", byte(class))
	}
}

// Apply writes plan into the file at path. Files without the ELF magic are
// left as they are and reported with NotELF. All offsets are checked
// against the file size before the first write.
func Apply(fs afero.Fs, path string, plan *Plan) (res Result, err error) {
	f, err := fs.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return res, errors.Wrap(err, "open")
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = errors.Wrap(cerr, "close")
		}
	}()

	var ident [elf.EI_CLASS + 1]byte
	if _, err = io.ReadFull(f, ident[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Result{NotELF: true}, nil
		}
		return res, errors.Wrap(err, "read ident")
	}
	if !bytes.Equal(ident[:elf.EI_CLASS], []byte(elf.ELFMAG)) {
		return Result{NotELF: true}, nil
	}
	flagsOff, err := flagsOffset(elf.Class(ident[elf.EI_CLASS]))
	if err != nil {
		return res, err
	}

	st, err := f.Stat()
	if err != nil {
		return res, errors.Wrap(err, "stat")
	}
	size := uint64(st.Size())
	if uint64(flagsOff)+wordSize > size {
		return res, errors.Wrapf(ErrPatchOutOfBounds, "e_flags at %#x, file size %#x", flagsOff, size)
	}
	for _, p := range plan.patches {
		if p.Offset+wordSize > size {
			return res, errors.Wrapf(ErrPatchOutOfBounds, "offset %#x, file size %#x", p.Offset, size)
		}
	}

	var buf [wordSize]byte
	if plan.ClearHeaderFlag {
		if _, err = f.ReadAt(buf[:], flagsOff); err != nil {
			return res, errors.Wrap(err, "read e_flags")
		}
		if flags := binary.LittleEndian.Uint32(buf[:]); flags&flagRVC != 0 {
			binary.LittleEndian.PutUint32(buf[:], flags&^flagRVC)
			if _, err = f.WriteAt(buf[:], flagsOff); err != nil {
				return res, errors.Wrap(err, "write e_flags")
			}
			res.HeaderFlagCleared = true
		}
	}

	for _, p := range plan.patches {
		binary.LittleEndian.PutUint32(buf[:], p.Word)
		if _, err = f.WriteAt(buf[:], int64(p.Offset)); err != nil {
			return res, errors.Wrapf(err, "write patch at %#x", p.Offset)
		}
		res.Patched++
	}
	return res, nil
}
