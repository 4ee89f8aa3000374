package emulator

import (
	"debug/elf"
	"fmt"
	"sort"
	"strings"

	"github.com/ianlancetaylor/demangle"
)

// Image contains the parsed guest binary: entry point, loadable segments,
// and a symbol table usable for lookup and backtrace symbolication.
type Image struct {
	Path     string
	Machine  elf.Machine
	Entry    uint32
	Segments []Segment
	TLS      *Segment

	symbols []ImageSymbol // sorted by value
}

// Segment is one loadable piece of the binary.
type Segment struct {
	VAddr      uint32
	FileSize   uint32
	MemSize    uint32
	Flags      elf.ProgFlag
	Data       []byte
}

// ImageSymbol is a named address range in the binary.
type ImageSymbol struct {
	Name  string // demangled where possible
	Value uint32
	Size  uint32
}

// IsExecutable returns true if the segment is executable.
func (s *Segment) IsExecutable() bool { return s.Flags&elf.PF_X != 0 }

// IsWritable returns true if the segment is writable.
func (s *Segment) IsWritable() bool { return s.Flags&elf.PF_W != 0 }

// LoadImage parses a 32-bit x86 ELF executable.
func LoadImage(path string) (*Image, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ELF: %w", err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS32 {
		return nil, fmt.Errorf("expected 32-bit ELF, got %v", f.Class)
	}
	if f.Machine != elf.EM_386 {
		return nil, fmt.Errorf("expected i386 (EM_386), got %v", f.Machine)
	}
	if f.Type != elf.ET_EXEC {
		return nil, fmt.Errorf("expected ET_EXEC, got %v", f.Type)
	}

	img := &Image{
		Path:    path,
		Machine: f.Machine,
		Entry:   uint32(f.Entry),
	}

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD && prog.Type != elf.PT_TLS {
			continue
		}
		seg := Segment{
			VAddr:    uint32(prog.Vaddr),
			FileSize: uint32(prog.Filesz),
			MemSize:  uint32(prog.Memsz),
			Flags:    prog.Flags,
			Data:     make([]byte, prog.Filesz),
		}
		if prog.Filesz > 0 {
			if _, err := prog.ReadAt(seg.Data, 0); err != nil {
				return nil, fmt.Errorf("read segment at %#x: %w", prog.Vaddr, err)
			}
		}
		if prog.Type == elf.PT_TLS {
			tls := seg
			img.TLS = &tls
			continue
		}
		img.Segments = append(img.Segments, seg)
	}

	if len(img.Segments) == 0 {
		return nil, fmt.Errorf("no PT_LOAD segments found")
	}

	img.loadSymbols(f)
	return img, nil
}

func (img *Image) loadSymbols(f *elf.File) {
	add := func(syms []elf.Symbol) {
		for _, sym := range syms {
			if sym.Name == "" || sym.Value == 0 {
				continue
			}
			name := sym.Name
			if idx := strings.IndexByte(name, '@'); idx != -1 {
				name = name[:idx]
			}
			if d, err := demangle.ToString(name); err == nil {
				name = d
			}
			img.symbols = append(img.symbols, ImageSymbol{
				Name:  name,
				Value: uint32(sym.Value),
				Size:  uint32(sym.Size),
			})
		}
	}

	if syms, err := f.Symbols(); err == nil {
		add(syms)
	}
	if syms, err := f.DynamicSymbols(); err == nil {
		add(syms)
	}

	sort.Slice(img.symbols, func(i, j int) bool {
		return img.symbols[i].Value < img.symbols[j].Value
	})
}

// FindFunction looks up a symbol by its demangled name.
func (img *Image) FindFunction(name string) (ImageSymbol, bool) {
	for _, sym := range img.symbols {
		if sym.Name == name {
			return sym, true
		}
	}
	return ImageSymbol{}, false
}

// Symbolicate maps an address to the covering symbol and the offset into
// it. Returns an empty name when no symbol covers the address.
func (img *Image) Symbolicate(addr uint32) (string, uint32) {
	i := sort.Search(len(img.symbols), func(i int) bool {
		return img.symbols[i].Value > addr
	})
	for i--; i >= 0; i-- {
		sym := img.symbols[i]
		if sym.Size > 0 && addr < sym.Value+sym.Size {
			return sym.Name, addr - sym.Value
		}
		if sym.Size == 0 && sym.Value <= addr {
			// Sizeless symbol: best-effort attribution to the nearest one.
			return sym.Name, addr - sym.Value
		}
	}
	return "", 0
}

// Symbols exposes the sorted symbol table.
func (img *Image) Symbols() []ImageSymbol {
	return img.symbols
}
