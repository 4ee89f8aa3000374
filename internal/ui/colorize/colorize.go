// Package colorize renders trace output with ANSI color: yellow addresses,
// gray opcode bytes, chroma-highlighted disassembly.
package colorize

import (
	"fmt"
	"os"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
)

var forcedOff bool

// Disable turns color off for the rest of the process, regardless of
// environment. Used when the config asks for plain output.
func Disable() {
	forcedOff = true
}

// IsDisabled returns true if colors are disabled via Disable or the
// environment.
func IsDisabled() bool {
	return forcedOff || os.Getenv("POTTO_NO_COLOR") != "" || os.Getenv("NO_COLOR") != ""
}

func getDisasmStyle() *chroma.Style {
	candidates := []string{"dracula", "monokai"}
	for _, name := range candidates {
		if style := styles.Get(name); style != nil {
			return style
		}
	}
	return styles.Fallback
}

func getTerminalFormatter() chroma.Formatter {
	candidates := []string{"terminal16m", "terminal256"}
	for _, name := range candidates {
		if formatter := formatters.Get(name); formatter != nil {
			return formatter
		}
	}
	return formatters.Fallback
}

// Instruction colorizes an Intel-syntax instruction using chroma.
func Instruction(insn string) string {
	if IsDisabled() {
		return insn
	}

	lexer := lexers.Get("nasm")
	if lexer == nil {
		return insn
	}

	iterator, err := lexer.Tokenise(nil, insn)
	if err != nil {
		return insn
	}

	var buf strings.Builder
	if err := getTerminalFormatter().Format(&buf, getDisasmStyle(), iterator); err != nil {
		return insn
	}

	return strings.TrimSuffix(buf.String(), "\n")
}

// Address formats an address in yellow.
func Address(addr uint32) string {
	if IsDisabled() {
		return fmt.Sprintf("%08x", addr)
	}
	return fmt.Sprintf("\033[33;1m%08x\033[0m", addr)
}

// HexBytes formats opcode bytes in light gray.
func HexBytes(s string) string {
	if IsDisabled() {
		return s
	}
	return fmt.Sprintf("\033[38;2;180;180;180m%s\033[0m", s)
}

// FuncName formats a symbolicated function name in yellow.
func FuncName(name string) string {
	if IsDisabled() {
		return name
	}
	return fmt.Sprintf("\033[38;2;255;200;0m%s\033[0m", name)
}

// Detail formats detail text in light gray.
func Detail(detail string) string {
	if IsDisabled() {
		return detail
	}
	return fmt.Sprintf("\033[38;2;180;180;180m%s\033[0m", detail)
}

// Diagnostic formats diagnostics in red (high visibility).
func Diagnostic(s string) string {
	if IsDisabled() {
		return s
	}
	return fmt.Sprintf("\033[31;1m%s\033[0m", s)
}

// Notice formats syscall/exit notices in yellow, matching the report
// stream's historical escape codes.
func Notice(s string) string {
	if IsDisabled() {
		return s
	}
	return fmt.Sprintf("\033[33;1m%s\033[0m", s)
}

// SourcePosition formats a file:line reference in blue.
func SourcePosition(s string) string {
	if IsDisabled() {
		return s
	}
	return fmt.Sprintf("\033[34;1m%s\033[0m", s)
}
