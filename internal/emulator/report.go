package emulator

import (
	"fmt"
	"io"
	"os"

	"github.com/zboralski/potto/internal/ui/colorize"
)

// Reporter is the byte-stream diagnostic sink. Every line carries the
// ==PID== prefix; the format is stable tool output, separate from the
// structured machinery log.
type Reporter struct {
	out   io.Writer
	pid   int
	quiet bool
}

// NewReporter creates a reporter writing to out with the given pid prefix.
func NewReporter(out io.Writer, pid int) *Reporter {
	return &Reporter{out: out, pid: pid}
}

// NewStderrReporter creates the default reporter for this process.
func NewStderrReporter() *Reporter {
	return &Reporter{out: os.Stderr, pid: os.Getpid()}
}

// Line writes one prefixed line.
func (r *Reporter) Line(format string, args ...any) {
	fmt.Fprintf(r.out, "==%d==  %s\n", r.pid, fmt.Sprintf(format, args...))
}

// Blank writes an unprefixed newline, separating report blocks.
func (r *Reporter) Blank() {
	fmt.Fprintln(r.out)
}

// Diagnostic writes a highlighted diagnostic line.
func (r *Reporter) Diagnostic(format string, args ...any) {
	r.Line("%s", colorize.Diagnostic(fmt.Sprintf(format, args...)))
}

// SetQuiet suppresses informational notices; diagnostics still print.
func (r *Reporter) SetQuiet(quiet bool) {
	r.quiet = quiet
}

// Notice writes a highlighted informational line (syscall traces, exit).
// Suppressed in quiet mode.
func (r *Reporter) Notice(format string, args ...any) {
	if r.quiet {
		return
	}
	r.Line("%s", colorize.Notice(fmt.Sprintf(format, args...)))
}

// Frame writes one backtrace frame: address, symbol, and either a source
// position or the offset into the symbol.
func (r *Reporter) Frame(addr uint32, symbol string, offset uint32, source string) {
	if symbol == "" {
		r.Line("  %#08x", addr)
		return
	}
	if source != "" {
		r.Line("  %#08x  %s (%s)", addr, symbol, colorize.SourcePosition(source))
		return
	}
	r.Line("  %#08x  %s +%#x", addr, symbol, offset)
}
