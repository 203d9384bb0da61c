package hostterm

import (
	"io"
	"os"

	"github.com/muesli/cancelreader"
	"golang.org/x/term"
)

// TTY is the Console backed by the process's terminal.
type TTY struct {
	in  *os.File
	out *os.File
}

var _ Console = (*TTY)(nil)

// Stdio returns a TTY over os.Stdin and os.Stdout.
func Stdio() *TTY {
	return &TTY{in: os.Stdin, out: os.Stdout}
}

// IsTerminal reports whether both ends are terminals.
func (t *TTY) IsTerminal() bool {
	return term.IsTerminal(int(t.in.Fd())) && term.IsTerminal(int(t.out.Fd()))
}

// MakeRaw implements Console.
func (t *TTY) MakeRaw() (func() error, error) {
	fd := int(t.in.Fd())
	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, err
	}
	return func() error { return term.Restore(fd, state) }, nil
}

// Size implements Console.
func (t *TTY) Size() (int, int, error) {
	return term.GetSize(int(t.out.Fd()))
}

// Input implements Console.
func (t *TTY) Input() (InputReader, error) {
	return cancelreader.NewReader(t.in)
}

// Output implements Console.
func (t *TTY) Output() io.Writer {
	return t.out
}
