/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: console.go
Description: Operator console. Prints stage indicators ([✓] [!] [✗] [i]), banners and instruction
blocks, and owns the two human gates of a run: the login acknowledgment and the y/N prompts.
Styling is applied only when the output is a terminal.
*/

package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

const bannerWidth = 60

var (
	headerStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("13")).Bold(true)
	stepStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	infoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	promptStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
)

type line struct {
	text string
	err  error
}

// Console writes indicators to out and reads operator answers from in.
type Console struct {
	out    io.Writer
	in     io.Reader
	styled bool

	mu    sync.Mutex
	once  sync.Once
	lines chan line
}

// New creates a console. Styling is enabled when out is a terminal.
func New(out io.Writer, in io.Reader) *Console {
	return &Console{out: out, in: in, styled: IsTerminal(out)}
}

// Stdio returns a console on the process's standard streams.
func Stdio() *Console {
	return New(os.Stdout, os.Stdin)
}

// IsTerminal reports whether w is a terminal.
func IsTerminal(w any) bool {
	f, ok := w.(interface{ Fd() uintptr })
	return ok && term.IsTerminal(int(f.Fd()))
}

func (c *Console) paint(s lipgloss.Style, text string) string {
	if !c.styled {
		return text
	}
	return s.Render(text)
}

func (c *Console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// Header prints a centred banner.
func (c *Console) Header(title string) {
	bar := strings.Repeat("=", bannerWidth)
	pad := max(0, (bannerWidth-len([]rune(title)))/2)
	centred := strings.Repeat(" ", pad) + title
	c.printf("\n%s\n%s\n%s\n\n", c.paint(headerStyle, bar), c.paint(headerStyle, centred), c.paint(headerStyle, bar))
}

// Step announces a numbered stage.
func (c *Console) Step(step, text string) {
	c.printf("%s %s\n", c.paint(stepStyle, "["+step+"]"), text)
}

func (c *Console) Success(format string, args ...any) {
	c.printf("%s %s\n", c.paint(successStyle, "[✓]"), fmt.Sprintf(format, args...))
}

func (c *Console) Warning(format string, args ...any) {
	c.printf("%s %s\n", c.paint(warningStyle, "[!]"), fmt.Sprintf(format, args...))
}

func (c *Console) Error(format string, args ...any) {
	c.printf("%s %s\n", c.paint(errorStyle, "[✗]"), fmt.Sprintf(format, args...))
}

func (c *Console) Info(format string, args ...any) {
	c.printf("%s %s\n", c.paint(infoStyle, "[i]"), fmt.Sprintf(format, args...))
}

// Block prints multi-line operator instructions.
func (c *Console) Block(text string) {
	c.printf("\n%s\n\n", c.paint(warningStyle, strings.TrimRight(text, "\n")))
}

// Print writes text verbatim.
func (c *Console) Print(text string) {
	c.printf("%s", text)
}

// readLine returns the next input line, or ctx's error if it is cancelled first. A single reader
// goroutine feeds every call so no input is lost between prompts.
func (c *Console) readLine(ctx context.Context) (string, error) {
	c.once.Do(func() {
		c.lines = make(chan line)
		go func() {
			r := bufio.NewReader(c.in)
			for {
				text, err := r.ReadString('\n')
				if err != nil && text == "" {
					c.lines <- line{err: err}
					close(c.lines)
					return
				}
				c.lines <- line{text: strings.TrimRight(text, "\r\n")}
			}
		}()
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case l, ok := <-c.lines:
		if !ok {
			return "", io.EOF
		}
		return l.text, l.err
	}
}

// Wait blocks until the operator presses Enter. It never times out; only cancellation or a
// closed input ends it early.
func (c *Console) Wait(ctx context.Context, prompt string) error {
	c.printf("%s ", c.paint(promptStyle, ">>> "+prompt))
	_, err := c.readLine(ctx)
	if err != nil {
		c.printf("\n")
		return fmt.Errorf("operator gate: %w", err)
	}
	return nil
}

// Confirm asks a y/N question. Anything but y or yes is no; closed input is no.
func (c *Console) Confirm(ctx context.Context, question string) (bool, error) {
	c.printf("%s ", c.paint(promptStyle, question+" (y/N):"))
	answer, err := c.readLine(ctx)
	if err != nil {
		c.printf("\n")
		if errors.Is(err, io.EOF) {
			return false, nil
		}
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}
