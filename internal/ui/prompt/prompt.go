package prompt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/huh"

	"github.com/nhle/aquaportal/internal/push"
)

var (
	_ push.Prompter = (*Permission)(nil)
	_ push.Alerter  = Bell{}
)

// Permission asks for notification permission with a huh confirm form.
// It is only usable while stdin is a terminal.
type Permission struct {
	Title       string
	Description string
	// Output receives the form; nil means stdout.
	Output io.Writer

	// interactive overrides the terminal check in tests.
	interactive func() bool
}

// NewPermission creates the default permission prompt.
func NewPermission() *Permission {
	return &Permission{
		Title:       "Allow notifications?",
		Description: "Delivery updates, invoices and account alerts will appear here as they happen.",
		interactive: stdinIsTerminal,
	}
}

// Supported reports whether a prompt can be shown.
func (p *Permission) Supported() bool {
	if p.interactive == nil {
		return stdinIsTerminal()
	}
	return p.interactive()
}

// Prompt shows the form and returns the answer. Aborting the form
// counts as a refusal.
func (p *Permission) Prompt(ctx context.Context) (bool, error) {
	allow := true
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(p.Title).
				Description(p.Description).
				Affirmative("Allow").
				Negative("Block").
				Value(&allow),
		),
	)
	if p.Output != nil {
		form = form.WithOutput(p.Output)
	}

	if err := form.RunWithContext(ctx); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return false, nil
		}
		return false, fmt.Errorf("permission prompt: %w", err)
	}
	return allow, nil
}

func stdinIsTerminal() bool {
	info, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

// Bell raises a platform alert by ringing the terminal bell and setting
// the window title to the alert text.
type Bell struct {
	W io.Writer
}

// Alert implements push.Alerter.
func (b Bell) Alert(a push.Alert) error {
	w := b.W
	if w == nil {
		w = os.Stderr
	}
	title := a.Title
	if a.Body != "" {
		title += ": " + a.Body
	}
	_, err := fmt.Fprintf(w, "\x1b]0;%s\x07\a", title)
	return err
}
