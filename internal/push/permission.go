package push

import (
	"context"
	"sync"

	"github.com/wb-go/wbf/zlog"

	"github.com/nhle/aquaportal/internal/model"
	"github.com/nhle/aquaportal/internal/store"
)

// Prompter asks the customer whether notifications may be shown.
type Prompter interface {
	// Supported reports whether the platform can prompt at all.
	Supported() bool
	Prompt(ctx context.Context) (bool, error)
}

// PermissionNegotiator owns the notification permission state. It only
// ever prompts from the default state.
type PermissionNegotiator struct {
	prompter Prompter
	perms    store.PermissionStore

	mu     sync.Mutex
	state  model.PermissionState
	loaded bool
}

// NewPermissionNegotiator creates a negotiator. prompter may be nil when
// the platform cannot prompt; perms may be nil to keep the answer in
// memory only.
func NewPermissionNegotiator(prompter Prompter, perms store.PermissionStore) *PermissionNegotiator {
	return &PermissionNegotiator{
		prompter: prompter,
		perms:    perms,
		state:    model.PermissionDefault,
	}
}

// State returns the current permission state.
func (n *PermissionNegotiator) State() model.PermissionState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Load reads the stored answer, if any. RequestPermission calls it
// implicitly.
func (n *PermissionNegotiator) Load(ctx context.Context) model.PermissionState {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.loadLocked(ctx)
	return n.state
}

// RequestPermission prompts the customer if no answer is known yet and
// returns the resulting state. A platform that cannot prompt yields
// PermissionDenied without an error. A failed or cancelled prompt
// leaves the state at default so the next session asks again.
func (n *PermissionNegotiator) RequestPermission(ctx context.Context) model.PermissionState {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.loadLocked(ctx)

	if n.state != model.PermissionDefault {
		return n.state
	}

	if n.prompter == nil || !n.prompter.Supported() {
		n.state = model.PermissionDenied
		return n.state
	}

	granted, err := n.prompter.Prompt(ctx)
	if err != nil {
		zlog.Logger.Warn().Err(err).Msg("permission prompt failed")
		return n.state
	}

	if granted {
		n.state = model.PermissionGranted
	} else {
		n.state = model.PermissionDenied
	}

	if n.perms != nil {
		if err := n.perms.SavePermission(ctx, n.state); err != nil {
			zlog.Logger.Warn().Err(err).Msg("saving permission state failed")
		}
	}
	return n.state
}

func (n *PermissionNegotiator) loadLocked(ctx context.Context) {
	if n.loaded || n.perms == nil {
		return
	}
	n.loaded = true

	state, err := n.perms.GetPermission(ctx)
	if err != nil {
		zlog.Logger.Warn().Err(err).Msg("loading permission state failed")
		return
	}
	n.state = state
}
