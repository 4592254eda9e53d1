package inbox

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/aquaportal/internal/keys"
	"github.com/nhle/aquaportal/internal/model"
	"github.com/nhle/aquaportal/internal/notify"
	appsync "github.com/nhle/aquaportal/internal/sync"
	"github.com/nhle/aquaportal/internal/theme"
	"github.com/nhle/aquaportal/internal/toast"
	"github.com/nhle/aquaportal/internal/ui"
)

// actionTimeout bounds a single user action against the portal.
const actionTimeout = 15 * time.Second

// Session is what the inbox needs from a signed-in session.
type Session interface {
	Notifications() *notify.Store
	Toasts() *toast.Queue
	Poller() *appsync.Poller
	Expired() <-chan struct{}
	PushAvailable() bool
	SetForeground(visible bool)
}

// changedMsg is sent whenever the store or the toast queue changed.
type changedMsg struct{}

// expiredMsg is sent once the session has expired.
type expiredMsg struct{}

// actionDoneMsg carries the outcome of a user action. Failures are
// already surfaced as toasts.
type actionDoneMsg struct {
	err error
}

type mode int

const (
	modeList mode = iota
	modeDetail
	modeConfirmClear
)

// formBindings holds huh form values behind a pointer so they survive
// the value-receiver Update.
type formBindings struct {
	confirm bool
}

// Model is the root Bubble Tea model of the notification inbox.
type Model struct {
	sess   Session
	store  *notify.Store
	toasts *toast.Queue
	poller *appsync.Poller
	keys   *keys.KeyMap

	list        list.Model
	help        help.Model
	confirmForm *huh.Form
	fb          *formBindings

	layout   ui.Layout
	mode     mode
	opened   *model.Notification
	changes  chan struct{}
	unsub    func()
	expired  bool
	lastSync string
}

// New creates the inbox for sess.
func New(sess Session, k *keys.KeyMap) Model {
	l := list.New([]list.Item{}, Delegate{}, 80, 20)
	l.Title = "Notifications"
	l.SetShowStatusBar(false)
	l.SetShowHelp(false)
	l.SetFilteringEnabled(false)
	l.Styles.Title = theme.HeaderStyle

	m := Model{
		sess:    sess,
		store:   sess.Notifications(),
		toasts:  sess.Toasts(),
		poller:  sess.Poller(),
		keys:    k,
		list:    l,
		help:    help.New(),
		fb:      &formBindings{},
		layout:  ui.NewLayout(80, 24),
		changes: make(chan struct{}, 1),
	}

	signal := func() {
		select {
		case m.changes <- struct{}{}:
		default:
		}
	}
	m.unsub = m.store.Subscribe(func(notify.Event) { signal() })
	m.toasts.OnChange(func([]model.ToastEntry) { signal() })
	m.refreshItems()
	return m
}

// Close detaches the inbox from the session.
func (m Model) Close() {
	m.unsub()
	m.toasts.OnChange(nil)
}

// Init starts listening for store changes, expiry and poll results.
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{m.waitForChange(), m.waitForExpiry()}
	if m.poller != nil {
		cmds = append(cmds, m.poller.WaitForNextResult())
	}
	return tea.Batch(cmds...)
}

func (m Model) waitForChange() tea.Cmd {
	ch := m.changes
	return func() tea.Msg {
		<-ch
		return changedMsg{}
	}
}

func (m Model) waitForExpiry() tea.Cmd {
	ch := m.sess.Expired()
	return func() tea.Msg {
		<-ch
		return expiredMsg{}
	}
}

// Update handles messages for the inbox.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.layout = ui.NewLayout(msg.Width, msg.Height)
		m.help.Width = msg.Width
		m.resize()
		return m, nil

	case changedMsg:
		m.refreshItems()
		return m, m.waitForChange()

	case expiredMsg:
		m.expired = true
		return m, nil

	case appsync.SyncResultMsg:
		if msg.SessionExpired != nil {
			m.expired = true
		} else if msg.Error == nil {
			m.lastSync = time.Now().Format("15:04")
		}
		return m, m.poller.WaitForNextResult()

	case actionDoneMsg:
		return m, nil

	case tea.FocusMsg:
		m.sess.SetForeground(true)
		return m, nil

	case tea.BlurMsg:
		m.sess.SetForeground(false)
		return m, nil

	case tea.KeyMsg:
		if m.mode == modeConfirmClear {
			return m.updateConfirm(msg)
		}
		return m.handleKeys(msg)
	}

	if m.mode == modeConfirmClear {
		return m.updateConfirm(msg)
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m Model) handleKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit

	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll
		m.resize()
		return m, nil

	case key.Matches(msg, m.keys.Back):
		m.mode = modeList
		m.opened = nil
		return m, nil

	case key.Matches(msg, m.keys.Dismiss):
		entries := m.toasts.Entries()
		if len(entries) > 0 {
			m.toasts.Dismiss(entries[len(entries)-1].ID)
		}
		return m, nil

	case key.Matches(msg, m.keys.Refresh):
		return m, m.run(m.store.Load)

	case key.Matches(msg, m.keys.MarkAllRead):
		return m, m.run(m.store.MarkAllRead)

	case key.Matches(msg, m.keys.ClearAll):
		if len(m.list.Items()) == 0 {
			return m, nil
		}
		m.fb.confirm = false
		m.confirmForm = m.buildConfirmForm()
		m.mode = modeConfirmClear
		return m, m.confirmForm.Init()
	}

	n, ok := m.selected()
	if !ok {
		var cmd tea.Cmd
		m.list, cmd = m.list.Update(msg)
		return m, cmd
	}

	switch {
	case key.Matches(msg, m.keys.Select):
		m.mode = modeDetail
		m.opened = &n
		if n.Read {
			return m, nil
		}
		return m, m.run(func(ctx context.Context) error { return m.store.MarkRead(ctx, n.ID) })

	case key.Matches(msg, m.keys.MarkRead):
		return m, m.run(func(ctx context.Context) error { return m.store.MarkRead(ctx, n.ID) })

	case key.Matches(msg, m.keys.Delete):
		if m.opened != nil && m.opened.ID == n.ID {
			m.mode = modeList
			m.opened = nil
		}
		return m, m.run(func(ctx context.Context) error { return m.store.Delete(ctx, n.ID) })
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m Model) buildConfirmForm() *huh.Form {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(fmt.Sprintf("Delete all %d notifications?", len(m.list.Items()))).
				Affirmative("Yes, clear").
				Negative("Cancel").
				Value(&m.fb.confirm),
		),
	).WithWidth(m.layout.Width - 4)
}

func (m Model) updateConfirm(msg tea.Msg) (tea.Model, tea.Cmd) {
	if m.confirmForm == nil {
		m.mode = modeList
		return m, nil
	}
	mdl, cmd := m.confirmForm.Update(msg)
	if f, ok := mdl.(*huh.Form); ok {
		m.confirmForm = f
	}

	switch m.confirmForm.State {
	case huh.StateCompleted:
		m.mode = modeList
		m.confirmForm = nil
		if m.fb.confirm {
			return m, m.run(m.store.ClearAll)
		}
		return m, nil
	case huh.StateAborted:
		m.mode = modeList
		m.confirmForm = nil
		return m, nil
	}
	return m, cmd
}

// run executes an action against the store off the UI goroutine.
func (m Model) run(action func(ctx context.Context) error) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		return actionDoneMsg{err: action(ctx)}
	}
}

func (m Model) selected() (model.Notification, bool) {
	it, ok := m.list.SelectedItem().(Item)
	if !ok {
		return model.Notification{}, false
	}
	return it.Notification, true
}

func (m *Model) refreshItems() {
	snapshot := m.store.Snapshot()
	items := make([]list.Item, len(snapshot))
	for i, n := range snapshot {
		items[i] = Item{Notification: n}
	}
	m.list.SetItems(items)

	if m.opened != nil {
		if n, ok := m.store.Get(m.opened.ID); ok {
			m.opened = &n
		} else {
			m.opened = nil
			m.mode = modeList
		}
	}
	m.resize()
}

func (m *Model) resize() {
	toasts := m.layout.RenderToasts(m.toasts.Entries())
	h := m.layout.ContentHeight(toasts) - lipgloss.Height(m.help.View(m.keys))
	if h < 1 {
		h = 1
	}
	m.list.SetSize(m.layout.Width, h)
}

// View renders the inbox.
func (m Model) View() string {
	header := m.layout.RenderHeader("aquaportal", m.headerStatus())
	toasts := m.layout.RenderToasts(m.toasts.Entries())

	var content string
	switch {
	case m.mode == modeConfirmClear && m.confirmForm != nil:
		content = theme.DetailPanelStyle.Render(m.confirmForm.View())
	case m.mode == modeDetail && m.opened != nil:
		content = m.renderDetail(*m.opened)
	case len(m.list.Items()) == 0:
		content = lipgloss.NewStyle().
			Width(m.layout.Width).
			Height(m.layout.ContentHeight(toasts)-1).
			Align(lipgloss.Center, lipgloss.Center).
			Foreground(theme.ColorGray).
			Render("No notifications.")
	default:
		content = m.list.View()
	}
	content = lipgloss.JoinVertical(lipgloss.Left, content, theme.HelpStyle.Render(m.help.View(m.keys)))

	return m.layout.RenderWithFrame(header, toasts, content, m.layout.RenderStatusBar(m.statusText()))
}

func (m Model) renderDetail(n model.Notification) string {
	title := lipgloss.NewStyle().Bold(true).Render(n.Title)
	meta := lipgloss.JoinHorizontal(lipgloss.Top,
		theme.KindStyle(n.Kind).Render(string(n.Kind)),
		theme.DimmedStyle.Render(n.CreatedAt.Local().Format("Jan 02 15:04")),
	)
	parts := []string{title, meta, "", n.Message}
	if n.Link != "" {
		parts = append(parts, "", theme.HelpStyle.Render(n.Link))
	}
	return theme.DetailPanelStyle.
		Width(m.layout.Width - 4).
		Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}

func (m Model) headerStatus() string {
	unread := m.store.UnreadCount()
	if unread == 0 {
		return "all read"
	}
	return theme.UnreadBadgeStyle.Render(fmt.Sprintf("%d unread", unread))
}

func (m Model) statusText() string {
	if m.expired {
		return "Your session has expired. Please sign in again."
	}
	if m.sess.PushAvailable() {
		return "push: live"
	}
	status := "push: off, polling"
	if m.poller != nil {
		status = fmt.Sprintf("%s (%s)", status, m.poller.Status().State)
	}
	if m.lastSync != "" {
		status += " · last sync " + m.lastSync
	}
	return status
}
