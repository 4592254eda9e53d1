package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"
	"github.com/wb-go/wbf/zlog"

	"github.com/nhle/aquaportal/internal/credential"
	"github.com/nhle/aquaportal/internal/gateway"
	"github.com/nhle/aquaportal/internal/keys"
	"github.com/nhle/aquaportal/internal/model"
	"github.com/nhle/aquaportal/internal/push/redischan"
	"github.com/nhle/aquaportal/internal/session"
	"github.com/nhle/aquaportal/internal/store"
	"github.com/nhle/aquaportal/internal/ui/inbox"
	"github.com/nhle/aquaportal/internal/ui/prompt"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "aquaportal:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	cfg, err := model.LoadOrCreateConfig(model.DefaultConfigPath())
	if err != nil {
		return err
	}

	// The terminal belongs to the inbox; logs go to a file next to the
	// state database.
	terminal := os.Stdout
	logFile, err := openLog(cfg.Storage.DBPath)
	if err != nil {
		return err
	}
	defer logFile.Close()
	os.Stdout = logFile
	zlog.Init()

	db, err := store.NewSQLiteStore(cfg.Storage.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	vault, err := credential.Open()
	if err != nil {
		return err
	}

	authToken := os.Getenv("AQUAPORTAL_TOKEN")
	if authToken == "" {
		authToken = vault.BearerToken()
	}
	if authToken == "" {
		return fmt.Errorf("no session token: set AQUAPORTAL_TOKEN to sign in")
	}

	client := gateway.New(gateway.Config{
		BaseURL:    cfg.API.BaseURL,
		Timeout:    cfg.API.Timeout(),
		RatePerSec: cfg.API.RatePerSec,
	}, vault)

	permission := prompt.NewPermission()
	permission.Output = terminal

	deps := session.Deps{
		Gateway:  client,
		State:    db,
		Vault:    vault,
		Prompter: permission,
		Alerter:  prompt.Bell{W: terminal},
	}

	if cfg.Push.Enabled {
		provider, err := redischan.Open(ctx, cfg.Push.RedisURL, cfg.Push.ChannelPrefix)
		if err != nil {
			zlog.Logger.Warn().Err(err).Msg("push relay unreachable, polling instead")
		} else {
			defer provider.Close()
			deps.Provider = provider
		}
	}

	sess := session.New(session.ConfigFromApp(*cfg), deps)
	if err := sess.Init(ctx, authToken); err != nil {
		teardown(sess)
		if gateway.IsSessionExpired(err) {
			return fmt.Errorf("your session has expired, please sign in again")
		}
		return err
	}

	if os.Getenv("AQUAPORTAL_LOGOUT") != "" {
		return teardown(sess)
	}

	m := inbox.New(sess, keys.DefaultKeyMap())
	defer m.Close()

	p := tea.NewProgram(m,
		tea.WithAltScreen(),
		tea.WithReportFocus(),
		tea.WithOutput(terminal),
		tea.WithContext(ctx),
	)
	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		sess.Close()
		return fmt.Errorf("running inbox: %w", err)
	}

	select {
	case <-sess.Expired():
		return teardown(sess)
	default:
	}
	sess.Close()
	return nil
}

// teardown signs the customer out with a bounded context.
func teardown(sess *session.Session) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return sess.Teardown(ctx)
}

func openLog(dbPath string) (*os.File, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory %s: %w", dir, err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "aquaportal.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	return f, nil
}
