package cmds

import (
	"context"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"

	"github.com/go-go-golems/coeus/pkg/agentclient"
	"github.com/go-go-golems/coeus/pkg/config"
	"github.com/go-go-golems/coeus/pkg/conversation"
	"github.com/go-go-golems/coeus/pkg/logging"
	"github.com/go-go-golems/coeus/pkg/observe"
	"github.com/go-go-golems/coeus/pkg/persistence/chatstore"
	"github.com/go-go-golems/coeus/pkg/redisstream"
	"github.com/go-go-golems/coeus/pkg/transcript"
	"github.com/go-go-golems/coeus/pkg/ui"
)

// App carries what every command needs once flags and config are parsed.
type App struct {
	Settings *config.Settings
}

type sessionOptions struct {
	greeting bool
}

// memoryArchiveDSN selects a process-local archive, mostly useful with serve.
const memoryArchiveDSN = "memory"

// openArchive returns nil when no archive DSN is configured.
func (a *App) openArchive() (chatstore.Archive, error) {
	dsn := strings.TrimSpace(a.Settings.Archive.DSN)
	switch dsn {
	case "":
		return nil, nil
	case memoryArchiveDSN:
		return chatstore.NewInMemoryArchive(0), nil
	}
	dsn, err := archiveDSN(dsn)
	if err != nil {
		return nil, err
	}
	archive, err := chatstore.NewSQLiteArchive(dsn)
	if err != nil {
		return nil, err
	}
	return archive, nil
}

// archiveDSN accepts either a sqlite DSN or a plain file path.
func archiveDSN(v string) (string, error) {
	if strings.HasPrefix(v, "file:") || strings.Contains(v, ":memory:") {
		return v, nil
	}
	return chatstore.SQLiteDSNForFile(v)
}

func (a *App) newClient() (*agentclient.Client, error) {
	opts := a.Settings.ClientOptions()
	opts.Metrics = observe.DefaultMetrics()
	return agentclient.New(opts)
}

// newSession wires a client, the optional archive and metrics into a
// session. The returned func closes everything.
func (a *App) newSession(opts sessionOptions) (*conversation.Session, func(), error) {
	client, err := a.newClient()
	if err != nil {
		return nil, nil, err
	}
	archive, err := a.openArchive()
	if err != nil {
		return nil, nil, errors.Wrap(err, "open archive")
	}

	sessOpts := conversation.Options{
		Backend:       client,
		Metrics:       observe.DefaultMetrics(),
		StreamTimeout: a.Settings.StreamTimeout,
		Marker:        a.Settings.Marker,
	}
	if archive != nil {
		sessOpts.Archive = archive
	}
	if opts.greeting {
		sessOpts.Greeting = a.Settings.Greeting
	}

	session, err := conversation.NewSession(sessOpts)
	if err != nil {
		if archive != nil {
			_ = archive.Close()
		}
		return nil, nil, err
	}
	cleanup := func() {
		session.Close()
		if archive != nil {
			if err := archive.Close(); err != nil {
				log.Warn().Err(err).Msg("closing archive")
			}
		}
	}
	return session, cleanup, nil
}

// buildBus returns the configured transcript bus. With Redis, the consumer
// group is created at the stream tail so a new process does not replay old
// sessions.
func (a *App) buildBus(ctx context.Context, sessionID string) (*redisstream.Bus, error) {
	s := a.Settings.Redis
	if s.Enabled {
		if s.Consumer == "" {
			s.Consumer = "coeus-" + uuid.NewString()[:8]
		}
		if err := redisstream.EnsureGroupAtTail(ctx, s.Addr, transcript.Topic(sessionID), s.Group); err != nil {
			return nil, errors.Wrap(err, "create redis consumer group")
		}
	}
	return redisstream.BuildBus(s, logging.NewWatermill(log.Logger))
}

// markdownRenderer returns a glamour renderer sized to stdout, or nil when
// stdout is not a terminal.
func markdownRenderer() *ui.Renderer {
	fd := os.Stdout.Fd()
	if !isatty.IsTerminal(fd) {
		return nil
	}
	width, _, err := term.GetSize(int(fd))
	if err != nil || width <= 0 {
		width = 80
	}
	return ui.NewRenderer(ui.DetectStyle(), width)
}
