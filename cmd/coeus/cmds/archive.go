package cmds

import (
	"context"
	"strings"
	"time"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/coeus/pkg/checkpoints"
	"github.com/go-go-golems/coeus/pkg/persistence/chatstore"
)

func newArchiveCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Browse archived sessions, turns and history snapshots",
	}

	sessionsCmd, err := NewArchiveSessionsCommand(app)
	cobra.CheckErr(err)
	turnsCmd, err := NewArchiveTurnsCommand(app)
	cobra.CheckErr(err)
	historyCmd, err := NewArchiveHistoryCommand(app)
	cobra.CheckErr(err)

	for _, c := range []cmds.GlazeCommand{sessionsCmd, turnsCmd, historyCmd} {
		cobraCmd, err := cli.BuildCobraCommand(c)
		cobra.CheckErr(err)
		cmd.AddCommand(cobraCmd)
	}
	return cmd
}

func (a *App) requireArchive() (chatstore.Archive, error) {
	archive, err := a.openArchive()
	if err != nil {
		return nil, errors.Wrap(err, "open archive")
	}
	if archive == nil {
		return nil, errors.New("no archive configured (set --archive-dsn or archive.dsn)")
	}
	return archive, nil
}

func requireSessionID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", errors.New("a session id is required")
	}
	return id, nil
}

type ArchiveSessionsCommand struct {
	*cmds.CommandDescription
	app *App
}

type ArchiveSessionsSettings struct {
	Limit int `glazed:"limit"`
}

func NewArchiveSessionsCommand(app *App) (*ArchiveSessionsCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"sessions",
		cmds.WithShort("List archived sessions, most recent first"),
		cmds.WithFlags(
			fields.New(
				"limit",
				fields.TypeInteger,
				fields.WithDefault(20),
				fields.WithHelp("Maximum number of sessions"),
			),
		),
		cmds.WithSections(glazedSection),
	)
	return &ArchiveSessionsCommand{CommandDescription: desc, app: app}, nil
}

func (c *ArchiveSessionsCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedValues *values.Values,
	gp middlewares.Processor,
) error {
	s := &ArchiveSessionsSettings{}
	if err := parsedValues.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	archive, err := c.app.requireArchive()
	if err != nil {
		return err
	}
	defer func() { _ = archive.Close() }()

	sessions, err := archive.ListSessions(ctx, s.Limit)
	if err != nil {
		return err
	}
	for _, rec := range sessions {
		row := types.NewRow(
			types.MRP("session_id", rec.SessionID),
			types.MRP("turn_count", rec.TurnCount),
			types.MRP("snapshots", rec.Snapshots),
			types.MRP("last_activity_ms", rec.LastActivityMs),
			types.MRP("last_activity", formatMs(rec.LastActivityMs)),
		)
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

type ArchiveTurnsCommand struct {
	*cmds.CommandDescription
	app *App
}

type ArchiveTurnsSettings struct {
	SessionID string `glazed:"session-id"`
	Speaker   string `glazed:"speaker"`
	Limit     int    `glazed:"limit"`
	Since     string `glazed:"since"`
}

func NewArchiveTurnsCommand(app *App) (*ArchiveTurnsCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"turns",
		cmds.WithShort("Show the archived turns of a session"),
		cmds.WithFlags(
			fields.New(
				"speaker",
				fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("Only turns of this speaker (user, agent)"),
			),
			fields.New(
				"limit",
				fields.TypeInteger,
				fields.WithDefault(0),
				fields.WithHelp("Maximum number of turns (0 for all)"),
			),
			fields.New(
				"since",
				fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("Only turns newer than this duration, e.g. 2h"),
			),
		),
		cmds.WithArguments(
			fields.New(
				"session-id",
				fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("Archived session id"),
			),
		),
		cmds.WithSections(glazedSection),
	)
	return &ArchiveTurnsCommand{CommandDescription: desc, app: app}, nil
}

func (c *ArchiveTurnsCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedValues *values.Values,
	gp middlewares.Processor,
) error {
	s := &ArchiveTurnsSettings{}
	if err := parsedValues.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	sessionID, err := requireSessionID(s.SessionID)
	if err != nil {
		return err
	}
	q := chatstore.TurnQuery{SessionID: sessionID, Speaker: s.Speaker, Limit: s.Limit}
	if s.Since != "" {
		since, err := time.ParseDuration(s.Since)
		if err != nil {
			return errors.Wrap(err, "invalid --since")
		}
		q.SinceMs = time.Now().Add(-since).UnixMilli()
	}

	archive, err := c.app.requireArchive()
	if err != nil {
		return err
	}
	defer func() { _ = archive.Close() }()

	turns, err := archive.ListTurns(ctx, q)
	if err != nil {
		return err
	}
	for _, t := range turns {
		row := types.NewRow(
			types.MRP("turn_index", t.TurnIndex),
			types.MRP("turn_id", t.TurnID),
			types.MRP("speaker", t.Speaker),
			types.MRP("text", t.Text),
			types.MRP("failed", t.Failed),
			types.MRP("error", t.Error),
			types.MRP("created_at_ms", t.CreatedAtMs),
			types.MRP("created_at", formatMs(t.CreatedAtMs)),
		)
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

type ArchiveHistoryCommand struct {
	*cmds.CommandDescription
	app *App
}

type ArchiveHistorySettings struct {
	SessionID string `glazed:"session-id"`
}

func NewArchiveHistoryCommand(app *App) (*ArchiveHistoryCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"history",
		cmds.WithShort("Show the last archived checkpoint history of a session"),
		cmds.WithArguments(
			fields.New(
				"session-id",
				fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("Archived session id"),
			),
		),
		cmds.WithSections(glazedSection),
	)
	return &ArchiveHistoryCommand{CommandDescription: desc, app: app}, nil
}

func (c *ArchiveHistoryCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedValues *values.Values,
	gp middlewares.Processor,
) error {
	s := &ArchiveHistorySettings{}
	if err := parsedValues.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	sessionID, err := requireSessionID(s.SessionID)
	if err != nil {
		return err
	}
	archive, err := c.app.requireArchive()
	if err != nil {
		return err
	}
	defer func() { _ = archive.Close() }()

	snap, ok, err := archive.LatestHistorySnapshot(ctx, sessionID)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Errorf("no history archived for session %s", sessionID)
	}
	return addGraphRows(ctx, gp, checkpoints.Build(snap.Checkpoints))
}

var (
	_ cmds.GlazeCommand = &ArchiveSessionsCommand{}
	_ cmds.GlazeCommand = &ArchiveTurnsCommand{}
	_ cmds.GlazeCommand = &ArchiveHistoryCommand{}
)

func formatMs(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return time.UnixMilli(ms).Local().Format(time.DateTime)
}
