package cmds

import (
	"context"
	"fmt"
	"io"
	"strings"

	"charm.land/lipgloss/v2"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/coeus/pkg/checkpoints"
)

// HistoryCommand lists the agent's checkpoints, one row per node.
type HistoryCommand struct {
	*cmds.CommandDescription
	app *App
}

func NewHistoryCommand(app *App) (*HistoryCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}

	desc := cmds.NewCommandDescription(
		"history",
		cmds.WithShort("Fetch the agent's checkpoint history"),
		cmds.WithLong("Fetch the checkpoint history from the agent and list one row per checkpoint, with the checkpoint it branches from."),
		cmds.WithSections(glazedSection),
	)
	return &HistoryCommand{CommandDescription: desc, app: app}, nil
}

func (c *HistoryCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	_ *values.Values,
	gp middlewares.Processor,
) error {
	client, err := c.app.newClient()
	if err != nil {
		return err
	}
	history, err := client.History(ctx)
	if err != nil {
		return errors.Wrap(err, "fetch history")
	}
	return addGraphRows(ctx, gp, checkpoints.Build(history))
}

var _ cmds.GlazeCommand = &HistoryCommand{}

func addGraphRows(ctx context.Context, gp middlewares.Processor, g checkpoints.Graph) error {
	parents := make(map[string]string, len(g.Edges))
	for _, e := range g.Edges {
		parents[e.Target] = e.Source
	}
	for _, n := range g.Nodes {
		row := types.NewRow(
			types.MRP("label", n.Label),
			types.MRP("checkpoint_id", n.ID),
			types.MRP("parent_id", parents[n.ID]),
			types.MRP("thread_id", n.Checkpoint.ThreadID),
			types.MRP("message", n.Checkpoint.RecordedMessage),
			types.MRP("output", n.Checkpoint.RecordedOutput),
			types.MRP("synthetic", n.Checkpoint.Synthetic),
		)
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

var (
	graphLabelStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	graphEdgeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

func newGraphCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "graph",
		Short: "Print the agent's checkpoint history as a chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := app.newClient()
			if err != nil {
				return err
			}
			history, err := client.History(cmd.Context())
			if err != nil {
				return errors.Wrap(err, "fetch history")
			}
			return writeGraphText(cmd.OutOrStdout(), checkpoints.Build(history))
		},
	}
}

// writeGraphText prints nodes in list order joined by their edges. Styles are
// dropped when w is not a terminal.
func writeGraphText(w io.Writer, g checkpoints.Graph) error {
	if g.Len() == 0 {
		_, err := lipgloss.Fprintln(w, "(no checkpoints)")
		return err
	}
	lines := make([]string, 0, 2*g.Len())
	for i, n := range g.Nodes {
		if i > 0 {
			lines = append(lines, graphEdgeStyle.Render("   |"))
		}
		lines = append(lines, fmt.Sprintf("%s %s  %s",
			graphLabelStyle.Render("["+n.Label+"]"), n.ID, oneLine(n.Checkpoint.RecordedMessage, 60)))
	}
	_, err := lipgloss.Fprintln(w, strings.Join(lines, "\n"))
	return err
}

func oneLine(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if limit > 0 && len(r) > limit {
		return string(r[:limit-1]) + "…"
	}
	return s
}
