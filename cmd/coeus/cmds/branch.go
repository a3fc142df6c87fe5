package cmds

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/coeus/pkg/checkpoints"
	"github.com/go-go-golems/coeus/pkg/conversation"
)

var errBranchAborted = errors.New("branch aborted")

func newBranchCommand(app *App) *cobra.Command {
	var (
		checkpointID string
		message      string
		yes          bool
	)
	cmd := &cobra.Command{
		Use:   "branch",
		Short: "Re-run the agent from a checkpoint with an edited message",
		Long: "Fetch the checkpoint history, pick a checkpoint and edit its message, then " +
			"stream the branched reply. Missing --checkpoint or --message are asked for interactively.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			session, cleanup, err := app.newSession(sessionOptions{})
			if err != nil {
				return err
			}
			defer cleanup()

			g, err := session.RefreshGraph(ctx)
			if err != nil {
				return errors.Wrap(err, "fetch history")
			}
			if g.Len() == 0 {
				return errors.New("the agent has no checkpoints yet")
			}

			if checkpointID == "" {
				if checkpointID, err = pickCheckpoint(g); err != nil {
					return err
				}
			}
			node, ok := g.Node(checkpointID)
			if !ok {
				return errors.Errorf("unknown checkpoint %q", checkpointID)
			}

			branches := session.Branches()
			if err := branches.Select(node.Checkpoint); err != nil {
				return err
			}
			if message == "" {
				if message, err = editMessage(node, branches.Draft(), yes); err != nil {
					branches.Cancel()
					return err
				}
			}
			branches.Edit(message)
			if strings.TrimSpace(branches.Draft()) == "" {
				branches.Cancel()
				return errors.New("the edited message is empty")
			}

			if err := branches.Confirm(ctx); err != nil {
				return err
			}
			return printLastReply(cmd, session)
		},
	}
	cmd.Flags().StringVar(&checkpointID, "checkpoint", "", "Checkpoint id to branch from")
	cmd.Flags().StringVarP(&message, "message", "m", "", "Edited message to send from the checkpoint")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")
	return cmd
}

func pickCheckpoint(g checkpoints.Graph) (string, error) {
	options := make([]huh.Option[string], 0, g.Len())
	for _, n := range g.Nodes {
		label := fmt.Sprintf("%s  %s", n.Label, oneLine(n.Checkpoint.RecordedMessage, 50))
		options = append(options, huh.NewOption(label, n.ID))
	}
	var id string
	err := huh.NewForm(huh.NewGroup(
		huh.NewSelect[string]().
			Title("Branch from which checkpoint?").
			Options(options...).
			Value(&id),
	)).Run()
	if err != nil {
		return "", errors.Wrap(err, "select checkpoint")
	}
	return id, nil
}

func editMessage(node checkpoints.Node, draft string, skipConfirm bool) (string, error) {
	confirmed := true
	fields := []huh.Field{
		huh.NewText().
			Title("Message for " + node.Label).
			Value(&draft),
	}
	if !skipConfirm {
		fields = append(fields, huh.NewConfirm().
			Title("Send this branch?").
			Affirmative("Send").
			Negative("Cancel").
			Value(&confirmed))
	}
	if err := huh.NewForm(huh.NewGroup(fields...)).Run(); err != nil {
		return "", errors.Wrap(err, "edit message")
	}
	if !confirmed {
		return "", errBranchAborted
	}
	return draft, nil
}

func printLastReply(cmd *cobra.Command, session *conversation.Session) error {
	last, ok := session.Store().Last()
	if !ok {
		return nil
	}
	if last.Failed {
		return errors.Errorf("agent reply failed: %s", last.Error)
	}
	text := last.Text
	if r := markdownRenderer(); r != nil && strings.TrimSpace(text) != "" {
		text = r.Render(last.ID, text)
	}
	_, err := fmt.Fprintln(cmd.OutOrStdout(), text)
	return err
}
