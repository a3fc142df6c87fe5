package cmds

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/go-go-golems/coeus/pkg/chatrunner"
	"github.com/go-go-golems/coeus/pkg/transcript"
)

func newRunCommand(app *App) *cobra.Command {
	var raw, stats bool
	cmd := &cobra.Command{
		Use:   "run <prompt...>",
		Short: "Send one message and print the agent's reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			session, cleanup, err := app.newSession(sessionOptions{})
			if err != nil {
				return err
			}
			defer cleanup()

			builder := chatrunner.NewChatBuilder().
				WithContext(cmd.Context()).
				WithSession(session).
				WithMode(chatrunner.RunModeBlocking).
				WithPrompt(strings.Join(args, " ")).
				WithOutputWriter(cmd.OutOrStdout())
			if !raw {
				builder = builder.WithRenderer(markdownRenderer())
			}
			runner, err := builder.Build()
			if err != nil {
				return err
			}
			if err := runner.Run(); err != nil {
				return err
			}
			if stats {
				st := transcript.ComputeStats(session.Store().Turns())
				_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "turns: %d user, %d agent, %d failed | tokens: ~%d user, ~%d agent\n",
					st.UserTurns, st.AgentTurns, st.FailedTurns, st.UserTokens, st.AgentTokens)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "Print the reply without markdown rendering")
	cmd.Flags().BoolVar(&stats, "stats", false, "Print turn and token statistics to stderr")
	return cmd
}
