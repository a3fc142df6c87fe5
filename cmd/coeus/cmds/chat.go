package cmds

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/go-go-golems/coeus/pkg/chatrunner"
)

func newChatCommand(app *App) *cobra.Command {
	var inline bool
	cmd := &cobra.Command{
		Use:   "chat [prompt...]",
		Short: "Open the interactive chat UI",
		Long: "Open the interactive chat UI. With a prompt, the first reply is printed " +
			"and you are asked whether to continue in the UI.",
		Annotations: map[string]string{annotationLogging: logFileOnly},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			session, cleanup, err := app.newSession(sessionOptions{greeting: true})
			if err != nil {
				return err
			}
			defer cleanup()

			bus, err := app.buildBus(ctx, session.ID())
			if err != nil {
				return err
			}
			defer func() { _ = bus.Close() }()

			builder := chatrunner.NewChatBuilder().
				WithContext(ctx).
				WithSession(session).
				WithBus(bus).
				WithRenderer(markdownRenderer()).
				WithOutputWriter(cmd.OutOrStdout())
			if inline {
				builder = builder.WithInline()
			}
			if prompt := strings.Join(args, " "); strings.TrimSpace(prompt) != "" {
				builder = builder.WithMode(chatrunner.RunModeInteractive).WithPrompt(prompt)
			}

			runner, err := builder.Build()
			if err != nil {
				return err
			}
			return runner.Run()
		},
	}
	cmd.Flags().BoolVar(&inline, "inline", false, "Render inline instead of the alternate screen")
	return cmd
}
