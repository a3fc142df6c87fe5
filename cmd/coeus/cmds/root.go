package cmds

import (
	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/coeus/pkg/config"
	"github.com/go-go-golems/coeus/pkg/logging"
)

// annotationLogging set to logFileOnly keeps log output off the terminal.
const (
	annotationLogging = "coeus/logging"
	logFileOnly       = "file-only"
)

func NewRootCommand() *cobra.Command {
	app := &App{}
	rootCmd := &cobra.Command{
		Use:           "coeus",
		Short:         "coeus talks to a checkpointing agent and branches its conversations",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// reinitialize the logger now that --log-level and co are parsed
			return app.load(cmd)
		},
	}
	config.AddFlags(rootCmd.PersistentFlags())

	historyCmd, err := NewHistoryCommand(app)
	cobra.CheckErr(err)
	cobraHistoryCmd, err := cli.BuildCobraCommand(historyCmd)
	cobra.CheckErr(err)

	rootCmd.AddCommand(
		newChatCommand(app),
		newRunCommand(app),
		cobraHistoryCmd,
		newGraphCommand(app),
		newBranchCommand(app),
		newServeCommand(app),
		newArchiveCommand(app),
	)
	return rootCmd
}

func (a *App) load(cmd *cobra.Command) error {
	configFile, _ := cmd.Flags().GetString("config")
	v, err := config.New(configFile)
	if err != nil {
		return err
	}
	if err := config.BindFlags(v, cmd.Flags()); err != nil {
		return err
	}
	s, err := config.Load(v)
	if err != nil {
		return errors.Wrap(err, "invalid configuration")
	}
	a.Settings = s

	if cmd.Annotations[annotationLogging] == logFileOnly {
		return logging.InitFileOnly(s.Log)
	}
	return logging.Init(s.Log)
}
