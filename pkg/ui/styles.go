package ui

import (
	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle     = lipgloss.NewStyle().MarginLeft(2).Bold(true).Foreground(lipgloss.Color("#FFFDF5"))
	userLabelStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	agentLabel     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	streamingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#AFAFAF"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	statusStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")).PaddingLeft(1)
	helpStyle      = list.DefaultStyles().HelpStyle.PaddingLeft(1)

	transcriptPane = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62"))

	inputPane = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240"))

	editorPane = lipgloss.NewStyle().
			BorderStyle(lipgloss.DoubleBorder()).
			BorderForeground(lipgloss.Color("170")).
			Padding(0, 1)

	editorTitleStyle = lipgloss.NewStyle().
				Background(lipgloss.Color("62")).
				Foreground(lipgloss.Color("#FFFFFF")).
				Padding(0, 1)
)
