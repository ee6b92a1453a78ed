package cmd

import (
	"fmt"
	"os"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"github.com/steveyegge/gasbot/internal/bridge/command"
	"github.com/steveyegge/gasbot/internal/ui"
)

var grammarCmd = &cobra.Command{
	Use:     "grammar",
	GroupID: GroupTools,
	Short:   "Describe the control commands",
	Args:    noArgs,
	RunE:    runGrammar,
}

var grammarRaw bool

func init() {
	grammarCmd.Flags().BoolVar(&grammarRaw, "raw", false, "print the Markdown source")
	rootCmd.AddCommand(grammarCmd)
}

func runGrammar(cmd *cobra.Command, args []string) error {
	if grammarRaw {
		_, err := fmt.Fprint(cmd.OutOrStdout(), command.Grammar)
		return err
	}
	out, err := renderMarkdown(command.Grammar, ui.ShouldUseColor(os.Stdout), ui.Width(os.Stdout, 80))
	if err != nil {
		return err
	}
	_, err = fmt.Fprint(cmd.OutOrStdout(), out)
	return err
}

func renderMarkdown(md string, color bool, width int) (string, error) {
	styleOpt := glamour.WithStandardStyle("notty")
	if color {
		styleOpt = glamour.WithAutoStyle()
	}
	r, err := glamour.NewTermRenderer(styleOpt, glamour.WithWordWrap(width))
	if err != nil {
		return "", fmt.Errorf("creating markdown renderer: %w", err)
	}
	return r.Render(md)
}
