package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/untoldecay/ThreadLoom/internal/config"
	"github.com/untoldecay/ThreadLoom/internal/prompts"
)

const promptPreviewLen = 60

var promptCmd = &cobra.Command{
	Use:   "prompt",
	Short: "Manage the system prompt library",
}

var promptListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the configured system prompts",
	RunE: func(cmd *cobra.Command, args []string) error {
		lib := prompts.New(config.PromptsFilePath(), log)
		if err := lib.Load(); err != nil {
			return err
		}
		names := lib.List()
		if len(names) == 0 {
			fmt.Printf("No prompts configured in %s.\n", config.PromptsFilePath())
			return nil
		}

		t := table.New().
			Border(lipgloss.NormalBorder()).
			Headers("NAME", "PROMPT")
		for _, name := range names {
			text, _ := lib.Get(name)
			t.Row(name, preview(text))
		}
		fmt.Println(t)
		return nil
	},
}

func preview(text string) string {
	text = strings.ReplaceAll(text, "\n", " ")
	if len(text) > promptPreviewLen {
		return text[:promptPreviewLen-3] + "..."
	}
	return text
}

func init() {
	promptCmd.AddCommand(promptListCmd)
	rootCmd.AddCommand(promptCmd)
}
