package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/untoldecay/ThreadLoom/internal/auth"
	"github.com/untoldecay/ThreadLoom/internal/config"
)

var (
	userRole      string
	userModelMask string
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage users",
}

var userAddCmd = &cobra.Command{
	Use:   "add <username>",
	Short: "Add a user or reset an existing user's password",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		username := strings.TrimSpace(args[0])
		if username == "" {
			return fmt.Errorf("username cannot be empty")
		}

		password, err := readPassword()
		if err != nil {
			return err
		}
		hash, err := auth.HashPassword(password)
		if err != nil {
			return err
		}

		path := config.UsersFilePath()
		if err := auth.SaveUser(path, auth.UserEntry{
			Username:     username,
			PasswordHash: hash,
			Role:         userRole,
			ModelMask:    userModelMask,
		}); err != nil {
			return err
		}
		fmt.Printf("Saved user %q to %s\n", username, path)
		fmt.Println("The daemon picks up user changes on restart.")
		return nil
	},
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List users",
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := auth.LoadUsers(config.UsersFilePath())
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No users configured.")
			return nil
		}

		t := table.New().
			Border(lipgloss.NormalBorder()).
			Headers("USERNAME", "ROLE", "MODEL MASK")
		for _, entry := range entries {
			mask := entry.ModelMask
			if mask == "" {
				mask = "(all models)"
			}
			t.Row(entry.Username, entry.Role, mask)
		}
		fmt.Println(t)
		return nil
	},
}

// readPassword prompts interactively on a terminal and falls back to
// reading one line from stdin in pipelines.
func readPassword() (string, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		scanner := bufio.NewScanner(os.Stdin)
		if !scanner.Scan() {
			return "", fmt.Errorf("failed to read password from stdin")
		}
		password := strings.TrimSpace(scanner.Text())
		if password == "" {
			return "", fmt.Errorf("password cannot be empty")
		}
		return password, nil
	}

	var password, confirm string
	form := huh.NewForm(huh.NewGroup(
		huh.NewInput().
			Title("Password").
			EchoMode(huh.EchoModePassword).
			Value(&password).
			Validate(func(s string) error {
				if strings.TrimSpace(s) == "" {
					return fmt.Errorf("password cannot be empty")
				}
				return nil
			}),
		huh.NewInput().
			Title("Confirm password").
			EchoMode(huh.EchoModePassword).
			Value(&confirm),
	))
	if err := form.Run(); err != nil {
		return "", err
	}
	if password != confirm {
		return "", fmt.Errorf("passwords do not match")
	}
	return password, nil
}

func init() {
	userAddCmd.Flags().StringVar(&userRole, "role", "user", "role recorded for the user")
	userAddCmd.Flags().StringVar(&userModelMask, "model-mask", "", "regexp limiting which models the user may call")
	userCmd.AddCommand(userAddCmd)
	userCmd.AddCommand(userListCmd)
	rootCmd.AddCommand(userCmd)
}
