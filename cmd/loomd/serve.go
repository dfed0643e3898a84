package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/untoldecay/ThreadLoom/internal/config"
	"github.com/untoldecay/ThreadLoom/internal/server"
	"github.com/untoldecay/ThreadLoom/internal/system"
)

var credentialStyle = lipgloss.NewStyle().
	Border(lipgloss.RoundedBorder()).
	Padding(0, 2)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chat backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		sys, err := system.New(ctx, log)
		if err != nil {
			return err
		}
		sys.WatchPrompts(ctx)

		if sys.EphemeralPassword != "" {
			fmt.Println(credentialStyle.Render(fmt.Sprintf(
				"Ephemeral mode: nothing will be persisted.\n\nusername: admin\npassword: %s",
				sys.EphemeralPassword)))
		}

		srv := server.New(sys.Auth, sys.Threads, sys.Prompts, sys.Provider, sys.Turns,
			config.GetString("model.default"), log)

		errCh := make(chan error, 1)
		go func() {
			if err := srv.Start(config.GetString("listen")); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()

		select {
		case err := <-errCh:
			_ = sys.Shutdown(context.Background())
			return err
		case <-ctx.Done():
		}

		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.GetDuration("server.shutdown-timeout"))
		defer cancel()
		if err := srv.Stop(shutdownCtx); err != nil {
			log.WithError(err).Warn("http shutdown incomplete")
		}
		return sys.Shutdown(shutdownCtx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
