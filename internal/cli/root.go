// Package cli implements the queuectl operator commands
package cli

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/cuongbtq/mintqueue/internal/config"
	"github.com/cuongbtq/mintqueue/internal/queue"
	"github.com/spf13/cobra"
)

// needsChains marks commands that validate payloads and so need chain clients
const needsChains = "needs-chains"

// App is what the commands operate on
type App struct {
	Config      *config.Config
	Logger      *slog.Logger
	Coordinator *queue.Coordinator
	Close       func() error
}

// Opener builds an App from a config file. withChains asks for chain
// clients to be dialed.
type Opener func(ctx context.Context, configPath string, withChains bool) (*App, error)

type session struct {
	open       Opener
	configPath string
	app        *App
}

func (s *session) get() (*App, error) {
	if s.app == nil {
		return nil, errors.New("queuectl: app not initialized")
	}
	return s.app, nil
}

// NewRootCmd builds the queuectl command tree
func NewRootCmd(open Opener) *cobra.Command {
	s := &session{open: open}

	defaultConfigPath := os.Getenv("QUEUECTL_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}

	cmd := &cobra.Command{
		Use:           "queuectl",
		Short:         "Operate the mint/transfer transaction queue",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			app, err := s.open(cmd.Context(), s.configPath, cmd.Annotations[needsChains] == "true")
			if err != nil {
				return err
			}
			s.app = app
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if s.app == nil || s.app.Close == nil {
				return nil
			}
			return s.app.Close()
		},
	}
	cmd.PersistentFlags().StringVar(&s.configPath, "config", defaultConfigPath, "Path to configuration file")

	cmd.AddCommand(
		newSubmitCmd(s),
		newStatusCmd(s),
		newListCmd(s),
		newWatchCmd(s),
		newCancelCmd(s),
		newAbandonCmd(s),
		newCallbacksCmd(s),
	)
	return cmd
}
