// rmm-mgmtctl talks to the management daemon over its Unix socket.
//
// It is used by operators for inspection and by background commands that
// manage the writable root gate themselves (see managementAptFullUpgrade).
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/doughall/linuxrmm/management/internal/rpc"
	"github.com/doughall/linuxrmm/management/internal/version"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by every subcommand.
type GlobalFlags struct {
	SocketPath string
	Output     string
	Timeout    time.Duration
}

func buildRoot() *cobra.Command {
	flags := &GlobalFlags{}
	root := createRootCommand(flags)
	root.AddCommand(
		createStatusCommand(flags),
		createHistoryCommand(flags),
		createCallCommand(flags),
		createWritableCommand(flags),
		createMethodsCommand(flags),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "rmm-mgmtctl",
		Short: "Control client for the RMM management daemon",
		Long: `rmm-mgmtctl calls methods on the RMM management daemon.

Examples:
  rmm-mgmtctl status              # all tracked commands
  rmm-mgmtctl status 12 -o yaml
  rmm-mgmtctl call managementServiceCommand '"nginx"' '"restart"'
  rmm-mgmtctl writable acquire`,
		Version:       version.Info("rmm-mgmtctl"),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch flags.Output {
			case "json", "yaml":
				return nil
			default:
				return fmt.Errorf("unsupported output format %q (use json or yaml)", flags.Output)
			}
		},
	}

	root.PersistentFlags().StringVar(&flags.SocketPath, "socket", rpc.DefaultSocketPath, "path to the daemon socket")
	root.PersistentFlags().StringVarP(&flags.Output, "output", "o", "json", "output format: json or yaml")
	root.PersistentFlags().DurationVar(&flags.Timeout, "timeout", 30*time.Second, "request timeout")
	return root
}
