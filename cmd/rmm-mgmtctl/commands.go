package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/doughall/linuxrmm/management/internal/management"
	"github.com/doughall/linuxrmm/management/internal/rpc"
)

// call dials the daemon, invokes method and prints the result.
func call(cmd *cobra.Command, flags *GlobalFlags, method string, params rpc.Params) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), flags.Timeout)
	defer cancel()

	result, err := invoke(ctx, flags.SocketPath, method, params)
	if err != nil {
		return err
	}
	return printResult(cmd.OutOrStdout(), flags.Output, result)
}

func invoke(ctx context.Context, socketPath, method string, params rpc.Params) (json.RawMessage, error) {
	client, err := rpc.Dial(ctx, socketPath)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	result, err := client.CallRaw(ctx, method, params)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	return result, nil
}

func intParams(args []string) (rpc.Params, error) {
	values := make([]any, 0, len(args))
	for _, a := range args {
		n, err := strconv.ParseInt(a, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", a)
		}
		values = append(values, n)
	}
	return rpc.EncodeParams(values...)
}

func createStatusCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status [id]",
		Short: "Show background command status",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := intParams(args)
			if err != nil {
				return err
			}
			return call(cmd, flags, management.MethodGetCommandStatus, params)
		},
	}
}

func createHistoryCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "history [limit]",
		Short: "Show recently finished commands",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := intParams(args)
			if err != nil {
				return err
			}
			return call(cmd, flags, management.MethodGetCommandHistory, params)
		},
	}
}

func createCallCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "call <method> [json params...]",
		Short: "Call any method with JSON-encoded positional params",
		Long: `Call any method. Each parameter is one JSON value.

Examples:
  rmm-mgmtctl call managementAptUpdate
  rmm-mgmtctl call managementGetConfigurationEntry '"/etc/homegear/main.conf"' '"debugLevel"'`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := make(rpc.Params, 0, len(args)-1)
			for i, a := range args[1:] {
				if !json.Valid([]byte(a)) {
					return fmt.Errorf("parameter %d is not valid JSON: %s", i+1, a)
				}
				params = append(params, json.RawMessage(a))
			}
			return call(cmd, flags, args[0], params)
		},
	}
}

func createWritableCommand(flags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "writable",
		Short: "Hold or release the writable root filesystem",
	}

	toggle := func(use, short, method string) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, cancel := context.WithTimeout(cmd.Context(), flags.Timeout)
				defer cancel()
				_, err := invoke(ctx, flags.SocketPath, method, nil)
				return err
			},
		}
	}
	cmd.AddCommand(
		toggle("acquire", "Make the root filesystem writable until released", management.MethodAcquireWritable),
		toggle("release", "Release one writable hold", management.MethodReleaseWritable),
	)
	return cmd
}

func createMethodsCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "methods",
		Short: "List the methods served by the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, flags, rpc.ListMethodsMethod, nil)
		},
	}
}
