package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	sdk "github.com/cordum/jobgate/sdk/client"
	"github.com/spf13/cobra"
)

const defaultGateway = "http://localhost:8265"

// globalOptions are shared by every subcommand.
type globalOptions struct {
	gateway string
	apiKey  string
}

func (o *globalOptions) client() *sdk.Client {
	return newClient(o.gateway, o.apiKey)
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "jobgatectl",
		Short:         "Command line client for the job gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.gateway, "gateway", envOr("JOBGATE_GATEWAY", defaultGateway), "gateway base url")
	root.PersistentFlags().StringVar(&opts.apiKey, "api-key", envOr("JOBGATE_API_KEY", ""), "api key")
	root.AddCommand(newCmdJob(opts), newCmdEvents(), newCmdVersion(opts))
	return root
}

func newCmdVersion(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the gateway version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := opts.client().Version(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), v)
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newClient(gateway, apiKey string) *sdk.Client {
	return sdk.New(strings.TrimRight(gateway, "/"), apiKey)
}

func printJSON(w io.Writer, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func envOr(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}
