// kustodiactl is the operator CLI for the Kustodia API.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rodrigojille/kustodia-sub014/internal/apiclient"
)

// Version is set by ldflags.
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type globalOpts struct {
	apiURL string
	token  string
}

func newRootCmd() *cobra.Command {
	opts := &globalOpts{}
	root := &cobra.Command{
		Use:           "kustodiactl",
		Short:         "Operate Kustodia escrow payments",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.apiURL, "api-url", envOrDefault("KUSTODIA_API_URL", "http://localhost:8080"), "API base URL")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("KUSTODIA_TOKEN"), "bearer JWT (default $KUSTODIA_TOKEN)")

	root.AddCommand(paymentCmd(opts))
	root.AddCommand(disputeCmd(opts))
	root.AddCommand(escrowCmd(opts))
	root.AddCommand(reconcileCmd(opts))
	root.AddCommand(tokenCmd())

	return root
}

func (o *globalOpts) client() (*apiclient.Client, error) {
	if o.token == "" {
		return nil, fmt.Errorf("a token is required: pass --token or set KUSTODIA_TOKEN")
	}
	return apiclient.New(apiclient.Config{APIURL: o.apiURL, Token: o.token}), nil
}

// printJSON writes raw API output indented.
func printJSON(w io.Writer, raw json.RawMessage) error {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		_, werr := fmt.Fprintln(w, string(raw))
		return werr
	}
	_, err := fmt.Fprintln(w, pretty.String())
	return err
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
