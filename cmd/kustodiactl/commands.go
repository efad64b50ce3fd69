package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rodrigojille/kustodia-sub014/internal/apiclient"
	"github.com/rodrigojille/kustodia-sub014/internal/auth"
)

// apiCall wires a one-argument command to a client method.
func apiCall(opts *globalOpts, call func(c *apiclient.Client, ctx context.Context, id string) (json.RawMessage, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		c, err := opts.client()
		if err != nil {
			return err
		}
		raw, err := call(c, cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), raw)
	}
}

func paymentCmd(opts *globalOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "payment",
		Short: "Inspect payments",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get <payment-id>",
		Short: "Show a payment and its escrow",
		Args:  cobra.ExactArgs(1),
		RunE:  apiCall(opts, (*apiclient.Client).GetPayment),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "events <payment-id>",
		Short: "Show a payment's audit trail",
		Args:  cobra.ExactArgs(1),
		RunE:  apiCall(opts, (*apiclient.Client).ListPaymentEvents),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "disputes <payment-id>",
		Short: "List disputes raised on a payment",
		Args:  cobra.ExactArgs(1),
		RunE:  apiCall(opts, (*apiclient.Client).ListDisputes),
	})
	return cmd
}

func disputeCmd(opts *globalOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dispute",
		Short: "Review and resolve disputes",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "timeline <dispute-id>",
		Short: "Show a dispute's timeline",
		Args:  cobra.ExactArgs(1),
		RunE:  apiCall(opts, (*apiclient.Client).GetDisputeTimeline),
	})

	var (
		approve, reject, canReapply bool
		notes                       string
	)
	resolve := &cobra.Command{
		Use:   "resolve <dispute-id>",
		Short: "Approve (refund the payer) or reject a pending dispute",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if approve == reject {
				return fmt.Errorf("exactly one of --approve or --reject is required")
			}
			if notes == "" {
				return fmt.Errorf("--notes is required")
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			raw, err := c.ResolveDispute(cmd.Context(), args[0], apiclient.Resolution{
				Approved:   approve,
				AdminNotes: notes,
				CanReapply: canReapply,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), raw)
		},
	}
	resolve.Flags().BoolVar(&approve, "approve", false, "refund the custody amount to the payer")
	resolve.Flags().BoolVar(&reject, "reject", false, "release to the payee at the end of custody")
	resolve.Flags().BoolVar(&canReapply, "can-reapply", false, "allow the payer to raise a new dispute after rejection")
	resolve.Flags().StringVar(&notes, "notes", "", "reasoning shown to both parties")
	cmd.AddCommand(resolve)

	return cmd
}

func escrowCmd(opts *globalOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "escrow",
		Short: "Escrow operations",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "force-expire <payment-id>",
		Short: "End a payment's custody period now (non-production servers only)",
		Args:  cobra.ExactArgs(1),
		RunE:  apiCall(opts, (*apiclient.Client).ForceExpire),
	})
	return cmd
}

func reconcileCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run a reconciliation pass against the providers now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			raw, err := c.RunReconciliation(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), raw)
		},
	}
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage API tokens",
	}

	var (
		subject, role, secret string
		ttl                   time.Duration
	)
	mint := &cobra.Command{
		Use:   "mint",
		Short: "Mint a JWT signed with the server's JWT_SECRET",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return fmt.Errorf("JWT_SECRET is not set; pass --secret")
			}
			if role != auth.RoleUser && role != auth.RoleAdmin {
				return fmt.Errorf("--role must be %q or %q", auth.RoleUser, auth.RoleAdmin)
			}
			tok, err := auth.NewManager(secret).Issue(subject, role, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
	mint.Flags().StringVar(&subject, "subject", "", "user id placed in the sub claim")
	mint.Flags().StringVar(&role, "role", auth.RoleAdmin, "user or admin")
	mint.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	mint.Flags().StringVar(&secret, "secret", os.Getenv("JWT_SECRET"), "signing secret (default $JWT_SECRET)")
	_ = mint.MarkFlagRequired("subject")
	cmd.AddCommand(mint)

	return cmd
}
