package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/example/ilp-node/internal/auth"
	"github.com/example/ilp-node/internal/rpc"
	"github.com/example/ilp-node/internal/security"
)

type accountsFlags struct {
	addr    string
	prefix  string
	caFile  string
	token   string
	timeout time.Duration
}

func newAccountsCmd() *cobra.Command {
	flags := &accountsFlags{}
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "List the accounts of a running node",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()

			creds := insecure.NewCredentials()
			if flags.caFile != "" {
				tlsCfg, err := security.LoadClientTLSConfig(security.TLSConfig{CAFile: flags.caFile})
				if err != nil {
					return err
				}
				creds = credentials.NewTLS(tlsCfg)
			}
			dialOpts := []grpc.DialOption{grpc.WithTransportCredentials(creds)}
			if flags.token != "" {
				dialOpts = append(dialOpts, grpc.WithPerRPCCredentials(auth.BearerToken{Token: flags.token, Insecure: flags.caFile == ""}))
			}
			conn, err := grpc.DialContext(ctx, flags.addr, dialOpts...)
			if err != nil {
				return fmt.Errorf("dial %s: %w", flags.addr, err)
			}
			defer conn.Close()

			client := rpc.NewLedgerClient(conn)
			resp, err := client.ListAccounts(ctx, &rpc.ListAccountsRequest{Prefix: flags.prefix})
			if err != nil {
				return fmt.Errorf("list accounts: %w", err)
			}
			balance, err := client.GetOwnerBalance(ctx, &rpc.GetOwnerBalanceRequest{})
			if err != nil {
				return fmt.Errorf("owner balance: %w", err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PATH\tLIMIT\tBALANCE\tDEBITS PENDING\tCREDITS PENDING")
			for _, a := range resp.Accounts {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", a.Path, a.Limit, a.Balance, a.DebitsPending, a.CreditsPending)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\nowner balance: %s %s\n", balance.Balance, balance.Ledger)
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.addr, "addr", "localhost:9090", "gRPC address of the node")
	cmd.Flags().StringVar(&flags.prefix, "prefix", "", "only accounts whose path starts with this")
	cmd.Flags().StringVar(&flags.caFile, "ca", "", "CA bundle; enables TLS")
	cmd.Flags().StringVar(&flags.token, "token", "", "bearer token with the ledger:read scope")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", 5*time.Second, "request timeout")
	return cmd
}
