package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/ilp-node/internal/auth"
)

// newHashSecretCmd prints the bcrypt hash to put in auth.clients[].secret_hash.
// The secret is read from stdin so it stays out of shell history.
func newHashSecretCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-secret",
		Short: "Hash an OAuth client secret read from stdin",
		RunE: func(cmd *cobra.Command, _ []string) error {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			secret := strings.TrimRight(line, "\r\n")
			if secret == "" {
				if err != nil {
					return fmt.Errorf("read secret: %w", err)
				}
				return errors.New("empty secret")
			}
			hash, err := auth.HashClientSecret(secret)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}
