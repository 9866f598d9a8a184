package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/health-records/internal/auth"
)

func (c *cli) tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an API bearer token for an owner",
		Long:  "Mint an API bearer token for an owner. A new owner id is generated when none is given.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if c.cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("JWT_SECRET is required to sign tokens")
			}
			owner := uuid.New()
			if c.owner != "" {
				_, id, err := c.ownerContext(cmd.Context())
				if err != nil {
					return err
				}
				owner = id
			}
			tok, err := auth.NewService(c.cfg.Auth).GenerateToken(owner)
			if err != nil {
				return err
			}
			fmt.Printf("owner: %s\n", owner)
			fmt.Println(tok)
			return nil
		},
	}
	c.addOwnerFlag(cmd)
	return cmd
}
