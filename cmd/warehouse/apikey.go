package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/sawpanic/marketwarehouse/internal/config"
	"github.com/sawpanic/marketwarehouse/internal/observability"
	"github.com/sawpanic/marketwarehouse/internal/store"
)

func newAPIKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Create, list and revoke warehouse API keys",
	}
	cmd.AddCommand(newAPIKeyCreateCmd())
	cmd.AddCommand(newAPIKeyListCmd())
	cmd.AddCommand(newAPIKeyRevokeCmd())
	return cmd
}

func openStoreForCLI() (*store.Postgres, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	log := observability.NewLogger(cfg.LogLevel, true)
	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return store.New(db, log), func() { db.Close() }, nil
}

func newAPIKeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue a new API key; the key material is printed once and never stored",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, closeFn, err := openStoreForCLI()
			if err != nil {
				return err
			}
			defer closeFn()

			id, material, err := st.CreateKey(context.Background(), name)
			if err != nil {
				return err
			}
			// An interactive terminal gets a loud one-time warning; a
			// scripted/piped invocation gets plain key=value lines so
			// the caller can capture them without scraping prose.
			if term.IsTerminal(int(os.Stdout.Fd())) {
				fmt.Printf("id:  %s\nkey: %s\n(store this key now — it cannot be retrieved again)\n", id, material)
			} else {
				fmt.Printf("id=%s\nkey=%s\n", id, material)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "human-readable label for the key")
	cmd.MarkFlagRequired("name")
	return cmd
}

func newAPIKeyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List issued API keys (names and metadata only, never key material)",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, closeFn, err := openStoreForCLI()
			if err != nil {
				return err
			}
			defer closeFn()

			keys, err := st.List(context.Background())
			if err != nil {
				return err
			}
			for _, k := range keys {
				fmt.Printf("%s\t%s\tactive=%v\trequests=%d\n", k.ID, k.Name, k.Active, k.RequestCount)
			}
			return nil
		},
	}
}

func newAPIKeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke [id]",
		Short: "Revoke an API key by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, closeFn, err := openStoreForCLI()
			if err != nil {
				return err
			}
			defer closeFn()

			if err := st.Revoke(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Println("revoked", args[0])
			return nil
		},
	}
}
