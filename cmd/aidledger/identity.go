package main

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/dhanush-2313/finalyearproject-sub000/internal/storage"
)

var (
	flagAddress string
	flagUser    string
	flagName    string
	flagRole    string
)

func init() {
	identityLinkCmd.Flags().StringVar(&flagAddress, "address", "", "Ledger address")
	identityLinkCmd.Flags().StringVar(&flagUser, "user", "", "Local user id")
	identityLinkCmd.Flags().StringVar(&flagName, "name", "", "Display name")
	identityLinkCmd.Flags().StringVar(&flagRole, "role", "", "User role")
	_ = identityLinkCmd.MarkFlagRequired("address")
	_ = identityLinkCmd.MarkFlagRequired("user")

	identityCmd.AddCommand(identityLinkCmd)
}

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Manage ledger address to user links",
}

var identityLinkCmd = &cobra.Command{
	Use:   "link",
	Short: "Link a ledger address to a local user",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !common.IsHexAddress(flagAddress) {
			return fmt.Errorf("%q is not a ledger address", flagAddress)
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		id := storage.Identity{Address: flagAddress, UserID: flagUser, Name: flagName, Role: flagRole}
		if err := store.UpsertIdentity(cmd.Context(), id); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "linked %s to %s\n", common.HexToAddress(flagAddress).Hex(), flagUser)
		return nil
	},
}
