package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	contactsAll  bool
	contactsJSON bool
	groupJSON    bool
)

func init() {
	contactsCmd.Flags().BoolVar(&contactsAll, "all", false, "Include directory entries not yet messaged")
	contactsCmd.Flags().BoolVar(&contactsJSON, "json", false, "Output raw JSON")
	rootCmd.AddCommand(contactsCmd)

	groupCmd.Flags().BoolVar(&groupJSON, "json", false, "Output raw JSON")
	rootCmd.AddCommand(groupCmd)
}

var contactsCmd = &cobra.Command{
	Use:   "contacts",
	Short: "List contacts",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		fetch := client.Contacts
		if contactsAll {
			fetch = client.AllContacts
		}
		contacts, err := fetch(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if contactsJSON {
			data, err := json.MarshalIndent(contacts, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		if len(contacts) == 0 {
			fmt.Println("No contacts.")
			return nil
		}
		for _, c := range contacts {
			line := fmt.Sprintf("%-24s %s", c.ID, c.DisplayName)
			if c.Email != "" {
				line += "  <" + c.Email + ">"
			}
			fmt.Println(line)
		}
		return nil
	},
}

var groupCmd = &cobra.Command{
	Use:   "group <group-id>",
	Short: "Show group membership",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		info, err := client.GroupInfo(ctx, args[0], cfg.Auth.UserID)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if groupJSON {
			data, err := json.MarshalIndent(info, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		fmt.Printf("Name:    %s\n", info.Name)
		fmt.Printf("Members: %d\n", info.MemberCount)
		for _, m := range info.Members {
			fmt.Printf("  %-24s %s\n", m.UserID, m.DisplayName())
		}
		return nil
	},
}
