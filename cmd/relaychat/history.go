package main

import (
	"context"
	"fmt"
	"time"

	relaychat "github.com/relaychat/relaychat-go"
	"github.com/spf13/cobra"
)

var (
	historyPage     int
	historyPageSize int
)

func init() {
	historyCmd.Flags().IntVar(&historyPage, "page", 1, "History page to fetch")
	historyCmd.Flags().IntVar(&historyPageSize, "page-size", relaychat.DefaultPageSize, "Messages per page")
	rootCmd.AddCommand(historyCmd)
}

var historyCmd = &cobra.Command{
	Use:   "history <contact-or-group>",
	Short: "Print the message history of a conversation",
	Long:  "Print one page of a conversation's history, oldest first.\nThe target is a contact id, a contact email, or group:<id>.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		sel, err := resolveTarget(ctx, client, args[0])
		if err != nil {
			return err
		}
		key := relaychat.ResolveKey(cfg.Auth.UserID, sel)

		wire, err := client.History(ctx, key, cfg.Auth.UserID, historyPage, historyPageSize)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if len(wire) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		for _, wm := range wire {
			printWire(wm, cfg.Auth.UserID, cfg.Auth.DisplayName)
		}
		return nil
	},
}

func printWire(wm relaychat.WireMessage, selfID, selfName string) {
	name := wm.SenderName
	if wm.SenderID == selfID {
		name = selfName
		if name == "" {
			name = selfID
		}
	}
	if name == "" {
		name = "Unknown"
	}
	fmt.Printf("[%s] %s: %s\n", wm.SentAt, name, wm.Content)
}
