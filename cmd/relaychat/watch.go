package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	relaychat "github.com/relaychat/relaychat-go"
	"github.com/spf13/cobra"
)

var watchPush bool

func init() {
	watchCmd.Flags().BoolVar(&watchPush, "push", false, "Also stream over WebSocket instead of polling alone")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch <contact-or-group>",
	Short: "Follow a conversation live",
	Long:  "Print a conversation's history, then keep printing new messages as they arrive until interrupted.\nThe target is a contact id, a contact email, or group:<id>.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		sel, err := resolveTarget(ctx, client, args[0])
		if err != nil {
			return err
		}

		sess := newSession(client, cfg)
		defer sess.Close()

		loaded := make(chan struct{}, 1)
		sess.On(relaychat.EventHistoryLoaded, func(any) {
			select {
			case loaded <- struct{}{}:
			default:
			}
		})
		sess.On(relaychat.EventMessageNew, func(payload any) {
			if m, ok := payload.(relaychat.Message); ok {
				printMessage(m)
			}
		})
		sess.On(relaychat.EventPollError, func(payload any) {
			if err, ok := payload.(error); ok {
				fmt.Fprintf(os.Stderr, "poll: %v\n", err)
			}
		})

		sess.Select(ctx, sel)
		select {
		case <-loaded:
		case <-ctx.Done():
			return nil
		}
		for _, m := range sess.Messages() {
			printMessage(m)
		}

		poller := relaychat.NewPoller(sess, relaychat.WithPollInterval(pollInterval(cfg)))
		poller.Start()
		defer poller.Stop()

		if watchPush {
			push := relaychat.NewPushClient(client.BaseURL(), &relaychat.PushConfig{
				Token:         cfg.Auth.Token,
				AutoReconnect: true,
			}, sess)
			if err := push.Connect(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "push unavailable, polling only: %v\n", err)
			} else {
				defer push.Disconnect()
			}
		}

		<-ctx.Done()
		fmt.Println()
		return nil
	},
}
