package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	relaychat "github.com/relaychat/relaychat-go"
	"github.com/spf13/cobra"
)

var serveAddr string

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8085", "Listen address for the webhook endpoint")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve <contact-or-group>",
	Short: "Receive a conversation over webhooks",
	Long:  "Run a local HTTP endpoint that accepts signed RelayChat webhook deliveries and prints the matching conversation's messages.\nRequires auth.webhook_secret in the configuration.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()
		if cfg.Auth.Webhook == "" {
			return fmt.Errorf("no webhook secret configured; run 'relaychat config set auth.webhook_secret <secret>'")
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		sel, err := resolveTarget(ctx, client, args[0])
		if err != nil {
			return err
		}

		sess := newSession(client, cfg)
		defer sess.Close()
		sess.On(relaychat.EventMessageNew, func(payload any) {
			if m, ok := payload.(relaychat.Message); ok {
				printMessage(m)
			}
		})
		sess.Select(ctx, sel)

		wh, err := relaychat.NewWebhook(cfg.Auth.Webhook, sess)
		if err != nil {
			return err
		}

		mux := http.NewServeMux()
		mux.Handle("/webhook", wh.HTTPHandler())
		srv := &http.Server{Addr: serveAddr, Handler: mux}

		errCh := make(chan error, 1)
		go func() {
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()

		fmt.Printf("Listening for webhooks on %s/webhook\n", serveAddr)
		select {
		case err := <-errCh:
			return fmt.Errorf("webhook server failed: %w", err)
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}
