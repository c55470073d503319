package main

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	relaychat "github.com/relaychat/relaychat-go"
	"github.com/spf13/cobra"
)

var sendFiles []string

func init() {
	sendCmd.Flags().StringArrayVarP(&sendFiles, "file", "f", nil, "Attach a file (repeatable)")
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <contact-or-group> <text>",
	Short: "Send a message",
	Long:  "Send a message, with optional file attachments, to a contact or group.\nThe target is a contact id, a contact email, or group:<id>.",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()
		text := strings.Join(args[1:], " ")

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		sel, err := resolveTarget(ctx, client, args[0])
		if err != nil {
			return err
		}

		files, err := readLocalFiles(sendFiles)
		if err != nil {
			return err
		}

		sess := newSession(client, cfg)
		defer sess.Close()
		sess.Select(ctx, sel)
		sess.SetDraft(text)

		sess.On(relaychat.EventMessageConfirmed, func(payload any) {
			if m, ok := payload.(relaychat.Message); ok {
				fmt.Printf("Sent (id %s)\n", m.ID)
			}
		})

		if err := sess.Send(ctx, files); err != nil {
			return err
		}
		return nil
	},
}

func readLocalFiles(paths []string) ([]relaychat.LocalFile, error) {
	var files []relaychat.LocalFile
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("cannot read %s: %w", p, err)
		}
		mimeType := mime.TypeByExtension(filepath.Ext(p))
		if mimeType == "" {
			mimeType = http.DetectContentType(data)
		}
		files = append(files, relaychat.LocalFile{
			Name: filepath.Base(p),
			MIME: mimeType,
			Data: data,
		})
	}
	return files, nil
}
