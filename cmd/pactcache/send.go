package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pactcache/internal/app"
	"pactcache/pkg/logger"
	"pactcache/pkg/models"
)

func init() {
	sendCmd.Flags().String("reply", "", "id of the message this one answers")
	sendCmd.Flags().Duration("timeout", 30*time.Second, "give up after this long")
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <whom> <text>...",
	Short: "Send a message to a conversation",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		whom, err := models.ParseWhom(args[0])
		if err != nil {
			return err
		}
		text := strings.Join(args[1:], " ")
		reply, _ := cmd.Flags().GetString("reply")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		eff, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		defer logger.Sync()

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		a, err := app.New(ctx, eff, version, commit, buildDate)
		if err != nil {
			return err
		}
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer scancel()
			_ = a.Shutdown(sctx)
		}()

		reg := a.Registry()
		if _, err := reg.Subscribe(ctx, whom); err != nil {
			return err
		}
		w, err := reg.SendMessage(ctx, whom, models.Story{Inline: []models.Inline{models.Text(text)}}, reply)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), w.ID)
		return nil
	},
}
