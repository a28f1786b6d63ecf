package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pactcache/internal/app"
	"pactcache/pkg/logger"
	"pactcache/pkg/models"
	"pactcache/pkg/pact"
	"pactcache/pkg/shutdown"
)

func init() {
	tailCmd.Flags().IntP("lines", "n", 20, "messages to print before following")
	rootCmd.AddCommand(tailCmd)
}

var tailCmd = &cobra.Command{
	Use:   "tail <whom>",
	Short: "Print a conversation and follow new messages",
	Example: `  pactcache tail ~zod/general
  pactcache tail ~nec -n 50`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		whom, err := models.ParseWhom(args[0])
		if err != nil {
			return err
		}
		lines, _ := cmd.Flags().GetInt("lines")
		eff, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		defer logger.Sync()

		ctx, cancel := shutdown.SetupSignalHandler(context.Background())
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
		h, err := reg.Subscribe(ctx, whom)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		t := &tailer{seen: map[string]bool{}}
		t.print(out, h.Pact(), lines)

		changed := make(chan struct{}, 1)
		unobserve := reg.Observe(func(w models.Whom) {
			if w != whom {
				return
			}
			select {
			case changed <- struct{}{}:
			default:
			}
		})
		defer unobserve()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-changed:
				t.print(out, h.Pact(), 0)
			}
		}
	},
}

// tailer prints each message once, in key order.
type tailer struct {
	seen map[string]bool
}

// print writes the newest n unseen messages, or every unseen one with n 0.
func (t *tailer) print(w io.Writer, p *pact.Pact, n int) {
	snap := p.Snapshot()
	var fresh []models.Writ
	for wr := range snap.All() {
		if !t.seen[wr.ID] {
			fresh = append(fresh, wr)
		}
	}
	if n > 0 && len(fresh) > n {
		for _, wr := range fresh[:len(fresh)-n] {
			t.seen[wr.ID] = true
		}
		fresh = fresh[len(fresh)-n:]
	}
	for _, wr := range fresh {
		t.seen[wr.ID] = true
		fmt.Fprintln(w, formatWrit(wr, snap.Pending(wr.ID)))
	}
}

func formatWrit(w models.Writ, pending bool) string {
	when := humanize.Time(time.UnixMilli(w.Sent))
	if w.Sent == 0 {
		when = humanize.Time(w.Time.Time())
	}
	text := w.Content.PlainText()
	switch {
	case w.Deleted:
		text = "(deleted)"
	case pending:
		text += " (sending)"
	}
	if w.Replying != "" {
		text = "↳ " + text
	}
	return fmt.Sprintf("[%s] %s: %s", when, w.Author, text)
}
