package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/noah-isme/coi-workflow/internal/bootstrap"
	"github.com/noah-isme/coi-workflow/internal/service"
)

var watchCmd = &cobra.Command{
	Use:   "watch [mailbox...]",
	Short: "Register or renew the Gmail push watch",
	Long: `Ask Gmail to publish new-message notifications for each mailbox to the
watch topic. Gmail drops a watch after seven days, so run this daily from cron.

Mailboxes default to GMAIL_MAILBOXES.`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().String("topic", "", "Pub/Sub topic (defaults to GMAIL_WATCH_TOPIC)")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	topic, _ := cmd.Flags().GetString("topic")
	if topic == "" {
		topic = cfg.Gmail.WatchTopic
	}
	if topic == "" {
		return errors.New("no watch topic: set GMAIL_WATCH_TOPIC or --topic")
	}
	mailboxes := args
	if len(mailboxes) == 0 {
		mailboxes = cfg.Gmail.Mailboxes
	}
	if len(mailboxes) == 0 {
		return errors.New("no mailboxes: set GMAIL_MAILBOXES or pass them as arguments")
	}

	reader, err := bootstrap.NewMailboxReader(cfg.Gmail, log)
	if err != nil {
		return err
	}
	if reader == nil {
		return errors.New("GMAIL_CREDENTIALS_FILE is not set")
	}

	var (
		watches []*service.MailboxWatch
		failed  []string
	)
	for _, mailbox := range mailboxes {
		watch, err := reader.Watch(rootCtx, mailbox, topic)
		if err != nil {
			log.Sugar().Errorw("gmail watch failed", "mailbox", mailbox, "error", err)
			failed = append(failed, mailbox)
			continue
		}
		log.Sugar().Infow("gmail watch registered", "mailbox", mailbox, "history_id", watch.HistoryID, "expiration", watch.Expiration)
		watches = append(watches, watch)
	}

	if jsonOutput {
		if err := outputJSON(watches); err != nil {
			return err
		}
	} else {
		for _, w := range watches {
			fmt.Printf("%s  history %d  expires %s\n", w.Mailbox, w.HistoryID, w.Expiration.Local().Format(time.RFC3339))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("watch failed for %s", strings.Join(failed, ", "))
	}
	return nil
}
