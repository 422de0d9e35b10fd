package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/pengelbrecht/pomosync/internal/notify"
)

var notificationsCmd = &cobra.Command{
	Use:     "notifications",
	Aliases: []string{"notif", "n"},
	Short:   "List notifications",
	Long: `List your notifications, newest first.

Examples:
  pomo notifications               # Everything
  pomo notifications --unread      # Only unread ones
  pomo notifications --json        # Machine-readable output
  pomo notifications read 17       # Mark notification 17 read
  pomo notifications read --all    # Mark everything read`,
	Args: cobra.NoArgs,
	RunE: runNotifications,
}

var notificationsReadCmd = &cobra.Command{
	Use:   "read [id]",
	Short: "Mark a notification, or all of them, read",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runNotificationsRead,
}

var (
	notificationsUnread bool
	notificationsJSON   bool
	notificationsAll    bool
)

func init() {
	notificationsCmd.Flags().BoolVar(&notificationsUnread, "unread", false, "only show unread notifications")
	notificationsCmd.Flags().BoolVar(&notificationsJSON, "json", false, "output as JSON")
	notificationsReadCmd.Flags().BoolVar(&notificationsAll, "all", false, "mark every notification read")
	notificationsCmd.AddCommand(notificationsReadCmd)
	rootCmd.AddCommand(notificationsCmd)
}

type notificationJSON struct {
	ID        int64           `json:"id"`
	Type      notify.Kind     `json:"type"`
	Message   string          `json:"message"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Read      bool            `json:"read"`
	CreatedAt time.Time       `json:"createdAt"`
}

// loadFeed fetches the notifications into a feed that is never subscribed.
func loadFeed(cmd *cobra.Command) (*notify.Feed, error) {
	client, err := newClient()
	if err != nil {
		return nil, err
	}
	feed := notify.NewFeed(client, nil, newLogger(cmd.ErrOrStderr(), true))
	if err := feed.Init(cmd.Context(), ""); err != nil {
		return nil, apiFailure("fetch notifications", err)
	}
	return feed, nil
}

func runNotifications(cmd *cobra.Command, args []string) error {
	feed, err := loadFeed(cmd)
	if err != nil {
		return err
	}

	var records []notify.Record
	for _, r := range feed.Records() {
		if notificationsUnread && r.Read {
			continue
		}
		records = append(records, r)
	}

	out := cmd.OutOrStdout()
	if notificationsJSON {
		payload := make([]notificationJSON, 0, len(records))
		for _, r := range records {
			payload = append(payload, notificationJSON{
				ID:        r.ID,
				Type:      r.Kind,
				Message:   r.Message,
				Payload:   r.Payload,
				Read:      r.Read,
				CreatedAt: r.CreatedAt,
			})
		}
		if err := json.NewEncoder(out).Encode(payload); err != nil {
			return fmt.Errorf("failed to encode json: %w", err)
		}
		return nil
	}

	printNotifications(out, records, time.Now())
	return nil
}

func printNotifications(out io.Writer, records []notify.Record, now time.Time) {
	if len(records) == 0 {
		fmt.Fprintln(out, "No notifications.")
		return
	}
	for _, r := range records {
		marker := " "
		if !r.Read {
			marker = "*"
		}
		fmt.Fprintf(out, "%s %6s  %-24s %s  (%s)\n",
			marker, notify.FormatID(r.ID), r.Kind.Title(), r.Message, r.CreatedAt.In(now.Location()).Format("Jan 2 15:04"))
	}
}

func runNotificationsRead(cmd *cobra.Command, args []string) error {
	if notificationsAll == (len(args) == 1) {
		return NewExitError(ExitUsage, "specify a notification id or --all")
	}

	feed, err := loadFeed(cmd)
	if err != nil {
		return err
	}

	if notificationsAll {
		unread := feed.UnreadCount()
		if err := feed.MarkAllRead(cmd.Context()); err != nil {
			return apiFailure("mark notifications read", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Marked %d notifications read\n", unread)
		return nil
	}

	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	if err := feed.MarkRead(cmd.Context(), id); err != nil {
		if errors.Is(err, notify.ErrUnknownRecord) {
			return NewExitError(ExitNotFound, "notification %d not found", id)
		}
		return apiFailure("mark notification read", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Marked notification %d read\n", id)
	return nil
}
