package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/MacJediWizard/fleetcheck/internal/app"
	"github.com/MacJediWizard/fleetcheck/internal/cache"
	"github.com/MacJediWizard/fleetcheck/internal/inspection"
	"github.com/MacJediWizard/fleetcheck/internal/models"
	"github.com/spf13/cobra"
)

func newSubmitCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "submit <module> <record.json>",
		Short: "Submit an inspection record",
		Long: `Submit an inspection record read from a JSON file ("-" reads stdin).
When the endpoint is unreachable the record is queued and resent later.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			module, err := models.ParseModule(args[0])
			if err != nil {
				return err
			}
			rec, err := readRecord(args[1])
			if err != nil {
				return err
			}
			if rec.Module != "" && rec.Module != module {
				return fmt.Errorf("record is for module %s, not %s", rec.Module, module)
			}
			rec.Module = module

			ctx := cmd.Context()
			a, user, err := g.openSession(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.Submitter.Submit(ctx, inspection.Request{
				User:         user,
				Record:       rec,
				Subscription: a.Subscription.State(),
			})
			if err != nil {
				return err
			}
			switch res.Status {
			case inspection.StatusOfflineSaved:
				fmt.Printf("%s\n  queued as %s\n", res.Message, res.ID)
			default:
				fmt.Printf("%s\n  id %s\n", res.Message, res.ID)
			}
			return nil
		},
	}
}

func readRecord(path string) (models.InspectionRecord, error) {
	var (
		rec  models.InspectionRecord
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return rec, fmt.Errorf("read record: %w", err)
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("parse record: %w", err)
	}
	return rec, nil
}

func newQueueCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and resend the offline queue",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List queued submissions",
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx := cmd.Context()
				a, err := g.open(ctx)
				if err != nil {
					return err
				}
				defer a.Close()

				entries, err := a.Queue.List(ctx)
				if err != nil {
					return err
				}
				if len(entries) == 0 {
					fmt.Println("Queue is empty.")
					return nil
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tQUEUED\tSIZE")
				for _, e := range entries {
					fmt.Fprintf(w, "%s\t%s\t%d\n", e.ID, e.EnqueuedAt.Format(time.RFC3339), len(e.Payload))
				}
				return w.Flush()
			},
		},
		&cobra.Command{
			Use:   "flush",
			Short: "Resend queued submissions now",
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx := cmd.Context()
				a, err := g.open(ctx)
				if err != nil {
					return err
				}
				defer a.Close()

				if _, err := a.Restore(ctx); err != nil {
					return err
				}
				if !a.Queue.Online(ctx) {
					n, _ := a.Queue.Count(ctx)
					return fmt.Errorf("endpoint unreachable, %d submission(s) remain queued", n)
				}
				res := a.Queue.Flush(ctx)
				fmt.Printf("Sent %d, %d remaining\n", res.Sent, res.Remaining)
				return res.Err
			},
		},
	)
	return cmd
}

func newNotificationsCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "notifications",
		Aliases: []string{"notif"},
		Short:   "Read and manage notifications",
	}

	var offline bool
	list := &cobra.Command{
		Use:   "list",
		Short: "Fetch and list notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, user, err := g.openSession(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			items := a.Notifications.List(user)
			if !offline {
				fetched, err := a.Notifications.Fetch(ctx, user, a.Subscription.State())
				if err != nil {
					fmt.Fprintf(os.Stderr, "Showing cached notifications: %v\n", err)
				} else {
					items = fetched
				}
			}
			if len(items) == 0 {
				fmt.Println("No notifications.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTIME\tTYPE\tREAD\tMESSAGE")
			for _, n := range items {
				read := ""
				if n.Read {
					read = "yes"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", n.ID, n.Timestamp.Format("2006-01-02 15:04"), n.Type, read, n.Message)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Printf("%d unread\n", a.Notifications.UnreadCount(user))
			return nil
		},
	}
	list.Flags().BoolVar(&offline, "offline", false, "show the local feed without polling the endpoint")

	cmd.AddCommand(
		list,
		notificationIDCmd(g, "read <id>", "Mark a notification as read", func(c notificationCtx) error {
			n, found, err := c.a.Notifications.MarkRead(c.cmd.Context(), c.user, c.id)
			if err != nil {
				return err
			}
			if found && n.Message != "" {
				fmt.Printf("Marked %s as read: %s\n", c.id, n.Message)
				return nil
			}
			fmt.Printf("Marked %s as read\n", c.id)
			return nil
		}),
		notificationIDCmd(g, "dismiss <id>", "Dismiss a notification", func(c notificationCtx) error {
			if err := c.a.Notifications.Dismiss(c.cmd.Context(), c.user, c.id); err != nil {
				return err
			}
			fmt.Printf("Dismissed %s\n", c.id)
			return nil
		}),
		notificationIDCmd(g, "ack <id>", "Acknowledge a system notification for everyone (admins)", func(c notificationCtx) error {
			if err := c.a.Notifications.GlobalAcknowledge(c.cmd.Context(), c.user, c.id); err != nil {
				return err
			}
			fmt.Printf("Acknowledged %s\n", c.id)
			return nil
		}),
		&cobra.Command{
			Use:   "clear",
			Short: "Dismiss every notification",
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx := cmd.Context()
				a, user, err := g.openSession(ctx)
				if err != nil {
					return err
				}
				defer a.Close()

				n, err := a.Notifications.ClearAll(ctx, user)
				if err != nil {
					return err
				}
				fmt.Printf("Cleared %d notification(s)\n", n)
				return nil
			},
		},
	)
	return cmd
}

type notificationCtx struct {
	cmd  *cobra.Command
	a    *app.App
	user *models.User
	id   string
}

func notificationIDCmd(g *globals, use, short string, run func(notificationCtx) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, user, err := g.openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			// A fresh process has no reconciled feed yet.
			if _, err := a.Notifications.Fetch(cmd.Context(), user, a.Subscription.State()); err != nil {
				fmt.Fprintf(os.Stderr, "Using cached notifications: %v\n", err)
			}
			return run(notificationCtx{cmd: cmd, a: a, user: user, id: args[0]})
		},
	}
}

func newHistoryCmd(g *globals) *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:   "history <module>",
		Short: "List submitted inspections of a module",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			module, err := models.ParseModule(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, user, err := g.openSession(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			var res cache.Result[[]models.InspectionRecord]
			if refresh {
				res, err = a.History.Refresh(ctx, user, module, true)
			} else {
				res, err = a.History.List(ctx, user, module)
			}
			if err != nil {
				cached, ok := a.History.Cached(ctx, user, module)
				if !ok {
					return err
				}
				fmt.Fprintf(os.Stderr, "Showing cached history: %v\n", err)
				res = cached
			}

			fmt.Printf("%s (fetched %s", module.Title(), res.FetchedAt.Format(time.RFC3339))
			if res.Stale {
				fmt.Print(", stale")
			}
			fmt.Println(")")

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "DATE\tTRUCK\tTRAILER\tDRIVER\tINSPECTOR\tRATE")
			for _, r := range res.Data {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
					r.Timestamp.Format("2006-01-02 15:04"), r.TruckNo, r.TrailerNo, r.DriverName, r.InspectedBy, r.Rate)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			stats := inspection.ComputeStats(res.Data)
			fmt.Printf("%d inspection(s), %d passed (%d%%)\n", stats.Total, stats.Passed, stats.PassRate)
			return nil
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "bypass the cache and fetch from the endpoint")
	return cmd
}

