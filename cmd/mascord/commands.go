package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/leakless21/mascord/internal/bus"
	"github.com/leakless21/mascord/internal/memory"
)

func (a *app) ingestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest [file]",
		Short: "Ingest JSON line messages from a file or stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE: a.withEngine(func(cmd *cobra.Command, args []string) error {
			path := "-"
			if len(args) == 1 {
				path = args[0]
			}
			r, closeInput, err := openInput(path, cmd.InOrStdin())
			if err != nil {
				return err
			}
			defer closeInput()

			stored, failed, read, err := a.ingest(cmd.Context(), r)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Read %d messages: %d stored, %d failed\n", read, stored, failed)
			return nil
		}),
	}
}

// ingest pushes every message of r through the bus into the service.
func (a *app) ingest(ctx context.Context, r io.Reader) (stored, failed, read int, err error) {
	b := bus.NewMessageBus(bus.DefaultBufferSize)
	var storedN, failedN atomic.Int64
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Consume(ctx, func(ctx context.Context, in bus.InboundMessage) error {
			inserted, err := a.svc.Ingest(ctx, toMessage(in))
			if inserted {
				storedN.Add(1)
			}
			return err
		}, func(in bus.InboundMessage, err error) {
			failedN.Add(1)
			a.ingestFailed(in, err)
		})
	}()

	read, err = bus.ReadJSONLines(ctx, r, b, a.logger)
	close(b.Inbound)
	<-done
	return int(storedN.Load()), int(failedN.Load()), read, err
}

func (a *app) contextCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "context <guild> <channel>",
		Short: "Print the memory context assembled for a channel",
		Args:  cobra.ExactArgs(2),
		RunE: a.withEngine(func(cmd *cobra.Command, args []string) error {
			text, err := a.svc.FormatContext(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			if text == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "No memory for this channel.")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), text)
			return nil
		}),
	}
}

func (a *app) searchCmd() *cobra.Command {
	var (
		channels []string
		from, to string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Hybrid semantic and keyword search over stored messages",
		Args:  cobra.MinimumNArgs(1),
		RunE: a.withEngine(func(cmd *cobra.Command, args []string) error {
			filter := memory.SearchFilter{Channels: channels, Limit: limit}
			var err error
			if filter.From, err = parseDate(from); err != nil {
				return err
			}
			if filter.To, err = parseDate(to); err != nil {
				return err
			}

			results, err := a.svc.Search(cmd.Context(), strings.Join(args, " "), filter)
			if err != nil {
				a.logger.Debug("search failed", zap.Error(err))
				return errors.New(memory.UserMessage(err))
			}
			out := cmd.OutOrStdout()
			if len(results) == 0 {
				fmt.Fprintln(out, "No matches.")
				return nil
			}
			for i, r := range results {
				m := r.Message
				fmt.Fprintf(out, "%d. [%s] #%s %s: %s (score %.3f, %s)\n",
					i+1, m.Timestamp.Local().Format("2006-01-02 15:04"), m.ChannelID, m.AuthorID, m.Content, r.Score, r.Source)
			}
			return nil
		}),
	}
	cmd.Flags().StringSliceVar(&channels, "channel", nil, "Restrict to channel IDs (repeatable)")
	cmd.Flags().StringVar(&from, "from", "", "Earliest message date (YYYY-MM-DD or RFC 3339)")
	cmd.Flags().StringVar(&to, "to", "", "Latest message date (YYYY-MM-DD or RFC 3339)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum results")
	return cmd
}

func (a *app) summaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary <channel>",
		Short: "Show a channel's rolling summary and milestones",
		Args:  cobra.ExactArgs(1),
		RunE: a.withEngine(func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			summary, err := a.svc.WorkingMemory(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if summary == "" {
				fmt.Fprintln(out, "No summary yet.")
			} else {
				fmt.Fprintln(out, summary)
			}

			milestones, err := a.svc.Milestones(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(milestones) > 0 {
				fmt.Fprintln(out, "\nMilestones:")
				for _, m := range milestones {
					fmt.Fprintf(out, "- %s (%s)\n", m.Fact, m.CreatedAt.Local().Format("2006-01-02"))
				}
			}
			return nil
		}),
	}
}

func (a *app) milestoneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "milestone <channel> <fact>",
		Short: "Record a durable fact for a channel",
		Args:  cobra.MinimumNArgs(2),
		RunE: a.withEngine(func(cmd *cobra.Command, args []string) error {
			added, err := a.svc.AddMilestone(cmd.Context(), args[0], strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			if !added {
				fmt.Fprintln(cmd.OutOrStdout(), "Milestone already recorded.")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Milestone added.")
			return nil
		}),
	}
}

func (a *app) summarizeCmd() *cobra.Command {
	var refresh, all bool
	cmd := &cobra.Command{
		Use:   "summarize [channel]",
		Short: "Summarize one channel now, or run a full cycle with --all",
		Args:  cobra.MaximumNArgs(1),
		RunE: a.withEngine(func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if all {
				report, err := a.svc.Summarizer().RunCycle(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Channels: %d, summarized: %d, skipped: %d, failed: %d\n",
					report.Channels, report.Summarized, report.Skipped, report.Failed)
				return nil
			}
			if len(args) != 1 {
				return errors.New("summarize: pass a channel or --all")
			}

			res, err := a.svc.Summarizer().SummarizeChannel(cmd.Context(), args[0], refresh)
			if err != nil {
				return err
			}
			switch {
			case res.Skipped:
				fmt.Fprintln(out, "Channel is already being summarized.")
			case res.Messages == 0:
				fmt.Fprintln(out, "Nothing new to summarize.")
			default:
				fmt.Fprintf(out, "Summarized %d messages into ~%d tokens (refreshed=%v, milestones=%d)\n",
					res.Messages, res.Tokens, res.Refreshed, res.Milestones)
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "Rebuild the summary from the refresh lookback window")
	cmd.Flags().BoolVar(&all, "all", false, "Evaluate every active channel against the trigger rules")
	return cmd
}

func (a *app) indexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "index",
		Short: "Embed every message that has no vector yet",
		Args:  cobra.NoArgs,
		RunE: a.withEngine(func(cmd *cobra.Command, args []string) error {
			ix := a.svc.Indexer()
			if ix == nil {
				return errors.New("embedding indexer is disabled")
			}
			report, err := ix.Drain(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "Fetched %d, embedded %d, skipped %d, failed %d, abandoned %d\n",
				report.Fetched, report.Embedded, report.Skipped, report.Failed, report.Abandoned)
			return err
		}),
	}
}

func (a *app) purgeCmd() *cobra.Command {
	var channel, user, before string
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete stored memory by channel, user or age",
		Args:  cobra.NoArgs,
		RunE: a.withEngine(func(cmd *cobra.Command, args []string) error {
			scope := memory.PurgeScope{ChannelID: strings.TrimSpace(channel), UserID: strings.TrimSpace(user)}
			var err error
			if scope.Before, err = parseDate(before); err != nil {
				return err
			}
			res, err := a.svc.PurgeData(cmd.Context(), scope)
			if err != nil {
				if errors.Is(err, memory.ErrEmptyPurgeScope) {
					return errors.New(memory.UserMessage(err))
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d messages, %d summaries, %d milestones, %d user profiles (%d cached)\n",
				res.Messages, res.Summaries, res.Milestones, res.UserMemory, res.Cache)
			return nil
		}),
	}
	cmd.Flags().StringVar(&channel, "channel", "", "Channel ID")
	cmd.Flags().StringVar(&user, "user", "", "User ID; removes the user's messages and profile")
	cmd.Flags().StringVar(&before, "before", "", "Only messages older than this date (YYYY-MM-DD or RFC 3339)")
	return cmd
}

func (a *app) trackCmd() *cobra.Command {
	var list bool
	cmd := &cobra.Command{
		Use:   "track <guild> [channel] [on|off]",
		Short: "Show or change whether a channel is remembered",
		Args:  cobra.RangeArgs(1, 3),
		RunE: a.withEngine(func(cmd *cobra.Command, args []string) error {
			ctx, out := cmd.Context(), cmd.OutOrStdout()
			if list {
				settings, err := a.svc.ListChannelSettings(ctx, args[0])
				if err != nil {
					return err
				}
				for _, s := range settings {
					printChannelSettings(out, s)
				}
				return nil
			}
			if len(args) < 2 {
				return errors.New("track: pass a channel or --list")
			}
			if len(args) == 3 {
				enabled, err := parseToggle(args[2])
				if err != nil {
					return err
				}
				if err := a.svc.SetTracking(ctx, args[0], args[1], enabled); err != nil {
					return err
				}
			}
			s, err := a.svc.ChannelSettings(ctx, args[1])
			if err != nil {
				return err
			}
			printChannelSettings(out, s)
			return nil
		}),
	}
	cmd.Flags().BoolVar(&list, "list", false, "List channels of the guild with explicit settings")
	return cmd
}

func (a *app) scopeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scope <guild> <channel> <date|clear>",
		Short: "Set the date before which a channel's messages are ignored",
		Args:  cobra.ExactArgs(3),
		RunE: a.withEngine(func(cmd *cobra.Command, args []string) error {
			var start *time.Time
			if !strings.EqualFold(args[2], "clear") {
				t, err := parseDate(args[2])
				if err != nil {
					return err
				}
				start = &t
			}
			if err := a.svc.SetMemoryStartDate(cmd.Context(), args[0], args[1], start); err != nil {
				return err
			}
			s, err := a.svc.ChannelSettings(cmd.Context(), args[1])
			if err != nil {
				return err
			}
			printChannelSettings(cmd.OutOrStdout(), s)
			return nil
		}),
	}
}

func (a *app) guildCmd() *cobra.Command {
	var (
		limit, retention          int
		clearLimit, clearRetained bool
	)
	cmd := &cobra.Command{
		Use:   "guild <guild>",
		Short: "Show or override a guild's context limit and retention",
		Args:  cobra.ExactArgs(1),
		RunE: a.withEngine(func(cmd *cobra.Command, args []string) error {
			var upd memory.GuildSettingsUpdate
			changed := false
			if cmd.Flags().Changed("limit") {
				upd.ContextLimit = &limit
				changed = true
			}
			if cmd.Flags().Changed("retention") {
				upd.RetentionHours = &retention
				changed = true
			}
			if clearLimit || clearRetained {
				upd.ClearContextLimit = clearLimit
				upd.ClearRetentionHours = clearRetained
				changed = true
			}

			var (
				gs  memory.GuildSettings
				err error
			)
			if changed {
				gs, err = a.svc.UpdateGuildSettings(cmd.Context(), args[0], upd)
			} else {
				gs, err = a.svc.GuildSettings(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Guild %s\n", gs.GuildID)
			fmt.Fprintf(out, "  context limit: %s\n", overrideText(gs.ContextLimit, a.cfg.ContextMessageLimit))
			fmt.Fprintf(out, "  retention hours: %s\n", overrideText(gs.RetentionHours, a.cfg.ContextRetentionHours))
			return nil
		}),
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Context message limit for the guild")
	cmd.Flags().IntVar(&retention, "retention", 0, "Context retention in hours for the guild")
	cmd.Flags().BoolVar(&clearLimit, "clear-limit", false, "Fall back to the configured context limit")
	cmd.Flags().BoolVar(&clearRetained, "clear-retention", false, "Fall back to the configured retention")
	return cmd
}

func (a *app) userMemoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usermem",
		Short: "Manage opt-in user memory profiles",
	}

	get := &cobra.Command{
		Use:  "get <user>",
		Args: cobra.ExactArgs(1),
		RunE: a.withEngine(func(cmd *cobra.Command, args []string) error {
			p, err := a.svc.UserMemory().Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if p == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "No memory stored for this user.")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), p.Summary)
			return nil
		}),
	}

	var ttl time.Duration
	set := &cobra.Command{
		Use:  "set <user> <text>",
		Args: cobra.MinimumNArgs(2),
		RunE: a.withEngine(func(cmd *cobra.Command, args []string) error {
			if err := a.svc.UserMemory().Set(cmd.Context(), args[0], strings.Join(args[1:], " "), ttl); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Saved.")
			return nil
		}),
	}
	set.Flags().DurationVar(&ttl, "ttl", 0, "Expire the profile after this duration")

	toggle := func(use string, enabled bool) *cobra.Command {
		return &cobra.Command{
			Use:  use + " <user>",
			Args: cobra.ExactArgs(1),
			RunE: a.withEngine(func(cmd *cobra.Command, args []string) error {
				if err := a.svc.UserMemory().SetEnabled(cmd.Context(), args[0], enabled); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "User memory %sd.\n", use)
				return nil
			}),
		}
	}

	del := &cobra.Command{
		Use:  "delete <user>",
		Args: cobra.ExactArgs(1),
		RunE: a.withEngine(func(cmd *cobra.Command, args []string) error {
			n, err := a.svc.UserMemory().Delete(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d profile(s).\n", n)
			return nil
		}),
	}

	cmd.AddCommand(get, set, toggle("enable", true), toggle("disable", false), del)
	return cmd
}

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show store statistics and enabled components",
		Args:  cobra.NoArgs,
		RunE: a.withEngine(func(cmd *cobra.Command, args []string) error {
			st, err := a.svc.Stats(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Database: %s\n", a.cfg.DatabaseURL)
			fmt.Fprintf(out, "Messages: %d (indexed %d, pending %d)\n", st.Messages, st.Indexed, st.PendingIndex)
			fmt.Fprintf(out, "Channels: %d (disabled %d)\n", st.Channels, st.DisabledChannels)
			fmt.Fprintf(out, "Summaries: %d, milestones: %d\n", st.Summaries, st.Milestones)
			fmt.Fprintf(out, "User profiles: %d\n", st.UserProfiles)
			fmt.Fprintf(out, "Indexer: enabled=%v\n", a.svc.Indexer() != nil)
			fmt.Fprintf(out, "Summarizer: enabled=%v\n", a.cfg.Summarization.Enabled)
			return nil
		}),
	}
}

func printChannelSettings(out io.Writer, s memory.ChannelSettings) {
	start := "none"
	if s.MemoryStartDate != nil {
		start = s.MemoryStartDate.Local().Format("2006-01-02")
	}
	fmt.Fprintf(out, "#%s tracking=%v start=%s\n", s.ChannelID, s.TrackingEnabled, start)
}

func overrideText(v *int, fallback int) string {
	if v == nil {
		return fmt.Sprintf("%d (default)", fallback)
	}
	return strconv.Itoa(*v)
}

func parseToggle(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "on", "true", "yes", "enable":
		return true, nil
	case "off", "false", "no", "disable":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", s)
}

// parseDate accepts a calendar date in local time or an RFC 3339 timestamp.
// An empty string is the zero time.
func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", s, time.Local); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: use YYYY-MM-DD or RFC 3339", s)
	}
	return t, nil
}
