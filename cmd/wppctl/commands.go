package main

import (
	"context"
	"fmt"
	"maps"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/matheus3301/wppcache/internal/model"
	"github.com/matheus3301/wppcache/internal/status"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := oneShot(cmd)
			defer cancel()
			e, err := dial(ctx)
			if err != nil {
				return err
			}
			defer e.close(ctx)

			resp, err := e.rpc.Status(ctx)
			if err != nil {
				return err
			}
			if flags.json {
				outputJSON(resp)
				return nil
			}
			fmt.Printf("Session:  %s\n", resp.Session)
			fmt.Printf("PID:      %d\n", resp.PID)
			fmt.Printf("Uptime:   %s\n", time.Since(resp.StartedAt.AsTime()).Round(time.Second))
			fmt.Printf("Watchers: %d\n", resp.Watchers)
			names := make([]string, 0, len(resp.Counts))
			for name := range resp.Counts {
				names = append(names, name)
			}
			slices.Sort(names)
			for _, name := range names {
				fmt.Printf("Records:  %-14s %d\n", name, resp.Counts[name])
			}
			return nil
		},
	}
}

func newConversationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"ls"},
		Short:   "List conversations, most recent first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := oneShot(cmd)
			defer cancel()
			e, err := open(ctx, "")
			if err != nil {
				return err
			}
			defer e.close(ctx)

			list := e.chat.Conversations()
			if flags.json {
				outputJSON(list)
				return nil
			}
			if len(list) == 0 {
				fmt.Println("No conversations.")
				return nil
			}
			for _, c := range list {
				fmt.Printf("%-32s %-24s %3d unread  %s\n", c.ID, title(c, e.chat.UserID()), c.UnreadCount, c.LastMessage)
			}
			return nil
		},
	}
}

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <peer>...",
		Short: "Open a private conversation, or a group with several peers",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := oneShot(cmd)
			defer cancel()
			e, err := open(ctx, "")
			if err != nil {
				return err
			}
			defer e.close(ctx)

			conv, err := e.chat.StartConversation(ctx, args...)
			if err != nil {
				return err
			}
			if flags.json {
				outputJSON(conv)
				return nil
			}
			fmt.Println(conv.ID)
			return nil
		},
	}
}

func newHistoryCmd() *cobra.Command {
	var limit int
	var before string
	cmd := &cobra.Command{
		Use:   "history <conversation>",
		Short: "Print the newest cached messages of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var cutoff time.Time
			if before != "" {
				t, err := time.Parse(time.RFC3339, before)
				if err != nil {
					return fmt.Errorf("--before: %w", err)
				}
				cutoff = t
			}
			ctx, cancel := oneShot(cmd)
			defer cancel()
			e, err := open(ctx, args[0])
			if err != nil {
				return err
			}
			defer e.close(ctx)

			msgs := e.chat.Window(cutoff, limit)
			if flags.json {
				outputJSON(msgs)
				return nil
			}
			for _, m := range msgs {
				printMessage(m)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of messages (0 = all cached)")
	cmd.Flags().StringVar(&before, "before", "", "only messages older than this RFC3339 time")
	return cmd
}

func newSendCmd() *cobra.Command {
	var markdown bool
	cmd := &cobra.Command{
		Use:   "send <conversation> <text>...",
		Short: "Send a text message",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			typ := model.Text
			if markdown {
				typ = model.Markdown
			}
			ctx, cancel := oneShot(cmd)
			defer cancel()
			e, err := open(ctx, args[0])
			if err != nil {
				return err
			}
			defer e.close(ctx)

			m, err := e.chat.SendMessage(ctx, strings.Join(args[1:], " "), typ)
			if err != nil {
				return err
			}
			return printResult(m)
		},
	}
	cmd.Flags().BoolVar(&markdown, "markdown", false, "send as markdown")
	return cmd
}

func newUploadCmd() *cobra.Command {
	var typ string
	cmd := &cobra.Command{
		Use:   "upload <conversation> <file>",
		Short: "Send a file as an attachment",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mt := model.MessageType(typ)
			if !mt.Attachment() {
				return fmt.Errorf("--type %q: want image, video, audio or file", typ)
			}
			data, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			ctx, cancel := oneShot(cmd)
			defer cancel()
			e, err := open(ctx, args[0])
			if err != nil {
				return err
			}
			defer e.close(ctx)

			m, err := e.chat.SendAttachment(ctx, mt, filepath.Base(args[1]), data, func(sent, total int64) {
				if total > 0 && !flags.json {
					fmt.Fprintf(os.Stderr, "\ruploading %d%%", sent*100/total)
				}
			})
			if !flags.json {
				fmt.Fprintln(os.Stderr)
			}
			if err != nil {
				return err
			}
			return printResult(m)
		},
	}
	cmd.Flags().StringVar(&typ, "type", string(model.File), "attachment type: image, video, audio or file")
	return cmd
}

func newEditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "edit <conversation> <message> <text>...",
		Short: "Replace the content of an own message",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConversation(cmd, args[0], func(ctx context.Context, e *env) error {
				return e.chat.EditMessage(ctx, args[1], strings.Join(args[2:], " "))
			})
		},
	}
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <conversation> <message>",
		Short: "Delete an own message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConversation(cmd, args[0], func(ctx context.Context, e *env) error {
				return e.chat.DeleteMessage(ctx, args[1])
			})
		},
	}
}

func newReactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "react <conversation> <message> [reaction]",
		Short: "Set a reaction; omit it to remove yours",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			reaction := ""
			if len(args) == 3 {
				reaction = args[2]
			}
			return withConversation(cmd, args[0], func(ctx context.Context, e *env) error {
				return e.chat.ReactToMessage(ctx, args[1], reaction)
			})
		},
	}
}

func newPinCmd() *cobra.Command {
	var unpin bool
	cmd := &cobra.Command{
		Use:   "pin <conversation> <message>",
		Short: "Pin or unpin a message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConversation(cmd, args[0], func(ctx context.Context, e *env) error {
				return e.chat.PinMessage(ctx, args[1], !unpin)
			})
		},
	}
	cmd.Flags().BoolVar(&unpin, "unpin", false, "remove the pin")
	return cmd
}

func newReadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read <conversation>",
		Short: "Mark every incoming message of a conversation as read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConversation(cmd, args[0], func(ctx context.Context, e *env) error {
				return e.chat.MarkConversationRead(ctx)
			})
		},
	}
}

func newWatchCmd() *cobra.Command {
	var markRead bool
	cmd := &cobra.Command{
		Use:   "watch <conversation>",
		Short: "Print messages as they arrive until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			openCtx, cancel := context.WithTimeout(ctx, flags.timeout)
			e, err := open(openCtx, args[0])
			cancel()
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), flags.timeout)
				defer cancel()
				e.close(closeCtx)
			}()

			shown := make(map[string]model.Message)
			render := func() {
				for _, m := range e.chat.Messages() {
					if prev, ok := shown[m.ID]; ok && sameView(prev, m) {
						continue
					}
					shown[m.ID] = m
					if flags.json {
						outputJSON(m)
					} else {
						printMessage(m)
					}
					if markRead && m.SenderID != e.chat.UserID() {
						_ = e.chat.MarkRead(m.ID)
					}
				}
			}

			render()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-e.chat.Changes():
					if err := e.chat.Err(); err != nil {
						return err
					}
					render()
				}
			}
		},
	}
	cmd.Flags().BoolVar(&markRead, "mark-read", false, "mark incoming messages read as they are shown")
	return cmd
}

func newSearchCmd() *cobra.Command {
	var conversationID string
	cmd := &cobra.Command{
		Use:   "search <text>...",
		Short: "Search message text",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := oneShot(cmd)
			defer cancel()
			e, err := open(ctx, "")
			if err != nil {
				return err
			}
			defer e.close(ctx)

			results, err := e.chat.Search(ctx, conversationID, strings.Join(args, " "))
			if err != nil {
				return err
			}
			if flags.json {
				outputJSON(results)
				return nil
			}
			if len(results) == 0 {
				fmt.Println("No matches.")
				return nil
			}
			for _, m := range results {
				fmt.Printf("%-32s ", m.ConversationID)
				printMessage(m)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&conversationID, "conversation", "", "limit the search to one conversation")
	return cmd
}

// withConversation runs fn with conversationID active and prints "ok".
func withConversation(cmd *cobra.Command, conversationID string, fn func(context.Context, *env) error) error {
	ctx, cancel := oneShot(cmd)
	defer cancel()
	e, err := open(ctx, conversationID)
	if err != nil {
		return err
	}
	defer e.close(ctx)

	if err := fn(ctx, e); err != nil {
		return err
	}
	if flags.json {
		outputJSON(map[string]bool{"ok": true})
		return nil
	}
	fmt.Println("ok")
	return nil
}

func printResult(m model.Message) error {
	if flags.json {
		outputJSON(m)
		return nil
	}
	fmt.Printf("%s %s\n", m.ID, m.Status)
	return nil
}

func printMessage(m model.Message) {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s: ", m.Timestamp.Local().Format("2006-01-02 15:04:05"), m.SenderID)
	switch {
	case m.Deleted():
		b.WriteString("(deleted)")
	case m.Type.Attachment():
		fmt.Fprintf(&b, "[%s] %s", m.Type, m.Content)
	default:
		b.WriteString(m.Content)
	}
	var marks []string
	if m.EditedAt != nil && !m.Deleted() {
		marks = append(marks, "edited")
	}
	if m.PinnedAt != nil {
		marks = append(marks, "pinned")
	}
	if m.Status != status.Sent {
		marks = append(marks, string(m.Status))
	}
	if len(marks) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(marks, ", "))
	}
	if len(m.Reactions) > 0 {
		users := make([]string, 0, len(m.Reactions))
		for u := range m.Reactions {
			users = append(users, u)
		}
		slices.Sort(users)
		for _, u := range users {
			fmt.Fprintf(&b, " %s:%s", u, m.Reactions[u])
		}
	}
	fmt.Printf("%s  <%s>\n", b.String(), m.ID)
}

// sameView reports whether a re-render of m would print the same line.
func sameView(a, b model.Message) bool {
	return a.Status == b.Status && a.Content == b.Content &&
		(a.EditedAt == nil) == (b.EditedAt == nil) &&
		a.Deleted() == b.Deleted() &&
		(a.PinnedAt == nil) == (b.PinnedAt == nil) &&
		maps.Equal(a.Reactions, b.Reactions)
}

func title(c model.Conversation, self string) string {
	if c.Name != "" {
		return c.Name
	}
	var others []string
	for _, id := range c.Members() {
		if id != self {
			others = append(others, id)
		}
	}
	return strings.Join(others, ", ")
}
