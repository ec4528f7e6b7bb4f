package cli

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/soyeahso/unibox/internal/aggregate"
	"github.com/soyeahso/unibox/internal/domain"
)

func newChatsCmd() *cobra.Command {
	var vf viewerFlags

	cmd := &cobra.Command{
		Use:   "chats",
		Short: "Browse the merged chat list",
	}
	cmd.PersistentFlags().StringVar(&vf.user, "user", "", "dashboard user to list chats for")
	cmd.PersistentFlags().StringSliceVar(&vf.workspaces, "workspace", nil, "workspaces the user belongs to")

	cmd.AddCommand(newChatsListCmd(&vf))
	return cmd
}

func newChatsListCmd(vf *viewerFlags) *cobra.Command {
	var (
		account string
		limit   int
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List chats across every visible account, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var list aggregate.ChatList
			var err error
			if account != "" {
				err = call(vf.viewer(), "chats.account", map[string]string{"accountId": account}, &list)
			} else {
				if vf.user == "" {
					return fmt.Errorf("--user is required unless --account is given")
				}
				err = call(vf.viewer(), "chats.list", map[string]int{"limit": limit}, &list)
			}
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(list)
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tTYPE\tUNREAD\tLAST\tPREVIEW")
			for _, c := range list.Chats {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
					c.ID, truncate(c.Name, 28), c.Type, c.UnreadCount, formatTime(c.LastMessageTime), truncate(c.LastMessage, 40))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if list.HasMore {
				fmt.Printf("\nShowing %d of %d chats.\n", len(list.Chats), list.TotalCount)
			}
			for _, e := range list.Errors {
				fmt.Fprintf(os.Stderr, "warning: account %s: %s\n", e.AccountID, e.Error)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&account, "account", "", "list one account's chats instead of the merged view")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum chats to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newMessagesCmd() *cobra.Command {
	var vf viewerFlags

	cmd := &cobra.Command{
		Use:     "messages",
		Aliases: []string{"message"},
		Short:   "Read and send messages",
	}
	cmd.PersistentFlags().StringVar(&vf.user, "user", "", "act as this dashboard user")
	cmd.PersistentFlags().StringSliceVar(&vf.workspaces, "workspace", nil, "workspaces the user belongs to")

	cmd.AddCommand(newMessagesListCmd(&vf))
	cmd.AddCommand(newMessagesSendCmd(&vf))
	return cmd
}

func newMessagesListCmd(vf *viewerFlags) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "list <chat-id>",
		Short: "Show a chat's most recent messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var page domain.MessagePage
			if err := call(vf.viewer(), "messages.list", map[string]any{
				"chatId": args[0],
				"limit":  limit,
			}, &page); err != nil {
				return err
			}
			if asJSON {
				return printJSON(page)
			}

			if page.ChatInfo != nil {
				fmt.Printf("%s (%s)\n\n", page.ChatInfo.Name, page.ChatInfo.Type)
			}
			// oldest first reads naturally in a terminal
			for i := len(page.Messages) - 1; i >= 0; i-- {
				m := page.Messages[i]
				from := m.SenderName
				if m.IsOwn {
					from = "me"
				}
				if from == "" {
					from = m.Sender
				}
				fmt.Printf("[%s] %s: %s\n", formatTime(m.Timestamp), from, m.Preview())
			}
			if page.HasMore {
				fmt.Println("\n(older messages not shown)")
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "number of messages")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newMessagesSendCmd(vf *viewerFlags) *cobra.Command {
	var (
		file    string
		msgType string
	)

	cmd := &cobra.Command{
		Use:   "send <chat-id> [text...]",
		Short: "Send a text message or a file to a chat",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]any{
				"chatId":  args[0],
				"content": strings.Join(args[1:], " "),
			}
			if msgType != "" {
				params["type"] = msgType
			}
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				name := filepath.Base(file)
				params["attachment"] = map[string]any{
					"data":     data,
					"fileName": name,
					"mimeType": mime.TypeByExtension(filepath.Ext(name)),
				}
			}

			var res domain.SendResult
			if err := call(vf.viewer(), "messages.send", params, &res); err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("message not sent: %s", orDash(res.Error))
			}
			fmt.Printf("Sent %s\n", res.MessageID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "attach a file")
	cmd.Flags().StringVar(&msgType, "type", "", "message type (photo, video, audio, voice, document); derived from the file when empty")
	return cmd
}
