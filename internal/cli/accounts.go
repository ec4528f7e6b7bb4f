package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/mdp/qrterminal"
	"github.com/spf13/cobra"

	"github.com/soyeahso/unibox/internal/domain"
	"github.com/soyeahso/unibox/internal/gateway"
	"github.com/soyeahso/unibox/internal/link"
)

const linkPollInterval = time.Second

func newAccountsCmd() *cobra.Command {
	var vf viewerFlags

	cmd := &cobra.Command{
		Use:     "accounts",
		Aliases: []string{"account"},
		Short:   "List, link and manage platform accounts",
	}
	cmd.PersistentFlags().StringVar(&vf.user, "user", "", "act as this dashboard user")
	cmd.PersistentFlags().StringSliceVar(&vf.workspaces, "workspace", nil, "workspaces the user belongs to")

	cmd.AddCommand(newAccountsListCmd(&vf))
	cmd.AddCommand(newAccountsLinkCmd(&vf))
	cmd.AddCommand(newAccountsSetActiveCmd(&vf, "activate", true))
	cmd.AddCommand(newAccountsSetActiveCmd(&vf, "deactivate", false))
	cmd.AddCommand(newAccountsRemoveCmd(&vf))
	return cmd
}

func newAccountsListCmd(vf *viewerFlags) *cobra.Command {
	var (
		platform string
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List linked accounts and their connection state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]any{}
			if platform != "" {
				p, err := domain.PlatformFromCode(strings.ToLower(platform))
				if err != nil {
					return err
				}
				params["platform"] = p
			}
			var resp struct {
				Accounts []gateway.AccountView `json:"accounts"`
			}
			if err := call(vf.viewer(), "accounts.list", params, &resp); err != nil {
				return err
			}
			if asJSON {
				return printJSON(resp.Accounts)
			}
			if len(resp.Accounts) == 0 {
				fmt.Println("No accounts linked. Run `unibox accounts link <platform>`.")
				return nil
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tPLATFORM\tLABEL\tWORKSPACE\tACTIVE\tSTATE\tLISTENING")
			for _, a := range resp.Accounts {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%v\t%s\t%v\n",
					a.ID, a.Platform, orDash(a.Label), orDash(a.WorkspaceID), a.Active, a.State, a.Listening)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&platform, "platform", "", "only show accounts on this platform")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newAccountsLinkCmd(vf *viewerFlags) *cobra.Command {
	var opts link.Options

	cmd := &cobra.Command{
		Use:   "link <whatsapp|telegram>",
		Short: "Link a new account by scanning a QR code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := domain.PlatformFromCode(strings.ToLower(args[0]))
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			dialCtx, cancel := context.WithTimeout(ctx, callTimeout)
			conn, err := connect(dialCtx, vf.viewer())
			cancel()
			if err != nil {
				return err
			}
			defer conn.Close()

			var sess link.Session
			if err := conn.Call(ctx, "accounts.link.start", map[string]any{
				"platform":    p,
				"label":       opts.Label,
				"workspaceId": opts.WorkspaceID,
				"brandId":     opts.BrandID,
				"inactive":    opts.Inactive,
			}, &sess); err != nil {
				return err
			}

			acct, err := followLink(ctx, conn, sess, os.Stdin)
			if err != nil {
				return err
			}
			fmt.Printf("Linked %s account %s", acct.Platform, acct.ID)
			if acct.Label != "" {
				fmt.Printf(" (%s)", acct.Label)
			}
			fmt.Println()
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Label, "label", "", "display label for the account")
	cmd.Flags().StringVar(&opts.WorkspaceID, "workspace-id", "", "workspace the account belongs to")
	cmd.Flags().StringVar(&opts.BrandID, "brand-id", "", "brand the account belongs to")
	cmd.Flags().BoolVar(&opts.Inactive, "inactive", false, "link without starting the listener")
	return cmd
}

// followLink polls a link flow until it finishes, rendering each new QR code
// and asking for the second-factor password when the platform needs one.
// Interrupting cancels the flow on the server.
func followLink(ctx context.Context, conn *gateway.Conn, sess link.Session, in *os.File) (domain.Account, error) {
	reader := bufio.NewReader(in)
	lastCode := ""
	ticker := time.NewTicker(linkPollInterval)
	defer ticker.Stop()

	for {
		if sess.QRCode != "" && sess.QRCode != lastCode {
			lastCode = sess.QRCode
			fmt.Printf("\nScan with %s (expires %s):\n", sess.Platform, sess.ExpiresAt.Local().Format(time.Kitchen))
			qrterminal.GenerateHalfBlock(sess.QRCode, qrterminal.L, os.Stdout)
		}

		switch sess.Status {
		case link.StatusSuccess:
			if sess.Account == nil {
				return domain.Account{}, errors.New("link succeeded without an account")
			}
			return *sess.Account, nil
		case link.StatusFailed, link.StatusCancelled, link.StatusExpired:
			if sess.Error != "" {
				return domain.Account{}, fmt.Errorf("link %s: %s", sess.Status, sess.Error)
			}
			return domain.Account{}, fmt.Errorf("link %s", sess.Status)
		case link.StatusWaitingPassword:
			fmt.Print("Two-step verification password: ")
			pw, err := reader.ReadString('\n')
			if err != nil {
				cancelLink(conn, sess.ID)
				return domain.Account{}, fmt.Errorf("reading password: %w", err)
			}
			if err := conn.Call(ctx, "accounts.link.password", map[string]string{
				"sessionId": sess.ID,
				"password":  strings.TrimRight(pw, "\r\n"),
			}, &sess); err != nil {
				return domain.Account{}, err
			}
			continue
		}

		select {
		case <-ctx.Done():
			cancelLink(conn, sess.ID)
			return domain.Account{}, ctx.Err()
		case <-ticker.C:
		}
		if err := conn.Call(ctx, "accounts.link.status", map[string]string{"sessionId": sess.ID}, &sess); err != nil {
			if ctx.Err() != nil {
				cancelLink(conn, sess.ID)
			}
			return domain.Account{}, err
		}
	}
}

func cancelLink(conn *gateway.Conn, sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Call(ctx, "accounts.link.cancel", map[string]string{"sessionId": sessionID}, nil); err != nil {
		log.Debug().Err(err).Str("session", sessionID).Msg("cancel link failed")
	}
}

func newAccountsSetActiveCmd(vf *viewerFlags, use string, active bool) *cobra.Command {
	short := "Start listening on an account"
	if !active {
		short = "Stop listening on an account without unlinking it"
	}
	return &cobra.Command{
		Use:   use + " <account-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var view gateway.AccountView
			if err := call(vf.viewer(), "accounts.setActive", map[string]any{
				"accountId": args[0],
				"active":    active,
			}, &view); err != nil {
				return err
			}
			fmt.Printf("%s: active=%v state=%s\n", view.ID, view.Active, view.State)
			return nil
		},
	}
}

func newAccountsRemoveCmd(vf *viewerFlags) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:     "remove <account-id>",
		Aliases: []string{"logout"},
		Short:   "Log out an account and delete its cached chats and media",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				fmt.Printf("Log out %s and delete its data? [y/N] ", args[0])
				answer, _ := bufio.NewReader(os.Stdin).ReadString('\n')
				if a := strings.ToLower(strings.TrimSpace(answer)); a != "y" && a != "yes" {
					fmt.Println("Aborted.")
					return nil
				}
			}
			if err := call(vf.viewer(), "accounts.logout", map[string]string{"accountId": args[0]}, nil); err != nil {
				return err
			}
			fmt.Printf("Removed %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip confirmation")
	return cmd
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
