package cli

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"parley/internal/db"
)

func newListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List saved chats, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			chats, err := store.ListChats(cmd.Context())
			if err != nil {
				return err
			}
			if len(chats) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No chats yet.")
				return nil
			}

			t := table.New().
				Border(lipgloss.NormalBorder()).
				Headers("ID", "TITLE", "MODEL", "MESSAGES", "UPDATED")
			for _, c := range chats {
				t.Row(
					strconv.FormatInt(c.ID, 10),
					c.Title,
					c.Model,
					strconv.Itoa(c.MessageCount),
					humanize.Time(c.UpdatedAt),
				)
			}
			fmt.Fprintln(cmd.OutOrStdout(), t.Render())
			return nil
		},
	}
}

func newRenameCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rename ID TITLE...",
		Short: "Rename a saved chat",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseChatID(args[0])
			if err != nil {
				return err
			}
			title := strings.TrimSpace(strings.Join(args[1:], " "))
			if title == "" {
				return errors.New("title is empty")
			}
			return withStore(opts, func(store db.Store) error {
				if err := store.RenameChat(cmd.Context(), id, title); err != nil {
					return errors.Wrapf(err, "renaming chat %d", id)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Chat %d renamed to %q.\n", id, title)
				return nil
			})
		},
	}
}

func newArchiveCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "archive ID",
		Short: "Hide a chat from the history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseChatID(args[0])
			if err != nil {
				return err
			}
			return withStore(opts, func(store db.Store) error {
				if err := store.ArchiveChat(cmd.Context(), id); err != nil {
					return errors.Wrapf(err, "archiving chat %d", id)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Chat %d archived.\n", id)
				return nil
			})
		},
	}
}

func newResetCmd(opts *rootOptions) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete the chat history database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			if !yes {
				fmt.Fprintf(out, "Delete every chat in %s? [y/N] ", a.cfg.Storage.Path)
				answer, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && answer == "" {
					return errors.Wrap(err, "reading confirmation")
				}
				switch strings.ToLower(strings.TrimSpace(answer)) {
				case "y", "yes":
				default:
					fmt.Fprintln(out, "Aborted.")
					return nil
				}
			}
			if err := db.Remove(a.cfg.Storage); err != nil {
				return err
			}
			fmt.Fprintln(out, "Chat history deleted.")
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

func withStore(opts *rootOptions, fn func(db.Store) error) error {
	a, err := loadApp(opts)
	if err != nil {
		return err
	}
	defer a.Close()
	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

func parseChatID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.Errorf("invalid chat id %q", s)
	}
	return id, nil
}
