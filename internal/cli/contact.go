package cli

import (
	"fmt"
	"time"

	"github.com/ashureev/funnel-relay/internal/domain"
	"github.com/ashureev/funnel-relay/internal/whatsapp"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// ContactCmd inspects and releases contacts.
func ContactCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contact",
		Short: "Inspect and manage contacts",
	}
	cmd.AddCommand(contactStateCmd(), contactReleaseCmd())
	return cmd
}

func contactStateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state [phone]",
		Short: "Show a contact's funnel state and recent conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")

			repo, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = repo.Close() }()

			ctx := ctxOrBackground(cmd)
			c, err := repo.FindContactByPhone(ctx, whatsapp.NormalizePhone(args[0]))
			if err != nil {
				return err
			}
			if c == nil {
				return fmt.Errorf("contact %s not found", args[0])
			}

			out := cmd.OutOrStdout()
			step := c.StepKey()
			if step == "" {
				step = "(not started)"
			}
			fmt.Fprintf(out, "Contact: %s (%s)\n", c.Name, c.Phone)
			fmt.Fprintf(out, "  Stage: %s\n", c.Stage)
			fmt.Fprintf(out, "  Step: %s\n", step)
			fmt.Fprintf(out, "  Last interaction: %s\n", c.LastInteractionAt.Format(time.RFC3339))

			entries, err := repo.ListConversation(ctx, c.ID, limit)
			if err != nil {
				return err
			}
			if len(entries) > 0 {
				fmt.Fprintln(out, "\nConversation:")
			}
			for _, e := range entries {
				fmt.Fprintf(out, "  %s  %-6s  %s\n", e.CreatedAt.Format("2006-01-02 15:04:05"), e.Sender, e.Text)
			}
			return nil
		},
	}
	addDBFlag(cmd)
	cmd.Flags().Int("limit", 20, "number of conversation entries to show")
	return cmd
}

func contactReleaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "release [phone]",
		Short: "Return a contact from human handoff to automation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reset, _ := cmd.Flags().GetBool("reset")

			repo, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = repo.Close() }()

			ctx := ctxOrBackground(cmd)
			c, err := repo.FindContactByPhone(ctx, whatsapp.NormalizePhone(args[0]))
			if err != nil {
				return err
			}
			if c == nil {
				return fmt.Errorf("contact %s not found", args[0])
			}

			stage := domain.StageLead
			if err := repo.UpdateContact(ctx, c.ID, domain.ContactUpdate{Stage: &stage, ClearStep: reset}); err != nil {
				return fmt.Errorf("failed to release contact: %w", err)
			}
			err = repo.AppendConversationEntry(ctx, &domain.ConversationEntry{
				ID:        uuid.NewString(),
				ContactID: c.ID,
				Sender:    domain.SenderSystem,
				Text:      fmt.Sprintf("[operator] released (reset=%t)", reset),
				CreatedAt: time.Now(),
			})
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "✓ Released %s", c.Phone)
			if reset {
				fmt.Fprint(cmd.OutOrStdout(), " (funnel restarts on next message)")
			}
			fmt.Fprintln(cmd.OutOrStdout())
			return nil
		},
	}
	addDBFlag(cmd)
	cmd.Flags().Bool("reset", false, "clear the current step so the funnel restarts")
	return cmd
}
