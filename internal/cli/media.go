package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// MediaCmd manages provider media handles.
func MediaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "media",
		Short: "Manage uploaded media assets",
	}
	cmd.AddCommand(mediaUploadCmd(), mediaListCmd(), mediaRefreshCmd())
	return cmd
}

func mediaUploadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload [storage-path...]",
		Short: "Upload assets to WhatsApp and cache their media ids",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, _ := cmd.Flags().GetString("key")
			if key != "" && len(args) > 1 {
				return fmt.Errorf("--key can only be used with a single asset")
			}

			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			failed := 0
			for _, p := range args {
				asset, err := a.Uploader.Upload(ctxOrBackground(cmd), key, p)
				if err != nil {
					failed++
					fmt.Fprintf(cmd.ErrOrStderr(), "✗ %s: %v\n", p, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ %s → %s (%s, %d bytes)\n", asset.AudioKey, asset.MediaHandle, asset.MimeType, asset.SizeBytes)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d uploads failed", failed, len(args))
			}
			return nil
		},
	}
	cmd.Flags().String("key", "", "logical media key (defaults to the file name)")
	return cmd
}

func mediaListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cached media handles",
		RunE: func(cmd *cobra.Command, _ []string) error {
			repo, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = repo.Close() }()

			list, err := repo.ListAudioAssets(ctxOrBackground(cmd))
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No media assets cached")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tMEDIA ID\tMIME\tSIZE\tUPDATED")
			for _, a := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", a.AudioKey, a.MediaHandle, a.MimeType, a.SizeBytes, a.UpdatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
	addDBFlag(cmd)
	return cmd
}

func mediaRefreshCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Re-upload media whose provider handle is stale",
		RunE: func(cmd *cobra.Command, _ []string) error {
			force, _ := cmd.Flags().GetBool("force")

			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			res, err := a.Refresher.Refresh(ctxOrBackground(cmd), force)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Refreshed: %d  Failed: %d  Skipped: %d\n", len(res.Refreshed), len(res.Failed), len(res.Skipped))
			for _, k := range res.Failed {
				fmt.Fprintf(cmd.ErrOrStderr(), "✗ %s\n", k)
			}
			if len(res.Failed) > 0 {
				return fmt.Errorf("%d refreshes failed", len(res.Failed))
			}
			return nil
		},
	}
	cmd.Flags().Bool("force", false, "re-upload every asset with a known source path")
	return cmd
}
