package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/funnel-relay/internal/domain"
	"github.com/ashureev/funnel-relay/internal/store"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

const testFunnel = `
start_step: a
max_burst: 3
steps:
  - key: a
    text: "first"
    next: b
  - key: b
    media: videos/b.mp4
    media_kind: video
    burst: true
    next: c
  - key: c
    text: "third"
    burst: true
    next: b
`

func writeFunnel(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "funnel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testFunnel), 0o600))
	return path
}

func run(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	root := &cobra.Command{Use: "funnelctl", SilenceUsage: true, SilenceErrors: true}
	root.PersistentFlags().BoolP("verbose", "v", false, "")
	root.AddCommand(cmd)

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestFunnelValidateReportsCycle(t *testing.T) {
	path := writeFunnel(t)

	out, err := run(t, FunnelCmd(), "funnel", "validate", "--file", path)
	require.NoError(t, err)
	require.Contains(t, out, "3 steps")
	require.Contains(t, out, `start "a"`)
	require.Contains(t, out, "burst cycle")
}

func TestFunnelValidateRejectsBrokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "funnel.yaml")
	require.NoError(t, os.WriteFile(path, []byte("start_step: missing\nsteps: []\n"), 0o600))

	_, err := run(t, FunnelCmd(), "funnel", "validate", "-f", path)
	require.Error(t, err)
}

func TestFunnelSeedWritesSteps(t *testing.T) {
	path := writeFunnel(t)
	db := filepath.Join(t.TempDir(), "funnel.db")

	out, err := run(t, FunnelCmd(), "funnel", "seed", "--file", path, "--db", db)
	require.NoError(t, err)
	require.Contains(t, out, "Seeded 3 steps")

	repo, err := store.NewSQLite(db)
	require.NoError(t, err)
	defer func() { _ = repo.Close() }()
	steps, err := repo.ListFunnelSteps(context.Background())
	require.NoError(t, err)
	require.Len(t, steps, 3)
}

func seedContact(t *testing.T, db string, stage domain.Stage) {
	t.Helper()
	repo, err := store.NewSQLite(db)
	require.NoError(t, err)
	defer func() { _ = repo.Close() }()

	step := "b"
	now := time.Now()
	c, err := repo.CreateContact(context.Background(), &domain.Contact{
		ID:                "c-1",
		Phone:             "5511999990000",
		Name:              "Maria",
		Stage:             stage,
		CurrentStepKey:    &step,
		LastInteractionAt: now,
		CreatedAt:         now,
		UpdatedAt:         now,
	})
	require.NoError(t, err)
	require.NoError(t, repo.AppendConversationEntry(context.Background(), &domain.ConversationEntry{
		ID: "e-1", ContactID: c.ID, Sender: domain.SenderUser, Text: "quero falar com atendente", CreatedAt: now,
	}))
}

func TestContactStateShowsStepAndConversation(t *testing.T) {
	db := filepath.Join(t.TempDir(), "funnel.db")
	seedContact(t, db, domain.StageLead)

	out, err := run(t, ContactCmd(), "contact", "state", "+55 11 99999-0000", "--db", db)
	require.NoError(t, err)
	require.Contains(t, out, "Maria")
	require.Contains(t, out, "Step: b")
	require.Contains(t, out, "quero falar com atendente")
}

func TestContactStateUnknown(t *testing.T) {
	db := filepath.Join(t.TempDir(), "funnel.db")

	_, err := run(t, ContactCmd(), "contact", "state", "5500000000000", "--db", db)
	require.ErrorContains(t, err, "not found")
}

func TestContactReleaseWithReset(t *testing.T) {
	db := filepath.Join(t.TempDir(), "funnel.db")
	seedContact(t, db, domain.StageHandoff)

	out, err := run(t, ContactCmd(), "contact", "release", "5511999990000", "--reset", "--db", db)
	require.NoError(t, err)
	require.Contains(t, out, "Released 5511999990000")

	repo, err := store.NewSQLite(db)
	require.NoError(t, err)
	defer func() { _ = repo.Close() }()
	c, err := repo.FindContactByPhone(context.Background(), "5511999990000")
	require.NoError(t, err)
	require.Equal(t, domain.StageLead, c.Stage)
	require.False(t, c.Started())

	entries, err := repo.ListConversation(context.Background(), c.ID, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, domain.SenderSystem, entries[1].Sender)
}

func TestMediaListEmpty(t *testing.T) {
	db := filepath.Join(t.TempDir(), "funnel.db")

	out, err := run(t, MediaCmd(), "media", "list", "--db", db)
	require.NoError(t, err)
	require.Contains(t, out, "No media assets cached")
}

func TestMediaUploadKeyNeedsSingleAsset(t *testing.T) {
	_, err := run(t, MediaCmd(), "media", "upload", "a.ogg", "b.ogg", "--key", "x")
	require.ErrorContains(t, err, "single asset")
}
