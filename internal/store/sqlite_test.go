package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/funnel-relay/internal/domain"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "data", "funnel.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func strPtr(s string) *string { return &s }

func TestCreateContactDefaults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c, err := s.CreateContact(ctx, &domain.Contact{Phone: "5511999990000"})
	require.NoError(t, err)
	require.NotEmpty(t, c.ID)
	require.Equal(t, domain.StageLead, c.Stage)
	require.Nil(t, c.CurrentStepKey)
	require.Equal(t, "5511999990000", c.Name)

	got, err := s.FindContactByPhone(ctx, "5511999990000")
	require.NoError(t, err)
	require.Equal(t, c.ID, got.ID)
}

func TestFindContactByPhoneMissing(t *testing.T) {
	s := newTestStore(t)

	c, err := s.FindContactByPhone(context.Background(), "nope")
	require.NoError(t, err)
	require.Nil(t, c)
}

func TestCreateContactConcurrentConverges(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const workers = 8
	ids := make([]string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := s.CreateContact(ctx, &domain.Contact{Phone: "551100"})
			if err == nil {
				ids[i] = c.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		require.Equal(t, ids[0], id)
	}
}

func TestUpdateContactPartialAndMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.UnixMilli(1_700_000_000_000)
	c, err := s.CreateContact(ctx, &domain.Contact{Phone: "1", LastInteractionAt: base})
	require.NoError(t, err)

	handoff := domain.StageHandoff
	later := base.Add(time.Minute)
	require.NoError(t, s.UpdateContact(ctx, c.ID, domain.ContactUpdate{
		Stage:             &handoff,
		CurrentStepKey:    strPtr("welcome"),
		LastInteractionAt: &later,
	}))

	earlier := base.Add(-time.Hour)
	require.NoError(t, s.UpdateContact(ctx, c.ID, domain.ContactUpdate{LastInteractionAt: &earlier}))

	got, err := s.FindContactByPhone(ctx, "1")
	require.NoError(t, err)
	require.Equal(t, domain.StageHandoff, got.Stage)
	require.Equal(t, "welcome", got.StepKey())
	require.Equal(t, later.UnixMilli(), got.LastInteractionAt.UnixMilli())

	require.NoError(t, s.UpdateContact(ctx, c.ID, domain.ContactUpdate{ClearStep: true}))
	got, err = s.FindContactByPhone(ctx, "1")
	require.NoError(t, err)
	require.Nil(t, got.CurrentStepKey)
}

func TestUpdateContactUnknownID(t *testing.T) {
	s := newTestStore(t)
	lead := domain.StageLead

	err := s.UpdateContact(context.Background(), "missing", domain.ContactUpdate{Stage: &lead})
	require.True(t, errors.Is(err, domain.ErrNotFound), "got %v", err)
}

func TestAppendConversationEntryDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c, err := s.CreateContact(ctx, &domain.Contact{Phone: "2"})
	require.NoError(t, err)

	entry := &domain.ConversationEntry{ContactID: c.ID, Sender: domain.SenderUser, Text: "oi", ExternalMessageID: strPtr("wamid.1")}
	require.NoError(t, s.AppendConversationEntry(ctx, entry))

	exists, err := s.ExistsByExternalMessageID(ctx, "wamid.1")
	require.NoError(t, err)
	require.True(t, exists)

	again := &domain.ConversationEntry{ContactID: c.ID, Sender: domain.SenderUser, Text: "oi", ExternalMessageID: strPtr("wamid.1")}
	err = s.AppendConversationEntry(ctx, again)
	require.ErrorIs(t, err, domain.ErrDuplicateEvent)

	// System entries carry no external id and never collide.
	for i := 0; i < 2; i++ {
		require.NoError(t, s.AppendConversationEntry(ctx, &domain.ConversationEntry{ContactID: c.ID, Sender: domain.SenderSystem, Text: "step"}))
	}
}

func TestDeleteConversationEntryFreesExternalID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c, err := s.CreateContact(ctx, &domain.Contact{Phone: "4"})
	require.NoError(t, err)

	entry := &domain.ConversationEntry{ContactID: c.ID, Sender: domain.SenderUser, Text: "Oi", ExternalMessageID: strPtr("wamid.D")}
	require.NoError(t, s.AppendConversationEntry(ctx, entry))

	require.NoError(t, s.DeleteConversationEntry(ctx, entry.ID))
	seen, err := s.ExistsByExternalMessageID(ctx, "wamid.D")
	require.NoError(t, err)
	require.False(t, seen)

	require.NoError(t, s.DeleteConversationEntry(ctx, entry.ID))
	require.NoError(t, s.AppendConversationEntry(ctx, &domain.ConversationEntry{ContactID: c.ID, Sender: domain.SenderUser, Text: "Oi", ExternalMessageID: strPtr("wamid.D")}))
}

func TestListConversationOrderAndLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c, err := s.CreateContact(ctx, &domain.Contact{Phone: "3"})
	require.NoError(t, err)

	for _, text := range []string{"a", "b", "c", "d"} {
		require.NoError(t, s.AppendConversationEntry(ctx, &domain.ConversationEntry{ContactID: c.ID, Sender: domain.SenderSystem, Text: text}))
	}

	all, err := s.ListConversation(ctx, c.ID, 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	require.Equal(t, "a", all[0].Text)

	last, err := s.ListConversation(ctx, c.ID, 2)
	require.NoError(t, err)
	require.Len(t, last, 2)
	require.Equal(t, "c", last[0].Text)
	require.Equal(t, "d", last[1].Text)
}

func TestFunnelStepRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertFunnelStep(ctx, &domain.FunnelStep{
		Key:      "welcome",
		Content:  domain.Content{TextResponse: "Olá", MediaPath: "boas_vindas.ogg"},
		NextStep: strPtr("commitment"),
		Position: 1,
	}))
	require.NoError(t, s.UpsertFunnelStep(ctx, &domain.FunnelStep{Key: "commitment", Burst: true, Position: 2}))
	require.NoError(t, s.UpsertFunnelStep(ctx, &domain.FunnelStep{Key: "welcome", Content: domain.Content{TextResponse: "Oi"}, NextStep: strPtr("commitment"), Position: 1}))

	step, err := s.GetFunnelStep(ctx, "welcome")
	require.NoError(t, err)
	require.Equal(t, "Oi", step.TextResponse)
	require.Equal(t, "commitment", step.Next())

	missing, err := s.GetFunnelStep(ctx, "nope")
	require.NoError(t, err)
	require.Nil(t, missing)

	steps, err := s.ListFunnelSteps(ctx)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	require.Equal(t, "welcome", steps[0].Key)
	require.True(t, steps[1].Burst)
	require.Nil(t, steps[1].NextStep)
}

func TestUpsertAudioAssetLastWriterWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := time.UnixMilli(1_700_000_000_000)
	require.NoError(t, s.UpsertAudioAsset(ctx, &domain.AudioAsset{
		AudioKey: "boas_vindas", MediaHandle: "m1", MimeType: "audio/ogg", SizeBytes: 10,
		SourcePath: "boas_vindas.ogg", UploadedAt: first, UpdatedAt: first,
	}))
	second := first.Add(time.Hour)
	require.NoError(t, s.UpsertAudioAsset(ctx, &domain.AudioAsset{
		AudioKey: "boas_vindas", MediaHandle: "m2", MimeType: "audio/ogg", SizeBytes: 12, UpdatedAt: second,
	}))

	got, err := s.GetAudioAsset(ctx, "boas_vindas")
	require.NoError(t, err)
	require.Equal(t, "m2", got.MediaHandle)
	require.Equal(t, int64(12), got.SizeBytes)
	require.Equal(t, "boas_vindas.ogg", got.SourcePath)
	require.Equal(t, first.UnixMilli(), got.UploadedAt.UnixMilli())
	require.Equal(t, second.UnixMilli(), got.UpdatedAt.UnixMilli())

	all, err := s.ListAudioAssets(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
}
