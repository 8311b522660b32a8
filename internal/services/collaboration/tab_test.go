package collaboration

import (
	"context"
	"fmt"
	"testing"

	"docsync/internal/crdt"
	"docsync/internal/models"
	"docsync/internal/storage"

	"github.com/stretchr/testify/require"
)

func participant(n int) models.Participant {
	return models.Participant{
		ID:     fmt.Sprintf("Id-%d", n),
		Name:   fmt.Sprintf("User-%d", n),
		Color:  "hsl(120, 70%, 50%)",
		Avatar: fmt.Sprintf("https://i.pravatar.cc/150?u=%d", n),
	}
}

func openTestTab(t *testing.T, origin *storage.Origin, n int) *Tab {
	t.Helper()
	tab, err := OpenTab(context.Background(), origin.NewLocal(), WithParticipant(participant(n)))
	require.NoError(t, err)
	t.Cleanup(func() { tab.Close(context.Background()) })
	return tab
}

func TestTabsShareContent(t *testing.T) {
	ctx := context.Background()
	origin := storage.NewOrigin(0)
	a := openTestTab(t, origin, 1)
	b := openTestTab(t, origin, 2)

	require.NoError(t, a.SetText(ctx, "hello"))
	require.Equal(t, "hello", b.Text())

	require.NoError(t, b.Insert(ctx, 5, " world"))
	require.Equal(t, "hello world", a.Text())

	require.NoError(t, a.Delete(ctx, 0, 6))
	require.Equal(t, "world", a.Text())
	require.Equal(t, "world", b.Text())

	require.NoError(t, b.SetText(ctx, "replaced"))
	require.Equal(t, "replaced", a.Text())

	require.ErrorIs(t, a.Insert(ctx, 100, "x"), crdt.ErrOutOfRange)
	require.Equal(t, "replaced", b.Text())
}

func TestTabsShareParticipants(t *testing.T) {
	ctx := context.Background()
	origin := storage.NewOrigin(0)
	a := openTestTab(t, origin, 1)
	require.Equal(t, map[string]models.Participant{"Id-1": participant(1)}, a.Participants())

	b := openTestTab(t, origin, 2)
	want := map[string]models.Participant{"Id-1": participant(1), "Id-2": participant(2)}
	require.Equal(t, want, a.Participants())
	require.Equal(t, want, b.Participants())
	require.Equal(t, participant(2), b.Self())

	require.NoError(t, b.Close(ctx))
	require.Equal(t, map[string]models.Participant{"Id-1": participant(1)}, a.Participants())
}

func TestTabSkipsMalformedParticipants(t *testing.T) {
	origin := storage.NewOrigin(0)
	a := openTestTab(t, origin, 1)

	junk := crdt.NewDoc()
	require.NoError(t, junk.GetMap(ParticipantsField).Set("Id-9", map[string]any{"id": "Id-9"}))
	require.NoError(t, junk.GetMap(ParticipantsField).Set("Id-8", "not a participant"))
	require.NoError(t, a.doc.ApplyUpdate(junk.EncodeStateAsUpdate()))

	require.Equal(t, map[string]models.Participant{"Id-1": participant(1)}, a.Participants())
}

func TestTabWatch(t *testing.T) {
	ctx := context.Background()
	origin := storage.NewOrigin(0)
	a := openTestTab(t, origin, 1)
	b := openTestTab(t, origin, 2)

	var views []models.View
	cancel := b.Watch(func(v models.View) { views = append(views, v) })

	require.NoError(t, a.SetText(ctx, "hi"))
	require.NotEmpty(t, views)
	last := views[len(views)-1]
	require.Equal(t, "hi", last.Text)
	require.Equal(t, participant(2), last.Self)
	require.Len(t, last.Participants, 2)

	cancel()
	n := len(views)
	require.NoError(t, a.SetText(ctx, "bye"))
	require.Len(t, views, n)
}

func TestTabOnChange(t *testing.T) {
	ctx := context.Background()
	origin := storage.NewOrigin(0)
	a := openTestTab(t, origin, 1)

	changes := 0
	cancel := a.OnChange(func() { changes++ })

	b := openTestTab(t, origin, 2)
	require.Positive(t, changes, "participant join")

	n := changes
	require.NoError(t, b.Insert(ctx, 0, "x"))
	require.Greater(t, changes, n, "content edit")

	cancel()
	n = changes
	require.NoError(t, b.Insert(ctx, 1, "y"))
	require.Equal(t, n, changes)
}

func TestTabClose(t *testing.T) {
	ctx := context.Background()
	origin := storage.NewOrigin(0)
	a := openTestTab(t, origin, 1)

	require.NoError(t, a.Close(ctx))
	require.NoError(t, a.Close(ctx))
	require.ErrorIs(t, a.SetText(ctx, "x"), ErrTabClosed)
	require.Equal(t, "torn-down", a.Status().State)

	select {
	case <-a.Done():
	default:
		t.Fatal("Done not closed")
	}

	// The departure was published before detaching.
	b := openTestTab(t, origin, 2)
	require.Equal(t, map[string]models.Participant{"Id-2": participant(2)}, b.Participants())
}

func TestTabStatus(t *testing.T) {
	ctx := context.Background()
	origin := storage.NewOrigin(0)
	a := openTestTab(t, origin, 1)
	b := openTestTab(t, origin, 2)

	s := a.Status()
	require.Equal(t, "active", s.State)
	require.Equal(t, 1, s.Publishes)
	require.Equal(t, 1, s.Merges)

	require.NoError(t, b.SetText(ctx, "x"))
	require.Equal(t, 2, a.Status().Merges)
	require.Equal(t, 2, b.Status().Publishes)
	require.Empty(t, b.Status().LastError)
}

func TestTabSurfacesStorageFailures(t *testing.T) {
	ctx := context.Background()
	origin := storage.NewOrigin(2048)
	a := openTestTab(t, origin, 1)

	big := make([]byte, 4096)
	for i := range big {
		big[i] = 'x'
	}
	require.ErrorIs(t, a.SetText(ctx, string(big)), storage.ErrQuotaExceeded)
	require.NotEmpty(t, a.Status().LastError)
}

func TestOpenTabFailsWhenStorageUnavailable(t *testing.T) {
	origin := storage.NewOrigin(0)
	local := origin.NewLocal()
	origin.SetDisabled(true)

	_, err := OpenTab(context.Background(), local, WithParticipant(participant(1)))
	require.ErrorIs(t, err, storage.ErrUnavailable)

	// The handle was released with the failed tab.
	origin.SetDisabled(false)
	require.ErrorIs(t, local.SetItem(context.Background(), "k", "v"), storage.ErrClosed)
}

func TestOpenTabRejectsInvalidParticipant(t *testing.T) {
	origin := storage.NewOrigin(0)
	_, err := OpenTab(context.Background(), origin.NewLocal(), WithParticipant(models.Participant{ID: "x"}))
	require.ErrorIs(t, err, models.ErrInvalidParticipant)
}

func TestOpenTabRejectsParticipantIDInUse(t *testing.T) {
	ctx := context.Background()
	origin := storage.NewOrigin(0)
	a := openTestTab(t, origin, 7)

	_, err := OpenTab(ctx, origin.NewLocal(), WithParticipant(participant(7)))
	require.ErrorIs(t, err, models.ErrInvalidParticipant)

	// The rejected tab must not have touched the entry a still owns.
	require.Equal(t, map[string]models.Participant{"Id-7": participant(7)}, a.Participants())
}

// generatedParticipants replaces the random generator with a fixed sequence.
func generatedParticipants(ps ...models.Participant) TabOption {
	return func(c *tabConfig) {
		next := 0
		c.newIdentity = func() models.Participant {
			p := ps[next%len(ps)]
			next++
			return p
		}
	}
}

func TestOpenTabRerollsTakenGeneratedID(t *testing.T) {
	ctx := context.Background()
	origin := storage.NewOrigin(0)
	a := openTestTab(t, origin, 7)

	b, err := OpenTab(ctx, origin.NewLocal(), generatedParticipants(participant(7), participant(8)))
	require.NoError(t, err)
	require.Equal(t, participant(8), b.Self())
	require.Equal(t, "Id-8", b.Info().ParticipantID)

	require.NoError(t, b.Close(ctx))
	require.Equal(t, map[string]models.Participant{"Id-7": participant(7)}, a.Participants())
}

func TestOpenTabGivesUpWhenEveryGeneratedIDIsTaken(t *testing.T) {
	origin := storage.NewOrigin(0)
	openTestTab(t, origin, 7)

	local := origin.NewLocal()
	_, err := OpenTab(context.Background(), local, generatedParticipants(participant(7)))
	require.ErrorIs(t, err, models.ErrInvalidParticipant)
	require.ErrorIs(t, local.SetItem(context.Background(), "k", "v"), storage.ErrClosed)
}

func TestTabsOnDifferentSlotsAreIsolated(t *testing.T) {
	ctx := context.Background()
	origin := storage.NewOrigin(0)
	a, err := OpenTab(ctx, origin.NewLocal(), WithParticipant(participant(1)), WithSlotKey("one"))
	require.NoError(t, err)
	defer a.Close(ctx)
	b, err := OpenTab(ctx, origin.NewLocal(), WithParticipant(participant(2)), WithSlotKey("two"))
	require.NoError(t, err)
	defer b.Close(ctx)

	require.NoError(t, a.SetText(ctx, "only one"))
	require.Empty(t, b.Text())
	require.Len(t, b.Participants(), 1)
}
