package core

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"abobi.legal/advisor-service/internal/blob"
	"abobi.legal/advisor-service/internal/metrics"
	"abobi.legal/advisor-service/internal/session"
	"abobi.legal/advisor-service/internal/store"
)

const (
	testWallet      = "0x52908400098527886e0f7030069857d2e4169ee7"
	testWalletMixed = "0x52908400098527886E0F7030069857D2E4169EE7"
)

type inferenceCall struct {
	systemPrompt string
	prior        []session.Turn
	message      string
}

type fakeInference struct {
	mu     sync.Mutex
	reply  string
	err    error
	calls  []inferenceCall
	during func(ctx context.Context)
}

func (f *fakeInference) Complete(ctx context.Context, systemPrompt string, prior []session.Turn, newMessage string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, inferenceCall{
		systemPrompt: systemPrompt,
		prior:        append([]session.Turn(nil), prior...),
		message:      newMessage,
	})
	f.mu.Unlock()
	if f.during != nil {
		f.during(ctx)
	}
	if f.err != nil {
		return "", f.err
	}
	if f.reply != "" {
		return f.reply, nil
	}
	return "reply to " + newMessage, nil
}

func (f *fakeInference) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type failingIndex struct{ err error }

func (f failingIndex) Lookup(context.Context, string) (*store.IndexRow, error) { return nil, f.err }
func (f failingIndex) Upsert(context.Context, string, *blob.Handle, *blob.Handle) error {
	return f.err
}

// failingPuts accepts reads but rejects every write.
type failingPuts struct {
	blob.Store
	err error
}

func (f failingPuts) Put(context.Context, []byte) (blob.Handle, error) { return "", f.err }

type chatFixture struct {
	svc     *ChatService
	index   *store.SQLiteStore
	blobs   *blob.MemoryStore
	llm     *fakeInference
	metrics *metrics.Collector
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newChatFixture(t *testing.T) *chatFixture {
	t.Helper()
	index, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = index.Close() })

	f := &chatFixture{
		index:   index,
		blobs:   blob.NewMemoryStore(0),
		llm:     &fakeInference{},
		metrics: metrics.New(prometheus.NewRegistry()),
	}
	f.svc = NewChatService(f.index, f.blobs, f.llm, ChatConfig{Location: time.UTC}, testLogger(), f.metrics)
	f.setDay("2024-06-01")
	return f
}

func (f *chatFixture) setDay(day string) {
	ts, err := time.ParseInLocation(session.DateLayout, day, time.UTC)
	if err != nil {
		panic(err)
	}
	ts = ts.Add(12 * time.Hour)
	f.svc.now = func() time.Time { return ts }
}

func (f *chatFixture) profile(t *testing.T) session.Profile {
	t.Helper()
	view, err := f.svc.GetProfile(context.Background(), testWallet)
	require.NoError(t, err)
	return view.Profile
}

func TestPostMessage_FirstExchange(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	reply, err := f.svc.PostMessage(ctx, testWallet, "How do I apply for a student visa?")
	require.NoError(t, err)
	assert.Equal(t, session.RoleAssistant, reply.Message.Role)
	assert.Equal(t, "reply to How do I apply for a student visa?", reply.Message.Content)
	assert.NotEmpty(t, reply.Message.ID)
	assert.True(t, reply.StreakUpdated)

	require.Equal(t, 1, f.llm.callCount())
	assert.Equal(t, AdvisorSystemPrompt, f.llm.calls[0].systemPrompt)
	assert.Empty(t, f.llm.calls[0].prior)

	row, err := f.index.Lookup(ctx, testWallet)
	require.NoError(t, err)
	require.NotNil(t, row)
	require.NotNil(t, row.HistoryHandle)
	require.NotNil(t, row.ProfileHandle)

	data, err := f.blobs.Get(ctx, *row.HistoryHandle)
	require.NoError(t, err)
	turns, err := session.DecodeHistory(data)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, session.RoleUser, turns[0].Role)
	assert.Equal(t, "How do I apply for a student visa?", turns[0].Content)
	assert.Equal(t, reply.Message, turns[1])
	assert.GreaterOrEqual(t, turns[1].Timestamp, turns[0].Timestamp)

	p := f.profile(t)
	assert.Equal(t, testWallet, p.WalletAddress)
	assert.Equal(t, 1, p.Streak)
	assert.Equal(t, "2024-06-01", p.LastActiveDate)
	assert.Equal(t, 1, p.TotalMessages)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ChatRequests.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.StreakUpdates))
}

func TestPostMessage_StreakAcrossDays(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	steps := []struct {
		day           string
		wantStreak    int
		wantUpdated   bool
		wantTotal     int
		wantTurnCount int
	}{
		{"2024-06-01", 1, true, 1, 2},
		{"2024-06-01", 1, false, 2, 4},
		{"2024-06-02", 2, true, 3, 6},
		{"2024-06-10", 1, true, 4, 8},
	}
	for _, step := range steps {
		f.setDay(step.day)
		reply, err := f.svc.PostMessage(ctx, testWallet, "hello on "+step.day)
		require.NoError(t, err, step.day)
		assert.Equal(t, step.wantUpdated, reply.StreakUpdated, step.day)

		p := f.profile(t)
		assert.Equal(t, step.wantStreak, p.Streak, step.day)
		assert.Equal(t, step.day, p.LastActiveDate, step.day)
		assert.Equal(t, step.wantTotal, p.TotalMessages, step.day)

		turns, err := f.svc.GetHistory(ctx, testWallet, MaxHistoryLimit)
		require.NoError(t, err)
		assert.Len(t, turns, step.wantTurnCount, step.day)
	}
}

func TestPostMessage_BoundsContextWindow(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		_, err := f.svc.PostMessage(ctx, testWallet, "message "+string(rune('a'+i)))
		require.NoError(t, err)
	}
	require.Equal(t, 7, f.llm.callCount())

	last := f.llm.calls[6]
	require.Len(t, last.prior, DefaultContextWindow)
	assert.Equal(t, "message b", last.prior[0].Content)
	assert.Equal(t, session.RoleUser, last.prior[0].Role)
	assert.Equal(t, "reply to message f", last.prior[9].Content)
	assert.Equal(t, "message g", last.message)

	turns, err := f.svc.GetHistory(ctx, testWallet, MaxHistoryLimit)
	require.NoError(t, err)
	assert.Len(t, turns, 14)
}

func TestPostMessage_CanonicalizesWallet(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	_, err := f.svc.PostMessage(ctx, testWalletMixed, "first")
	require.NoError(t, err)
	_, err = f.svc.PostMessage(ctx, testWallet, "second")
	require.NoError(t, err)

	row, err := f.index.Lookup(ctx, testWallet)
	require.NoError(t, err)
	require.NotNil(t, row)

	turns, err := f.svc.GetHistory(ctx, testWalletMixed, 0)
	require.NoError(t, err)
	assert.Len(t, turns, 4)
	assert.Equal(t, testWallet, f.profile(t).WalletAddress)
}

func TestPostMessage_InvalidInput(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		wallet  string
		message string
	}{
		{"bad wallet", "0x1234", "hello"},
		{"missing prefix", strings.Repeat("a", 40), "hello"},
		{"empty message", testWallet, ""},
		{"message too long", testWallet, strings.Repeat("x", DefaultMaxMessageLength+1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.PostMessage(ctx, tt.wallet, tt.message)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
	assert.Zero(t, f.llm.callCount())
	assert.Zero(t, f.blobs.Len())
}

func TestPostMessage_MaxLengthCountsCharacters(t *testing.T) {
	f := newChatFixture(t)
	_, err := f.svc.PostMessage(context.Background(), testWallet, strings.Repeat("é", DefaultMaxMessageLength))
	assert.NoError(t, err)
}

func TestPostMessage_InferenceFailureLeavesStateUntouched(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	_, err := f.svc.PostMessage(ctx, testWallet, "first")
	require.NoError(t, err)
	before, err := f.index.Lookup(ctx, testWallet)
	require.NoError(t, err)
	blobsBefore := f.blobs.Len()

	f.llm.err = errors.New("upstream 500")
	f.setDay("2024-06-02")
	_, err = f.svc.PostMessage(ctx, testWallet, "second")
	assert.ErrorIs(t, err, ErrInferenceUnavailable)

	after, err := f.index.Lookup(ctx, testWallet)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, blobsBefore, f.blobs.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ChatRequests.WithLabelValues("inference_unavailable")))
}

func TestPostMessage_IndexUnavailable(t *testing.T) {
	llm := &fakeInference{}
	svc := NewChatService(
		failingIndex{err: store.ErrIndexUnavailable},
		blob.NewMemoryStore(0), llm, ChatConfig{}, testLogger(), metrics.New(prometheus.NewRegistry()))

	_, err := svc.PostMessage(context.Background(), testWallet, "hello")
	assert.ErrorIs(t, err, store.ErrIndexUnavailable)
	assert.Zero(t, llm.callCount())
}

func TestPostMessage_PutFailureLeavesIndexUntouched(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()
	f.svc.blobs = failingPuts{Store: f.blobs, err: blob.ErrStoreUnavailable}

	_, err := f.svc.PostMessage(ctx, testWallet, "hello")
	assert.ErrorIs(t, err, blob.ErrStoreUnavailable)

	row, err := f.index.Lookup(ctx, testWallet)
	require.NoError(t, err)
	assert.Nil(t, row)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ChatRequests.WithLabelValues("store_unavailable")))
}

func TestPostMessage_CorruptHistoryStartsFresh(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	garbage, err := f.blobs.Put(ctx, []byte("{not json"))
	require.NoError(t, err)
	require.NoError(t, f.index.Upsert(ctx, testWallet, &garbage, nil))

	reply, err := f.svc.PostMessage(ctx, testWallet, "hello again")
	require.NoError(t, err)
	assert.True(t, reply.StreakUpdated)
	assert.Empty(t, f.llm.calls[0].prior)

	turns, err := f.svc.GetHistory(ctx, testWallet, 0)
	require.NoError(t, err)
	assert.Len(t, turns, 2)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Fallbacks.WithLabelValues("history", "corrupt")))
}

func TestPostMessage_UndecryptableHistoryCountsAsCorrupt(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()
	oldKey, err := blob.NewAESGCM([]byte("retired key"))
	require.NoError(t, err)
	newKey, err := blob.NewAESGCM([]byte("current key"))
	require.NoError(t, err)

	data, err := session.EncodeHistory([]session.Turn{{ID: "1", Role: session.RoleUser, Content: "hi", Timestamp: 1}})
	require.NoError(t, err)
	h, err := blob.NewSealedStore(f.blobs, oldKey).Put(ctx, data)
	require.NoError(t, err)
	require.NoError(t, f.index.Upsert(ctx, testWallet, &h, nil))

	f.svc.blobs = blob.NewSealedStore(f.blobs, newKey)
	_, err = f.svc.PostMessage(ctx, testWallet, "hello")
	require.NoError(t, err)
	assert.Empty(t, f.llm.calls[0].prior)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Fallbacks.WithLabelValues("history", "corrupt")))
	assert.Zero(t, testutil.ToFloat64(f.metrics.Fallbacks.WithLabelValues("history", "not_found")))
}

func TestPostMessage_MissingBlobsStartFresh(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	lostHistory := blob.ComputeHandle([]byte("lost history"))
	lostProfile := blob.ComputeHandle([]byte("lost profile"))
	require.NoError(t, f.index.Upsert(ctx, testWallet, &lostHistory, &lostProfile))

	_, err := f.svc.PostMessage(ctx, testWallet, "hello")
	require.NoError(t, err)

	p := f.profile(t)
	assert.Equal(t, 1, p.Streak)
	assert.Equal(t, 1, p.TotalMessages)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Fallbacks.WithLabelValues("history", "not_found")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Fallbacks.WithLabelValues("profile", "not_found")))
}

func TestPostMessage_ProfileOfAnotherWalletIsIgnored(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	other := "0xde709f2102306220921060314715629080e2fb77"
	data, err := session.EncodeProfile(session.Profile{WalletAddress: other, Streak: 9, LastActiveDate: "2024-05-31", TotalMessages: 40, CreatedAt: 1})
	require.NoError(t, err)
	h, err := f.blobs.Put(ctx, data)
	require.NoError(t, err)
	require.NoError(t, f.index.Upsert(ctx, testWallet, nil, &h))

	_, err = f.svc.PostMessage(ctx, testWallet, "hello")
	require.NoError(t, err)
	p := f.profile(t)
	assert.Equal(t, testWallet, p.WalletAddress)
	assert.Equal(t, 1, p.Streak)
}

// cancelAfterLookup ends the caller's context as soon as the index answers.
type cancelAfterLookup struct {
	IndexStore
	cancel context.CancelFunc
}

func (c cancelAfterLookup) Lookup(ctx context.Context, wallet string) (*store.IndexRow, error) {
	row, err := c.IndexStore.Lookup(ctx, wallet)
	c.cancel()
	return row, err
}

func TestPostMessage_CancelledBeforeInferenceKeepsHistory(t *testing.T) {
	f := newChatFixture(t)
	for i := 0; i < 3; i++ {
		_, err := f.svc.PostMessage(context.Background(), testWallet, "q"+string(rune('1'+i)))
		require.NoError(t, err)
	}
	before, err := f.index.Lookup(context.Background(), testWallet)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.svc.index = cancelAfterLookup{IndexStore: f.index, cancel: cancel}

	_, err = f.svc.PostMessage(ctx, testWallet, "lost")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 3, f.llm.callCount())

	after, err := f.index.Lookup(context.Background(), testWallet)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	f.svc.index = f.index
	turns, err := f.svc.GetHistory(context.Background(), testWallet, MaxHistoryLimit)
	require.NoError(t, err)
	assert.Len(t, turns, 6)
	assert.Zero(t, testutil.ToFloat64(f.metrics.Fallbacks.WithLabelValues("history", "unavailable")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ChatRequests.WithLabelValues("cancelled")))
}

func TestPostMessage_CompletesAfterCallerCancels(t *testing.T) {
	f := newChatFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	f.llm.during = func(context.Context) { cancel() }

	_, err := f.svc.PostMessage(ctx, testWallet, "hello")
	require.NoError(t, err)

	row, err := f.index.Lookup(context.Background(), testWallet)
	require.NoError(t, err)
	require.NotNil(t, row)
}

func TestGetProfile_DisplayAddressIsChecksummed(t *testing.T) {
	f := newChatFixture(t)
	view, err := f.svc.GetProfile(context.Background(), testWallet)
	require.NoError(t, err)
	assert.Equal(t, testWalletMixed, view.DisplayAddress)
	assert.Equal(t, testWallet, view.Profile.WalletAddress)
	assert.False(t, view.Streak.IsActiveToday)
}

func TestGetHistory(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	turns, err := f.svc.GetHistory(ctx, testWallet, 0)
	require.NoError(t, err)
	assert.NotNil(t, turns)
	assert.Empty(t, turns)

	for i := 0; i < 3; i++ {
		_, err := f.svc.PostMessage(ctx, testWallet, "q"+string(rune('1'+i)))
		require.NoError(t, err)
	}

	turns, err = f.svc.GetHistory(ctx, testWallet, 2)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "q3", turns[0].Content)
	assert.Equal(t, "reply to q3", turns[1].Content)

	for _, limit := range []int{-1, MaxHistoryLimit + 1} {
		_, err = f.svc.GetHistory(ctx, testWallet, limit)
		assert.ErrorIs(t, err, ErrInvalidInput, "limit %d", limit)
	}
	_, err = f.svc.GetHistory(ctx, "nope", 10)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestGetHistory_StoreUnavailableSurfaces(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()
	_, err := f.svc.PostMessage(ctx, testWallet, "hello")
	require.NoError(t, err)

	f.svc.blobs = unavailableGets{}
	_, err = f.svc.GetHistory(ctx, testWallet, 0)
	assert.ErrorIs(t, err, blob.ErrStoreUnavailable)
	_, err = f.svc.GetProfile(ctx, testWallet)
	assert.ErrorIs(t, err, blob.ErrStoreUnavailable)
}

type unavailableGets struct{}

func (unavailableGets) Put(context.Context, []byte) (blob.Handle, error) {
	return "", blob.ErrStoreUnavailable
}
func (unavailableGets) Get(context.Context, blob.Handle) ([]byte, error) {
	return nil, blob.ErrStoreUnavailable
}

func TestGetProfile_Default(t *testing.T) {
	f := newChatFixture(t)

	view, err := f.svc.GetProfile(context.Background(), testWalletMixed)
	require.NoError(t, err)
	assert.Equal(t, testWallet, view.Profile.WalletAddress)
	assert.Equal(t, 0, view.Profile.Streak)
	assert.Equal(t, "", view.Profile.LastActiveDate)
	assert.Equal(t, 0, view.Streak.Current)
	assert.False(t, view.Streak.IsActiveToday)

	row, err := f.index.Lookup(context.Background(), testWallet)
	require.NoError(t, err)
	assert.Nil(t, row, "reads never create an index row")
}

func TestGetProfile_ActiveToday(t *testing.T) {
	f := newChatFixture(t)
	_, err := f.svc.PostMessage(context.Background(), testWallet, "hello")
	require.NoError(t, err)

	view, err := f.svc.GetProfile(context.Background(), testWallet)
	require.NoError(t, err)
	assert.True(t, view.Streak.IsActiveToday)
	assert.Equal(t, 1, view.Streak.Current)

	f.setDay("2024-06-02")
	view, err = f.svc.GetProfile(context.Background(), testWallet)
	require.NoError(t, err)
	assert.False(t, view.Streak.IsActiveToday)
}

func TestPatchProfile_KeepsHistoryHandle(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	_, err := f.svc.PostMessage(ctx, testWallet, "hello")
	require.NoError(t, err)
	before, err := f.index.Lookup(ctx, testWallet)
	require.NoError(t, err)

	p, err := f.svc.PatchProfile(ctx, testWallet)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Streak)

	after, err := f.index.Lookup(ctx, testWallet)
	require.NoError(t, err)
	assert.Equal(t, *before.HistoryHandle, *after.HistoryHandle)
	require.NotNil(t, after.ProfileHandle)
}

func TestPatchProfile_NewWallet(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	p, err := f.svc.PatchProfile(ctx, testWallet)
	require.NoError(t, err)
	assert.Equal(t, 0, p.Streak)

	row, err := f.index.Lookup(ctx, testWallet)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Nil(t, row.HistoryHandle)
	require.NotNil(t, row.ProfileHandle)

	_, err = f.svc.PatchProfile(ctx, "0xnothex")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestLastTurns(t *testing.T) {
	turns := []session.Turn{{ID: "1"}, {ID: "2"}, {ID: "3"}}
	assert.Len(t, lastTurns(turns, 10), 3)
	assert.Equal(t, []session.Turn{{ID: "2"}, {ID: "3"}}, lastTurns(turns, 2))
	assert.Empty(t, lastTurns(nil, 2))
}
