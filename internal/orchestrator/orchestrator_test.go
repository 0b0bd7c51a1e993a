package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/mira/internal/domain"
	"github.com/ashureev/mira/internal/llm"
	"github.com/ashureev/mira/internal/metrics"
	"github.com/ashureev/mira/internal/presence"
	"github.com/ashureev/mira/internal/turnstate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	testingclock "k8s.io/utils/clock/testing"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var epoch = time.Date(2025, 3, 1, 20, 0, 0, 0, time.UTC)

type memMessages struct {
	mu   sync.Mutex
	seq  int
	msgs []*domain.Message
}

func (m *memMessages) CreateMessage(_ context.Context, msg *domain.Message) (*domain.Message, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.ClientMessageID != "" {
		for _, existing := range m.msgs {
			if existing.SessionID == msg.SessionID && existing.ClientMessageID == msg.ClientMessageID {
				return existing, true, nil
			}
		}
	}
	m.seq++
	stored := *msg
	stored.ID = fmt.Sprintf("m%03d", m.seq)
	m.msgs = append(m.msgs, &stored)
	return &stored, false, nil
}

func (m *memMessages) RecentMessages(_ context.Context, sessionID string, limit int) ([]*domain.Message, error) {
	all := m.bySession(sessionID)
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

func (m *memMessages) MessagesSince(_ context.Context, sessionID string, since time.Time, sender domain.Sender) ([]*domain.Message, error) {
	var out []*domain.Message
	for _, msg := range m.bySession(sessionID) {
		if msg.Sender == sender && !msg.Timestamp.Before(since) {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m *memMessages) bySession(sessionID string) []*domain.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Message
	for _, msg := range m.msgs {
		if msg.SessionID == sessionID {
			out = append(out, msg)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

func (m *memMessages) from(sessionID string, sender domain.Sender) []*domain.Message {
	var out []*domain.Message
	for _, msg := range m.bySession(sessionID) {
		if msg.Sender == sender {
			out = append(out, msg)
		}
	}
	return out
}

type fakeGenerator struct {
	mu    sync.Mutex
	reqs  []llm.Request
	reply string
	err   error
	gate  chan struct{}
}

func (g *fakeGenerator) GenerateReply(ctx context.Context, req llm.Request) (string, error) {
	g.mu.Lock()
	g.reqs = append(g.reqs, req)
	gate, reply, err := g.gate, g.reply, g.err
	g.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return reply, err
}

func (g *fakeGenerator) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.reqs)
}

func (g *fakeGenerator) request(i int) llm.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reqs[i]
}

type recordingDeliverer struct {
	mu     sync.Mutex
	events []presence.Event
}

func (d *recordingDeliverer) Deliver(_ context.Context, _ string, ev presence.Event) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, ev)
	return 1
}

func (d *recordingDeliverer) chatMessages() []*domain.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*domain.Message
	for _, ev := range d.events {
		if ev.Type == presence.EventChatMessage {
			out = append(out, ev.Data.(*domain.Message))
		}
	}
	return out
}

type harness struct {
	o     *Orchestrator
	clk   *testingclock.FakeClock
	flags *turnstate.Flags
	msgs  *memMessages
	gen   *fakeGenerator
	sink  *recordingDeliverer

	metrics *metrics.Metrics
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	return newHarnessWith(t, nil, mutate)
}

// newHarnessWith builds a harness whose turn state store is passed through
// wrap first.
func newHarnessWith(t *testing.T, wrap func(turnstate.Store) turnstate.Store, mutate func(*Config)) *harness {
	t.Helper()
	clk := testingclock.NewFakeClock(epoch)
	var kv turnstate.Store = turnstate.NewMemoryStore(clk)
	if wrap != nil {
		kv = wrap(kv)
	}
	flags := turnstate.NewFlags(kv, clk, turnstate.TTLs{
		Debounce: 6 * time.Second,
		Lock:     15 * time.Second,
		Await:    600 * time.Second,
		Activity: time.Hour,
	})
	h := &harness{
		clk:   clk,
		flags: flags,
		msgs:  &memMessages{},
		gen:   &fakeGenerator{reply: "好呀。我们明天见！"},
		sink:  &recordingDeliverer{},

		metrics: metrics.New(nil),
	}

	cfg := DefaultConfig()
	cfg.PauseBase, cfg.PauseRunesPerSec, cfg.PauseCap = 0, 0, 0
	cfg.LockRenewEvery = 0
	if mutate != nil {
		mutate(&cfg)
	}
	o, err := New(cfg, Deps{
		Messages:  h.msgs,
		Flags:     flags,
		Deliverer: h.sink,
		Generator: h.gen,
		Clock:     clk,
		Metrics:   h.metrics,
	})
	require.NoError(t, err)
	t.Cleanup(o.Close)
	h.o = o
	return h
}

func turnCount(t *testing.T, m *metrics.Metrics, trigger, outcome string) float64 {
	t.Helper()
	return counterValue(t, m, "mira_turns_total", map[string]string{"trigger": trigger, "outcome": outcome})
}

func transitionCount(t *testing.T, m *metrics.Metrics, from, event, to string) float64 {
	t.Helper()
	return counterValue(t, m, "mira_turn_transitions_total", map[string]string{"from": from, "event": event, "to": to})
}

func counterValue(t *testing.T, m *metrics.Metrics, name string, want map[string]string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, metric := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if labels[k] != v {
					continue next
				}
			}
			return metric.GetCounter().GetValue()
		}
	}
	return 0
}

// advanceUntil steps the fake clock one quantum at a time whenever a waiter
// is blocked on it, until cond holds.
func (h *harness) advanceUntil(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		if cond() {
			return true
		}
		if h.clk.HasWaiters() {
			h.clk.Step(DefaultConfig().DebounceQuantum)
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)
}

func (h *harness) submit(t *testing.T, content string) Accepted {
	t.Helper()
	acc, err := h.o.SubmitUserMessage(context.Background(), SubmitRequest{SessionID: "s1", Content: content})
	require.NoError(t, err)
	return acc
}

func TestSubmit_BurstProducesOneTurn(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	first := h.submit(t, "hi")
	assert.True(t, first.WindowOpened)
	require.Eventually(t, h.clk.HasWaiters, time.Second, time.Millisecond)

	h.clk.Step(500 * time.Millisecond)
	assert.False(t, h.submit(t, "there").WindowOpened)
	h.clk.Step(500 * time.Millisecond)
	assert.False(t, h.submit(t, "!").WindowOpened)

	h.advanceUntil(t, func() bool { return turnCount(t, h.metrics, "user", "delivered") == 1 })

	require.Equal(t, 1, h.gen.calls())
	req := h.gen.request(0)
	assert.Equal(t, "hi\nthere\n!", req.Payload)
	assert.Equal(t, domain.TriggerUser, req.Kind)
	assert.Empty(t, req.History, "the burst itself is not history")

	replies := h.msgs.from("s1", domain.SenderAI)
	require.Len(t, replies, 2)
	assert.Equal(t, "好呀。", replies[0].Content)
	assert.Equal(t, "我们明天见！", replies[1].Content)
	assert.False(t, replies[0].Proactive)
}

func TestSubmit_CeilingBoundsWindow(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	h.submit(t, "a")
	for i := 0; i < 10; i++ {
		require.Eventually(t, func() bool { return h.clk.HasWaiters() || h.gen.calls() > 0 }, time.Second, time.Millisecond)
		if h.gen.calls() > 0 {
			break
		}
		require.NoError(t, h.o.NoteTyping(context.Background(), "s1"))
		h.clk.Step(time.Second)
	}

	require.Eventually(t, func() bool { return h.gen.calls() == 1 }, time.Second, time.Millisecond)
	assert.LessOrEqual(t, h.clk.Since(epoch), 6*time.Second)
}

func TestSubmit_DuplicateClientID(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()

	req := SubmitRequest{SessionID: "s1", Content: "hello", ClientMessageID: "c-1"}
	first, err := h.o.SubmitUserMessage(ctx, req)
	require.NoError(t, err)
	require.True(t, first.WindowOpened)

	h.advanceUntil(t, func() bool { return turnCount(t, h.metrics, "user", "delivered") == 1 })

	second, err := h.o.SubmitUserMessage(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.False(t, second.WindowOpened)
	assert.Equal(t, first.Message.ID, second.Message.ID)

	snap, err := h.o.State(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, snap.Awaiting, "a duplicate does not clear await")
	assert.False(t, snap.Debouncing)
	assert.Len(t, h.msgs.from("s1", domain.SenderUser), 1)
	assert.Equal(t, 1, h.gen.calls())
}

func TestSubmit_Validation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.o.SubmitUserMessage(ctx, SubmitRequest{SessionID: "s1", Content: "   "})
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = h.o.SubmitUserMessage(ctx, SubmitRequest{SessionID: "s1", Content: "x", ContentType: "video"})
	assert.ErrorIs(t, err, ErrInvalidContentType)
}

func TestAwaitSetAndCleared(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()

	outcome, err := h.o.TryGenerate(ctx, "s1", Trigger{Kind: domain.TriggerProactive, Category: domain.CategoryGreeting})
	require.NoError(t, err)
	require.Equal(t, OutcomeDelivered, outcome)

	state, err := h.flags.State(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, turnstate.AwaitingUser, state)

	h.submit(t, "嗯")
	snap, err := h.o.State(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, snap.Awaiting)
	assert.Equal(t, turnstate.Debouncing, snap.State())
}

func TestTryGenerate_SingleWinner(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.gen.gate = make(chan struct{})
	ctx := context.Background()

	const n = 16
	outcomes := make(chan Outcome, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := h.o.TryGenerate(ctx, "s1", Trigger{Kind: domain.TriggerProactive, Category: domain.CategoryShare})
			assert.NoError(t, err)
			outcomes <- out
		}()
	}

	require.Eventually(t, func() bool { return h.gen.calls() == 1 }, time.Second, time.Millisecond)
	var skipped int
	for skipped < n-1 {
		out := <-outcomes
		require.Equal(t, OutcomeSkippedBusy, out)
		skipped++
	}
	close(h.gen.gate)
	wg.Wait()
	close(outcomes)

	assert.Equal(t, OutcomeDelivered, <-outcomes)
	assert.Equal(t, 1, h.gen.calls())
}

func TestTryGenerate_DebouncedLosesToProactive(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(c *Config) { c.BusyRetries = 0 })
	h.gen.gate = make(chan struct{})
	ctx := context.Background()

	proactiveDone := make(chan Outcome, 1)
	go func() {
		out, err := h.o.TryGenerate(ctx, "s1", Trigger{Kind: domain.TriggerProactive, Category: domain.CategoryCare})
		assert.NoError(t, err)
		proactiveDone <- out
	}()
	require.Eventually(t, func() bool { return h.gen.calls() == 1 }, time.Second, time.Millisecond)

	h.submit(t, "在吗")
	require.Eventually(t, h.clk.HasWaiters, time.Second, time.Millisecond)
	h.clk.Step(DefaultConfig().DebounceQuantum)

	// The waiter finds the lock held and drops the turn.
	require.Eventually(t, func() bool {
		return turnCount(t, h.metrics, "user", "skipped_busy") == 1
	}, time.Second, time.Millisecond)

	close(h.gen.gate)
	assert.Equal(t, OutcomeDelivered, <-proactiveDone)

	for _, msg := range h.msgs.from("s1", domain.SenderAI) {
		assert.True(t, msg.Proactive, "only the winner writes replies")
	}
	assert.Equal(t, 1, h.gen.calls())
}

func TestTryGenerate_BusyRetryRearms(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(c *Config) { c.BusyRetries = 3 })
	ctx := context.Background()

	token, ok, err := h.flags.AcquireLock(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)

	h.submit(t, "hello?")
	h.advanceUntil(t, func() bool {
		return h.clk.Since(epoch) >= 2*DefaultConfig().DebounceQuantum && h.clk.HasWaiters()
	})
	assert.Equal(t, 0, h.gen.calls())

	released, err := h.flags.ReleaseLock(ctx, "s1", token)
	require.NoError(t, err)
	require.True(t, released)

	h.advanceUntil(t, func() bool { return len(h.sink.chatMessages()) > 0 })
	assert.Equal(t, "hello?", h.gen.request(0).Payload)
}

func TestTryGenerate_UserFailureSendsOneFallback(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.gen.err = errors.New("upstream 503")
	ctx := context.Background()

	outcome, err := h.o.TryGenerate(ctx, "s1", Trigger{Kind: domain.TriggerUser, Payload: "hi"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDelivered, outcome)

	replies := h.msgs.from("s1", domain.SenderAI)
	require.Len(t, replies, 1)
	assert.Equal(t, DefaultConfig().Fallback, replies[0].Content)

	_, ok, err := h.flags.AcquireLock(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, ok, "lock released after failure")
}

func TestTryGenerate_ProactiveFailureIsSilent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.gen.err = errors.New("timeout")
	ctx := context.Background()

	outcome, err := h.o.TryGenerate(ctx, "s1", Trigger{Kind: domain.TriggerProactive, Category: domain.CategoryGreeting})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkippedFailed, outcome)
	assert.Empty(t, h.msgs.from("s1", domain.SenderAI))
	assert.Empty(t, h.sink.chatMessages())

	snap, err := h.o.State(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, snap.Awaiting)
	assert.False(t, snap.Generating)
}

type staticImages struct{ url string }

func (s staticImages) ResolveImageForIntent(context.Context, string) (string, bool, error) {
	return s.url, s.url != "", nil
}

func TestTryGenerate_ImageAfterText(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.o.images = staticImages{url: "https://img.example/sunset.jpg"}
	h.gen.reply = "你看！[IMG: 海边的日落] 好美呀"
	ctx := context.Background()

	_, err := h.o.TryGenerate(ctx, "s1", Trigger{Kind: domain.TriggerProactive, Category: domain.CategoryPhoto})
	require.NoError(t, err)

	delivered := h.sink.chatMessages()
	require.GreaterOrEqual(t, len(delivered), 2)
	last := delivered[len(delivered)-1]
	assert.Equal(t, domain.ContentImage, last.ContentType)
	assert.Equal(t, "https://img.example/sunset.jpg", last.Content)
	for _, m := range delivered[:len(delivered)-1] {
		assert.Equal(t, domain.ContentText, m.ContentType)
		assert.NotContains(t, m.Content, "IMG")
	}
}

func TestTryGenerate_PacesChunks(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(c *Config) {
		c.PauseBase = 400 * time.Millisecond
		c.PauseRunesPerSec = 10
		c.PauseCap = 2 * time.Second
	})
	h.gen.reply = "第一句。第二句。"

	var delivered atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := h.o.TryGenerate(context.Background(), "s1", Trigger{Kind: domain.TriggerUser, Payload: "hi"})
		assert.NoError(t, err)
		delivered.Store(int32(len(h.sink.chatMessages())))
	}()

	require.Eventually(t, func() bool { return len(h.sink.chatMessages()) == 1 && h.clk.HasWaiters() }, time.Second, time.Millisecond)
	h.clk.Step(300 * time.Millisecond)
	assert.Len(t, h.sink.chatMessages(), 1, "second chunk waits for its pause")
	h.clk.Step(time.Second)
	<-done
	assert.EqualValues(t, 2, delivered.Load())
}

func TestTypingEventsBracketReply(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	_, err := h.o.TryGenerate(context.Background(), "s1", Trigger{Kind: domain.TriggerUser, Payload: "hi"})
	require.NoError(t, err)

	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	require.GreaterOrEqual(t, len(h.sink.events), 3)
	first, last := h.sink.events[0], h.sink.events[len(h.sink.events)-1]
	assert.Equal(t, presence.EventTypingStatus, first.Type)
	assert.True(t, first.Data.(TypingStatus).IsTyping)
	assert.Equal(t, presence.EventTypingStatus, last.Type)
	assert.False(t, last.Data.(TypingStatus).IsTyping)
}

func TestNew_RejectsBadTiming(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.DebounceCeiling = time.Second
	_, err := New(cfg, Deps{
		Messages:  &memMessages{},
		Flags:     turnstate.NewFlags(turnstate.NewMemoryStore(testingclock.NewFakeClock(epoch)), nil, turnstate.TTLs{}),
		Deliverer: &recordingDeliverer{},
		Generator: &fakeGenerator{},
	})
	assert.Error(t, err)
}

func TestTryGenerate_RenewsLockPastTTL(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(c *Config) { c.LockRenewEvery = 5 * time.Second })
	h.gen.gate = make(chan struct{})
	ctx := context.Background()

	userDone := make(chan Outcome, 1)
	go func() {
		out, err := h.o.TryGenerate(ctx, "s1", Trigger{Kind: domain.TriggerUser, Payload: "在忙吗"})
		assert.NoError(t, err)
		userDone <- out
	}()
	require.Eventually(t, func() bool { return h.gen.calls() == 1 }, time.Second, time.Millisecond)

	// Four renewals carry a 15s lock to 20s.
	for i := 0; i < 4; i++ {
		require.Eventually(t, h.clk.HasWaiters, time.Second, time.Millisecond)
		h.clk.Step(5 * time.Second)
	}
	require.Eventually(t, h.clk.HasWaiters, time.Second, time.Millisecond)

	out, err := h.o.TryGenerate(ctx, "s1", Trigger{Kind: domain.TriggerProactive, Category: domain.CategoryShare})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkippedBusy, out)
	assert.Equal(t, 1, h.gen.calls(), "one generator call in flight")

	close(h.gen.gate)
	assert.Equal(t, OutcomeDelivered, <-userDone)
	for _, m := range h.msgs.from("s1", domain.SenderAI) {
		assert.False(t, m.Proactive, "only the lock holder writes replies")
	}
}

func TestTryGenerate_LockLostAbandonsTurn(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(c *Config) { c.LockRenewEvery = 5 * time.Second })
	h.gen.gate = make(chan struct{})

	errs := make(chan error, 1)
	go func() {
		_, err := h.o.TryGenerate(context.Background(), "s1", Trigger{Kind: domain.TriggerUser, Payload: "hi"})
		errs <- err
	}()
	require.Eventually(t, func() bool { return h.gen.calls() == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, h.clk.HasWaiters, time.Second, time.Millisecond)

	// The renewal tick lands after the lock already expired.
	h.clk.Step(16 * time.Second)

	require.ErrorIs(t, <-errs, ErrLockLost)
	assert.Empty(t, h.msgs.from("s1", domain.SenderAI), "no fallback once the lock is gone")
	assert.Equal(t, 1.0, turnCount(t, h.metrics, "user", "skipped_failed"))
}

func TestNew_RejectsRenewalSlowerThanLock(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.LockRenewEvery = 10 * time.Second
	_, err := New(cfg, Deps{
		Messages:  &memMessages{},
		Flags:     turnstate.NewFlags(turnstate.NewMemoryStore(nil), nil, turnstate.TTLs{Lock: 15 * time.Second}),
		Deliverer: &recordingDeliverer{},
		Generator: &fakeGenerator{},
	})
	assert.Error(t, err)
}

// hookedStore runs callbacks around the first delete of one key.
type hookedStore struct {
	turnstate.Store
	key    string
	once   sync.Once
	before func()
	after  func()
}

func (s *hookedStore) Delete(ctx context.Context, key string) error {
	if key != s.key {
		return s.Store.Delete(ctx, key)
	}
	first := false
	s.once.Do(func() { first = true })
	if first && s.before != nil {
		s.before()
	}
	err := s.Store.Delete(ctx, key)
	if first && s.after != nil {
		s.after()
	}
	return err
}

func TestSubmit_MessageWhileWindowClosesJoinsBurst(t *testing.T) {
	t.Parallel()
	hook := &hookedStore{key: "debounce:s1"}
	h := newHarnessWith(t, func(s turnstate.Store) turnstate.Store {
		hook.Store = s
		return hook
	}, nil)

	late := make(chan Accepted, 1)
	hook.before = func() {
		h.clk.Step(time.Millisecond)
		acc, err := h.o.SubmitUserMessage(context.Background(), SubmitRequest{SessionID: "s1", Content: "还在吗"})
		assert.NoError(t, err)
		late <- acc
	}

	h.submit(t, "hi")
	h.advanceUntil(t, func() bool { return turnCount(t, h.metrics, "user", "delivered") == 1 })

	acc := <-late
	assert.False(t, acc.WindowOpened, "the window was still open")
	require.Equal(t, 1, h.gen.calls())
	assert.Equal(t, "hi\n还在吗", h.gen.request(0).Payload)
}

func TestSubmit_MessageAfterWindowClosesAnsweredOnce(t *testing.T) {
	t.Parallel()
	hook := &hookedStore{key: "debounce:s1"}
	h := newHarnessWith(t, func(s turnstate.Store) turnstate.Store {
		hook.Store = s
		return hook
	}, nil)

	late := make(chan Accepted, 1)
	hook.after = func() {
		acc, err := h.o.SubmitUserMessage(context.Background(), SubmitRequest{SessionID: "s1", Content: "等等"})
		assert.NoError(t, err)
		late <- acc
	}

	h.submit(t, "hi")
	var acc Accepted
	h.advanceUntil(t, func() bool {
		select {
		case acc = <-late:
			return true
		default:
			return false
		}
	})
	assert.True(t, acc.WindowOpened)
	// The first waiter claims both messages without waiting on the clock.
	require.Eventually(t, func() bool { return turnCount(t, h.metrics, "user", "delivered") == 1 }, time.Second, time.Millisecond)

	// The late message's own window closes without a second turn.
	h.advanceUntil(t, func() bool {
		snap, err := h.o.State(context.Background(), "s1")
		return err == nil && !snap.Debouncing
	})
	h.o.Close()

	require.Equal(t, 1, h.gen.calls())
	assert.Equal(t, "hi\n等等", h.gen.request(0).Payload)
}

func TestWaiter_ReopensWindowForUnscheduledMessage(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.gen.gate = make(chan struct{})

	h.submit(t, "hi")
	h.advanceUntil(t, func() bool { return h.gen.calls() == 1 })

	// Stored while the turn runs, but never given a window of its own.
	_, _, err := h.msgs.CreateMessage(context.Background(), &domain.Message{
		SessionID: "s1", Sender: domain.SenderUser, Content: "你刚才说什么", ContentType: domain.ContentText, Timestamp: h.clk.Now(),
	})
	require.NoError(t, err)
	close(h.gen.gate)

	h.advanceUntil(t, func() bool { return turnCount(t, h.metrics, "user", "delivered") == 2 })
	assert.Equal(t, "hi", h.gen.request(0).Payload)
	assert.Equal(t, "你刚才说什么", h.gen.request(1).Payload)
}

// flakyStore fails the next n writes to keys with prefix.
type flakyStore struct {
	turnstate.Store
	prefix string
	n      atomic.Int32
}

func (s *flakyStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if strings.HasPrefix(key, s.prefix) && s.n.Add(-1) >= 0 {
		return fmt.Errorf("%w: injected", turnstate.ErrUnavailable)
	}
	return s.Store.Set(ctx, key, value, ttl)
}

func TestSubmit_RetryReschedulesUnansweredMessage(t *testing.T) {
	t.Parallel()
	flaky := &flakyStore{prefix: "last_user:"}
	flaky.n.Store(1)
	h := newHarnessWith(t, func(s turnstate.Store) turnstate.Store {
		flaky.Store = s
		return flaky
	}, nil)
	ctx := context.Background()
	req := SubmitRequest{SessionID: "s1", Content: "晚安", ClientMessageID: "c-9"}

	first, err := h.o.SubmitUserMessage(ctx, req)
	require.Error(t, err)
	assert.True(t, StoreUnavailable(err))
	require.NotNil(t, first.Message, "stored before the flag write failed")
	assert.False(t, first.WindowOpened)

	retry, err := h.o.SubmitUserMessage(ctx, req)
	require.NoError(t, err)
	assert.True(t, retry.Duplicate)
	assert.True(t, retry.WindowOpened)
	assert.Equal(t, first.Message.ID, retry.Message.ID)

	h.advanceUntil(t, func() bool { return turnCount(t, h.metrics, "user", "delivered") == 1 })
	assert.Equal(t, "晚安", h.gen.request(0).Payload)
	assert.Len(t, h.msgs.from("s1", domain.SenderUser), 1)
}

func TestSubmit_DuplicateInsideOpenWindow(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	req := SubmitRequest{SessionID: "s1", Content: "在吗", ClientMessageID: "c-2"}

	_, err := h.o.SubmitUserMessage(ctx, req)
	require.NoError(t, err)
	again, err := h.o.SubmitUserMessage(ctx, req)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.False(t, again.WindowOpened)

	h.advanceUntil(t, func() bool { return turnCount(t, h.metrics, "user", "delivered") == 1 })
	h.o.Close()
	assert.Equal(t, 1, h.gen.calls())
	assert.Equal(t, "在吗", h.gen.request(0).Payload)
}

func TestTryGenerate_StartsFromStoredState(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()

	// A user mid-burst holds the floor against system turns.
	h.submit(t, "我在打字")
	out, err := h.o.TryGenerate(ctx, "s1", Trigger{Kind: domain.TriggerProactive, Category: domain.CategoryGreeting})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkippedBusy, out)
	assert.Equal(t, 0, h.gen.calls())

	h.advanceUntil(t, func() bool { return turnCount(t, h.metrics, "user", "delivered") == 1 })
	assert.Equal(t, 1.0, transitionCount(t, h.metrics, "idle", "lock_acquired", "generating"))
	assert.Equal(t, 1.0, transitionCount(t, h.metrics, "generating", "turn_delivered", "awaiting_user"))

	out, err = h.o.TryGenerate(ctx, "s1", Trigger{Kind: domain.TriggerProactive, Category: domain.CategoryCare})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDelivered, out)
	assert.Equal(t, 1.0, transitionCount(t, h.metrics, "awaiting_user", "lock_acquired", "generating"))
}

type fakeMemories struct {
	memories []*domain.Memory
	err      error
	limit    int
}

func (f *fakeMemories) SessionMemories(_ context.Context, _ string, limit int) ([]*domain.Memory, error) {
	f.limit = limit
	return f.memories, f.err
}

func TestTryGenerate_PassesMemories(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	src := &fakeMemories{memories: []*domain.Memory{
		{Kind: domain.MemoryRelationship, Key: "pet_name", Value: "小白", Importance: 0.8},
	}}
	h.o.memories = src
	ctx := context.Background()

	_, err := h.o.TryGenerate(ctx, "s1", Trigger{Kind: domain.TriggerUser, Payload: "它今天又拆家了"})
	require.NoError(t, err)

	req := h.gen.request(0)
	assert.Equal(t, src.memories, req.Memories)
	assert.Equal(t, DefaultConfig().MemoryLimit, src.limit)
	assert.Contains(t, llm.BuildMessages(req)[0].Content, "- pet_name: 小白")

	src.err = errors.New("disk I/O error")
	out, err := h.o.TryGenerate(ctx, "s1", Trigger{Kind: domain.TriggerProactive, Category: domain.CategoryShare})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDelivered, out, "memories are optional context")
	assert.Nil(t, h.gen.request(1).Memories)
}

func TestTryGenerate_BusyDebouncedTurnDroppedByDefault(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()

	token, ok, err := h.flags.AcquireLock(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)

	h.submit(t, "有人吗")
	h.advanceUntil(t, func() bool { return turnCount(t, h.metrics, "user", "skipped_busy") == 1 })
	h.o.Close()

	released, err := h.flags.ReleaseLock(ctx, "s1", token)
	require.NoError(t, err)
	require.True(t, released)

	assert.Equal(t, 0, h.gen.calls(), "a busy turn is not queued")
	assert.Equal(t, 1.0, turnCount(t, h.metrics, "user", "skipped_busy"))
	assert.Empty(t, h.msgs.from("s1", domain.SenderAI))
}

func TestSchedule_AfterCloseStartsNoWaiter(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	h.o.Close()

	opened, err := h.o.schedule(ctx, "s1", h.clk.Now())
	require.ErrorIs(t, err, ErrClosed)
	assert.False(t, opened)

	snap, err := h.o.State(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, snap.Debouncing, "the window is not left open")
	assert.False(t, h.clk.HasWaiters())
}

func TestClose_WhileSubmitting(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()

	const sessions = 32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func(sid string) {
			defer wg.Done()
			<-start
			_, err := h.o.SubmitUserMessage(ctx, SubmitRequest{SessionID: sid, Content: "晚上好"})
			if err != nil {
				assert.ErrorIs(t, err, ErrClosed)
			}
		}(fmt.Sprintf("s%d", i))
	}
	close(start)
	h.o.Close()
	wg.Wait()

	for i := 0; i < sessions; i++ {
		snap, err := h.o.State(ctx, fmt.Sprintf("s%d", i))
		require.NoError(t, err)
		assert.False(t, snap.Debouncing, "session s%d kept an open window", i)
	}
	assert.Equal(t, 0, h.gen.calls())
}
