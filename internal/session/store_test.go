package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/user/continuity/internal/detect"
	"github.com/user/continuity/internal/recovery"
	"github.com/user/continuity/internal/tiertest"
	"github.com/user/continuity/internal/types"
)

type tiers struct {
	cache    *tiertest.Cache
	durable  *tiertest.Durable
	queue    *tiertest.Queue
	fallback *tiertest.Fallback
}

func newTestStore(t *testing.T) (*Store, *tiers) {
	t.Helper()
	tr := &tiers{
		cache:    tiertest.NewCache(),
		durable:  tiertest.NewDurable(),
		queue:    tiertest.NewQueue(),
		fallback: tiertest.NewFallback(),
	}
	return newStoreOn(t, tr, "instance-test"), tr
}

// newStoreOn opens another Store over existing tiers, as a second process
// sharing the same Redis and database would.
func newStoreOn(t *testing.T, tr *tiers, instance types.InstanceID) *Store {
	t.Helper()
	store, err := New(Options{
		Cache:      tr.cache,
		Durable:    tr.durable,
		Queue:      tr.queue,
		Fallback:   tr.fallback,
		InstanceID: instance,
		Retry:      &recovery.RetryPolicy{MaxAttempts: 1, InitialDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func contents(msgs []types.Message) string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return fmt.Sprint(out)
}

func userMsg(content string) types.Message {
	return types.Message{Role: types.RoleUser, Content: content}
}

func waitIdle(t *testing.T, s *Store) {
	t.Helper()
	if !s.WaitIdle(2 * time.Second) {
		t.Fatal("durable writes did not settle")
	}
}

func TestNewRequiresTiers(t *testing.T) {
	if _, err := New(Options{Cache: tiertest.NewCache()}); err == nil {
		t.Fatal("expected error for missing tiers")
	}
}

func TestLoadBootstrapsNewSession(t *testing.T) {
	store, tr := newTestStore(t)
	ctx := context.Background()

	s, err := store.Load(ctx, "brand-new-id", WithUserID("user-1"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(s.Messages) != 0 || len(s.ProtectionPatterns) != 0 || len(s.BreakthroughMoments) != 0 {
		t.Errorf("expected empty collections, got %+v", s)
	}
	if s.EvolutionLevel != 1.0 || s.TrustScore != 0.1 {
		t.Errorf("defaults = %v/%v, want 1.0/0.1", s.EvolutionLevel, s.TrustScore)
	}
	if s.UserID != "user-1" || s.InstanceID != "instance-test" {
		t.Errorf("owner = %q/%q", s.UserID, s.InstanceID)
	}

	if _, ok := tr.durable.Stored("brand-new-id"); !ok {
		t.Error("bootstrap should persist to the durable tier")
	}
	if _, err := tr.cache.Get(ctx, "brand-new-id"); err != nil {
		t.Errorf("bootstrap should populate the cache: %v", err)
	}
}

func TestLoadFallsThroughCacheOutage(t *testing.T) {
	store, tr := newTestStore(t)
	ctx := context.Background()

	x := types.NewSessionData("x", "user-x", "other", time.Now().UTC())
	x.TrustScore = 0.7
	tr.durable.Seed(x)
	tr.cache.SetReadFailing(true)

	got, err := store.Load(ctx, "x")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.TrustScore != 0.7 {
		t.Errorf("TrustScore = %v, want 0.7", got.TrustScore)
	}

	tr.cache.SetReadFailing(false)
	readsBefore := tr.durable.Gets
	got, err = store.Load(ctx, "x")
	if err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if got.TrustScore != 0.7 {
		t.Errorf("cached TrustScore = %v, want 0.7", got.TrustScore)
	}
	if tr.durable.Gets != readsBefore {
		t.Errorf("second load touched the durable tier (%d reads, want %d)", tr.durable.Gets, readsBefore)
	}
}

func TestLoadDoesNotBootstrapDuringOutage(t *testing.T) {
	store, tr := newTestStore(t)
	tr.cache.SetFailing(true)
	tr.durable.SetFailing(true)

	_, err := store.Load(context.Background(), "lost")
	if !errors.Is(err, types.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if len(tr.queue.Items()) != 0 {
		t.Error("no fresh session should be queued during an outage")
	}
}

func TestLoadServesFallbackDuringOutage(t *testing.T) {
	store, tr := newTestStore(t)
	local := types.NewSessionData("offline", "u", "i", time.Now().UTC())
	local.Messages = []types.Message{{Role: types.RoleUser, Content: "still here"}}
	if err := tr.fallback.Put("offline", local); err != nil {
		t.Fatal(err)
	}
	tr.cache.SetFailing(true)
	tr.durable.SetFailing(true)

	got, err := store.Load(context.Background(), "offline")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got.Messages) != 1 || got.Messages[0].Content != "still here" {
		t.Errorf("unexpected messages: %+v", got.Messages)
	}
}

func TestLoadRestoresFallbackOverBootstrap(t *testing.T) {
	store, tr := newTestStore(t)
	local := types.NewSessionData("restored", "u", "i", time.Now().UTC())
	local.TrustScore = 0.5
	if err := tr.fallback.Put("restored", local); err != nil {
		t.Fatal(err)
	}

	got, err := store.Load(context.Background(), "restored")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.TrustScore != 0.5 {
		t.Errorf("TrustScore = %v, want fallback value 0.5", got.TrustScore)
	}
	waitIdle(t, store)
	if stored, ok := tr.durable.Stored("restored"); !ok || stored.TrustScore != 0.5 {
		t.Errorf("restored snapshot should be written back to the durable tier, got %+v", stored)
	}
}

func TestLoadCreationError(t *testing.T) {
	store, tr := newTestStore(t)
	tr.queue.SetFailing(true)
	tr.fallback.SetFailing(true)

	// Reads report not-found; only writes fail.
	failing := &writeFailingDurable{Durable: tr.durable}
	store.durable = failing

	_, err := store.Load(context.Background(), "doomed")
	var ce *types.CreationError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CreationError, got %v", err)
	}
	if ce.SessionID != "doomed" {
		t.Errorf("SessionID = %q", ce.SessionID)
	}
}

func TestBootstrapQueuedWhenDurableWriteFails(t *testing.T) {
	store, tr := newTestStore(t)
	store.durable = &writeFailingDurable{Durable: tr.durable}

	s, err := store.Load(context.Background(), "queued")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.SessionID != "queued" {
		t.Errorf("SessionID = %q", s.SessionID)
	}
	items := tr.queue.Items()
	if len(items) != 1 || items[0].SessionID != "queued" {
		t.Fatalf("expected bootstrap snapshot queued, got %d items", len(items))
	}
}

// writeFailingDurable serves reads from the wrapped store and fails writes.
type writeFailingDurable struct {
	*tiertest.Durable
}

func (w *writeFailingDurable) Upsert(context.Context, *types.SessionData) error {
	return tiertest.ErrInjected
}

func TestSaveDegradedWriteRecovers(t *testing.T) {
	store, tr := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Load(ctx, "c"); err != nil {
		t.Fatal(err)
	}
	waitIdle(t, store)

	tr.durable.SetFailing(true)
	trust := 0.9
	if err := store.Save(ctx, &types.SessionPatch{SessionID: "c", TrustScore: &trust}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	waitIdle(t, store)

	items := tr.queue.Items()
	if len(items) != 1 {
		t.Fatalf("expected 1 queued item, got %d", len(items))
	}
	queued := items[0].Snapshot

	tr.durable.SetFailing(false)
	worker := recovery.NewWorker(tr.queue, tr.durable, tr.fallback, time.Hour)
	res := worker.Tick(ctx)
	if !res.Replayed {
		t.Fatalf("tick did not replay: %+v", res)
	}
	if len(tr.queue.Items()) != 0 {
		t.Error("queue should be empty after replay")
	}
	stored, ok := tr.durable.Stored("c")
	if !ok {
		t.Fatal("record missing after replay")
	}
	if stored.TrustScore != queued.TrustScore || !stored.LastActive.Equal(queued.LastActive) {
		t.Errorf("stored %+v does not match queued %+v", stored, queued)
	}
}

func TestSaveFallsBackLocallyWhenQueueDown(t *testing.T) {
	store, tr := newTestStore(t)
	ctx := context.Background()
	if _, err := store.Load(ctx, "f"); err != nil {
		t.Fatal(err)
	}
	waitIdle(t, store)

	tr.durable.SetFailing(true)
	tr.queue.SetFailing(true)
	level := 2.5
	if err := store.Save(ctx, &types.SessionPatch{SessionID: "f", EvolutionLevel: &level}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	waitIdle(t, store)

	local, err := tr.fallback.Get("f")
	if err != nil {
		t.Fatalf("expected local snapshot: %v", err)
	}
	if local.EvolutionLevel != 2.5 {
		t.Errorf("EvolutionLevel = %v", local.EvolutionLevel)
	}
}

func TestSaveReplacesFieldsWholesale(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.AddMessage(ctx, "p", types.Message{Role: types.RoleUser, Content: "one"}); err != nil {
		t.Fatal(err)
	}
	replacement := []types.Message{{Role: types.RoleAssistant, Content: "only"}}
	if err := store.Save(ctx, &types.SessionPatch{SessionID: "p", Messages: replacement}); err != nil {
		t.Fatal(err)
	}

	s, err := store.Load(ctx, "p")
	if err != nil {
		t.Fatal(err)
	}
	if len(s.Messages) != 1 || s.Messages[0].Content != "only" {
		t.Errorf("messages = %+v", s.Messages)
	}
	if s.TrustScore != types.DefaultTrustScore {
		t.Errorf("untouched field changed: %v", s.TrustScore)
	}
}

func TestSaveStampsLastActive(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	clock := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	store.now = func() time.Time { return clock }

	if _, err := store.Load(ctx, "t"); err != nil {
		t.Fatal(err)
	}
	clock = clock.Add(time.Minute)
	if err := store.Save(ctx, &types.SessionPatch{SessionID: "t"}); err != nil {
		t.Fatal(err)
	}
	s, _ := store.Load(ctx, "t")
	if !s.LastActive.Equal(clock) {
		t.Errorf("LastActive = %v, want %v", s.LastActive, clock)
	}
}

func TestSaveRequiresSessionID(t *testing.T) {
	store, _ := newTestStore(t)
	if err := store.Save(context.Background(), &types.SessionPatch{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestAddMessageAppendsInOrder(t *testing.T) {
	store, tr := newTestStore(t)
	ctx := context.Background()

	for i := range 5 {
		msg := types.Message{Role: types.RoleUser, Content: fmt.Sprintf("msg %d", i)}
		if err := store.AddMessage(ctx, "order", msg); err != nil {
			t.Fatal(err)
		}
	}
	waitIdle(t, store)

	stored, ok := tr.durable.Stored("order")
	if !ok {
		t.Fatal("not persisted")
	}
	if len(stored.Messages) != 5 {
		t.Fatalf("got %d messages", len(stored.Messages))
	}
	for i, m := range stored.Messages {
		if m.Content != fmt.Sprintf("msg %d", i) {
			t.Errorf("message %d = %q", i, m.Content)
		}
		if m.Mode != types.ModeText || m.Timestamp.IsZero() {
			t.Errorf("message %d missing defaults: %+v", i, m)
		}
	}
}

func TestAddMessageConcurrentNoLostUpdates(t *testing.T) {
	store, tr := newTestStore(t)
	ctx := context.Background()
	const n = 40

	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg := types.Message{Role: types.RoleUser, Content: fmt.Sprintf("m%d", i)}
			if err := store.AddMessage(ctx, "busy", msg); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	waitIdle(t, store)

	s, err := store.Load(ctx, "busy")
	if err != nil {
		t.Fatal(err)
	}
	if len(s.Messages) != n {
		t.Errorf("cache holds %d messages, want %d", len(s.Messages), n)
	}
	stored, _ := tr.durable.Stored("busy")
	if len(stored.Messages) != n {
		t.Errorf("durable holds %d messages, want %d", len(stored.Messages), n)
	}
}

func TestAddMessageSurvivesCacheOutage(t *testing.T) {
	store, tr := newTestStore(t)
	ctx := context.Background()
	tr.cache.SetFailing(true)

	for i := range 3 {
		if err := store.AddMessage(ctx, "nocache", types.Message{Role: types.RoleUser, Content: fmt.Sprint(i)}); err != nil {
			t.Fatal(err)
		}
	}
	waitIdle(t, store)

	stored, ok := tr.durable.Stored("nocache")
	if !ok || len(stored.Messages) != 3 {
		t.Fatalf("durable tier should hold all 3 messages, got %+v", stored)
	}
}

// cacheModes are the ways the fast cache can leave a reader blind to what
// it holds.
var cacheModes = []struct {
	name  string
	apply func(*tiertest.Cache)
}{
	{"reads failing", func(c *tiertest.Cache) { c.SetReadFailing(true) }},
	{"down", func(c *tiertest.Cache) { c.SetFailing(true) }},
}

func TestCacheMissAfterRecoveryKeepsFallbackTurns(t *testing.T) {
	for _, mode := range cacheModes {
		t.Run(mode.name, func(t *testing.T) {
			store, tr := newTestStore(t)
			ctx := context.Background()
			worker := recovery.NewWorker(tr.queue, tr.durable, tr.fallback, time.Hour)
			add := func(content string) {
				t.Helper()
				if err := store.AddMessage(ctx, "fb", userMsg(content)); err != nil {
					t.Fatalf("AddMessage(%s): %v", content, err)
				}
				waitIdle(t, store)
			}

			add("a")
			tr.durable.SetFailing(true)
			tr.queue.SetFailing(true)
			add("b")
			if local, err := tr.fallback.Get("fb"); err != nil || contents(local.Messages) != "[a b]" {
				t.Fatalf("expected [a b] in the local fallback, err=%v", err)
			}

			tr.durable.SetFailing(false)
			tr.queue.SetFailing(false)
			mode.apply(tr.cache)

			s, err := store.Load(ctx, "fb")
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if got := contents(s.Messages); got != "[a b]" {
				t.Errorf("load after recovery = %s, want [a b]", got)
			}

			add("c")
			for range 3 {
				worker.Tick(ctx)
			}

			stored, ok := tr.durable.Stored("fb")
			if !ok {
				t.Fatal("record missing")
			}
			if got := contents(stored.Messages); got != "[a b c]" {
				t.Errorf("durable messages = %s, want [a b c]", got)
			}
			if ids, _ := tr.fallback.List(); len(ids) != 0 {
				t.Errorf("fallback should be promoted and removed, still holds %v", ids)
			}
		})
	}
}

func TestCacheMissAfterRecoveryKeepsQueuedTurns(t *testing.T) {
	for _, mode := range cacheModes {
		t.Run(mode.name, func(t *testing.T) {
			store, tr := newTestStore(t)
			ctx := context.Background()
			worker := recovery.NewWorker(tr.queue, tr.durable, tr.fallback, time.Hour)
			add := func(content string) {
				t.Helper()
				if err := store.AddMessage(ctx, "q", userMsg(content)); err != nil {
					t.Fatalf("AddMessage(%s): %v", content, err)
				}
				waitIdle(t, store)
			}

			if _, err := store.Load(ctx, "q"); err != nil {
				t.Fatal(err)
			}
			waitIdle(t, store)

			tr.durable.SetFailing(true)
			add("a")
			if n := len(tr.queue.Items()); n != 1 {
				t.Fatalf("expected the turn queued, queue depth %d", n)
			}

			tr.durable.SetFailing(false)
			mode.apply(tr.cache)
			add("c")

			if res := worker.Tick(ctx); !res.Replayed {
				t.Fatalf("queued snapshot not replayed: %+v", res)
			}
			stored, ok := tr.durable.Stored("q")
			if !ok {
				t.Fatal("record missing")
			}
			if got := contents(stored.Messages); got != "[a c]" {
				t.Errorf("durable messages = %s, want [a c]", got)
			}
			if len(tr.queue.Items()) != 0 {
				t.Error("queue should be drained")
			}
		})
	}
}

func TestTwoStoresOnSharedTiersLoseNothing(t *testing.T) {
	a, tr := newTestStore(t)
	b := newStoreOn(t, tr, "instance-b")
	tr.cache.SetReadDelay(2 * time.Millisecond)
	ctx := context.Background()
	const perStore = 20

	var wg sync.WaitGroup
	for i := range perStore {
		for name, store := range map[string]*Store{"a": a, "b": b} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := store.AddMessage(ctx, "shared", userMsg(fmt.Sprintf("%s%d", name, i))); err != nil {
					t.Error(err)
				}
			}()
		}
	}
	wg.Wait()
	waitIdle(t, a)
	waitIdle(t, b)

	cached, ok := tr.cache.Cached("shared")
	if !ok {
		t.Fatal("session not cached")
	}
	if len(cached.Messages) != 2*perStore {
		t.Errorf("cache holds %d messages, want %d", len(cached.Messages), 2*perStore)
	}
	stored, ok := tr.durable.Stored("shared")
	if !ok {
		t.Fatal("session not persisted")
	}
	if len(stored.Messages) != 2*perStore {
		t.Errorf("durable holds %d messages, want %d", len(stored.Messages), 2*perStore)
	}
}

// contendedCache refuses every versioned write, as if another instance
// always committed first.
type contendedCache struct {
	*tiertest.Cache
}

func (c *contendedCache) Set(_ context.Context, s *types.SessionData) error {
	cur, _ := c.Cached(s.SessionID)
	return &types.VersionConflict{SessionID: s.SessionID, Version: s.Version, Current: cur}
}

func TestAddMessageGivesUpAfterRepeatedConflicts(t *testing.T) {
	store, tr := newTestStore(t)
	ctx := context.Background()
	if _, err := store.Load(ctx, "hot"); err != nil {
		t.Fatal(err)
	}
	waitIdle(t, store)
	store.cache = &contendedCache{Cache: tr.cache}

	err := store.AddMessage(ctx, "hot", userMsg("never lands"))
	if !errors.Is(err, types.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	waitIdle(t, store)
	if stored, _ := tr.durable.Stored("hot"); len(stored.Messages) != 0 {
		t.Errorf("a refused commit reached the durable tier: %+v", stored.Messages)
	}
}

func TestAddMessagePatternMerge(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.AddMessage(ctx, "pm", types.Message{Role: types.RoleUser, Content: "anyway, I think logically this analysis shows a clear pattern"}); err != nil {
		t.Fatal(err)
	}
	s, _ := store.Load(ctx, "pm")
	want := []string{detect.TagIntellectual, detect.TagDeflection}
	if fmt.Sprint(s.ProtectionPatterns) != fmt.Sprint(want) {
		t.Fatalf("patterns = %v, want %v", s.ProtectionPatterns, want)
	}

	// Nothing detected: previous tags are retained.
	if err := store.AddMessage(ctx, "pm", types.Message{Role: types.RoleUser, Content: "I had eggs for breakfast"}); err != nil {
		t.Fatal(err)
	}
	s, _ = store.Load(ctx, "pm")
	if fmt.Sprint(s.ProtectionPatterns) != fmt.Sprint(want) {
		t.Errorf("patterns after neutral turn = %v, want %v", s.ProtectionPatterns, want)
	}

	// A new detection replaces the set.
	if err := store.AddMessage(ctx, "pm", types.Message{Role: types.RoleUser, Content: "whatever"}); err != nil {
		t.Fatal(err)
	}
	s, _ = store.Load(ctx, "pm")
	if fmt.Sprint(s.ProtectionPatterns) != fmt.Sprint([]string{detect.TagDeflection}) {
		t.Errorf("patterns after new detection = %v", s.ProtectionPatterns)
	}
}

func TestAddMessageSpeedUsesResponseTime(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	long := ""
	for range 60 {
		long += "word "
	}
	msg := types.Message{
		Role:     types.RoleUser,
		Content:  long,
		Metadata: &types.MessageMetadata{ResponseTimeMs: 1200},
	}
	if err := store.AddMessage(ctx, "speed", msg); err != nil {
		t.Fatal(err)
	}
	s, _ := store.Load(ctx, "speed")
	if len(s.ProtectionPatterns) != 1 || s.ProtectionPatterns[0] != detect.TagSpeed {
		t.Errorf("patterns = %v, want [speed]", s.ProtectionPatterns)
	}
}

func TestAddMessageBreakthroughAudit(t *testing.T) {
	store, tr := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Load(ctx, "bt", WithUserID("alice@example.com")); err != nil {
		t.Fatal(err)
	}
	content := "I never thought about it that way before, I think I finally see"
	if err := store.AddMessage(ctx, "bt", types.Message{Role: types.RoleUser, Content: content}); err != nil {
		t.Fatal(err)
	}

	s, _ := store.Load(ctx, "bt")
	if len(s.BreakthroughMoments) != 1 {
		t.Fatalf("BreakthroughMoments = %v", s.BreakthroughMoments)
	}

	audit := tr.durable.Audit()
	if len(audit) != 1 {
		t.Fatalf("expected 1 audit record, got %d", len(audit))
	}
	rec := audit[0]
	if rec.PatternCategory != types.PatternCategoryBreakthrough {
		t.Errorf("PatternCategory = %q", rec.PatternCategory)
	}
	if rec.UserIDHash != HashUserID("alice@example.com") || rec.UserIDHash == "alice@example.com" {
		t.Errorf("UserIDHash = %q", rec.UserIDHash)
	}
	if rec.Metadata.WordCount != detect.WordCount(content) {
		t.Errorf("WordCount = %d", rec.Metadata.WordCount)
	}
}

func TestAddMessageNoBreakthrough(t *testing.T) {
	store, tr := newTestStore(t)
	if err := store.AddMessage(context.Background(), "calm", types.Message{Role: types.RoleUser, Content: "I had eggs for breakfast"}); err != nil {
		t.Fatal(err)
	}
	if len(tr.durable.Audit()) != 0 {
		t.Error("no audit record expected")
	}
}

func TestAddMessageAuditFailureIsNotFatal(t *testing.T) {
	store, tr := newTestStore(t)
	store.durable = &auditFailingDurable{Durable: tr.durable}

	err := store.AddMessage(context.Background(), "af", types.Message{Role: types.RoleUser, Content: "I realized something"})
	if err != nil {
		t.Fatalf("AddMessage: %v", err)
	}
	s, _ := store.Load(context.Background(), "af")
	if len(s.BreakthroughMoments) != 1 {
		t.Errorf("moment should still be recorded, got %v", s.BreakthroughMoments)
	}
}

type auditFailingDurable struct {
	*tiertest.Durable
}

func (a *auditFailingDurable) AppendAudit(context.Context, *types.BreakthroughAuditRecord) error {
	return tiertest.ErrInjected
}

func TestGetContext(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	for i := range 5 {
		if err := store.AddMessage(ctx, "gc", types.Message{Role: types.RoleUser, Content: fmt.Sprint(i)}); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		limit int
		want  []string
	}{
		{0, nil},
		{-1, nil},
		{2, []string{"3", "4"}},
		{5, []string{"0", "1", "2", "3", "4"}},
		{10, []string{"0", "1", "2", "3", "4"}},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("limit=%d", tt.limit), func(t *testing.T) {
			msgs, err := store.GetContext(ctx, "gc", tt.limit)
			if err != nil {
				t.Fatal(err)
			}
			if msgs == nil {
				t.Fatal("expected non-nil slice")
			}
			var got []string
			for _, m := range msgs {
				got = append(got, m.Content)
			}
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetContextReturnsCopy(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	if err := store.AddMessage(ctx, "cp", types.Message{Role: types.RoleUser, Content: "original"}); err != nil {
		t.Fatal(err)
	}
	msgs, _ := store.GetContext(ctx, "cp", 1)
	msgs[0].Content = "mutated"

	again, _ := store.GetContext(ctx, "cp", 1)
	if again[0].Content != "original" {
		t.Errorf("GetContext leaked internal state: %q", again[0].Content)
	}
}

func TestElapsedSincePrior(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	history := []types.Message{{Timestamp: base}}

	tests := []struct {
		name    string
		msg     types.Message
		history []types.Message
		want    time.Duration
	}{
		{"no history", types.Message{Timestamp: base}, nil, detect.NoTiming},
		{"gap", types.Message{Timestamp: base.Add(3 * time.Second)}, history, 3 * time.Second},
		{"clock skew", types.Message{Timestamp: base.Add(-time.Second)}, history, detect.NoTiming},
		{"explicit", types.Message{Timestamp: base.Add(time.Hour), Metadata: &types.MessageMetadata{ResponseTimeMs: 800}}, history, 800 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := elapsedSincePrior(tt.msg, tt.history); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}
