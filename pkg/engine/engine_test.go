package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/yanzhao77/ModelForge/pkg/backend"
	"github.com/yanzhao77/ModelForge/pkg/store"
	"github.com/yanzhao77/ModelForge/pkg/websearch"
)

// fakeBackend returns a canned reply and records every call. Token
// accounting counts whitespace-separated words.
type fakeBackend struct {
	mu       sync.Mutex
	limit    int
	reply    string
	errs     []error
	prompts  []string
	configs  []backend.Config
	released bool
}

func newFakeBackend(reply string) *fakeBackend {
	return &fakeBackend{limit: 4096, reply: reply}
}

func (f *fakeBackend) Generate(ctx context.Context, prompt string, cfg backend.Config) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	f.configs = append(f.configs, cfg)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return "", err
	}
	return f.reply, nil
}

func (f *fakeBackend) CountTokens(text string) int {
	return len(strings.Fields(text))
}

func (f *fakeBackend) Truncate(text string, keepTokens int) string {
	words := strings.Fields(text)
	if len(words) <= keepTokens {
		return text
	}
	return strings.Join(words[:keepTokens], " ")
}

func (f *fakeBackend) ContextLimit() int { return f.limit }

func (f *fakeBackend) Release() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = true
	return nil
}

func (f *fakeBackend) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.configs)
}

type fakeSearcher struct {
	results []websearch.Result
	err     error
	queries []string
}

func (f *fakeSearcher) Query(ctx context.Context, text string) ([]websearch.Result, error) {
	f.queries = append(f.queries, text)
	return f.results, f.err
}

func newTestEngine(t *testing.T, b backend.Backend, mutate func(*Config)) *Engine {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	user, err := st.CreateUser(context.Background(), "tester", "", "")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	cfg := Config{Store: st, UserID: user.ID, Backend: b}
	if mutate != nil {
		mutate(&cfg)
	}

	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := e.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return e
}

func TestAnswerTurnFullPipeline(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend("You should keep going with Python.")
	e := newTestEngine(t, fb, nil)
	st := e.cfg.Store

	answer, err := e.Answer(ctx, "I like Python. What should I learn next?")
	if err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	if answer != "You should keep going with Python." {
		t.Errorf("Answer() = %q", answer)
	}

	// The preference was extracted as a memory.
	memCount, err := st.MemoryCount(ctx, e.cfg.UserID)
	if err != nil {
		t.Fatal(err)
	}
	if memCount == 0 {
		t.Error("no memories extracted from a preference statement")
	}

	// Both sides of the exchange were persisted, the user side in its
	// augmented form.
	msgs, err := st.Messages(ctx, e.SessionID(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != store.RoleUser || msgs[1].Role != store.RoleAssistant {
		t.Errorf("message roles = %s, %s", msgs[0].Role, msgs[1].Role)
	}
	if !strings.Contains(msgs[0].Content, "I like Python") {
		t.Errorf("user message %q lost the question", msgs[0].Content)
	}

	// First completed exchange titles the session.
	session, err := st.GetSession(ctx, e.SessionID())
	if err != nil {
		t.Fatal(err)
	}
	if session.Title == store.DefaultSessionTitle {
		t.Error("session was not auto-titled after the first exchange")
	}

	// The prompt ends with an open assistant cue.
	if len(fb.prompts) != 1 {
		t.Fatalf("got %d generate calls, want 1", len(fb.prompts))
	}
	if !strings.HasSuffix(fb.prompts[0], "Assistant: ") {
		t.Errorf("prompt %q does not end with assistant cue", fb.prompts[0])
	}

	trace := e.LastTrace()
	if trace == nil {
		t.Fatal("no trace recorded")
	}
	var names []string
	for _, span := range trace.Spans {
		names = append(names, span.Name)
	}
	for _, want := range []string{"extract", "recall", "assemble", "generate", "persist"} {
		found := false
		for _, name := range names {
			if name == want {
				found = true
			}
		}
		if !found {
			t.Errorf("trace missing span %q (got %v)", want, names)
		}
	}
}

func TestAnswerTurnSecondTurnSeesHistory(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend("Sure.")
	e := newTestEngine(t, fb, nil)

	if _, err := e.Answer(ctx, "What is a goroutine?"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Answer(ctx, "Show me an example."); err != nil {
		t.Fatal(err)
	}

	second := fb.prompts[1]
	if !strings.Contains(second, "What is a goroutine?") {
		t.Errorf("second prompt lost the first question:\n%s", second)
	}
	if !strings.Contains(second, "Assistant: Sure.") {
		t.Errorf("second prompt lost the first answer:\n%s", second)
	}
}

func TestAnswerTurnModeSelection(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend("Considered answer.")
	e := newTestEngine(t, fb, nil)

	if _, err := e.AnswerTurn(ctx, "Explain channels in depth.", TurnOptions{Mode: backend.ModeDeep}); err != nil {
		t.Fatal(err)
	}

	cfg := fb.configs[0]
	if cfg.Mode != backend.ModeDeep {
		t.Errorf("mode = %s, want deep", cfg.Mode)
	}
	if cfg.BeamCount != 5 {
		t.Errorf("BeamCount = %d, want 5", cfg.BeamCount)
	}
	if cfg.MaxNewTokens != 800 {
		t.Errorf("MaxNewTokens = %d, want 800", cfg.MaxNewTokens)
	}
}

func TestAnswerTurnExitReleasesBackend(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend("never used")
	e := newTestEngine(t, fb, nil)

	answer, err := e.Answer(ctx, "exit")
	if err != nil {
		t.Fatalf("Answer(exit) error = %v", err)
	}
	if answer != closingMessage {
		t.Errorf("Answer(exit) = %q, want closing message", answer)
	}
	if !fb.released {
		t.Error("backend not released on exit")
	}
	if e.State() != StateReleased {
		t.Errorf("state = %s, want released", e.State())
	}
	if fb.callCount() != 0 {
		t.Errorf("exit still reached the backend (%d calls)", fb.callCount())
	}

	if _, err := e.Answer(ctx, "hello again"); !errors.Is(err, ErrNotReady) {
		t.Errorf("Answer() after exit error = %v, want ErrNotReady", err)
	}
}

func TestAnswerTurnDegradesOnGenerationFailure(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend("unused")
	fb.errs = []error{fmt.Errorf("%w: graph failure", backend.ErrGeneration)}
	e := newTestEngine(t, fb, nil)

	answer, err := e.Answer(ctx, "What is Go?")
	if err != nil {
		t.Fatalf("Answer() error = %v, degraded turns must not error", err)
	}
	if answer != degradedMessage {
		t.Errorf("Answer() = %q, want degraded message", answer)
	}

	// The degraded message is persisted like any answer.
	msgs, err := e.cfg.Store.Messages(ctx, e.SessionID(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[1].Content != degradedMessage {
		t.Errorf("degraded message not persisted: %+v", msgs)
	}
	if fb.callCount() != 1 {
		t.Errorf("generation failure retried %d times, want no retry", fb.callCount()-1)
	}
}

func TestAnswerTurnRetriesAfterExhaustion(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend("Recovered answer.")
	fb.errs = []error{fmt.Errorf("%w: cuda oom", backend.ErrResourceExhausted)}
	e := newTestEngine(t, fb, nil)

	answer, err := e.Answer(ctx, "Summarize this long document.")
	if err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	if answer != "Recovered answer." {
		t.Errorf("Answer() = %q, want recovered answer", answer)
	}
	if fb.callCount() != 2 {
		t.Fatalf("got %d generate calls, want 2", fb.callCount())
	}

	first, second := fb.configs[0], fb.configs[1]
	if second.MaxNewTokens != first.MaxNewTokens/2 {
		t.Errorf("retry MaxNewTokens = %d, want half of %d", second.MaxNewTokens, first.MaxNewTokens)
	}
	if second.Temperature < 0.5 {
		t.Errorf("retry Temperature = %v, want >= 0.5", second.Temperature)
	}
}

func TestAnswerTurnExhaustedTwiceDegrades(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend("unused")
	fb.errs = []error{
		fmt.Errorf("%w: oom", backend.ErrResourceExhausted),
		fmt.Errorf("%w: oom again", backend.ErrResourceExhausted),
	}
	e := newTestEngine(t, fb, nil)

	answer, err := e.Answer(ctx, "hello")
	if err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	if answer != degradedMessage {
		t.Errorf("Answer() = %q, want degraded message", answer)
	}
	if fb.callCount() != 2 {
		t.Errorf("got %d generate calls, want exactly 2 (one retry)", fb.callCount())
	}
}

func TestAnswerTurnForceSearch(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend("Here is what I found.")
	searcher := &fakeSearcher{results: []websearch.Result{{Title: "Go 1.25", Content: "Release notes."}}}
	e := newTestEngine(t, fb, func(cfg *Config) {
		cfg.Searcher = searcher
	})

	if _, err := e.AnswerTurn(ctx, "Tell me about Go generics.", TurnOptions{ForceSearch: true}); err != nil {
		t.Fatal(err)
	}
	if len(searcher.queries) != 1 {
		t.Fatalf("searcher queried %d times, want 1", len(searcher.queries))
	}

	msgs, err := e.cfg.Store.Messages(ctx, e.SessionID(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(msgs[0].Content, "Go 1.25") {
		t.Errorf("persisted question %q lost search results", msgs[0].Content)
	}
}

func TestAnswerTurnSearchTriggeredByKeyword(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend("The latest release is out.")
	searcher := &fakeSearcher{}
	e := newTestEngine(t, fb, func(cfg *Config) {
		cfg.Searcher = searcher
	})

	if _, err := e.Answer(ctx, "What is the latest Go release?"); err != nil {
		t.Fatal(err)
	}
	if len(searcher.queries) != 1 {
		t.Errorf("searcher queried %d times, want 1 (question mentions latest)", len(searcher.queries))
	}

	if _, err := e.Answer(ctx, "Explain interfaces to me."); err != nil {
		t.Fatal(err)
	}
	if len(searcher.queries) != 1 {
		t.Errorf("searcher queried %d times, want still 1", len(searcher.queries))
	}
}

func TestAnswerTurnSearchFailureIsNotFatal(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend("Answer without the web.")
	searcher := &fakeSearcher{err: errors.New("connection refused")}
	e := newTestEngine(t, fb, func(cfg *Config) {
		cfg.Searcher = searcher
	})

	answer, err := e.AnswerTurn(ctx, "What is new?", TurnOptions{ForceSearch: true})
	if err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	if answer != "Answer without the web." {
		t.Errorf("Answer() = %q", answer)
	}
}

func TestAnswerTurnEmptyQuestion(t *testing.T) {
	fb := newFakeBackend("unused")
	e := newTestEngine(t, fb, nil)

	if _, err := e.Answer(context.Background(), "   "); err == nil {
		t.Error("Answer() accepted a blank question")
	}
}

// blockingBackend parks inside Generate until released, so a second
// turn can be attempted mid-flight.
type blockingBackend struct {
	fakeBackend
	entered chan struct{}
	proceed chan struct{}
}

func (b *blockingBackend) Generate(ctx context.Context, prompt string, cfg backend.Config) (string, error) {
	b.entered <- struct{}{}
	<-b.proceed
	return "finally", nil
}

func TestAnswerTurnBusy(t *testing.T) {
	ctx := context.Background()
	bb := &blockingBackend{
		fakeBackend: fakeBackend{limit: 4096},
		entered:     make(chan struct{}, 1),
		proceed:     make(chan struct{}),
	}
	e := newTestEngine(t, bb, nil)

	done := make(chan string, 1)
	go func() {
		answer, _ := e.Answer(ctx, "slow question")
		done <- answer
	}()

	<-bb.entered
	if _, err := e.Answer(ctx, "impatient question"); !errors.Is(err, ErrBusy) {
		t.Errorf("concurrent Answer() error = %v, want ErrBusy", err)
	}

	close(bb.proceed)
	if answer := <-done; answer != "finally" {
		t.Errorf("first Answer() = %q, want %q", answer, "finally")
	}
	if e.State() != StateReady {
		t.Errorf("state = %s, want ready after turn", e.State())
	}
}

func TestLoadCreatesSession(t *testing.T) {
	fb := newFakeBackend("hi")
	e := newTestEngine(t, fb, nil)

	if e.SessionID() == 0 {
		t.Error("Load() did not create a session")
	}
	if e.State() != StateReady {
		t.Errorf("state = %s, want ready", e.State())
	}
}

func TestLoadRejectsForeignSession(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	owner, err := st.CreateUser(ctx, "owner", "", "")
	if err != nil {
		t.Fatal(err)
	}
	other, err := st.CreateUser(ctx, "other", "", "")
	if err != nil {
		t.Fatal(err)
	}
	session, err := st.CreateSession(ctx, owner.ID, "private", "")
	if err != nil {
		t.Fatal(err)
	}

	e, err := New(Config{Store: st, UserID: other.ID, SessionID: session.ID, Backend: newFakeBackend("x")})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Load(ctx); err == nil {
		t.Error("Load() resumed another user's session")
	}
	if e.State() != StateFailed {
		t.Errorf("state = %s, want failed", e.State())
	}
}

func TestSessionManagement(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend("ok")
	e := newTestEngine(t, fb, nil)
	first := e.SessionID()

	if _, err := e.Answer(ctx, "remember this"); err != nil {
		t.Fatal(err)
	}

	second, err := e.NewSession(ctx, "fresh start")
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	if e.SessionID() != second {
		t.Errorf("SessionID = %d, want %d", e.SessionID(), second)
	}

	if err := e.SwitchSession(ctx, first); err != nil {
		t.Fatalf("SwitchSession() error = %v", err)
	}
	if e.SessionID() != first {
		t.Errorf("SessionID = %d, want %d", e.SessionID(), first)
	}

	infos, err := e.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	if len(infos) != 2 {
		t.Errorf("got %d sessions, want 2", len(infos))
	}

	if err := e.ClearSession(ctx); err != nil {
		t.Fatalf("ClearSession() error = %v", err)
	}
	count, err := e.cfg.Store.MessageCount(ctx, first)
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("cleared session still has %d messages", count)
	}
}

func TestMemoryCapEviction(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend("noted")
	e := newTestEngine(t, fb, func(cfg *Config) {
		cfg.MemoryCap = 5
	})
	st := e.cfg.Store

	// Preload well past the cap.
	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("fact-%d", i)
		if _, err := st.UpsertMemory(ctx, e.cfg.UserID, store.MemoryFact, key, "some fact", 0, float64(i)/10); err != nil {
			t.Fatal(err)
		}
	}

	// A turn that extracts a memory triggers cap enforcement.
	if _, err := e.Answer(ctx, "I like boardgames"); err != nil {
		t.Fatal(err)
	}

	count, err := st.MemoryCount(ctx, e.cfg.UserID)
	if err != nil {
		t.Fatal(err)
	}
	if count > 5 {
		t.Errorf("memory count = %d, want at most cap 5", count)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	fb := newFakeBackend("x")
	e := newTestEngine(t, fb, nil)

	if err := e.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if err := e.Release(); err != nil {
		t.Fatalf("second Release() error = %v", err)
	}
	if !fb.released {
		t.Error("backend not released")
	}
}
