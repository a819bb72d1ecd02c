package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	sala "github.com/nitad/sala"
	"github.com/nitad/sala/internal/bus"
	"github.com/nitad/sala/internal/channel"
	"github.com/nitad/sala/internal/ipc"
	"github.com/nitad/sala/internal/knowledge"
	"github.com/nitad/sala/internal/router"
)

type fakeStore struct {
	mu              sync.Mutex
	chats           map[string]sala.Chat
	messages        []sala.Message
	costs           []sala.CostRecord
	attachmentPaths []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{chats: make(map[string]sala.Chat)}
}

func (f *fakeStore) EnsureChat(_ context.Context, id, displayName, groupID string) (sala.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.chats[id]
	if !ok {
		c = sala.Chat{ID: id, DisplayName: displayName, GroupID: groupID, Registered: true}
		f.chats[id] = c
	}
	return c, nil
}

func (f *fakeStore) InsertMessage(_ context.Context, msg sala.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
	return nil
}

func (f *fakeStore) SetAttachmentPath(_ context.Context, attachmentID, localPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attachmentPaths = append(f.attachmentPaths, attachmentID+"="+localPath)
	return nil
}

func (f *fakeStore) InsertCostRecord(_ context.Context, r sala.CostRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.costs = append(f.costs, r)
	return nil
}

type fakeKnowledge struct {
	mu        sync.Mutex
	results   []knowledge.SearchResult
	searches  []knowledge.SearchRequest
	searchErr error
	summaries []string
	learned   []knowledge.LearnRequest
}

func (f *fakeKnowledge) Search(_ context.Context, req knowledge.SearchRequest) ([]knowledge.SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searches = append(f.searches, req)
	return f.results, f.searchErr
}

func (f *fakeKnowledge) Learn(_ context.Context, req knowledge.LearnRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.learned = append(f.learned, req)
	return "doc-learned", nil
}

func (f *fakeKnowledge) EpisodicRecall(context.Context, int) ([]sala.Document, error) {
	return nil, nil
}

func (f *fakeKnowledge) SaveSummary(_ context.Context, _, _, content string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.summaries = append(f.summaries, content)
	return "doc-1", nil
}

type fakeQueue struct {
	mu      sync.Mutex
	entries []sala.QueueEntry
	pos     int
	err     error
}

func (f *fakeQueue) Enqueue(_ context.Context, e sala.QueueEntry) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.entries = append(f.entries, e)
	if f.pos == 0 {
		return 1, nil
	}
	return f.pos, nil
}

type fakePool struct {
	mu       sync.Mutex
	acquires int
	releases []bool
	err      error
}

func (f *fakePool) Acquire(context.Context, string, string) (sala.ContainerRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return sala.ContainerRecord{}, f.err
	}
	f.acquires++
	return sala.ContainerRecord{ID: fmt.Sprintf("c%d", f.acquires), Status: sala.ContainerInUse}, nil
}

func (f *fakePool) Release(_ context.Context, _ string, hadError bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases = append(f.releases, hadError)
}

type fakeTransport struct {
	mu          sync.Mutex
	assignments []assignment
	resets      int
	frames      []ipc.Frame
	streamErr   error
	requests    chan ipc.Request
	responses   []any
}

func (f *fakeTransport) WriteAssignment(_ string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assignments = append(f.assignments, payload.(assignment))
	return nil
}

func (f *fakeTransport) WatchRequests(context.Context, string) (<-chan ipc.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.requests == nil {
		f.requests = make(chan ipc.Request, 4)
	}
	return f.requests, nil
}

func (f *fakeTransport) WriteResponse(_, _ string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, payload)
	return nil
}

func (f *fakeTransport) ResetStream(string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return nil
}

func (f *fakeTransport) TailStream(_ context.Context, _ string) (<-chan ipc.Frame, <-chan error, error) {
	f.mu.Lock()
	frames := make([]ipc.Frame, len(f.frames))
	copy(frames, f.frames)
	streamErr := f.streamErr
	f.mu.Unlock()

	out := make(chan ipc.Frame, len(frames))
	errc := make(chan error, 1)
	for _, fr := range frames {
		out <- fr
	}
	close(out)
	errc <- streamErr
	return out, errc, nil
}

type fakeChannel struct {
	mu     sync.Mutex
	events chan sala.Event
	sent   []string
	typing []bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{events: make(chan sala.Event, 16)}
}

func (f *fakeChannel) Name() string { return "fake" }

func (f *fakeChannel) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (f *fakeChannel) Events() <-chan sala.Event { return f.events }

func (f *fakeChannel) SendText(_ context.Context, _, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return fmt.Sprintf("m%d", len(f.sent)), nil
}

func (f *fakeChannel) SendPayload(context.Context, string, sala.Payload) error { return nil }

func (f *fakeChannel) SetTyping(_ context.Context, _ string, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing = append(f.typing, on)
	return nil
}

func (f *fakeChannel) State() sala.ChannelState { return sala.ChannelConnected }

func (f *fakeChannel) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	copy(out, f.sent)
	return out
}

// fakeEditorChannel additionally supports in-place edits.
type fakeEditorChannel struct {
	fakeChannel
	edits []string
}

func newFakeEditorChannel() *fakeEditorChannel {
	return &fakeEditorChannel{fakeChannel: fakeChannel{events: make(chan sala.Event, 16)}}
}

func (f *fakeEditorChannel) EditText(_ context.Context, _, _, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, text)
	return nil
}

type fixture struct {
	orch  *Orchestrator
	store *fakeStore
	eng   *fakeKnowledge
	queue *fakeQueue
	pool  *fakePool
	ipc   *fakeTransport
}

func newFixture(ch channel.Channel) *fixture {
	f := &fixture{
		store: newFakeStore(),
		eng:   &fakeKnowledge{},
		queue: &fakeQueue{},
		pool:  &fakePool{},
		ipc:   &fakeTransport{},
	}
	cfg := Config{AssistantName: "Sala", DefaultGroup: "main", AdminChatID: "tg:1"}
	f.orch = New(cfg, f.store, f.eng, f.queue, f.pool, f.ipc, router.New(), bus.New(nil))
	f.orch.RegisterChannel("tg", ch)
	return f
}

func startFixture(t *testing.T, f *fixture) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go f.orch.bus.Run(ctx)
	go f.orch.Run(ctx)
	return cancel
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal(what)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func event(content string) sala.Event {
	return sala.Event{
		Type:       sala.EventMessage,
		ChatID:     "tg:42",
		ExternalID: sala.NewID(),
		Sender:     "9",
		Content:    content,
		Timestamp:  time.Now().Unix(),
	}
}

func TestGreetingRepliesInline(t *testing.T) {
	ch := newFakeChannel()
	f := newFixture(ch)
	cancel := startFixture(t, f)
	defer cancel()

	ch.events <- event("สวัสดีครับ")
	waitFor(t, func() bool { return len(ch.sentTexts()) == 1 }, "no inline reply")

	if got := ch.sentTexts()[0]; !strings.Contains(got, "สวัสดี") {
		t.Errorf("greeting reply = %q", got)
	}
	f.queue.mu.Lock()
	defer f.queue.mu.Unlock()
	if len(f.queue.entries) != 0 {
		t.Error("greeting reached the queue")
	}
}

func TestRecallAnswersFromKnowledge(t *testing.T) {
	ch := newFakeChannel()
	f := newFixture(ch)
	f.eng.results = []knowledge.SearchResult{
		{Title: "Router password", Content: "The router password is in the safe."},
	}
	cancel := startFixture(t, f)
	defer cancel()

	ch.events <- event("remember where I put the router password?")
	waitFor(t, func() bool { return len(ch.sentTexts()) == 1 }, "no knowledge reply")

	got := ch.sentTexts()[0]
	if !strings.Contains(got, "Router password") || !strings.Contains(got, "[source:") {
		t.Errorf("knowledge reply missing attribution: %q", got)
	}
}

func TestDecisionRecallFiltersToDecisions(t *testing.T) {
	ch := newFakeChannel()
	f := newFixture(ch)
	f.eng.results = []knowledge.SearchResult{
		{Title: "Docker networking decision", Content: "We decided on the internal bridge network."},
	}
	cancel := startFixture(t, f)
	defer cancel()

	ch.events <- event("What did we decide about Docker?")
	waitFor(t, func() bool { return len(ch.sentTexts()) == 1 }, "no knowledge reply")

	f.eng.mu.Lock()
	if len(f.eng.searches) != 1 {
		f.eng.mu.Unlock()
		t.Fatalf("searches = %d, want 1", len(f.eng.searches))
	}
	got := f.eng.searches[0]
	f.eng.mu.Unlock()
	if len(got.Types) != 1 || got.Types[0] != sala.DocDecision {
		t.Errorf("search types = %v, want decision filter", got.Types)
	}

	// A recall without decision phrasing searches every type.
	ch.events <- event("remember where I put the router password?")
	waitFor(t, func() bool { return len(ch.sentTexts()) == 2 }, "no second reply")
	f.eng.mu.Lock()
	plain := f.eng.searches[1]
	f.eng.mu.Unlock()
	if len(plain.Types) != 0 {
		t.Errorf("plain recall types = %v, want none", plain.Types)
	}
}

func TestKnowledgeFailureDegrades(t *testing.T) {
	ch := newFakeChannel()
	f := newFixture(ch)
	f.eng.searchErr = errors.New("vector store down")
	cancel := startFixture(t, f)
	defer cancel()

	ch.events <- event("recall my last trip notes")
	waitFor(t, func() bool { return len(ch.sentTexts()) == 1 }, "no degraded reply")

	if got := ch.sentTexts()[0]; !strings.Contains(got, "unavailable") {
		t.Errorf("degraded reply = %q", got)
	}
}

func TestContainerTierEnqueuesWithPosition(t *testing.T) {
	ch := newFakeChannel()
	f := newFixture(ch)
	f.queue.pos = 3
	cancel := startFixture(t, f)
	defer cancel()

	ch.events <- event("Plan my week and draft the three emails I owe people.")
	waitFor(t, func() bool { return len(ch.sentTexts()) == 1 }, "no position notice")

	if got := ch.sentTexts()[0]; !strings.Contains(got, "position 3") {
		t.Errorf("position notice = %q", got)
	}
	f.queue.mu.Lock()
	defer f.queue.mu.Unlock()
	if len(f.queue.entries) != 1 {
		t.Fatalf("entries = %d", len(f.queue.entries))
	}
	if e := f.queue.entries[0]; e.Priority != sala.PriorityNormal || e.ChatID != "tg:42" {
		t.Errorf("entry = %+v", e)
	}
}

func TestQueueHeadStillGetsNotice(t *testing.T) {
	ch := newFakeChannel()
	f := newFixture(ch)
	f.queue.pos = 1
	cancel := startFixture(t, f)
	defer cancel()

	// Head of the queue still waits on a container, so the sender is told.
	ch.events <- event("Plan my week and draft the three emails I owe people.")
	waitFor(t, func() bool { return len(ch.sentTexts()) == 1 }, "no position notice")

	if got := ch.sentTexts()[0]; !strings.Contains(got, "position 1") {
		t.Errorf("position notice = %q", got)
	}
}

func TestBusyQueueTellsUser(t *testing.T) {
	ch := newFakeChannel()
	f := newFixture(ch)
	f.queue.err = fmt.Errorf("enqueue: %w", sala.ErrBusyQueue)
	cancel := startFixture(t, f)
	defer cancel()

	ch.events <- event("Do the big thing with many steps please and thanks.")
	waitFor(t, func() bool { return len(ch.sentTexts()) == 1 }, "no busy reply")

	if got := ch.sentTexts()[0]; !strings.Contains(got, "busy") {
		t.Errorf("busy reply = %q", got)
	}
}

func TestFarewellWritesEpisodicSummary(t *testing.T) {
	ch := newFakeChannel()
	f := newFixture(ch)
	cancel := startFixture(t, f)
	defer cancel()

	ch.events <- event("bye")
	waitFor(t, func() bool {
		f.eng.mu.Lock()
		defer f.eng.mu.Unlock()
		return len(f.eng.summaries) == 1
	}, "no summary saved")

	f.eng.mu.Lock()
	defer f.eng.mu.Unlock()
	if !strings.Contains(f.eng.summaries[0], "user: bye") {
		t.Errorf("summary = %q", f.eng.summaries[0])
	}
}

func TestHandleEntryStreamsWithEdits(t *testing.T) {
	ch := newFakeEditorChannel()
	f := newFixture(ch)
	f.ipc.frames = []ipc.Frame{
		{Index: 0, Text: "Here is a plan with several steps that should comfortably pass the "},
		{Index: 1, Text: "quality bar because it is long enough and concrete."},
	}

	e := sala.QueueEntry{ID: "e1", GroupID: "main", ChatID: "tg:42", Prompt: "plan my week"}
	f.orch.setMeta("e1", entryMeta{tier: sala.TierContainerShort, model: "gpt-4o-mini"})

	if err := f.orch.HandleEntry(context.Background(), e); err != nil {
		t.Fatalf("handle: %v", err)
	}

	full := "Here is a plan with several steps that should comfortably pass the " +
		"quality bar because it is long enough and concrete."
	ch.mu.Lock()
	sent, edits := ch.sent, ch.edits
	ch.mu.Unlock()
	if len(sent) == 0 {
		t.Fatal("no streamed message sent")
	}
	final := sent[len(sent)-1]
	if len(edits) > 0 {
		final = edits[len(edits)-1]
	}
	if final != full {
		t.Errorf("final text = %q, want full reply", final)
	}

	f.pool.mu.Lock()
	defer f.pool.mu.Unlock()
	if f.pool.acquires != 1 || len(f.pool.releases) != 1 || f.pool.releases[0] {
		t.Errorf("pool use = acquires %d releases %v", f.pool.acquires, f.pool.releases)
	}
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	if len(f.store.costs) != 1 || f.store.costs[0].Tier != sala.TierContainerShort {
		t.Errorf("costs = %+v", f.store.costs)
	}
}

func TestHandleEntryWritesAssignment(t *testing.T) {
	ch := newFakeChannel()
	f := newFixture(ch)
	f.ipc.frames = []ipc.Frame{{Index: 0, Text: "done, the answer is forty-two and here is why it holds."}}

	e := sala.QueueEntry{ID: "e2", GroupID: "main", ChatID: "tg:42", Prompt: "quick question"}
	f.orch.setMeta("e2", entryMeta{tier: sala.TierContainerShort, model: "gpt-4o-mini"})

	if err := f.orch.HandleEntry(context.Background(), e); err != nil {
		t.Fatalf("handle: %v", err)
	}

	f.ipc.mu.Lock()
	defer f.ipc.mu.Unlock()
	if f.ipc.resets != 1 || len(f.ipc.assignments) != 1 {
		t.Fatalf("ipc use = resets %d assignments %d", f.ipc.resets, len(f.ipc.assignments))
	}
	a := f.ipc.assignments[0]
	if a.EntryID != "e2" || a.Model != "gpt-4o-mini" || !strings.Contains(a.Prompt, "quick question") {
		t.Errorf("assignment = %+v", a)
	}
}

func TestPartialOutputRetriesOnceHighPriority(t *testing.T) {
	ch := newFakeChannel()
	f := newFixture(ch)
	f.ipc.streamErr = fmt.Errorf("stream main: %w", sala.ErrPartialOutput)

	e := sala.QueueEntry{ID: "e3", GroupID: "main", ChatID: "tg:42", Prompt: "long job"}
	f.orch.setMeta("e3", entryMeta{tier: sala.TierContainerShort, model: "gpt-4o-mini"})

	err := f.orch.HandleEntry(context.Background(), e)
	if !errors.Is(err, sala.ErrPartialOutput) {
		t.Fatalf("err = %v, want ErrPartialOutput", err)
	}

	f.queue.mu.Lock()
	defer f.queue.mu.Unlock()
	if len(f.queue.entries) != 1 {
		t.Fatalf("retries queued = %d", len(f.queue.entries))
	}
	retry := f.queue.entries[0]
	if retry.Priority != sala.PriorityHigh || retry.RetryCount != 1 {
		t.Errorf("retry = %+v", retry)
	}
	found := false
	for _, s := range ch.sentTexts() {
		if strings.Contains(s, "cut off") {
			found = true
		}
	}
	if !found {
		t.Error("user not notified of partial output")
	}
}

func TestSecondPartialFailureAlertsAdmin(t *testing.T) {
	ch := newFakeChannel()
	f := newFixture(ch)
	f.ipc.streamErr = fmt.Errorf("stream main: %w", sala.ErrPartialOutput)

	e := sala.QueueEntry{ID: "e4", GroupID: "main", ChatID: "tg:42", Prompt: "long job", RetryCount: 1}
	f.orch.setMeta("e4", entryMeta{tier: sala.TierContainerShort, model: "gpt-4o-mini"})

	if err := f.orch.HandleEntry(context.Background(), e); !errors.Is(err, sala.ErrPartialOutput) {
		t.Fatalf("err = %v", err)
	}

	f.queue.mu.Lock()
	if len(f.queue.entries) != 0 {
		t.Error("second failure queued another retry")
	}
	f.queue.mu.Unlock()

	alerted := false
	for _, s := range ch.sentTexts() {
		if strings.Contains(s, "giving up") {
			alerted = true
		}
	}
	if !alerted {
		t.Error("admin never alerted")
	}
}

func TestSelfReflectionRetriesLowQualityReply(t *testing.T) {
	ch := newFakeChannel()
	f := newFixture(ch)
	// Short hedge for a long request trips the quality bar every time, so
	// the handler runs the initial attempt plus both reflections.
	f.ipc.frames = []ipc.Frame{{Index: 0, Text: "I don't know."}}

	long := strings.Repeat("Please handle this multi-step request carefully. ", 10)
	e := sala.QueueEntry{ID: "e5", GroupID: "main", ChatID: "tg:42", Prompt: long}
	f.orch.setMeta("e5", entryMeta{tier: sala.TierContainerFull, model: "claude-sonnet-4-5"})

	if err := f.orch.HandleEntry(context.Background(), e); err != nil {
		t.Fatalf("handle: %v", err)
	}

	f.ipc.mu.Lock()
	defer f.ipc.mu.Unlock()
	if len(f.ipc.assignments) != 1+maxReflections {
		t.Fatalf("assignments = %d, want %d", len(f.ipc.assignments), 1+maxReflections)
	}
	if !strings.Contains(f.ipc.assignments[1].Prompt, "previous answer") {
		t.Error("reflection prompt missing prior answer")
	}
}

func TestRunTaskBlocksUntilHandlerFinishes(t *testing.T) {
	ch := newFakeChannel()
	f := newFixture(ch)
	f.ipc.frames = []ipc.Frame{{Index: 0, Text: "nightly report compiled and filed under the usual folder."}}

	done := make(chan error, 1)
	go func() {
		done <- f.orch.RunTask(context.Background(), sala.ScheduledTask{
			ID: "t1", GroupID: "main", Prompt: "compile the nightly report",
		})
	}()

	var entry sala.QueueEntry
	waitFor(t, func() bool {
		f.queue.mu.Lock()
		defer f.queue.mu.Unlock()
		if len(f.queue.entries) == 0 {
			return false
		}
		entry = f.queue.entries[0]
		return true
	}, "task never enqueued")
	if entry.Priority != sala.PriorityHigh {
		t.Errorf("task priority = %v, want high", entry.Priority)
	}

	if err := f.orch.HandleEntry(context.Background(), entry); err != nil {
		t.Fatalf("handle: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("RunTask = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RunTask never returned")
	}
}

func TestFallbackPollRecoversDroppedEvent(t *testing.T) {
	ch := newFakeChannel()
	f := newFixture(ch)

	// Seed a pending message as if the bus dropped its event, then sweep.
	p := pendingEvent{ev: event("hello"), msgID: "m1", at: time.Now().Add(-time.Minute)}
	f.orch.mu.Lock()
	f.orch.pending[eventKey(p.ev)] = p
	f.orch.mu.Unlock()

	f.orch.sweepPending(context.Background())

	if got := ch.sentTexts(); len(got) != 1 || !strings.Contains(got[0], "Hello") {
		t.Errorf("recovered reply = %v", got)
	}
}

func TestServeRequestsAnswersContainers(t *testing.T) {
	ch := newFakeChannel()
	f := newFixture(ch)
	f.eng.results = []knowledge.SearchResult{{Title: "Wifi", Content: "Password rotates monthly."}}
	f.ipc.requests = make(chan ipc.Request, 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.orch.ServeRequests(ctx, "main")

	f.ipc.requests <- ipc.Request{ID: "r1", Group: "main",
		Payload: json.RawMessage(`{"op":"consult","query":"wifi"}`)}
	f.ipc.requests <- ipc.Request{ID: "r2", Group: "main",
		Payload: json.RawMessage(`{"op":"learn","title":"Deploy","content":"Run release.","layer":"procedural"}`)}
	f.ipc.requests <- ipc.Request{ID: "r3", Group: "main",
		Payload: json.RawMessage(`{"op":"selfdestruct"}`)}

	waitFor(t, func() bool {
		f.ipc.mu.Lock()
		defer f.ipc.mu.Unlock()
		return len(f.ipc.responses) == 3
	}, "responses never written")

	f.ipc.mu.Lock()
	defer f.ipc.mu.Unlock()
	consult := f.ipc.responses[0].(map[string]string)
	if !strings.Contains(consult["context"], "[source: Wifi]") {
		t.Errorf("consult context = %q", consult["context"])
	}
	learned := f.ipc.responses[1].(map[string]string)
	if learned["id"] != "doc-learned" {
		t.Errorf("learn response = %v", learned)
	}
	if f.eng.learned[0].Layer != sala.LayerProcedural {
		t.Errorf("learned layer = %v", f.eng.learned[0].Layer)
	}
	failed := f.ipc.responses[2].(map[string]string)
	if !strings.Contains(failed["error"], "unknown op") {
		t.Errorf("bad op response = %v", failed)
	}
}

type fakeDownloadChannel struct {
	*fakeChannel
}

func (f *fakeDownloadChannel) DownloadFile(context.Context, string) ([]byte, string, error) {
	return []byte("jpeg bytes"), "image/jpeg", nil
}

type fakeBlobs struct {
	mu   sync.Mutex
	puts int
}

func (f *fakeBlobs) Put(r io.Reader) (string, error) {
	if _, err := io.Copy(io.Discard, r); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	return "ab/cdef01", nil
}

func TestAttachmentsLandInBlobStore(t *testing.T) {
	ch := &fakeDownloadChannel{fakeChannel: newFakeChannel()}
	f := newFixture(ch)
	blobs := &fakeBlobs{}
	WithBlobs(blobs)(f.orch)
	cancel := startFixture(t, f)
	defer cancel()

	ev := event("look at this photo")
	ev.Attachments = []sala.Attachment{{Kind: sala.AttachmentPhoto, FileID: "tg-file-1"}}
	ch.events <- ev

	waitFor(t, func() bool {
		f.store.mu.Lock()
		defer f.store.mu.Unlock()
		return len(f.store.attachmentPaths) == 1
	}, "attachment path never recorded")

	if got := f.store.attachmentPaths[0]; !strings.HasSuffix(got, "=ab/cdef01") {
		t.Errorf("attachment path = %q", got)
	}
	blobs.mu.Lock()
	defer blobs.mu.Unlock()
	if blobs.puts != 1 {
		t.Errorf("puts = %d", blobs.puts)
	}
}
