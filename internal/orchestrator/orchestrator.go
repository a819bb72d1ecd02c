// Package orchestrator ties the platform together. Channel events are
// persisted, published on the bus, classified, and answered either inline,
// from the knowledge engine, or by a sandboxed container run whose output
// streams back to the channel.
package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	sala "github.com/nitad/sala"
	"github.com/nitad/sala/internal/bus"
	"github.com/nitad/sala/internal/channel"
	"github.com/nitad/sala/internal/ipc"
	"github.com/nitad/sala/internal/knowledge"
	"github.com/nitad/sala/internal/observer"
	"github.com/nitad/sala/internal/queue"
	"github.com/nitad/sala/internal/router"
	"github.com/nitad/sala/internal/sandbox"
	"github.com/nitad/sala/internal/store"
)

const (
	// fallbackPoll re-checks ingested messages the bus failed to deliver.
	fallbackPoll = 30 * time.Second
	// pendingGrace is how long an ingested message waits for its bus event
	// before the fallback poll picks it up.
	pendingGrace = 5 * time.Second
	// idleSummary closes a conversation after this much silence.
	idleSummary = 30 * time.Minute

	knowledgeLimit = 5
)

// Store is the persistence surface the orchestrator needs.
type Store interface {
	EnsureChat(ctx context.Context, id, displayName, groupID string) (sala.Chat, error)
	InsertMessage(ctx context.Context, msg sala.Message) error
	SetAttachmentPath(ctx context.Context, attachmentID, localPath string) error
	InsertCostRecord(ctx context.Context, r sala.CostRecord) error
}

var _ Store = (*store.Store)(nil)

// Blobs is the content-addressed attachment store.
type Blobs interface {
	Put(r io.Reader) (string, error)
}

var _ Blobs = (*store.BlobStore)(nil)

// Downloader is the optional channel capability for fetching native files.
type Downloader interface {
	DownloadFile(ctx context.Context, fileID string) (data []byte, mime string, err error)
}

// Knowledge is the engine surface used for direct answers, prompt assembly,
// and conversation summaries.
type Knowledge interface {
	Search(ctx context.Context, req knowledge.SearchRequest) ([]knowledge.SearchResult, error)
	Learn(ctx context.Context, req knowledge.LearnRequest) (string, error)
	EpisodicRecall(ctx context.Context, limit int) ([]sala.Document, error)
	SaveSummary(ctx context.Context, sessionID, title, content string) (string, error)
}

var _ Knowledge = (*knowledge.Engine)(nil)

// Queue accepts container-bound work.
type Queue interface {
	Enqueue(ctx context.Context, e sala.QueueEntry) (int, error)
}

var _ Queue = (*queue.Queue)(nil)

// Pool hands out warm containers.
type Pool interface {
	Acquire(ctx context.Context, group, session string) (sala.ContainerRecord, error)
	Release(ctx context.Context, id string, hadError bool)
}

var _ Pool = (*sandbox.Pool)(nil)

// Transport is the IPC surface for assignments and response streams.
type Transport interface {
	WriteAssignment(group string, payload any) error
	TailStream(ctx context.Context, group string) (<-chan ipc.Frame, <-chan error, error)
	ResetStream(group string) error
	WatchRequests(ctx context.Context, group string) (<-chan ipc.Request, error)
	WriteResponse(group, requestID string, payload any) error
}

var _ Transport = (*ipc.Transport)(nil)

// Config carries the orchestrator's identity and wiring constants.
type Config struct {
	AssistantName string
	DefaultGroup  string
	// GroupsDir holds per-group workspaces; each group carries its system
	// prompt and user-model files.
	GroupsDir string
	// AdminChatID receives scheduler alerts and failure reports. Empty
	// disables admin notifications.
	AdminChatID string
	// Models maps router hints to configured model names.
	ModelCheap  string
	ModelStrong string
	// RunTimeout bounds one container run.
	RunTimeout time.Duration
}

func (c *Config) fillDefaults() {
	if c.AssistantName == "" {
		c.AssistantName = "Sala"
	}
	if c.DefaultGroup == "" {
		c.DefaultGroup = "main"
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = 30 * time.Minute
	}
	if c.ModelCheap == "" {
		c.ModelCheap = "gpt-4o-mini"
	}
	if c.ModelStrong == "" {
		c.ModelStrong = "claude-sonnet-4-5"
	}
}

// pendingEvent is an ingested message awaiting routing. The bus normally
// delivers it within milliseconds; the fallback poll catches drops.
type pendingEvent struct {
	ev    sala.Event
	msgID string
	at    time.Time
}

// entryMeta carries routing context from enqueue to the queue handler.
// Entries restored after a restart run with full-tier defaults.
type entryMeta struct {
	tier  sala.Tier
	model string
}

// session tracks one chat's live conversation for the end-of-conversation
// episodic summary.
type session struct {
	lines    []string
	lastSeen time.Time
}

// Orchestrator is the message state machine.
type Orchestrator struct {
	cfg    Config
	store  Store
	engine Knowledge
	queue  Queue
	pool   Pool
	ipc    Transport
	router *router.Router
	bus    *bus.Bus
	blobs  Blobs
	inst   *observer.Instruments
	logger *slog.Logger

	status func(ctx context.Context) string

	mu       sync.Mutex
	channels map[string]channel.Channel
	pending  map[string]pendingEvent
	meta     map[string]entryMeta
	waiters  map[string]chan error
	sessions map[string]*session

	farewells map[string]struct{}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the structured logger. Default discards.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithInstruments sets the observability instruments. Default is no-op.
func WithInstruments(inst *observer.Instruments) Option {
	return func(o *Orchestrator) {
		if inst != nil {
			o.inst = inst
		}
	}
}

// WithBlobs sets the attachment blob store. Without it attachments are
// recorded but their bytes stay with the channel.
func WithBlobs(b Blobs) Option {
	return func(o *Orchestrator) { o.blobs = b }
}

// WithStatus sets the /status command renderer.
func WithStatus(fn func(ctx context.Context) string) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.status = fn
		}
	}
}

// New builds an orchestrator. Channels are attached with RegisterChannel
// before Run.
func New(cfg Config, st Store, eng Knowledge, q Queue, pool Pool, tr Transport, rt *router.Router, b *bus.Bus, opts ...Option) *Orchestrator {
	cfg.fillDefaults()
	o := &Orchestrator{
		cfg:      cfg,
		store:    st,
		engine:   eng,
		queue:    q,
		pool:     pool,
		ipc:      tr,
		router:   rt,
		bus:      b,
		inst:     observer.NewNoop(nil),
		logger:   slog.New(discardHandler{}),
		status:   func(context.Context) string { return "ok" },
		channels: make(map[string]channel.Channel),
		pending:  make(map[string]pendingEvent),
		meta:     make(map[string]entryMeta),
		waiters:  make(map[string]chan error),
		sessions: make(map[string]*session),
		farewells: map[string]struct{}{
			"bye": {}, "goodbye": {}, "good night": {}, "goodnight": {},
			"see you": {}, "ลาก่อน": {}, "บาย": {}, "ราตรีสวัสดิ์": {},
		},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RegisterChannel attaches a channel adapter under its chat-id prefix
// ("tg", "wa"). Must be called before Run.
func (o *Orchestrator) RegisterChannel(prefix string, ch channel.Channel) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.channels[prefix] = ch
}

// Run consumes channel events and bus deliveries until ctx is done. The
// bus path is the fast path; a 30-second poll over still-pending messages
// recovers anything a full subscriber buffer dropped.
func (o *Orchestrator) Run(ctx context.Context) {
	events, cancel := o.bus.Subscribe(ctx)
	defer cancel()

	o.mu.Lock()
	for _, ch := range o.channels {
		go o.consume(ctx, ch)
	}
	o.mu.Unlock()

	ticker := time.NewTicker(fallbackPoll)
	defer ticker.Stop()

	o.logger.Info("orchestrator: running", "channels", len(o.channels))
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if p, found := o.takePending(eventKey(ev)); found {
				o.process(ctx, p)
			}
		case <-ticker.C:
			o.sweepPending(ctx)
			o.sweepIdleSessions(ctx)
		}
	}
}

func (o *Orchestrator) consume(ctx context.Context, ch channel.Channel) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch.Events():
			if !ok {
				return
			}
			msgID, err := o.ingest(ctx, ch, ev)
			if err != nil {
				o.logger.Error("orchestrator: ingest failed", "chat", ev.ChatID, "error", err)
				continue
			}
			if ev.Type != sala.EventMessage {
				continue
			}
			o.mu.Lock()
			o.pending[eventKey(ev)] = pendingEvent{ev: ev, msgID: msgID, at: time.Now()}
			o.mu.Unlock()
			o.bus.Publish(ctx, ev)
		}
	}
}

// ingest registers the chat and persists the message with its attachments.
func (o *Orchestrator) ingest(ctx context.Context, ch channel.Channel, ev sala.Event) (string, error) {
	name := ev.DisplayName
	if name == "" {
		name = ev.SenderDisplay
	}
	if _, err := o.store.EnsureChat(ctx, ev.ChatID, name, o.cfg.DefaultGroup); err != nil {
		return "", fmt.Errorf("ensure chat: %w", err)
	}
	if ev.Type != sala.EventMessage {
		return "", nil
	}

	msg := sala.Message{
		ID:            sala.NewID(),
		ChatID:        ev.ChatID,
		ExternalID:    ev.ExternalID,
		Sender:        ev.Sender,
		SenderDisplay: ev.SenderDisplay,
		Content:       ev.Content,
		Attachments:   ev.Attachments,
		Timestamp:     ev.Timestamp,
	}
	for i := range msg.Attachments {
		if msg.Attachments[i].ID == "" {
			msg.Attachments[i].ID = sala.NewID()
		}
		msg.Attachments[i].MessageID = msg.ID
	}
	if err := o.store.InsertMessage(ctx, msg); err != nil {
		return "", err
	}
	o.storeAttachments(ctx, ch, msg)
	return msg.ID, nil
}

// storeAttachments pulls channel-native files into the blob store. A failed
// download leaves the attachment row without a local path.
func (o *Orchestrator) storeAttachments(ctx context.Context, ch channel.Channel, msg sala.Message) {
	dl, ok := ch.(Downloader)
	if !ok || o.blobs == nil {
		return
	}
	for _, att := range msg.Attachments {
		if att.FileID == "" || att.LocalPath != "" {
			continue
		}
		data, _, err := dl.DownloadFile(ctx, att.FileID)
		if err != nil {
			o.logger.Warn("orchestrator: attachment download failed",
				"attachment", att.ID, "error", err)
			continue
		}
		path, err := o.blobs.Put(bytes.NewReader(data))
		if err != nil {
			o.logger.Warn("orchestrator: attachment not stored",
				"attachment", att.ID, "error", err)
			continue
		}
		if err := o.store.SetAttachmentPath(ctx, att.ID, path); err != nil {
			o.logger.Warn("orchestrator: attachment path not recorded",
				"attachment", att.ID, "error", err)
		}
	}
}

// process routes one ingested message.
func (o *Orchestrator) process(ctx context.Context, p pendingEvent) {
	start := time.Now()
	o.touchSession(p.ev.ChatID, "user: "+p.ev.Content)

	if o.isFarewell(p.ev.Content) {
		o.closeSession(ctx, p.ev.ChatID)
		o.reply(ctx, p.ev.ChatID, o.farewellText(p.ev.Content))
		o.recordCost(ctx, p.ev.ChatID, sala.TierInline, "", 0, 0, start)
		return
	}

	cl := o.router.Classify(p.ev.Content)
	o.inst.Requests.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", string(cl.Tier))))
	o.logger.Debug("orchestrator: classified", "chat", p.ev.ChatID,
		"tier", cl.Tier, "confidence", cl.Confidence, "reason", cl.Reason)

	switch cl.Tier {
	case sala.TierInline:
		o.reply(ctx, p.ev.ChatID, o.inlineText(ctx, p.ev.Content, cl))
		o.recordCost(ctx, p.ev.ChatID, cl.Tier, "", 0, 0, start)
	case sala.TierKnowledgeOnly:
		text, tokens := o.knowledgeAnswer(ctx, p.ev.Content)
		o.reply(ctx, p.ev.ChatID, text)
		o.recordCost(ctx, p.ev.ChatID, cl.Tier, o.cfg.ModelCheap, tokens, 0, start)
	default:
		o.enqueueContainer(ctx, p, cl)
	}
	o.inst.RequestDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("tier", string(cl.Tier))))
}

// enqueueContainer submits a container-tier message and tells the user
// their place in line when they are not first.
func (o *Orchestrator) enqueueContainer(ctx context.Context, p pendingEvent, cl sala.Classification) {
	entry := sala.QueueEntry{
		ID:        sala.NewID(),
		GroupID:   o.cfg.DefaultGroup,
		ChatID:    p.ev.ChatID,
		MessageID: p.msgID,
		Prompt:    p.ev.Content,
		Priority:  sala.PriorityNormal,
	}
	o.setMeta(entry.ID, entryMeta{tier: cl.Tier, model: o.modelFor(cl.ModelHint)})

	pos, err := o.queue.Enqueue(ctx, entry)
	if err != nil {
		o.clearMeta(entry.ID)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		o.inst.QueueRejections.Add(ctx, 1)
		o.logger.Warn("orchestrator: enqueue rejected", "chat", p.ev.ChatID, "error", err)
		o.reply(ctx, p.ev.ChatID, sala.UserMessage(err))
		return
	}
	// Queueing always gets an acknowledgement, even at the head: the reply
	// will not be instant, and silence reads as a dropped message.
	o.reply(ctx, p.ev.ChatID, fmt.Sprintf("Queued, position %d.", pos))
}

// RunTask adapts the orchestrator into a scheduler.Runner: the task prompt
// enters the queue at high priority and RunTask blocks until the container
// run finishes.
func (o *Orchestrator) RunTask(ctx context.Context, t sala.ScheduledTask) error {
	entry := sala.QueueEntry{
		ID:       sala.NewID(),
		GroupID:  t.GroupID,
		ChatID:   o.cfg.AdminChatID,
		Prompt:   t.Prompt,
		Priority: sala.PriorityHigh,
	}
	o.setMeta(entry.ID, entryMeta{tier: sala.TierContainerFull, model: o.cfg.ModelStrong})

	done := make(chan error, 1)
	o.mu.Lock()
	o.waiters[entry.ID] = done
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.waiters, entry.ID)
		o.mu.Unlock()
	}()

	if _, err := o.queue.Enqueue(ctx, entry); err != nil {
		o.clearMeta(entry.ID)
		return fmt.Errorf("enqueue task %s: %w", t.ID, err)
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Alert sends a one-line notice to the admin chat, used by the scheduler's
// circuit breaker and the partial-output recovery path.
func (o *Orchestrator) Alert(ctx context.Context, message string) {
	if o.cfg.AdminChatID == "" {
		o.logger.Warn("orchestrator: alert with no admin chat", "message", message)
		return
	}
	o.reply(ctx, o.cfg.AdminChatID, message)
}

// reply sends text to a chat through its channel, logging rather than
// propagating failures: a lost reply must never wedge the pipeline.
func (o *Orchestrator) reply(ctx context.Context, chatID, text string) {
	if text == "" || chatID == "" {
		return
	}
	ch := o.channelFor(chatID)
	if ch == nil {
		o.logger.Warn("orchestrator: no channel for chat", "chat", chatID)
		return
	}
	if _, err := ch.SendText(ctx, chatID, text); err != nil {
		o.logger.Error("orchestrator: send failed", "chat", chatID, "error", err)
		return
	}
	o.touchSession(chatID, "assistant: "+text)
}

func (o *Orchestrator) channelFor(chatID string) channel.Channel {
	prefix := chatID
	if i := strings.IndexByte(chatID, ':'); i > 0 {
		prefix = chatID[:i]
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if ch, ok := o.channels[prefix]; ok {
		return ch
	}
	// Single-channel deployments accept unprefixed ids.
	if len(o.channels) == 1 {
		for _, ch := range o.channels {
			return ch
		}
	}
	return nil
}

func (o *Orchestrator) recordCost(ctx context.Context, chatID string, tier sala.Tier, model string, in, out int, start time.Time) {
	rec := sala.CostRecord{
		ID:           sala.NewID(),
		ChatID:       chatID,
		Tier:         tier,
		Model:        model,
		InputTokens:  in,
		OutputTokens: out,
		CostUSD:      o.inst.Cost.Calculate(model, in, out),
		LatencyMs:    time.Since(start).Milliseconds(),
		CreatedAt:    time.Now().Unix(),
	}
	if err := o.store.InsertCostRecord(ctx, rec); err != nil {
		o.logger.Warn("orchestrator: cost record failed", "chat", chatID, "error", err)
	}
	o.inst.TokenUsage.Add(ctx, int64(in+out))
	o.inst.CostTotal.Add(ctx, rec.CostUSD, metric.WithAttributes(attribute.String("model", model)))
}

func (o *Orchestrator) modelFor(hint string) string {
	if hint == router.ModelCheap {
		return o.cfg.ModelCheap
	}
	return o.cfg.ModelStrong
}

// --- pending bookkeeping ---

func eventKey(ev sala.Event) string {
	return ev.ChatID + "/" + ev.ExternalID
}

func (o *Orchestrator) takePending(key string) (pendingEvent, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.pending[key]
	if ok {
		delete(o.pending, key)
	}
	return p, ok
}

// sweepPending routes ingested messages whose bus event never arrived.
func (o *Orchestrator) sweepPending(ctx context.Context) {
	cutoff := time.Now().Add(-pendingGrace)
	o.mu.Lock()
	var missed []pendingEvent
	for key, p := range o.pending {
		if p.at.Before(cutoff) {
			missed = append(missed, p)
			delete(o.pending, key)
		}
	}
	o.mu.Unlock()

	for _, p := range missed {
		o.logger.Warn("orchestrator: recovering missed event", "chat", p.ev.ChatID)
		o.process(ctx, p)
	}
}

func (o *Orchestrator) setMeta(entryID string, m entryMeta) {
	o.mu.Lock()
	o.meta[entryID] = m
	o.mu.Unlock()
}

func (o *Orchestrator) clearMeta(entryID string) {
	o.mu.Lock()
	delete(o.meta, entryID)
	o.mu.Unlock()
}

func (o *Orchestrator) metaFor(entryID string) entryMeta {
	o.mu.Lock()
	defer o.mu.Unlock()
	if m, ok := o.meta[entryID]; ok {
		return m
	}
	// Entries restored across a restart lost their routing context.
	return entryMeta{tier: sala.TierContainerFull, model: o.cfg.ModelStrong}
}

func (o *Orchestrator) signalWaiter(entryID string, err error) {
	o.mu.Lock()
	done, ok := o.waiters[entryID]
	o.mu.Unlock()
	if ok {
		done <- err
	}
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
