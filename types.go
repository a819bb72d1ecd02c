package sala

// --- Chats and messages ---

// Chat is a registered conversation, identified by a channel-qualified id
// such as "tg:12345" or "wa:6281234@s.whatsapp.net". Chats are created on
// first inbound message and never destroyed, only archived.
type Chat struct {
	ID            string `json:"id"`
	DisplayName   string `json:"display_name"`
	Registered    bool   `json:"registered"`
	GroupID       string `json:"group_id"`
	TriggerPhrase string `json:"trigger_phrase,omitempty"`
	Archived      bool   `json:"archived"`
	CreatedAt     int64  `json:"created_at"`
}

// Message is one inbound or outbound chat message. Insert-only.
type Message struct {
	ID            string       `json:"id"`
	ChatID        string       `json:"chat_id"`
	ExternalID    string       `json:"external_id"`
	Sender        string       `json:"sender"`
	SenderDisplay string       `json:"sender_display"`
	Content       string       `json:"content"`
	Attachments   []Attachment `json:"attachments,omitempty"`
	Timestamp     int64        `json:"timestamp"`
}

// AttachmentKind classifies an attachment.
type AttachmentKind string

const (
	AttachmentPhoto    AttachmentKind = "photo"
	AttachmentDocument AttachmentKind = "document"
	AttachmentVideo    AttachmentKind = "video"
	AttachmentVoice    AttachmentKind = "voice"
	AttachmentAudio    AttachmentKind = "audio"
)

// Attachment is a media item owned by a message. LocalPath is set once the
// blob has been fetched into the content-addressed store.
type Attachment struct {
	ID        string         `json:"id"`
	MessageID string         `json:"message_id"`
	Kind      AttachmentKind `json:"kind"`
	Mime      string         `json:"mime"`
	Filename  string         `json:"filename,omitempty"`
	Size      int64          `json:"size"`
	FileID    string         `json:"file_id"`
	LocalPath string         `json:"local_path,omitempty"`
	Width     int            `json:"width,omitempty"`
	Height    int            `json:"height,omitempty"`
	Duration  int            `json:"duration,omitempty"`
	Index     int            `json:"index"`
}

// Group is a workspace identity: a directory holding the per-group system
// prompt, the long-term user model file, skills, and the IPC namespace.
// Exactly one group is Main; it carries elevated knowledge-write privileges.
type Group struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Folder    string `json:"folder"`
	Main      bool   `json:"main"`
	CreatedAt int64  `json:"created_at"`
}

// --- Queue ---

// Priority orders queue entries. Lower value is served first.
type Priority int

const (
	PriorityHigh   Priority = 0
	PriorityNormal Priority = 1
	PriorityLow    Priority = 2
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// QueueStatus is the lifecycle state of a queue entry.
type QueueStatus string

const (
	QueueWaiting   QueueStatus = "waiting"
	QueueActive    QueueStatus = "active"
	QueueCompleted QueueStatus = "completed"
	QueueFailed    QueueStatus = "failed"
)

// QueueEntry is a persisted unit of container-bound work. Entries survive
// restarts: waiting entries are re-enqueued, active entries are reclaimed if
// their container is still alive and re-enqueued otherwise.
type QueueEntry struct {
	ID          string      `json:"id"`
	GroupID     string      `json:"group_id"`
	ChatID      string      `json:"chat_id"`
	MessageID   string      `json:"message_id"`
	Prompt      string      `json:"prompt"`
	Priority    Priority    `json:"priority"`
	Status      QueueStatus `json:"status"`
	ContainerID string      `json:"container_id,omitempty"`
	EnqueuedAt  int64       `json:"enqueued_at"`
	StartedAt   int64       `json:"started_at,omitempty"`
	FinishedAt  int64       `json:"finished_at,omitempty"`
	RetryCount  int         `json:"retry_count"`
	LastError   string      `json:"last_error,omitempty"`
}

// --- Containers ---

// ContainerStatus is the runtime state of a sandbox container.
type ContainerStatus string

const (
	ContainerWarming  ContainerStatus = "warming"
	ContainerReady    ContainerStatus = "ready"
	ContainerInUse    ContainerStatus = "in_use"
	ContainerDraining ContainerStatus = "draining"
	ContainerStuck    ContainerStatus = "stuck"
	ContainerStopped  ContainerStatus = "stopped"
)

// ContainerRecord tracks one sandbox container. LastHeartbeat is monotonic;
// a container whose heartbeat is older than the stuck threshold transitions
// to ContainerStuck and is force-stopped.
type ContainerRecord struct {
	ID            string            `json:"id"`
	GroupID       string            `json:"group_id"`
	SessionID     string            `json:"session_id,omitempty"`
	Status        ContainerStatus   `json:"status"`
	StartedAt     int64             `json:"started_at"`
	LastHeartbeat int64             `json:"last_heartbeat"`
	ReuseCount    int               `json:"reuse_count"`
	Labels        map[string]string `json:"labels,omitempty"`
}

// --- Scheduled tasks ---

// TaskStatus is the lifecycle state of a scheduled task.
type TaskStatus string

const (
	TaskActive    TaskStatus = "active"
	TaskPaused    TaskStatus = "paused"
	TaskCancelled TaskStatus = "cancelled"
	TaskCompleted TaskStatus = "completed"
)

// ScheduledTask is a recurring (cron) or one-shot (once:) job. NextRun is
// UTC; NextRunLocal is the zone-formatted rendering for display. Paused is
// the circuit-breaker state entered after three consecutive failures.
type ScheduledTask struct {
	ID                  string     `json:"id"`
	GroupID             string     `json:"group_id"`
	Schedule            string     `json:"schedule"`
	Prompt              string     `json:"prompt"`
	NextRun             int64      `json:"next_run"`
	NextRunLocal        string     `json:"next_run_local"`
	Timezone            string     `json:"timezone"`
	Status              TaskStatus `json:"status"`
	RetryCount          int        `json:"retry_count"`
	MaxRetries          int        `json:"max_retries"`
	RetryDelayMs        int64      `json:"retry_delay_ms"`
	TaskTimeoutMs       int64      `json:"task_timeout_ms"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	DisabledAt          int64      `json:"disabled_at,omitempty"`
	CreatedAt           int64      `json:"created_at"`
}

// --- Knowledge ---

// DocumentType classifies a knowledge document.
type DocumentType string

const (
	DocLearning            DocumentType = "learning"
	DocPrinciple           DocumentType = "principle"
	DocRetrospective       DocumentType = "retrospective"
	DocDecision            DocumentType = "decision"
	DocThread              DocumentType = "thread"
	DocTrace               DocumentType = "trace"
	DocUserModel           DocumentType = "user_model"
	DocProcedural          DocumentType = "procedural"
	DocConversationSummary DocumentType = "conversation_summary"
)

// MemoryLayer scopes a document along the memory dimension.
type MemoryLayer string

const (
	LayerUserModel  MemoryLayer = "user_model"
	LayerProcedural MemoryLayer = "procedural"
	LayerSemantic   MemoryLayer = "semantic"
	LayerEpisodic   MemoryLayer = "episodic"
	LayerWorking    MemoryLayer = "working"
)

// CreatedBy identifies the writer of a knowledge document. Only indexer
// documents may be deleted by a re-indexing pass; learn-API and manual
// documents always survive rebuilds.
type CreatedBy string

const (
	ByIndexer  CreatedBy = "indexer"
	ByLearnAPI CreatedBy = "learn_api"
	ByManual   CreatedBy = "manual"
)

// SyncStatus tracks relational↔vector store consistency per document.
type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSynced  SyncStatus = "synced"
	SyncFailed  SyncStatus = "failed"
)

// Document is a knowledge entry. Concepts are free-form tags used for
// retrieval expansion; Project is canonicalised to host/owner/repo.
type Document struct {
	ID           string            `json:"id"`
	Type         DocumentType      `json:"type"`
	SourcePath   string            `json:"source_path,omitempty"`
	Title        string            `json:"title"`
	Content      string            `json:"content"`
	Concepts     []string          `json:"concepts,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Project      string            `json:"project,omitempty"`
	Layer        MemoryLayer       `json:"layer"`
	CreatedBy    CreatedBy         `json:"created_by"`
	Sync         SyncStatus        `json:"sync_status"`
	SyncRetries  int               `json:"-"`
	AccessCount  int64             `json:"access_count"`
	LastAccess   int64             `json:"last_access,omitempty"`
	DecayScore   float64           `json:"decay_score"`
	SupersededBy string            `json:"superseded_by,omitempty"`
	SessionID    string            `json:"session_id,omitempty"`
	CreatedAt    int64             `json:"created_at"`
	UpdatedAt    int64             `json:"updated_at"`
}

// Chunk is a sub-document unit used by the vector store. The ID is
// deterministic from (document id, index, content hash) so re-chunking
// identical content yields identical chunks.
type Chunk struct {
	ID             string    `json:"id"`
	DocumentID     string    `json:"document_id"`
	Index          int       `json:"index"`
	Total          int       `json:"total"`
	Content        string    `json:"content"`
	TokenCount     int       `json:"token_count"`
	EmbeddingModel string    `json:"embedding_model,omitempty"`
	Embedding      []float32 `json:"-"`
}

// Supersession links an old document to its replacement. Append-only;
// originals are never deleted.
type Supersession struct {
	OldDocID string `json:"old_doc_id"`
	NewDocID string `json:"new_doc_id"`
	Reason   string `json:"reason"`
	By       string `json:"by"`
	At       int64  `json:"at"`
}

// --- Channel events ---

// EventType discriminates channel events.
type EventType string

const (
	EventMessage      EventType = "message_received"
	EventChatMetadata EventType = "chat_metadata"
)

// Event is one inbound channel occurrence: a received message or a chat
// metadata update.
type Event struct {
	Type          EventType    `json:"type"`
	ChatID        string       `json:"chat_id"`
	ExternalID    string       `json:"external_id,omitempty"`
	Sender        string       `json:"sender,omitempty"`
	SenderDisplay string       `json:"sender_display,omitempty"`
	Content       string       `json:"content,omitempty"`
	DisplayName   string       `json:"display_name,omitempty"`
	Attachments   []Attachment `json:"attachments,omitempty"`
	Timestamp     int64        `json:"timestamp"`
}

// PayloadKind discriminates outbound payloads.
type PayloadKind string

const (
	PayloadText     PayloadKind = "text"
	PayloadPhoto    PayloadKind = "photo"
	PayloadDocument PayloadKind = "document"
)

// Payload is one outbound channel message. FilePath points into the local
// attachment store for photo and document payloads.
type Payload struct {
	Kind     PayloadKind `json:"kind"`
	Text     string      `json:"text,omitempty"`
	FilePath string      `json:"file_path,omitempty"`
	Caption  string      `json:"caption,omitempty"`
}

// ChannelState is a channel adapter's connection state. LoggedOut is
// terminal for the channel but never for the process.
type ChannelState string

const (
	ChannelDisconnected ChannelState = "disconnected"
	ChannelConnecting   ChannelState = "connecting"
	ChannelConnected    ChannelState = "connected"
	ChannelReconnecting ChannelState = "reconnecting"
	ChannelDegraded     ChannelState = "degraded"
	ChannelLoggedOut    ChannelState = "logged_out"
)

// --- Routing and cost ---

// Tier is the routing verdict for a message.
type Tier string

const (
	TierInline         Tier = "inline"
	TierKnowledgeOnly  Tier = "knowledge_only"
	TierContainerShort Tier = "container_short"
	TierContainerFull  Tier = "container_full"
)

// Classification is the router's verdict for one message.
type Classification struct {
	Tier       Tier    `json:"tier"`
	ModelHint  string  `json:"model_hint"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// CostRecord is the per-request accounting row attached to every outcome.
type CostRecord struct {
	ID           string  `json:"id"`
	ChatID       string  `json:"chat_id"`
	Tier         Tier    `json:"tier"`
	Model        string  `json:"model"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_estimate"`
	LatencyMs    int64   `json:"latency_ms"`
	CreatedAt    int64   `json:"created_at"`
}
