package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	sala "github.com/nitad/sala"
	"github.com/nitad/sala/internal/channel"
	"github.com/nitad/sala/internal/ipc"
)

const (
	// editInterval batches Telegram message edits while a reply streams.
	editInterval = 500 * time.Millisecond
	// maxReflections caps self-reflection retries on low-quality replies.
	maxReflections = 2
	qualityBar     = 0.5
)

// HandleEntry is the queue handler: it runs one container-bound request
// end to end. Entries restored with a container id resume the stream of
// the still-running container instead of starting a new run.
func (o *Orchestrator) HandleEntry(ctx context.Context, e sala.QueueEntry) error {
	m := o.metaFor(e.ID)
	defer o.clearMeta(e.ID)
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, o.cfg.RunTimeout)
	defer cancel()

	var runErr error
	defer func() { o.signalWaiter(e.ID, runErr) }()

	reclaimed := e.ContainerID != ""
	rec := sala.ContainerRecord{ID: e.ContainerID, GroupID: e.GroupID}
	if !reclaimed {
		acqStart := time.Now()
		var err error
		rec, err = o.pool.Acquire(ctx, e.GroupID, e.ChatID)
		o.inst.AcquireDuration.Record(ctx, float64(time.Since(acqStart).Milliseconds()))
		if err != nil {
			o.logger.Error("orchestrator: acquire failed", "entry", e.ID, "group", e.GroupID, "error", err)
			o.reply(ctx, e.ChatID, sala.UserMessage(err))
			runErr = err
			return err
		}
	}
	defer func() { o.pool.Release(ctx, rec.ID, runErr != nil) }()

	prompt := o.assemblePrompt(ctx, e, m)
	reply, err := o.runOnce(ctx, e, m, prompt, reclaimed)

	for attempt := 0; err == nil && m.tier == sala.TierContainerFull &&
		qualityEstimate(e.Prompt, reply) < qualityBar && attempt < maxReflections; attempt++ {
		o.logger.Info("orchestrator: self-reflection retry", "entry", e.ID, "attempt", attempt+1)
		reply, err = o.runOnce(ctx, e, m, reflectionPrompt(prompt, reply), false)
	}

	inTokens, outTokens := estimateTokens(prompt), estimateTokens(reply)
	if err != nil {
		runErr = err
		o.recordContainerCost(ctx, e.ChatID, m, inTokens, outTokens, start)
		if errors.Is(err, sala.ErrPartialOutput) {
			o.recoverPartial(ctx, e, m)
		} else if !errors.Is(err, context.Canceled) {
			o.reply(ctx, e.ChatID, sala.UserMessage(err))
		}
		return err
	}

	o.recordContainerCost(ctx, e.ChatID, m, inTokens, outTokens, start)
	o.touchSession(e.ChatID, "assistant: "+reply)
	o.logger.Info("orchestrator: entry complete", "entry", e.ID,
		"tier", m.tier, "duration", time.Since(start))
	return nil
}

// runOnce writes the assignment and streams one container reply to the
// chat. Resumed entries skip the assignment; the container is already
// working.
func (o *Orchestrator) runOnce(ctx context.Context, e sala.QueueEntry, m entryMeta, prompt string, resume bool) (string, error) {
	if !resume {
		if err := o.ipc.ResetStream(e.GroupID); err != nil {
			return "", fmt.Errorf("reset stream: %w", err)
		}
		err := o.ipc.WriteAssignment(e.GroupID, assignment{
			EntryID: e.ID,
			ChatID:  e.ChatID,
			Model:   m.model,
			Tier:    string(m.tier),
			Prompt:  prompt,
		})
		if err != nil {
			return "", fmt.Errorf("write assignment: %w", err)
		}
	}

	frames, errc, err := o.ipc.TailStream(ctx, e.GroupID)
	if err != nil {
		return "", err
	}
	return o.streamReply(ctx, e.ChatID, frames, errc)
}

// streamReply forwards frames to the chat as they arrive. Channels with
// edit support get a message that grows in place, batched at editInterval;
// others see a typing indicator and one final message.
func (o *Orchestrator) streamReply(ctx context.Context, chatID string, frames <-chan ipc.Frame, errc <-chan error) (string, error) {
	ch := o.channelFor(chatID)
	editor, canEdit := ch.(channel.Editor)

	if ch != nil && !canEdit {
		_ = ch.SetTyping(ctx, chatID, true)
		defer func() { _ = ch.SetTyping(context.WithoutCancel(ctx), chatID, false) }()
	}

	var full strings.Builder
	var msgID string
	dirty := false

	flush := func() {
		if !dirty || ch == nil || !canEdit || full.Len() == 0 {
			return
		}
		dirty = false
		if msgID == "" {
			id, err := ch.SendText(ctx, chatID, full.String())
			if err != nil {
				o.logger.Warn("orchestrator: stream send failed", "chat", chatID, "error", err)
				return
			}
			msgID = id
			return
		}
		if err := editor.EditText(ctx, chatID, msgID, full.String()); err != nil {
			o.logger.Warn("orchestrator: stream edit failed", "chat", chatID, "error", err)
		}
	}

	ticker := time.NewTicker(editInterval)
	defer ticker.Stop()

	for frames != nil {
		select {
		case <-ctx.Done():
			return full.String(), ctx.Err()
		case f, ok := <-frames:
			if !ok {
				frames = nil
				continue
			}
			full.WriteString(f.Text)
			dirty = true
		case <-ticker.C:
			flush()
		}
	}

	err := <-errc
	flush()
	if ch != nil && !canEdit && err == nil && full.Len() > 0 {
		if _, serr := ch.SendText(ctx, chatID, full.String()); serr != nil {
			o.logger.Warn("orchestrator: final send failed", "chat", chatID, "error", serr)
		}
	}
	return full.String(), err
}

// recoverPartial handles a stream that died without completion: the user is
// told, a single high-priority retry is queued, and a repeat failure goes
// to the admin instead.
func (o *Orchestrator) recoverPartial(ctx context.Context, e sala.QueueEntry, m entryMeta) {
	o.reply(ctx, e.ChatID, sala.UserMessage(sala.ErrPartialOutput))

	// Scheduled tasks retry through the scheduler's own policy.
	if o.hasWaiter(e.ID) {
		return
	}
	if e.RetryCount > 0 {
		o.Alert(ctx, fmt.Sprintf("Request for %s failed twice with partial output; giving up. Last entry %s.", e.ChatID, e.ID))
		return
	}

	retry := sala.QueueEntry{
		ID:         sala.NewID(),
		GroupID:    e.GroupID,
		ChatID:     e.ChatID,
		MessageID:  e.MessageID,
		Prompt:     e.Prompt,
		Priority:   sala.PriorityHigh,
		RetryCount: e.RetryCount + 1,
	}
	o.setMeta(retry.ID, m)
	if _, err := o.queue.Enqueue(ctx, retry); err != nil {
		o.clearMeta(retry.ID)
		o.logger.Error("orchestrator: partial retry rejected", "entry", e.ID, "error", err)
		o.Alert(ctx, fmt.Sprintf("Partial-output retry for %s could not be queued: %v", e.ChatID, err))
	}
}

func (o *Orchestrator) hasWaiter(entryID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.waiters[entryID]
	return ok
}

func (o *Orchestrator) recordContainerCost(ctx context.Context, chatID string, m entryMeta, in, out int, start time.Time) {
	rec := sala.CostRecord{
		ID:           sala.NewID(),
		ChatID:       chatID,
		Tier:         m.tier,
		Model:        m.model,
		InputTokens:  in,
		OutputTokens: out,
		CostUSD:      o.inst.Cost.Calculate(m.model, in, out),
		LatencyMs:    time.Since(start).Milliseconds(),
		CreatedAt:    time.Now().Unix(),
	}
	if err := o.store.InsertCostRecord(ctx, rec); err != nil {
		o.logger.Warn("orchestrator: cost record failed", "chat", chatID, "error", err)
	}
	o.inst.TokenUsage.Add(ctx, int64(in+out), metric.WithAttributes(attribute.String("model", m.model)))
	o.inst.CostTotal.Add(ctx, rec.CostUSD, metric.WithAttributes(attribute.String("model", m.model)))
	o.inst.RequestDuration.Record(ctx, float64(rec.LatencyMs),
		metric.WithAttributes(attribute.String("tier", string(m.tier))))
}

func reflectionPrompt(prompt, reply string) string {
	return prompt + "\n\n---\n\nYour previous answer was:\n" + reply +
		"\n\nIt looks incomplete. Revise it: address the request fully and concretely."
}

// qualityEstimate is a cheap heuristic in [0, 1]: empty replies score 0,
// very short answers to long requests and hedging phrases lose points.
func qualityEstimate(prompt, reply string) float64 {
	r := strings.TrimSpace(reply)
	if r == "" {
		return 0
	}
	score := 1.0
	if len([]rune(r)) < 40 && len([]rune(prompt)) > 200 {
		score -= 0.6
	}
	lower := strings.ToLower(r)
	for _, marker := range []string{"i don't know", "i cannot", "unable to", "something went wrong"} {
		if strings.Contains(lower, marker) {
			score -= 0.4
			break
		}
	}
	if score < 0 {
		return 0
	}
	return score
}
