package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"nexuschat/internal/chat"
	"nexuschat/internal/metrics"
	"nexuschat/internal/queue"
	"nexuschat/internal/session"
	"nexuschat/internal/storage"
)

// Reply is the outbound surface of one turn, such as an edited chat message.
type Reply interface {
	Update(ctx context.Context, u chat.StreamUpdate) error
}

// Notifier delivers turns for one job source.
type Notifier interface {
	Start(ctx context.Context, job queue.TurnJob) (Reply, error)
	Fail(ctx context.Context, job queue.TurnJob, text string) error
}

type Worker struct {
	sessions         *session.Service
	queue            *queue.StreamQueue
	notifiers        map[string]Notifier
	progressInterval time.Duration
	maxJobRetries    int
	logger           zerolog.Logger
	metrics          *metrics.Metrics
}

type Config struct {
	Sessions         *session.Service
	Queue            *queue.StreamQueue
	Notifiers        map[string]Notifier
	ProgressInterval time.Duration
	MaxJobRetries    int
	Logger           zerolog.Logger
	Metrics          *metrics.Metrics
}

func New(cfg Config) *Worker {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.MaxJobRetries < 0 {
		cfg.MaxJobRetries = 0
	}
	if cfg.ProgressInterval < 0 {
		cfg.ProgressInterval = 0
	}
	notifiers := map[string]Notifier{queue.SourceAPI: Discard{}}
	for source, n := range cfg.Notifiers {
		notifiers[source] = n
	}
	return &Worker{
		sessions:         cfg.Sessions,
		queue:            cfg.Queue,
		notifiers:        notifiers,
		progressInterval: cfg.ProgressInterval,
		maxJobRetries:    cfg.MaxJobRetries,
		logger:           cfg.Logger,
		metrics:          m,
	}
}

func (w *Worker) Start(ctx context.Context, concurrency int) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return err
	}
	if concurrency < 1 {
		concurrency = 1
	}

	wg := sync.WaitGroup{}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consumeLoop(ctx, slot)
		}(i)
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (w *Worker) consumeLoop(ctx context.Context, slot int) {
	log := w.logger.With().Int("slot", slot).Logger()
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		messages, err := w.queue.Read(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("failed to read queue")
			time.Sleep(1 * time.Second)
			continue
		}

		for _, msg := range messages {
			w.handle(ctx, log, msg)
		}
	}
}

func (w *Worker) handle(ctx context.Context, log zerolog.Logger, msg queue.Message) {
	err := w.processJob(ctx, msg.Job)
	if err == nil {
		w.metrics.ProcessedJobs.Inc()
		if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
			log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack message")
		}
		return
	}

	w.metrics.FailedJobs.Inc()
	log.Error().Err(err).Str("job_id", msg.Job.JobID).Int("attempt", msg.Job.Attempts).Msg("job failed")

	if msg.Job.Attempts < w.maxJobRetries {
		msg.Job.Attempts++
		if _, enqueueErr := w.queue.Enqueue(ctx, msg.Job); enqueueErr != nil {
			log.Error().Err(enqueueErr).Str("job_id", msg.Job.JobID).Msg("failed to re-enqueue failed job")
			return
		}
		if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
			log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack after re-enqueue")
		}
		return
	}

	w.fail(ctx, msg.Job, "The assistant is unavailable right now. Please try again later.")
	if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
		log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack terminal failed message")
	}
}

// processJob runs one turn. A returned error means nothing was stored and the
// job may be retried.
func (w *Worker) processJob(ctx context.Context, job queue.TurnJob) error {
	log := w.logger.With().Str("job_id", job.JobID).Str("conversation_id", job.ConversationID).Str("source", job.Source).Logger()

	prepared, err := w.sessions.Prepare(ctx, session.Turn{
		Owner:          job.Owner,
		ConversationID: job.ConversationID,
		Prompt:         job.Prompt,
		Files:          job.Files,
		GateToken:      job.GateToken,
	})
	switch {
	case errors.Is(err, storage.ErrNotFound):
		w.fail(ctx, job, "Conversation not found. Start a new one with /new.")
		return nil
	case errors.Is(err, session.ErrEmptyPrompt):
		w.fail(ctx, job, "Nothing to answer: the message is empty.")
		return nil
	case err != nil:
		return err
	}

	reply, err := w.notifier(job.Source).Start(ctx, job)
	if err != nil {
		// The user turn is already stored.
		log.Warn().Err(err).Msg("failed to open reply, continuing without live updates")
		reply = Discard{}
	}

	var lastSent time.Time
	for u := range prepared.Stream(ctx) {
		if !u.IsComplete && !u.Restarted && w.progressInterval > 0 && time.Since(lastSent) < w.progressInterval {
			continue
		}
		updateCtx := ctx
		if u.IsComplete {
			updateCtx = context.WithoutCancel(ctx)
		}
		if err := reply.Update(updateCtx, u); err != nil {
			log.Warn().Err(err).Bool("terminal", u.IsComplete).Msg("failed to deliver update")
			continue
		}
		w.metrics.Deliveries.Inc()
		lastSent = time.Now()
	}
	return nil
}

func (w *Worker) fail(ctx context.Context, job queue.TurnJob, text string) {
	if err := w.notifier(job.Source).Fail(context.WithoutCancel(ctx), job, text); err != nil {
		w.logger.Error().Err(err).Str("job_id", job.JobID).Msg("failed to notify job failure")
	}
	w.sessions.Release(context.WithoutCancel(ctx), job.ConversationID, job.GateToken)
}

func (w *Worker) notifier(source string) Notifier {
	if n, ok := w.notifiers[source]; ok {
		return n
	}
	return Discard{}
}

// Discard drops every update. Turns from sources without a live surface are
// still persisted by the session.
type Discard struct{}

func (Discard) Start(context.Context, queue.TurnJob) (Reply, error) { return Discard{}, nil }

func (Discard) Fail(context.Context, queue.TurnJob, string) error { return nil }

func (Discard) Update(context.Context, chat.StreamUpdate) error { return nil }
