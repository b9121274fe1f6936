// Package gateway is the single entry point the HTTP layer uses for mail.
// It owns the session pools, runs every operation through the same
// acquire, issue, normalize and release sequence, and maps failures to the
// mailerr taxonomy.
package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mailbag/internal/cache"
	"mailbag/internal/email"
	"mailbag/internal/mailerr"
	"mailbag/internal/models"
	"mailbag/internal/session"
	"mailbag/pkg/concurrent"
)

// Config wires the gateway to one mail account.
type Config struct {
	IMAP session.Config
	SMTP session.Config

	// From is the sender address of submitted messages.
	From string
	// SentFolder, when set, receives a copy of every accepted submission.
	SentFolder string

	IMAPPool concurrent.PoolConfig
	SMTPPool concurrent.PoolConfig

	// BodyCacheTTL enables the decoded body cache. Zero disables it.
	BodyCacheTTL  time.Duration
	BodyCacheSize int

	PreferHTML bool
}

// Stage of a request in the gateway.
type Stage int

const (
	StageIdle Stage = iota
	StageSessionAcquired
	StageCommandIssued
	StageResponseNormalized
	StageReleased
)

func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageSessionAcquired:
		return "session_acquired"
	case StageCommandIssued:
		return "command_issued"
	case StageResponseNormalized:
		return "response_normalized"
	case StageReleased:
		return "released"
	}
	return "unknown"
}

// StageHook observes stage transitions. err is set on the Released
// transition of a failed request. Hooks run on the gateway's goroutines
// and must not block.
type StageHook func(op string, stage Stage, err error)

type Option func(*Gateway)

func WithStageHook(h StageHook) Option {
	return func(g *Gateway) {
		g.hook = h
	}
}

// Gateway is safe for concurrent use. Create one per process with New and
// tear it down with Close.
type Gateway struct {
	cfg  Config
	log  zerolog.Logger
	mail *email.Client
	hook StageHook

	imap   *concurrent.Pool[*session.Mailbox]
	smtp   *concurrent.Pool[*session.Submission]
	bodies *cache.BodyCache

	mu      sync.Mutex
	wg      sync.WaitGroup
	closing bool
	now     func() time.Time
}

func New(cfg Config, log zerolog.Logger, opts ...Option) *Gateway {
	log = log.With().Str("component", "gateway").Logger()
	g := &Gateway{
		cfg:  cfg,
		log:  log,
		mail: email.NewClient(log, email.WithPreferHTML(cfg.PreferHTML)),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}

	g.imap = concurrent.NewPool(cfg.IMAPPool, func(ctx context.Context) (*session.Mailbox, error) {
		return session.OpenMailbox(ctx, cfg.IMAP, log)
	})
	g.smtp = concurrent.NewPool(cfg.SMTPPool, func(ctx context.Context) (*session.Submission, error) {
		return session.OpenSubmission(ctx, cfg.SMTP, log)
	})
	if cfg.BodyCacheTTL > 0 {
		g.bodies = cache.New(cfg.BodyCacheTTL, cfg.BodyCacheSize)
	}
	return g
}

// track registers one unit of background work unless the gateway is
// closing.
func (g *Gateway) track() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closing {
		return false
	}
	g.wg.Add(1)
	return true
}

func (g *Gateway) stage(op string, s Stage, err error) {
	if g.hook != nil {
		g.hook(op, s, err)
	}
}

// reusable reports whether a session may serve another request after an
// operation ended with err. NotFound, Partial and BadInput leave the
// protocol framing intact.
func reusable(err error) bool {
	if err == nil {
		return true
	}
	switch mailerr.KindOf(err) {
	case mailerr.KindNotFound, mailerr.KindPartial, mailerr.KindBadInput:
		return true
	}
	return false
}

type outcome[T any] struct {
	val T
	err error
}

// run executes work on a pooled session. The work itself is detached from
// ctx: when ctx ends first, run returns Canceled at once while the work
// finishes or times out in the background and the session is released.
func run[S concurrent.Resource, T any](g *Gateway, ctx context.Context, op string, pool *concurrent.Pool[S], work func(ctx context.Context, s S) (T, error)) (T, error) {
	var zero T
	g.stage(op, StageIdle, nil)

	if !g.track() {
		err := mailerr.New(mailerr.KindConnection, op, errors.New("gateway is shut down"))
		g.stage(op, StageReleased, err)
		return zero, err
	}

	done := make(chan outcome[T], 1)
	go func() {
		defer g.wg.Done()
		val, err := execute(g, ctx, op, pool, work)
		done <- outcome[T]{val, err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			g.logFailure(op, out.err)
		}
		return out.val, out.err
	case <-ctx.Done():
		err := mailerr.Classify(op, ctx.Err())
		g.log.Info().Str("op", op).Msg("caller gone, operation continues in background")
		return zero, err
	}
}

func execute[S concurrent.Resource, T any](g *Gateway, ctx context.Context, op string, pool *concurrent.Pool[S], work func(ctx context.Context, s S) (T, error)) (val T, err error) {
	s, err := pool.Acquire(ctx)
	if err != nil {
		err = acquireErr(op, err)
		g.stage(op, StageReleased, err)
		return val, err
	}
	g.stage(op, StageSessionAcquired, nil)

	defer func() {
		pool.Release(s, reusable(err))
		g.stage(op, StageReleased, err)
	}()

	g.stage(op, StageCommandIssued, nil)
	val, err = work(context.WithoutCancel(ctx), s)
	if err == nil {
		g.stage(op, StageResponseNormalized, nil)
	}
	return val, err
}

func acquireErr(op string, err error) error {
	switch {
	case errors.Is(err, concurrent.ErrExhausted):
		return mailerr.New(mailerr.KindTimeout, op, err)
	case errors.Is(err, concurrent.ErrClosed):
		return mailerr.New(mailerr.KindConnection, op, err)
	}
	return mailerr.Classify(op, err)
}

func (g *Gateway) logFailure(op string, err error) {
	kind := mailerr.KindOf(err)
	ev := g.log.Error()
	switch kind {
	case mailerr.KindNotFound, mailerr.KindBadInput:
		ev = g.log.Debug()
	case mailerr.KindPartial:
		ev = g.log.Warn()
	}
	ev.Err(err).Str("op", op).Str("kind", kind.String()).Msg("operation failed")
}

// ListMailboxes returns the account's folders with their counts.
func (g *Gateway) ListMailboxes(ctx context.Context) ([]models.Mailbox, error) {
	return run(g, ctx, "list_mailboxes", g.imap, func(ctx context.Context, s *session.Mailbox) ([]models.Mailbox, error) {
		return g.mail.ListMailboxes(ctx, s)
	})
}

// ListMessages returns the envelopes of mailbox.
func (g *Gateway) ListMessages(ctx context.Context, mailbox string) ([]models.MessageEnvelope, error) {
	return run(g, ctx, "list_messages", g.imap, func(ctx context.Context, s *session.Mailbox) ([]models.MessageEnvelope, error) {
		return g.mail.ListMessages(ctx, s, mailbox)
	})
}

// GetMessageBody returns the decoded body of message id in mailbox.
func (g *Gateway) GetMessageBody(ctx context.Context, mailbox string, id uint32) (*models.MessageBody, error) {
	if g.bodies != nil {
		if body, ok := g.bodies.Get(mailbox, id); ok {
			return body, nil
		}
	}
	body, err := run(g, ctx, "get_message_body", g.imap, func(ctx context.Context, s *session.Mailbox) (*models.MessageBody, error) {
		return g.mail.GetBody(ctx, s, mailbox, id)
	})
	if err == nil && g.bodies != nil {
		g.bodies.Set(body)
	}
	return body, err
}

// DeleteMessage removes message id from mailbox. A Partial error comes
// with a result whose outcome is partial: the message is marked deleted
// and PurgeMailbox finishes the job.
func (g *Gateway) DeleteMessage(ctx context.Context, mailbox string, id uint32) (models.Result, error) {
	res, err := run(g, ctx, "delete_message", g.imap, func(ctx context.Context, s *session.Mailbox) (models.Result, error) {
		return g.mail.DeleteMessage(ctx, s, mailbox, id)
	})
	if g.bodies != nil && (err == nil || mailerr.Is(err, mailerr.KindPartial)) {
		g.bodies.Delete(mailbox, id)
	}
	return res, err
}

// PurgeMailbox expunges messages already marked deleted in mailbox.
func (g *Gateway) PurgeMailbox(ctx context.Context, mailbox string) (models.Result, error) {
	res, err := run(g, ctx, "purge_mailbox", g.imap, func(ctx context.Context, s *session.Mailbox) (models.Result, error) {
		return g.mail.Purge(ctx, s, mailbox)
	})
	if g.bodies != nil && err == nil {
		g.bodies.DeleteMailbox(mailbox)
	}
	return res, err
}

// SendMessage submits msg at most once. An Unknown outcome means the
// server may or may not have accepted it; it is never retried here.
func (g *Gateway) SendMessage(ctx context.Context, msg *models.OutboundMessage) (models.Result, error) {
	const op = "send_message"

	out, err := email.Compose(g.cfg.From, msg, g.now())
	if err != nil {
		g.stage(op, StageIdle, nil)
		g.stage(op, StageReleased, err)
		g.logFailure(op, err)
		return models.Result{Outcome: models.OutcomeFailed}, err
	}

	res, err := run(g, ctx, op, g.smtp, func(ctx context.Context, s *session.Submission) (models.Result, error) {
		return g.mail.Submit(ctx, s, out)
	})
	if err == nil && g.cfg.SentFolder != "" {
		g.mirror(out)
	}
	return res, err
}

// mirror appends an accepted submission to the sent folder in the
// background. Failures are logged only.
func (g *Gateway) mirror(out *email.Outgoing) {
	const op = "append_sent"
	if !g.track() {
		return
	}
	go func() {
		defer g.wg.Done()
		_, err := execute(g, context.Background(), op, g.imap, func(ctx context.Context, s *session.Mailbox) (struct{}, error) {
			return struct{}{}, g.mail.AppendSent(ctx, s, g.cfg.SentFolder, out)
		})
		if err != nil {
			g.log.Warn().Err(err).Str("folder", g.cfg.SentFolder).Str("message_id", out.MessageID).Msg("sent copy not stored")
		}
	}()
}

// Stats is a snapshot of the gateway's shared resources.
type Stats struct {
	IMAP         concurrent.Stats `json:"imap"`
	SMTP         concurrent.Stats `json:"smtp"`
	CachedBodies int              `json:"cachedBodies"`
}

func (g *Gateway) Stats() Stats {
	st := Stats{IMAP: g.imap.Stats(), SMTP: g.smtp.Stats()}
	if g.bodies != nil {
		st.CachedBodies = g.bodies.Len()
	}
	return st
}

// Close waits for background work, then closes every pooled session.
func (g *Gateway) Close() error {
	g.mu.Lock()
	if g.closing {
		g.mu.Unlock()
		return nil
	}
	g.closing = true
	g.mu.Unlock()

	g.wg.Wait()
	if g.bodies != nil {
		g.bodies.Close()
	}
	return errors.Join(g.imap.Close(), g.smtp.Close())
}
