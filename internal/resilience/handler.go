package resilience

import (
	"context"
	"errors"
	"maps"
	"sync"
	"time"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"go.uber.org/zap"

	"kasirinaja/terminal/internal/metrics"
)

const (
	defaultCapacity   = 100
	defaultMirrorSize = 50
)

type Record struct {
	Message     string         `json:"message"`
	UserMessage string         `json:"userMessage"`
	Kind        Kind           `json:"kind"`
	Severity    Severity       `json:"severity"`
	Context     map[string]any `json:"context,omitempty"`
	At          time.Time      `json:"at"`
}

type Notification struct {
	Message  string        `json:"message"`
	Kind     Kind          `json:"kind"`
	Severity Severity      `json:"severity"`
	Duration time.Duration `json:"duration"`
	// Sticky notifications stay until dismissed.
	Sticky bool      `json:"sticky"`
	Prompt bool      `json:"prompt,omitempty"`
	At     time.Time `json:"at"`
}

type Notifier interface {
	Notify(n Notification)
}

// Confirmer asks the operator whether a full reload may proceed.
type Confirmer interface {
	ConfirmReload(ctx context.Context, rec Record, prompt string) bool
}

// Mirror persists the most recent records for diagnostics export.
type Mirror interface {
	MirrorErrors(ctx context.Context, records []Record) error
}

type Remediation func(ctx context.Context, rec Record) error

type Options struct {
	Capacity   int
	MirrorSize int
	Locale     string
	Notifier   Notifier
	Confirmer  Confirmer
	Logger     *zap.Logger
	Metrics    *metrics.Sync
	Reload     func(ctx context.Context) error
	Now        func() time.Time
}

// Handler is the single funnel for faults raised anywhere in the terminal.
type Handler struct {
	mu          sync.Mutex
	records     []Record
	next        int
	full        bool
	mirrorSize  int
	hooks       map[Kind][]Remediation
	remediating map[Kind]bool
	mirroring   bool
	mirror      Mirror
	reload      func(ctx context.Context) error

	notifier  Notifier
	confirmer Confirmer
	localizer *i18n.Localizer
	logger    *zap.Logger
	metrics   *metrics.Sync
	now       func() time.Time
}

func NewHandler(opts Options) *Handler {
	if opts.Capacity < 1 {
		opts.Capacity = defaultCapacity
	}
	if opts.MirrorSize < 1 {
		opts.MirrorSize = defaultMirrorSize
	}
	if opts.MirrorSize > opts.Capacity {
		opts.MirrorSize = opts.Capacity
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Confirmer == nil {
		opts.Confirmer = denyReload{}
	}
	return &Handler{
		records:     make([]Record, opts.Capacity),
		mirrorSize:  opts.MirrorSize,
		hooks:       make(map[Kind][]Remediation),
		remediating: make(map[Kind]bool),
		reload:      opts.Reload,
		notifier:    opts.Notifier,
		confirmer:   opts.Confirmer,
		localizer:   newLocalizer(opts.Locale),
		logger:      opts.Logger.Named("resilience"),
		metrics:     opts.Metrics,
		now:         opts.Now,
	}
}

// OnKind registers a remediation hook. Hooks run for storage errors and for
// any error of high severity or above.
func (h *Handler) OnKind(kind Kind, hook Remediation) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hooks[kind] = append(h.hooks[kind], hook)
}

func (h *Handler) SetMirror(m Mirror) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mirror = m
}

func (h *Handler) SetReload(fn func(ctx context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reload = fn
}

// Report satisfies the narrow reporter interfaces of other packages.
func (h *Handler) Report(ctx context.Context, err error, fields map[string]any) {
	h.Handle(ctx, err, fields)
}

func (h *Handler) Handle(ctx context.Context, err error, fields map[string]any) Record {
	if err == nil {
		return Record{}
	}
	if ctx == nil {
		ctx = context.Background()
	}

	rec := Record{
		Message:  err.Error(),
		Kind:     KindSystem,
		Severity: SeverityHigh,
		At:       h.now().UTC(),
	}
	if e, ok := As(err); ok {
		rec.Kind = e.Kind()
		rec.Severity = e.Severity()
		rec.Message = e.Message()
		rec.Context = e.Context()
	}
	if len(fields) > 0 {
		if rec.Context == nil {
			rec.Context = make(map[string]any, len(fields))
		}
		maps.Copy(rec.Context, fields)
	}
	rec.UserMessage = h.UserMessage(err)

	h.append(rec)
	h.log(rec, err)
	h.metrics.Error(string(rec.Kind), string(rec.Severity))
	h.notify(rec)

	if rec.Kind == KindStorage || rec.Severity.AtLeast(SeverityHigh) {
		h.remediate(ctx, rec)
	}
	if rec.Severity == SeverityCritical {
		h.escalate(ctx, rec)
	}
	h.mirrorRecent(ctx)
	return rec
}

func (h *Handler) UserMessage(err error) string {
	kind := KindOf(err)
	meta := MetadataFor(kind)
	if meta.ShowRaw {
		if e, ok := As(err); ok && e.Message() != "" {
			return e.Message()
		}
	}
	return localize(h.localizer, meta.MessageID, meta.PublicMessage)
}

// Records returns the retained records, oldest first.
func (h *Handler) Records() []Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshotLocked(len(h.records))
}

func (h *Handler) snapshotLocked(limit int) []Record {
	var ordered []Record
	if h.full {
		ordered = append(ordered, h.records[h.next:]...)
	}
	ordered = append(ordered, h.records[:h.next]...)
	if len(ordered) > limit {
		ordered = ordered[len(ordered)-limit:]
	}
	out := make([]Record, len(ordered))
	for i, rec := range ordered {
		rec.Context = maps.Clone(rec.Context)
		out[i] = rec
	}
	return out
}

func (h *Handler) append(rec Record) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records[h.next] = rec
	h.next = (h.next + 1) % len(h.records)
	if h.next == 0 {
		h.full = true
	}
}

func (h *Handler) log(rec Record, err error) {
	fields := []zap.Field{
		zap.String("kind", string(rec.Kind)),
		zap.String("severity", string(rec.Severity)),
		zap.Error(err),
	}
	if len(rec.Context) > 0 {
		fields = append(fields, zap.Any("context", rec.Context))
	}
	switch rec.Severity {
	case SeverityLow:
		h.logger.Info("error recorded", fields...)
	case SeverityMedium:
		h.logger.Warn("error recorded", fields...)
	default:
		h.logger.Error("error recorded", fields...)
	}
}

func (h *Handler) notify(rec Record) {
	if h.notifier == nil {
		return
	}
	n := Notification{
		Message:  rec.UserMessage,
		Kind:     rec.Kind,
		Severity: rec.Severity,
		At:       rec.At,
	}
	switch rec.Severity {
	case SeverityLow:
		n.Duration = 3 * time.Second
	case SeverityMedium:
		n.Duration = 5 * time.Second
	case SeverityHigh:
		n.Duration = 8 * time.Second
	default:
		n.Sticky = true
	}
	h.notifier.Notify(n)
}

func (h *Handler) remediate(ctx context.Context, rec Record) {
	h.mu.Lock()
	if h.remediating[rec.Kind] {
		h.mu.Unlock()
		return
	}
	hooks := append([]Remediation(nil), h.hooks[rec.Kind]...)
	if len(hooks) == 0 {
		h.mu.Unlock()
		return
	}
	h.remediating[rec.Kind] = true
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		h.remediating[rec.Kind] = false
		h.mu.Unlock()
	}()

	for _, hook := range hooks {
		if err := hook(ctx, rec); err != nil {
			h.logger.Warn("remediation failed", zap.String("kind", string(rec.Kind)), zap.Error(err))
		}
	}
}

func (h *Handler) escalate(ctx context.Context, rec Record) {
	prompt := localize(h.localizer, messageReloadPrompt, "A critical error occurred. Reload the terminal now?")
	if !h.confirmer.ConfirmReload(ctx, rec, prompt) {
		h.logger.Warn("reload declined or pending operator consent")
		return
	}
	h.mu.Lock()
	reload := h.reload
	h.mu.Unlock()
	if reload == nil {
		return
	}
	if err := reload(ctx); err != nil {
		h.logger.Error("reload failed", zap.Error(err))
	}
}

func (h *Handler) mirrorRecent(ctx context.Context) {
	h.mu.Lock()
	if h.mirror == nil || h.mirroring {
		h.mu.Unlock()
		return
	}
	h.mirroring = true
	m := h.mirror
	recent := h.snapshotLocked(h.mirrorSize)
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		h.mirroring = false
		h.mu.Unlock()
	}()

	if err := m.MirrorErrors(ctx, recent); err != nil {
		h.logger.Warn("mirror error log", zap.Error(err))
	}
}

// Guard runs fn and converts a panic into a system error that is funneled
// through h and returned.
func (h *Handler) Guard(ctx context.Context, name string, fn func(context.Context) error) error {
	_, err := h.run(ctx, name, fn)
	return err
}

// Go runs fn on its own goroutine. Its error, if any, is funneled through h
// unless it is a context cancellation.
func (h *Handler) Go(ctx context.Context, name string, fn func(context.Context) error) {
	go func() {
		panicked, err := h.run(ctx, name, fn)
		if err == nil || panicked || errors.Is(err, context.Canceled) {
			return
		}
		h.Handle(ctx, err, map[string]any{"task": name})
	}()
}

func (h *Handler) run(ctx context.Context, name string, fn func(context.Context) error) (panicked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			err = Newf(KindSystem, "panic in %s: %v", name, r).
				WithSeverity(SeverityHigh).
				WithContext("task", name)
			h.Handle(ctx, err, nil)
		}
	}()
	return false, fn(ctx)
}

type denyReload struct{}

func (denyReload) ConfirmReload(context.Context, Record, string) bool { return false }

// Inbox queues notifications and reload prompts for the UI shell to poll.
// It never consents to a reload on its own.
type Inbox struct {
	mu    sync.Mutex
	limit int
	items []Notification
}

func NewInbox(limit int) *Inbox {
	if limit < 1 {
		limit = 50
	}
	return &Inbox{limit: limit}
}

func (b *Inbox) Notify(n Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = append(b.items, n)
	if over := len(b.items) - b.limit; over > 0 {
		b.items = append([]Notification(nil), b.items[over:]...)
	}
}

func (b *Inbox) ConfirmReload(_ context.Context, rec Record, prompt string) bool {
	b.Notify(Notification{
		Message:  prompt,
		Kind:     rec.Kind,
		Severity: rec.Severity,
		Sticky:   true,
		Prompt:   true,
		At:       rec.At,
	})
	return false
}

// Drain returns the queued notifications and empties the inbox.
func (b *Inbox) Drain() []Notification {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.items
	b.items = nil
	return out
}
