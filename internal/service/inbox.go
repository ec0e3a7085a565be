package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/capitalize-ai/marketplace-inbox/internal/api"
	"github.com/capitalize-ai/marketplace-inbox/internal/model"
	"github.com/capitalize-ai/marketplace-inbox/internal/scheduler"
	"github.com/capitalize-ai/marketplace-inbox/internal/store"
	"github.com/capitalize-ai/marketplace-inbox/pkg/logger"
)

// Config holds the engine's timing parameters.
type Config struct {
	ListInterval   time.Duration
	ThreadInterval time.Duration
	RequestTimeout time.Duration
	DedupTolerance time.Duration
	DirectoryTTL   time.Duration
	EventBuffer    int
}

// DefaultConfig returns the reference timings.
func DefaultConfig() Config {
	return Config{
		ListInterval:   10 * time.Second,
		ThreadInterval: 5 * time.Second,
		RequestTimeout: 15 * time.Second,
		DedupTolerance: 60 * time.Second,
		DirectoryTTL:   5 * time.Minute,
		EventBuffer:    64,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ListInterval <= 0 {
		c.ListInterval = def.ListInterval
	}
	if c.ThreadInterval <= 0 {
		c.ThreadInterval = def.ThreadInterval
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.DedupTolerance <= 0 {
		c.DedupTolerance = def.DedupTolerance
	}
	if c.DirectoryTTL <= 0 {
		c.DirectoryTTL = def.DirectoryTTL
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = def.EventBuffer
	}
	return c
}

// Inbox is the synchronization engine of one user session. It owns the
// stores, the timers of both domains and the open conversation, and exposes
// the entry points and observable state the UI renders from.
type Inbox struct {
	api    api.MessagingAPI
	cfg    Config
	logger *logger.Logger

	conversations *store.ConversationStore
	messages      *store.MessageStore
	unread        *UnreadReconciler
	resolver      *Resolver
	directory     *Directory
	composer      *Composer
	events        *notifier
	lists         map[model.Domain]*ListSynchronizer

	mu          sync.Mutex
	mounted     bool
	visible     bool
	domain      model.Domain
	root        context.Context
	cancelRoot  context.CancelFunc
	listTimers  map[model.Domain]*scheduler.Timer
	threadTimer *scheduler.Timer
	retiring    *sync.WaitGroup

	// active is read by thread synchronizers without taking mu.
	active atomic.Pointer[model.ConversationKey]

	links   singleflight.Group
	linksMu sync.Mutex
	handled map[string]model.Conversation
}

// NewInbox creates an unmounted inbox. sink may be nil.
func NewInbox(client api.MessagingAPI, cfg Config, sink EventSink, log *logger.Logger) *Inbox {
	cfg = cfg.withDefaults()
	log = log.Component("inbox")

	conversations := store.NewConversationStore()
	messages := store.NewMessageStore()
	unread := NewUnreadReconciler(conversations)
	events := newNotifier(sink, log)

	i := &Inbox{
		api:           client,
		cfg:           cfg,
		logger:        log,
		conversations: conversations,
		messages:      messages,
		unread:        unread,
		resolver:      NewResolver(client, conversations, cfg.RequestTimeout, log),
		directory:     NewDirectory(client, cfg.DirectoryTTL, cfg.RequestTimeout, log),
		composer:      NewComposer(client, messages, cfg.RequestTimeout, log, events.emit),
		events:        events,
		lists:         make(map[model.Domain]*ListSynchronizer),
		visible:       true,
		domain:        model.Domains()[0],
		listTimers:    make(map[model.Domain]*scheduler.Timer),
		retiring:      &sync.WaitGroup{},
		handled:       make(map[string]model.Conversation),
	}
	for _, d := range model.Domains() {
		i.lists[d] = NewListSynchronizer(d, client, conversations, unread, cfg.RequestTimeout, log, events.emit)
	}
	return i
}

// Mount starts the list timers of every domain. Mounting twice is a no-op.
func (i *Inbox) Mount() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.mounted {
		return nil
	}
	i.root, i.cancelRoot = context.WithCancel(context.Background())
	i.retiring = &sync.WaitGroup{}
	i.mounted = true

	for _, d := range model.Domains() {
		ls := i.lists[d]
		t := scheduler.NewTimer("list:"+string(d), i.cfg.ListInterval, func(ctx context.Context) {
			_, _ = ls.Refresh(ctx)
		}, i.logger)
		i.listTimers[d] = t
		if i.visible {
			if err := t.Start(i.root); err != nil {
				return err
			}
		}
	}

	i.logger.Info("inbox mounted", zap.Bool("visible", i.visible))
	return nil
}

// Unmount stops every timer and cancels every outstanding request. It
// returns once no timer task is running any more.
func (i *Inbox) Unmount() {
	i.mu.Lock()
	if !i.mounted {
		i.mu.Unlock()
		return
	}
	i.mounted = false
	i.closeLocked()
	for d, t := range i.listTimers {
		i.retireLocked(t)
		delete(i.listTimers, d)
	}
	i.cancelRoot()
	retiring := i.retiring
	i.mu.Unlock()

	i.linksMu.Lock()
	clear(i.handled)
	i.linksMu.Unlock()

	retiring.Wait()
	i.events.emit(model.InboxEvent{Type: model.EventActiveChanged})
	i.logger.Info("inbox unmounted")
}

// Close unmounts the inbox and flushes queued events to the sink.
func (i *Inbox) Close() {
	i.Unmount()
	i.events.close()
}

// Mounted reports whether the inbox is mounted.
func (i *Inbox) Mounted() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.mounted
}

// SetVisible pauses every timer while the inbox is hidden and resumes them,
// with an immediate tick, when it becomes visible again.
func (i *Inbox) SetVisible(visible bool) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.visible == visible {
		return
	}
	i.visible = visible
	if !i.mounted {
		return
	}

	timers := make([]*scheduler.Timer, 0, len(i.listTimers)+1)
	for _, t := range i.listTimers {
		timers = append(timers, t)
	}
	if i.threadTimer != nil {
		timers = append(timers, i.threadTimer)
	}
	for _, t := range timers {
		if visible {
			i.runLocked(t)
		} else {
			i.pauseLocked(t)
		}
	}
	i.logger.Debug("visibility changed", zap.Bool("visible", visible))
}

// SetFocused records whether the user is looking at the inbox. The open
// conversation's unread count is only suppressed while focused.
func (i *Inbox) SetFocused(focused bool) {
	i.unread.SetFocused(focused)
	i.emitUnread(i.ActiveDomain())
}

// SwitchDomain makes domain the active tab and closes the open conversation.
// List timers of both domains keep running.
func (i *Inbox) SwitchDomain(domain model.Domain) error {
	if !domain.Valid() {
		return model.ErrUnknownDomain
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if i.domain == domain {
		return nil
	}
	i.closeLocked()
	i.domain = domain
	i.events.emit(model.InboxEvent{Type: model.EventActiveChanged, Domain: domain})
	i.logger.Debug("domain switched", zap.String("domain", string(domain)))
	return nil
}

// OpenConversation makes key the open conversation. The previous thread
// timer is stopped and its request cancelled before the new one starts, and
// the conversation's unread count is cleared immediately.
func (i *Inbox) OpenConversation(key model.ConversationKey) (model.Conversation, error) {
	if !key.Domain.Valid() {
		return model.Conversation{}, model.ErrUnknownDomain
	}
	if strings.TrimSpace(key.ID) == "" {
		return model.Conversation{}, fmt.Errorf("%w: empty conversation id", ErrInvalidConversation)
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.mounted {
		return model.Conversation{}, ErrNotMounted
	}

	if cur := i.active.Load(); cur != nil && *cur == key {
		i.unread.Open(key)
		return i.conversation(key), nil
	}

	i.closeLocked()
	i.domain = key.Domain
	i.active.Store(&key)

	ts := NewThreadSynchronizer(key, i.api, i.messages, i.cfg.DedupTolerance, i.cfg.RequestTimeout, i.isActive, i.logger, i.events.emit)
	i.threadTimer = scheduler.NewTimer("thread", i.cfg.ThreadInterval, func(ctx context.Context) {
		_, _ = ts.Refresh(ctx)
	}, i.logger)

	i.unread.Open(key)
	if i.visible {
		if err := i.threadTimer.Start(i.root); err != nil {
			return model.Conversation{}, err
		}
	}

	i.events.emit(model.InboxEvent{Type: model.EventActiveChanged, Domain: key.Domain, ConversationID: key.ID})
	i.emitUnread(key.Domain)
	i.logger.Debug("conversation opened",
		zap.String("domain", string(key.Domain)),
		zap.String("conversation_id", key.ID),
	)
	return i.conversation(key), nil
}

// CloseConversation closes the open conversation, if any.
func (i *Inbox) CloseConversation() {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.closeLocked() {
		i.events.emit(model.InboxEvent{Type: model.EventActiveChanged, Domain: i.domain})
	}
}

// StartConversationWith resolves the conversation with a counterparty of the
// active domain and opens it. Repeated calls land on the same conversation.
func (i *Inbox) StartConversationWith(ctx context.Context, counterpartyID string) (model.Conversation, error) {
	if !i.Mounted() {
		return model.Conversation{}, ErrNotMounted
	}
	conv, err := i.resolver.Resolve(ctx, i.ActiveDomain(), counterpartyID)
	if err != nil {
		return model.Conversation{}, err
	}
	i.events.emit(model.InboxEvent{Type: model.EventConversationsUpdated, Domain: conv.Domain})
	return i.OpenConversation(conv.Key())
}

// ComposeAndSend sends content to the open conversation. The request is
// cancelled if the caller gives up or the inbox is unmounted; a cancelled
// send is kept as failed.
func (i *Inbox) ComposeAndSend(ctx context.Context, content string) (model.Message, error) {
	key, root, err := i.sendTarget()
	if err != nil {
		return model.Message{}, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(root, cancel)
	defer stop()

	return i.composer.Send(ctx, key, content)
}

// RetryMessage re-sends a failed message of the open conversation.
func (i *Inbox) RetryMessage(ctx context.Context, id model.ProvisionalID) (model.Message, error) {
	key, root, err := i.sendTarget()
	if err != nil {
		return model.Message{}, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(root, cancel)
	defer stop()

	return i.composer.Retry(ctx, key, id)
}

// DiscardMessage drops a failed message of the open conversation.
func (i *Inbox) DiscardMessage(id model.ProvisionalID) error {
	key := i.active.Load()
	if key == nil {
		return ErrNoActiveConversation
	}
	return i.composer.Discard(*key, id)
}

func (i *Inbox) sendTarget() (model.ConversationKey, context.Context, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.mounted {
		return model.ConversationKey{}, nil, ErrNotMounted
	}
	key := i.active.Load()
	if key == nil {
		return model.ConversationKey{}, nil, ErrNoActiveConversation
	}
	return *key, i.root, nil
}

// SetDraft stores the compose text of the open conversation.
func (i *Inbox) SetDraft(text string) error {
	key := i.active.Load()
	if key == nil {
		return ErrNoActiveConversation
	}
	i.composer.SetDraft(*key, text)
	return nil
}

// Draft returns the compose text of the open conversation.
func (i *Inbox) Draft() string {
	key := i.active.Load()
	if key == nil {
		return ""
	}
	return i.composer.Draft(*key)
}

// SearchCounterparties searches the active domain's counterparty directory.
func (i *Inbox) SearchCounterparties(ctx context.Context, query string) ([]model.Counterparty, error) {
	return i.directory.Search(ctx, i.ActiveDomain(), query)
}

// MarkRead clears a conversation's unread count locally.
func (i *Inbox) MarkRead(key model.ConversationKey) {
	i.unread.MarkRead(key)
	i.emitUnread(key.Domain)
}

// ActivateDeepLink resolves a deep link and opens its conversation.
// Concurrent activations of the same link share one resolution. A link with
// an activation id is handled once per mount: activating it again returns its
// conversation without reopening it. A link without one opens its target
// every time.
func (i *Inbox) ActivateDeepLink(ctx context.Context, link model.DeepLink) (model.Conversation, error) {
	link, err := normalizeDeepLink(link)
	if err != nil {
		return model.Conversation{}, err
	}
	if !i.Mounted() {
		return model.Conversation{}, ErrNotMounted
	}

	key := link.Key()
	once := link.ActivationID != ""
	if conv, ok := i.handledLink(key); once && ok {
		return conv, nil
	}

	ch := i.links.DoChan(key, func() (any, error) {
		if conv, ok := i.handledLink(key); once && ok {
			return conv, nil
		}

		conv, err := i.resolveLink(context.WithoutCancel(ctx), link)
		if err != nil {
			return nil, err
		}
		if conv, err = i.OpenConversation(conv.Key()); err != nil {
			return nil, err
		}

		if once {
			i.linksMu.Lock()
			i.handled[key] = conv
			i.linksMu.Unlock()
		}

		i.logger.Info("deep link activated", zap.String("link", key), zap.String("conversation_id", conv.ID))
		return conv, nil
	})

	select {
	case <-ctx.Done():
		return model.Conversation{}, classify(ErrResolveFailed, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return model.Conversation{}, res.Err
		}
		return res.Val.(model.Conversation), nil
	}
}

func (i *Inbox) resolveLink(ctx context.Context, link model.DeepLink) (model.Conversation, error) {
	if link.CounterpartyID != "" {
		conv, err := i.resolver.Resolve(ctx, link.Domain, link.CounterpartyID)
		if err == nil {
			i.events.emit(model.InboxEvent{Type: model.EventConversationsUpdated, Domain: link.Domain})
		}
		return conv, err
	}
	return i.conversation(model.ConversationKey{Domain: link.Domain, ID: link.ConversationID}), nil
}

func (i *Inbox) handledLink(key string) (model.Conversation, bool) {
	i.linksMu.Lock()
	defer i.linksMu.Unlock()

	conv, ok := i.handled[key]
	return conv, ok
}

func normalizeDeepLink(link model.DeepLink) (model.DeepLink, error) {
	link.ActivationID = strings.TrimSpace(link.ActivationID)
	link.CounterpartyID = strings.TrimSpace(link.CounterpartyID)
	link.ConversationID = strings.TrimSpace(link.ConversationID)

	if !link.Domain.Valid() {
		return link, fmt.Errorf("%w: %w", ErrInvalidDeepLink, model.ErrUnknownDomain)
	}
	if (link.CounterpartyID == "") == (link.ConversationID == "") {
		return link, fmt.Errorf("%w: exactly one of counterparty and conversation id is required", ErrInvalidDeepLink)
	}
	return link, nil
}

// Conversations returns a domain's conversation list.
func (i *Inbox) Conversations(domain model.Domain) []model.Conversation {
	return i.conversations.List(domain)
}

// ActiveThread returns the open conversation's messages.
func (i *Inbox) ActiveThread() []model.Message {
	key := i.active.Load()
	if key == nil {
		return nil
	}
	return i.messages.Thread(*key)
}

// ActiveConversation returns the open conversation.
func (i *Inbox) ActiveConversation() (model.Conversation, bool) {
	key := i.active.Load()
	if key == nil {
		return model.Conversation{}, false
	}
	return i.conversation(*key), true
}

// ActiveDomain returns the active domain tab.
func (i *Inbox) ActiveDomain() model.Domain {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.domain
}

// TotalUnread returns the combined unread badge.
func (i *Inbox) TotalUnread() uint {
	return i.unread.TotalUnread()
}

// DomainUnread returns one domain's unread badge.
func (i *Inbox) DomainUnread(domain model.Domain) uint {
	return i.unread.DomainUnread(domain)
}

// Subscribe returns a channel of inbox events and a function to release it.
// Events are dropped for a subscriber whose buffer is full.
func (i *Inbox) Subscribe() (<-chan model.InboxEvent, func()) {
	return i.events.subscribe(i.cfg.EventBuffer)
}

// conversation returns the stored conversation, or a bare one for a key the
// list has not returned yet.
func (i *Inbox) conversation(key model.ConversationKey) model.Conversation {
	if conv, ok := i.conversations.Get(key); ok {
		return conv
	}
	return model.Conversation{ID: key.ID, Domain: key.Domain}
}

func (i *Inbox) isActive(key model.ConversationKey) bool {
	cur := i.active.Load()
	return cur != nil && *cur == key
}

// closeLocked clears the open conversation and retires its timer. It
// reports whether a conversation was open.
func (i *Inbox) closeLocked() bool {
	cur := i.active.Load()
	i.active.Store(nil)
	if i.threadTimer != nil {
		i.retireLocked(i.threadTimer)
		i.threadTimer = nil
	}
	if cur == nil {
		return false
	}
	i.unread.Leave()
	return true
}

// retireLocked stops t. Its in-flight tasks are awaited by Unmount.
func (i *Inbox) retireLocked(t *scheduler.Timer) {
	if t.State() != scheduler.StateStopped {
		if err := t.Stop(); err != nil {
			i.logger.Debug("timer stop", zap.String("timer", t.Name()), zap.Error(err))
		}
	}
	wg := i.retiring
	wg.Add(1)
	go func() {
		defer wg.Done()
		t.Wait()
	}()
}

func (i *Inbox) runLocked(t *scheduler.Timer) {
	var err error
	switch t.State() {
	case scheduler.StateStopped:
		err = t.Start(i.root)
	case scheduler.StatePaused:
		err = t.Resume()
	}
	if err != nil {
		i.logger.Warn("timer resume failed", zap.String("timer", t.Name()), zap.Error(err))
	}
}

func (i *Inbox) pauseLocked(t *scheduler.Timer) {
	if t.State() != scheduler.StateRunning {
		return
	}
	if err := t.Pause(); err != nil {
		i.logger.Warn("timer pause failed", zap.String("timer", t.Name()), zap.Error(err))
	}
}

func (i *Inbox) emitUnread(domain model.Domain) {
	total := i.unread.TotalUnread()
	i.events.emit(model.InboxEvent{Type: model.EventUnreadUpdated, Domain: domain, TotalUnread: &total})
}
