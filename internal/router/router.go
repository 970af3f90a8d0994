// Package router delivers typed messages between agents and the
// orchestrator: correlation-id request/response, a bounded pending queue
// for not-yet-ready recipients, filtered broadcast, and a rolling log.
package router

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tandem-ai/tandem/internal/core"
	"github.com/tandem-ai/tandem/internal/logging"
)

// Config tunes the router.
type Config struct {
	MaxQueueSize            int
	QueueProcessingInterval time.Duration
	MaxRetryCount           int
	DefaultRequestTimeout   time.Duration
	MaxMessageSize          int
	MessageLogSize          int
}

// DefaultConfig returns the default router configuration.
func DefaultConfig() Config {
	return Config{
		MaxQueueSize:            1000,
		QueueProcessingInterval: 100 * time.Millisecond,
		MaxRetryCount:           3,
		DefaultRequestTimeout:   30 * time.Second,
		MaxMessageSize:          core.MaxIPCMessageSize,
		MessageLogSize:          1000,
	}
}

// SubscriptionFilter narrows what a subscriber receives.
type SubscriptionFilter struct {
	MessageTypes []core.MessageType
	From         string
}

func (f SubscriptionFilter) matches(msg core.AgentMessage) bool {
	if len(f.MessageTypes) > 0 {
		ok := false
		for _, t := range f.MessageTypes {
			if t == msg.Type {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.From != "" && f.From != msg.From {
		return false
	}
	return true
}

// MessageHandler receives dispatched messages.
type MessageHandler func(msg core.AgentMessage)

type subscription struct {
	agentID string
	handler MessageHandler
	filter  SubscriptionFilter
}

type pendingRequest struct {
	correlationID string
	resultCh      chan core.AgentMessage
	timer         *time.Timer
}

type queuedMessage struct {
	msg        core.AgentMessage
	retryCount int
	enqueuedAt time.Time
}

// Stats counts router activity.
type Stats struct {
	Delivered       int64 `json:"delivered"`
	Queued          int64 `json:"queued"`
	DroppedOverflow int64 `json:"dropped_overflow"`
	DroppedRetries  int64 `json:"dropped_retries"`
	DroppedUnknown  int64 `json:"dropped_unknown"`
	Truncated       int64 `json:"truncated"`
	Broadcasts      int64 `json:"broadcasts"`
}

// Router routes AgentMessages. It owns subscriptions, pending requests,
// the outbound queue, and the message log.
type Router struct {
	mu            sync.Mutex
	cfg           Config
	agents        core.AgentLookup
	locks         core.FileLockService
	logger        *logging.Logger
	subscriptions map[string]*subscription
	pending       map[string]*pendingRequest
	queue         []*queuedMessage
	msgLog        []core.AgentMessage
	stats         Stats
	disposed      bool
	stopCh        chan struct{}
	doneCh        chan struct{}
	unsubLocks    func()
}

// Option configures a Router.
type Option func(*Router)

// WithLockService fans file-lock events out as broadcast notifications.
func WithLockService(locks core.FileLockService) Option {
	return func(r *Router) { r.locks = locks }
}

// WithLogger sets the router's logger.
func WithLogger(logger *logging.Logger) Option {
	return func(r *Router) { r.logger = logger }
}

// New creates a router and starts its queue-processing tick.
func New(cfg Config, agents core.AgentLookup, opts ...Option) *Router {
	def := DefaultConfig()
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = def.MaxQueueSize
	}
	if cfg.QueueProcessingInterval <= 0 {
		cfg.QueueProcessingInterval = def.QueueProcessingInterval
	}
	if cfg.MaxRetryCount <= 0 {
		cfg.MaxRetryCount = def.MaxRetryCount
	}
	if cfg.DefaultRequestTimeout <= 0 {
		cfg.DefaultRequestTimeout = def.DefaultRequestTimeout
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.MessageLogSize <= 0 {
		cfg.MessageLogSize = def.MessageLogSize
	}

	r := &Router{
		cfg:           cfg,
		agents:        agents,
		logger:        logging.NewNop(),
		subscriptions: make(map[string]*subscription),
		pending:       make(map[string]*pendingRequest),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.locks != nil {
		r.unsubLocks = r.locks.Subscribe(r.onLockEvent)
	}

	go r.processLoop()
	return r
}

func (r *Router) processLoop() {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.cfg.QueueProcessingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.processQueue()
		case <-r.stopCh:
			return
		}
	}
}

// validate checks the required message fields.
func validate(msg core.AgentMessage) error {
	if msg.ID == "" {
		return core.ErrInvalidMessage("id", "is required")
	}
	if !core.ValidMessageType(msg.Type) {
		return core.ErrInvalidMessage("type", "is not a known message type")
	}
	if msg.From == "" {
		return core.ErrInvalidMessage("from", "is required")
	}
	if msg.To == "" {
		return core.ErrInvalidMessage("to", "is required")
	}
	if msg.Timestamp.IsZero() {
		return core.ErrInvalidMessage("timestamp", "is required")
	}
	if msg.Payload.Kind == "" {
		return core.ErrInvalidMessage("payload", "is required")
	}
	return nil
}

// applySizePolicy substitutes a truncated payload when the serialized
// message exceeds the cap. Identity fields and the correlation id are
// preserved so over-sized requests still deliver a correlated placeholder.
func (r *Router) applySizePolicy(msg core.AgentMessage) core.AgentMessage {
	if msg.SerializedSize() <= r.cfg.MaxMessageSize {
		return msg
	}
	payloadSize := msg.Payload.SerializedSize()
	r.stats.Truncated++
	truncated := core.AgentMessage{
		ID:            msg.ID,
		Type:          msg.Type,
		From:          msg.From,
		To:            msg.To,
		Timestamp:     msg.Timestamp,
		CorrelationID: msg.CorrelationID,
		Payload: core.MessagePayload{
			Kind: core.PayloadKindTruncated,
			Truncated: &core.TruncatedPayload{
				TruncatedMarker: true,
				OriginalSize:    payloadSize,
			},
		},
	}
	r.logger.Warn("message payload truncated",
		"message_id", msg.ID, "payload_size", payloadSize, "limit", r.cfg.MaxMessageSize)
	return truncated
}

// RouteMessage validates and delivers a message. Ready recipients get it
// over IPC immediately; others have it queued. Unknown recipients fail.
func (r *Router) RouteMessage(ctx context.Context, msg core.AgentMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.disposed {
		return core.ErrDisposed("router")
	}
	if err := validate(msg); err != nil {
		return err
	}
	msg = r.applySizePolicy(msg)
	r.appendLogLocked(msg)

	if msg.To == core.Broadcast {
		r.stats.Broadcasts++
		for _, agent := range r.agents.GetActiveAgents() {
			if agent.AgentID == msg.From {
				continue
			}
			delivery := msg
			delivery.To = agent.AgentID
			r.deliverOrQueueLocked(ctx, agent, delivery)
		}
		return nil
	}

	agent, ok := r.agents.GetAgent(msg.To)
	if !ok {
		return core.ErrUnknownTarget(msg.To)
	}
	r.deliverOrQueueLocked(ctx, agent, msg)
	return nil
}

// deliverOrQueueLocked sends to ready/busy agents and queues for the rest.
// A recipient with queued traffic gets the message queued behind it, so the
// ready path never reorders messages already waiting for that recipient.
func (r *Router) deliverOrQueueLocked(ctx context.Context, agent *core.AgentInstance, msg core.AgentMessage) {
	if r.hasQueuedLocked(agent.AgentID) {
		r.enqueueLocked(msg)
		return
	}
	if agent.Status.IsActive() {
		if err := r.agents.SendToAgent(ctx, agent.AgentID, msg); err != nil {
			r.logger.Warn("IPC send failed, queueing message",
				"message_id", msg.ID, "to", msg.To, "error", err)
			r.enqueueLocked(msg)
			return
		}
		r.stats.Delivered++
		return
	}
	r.enqueueLocked(msg)
}

func (r *Router) hasQueuedLocked(to string) bool {
	for _, entry := range r.queue {
		if entry.msg.To == to {
			return true
		}
	}
	return false
}

func (r *Router) enqueueLocked(msg core.AgentMessage) {
	r.queue = append(r.queue, &queuedMessage{msg: msg, enqueuedAt: time.Now()})
	r.stats.Queued++
	if len(r.queue) > r.cfg.MaxQueueSize {
		// Overflow drops the oldest entry.
		r.queue = r.queue[1:]
		r.stats.DroppedOverflow++
	}
}

// processQueue scans the pending queue once: ready targets are delivered,
// stale entries are retried up to the cap, unknown targets are dropped.
// Entries behind an undeliverable entry for the same recipient are held
// back without a retry charge, preserving per-recipient order.
func (r *Router) processQueue() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.disposed || len(r.queue) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.QueueProcessingInterval)
	defer cancel()

	kept := r.queue[:0]
	blocked := make(map[string]bool)
	for _, entry := range r.queue {
		if blocked[entry.msg.To] {
			kept = append(kept, entry)
			continue
		}
		agent, ok := r.agents.GetAgent(entry.msg.To)
		if !ok {
			r.stats.DroppedUnknown++
			continue
		}
		if agent.Status.IsActive() {
			if err := r.agents.SendToAgent(ctx, agent.AgentID, entry.msg); err == nil {
				r.stats.Delivered++
				continue
			}
		}
		if entry.retryCount < r.cfg.MaxRetryCount {
			entry.retryCount++
			kept = append(kept, entry)
			blocked[entry.msg.To] = true
		} else {
			r.stats.DroppedRetries++
		}
	}
	// Zero the tail so dropped entries do not linger.
	for i := len(kept); i < len(r.queue); i++ {
		r.queue[i] = nil
	}
	r.queue = kept
}

// Subscribe registers the single inbound handler for an agent id.
func (r *Router) Subscribe(agentID string, handler MessageHandler, filter SubscriptionFilter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.disposed {
		return core.ErrDisposed("router")
	}
	r.subscriptions[agentID] = &subscription{
		agentID: agentID,
		handler: handler,
		filter:  filter,
	}
	return nil
}

// Unsubscribe removes an agent's subscription.
func (r *Router) Unsubscribe(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subscriptions, agentID)
}

// SendRequest routes a request and waits for the correlated response.
// timeout <= 0 uses the configured default.
func (r *Router) SendRequest(ctx context.Context, from, to string, payload core.MessagePayload, timeout time.Duration) (core.AgentMessage, error) {
	if timeout <= 0 {
		timeout = r.cfg.DefaultRequestTimeout
	}

	correlationID := uuid.NewString()
	msg := core.NewMessage(core.MessageTypeRequest, from, to, payload)
	msg.CorrelationID = correlationID

	pending := &pendingRequest{
		correlationID: correlationID,
		resultCh:      make(chan core.AgentMessage, 1),
	}

	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return core.AgentMessage{}, core.ErrDisposed("router")
	}
	r.pending[correlationID] = pending
	pending.timer = time.NewTimer(timeout)
	r.mu.Unlock()

	if err := r.RouteMessage(ctx, msg); err != nil {
		r.removePending(correlationID)
		return core.AgentMessage{}, err
	}

	select {
	case response := <-pending.resultCh:
		return response, nil
	case <-pending.timer.C:
		r.removePending(correlationID)
		return core.AgentMessage{}, core.ErrTimeout("request to " + to).WithDetail("correlation_id", correlationID)
	case <-ctx.Done():
		r.removePending(correlationID)
		return core.AgentMessage{}, ctx.Err()
	case <-r.stopCh:
		return core.AgentMessage{}, core.ErrDisposed("router")
	}
}

func (r *Router) removePending(correlationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pending, ok := r.pending[correlationID]; ok {
		pending.timer.Stop()
		delete(r.pending, correlationID)
	}
}

// SendResponse routes a response correlated to an earlier request.
func (r *Router) SendResponse(ctx context.Context, from, to string, payload core.ResponsePayload, correlationID string) error {
	return r.RouteMessage(ctx, core.ResponseMessage(from, to, payload, correlationID))
}

// HandleIncomingMessage feeds a message arriving from an agent back into
// the router: responses resolve pending requests, everything else goes to
// the recipient's subscription if the filter matches.
func (r *Router) HandleIncomingMessage(msg core.AgentMessage) {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return
	}
	r.appendLogLocked(msg)

	if msg.Type == core.MessageTypeResponse && msg.CorrelationID != "" {
		if pending, ok := r.pending[msg.CorrelationID]; ok {
			pending.timer.Stop()
			delete(r.pending, msg.CorrelationID)
			r.mu.Unlock()
			pending.resultCh <- msg
			return
		}
	}

	sub, ok := r.subscriptions[msg.To]
	r.mu.Unlock()

	if ok && sub.filter.matches(msg) {
		sub.handler(msg)
	}
}

func (r *Router) appendLogLocked(msg core.AgentMessage) {
	r.msgLog = append(r.msgLog, msg)
	if len(r.msgLog) > r.cfg.MessageLogSize {
		r.msgLog = r.msgLog[len(r.msgLog)-r.cfg.MessageLogSize:]
	}
}

// GetMessageLog returns up to limit log entries, newest first.
// limit <= 0 returns 100 entries.
func (r *Router) GetMessageLog(limit int) []core.AgentMessage {
	if limit <= 0 {
		limit = 100
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.msgLog)
	if limit < n {
		n = limit
	}
	out := make([]core.AgentMessage, 0, n)
	for i := len(r.msgLog) - 1; i >= len(r.msgLog)-n; i-- {
		out = append(out, r.msgLog[i])
	}
	return out
}

// QueueDepth returns the number of queued messages.
func (r *Router) QueueDepth() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// PendingCount returns the number of in-flight requests.
func (r *Router) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// GetStats returns a copy of the router's counters.
func (r *Router) GetStats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// onLockEvent re-emits file lock events as broadcast notifications.
func (r *Router) onLockEvent(event core.LockEvent) {
	msg := core.NotificationMessage("orchestrator", event.Type, map[string]any{
		"file_path": event.Lock.FilePath,
		"agent_id":  event.Lock.AgentID,
		"mode":      string(event.Lock.Mode),
		"lock_id":   event.Lock.LockID,
	})
	if err := r.RouteMessage(context.Background(), msg); err != nil {
		r.logger.Debug("lock event broadcast failed", "error", err)
	}
}

// Dispose stops the queue tick, rejects in-flight requests, and clears
// all owned state. Idempotent.
func (r *Router) Dispose() {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return
	}
	r.disposed = true
	if r.unsubLocks != nil {
		r.unsubLocks()
		r.unsubLocks = nil
	}
	for id, pending := range r.pending {
		pending.timer.Stop()
		delete(r.pending, id)
	}
	r.subscriptions = make(map[string]*subscription)
	r.queue = nil
	close(r.stopCh)
	r.mu.Unlock()

	<-r.doneCh
}
