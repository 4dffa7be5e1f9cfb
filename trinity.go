// Package trinity is the coordination core of an ambient multi-agent
// assistant. It composes a durable priority message bus, a hard daily budget
// ceiling, a human-in-the-loop question protocol, and a preference learner
// into a sense → ask → act loop.
//
// Usage:
//
//	st, _ := store.New(store.DefaultConfig())
//	t, err := trinity.New(st, trinity.DefaultConfig(),
//	    trinity.WithLogger(logger),
//	    trinity.WithNotifier(myChannel),
//	)
//	err = t.Run(ctx)
//
// External collaborators stay outside the core: perception publishes
// DetectionSignal messages, the execution stage consumes ExecutionTask
// messages, and the notification channel implements hitl.Notifier and calls
// SubmitResponse with the human's answers.
package trinity

import (
	"time"

	"go.uber.org/zap"

	"github.com/subtract0/trinity/budget"
	"github.com/subtract0/trinity/bus"
	"github.com/subtract0/trinity/hitl"
	"github.com/subtract0/trinity/internal/metrics"
	"github.com/subtract0/trinity/internal/retry"
	"github.com/subtract0/trinity/preference"
	"github.com/subtract0/trinity/store"
)

// Config tunes the orchestrator and its composed components.
type Config struct {
	// RejectCooldown suppresses re-asking a rejected topic.
	RejectCooldown time.Duration `json:"reject_cooldown" yaml:"reject_cooldown"`

	// DeferredRetryInterval is how often budget-deferred actions are
	// re-checked.
	DeferredRetryInterval time.Duration `json:"deferred_retry_interval" yaml:"deferred_retry_interval"`

	// Agent is the identifier stamped on cost entries.
	Agent string `json:"agent" yaml:"agent"`

	Bus        bus.Config        `json:"bus" yaml:"bus"`
	Budget     budget.Config     `json:"budget" yaml:"budget"`
	Preference preference.Config `json:"preference" yaml:"preference"`
	HITL       hitl.Config       `json:"hitl" yaml:"hitl"`
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		RejectCooldown:        7 * 24 * time.Hour,
		DeferredRetryInterval: 15 * time.Minute,
		Agent:                 "trinity",
		Bus:                   bus.DefaultConfig(),
		Budget:                budget.DefaultConfig(),
		Preference:            preference.DefaultConfig(),
		HITL:                  hitl.DefaultConfig(),
	}
}

// Option configures the Trinity instance created by New.
type Option func(*options)

type options struct {
	logger    *zap.Logger
	notifier  hitl.Notifier
	collector *metrics.Collector
}

// WithLogger sets a custom zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithNotifier sets the external notification channel.
func WithNotifier(n hitl.Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// WithMetrics sets the prometheus collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *options) { o.collector = c }
}

// Trinity composes the coordination core. All shared state lives in the
// store, so multiple instances over the same store cooperate safely.
type Trinity struct {
	store   store.Store
	bus     *bus.Bus
	budget  *budget.Enforcer
	learner *preference.Learner
	hitl    *hitl.Protocol
	config  Config
	logger  *zap.Logger
	metrics *metrics.Collector
	retry   retry.Policy
	now     func() time.Time
}

// New assembles a Trinity instance over the given store.
func New(st store.Store, cfg Config, opts ...Option) (*Trinity, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	def := DefaultConfig()
	if cfg.RejectCooldown <= 0 {
		cfg.RejectCooldown = def.RejectCooldown
	}
	if cfg.DeferredRetryInterval <= 0 {
		cfg.DeferredRetryInterval = def.DeferredRetryInterval
	}
	if cfg.Agent == "" {
		cfg.Agent = def.Agent
	}

	b := bus.New(st, cfg.Bus, o.logger, o.collector)
	if o.notifier == nil {
		// Default to prompting through the notifications queue.
		o.notifier = NewBusNotifier(b)
	}

	enforcer, err := budget.New(st, cfg.Budget, o.logger, o.collector)
	if err != nil {
		return nil, err
	}

	learner := preference.New(st, cfg.Preference, o.logger)

	protocol, err := hitl.New(st, learner, b, o.notifier, cfg.HITL, o.logger, o.collector)
	if err != nil {
		return nil, err
	}

	policy := retry.DefaultPolicy()
	policy.RetryIf = store.IsTransient

	return &Trinity{
		store:   st,
		bus:     b,
		budget:  enforcer,
		learner: learner,
		hitl:    protocol,
		config:  cfg,
		logger:  o.logger.With(zap.String("component", "orchestrator")),
		metrics: o.collector,
		retry:   policy,
		now:     time.Now,
	}, nil
}

// Bus returns the message bus, for external producers and consumers.
func (t *Trinity) Bus() *bus.Bus { return t.bus }

// Budget returns the budget enforcer.
func (t *Trinity) Budget() *budget.Enforcer { return t.budget }

// Learner returns the preference learner.
func (t *Trinity) Learner() *preference.Learner { return t.learner }

// HITL returns the question protocol, for the notification channel to submit
// responses through.
func (t *Trinity) HITL() *hitl.Protocol { return t.hitl }
