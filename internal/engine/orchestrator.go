package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"slices"
	"time"

	"github.com/scrypster/leadbroker/internal/conversation"
	"github.com/scrypster/leadbroker/internal/embedcache"
	"github.com/scrypster/leadbroker/internal/idempotency"
	"github.com/scrypster/leadbroker/internal/metrics"
	"github.com/scrypster/leadbroker/internal/search"
	"github.com/scrypster/leadbroker/internal/urgency"
	"github.com/scrypster/leadbroker/pkg/types"
)

// Dependencies are the components the Orchestrator sequences.
type Dependencies struct {
	Guard   *idempotency.Guard
	Machine *conversation.Machine
	Urgency *urgency.Service

	// Search is optional; without it no property search runs.
	Search *search.Engine

	// Cache is optional and only feeds Stats.
	Cache *embedcache.Cache

	Metrics *metrics.Metrics
}

// Orchestrator processes inbound messages end to end. It is the only
// component that knows all the others.
type Orchestrator struct {
	cfg     Config
	guard   *idempotency.Guard
	machine *conversation.Machine
	urgency *urgency.Service
	search  *search.Engine
	cache   *embedcache.Cache
	metrics *metrics.Metrics
	limiter *SenderLimiter
	shown   *ShownCache
}

// NewOrchestrator creates an Orchestrator. Guard, Machine and Urgency are required.
func NewOrchestrator(cfg Config, deps Dependencies) (*Orchestrator, error) {
	if deps.Guard == nil || deps.Machine == nil || deps.Urgency == nil {
		return nil, fmt.Errorf("guard, conversation machine and urgency service are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	o := &Orchestrator{
		cfg:     cfg,
		guard:   deps.Guard,
		machine: deps.Machine,
		urgency: deps.Urgency,
		search:  deps.Search,
		cache:   deps.Cache,
		metrics: deps.Metrics,
		shown:   NewShownCache(cfg.ShownPerPhone, cfg.SessionTTL),
	}
	if cfg.RateLimitEnabled {
		o.limiter = NewSenderLimiter(cfg.MessagesPerMinute)
	}
	return o, nil
}

// Machine returns the conversation state machine.
func (o *Orchestrator) Machine() *conversation.Machine { return o.machine }

// Urgency returns the urgency service.
func (o *Orchestrator) Urgency() *urgency.Service { return o.urgency }

// Search returns the search engine, or nil when search is disabled.
func (o *Orchestrator) Search() *search.Engine { return o.search }

// Config returns the orchestrator configuration.
func (o *Orchestrator) Config() Config { return o.cfg }

// HandleInbound processes one inbound delivery.
//
// Sequence: validate, per-sender rate limit (known redeliveries bypass it),
// idempotency admission, then under the per-phone lock apply the message and
// score urgency, then search when the message asks for properties. Duplicate deliveries return a Response with
// Duplicate set (replaying the cached response when processing finished) and
// a nil error.
//
// On timeout the idempotency record stays processing and expires; on any other
// failure it is marked failed so a redelivery is re-admitted.
func (o *Orchestrator) HandleInbound(ctx context.Context, req *InboundRequest) (*Response, error) {
	start := time.Now()
	outcome := "error"
	defer func() { o.metrics.ObserveInbound(outcome, time.Since(start)) }()

	msg := req.Message
	if err := msg.Validate(); err != nil {
		outcome = "malformed"
		return nil, err
	}
	fp := types.Fingerprint(msg.SenderID, msg.ExternalMessageID, msg.Content)
	if o.limiter != nil && !o.limiter.Allow(msg.SenderID) {
		// Redeliveries of known messages are acknowledged even when the
		// sender is over its budget.
		if d, ok, err := o.guard.Lookup(ctx, fp); err != nil {
			log.Printf("engine: warning: idempotency lookup for rate limited %s: %v", msg.ExternalMessageID, err)
		} else if ok {
			return o.acknowledge(d, &outcome), nil
		}
		outcome = "rate_limited"
		return nil, fmt.Errorf("%w: sender %s", types.ErrRateLimited, msg.SenderID)
	}

	decision, err := o.guard.TryBegin(ctx, fp, msg.ExternalMessageID)
	if err != nil {
		return nil, fmt.Errorf("engine: idempotency check: %w", err)
	}
	if decision.Outcome != idempotency.Admitted {
		return o.acknowledge(decision, &outcome), nil
	}

	pctx, cancel := context.WithTimeout(ctx, o.cfg.RequestTimeout)
	defer cancel()
	resp, err := o.process(pctx, req, &msg)

	// Bookkeeping must outlive the request deadline.
	finish := context.WithoutCancel(ctx)

	switch {
	case err == nil:
		outcome = "processed"
		if resp.Degraded {
			outcome = "degraded"
		}
		if cerr := o.guard.Complete(finish, fp, resp); cerr != nil {
			log.Printf("engine: warning: failed to complete idempotency record for %s: %v", msg.ExternalMessageID, cerr)
		}
		return resp, nil

	case errors.Is(err, types.ErrDuplicateDelivery):
		outcome = "duplicate"
		resp = duplicate(StatusDuplicate)
		if cerr := o.guard.Complete(finish, fp, resp); cerr != nil {
			log.Printf("engine: warning: failed to complete idempotency record for %s: %v", msg.ExternalMessageID, cerr)
		}
		return resp, nil

	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		outcome = "timeout"
		log.Printf("engine: warning: message %s timed out, idempotency record left to expire: %v", msg.ExternalMessageID, err)
		return nil, err

	default:
		if ferr := o.guard.Fail(finish, fp, err.Error()); ferr != nil {
			log.Printf("engine: warning: failed to mark idempotency record failed for %s: %v", msg.ExternalMessageID, ferr)
		}
		return nil, err
	}
}

// acknowledge answers a delivery that was not admitted.
func (o *Orchestrator) acknowledge(d idempotency.Decision, outcome *string) *Response {
	if d.Outcome == idempotency.AlreadyCompleted {
		*outcome = "replayed"
		return replay(d.Record)
	}
	*outcome = "duplicate"
	return duplicate(StatusInProgress)
}

func (o *Orchestrator) process(ctx context.Context, req *InboundRequest, msg *types.InboundMessage) (*Response, error) {
	phone := msg.SenderID
	resp := &Response{Status: StatusProcessed, Properties: []search.Result{}}

	err := o.machine.WithLock(phone, func() error {
		snap, err := o.machine.ApplyMessage(ctx, phone, msg, req.Qualification)
		if err != nil {
			return err
		}
		conv := snap.Conversation
		resp.Conversation = &conv
		resp.PreviousState = snap.PreviousState

		eval, err := o.urgency.Evaluate(ctx, snap, msg, true)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// The message is recorded; losing the score must not lose the reply.
			log.Printf("engine: warning: urgency scoring failed for %s: %v", phone, err)
			resp.Degraded = true
			resp.DegradedReason = ReasonUrgencyUnavailable
			return nil
		}
		resp.Urgency = &eval.Result
		resp.Conversation = eval.Conversation
		resp.Alert = eval.Alert
		return nil
	})
	if err != nil {
		return nil, err
	}

	if o.wantsSearch(req) {
		o.runSearch(ctx, phone, msg.Content, resp)
	}
	return resp, nil
}

func (o *Orchestrator) wantsSearch(req *InboundRequest) bool {
	if o.search == nil {
		return false
	}
	if req.SearchIntent != nil {
		return *req.SearchIntent
	}
	return DetectSearchIntent(req.Message.Content)
}

// runSearch ranks properties for text. Failures degrade the response instead
// of failing the message.
func (o *Orchestrator) runSearch(ctx context.Context, phone, text string, resp *Response) {
	resp.SearchRan = true

	results, err := o.search.SearchText(ctx, text, o.cfg.SearchThreshold, o.cfg.MaxResults)
	if err != nil {
		log.Printf("engine: warning: property search degraded for %s: %v", phone, err)
		resp.Degraded = true
		resp.DegradedReason = ReasonRetrievalUnavailable
		return
	}

	shown := o.shown.Shown(phone)
	ids := make([]string, 0, len(results.Items))
	for i := range results.Items {
		id := results.Items[i].Property.ID
		results.Items[i].AlreadyShown = slices.Contains(shown, id)
		ids = append(ids, id)
	}
	o.shown.Add(phone, ids...)

	resp.Properties = results.Items
	if results.Degraded {
		resp.Degraded = true
		if resp.DegradedReason == "" {
			resp.DegradedReason = results.DegradedReason
		}
	}
}

// ShownProperties returns the property ids already shown to phone.
func (o *Orchestrator) ShownProperties(phone string) []string {
	return o.shown.Shown(phone)
}

func duplicate(status string) *Response {
	return &Response{Status: status, Duplicate: true, Properties: []search.Result{}}
}

// replay rebuilds the cached response of a completed delivery.
func replay(rec *types.IdempotencyRecord) *Response {
	resp := &Response{}
	if rec == nil || len(rec.Result) == 0 {
		return duplicate(StatusReplayed)
	}
	if err := json.Unmarshal(rec.Result, resp); err != nil {
		log.Printf("engine: warning: cached response for %s is unreadable: %v", rec.ExternalMessageID, err)
		return duplicate(StatusReplayed)
	}
	resp.Status = StatusReplayed
	resp.Duplicate = true
	if resp.Properties == nil {
		resp.Properties = []search.Result{}
	}
	return resp
}
