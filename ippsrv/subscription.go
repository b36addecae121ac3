package ippsrv

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/OpenPrinting/goipp"
)

const (
	// maxEventsPerSubscription bounds the per-subscription event queue;
	// the oldest event is evicted when the queue is full.
	maxEventsPerSubscription = 100
	defaultLeaseSeconds      = 86400
)

// Subscription is a pull-notification handle. It may be bound to a
// printer, a job and/or a resource; unbound subscriptions receive system
// events.
type Subscription struct {
	id int

	printer  *Printer
	job      *Job
	resource *Resource

	mask     EventMask
	lease    time.Duration // 0 = indefinite
	expiry   time.Time     // zero when indefinite
	charset  string
	language string
	username string
	userData *goipp.Attribute

	firstSeq int
	lastSeq  int
	events   []event

	pendingDelete bool
}

// ID returns the subscription id.
func (s *Subscription) ID() int { return s.id }

// subscriptionBus owns all subscriptions and the notification condition
// variable. All subscription state is guarded by mu; cond broadcasts on
// every append, cancellation and sweep.
type subscriptionBus struct {
	mu     sync.Mutex
	cond   *sync.Cond
	subs   map[int]*Subscription
	nextID int
	closed bool
}

func newSubscriptionBus() *subscriptionBus {
	b := &subscriptionBus{subs: make(map[int]*Subscription)}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// create registers a subscription and returns it with its id assigned.
func (b *subscriptionBus) create(sub *Subscription) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub.id = b.nextID
	if sub.lease > 0 {
		sub.expiry = time.Now().Add(sub.lease)
	}
	if sub.charset == "" {
		sub.charset = "utf-8"
	}
	if sub.language == "" {
		sub.language = "en-us"
	}
	b.subs[sub.id] = sub
	return sub
}

func (b *subscriptionBus) get(id int) (*Subscription, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[id]
	if !ok || sub.pendingDelete {
		return nil, false
	}
	return sub, true
}

// renew resets the lease. A zero lease makes the subscription indefinite.
func (b *subscriptionBus) renew(id int, lease time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[id]
	if !ok || sub.pendingDelete {
		return false
	}
	sub.lease = lease
	if lease > 0 {
		sub.expiry = time.Now().Add(lease)
	} else {
		sub.expiry = time.Time{}
	}
	return true
}

// cancel marks a subscription pending-delete and wakes all waiters; the
// sweeper reaps it.
func (b *subscriptionBus) cancel(id int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[id]
	if !ok || sub.pendingDelete {
		return false
	}
	sub.pendingDelete = true
	b.cond.Broadcast()
	return true
}

// list returns the live subscriptions matching the optional bindings, in
// id order.
func (b *subscriptionBus) list(p *Printer, j *Job, mine string) []*Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*Subscription
	for _, sub := range b.subs {
		if sub.pendingDelete {
			continue
		}
		if p != nil && sub.printer != p {
			continue
		}
		if j != nil && sub.job != j {
			continue
		}
		if mine != "" && sub.username != mine {
			continue
		}
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// dropBound marks every subscription bound to the given printer or job
// pending-delete (object teardown).
func (b *subscriptionBus) dropBound(p *Printer, j *Job) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if (p != nil && sub.printer == p) || (j != nil && sub.job == j) {
			sub.pendingDelete = true
		}
	}
	b.cond.Broadcast()
}

// addEvent walks all subscriptions and queues the event on each match:
// bindings are unset or equal to the event's objects, and the event bit is
// in the subscription's mask. One call per event bit set in bits.
func (sys *System) addEvent(p *Printer, j *Job, res *Resource, bits EventMask, message string) {
	b := sys.subs
	snap := snapshotEvent(p, j, res, time.Now())
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	queued := false
	for bit := EventMask(1); bit != 0 && bit <= bits; bit <<= 1 {
		if bits&bit == 0 {
			continue
		}
		for _, sub := range b.subs {
			if sub.pendingDelete || sub.mask&bit == 0 {
				continue
			}
			if sub.printer != nil && sub.printer != p {
				continue
			}
			if sub.job != nil && sub.job != j {
				continue
			}
			if sub.resource != nil && sub.resource != res {
				continue
			}
			sub.lastSeq++
			ev := event{
				seq:   sub.lastSeq,
				bit:   bit,
				attrs: buildEvent(sub, bit, message, snap, sub.lastSeq),
			}
			if len(sub.events) >= maxEventsPerSubscription {
				sub.events = sub.events[1:]
				sub.firstSeq++
			}
			if len(sub.events) == 0 && sub.firstSeq == 0 {
				sub.firstSeq = ev.seq
			}
			sub.events = append(sub.events, ev)
			queued = true
		}
	}
	if queued {
		b.cond.Broadcast()
	}
}

// waitResult is the outcome of waitEvents for one subscription.
type waitResult struct {
	sub    *Subscription
	events []event
	gone   bool // subscription expired or canceled
}

// waitEvents blocks until one of the requested subscriptions has events
// with sequence >= the corresponding since value, any of them disappears,
// or the timeout elapses. With wait false it returns immediately.
func (sys *System) waitEvents(ids []int, since []int, wait bool, timeout time.Duration) []waitResult {
	b := sys.subs
	deadline := time.Now().Add(timeout)

	collect := func() ([]waitResult, bool) {
		var out []waitResult
		ready := false
		for i, id := range ids {
			sub, ok := b.subs[id]
			if !ok || sub.pendingDelete {
				out = append(out, waitResult{gone: true})
				ready = true
				continue
			}
			min := 1
			if i < len(since) && since[i] > 0 {
				min = since[i]
			}
			res := waitResult{sub: sub}
			for _, ev := range sub.events {
				if ev.seq >= min {
					res.events = append(res.events, ev)
				}
			}
			if len(res.events) > 0 {
				ready = true
			}
			out = append(out, res)
		}
		return out, ready
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		out, ready := collect()
		if ready || !wait || b.closed {
			return out
		}
		if time.Now().After(deadline) {
			return out
		}
		// Bounded wait so the deadline is honored even without traffic.
		waker := time.AfterFunc(time.Until(deadline), b.cond.Broadcast)
		b.cond.Wait()
		waker.Stop()
	}
}

// subscriptionSweeper reaps expired and pending-delete subscriptions. It broadcasts
// before removal so blocked Get-Notifications clients observe the
// disappearance.
func (sys *System) subscriptionSweeper() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-sys.shutdown:
			return
		case <-ticker.C:
		}
		b := sys.subs
		now := time.Now()
		b.mu.Lock()
		var expired []int
		for id, sub := range b.subs {
			if sub.pendingDelete || (!sub.expiry.IsZero() && now.After(sub.expiry)) {
				expired = append(expired, id)
			}
		}
		if len(expired) > 0 {
			b.cond.Broadcast()
			for _, id := range expired {
				delete(b.subs, id)
				slog.Debug("subscription reaped", "notify_subscription_id", id)
			}
		}
		b.mu.Unlock()
	}
}

// describe returns the subscription-attributes group.
func (s *Subscription) describe(requested map[string]bool, redact map[string]bool) goipp.Attributes {
	var attrs goipp.Attributes
	a := adder(&attrs)
	a("notify-subscription-id", goipp.TagInteger, goipp.Integer(s.id))
	a("notify-events", goipp.TagKeyword, stringsToValues(s.mask.Keywords())...)
	a("notify-pull-method", goipp.TagKeyword, goipp.String("ippget"))
	a("notify-charset", goipp.TagCharset, goipp.String(s.charset))
	a("notify-natural-language", goipp.TagLanguage, goipp.String(s.language))
	a("notify-subscriber-user-name", goipp.TagName, goipp.String(s.username))
	if s.lease > 0 {
		a("notify-lease-duration", goipp.TagInteger, goipp.Integer(int(s.lease.Seconds())))
		a("notify-lease-expiration-time", goipp.TagInteger, goipp.Integer(s.expiry.Unix()))
	} else {
		a("notify-lease-duration", goipp.TagInteger, goipp.Integer(0))
	}
	if s.printer != nil {
		a("notify-printer-uri", goipp.TagURI, goipp.String(s.printer.uri()))
	}
	if s.job != nil {
		a("notify-job-id", goipp.TagInteger, goipp.Integer(s.job.id))
	}
	if s.resource != nil {
		a("notify-resource-id", goipp.TagInteger, goipp.Integer(s.resource.id))
	}
	if s.userData != nil {
		attrs.Add(*s.userData)
	}
	var out goipp.Attributes
	for _, attr := range attrs {
		if requested != nil && !requested[attr.Name] {
			continue
		}
		if redacted(redact, attr.Name) {
			out.Add(ippNoValue(attr.Name))
			continue
		}
		out.Add(attr)
	}
	return out
}
