package ippsrv

import (
	"time"

	"github.com/OpenPrinting/goipp"
)

// createSubscriptions handles all four Create-*-Subscriptions operations:
// the binding comes from the HTTP target (printer) and the subscription
// group's notify-job-id / notify-resource-id attributes.
func (c *opContext) createSubscriptions() error {
	op := goipp.Op(c.req.Code)

	var subGroups []goipp.Attributes
	for _, g := range c.req.Groups {
		if g.Tag == goipp.TagSubscriptionGroup {
			subGroups = append(subGroups, g.Attrs)
		}
	}
	if len(subGroups) == 0 && len(c.req.Subscription) > 0 {
		subGroups = append(subGroups, c.req.Subscription)
	}
	if len(subGroups) == 0 {
		return ippErrorf(goipp.StatusErrorBadRequest, "no subscription groups supplied")
	}

	created := 0
	for _, attrs := range subGroups {
		sub := &Subscription{
			charset:  attrString(c.req.Operation, "attributes-charset", "utf-8"),
			language: attrString(c.req.Operation, "attributes-natural-language", "en-us"),
			username: c.requester(),
		}

		switch op {
		case goipp.OpCreatePrinterSubscriptions:
			sub.printer = c.p
		case goipp.OpCreateJobSubscriptions:
			sub.printer = c.p
			id := attrInt(attrs, "notify-job-id", 0)
			if id == 0 {
				id = attrInt(c.req.Operation, "notify-job-id", 0)
			}
			j := c.p.JobByID(id)
			if j == nil {
				c.addGroup(goipp.TagSubscriptionGroup, errorSubGroup(goipp.StatusErrorNotFound))
				continue
			}
			sub.job = j
		case goipp.OpCreateResourceSubscriptions:
			id := attrInt(attrs, "notify-resource-id", 0)
			if id == 0 {
				id = attrInt(c.req.Operation, "notify-resource-id", 0)
			}
			res, ok := c.sys.res.get(id)
			if !ok {
				c.addGroup(goipp.TagSubscriptionGroup, errorSubGroup(goipp.StatusErrorNotFound))
				continue
			}
			sub.resource = res
		case goipp.OpCreateSystemSubscriptions:
			// unbound: system scope
		}

		events := attrKeywords(attrs, "notify-events")
		if len(events) == 0 {
			events = []string{"job-completed", "job-state-changed"}
		}
		mask, unknown := ParseEvents(events)
		for _, kw := range unknown {
			c.unsupported.Add(goipp.MakeAttribute("notify-events", goipp.TagKeyword, goipp.String(kw)))
		}
		if mask == 0 {
			c.addGroup(goipp.TagSubscriptionGroup, errorSubGroup(goipp.StatusErrorAttributesOrValues))
			continue
		}
		sub.mask = mask

		if method := attrString(attrs, "notify-pull-method", "ippget"); method != "ippget" {
			c.addGroup(goipp.TagSubscriptionGroup, errorSubGroup(goipp.StatusErrorAttributesOrValues))
			continue
		}

		lease := attrInt(attrs, "notify-lease-duration", defaultLeaseSeconds)
		sub.lease = time.Duration(lease) * time.Second
		if vv, ok := findAttr(attrs, "notify-user-data"); ok && len(vv) > 0 {
			ud := goipp.MakeAttribute("notify-user-data", vv[0].T, vv[0].V)
			sub.userData = &ud
		}

		c.sys.subs.create(sub)
		created++

		var out goipp.Attributes
		adder(&out)("notify-subscription-id", goipp.TagInteger, goipp.Integer(sub.id))
		c.addGroup(goipp.TagSubscriptionGroup, out)
	}

	if created == 0 {
		return &ippError{status: goipp.StatusErrorIgnoredAllSubscriptions, message: "no subscriptions created"}
	}
	return nil
}

func errorSubGroup(status goipp.Status) goipp.Attributes {
	var attrs goipp.Attributes
	adder(&attrs)("notify-status-code", goipp.TagEnum, goipp.Integer(status))
	return attrs
}

func (c *opContext) subFromRequest() (*Subscription, error) {
	id := attrInt(c.req.Operation, "notify-subscription-id", 0)
	if id == 0 {
		return nil, ippErrorf(goipp.StatusErrorBadRequest, "notify-subscription-id required")
	}
	sub, ok := c.sys.subs.get(id)
	if !ok {
		return nil, errSubscriptionNotFound
	}
	return sub, nil
}

func (c *opContext) renewSubscription() error {
	sub, err := c.subFromRequest()
	if err != nil {
		return err
	}
	if err := c.checkOwner(sub.username); err != nil {
		return err
	}
	lease := attrInt(c.req.Operation, "notify-lease-duration", defaultLeaseSeconds)
	if !c.sys.subs.renew(sub.id, time.Duration(lease)*time.Second) {
		return errSubscriptionNotFound
	}
	adder(&c.opAttrs)("notify-lease-duration", goipp.TagInteger, goipp.Integer(lease))
	return nil
}

func (c *opContext) cancelSubscription() error {
	sub, err := c.subFromRequest()
	if err != nil {
		return err
	}
	if err := c.checkOwner(sub.username); err != nil {
		return err
	}
	if !c.sys.subs.cancel(sub.id) {
		return errSubscriptionNotFound
	}
	return nil
}

func (c *opContext) getSubscriptionAttributes() error {
	sub, err := c.subFromRequest()
	if err != nil {
		return err
	}
	requested := requestedAttributes(c.req.Operation)
	redact := redactionFor(c.sys.cfg.SubscriptionPrivacy, c.requester(), sub.username, c.isAdmin())
	c.sys.subs.mu.Lock()
	attrs := sub.describe(requested, redact)
	c.sys.subs.mu.Unlock()
	c.addGroup(goipp.TagSubscriptionGroup, attrs)
	return nil
}

func (c *opContext) getSubscriptions() error {
	var p *Printer
	var j *Job
	if uri := attrString(c.req.Operation, "printer-uri", ""); uri != "" {
		if prn, ok := c.sys.printerForURI(uri); ok {
			p = prn
			if id := attrInt(c.req.Operation, "notify-job-id", 0); id > 0 {
				j = prn.JobByID(id)
			}
		}
	}
	mine := ""
	if attrBool(c.req.Operation, "my-subscriptions", false) {
		mine = c.requester()
	}
	limit := attrInt(c.req.Operation, "limit", 0)
	requested := requestedAttributes(c.req.Operation)

	me := c.requester()
	n := 0
	for _, sub := range c.sys.subs.list(p, j, mine) {
		if limit > 0 && n >= limit {
			break
		}
		redact := redactionFor(c.sys.cfg.SubscriptionPrivacy, me, sub.username, c.isAdmin())
		c.sys.subs.mu.Lock()
		attrs := sub.describe(requested, redact)
		c.sys.subs.mu.Unlock()
		c.addGroup(goipp.TagSubscriptionGroup, attrs)
		n++
	}
	return nil
}

// getNotifications delivers queued events for the requested subscriptions,
// blocking when notify-wait is set until events arrive, the subscriptions
// disappear, or the wait times out.
func (c *opContext) getNotifications() error {
	idVals, ok := findAttr(c.req.Operation, "notify-subscription-ids")
	if !ok {
		return ippErrorf(goipp.StatusErrorBadRequest, "notify-subscription-ids required")
	}
	var ids []int
	for _, v := range idVals {
		if i, ok := v.V.(goipp.Integer); ok {
			ids = append(ids, int(i))
		}
	}
	var since []int
	if seqVals, ok := findAttr(c.req.Operation, "notify-sequence-numbers"); ok {
		for _, v := range seqVals {
			if i, ok := v.V.(goipp.Integer); ok {
				since = append(since, int(i))
			}
		}
	}
	wait := attrBool(c.req.Operation, "notify-wait", false)

	results := c.sys.waitEvents(ids, since, wait, 30*time.Second)

	interval := 5
	gone := false
	total := 0
	for _, res := range results {
		if res.gone {
			gone = true
			continue
		}
		for _, ev := range res.events {
			c.addGroup(goipp.TagEventNotificationGroup, ev.attrs)
			total++
		}
	}
	adder(&c.opAttrs)("notify-get-interval", goipp.TagInteger, goipp.Integer(interval))
	if total == 0 && gone {
		return errSubscriptionNotFound
	}
	if gone {
		c.status = statusOkEventsComplete
	}
	return nil
}
