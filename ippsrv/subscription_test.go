package ippsrv

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEvents(t *testing.T) {
	mask, unknown := ParseEvents([]string{"job-state-changed", "printer-state-changed"})
	assert.Empty(t, unknown)
	assert.NotZero(t, mask&EvtJobStateChanged)
	assert.NotZero(t, mask&EvtPrinterStateChanged)
	assert.Zero(t, mask&EvtJobCompleted)

	_, unknown = ParseEvents([]string{"job-state-changed", "bogus-event"})
	assert.Equal(t, []string{"bogus-event"}, unknown)

	all, _ := ParseEvents([]string{"all"})
	for bit := range eventNames {
		assert.NotZero(t, all&bit)
	}
}

func TestEventMaskKeywords(t *testing.T) {
	assert.Equal(t, []string{"none"}, EvtNone.Keywords())
	kw := (EvtJobCompleted | EvtJobStateChanged).Keywords()
	assert.Equal(t, []string{"job-completed", "job-state-changed"}, kw)
}

func TestEventDelivery(t *testing.T) {
	sys := testSystem(t, nil)
	p, err := sys.AddPrinter(PrinterDef{Name: "events", InitAccepting: true, InitState: PSStopped})
	require.NoError(t, err)

	sub := sys.subs.create(&Subscription{
		printer:  p,
		mask:     EvtJobStateChanged,
		username: "alice",
	})

	other, err := sys.AddPrinter(PrinterDef{Name: "other", InitAccepting: true, InitState: PSStopped})
	require.NoError(t, err)

	sys.addEvent(p, nil, nil, EvtJobStateChanged, "one")
	sys.addEvent(other, nil, nil, EvtJobStateChanged, "ignored") // bound to p
	sys.addEvent(p, nil, nil, EvtPrinterStateChanged, "masked")  // not in mask
	sys.addEvent(p, nil, nil, EvtJobStateChanged, "two")

	sys.subs.mu.Lock()
	defer sys.subs.mu.Unlock()
	require.Len(t, sub.events, 2)
	assert.Equal(t, 1, sub.events[0].seq)
	assert.Equal(t, 2, sub.events[1].seq)
	assert.Equal(t, 2, sub.lastSeq)
	assert.Equal(t, 1, sub.firstSeq)
}

func TestEventQueueEviction(t *testing.T) {
	sys := testSystem(t, nil)
	p, err := sys.AddPrinter(PrinterDef{Name: "evict", InitAccepting: true, InitState: PSStopped})
	require.NoError(t, err)
	sub := sys.subs.create(&Subscription{printer: p, mask: EvtJobStateChanged})

	for i := 0; i < maxEventsPerSubscription+10; i++ {
		sys.addEvent(p, nil, nil, EvtJobStateChanged, "tick")
	}

	sys.subs.mu.Lock()
	defer sys.subs.mu.Unlock()
	require.Len(t, sub.events, maxEventsPerSubscription)
	assert.Equal(t, maxEventsPerSubscription+10, sub.lastSeq)
	assert.Equal(t, 11, sub.firstSeq)
	// sequence numbers stay contiguous after eviction
	for i := 1; i < len(sub.events); i++ {
		assert.Equal(t, sub.events[i-1].seq+1, sub.events[i].seq)
	}
}

func TestWaitEventsNonBlocking(t *testing.T) {
	sys := testSystem(t, nil)
	p, err := sys.AddPrinter(PrinterDef{Name: "wait", InitAccepting: true, InitState: PSStopped})
	require.NoError(t, err)
	sub := sys.subs.create(&Subscription{printer: p, mask: EvtJobStateChanged})

	res := sys.waitEvents([]int{sub.id}, nil, false, time.Second)
	require.Len(t, res, 1)
	assert.Empty(t, res[0].events)
	assert.False(t, res[0].gone)

	sys.addEvent(p, nil, nil, EvtJobStateChanged, "hello")
	res = sys.waitEvents([]int{sub.id}, nil, false, time.Second)
	require.Len(t, res, 1)
	require.Len(t, res[0].events, 1)
	assert.Equal(t, 1, res[0].events[0].seq)

	// sequence filter skips delivered events
	res = sys.waitEvents([]int{sub.id}, []int{2}, false, time.Second)
	assert.Empty(t, res[0].events)
}

func TestWaitEventsWakesOnEvent(t *testing.T) {
	sys := testSystem(t, nil)
	p, err := sys.AddPrinter(PrinterDef{Name: "wake", InitAccepting: true, InitState: PSStopped})
	require.NoError(t, err)
	sub := sys.subs.create(&Subscription{printer: p, mask: EvtJobStateChanged})

	done := make(chan []waitResult, 1)
	go func() {
		done <- sys.waitEvents([]int{sub.id}, nil, true, 10*time.Second)
	}()
	time.Sleep(50 * time.Millisecond)
	sys.addEvent(p, nil, nil, EvtJobStateChanged, "wake up")

	select {
	case res := <-done:
		require.Len(t, res, 1)
		require.NotEmpty(t, res[0].events)
	case <-time.After(5 * time.Second):
		t.Fatal("waitEvents did not wake on event")
	}
}

func TestSubscriptionCancelReap(t *testing.T) {
	sys := testSystem(t, nil)
	sub := sys.subs.create(&Subscription{mask: EvtSystemStateChanged})

	require.True(t, sys.subs.cancel(sub.id))
	_, ok := sys.subs.get(sub.id)
	assert.False(t, ok, "pending-delete subscriptions are invisible")

	res := sys.waitEvents([]int{sub.id}, nil, false, time.Second)
	require.Len(t, res, 1)
	assert.True(t, res[0].gone)
}

func TestSubscriptionLease(t *testing.T) {
	sys := testSystem(t, nil)
	sub := sys.subs.create(&Subscription{mask: EvtSystemStateChanged, lease: time.Hour})
	assert.False(t, sub.expiry.IsZero())

	require.True(t, sys.subs.renew(sub.id, 0))
	sys.subs.mu.Lock()
	assert.True(t, sub.expiry.IsZero(), "zero lease means indefinite")
	sys.subs.mu.Unlock()
}
