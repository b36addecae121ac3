package proxy

import (
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/OpenPrinting/goipp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceUUID(t *testing.T) {
	u1 := DeviceUUID("socket://10.0.0.5:9100")
	u2 := DeviceUUID("socket://10.0.0.5:9100")
	u3 := DeviceUUID("socket://10.0.0.6:9100")

	assert.Equal(t, u1, u2, "UUID must be stable across restarts")
	assert.NotEqual(t, u1, u3)

	// RFC 4122 shape: version 3, RFC variant
	re := regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-3[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)
	assert.Regexp(t, re, u1)
}

func TestClampSeconds(t *testing.T) {
	assert.Equal(t, time.Second, clampSeconds(0))
	assert.Equal(t, time.Second, clampSeconds(-5))
	assert.Equal(t, 30*time.Second, clampSeconds(30))
	assert.Equal(t, 3600*time.Second, clampSeconds(86400))
}

func TestAttrDelta(t *testing.T) {
	mk := func(name, value string) goipp.Attribute {
		return goipp.MakeAttribute(name, goipp.TagKeyword, goipp.String(value))
	}
	prev := goipp.Attributes{mk("media-default", "iso_a4_210x297mm"), mk("sides-default", "one-sided")}

	t.Run("unchanged yields empty delta", func(t *testing.T) {
		assert.Empty(t, attrDelta(prev, prev.Clone()))
	})
	t.Run("changed value included", func(t *testing.T) {
		next := goipp.Attributes{mk("media-default", "na_letter_8.5x11in"), mk("sides-default", "one-sided")}
		delta := attrDelta(prev, next)
		require.Len(t, delta, 1)
		assert.Equal(t, "media-default", delta[0].Name)
	})
	t.Run("new attribute included", func(t *testing.T) {
		next := append(prev.Clone(), mk("print-color-mode-default", "monochrome"))
		delta := attrDelta(prev, next)
		require.Len(t, delta, 1)
		assert.Equal(t, "print-color-mode-default", delta[0].Name)
	})
	t.Run("everything is new against empty", func(t *testing.T) {
		assert.Len(t, attrDelta(nil, prev), 2)
	})
}

func TestHandleEvent(t *testing.T) {
	a := &Agent{remote: make(map[int]goipp.Values)}
	a.cond = sync.NewCond(&a.mu)

	ev := func(kind string, jobID, seq int) goipp.Attributes {
		var attrs goipp.Attributes
		attrs.Add(goipp.MakeAttribute("notify-sequence-number", goipp.TagInteger, goipp.Integer(seq)))
		attrs.Add(goipp.MakeAttribute("notify-subscribed-event", goipp.TagKeyword, goipp.String(kind)))
		attrs.Add(goipp.MakeAttribute("notify-job-id", goipp.TagInteger, goipp.Integer(jobID)))
		return attrs
	}

	a.handleEvent(ev("job-fetchable", 7, 1))
	a.handleEvent(ev("job-fetchable", 7, 2)) // duplicate is ignored
	require.Len(t, a.jobs, 1)
	assert.Equal(t, 7, a.jobs[0].remoteID)
	assert.Equal(t, 2, a.lastSeq)

	canceled := ev("job-state-changed", 7, 3)
	canceled.Add(goipp.MakeAttribute("job-state", goipp.TagEnum, goipp.Integer(int(JobCanceled))))
	a.handleEvent(canceled)
	assert.True(t, a.remoteCanceled(7))
	assert.False(t, a.remoteCanceled(8))
	assert.Equal(t, 3, a.lastSeq)
}
