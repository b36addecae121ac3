package ippsrv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testJob(t *testing.T) (*System, *Printer, *Job) {
	t.Helper()
	sys := testSystem(t, nil)
	p, err := sys.AddPrinter(PrinterDef{Name: "jobs", InitAccepting: true, InitState: PSStopped})
	require.NoError(t, err)
	p.mu.Lock()
	p.nextJobID++
	j := newJob(p, p.nextJobID, "test", "alice", "application/pdf", nil)
	p.jobs[j.id] = j
	p.insertActiveLocked(j)
	p.mu.Unlock()
	return sys, p, j
}

func TestJobStateMachine(t *testing.T) {
	t.Run("pending to completed", func(t *testing.T) {
		_, _, j := testJob(t)
		require.NoError(t, j.transition(jobEvtProcess))
		assert.Equal(t, JobProcessing, j.State())
		assert.Contains(t, j.reasons.Keywords(), "job-printing")
		require.NoError(t, j.transition(jobEvtFinish))
		assert.Equal(t, JobCompleted, j.State())
		assert.Contains(t, j.reasons.Keywords(), "job-completed-successfully")
		assert.False(t, j.completedAt.IsZero())
	})

	t.Run("hold and release", func(t *testing.T) {
		_, _, j := testJob(t)
		require.NoError(t, j.transition(jobEvtHold))
		assert.Equal(t, JobHeld, j.State())
		assert.Contains(t, j.reasons.Keywords(), "job-held-until-specified")
		require.NoError(t, j.transition(jobEvtRelease))
		assert.Equal(t, JobPending, j.State())
	})

	t.Run("terminal states reject transitions", func(t *testing.T) {
		_, _, j := testJob(t)
		require.NoError(t, j.transition(jobEvtCancel))
		assert.Equal(t, JobCanceled, j.State())
		assert.True(t, j.IsTerminal())
		assert.Error(t, j.transition(jobEvtProcess))
		assert.Error(t, j.transition(jobEvtFinish))
		assert.Equal(t, JobCanceled, j.State())
	})

	t.Run("restart returns to pending", func(t *testing.T) {
		_, _, j := testJob(t)
		require.NoError(t, j.transition(jobEvtProcess))
		require.NoError(t, j.transition(jobEvtAbort))
		require.NoError(t, j.transition(jobEvtRestart))
		assert.Equal(t, JobPending, j.State())
		assert.True(t, j.completedAt.IsZero())
	})
}

func TestJobReasonKeywords(t *testing.T) {
	assert.Equal(t, []string{"none"}, JRNone.Keywords())
	r := JRJobIncoming | JRJobPrinting
	kw := r.Keywords()
	assert.Contains(t, kw, "job-incoming")
	assert.Contains(t, kw, "job-printing")
}

func TestActiveJobOrdering(t *testing.T) {
	sys := testSystem(t, nil)
	p, err := sys.AddPrinter(PrinterDef{Name: "order", InitAccepting: true, InitState: PSStopped})
	require.NoError(t, err)

	add := func(priority int) *Job {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.nextJobID++
		j := newJob(p, p.nextJobID, "j", "u", "", nil)
		j.priority = priority
		p.jobs[j.id] = j
		p.insertActiveLocked(j)
		return j
	}
	j1 := add(50)
	j2 := add(80)
	j3 := add(50)

	p.mu.RLock()
	defer p.mu.RUnlock()
	// (priority DESC, id DESC)
	require.Len(t, p.active, 3)
	assert.Equal(t, j2.id, p.active[0].id)
	assert.Equal(t, j3.id, p.active[1].id)
	assert.Equal(t, j1.id, p.active[2].id)
}

func TestJobIDsStrictlyIncreasing(t *testing.T) {
	sys := testSystem(t, nil)
	p, err := sys.AddPrinter(PrinterDef{Name: "ids", InitAccepting: true, InitState: PSStopped})
	require.NoError(t, err)
	last := 0
	for i := 0; i < 5; i++ {
		p.mu.Lock()
		p.nextJobID++
		j := newJob(p, p.nextJobID, "j", "u", "", nil)
		p.jobs[j.id] = j
		p.mu.Unlock()
		assert.Greater(t, j.id, last)
		last = j.id
	}
}
