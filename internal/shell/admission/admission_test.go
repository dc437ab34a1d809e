package admission

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jackwwg83/coderunner2-sub002/internal/core/domain"
)

func newController(global, perOwner, depth int) *Controller {
	return New(Config{MaxGlobal: global, MaxPerOwner: perOwner, MaxQueueDepth: depth, RetryAfter: 5 * time.Second})
}

func mustRequest(t *testing.T, c *Controller, owner string, p domain.Priority) *Ticket {
	t.Helper()
	ticket, err := c.Request(owner, p)
	require.NoError(t, err)
	return ticket
}

func grantedSlot(t *testing.T, ticket *Ticket) *Slot {
	t.Helper()
	require.True(t, ticket.Granted())
	slot, err := ticket.Wait(context.Background())
	require.NoError(t, err)
	return slot
}

// =============================================================================
// Ceiling Tests
// =============================================================================

func TestController_OwnerCeilingQueues(t *testing.T) {
	c := newController(5, 2, 10)

	a1 := mustRequest(t, c, "alice", domain.PriorityNormal)
	a2 := mustRequest(t, c, "alice", domain.PriorityNormal)
	a3 := mustRequest(t, c, "alice", domain.PriorityNormal)

	assert.True(t, a1.Granted())
	assert.True(t, a2.Granted())
	assert.False(t, a3.Granted(), "third request from one owner is queued, not rejected")

	// Other owners still get global headroom.
	b1 := mustRequest(t, c, "bob", domain.PriorityNormal)
	assert.True(t, b1.Granted())

	stats := c.Stats()
	assert.Equal(t, 3, stats.Active)
	assert.Equal(t, 1, stats.Queued)

	// Releasing one of alice's slots admits her queued request.
	grantedSlot(t, a1).Release()
	assert.True(t, a3.Granted())
	assert.Equal(t, 2, c.OwnerActive("alice"))
}

func TestController_GlobalCeilingQueues(t *testing.T) {
	c := newController(5, 2, 10)

	owners := []string{"a", "a", "b", "b", "c"}
	var slots []*Slot
	for _, o := range owners {
		slots = append(slots, grantedSlot(t, mustRequest(t, c, o, domain.PriorityNormal)))
	}

	sixth := mustRequest(t, c, "d", domain.PriorityNormal)
	assert.False(t, sixth.Granted(), "sixth concurrent request is queued")

	slots[0].Release()
	assert.True(t, sixth.Granted())
}

func TestController_QueueDepthRejects(t *testing.T) {
	c := newController(1, 1, 2)

	mustRequest(t, c, "a", domain.PriorityNormal)
	mustRequest(t, c, "b", domain.PriorityNormal)
	mustRequest(t, c, "c", domain.PriorityNormal)

	_, err := c.Request("d", domain.PriorityCritical)
	var rejected *domain.AdmissionRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, 5*time.Second, rejected.RetryAfter)
	assert.Equal(t, 2, c.Stats().Queued)
}

// =============================================================================
// Ordering Tests
// =============================================================================

func TestController_BandThenFIFO(t *testing.T) {
	c := newController(1, 5, 10)
	holder := grantedSlot(t, mustRequest(t, c, "x", domain.PriorityNormal))

	low := mustRequest(t, c, "l", domain.PriorityLow)
	normal1 := mustRequest(t, c, "n1", domain.PriorityNormal)
	normal2 := mustRequest(t, c, "n2", domain.PriorityNormal)
	critical := mustRequest(t, c, "c", domain.PriorityCritical)

	stats := c.Stats()
	assert.Equal(t, [domain.PriorityBands]int{1, 0, 2, 1}, stats.QueuedByBand)

	order := []*Ticket{critical, normal1, normal2, low}
	prev := holder
	for _, want := range order {
		prev.Release()
		assert.True(t, want.Granted())
		prev = grantedSlot(t, want)
	}
}

func TestController_SkipsOwnerAtCeiling(t *testing.T) {
	c := newController(3, 1, 10)
	aliceSlot := grantedSlot(t, mustRequest(t, c, "alice", domain.PriorityNormal))
	grantedSlot(t, mustRequest(t, c, "bob", domain.PriorityNormal))
	carolSlot := grantedSlot(t, mustRequest(t, c, "carol", domain.PriorityNormal))

	aliceAgain := mustRequest(t, c, "alice", domain.PriorityCritical)
	dave := mustRequest(t, c, "dave", domain.PriorityLow)

	// Global headroom opens but alice is still at her ceiling.
	carolSlot.Release()
	assert.False(t, aliceAgain.Granted())
	assert.True(t, dave.Granted())

	aliceSlot.Release()
	assert.True(t, aliceAgain.Granted())
}

// =============================================================================
// Release and Wait Tests
// =============================================================================

func TestSlot_DoubleReleaseIsNoop(t *testing.T) {
	c := newController(2, 2, 10)
	slot := grantedSlot(t, mustRequest(t, c, "a", domain.PriorityNormal))
	other := grantedSlot(t, mustRequest(t, c, "a", domain.PriorityNormal))

	slot.Release()
	slot.Release()
	slot.Release()

	assert.Equal(t, 1, c.Stats().Active)
	assert.Equal(t, 1, c.OwnerActive("a"))

	other.Release()
	assert.Equal(t, Stats{}, c.Stats())
}

func TestTicket_WaitTimeoutWithdraws(t *testing.T) {
	c := newController(1, 1, 10)
	holder := grantedSlot(t, mustRequest(t, c, "a", domain.PriorityNormal))
	waiter := mustRequest(t, c, "b", domain.PriorityNormal)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	slot, err := waiter.Wait(ctx)
	assert.Nil(t, slot)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, c.Stats().Queued)

	holder.Release()
	assert.Equal(t, 0, c.Stats().Active, "withdrawn ticket is never granted")
}

func TestTicket_CancelAfterGrantReleases(t *testing.T) {
	c := newController(1, 1, 10)
	ticket := mustRequest(t, c, "a", domain.PriorityNormal)
	require.True(t, ticket.Granted())

	ticket.Cancel()
	assert.Equal(t, 0, c.Stats().Active)
}

func TestController_AcquireBlocksUntilRelease(t *testing.T) {
	c := newController(1, 1, 10)
	holder := grantedSlot(t, mustRequest(t, c, "a", domain.PriorityNormal))

	got := make(chan *Slot, 1)
	go func() {
		slot, err := c.Acquire(context.Background(), "b", domain.PriorityHigh)
		if err == nil {
			got <- slot
		}
	}()

	require.Eventually(t, func() bool { return c.Stats().Queued == 1 }, time.Second, 5*time.Millisecond)
	holder.Release()

	select {
	case slot := <-got:
		assert.Equal(t, "b", slot.Owner())
	case <-time.After(time.Second):
		t.Fatal("acquire did not return after release")
	}
}

func TestController_ConcurrentAccountingStaysConsistent(t *testing.T) {
	c := newController(4, 2, 1000)
	owners := []string{"a", "b", "c", "d", "e"}

	var wg sync.WaitGroup
	var mu sync.Mutex
	maxActive := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			slot, err := c.Acquire(context.Background(), owners[i%len(owners)], domain.PriorityNormal)
			if err != nil {
				return
			}
			mu.Lock()
			if a := c.Stats().Active; a > maxActive {
				maxActive = a
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			slot.Release()
			slot.Release()
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, maxActive, 4)
	assert.Equal(t, Stats{}, c.Stats())
}

func TestController_OnChangeHook(t *testing.T) {
	var mu sync.Mutex
	var seen []Stats
	c := New(Config{MaxGlobal: 1, MaxPerOwner: 1, MaxQueueDepth: 5}, WithOnChange(func(s Stats) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	}))

	slot := grantedSlot(t, mustRequest(t, c, "a", domain.PriorityNormal))
	slot.Release()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	assert.Equal(t, 1, seen[0].Active)
	assert.Equal(t, 0, seen[1].Active)
}

func TestController_OnReleaseHookReportsHoldTime(t *testing.T) {
	type release struct {
		owner string
		held  time.Duration
	}
	var mu sync.Mutex
	var seen []release
	c := New(Config{MaxGlobal: 2, MaxPerOwner: 2}, WithOnRelease(func(owner string, held time.Duration) {
		mu.Lock()
		seen = append(seen, release{owner, held})
		mu.Unlock()
	}))

	slot := grantedSlot(t, mustRequest(t, c, "a", domain.PriorityNormal))
	time.Sleep(10 * time.Millisecond)
	slot.Release()
	slot.Release()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1, "released once")
	assert.Equal(t, "a", seen[0].owner)
	assert.GreaterOrEqual(t, seen[0].held, 10*time.Millisecond)
}

func TestController_RetryAfter(t *testing.T) {
	assert.Equal(t, 5*time.Second, newController(1, 1, 1).RetryAfter())
	assert.Equal(t, DefaultConfig().RetryAfter, New(Config{}).RetryAfter())
}
