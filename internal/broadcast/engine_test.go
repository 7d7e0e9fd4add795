package broadcast

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"upscalerbot/internal/transport"
	"upscalerbot/internal/transport/transporttest"
	logx "upscalerbot/pkg/logx"
)

const operatorID int64 = 999

type memRegistry struct {
	mu     sync.Mutex
	order  []int64
	active map[int64]bool
	lists  int
}

func newMemRegistry(ids ...int64) *memRegistry {
	r := &memRegistry{active: map[int64]bool{}}
	for _, id := range ids {
		r.order = append(r.order, id)
		r.active[id] = true
	}
	return r
}

func (r *memRegistry) ListActive(context.Context) ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lists++
	var out []int64
	for _, id := range r.order {
		if r.active[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

func (r *memRegistry) Deactivate(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[id]; ok {
		r.active[id] = false
	}
	return nil
}

func (r *memRegistry) Activate(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[id]; !ok {
		r.order = append(r.order, id)
	}
	r.active[id] = true
}

func (r *memRegistry) IsActive(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[id]
}

func ids(n int) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = int64(i + 1)
	}
	return out
}

func blocked(id int64) error {
	return fmt.Errorf("%w: telegram: Forbidden: bot was blocked by the user (%d)", transport.ErrRecipientUnreachable, id)
}

func TestRunCountsAndDeactivatesBlocked(t *testing.T) {
	const n = 7
	reg := newMemRegistry(ids(n)...)
	ad := transporttest.New()
	ad.FailFor[2] = blocked(2)
	ad.FailFor[5] = blocked(5)

	e := New(reg, ad, Config{Delay: time.Millisecond}, logx.Nop())
	res, err := e.Run(context.Background(), transport.ChatTarget{ChatID: operatorID}, "hello")
	require.NoError(t, err)

	assert.Equal(t, n, res.Total)
	assert.Equal(t, n-2, res.Sent)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, 2, res.Deactivated)
	for _, id := range ids(n) {
		want := id != 2 && id != 5
		assert.Equal(t, want, reg.IsActive(id), "account %d", id)
	}

	edits := ad.EditsSnapshot()
	require.NotEmpty(t, edits)
	assert.Contains(t, edits[len(edits)-1].Text, "Sent: 5")
	assert.Contains(t, edits[len(edits)-1].Text, "Failed: 2")
}

func TestTransientFailureDoesNotDeactivate(t *testing.T) {
	reg := newMemRegistry(1, 2, 3)
	ad := transporttest.New()
	ad.FailFor[2] = fmt.Errorf("telegram: Too Many Requests: retry after 3")

	res, err := New(reg, ad, Config{Delay: time.Millisecond}, logx.Nop()).
		Run(context.Background(), transport.ChatTarget{ChatID: operatorID}, "x")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 0, res.Deactivated)
	assert.True(t, reg.IsActive(2))
}

func TestSnapshotIsFixedForTheJob(t *testing.T) {
	reg := newMemRegistry(1, 2, 3, 4)
	ad := transporttest.New()
	ad.FailFor[2] = blocked(2)

	attempts := map[int64]int{}
	var mu sync.Mutex
	ad.OnSend = func(to transport.ChatTarget) {
		if to.ChatID == operatorID {
			return
		}
		mu.Lock()
		attempts[to.ChatID]++
		mu.Unlock()
		if to.ChatID == 1 {
			reg.Activate(50) // joins mid-run
		}
	}

	res, err := New(reg, ad, Config{Delay: time.Millisecond}, logx.Nop()).
		Run(context.Background(), transport.ChatTarget{ChatID: operatorID}, "x")
	require.NoError(t, err)

	assert.Equal(t, 4, res.Total)
	assert.Equal(t, 1, reg.lists, "recipients are listed once")
	assert.Equal(t, 1, attempts[2], "deactivated id is attempted only once")
	assert.Zero(t, attempts[50], "accounts activated mid-run are excluded")
	assert.False(t, reg.IsActive(2))
}

func TestProgressEditsInPlace(t *testing.T) {
	reg := newMemRegistry(ids(45)...)
	ad := transporttest.New()

	res, err := New(reg, ad, Config{Delay: time.Microsecond, ProgressEvery: 20}, logx.Nop()).
		Run(context.Background(), transport.ChatTarget{ChatID: operatorID}, "x")
	require.NoError(t, err)
	assert.Equal(t, 45, res.Sent)

	status := ad.TextsTo(operatorID)
	require.Len(t, status, 1, "one status message for the whole job")
	assert.Equal(t, "📤 Broadcasting... 0/45", status[0].Text)

	edits := ad.EditsSnapshot()
	require.Len(t, edits, 3)
	assert.Equal(t, "📤 Broadcasting... 20/45", edits[0].Text)
	assert.Equal(t, "📤 Broadcasting... 40/45", edits[1].Text)
	assert.Contains(t, edits[2].Text, "Broadcast finished")
	for _, ed := range edits {
		assert.Equal(t, operatorID, ed.Ref.ChatID)
		assert.Equal(t, edits[0].Ref.MessageID, ed.Ref.MessageID)
	}
}

func TestPacingSeparatesAttempts(t *testing.T) {
	reg := newMemRegistry(ids(5)...)
	ad := transporttest.New()

	var stamps []time.Time
	ad.OnSend = func(to transport.ChatTarget) {
		if to.ChatID != operatorID {
			stamps = append(stamps, time.Now())
		}
	}

	const delay = 20 * time.Millisecond
	_, err := New(reg, ad, Config{Delay: delay}, logx.Nop()).
		Run(context.Background(), transport.ChatTarget{ChatID: operatorID}, "x")
	require.NoError(t, err)
	require.Len(t, stamps, 5)
	// The limiter reserves slots exactly delay apart; allow a small scheduling slack.
	for i := 1; i < len(stamps); i++ {
		assert.GreaterOrEqual(t, stamps[i].Sub(stamps[i-1]), delay-2*time.Millisecond, "gap %d", i)
	}
}

func TestEmptyRegistryStillReports(t *testing.T) {
	ad := transporttest.New()
	res, err := New(newMemRegistry(), ad, Config{}, logx.Nop()).
		Run(context.Background(), transport.ChatTarget{ChatID: operatorID}, "x")
	require.NoError(t, err)
	assert.Equal(t, Result{JobID: res.JobID, Took: res.Took}, res)
	require.Len(t, ad.EditsSnapshot(), 1)
}

func TestStatusTracking(t *testing.T) {
	e := New(newMemRegistry(1, 2), transporttest.New(), Config{Delay: time.Millisecond}, logx.Nop())
	e.statusMax = 2
	var last string
	for i := 0; i < 4; i++ {
		res, err := e.Run(context.Background(), transport.ChatTarget{ChatID: operatorID}, "x")
		require.NoError(t, err)
		last = res.JobID
	}
	assert.Empty(t, e.Running())

	e.statusMu.RLock()
	defer e.statusMu.RUnlock()
	assert.Len(t, e.status, 2)
	st := e.status[last]
	require.NotNil(t, st)
	assert.False(t, st.Running)
	assert.Equal(t, 2, st.Attempted)
	assert.Equal(t, 2, st.Sent)
}

func TestApplyNormalizes(t *testing.T) {
	e := New(newMemRegistry(), transporttest.New(), Config{}, logx.Nop())
	e.Apply(Config{Delay: -1, ProgressEvery: 0})
	assert.Equal(t, Config{Delay: DefaultDelay, ProgressEvery: DefaultProgressEvery}, e.config())
	e.Apply(Config{Delay: time.Second, ProgressEvery: 5})
	assert.Equal(t, Config{Delay: time.Second, ProgressEvery: 5}, e.config())
}
