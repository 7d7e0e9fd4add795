package broadcast

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"upscalerbot/internal/transport"
	logx "upscalerbot/pkg/logx"
)

// Registry is the slice of the account registry a job needs.
type Registry interface {
	ListActive(ctx context.Context) ([]int64, error)
	Deactivate(ctx context.Context, id int64) error
}

type Config struct {
	// Delay is the minimum gap between two delivery attempts.
	Delay time.Duration
	// ProgressEvery is the attempt cadence for editing the status message.
	ProgressEvery int
}

const (
	DefaultDelay         = 50 * time.Millisecond
	DefaultProgressEvery = 20
)

func (c Config) normalized() Config {
	if c.Delay <= 0 {
		c.Delay = DefaultDelay
	}
	if c.ProgressEvery <= 0 {
		c.ProgressEvery = DefaultProgressEvery
	}
	return c
}

// Result is the outcome of one finished job.
type Result struct {
	JobID       string
	Total       int
	Sent        int
	Failed      int
	Deactivated int
	Took        time.Duration
}

type JobStatus struct {
	ID        string
	Total     int
	Attempted int
	Sent      int
	Failed    int
	StartedAt time.Time
	DoneAt    time.Time
	Running   bool
}

type Engine struct {
	reg     Registry
	adapter transport.Adapter
	log     logx.Logger

	mu  sync.Mutex
	cfg Config
	// limiter is shared by all jobs.
	limiter *rate.Limiter

	statusMu  sync.RWMutex
	status    map[string]*JobStatus
	order     []string
	statusMax int

	now func() time.Time
}
