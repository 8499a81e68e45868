package pow

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/sat20-labs/atomicals-market/bitwork"
	"github.com/sat20-labs/atomicals-market/common"
	"golang.org/x/sync/errgroup"
)

var log = common.GetLoggerEntry("pow")

// MaxSequence is the largest value of the input sequence field.
const MaxSequence = uint64(0xffffffff)

const DefaultReportInterval = uint64(10000)

// Candidate is one commit/reveal pair derived for a sequence value. RevealTxHex
// may be empty for candidates that did not satisfy the target.
type Candidate struct {
	Sequence    uint32 `json:"sequence"`
	CommitTxid  string `json:"commitTxid"`
	CommitTxHex string `json:"commitTxHex"`
	RevealTxHex string `json:"revealTxHex,omitempty"`
}

// BuildFunc derives the candidate for a sequence value. It must be safe for
// concurrent use and deterministic in seq.
type BuildFunc func(seq uint32) (*Candidate, error)

// FinishFunc completes the winning candidate, typically by deriving its reveal.
type FinishFunc func(c *Candidate) error

type Progress struct {
	Worker int    `json:"worker"`
	Done   uint64 `json:"done"`
	Tried  uint64 `json:"tried"`
	Total  uint64 `json:"total"`
}

type Options struct {
	Workers int
	// SequenceSpace is the number of sequence values each worker owns.
	SequenceSpace  uint64
	ReportInterval uint64
	// Progress receives periodic reports. Sends never block; reports are
	// dropped while the receiver is behind.
	Progress chan<- Progress
	Finish   FinishFunc
}

// Coordinator partitions the sequence space across workers and returns the
// first candidate whose commit txid satisfies the target.
type Coordinator struct {
	opts    Options
	running atomic.Int32
	tried   atomic.Uint64
}

func NewCoordinator(opts Options) *Coordinator {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.SequenceSpace == 0 {
		opts.SequenceSpace = (MaxSequence + 1) / uint64(opts.Workers)
	}
	if opts.ReportInterval == 0 {
		opts.ReportInterval = DefaultReportInterval
	}
	return &Coordinator{opts: opts}
}

// Running is the number of workers currently iterating.
func (c *Coordinator) Running() int {
	return int(c.running.Load())
}

// Tried is the number of candidates tested so far.
func (c *Coordinator) Tried() uint64 {
	return c.tried.Load()
}

func (c *Coordinator) Total() uint64 {
	return uint64(c.opts.Workers) * c.opts.SequenceSpace
}

// Search blocks until a worker finds a match, every range is exhausted, a
// build fails, or ctx is done. All workers have returned when it returns.
func (c *Coordinator) Search(ctx context.Context, spec *bitwork.Spec, build BuildFunc) (*Candidate, error) {
	if spec == nil || build == nil {
		return nil, fmt.Errorf("%w: missing target or builder", common.ErrInvalidParams)
	}
	if c.Total() > MaxSequence+1 {
		return nil, fmt.Errorf("%w: %d workers x %d sequences exceeds the sequence field",
			common.ErrInvalidParams, c.opts.Workers, c.opts.SequenceSpace)
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	searchCtx, stop := context.WithCancel(gctx)
	defer stop()

	var winner atomic.Pointer[Candidate]
	for i := 0; i < c.opts.Workers; i++ {
		from := uint64(i) * c.opts.SequenceSpace
		to := from + c.opts.SequenceSpace
		c.running.Add(1)
		g.Go(func() error {
			defer c.running.Add(-1)
			return c.work(searchCtx, i, from, to, spec, build, &winner, stop)
		})
	}
	err := g.Wait()

	if w := winner.Load(); w != nil {
		if c.opts.Finish != nil {
			if err := c.opts.Finish(w); err != nil {
				return nil, err
			}
		}
		log.Infof("bitwork %s found at sequence %d after %d candidates in %v, commit %s",
			spec, w.Sequence, c.Tried(), time.Since(start), w.CommitTxid)
		return w, nil
	}
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrSearchCancelled, ctx.Err())
	}
	log.Warnf("bitwork %s exhausted %d candidates", spec, c.Tried())
	return nil, common.ErrSearchExhausted
}

func (c *Coordinator) work(ctx context.Context, id int, from, to uint64, spec *bitwork.Spec,
	build BuildFunc, winner *atomic.Pointer[Candidate], stop context.CancelFunc) error {
	done := uint64(0)
	for seq := from; seq < to; seq++ {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		cand, err := build(uint32(seq))
		if err != nil {
			return fmt.Errorf("worker %d sequence %d: %w", id, seq, err)
		}
		done++
		tried := c.tried.Add(1)

		if spec.Satisfies(cand.CommitTxid) {
			if winner.CompareAndSwap(nil, cand) {
				stop()
			}
			c.report(id, done, tried)
			return nil
		}
		if done%c.opts.ReportInterval == 0 {
			c.report(id, done, tried)
		}
	}
	log.Debugf("pow worker %d exhausted [%d, %d)", id, from, to)
	return nil
}

func (c *Coordinator) report(id int, done, tried uint64) {
	if c.opts.Progress == nil {
		return
	}
	select {
	case c.opts.Progress <- Progress{Worker: id, Done: done, Tried: tried, Total: c.Total()}:
	default:
	}
}

// Search runs a one-shot coordinator.
func Search(ctx context.Context, spec *bitwork.Spec, build BuildFunc, opts Options) (*Candidate, error) {
	return NewCoordinator(opts).Search(ctx, spec, build)
}
