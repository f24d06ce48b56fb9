// Package watcher observes a chain for the first transfer paying a deposit
// address and reports exactly one outcome per watcher: a detection or a timeout.
package watcher

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/suspectuso/deposit-tracker/internal/chain"
)

// StopReason says why a watcher ended
type StopReason string

const (
	ReasonDetected  StopReason = "detected"
	ReasonTimeout   StopReason = "timeout"
	ReasonCancelled StopReason = "cancelled"
	ReasonShutdown  StopReason = "shutdown"
)

// Config describes what a watcher looks for
type Config struct {
	PaymentID string
	Address   common.Address
	Token     common.Address // ignored in native mode
	Native    bool
	ChainID   int64
	Timeout   time.Duration
}

// Mode returns "native" or "token"
func (c Config) Mode() string {
	if c.Native {
		return "native"
	}
	return "token"
}

// Detection is the first matching transfer seen by a watcher
type Detection struct {
	WatcherID   string
	PaymentID   string
	Address     common.Address
	From        common.Address
	Amount      string // decimal, scaled by Decimals
	RawAmount   *big.Int
	Decimals    uint8
	TxHash      common.Hash
	BlockNumber uint64
	Native      bool
	DetectedAt  time.Time
}

// Stopped reports a watcher that ended without a detection
type Stopped struct {
	WatcherID string
	PaymentID string
	Address   common.Address
	Reason    StopReason
	StoppedAt time.Time
}

// Cursor is a watcher's scan progress
type Cursor struct {
	LastChecked uint64
	Seeded      bool
}

// Watcher is one running observer. It is created and owned by a Registry.
type Watcher struct {
	id           string
	cfg          Config
	reader       chain.Reader
	pollInterval time.Duration
	maxLookback  uint64
	startedAt    time.Time
	timeoutAt    time.Time
	log          *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	stopped atomic.Bool
	done    chan struct{}
	onStop  func(w *Watcher, reason StopReason, det *Detection)

	mu     sync.Mutex
	cursor Cursor

	// native mode, owned by the run goroutine
	queue  []uint64
	queued uint64
}

func newWatcher(id string, cfg Config, reader chain.Reader, opts Options, log *slog.Logger, onStop func(*Watcher, StopReason, *Detection)) *Watcher {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()

	return &Watcher{
		id:           id,
		cfg:          cfg,
		reader:       reader,
		pollInterval: opts.PollInterval,
		maxLookback:  opts.MaxLookback,
		startedAt:    now,
		timeoutAt:    now.Add(cfg.Timeout),
		log: log.With(
			"watcher_id", id,
			"payment_id", cfg.PaymentID,
			"chain_id", cfg.ChainID,
			"mode", cfg.Mode(),
		),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		onStop: onStop,
	}
}

// ID returns the registry key of the watcher
func (w *Watcher) ID() string { return w.id }

// Config returns what the watcher looks for
func (w *Watcher) Config() Config { return w.cfg }

// Cursor returns the current scan progress
func (w *Watcher) Cursor() Cursor {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cursor
}

// Done is closed once the watcher's loop has exited
func (w *Watcher) Done() <-chan struct{} { return w.done }

// Info is a point-in-time view of a watcher
type Info struct {
	ID          string
	Config      Config
	StartedAt   time.Time
	TimeoutAt   time.Time
	Remaining   time.Duration
	LastChecked uint64
}

func (w *Watcher) info(now time.Time) Info {
	remaining := w.timeoutAt.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	return Info{
		ID:          w.id,
		Config:      w.cfg,
		StartedAt:   w.startedAt,
		TimeoutAt:   w.timeoutAt,
		Remaining:   remaining,
		LastChecked: w.Cursor().LastChecked,
	}
}

// stop ends the watcher once. Detection, timeout and manual stops race here and
// only the first caller reports.
func (w *Watcher) stop(reason StopReason, det *Detection) bool {
	if !w.stopped.CompareAndSwap(false, true) {
		return false
	}
	w.cancel()
	w.onStop(w, reason, det)
	return true
}

func (w *Watcher) run() {
	defer close(w.done)

	timer := time.NewTimer(time.Until(w.timeoutAt))
	defer timer.Stop()

	if w.cfg.Native {
		w.runNative(timer)
	} else {
		w.runToken(timer)
	}
}

func (w *Watcher) runToken(timer *time.Timer) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-timer.C:
			w.stop(ReasonTimeout, nil)
			return
		case <-ticker.C:
			det, err := w.checkTokenTransfers(w.ctx)
			if err != nil {
				if w.ctx.Err() != nil {
					return
				}
				w.log.Warn("token poll", "error", err)
				continue
			}
			if det != nil {
				w.stop(ReasonDetected, det)
				return
			}
		}
	}
}

func (w *Watcher) runNative(timer *time.Timer) {
	retry := time.NewTicker(w.pollInterval)
	defer retry.Stop()

	var blocks <-chan uint64
	subscribe := func() {
		ch, err := w.reader.SubscribeBlocks(w.ctx)
		if err != nil {
			if w.ctx.Err() == nil {
				w.log.Warn("subscribe blocks", "error", err)
			}
			return
		}
		blocks = ch
	}
	subscribe()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-timer.C:
			w.stop(ReasonTimeout, nil)
			return
		case <-retry.C:
			if blocks == nil {
				subscribe()
			}
			if w.scanQueued() {
				return
			}
		case n, ok := <-blocks:
			if !ok {
				blocks = nil
				continue
			}
			w.enqueue(n)
			if w.scanQueued() {
				return
			}
		}
	}
}

// enqueue adds a new head and the heights skipped since the previous one, at
// most maxLookback of them
func (w *Watcher) enqueue(n uint64) {
	if n <= w.queued {
		return
	}
	from := n
	if w.queued > 0 {
		from = w.queued + 1
	}
	if w.maxLookback > 0 && n-from >= w.maxLookback {
		w.log.Warn("block gap exceeds lookback", "from_block", from, "to_block", n, "lookback", w.maxLookback)
		from = n - w.maxLookback + 1
	}
	for h := from; h <= n; h++ {
		w.queue = append(w.queue, h)
	}
	w.queued = n
}

// scanQueued checks queued blocks in order and reports whether the watcher
// stopped on a detection. A block that fails stays at the head of the queue
// and is fetched again on the next head or retry tick.
func (w *Watcher) scanQueued() bool {
	for len(w.queue) > 0 {
		n := w.queue[0]
		det, err := w.checkBlock(w.ctx, n)
		if err != nil {
			if w.ctx.Err() == nil {
				w.log.Warn("scan block, will retry", "block", n, "queued", len(w.queue), "error", err)
			}
			return false
		}
		w.queue = w.queue[1:]
		if det != nil {
			w.stop(ReasonDetected, det)
			return true
		}
	}
	return false
}

// checkTokenTransfers runs one poll tick. The first tick starts maxLookback
// blocks below the head. The cursor advances to the head after every
// successful log query, match or not.
func (w *Watcher) checkTokenTransfers(ctx context.Context) (*Detection, error) {
	height, err := w.reader.BlockHeight(ctx)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	cur := w.cursor
	if !cur.Seeded {
		var from uint64
		if height > w.maxLookback {
			from = height - w.maxLookback
		}
		cur = Cursor{LastChecked: from, Seeded: true}
		w.cursor = cur
		w.log.Warn("token watcher seeded", "head", height, "from_block", from+1)
	}
	w.mu.Unlock()

	if height <= cur.LastChecked {
		return nil, nil
	}

	logs, err := w.reader.TransferLogs(ctx, w.cfg.Token, w.cfg.Address, cur.LastChecked+1, height)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	w.cursor.LastChecked = height
	w.mu.Unlock()

	match := firstTransfer(logs)
	if match == nil {
		return nil, nil
	}

	decimals, err := w.reader.Decimals(ctx, w.cfg.Token)
	if err != nil {
		w.log.Warn("read token decimals, using default", "token", w.cfg.Token.Hex(), "error", err)
		decimals = chain.DefaultDecimals
	}

	return &Detection{
		WatcherID:   w.id,
		PaymentID:   w.cfg.PaymentID,
		Address:     w.cfg.Address,
		From:        match.From,
		Amount:      chain.FormatUnits(match.Value, decimals),
		RawAmount:   match.Value,
		Decimals:    decimals,
		TxHash:      match.TxHash,
		BlockNumber: match.BlockNumber,
		DetectedAt:  time.Now(),
	}, nil
}

// firstTransfer picks the earliest non-zero transfer
func firstTransfer(logs []chain.TransferLog) *chain.TransferLog {
	var best *chain.TransferLog
	for i := range logs {
		l := &logs[i]
		if l.Value == nil || l.Value.Sign() <= 0 {
			continue
		}
		if best == nil || l.BlockNumber < best.BlockNumber ||
			(l.BlockNumber == best.BlockNumber && l.LogIndex < best.LogIndex) {
			best = l
		}
	}
	return best
}

// checkBlock scans one block for a native transfer to the watched address
func (w *Watcher) checkBlock(ctx context.Context, number uint64) (*Detection, error) {
	block, err := w.reader.BlockByNumber(ctx, number)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	if !w.cursor.Seeded || number > w.cursor.LastChecked {
		w.cursor = Cursor{LastChecked: number, Seeded: true}
	}
	w.mu.Unlock()

	for _, tx := range block.Transactions {
		if tx.To == nil || *tx.To != w.cfg.Address {
			continue
		}
		if tx.Value == nil || tx.Value.Sign() <= 0 {
			continue
		}
		return &Detection{
			WatcherID:   w.id,
			PaymentID:   w.cfg.PaymentID,
			Address:     w.cfg.Address,
			From:        tx.From,
			Amount:      chain.FormatUnits(tx.Value, chain.DefaultDecimals),
			RawAmount:   tx.Value,
			Decimals:    chain.DefaultDecimals,
			TxHash:      tx.Hash,
			BlockNumber: block.Number,
			Native:      true,
			DetectedAt:  time.Now(),
		}, nil
	}

	return nil, nil
}
