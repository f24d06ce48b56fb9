package watcher

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/suspectuso/deposit-tracker/internal/apperr"
	"github.com/suspectuso/deposit-tracker/internal/chain"
	"github.com/suspectuso/deposit-tracker/internal/metrics"
)

// ErrClosed is returned when starting a watcher on a closed registry
var ErrClosed = errors.New("watcher registry closed")

// Networks resolves a chain ID to its reader. *chain.Readers implements it.
type Networks interface {
	Get(chainID int64) (chain.Network, error)
}

// Options tunes all watchers of a registry
type Options struct {
	PollInterval time.Duration
	MaxLookback  uint64
	EventBuffer  int
}

// Registry owns the active watchers of the process
type Registry struct {
	networks Networks
	opts     Options
	metrics  *metrics.Metrics
	log      *slog.Logger

	mu        sync.Mutex
	watchers  map[string]*Watcher
	byAddress map[string]string

	detections chan Detection
	stops      chan Stopped

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewRegistry creates a new Registry
func NewRegistry(networks Networks, opts Options, m *metrics.Metrics, log *slog.Logger) *Registry {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.MaxLookback == 0 {
		opts.MaxLookback = 100
	}
	if opts.EventBuffer < 0 {
		opts.EventBuffer = 0
	}

	return &Registry{
		networks:   networks,
		opts:       opts,
		metrics:    m,
		log:        log,
		watchers:   make(map[string]*Watcher),
		byAddress:  make(map[string]string),
		detections: make(chan Detection, opts.EventBuffer),
		stops:      make(chan Stopped, opts.EventBuffer),
		closed:     make(chan struct{}),
	}
}

// ID returns the registry key for a payment/address pair
func ID(paymentID string, addr common.Address) string {
	return paymentID + ":" + strings.ToLower(addr.Hex())
}

func addressKey(chainID int64, addr common.Address) string {
	return strconv.FormatInt(chainID, 10) + ":" + strings.ToLower(addr.Hex())
}

// Detections delivers one event per detected transfer
func (r *Registry) Detections() <-chan Detection { return r.detections }

// Stops delivers one event per watcher that timed out
func (r *Registry) Stops() <-chan Stopped { return r.stops }

// StartWatching starts a watcher for cfg. Starting an already running
// payment/address pair returns the existing ID.
func (r *Registry) StartWatching(cfg Config) (string, error) {
	if cfg.PaymentID == "" {
		return "", fmt.Errorf("%w: payment id required", apperr.ErrValidation)
	}
	if cfg.Address == (common.Address{}) {
		return "", fmt.Errorf("%w: watch address required", apperr.ErrValidation)
	}
	if cfg.Timeout <= 0 {
		return "", fmt.Errorf("%w: timeout must be positive", apperr.ErrValidation)
	}

	network, err := r.networks.Get(cfg.ChainID)
	if err != nil {
		return "", err
	}

	id := ID(cfg.PaymentID, cfg.Address)
	key := addressKey(cfg.ChainID, cfg.Address)

	r.mu.Lock()
	defer r.mu.Unlock()

	select {
	case <-r.closed:
		return "", ErrClosed
	default:
	}

	if _, ok := r.watchers[id]; ok {
		r.log.Debug("watcher already running", "watcher_id", id)
		return id, nil
	}
	if other, ok := r.byAddress[key]; ok {
		return "", fmt.Errorf("%w: %s already watched by %s", apperr.ErrListenerConflict, cfg.Address.Hex(), other)
	}

	w := newWatcher(id, cfg, network.Reader, r.opts, r.log, r.handleStop)
	r.watchers[id] = w
	r.byAddress[key] = id

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		w.run()
	}()

	r.metrics.WatcherStarted()
	r.log.Info("watcher started",
		"watcher_id", id,
		"payment_id", cfg.PaymentID,
		"chain_id", cfg.ChainID,
		"address", cfg.Address.Hex(),
		"mode", cfg.Mode(),
		"timeout", cfg.Timeout,
	)

	return id, nil
}

// StopWatching stops a watcher. It returns false when the watcher is unknown
// or already stopping.
func (r *Registry) StopWatching(id string, reason StopReason) bool {
	r.mu.Lock()
	w, ok := r.watchers[id]
	r.mu.Unlock()

	if !ok {
		return false
	}
	return w.stop(reason, nil)
}

// Get returns a view of one watcher
func (r *Registry) Get(id string) (Info, bool) {
	r.mu.Lock()
	w, ok := r.watchers[id]
	r.mu.Unlock()

	if !ok {
		return Info{}, false
	}
	return w.info(time.Now()), true
}

// List returns all active watchers, oldest first
func (r *Registry) List() []Info {
	r.mu.Lock()
	ws := make([]*Watcher, 0, len(r.watchers))
	for _, w := range r.watchers {
		ws = append(ws, w)
	}
	r.mu.Unlock()

	now := time.Now()
	out := make([]Info, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.info(now))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Len returns the number of active watchers
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.watchers)
}

// StopAll stops every active watcher and returns how many it stopped.
// Watchers that finish on their own concurrently are not counted.
func (r *Registry) StopAll() int {
	r.mu.Lock()
	ws := make([]*Watcher, 0, len(r.watchers))
	for _, w := range r.watchers {
		ws = append(ws, w)
	}
	r.mu.Unlock()

	stopped := 0
	for _, w := range ws {
		if w.stop(ReasonShutdown, nil) {
			stopped++
		}
	}
	return stopped
}

// Close stops all watchers, releases blocked event senders and waits for every
// watcher loop to exit.
func (r *Registry) Close() int {
	n := r.StopAll()
	r.closeOnce.Do(func() { close(r.closed) })
	r.wg.Wait()
	return n
}

func (r *Registry) handleStop(w *Watcher, reason StopReason, det *Detection) {
	r.mu.Lock()
	if cur, ok := r.watchers[w.id]; ok && cur == w {
		delete(r.watchers, w.id)
		delete(r.byAddress, addressKey(w.cfg.ChainID, w.cfg.Address))
	}
	r.mu.Unlock()

	r.metrics.WatcherStopped()

	switch reason {
	case ReasonDetected:
		r.metrics.Detection(w.cfg.Mode())
		r.log.Info("transfer detected",
			"watcher_id", w.id,
			"payment_id", det.PaymentID,
			"from", det.From.Hex(),
			"amount", det.Amount,
			"tx_hash", det.TxHash.Hex(),
			"block", det.BlockNumber,
		)
		select {
		case r.detections <- *det:
		case <-r.closed:
			r.log.Error("detection dropped, registry closed", "payment_id", det.PaymentID, "tx_hash", det.TxHash.Hex())
		}

	case ReasonTimeout:
		r.metrics.Timeout()
		r.log.Info("watcher timed out", "watcher_id", w.id, "payment_id", w.cfg.PaymentID)
		ev := Stopped{
			WatcherID: w.id,
			PaymentID: w.cfg.PaymentID,
			Address:   w.cfg.Address,
			Reason:    reason,
			StoppedAt: time.Now(),
		}
		select {
		case r.stops <- ev:
		case <-r.closed:
		}

	default:
		r.log.Info("watcher stopped", "watcher_id", w.id, "payment_id", w.cfg.PaymentID, "reason", reason)
	}
}
