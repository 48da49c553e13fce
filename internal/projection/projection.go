// Package projection keeps an in-memory view of negotiations up to date from
// the Negotiation contract's events. It subscribes when the node supports it
// and polls otherwise; both paths feed the same cursor so overlapping
// deliveries are applied once.
package projection

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"krine/internal/contracts"
	"krine/internal/negotiation"
)

var ErrNotProjected = errors.New("negotiation not projected")

// Source is the log and head access the projection needs.
type Source interface {
	ethereum.LogFilterer
	BlockNumber(ctx context.Context) (uint64, error)
}

type Config struct {
	Address      common.Address
	FromBlock    uint64
	PollInterval time.Duration
}

type Option func(*Projection)

func WithLogger(logger *zap.Logger) Option {
	return func(p *Projection) { p.logger = logger }
}

// WithEventHook is called with the event name of every applied log.
func WithEventHook(fn func(event string)) Option {
	return func(p *Projection) { p.onEvent = fn }
}

// WithHeadHook is called with the block height after every sync.
func WithHeadHook(fn func(head uint64)) Option {
	return func(p *Projection) { p.onHead = fn }
}

type entry struct {
	n        negotiation.Negotiation
	messages []negotiation.Message
	// messages[:applied] are matched to applied MessageSent logs; the rest
	// came from a read that was ahead of the log stream.
	applied int
}

type cursor struct {
	block uint64
	index uint
	set   bool
}

func (c cursor) before(l types.Log) bool {
	if !c.set {
		return true
	}
	if l.BlockNumber != c.block {
		return l.BlockNumber > c.block
	}
	return l.Index > c.index
}

type Projection struct {
	reader negotiation.Reader
	source Source
	cfg    Config
	abi    abi.ABI
	topics []common.Hash
	logger *zap.Logger

	onEvent func(string)
	onHead  func(uint64)

	// applyMu serializes log application and invalidation.
	applyMu sync.Mutex

	mu        sync.RWMutex
	entries   map[uint64]*entry
	byUser    map[common.Address][]uint64
	dirty     map[uint64]struct{}
	cur       cursor
	head      uint64
	synced    bool
	listeners []func(uint64)
}

func New(reader negotiation.Reader, source Source, cfg Config, opts ...Option) *Projection {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	parsed := contracts.Negotiation()
	p := &Projection{
		reader: reader,
		source: source,
		cfg:    cfg,
		abi:    parsed,
		topics: []common.Hash{
			contracts.Topic(parsed, contracts.EventNegotiationStarted),
			contracts.Topic(parsed, contracts.EventMessageSent),
			contracts.Topic(parsed, contracts.EventOfferAccepted),
			contracts.Topic(parsed, contracts.EventNegotiationClosed),
		},
		logger:  zap.NewNop(),
		entries: make(map[uint64]*entry),
		byUser:  make(map[common.Address][]uint64),
		dirty:   make(map[uint64]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// OnChange registers fn to be called with the id of every changed negotiation.
func (p *Projection) OnChange(fn func(id uint64)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

func (p *Projection) query() ethereum.FilterQuery {
	return ethereum.FilterQuery{
		Addresses: []common.Address{p.cfg.Address},
		Topics:    [][]common.Hash{p.topics},
	}
}

// Run keeps the projection current until ctx is done.
func (p *Projection) Run(ctx context.Context) error {
	for {
		logs := make(chan types.Log, 128)
		sub, err := p.source.SubscribeFilterLogs(ctx, p.query(), logs)
		if err != nil {
			if errors.Is(err, rpc.ErrNotificationsUnsupported) {
				p.logger.Info("log subscriptions unsupported, polling",
					zap.Duration("interval", p.cfg.PollInterval))
				return p.poll(ctx)
			}
			p.logger.Warn("subscribe failed, polling until retry", zap.Error(err))
			if err := p.syncAndWait(ctx); err != nil {
				return err
			}
			continue
		}

		// catch up after subscribing so nothing mined in between is missed
		if err := p.Sync(ctx); err != nil {
			p.logger.Warn("catch-up sync failed", zap.Error(err))
		}
		err = p.consume(ctx, sub, logs)
		sub.Unsubscribe()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.logger.Warn("log subscription dropped", zap.Error(err))
		if err := p.syncAndWait(ctx); err != nil {
			return err
		}
	}
}

// consume applies subscribed logs and, every PollInterval, retries the
// negotiations whose reads failed.
func (p *Projection) consume(ctx context.Context, sub ethereum.Subscription, logs <-chan types.Log) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case l := <-logs:
			p.applyLogs(ctx, []types.Log{l})
			if l.BlockNumber > p.Head() {
				p.setHead(l.BlockNumber)
			}
		case <-ticker.C:
			p.retryDirty(ctx)
		case err := <-sub.Err():
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *Projection) poll(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if err := p.Sync(ctx); err != nil && ctx.Err() == nil {
			p.logger.Warn("poll failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Projection) syncAndWait(ctx context.Context) error {
	if err := p.Sync(ctx); err != nil && ctx.Err() == nil {
		p.logger.Warn("sync failed", zap.Error(err))
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.cfg.PollInterval):
		return nil
	}
}

// Sync fetches and applies every log between the cursor and the head, then
// retries negotiations left dirty by failed reads.
func (p *Projection) Sync(ctx context.Context) error {
	head, err := p.source.BlockNumber(ctx)
	if err != nil {
		return err
	}
	p.mu.RLock()
	from := p.cfg.FromBlock
	if p.cur.set {
		from = p.cur.block
	}
	p.mu.RUnlock()

	if from <= head {
		q := p.query()
		q.FromBlock = new(big.Int).SetUint64(from)
		q.ToBlock = new(big.Int).SetUint64(head)
		logs, err := p.source.FilterLogs(ctx, q)
		if err != nil {
			return err
		}
		sort.SliceStable(logs, func(i, j int) bool {
			if logs[i].BlockNumber != logs[j].BlockNumber {
				return logs[i].BlockNumber < logs[j].BlockNumber
			}
			return logs[i].Index < logs[j].Index
		})
		p.applyLogs(ctx, logs)
	}

	p.retryDirty(ctx)
	p.setHead(head)
	p.mu.Lock()
	p.synced = true
	p.mu.Unlock()
	return nil
}

func (p *Projection) setHead(head uint64) {
	p.mu.Lock()
	if head > p.head {
		p.head = head
	}
	head = p.head
	p.mu.Unlock()
	if p.onHead != nil {
		p.onHead(head)
	}
}

func (p *Projection) applyLogs(ctx context.Context, logs []types.Log) {
	p.applyMu.Lock()
	defer p.applyMu.Unlock()
	for _, l := range logs {
		if l.Removed {
			p.handleRemoved(ctx, l)
			continue
		}
		p.mu.RLock()
		fresh := p.cur.before(l)
		p.mu.RUnlock()
		if !fresh {
			continue
		}
		p.apply(ctx, l)
		p.mu.Lock()
		p.cur = cursor{block: l.BlockNumber, index: l.Index, set: true}
		p.mu.Unlock()
	}
}

func negotiationID(l types.Log) (uint64, bool) {
	if len(l.Topics) < 2 {
		return 0, false
	}
	id := new(big.Int).SetBytes(l.Topics[1].Bytes())
	if !id.IsUint64() {
		return 0, false
	}
	return id.Uint64(), true
}

func (p *Projection) apply(ctx context.Context, l types.Log) {
	name, ok := contracts.EventName(p.abi, l)
	if !ok {
		return
	}
	id, ok := negotiationID(l)
	if !ok {
		return
	}
	if p.onEvent != nil {
		p.onEvent(name)
	}

	switch name {
	case contracts.EventNegotiationStarted:
		if p.has(id) {
			return
		}
		_ = p.hydrate(ctx, id)

	case contracts.EventMessageSent:
		var ev contracts.MessageSent
		if err := contracts.UnpackLog(p.abi, &ev, name, l); err != nil {
			p.logger.Warn("decode log", zap.String("event", name), zap.Error(err))
			return
		}
		msg := negotiation.Message{
			Sender:      ev.Sender,
			Content:     ev.Content,
			Timestamp:   unixTime(ev.Timestamp),
			OfferAmount: ev.OfferAmount,
		}
		if !p.has(id) {
			if err := p.hydrate(ctx, id); err != nil {
				return
			}
		}
		p.update(id, func(e *entry) {
			if !e.observe(msg) {
				return
			}
			if msg.HasOffer() {
				e.n.CurrentOffer = new(big.Int).Set(msg.OfferAmount)
			}
			e.n.UpdatedAt = msg.Timestamp
		})

	case contracts.EventOfferAccepted:
		var ev contracts.OfferAccepted
		if err := contracts.UnpackLog(p.abi, &ev, name, l); err != nil {
			p.logger.Warn("decode log", zap.String("event", name), zap.Error(err))
			return
		}
		if !p.has(id) {
			_ = p.hydrate(ctx, id)
			return
		}
		p.update(id, func(e *entry) {
			e.n.Status = negotiation.StatusAccepted
			e.n.CurrentOffer = new(big.Int).Set(ev.Amount)
			e.n.UpdatedAt = unixTime(ev.Timestamp)
		})

	case contracts.EventNegotiationClosed:
		var ev contracts.NegotiationClosed
		if err := contracts.UnpackLog(p.abi, &ev, name, l); err != nil {
			p.logger.Warn("decode log", zap.String("event", name), zap.Error(err))
			return
		}
		if p.has(id) {
			p.update(id, func(e *entry) { e.n.Status = negotiation.Status(ev.Status) })
		}
		// the event carries no timestamp; refetch for updatedAt
		_ = p.hydrate(ctx, id)
	}
}

func (p *Projection) handleRemoved(ctx context.Context, l types.Log) {
	id, ok := negotiationID(l)
	if !ok {
		return
	}
	p.logger.Info("log removed by reorg", zap.Uint64("negotiation", id), zap.Uint64("block", l.BlockNumber))
	name, _ := contracts.EventName(p.abi, l)
	p.mu.Lock()
	if e, ok := p.entries[id]; ok && name == contracts.EventMessageSent && e.applied > 0 {
		e.applied--
	}
	if name == contracts.EventNegotiationStarted {
		p.removeLocked(id)
	} else {
		p.dirty[id] = struct{}{}
	}
	p.mu.Unlock()
	if name != contracts.EventNegotiationStarted {
		_ = p.hydrate(ctx, id)
	}
	p.notify(id)
}

// Invalidate refetches negotiation id and its messages.
func (p *Projection) Invalidate(ctx context.Context, id uint64) error {
	p.applyMu.Lock()
	defer p.applyMu.Unlock()
	return p.hydrate(ctx, id)
}

func (p *Projection) retryDirty(ctx context.Context) {
	p.mu.RLock()
	ids := make([]uint64, 0, len(p.dirty))
	for id := range p.dirty {
		ids = append(ids, id)
	}
	p.mu.RUnlock()
	if len(ids) == 0 {
		return
	}
	p.applyMu.Lock()
	defer p.applyMu.Unlock()
	for _, id := range ids {
		_ = p.hydrate(ctx, id)
	}
}

// hydrate loads id from the reader. An existing entry keeps its applied
// count; the thread is append-only so it stays valid.
func (p *Projection) hydrate(ctx context.Context, id uint64) error {
	n, err := p.reader.GetNegotiation(ctx, id)
	if err == nil {
		var msgs []negotiation.Message
		msgs, err = p.reader.GetMessages(ctx, id)
		if err == nil {
			p.store(id, n, msgs)
			return nil
		}
	}
	p.logger.Warn("hydrate negotiation", zap.Uint64("negotiation", id), zap.Error(err))
	p.mu.Lock()
	p.dirty[id] = struct{}{}
	p.mu.Unlock()
	return err
}

func (p *Projection) store(id uint64, n negotiation.Negotiation, msgs []negotiation.Message) {
	p.mu.Lock()
	e, ok := p.entries[id]
	if !ok {
		e = &entry{}
		p.entries[id] = e
		p.indexLocked(n.Buyer, id)
		if n.Seller != n.Buyer {
			p.indexLocked(n.Seller, id)
		}
	}
	e.n = n
	e.messages = msgs
	if e.applied > len(msgs) {
		e.applied = len(msgs)
	}
	delete(p.dirty, id)
	p.mu.Unlock()
	p.notify(id)
}

func (p *Projection) update(id uint64, fn func(*entry)) {
	p.mu.Lock()
	e, ok := p.entries[id]
	if ok {
		fn(e)
	}
	p.mu.Unlock()
	if ok {
		p.notify(id)
	}
}

func (p *Projection) has(id uint64) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.entries[id]
	return ok
}

func (p *Projection) indexLocked(addr common.Address, id uint64) {
	ids := p.byUser[addr]
	i := sort.Search(len(ids), func(i int) bool { return ids[i] >= id })
	if i < len(ids) && ids[i] == id {
		return
	}
	ids = append(ids, 0)
	copy(ids[i+1:], ids[i:])
	ids[i] = id
	p.byUser[addr] = ids
}

func (p *Projection) removeLocked(id uint64) {
	e, ok := p.entries[id]
	if !ok {
		return
	}
	delete(p.entries, id)
	delete(p.dirty, id)
	for _, addr := range []common.Address{e.n.Buyer, e.n.Seller} {
		ids := p.byUser[addr]
		for i, v := range ids {
			if v == id {
				p.byUser[addr] = append(ids[:i:i], ids[i+1:]...)
				break
			}
		}
	}
}

func (p *Projection) notify(id uint64) {
	p.mu.RLock()
	listeners := append([]func(uint64){}, p.listeners...)
	p.mu.RUnlock()
	for _, fn := range listeners {
		fn(id)
	}
}

// Negotiation returns the projected snapshot of id.
func (p *Projection) Negotiation(id uint64) (negotiation.Negotiation, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entries[id]
	if !ok {
		return negotiation.Negotiation{}, ErrNotProjected
	}
	return e.n.Clone(), nil
}

func (p *Projection) Messages(id uint64) ([]negotiation.Message, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entries[id]
	if !ok {
		return nil, ErrNotProjected
	}
	out := make([]negotiation.Message, 0, len(e.messages))
	for _, m := range e.messages {
		out = append(out, m.Clone())
	}
	return out, nil
}

// UserNegotiations lists projected ids where addr is buyer or seller, in
// creation order. Negotiations started before FromBlock are not included.
func (p *Projection) UserNegotiations(addr common.Address) []uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]uint64{}, p.byUser[addr]...)
}

// Complete reports whether every negotiation seen in the logs is loaded.
// While it is false UserNegotiations may be missing ids.
func (p *Projection) Complete() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.dirty) == 0
}

// Head is the highest block the projection has seen.
func (p *Projection) Head() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.head
}

// Synced reports whether at least one full sync has completed.
func (p *Projection) Synced() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.synced
}

// Dirty reports whether id is waiting for a successful refetch.
func (p *Projection) Dirty(id uint64) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.dirty[id]
	return ok
}

// observe accounts for one MessageSent event. It reports whether msg was
// new; a message already present from an earlier read is only marked seen.
func (e *entry) observe(msg negotiation.Message) bool {
	for i := e.applied; i < len(e.messages); i++ {
		if sameMessage(e.messages[i], msg) {
			e.applied = i + 1
			return false
		}
	}
	e.messages = append(e.messages, msg)
	e.applied = len(e.messages)
	return true
}

func sameMessage(a, b negotiation.Message) bool {
	return a.Sender == b.Sender && a.Content == b.Content &&
		a.Timestamp.Equal(b.Timestamp) && bigEqual(a.OfferAmount, b.OfferAmount)
}

func bigEqual(a, b *big.Int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Cmp(b) == 0
}

func unixTime(v *big.Int) time.Time {
	if v == nil || !v.IsInt64() {
		return time.Time{}
	}
	return time.Unix(v.Int64(), 0).UTC()
}
