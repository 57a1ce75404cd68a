package core

import (
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"agora/core/events"
	"agora/core/genesis"
	"agora/core/state"
	"agora/core/types"
	"agora/native/escrow"
	"agora/native/market"
	"agora/observability"
	"agora/storage"
)

var (
	chainIDKey     = []byte("ledger/chain-id")
	genesisTimeKey = []byte("ledger/genesis-time")
)

// Node is the central controller, wiring storage, state and the native
// engines together. All state mutation funnels through stateMu so engine
// operations observe a serialized ledger.
type Node struct {
	db      storage.Database
	manager *state.Manager
	escrow  *escrow.Engine
	market  *market.Engine
	log     *slog.Logger

	stateMu sync.Mutex

	subMu   sync.Mutex
	subs    map[uint64]chan state.JournalEntry
	nextSub uint64

	interval time.Duration
	started  bool
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewNode opens the ledger over db and bootstraps genesis state. When the
// ledger is fresh, genesisPath is loaded and applied; with an empty path and
// allowAutogenesis set, an empty genesis document is applied instead so dev
// nodes can start without a spec file.
func NewNode(db storage.Database, genesisPath string, allowAutogenesis bool) (*Node, error) {
	if db == nil {
		return nil, fmt.Errorf("node: database must not be nil")
	}
	n := &Node{
		db:      db,
		manager: state.NewManager(db),
		log:     slog.Default(),
		subs:    make(map[uint64]chan state.JournalEntry),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	escrowEngine := escrow.NewEngine()
	escrowEngine.SetState(n.manager)
	escrowEngine.SetEmitter(journalEmitter{node: n})
	escrowEngine.SetHeightFunc(n.currentHeight)
	n.escrow = escrowEngine

	marketEngine := market.NewEngine()
	marketEngine.SetState(n.manager)
	marketEngine.SetEscrowEngine(escrowEngine)
	marketEngine.SetEmitter(journalEmitter{node: n})
	n.market = marketEngine

	if err := n.bootstrap(genesisPath, allowAutogenesis); err != nil {
		return nil, err
	}
	return n, nil
}

// SetLogger replaces the node logger. Passing nil restores the process
// default.
func (n *Node) SetLogger(logger *slog.Logger) {
	if logger == nil {
		n.log = slog.Default()
		return
	}
	n.log = logger
}

// SetResolutionPolicy configures who may settle disputed entries.
func (n *Node) SetResolutionPolicy(policy escrow.ResolutionPolicy) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	n.escrow.SetPolicy(policy)
}

// SetBlockInterval configures the chain clock period used by Start. A zero
// interval disables the clock.
func (n *Node) SetBlockInterval(interval time.Duration) {
	n.interval = interval
}

func (n *Node) bootstrap(genesisPath string, allowAutogenesis bool) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	applied, err := genesis.Applied(n.manager)
	if err != nil {
		return fmt.Errorf("node: genesis check: %w", err)
	}
	if applied {
		return nil
	}

	var spec *genesis.Spec
	switch {
	case genesisPath != "":
		spec, err = genesis.LoadSpec(genesisPath)
		if err != nil {
			return err
		}
	case allowAutogenesis:
		spec = &genesis.Spec{GenesisTime: time.Now().UTC().Format(time.RFC3339)}
	default:
		return fmt.Errorf("node: ledger is uninitialized and no genesis file was provided")
	}

	if err := genesis.Apply(spec, n.manager); err != nil {
		return err
	}
	n.log.Info("ledger initialized", "genesisTime", spec.GenesisTime, "allocations", len(spec.Alloc))
	return nil
}

// currentHeight is the engine height source. It reads the persisted height
// register; callers already hold stateMu because engines only run inside
// node operations.
func (n *Node) currentHeight() uint64 {
	height, err := n.manager.HeightGet()
	if err != nil {
		n.log.Error("height register unreadable", "err", err)
		return 0
	}
	return height
}

// Start launches the chain clock, advancing the height register once per
// configured interval. It is a no-op when no interval is set.
func (n *Node) Start() {
	if n.started {
		return
	}
	n.started = true
	if n.interval <= 0 {
		close(n.done)
		return
	}
	go func() {
		defer close(n.done)
		ticker := time.NewTicker(n.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				n.stateMu.Lock()
				height, err := n.manager.HeightAdvance()
				n.stateMu.Unlock()
				if err != nil {
					n.log.Error("height advance failed", "err", err)
					continue
				}
				n.log.Debug("height advanced", "height", height)
			case <-n.quit:
				return
			}
		}
	}()
}

// Stop halts the chain clock and waits for it to exit.
func (n *Node) Stop() {
	n.stopOnce.Do(func() { close(n.quit) })
	if !n.started {
		return
	}
	<-n.done
}

// --- Event journal & subscriptions ---

// journalEmitter persists engine events into the state journal and fans them
// out to live subscribers. It runs inside engine operations, so stateMu is
// already held when Emit fires.
type journalEmitter struct {
	node *Node
}

type eventWithPayload interface {
	Event() *types.Event
}

func (j journalEmitter) Emit(evt events.Event) {
	if j.node == nil || evt == nil {
		return
	}
	payload, ok := evt.(eventWithPayload)
	if !ok {
		return
	}
	event := payload.Event()
	if event == nil {
		return
	}
	seq, err := j.node.manager.EventAppend(event)
	if err != nil {
		j.node.log.Error("event journal append failed", "type", event.Type, "err", err)
		return
	}
	observability.Events().Record(event.Type)
	height, err := j.node.manager.HeightGet()
	if err != nil {
		j.node.log.Error("height register unreadable", "err", err)
	}
	j.node.publish(state.JournalEntry{Sequence: seq, Height: height, Event: event})
}

func (n *Node) publish(entry state.JournalEntry) {
	n.subMu.Lock()
	defer n.subMu.Unlock()
	for id, ch := range n.subs {
		select {
		case ch <- entry:
		default:
			n.log.Warn("event subscriber lagging, dropping event", "subscriber", id, "sequence", entry.Sequence)
		}
	}
}

// SubscribeEvents registers a live event feed. Slow consumers lose events
// rather than blocking ledger operations; use Events to replay from the
// journal.
func (n *Node) SubscribeEvents(buffer int) (uint64, <-chan state.JournalEntry) {
	if buffer <= 0 {
		buffer = 64
	}
	n.subMu.Lock()
	defer n.subMu.Unlock()
	n.nextSub++
	id := n.nextSub
	ch := make(chan state.JournalEntry, buffer)
	n.subs[id] = ch
	return id, ch
}

// UnsubscribeEvents removes a live event feed and closes its channel.
func (n *Node) UnsubscribeEvents(id uint64) {
	n.subMu.Lock()
	defer n.subMu.Unlock()
	if ch, ok := n.subs[id]; ok {
		delete(n.subs, id)
		close(ch)
	}
}

// Events returns up to limit journal entries with sequence numbers strictly
// greater than after.
func (n *Node) Events(after uint64, limit int) ([]state.JournalEntry, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.manager.EventsSince(after, limit)
}

// EventCount returns the sequence number of the newest journal entry.
func (n *Node) EventCount() (uint64, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.manager.EventCount()
}

// --- Ledger queries ---

// Height returns the current ledger height.
func (n *Node) Height() (uint64, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.manager.HeightGet()
}

// ChainID reports the chain identifier recorded at genesis, if any.
func (n *Node) ChainID() (uint64, bool) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	var chainID uint64
	found, err := n.manager.KVGet(chainIDKey, &chainID)
	if err != nil || !found {
		return 0, false
	}
	return chainID, true
}

// GenesisTime reports the genesis timestamp recorded at bootstrap.
func (n *Node) GenesisTime() (time.Time, bool) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	var unix uint64
	found, err := n.manager.KVGet(genesisTimeKey, &unix)
	if err != nil || !found {
		return time.Time{}, false
	}
	return time.Unix(int64(unix), 0).UTC(), true
}

// GetAccount returns the account record for addr. Missing accounts read as
// zeroed records.
func (n *Node) GetAccount(addr []byte) (*types.Account, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.manager.GetAccount(addr)
}

// Balance returns the AGO balance for addr.
func (n *Node) Balance(addr [20]byte) (*big.Int, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	account, err := n.manager.GetAccount(addr[:])
	if err != nil {
		return nil, err
	}
	return account.BalanceAGO, nil
}

// HasRole reports whether addr holds the named role.
func (n *Node) HasRole(role string, addr []byte) bool {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.manager.HasRole(role, addr)
}

// --- Escrow operations ---

func (n *Node) EscrowCreate(payer, payee [20]byte, amount *big.Int, memo string) (*escrow.Entry, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.escrow.Create(payer, payee, amount, memo)
}

func (n *Node) EscrowOpen(payer, payee [20]byte, amount *big.Int, memo string) (*escrow.Entry, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.escrow.Open(payer, payee, amount, memo)
}

func (n *Node) EscrowFund(id uint64, caller [20]byte) (*escrow.Entry, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.escrow.Fund(id, caller)
}

func (n *Node) EscrowConfirm(id uint64, caller [20]byte) (*escrow.Entry, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.escrow.Confirm(id, caller)
}

func (n *Node) EscrowDispute(id uint64, caller [20]byte, reason string, evidence []byte) (*escrow.Entry, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.escrow.Dispute(id, caller, reason, evidence)
}

func (n *Node) EscrowResolve(id uint64, caller [20]byte, outcome string) (*escrow.Entry, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.escrow.ResolveOutcome(id, caller, outcome)
}

func (n *Node) EscrowGet(id uint64) (*escrow.Entry, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.escrow.Get(id)
}

func (n *Node) EscrowDisputeActive(id uint64) (bool, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.escrow.DisputeActive(id)
}

// EscrowsByParty returns the entry ids where addr is payer or payee.
func (n *Node) EscrowsByParty(addr [20]byte) ([]uint64, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.manager.EscrowsByParty(addr[:])
}

// EscrowVaultAddress returns the module account holding escrowed funds.
func (n *Node) EscrowVaultAddress() ([20]byte, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.manager.EscrowVaultAddress()
}

// --- Marketplace operations ---

func (n *Node) MarketCreateListing(seller [20]byte, price *big.Int, quantity uint64, memo string) (*market.Listing, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.market.CreateListing(seller, price, quantity, memo)
}

func (n *Node) MarketUpdateListing(seller [20]byte, id uint64, price *big.Int, quantity uint64, status market.ListingStatus) (*market.Listing, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.market.UpdateListing(seller, id, price, quantity, status)
}

func (n *Node) MarketPurchase(buyer [20]byte, listingID, quantity uint64, memo string) (*escrow.Entry, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.market.Purchase(buyer, listingID, quantity, memo)
}

func (n *Node) MarketRateSeller(entryID uint64, rater [20]byte, score uint8, comment string) (*market.Rating, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.market.RateSeller(entryID, rater, score, comment)
}

func (n *Node) MarketRateBuyer(entryID uint64, rater [20]byte, score uint8, comment string) (*market.Rating, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.market.RateBuyer(entryID, rater, score, comment)
}

func (n *Node) MarketGetListing(id uint64) (*market.Listing, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.market.GetListing(id)
}

func (n *Node) MarketListingsBySeller(seller [20]byte) ([]*market.Listing, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.market.ListingsBySeller(seller)
}

func (n *Node) MarketReputation(addr [20]byte) (*market.ReputationRecord, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.market.Reputation(addr)
}

func (n *Node) MarketSellerRating(addr [20]byte) (uint64, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.market.SellerRating(addr)
}

func (n *Node) MarketBuyerRating(addr [20]byte) (uint64, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.market.BuyerRating(addr)
}

func (n *Node) MarketEntryRatings(entryID uint64) ([]*market.Rating, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.market.EntryRatings(entryID)
}
