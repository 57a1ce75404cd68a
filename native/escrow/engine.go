package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"lukechampine.com/blake3"

	"agora/core/events"
	"agora/core/types"
	"agora/observability/metrics"
)

var errNilState = errors.New("escrow engine: state not configured")

// RoleArbiter names the role whose members may settle disputes when the
// engine runs under the arbiter resolution policy.
const RoleArbiter = "ROLE_ARBITER"

type engineState interface {
	EscrowNextID() (uint64, error)
	EscrowPut(*Entry) error
	EscrowGet(id uint64) (*Entry, bool)
	EscrowCredit(id uint64, amt *big.Int) error
	EscrowDebit(id uint64, amt *big.Int) error
	EscrowVaultAddress() ([20]byte, error)
	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, account *types.Account) error
	HasRole(role string, addr []byte) bool
}

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// Engine wires the escrow state machine with external state and event
// emitters. Every operation validates authorization and status before any
// balance moves, so a failed call leaves no partial effect behind.
type Engine struct {
	state    engineState
	emitter  events.Emitter
	policy   ResolutionPolicy
	nowFn    func() int64
	heightFn func() uint64
}

// NewEngine creates an escrow engine with a no-op emitter, the arbiter
// resolution policy and a zero height source. Callers override these via the
// setters.
func NewEngine() *Engine {
	return &Engine{
		emitter:  events.NoopEmitter{},
		policy:   ResolutionPolicyArbiter,
		nowFn:    func() int64 { return time.Now().Unix() },
		heightFn: func() uint64 { return 0 },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetPolicy configures who may settle disputed entries.
func (e *Engine) SetPolicy(policy ResolutionPolicy) { e.policy = policy }

// Policy returns the configured resolution policy.
func (e *Engine) Policy() ResolutionPolicy { return e.policy }

// SetNowFunc overrides the wall-clock source used for entry timestamps.
// Primarily intended for tests to provide deterministic values.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetHeightFunc overrides the ledger height source used for dispute windows.
// Passing nil resets to a zero source; the node always installs the real one.
func (e *Engine) SetHeightFunc(height func() uint64) {
	if height == nil {
		e.heightFn = func() uint64 { return 0 }
		return
	}
	e.heightFn = height
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(escrowEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) height() uint64 {
	if e == nil || e.heightFn == nil {
		return 0
	}
	return e.heightFn()
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func ensureAccount(acc *types.Account) *types.Account {
	if acc == nil {
		return &types.Account{BalanceAGO: big.NewInt(0)}
	}
	if acc.BalanceAGO == nil {
		acc.BalanceAGO = big.NewInt(0)
	}
	return acc
}

func (e *Engine) loadEntry(id uint64) (*Entry, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	entry, ok := e.state.EscrowGet(id)
	if !ok {
		return nil, ErrNotFound
	}
	return entry, nil
}

func (e *Engine) storeEntry(entry *Entry) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return e.state.EscrowPut(entry)
}

// transferAGO moves native balance between two accounts, rejecting the move
// when the sender cannot cover it.
func (e *Engine) transferAGO(from, to [20]byte, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	amt := cloneBigInt(amount)
	if amt.Sign() == 0 {
		return nil
	}
	if amt.Sign() < 0 {
		return ErrInvalidAmount
	}
	fromAcc, err := e.state.GetAccount(from[:])
	if err != nil {
		return err
	}
	toAcc, err := e.state.GetAccount(to[:])
	if err != nil {
		return err
	}
	fromAcc = ensureAccount(fromAcc)
	toAcc = ensureAccount(toAcc)
	if fromAcc.BalanceAGO.Cmp(amt) < 0 {
		return ErrInsufficientFunds
	}
	fromAcc.BalanceAGO = new(big.Int).Sub(fromAcc.BalanceAGO, amt)
	toAcc.BalanceAGO = new(big.Int).Add(toAcc.BalanceAGO, amt)
	if err := e.state.PutAccount(from[:], fromAcc); err != nil {
		return err
	}
	return e.state.PutAccount(to[:], toAcc)
}

func validateTerms(payer, payee [20]byte, amount *big.Int, memo string) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if payer == payee {
		return ErrSelfDeal
	}
	if len(memo) > MemoMaxLength {
		return ErrMemoTooLong
	}
	return nil
}

func (e *Engine) newEntry(payer, payee [20]byte, amount *big.Int, memo string) (*Entry, error) {
	if err := validateTerms(payer, payee, amount, memo); err != nil {
		return nil, err
	}
	id, err := e.state.EscrowNextID()
	if err != nil {
		return nil, err
	}
	return &Entry{
		ID:        id,
		Payer:     payer,
		Payee:     payee,
		Amount:    cloneBigInt(amount),
		Memo:      memo,
		CreatedAt: e.now(),
		Status:    StatusPending,
	}, nil
}

// fundEntry moves the entry amount from the payer into the custody vault and
// flips the entry to Active.
func (e *Engine) fundEntry(entry *Entry) error {
	vault, err := e.state.EscrowVaultAddress()
	if err != nil {
		return err
	}
	if err := e.transferAGO(entry.Payer, vault, entry.Amount); err != nil {
		return err
	}
	if err := e.state.EscrowCredit(entry.ID, entry.Amount); err != nil {
		return err
	}
	entry.Status = StatusActive
	return nil
}

// Create initialises a new entry and takes the amount into custody in one
// step. The entry becomes Active immediately; all preconditions, including
// the payer's balance, are checked before any state is written.
func (e *Engine) Create(payer, payee [20]byte, amount *big.Int, memo string) (*Entry, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := validateTerms(payer, payee, amount, memo); err != nil {
		return nil, err
	}
	payerAcc, err := e.state.GetAccount(payer[:])
	if err != nil {
		return nil, err
	}
	if ensureAccount(payerAcc).BalanceAGO.Cmp(amount) < 0 {
		return nil, ErrInsufficientFunds
	}
	entry, err := e.newEntry(payer, payee, amount, memo)
	if err != nil {
		return nil, err
	}
	if err := e.fundEntry(entry); err != nil {
		return nil, err
	}
	if err := e.storeEntry(entry); err != nil {
		return nil, err
	}
	e.emit(NewCreatedEvent(entry))
	return entry.Clone(), nil
}

// CreatePurchase creates an Active entry on behalf of a marketplace
// purchase, carrying the originating listing and quantity.
func (e *Engine) CreatePurchase(payer, payee [20]byte, amount *big.Int, memo string, listingID, quantity uint64) (*Entry, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if listingID == 0 || quantity == 0 {
		return nil, fmt.Errorf("escrow: purchase requires listing and quantity")
	}
	if err := validateTerms(payer, payee, amount, memo); err != nil {
		return nil, err
	}
	payerAcc, err := e.state.GetAccount(payer[:])
	if err != nil {
		return nil, err
	}
	if ensureAccount(payerAcc).BalanceAGO.Cmp(amount) < 0 {
		return nil, ErrInsufficientFunds
	}
	entry, err := e.newEntry(payer, payee, amount, memo)
	if err != nil {
		return nil, err
	}
	entry.ListingID = listingID
	entry.Quantity = quantity
	if err := e.fundEntry(entry); err != nil {
		return nil, err
	}
	if err := e.storeEntry(entry); err != nil {
		return nil, err
	}
	e.emit(NewCreatedEvent(entry))
	return entry.Clone(), nil
}

// Open initialises a Pending entry without moving funds. The payer funds it
// later via Fund; until then nothing is in custody.
func (e *Engine) Open(payer, payee [20]byte, amount *big.Int, memo string) (*Entry, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	entry, err := e.newEntry(payer, payee, amount, memo)
	if err != nil {
		return nil, err
	}
	if err := e.storeEntry(entry); err != nil {
		return nil, err
	}
	e.emit(NewOpenedEvent(entry))
	return entry.Clone(), nil
}

// Fund moves the amount of a Pending entry from the payer into custody and
// activates it. Only the payer may fund.
func (e *Engine) Fund(id uint64, caller [20]byte) (*Entry, error) {
	entry, err := e.loadEntry(id)
	if err != nil {
		return nil, err
	}
	if entry.Status != StatusPending {
		return nil, fmt.Errorf("%w: cannot fund %s entry", ErrInvalidState, entry.Status)
	}
	if caller != entry.Payer {
		return nil, ErrUnauthorized
	}
	if err := e.fundEntry(entry); err != nil {
		return nil, err
	}
	if err := e.storeEntry(entry); err != nil {
		return nil, err
	}
	e.emit(NewFundedEvent(entry))
	return entry.Clone(), nil
}

// Confirm settles an Active entry in favour of the payee. Only the payee may
// confirm; custody is released in the same step.
func (e *Engine) Confirm(id uint64, caller [20]byte) (*Entry, error) {
	entry, err := e.loadEntry(id)
	if err != nil {
		return nil, err
	}
	if entry.Status != StatusActive {
		return nil, fmt.Errorf("%w: cannot confirm %s entry", ErrInvalidState, entry.Status)
	}
	if caller != entry.Payee {
		return nil, ErrUnauthorized
	}
	vault, err := e.state.EscrowVaultAddress()
	if err != nil {
		return nil, err
	}
	if err := e.transferAGO(vault, entry.Payee, entry.Amount); err != nil {
		return nil, err
	}
	if err := e.state.EscrowDebit(entry.ID, entry.Amount); err != nil {
		return nil, err
	}
	entry.Status = StatusCompleted
	entry.ConfirmedAt = e.now()
	if err := e.storeEntry(entry); err != nil {
		return nil, err
	}
	e.emit(NewConfirmedEvent(entry))
	return entry.Clone(), nil
}

// Dispute moves an Active entry into arbitration. Only the payer may open a
// dispute; funds stay in custody while it is pending. Evidence, when
// supplied, is stored as its blake3 digest only.
func (e *Engine) Dispute(id uint64, caller [20]byte, reason string, evidence []byte) (*Entry, error) {
	entry, err := e.loadEntry(id)
	if err != nil {
		return nil, err
	}
	if entry.Status != StatusActive {
		return nil, fmt.Errorf("%w: cannot dispute %s entry", ErrInvalidState, entry.Status)
	}
	if caller != entry.Payer {
		return nil, ErrUnauthorized
	}
	if len(reason) > MemoMaxLength {
		return nil, ErrMemoTooLong
	}
	details := &DisputeDetails{
		Reason:   reason,
		OpenedAt: e.height(),
	}
	if len(evidence) > 0 {
		details.EvidenceHash = blake3.Sum256(evidence)
	}
	entry.Status = StatusDisputed
	entry.Dispute = details
	if err := e.storeEntry(entry); err != nil {
		return nil, err
	}
	metrics.Escrow().RecordDisputeOpened()
	e.emit(NewDisputedEvent(entry))
	return entry.Clone(), nil
}

// DisputeActive reports whether the entry is disputed and still within its
// resolution window at the current height.
func (e *Engine) DisputeActive(id uint64) (bool, error) {
	entry, err := e.loadEntry(id)
	if err != nil {
		return false, err
	}
	if entry.Status != StatusDisputed || entry.Dispute == nil {
		return false, nil
	}
	return e.height() < entry.Dispute.OpenedAt+ResolutionWindow, nil
}

func (e *Engine) authorizeResolver(entry *Entry, caller [20]byte) error {
	switch e.policy {
	case ResolutionPolicyPayee:
		if caller != entry.Payee {
			return ErrUnauthorized
		}
	case ResolutionPolicyPayer:
		if caller != entry.Payer {
			return ErrUnauthorized
		}
	default:
		if !e.state.HasRole(RoleArbiter, caller[:]) {
			return ErrUnauthorized
		}
	}
	return nil
}

// ResolveRefund settles a disputed entry in favour of the payer.
func (e *Engine) ResolveRefund(id uint64, caller [20]byte) (*Entry, error) {
	return e.resolveDispute(id, caller, resolutionRefund)
}

// ResolveRelease settles a disputed entry in favour of the payee.
func (e *Engine) ResolveRelease(id uint64, caller [20]byte) (*Entry, error) {
	return e.resolveDispute(id, caller, resolutionRelease)
}

// ResolveOutcome maps a caller-supplied outcome string onto the matching
// resolution operation.
func (e *Engine) ResolveOutcome(id uint64, caller [20]byte, outcome string) (*Entry, error) {
	switch strings.ToLower(strings.TrimSpace(outcome)) {
	case resolutionRefund:
		return e.ResolveRefund(id, caller)
	case resolutionRelease:
		return e.ResolveRelease(id, caller)
	default:
		return nil, fmt.Errorf("escrow: invalid resolution outcome %q", outcome)
	}
}

const (
	resolutionRefund  = "refund"
	resolutionRelease = "release"
)

func (e *Engine) resolveDispute(id uint64, caller [20]byte, outcome string) (*Entry, error) {
	entry, err := e.loadEntry(id)
	if err != nil {
		return nil, err
	}
	if entry.Status != StatusDisputed || entry.Dispute == nil {
		return nil, fmt.Errorf("%w: cannot resolve %s entry", ErrInvalidState, entry.Status)
	}
	if e.height() >= entry.Dispute.OpenedAt+ResolutionWindow {
		metrics.Escrow().RecordWindowExpired()
		return nil, ErrDisputeWindowExpired
	}
	if err := e.authorizeResolver(entry, caller); err != nil {
		return nil, err
	}
	recipient := entry.Payer
	status := StatusRefunded
	if outcome == resolutionRelease {
		recipient = entry.Payee
		status = StatusCompleted
	}
	vault, err := e.state.EscrowVaultAddress()
	if err != nil {
		return nil, err
	}
	if err := e.transferAGO(vault, recipient, entry.Amount); err != nil {
		return nil, err
	}
	if err := e.state.EscrowDebit(entry.ID, entry.Amount); err != nil {
		return nil, err
	}
	entry.Status = status
	if err := e.storeEntry(entry); err != nil {
		return nil, err
	}
	metrics.Escrow().RecordDisputeSettled(outcome)
	e.emit(NewResolvedEvent(entry, outcome))
	return entry.Clone(), nil
}

// Get returns a copy of the stored entry.
func (e *Engine) Get(id uint64) (*Entry, error) {
	entry, err := e.loadEntry(id)
	if err != nil {
		return nil, err
	}
	return entry.Clone(), nil
}
