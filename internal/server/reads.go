package server

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"krine/internal/escrow"
	"krine/internal/negotiation"
	"krine/internal/rpcguard"
	"krine/internal/session"
	"krine/internal/txlife"
	"krine/internal/units"
)

// inboxConcurrency bounds the per-negotiation reads of one inbox request.
const inboxConcurrency = 8

func pathID(r *http.Request) (uint64, error) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", errBadID, r.PathValue("id"))
	}
	return id, nil
}

// accountFor is the account a read is rendered for: ?account= or the session's.
func (s *Server) accountFor(r *http.Request) (common.Address, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("account"))
	if raw == "" {
		return s.session.Account(), nil
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%w: invalid account %q", negotiation.ErrInvalidInput, raw)
	}
	return common.HexToAddress(raw), nil
}

func (s *Server) symbol() string { return s.cfg.UI.CurrencySymbol }

// readNegotiation prefers the projection and falls back to a direct read.
func (s *Server) readNegotiation(ctx context.Context, id uint64) (negotiation.Negotiation, error) {
	if s.projection != nil && !s.projection.Dirty(id) {
		if n, err := s.projection.Negotiation(id); err == nil {
			return n, nil
		}
	}
	n, err := s.negReader.GetNegotiation(ctx, id)
	if err != nil {
		return negotiation.Negotiation{}, err
	}
	// an unset record reads back zeroed
	if n.Buyer == (common.Address{}) {
		return negotiation.Negotiation{}, fmt.Errorf("negotiation %d: %w", id, errNotFound)
	}
	return n, nil
}

func (s *Server) readMessages(ctx context.Context, id uint64) ([]negotiation.Message, error) {
	if s.projection != nil && !s.projection.Dirty(id) {
		if msgs, err := s.projection.Messages(id); err == nil {
			return msgs, nil
		}
	}
	return s.negReader.GetMessages(ctx, id)
}

func (s *Server) readEscrow(ctx context.Context, id uint64) (escrow.Escrow, error) {
	e, err := s.escReader.GetEscrow(ctx, id)
	if err != nil {
		return escrow.Escrow{}, err
	}
	if e.Buyer == (common.Address{}) {
		return escrow.Escrow{}, fmt.Errorf("escrow %d: %w", id, errNotFound)
	}
	return e, nil
}

type sessionView struct {
	Account          common.Address `json:"account"`
	ChainID          *big.Int       `json:"chainId"`
	ExpectedChainID  int64          `json:"expectedChainId"`
	WrongNetwork     bool           `json:"wrongNetwork"`
	CanSign          bool           `json:"canSign"`
	Balance          string         `json:"balance,omitempty"`
	BalanceFormatted string         `json:"balanceFormatted,omitempty"`
	LowBalance       bool           `json:"lowBalance"`
	BalanceError     string         `json:"balanceError,omitempty"`
	Negotiation      common.Address `json:"negotiationContract"`
	Escrow           common.Address `json:"escrowContract"`
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	view := sessionView{
		Account:         s.session.Account(),
		ChainID:         s.session.ChainID(),
		ExpectedChainID: s.cfg.Chain.ChainID,
		WrongNetwork:    s.session.CheckNetwork(s.cfg.Chain.ChainID) != nil,
		CanSign:         s.session.CanSign(),
		Negotiation:     s.negotiations.Address(),
		Escrow:          s.escrows.Address(),
	}
	if s.balances != nil {
		account := s.session.Account()
		balance, err := rpcguard.Do(r.Context(), s.guard, "balanceOf", "balance:"+account.Hex(),
			func(ctx context.Context) (*big.Int, error) {
				return s.balances.BalanceAt(ctx, account, nil)
			})
		if err != nil {
			view.BalanceError = err.Error()
		} else {
			view.Balance = balance.String()
			view.BalanceFormatted = units.FormatAmount(balance, s.symbol())
			view.LowBalance = session.LowBalance(balance, s.cfg.UI.LowBalanceThreshold)
		}
	}
	writeJSON(w, http.StatusOK, view)
}

type inboxItem struct {
	ID        uint64               `json:"id"`
	Summary   *negotiation.Summary `json:"summary,omitempty"`
	Error     string               `json:"error,omitempty"`
	Retryable bool                 `json:"retryable,omitempty"`
}

type inboxView struct {
	Account common.Address `json:"account"`
	Count   int            `json:"count"`
	Items   []inboxItem    `json:"items"`
}

func (s *Server) userNegotiations(ctx context.Context, account common.Address) ([]uint64, error) {
	// the projection misses negotiations older than its first block and
	// those whose load failed
	if s.projection != nil && s.projection.Synced() && s.projection.Complete() && s.cfg.Chain.FromBlock == 0 {
		return s.projection.UserNegotiations(account), nil
	}
	return s.negReader.GetUserNegotiations(ctx, account)
}

// handleInbox lists the account's negotiations in creation order. A card
// that fails to load carries its error instead of failing the whole list.
func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	account, err := s.accountFor(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ids, err := s.userNegotiations(r.Context(), account)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	items := make([]inboxItem, len(ids))
	g, ctx := errgroup.WithContext(r.Context())
	g.SetLimit(inboxConcurrency)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			item := inboxItem{ID: id}
			n, err := s.readNegotiation(ctx, id)
			if err != nil {
				_, item.Retryable = statusFor(err)
				item.Error = err.Error()
			} else {
				summary := negotiation.Summarize(n, account, s.symbol())
				item.Summary = &summary
			}
			items[i] = item
			return nil
		})
	}
	_ = g.Wait()

	writeJSON(w, http.StatusOK, inboxView{Account: account, Count: len(items), Items: items})
}

type messageView struct {
	negotiation.Message
	Mine  bool   `json:"mine"`
	Offer string `json:"offer,omitempty"`
}

type negotiationView struct {
	Negotiation  negotiation.Negotiation `json:"negotiation"`
	InitialOffer string                  `json:"initialOfferFormatted"`
	CurrentOffer string                  `json:"currentOfferFormatted"`
	OfferChanged bool                    `json:"offerChanged"`
	AgreedPrice  *big.Int                `json:"agreedPrice,omitempty"`
	Messages     []messageView           `json:"messages"`
	Actions      negotiation.Actions     `json:"actions"`
	Deposit      *escrow.DepositOffer    `json:"deposit,omitempty"`
	InFlight     bool                    `json:"inFlight"`
}

func (s *Server) handleGetNegotiation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	account, err := s.accountFor(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var (
		n    negotiation.Negotiation
		msgs []negotiation.Message
	)
	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() (err error) {
		n, err = s.readNegotiation(ctx, id)
		return err
	})
	g.Go(func() (err error) {
		msgs, err = s.readMessages(ctx, id)
		return err
	})
	if err := g.Wait(); err != nil {
		s.writeError(w, r, err)
		return
	}

	view := negotiationView{
		Negotiation:  n,
		InitialOffer: units.FormatAmount(n.InitialOffer, s.symbol()),
		CurrentOffer: units.FormatAmount(n.CurrentOffer, s.symbol()),
		OfferChanged: n.OfferChanged(),
		Messages:     make([]messageView, 0, len(msgs)),
		Actions:      negotiation.ActionsFor(n, account),
		InFlight:     s.tracker.InFlight(negotiationKey(id)),
	}
	if price, ok := n.AgreedPrice(); ok {
		view.AgreedPrice = price
	}
	if offer, ok := escrow.DepositFor(n, account); ok {
		view.Deposit = &offer
	}
	for _, m := range msgs {
		mv := messageView{Message: m, Mine: m.Sender == account}
		if m.HasOffer() {
			mv.Offer = units.FormatAmount(m.OfferAmount, s.symbol())
		}
		view.Messages = append(view.Messages, mv)
	}
	writeJSON(w, http.StatusOK, view)
}

type escrowView struct {
	Escrow  escrow.Escrow  `json:"escrow"`
	State   string         `json:"state"`
	Amount  string         `json:"amountFormatted"`
	Actions escrow.Actions `json:"actions"`
	// set when ?negotiation= names a negotiation
	Matches  *bool `json:"matchesNegotiation,omitempty"`
	InFlight bool  `json:"inFlight"`
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	account, err := s.accountFor(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	e, err := s.readEscrow(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	view := escrowView{
		Escrow:   e,
		State:    e.State(),
		Amount:   units.FormatAmount(e.Amount, s.symbol()),
		Actions:  escrow.ActionsFor(e, account),
		InFlight: s.tracker.InFlight(escrowKey(id)),
	}
	if raw := r.URL.Query().Get("negotiation"); raw != "" {
		nid, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.writeError(w, r, fmt.Errorf("%w: negotiation %q", errBadID, raw))
			return
		}
		n, err := s.readNegotiation(r.Context(), nid)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		matches := escrow.Matches(e, n)
		view.Matches = &matches
	}
	writeJSON(w, http.StatusOK, view)
}

// opView is an op plus the id of whatever its receipt created.
type opView struct {
	txlife.Op
	NegotiationID *uint64 `json:"negotiationId,omitempty"`
	EscrowID      *uint64 `json:"escrowId,omitempty"`
}

func (s *Server) viewOp(op txlife.Op) opView {
	view := opView{Op: op}
	if op.State != txlife.StateSettled || op.Receipt == nil {
		return view
	}
	switch op.Kind {
	case kindStart:
		if ev, err := negotiation.StartedFromReceipt(s.negotiations.Address(), op.Receipt); err == nil {
			id := ev.NegotiationId.Uint64()
			view.NegotiationID = &id
		}
	case kindDeposit:
		if ev, err := escrow.CreatedFromReceipt(s.escrows.Address(), op.Receipt); err == nil {
			id := ev.EscrowId.Uint64()
			view.EscrowID = &id
		}
	}
	return view
}

func (s *Server) handleGetOp(w http.ResponseWriter, r *http.Request) {
	op, ok := s.tracker.Lookup(r.PathValue("id"))
	if !ok {
		s.writeError(w, r, fmt.Errorf("op %s: %w", r.PathValue("id"), errNotFound))
		return
	}
	writeJSON(w, http.StatusOK, s.viewOp(op))
}
