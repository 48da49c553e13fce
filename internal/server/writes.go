package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"krine/internal/escrow"
	"krine/internal/idempotency"
	"krine/internal/negotiation"
	"krine/internal/session"
	"krine/internal/txlife"
)

const (
	headerIdempotencyKey = "X-Idempotency-Key"
	headerReplay         = "Idempotent-Replay"
	maxWriteBody         = 64 << 10
)

// Op kinds.
const (
	kindStart   = "startNegotiation"
	kindMessage = "sendMessage"
	kindAccept  = "acceptOffer"
	kindClose   = "closeNegotiation"
	kindDeposit = "deposit"
	kindRelease = "release"
	kindRefund  = "refund"
)

func negotiationKey(id uint64) string { return "negotiation:" + strconv.FormatUint(id, 10) }

func escrowKey(id uint64) string { return "escrow:" + strconv.FormatUint(id, 10) }

// writePlan is a validated write. prepare, when set, runs after the network
// check and may read the chain.
type writePlan struct {
	key       string
	kind      string
	prepare   func(ctx context.Context) error
	submit    txlife.Submit
	onSettled []txlife.SettledFunc
}

// writeBuilder validates a request without touching the network.
type writeBuilder func(r *http.Request, body []byte) (writePlan, error)

func (s *Server) write(route string, build writeBuilder) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := s.serveWrite(w, r, build)
		s.metrics.incWrite(route, status)
	})
}

// serveWrite runs the shared write pipeline: idempotency replay, input
// validation, network and signer checks, then submission under the
// entity's single-flight key. It answers 202 with the op once broadcast.
func (s *Server) serveWrite(w http.ResponseWriter, r *http.Request, build writeBuilder) int {
	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	if key == "" {
		return s.writeError(w, r, errMissingKey)
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWriteBody))
	if err != nil {
		return s.writeError(w, r, fmt.Errorf("%w: %v", errBadJSON, err))
	}

	ctx := r.Context()
	fingerprint := idempotency.Fingerprint(r.Method, r.URL.Path, body)
	existing, err := idempotency.Check(ctx, s.store, key, fingerprint)
	if err != nil {
		return s.writeError(w, r, err)
	}
	if existing != nil {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set(headerReplay, "true")
		w.WriteHeader(existing.StatusCode)
		_, _ = w.Write(existing.Response)
		return existing.StatusCode
	}

	plan, err := build(r, body)
	if err != nil {
		return s.writeError(w, r, err)
	}
	if err := s.session.CheckNetwork(s.cfg.Chain.ChainID); err != nil {
		return s.writeError(w, r, err)
	}
	if !s.session.CanSign() {
		return s.writeError(w, r, session.ErrReadOnly)
	}
	if plan.prepare != nil {
		if err := plan.prepare(ctx); err != nil {
			return s.writeError(w, r, err)
		}
	}

	op, err := s.tracker.Start(ctx, plan.key, plan.kind, plan.submit, plan.onSettled...)
	if err != nil {
		if op.ID == "" {
			return s.writeError(w, r, err)
		}
		view := s.viewOp(op)
		return s.writeErrorOp(w, r, err, &view)
	}

	resp, err := json.Marshal(s.viewOp(op))
	if err != nil {
		return s.writeError(w, r, err)
	}
	now := time.Now()
	record := idempotency.Record{
		Fingerprint: fingerprint,
		StatusCode:  http.StatusAccepted,
		Response:    resp,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.cfg.Store.IdempotencyWindow),
	}
	if err := s.store.Save(ctx, key, record); err != nil {
		s.logger.Warn("idempotency record not saved", zap.String("key", key), zap.Error(err))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write(resp)
	return http.StatusAccepted
}

func decodeBody(body []byte, v interface{}) error {
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %v", errBadJSON, err)
	}
	return nil
}

func (s *Server) invalidate(id uint64) txlife.SettledFunc {
	return func(ctx context.Context, _ *types.Receipt) error {
		if s.projection == nil {
			return nil
		}
		return s.projection.Invalidate(ctx, id)
	}
}

func (s *Server) planStart(_ *http.Request, body []byte) (writePlan, error) {
	var in negotiation.StartInput
	if err := decodeBody(body, &in); err != nil {
		return writePlan{}, err
	}
	req, err := negotiation.ValidateStart(in)
	if err != nil {
		return writePlan{}, err
	}
	return writePlan{
		key:  "negotiation:start:" + req.Seller.Hex() + ":" + strings.ToLower(req.Domain),
		kind: kindStart,
		submit: func(ctx context.Context) (*types.Transaction, error) {
			return s.negotiations.StartNegotiation(ctx, s.session, req.Seller, req.Domain, req.InitialOffer)
		},
		onSettled: []txlife.SettledFunc{func(ctx context.Context, receipt *types.Receipt) error {
			ev, err := negotiation.StartedFromReceipt(s.negotiations.Address(), receipt)
			if err != nil {
				return err
			}
			return s.invalidate(ev.NegotiationId.Uint64())(ctx, receipt)
		}},
	}, nil
}

type messageInput struct {
	Content      string `json:"content"`
	Offer        string `json:"offer"`
	IncludeOffer bool   `json:"includeOffer"`
}

func (s *Server) planMessage(r *http.Request, body []byte) (writePlan, error) {
	id, err := pathID(r)
	if err != nil {
		return writePlan{}, err
	}
	var in messageInput
	if err := decodeBody(body, &in); err != nil {
		return writePlan{}, err
	}
	msg, err := negotiation.ComposeMessage(in.Content, in.Offer, in.IncludeOffer, s.symbol())
	if err != nil {
		return writePlan{}, err
	}
	return writePlan{
		key:  negotiationKey(id),
		kind: kindMessage,
		submit: func(ctx context.Context) (*types.Transaction, error) {
			return s.negotiations.SendMessage(ctx, s.session, id, msg.Content, msg.OfferAmount)
		},
		onSettled: []txlife.SettledFunc{s.invalidate(id)},
	}, nil
}

func (s *Server) planAccept(r *http.Request, _ []byte) (writePlan, error) {
	id, err := pathID(r)
	if err != nil {
		return writePlan{}, err
	}
	return writePlan{
		key:  negotiationKey(id),
		kind: kindAccept,
		submit: func(ctx context.Context) (*types.Transaction, error) {
			return s.negotiations.AcceptOffer(ctx, s.session, id)
		},
		onSettled: []txlife.SettledFunc{s.invalidate(id)},
	}, nil
}

type closeInput struct {
	Rejected bool `json:"rejected"`
}

func (s *Server) planClose(r *http.Request, body []byte) (writePlan, error) {
	id, err := pathID(r)
	if err != nil {
		return writePlan{}, err
	}
	var in closeInput
	if err := decodeBody(body, &in); err != nil {
		return writePlan{}, err
	}
	return writePlan{
		key:  negotiationKey(id),
		kind: kindClose,
		submit: func(ctx context.Context) (*types.Transaction, error) {
			return s.negotiations.CloseNegotiation(ctx, s.session, id, in.Rejected)
		},
		onSettled: []txlife.SettledFunc{s.invalidate(id)},
	}, nil
}

type depositInput struct {
	NegotiationID *uint64 `json:"negotiationId"`
}

// planDeposit funds the escrow of an accepted negotiation with its agreed
// price, as offered to the buyer.
func (s *Server) planDeposit(_ *http.Request, body []byte) (writePlan, error) {
	var in depositInput
	if err := decodeBody(body, &in); err != nil {
		return writePlan{}, err
	}
	if in.NegotiationID == nil {
		return writePlan{}, fmt.Errorf("%w: negotiationId is required", negotiation.ErrInvalidInput)
	}
	id := *in.NegotiationID

	var offer escrow.DepositOffer
	return writePlan{
		key:  "escrow:deposit:" + negotiationKey(id),
		kind: kindDeposit,
		prepare: func(ctx context.Context) error {
			n, err := s.readNegotiation(ctx, id)
			if err != nil {
				return err
			}
			o, ok := escrow.DepositFor(n, s.session.Account())
			if !ok {
				return fmt.Errorf("%w: only the buyer of an accepted negotiation can deposit", negotiation.ErrInvalidInput)
			}
			offer = o
			return nil
		},
		submit: func(ctx context.Context) (*types.Transaction, error) {
			return s.escrows.Deposit(ctx, s.session, offer.Seller, offer.Domain, offer.Amount)
		},
	}, nil
}

func (s *Server) planRelease(r *http.Request, _ []byte) (writePlan, error) {
	id, err := pathID(r)
	if err != nil {
		return writePlan{}, err
	}
	return writePlan{
		key:  escrowKey(id),
		kind: kindRelease,
		submit: func(ctx context.Context) (*types.Transaction, error) {
			return s.escrows.Release(ctx, s.session, id)
		},
	}, nil
}

func (s *Server) planRefund(r *http.Request, _ []byte) (writePlan, error) {
	id, err := pathID(r)
	if err != nil {
		return writePlan{}, err
	}
	return writePlan{
		key:  escrowKey(id),
		kind: kindRefund,
		submit: func(ctx context.Context) (*types.Transaction, error) {
			return s.escrows.Refund(ctx, s.session, id)
		},
	}, nil
}
