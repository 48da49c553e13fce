package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"krine/internal/config"
	"krine/internal/escrow"
	"krine/internal/hmacauth"
	"krine/internal/idempotency"
	"krine/internal/negotiation"
	"krine/internal/projection"
	"krine/internal/session"
	"krine/internal/simchain"
	"krine/internal/txlife"
	"krine/internal/units"
)

const testSecret = "test-secret"

var (
	testChainID     = big.NewInt(80002)
	negotiationAddr = common.HexToAddress("0x229016d64ECb1543d52512B207420409E9D0127A")
	escrowAddr      = common.HexToAddress("0x0000000000000000000000000000000000000e5c")
)

type env struct {
	chain        *simchain.Chain
	negotiations *flakyNegotiations
	escrows      *escrow.FakeClient
	projection   *projection.Projection
}

// flakyNegotiations lets a test fail reads on top of the in-memory contract.
type flakyNegotiations struct {
	*negotiation.FakeClient
	readErr error
}

func (f *flakyNegotiations) GetNegotiation(ctx context.Context, id uint64) (negotiation.Negotiation, error) {
	if f.readErr != nil {
		return negotiation.Negotiation{}, f.readErr
	}
	return f.FakeClient.GetNegotiation(ctx, id)
}

func newEnv(t *testing.T) *env {
	t.Helper()
	chain := simchain.New(testChainID)
	negs := &flakyNegotiations{FakeClient: negotiation.NewFakeClient(chain, negotiationAddr)}
	proj := projection.New(negs, chain, projection.Config{Address: negotiationAddr})
	require.NoError(t, proj.Sync(context.Background()))
	return &env{
		chain:        chain,
		negotiations: negs,
		escrows:      escrow.NewFakeClient(chain, escrowAddr),
		projection:   proj,
	}
}

func newSigner(t *testing.T, chainID *big.Int) *session.Session {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	opts, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	require.NoError(t, err)
	return session.New(opts.From, chainID, opts.Signer)
}

func testConfig() *config.AppConfig {
	threshold, _ := units.ParseEther("0.01")
	return &config.AppConfig{
		Service: config.ServiceConfig{HMACSecret: testSecret, HMACClockSkew: time.Minute},
		Chain:   config.ChainConfig{ChainID: testChainID.Int64()},
		Store:   config.StoreConfig{Kind: config.StoreMemory, IdempotencyWindow: time.Hour},
		UI:      config.UIConfig{CurrencySymbol: "MATIC", LowBalanceThreshold: threshold},
	}
}

type client struct {
	t       *testing.T
	srv     *Server
	http    *httptest.Server
	tracker *txlife.Tracker
	sess    *session.Session
}

type serverOption func(*Deps)

func (e *env) serve(t *testing.T, sess *session.Session, opts ...serverOption) *client {
	t.Helper()
	return e.serveWith(t, sess, e.chain, opts...)
}

func (e *env) serveWith(t *testing.T, sess *session.Session, waiter txlife.Waiter, opts ...serverOption) *client {
	t.Helper()
	tracker := txlife.NewTracker(waiter)
	deps := Deps{
		Config:       testConfig(),
		Session:      sess,
		Negotiations: e.negotiations,
		Escrows:      e.escrows,
		Tracker:      tracker,
		Store:        idempotency.NewMemoryStore(),
		Projection:   e.projection,
		Balances:     e.chain,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	srv := NewServer(deps)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		tracker.Close()
	})
	return &client{t: t, srv: srv, http: ts, tracker: tracker, sess: sess}
}

func (c *client) post(path, key string, body interface{}) *http.Response {
	c.t.Helper()
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		require.NoError(c.t, err)
	}
	req, err := http.NewRequest(http.MethodPost, c.http.URL+path, bytes.NewReader(raw))
	require.NoError(c.t, err)
	if key != "" {
		req.Header.Set(headerIdempotencyKey, key)
	}
	require.NoError(c.t, hmacauth.SignRequest(req, testSecret, time.Now()))
	resp, err := c.http.Client().Do(req)
	require.NoError(c.t, err)
	c.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (c *client) get(path string) *http.Response {
	c.t.Helper()
	resp, err := c.http.Client().Get(c.http.URL + path)
	require.NoError(c.t, err)
	c.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

// settle submits a write, expects 202 and waits for the op to finish.
func (c *client) settle(path, key string, body interface{}) opView {
	c.t.Helper()
	resp := c.post(path, key, body)
	require.Equal(c.t, http.StatusAccepted, resp.StatusCode)
	op := decode[opView](c.t, resp)
	require.NotEmpty(c.t, op.ID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	final, err := c.tracker.Wait(ctx, op.ID)
	require.NoError(c.t, err)
	require.Equal(c.t, txlife.StateSettled, final.State, final.Reason)
	return c.srv.viewOp(final)
}

func startBody(seller common.Address, domain, offer string) negotiation.StartInput {
	return negotiation.StartInput{Seller: seller.Hex(), Domain: domain, Offer: offer}
}

func TestStartNegotiationFlow(t *testing.T) {
	e := newEnv(t)
	buyer, seller := newSigner(t, testChainID), newSigner(t, testChainID)
	c := e.serve(t, buyer)

	op := c.settle("/api/v1/negotiations", "start-1", startBody(seller.Account(), "akshat.ai", "0.1"))
	require.Equal(t, kindStart, op.Kind)
	require.NotNil(t, op.NegotiationID)
	id := *op.NegotiationID

	resp := c.get("/api/v1/ops/" + op.ID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	fetched := decode[opView](t, resp)
	require.Equal(t, txlife.StateSettled, fetched.State)
	require.Equal(t, id, *fetched.NegotiationID)

	resp = c.get("/api/v1/negotiations/0")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	view := decode[negotiationView](t, resp)
	require.Equal(t, id, view.Negotiation.ID)
	require.Equal(t, "akshat.ai", view.Negotiation.Domain)
	require.Equal(t, "0.1 MATIC", view.CurrentOffer)
	require.Equal(t, negotiation.Actions{Role: negotiation.RoleBuyer, CanSend: true, CanClose: true}, view.Actions)
	require.Empty(t, view.Messages)
	require.Nil(t, view.Deposit)

	// the settled write reached the projection without a resync
	_, err := e.projection.Negotiation(id)
	require.NoError(t, err)
}

func TestIdempotentReplay(t *testing.T) {
	e := newEnv(t)
	seller := newSigner(t, testChainID)
	c := e.serve(t, newSigner(t, testChainID))
	body := startBody(seller.Account(), "example.io", "1")

	first := c.post("/api/v1/negotiations", "same-key", body)
	require.Equal(t, http.StatusAccepted, first.StatusCode)
	firstBody, err := io.ReadAll(first.Body)
	require.NoError(t, err)

	second := c.post("/api/v1/negotiations", "same-key", body)
	require.Equal(t, http.StatusAccepted, second.StatusCode)
	require.Equal(t, "true", second.Header.Get(headerReplay))
	secondBody, err := io.ReadAll(second.Body)
	require.NoError(t, err)
	require.JSONEq(t, string(firstBody), string(secondBody))

	reused := c.post("/api/v1/negotiations", "same-key", startBody(seller.Account(), "other.io", "1"))
	require.Equal(t, http.StatusUnprocessableEntity, reused.StatusCode)

	count, err := e.negotiations.NegotiationCount(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(1), count)
}

func TestWritesValidateBeforeTheNetwork(t *testing.T) {
	e := newEnv(t)
	seller := newSigner(t, testChainID)
	c := e.serve(t, newSigner(t, testChainID))

	resp := c.post("/api/v1/negotiations", "k1", startBody(seller.Account(), "example.io", "0"))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode[errorBody](t, resp)
	require.Contains(t, body.Error, "Please enter a valid initial offer amount")
	require.NotEmpty(t, body.RequestID)

	resp = c.post("/api/v1/negotiations", "k2", startBody(seller.Account(), "no-dot", "1"))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = c.post("/api/v1/negotiations/0/messages", "k3", messageInput{})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Contains(t, decode[errorBody](t, resp).Error, "Please enter a message")

	resp = c.post("/api/v1/negotiations", "", startBody(seller.Account(), "example.io", "1"))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = c.post("/api/v1/negotiations/x/accept", "k4", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	head, err := e.chain.BlockNumber(context.Background())
	require.NoError(t, err)
	require.Zero(t, head)
}

func TestUnsignedWriteRejected(t *testing.T) {
	e := newEnv(t)
	c := e.serve(t, newSigner(t, testChainID))

	req, err := http.NewRequest(http.MethodPost, c.http.URL+"/api/v1/negotiations", strings.NewReader("{}"))
	require.NoError(t, err)
	req.Header.Set(headerIdempotencyKey, "k")
	resp, err := c.http.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWrongNetworkAndReadOnly(t *testing.T) {
	e := newEnv(t)
	seller := newSigner(t, testChainID)

	wrong := e.serve(t, newSigner(t, big.NewInt(1)))
	resp := wrong.post("/api/v1/negotiations", "k", startBody(seller.Account(), "example.io", "1"))
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Contains(t, decode[errorBody](t, resp).Error, session.ErrWrongNetwork.Error())

	view := decode[sessionView](t, wrong.get("/api/v1/session"))
	require.True(t, view.WrongNetwork)

	ro := e.serve(t, session.ReadOnly(seller.Account(), testChainID))
	resp = ro.post("/api/v1/negotiations", "k", startBody(seller.Account(), "example.io", "1"))
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	count, _ := e.negotiations.NegotiationCount(context.Background())
	require.Zero(t, count)
}

// gatedWaiter holds receipts until release is closed.
type gatedWaiter struct {
	chain   *simchain.Chain
	release chan struct{}
}

func (g *gatedWaiter) WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.chain.WaitMined(ctx, tx)
}

func TestSecondWriteWhileInFlight(t *testing.T) {
	e := newEnv(t)
	buyer, seller := newSigner(t, testChainID), newSigner(t, testChainID)
	c := e.serve(t, buyer)
	c.settle("/api/v1/negotiations", "start", startBody(seller.Account(), "example.io", "1"))

	gate := &gatedWaiter{chain: e.chain, release: make(chan struct{})}
	slow := e.serveWith(t, buyer, gate)

	resp := slow.post("/api/v1/negotiations/0/messages", "m1", messageInput{Content: "hello"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	op := decode[opView](t, resp)
	require.Equal(t, txlife.StateConfirming, op.State)

	view := decode[negotiationView](t, slow.get("/api/v1/negotiations/0"))
	require.True(t, view.InFlight)

	resp = slow.post("/api/v1/negotiations/0/close", "c1", closeInput{})
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	close(gate.release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	final, err := slow.tracker.Wait(ctx, op.ID)
	require.NoError(t, err)
	require.Equal(t, txlife.StateSettled, final.State)

	resp = slow.post("/api/v1/negotiations/0/close", "c2", closeInput{})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestRevertReasonPassesThrough(t *testing.T) {
	e := newEnv(t)
	buyer, seller := newSigner(t, testChainID), newSigner(t, testChainID)
	c := e.serve(t, buyer)
	c.settle("/api/v1/negotiations", "start", startBody(seller.Account(), "example.io", "1"))

	resp := c.post("/api/v1/negotiations/0/accept", "accept", nil)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	body := decode[errorBody](t, resp)
	require.Equal(t, "execution reverted: "+negotiation.ReasonOnlySellerCan, body.Error)
	require.NotNil(t, body.Op)
	require.Equal(t, txlife.StateFailed, body.Op.State)

	// a failed write is not remembered, so the key can be retried
	resp = c.post("/api/v1/negotiations/0/accept", "accept", nil)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	require.Empty(t, resp.Header.Get(headerReplay))

	n, err := e.negotiations.GetNegotiation(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, negotiation.StatusActive, n.Status)
}

func TestWalletRejection(t *testing.T) {
	e := newEnv(t)
	seller := newSigner(t, testChainID)
	c := e.serve(t, newSigner(t, testChainID))

	e.negotiations.RejectNext(errors.New("User rejected the request."))
	resp := c.post("/api/v1/negotiations", "k", startBody(seller.Account(), "example.io", "1"))
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	require.Equal(t, "User rejected the request.", decode[errorBody](t, resp).Error)
}

func TestNotFound(t *testing.T) {
	e := newEnv(t)
	c := e.serve(t, newSigner(t, testChainID))

	for _, path := range []string{"/api/v1/negotiations/42", "/api/v1/escrows/9", "/api/v1/ops/unknown"} {
		resp := c.get(path)
		require.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
	resp := c.get("/api/v1/negotiations/abc")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = c.get("/api/v1/inbox?account=nobody")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestReadFailureIsRetryable(t *testing.T) {
	e := newEnv(t)
	buyer, seller := newSigner(t, testChainID), newSigner(t, testChainID)
	_, err := e.negotiations.StartNegotiation(context.Background(), buyer, seller.Account(), "example.io", big.NewInt(1))
	require.NoError(t, err)

	// without a projection every read goes to the node
	c := e.serve(t, buyer, func(d *Deps) { d.Projection = nil })
	e.negotiations.readErr = errors.New("connection refused")

	resp := c.get("/api/v1/negotiations/0")
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	body := decode[errorBody](t, resp)
	require.True(t, body.Retryable)
	require.Contains(t, body.Error, "connection refused")

	inbox := decode[inboxView](t, c.get("/api/v1/inbox"))
	require.Len(t, inbox.Items, 1)
	require.Nil(t, inbox.Items[0].Summary)
	require.True(t, inbox.Items[0].Retryable)

	e.negotiations.readErr = nil
	resp = c.get("/api/v1/negotiations/0")
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestInboxReadsContractWhileProjectionIncomplete(t *testing.T) {
	e := newEnv(t)
	buyer, seller := newSigner(t, testChainID), newSigner(t, testChainID)
	_, err := e.negotiations.StartNegotiation(context.Background(), buyer, seller.Account(), "example.io", big.NewInt(1))
	require.NoError(t, err)

	// the projection sees the start log but cannot load the negotiation
	e.negotiations.readErr = errors.New("connection refused")
	require.NoError(t, e.projection.Sync(context.Background()))
	require.True(t, e.projection.Synced())
	require.False(t, e.projection.Complete())
	require.Empty(t, e.projection.UserNegotiations(buyer.Account()))
	e.negotiations.readErr = nil

	c := e.serve(t, buyer)
	inbox := decode[inboxView](t, c.get("/api/v1/inbox"))
	require.Equal(t, 1, inbox.Count)
	require.NotNil(t, inbox.Items[0].Summary)
	require.Equal(t, "example.io", inbox.Items[0].Summary.Domain)
}

func TestInbox(t *testing.T) {
	e := newEnv(t)
	buyer, seller := newSigner(t, testChainID), newSigner(t, testChainID)
	c := e.serve(t, buyer)
	c.settle("/api/v1/negotiations", "a", startBody(seller.Account(), "one.io", "0.1"))
	c.settle("/api/v1/negotiations", "b", startBody(seller.Account(), "two.io", "0.2"))

	inbox := decode[inboxView](t, c.get("/api/v1/inbox"))
	require.Equal(t, buyer.Account(), inbox.Account)
	require.Equal(t, 2, inbox.Count)
	require.Equal(t, "one.io", inbox.Items[0].Summary.Domain)
	require.Equal(t, "Buying from", inbox.Items[1].Summary.Direction)
	require.Equal(t, "0.2 MATIC", inbox.Items[1].Summary.CurrentOffer)

	sellerInbox := decode[inboxView](t, c.get("/api/v1/inbox?account="+seller.Account().Hex()))
	require.Equal(t, 2, sellerInbox.Count)
	require.Equal(t, "Selling to", sellerInbox.Items[0].Summary.Direction)
	require.Equal(t, units.ShortAddress(buyer.Account()), sellerInbox.Items[0].Summary.ShortParty)

	empty := decode[inboxView](t, c.get("/api/v1/inbox?account=0x0000000000000000000000000000000000000099"))
	require.Zero(t, empty.Count)
}

func TestDealThroughEscrow(t *testing.T) {
	e := newEnv(t)
	buyer, seller := newSigner(t, testChainID), newSigner(t, testChainID)
	e.chain.Fund(buyer.Account(), big.NewInt(1e18))
	b := e.serve(t, buyer)
	s := e.serve(t, seller)

	id := *b.settle("/api/v1/negotiations", "start", startBody(seller.Account(), "akshat.ai", "0.1")).NegotiationID
	path := "/api/v1/negotiations/0"

	s.settle(path+"/messages", "counter", messageInput{Offer: "0.15", IncludeOffer: true})
	view := decode[negotiationView](t, b.get(path))
	require.Len(t, view.Messages, 1)
	require.Equal(t, "New offer: 0.15 MATIC", view.Messages[0].Content)
	require.Equal(t, "0.15 MATIC", view.Messages[0].Offer)
	require.False(t, view.Messages[0].Mine)
	require.True(t, view.OfferChanged)

	resp := b.post("/api/v1/escrows", "early", depositInput{NegotiationID: &id})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	s.settle(path+"/accept", "accept", nil)
	view = decode[negotiationView](t, b.get(path))
	require.Equal(t, negotiation.StatusAccepted, view.Negotiation.Status)
	require.Equal(t, "150000000000000000", view.AgreedPrice.String())
	require.NotNil(t, view.Deposit)
	require.Equal(t, negotiation.NoticeInactive, view.Actions.Notice)

	// only the buyer is offered the deposit
	require.Nil(t, decode[negotiationView](t, s.get(path)).Deposit)
	resp = s.post("/api/v1/escrows", "seller-deposit", depositInput{NegotiationID: &id})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	dep := b.settle("/api/v1/escrows", "deposit", depositInput{NegotiationID: &id})
	require.NotNil(t, dep.EscrowID)
	escPath := "/api/v1/escrows/0?negotiation=0"

	ev := decode[escrowView](t, b.get(escPath))
	require.Equal(t, "Held", ev.State)
	require.Equal(t, "0.15 MATIC", ev.Amount)
	require.NotNil(t, ev.Matches)
	require.True(t, *ev.Matches)
	require.Equal(t, escrow.Actions{CanRelease: true, CanRefund: true}, ev.Actions)
	require.Equal(t, escrow.Actions{CanRefund: true}, decode[escrowView](t, s.get(escPath)).Actions)

	resp = s.post("/api/v1/escrows/0/release", "seller-release", nil)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)

	before, _ := e.chain.BalanceAt(context.Background(), seller.Account(), nil)
	b.settle("/api/v1/escrows/0/release", "release", nil)
	after, _ := e.chain.BalanceAt(context.Background(), seller.Account(), nil)
	require.Equal(t, "150000000000000000", new(big.Int).Sub(after, before).String())

	ev = decode[escrowView](t, b.get(escPath))
	require.Equal(t, "Released", ev.State)
	require.Equal(t, escrow.Actions{}, ev.Actions)

	resp = b.post("/api/v1/escrows/0/refund", "refund", nil)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	require.Contains(t, decode[errorBody](t, resp).Error, escrow.ReasonFinalized)
}

func TestSessionEndpoint(t *testing.T) {
	e := newEnv(t)
	buyer := newSigner(t, testChainID)
	e.chain.Fund(buyer.Account(), big.NewInt(5e15))
	c := e.serve(t, buyer)

	view := decode[sessionView](t, c.get("/api/v1/session"))
	require.Equal(t, buyer.Account(), view.Account)
	require.False(t, view.WrongNetwork)
	require.True(t, view.CanSign)
	require.Equal(t, "0.005 MATIC", view.BalanceFormatted)
	require.True(t, view.LowBalance)
	require.Equal(t, negotiationAddr, view.Negotiation)
	require.Equal(t, escrowAddr, view.Escrow)
}

func TestHealthAndMetrics(t *testing.T) {
	e := newEnv(t)
	seller := newSigner(t, testChainID)
	c := e.serve(t, newSigner(t, testChainID))
	c.settle("/api/v1/negotiations", "k", startBody(seller.Account(), "example.io", "1"))

	resp := c.get("/api/v1/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	health := decode[map[string]interface{}](t, resp)
	require.Equal(t, "healthy", health["status"])
	require.Equal(t, "closed", health["read_breaker"])

	// observers see the settled transition just after waiters are released
	require.Eventually(t, func() bool {
		resp := c.get("/api/v1/metrics")
		raw, err := io.ReadAll(resp.Body)
		if err != nil || resp.StatusCode != http.StatusOK {
			return false
		}
		return strings.Contains(string(raw), `krine_tx_ops_total{kind="startNegotiation",state="settled"} 1`) &&
			strings.Contains(string(raw), `krine_http_writes_total{route="POST /api/v1/negotiations",status="202"} 1`)
	}, 2*time.Second, 20*time.Millisecond)
}

func TestHealthDegraded(t *testing.T) {
	e := newEnv(t)
	c := e.serve(t, newSigner(t, testChainID), func(d *Deps) {
		d.Ping = func(context.Context) error { return errors.New("dial tcp: refused") }
	})
	resp := c.get("/api/v1/health")
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestStreamPushesOpsAndChanges(t *testing.T) {
	e := newEnv(t)
	seller := newSigner(t, testChainID)
	c := e.serve(t, newSigner(t, testChainID))

	url := "ws" + strings.TrimPrefix(c.http.URL, "http") + "/api/v1/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return c.srv.hub.count() == 1 }, time.Second, 10*time.Millisecond)

	c.settle("/api/v1/negotiations", "k", startBody(seller.Account(), "example.io", "1"))

	var states []txlife.State
	sawChange := false
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for !sawChange || len(states) < 3 {
		var ev Event
		require.NoError(t, conn.ReadJSON(&ev))
		switch ev.Type {
		case EventOp:
			states = append(states, ev.Op.State)
		case EventNegotiation:
			require.Equal(t, uint64(0), *ev.NegotiationID)
			sawChange = true
		}
	}
	require.Equal(t, []txlife.State{txlife.StatePending, txlife.StateConfirming, txlife.StateSettled}, states[:3])
}
