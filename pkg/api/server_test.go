package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"

	"github.com/uhyunpark/dicebet/pkg/bet"
	"github.com/uhyunpark/dicebet/pkg/quote"
	"github.com/uhyunpark/dicebet/pkg/session"
	"github.com/uhyunpark/dicebet/pkg/storage"
	"github.com/uhyunpark/dicebet/pkg/swap"
	"github.com/uhyunpark/dicebet/pkg/units"
)

var player = common.HexToAddress("0x00000000000000000000000000000000000000a1")

type fakeSession struct {
	mu       sync.Mutex
	handlers session.Handlers
	wager    *bet.Wager
	placeErr error
	newErr   error
	quoteErr error
	swapErr  error
	stakes   []*big.Int
	limit    int
}

func (f *fakeSession) Player() common.Address { return player }
func (f *fakeSession) SetHandlers(h session.Handlers) {
	f.mu.Lock()
	f.handlers = h
	f.mu.Unlock()
}

func (f *fakeSession) PlaceBet(_ context.Context, choice int, stake *big.Int) (bet.Wager, error) {
	f.stakes = append(f.stakes, stake)
	if f.placeErr != nil {
		return bet.Wager{}, f.placeErr
	}
	return bet.Wager{Player: player, Choice: uint8(choice), Stake: stake, Status: bet.StatusAwaitingConfirmation}, nil
}

func (f *fakeSession) CurrentWager() (bet.Wager, bool) {
	if f.wager == nil {
		return bet.Wager{}, false
	}
	return *f.wager, true
}

func (f *fakeSession) NewRound() error { return f.newErr }
func (f *fakeSession) Abandon()        {}
func (f *fakeSession) Limits() bet.Limits {
	return bet.Limits{MinStake: big.NewInt(1e15), MaxStake: big.NewInt(1e18)}
}

func (f *fakeSession) History(limit int) ([]storage.Round, error) {
	f.limit = limit
	return []storage.Round{{BetID: "2"}, {BetID: "1"}}, nil
}

func (f *fakeSession) QuoteWinnings(ctx context.Context) (quote.PriceQuote, error) {
	if f.quoteErr != nil {
		return quote.PriceQuote{}, f.quoteErr
	}
	return f.Quote(ctx, "2000000000000000000")
}

func (f *fakeSession) Quote(_ context.Context, amount string) (quote.PriceQuote, error) {
	if f.quoteErr != nil {
		return quote.PriceQuote{}, f.quoteErr
	}
	return quote.PriceQuote{SourceAmount: amount, TargetAmount: "4800", Provider: "fallback", Sell: units.MON, Buy: units.USDC}, nil
}

func (f *fakeSession) Swap(_ context.Context, q quote.PriceQuote) (swap.Ticket, swap.Confirmation, error) {
	t := swap.BuildTicket(q, time.Minute)
	if f.swapErr != nil {
		t.State = swap.StateFailed
		return t, swap.Confirmation{}, f.swapErr
	}
	t.State = swap.StateConfirmed
	return t, swap.Confirmation{BlockNumber: 3}, nil
}

func (f *fakeSession) emitWager(w bet.Wager) {
	f.mu.Lock()
	h := f.handlers.OnWager
	f.mu.Unlock()
	h(w)
}

func newTestServer(f *fakeSession) *Server {
	return NewServer(f, Info{ChainID: 10143, Contract: "0xabc", WinMultiplier: 2, QuoteTiers: []string{"real", "fallback"}, Sell: units.MON, Buy: units.USDC}, nil)
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestGetConfig(t *testing.T) {
	s := newTestServer(&fakeSession{})
	rec := do(t, s, "GET", "/api/v1/config", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp ConfigResponse
	decode(t, rec, &resp)
	if resp.Player != player.Hex() || resp.ChainID != 10143 || resp.Limits.MinStakeDisplay != "0.001" || resp.Buy.Symbol != "USDC" {
		t.Errorf("config = %+v", resp)
	}
}

func TestPlaceBet(t *testing.T) {
	f := &fakeSession{}
	s := newTestServer(f)

	rec := do(t, s, "POST", "/api/v1/bets", `{"choice":4,"stake":"0.01"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
	var info WagerInfo
	decode(t, rec, &info)
	if info.Stake != "10000000000000000" || info.Status != "AwaitingConfirmation" || info.Choice != 4 {
		t.Errorf("wager = %+v", info)
	}
}

func TestPlaceBet_BadInput(t *testing.T) {
	bodies := map[string]string{
		"not json":       `{`,
		"negative stake": `{"choice":1,"stake":"-1"}`,
		"too precise":    `{"choice":1,"stake":"0.0000000000000000001"}`,
		"garbage stake":  `{"choice":1,"stake":"lots"}`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			f := &fakeSession{}
			rec := do(t, newTestServer(f), "POST", "/api/v1/bets", body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
			if len(f.stakes) != 0 {
				t.Error("session was called for malformed input")
			}
		})
	}
}

func TestPlaceBet_RejectionStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
		reason string
	}{
		{bet.ErrInvalidChoice, http.StatusBadRequest, "InvalidChoice"},
		{bet.ErrStakeOutOfRange, http.StatusBadRequest, "StakeOutOfRange"},
		{bet.ErrInsufficientBalance, http.StatusPaymentRequired, "InsufficientBalance"},
		{bet.ErrPendingBetExists, http.StatusConflict, "PendingBetExists"},
		{bet.ErrNotConnected, http.StatusUnauthorized, "NotConnected"},
		{bet.ErrUserRejected, http.StatusForbidden, "UserRejected"},
		{bet.ErrReverted, http.StatusUnprocessableEntity, "Reverted"},
		{errors.New("boom"), http.StatusInternalServerError, "bet failed"},
	}
	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			rec := do(t, newTestServer(&fakeSession{placeErr: tt.err}), "POST", "/api/v1/bets", `{"choice":1,"stake":"0.01"}`)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			var resp ErrorResponse
			decode(t, rec, &resp)
			if resp.Error != tt.reason {
				t.Errorf("error = %q, want %q", resp.Error, tt.reason)
			}
		})
	}
}

func TestGetWager(t *testing.T) {
	f := &fakeSession{}
	s := newTestServer(f)

	var empty WagerResponse
	decode(t, do(t, s, "GET", "/api/v1/wager", ""), &empty)
	if empty.Active || empty.Wager != nil {
		t.Errorf("no wager: %+v", empty)
	}

	f.wager = &bet.Wager{
		ID:      big.NewInt(9),
		Player:  player,
		Choice:  2,
		Stake:   big.NewInt(1e18),
		Status:  bet.StatusResolved,
		Outcome: &bet.Outcome{RolledValue: 2, IsWinner: true, Payout: big.NewInt(2e18)},
	}
	var resp WagerResponse
	decode(t, do(t, s, "GET", "/api/v1/wager", ""), &resp)
	if resp.Active || resp.Wager == nil || resp.Wager.ID != "9" || resp.Wager.Outcome.PayoutDisplay != "2.0000" {
		t.Errorf("resolved wager: %+v", resp.Wager)
	}
}

func TestRounds(t *testing.T) {
	f := &fakeSession{}
	s := newTestServer(f)

	var resp RoundsResponse
	decode(t, do(t, s, "GET", "/api/v1/rounds?limit=5", ""), &resp)
	if len(resp.Rounds) != 2 || f.limit != 5 {
		t.Errorf("rounds = %+v limit = %d", resp.Rounds, f.limit)
	}
	if rec := do(t, s, "GET", "/api/v1/rounds?limit=x", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", rec.Code)
	}

	if rec := do(t, s, "POST", "/api/v1/rounds/new", ""); rec.Code != http.StatusOK {
		t.Errorf("new round status = %d", rec.Code)
	}
	f.newErr = bet.ErrWagerInFlight
	if rec := do(t, s, "POST", "/api/v1/rounds/new", ""); rec.Code != http.StatusConflict {
		t.Errorf("new round in flight status = %d", rec.Code)
	}
	if rec := do(t, s, "POST", "/api/v1/rounds/abandon", ""); rec.Code != http.StatusOK {
		t.Errorf("abandon status = %d", rec.Code)
	}
}

func TestQuotes(t *testing.T) {
	f := &fakeSession{}
	s := newTestServer(f)

	rec := do(t, s, "GET", "/api/v1/quotes?amount=2000000000000000000", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp QuoteResponse
	decode(t, rec, &resp)
	if resp.Quote.TargetAmount != "4800" || resp.TargetDisplay != "0.00" || resp.SourceDisplay != "2.0000" {
		t.Errorf("quote = %+v", resp)
	}

	f.quoteErr = fmt.Errorf("%w: %q", quote.ErrInvalidAmount, "abc")
	if rec := do(t, s, "GET", "/api/v1/quotes?amount=abc", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid amount status = %d", rec.Code)
	}
	f.quoteErr = session.ErrNoWinnings
	if rec := do(t, s, "GET", "/api/v1/quotes/winnings", ""); rec.Code != http.StatusConflict {
		t.Errorf("no winnings status = %d", rec.Code)
	}
}

func TestSwap(t *testing.T) {
	body := `{"quote":{"sourceAmount":"2000000000000000000","targetAmount":"4800","provider":"fallback"}}`

	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"confirmed", nil, http.StatusOK},
		{"reverted", &swap.ExecutionError{Kind: swap.Reverted}, http.StatusBadGateway},
		{"timeout", &swap.ExecutionError{Kind: swap.Timeout}, http.StatusBadGateway},
		{"used", swap.ErrTicketUsed, http.StatusConflict},
		{"invalid", quote.ErrInvalidAmount, http.StatusBadRequest},
		{"foreign pair", session.ErrAssetMismatch, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, newTestServer(&fakeSession{swapErr: tt.err}), "POST", "/api/v1/swaps", body)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.status, rec.Body)
			}
		})
	}

	if rec := do(t, newTestServer(&fakeSession{}), "POST", "/api/v1/swaps", "nope"); rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body status = %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	if rec := do(t, newTestServer(&fakeSession{}), "GET", "/health", ""); rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestWebSocketBroadcastsWagerChanges(t *testing.T) {
	f := &fakeSession{}
	s := newTestServer(f)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.hub.Run(ctx)

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for s.hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	f.emitWager(bet.Wager{Player: player, Choice: 5, Stake: big.NewInt(1), Status: bet.StatusSubmitted})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg struct {
		Type string    `json:"type"`
		Data WagerInfo `json:"data"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != ChannelWager || msg.Data.Choice != 5 || msg.Data.Status != "Submitted" {
		t.Errorf("message = %+v", msg)
	}
}
