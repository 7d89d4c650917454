package exchange

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDispatchOHLCDeliversItem(t *testing.T) {
	s := newSocket(PublicWSURL, false, nil, testLogger())

	msg := []byte(`{"channel":"ohlc","type":"update","data":[{"symbol":"DOGE/USD","interval":5,"open":0.1,"high":0.11,"low":0.09,"close":0.105,"volume":1000}]}`)
	s.dispatch(msg)

	select {
	case frame := <-s.ohlcCh:
		if frame.Item.Symbol != "DOGE/USD" || frame.Type != "update" {
			t.Fatalf("unexpected frame: %+v", frame)
		}
	case <-time.After(time.Second):
		t.Fatal("expected ohlc frame delivered")
	}
}

func TestDispatchBookDeliversSnapshot(t *testing.T) {
	s := newSocket(PublicWSURL, false, nil, testLogger())

	msg := []byte(`{"channel":"book","type":"snapshot","data":[{"symbol":"DOGE/USD","bids":[{"price":0.1,"qty":10}],"asks":[{"price":0.11,"qty":5}]}]}`)
	s.dispatch(msg)

	select {
	case frame := <-s.bookCh:
		if frame.Symbol != "DOGE/USD" || frame.Type != "snapshot" || len(frame.Item.Bids) != 1 {
			t.Fatalf("unexpected frame: %+v", frame)
		}
	case <-time.After(time.Second):
		t.Fatal("expected book frame delivered")
	}
}

func TestDispatchExecutionsFiltersNonTrade(t *testing.T) {
	s := newSocket(PrivateWSURL, true, nil, testLogger())

	msg := []byte(`{"channel":"executions","type":"update","data":[{"exec_type":"new","order_id":"A"},{"exec_type":"trade","order_id":"B","exec_qty":1,"exec_price":0.1}]}`)
	s.dispatch(msg)

	select {
	case item := <-s.execCh:
		if item.OrderID != "B" {
			t.Fatalf("expected only the trade execution delivered, got %+v", item)
		}
	case <-time.After(time.Second):
		t.Fatal("expected execution item delivered")
	}

	select {
	case item := <-s.execCh:
		t.Fatalf("expected no second item, got %+v", item)
	default:
	}
}

func TestDispatchIgnoresHeartbeatAndStatus(t *testing.T) {
	s := newSocket(PublicWSURL, false, nil, testLogger())

	s.dispatch([]byte(`{"channel":"heartbeat"}`))
	s.dispatch([]byte(`{"channel":"status","data":[{"system":"online"}]}`))

	select {
	case <-s.ohlcCh:
		t.Fatal("did not expect ohlc delivery from heartbeat/status")
	case <-s.bookCh:
		t.Fatal("did not expect book delivery from heartbeat/status")
	default:
	}
}

func TestDispatchUnknownChannelDoesNotPanic(t *testing.T) {
	s := newSocket(PublicWSURL, false, nil, testLogger())
	s.dispatch([]byte(`{"channel":"instrument","data":[]}`))
}

func TestWriteJSONFailsWhenNotConnected(t *testing.T) {
	s := newSocket(PublicWSURL, false, nil, testLogger())
	if err := s.writeJSON(map[string]string{"a": "b"}); err == nil {
		t.Fatal("expected error writing to unconnected socket")
	}
}

func TestSubscribeOHLCBeforeConnectRegistersWithoutError(t *testing.T) {
	s := newSocket(PublicWSURL, false, nil, testLogger())
	if err := s.SubscribeOHLC("DOGE/USD", 5); err != nil {
		t.Fatalf("expected pre-connect subscribe to register without error, got %v", err)
	}
	s.subsMu.Lock()
	_, ok := s.subs[subKey{Channel: "ohlc", Symbol: "DOGE/USD", Interval: 5}]
	s.subsMu.Unlock()
	if !ok {
		t.Fatal("expected subscription durably registered despite the socket being unconnected")
	}
}

func TestUnsubscribeUnknownKeyIsNoop(t *testing.T) {
	s := newSocket(PublicWSURL, false, nil, testLogger())
	if err := s.Unsubscribe(subKey{Channel: "ohlc", Symbol: "DOGE/USD", Interval: 5}); err != nil {
		t.Fatalf("expected no-op unsubscribe, got %v", err)
	}
}

func TestTokenCacheFetchesOnceUntilNearExpiry(t *testing.T) {
	calls := 0
	tc := &tokenCache{
		fetch: func(ctx context.Context) (string, int, error) {
			calls++
			return "tok", 900, nil // 15 minutes
		},
	}

	tok1, err := tc.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	tok2, err := tc.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if tok1 != "tok" || tok2 != "tok" {
		t.Fatalf("unexpected tokens: %q %q", tok1, tok2)
	}
	if calls != 1 {
		t.Fatalf("expected single fetch due to caching, got %d calls", calls)
	}
}

func TestTokenCacheRefetchesAfterExpiry(t *testing.T) {
	calls := 0
	tc := &tokenCache{
		fetch: func(ctx context.Context) (string, int, error) {
			calls++
			return "tok", 5, nil // expires almost immediately given the 5s safety margin
		},
	}

	if _, err := tc.Get(context.Background()); err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := tc.Get(context.Background()); err != nil {
		t.Fatal(err)
	}
	if calls < 2 {
		t.Fatalf("expected refetch once cached token is past its safety margin, got %d calls", calls)
	}
}

func TestTokenCachePropagatesFetchError(t *testing.T) {
	tc := &tokenCache{
		fetch: func(ctx context.Context) (string, int, error) {
			return "", 0, errors.New("boom")
		},
	}
	if _, err := tc.Get(context.Background()); err == nil {
		t.Fatal("expected fetch error propagated")
	}
}
