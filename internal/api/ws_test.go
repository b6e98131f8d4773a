package api

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialWS(t *testing.T, ts *testServer) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]json.RawMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var frame map[string]json.RawMessage
	if err := json.Unmarshal(payload, &frame); err != nil {
		t.Fatalf("bad frame %s: %v", payload, err)
	}
	return frame
}

func frameString(t *testing.T, frame map[string]json.RawMessage, key string) string {
	t.Helper()
	raw, ok := frame[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		t.Fatalf("frame[%s] = %s: %v", key, raw, err)
	}
	return s
}

func TestWSWelcome(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)
	conn := dialWS(t, ts)

	frame := readFrame(t, conn)
	if frameString(t, frame, "type") != "welcome" {
		t.Fatalf("first frame = %v", frame)
	}
	if frameString(t, frame, "message") != "Welcome to Twap-Trading-API WebSocket" {
		t.Errorf("welcome message = %q", frameString(t, frame, "message"))
	}
}

func TestWSSubscribeLifecycle(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, liquidBooks())
	conn := dialWS(t, ts)
	readFrame(t, conn) // welcome

	sub := map[string]any{"action": "subscribe", "symbol": "BTCUSDT", "exchanges": []string{"Binance", "Coinbase"}}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatal(err)
	}
	frame := readFrame(t, conn)
	if frameString(t, frame, "type") != "subscribe_success" {
		t.Fatalf("expected subscribe_success, got %v", frame)
	}
	if frameString(t, frame, "message") != "Subscribed to BTCUSDT" {
		t.Errorf("message = %q", frameString(t, frame, "message"))
	}

	// The broadcast delivers consolidated book frames.
	frame = readFrame(t, conn)
	if frameString(t, frame, "type") != "order_book_update" {
		t.Fatalf("expected order_book_update, got %v", frame)
	}
	var book struct {
		Bids map[string][2]any `json:"bids"`
		Asks map[string][2]any `json:"asks"`
	}
	if err := json.Unmarshal(frame["order_book"], &book); err != nil {
		t.Fatalf("order_book: %v", err)
	}
	bid, ok := book.Bids["99500"]
	if !ok {
		t.Fatalf("bids = %v", book.Bids)
	}
	if bid[0].(float64) != 10 || bid[1].(string) != "Binance" {
		t.Errorf("bid level = %v", bid)
	}

	// Second subscribe to the same symbol fails.
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatal(err)
	}
	frame = waitForType(t, conn, "subscribe_failure")
	if frameString(t, frame, "message") != "Already subscribed to BTCUSDT" {
		t.Errorf("failure message = %q", frameString(t, frame, "message"))
	}

	// Unsubscribe tears the subscription down.
	if err := conn.WriteJSON(map[string]any{"action": "unsubscribe", "symbol": "BTCUSDT"}); err != nil {
		t.Fatal(err)
	}
	frame = waitForType(t, conn, "unsubscribe_success")
	if frameString(t, frame, "message") != "Unsubscribed from BTCUSDT" {
		t.Errorf("unsubscribe message = %q", frameString(t, frame, "message"))
	}
}

// waitForType skips interleaved book updates until a frame of the wanted type
// arrives.
func waitForType(t *testing.T, conn *websocket.Conn, want string) map[string]json.RawMessage {
	t.Helper()
	for i := 0; i < 50; i++ {
		frame := readFrame(t, conn)
		if frameString(t, frame, "type") == want {
			return frame
		}
	}
	t.Fatalf("no %s frame within 50 reads", want)
	return nil
}

func TestWSUnsubscribeWithoutSubscription(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)
	conn := dialWS(t, ts)
	readFrame(t, conn) // welcome

	if err := conn.WriteJSON(map[string]any{"action": "unsubscribe", "symbol": "ETHUSDT"}); err != nil {
		t.Fatal(err)
	}
	frame := readFrame(t, conn)
	if frameString(t, frame, "type") != "unsubscribe_failure" {
		t.Fatalf("expected unsubscribe_failure, got %v", frame)
	}
	if frameString(t, frame, "error") != "Cannot unsubscribe from ETHUSDT: Not subscribed." {
		t.Errorf("error = %q", frameString(t, frame, "error"))
	}
}

func TestWSRejectsMalformedFrames(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)
	conn := dialWS(t, ts)
	readFrame(t, conn) // welcome

	// Invalid JSON keeps the session alive.
	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	frame := readFrame(t, conn)
	if frameString(t, frame, "error") != "Invalid JSON" {
		t.Fatalf("bad JSON frame = %v", frame)
	}

	// Subscribe without exchanges.
	if err := conn.WriteJSON(map[string]any{"action": "subscribe", "symbol": "BTCUSDT"}); err != nil {
		t.Fatal(err)
	}
	frame = readFrame(t, conn)
	if frameString(t, frame, "error") != "Missing symbol or exchanges" {
		t.Fatalf("missing exchanges frame = %v", frame)
	}

	// Unknown action.
	if err := conn.WriteJSON(map[string]any{"action": "snoop", "symbol": "BTCUSDT", "exchanges": []string{"Binance"}}); err != nil {
		t.Fatal(err)
	}
	frame = readFrame(t, conn)
	if frameString(t, frame, "error") != "Unknown action" {
		t.Fatalf("unknown action frame = %v", frame)
	}

	// The connection still works after every rejection.
	if err := conn.WriteJSON(map[string]any{"action": "unsubscribe", "symbol": "BTCUSDT"}); err != nil {
		t.Fatal(err)
	}
	frame = readFrame(t, conn)
	if frameString(t, frame, "type") != "unsubscribe_failure" {
		t.Fatalf("session died after rejected frames: %v", frame)
	}
}
