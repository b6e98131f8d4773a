package exchange

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestCoinbaseTradingPairsStripDash(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/products" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `[{"id":"BTC-USD"},{"id":"ETH-USD"}]`)
	}))
	defer srv.Close()

	c := NewCoinbase(testLogger(), "", "")
	c.rest = newRESTClient(srv.URL)

	pairs, err := c.TradingPairs(context.Background())
	if err != nil {
		t.Fatalf("TradingPairs: %v", err)
	}
	if pairs["BTCUSD"] != "BTC-USD" {
		t.Fatalf("canonical mapping wrong: %v", pairs)
	}
}

func TestCoinbaseCandlesFieldOrder(t *testing.T) {
	t.Parallel()

	base := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/products":
			fmt.Fprint(w, `[{"id":"BTC-USD"}]`)
		case "/products/BTC-USD/candles":
			// Rows are [time, low, high, open, close, volume], newest first.
			fmt.Fprintf(w, `[[%d,90,110,100,105,12.5],[%d,91,111,101,106,2.5]]`,
				base.Add(time.Minute).Unix(), base.Unix())
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewCoinbase(testLogger(), "", "")
	c.rest = newRESTClient(srv.URL)

	candles, err := c.Candles(context.Background(), "BTCUSD", "1m", base, base.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("Candles: %v", err)
	}
	if len(candles) != 2 {
		t.Fatalf("expected 2 candles, got %d", len(candles))
	}
	first := candles[0]
	if !first.OpenTime.Equal(base) {
		t.Errorf("not ascending: first open %v", first.OpenTime)
	}
	if first.Open.String() != "101" || first.Low.String() != "91" || first.High.String() != "111" {
		t.Errorf("field order wrong: %+v", first)
	}
}

func TestCoinbaseCandlesRejectsUnknownInterval(t *testing.T) {
	t.Parallel()

	c := NewCoinbase(testLogger(), "", "")
	_, err := c.Candles(context.Background(), "BTCUSD", "3m", time.Now().Add(-time.Hour), time.Now())
	if err == nil {
		t.Fatal("expected error for 3m interval")
	}
}

func TestCoinbaseMintJWT(t *testing.T) {
	t.Parallel()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	pemKey := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})

	c := NewCoinbase(testLogger(), "org/key-id", string(pemKey))
	signed, err := c.mintJWT()
	if err != nil {
		t.Fatalf("mintJWT: %v", err)
	}

	token, err := jwt.Parse(signed, func(*jwt.Token) (any, error) { return &key.PublicKey, nil },
		jwt.WithValidMethods([]string{"ES256"}))
	if err != nil || !token.Valid {
		t.Fatalf("token does not verify: %v", err)
	}
	claims := token.Claims.(jwt.MapClaims)
	if claims["iss"] != "org/key-id" || claims["sub"] != "org/key-id" {
		t.Errorf("iss/sub wrong: %v", claims)
	}
	exp, _ := claims.GetExpirationTime()
	if until := time.Until(exp.Time); until < 4*time.Minute || until > 6*time.Minute {
		t.Errorf("expiry outside 5-minute window: %v", until)
	}
}
