// helpers.go: shared plumbing for the venue REST clients.
package exchange

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"twap-trading-api/pkg/types"
)

const (
	restTimeout        = 30 * time.Second // per-request budget for venue REST calls
	malformedRetryWait = 5 * time.Second  // pause before the single retry of a bad page
)

// newRESTClient builds a resty client the way every adapter wants it:
// pinned base URL, 30s per-request timeout, one automatic retry on 5xx.
func newRESTClient(baseURL string) *resty.Client {
	return resty.New().
		SetBaseURL(baseURL).
		SetTimeout(restTimeout).
		SetRetryCount(1).
		SetRetryWaitTime(500 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")
}

// withPageRetry runs one candle-page fetch, sleeping 5s and retrying once on
// failure before surfacing ErrUpstreamUnavailable.
func withPageRetry(ctx context.Context, fetch func() error) error {
	if err := fetch(); err == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(malformedRetryWait):
	}
	if err := fetch(); err != nil {
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	return nil
}

// parseStringKline decodes one all-strings kline row. unit scales the raw
// timestamp (time.Millisecond or time.Second depending on venue). The raw
// timestamp is returned alongside for dedupe keys.
func parseStringKline(ts, open, high, low, clos, volume string, unit time.Duration) (types.Candle, int64, error) {
	raw, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return types.Candle{}, 0, err
	}
	c := types.Candle{OpenTime: time.Unix(0, raw*int64(unit)).UTC()}
	dsts := []*decimal.Decimal{&c.Open, &c.High, &c.Low, &c.Close, &c.Volume}
	for i, src := range []string{open, high, low, clos, volume} {
		v, err := decimal.NewFromString(src)
		if err != nil {
			return types.Candle{}, 0, err
		}
		*dsts[i] = v
	}
	return c, raw, nil
}

// cellDecimal converts one kline array cell (venue JSON mixes strings and
// numbers) to a decimal.
func cellDecimal(v any) (decimal.Decimal, error) {
	switch c := v.(type) {
	case string:
		return decimal.NewFromString(c)
	case float64:
		return decimal.NewFromFloat(c), nil
	default:
		return decimal.Decimal{}, fmt.Errorf("unexpected kline cell %T", v)
	}
}

// cellInt64 converts a kline timestamp cell to an integer.
func cellInt64(v any) (int64, error) {
	switch c := v.(type) {
	case string:
		return strconv.ParseInt(c, 10, 64)
	case float64:
		return int64(c), nil
	default:
		return 0, fmt.Errorf("unexpected timestamp cell %T", v)
	}
}
