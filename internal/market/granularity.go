package market

import (
	"fmt"
	"time"
)

// Granularity is the fixed bucket duration of a candle series.
type Granularity string

const (
	OneMinute     Granularity = "1m"
	FiveMinute    Granularity = "5m"
	FifteenMinute Granularity = "15m"
	OneHour       Granularity = "1h"
	FourHour      Granularity = "4h"
	OneDay        Granularity = "1d"
)

// Granularities lists every supported granularity, finest first.
var Granularities = []Granularity{
	OneMinute, FiveMinute, FifteenMinute, OneHour, FourHour, OneDay,
}

// ParseGranularity maps a config string to a Granularity.
func ParseGranularity(s string) (Granularity, error) {
	switch Granularity(s) {
	case OneMinute, FiveMinute, FifteenMinute, OneHour, FourHour, OneDay:
		return Granularity(s), nil
	}
	return "", fmt.Errorf("unsupported granularity: %q", s)
}

// Duration returns the bucket length.
func (g Granularity) Duration() time.Duration {
	switch g {
	case OneMinute:
		return time.Minute
	case FiveMinute:
		return 5 * time.Minute
	case FifteenMinute:
		return 15 * time.Minute
	case OneHour:
		return time.Hour
	case FourHour:
		return 4 * time.Hour
	case OneDay:
		return 24 * time.Hour
	}
	return time.Minute
}

// CoinbaseName returns the Advanced Trade API granularity encoding.
func (g Granularity) CoinbaseName() string {
	switch g {
	case OneMinute:
		return "ONE_MINUTE"
	case FiveMinute:
		return "FIVE_MINUTE"
	case FifteenMinute:
		return "FIFTEEN_MINUTE"
	case OneHour:
		return "ONE_HOUR"
	case FourHour:
		return "FOUR_HOUR"
	case OneDay:
		return "ONE_DAY"
	}
	return "ONE_MINUTE"
}

// Table returns the ClickHouse table this granularity is persisted to.
// Unknown granularities route to the 1m table.
func (g Granularity) Table() string {
	switch g {
	case OneMinute, FiveMinute, FifteenMinute, OneHour, FourHour, OneDay:
		return fmt.Sprintf("bars_%s_spot", g)
	}
	return "bars_1m_spot"
}

// DefaultLookback is the historical window fetched when no prior data exists
// for an instrument at this granularity.
func (g Granularity) DefaultLookback() time.Duration {
	const day = 24 * time.Hour
	switch g {
	case OneMinute:
		return 7 * day
	case FiveMinute:
		return 30 * day
	case FifteenMinute:
		return 60 * day
	case OneHour:
		return 90 * day
	case FourHour:
		return 180 * day
	case OneDay:
		return 365 * day
	}
	return day
}
