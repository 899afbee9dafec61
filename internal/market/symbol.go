// Package market holds the domain model for spot market data: symbols,
// granularities, raw exchange candles and validated storage bars.
package market

import (
	"fmt"
	"strings"
)

// Symbol is a base-asset ticker. The set is closed; anything else fails
// ParseSymbol with an UnknownSymbolError.
type Symbol string

const (
	BTC   Symbol = "BTC"
	ETH   Symbol = "ETH"
	SOL   Symbol = "SOL"
	ADA   Symbol = "ADA"
	DOT   Symbol = "DOT"
	BNB   Symbol = "BNB"
	XRP   Symbol = "XRP"
	DOGE  Symbol = "DOGE"
	TRX   Symbol = "TRX"
	AVAX  Symbol = "AVAX"
	SHIB  Symbol = "SHIB"
	MATIC Symbol = "MATIC"
	LINK  Symbol = "LINK"
	UNI   Symbol = "UNI"
	ATOM  Symbol = "ATOM"
)

var symbols = map[string]Symbol{
	"BTC": BTC, "ETH": ETH, "SOL": SOL, "ADA": ADA, "DOT": DOT,
	"BNB": BNB, "XRP": XRP, "DOGE": DOGE, "TRX": TRX, "AVAX": AVAX,
	"SHIB": SHIB, "MATIC": MATIC, "LINK": LINK, "UNI": UNI, "ATOM": ATOM,
}

// legacyAliases maps full instrument strings that predate the BASE-QUOTE
// parsing rule. Kept for compatibility with old job configs; do not extend.
var legacyAliases = map[string]Symbol{
	"BTC-USD":  BTC,
	"BTC-USDC": BTC,
	"ETH-USD":  ETH,
	"ETH-USDC": ETH,
}

// UnknownSymbolError reports an input that is not in the symbol enumeration.
type UnknownSymbolError struct {
	Input string
}

func (e *UnknownSymbolError) Error() string {
	return fmt.Sprintf("unsupported symbol: %q", e.Input)
}

// ParseSymbol extracts the base ticker from inputs like "BTC-USD", "btc-usdc"
// or a bare "BTC". Unknown tickers fail unless the full input has a legacy alias.
func ParseSymbol(s string) (Symbol, error) {
	cleaned := strings.ToUpper(strings.TrimSpace(s))

	base := cleaned
	if i := strings.Index(cleaned, "-"); i >= 0 {
		base = cleaned[:i]
	}

	if sym, ok := symbols[base]; ok {
		return sym, nil
	}
	if sym, ok := legacyAliases[cleaned]; ok {
		return sym, nil
	}
	return "", &UnknownSymbolError{Input: s}
}

// Instrument is a parsed "BASE-QUOTE" pair, e.g. BTC-USD.
type Instrument struct {
	Base  Symbol
	Quote string
}

// ParseInstrument validates a compound instrument string. The base part must
// be a known Symbol; a bare base with no quote is rejected because persisted
// instrument identity always includes the quote currency.
func ParseInstrument(s string) (Instrument, error) {
	cleaned := strings.ToUpper(strings.TrimSpace(s))
	parts := strings.Split(cleaned, "-")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Instrument{}, fmt.Errorf("instrument must be BASE-QUOTE (e.g. BTC-USD), got %q", s)
	}

	sym, err := ParseSymbol(parts[0])
	if err != nil {
		return Instrument{}, err
	}
	return Instrument{Base: sym, Quote: parts[1]}, nil
}

// String returns the canonical "BASE-QUOTE" form.
func (in Instrument) String() string {
	return string(in.Base) + "-" + in.Quote
}
