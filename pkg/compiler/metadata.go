package compiler

import (
	"regexp"
	"strings"
)

// PaymentConfig is the payment requirement declared by the handler.
type PaymentConfig struct {
	Price string `json:"price"`
	Payee string `json:"payee"`
}

// Endpoint is one declared method/path pair.
type Endpoint struct {
	Method string `json:"method"`
	Path   string `json:"path"`
}

// Metadata is read from source text. It is informational; routing is done by
// the handler itself.
type Metadata struct {
	HasPayment    bool           `json:"hasPayment"`
	PaymentConfig *PaymentConfig `json:"paymentConfig,omitempty"`
	Endpoints     []Endpoint     `json:"endpoints"`
}

// AsMap renders the metadata as plain JSON-compatible values.
func (m Metadata) AsMap() map[string]any {
	endpoints := make([]any, 0, len(m.Endpoints))
	for _, ep := range m.Endpoints {
		endpoints = append(endpoints, map[string]any{"method": ep.Method, "path": ep.Path})
	}
	out := map[string]any{
		"has_payment": m.HasPayment,
		"endpoints":   endpoints,
	}
	if m.PaymentConfig != nil {
		out["payment"] = map[string]any{"price": m.PaymentConfig.Price, "payee": m.PaymentConfig.Payee}
	}
	return out
}

var (
	paymentCallPattern   = regexp.MustCompile(`paymentMiddleware\s*\(\s*['"\x60]([^'"\x60]*)['"\x60]\s*,\s*['"\x60]([^'"\x60]*)['"\x60]`)
	paymentPayeePattern  = regexp.MustCompile(`paymentMiddleware\s*\(\s*['"\x60]([^'"\x60]*)['"\x60]`)
	paymentPricePattern  = regexp.MustCompile(`\bprice\s*:\s*['"\x60]([^'"\x60]*)['"\x60]`)
	paymentMarkerPattern = regexp.MustCompile(`\bpaymentMiddleware\s*\(`)
	endpointPattern      = regexp.MustCompile(`\bapp\.(get|post|put|delete|patch|options|all)\s*\(\s*['"\x60]([^'"\x60]*)['"\x60]`)
)

// ExtractMetadata reads payment and endpoint declarations. It never fails;
// unrecognised shapes simply produce less metadata.
func ExtractMetadata(source string) Metadata {
	meta := Metadata{Endpoints: []Endpoint{}}

	if m := paymentCallPattern.FindStringSubmatch(source); m != nil {
		meta.HasPayment = true
		meta.PaymentConfig = &PaymentConfig{Payee: m[1], Price: normalizePrice(m[2])}
	} else if paymentMarkerPattern.MatchString(source) {
		meta.HasPayment = true
		cfg := &PaymentConfig{}
		if m := paymentPayeePattern.FindStringSubmatch(source); m != nil {
			cfg.Payee = m[1]
		}
		if m := paymentPricePattern.FindStringSubmatch(source); m != nil {
			cfg.Price = normalizePrice(m[1])
		}
		if cfg.Payee != "" || cfg.Price != "" {
			meta.PaymentConfig = cfg
		}
	}

	seen := make(map[Endpoint]bool)
	for _, m := range endpointPattern.FindAllStringSubmatch(source, -1) {
		ep := Endpoint{Method: strings.ToUpper(m[1]), Path: m[2]}
		if seen[ep] {
			continue
		}
		seen[ep] = true
		meta.Endpoints = append(meta.Endpoints, ep)
	}

	return meta
}

func normalizePrice(price string) string {
	return strings.TrimPrefix(strings.TrimSpace(price), "$")
}
