package relay

import "strings"

// ErrorKind is a coarse category of a failed completion call.
type ErrorKind string

// Classification is the user-facing translation of a failure cause.
type Classification struct {
	Kind    ErrorKind
	Message string
}

const (
	KindUnresolvedAddress ErrorKind = "unresolved_address"
	KindConnectRefused    ErrorKind = "connect_refused"
	KindUnknownHost       ErrorKind = "unknown_host"
	KindBalance           ErrorKind = "insufficient_balance"
	KindRateLimit         ErrorKind = "rate_limit"
	KindTimeout           ErrorKind = "timeout"
	KindAPIKey            ErrorKind = "api_key"
	KindUnknown           ErrorKind = "unknown"
)

type classifyRule struct {
	markers        []string
	classification Classification
}

// Rules are checked in order against the raw failure text, first match wins. Markers cover both the
// texts produced by Go's net package and the provider APIs, and the exception names reported by
// JVM-based OpenAI-compatible gateways.
var classifyRules = []classifyRule{
	{
		markers: []string{"UnresolvedAddressException", "no suitable address", "missing address"},
		classification: Classification{
			Kind:    KindUnresolvedAddress,
			Message: "cannot reach model service — check network/DNS",
		},
	},
	{
		markers: []string{"ConnectException", "connection refused"},
		classification: Classification{
			Kind:    KindConnectRefused,
			Message: "connection to model service failed — check network/firewall",
		},
	},
	{
		markers: []string{"UnknownHostException", "no such host"},
		classification: Classification{
			Kind:    KindUnknownHost,
			Message: "cannot resolve model service address — check DNS",
		},
	},
	{
		markers: []string{"Insufficient Balance", "insufficient balance", "Insufficient balance"},
		classification: Classification{
			Kind:    KindBalance,
			Message: "API account balance insufficient",
		},
	},
	{
		markers: []string{"rate limit", "Rate limit", "Too Many Requests"},
		classification: Classification{
			Kind:    KindRateLimit,
			Message: "request rate exceeded — retry later",
		},
	},
	{
		markers: []string{"timeout", "connection", "deadline exceeded"},
		classification: Classification{
			Kind:    KindTimeout,
			Message: "network timeout — retry later",
		},
	},
	{
		markers: []string{"API key", "api key"},
		classification: Classification{
			Kind:    KindAPIKey,
			Message: "API key misconfigured",
		},
	},
}

var unknownClassification = Classification{
	Kind:    KindUnknown,
	Message: "unknown error — retry later",
}

// Classify translates a failure cause into a message that is safe to show to the user. It never
// returns an empty message, a nil cause yields the catch-all classification.
func Classify(cause error) Classification {
	if cause == nil {
		return unknownClassification
	}
	return ClassifyText(cause.Error())
}

// ClassifyText is Classify over the raw failure description. Matching is case-sensitive.
func ClassifyText(raw string) Classification {
	for _, rule := range classifyRules {
		for _, marker := range rule.markers {
			if strings.Contains(raw, marker) {
				return rule.classification
			}
		}
	}
	return unknownClassification
}
