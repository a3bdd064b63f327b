package send

import (
	"context"
	"slices"
	"strings"

	"github.com/danmuck/dicomctl/internal/dcmfile"
	"github.com/samber/lo"
)

// Classify returns the encodings no accepted context carries. When the
// association was never established every encoding is incompatible.
func Classify(result NegotiationResult, encodings []string) []string {
	if !result.Established {
		return lo.Uniq(encodings)
	}
	return lo.Uniq(lo.Filter(encodings, func(ts string, _ int) bool {
		return !result.SupportsEncoding(ts)
	}))
}

// FlagFiles re-reads headers and returns the files whose encoding is
// incompatible, in input order. Unreadable files are flagged when the
// default encoding is itself incompatible.
func FlagFiles(ctx context.Context, paths []string, incompatible []string) []string {
	if len(incompatible) == 0 {
		return nil
	}
	var out []string
	for _, p := range lo.Uniq(paths) {
		if ctx.Err() != nil {
			break
		}
		ts := DefaultEncoding
		if h, err := dcmfile.ReadHeader(p); err == nil && h.TransferSyntax != "" {
			ts = h.TransferSyntax
		}
		if slices.Contains(incompatible, ts) {
			out = append(out, p)
		}
	}
	return out
}

var incompatibilityKeywords = []string{
	"presentation context",
	"transfer syntax",
	"compression",
	"jpeg",
	"not accepted",
	"not supported",
	"cannot decompress",
}

// LikelyIncompatible is a keyword heuristic over error text. It is advisory
// only and never decides an outcome.
func LikelyIncompatible(text string) bool {
	text = strings.ToLower(text)
	return lo.SomeBy(incompatibilityKeywords, func(k string) bool {
		return strings.Contains(text, k)
	})
}
