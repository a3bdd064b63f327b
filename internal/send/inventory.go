package send

import (
	"context"

	"github.com/danmuck/dicomctl/internal/dcmfile"
	"github.com/danmuck/dicomctl/internal/protocol/uid"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

// DefaultEncoding is assumed for files whose header cannot be read.
const DefaultEncoding = uid.ImplicitVRLittleEndian

// InventoryResult holds the distinct encodings and object classes of a batch,
// both in first-seen order.
type InventoryResult struct {
	Encodings  []string
	Classes    []string
	Headers    map[string]dcmfile.Header
	Unreadable []string
}

// EncodingOf returns the declared transfer syntax of path, or DefaultEncoding.
func (r InventoryResult) EncodingOf(path string) string {
	if h, ok := r.Headers[path]; ok && h.TransferSyntax != "" {
		return h.TransferSyntax
	}
	return DefaultEncoding
}

// ClassOf returns the data set SOP class of path as read by the inventory.
func (r InventoryResult) ClassOf(path string) string {
	return r.Headers[path].SOPClassUID
}

// Inventory reads only the headers of paths. It never fails the batch: an
// unreadable file contributes DefaultEncoding.
func Inventory(ctx context.Context, paths []string) InventoryResult {
	res := InventoryResult{Headers: make(map[string]dcmfile.Header, len(paths))}
	for _, p := range lo.Uniq(paths) {
		if ctx.Err() != nil {
			break
		}
		h, err := dcmfile.ReadHeader(p)
		if err != nil {
			log.Warn().Err(err).Str("file", p).Str("assumed", DefaultEncoding).Msg("send.Inventory header unreadable")
			res.Unreadable = append(res.Unreadable, p)
			res.Encodings = append(res.Encodings, DefaultEncoding)
			continue
		}
		res.Headers[p] = h
		ts := h.TransferSyntax
		if ts == "" {
			ts = DefaultEncoding
		}
		res.Encodings = append(res.Encodings, ts)
		if h.SOPClassUID != "" {
			res.Classes = append(res.Classes, h.SOPClassUID)
		}
	}
	res.Encodings = lo.Uniq(res.Encodings)
	res.Classes = lo.Uniq(res.Classes)
	log.Debug().
		Int("files", len(paths)).
		Strs("encodings", res.Encodings).
		Strs("classes", res.Classes).
		Msg("send.Inventory done")
	return res
}
