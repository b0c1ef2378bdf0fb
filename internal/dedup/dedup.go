// Package dedup assigns content signatures to signals and filters
// duplicates within a batch and against previously persisted signals.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/corpsignal/internal/model"
)

// Lookup reports which of the given signatures are already persisted for
// an entity.
type Lookup interface {
	SignaturesExist(ctx context.Context, entityID string, signatures []string) (map[string]bool, error)
}

type canonical struct {
	Entity      string   `json:"e"`
	Category    string   `json:"c"`
	SubCategory string   `json:"s"`
	Evidence    []string `json:"r"`
}

// Signature returns the hex SHA-256 of a signal's defining fields: entity,
// category, sub-category and the sorted set of evidence refs. Refs are
// trimmed and lower-cased, so producer ordering and casing do not matter.
func Signature(s model.Signal) string {
	refs := make([]string, 0, len(s.Evidence))
	seen := make(map[string]bool, len(s.Evidence))
	for _, ev := range s.Evidence {
		r := strings.ToLower(strings.TrimSpace(ev.Ref))
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		refs = append(refs, r)
	}
	sort.Strings(refs)

	data, _ := json.Marshal(canonical{
		Entity:      strings.TrimSpace(s.EntityID),
		Category:    strings.ToLower(strings.TrimSpace(string(s.Category))),
		SubCategory: strings.ToLower(strings.TrimSpace(s.SubCategory)),
		Evidence:    refs,
	})
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Stamp fills in the Signature of every signal.
func Stamp(signals []model.Signal) {
	for i := range signals {
		signals[i].Signature = Signature(signals[i])
	}
}

func signatureOf(s model.Signal) string {
	if s.Signature != "" {
		return s.Signature
	}
	return Signature(s)
}

// WithinBatch keeps the first signal for each signature, preserving order,
// and returns how many were removed.
func WithinBatch(signals []model.Signal) ([]model.Signal, int) {
	seen := make(map[string]bool, len(signals))
	out := make([]model.Signal, 0, len(signals))
	for _, s := range signals {
		sig := signatureOf(s)
		if seen[sig] {
			continue
		}
		seen[sig] = true
		out = append(out, s)
	}
	return out, len(signals) - len(out)
}

// AgainstStore removes signals whose signature is already persisted for
// entityID. On lookup failure the input is returned unfiltered with the
// error so the caller can decide how to degrade.
func AgainstStore(ctx context.Context, lookup Lookup, entityID string, signals []model.Signal) ([]model.Signal, int, error) {
	if len(signals) == 0 {
		return signals, 0, nil
	}

	sigs := make([]string, len(signals))
	for i, s := range signals {
		sigs[i] = signatureOf(s)
	}
	known, err := lookup.SignaturesExist(ctx, entityID, sigs)
	if err != nil {
		return signals, 0, eris.Wrapf(err, "dedup: lookup signatures for %s", entityID)
	}
	if len(known) == 0 {
		return signals, 0, nil
	}

	out := make([]model.Signal, 0, len(signals))
	for i, s := range signals {
		if known[sigs[i]] {
			continue
		}
		out = append(out, s)
	}
	return out, len(signals) - len(out), nil
}
