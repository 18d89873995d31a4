package merge

import (
	"context"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/mapatur/reconcile/internal/fault"
)

// Pair is one curated (survivor, superseded) assertion.
type Pair struct {
	Survivor   int64  `yaml:"survivor" json:"survivor"`
	Superseded int64  `yaml:"superseded" json:"superseded"`
	Note       string `yaml:"note,omitempty" json:"note,omitempty"`
}

// pairFile is the on-disk layout:
//
//	pairs:
//	  - survivor: 61
//	    superseded: 10
//	    note: Museu X cadastrado duas vezes
type pairFile struct {
	Pairs []Pair `yaml:"pairs"`
}

// LoadPairs reads a YAML pair file.
func LoadPairs(path string) ([]Pair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "merge: read pairs %s", path)
	}
	return ParsePairs(data)
}

// ParsePairs decodes and checks a pair list. A unit may be superseded only
// once and may not be both survivor and superseded within one file.
func ParsePairs(data []byte) ([]Pair, error) {
	var f pairFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "merge: parse pairs")
	}

	superseded := make(map[int64]bool, len(f.Pairs))
	survivors := make(map[int64]bool, len(f.Pairs))
	for i, p := range f.Pairs {
		field := fmt.Sprintf("pairs[%d]", i)
		switch {
		case p.Survivor <= 0 || p.Superseded <= 0:
			return nil, fault.Validation(field, "survivor and superseded must be positive ids")
		case p.Survivor == p.Superseded:
			return nil, fault.Validation(field, "survivor and superseded are the same unit")
		case superseded[p.Superseded]:
			return nil, fault.Validation(field, fmt.Sprintf("unit %d superseded twice", p.Superseded))
		}
		superseded[p.Superseded] = true
		survivors[p.Survivor] = true
	}
	for i, p := range f.Pairs {
		if survivors[p.Superseded] {
			return nil, fault.Validation(fmt.Sprintf("pairs[%d]", i), fmt.Sprintf("unit %d is both survivor and superseded", p.Superseded))
		}
	}
	return f.Pairs, nil
}

// PairOutcome is the result of one pair in MergeAll.
type PairOutcome struct {
	Pair    Pair    `json:"pair"`
	Result  *Result `json:"result,omitempty"`
	Err     error   `json:"-"`
	Message string  `json:"error,omitempty"`
}

// MergeAll merges each pair in its own transaction, in order. A failed pair
// is reported and the rest still run. Context cancellation stops the run.
func (e *Engine) MergeAll(ctx context.Context, pairs []Pair, opts Options) ([]PairOutcome, error) {
	out := make([]PairOutcome, 0, len(pairs))
	failed := 0
	for _, p := range pairs {
		if err := ctx.Err(); err != nil {
			return out, eris.Wrap(err, "merge: pairs")
		}
		o := PairOutcome{Pair: p}
		o.Result, o.Err = e.Merge(ctx, p.Survivor, p.Superseded, opts)
		if o.Err != nil {
			o.Message = o.Err.Error()
			failed++
		}
		out = append(out, o)
	}
	e.log.Info("pair merge complete",
		zap.Int("pairs", len(pairs)),
		zap.Int("failed", failed),
	)
	return out, nil
}
