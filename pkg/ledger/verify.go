package ledger

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/attest/pkg/evidence"
	"github.com/Mindburn-Labs/attest/pkg/integrity"
)

const verifyPage = 1000

// VerificationReport is the outcome of a chain check.
type VerificationReport struct {
	Shard    string `json:"shard"`
	From     uint64 `json:"from"`
	To       uint64 `json:"to"`
	Checked  int    `json:"checked"`
	HeadHash string `json:"head_hash,omitempty"`
	OK       bool   `json:"ok"`
	BrokenAt uint64 `json:"broken_at,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Verify recomputes every entry hash in [from, to] and checks each
// prev_hash link and the sequence continuity. A sub-range is anchored on the
// entry just before it. The first failure is returned as a
// *evidence.ChainBrokenError and recorded in the report.
func (l *Ledger) Verify(ctx context.Context, from, to uint64) (VerificationReport, error) {
	from, to, err := l.bounds(ctx, from, to)
	if err != nil {
		return VerificationReport{}, err
	}
	rep := VerificationReport{Shard: l.shard, From: from, To: to, OK: true}
	if to < from {
		return rep, nil
	}

	expectedPrev := integrity.ZeroDigest
	if from > 1 {
		anchor, err := l.backend.Range(ctx, l.shard, from-1, from-1)
		if err != nil {
			return rep, err
		}
		if len(anchor) != 1 {
			return rep.broken(from-1, "anchor entry missing")
		}
		h, err := ComputeHash(anchor[0])
		if err != nil || h != anchor[0].EntryHash {
			return rep.broken(from-1, "anchor entry hash mismatch")
		}
		expectedPrev = anchor[0].EntryHash
	}

	next := from
	for next <= to {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		end := next + verifyPage - 1
		if end > to {
			end = to
		}
		page, err := l.backend.Range(ctx, l.shard, next, end)
		if err != nil {
			return rep, err
		}
		for _, e := range page {
			if e.Sequence != next {
				return rep.broken(next, fmt.Sprintf("sequence gap: found %d", e.Sequence))
			}
			if e.PrevHash != expectedPrev {
				return rep.broken(e.Sequence, "prev_hash does not match predecessor")
			}
			computed, err := ComputeHash(e)
			if err != nil {
				return rep.broken(e.Sequence, err.Error())
			}
			if computed != e.EntryHash {
				return rep.broken(e.Sequence, "entry_hash mismatch")
			}
			expectedPrev = e.EntryHash
			rep.Checked++
			rep.HeadHash = e.EntryHash
			next++
		}
		if len(page) == 0 || next <= end {
			return rep.broken(next, "entry missing")
		}
	}
	return rep, nil
}

func (r VerificationReport) broken(seq uint64, reason string) (VerificationReport, error) {
	r.OK = false
	r.BrokenAt = seq
	r.Reason = reason
	return r, &evidence.ChainBrokenError{Shard: r.Shard, Sequence: seq, Reason: reason}
}
