package ledger

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// CheckResult is the outcome of one verification check.
type CheckResult struct {
	Name   string `json:"name"`
	Status string `json:"status"` // "pass", "fail", "warn"
	Detail string `json:"detail,omitempty"`
}

// VerifyResult summarises Verify for one partition.
type VerifyResult struct {
	Partition string        `json:"partition"`
	FactCount int           `json:"fact_count"`
	Head      Head          `json:"head"`
	Valid     bool          `json:"valid"`
	Checks    []CheckResult `json:"checks"`
}

func (r *VerifyResult) pass(name, detail string) {
	r.Checks = append(r.Checks, CheckResult{Name: name, Status: "pass", Detail: detail})
}

func (r *VerifyResult) fail(name, detail string) {
	r.Valid = false
	r.Checks = append(r.Checks, CheckResult{Name: name, Status: "fail", Detail: detail})
}

func (r *VerifyResult) warn(name, detail string) {
	r.Checks = append(r.Checks, CheckResult{Name: name, Status: "warn", Detail: detail})
}

// Verify walks the whole partition and checks its structure: contiguous
// fact ids, genesis anchor, chain continuity, per-fact hashes, head
// agreement and timestamp order. Unlike ReadAll it reports every check
// instead of stopping at the first failure. The returned error is only set
// when storage itself cannot be read.
func (l *Ledger) Verify(ctx context.Context, partition string) (VerifyResult, error) {
	result := VerifyResult{Partition: partition, Valid: true}

	head, err := l.readHead(ctx, partition)
	if err != nil {
		return result, err
	}
	result.Head = head
	if err := l.heads.Observe(partition, head); err != nil {
		result.fail("head_cache", err.Error())
	} else {
		result.pass("head_cache", "")
	}

	ids, err := l.repo.List(ctx, partition, factRecordType)
	if err != nil {
		return result, err
	}
	result.FactCount = len(ids)

	// 1. Contiguous ids 0..n-1 that agree with the head.
	contiguous := true
	for i, id := range ids {
		if n, err := strconv.ParseUint(id, 10, 64); err != nil || n != uint64(i) || id != factID(n) {
			contiguous = false
			result.fail("contiguous_sequence", fmt.Sprintf("fact id %q at position %d", id, i))
			break
		}
	}
	if contiguous {
		if uint64(len(ids)) != head.Seq {
			result.fail("contiguous_sequence", fmt.Sprintf("%d facts stored but head is at %d", len(ids), head.Seq))
		} else {
			result.pass("contiguous_sequence", fmt.Sprintf("%d facts", len(ids)))
		}
	}

	if len(ids) == 0 {
		result.pass("empty_chain", "no facts to verify")
		return result, nil
	}

	facts := make([]Fact, 0, len(ids))
	for i := range ids {
		env, err := l.repo.Get(ctx, partition, factRecordType, ids[i])
		if err != nil {
			return result, err
		}
		f, err := l.openFact(partition, uint64(i), env)
		if err != nil {
			result.fail("readable_facts", err.Error())
			return result, nil
		}
		facts = append(facts, f)
	}

	// 2. Genesis anchor.
	if facts[0].PrevHash == GenesisHash {
		result.pass("genesis_anchor", "")
	} else {
		result.fail("genesis_anchor", fmt.Sprintf("first fact prev_hash=%s", facts[0].PrevHash))
	}

	// 3. Per-fact hashes and chain continuity.
	chainOK := true
	for i, f := range facts {
		if f.ComputeHash() != f.Hash {
			chainOK = false
			result.fail("fact_hashes", fmt.Sprintf("fact %d content does not match its hash", i))
			break
		}
		if i > 0 && f.PrevHash != facts[i-1].Hash {
			chainOK = false
			result.fail("chain_continuity", fmt.Sprintf("fact %d does not link to fact %d", i, i-1))
			break
		}
	}
	if chainOK {
		result.pass("chain_continuity", fmt.Sprintf("all %d facts link correctly", len(facts)))
	}

	// 4. Head agreement.
	if last := facts[len(facts)-1]; last.Hash == head.Hash {
		result.pass("head_matches", "")
	} else {
		result.fail("head_matches", fmt.Sprintf("head hash %s, last fact hash %s", head.Hash, last.Hash))
	}

	// 5. Monotonic timestamps. Clock skew between writers is possible, so
	// this is a warning only.
	var prev time.Time
	tsOK := true
	for i, f := range facts {
		t, err := f.Time()
		if err != nil {
			tsOK = false
			result.fail("monotonic_timestamps", err.Error())
			break
		}
		if !prev.IsZero() && t.Before(prev) {
			tsOK = false
			result.warn("monotonic_timestamps", fmt.Sprintf("fact %d is earlier than fact %d", i, i-1))
			break
		}
		prev = t
	}
	if tsOK {
		result.pass("monotonic_timestamps", "")
	}

	return result, nil
}
