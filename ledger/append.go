package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	icrypto "github.com/jmcleod/medkey/internal/crypto"
	"github.com/jmcleod/medkey/internal/util"
	"github.com/jmcleod/medkey/storage"
)

// Append atomically adds facts to partition, provided the partition head is
// still expectedHead. It returns the new head. If another writer appended
// first, nothing is written and ErrSequenceConflict is returned; the caller
// should re-read, re-validate and retry. The assigned fields (Seq, At,
// hashes) are written back into facts.
func (l *Ledger) Append(ctx context.Context, partition string, expectedHead uint64, facts ...Fact) (Head, error) {
	if len(facts) == 0 {
		return Head{}, ErrEmptyAppend
	}

	var head Head
	err := l.repo.Batch(ctx, partition, func(tx storage.BatchTx) error {
		current, err := headInTx(tx)
		if err != nil {
			return err
		}
		if current.Seq != expectedHead {
			return fmt.Errorf("%w: expected head %d, found %d", ErrSequenceConflict, expectedHead, current.Seq)
		}

		at := l.now().UTC().Format(time.RFC3339Nano)
		prev := current.hash()
		for i := range facts {
			f := facts[i]
			f.Seq = current.Seq + uint64(i)
			f.Partition = partition
			f.At = at
			f.PrevHash = prev
			f.Hash = f.ComputeHash()
			prev = f.Hash

			env, err := l.sealFact(f)
			if err != nil {
				return err
			}
			if err := tx.PutCAS(factRecordType, factID(f.Seq), 0, env); err != nil {
				return err
			}
			facts[i] = f
		}

		head = Head{Seq: current.Seq + uint64(len(facts)), Hash: prev}
		data, err := json.Marshal(head)
		if err != nil {
			return err
		}
		return tx.PutCAS(headRecordType, headRecordID, current.Seq, storage.PlainRecord(data, head.Seq))
	})
	if errors.Is(err, storage.ErrCASFailed) {
		return Head{}, fmt.Errorf("%w: %s", ErrSequenceConflict, partition)
	}
	if err != nil {
		return Head{}, fmt.Errorf("appending to %s: %w", partition, err)
	}

	if err := l.heads.Observe(partition, head); err != nil {
		return Head{}, err
	}
	l.logger.Debug("ledger append", "partition", partition, "seq", head.Seq, "facts", len(facts))
	return head, nil
}

func headInTx(tx storage.BatchTx) (Head, error) {
	env, err := tx.Get(headRecordType, headRecordID)
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrPartitionNotFound) {
		return Head{}, nil
	}
	if err != nil {
		return Head{}, err
	}
	return decodeHead(env)
}

func decodeHead(env *storage.Envelope) (Head, error) {
	data, err := storage.OpenRecord(nil, env, nil)
	if err != nil {
		return Head{}, err
	}
	var h Head
	if err := json.Unmarshal(data, &h); err != nil {
		return Head{}, fmt.Errorf("decoding ledger head: %w", err)
	}
	if h.Seq != env.Version {
		return Head{}, fmt.Errorf("%w: head seq %d disagrees with record version %d", ErrChainBroken, h.Seq, env.Version)
	}
	return h, nil
}

func (l *Ledger) sealFact(f Fact) (*storage.Envelope, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	if l.factKey == nil {
		return storage.PlainRecord(data), nil
	}
	key, err := icrypto.DeriveFactKey(l.factKey, f.Partition)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(key)
	return storage.SealRecord(key, data, icrypto.AADLedgerFact(f.Partition, f.Seq))
}

func (l *Ledger) openFact(partition string, seq uint64, env *storage.Envelope) (Fact, error) {
	var key []byte
	if env.Scheme == storage.SchemeAES256GCM {
		if l.factKey == nil {
			return Fact{}, fmt.Errorf("fact %s/%d is sealed but no fact key is configured", partition, seq)
		}
		var err error
		key, err = icrypto.DeriveFactKey(l.factKey, partition)
		if err != nil {
			return Fact{}, err
		}
		defer util.WipeBytes(key)
	}
	data, err := storage.OpenRecord(key, env, icrypto.AADLedgerFact(partition, seq))
	if err != nil {
		return Fact{}, fmt.Errorf("%w: opening fact %s/%d: %v", ErrChainBroken, partition, seq, err)
	}
	var f Fact
	if err := json.Unmarshal(data, &f); err != nil {
		return Fact{}, fmt.Errorf("decoding fact %s/%d: %w", partition, seq, err)
	}
	return f, nil
}
