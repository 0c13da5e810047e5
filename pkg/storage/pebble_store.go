package storage

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"strings"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"

	"github.com/delayswap/delayswap/pkg/core/ledger"
)

// PebbleStore persists ledger state and vault balances.
type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

// ============================================================================
// ledger.Store
// ============================================================================

func (s *PebbleStore) SaveDigest(id uint64, digest common.Hash) error {
	if err := s.db.Set(digestKey(id), digest[:], pebble.Sync); err != nil {
		return fmt.Errorf("save digest %d: %w", id, err)
	}
	return nil
}

func (s *PebbleStore) DeleteDigest(id uint64) error {
	if err := s.db.Delete(digestKey(id), pebble.Sync); err != nil {
		return fmt.Errorf("delete digest %d: %w", id, err)
	}
	return nil
}

func (s *PebbleStore) LoadDigests() (map[uint64]common.Hash, error) {
	out := make(map[uint64]common.Hash)
	err := s.scan([]byte(prefixDigest), func(key, val []byte) error {
		var h common.Hash
		copy(h[:], val)
		out[idFromKey(prefixDigest, key)] = h
		return nil
	})
	return out, err
}

func (s *PebbleStore) SaveCursor(lastProcessed, newest uint64) error {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], lastProcessed)
	binary.BigEndian.PutUint64(buf[8:], newest)
	if err := s.db.Set(cursorKey(), buf[:], pebble.Sync); err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}

func (s *PebbleStore) LoadCursor() (uint64, uint64, bool, error) {
	val, closer, err := s.db.Get(cursorKey())
	if err == pebble.ErrNotFound {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, fmt.Errorf("load cursor: %w", err)
	}
	defer closer.Close()

	if len(val) != 16 {
		return 0, 0, false, fmt.Errorf("load cursor: malformed value of %d bytes", len(val))
	}
	return binary.BigEndian.Uint64(val[:8]), binary.BigEndian.Uint64(val[8:]), true, nil
}

func (s *PebbleStore) SaveCanceled(id uint64) error {
	if err := s.db.Set(canceledKey(id), []byte{1}, pebble.Sync); err != nil {
		return fmt.Errorf("save canceled %d: %w", id, err)
	}
	return nil
}

func (s *PebbleStore) LoadCanceled() (map[uint64]struct{}, error) {
	out := make(map[uint64]struct{})
	err := s.scan([]byte(prefixCanceled), func(key, _ []byte) error {
		out[idFromKey(prefixCanceled, key)] = struct{}{}
		return nil
	})
	return out, err
}

func (s *PebbleStore) SaveRefundRecord(rec ledger.RefundRecord) error {
	val, err := encodeGob(rec)
	if err != nil {
		return fmt.Errorf("encode refund record %d: %w", rec.ID, err)
	}
	if err := s.db.Set(refundKey(rec.ID), val, pebble.Sync); err != nil {
		return fmt.Errorf("save refund record %d: %w", rec.ID, err)
	}
	return nil
}

func (s *PebbleStore) DeleteRefundRecord(id uint64) error {
	if err := s.db.Delete(refundKey(id), pebble.Sync); err != nil {
		return fmt.Errorf("delete refund record %d: %w", id, err)
	}
	return nil
}

func (s *PebbleStore) LoadRefundRecords() (map[uint64]ledger.RefundRecord, error) {
	out := make(map[uint64]ledger.RefundRecord)
	err := s.scan([]byte(prefixRefund), func(_, val []byte) error {
		var rec ledger.RefundRecord
		if err := decodeGob(val, &rec); err != nil {
			return nil // skip invalid entries
		}
		out[rec.ID] = rec
		return nil
	})
	return out, err
}

var _ ledger.Store = (*PebbleStore)(nil)

// ============================================================================
// token.BalanceStore
// ============================================================================

func (s *PebbleStore) SaveBalance(token, holder common.Address, amount *big.Int) error {
	if err := s.db.Set(balanceKey(token, holder), amount.Bytes(), pebble.NoSync); err != nil {
		return fmt.Errorf("save balance %s/%s: %w", token.Hex(), holder.Hex(), err)
	}
	return nil
}

func (s *PebbleStore) LoadBalances(token common.Address) (map[common.Address]*big.Int, error) {
	prefix := balancePrefix(token)
	out := make(map[common.Address]*big.Int)
	err := s.scan(prefix, func(key, val []byte) error {
		holderHex := strings.TrimPrefix(string(key), string(prefix))
		out[common.HexToAddress(holderHex)] = new(big.Int).SetBytes(val)
		return nil
	})
	return out, err
}

func (s *PebbleStore) scan(prefix []byte, fn func(key, val []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return fmt.Errorf("iterator: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}
