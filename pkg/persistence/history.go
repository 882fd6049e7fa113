package persistence

import (
	"encoding/binary"
	"encoding/json"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
)

// HistoryStore is an append-only archive of finished order and settlement
// records backed by badger. Entries are keyed by insertion time so the most
// recent ones can be read back without scanning everything.
type HistoryStore struct {
	db *badger.DB
}

const (
	historySeqPrefix = "h:"
	historyIDPrefix  = "id:"
)

// OpenHistory opens (or creates) the history database under dir.
func OpenHistory(dir string) (*HistoryStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "open history store")
	}
	return &HistoryStore{db: db}, nil
}

func (h *HistoryStore) Close() error {
	return h.db.Close()
}

// Append stores v under a time-ordered key plus an id lookup key. Appending
// the same id again overwrites the lookup entry but keeps both timeline
// entries; callers use fresh ids for distinct events.
func (h *HistoryStore) Append(id string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshal history record")
	}

	seqKey := makeSeqKey(time.Now().UnixNano(), id)
	idKey := []byte(historyIDPrefix + id)

	err = h.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(seqKey, raw); err != nil {
			return err
		}
		return txn.Set(idKey, raw)
	})
	return errors.Wrapf(err, "append history record %s", id)
}

// Get loads the latest record stored under id. Returns ErrNotExists when the
// id was never appended.
func (h *HistoryStore) Get(id string, v interface{}) error {
	err := h.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(historyIDPrefix + id))
		if err != nil {
			return err
		}
		return item.Value(func(raw []byte) error {
			return json.Unmarshal(raw, v)
		})
	})
	if err == badger.ErrKeyNotFound {
		return ErrNotExists
	}
	return err
}

// Has reports whether a record was ever appended under id.
func (h *HistoryStore) Has(id string) bool {
	err := h.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(historyIDPrefix + id))
		return err
	})
	return err == nil
}

// Recent returns up to n raw records, newest first.
func (h *HistoryStore) Recent(n int) ([]json.RawMessage, error) {
	var out []json.RawMessage
	err := h.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(historySeqPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration needs a seek key past every sequence entry.
		seek := append([]byte(historySeqPrefix), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
		for it.Seek(seek); it.Valid() && len(out) < n; it.Next() {
			err := it.Item().Value(func(raw []byte) error {
				cp := make([]byte, len(raw))
				copy(cp, raw)
				out = append(out, cp)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return out, errors.Wrap(err, "read recent history")
}

func makeSeqKey(nanos int64, id string) []byte {
	key := make([]byte, 0, len(historySeqPrefix)+8+1+len(id))
	key = append(key, historySeqPrefix...)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(nanos))
	key = append(key, ts[:]...)
	key = append(key, ':')
	key = append(key, id...)
	return key
}
