package storage

import (
	badger "github.com/dgraph-io/badger/v2"
	"github.com/pkg/errors"
	"github.com/zhiqiangxu/blockstm"
	"go.uber.org/zap"
)

const (
	prefixValue = "v/"
	prefixGroup = "g/"
)

// BadgerStore is the committed state a block executes against.
type BadgerStore struct {
	db     *badger.DB
	logger *zap.Logger
}

var _ Reader = (*BadgerStore)(nil)

// OpenBadger opens the store at path, in memory when path is empty.
func OpenBadger(path string, logger *zap.Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := badger.DefaultOptions(path).
		WithSyncWrites(false).
		WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "open badger at %q", path)
	}
	return &BadgerStore{db: db, logger: logger}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) get(key []byte) ([]byte, bool, error) {
	var val []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (s *BadgerStore) GetStateValue(key Key) (*WriteOp, error) {
	b, ok, err := s.get([]byte(prefixValue + key))
	if err != nil {
		return nil, errors.Wrapf(err, "get %s", key)
	}
	if !ok {
		return Deletion(), nil
	}
	return decodeValue(b)
}

func (s *BadgerStore) GetGroupState(key Key) ([]blockstm.TaggedValue[Tag, *WriteOp], error) {
	b, ok, err := s.get([]byte(prefixGroup + key))
	if err != nil {
		return nil, errors.Wrapf(err, "get group %s", key)
	}
	if !ok {
		return nil, nil
	}
	tags, err := decodeGroup(b)
	if err != nil {
		return nil, errors.Wrapf(err, "group %s", key)
	}
	values := make([]blockstm.TaggedValue[Tag, *WriteOp], 0, len(tags))
	for _, tv := range tags {
		values = append(values, blockstm.TaggedValue[Tag, *WriteOp]{Tag: tv.Tag, Value: Modification(tv.Value)})
	}
	return values, nil
}

// Commit persists one materialized transaction output atomically.
func (s *BadgerStore) Commit(ws MaterializedOutput) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		writes := append(append([]blockstm.KeyWrite[Key, *WriteOp]{}, ws.Resources...), ws.Modules...)
		for _, w := range writes {
			k := []byte(prefixValue + w.Key)
			if w.Value.Kind == blockstm.WriteOpDeletion {
				if err := txn.Delete(k); err != nil {
					return err
				}
				continue
			}
			if err := txn.Set(k, encodeValue(w.Value)); err != nil {
				return err
			}
		}
		for _, d := range ws.AggregatorV1 {
			v := encodeValue(Modification(blockstm.EncodeAggregatorValue(d.Value)))
			if err := txn.Set([]byte(prefixValue+d.Key), v); err != nil {
				return err
			}
		}
		for _, g := range ws.Groups {
			if err := s.commitGroup(txn, g); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "commit")
	}
	return nil
}

func (s *BadgerStore) commitGroup(txn *badger.Txn, g blockstm.FinalizedGroup[Key, Tag, *WriteOp]) error {
	k := []byte(prefixGroup + g.Key)
	if len(g.Tags) == 0 {
		return txn.Delete(k)
	}
	tags := make([]blockstm.TaggedValue[Tag, []byte], 0, len(g.Tags))
	for _, tv := range g.Tags {
		b, _ := tv.Value.Value().Bytes()
		tags = append(tags, blockstm.TaggedValue[Tag, []byte]{Tag: tv.Tag, Value: b})
	}
	encoded := encodeGroup(tags)
	if uint64(len(encoded)) != g.Size.Get() {
		s.logger.Error("group size mismatch",
			zap.String("group", string(g.Key)), zap.Int("encoded", len(encoded)), zap.Uint64("size", g.Size.Get()))
		return errors.Errorf("group %s encodes to %d bytes, size says %d", g.Key, len(encoded), g.Size.Get())
	}
	return txn.Set(k, encoded)
}
