package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/bits"
	"sort"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	ldbutil "github.com/syndtr/goleveldb/leveldb/util"

	"github.com/atmx/predicta/internal/address"
	"github.com/atmx/predicta/internal/model"
)

// Key prefixes. Each record kind lives in its own keyspace; the address is
// the rest of the key.
var (
	prefixMarket   = []byte{'M'}
	prefixRegistry = []byte{'R'}
	prefixEscrow   = []byte{'E'}
	prefixAccount  = []byte{'A'}
	prefixEvent    = []byte{'V'} // V ‖ market ‖ sequence (big endian)
	keySequence    = []byte{'S'}
)

// LevelStore implements Store on an embedded LevelDB database. Market and
// registry records are kept in their fixed binary layout.
//
// Update opens a LevelDB transaction, which excludes every other writer
// until it is committed or discarded.
type LevelStore struct {
	db *leveldb.DB
}

// OpenLevelStore opens or creates the database at path.
func OpenLevelStore(path string) (*LevelStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("leveldb: open %s: %w", path, err)
	}
	return &LevelStore{db: db}, nil
}

func (s *LevelStore) Close() error {
	return s.db.Close()
}

func (s *LevelStore) Update(_ context.Context, fn func(tx Tx) error) error {
	tr, err := s.db.OpenTransaction()
	if err != nil {
		return fmt.Errorf("leveldb: open transaction: %w", err)
	}

	if err := fn(&levelTx{kv: tr}); err != nil {
		tr.Discard()
		return err
	}
	if err := tr.Commit(); err != nil {
		tr.Discard()
		return fmt.Errorf("leveldb: commit: %w", err)
	}
	return nil
}

func (s *LevelStore) GetMarket(_ context.Context, addr address.Address) (*model.Market, error) {
	return readMarket(s.db, addr)
}

func (s *LevelStore) GetRegistry(_ context.Context, addr address.Address) (*model.Registry, error) {
	return readRegistry(s.db, addr)
}

func (s *LevelStore) GetEscrow(_ context.Context, addr address.Address) (*model.Escrow, error) {
	return readEscrow(s.db, addr)
}

func (s *LevelStore) Balance(_ context.Context, addr address.Address) (uint64, error) {
	e, err := readEscrow(s.db, addr)
	if err == nil {
		return e.Lamports, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return 0, err
	}
	return readAccount(s.db, addr)
}

func (s *LevelStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	iter := s.db.NewIterator(ldbutil.BytesPrefix(prefixMarket), nil)
	defer iter.Release()

	var markets []model.Market
	for iter.Next() {
		var m model.Market
		if err := m.UnmarshalBinary(iter.Value()); err != nil {
			return nil, fmt.Errorf("leveldb: decode market: %w", err)
		}
		copy(m.Address[:], iter.Key()[len(prefixMarket):])
		markets = append(markets, m)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	sort.Slice(markets, func(i, j int) bool {
		return markets[i].EndTime > markets[j].EndTime
	})
	return markets, nil
}

func (s *LevelStore) ListEvents(_ context.Context, market address.Address) ([]model.PredictionPlaced, error) {
	iter := s.db.NewIterator(ldbutil.BytesPrefix(key(prefixEvent, market)), nil)
	defer iter.Release()
	return scanEvents(iter)
}

func scanEvents(iter iterator.Iterator) ([]model.PredictionPlaced, error) {
	var events []model.PredictionPlaced
	for iter.Next() {
		var ev model.PredictionPlaced
		if err := json.Unmarshal(iter.Value(), &ev); err != nil {
			return nil, fmt.Errorf("leveldb: decode event: %w", err)
		}
		events = append(events, ev)
	}
	return events, iter.Error()
}

// kv is the subset of *leveldb.DB and *leveldb.Transaction used here.
type kv interface {
	Get(key []byte, ro *opt.ReadOptions) ([]byte, error)
	Has(key []byte, ro *opt.ReadOptions) (bool, error)
}

type writableKV interface {
	kv
	Put(key, value []byte, wo *opt.WriteOptions) error
}

type levelTx struct {
	kv writableKV
}

func (tx *levelTx) taken(a address.Address) (bool, error) {
	for _, p := range [][]byte{prefixMarket, prefixRegistry, prefixEscrow} {
		ok, err := tx.kv.Has(key(p, a), nil)
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

func (tx *levelTx) Market(addr address.Address) (*model.Market, error) {
	return readMarket(tx.kv, addr)
}

func (tx *levelTx) InitMarket(m *model.Market) error {
	taken, err := tx.taken(m.Address)
	if err != nil {
		return err
	}
	if taken {
		return fmt.Errorf("market %s: %w", m.Address, ErrAlreadyInitialized)
	}
	return tx.writeMarket(m)
}

func (tx *levelTx) PutMarket(m *model.Market) error {
	if _, err := tx.Market(m.Address); err != nil {
		return err
	}
	return tx.writeMarket(m)
}

func (tx *levelTx) writeMarket(m *model.Market) error {
	data, err := m.MarshalBinary()
	if err != nil {
		return err
	}
	return tx.kv.Put(key(prefixMarket, m.Address), data, nil)
}

func (tx *levelTx) Registry(addr address.Address) (*model.Registry, error) {
	return readRegistry(tx.kv, addr)
}

func (tx *levelTx) InitRegistry(r *model.Registry) error {
	taken, err := tx.taken(r.Address)
	if err != nil {
		return err
	}
	if taken {
		return fmt.Errorf("registry %s: %w", r.Address, ErrAlreadyInitialized)
	}
	return tx.writeRegistry(r)
}

func (tx *levelTx) PutRegistry(r *model.Registry) error {
	if _, err := tx.Registry(r.Address); err != nil {
		return err
	}
	return tx.writeRegistry(r)
}

func (tx *levelTx) writeRegistry(r *model.Registry) error {
	data, err := r.MarshalBinary()
	if err != nil {
		return err
	}
	return tx.kv.Put(key(prefixRegistry, r.Address), data, nil)
}

func (tx *levelTx) Escrow(addr address.Address) (*model.Escrow, error) {
	return readEscrow(tx.kv, addr)
}

func (tx *levelTx) InitEscrow(addr, market address.Address) error {
	taken, err := tx.taken(addr)
	if err != nil {
		return err
	}
	if taken {
		return fmt.Errorf("escrow %s: %w", addr, ErrAlreadyInitialized)
	}
	return tx.writeEscrow(&model.Escrow{Address: addr, Market: market})
}

func (tx *levelTx) writeEscrow(e *model.Escrow) error {
	v := make([]byte, address.Size+8)
	copy(v, e.Market[:])
	binary.LittleEndian.PutUint64(v[address.Size:], e.Lamports)
	return tx.kv.Put(key(prefixEscrow, e.Address), v, nil)
}

func (tx *levelTx) Transfer(from, to address.Address, lamports uint64) error {
	have, err := readAccount(tx.kv, from)
	if err != nil {
		return err
	}
	if have < lamports {
		return fmt.Errorf("transfer from %s: %w (have %d, need %d)", from, ErrInsufficientFunds, have, lamports)
	}

	e, err := tx.Escrow(to)
	switch {
	case err == nil:
		sum, carry := bits.Add64(e.Lamports, lamports, 0)
		if carry != 0 {
			return fmt.Errorf("escrow %s: %w", to, ErrBalanceOverflow)
		}
		e.Lamports = sum
		if err := tx.writeEscrow(e); err != nil {
			return err
		}
	case errors.Is(err, ErrNotFound):
		if err := tx.Credit(to, lamports); err != nil {
			return err
		}
	default:
		return err
	}

	// Re-read: from and to may be the same account.
	have, err = readAccount(tx.kv, from)
	if err != nil {
		return err
	}
	return tx.putAccount(from, have-lamports)
}

func (tx *levelTx) Credit(addr address.Address, lamports uint64) error {
	have, err := readAccount(tx.kv, addr)
	if err != nil {
		return err
	}
	sum, carry := bits.Add64(have, lamports, 0)
	if carry != 0 {
		return fmt.Errorf("account %s: %w", addr, ErrBalanceOverflow)
	}
	return tx.putAccount(addr, sum)
}

func (tx *levelTx) putAccount(addr address.Address, lamports uint64) error {
	v := make([]byte, 8)
	binary.LittleEndian.PutUint64(v, lamports)
	return tx.kv.Put(key(prefixAccount, addr), v, nil)
}

func (tx *levelTx) AppendEvent(ev *model.PredictionPlaced) error {
	var seq uint64
	raw, err := tx.kv.Get(keySequence, nil)
	switch {
	case err == nil:
		seq = binary.BigEndian.Uint64(raw)
	case !errors.Is(err, leveldb.ErrNotFound):
		return err
	}
	seq++
	ev.Sequence = seq

	seqBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(seqBytes, seq)
	if err := tx.kv.Put(keySequence, seqBytes, nil); err != nil {
		return err
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return tx.kv.Put(append(key(prefixEvent, ev.Market), seqBytes...), data, nil)
}

func key(prefix []byte, a address.Address) []byte {
	k := make([]byte, 0, len(prefix)+address.Size)
	k = append(k, prefix...)
	return append(k, a[:]...)
}

func readMarket(db kv, addr address.Address) (*model.Market, error) {
	data, err := db.Get(key(prefixMarket, addr), nil)
	if err != nil {
		return nil, notFound(err, "market", addr)
	}
	m := &model.Market{Address: addr}
	if err := m.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("market %s: %w", addr, err)
	}
	return m, nil
}

func readRegistry(db kv, addr address.Address) (*model.Registry, error) {
	data, err := db.Get(key(prefixRegistry, addr), nil)
	if err != nil {
		return nil, notFound(err, "registry", addr)
	}
	r := &model.Registry{Address: addr}
	if err := r.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("registry %s: %w", addr, err)
	}
	return r, nil
}

func readEscrow(db kv, addr address.Address) (*model.Escrow, error) {
	data, err := db.Get(key(prefixEscrow, addr), nil)
	if err != nil {
		return nil, notFound(err, "escrow", addr)
	}
	if len(data) != address.Size+8 {
		return nil, fmt.Errorf("escrow %s: %w", addr, model.ErrShortRecord)
	}
	e := &model.Escrow{Address: addr}
	copy(e.Market[:], data[:address.Size])
	e.Lamports = binary.LittleEndian.Uint64(data[address.Size:])
	return e, nil
}

func readAccount(db kv, addr address.Address) (uint64, error) {
	data, err := db.Get(key(prefixAccount, addr), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(data), nil
}

func notFound(err error, kind string, addr address.Address) error {
	if errors.Is(err, leveldb.ErrNotFound) {
		return fmt.Errorf("%s %s: %w", kind, addr, ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", kind, addr, err)
}
