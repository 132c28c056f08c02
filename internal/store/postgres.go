package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"math/bits"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/predicta/internal/address"
	"github.com/atmx/predicta/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Lamport amounts are stored as NUMERIC(20,0) so the full uint64 range fits.
//
// Each Update runs in one database transaction. Before a record is read for
// mutation the transaction takes an advisory lock on its address, which
// serialises concurrent transitions on the same record (including the
// "create if absent" path, where no row exists yet to lock).
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies the embedded SQL migrations in lexicographic order and
// records them in schema_migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	const createTracker = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`
	if _, err := s.pool.Exec(ctx, createTracker); err != nil {
		return fmt.Errorf("postgres: create schema_migrations: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var applied bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)`,
			entry.Name()).Scan(&applied); err != nil {
			return fmt.Errorf("postgres: check migration %s: %w", entry.Name(), err)
		}
		if applied {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("postgres: read migration %s: %w", entry.Name(), err)
		}

		err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(data)); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (filename) VALUES ($1)`, entry.Name())
			return err
		})
		if err != nil {
			return fmt.Errorf("postgres: apply migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}

	if err := fn(&pgTx{ctx: ctx, tx: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

const marketCols = `address, authority, team_a, team_b, league, match_id,
	start_time, end_time, resolved, winner,
	total_yes::TEXT, total_no::TEXT, address_nonce`

func (s *PostgresStore) GetMarket(ctx context.Context, addr address.Address) (*model.Market, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+marketCols+` FROM markets WHERE address = $1`, addr.String())
	m, err := scanMarket(row)
	if err != nil {
		return nil, rowErr(err, "market", addr)
	}
	return m, nil
}

func (s *PostgresStore) GetRegistry(ctx context.Context, addr address.Address) (*model.Registry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT address, authority, markets, address_nonce FROM registries WHERE address = $1`,
		addr.String())
	r, err := scanRegistry(row)
	if err != nil {
		return nil, rowErr(err, "registry", addr)
	}
	return r, nil
}

func (s *PostgresStore) GetEscrow(ctx context.Context, addr address.Address) (*model.Escrow, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT address, market, lamports::TEXT FROM escrows WHERE address = $1`, addr.String())
	e, err := scanEscrow(row)
	if err != nil {
		return nil, rowErr(err, "escrow", addr)
	}
	return e, nil
}

func (s *PostgresStore) Balance(ctx context.Context, addr address.Address) (uint64, error) {
	var lamports string
	err := s.pool.QueryRow(ctx,
		`SELECT lamports::TEXT FROM escrows WHERE address = $1
		 UNION ALL
		 SELECT lamports::TEXT FROM accounts WHERE address = $1
		 LIMIT 1`, addr.String()).Scan(&lamports)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("balance %s: %w", addr, err)
	}
	return strconv.ParseUint(lamports, 10, 64)
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+marketCols+` FROM markets ORDER BY end_time DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) ListEvents(ctx context.Context, market address.Address) ([]model.PredictionPlaced, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, sequence, market, predictor, side, amount::TEXT, placed_at
		 FROM prediction_events WHERE market = $1 ORDER BY sequence`, market.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.PredictionPlaced
	for rows.Next() {
		var ev model.PredictionPlaced
		var marketS, predictorS, amountS string
		var side int16
		if err := rows.Scan(&ev.ID, &ev.Sequence, &marketS, &predictorS, &side, &amountS, &ev.PlacedAt); err != nil {
			return nil, err
		}
		if ev.Market, err = address.Parse(marketS); err != nil {
			return nil, err
		}
		if ev.Predictor, err = address.Parse(predictorS); err != nil {
			return nil, err
		}
		if ev.Amount, err = strconv.ParseUint(amountS, 10, 64); err != nil {
			return nil, err
		}
		ev.Side = model.Side(side)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// pgTx implements Tx on one pgx transaction.
type pgTx struct {
	ctx context.Context
	tx  pgx.Tx
}

// lock takes a transaction-scoped advisory lock on addr.
func (t *pgTx) lock(addr address.Address) error {
	_, err := t.tx.Exec(t.ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, addr.String())
	if err != nil {
		return fmt.Errorf("postgres: lock %s: %w", addr, err)
	}
	return nil
}

// claim reserves addr for a record of kind.
func (t *pgTx) claim(addr address.Address, kind string) error {
	tag, err := t.tx.Exec(t.ctx,
		`INSERT INTO record_addresses (address, kind) VALUES ($1, $2) ON CONFLICT (address) DO NOTHING`,
		addr.String(), kind)
	if err != nil {
		return fmt.Errorf("postgres: claim %s: %w", addr, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %s: %w", kind, addr, ErrAlreadyInitialized)
	}
	return nil
}

func (t *pgTx) Market(addr address.Address) (*model.Market, error) {
	if err := t.lock(addr); err != nil {
		return nil, err
	}
	row := t.tx.QueryRow(t.ctx, `SELECT `+marketCols+` FROM markets WHERE address = $1 FOR UPDATE`, addr.String())
	m, err := scanMarket(row)
	if err != nil {
		return nil, rowErr(err, "market", addr)
	}
	return m, nil
}

func (t *pgTx) InitMarket(m *model.Market) error {
	if err := t.claim(m.Address, "market"); err != nil {
		return err
	}
	_, err := t.tx.Exec(t.ctx,
		`INSERT INTO markets (address, authority, team_a, team_b, league, match_id,
		                      start_time, end_time, resolved, winner,
		                      total_yes, total_no, address_nonce)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::NUMERIC, $12::NUMERIC, $13)`,
		m.Address.String(), m.Authority.String(), m.TeamA, m.TeamB, m.League, m.MatchID,
		m.StartTime, m.EndTime, m.Resolved, int16(m.Winner),
		strconv.FormatUint(m.TotalYes, 10), strconv.FormatUint(m.TotalNo, 10), int16(m.Nonce),
	)
	return err
}

func (t *pgTx) PutMarket(m *model.Market) error {
	tag, err := t.tx.Exec(t.ctx,
		`UPDATE markets
		 SET resolved = $2, winner = $3, total_yes = $4::NUMERIC, total_no = $5::NUMERIC
		 WHERE address = $1`,
		m.Address.String(), m.Resolved, int16(m.Winner),
		strconv.FormatUint(m.TotalYes, 10), strconv.FormatUint(m.TotalNo, 10),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("market %s: %w", m.Address, ErrNotFound)
	}
	return nil
}

func (t *pgTx) Registry(addr address.Address) (*model.Registry, error) {
	if err := t.lock(addr); err != nil {
		return nil, err
	}
	row := t.tx.QueryRow(t.ctx,
		`SELECT address, authority, markets, address_nonce FROM registries WHERE address = $1 FOR UPDATE`,
		addr.String())
	r, err := scanRegistry(row)
	if err != nil {
		return nil, rowErr(err, "registry", addr)
	}
	return r, nil
}

func (t *pgTx) InitRegistry(r *model.Registry) error {
	if err := t.claim(r.Address, "registry"); err != nil {
		return err
	}
	_, err := t.tx.Exec(t.ctx,
		`INSERT INTO registries (address, authority, markets, address_nonce) VALUES ($1, $2, $3, $4)`,
		r.Address.String(), r.Authority.String(), addressStrings(r.Markets), int16(r.Nonce))
	return err
}

func (t *pgTx) PutRegistry(r *model.Registry) error {
	tag, err := t.tx.Exec(t.ctx,
		`UPDATE registries SET markets = $2 WHERE address = $1`,
		r.Address.String(), addressStrings(r.Markets))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("registry %s: %w", r.Address, ErrNotFound)
	}
	return nil
}

func (t *pgTx) Escrow(addr address.Address) (*model.Escrow, error) {
	if err := t.lock(addr); err != nil {
		return nil, err
	}
	row := t.tx.QueryRow(t.ctx,
		`SELECT address, market, lamports::TEXT FROM escrows WHERE address = $1 FOR UPDATE`, addr.String())
	e, err := scanEscrow(row)
	if err != nil {
		return nil, rowErr(err, "escrow", addr)
	}
	return e, nil
}

func (t *pgTx) InitEscrow(addr, market address.Address) error {
	if err := t.claim(addr, "escrow"); err != nil {
		return err
	}
	_, err := t.tx.Exec(t.ctx,
		`INSERT INTO escrows (address, market, lamports) VALUES ($1, $2, 0)`,
		addr.String(), market.String())
	return err
}

func (t *pgTx) account(addr address.Address) (uint64, error) {
	if err := t.lock(addr); err != nil {
		return 0, err
	}
	var lamports string
	err := t.tx.QueryRow(t.ctx,
		`SELECT lamports::TEXT FROM accounts WHERE address = $1 FOR UPDATE`, addr.String()).Scan(&lamports)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(lamports, 10, 64)
}

func (t *pgTx) putAccount(addr address.Address, lamports uint64) error {
	_, err := t.tx.Exec(t.ctx,
		`INSERT INTO accounts (address, lamports) VALUES ($1, $2::NUMERIC)
		 ON CONFLICT (address) DO UPDATE SET lamports = EXCLUDED.lamports`,
		addr.String(), strconv.FormatUint(lamports, 10))
	return err
}

func (t *pgTx) Transfer(from, to address.Address, lamports uint64) error {
	have, err := t.account(from)
	if err != nil {
		return err
	}
	if have < lamports {
		return fmt.Errorf("transfer from %s: %w (have %d, need %d)", from, ErrInsufficientFunds, have, lamports)
	}

	e, err := t.Escrow(to)
	switch {
	case err == nil:
		sum, carry := bits.Add64(e.Lamports, lamports, 0)
		if carry != 0 {
			return fmt.Errorf("escrow %s: %w", to, ErrBalanceOverflow)
		}
		if _, err := t.tx.Exec(t.ctx,
			`UPDATE escrows SET lamports = $2::NUMERIC WHERE address = $1`,
			to.String(), strconv.FormatUint(sum, 10)); err != nil {
			return err
		}
	case errors.Is(err, ErrNotFound):
		if err := t.Credit(to, lamports); err != nil {
			return err
		}
	default:
		return err
	}

	have, err = t.account(from)
	if err != nil {
		return err
	}
	return t.putAccount(from, have-lamports)
}

func (t *pgTx) Credit(addr address.Address, lamports uint64) error {
	have, err := t.account(addr)
	if err != nil {
		return err
	}
	sum, carry := bits.Add64(have, lamports, 0)
	if carry != 0 {
		return fmt.Errorf("account %s: %w", addr, ErrBalanceOverflow)
	}
	return t.putAccount(addr, sum)
}

func (t *pgTx) AppendEvent(ev *model.PredictionPlaced) error {
	var seq int64
	err := t.tx.QueryRow(t.ctx,
		`INSERT INTO prediction_events (id, market, predictor, side, amount, placed_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6)
		 RETURNING sequence`,
		ev.ID, ev.Market.String(), ev.Predictor.String(), int16(ev.Side),
		strconv.FormatUint(ev.Amount, 10), ev.PlacedAt,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("postgres: append event: %w", err)
	}
	ev.Sequence = uint64(seq)
	return nil
}

func scanMarket(row pgx.Row) (*model.Market, error) {
	var m model.Market
	var addrS, authorityS, totalYes, totalNo string
	var winner, nonce int16

	if err := row.Scan(&addrS, &authorityS, &m.TeamA, &m.TeamB, &m.League, &m.MatchID,
		&m.StartTime, &m.EndTime, &m.Resolved, &winner,
		&totalYes, &totalNo, &nonce); err != nil {
		return nil, err
	}

	var err error
	if m.Address, err = address.Parse(addrS); err != nil {
		return nil, err
	}
	if m.Authority, err = address.Parse(authorityS); err != nil {
		return nil, err
	}
	if m.TotalYes, err = strconv.ParseUint(totalYes, 10, 64); err != nil {
		return nil, err
	}
	if m.TotalNo, err = strconv.ParseUint(totalNo, 10, 64); err != nil {
		return nil, err
	}
	m.Winner = model.Winner(winner)
	m.Nonce = uint8(nonce)
	return &m, nil
}

func scanRegistry(row pgx.Row) (*model.Registry, error) {
	var r model.Registry
	var addrS, authorityS string
	var markets []string
	var nonce int16

	if err := row.Scan(&addrS, &authorityS, &markets, &nonce); err != nil {
		return nil, err
	}

	var err error
	if r.Address, err = address.Parse(addrS); err != nil {
		return nil, err
	}
	if r.Authority, err = address.Parse(authorityS); err != nil {
		return nil, err
	}
	r.Markets = make([]address.Address, 0, len(markets))
	for _, s := range markets {
		a, err := address.Parse(s)
		if err != nil {
			return nil, err
		}
		r.Markets = append(r.Markets, a)
	}
	r.Nonce = uint8(nonce)
	return &r, nil
}

func scanEscrow(row pgx.Row) (*model.Escrow, error) {
	var e model.Escrow
	var addrS, marketS, lamports string

	if err := row.Scan(&addrS, &marketS, &lamports); err != nil {
		return nil, err
	}

	var err error
	if e.Address, err = address.Parse(addrS); err != nil {
		return nil, err
	}
	if e.Market, err = address.Parse(marketS); err != nil {
		return nil, err
	}
	if e.Lamports, err = strconv.ParseUint(lamports, 10, 64); err != nil {
		return nil, err
	}
	return &e, nil
}

func addressStrings(as []address.Address) []string {
	out := make([]string, len(as))
	for i, a := range as {
		out[i] = a.String()
	}
	return out
}

func rowErr(err error, kind string, addr address.Address) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", kind, addr, ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", kind, addr, err)
}
