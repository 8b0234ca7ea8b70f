package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rennengfeng/Binance-Trade-BOT/internal/domain"
	"github.com/rennengfeng/Binance-Trade-BOT/internal/ports"

	"github.com/mattn/go-sqlite3" // SQLite driver
)

// Repository implements the position, trade and bot order repositories using SQLite.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
	now    func() time.Time
	// orderRetention bounds how far back FindBotOrders looks.
	orderRetention time.Duration
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath         string
	Logger         ports.Logger
	OrderRetention time.Duration // Default 7 days
}

// NewRepository creates a new SQLite repository instance.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/trading_bot.db" // Default path
	}
	if cfg.OrderRetention <= 0 {
		cfg.OrderRetention = 7 * 24 * time.Hour
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	cfg.Logger.Info(context.Background(), "Data directory checked/created", map[string]interface{}{"path": filepath.Dir(dbPath)})

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w: %w", dbPath, ports.ErrDBConnection, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// One writer; the driver serializes through this connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	cfg.Logger.Info(context.Background(), "SQLite database connection established", map[string]interface{}{"path": dbPath})

	repo := &Repository{
		db:             db,
		logger:         cfg.Logger,
		now:            func() time.Time { return time.Now().UTC() },
		orderRetention: cfg.OrderRetention,
	}
	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	cfg.Logger.Info(context.Background(), "Database schema initialized/verified")
	return repo, nil
}

// initializeSchema creates tables if they don't exist.
func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS positions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		state TEXT NOT NULL,
		origin TEXT NOT NULL,
		entry_price REAL NOT NULL,
		exit_price REAL DEFAULT NULL,
		quantity REAL NOT NULL,
		leverage INTEGER NOT NULL,
		stop_loss REAL NOT NULL DEFAULT 0,
		take_profit REAL NOT NULL DEFAULT 0,
		stop_loss_order_id TEXT DEFAULT NULL,
		take_profit_order_id TEXT DEFAULT NULL,
		entry_time TIMESTAMP NOT NULL,
		exit_time TIMESTAMP DEFAULT NULL,
		status TEXT NOT NULL,
		pnl REAL DEFAULT NULL,
		close_reason TEXT DEFAULT NULL,
		halt_reason TEXT NOT NULL DEFAULT '',
		reverse_to TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS trade_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		origin TEXT NOT NULL,
		entry_price REAL NOT NULL,
		exit_price REAL NOT NULL,
		quantity REAL NOT NULL,
		leverage INTEGER NOT NULL,
		pnl REAL NOT NULL,
		entry_time TIMESTAMP NOT NULL,
		exit_time TIMESTAMP NOT NULL,
		position_id INTEGER NULL,
		close_reason TEXT NULL
	);

	CREATE TABLE IF NOT EXISTS bot_orders (
		user_id INTEGER NOT NULL,
		order_id INTEGER NOT NULL,
		client_order_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		type TEXT NOT NULL,
		purpose TEXT NOT NULL,
		quantity REAL NOT NULL,
		price REAL NOT NULL DEFAULT 0,
		stop_price REAL NOT NULL DEFAULT 0,
		reduce_only INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		executed_qty REAL NOT NULL DEFAULT 0,
		avg_price REAL NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (user_id, order_id)
	);

	-- At most one open position per (user, symbol).
	CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_one_open ON positions (user_id, symbol) WHERE status = 'open';
	CREATE INDEX IF NOT EXISTS idx_positions_user_symbol_status ON positions (user_id, symbol, status);
	CREATE INDEX IF NOT EXISTS idx_trade_history_user_symbol_entry_time ON trade_history (user_id, symbol, entry_time);
	CREATE INDEX IF NOT EXISTS idx_trade_history_user_exit_time ON trade_history (user_id, exit_time);
	CREATE INDEX IF NOT EXISTS idx_bot_orders_client ON bot_orders (user_id, client_order_id);
	CREATE INDEX IF NOT EXISTS idx_bot_orders_updated ON bot_orders (updated_at);
	`
	_, err := r.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing SQLite database connection")
		return r.db.Close()
	}
	return nil
}

// --- PositionRepository Implementation ---

const positionColumns = `id, user_id, symbol, side, state, origin, entry_price, COALESCE(exit_price, 0), quantity, leverage,
	       stop_loss, take_profit, stop_loss_order_id, take_profit_order_id, entry_time, exit_time, status,
	       COALESCE(pnl, 0), close_reason, halt_reason, reverse_to, updated_at`

// Create saves a new position and returns its assigned ID.
func (r *Repository) Create(ctx context.Context, pos *domain.Position) (int64, error) {
	const query = `
	INSERT INTO positions (user_id, symbol, side, state, origin, entry_price, quantity, leverage, stop_loss, take_profit,
	                       stop_loss_order_id, take_profit_order_id, entry_time, status, halt_reason, reverse_to, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := r.db.ExecContext(ctx, query,
		pos.UserID, pos.Symbol, pos.Side, pos.State, pos.Origin, pos.EntryPrice, pos.Quantity, pos.Leverage,
		pos.StopLoss, pos.TakeProfit, nullString(pos.StopLossOrderID), nullString(pos.TakeProfitOrderID),
		pos.EntryTime.UTC(), pos.Status, pos.HaltReason, pos.ReverseTo, r.now())
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("open position already exists for user %d symbol %s: %w", pos.UserID, pos.Symbol, ports.ErrDuplicateEntry)
		}
		return 0, fmt.Errorf("failed to insert position for symbol %s: %w: %w", pos.Symbol, ports.ErrQueryFailed, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for position %s: %w", pos.Symbol, err)
	}
	pos.ID = id
	r.logger.Debug(ctx, "Position created", map[string]interface{}{"positionID": id, "userID": pos.UserID, "symbol": pos.Symbol})
	return id, nil
}

// Update modifies an existing position based on its ID.
func (r *Repository) Update(ctx context.Context, pos *domain.Position) error {
	const query = `
	UPDATE positions
	SET side = ?, state = ?, origin = ?, entry_price = ?, exit_price = ?, quantity = ?, leverage = ?, stop_loss = ?,
	    take_profit = ?, stop_loss_order_id = ?, take_profit_order_id = ?, entry_time = ?, exit_time = ?, status = ?,
	    pnl = ?, close_reason = ?, halt_reason = ?, reverse_to = ?, updated_at = ?
	WHERE id = ?`

	var exitTime sql.NullTime
	if !pos.ExitTime.IsZero() {
		exitTime = sql.NullTime{Time: pos.ExitTime.UTC(), Valid: true}
	}
	var closeReason sql.NullString
	if pos.CloseReason != "" {
		closeReason = sql.NullString{String: string(pos.CloseReason), Valid: true}
	}

	result, err := r.db.ExecContext(ctx, query,
		pos.Side, pos.State, pos.Origin, pos.EntryPrice, pos.ExitPrice, pos.Quantity, pos.Leverage, pos.StopLoss,
		pos.TakeProfit, nullString(pos.StopLossOrderID), nullString(pos.TakeProfitOrderID), pos.EntryTime.UTC(), exitTime,
		pos.Status, pos.PNL, closeReason, pos.HaltReason, pos.ReverseTo, r.now(),
		pos.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("reopen position ID %d: %w", pos.ID, ports.ErrDuplicateEntry)
		}
		return fmt.Errorf("failed to update position ID %d: %w: %w", pos.ID, ports.ErrUpdateFailed, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for update position ID %d: %w", pos.ID, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("position ID %d not found for update: %w", pos.ID, ports.ErrNotFound)
	}
	r.logger.Debug(ctx, "Position updated", map[string]interface{}{"positionID": pos.ID, "symbol": pos.Symbol, "status": pos.Status, "state": pos.State})
	return nil
}

// FindOpen retrieves the open position for a (user, symbol), if any.
func (r *Repository) FindOpen(ctx context.Context, userID int64, symbol string) (*domain.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE user_id = ? AND symbol = ? AND status = ?`

	row := r.db.QueryRowContext(ctx, query, userID, symbol, domain.StatusOpen)
	pos, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			r.logger.Debug(ctx, "No open position found", map[string]interface{}{"userID": userID, "symbol": symbol})
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query open position for symbol %s: %w: %w", symbol, ports.ErrQueryFailed, err)
	}
	return pos, nil
}

// FindByID retrieves a position by its unique ID.
func (r *Repository) FindByID(ctx context.Context, id int64) (*domain.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE id = ?`

	row := r.db.QueryRowContext(ctx, query, id)
	pos, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			r.logger.Debug(ctx, "Position not found by ID", map[string]interface{}{"positionID": id})
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query position by ID %d: %w: %w", id, ports.ErrQueryFailed, err)
	}
	return pos, nil
}

// FindAllOpen retrieves every open position, ordered by user and symbol.
func (r *Repository) FindAllOpen(ctx context.Context) ([]*domain.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE status = ? ORDER BY user_id, symbol`

	rows, err := r.db.QueryContext(ctx, query, domain.StatusOpen)
	if err != nil {
		return nil, fmt.Errorf("failed to query open positions: %w: %w", ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	positions := make([]*domain.Position, 0)
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position during FindAllOpen: %w", err)
		}
		positions = append(positions, pos)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating position rows: %w", err)
	}
	return positions, nil
}

// GetTotalProfit calculates the sum of PNL for a user's closed positions.
func (r *Repository) GetTotalProfit(ctx context.Context, userID int64) (float64, error) {
	const query = `SELECT COALESCE(SUM(pnl), 0) FROM positions WHERE user_id = ? AND status = ?`
	var totalProfit float64
	err := r.db.QueryRowContext(ctx, query, userID, domain.StatusClosed).Scan(&totalProfit)
	if err != nil {
		return 0, fmt.Errorf("failed to calculate total profit: %w: %w", ports.ErrQueryFailed, err)
	}
	return totalProfit, nil
}

// --- TradeRepository Implementation ---

// CreateTrade saves a new trade record and returns its assigned ID.
func (r *Repository) CreateTrade(ctx context.Context, trade *domain.Trade) (int64, error) {
	const query = `
	INSERT INTO trade_history (user_id, symbol, side, origin, entry_price, exit_price, quantity, leverage, pnl,
	                           entry_time, exit_time, position_id, close_reason)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var positionID sql.NullInt64
	if trade.PositionID != 0 {
		positionID = sql.NullInt64{Int64: trade.PositionID, Valid: true}
	}
	var closeReason sql.NullString
	if trade.CloseReason != "" {
		closeReason = sql.NullString{String: string(trade.CloseReason), Valid: true}
	}

	result, err := r.db.ExecContext(ctx, query,
		trade.UserID, trade.Symbol, trade.Side, trade.Origin, trade.EntryPrice, trade.ExitPrice, trade.Quantity,
		trade.Leverage, trade.PNL, trade.EntryTime.UTC(), trade.ExitTime.UTC(), positionID, closeReason)
	if err != nil {
		return 0, fmt.Errorf("failed to insert trade history for symbol %s: %w: %w", trade.Symbol, ports.ErrQueryFailed, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for trade history %s: %w", trade.Symbol, err)
	}
	trade.ID = id
	r.logger.Debug(ctx, "Trade history created", map[string]interface{}{"tradeID": id, "symbol": trade.Symbol, "pnl": trade.PNL})
	return id, nil
}

// FindBySymbol retrieves the most recent trades for a (user, symbol), up to a limit.
func (r *Repository) FindBySymbol(ctx context.Context, userID int64, symbol string, limit int) ([]*domain.Trade, error) {
	const query = `
	SELECT id, user_id, symbol, side, origin, entry_price, exit_price, quantity, leverage, pnl,
	       entry_time, exit_time, position_id, close_reason
	FROM trade_history
	WHERE user_id = ? AND symbol = ? ORDER BY entry_time DESC, id DESC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, userID, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query trade history for symbol %s: %w: %w", symbol, ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	trades := make([]*domain.Trade, 0)
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade history during FindBySymbol: %w", err)
		}
		trades = append(trades, trade)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trade history rows: %w", err)
	}
	return trades, nil
}

// CountTodayBySymbol counts the trades entered today (UTC) for a (user, symbol).
func (r *Repository) CountTodayBySymbol(ctx context.Context, userID int64, symbol string) (int, error) {
	// Times are stored in UTC, so the driver's text form orders chronologically.
	const query = `SELECT COUNT(*) FROM trade_history WHERE user_id = ? AND symbol = ? AND entry_time >= ?`
	now := r.now()
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	var count int
	err := r.db.QueryRowContext(ctx, query, userID, symbol, startOfDay).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count trades today for symbol %s: %w: %w", symbol, ports.ErrQueryFailed, err)
	}
	return count, nil
}

// SummarizeSince aggregates a user's trades closed at or after since.
func (r *Repository) SummarizeSince(ctx context.Context, userID int64, since time.Time) (domain.TradeSummary, error) {
	const query = `
	SELECT COUNT(*), COALESCE(SUM(CASE WHEN pnl > 0 THEN 1 ELSE 0 END), 0), COALESCE(SUM(pnl), 0)
	FROM trade_history WHERE user_id = ? AND exit_time >= ?`
	var s domain.TradeSummary
	err := r.db.QueryRowContext(ctx, query, userID, since.UTC()).Scan(&s.Trades, &s.Wins, &s.PNL)
	if err != nil {
		return domain.TradeSummary{}, fmt.Errorf("failed to summarize trades for user %d: %w: %w", userID, ports.ErrQueryFailed, err)
	}
	return s, nil
}

// --- Helper Scan Functions ---

// scanner defines an interface compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanPosition scans a row into a domain.Position struct.
func scanPosition(s scanner) (*domain.Position, error) {
	p := &domain.Position{}
	var exitTime sql.NullTime
	var slID, tpID, closeReason sql.NullString
	var side, state, origin, status, reverseTo string
	err := s.Scan(
		&p.ID, &p.UserID, &p.Symbol, &side, &state, &origin, &p.EntryPrice, &p.ExitPrice, &p.Quantity, &p.Leverage,
		&p.StopLoss, &p.TakeProfit, &slID, &tpID, &p.EntryTime, &exitTime, &status,
		&p.PNL, &closeReason, &p.HaltReason, &reverseTo, &p.UpdatedAt)
	if err != nil {
		return nil, err // Handle sql.ErrNoRows in the caller
	}
	if exitTime.Valid {
		p.ExitTime = exitTime.Time
	}
	if slID.Valid {
		p.StopLossOrderID = &slID.String
	}
	if tpID.Valid {
		p.TakeProfitOrderID = &tpID.String
	}
	if closeReason.Valid {
		p.CloseReason = domain.CloseReason(closeReason.String)
	}
	p.Side = domain.Side(side)
	p.State = domain.PositionState(state)
	p.Origin = domain.Origin(origin)
	p.Status = domain.PositionStatus(status)
	p.ReverseTo = domain.Side(reverseTo)
	return p, nil
}

// scanTrade scans a row into a domain.Trade struct.
func scanTrade(s scanner) (*domain.Trade, error) {
	th := &domain.Trade{}
	var positionID sql.NullInt64
	var closeReason sql.NullString
	var side, origin string
	err := s.Scan(
		&th.ID, &th.UserID, &th.Symbol, &side, &origin, &th.EntryPrice, &th.ExitPrice, &th.Quantity, &th.Leverage, &th.PNL,
		&th.EntryTime, &th.ExitTime, &positionID, &closeReason)
	if err != nil {
		return nil, err // Handle sql.ErrNoRows in the caller
	}
	th.Side = domain.Side(side)
	th.Origin = domain.Origin(origin)
	if positionID.Valid {
		th.PositionID = positionID.Int64
	}
	if closeReason.Valid {
		th.CloseReason = domain.CloseReason(closeReason.String)
	} else {
		th.CloseReason = domain.CloseReasonUnknown // Default if NULL
	}
	return th, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
