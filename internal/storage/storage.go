package storage

import (
	"binance-ladder-bot-go/internal/models"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3" // Import the sqlite3 driver
)

// InitDB opens the candle cache and creates the necessary tables.
func InitDB(dataSourceName string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite serialises writers anyway; one connection also keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err = createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return db, nil
}

// createTables creates the necessary database tables if they don't exist.
func createTables(db *sql.DB) error {
	// Candles are immutable once fetched; the primary key forbids duplicates.
	createCandlesTableSQL := `
	CREATE TABLE IF NOT EXISTS candles (
		symbol TEXT NOT NULL,
		timeframe TEXT NOT NULL,
		open_time INTEGER NOT NULL,
		close_time INTEGER NOT NULL,
		open REAL NOT NULL,
		high REAL NOT NULL,
		low REAL NOT NULL,
		close REAL NOT NULL,
		volume REAL NOT NULL,
		PRIMARY KEY (symbol, timeframe, open_time)
	);`
	if _, err := db.Exec(createCandlesTableSQL); err != nil {
		return err
	}

	createBotMetadataTableSQL := `
	CREATE TABLE IF NOT EXISTS bot_metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);`
	if _, err := db.Exec(createBotMetadataTableSQL); err != nil {
		return err
	}

	initCycleCounterSQL := `INSERT OR IGNORE INTO bot_metadata (key, value) VALUES ('cycle_counter', '0');`
	if _, err := db.Exec(initCycleCounterSQL); err != nil {
		return err
	}

	return nil
}

// InsertCandles stores candles that are not cached yet. Existing rows are never
// rewritten. It returns the number of new rows.
func InsertCandles(db *sql.DB, symbol, timeframe string, candles []models.Candle) (int, error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin candle transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
	INSERT INTO candles (symbol, timeframe, open_time, close_time, open, high, low, close, volume)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(symbol, timeframe, open_time) DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare candle insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, c := range candles {
		res, err := stmt.Exec(symbol, timeframe, c.OpenTime.UnixMilli(), c.CloseTime.UnixMilli(), c.Open, c.High, c.Low, c.Close, c.Volume)
		if err != nil {
			return 0, fmt.Errorf("failed to insert candle %s: %w", c.OpenTime.Format(time.RFC3339), err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit candles: %w", err)
	}
	return inserted, nil
}

// LastCandleTime returns the open time of the newest cached candle.
func LastCandleTime(db *sql.DB, symbol, timeframe string) (time.Time, bool, error) {
	var openTime sql.NullInt64
	err := db.QueryRow(`SELECT MAX(open_time) FROM candles WHERE symbol = ? AND timeframe = ?`, symbol, timeframe).Scan(&openTime)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to query last candle: %w", err)
	}
	if !openTime.Valid {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(openTime.Int64).UTC(), true, nil
}

// RecentCandles returns the newest n candles in ascending time order.
func RecentCandles(db *sql.DB, symbol, timeframe string, n int) ([]models.Candle, error) {
	rows, err := db.Query(`
	SELECT open_time, close_time, open, high, low, close, volume FROM (
		SELECT * FROM candles WHERE symbol = ? AND timeframe = ?
		ORDER BY open_time DESC LIMIT ?
	) ORDER BY open_time ASC`, symbol, timeframe, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query candles: %w", err)
	}
	defer rows.Close()

	var candles []models.Candle
	for rows.Next() {
		var c models.Candle
		var openMs, closeMs int64
		if err := rows.Scan(&openMs, &closeMs, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("failed to scan candle row: %w", err)
		}
		c.OpenTime = time.UnixMilli(openMs).UTC()
		c.CloseTime = time.UnixMilli(closeMs).UTC()
		candles = append(candles, c)
	}
	return candles, rows.Err()
}

// GetNextCycleID atomically retrieves and increments the cycle counter from the database.
func GetNextCycleID(db *sql.DB) (int64, error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction for cycle ID: %w", err)
	}
	defer tx.Rollback() // Rollback on any error

	var counterStr string
	err = tx.QueryRow("SELECT value FROM bot_metadata WHERE key = 'cycle_counter'").Scan(&counterStr)
	if err != nil {
		return 0, fmt.Errorf("failed to read cycle_counter: %w", err)
	}

	counter, err := strconv.ParseInt(counterStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse cycle_counter value '%s': %w", counterStr, err)
	}

	nextCounter := counter + 1
	_, err = tx.Exec("UPDATE bot_metadata SET value = ? WHERE key = 'cycle_counter'", strconv.FormatInt(nextCounter, 10))
	if err != nil {
		return 0, fmt.Errorf("failed to update cycle_counter: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit cycle_counter transaction: %w", err)
	}
	return nextCounter, nil
}
