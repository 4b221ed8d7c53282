package timescaledb

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/fedsim/pkg/constants"
	"github.com/inferloop/fedsim/pkg/errors"
	"github.com/inferloop/fedsim/pkg/interfaces"
)

// TimescaleDBConfig holds configuration for the TimescaleDB sink. Plain
// PostgreSQL works when Hypertable is false.
type TimescaleDBConfig struct {
	Host              string        `json:"host" mapstructure:"host"`
	Port              int           `json:"port" mapstructure:"port"`
	Database          string        `json:"database" mapstructure:"database"`
	Username          string        `json:"username" mapstructure:"username"`
	Password          string        `json:"password" mapstructure:"password"`
	SSLMode           string        `json:"ssl_mode" mapstructure:"ssl_mode"`
	ConnectTimeout    time.Duration `json:"connect_timeout" mapstructure:"connect_timeout"`
	MaxConnections    int           `json:"max_connections" mapstructure:"max_connections"`
	ConnMaxLifetime   time.Duration `json:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	Hypertable        bool          `json:"hypertable" mapstructure:"hypertable"`
	ChunkTimeInterval string        `json:"chunk_time_interval" mapstructure:"chunk_time_interval"`
	RetentionPolicy   string        `json:"retention_policy" mapstructure:"retention_policy"`
}

// TimescaleDBSink appends one row per proxy client per round to
// fl_round_metrics and one row per recorded learning rate to
// fl_learning_rates.
type TimescaleDBSink struct {
	config    *TimescaleDBConfig
	db        *sql.DB
	logger    *logrus.Logger
	mu        sync.Mutex
	runID     string
	lrOffsets map[string]int
	closed    bool
}

// NewTimescaleDBSink creates a new TimescaleDB sink instance
func NewTimescaleDBSink(config *TimescaleDBConfig, logger *logrus.Logger) (*TimescaleDBSink, error) {
	if config == nil {
		return nil, errors.NewStorageError("INVALID_CONFIG", "TimescaleDB config cannot be nil")
	}

	if config.Database == "" {
		return nil, errors.NewStorageError("INVALID_CONFIG", "TimescaleDB database is required")
	}

	if logger == nil {
		logger = logrus.New()
	}

	if config.Host == "" {
		config.Host = "localhost"
	}
	if config.Port == 0 {
		config.Port = 5432
	}
	if config.SSLMode == "" {
		config.SSLMode = "prefer"
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 10 * time.Second
	}
	if config.MaxConnections == 0 {
		config.MaxConnections = 4
	}
	if config.ChunkTimeInterval == "" {
		config.ChunkTimeInterval = "1 day"
	}

	return &TimescaleDBSink{
		config:    config,
		logger:    logger,
		lrOffsets: make(map[string]int),
	}, nil
}

// Name returns the sink type
func (ts *TimescaleDBSink) Name() string {
	return constants.SinkTimescaleDB
}

// ConnectionString returns the lib/pq key-value DSN
func (ts *TimescaleDBSink) ConnectionString() string {
	parts := []string{
		fmt.Sprintf("host=%s", ts.config.Host),
		fmt.Sprintf("port=%d", ts.config.Port),
		fmt.Sprintf("dbname=%s", ts.config.Database),
		fmt.Sprintf("sslmode=%s", ts.config.SSLMode),
	}
	if ts.config.Username != "" {
		parts = append(parts, fmt.Sprintf("user=%s", ts.config.Username))
	}
	if ts.config.Password != "" {
		parts = append(parts, fmt.Sprintf("password=%s", ts.config.Password))
	}
	if secs := int(ts.config.ConnectTimeout / time.Second); secs > 0 {
		parts = append(parts, fmt.Sprintf("connect_timeout=%d", secs))
	}
	return strings.Join(parts, " ")
}

// Connect opens the pool, pings the server and creates the schema
func (ts *TimescaleDBSink) Connect(ctx context.Context) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.db != nil {
		return nil
	}

	db, err := sql.Open("postgres", ts.ConnectionString())
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, "CONNECTION_FAILED", "Failed to open database connection")
	}

	db.SetMaxOpenConns(ts.config.MaxConnections)
	db.SetMaxIdleConns(ts.config.MaxConnections)
	if ts.config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(ts.config.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, ts.config.ConnectTimeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return errors.WrapError(err, errors.ErrorTypeStorage, "PING_FAILED", "Failed to ping database")
	}

	ts.db = db

	if err := ts.initializeSchema(ctx); err != nil {
		db.Close()
		ts.db = nil
		return errors.WrapError(err, errors.ErrorTypeStorage, "SCHEMA_INIT_FAILED", "Failed to initialize schema")
	}

	ts.closed = false
	ts.logger.WithFields(logrus.Fields{
		"host":     ts.config.Host,
		"port":     ts.config.Port,
		"database": ts.config.Database,
	}).Info("Connected to TimescaleDB")

	return nil
}

// WriteRound copies one row per proxy client in a single transaction
func (ts *TimescaleDBSink) WriteRound(ctx context.Context, record *interfaces.RoundRecord) error {
	if record == nil {
		return errors.NewValidationError("INVALID_RECORD", "Round record cannot be nil")
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.closed || ts.db == nil {
		return errors.NewStorageError("NOT_CONNECTED", "TimescaleDB not connected")
	}

	ts.runID = record.RunID
	rows := RoundRows(record)

	err := ts.copyIn(ctx, pq.CopyIn("fl_round_metrics", roundColumns...), rows)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, "WRITE_FAILED", "Failed to write round metrics")
	}

	ts.logger.WithFields(logrus.Fields{
		"round": record.Round,
		"rows":  len(rows),
	}).Debug("Round written to TimescaleDB")

	return nil
}

// WriteLearningRates copies the steps recorded since the previous call
func (ts *TimescaleDBSink) WriteLearningRates(ctx context.Context, history map[string][]float64) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.closed || ts.db == nil {
		return errors.NewStorageError("NOT_CONNECTED", "TimescaleDB not connected")
	}

	rows := learningRateRows(ts.runID, history, ts.lrOffsets)
	if len(rows) == 0 {
		return nil
	}

	err := ts.copyIn(ctx, pq.CopyIn("fl_learning_rates", "run_id", "proxy_client", "step", "lr"), rows)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, "WRITE_FAILED", "Failed to write learning rates")
	}

	for proxy, lrs := range history {
		ts.lrOffsets[proxy] = len(lrs)
	}
	return nil
}

// Close closes the database connection
func (ts *TimescaleDBSink) Close() error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.closed {
		return nil
	}

	if ts.db != nil {
		err := ts.db.Close()
		ts.db = nil
		ts.closed = true

		if err != nil {
			return errors.WrapError(err, errors.ErrorTypeStorage, "CLOSE_FAILED", "Failed to close database connection")
		}
	}

	ts.logger.Info("TimescaleDB connection closed")
	return nil
}

var roundColumns = []string{
	"recorded_at", "run_id", "algorithm", "round", "proxy_client", "partition",
	"val_acc", "test_acc", "weight", "steps",
}

// RoundRows converts a record into fl_round_metrics rows ordered by proxy client
func RoundRows(record *interfaces.RoundRecord) [][]interface{} {
	proxies := make([]string, 0, len(record.ValAcc))
	for proxy := range record.ValAcc {
		proxies = append(proxies, proxy)
	}
	sort.Strings(proxies)

	rows := make([][]interface{}, 0, len(proxies))
	for _, proxy := range proxies {
		var testAcc interface{}
		if v, ok := record.TestAcc[proxy]; ok {
			testAcc = v
		}
		rows = append(rows, []interface{}{
			record.Timestamp,
			record.RunID,
			record.Algorithm,
			record.Round,
			proxy,
			record.Partitions[proxy],
			record.ValAcc[proxy],
			testAcc,
			record.Weights[proxy],
			record.Steps[proxy],
		})
	}
	return rows
}

func learningRateRows(runID string, history map[string][]float64, offsets map[string]int) [][]interface{} {
	proxies := make([]string, 0, len(history))
	for proxy := range history {
		proxies = append(proxies, proxy)
	}
	sort.Strings(proxies)

	var rows [][]interface{}
	for _, proxy := range proxies {
		lrs := history[proxy]
		for step := offsets[proxy]; step < len(lrs); step++ {
			rows = append(rows, []interface{}{runID, proxy, step, lrs[step]})
		}
	}
	return rows
}

func (ts *TimescaleDBSink) copyIn(ctx context.Context, statement string, rows [][]interface{}) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := ts.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, statement)
	if err != nil {
		return err
	}

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			stmt.Close()
			return err
		}
	}

	// flush the COPY buffer
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return err
	}
	if err := stmt.Close(); err != nil {
		return err
	}

	return tx.Commit()
}

// SchemaStatements returns the DDL executed on connect
func (ts *TimescaleDBSink) SchemaStatements() []string {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS fl_round_metrics (
		recorded_at TIMESTAMPTZ NOT NULL,
		run_id VARCHAR(64) NOT NULL,
		algorithm VARCHAR(32) NOT NULL,
		round INTEGER NOT NULL,
		proxy_client VARCHAR(255) NOT NULL,
		partition VARCHAR(255),
		val_acc DOUBLE PRECISION,
		test_acc DOUBLE PRECISION,
		weight DOUBLE PRECISION,
		steps INTEGER
	)`,
		`CREATE TABLE IF NOT EXISTS fl_learning_rates (
		run_id VARCHAR(64) NOT NULL,
		proxy_client VARCHAR(255) NOT NULL,
		step INTEGER NOT NULL,
		lr DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (run_id, proxy_client, step)
	)`,
		"CREATE INDEX IF NOT EXISTS idx_fl_round_metrics_run_round ON fl_round_metrics (run_id, round)",
	}
	return statements
}

func (ts *TimescaleDBSink) initializeSchema(ctx context.Context) error {
	if ts.config.Hypertable {
		if _, err := ts.db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb CASCADE"); err != nil {
			return fmt.Errorf("failed to create timescaledb extension: %w", err)
		}
	}

	for _, statement := range ts.SchemaStatements() {
		if _, err := ts.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	if !ts.config.Hypertable {
		return nil
	}

	hypertableQuery := fmt.Sprintf(`SELECT create_hypertable('fl_round_metrics', 'recorded_at',
		chunk_time_interval => INTERVAL '%s',
		if_not_exists => TRUE
	)`, ts.config.ChunkTimeInterval)

	if _, err := ts.db.ExecContext(ctx, hypertableQuery); err != nil {
		ts.logger.WithError(err).Warn("Failed to create hypertable, table might already exist")
	}

	if ts.config.RetentionPolicy != "" {
		retentionQuery := fmt.Sprintf(`SELECT add_retention_policy('fl_round_metrics', INTERVAL '%s', if_not_exists => TRUE)`,
			ts.config.RetentionPolicy)
		if _, err := ts.db.ExecContext(ctx, retentionQuery); err != nil {
			ts.logger.WithError(err).Warn("Failed to setup retention policy")
		}
	}

	return nil
}
