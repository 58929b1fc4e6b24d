package pingpanel

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"
	dbTypeNone     = "none"

	defaultEventListLimit = 50
	maxEventListLimit     = 500
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
	}
	dbOperationTimeout = 10 * time.Second
)

// EventKind identifies what happened to the bot runner
type EventKind string

const (
	EventStartRequested  EventKind = "start_requested"
	EventStartRejected   EventKind = "start_rejected"
	EventConfigError     EventKind = "config_error"
	EventConnectionError EventKind = "connection_error"
	EventConnected       EventKind = "connected"
	EventDisconnected    EventKind = "disconnected"
	EventReady           EventKind = "ready"
	EventCommand         EventKind = "command"
	EventStopped         EventKind = "stopped"
	EventPanic           EventKind = "panic"
)

// RunnerEvent is an audit record of the bot runner's lifecycle and the
// commands it handled. Nothing reads these back into runner state.
type RunnerEvent struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt int64     `gorm:"autoCreateTime:milli;index" json:"created_at"`
	Kind      EventKind `gorm:"index;not null" json:"kind"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
	ChannelID string    `json:"channel_id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
}

func (e RunnerEvent) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("kind", string(e.Kind)),
		slog.String("message", e.Message),
		slog.String("error", e.Error),
		slog.String("channel_id", e.ChannelID),
		slog.String("user_id", e.UserID),
	)
}

// eventLog persists RunnerEvent records. A nil *eventLog is valid, and
// drops everything written to it.
type eventLog struct {
	db     *gorm.DB
	logger *slog.Logger

	// sqlite only tolerates one writer
	mu                     sync.Mutex
	enableConcurrentWrites bool
}

// openEventLog connects to the given database and migrates the
// RunnerEvent table. It returns a nil *eventLog for dbTypeNone.
func openEventLog(
	ctx context.Context,
	databaseType string,
	database string,
	handler slog.Handler,
	slowThreshold time.Duration,
) (*eventLog, error) {
	logger := slog.New(handler).With(loggerNameKey, "database")

	if databaseType == dbTypeNone {
		logger.WarnContext(ctx, "database disabled, runner events won't be recorded")
		return nil, nil
	}

	logger.InfoContext(
		ctx,
		"initializing database",
		"database_type", databaseType,
	)
	db, err := getDB(databaseType, database, newGORMLogger(handler, slowThreshold))
	if err != nil {
		return nil, err
	}

	if databaseType == dbTypeSQLite {
		sqlDB, e := db.DB()
		if e != nil {
			return nil, e
		}
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)
		for _, pragma := range sqliteExecPragma {
			if e = db.WithContext(ctx).Exec(pragma).Error; e != nil {
				return nil, fmt.Errorf("error executing %q: %w", pragma, e)
			}
		}
	}

	if err = db.WithContext(ctx).AutoMigrate(&RunnerEvent{}); err != nil {
		return nil, fmt.Errorf("error migrating database: %w", err)
	}

	return &eventLog{
		db:                     db,
		logger:                 logger,
		enableConcurrentWrites: databaseType != dbTypeSQLite,
	}, nil
}

// getDB initializes and returns a GORM database connection based on the
// specified database type.
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		return gorm.Open(sqlite.Open(database), gormConfig)
	case dbTypePostgres:
		return gorm.Open(postgres.Open(database), gormConfig)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q, %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres, dbTypeNone,
		)
	}
}

// Record saves the event. Failures are logged, not returned: losing an
// audit record must never affect the runner.
func (e *eventLog) Record(ctx context.Context, event RunnerEvent) {
	if e == nil {
		return
	}
	if !e.enableConcurrentWrites {
		e.mu.Lock()
		defer e.mu.Unlock()
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dbOperationTimeout)
	defer cancel()

	if err := e.db.WithContext(ctx).Create(&event).Error; err != nil {
		e.logger.ErrorContext(
			ctx,
			"error recording runner event",
			tint.Err(err),
			"event", event,
		)
	}
}

// Recent returns up to limit events, newest first
func (e *eventLog) Recent(ctx context.Context, limit int) ([]RunnerEvent, error) {
	events := []RunnerEvent{}
	if e == nil {
		return events, nil
	}
	if limit <= 0 {
		limit = defaultEventListLimit
	}
	if limit > maxEventListLimit {
		limit = maxEventListLimit
	}
	ctx, cancel := context.WithTimeout(ctx, dbOperationTimeout)
	defer cancel()

	err := e.db.WithContext(ctx).
		Order("created_at desc, id desc").
		Limit(limit).
		Find(&events).Error
	return events, err
}

func (e *eventLog) Close() error {
	if e == nil {
		return nil
	}
	sqlDB, err := e.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// MigrateDatabase creates or updates the runner event table, then
// closes the connection. It's a no-op when the database is disabled.
func MigrateDatabase(ctx context.Context, config *Config) error {
	events, err := openEventLog(
		ctx,
		config.DatabaseType,
		config.Database,
		newLogHandler(defaultLogWriter, config.DatabaseLogLevel),
		config.DatabaseSlowThreshold,
	)
	if err != nil {
		return err
	}
	return events.Close()
}
