// Package store persists users, relationships, groups and messages with gorm.
package store

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
	"github.com/zhouzirui/z-chat/backend/internal/model/friend"
	"github.com/zhouzirui/z-chat/backend/internal/model/user"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record conflict")
)

// Config selects the SQL dialect and connection string.
type Config struct {
	Driver string
	DSN    string
}

// Store owns the database handle shared by the typed stores.
type Store struct {
	db *gorm.DB

	Users    *UserStore
	Friends  *FriendStore
	Groups   *GroupStore
	Messages *MessageStore
	Tokens   *TokenStore
}

// Open connects, migrates the schema and wires the typed stores.
func Open(cfg Config, log *zap.Logger) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite", "":
		dialector = sqlite.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Driver, err)
	}

	if cfg.Driver == "sqlite" || cfg.Driver == "" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		// sqlite serialises writers; one connection avoids SQLITE_BUSY under concurrent requests.
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(
		&user.User{},
		&friend.Friend{},
		&chat.Group{},
		&chat.GroupMember{},
		&chat.Message{},
		&user.RevokedToken{},
	); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	if log != nil {
		log.Info("store ready", zap.String("driver", cfg.Driver))
	}

	return &Store{
		db:       db,
		Users:    &UserStore{db: db},
		Friends:  &FriendStore{db: db},
		Groups:   &GroupStore{db: db},
		Messages: &MessageStore{db: db},
		Tokens:   &TokenStore{db: db},
	}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%w: %v", ErrConflict, err)
	default:
		return err
	}
}
