package db

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"time"

	"github.com/Satzhan7/diploma-sub000/internal/models"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	connectAttempts = 10
	pingTimeout     = 5 * time.Second
)

var passwordParam = regexp.MustCompile(`password=\S+`)

// redactDSN hides the password of a URL or key=value DSN so it can be logged.
func redactDSN(dsn string) string {
	if u, err := url.Parse(dsn); err == nil && u.Scheme != "" && u.Host != "" {
		return u.Redacted()
	}
	return passwordParam.ReplaceAllString(dsn, "password=xxxxx")
}

// Connect opens the Postgres pool, retrying with a growing pause while the
// database comes up. It gives up early when ctx is done.
func Connect(ctx context.Context, dsn string) (*gorm.DB, error) {
	var err error
	for attempt := 0; attempt < connectAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var gdb *gorm.DB
		if gdb, err = open(ctx, dsn); err == nil {
			return gdb, nil
		}
		log.Warn().Err(err).Int("attempt", attempt+1).Str("dsn", redactDSN(dsn)).Msg("db not ready")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(500+attempt*200) * time.Millisecond):
		}
	}
	return nil, fmt.Errorf("connect %s: %w", redactDSN(dsn), err)
}

func open(ctx context.Context, dsn string) (*gorm.DB, error) {
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:               logger.Default.LogMode(logger.Silent),
		DisableAutomaticPing: true,
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetConnMaxLifetime(time.Hour)
	return gdb, nil
}

// Migrate creates or updates the chat tables.
func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(&models.Chat{}, &models.Message{})
}
