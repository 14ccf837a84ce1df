package db

import (
	"context"
	"time"

	"github.com/MiquelDW/chat-webapp/internal/models"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const connectTries = 10

// Connect 建立到 Postgres 的连接，数据库未就绪时按指数退避重试。
// TranslateError 打开后唯一约束冲突会被翻译为 gorm.ErrDuplicatedKey。
func Connect(ctx context.Context, dsn string) (*gorm.DB, error) {
	open := func() (*gorm.DB, error) {
		gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger:         logger.Default.LogMode(logger.Silent),
			TranslateError: true,
		})
		if err != nil {
			return nil, err
		}
		sqlDB, err := gdb.DB()
		if err != nil {
			return nil, err
		}
		if err := sqlDB.PingContext(ctx); err != nil {
			_ = sqlDB.Close()
			return nil, err
		}
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetMaxOpenConns(20)
		sqlDB.SetConnMaxLifetime(time.Hour)
		return gdb, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	attempt := 0
	return backoff.Retry(ctx, open,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(connectTries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			attempt++
			log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", wait).Msg("database not ready, retrying")
		}),
	)
}

// Migrate 自动迁移会话子系统涉及的全部表结构。
func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(
		&models.User{},
		&models.Conversation{},
		&models.ConversationMember{},
		&models.Message{},
		&models.Request{},
		&models.Friend{},
	)
}
