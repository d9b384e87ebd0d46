package repository

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/proxylens/proxylens/internal/model"
)

// AutoMigrate creates or extends the uploads and log_events tables from the
// gorm tags on the model types. It reuses the sqlx connection pool.
func AutoMigrate(db *sqlx.DB) error {
	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: db.DB}), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return fmt.Errorf("open gorm: %w", err)
	}
	if err := gdb.AutoMigrate(&model.Upload{}, &model.LogEvent{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
