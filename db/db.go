package db

import (
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"Gin_postgres_redis_book_lending/models"
)

// openLoanIndex 是“同一读者同一本书最多一条未归还借阅”的唯一约束名，
// repo 靠它把 UniqueViolation 识别为重复借阅
const openLoanIndex = models.LoanTable + "_one_open_per_patron_book"

// ConnectDB opens the pool and runs migrations.
func ConnectDB(dsn string, log *slog.Logger) (*gorm.DB, error) {
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	if err := Migrate(gdb); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Info("database connected", "backend", "postgres")
	return gdb, nil
}

func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.Book{}, &models.Loan{}); err != nil {
		return err
	}

	// 同一读者对同一本书最多一条“未归还”
	if err := db.Exec(fmt.Sprintf(`
	  CREATE UNIQUE INDEX IF NOT EXISTS %s
	  ON %s (book_id, patron_email)
	  WHERE returned_at IS NULL;
	`, openLoanIndex, models.LoanTable)).Error; err != nil {
		return err
	}

	// 按读者列借阅记录，按 id（ULID）排序即插入顺序
	if err := db.Exec(fmt.Sprintf(`
	  CREATE INDEX IF NOT EXISTS %s_patron_id
	  ON %s (patron_email, id);
	`, models.LoanTable, models.LoanTable)).Error; err != nil {
		return err
	}

	return nil
}
