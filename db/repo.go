package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"Gin_postgres_redis_book_lending/lending"
)

// Repo is the Postgres backend: catalog and loan ledger live in the same
// database, so it is also a lending.Transactor.
type Repo struct{ DB *gorm.DB }

var (
	_ lending.Store      = (*Repo)(nil)
	_ lending.Transactor = (*Repo)(nil)
)

func NewRepo(db *gorm.DB) *Repo { return &Repo{DB: db} }

// InTx runs fn inside one database transaction; fn's error rolls it back.
func (r *Repo) InTx(ctx context.Context, fn func(ctx context.Context, s lending.Store) error) error {
	return r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, &Repo{DB: tx})
	})
}

// Ping is used by the health check.
func (r *Repo) Ping(ctx context.Context) error {
	sqlDB, err := r.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (r *Repo) Close() error {
	sqlDB, err := r.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// mapErr 把驱动错误翻译成 lending 的哨兵错误，其余原样返回（由引擎归为存储故障）
func mapErr(what string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, lending.ErrNotFound)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.UniqueViolation:
			if pgErr.ConstraintName == openLoanIndex {
				return lending.ErrAlreadyBorrowed
			}
		case pgerrcode.InvalidTextRepresentation:
			// 非法 uuid：这样的书不可能存在
			return fmt.Errorf("%s: %w", what, lending.ErrNotFound)
		}
	}
	return fmt.Errorf("%s: %w", what, err)
}
