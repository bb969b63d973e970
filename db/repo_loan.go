package db

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"Gin_postgres_redis_book_lending/models"
)

// Loans

// InsertLoan 依赖部分唯一索引 openLoanIndex 拒绝重复借阅
func (r *Repo) InsertLoan(ctx context.Context, l *models.Loan) error {
	return mapErr("insert loan", r.DB.WithContext(ctx).Create(l).Error)
}

func (r *Repo) GetLoan(ctx context.Context, id string) (*models.Loan, error) {
	var l models.Loan
	if err := r.DB.WithContext(ctx).First(&l, "id = ?", id).Error; err != nil {
		return nil, mapErr("loan "+id, err)
	}
	return &l, nil
}

// id 是单调 ULID，按 id 升序就是插入顺序
func (r *Repo) FindLoansByPatron(ctx context.Context, email string) ([]models.Loan, error) {
	ls := []models.Loan{}
	err := r.DB.WithContext(ctx).
		Where("patron_email = ?", email).
		Order("id ASC").
		Find(&ls).Error
	return ls, mapErr("find loans", err)
}

// book_id 是 uuid 列：非法 id 不可能有借阅，直接返回空，和其他后端一致
func (r *Repo) FindLoansByBookAndPatron(ctx context.Context, bookID, email string) ([]models.Loan, error) {
	ls := []models.Loan{}
	if _, err := uuid.Parse(bookID); err != nil {
		return ls, nil
	}
	err := r.DB.WithContext(ctx).
		Where("book_id = ? AND patron_email = ?", bookID, email).
		Order("id ASC").
		Find(&ls).Error
	return ls, mapErr("find loans", err)
}

// CloseLoan: 只有 returned_at IS NULL 时才更新；已归还则返回现有记录（幂等）
func (r *Repo) CloseLoan(ctx context.Context, id string, at time.Time) (*models.Loan, bool, error) {
	var l models.Loan
	res := r.DB.WithContext(ctx).Model(&l).
		Clauses(clause.Returning{}).
		Where("id = ? AND returned_at IS NULL", id).
		Update("returned_at", at)
	if res.Error != nil {
		return nil, false, mapErr("close loan", res.Error)
	}
	if res.RowsAffected == 1 {
		return &l, true, nil
	}

	got, err := r.GetLoan(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return got, false, nil
}

func (r *Repo) ReopenLoan(ctx context.Context, id string) error {
	res := r.DB.WithContext(ctx).Model(&models.Loan{}).
		Where("id = ? AND returned_at IS NOT NULL", id).
		Update("returned_at", gorm.Expr("NULL"))
	if res.Error != nil {
		return mapErr("reopen loan", res.Error)
	}
	if res.RowsAffected == 0 {
		// 已经是未归还状态，或者根本没有
		_, err := r.GetLoan(ctx, id)
		return err
	}
	return nil
}
