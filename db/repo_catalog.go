package db

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"Gin_postgres_redis_book_lending/models"
)

// Books

func (r *Repo) CreateBook(ctx context.Context, b *models.Book) error {
	return mapErr("create book", r.DB.WithContext(ctx).Create(b).Error)
}

func (r *Repo) GetBook(ctx context.Context, id string) (*models.Book, error) {
	var b models.Book
	if err := r.DB.WithContext(ctx).First(&b, "id = ?", id).Error; err != nil {
		return nil, mapErr("book "+id, err)
	}
	return &b, nil
}

func (r *Repo) FindBooksByCategory(ctx context.Context, category string) ([]models.Book, error) {
	books := []models.Book{}
	err := r.DB.WithContext(ctx).
		Where("category = ?", category).
		Order("created_at ASC, id ASC").
		Find(&books).Error
	return books, mapErr("find books", err)
}

// DecrementStock: UPDATE ... SET quantity_available = quantity_available - n
// WHERE id = ? AND quantity_available >= n RETURNING *
// 条件和扣减在同一条语句里，并发借阅不会把库存扣成负数
func (r *Repo) DecrementStock(ctx context.Context, id string, amount int) (*models.Book, bool, error) {
	var b models.Book
	res := r.DB.WithContext(ctx).Model(&b).
		Clauses(clause.Returning{}).
		Where("id = ? AND quantity_available >= ?", id, amount).
		Update("quantity_available", gorm.Expr("quantity_available - ?", amount))
	if res.Error != nil {
		return nil, false, mapErr("decrement stock", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, false, nil
	}
	return &b, true, nil
}

func (r *Repo) IncrementStock(ctx context.Context, id string, amount int) error {
	res := r.DB.WithContext(ctx).Model(&models.Book{}).
		Where("id = ?", id).
		Update("quantity_available", gorm.Expr("quantity_available + ?", amount))
	if res.Error != nil {
		return mapErr("increment stock", res.Error)
	}
	if res.RowsAffected == 0 {
		return mapErr("book "+id, gorm.ErrRecordNotFound)
	}
	return nil
}

// UpdateBook 只改元数据列；库存列不在 BookUpdate 里
func (r *Repo) UpdateBook(ctx context.Context, id string, u models.BookUpdate) (*models.Book, error) {
	if u.Empty() {
		return r.GetBook(ctx, id)
	}
	var b models.Book
	res := r.DB.WithContext(ctx).Model(&b).
		Clauses(clause.Returning{}).
		Where("id = ?", id).
		Updates(u.Columns())
	if res.Error != nil {
		return nil, mapErr("update book", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, mapErr("book "+id, gorm.ErrRecordNotFound)
	}
	return &b, nil
}
