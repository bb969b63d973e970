package mongostore

import (
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"Gin_postgres_redis_book_lending/models"
)

// 文档字段名沿用前端/旧数据里的名字
type bookDoc struct {
	ID          string    `bson:"_id"`
	Title       string    `bson:"name"`
	Author      string    `bson:"authorName"`
	Category    string    `bson:"category"`
	Description string    `bson:"shortDescription"`
	Rating      float64   `bson:"rating"`
	Image       string    `bson:"image"`
	AddedBy     string    `bson:"addedBy,omitempty"`
	Quantity    int       `bson:"quantity"`
	CreatedAt   time.Time `bson:"createdAt"`
	UpdatedAt   time.Time `bson:"updatedAt"`
}

func toBookDoc(b *models.Book) bookDoc {
	return bookDoc{
		ID:          b.ID,
		Title:       b.Title,
		Author:      b.Author,
		Category:    b.Category,
		Description: b.Description,
		Rating:      b.Rating,
		Image:       b.Image,
		AddedBy:     b.AddedBy,
		Quantity:    b.QuantityAvailable,
		CreatedAt:   b.CreatedAt,
		UpdatedAt:   b.UpdatedAt,
	}
}

func (d *bookDoc) model() *models.Book {
	return &models.Book{
		ID:                d.ID,
		Title:             d.Title,
		Author:            d.Author,
		Category:          d.Category,
		Description:       d.Description,
		Rating:            d.Rating,
		Image:             d.Image,
		AddedBy:           d.AddedBy,
		QuantityAvailable: d.Quantity,
		CreatedAt:         d.CreatedAt.UTC(),
		UpdatedAt:         d.UpdatedAt.UTC(),
	}
}

func bookUpdateDoc(u models.BookUpdate) bson.M {
	set := bson.M{}
	if u.Title != nil {
		set["name"] = *u.Title
	}
	if u.Author != nil {
		set["authorName"] = *u.Author
	}
	if u.Category != nil {
		set["category"] = *u.Category
	}
	if u.Description != nil {
		set["shortDescription"] = *u.Description
	}
	if u.Rating != nil {
		set["rating"] = *u.Rating
	}
	if u.Image != nil {
		set["image"] = *u.Image
	}
	return set
}

// loanDoc 多存一个 open 字段：部分唯一索引的过滤表达式不支持 $exists:false / null 判断
type loanDoc struct {
	ID           string     `bson:"_id"`
	BookID       string     `bson:"bookId"`
	UserEmail    string     `bson:"userEmail"`
	UserName     string     `bson:"userName"`
	Name         string     `bson:"name"`
	Category     string     `bson:"category"`
	BorrowedDate time.Time  `bson:"borrowedDate"`
	ReturnDate   time.Time  `bson:"returnDate"`
	ReturnedAt   *time.Time `bson:"returnedAt,omitempty"`
	Open         bool       `bson:"open"`
	CreatedAt    time.Time  `bson:"createdAt"`
	UpdatedAt    time.Time  `bson:"updatedAt"`
}

func toLoanDoc(l *models.Loan) loanDoc {
	return loanDoc{
		ID:           l.ID,
		BookID:       l.BookID,
		UserEmail:    l.PatronEmail,
		UserName:     l.PatronName,
		Name:         l.BookTitle,
		Category:     l.BookCategory,
		BorrowedDate: l.BorrowedAt,
		ReturnDate:   l.DueAt,
		ReturnedAt:   l.ReturnedAt,
		Open:         l.IsOpen(),
		CreatedAt:    l.CreatedAt,
		UpdatedAt:    l.UpdatedAt,
	}
}

func (d *loanDoc) model() *models.Loan {
	l := &models.Loan{
		ID:           d.ID,
		BookID:       d.BookID,
		PatronEmail:  d.UserEmail,
		PatronName:   d.UserName,
		BookTitle:    d.Name,
		BookCategory: d.Category,
		BorrowedAt:   d.BorrowedDate.UTC(),
		DueAt:        d.ReturnDate.UTC(),
		CreatedAt:    d.CreatedAt.UTC(),
		UpdatedAt:    d.UpdatedAt.UTC(),
	}
	if d.ReturnedAt != nil {
		t := d.ReturnedAt.UTC()
		l.ReturnedAt = &t
	}
	return l
}
