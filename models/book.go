// models/book.go
package models

import "time"

const BookTable = "lib_books"

// Book 是一条馆藏记录。QuantityAvailable 只能由借阅引擎通过存储层的条件更新修改。
// JSON 字段名沿用前端已经在用的名字（name / authorName / shortDescription ...）。
type Book struct {
	ID                string    `gorm:"type:uuid;primaryKey" json:"id"`
	Title             string    `gorm:"size:255;not null" json:"name"`
	Author            string    `gorm:"size:255" json:"authorName"`
	Category          string    `gorm:"size:120;index;not null" json:"category"`
	Description       string    `gorm:"type:text" json:"shortDescription"`
	Rating            float64   `gorm:"not null;default:0" json:"rating"`
	Image             string    `gorm:"size:1024" json:"image"`
	AddedBy           string    `gorm:"size:255" json:"addedBy,omitempty"`
	QuantityAvailable int       `gorm:"not null;default:0;check:quantity_available >= 0" json:"quantity"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

func (Book) TableName() string { return BookTable }

// BookUpdate carries catalog metadata changes. Nil fields are left untouched;
// stock is not part of it.
type BookUpdate struct {
	Title       *string  `json:"name,omitempty"`
	Author      *string  `json:"authorName,omitempty"`
	Category    *string  `json:"category,omitempty"`
	Description *string  `json:"shortDescription,omitempty"`
	Rating      *float64 `json:"rating,omitempty"`
	Image       *string  `json:"image,omitempty"`
}

// Columns 返回需要更新的列（列名 → 值），供 SQL 存储使用
func (u BookUpdate) Columns() map[string]any {
	cols := map[string]any{}
	if u.Title != nil {
		cols["title"] = *u.Title
	}
	if u.Author != nil {
		cols["author"] = *u.Author
	}
	if u.Category != nil {
		cols["category"] = *u.Category
	}
	if u.Description != nil {
		cols["description"] = *u.Description
	}
	if u.Rating != nil {
		cols["rating"] = *u.Rating
	}
	if u.Image != nil {
		cols["image"] = *u.Image
	}
	return cols
}

// Apply copies the set fields onto b.
func (u BookUpdate) Apply(b *Book) {
	if u.Title != nil {
		b.Title = *u.Title
	}
	if u.Author != nil {
		b.Author = *u.Author
	}
	if u.Category != nil {
		b.Category = *u.Category
	}
	if u.Description != nil {
		b.Description = *u.Description
	}
	if u.Rating != nil {
		b.Rating = *u.Rating
	}
	if u.Image != nil {
		b.Image = *u.Image
	}
}

func (u BookUpdate) Empty() bool { return len(u.Columns()) == 0 }
