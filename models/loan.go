// models/loan.go
package models

import "time"

const LoanTable = "lib_loans"

// Loan 借阅记录：只追加，不删除；ReturnedAt 为空表示未归还。
type Loan struct {
	ID          string `gorm:"type:varchar(26);primaryKey" json:"id"` // ULID，按创建时间有序
	BookID      string `gorm:"type:uuid;index;not null" json:"bookId"`
	PatronEmail string `gorm:"size:255;index;not null" json:"userEmail"`
	PatronName  string `gorm:"size:255;not null" json:"userName"`

	// 借出时的图书快照
	BookTitle    string `gorm:"size:255" json:"name"`
	BookCategory string `gorm:"size:120" json:"category"`

	BorrowedAt time.Time  `gorm:"not null" json:"borrowedAt"`
	DueAt      time.Time  `gorm:"not null" json:"dueAt"`
	ReturnedAt *time.Time `gorm:"index" json:"returnedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (Loan) TableName() string { return LoanTable }

func (l *Loan) IsOpen() bool { return l.ReturnedAt == nil }
