package controllers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"Gin_postgres_redis_book_lending/app"
	"Gin_postgres_redis_book_lending/lending"
)

type LoanController struct{ *Srv }

func NewLoanController(s *Srv) *LoanController { return &LoanController{Srv: s} }

type borrowRequest struct {
	UserEmail    string `json:"userEmail"`
	UserName     string `json:"userName"`
	BorrowedDate string `json:"borroweddate"`
	ReturnDate   string `json:"returnDate"`
}

// 借出：扣库存 + 记借阅由引擎保证一致
func (lc *LoanController) Borrow(c *gin.Context) {
	var in borrowRequest
	if err := c.ShouldBindJSON(&in); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, err.Error())
		return
	}
	borrowedAt, err := parseDate(in.BorrowedDate)
	if err != nil {
		badRequest(c, "invalid borroweddate")
		return
	}
	dueAt, err := parseDate(in.ReturnDate)
	if err != nil {
		badRequest(c, "invalid returnDate")
		return
	}

	loan, err := lc.Engine.Borrow(c.Request.Context(), lending.BorrowInput{
		BookID:      c.Param("id"),
		PatronEmail: in.UserEmail,
		PatronName:  in.UserName,
		BorrowedAt:  borrowedAt,
		DueAt:       dueAt,
	})
	if err != nil {
		lc.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, loan)
}

// 当前读者是否正借着这本书
func (lc *LoanController) CheckBorrowed(c *gin.Context) {
	var in struct {
		UserEmail string `json:"userEmail"`
	}
	if err := c.ShouldBindJSON(&in); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, err.Error())
		return
	}

	open, err := lc.Engine.HasOpenLoan(c.Request.Context(), c.Param("id"), in.UserEmail)
	if err != nil {
		lc.fail(c, err)
		return
	}
	msg := "no"
	if open {
		msg = "yes"
	}
	c.JSON(http.StatusOK, app.H{"message": msg, "borrowed": open})
}

// 读者的全部借阅（含已归还），按借出顺序
func (lc *LoanController) BorrowedBooks(c *gin.Context) {
	views, err := lc.Engine.ListLoansForPatron(c.Request.Context(), c.Param("userEmail"))
	if err != nil {
		lc.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, views)
}

// 归还；重复归还返回原记录
func (lc *LoanController) Return(c *gin.Context) {
	var in struct {
		ReturnedAt string `json:"returnedAt"`
	}
	if err := c.ShouldBindJSON(&in); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, err.Error())
		return
	}
	at, err := parseDate(in.ReturnedAt)
	if err != nil {
		badRequest(c, "invalid returnedAt")
		return
	}

	loan, err := lc.Engine.Return(c.Request.Context(), c.Param("loanId"), at)
	if err != nil {
		lc.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, loan)
}
