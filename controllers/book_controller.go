package controllers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"Gin_postgres_redis_book_lending/models"
)

type BookController struct{ *Srv }

func NewBookController(s *Srv) *BookController { return &BookController{Srv: s} }

type addBookRequest struct {
	Name             string  `json:"name"`
	AuthorName       string  `json:"authorName"`
	Category         string  `json:"category"`
	ShortDescription string  `json:"shortDescription"`
	Rating           float64 `json:"rating"`
	Image            string  `json:"image"`
	Quantity         int     `json:"quantity"`
	AddedBy          string  `json:"addedBy"`
}

// 新增图书，ID 在这里分配
func (bc *BookController) AddBook(c *gin.Context) {
	var in addBookRequest
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err.Error())
		return
	}
	in.Name = strings.TrimSpace(in.Name)
	in.Category = strings.TrimSpace(in.Category)
	if in.Name == "" || in.Category == "" {
		badRequest(c, "name and category are required")
		return
	}
	if in.Quantity < 0 {
		badRequest(c, "quantity must not be negative")
		return
	}

	b := &models.Book{
		ID:                uuid.NewString(),
		Title:             in.Name,
		Author:            strings.TrimSpace(in.AuthorName),
		Category:          in.Category,
		Description:       in.ShortDescription,
		Rating:            in.Rating,
		Image:             in.Image,
		AddedBy:           strings.TrimSpace(in.AddedBy),
		QuantityAvailable: in.Quantity,
	}
	if err := bc.Catalog.CreateBook(c.Request.Context(), b); err != nil {
		bc.fail(c, err)
		return
	}
	bc.Log.InfoContext(c.Request.Context(), "book added", "book_id", b.ID, "quantity", b.QuantityAvailable)
	c.JSON(http.StatusCreated, b)
}

func (bc *BookController) GetBookByID(c *gin.Context) {
	b, err := bc.Catalog.GetBook(c.Request.Context(), c.Param("id"))
	if err != nil {
		bc.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// 分类精确匹配，没有结果时返回 []
func (bc *BookController) BooksByCategory(c *gin.Context) {
	books, err := bc.Catalog.FindBooksByCategory(c.Request.Context(), c.Param("category"))
	if err != nil {
		bc.fail(c, err)
		return
	}
	if books == nil {
		books = []models.Book{}
	}
	c.JSON(http.StatusOK, books)
}
