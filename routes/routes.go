package routes

import (
	"github.com/gin-gonic/gin"

	"Gin_postgres_redis_book_lending/app"
	"Gin_postgres_redis_book_lending/controllers"
)

func RegisterRoutes(r *gin.Engine, a *app.App) {
	s := controllers.GetSrv(a)
	Mount(r, s, app.Idempotent(a.Replayer(), a.Log))
}

// Mount 挂载所有接口；测试里直接用它，不需要真实的 App
func Mount(r *gin.Engine, s *controllers.Srv, idemMW gin.HandlerFunc) {
	bookCtl := controllers.NewBookController(s)
	loanCtl := controllers.NewLoanController(s)

	r.GET("/healthz", s.Health)
	// 旧前端直接请求的路径，保留
	r.GET("/borrowedbooks/:userEmail", loanCtl.BorrowedBooks)

	api := r.Group("/api")
	{
		// 图书
		api.POST("/addbook", bookCtl.AddBook)
		api.GET("/getbookbyid/:id", bookCtl.GetBookByID)
		api.GET("/booksbycat/:category", bookCtl.BooksByCategory)

		// 借还
		api.POST("/borrow/:id", idemMW, loanCtl.Borrow)
		api.POST("/checkborrowed/:id", loanCtl.CheckBorrowed)
		api.GET("/borrowedbooks/:userEmail", loanCtl.BorrowedBooks)
		api.POST("/loans/:loanId/return", loanCtl.Return)
	}
}
