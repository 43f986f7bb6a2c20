package lending

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"circulation-backend/internal/library/errs"
	"circulation-backend/internal/library/ledger"
	"circulation-backend/internal/platform/auth"
)

type Handler struct{ eng *Engine }

// RegisterRoutes expects r to sit behind auth.RequireAuth.
func RegisterRoutes(r gin.IRoutes, eng *Engine) {
	h := &Handler{eng: eng}
	admin := auth.RequireRole(auth.RoleAdmin)

	// 1. 蔵書
	r.GET("/books", h.ListBooks)
	r.GET("/books/status", h.Status)
	r.GET("/books/:book_id", h.GetBook)
	r.POST("/books", admin, h.AddBook)
	r.PUT("/books/:book_id", admin, h.EditBook)
	r.DELETE("/books/:book_id", admin, h.RemoveBook)

	// 2. 貸出・予約・返却
	r.POST("/books/borrow", h.Borrow)
	r.POST("/books/reserve", h.Reserve)
	r.POST("/books/return", h.Return)

	// 3. 台帳
	r.GET("/transactions", h.ListTransactions)
	r.POST("/transactions/approve", admin, h.Approve)
	r.GET("/transactions/export", admin, h.Export)
	r.GET("/reservations", h.ListReservations)
	r.DELETE("/reservations/:reservation_id", h.CancelReservation)
}

// ---------- helpers ----------

func session(c *gin.Context) Session {
	claims := auth.FromContext(c)
	return Session{UserID: claims.UserID, Role: claims.Role}
}

func errorBody(code errs.Code, msg string) gin.H {
	return gin.H{"error": msg, "code": code}
}

// fail writes err in the error shape; internal details stay in the log.
func fail(c *gin.Context, err error) {
	code := errs.CodeOf(err)
	if code == errs.CodeInternal {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, errorBody(code, "internal error"))
		return
	}
	msg := err.Error()
	var api *errs.APIError
	if errors.As(err, &api) {
		msg = api.Message
	}
	c.JSON(errs.ToHTTPStatus(err), errorBody(code, msg))
}

func (h *Handler) transaction(c *gin.Context, loan ledger.Loan) TransactionResponse {
	return toTransactionResponse(h.eng.DescribeLoan(c.Request.Context(), loan), h.eng.formatDate)
}

func bookIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("book_id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, errorBody(errs.CodeInvalidArgument, "invalid book_id"))
		return 0, false
	}
	return id, true
}

// ---------- books ----------

// GET /books
func (h *Handler) ListBooks(c *gin.Context) {
	books, err := h.eng.Books(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	out := make([]BookResponse, 0, len(books))
	for _, b := range books {
		out = append(out, toBookResponse(b))
	}
	c.JSON(http.StatusOK, out)
}

// GET /books/:book_id
func (h *Handler) GetBook(c *gin.Context) {
	id, ok := bookIDParam(c)
	if !ok {
		return
	}
	b, err := h.eng.Book(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toBookResponse(b))
}

// POST /books
func (h *Handler) AddBook(c *gin.Context) {
	var req BookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(errs.CodeInvalidArgument, "invalid json or missing required fields"))
		return
	}
	b, err := h.eng.AddBook(c.Request.Context(), session(c), req.draft())
	if err != nil {
		fail(c, err)
		return
	}
	c.Header("Location", fmt.Sprintf("/api/books/%d", b.ID))
	c.JSON(http.StatusCreated, gin.H{"message": "Book added", "book": toBookResponse(b)})
}

// PUT /books/:book_id
func (h *Handler) EditBook(c *gin.Context) {
	id, ok := bookIDParam(c)
	if !ok {
		return
	}
	var req BookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(errs.CodeInvalidArgument, "invalid json or missing required fields"))
		return
	}
	b, err := h.eng.EditBook(c.Request.Context(), session(c), id, req.draft())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Book updated", "book": toBookResponse(b)})
}

// DELETE /books/:book_id
func (h *Handler) RemoveBook(c *gin.Context) {
	id, ok := bookIDParam(c)
	if !ok {
		return
	}
	if err := h.eng.RemoveBook(c.Request.Context(), session(c), id); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Book deleted"})
}

// GET /books/status
func (h *Handler) Status(c *gin.Context) {
	states := h.eng.StatusFor(c.Request.Context(), session(c))
	out := make([]StatusResponse, 0, len(states))
	for _, s := range states {
		out = append(out, StatusResponse{BookID: s.BookID, Status: string(s.State)})
	}
	c.JSON(http.StatusOK, out)
}

// ---------- circulation ----------

// POST /books/borrow
func (h *Handler) Borrow(c *gin.Context) {
	var req BookIDRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(errs.CodeInvalidArgument, "book_id is required"))
		return
	}
	loan, err := h.eng.Borrow(c.Request.Context(), session(c), req.BookID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, TransactionResult{
		Message:             "Book borrowed successfully",
		TransactionResponse: h.transaction(c, loan),
	})
}

// POST /books/reserve
func (h *Handler) Reserve(c *gin.Context) {
	var req BookIDRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(errs.CodeInvalidArgument, "book_id is required"))
		return
	}
	res, err := h.eng.Reserve(c.Request.Context(), session(c), req.BookID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, ReservationResult{
		Message:             "Book reserved successfully",
		ReservationResponse: toReservationResponse(h.eng.DescribeReservation(c.Request.Context(), res)),
	})
}

// POST /books/return
func (h *Handler) Return(c *gin.Context) {
	var req TransactionIDRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(errs.CodeInvalidArgument, "transaction_id is required"))
		return
	}
	loan, err := h.eng.Return(c.Request.Context(), session(c), req.TransactionID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, TransactionResult{
		Message:             "Return requested, awaiting approval",
		TransactionResponse: h.transaction(c, loan),
	})
}

// POST /transactions/approve
func (h *Handler) Approve(c *gin.Context) {
	var req TransactionIDRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(errs.CodeInvalidArgument, "transaction_id is required"))
		return
	}
	loan, err := h.eng.ApproveReturn(c.Request.Context(), session(c), req.TransactionID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, TransactionResult{
		Message:             "Return approved",
		TransactionResponse: h.transaction(c, loan),
	})
}

// DELETE /reservations/:reservation_id
func (h *Handler) CancelReservation(c *gin.Context) {
	res, err := h.eng.CancelReservation(c.Request.Context(), session(c), c.Param("reservation_id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ReservationResult{
		Message:             "Reservation cancelled",
		ReservationResponse: toReservationResponse(h.eng.DescribeReservation(c.Request.Context(), res)),
	})
}

// ---------- listings ----------

// GET /transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	views, err := h.eng.Transactions(c.Request.Context(), session(c))
	if err != nil {
		fail(c, err)
		return
	}
	out := make([]TransactionResponse, 0, len(views))
	for _, v := range views {
		out = append(out, toTransactionResponse(v, h.eng.formatDate))
	}
	c.JSON(http.StatusOK, out)
}

// GET /reservations
func (h *Handler) ListReservations(c *gin.Context) {
	views, err := h.eng.Reservations(c.Request.Context(), session(c))
	if err != nil {
		fail(c, err)
		return
	}
	out := make([]ReservationResponse, 0, len(views))
	for _, v := range views {
		out = append(out, toReservationResponse(v))
	}
	c.JSON(http.StatusOK, out)
}

// GET /transactions/export?encoding=utf-8|shift_jis
func (h *Handler) Export(c *gin.Context) {
	enc, err := ParseEncoding(c.Query("encoding"))
	if err != nil {
		fail(c, err)
		return
	}
	data, err := h.eng.ExportTransactions(c.Request.Context(), session(c), enc)
	if err != nil {
		fail(c, err)
		return
	}
	charset := "UTF-8"
	if enc == EncodingShiftJIS {
		charset = "Shift_JIS"
	}
	c.Header("Content-Disposition", `attachment; filename="transactions.csv"`)
	c.Data(http.StatusOK, "text/csv; charset="+charset, data)
}
