package lending

import (
	"time"

	"circulation-backend/internal/library/catalog"
)

// 書籍登録・更新リクエスト
type BookRequest struct {
	Title         string  `json:"title" binding:"required"`
	Author        string  `json:"author" binding:"required"`
	ISBN          string  `json:"isbn" binding:"required"`
	Category      *string `json:"category,omitempty"`
	PublishedYear *int    `json:"published_year,omitempty"`
	TotalCopies   int     `json:"total_copies" binding:"required"`
}

func (r BookRequest) draft() catalog.Draft {
	return catalog.Draft{
		Title:         r.Title,
		Author:        r.Author,
		ISBN:          r.ISBN,
		Category:      r.Category,
		PublishedYear: r.PublishedYear,
		TotalCopies:   r.TotalCopies,
	}
}

type BookIDRequest struct {
	BookID int64 `json:"book_id" binding:"required"`
}

type TransactionIDRequest struct {
	TransactionID string `json:"transaction_id" binding:"required"`
}

type BookResponse struct {
	BookID          int64     `json:"book_id"`
	Title           string    `json:"title"`
	Author          string    `json:"author"`
	ISBN            string    `json:"isbn"`
	Category        *string   `json:"category,omitempty"`
	PublishedYear   *int      `json:"published_year,omitempty"`
	TotalCopies     int       `json:"total_copies"`
	AvailableCopies int       `json:"available_copies"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func toBookResponse(b catalog.Book) BookResponse {
	return BookResponse{
		BookID:          b.ID,
		Title:           b.Title,
		Author:          b.Author,
		ISBN:            b.ISBN,
		Category:        b.Category,
		PublishedYear:   b.PublishedYear,
		TotalCopies:     b.TotalCopies,
		AvailableCopies: b.AvailableCopies,
		CreatedAt:       b.CreatedAt,
		UpdatedAt:       b.UpdatedAt,
	}
}

// 貸出レスポンス（user_name は borrower_id）
// 日付は YYYY-MM-DD（延滞料を数えるタイムゾーン）
type TransactionResponse struct {
	TransactionID string     `json:"transaction_id"`
	BookID        int64      `json:"book_id"`
	BookTitle     string     `json:"book_title,omitempty"`
	UserName      string     `json:"user_name"`
	IssueDate     string     `json:"issue_date"`
	DueDate       string     `json:"due_date"`
	ReturnDate    *string    `json:"return_date"`
	ApprovedAt    *time.Time `json:"approved_at,omitempty"`
	ApprovedBy    *string    `json:"approved_by,omitempty"`
	FineAmount    float64    `json:"fine_amount"`
	Status        string     `json:"status"`
}

func toTransactionResponse(v TransactionView, day func(*time.Time) string) TransactionResponse {
	l := v.Loan
	out := TransactionResponse{
		TransactionID: l.ID,
		BookID:        l.BookID,
		BookTitle:     v.BookTitle,
		UserName:      l.BorrowerID,
		IssueDate:     day(&l.IssuedAt),
		DueDate:       day(&l.DueAt),
		ApprovedAt:    l.ApprovedAt,
		ApprovedBy:    l.ApprovedBy,
		FineAmount:    l.Fine.InexactFloat64(),
		Status:        string(v.Status),
	}
	if l.ReturnedAt != nil {
		d := day(l.ReturnedAt)
		out.ReturnDate = &d
	}
	return out
}

type TransactionResult struct {
	Message string `json:"message"`
	TransactionResponse
}

type ReservationResponse struct {
	ReservationID   string     `json:"reservation_id"`
	BookID          int64      `json:"book_id"`
	BookTitle       string     `json:"book_title,omitempty"`
	UserName        string     `json:"user_name"`
	ReservationDate time.Time  `json:"reservation_date"`
	Status          string     `json:"status"`
	ClosedAt        *time.Time `json:"closed_at,omitempty"`
	// 0 始まり。waiting 以外は省略
	Position        *int `json:"position,omitempty"`
	AvailableCopies int  `json:"available_copies"`
}

func toReservationResponse(v ReservationView) ReservationResponse {
	r := v.Reservation
	out := ReservationResponse{
		ReservationID:   r.ID,
		BookID:          r.BookID,
		BookTitle:       v.BookTitle,
		UserName:        r.BorrowerID,
		ReservationDate: r.ReservedAt,
		Status:          string(r.Status),
		ClosedAt:        r.ClosedAt,
		AvailableCopies: v.AvailableCopies,
	}
	if v.Position >= 0 {
		p := v.Position
		out.Position = &p
	}
	return out
}

type ReservationResult struct {
	Message string `json:"message"`
	ReservationResponse
}

type StatusResponse struct {
	BookID int64  `json:"book_id"`
	Status string `json:"status"`
}
