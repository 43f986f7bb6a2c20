package lending

import (
	"bytes"
	"context"
	"encoding/csv"
	"strconv"
	"time"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"circulation-backend/internal/library/errs"
)

type Encoding string

const (
	EncodingUTF8BOM  Encoding = "utf-8"
	EncodingShiftJIS Encoding = "shift_jis" // Excel (CP932) 向け
)

func ParseEncoding(v string) (Encoding, error) {
	switch Encoding(v) {
	case "", EncodingUTF8BOM:
		return EncodingUTF8BOM, nil
	case EncodingShiftJIS, "sjis", "cp932":
		return EncodingShiftJIS, nil
	}
	return "", errs.ErrInvalid("encoding must be utf-8 or shift_jis")
}

func (enc Encoding) encoder() *encoding.Encoder {
	if enc == EncodingShiftJIS {
		// 変換できない文字は置換して出力を止めない
		return encoding.ReplaceUnsupported(japanese.ShiftJIS.NewEncoder())
	}
	return unicode.UTF8BOM.NewEncoder()
}

var exportHeader = []string{
	"transaction_id", "borrower_id", "book_id", "book_title",
	"issue_date", "due_date", "return_date", "approved_by", "fine_amount", "status",
}

// ExportTransactions renders every loan as CSV for admins.
func (e *Engine) ExportTransactions(ctx context.Context, s Session, enc Encoding) ([]byte, error) {
	if err := requireAdmin(s); err != nil {
		return nil, err
	}
	rows, err := e.Transactions(ctx, s)
	if err != nil {
		return nil, err
	}

	var b bytes.Buffer
	tw := transform.NewWriter(&b, enc.encoder())
	w := csv.NewWriter(tw)
	if err := w.Write(exportHeader); err != nil {
		return nil, err
	}
	for _, r := range rows {
		l := r.Loan
		approvedBy := ""
		if l.ApprovedBy != nil {
			approvedBy = *l.ApprovedBy
		}
		record := []string{
			l.ID, l.BorrowerID, strconv.FormatInt(l.BookID, 10), r.BookTitle,
			e.formatDate(&l.IssuedAt), e.formatDate(&l.DueAt), e.formatDate(l.ReturnedAt),
			approvedBy, l.Fine.StringFixed(2), string(r.Status),
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// formatDate prints the calendar day fines are counted in.
func (e *Engine) formatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	loc := e.policy.Location
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(time.DateOnly)
}
