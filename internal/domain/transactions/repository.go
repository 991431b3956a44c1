package transactions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrDuplicateInvoice is returned by Create when the invoice is already
// taken. Invoices are immutable and unique; callers must not retry with
// the same one.
var ErrDuplicateInvoice = errors.New("invoice already exists")

// Querier is satisfied by *pgxpool.Pool and pgx.Tx alike.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Repository struct{ q Querier }

func NewRepository(q Querier) *Repository { return &Repository{q: q} }

const txColumns = `
	id, invoice, gateway, transaction_id, amount, currency, status,
	user_id, payable_type, payable_id, note,
	sender_name, sender_phone, receiver_account,
	bank_transaction_id, card_type, card_no,
	paid_at, created_at, updated_at, deleted_at`

func (r *Repository) Create(ctx context.Context, t *Transaction) error {
	if t.Invoice == "" {
		t.Invoice = NewInvoice(time.Now())
	}
	if t.Currency == "" {
		t.Currency = DefaultCurrency
	}
	if t.Status == "" {
		t.Status = StatusInitiated
	}

	err := r.q.QueryRow(ctx, `
		INSERT INTO bdpayments (invoice, gateway, amount, currency, status, user_id, payable_type, payable_id, note)
		VALUES ($1, $2, $3, $4, $5::payment_status, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at
	`, t.Invoice, t.Gateway, t.Amount, t.Currency, t.Status, t.UserID, t.PayableType, t.PayableID, t.Note).
		Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("create transaction %s: %w", t.Invoice, ErrDuplicateInvoice)
		}
		return fmt.Errorf("create transaction: %w", err)
	}
	return nil
}

func (r *Repository) GetByInvoice(ctx context.Context, invoice string) (*Transaction, error) {
	return r.getBy(ctx, "invoice = $1", invoice)
}

func (r *Repository) GetByGatewayRef(ctx context.Context, ref string) (*Transaction, error) {
	return r.getBy(ctx, "transaction_id = $1", ref)
}

func (r *Repository) getBy(ctx context.Context, cond string, arg any) (*Transaction, error) {
	row := r.q.QueryRow(ctx, `
		SELECT `+txColumns+`
		FROM bdpayments
		WHERE `+cond+` AND deleted_at IS NULL
		LIMIT 1
	`, arg)

	t, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	return t, nil
}

func (r *Repository) AttachGatewayRef(ctx context.Context, invoice, ref string) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE bdpayments
		   SET transaction_id = NULLIF($2, ''),
		       status = 'pending'::payment_status,
		       updated_at = now()
		 WHERE invoice = $1 AND status = 'initiated'::payment_status AND deleted_at IS NULL
	`, invoice, ref)
	if err != nil {
		return fmt.Errorf("attach gateway ref: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("attach gateway ref: no initiated transaction for invoice %s", invoice)
	}
	return nil
}

// Finalize is the single authoritative terminal write. The WHERE clause is
// the optimistic guard from the lifecycle contract: a transaction already
// in completed/failed/cancelled is never rewritten, so a duplicate
// callback racing a concurrent verify resolves to exactly one winner.
func (r *Repository) Finalize(ctx context.Context, id int64, status Status, paidAt *time.Time, meta *Completion) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("finalize: %q is not a terminal status", status)
	}
	if meta == nil {
		meta = &Completion{}
	}

	tag, err := r.q.Exec(ctx, `
		UPDATE bdpayments
		   SET status = $2::payment_status,
		       paid_at = COALESCE($3, paid_at),
		       transaction_id = COALESCE($4, transaction_id),
		       sender_phone = COALESCE($5, sender_phone),
		       bank_transaction_id = COALESCE($6, bank_transaction_id),
		       card_type = COALESCE($7, card_type),
		       card_no = COALESCE($8, card_no),
		       updated_at = now()
		 WHERE id = $1
		   AND status NOT IN ('completed'::payment_status, 'failed'::payment_status, 'cancelled'::payment_status)
		   AND deleted_at IS NULL
	`, id, status, paidAt, meta.GatewayRef, meta.SenderPhone, meta.BankTransactionID, meta.CardType, meta.CardNo)
	if err != nil {
		return false, fmt.Errorf("finalize transaction: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *Repository) SoftDelete(ctx context.Context, id int64) error {
	_, err := r.q.Exec(ctx, `
		UPDATE bdpayments SET deleted_at = now(), updated_at = now()
		 WHERE id = $1 AND deleted_at IS NULL
	`, id)
	if err != nil {
		return fmt.Errorf("soft delete transaction: %w", err)
	}
	return nil
}

// sortColumns whitelists what List may ORDER BY. Anything else falls back
// to created_at.
var sortColumns = map[string]string{
	"created_at": "created_at",
	"updated_at": "updated_at",
	"amount":     "amount",
	"status":     "status",
	"gateway":    "gateway",
	"invoice":    "invoice",
	"paid_at":    "paid_at",
}

func (r *Repository) List(ctx context.Context, f Filter) ([]*Transaction, int, error) {
	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = 20
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	where := []string{"deleted_at IS NULL"}
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.Status != "" {
		where = append(where, "status = "+arg(f.Status)+"::payment_status")
	}
	if f.Gateway != "" {
		where = append(where, "gateway = "+arg(f.Gateway))
	}
	if f.UserID != nil {
		where = append(where, "user_id = "+arg(*f.UserID))
	}
	if f.MinAmount != nil {
		where = append(where, "amount >= "+arg(*f.MinAmount))
	}
	if f.MaxAmount != nil {
		where = append(where, "amount <= "+arg(*f.MaxAmount))
	}
	if f.From != nil {
		where = append(where, "created_at >= "+arg(*f.From))
	}
	if f.To != nil {
		where = append(where, "created_at <= "+arg(*f.To))
	}

	sortBy, ok := sortColumns[f.SortBy]
	if !ok {
		sortBy = "created_at"
		f.SortDesc = true
	}
	dir := "ASC"
	if f.SortDesc {
		dir = "DESC"
	}

	query := fmt.Sprintf(`
		SELECT %s, COUNT(*) OVER() AS total_count
		FROM bdpayments
		WHERE %s
		ORDER BY %s %s, id DESC
		LIMIT %s OFFSET %s
	`, txColumns, strings.Join(where, " AND "), sortBy, dir, arg(f.Limit), arg(f.Offset))

	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var (
		out   []*Transaction
		total int
	)
	for rows.Next() {
		var t Transaction
		if err := rows.Scan(
			&t.ID, &t.Invoice, &t.Gateway, &t.TransactionID, &t.Amount, &t.Currency, &t.Status,
			&t.UserID, &t.PayableType, &t.PayableID, &t.Note,
			&t.SenderName, &t.SenderPhone, &t.ReceiverAccount,
			&t.BankTransactionID, &t.CardType, &t.CardNo,
			&t.PaidAt, &t.CreatedAt, &t.UpdatedAt, &t.DeletedAt,
			&total,
		); err != nil {
			return nil, 0, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("rows error: %w", err)
	}
	return out, total, nil
}

func scanTransaction(row pgx.Row) (*Transaction, error) {
	var t Transaction
	err := row.Scan(
		&t.ID, &t.Invoice, &t.Gateway, &t.TransactionID, &t.Amount, &t.Currency, &t.Status,
		&t.UserID, &t.PayableType, &t.PayableID, &t.Note,
		&t.SenderName, &t.SenderPhone, &t.ReceiverAccount,
		&t.BankTransactionID, &t.CardType, &t.CardNo,
		&t.PaidAt, &t.CreatedAt, &t.UpdatedAt, &t.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
