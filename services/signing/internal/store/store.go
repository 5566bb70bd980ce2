// Package store persists documents and their recipients. The Postgres
// implementation follows find/findById/save semantics; Save replaces
// the whole aggregate in one transaction.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"esign/pkg/domain"
)

var ErrNotFound = errors.New("document not found")

type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store {
	return &Store{DB: db}
}

// NewDocumentID mints a local document id.
func NewDocumentID() string { return "doc_" + uuid.NewString() }

func (s *Store) FindByID(ctx context.Context, id string) (*domain.Document, error) {
	return s.findOne(ctx, `WHERE d.document_id=$1`, id)
}

func (s *Store) FindByAgreementID(ctx context.Context, agreementID string) (*domain.Document, error) {
	return s.findOne(ctx, `WHERE d.agreement_id=$1`, agreementID)
}

func (s *Store) findOne(ctx context.Context, where string, arg any) (*domain.Document, error) {
	var (
		doc         domain.Document
		agreementID *string
		recovery    *string
	)
	err := s.DB.QueryRow(ctx, `
SELECT d.document_id, d.agreement_id, d.title, d.status, d.signing_flow,
       d.last_reminder_sent, d.reminder_count, d.recovery_applied, d.recovery_method,
       d.created_at, d.updated_at
FROM documents d
`+where, arg).Scan(
		&doc.ID, &agreementID, &doc.Title, &doc.Status, &doc.SigningFlow,
		&doc.LastReminderSent, &doc.ReminderCount, &doc.RecoveryApplied, &recovery,
		&doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if agreementID != nil {
		doc.AgreementID = *agreementID
	}
	if recovery != nil {
		doc.RecoveryMethod = *recovery
	}

	rows, err := s.DB.Query(ctx, `
SELECT email, name, recipient_order, role, status,
       signed_at, last_reminder_sent, last_signing_url_accessed
FROM document_recipients
WHERE document_id=$1
ORDER BY recipient_order, email
`, doc.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var r domain.Recipient
		if err := rows.Scan(&r.Email, &r.Name, &r.Order, &r.Role, &r.Status,
			&r.SignedAt, &r.LastReminderSent, &r.LastSigningURLAccessed); err != nil {
			return nil, err
		}
		doc.Recipients = append(doc.Recipients, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Save upserts the document row and replaces its recipients.
func (s *Store) Save(ctx context.Context, doc *domain.Document) error {
	if doc.ID == "" {
		doc.ID = NewDocumentID()
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = doc.CreatedAt
	}

	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var agreementID any
	if doc.AgreementID != "" {
		agreementID = doc.AgreementID
	}
	var recovery any
	if doc.RecoveryMethod != "" {
		recovery = doc.RecoveryMethod
	}
	_, err = tx.Exec(ctx, `
INSERT INTO documents(
  document_id, agreement_id, title, status, signing_flow,
  last_reminder_sent, reminder_count, recovery_applied, recovery_method,
  created_at, updated_at
)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (document_id) DO UPDATE SET
  agreement_id=EXCLUDED.agreement_id,
  title=EXCLUDED.title,
  status=EXCLUDED.status,
  signing_flow=EXCLUDED.signing_flow,
  last_reminder_sent=EXCLUDED.last_reminder_sent,
  reminder_count=EXCLUDED.reminder_count,
  recovery_applied=EXCLUDED.recovery_applied,
  recovery_method=EXCLUDED.recovery_method,
  updated_at=EXCLUDED.updated_at
`, doc.ID, agreementID, doc.Title, string(doc.Status), string(doc.SigningFlow),
		doc.LastReminderSent, doc.ReminderCount, doc.RecoveryApplied, recovery,
		doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `DELETE FROM document_recipients WHERE document_id=$1`, doc.ID); err != nil {
		return err
	}
	for _, r := range doc.Recipients {
		_, err := tx.Exec(ctx, `
INSERT INTO document_recipients(
  document_id, email, name, recipient_order, role, status,
  signed_at, last_reminder_sent, last_signing_url_accessed
)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)
`, doc.ID, r.Email, r.Name, r.Order, string(r.Role), string(r.Status),
			r.SignedAt, r.LastReminderSent, r.LastSigningURLAccessed)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}
