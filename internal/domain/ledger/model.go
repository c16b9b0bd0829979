// Package ledger is the only path allowed to change committed quantities.
// Each operation couples a conditional product update with one immutable
// InventoryTransaction in a single database transaction.
package ledger

import (
	"time"

	"agrimarket/internal/core/id"
)

// TransactionType classifies a ledger entry.
type TransactionType string

const (
	TypeReceipt TransactionType = "RECEIPT"
	TypeIssue   TransactionType = "ISSUE"

	// Extension points; no engine path writes these.
	TypeReserve TransactionType = "RESERVE"
	TypeRelease TransactionType = "RELEASE"
	TypeAdjust  TransactionType = "ADJUST"
)

// Valid reports whether t is a known type.
func (t TransactionType) Valid() bool {
	switch t {
	case TypeReceipt, TypeIssue, TypeReserve, TypeRelease, TypeAdjust:
		return true
	}
	return false
}

// Transaction is an append-only ledger row. Never updated or deleted.
type Transaction struct {
	ID        id.ID           `db:"id" json:"id"`
	ProductID id.ID           `db:"product_id" json:"productId"`
	Type      TransactionType `db:"type" json:"type"`
	Quantity  int64           `db:"quantity" json:"quantity"`
	ActorID   string          `db:"actor_id" json:"actorId"`

	Note          *string `db:"note" json:"note,omitempty"`
	ReferenceType *string `db:"reference_type" json:"referenceType,omitempty"`
	ReferenceID   *string `db:"reference_id" json:"referenceId,omitempty"`

	// BatchNumber is the product cycle the row was committed against.
	BatchNumber int       `db:"batch_number" json:"batchNumber"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
}

// Reference links a ledger row to an external document (order, delivery note).
type Reference struct {
	Type string
	ID   string
}

func newTransaction(productID id.ID, typ TransactionType, qty int64, actor string, batch int, note string, ref *Reference, at time.Time) *Transaction {
	t := &Transaction{
		ID:          id.New(),
		ProductID:   productID,
		Type:        typ,
		Quantity:    qty,
		ActorID:     actor,
		BatchNumber: batch,
		CreatedAt:   at.UTC(),
	}
	if note != "" {
		t.Note = &note
	}
	if ref != nil && ref.Type != "" {
		rt, rid := ref.Type, ref.ID
		t.ReferenceType = &rt
		t.ReferenceID = &rid
	}
	return t
}
