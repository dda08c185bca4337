package domain

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/settlement/pkg/db/pagination"
	"gorm.io/gorm"
)

type Service interface {
	// Reconcile snapshots the seven days ending at today's UTC midnight. A
	// second run on the same day returns the stored snapshot.
	Reconcile(ctx context.Context) (*Reconciliation, error)
	Latest(ctx context.Context) (*Reconciliation, error)
	// List pages through snapshots newest week first.
	List(ctx context.Context, req ListRequest) (ListResponse, error)
}

type ListRequest struct {
	PageToken string
	PageSize  int
}

type ListResponse struct {
	pagination.PageInfo
	Items []Reconciliation `json:"items"`
}

type Repository interface {
	SumSettled(ctx context.Context, db *gorm.DB, from, to time.Time) (Flows, error)
	SumUnsettled(ctx context.Context, db *gorm.DB, from, to time.Time) (Unsettled, error)
	Insert(ctx context.Context, tx *gorm.DB, rec *Reconciliation) (bool, error)
	FindByWeekStart(ctx context.Context, db *gorm.DB, weekStart time.Time) (*Reconciliation, error)
	List(ctx context.Context, db *gorm.DB, after *pagination.Cursor, limit int) ([]Reconciliation, error)
}

var (
	ErrNotFound       = errors.New("reconciliation_not_found")
	ErrBalanceUnknown = errors.New("treasury_balance_unavailable")
)
