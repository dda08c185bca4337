package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	ledgerdomain "github.com/smallbiznis/settlement/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/settlement/internal/observability/metrics"
	"github.com/smallbiznis/settlement/pkg/money"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) CreateEntry(
	ctx context.Context,
	tx *gorm.DB,
	sourceType ledgerdomain.LedgerSourceType,
	sourceID snowflake.ID,
	currency string,
	occurredAt time.Time,
	postings []ledgerdomain.Posting,
) (bool, error) {
	if strings.TrimSpace(string(sourceType)) == "" {
		return false, ledgerdomain.ErrInvalidSourceType
	}
	if sourceID == 0 {
		return false, ledgerdomain.ErrInvalidSourceID
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		return false, ledgerdomain.ErrInvalidCurrency
	}
	if occurredAt.IsZero() {
		return false, ledgerdomain.ErrInvalidOccurredAt
	}
	if len(postings) < 2 {
		return false, ledgerdomain.ErrInvalidEntryLines
	}
	if tx == nil {
		tx = s.db
	}

	lines := make([]ledgerdomain.LedgerEntryLine, 0, len(postings))
	for _, posting := range postings {
		if strings.TrimSpace(string(posting.Account)) == "" {
			return false, ledgerdomain.ErrInvalidAccount
		}
		direction, err := normalizeDirection(posting.Direction)
		if err != nil {
			return false, err
		}
		if posting.Amount.IsNegative() {
			return false, ledgerdomain.ErrInvalidLineAmount
		}
		if posting.Amount.IsZero() {
			continue
		}
		accountID, err := s.ensureAccount(ctx, tx, posting.Account)
		if err != nil {
			return false, err
		}
		lines = append(lines, ledgerdomain.LedgerEntryLine{
			AccountID: accountID,
			Direction: direction,
			Amount:    money.Micros(posting.Amount),
		})
	}
	if len(lines) < 2 {
		return false, ledgerdomain.ErrInvalidEntryLines
	}
	if err := ledgerdomain.ValidateBalanced(lines); err != nil {
		return false, err
	}

	entryID := s.genID.Generate()
	now := time.Now().UTC()
	result := tx.WithContext(ctx).Exec(
		`INSERT INTO ledger_entries (
			id, source_type, source_id, currency, occurred_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (source_type, source_id) DO NOTHING`,
		entryID,
		sourceType,
		sourceID,
		currency,
		occurredAt.UTC(),
		now,
	)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		return false, nil
	}

	for _, line := range lines {
		if err := tx.WithContext(ctx).Exec(
			`INSERT INTO ledger_entry_lines (
				id, ledger_entry_id, account_id, direction, amount, created_at
			) VALUES (?, ?, ?, ?, ?, ?)`,
			s.genID.Generate(),
			entryID,
			line.AccountID,
			string(line.Direction),
			line.Amount,
			now,
		).Error; err != nil {
			return false, err
		}
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordLedgerEntry(ctx, string(sourceType))
	}
	return true, nil
}

// Balance returns debits minus credits for account.
func (s *Service) Balance(ctx context.Context, account ledgerdomain.LedgerAccountCode) (decimal.Decimal, error) {
	var row struct {
		Debit  int64
		Credit int64
	}
	err := s.db.WithContext(ctx).Raw(
		`SELECT
			COALESCE(SUM(CASE WHEN l.direction = 'debit' THEN l.amount ELSE 0 END), 0) AS debit,
			COALESCE(SUM(CASE WHEN l.direction = 'credit' THEN l.amount ELSE 0 END), 0) AS credit
		 FROM ledger_entry_lines l
		 JOIN ledger_accounts a ON a.id = l.account_id
		 WHERE a.code = ?`,
		account,
	).Scan(&row).Error
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.New(row.Debit-row.Credit, -money.USDCPlaces), nil
}

func (s *Service) ensureAccount(ctx context.Context, tx *gorm.DB, code ledgerdomain.LedgerAccountCode) (snowflake.ID, error) {
	if err := tx.WithContext(ctx).Exec(
		`INSERT INTO ledger_accounts (id, code, name, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (code) DO NOTHING`,
		s.genID.Generate(),
		code,
		ledgerdomain.AccountName(code),
		time.Now().UTC(),
	).Error; err != nil {
		return 0, err
	}
	var id snowflake.ID
	if err := tx.WithContext(ctx).Raw(
		`SELECT id FROM ledger_accounts WHERE code = ?`,
		code,
	).Scan(&id).Error; err != nil {
		return 0, err
	}
	if id == 0 {
		return 0, ledgerdomain.ErrInvalidAccount
	}
	return id, nil
}

func normalizeDirection(direction ledgerdomain.LedgerEntryDirection) (ledgerdomain.LedgerEntryDirection, error) {
	normalized := strings.ToLower(strings.TrimSpace(string(direction)))
	switch normalized {
	case string(ledgerdomain.LedgerEntryDirectionDebit):
		return ledgerdomain.LedgerEntryDirectionDebit, nil
	case string(ledgerdomain.LedgerEntryDirectionCredit):
		return ledgerdomain.LedgerEntryDirectionCredit, nil
	default:
		return "", ledgerdomain.ErrInvalidLineDirection
	}
}
