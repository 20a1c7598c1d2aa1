package postgres

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"deltran/internal/identity"
	"deltran/internal/money"
	"deltran/internal/netting"
	"deltran/pkg/errors"
)

// NetPositionRepository implements netting.Store.
type NetPositionRepository struct {
	db *sqlx.DB
}

func NewNetPositionRepository(db *sqlx.DB) *NetPositionRepository {
	return &NetPositionRepository{db: db}
}

func (r *NetPositionRepository) SavePositions(ctx context.Context, windowID identity.WindowID, positions []*netting.NetPosition) error {
	if len(positions) == 0 {
		return nil
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin net position save tx")
	}
	defer tx.Rollback()

	for _, p := range positions {
		obligationIDs := make([]string, len(p.ConstituentObligationIDs))
		for i, id := range p.ConstituentObligationIDs {
			obligationIDs[i] = id.String()
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO net_positions (
				id, window_id, bank_a, bank_b, currency, net_amount,
				direction, constituent_obligation_ids
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, p.ID.String(), windowID.String(), p.BankA.String(), p.BankB.String(),
			string(p.Currency), p.NetAmount.Amount, string(p.Direction), pq.Array(obligationIDs))
		if err != nil {
			return errors.Wrap(err, "failed to insert net position")
		}
	}
	return errors.Wrap(tx.Commit(), "failed to commit net position save tx")
}

func (r *NetPositionRepository) FindByWindow(ctx context.Context, windowID identity.WindowID) ([]*netting.NetPosition, error) {
	rows, err := r.db.QueryxContext(ctx, `
		SELECT id, window_id, bank_a, bank_b, currency, net_amount, direction, constituent_obligation_ids
		FROM net_positions WHERE window_id = $1
		ORDER BY id ASC
	`, windowID.String())
	if err != nil {
		return nil, errors.Wrap(err, "failed to query net positions")
	}
	defer rows.Close()

	var out []*netting.NetPosition
	for rows.Next() {
		p, err := scanNetPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *NetPositionRepository) FindByID(ctx context.Context, id identity.NetPositionID) (*netting.NetPosition, error) {
	row := r.db.QueryRowxContext(ctx, `
		SELECT id, window_id, bank_a, bank_b, currency, net_amount, direction, constituent_obligation_ids
		FROM net_positions WHERE id = $1
	`, id.String())
	p, err := scanNetPosition(row)
	if err == sql.ErrNoRows {
		return nil, errors.ErrNetPositionNotFound
	}
	return p, err
}

// rowScanner abstracts over sqlx.Row and sqlx.Rows, both of which expose
// Scan with the same signature.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanNetPosition(row rowScanner) (*netting.NetPosition, error) {
	var p netting.NetPosition
	var windowID string
	var netAmount decimal.Decimal
	var currency, direction string
	var obligationIDs pq.StringArray

	if err := row.Scan(&p.ID, &windowID, &p.BankA, &p.BankB, &currency, &netAmount, &direction, &obligationIDs); err != nil {
		return nil, errors.Wrap(err, "failed to scan net position")
	}

	wid, err := identity.ParseWindowID(windowID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse net position window_id")
	}
	p.WindowID = wid
	p.Currency = money.Currency(currency)
	p.NetAmount = money.MustNew(netAmount, p.Currency)
	p.Direction = netting.Direction(direction)

	p.ConstituentObligationIDs = make([]identity.ObligationID, len(obligationIDs))
	for i, s := range obligationIDs {
		oid, err := identity.ParseObligationID(s)
		if err != nil {
			return nil, errors.Wrap(err, "failed to parse net position constituent obligation id")
		}
		p.ConstituentObligationIDs[i] = oid
	}
	return &p, nil
}
