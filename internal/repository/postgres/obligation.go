package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"deltran/internal/identity"
	"deltran/internal/money"
	"deltran/internal/obligation"
	"deltran/pkg/errors"
)

// ObligationRepository implements obligation.Store.
type ObligationRepository struct {
	db *sqlx.DB
}

func NewObligationRepository(db *sqlx.DB) *ObligationRepository {
	return &ObligationRepository{db: db}
}

func (r *ObligationRepository) Create(ctx context.Context, o *obligation.Obligation) error {
	o.CreatedAt = time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO obligations (
			id, window_id, debtor_bank, creditor_bank, amount, currency,
			status, end_to_end_ref, net_position_id, upstream_stamp, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, o.ID.String(), o.WindowID.String(), o.DebtorBank.String(), o.CreditorBank.String(),
		o.Amount.Amount, string(o.Amount.Currency), string(o.Status), o.EndToEndRef.String(),
		nullNetPositionID(o.NetPositionID), o.UpstreamStamp, o.CreatedAt)
	return errors.Wrap(err, "failed to create obligation")
}

func nullNetPositionID(id *identity.NetPositionID) interface{} {
	if id == nil {
		return nil
	}
	return id.String()
}

func (r *ObligationRepository) scanOne(ctx context.Context, query string, args ...interface{}) (*obligation.Obligation, error) {
	var o obligation.Obligation
	var amount decimal.Decimal
	var currency, status string
	var netPositionID sql.NullString

	err := r.db.QueryRowxContext(ctx, query, args...).Scan(
		&o.ID, &o.WindowID, &o.DebtorBank, &o.CreditorBank, &amount, &currency,
		&status, &o.EndToEndRef, &netPositionID, &o.UpstreamStamp, &o.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, errors.ErrObligationNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find obligation")
	}
	o.Status = obligation.Status(status)
	o.Amount = money.MustNew(amount, money.Currency(currency))
	if netPositionID.Valid {
		parsed, parseErr := identity.ParseNetPositionID(netPositionID.String)
		if parseErr != nil {
			return nil, errors.Wrap(parseErr, "failed to parse obligation net_position_id")
		}
		o.NetPositionID = &parsed
	}
	return &o, nil
}

const selectObligationColumns = `
	id, window_id, debtor_bank, creditor_bank, amount, currency,
	status, end_to_end_ref, net_position_id, upstream_stamp, created_at
`

func (r *ObligationRepository) FindByID(ctx context.Context, id identity.ObligationID) (*obligation.Obligation, error) {
	return r.scanOne(ctx, `SELECT `+selectObligationColumns+` FROM obligations WHERE id = $1`, id.String())
}

func (r *ObligationRepository) FindByEndToEndRef(ctx context.Context, ref identity.EndToEndRef) (*obligation.Obligation, error) {
	o, err := r.scanOne(ctx, `SELECT `+selectObligationColumns+` FROM obligations WHERE end_to_end_ref = $1`, ref.String())
	if errors.Is(err, errors.ErrObligationNotFound) {
		return nil, nil
	}
	return o, err
}

func (r *ObligationRepository) queryMany(ctx context.Context, query string, args ...interface{}) ([]*obligation.Obligation, error) {
	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query obligations")
	}
	defer rows.Close()

	var out []*obligation.Obligation
	for rows.Next() {
		var o obligation.Obligation
		var amount decimal.Decimal
		var currency, status string
		var netPositionID sql.NullString
		if err := rows.Scan(&o.ID, &o.WindowID, &o.DebtorBank, &o.CreditorBank, &amount, &currency,
			&status, &o.EndToEndRef, &netPositionID, &o.UpstreamStamp, &o.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan obligation")
		}
		o.Status = obligation.Status(status)
		o.Amount = money.MustNew(amount, money.Currency(currency))
		if netPositionID.Valid {
			parsed, parseErr := identity.ParseNetPositionID(netPositionID.String)
			if parseErr != nil {
				return nil, errors.Wrap(parseErr, "failed to parse obligation net_position_id")
			}
			o.NetPositionID = &parsed
		}
		out = append(out, &o)
	}
	return out, rows.Err()
}

func (r *ObligationRepository) FindByWindow(ctx context.Context, windowID identity.WindowID) ([]*obligation.Obligation, error) {
	return r.queryMany(ctx, `SELECT `+selectObligationColumns+` FROM obligations WHERE window_id = $1 ORDER BY id ASC`, windowID.String())
}

func (r *ObligationRepository) FindOpenForWindow(ctx context.Context, windowID identity.WindowID) ([]*obligation.Obligation, error) {
	return r.queryMany(ctx, `
		SELECT `+selectObligationColumns+` FROM obligations
		WHERE window_id = $1 AND status = $2
		ORDER BY id ASC
	`, windowID.String(), string(obligation.StatusPending))
}

func (r *ObligationRepository) MarkNetted(ctx context.Context, ids []identity.ObligationID, netPositionID identity.NetPositionID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE obligations SET status = $1, net_position_id = $2
		WHERE id = ANY($3)
	`, string(obligation.StatusNetted), netPositionID.String(), pq.Array(idStrings(ids)))
	return errors.Wrap(err, "failed to mark obligations netted")
}

func (r *ObligationRepository) MarkCancelled(ctx context.Context, id identity.ObligationID, reason string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE obligations SET status = $1 WHERE id = $2
	`, string(obligation.StatusCancelled), id.String())
	return errors.Wrap(err, "failed to mark obligation cancelled: "+reason)
}

func (r *ObligationRepository) MarkSettled(ctx context.Context, ids []identity.ObligationID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE obligations SET status = $1 WHERE id = ANY($2)
	`, string(obligation.StatusSettled), pq.Array(idStrings(ids)))
	return errors.Wrap(err, "failed to mark obligations settled")
}

func (r *ObligationRepository) MarkSettledWithRefund(ctx context.Context, ids []identity.ObligationID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE obligations SET status = $1 WHERE id = ANY($2)
	`, string(obligation.StatusSettledWithRefund), pq.Array(idStrings(ids)))
	return errors.Wrap(err, "failed to mark obligations settled with refund")
}

func idStrings(ids []identity.ObligationID) []string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}
	return parts
}
