package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/roadside-dispatch/internal/models"
)

const uniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

const requestColumns = `id, phone, origin_lat, origin_lon, dest_lat, dest_lon, description, required_equipment, status, created_at, updated_at, last_notified_round, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (models.Request, error) {
	var (
		r                models.Request
		destLat, destLon sql.NullFloat64
		equipment        sql.NullString
		lastRound        sql.NullInt64
		status           string
	)
	err := row.Scan(&r.ID, &r.Phone, &r.Origin.Lat, &r.Origin.Lon, &destLat, &destLon, &r.Description, &equipment, &status, &r.CreatedAt, &r.UpdatedAt, &lastRound, &r.Version)
	if err != nil {
		return models.Request{}, err
	}
	r.Status = models.RequestStatus(status)
	if destLat.Valid && destLon.Valid {
		r.Destination = &models.Coord{Lat: destLat.Float64, Lon: destLon.Float64}
	}
	r.RequiredEquipment = equipment.String
	if lastRound.Valid {
		v := int(lastRound.Int64)
		r.LastNotifiedRound = &v
	}
	return r, nil
}

func (p *PostgresStore) CreateRequest(ctx context.Context, r models.Request) error {
	var destLat, destLon sql.NullFloat64
	if r.Destination != nil {
		destLat = sql.NullFloat64{Float64: r.Destination.Lat, Valid: true}
		destLon = sql.NullFloat64{Float64: r.Destination.Lon, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO requests(`+requestColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		r.ID, r.Phone, r.Origin.Lat, r.Origin.Lon, destLat, destLon, r.Description, nullString(r.RequiredEquipment),
		string(r.Status), r.CreatedAt, r.UpdatedAt, nullInt(r.LastNotifiedRound), r.Version)
	return mapErr(err)
}

func (p *PostgresStore) GetRequest(ctx context.Context, id string) (models.Request, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id=$1`, id)
	r, err := scanRequest(row)
	return r, mapErr(err)
}

func (p *PostgresStore) ListOpenRequests(ctx context.Context) ([]models.Request, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE status = ANY($1) ORDER BY created_at, id`,
		pq.Array([]string{string(models.RequestPending), string(models.RequestSearching)}))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.Request, 0)
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) PurgeTerminal(ctx context.Context, before time.Time) (int, error) {
	// offers go with their request (ON DELETE CASCADE)
	res, err := p.db.ExecContext(ctx, `DELETE FROM requests WHERE status = ANY($1) AND updated_at < $2`,
		pq.Array([]string{string(models.RequestCompleted), string(models.RequestCancelled)}), before)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

const offerColumns = `id, request_id, operator_id, price, estimated_minutes, status, created_at, accepted_at, version`

func scanOffer(row rowScanner) (models.Offer, error) {
	var (
		o          models.Offer
		eta        sql.NullInt64
		acceptedAt sql.NullTime
		status     string
	)
	if err := row.Scan(&o.ID, &o.RequestID, &o.OperatorID, &o.Price, &eta, &status, &o.CreatedAt, &acceptedAt, &o.Version); err != nil {
		return models.Offer{}, err
	}
	o.Status = models.OfferStatus(status)
	if eta.Valid {
		v := int(eta.Int64)
		o.EstimatedMinutes = &v
	}
	if acceptedAt.Valid {
		t := acceptedAt.Time
		o.AcceptedAt = &t
	}
	return o, nil
}

func (p *PostgresStore) GetOffer(ctx context.Context, id string) (models.Offer, error) {
	o, err := scanOffer(p.db.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM offers WHERE id=$1`, id))
	return o, mapErr(err)
}

func (p *PostgresStore) ListOffers(ctx context.Context, requestID string) ([]models.Offer, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+offerColumns+` FROM offers WHERE request_id=$1 ORDER BY created_at, id`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.Offer, 0)
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *PostgresStore) HasProposedOffer(ctx context.Context, requestID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM offers WHERE request_id=$1 AND status=$2)`,
		requestID, string(models.OfferProposed)).Scan(&exists)
	return exists, err
}

// Apply runs the change set in one transaction. Every versioned UPDATE must
// hit exactly one row or the transaction is rolled back with ErrVersionConflict.
func (p *PostgresStore) Apply(ctx context.Context, cs ChangeSet) (err error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, r := range cs.Requests {
		res, err := tx.ExecContext(ctx, `UPDATE requests SET status=$1, updated_at=$2, last_notified_round=$3, version=version+1 WHERE id=$4 AND version=$5`,
			string(r.Status), r.UpdatedAt, nullInt(r.LastNotifiedRound), r.ID, r.Version)
		if err := expectOneRow(res, err); err != nil {
			return fmt.Errorf("request %s: %w", r.ID, err)
		}
	}
	for _, o := range cs.Offers {
		var acceptedAt sql.NullTime
		if o.AcceptedAt != nil {
			acceptedAt = sql.NullTime{Time: *o.AcceptedAt, Valid: true}
		}
		res, err := tx.ExecContext(ctx, `UPDATE offers SET status=$1, accepted_at=$2, version=version+1 WHERE id=$3 AND version=$4`,
			string(o.Status), acceptedAt, o.ID, o.Version)
		if err := expectOneRow(res, err); err != nil {
			return fmt.Errorf("offer %s: %w", o.ID, err)
		}
	}
	for _, o := range cs.NewOffers {
		_, err := tx.ExecContext(ctx, `INSERT INTO offers(`+offerColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,NULL,1)`,
			o.ID, o.RequestID, o.OperatorID, o.Price, nullInt(o.EstimatedMinutes), string(o.Status), o.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert offer %s: %w", o.ID, mapErr(err))
		}
	}
	return mapErr(tx.Commit())
}

func expectOneRow(res sql.Result, err error) error {
	if err != nil {
		return mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return ErrVersionConflict
	}
	return nil
}

const operatorColumns = `id, name, phone, lat, lon, available, service_radius_km, equipment`

func scanOperator(row rowScanner) (models.Operator, error) {
	var (
		op       models.Operator
		lat, lon sql.NullFloat64
	)
	if err := row.Scan(&op.ID, &op.Name, &op.Phone, &lat, &lon, &op.Available, &op.ServiceRadiusKm, pq.Array(&op.Equipment)); err != nil {
		return models.Operator{}, err
	}
	if lat.Valid && lon.Valid {
		op.Location = &models.Coord{Lat: lat.Float64, Lon: lon.Float64}
	}
	return op, nil
}

func (p *PostgresStore) GetOperator(ctx context.Context, id string) (models.Operator, error) {
	op, err := scanOperator(p.db.QueryRowContext(ctx, `SELECT `+operatorColumns+` FROM operators WHERE id=$1`, id))
	return op, mapErr(err)
}

func (p *PostgresStore) ListAvailableOperators(ctx context.Context) ([]models.Operator, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+operatorColumns+` FROM operators WHERE available AND lat IS NOT NULL AND lon IS NOT NULL ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.Operator, 0)
	for rows.Next() {
		op, err := scanOperator(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpsertOperator(ctx context.Context, op models.Operator) error {
	var lat, lon sql.NullFloat64
	if op.Location != nil {
		lat = sql.NullFloat64{Float64: op.Location.Lat, Valid: true}
		lon = sql.NullFloat64{Float64: op.Location.Lon, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO operators(`+operatorColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, phone=EXCLUDED.phone, lat=EXCLUDED.lat, lon=EXCLUDED.lon,
		available=EXCLUDED.available, service_radius_km=EXCLUDED.service_radius_km, equipment=EXCLUDED.equipment`,
		op.ID, op.Name, op.Phone, lat, lon, op.Available, op.ServiceRadiusKm, pq.Array(op.Equipment))
	return err
}

func (p *PostgresStore) UpdateOperatorLocation(ctx context.Context, id string, loc models.Coord) error {
	res, err := p.db.ExecContext(ctx, `UPDATE operators SET lat=$1, lon=$2 WHERE id=$3`, loc.Lat, loc.Lon, id)
	return expectFound(res, err)
}

func (p *PostgresStore) SetOperatorAvailability(ctx context.Context, id string, available bool) error {
	res, err := p.db.ExecContext(ctx, `UPDATE operators SET available=$1 WHERE id=$2`, available, id)
	return expectFound(res, err)
}

func (p *PostgresStore) UpsertEquipment(ctx context.Context, e models.Equipment) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO equipment(id, name, requires_transport) VALUES($1,$2,$3)
		ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, requires_transport=EXCLUDED.requires_transport`,
		e.ID, e.Name, e.RequiresTransport)
	return err
}

func (p *PostgresStore) GetEquipment(ctx context.Context, id string) (models.Equipment, error) {
	var e models.Equipment
	err := p.db.QueryRowContext(ctx, `SELECT id, name, requires_transport FROM equipment WHERE id=$1`, id).Scan(&e.ID, &e.Name, &e.RequiresTransport)
	return e, mapErr(err)
}

func (p *PostgresStore) ListEquipment(ctx context.Context) ([]models.Equipment, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, name, requires_transport FROM equipment ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.Equipment, 0)
	for rows.Next() {
		var e models.Equipment
		if err := rows.Scan(&e.ID, &e.Name, &e.RequiresTransport); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) AddSubscription(ctx context.Context, sub models.PushSubscription) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO push_subscriptions(id, operator_id, token, active, created_at) VALUES($1,$2,$3,$4,$5)`,
		sub.ID, sub.OperatorID, sub.Token, sub.Active, sub.CreatedAt)
	return err
}

func (p *PostgresStore) ListActiveSubscriptions(ctx context.Context, operatorID string) ([]models.PushSubscription, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, operator_id, token, active, created_at FROM push_subscriptions WHERE operator_id=$1 AND active ORDER BY id`, operatorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.PushSubscription, 0)
	for rows.Next() {
		var s models.PushSubscription
		if err := rows.Scan(&s.ID, &s.OperatorID, &s.Token, &s.Active, &s.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresStore) DeactivateSubscription(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE push_subscriptions SET active=false WHERE id=$1`, id)
	return expectFound(res, err)
}

func expectFound(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return ErrVersionConflict
	}
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}
