package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements Store with row locks. Transactions lock documents
// in ride, offer, driver order so concurrent bodies cannot deadlock on each
// other; upserts additionally require the version that was read.
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func NewPostgresStoreFromDB(db *sqlx.DB) *PostgresStore { return &PostgresStore{db: db} }

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// Migrate applies the embedded migrations in file name order.
func (p *PostgresStore) Migrate(ctx context.Context) ([]string, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return nil, err
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return nil, fmt.Errorf("migration %s: %w", name, err)
		}
	}
	return names, nil
}

func (p *PostgresStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify(err)
	}
	return nil
}

// classify tags retryable driver failures with ErrTransient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("postgres: %w: %w: %w", err, models.ErrConflict, ErrTransient)
		}
		return fmt.Errorf("postgres: %w", err)
	}
	if errors.Is(err, driver.ErrBadConn) {
		return fmt.Errorf("postgres: %w: %w", err, ErrTransient)
	}
	return fmt.Errorf("postgres: %w", err)
}

const rideColumns = `id, rider_id, driver_id, status, tier, pickup_lat, pickup_lon, dropoff_lat, dropoff_lon,
	price_amount, price_currency, dispatch_attempts, attempted_driver_ids, search_expires_at, offer_expires_at,
	next_round_at, cancel_reason, payment_status, payment_intent_id, created_at, updated_at, accepted_at,
	started_at, completed_at, cancelled_at, version`

const offerColumns = `ride_id, driver_id, status, tier, pickup_lat, pickup_lon, dropoff_lat, dropoff_lon,
	price_amount, price_currency, quoted_at, expires_at, responded_at, version`

const driverColumns = `id, online, busy, current_ride_id, vehicle_class, lat, lon, last_heartbeat_at, updated_at, version`

const eventColumns = `id, ride_id, from_state, to_state, kind, actor_id, actor_role, driver_id, reason, at`

const blockColumns = `driver_id, customer_id, initiator, reason, created_at`

const upsertRide = `INSERT INTO rides (` + rideColumns + `) VALUES (
	:id, :rider_id, :driver_id, :status, :tier, :pickup_lat, :pickup_lon, :dropoff_lat, :dropoff_lon,
	:price_amount, :price_currency, :dispatch_attempts, :attempted_driver_ids, :search_expires_at, :offer_expires_at,
	:next_round_at, :cancel_reason, :payment_status, :payment_intent_id, :created_at, :updated_at, :accepted_at,
	:started_at, :completed_at, :cancelled_at, 1)
ON CONFLICT (id) DO UPDATE SET
	driver_id = EXCLUDED.driver_id, status = EXCLUDED.status, dispatch_attempts = EXCLUDED.dispatch_attempts,
	attempted_driver_ids = EXCLUDED.attempted_driver_ids, search_expires_at = EXCLUDED.search_expires_at,
	offer_expires_at = EXCLUDED.offer_expires_at, next_round_at = EXCLUDED.next_round_at,
	cancel_reason = EXCLUDED.cancel_reason, payment_status = EXCLUDED.payment_status,
	payment_intent_id = EXCLUDED.payment_intent_id, price_amount = EXCLUDED.price_amount,
	price_currency = EXCLUDED.price_currency, updated_at = EXCLUDED.updated_at,
	accepted_at = EXCLUDED.accepted_at, started_at = EXCLUDED.started_at,
	completed_at = EXCLUDED.completed_at, cancelled_at = EXCLUDED.cancelled_at,
	version = rides.version + 1
WHERE rides.version = :version`

const upsertOffer = `INSERT INTO offers (` + offerColumns + `) VALUES (
	:ride_id, :driver_id, :status, :tier, :pickup_lat, :pickup_lon, :dropoff_lat, :dropoff_lon,
	:price_amount, :price_currency, :quoted_at, :expires_at, :responded_at, 1)
ON CONFLICT (ride_id, driver_id) DO UPDATE SET
	status = EXCLUDED.status, expires_at = EXCLUDED.expires_at, responded_at = EXCLUDED.responded_at,
	version = offers.version + 1
WHERE offers.version = :version`

const upsertDriver = `INSERT INTO drivers (` + driverColumns + `) VALUES (
	:id, :online, :busy, :current_ride_id, :vehicle_class, :lat, :lon, :last_heartbeat_at, :updated_at, 1)
ON CONFLICT (id) DO UPDATE SET
	online = EXCLUDED.online, busy = EXCLUDED.busy, current_ride_id = EXCLUDED.current_ride_id,
	vehicle_class = EXCLUDED.vehicle_class, lat = EXCLUDED.lat, lon = EXCLUDED.lon,
	last_heartbeat_at = EXCLUDED.last_heartbeat_at, updated_at = EXCLUDED.updated_at,
	version = drivers.version + 1
WHERE drivers.version = :version`

func (p *PostgresStore) GetRide(ctx context.Context, id string) (models.Ride, error) {
	return getRide(ctx, p.db, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, id)
}

func (p *PostgresStore) GetDriver(ctx context.Context, id string) (models.Driver, error) {
	return getDriver(ctx, p.db, `SELECT `+driverColumns+` FROM drivers WHERE id = $1`, id)
}

func (p *PostgresStore) ListRidesByStatus(ctx context.Context, statuses ...models.RideStatus) ([]models.Ride, error) {
	states := make([]string, len(statuses))
	for i, s := range statuses {
		states[i] = string(s)
	}
	var rows []rideRow
	err := p.db.SelectContext(ctx, &rows,
		`SELECT `+rideColumns+` FROM rides WHERE status = ANY($1) ORDER BY created_at, id`, pq.StringArray(states))
	if err != nil {
		return nil, classify(err)
	}
	out := make([]models.Ride, len(rows))
	for i, r := range rows {
		out[i] = r.model()
	}
	return out, nil
}

func (p *PostgresStore) ListOffersByRide(ctx context.Context, rideID string) ([]models.Offer, error) {
	return selectOffers(ctx, p.db, `SELECT `+offerColumns+` FROM offers WHERE ride_id = $1 ORDER BY quoted_at, driver_id`, rideID)
}

func (p *PostgresStore) ListOffersByDriver(ctx context.Context, driverID string) ([]models.Offer, error) {
	return selectOffers(ctx, p.db, `SELECT `+offerColumns+` FROM offers WHERE driver_id = $1 ORDER BY quoted_at, ride_id`, driverID)
}

func (p *PostgresStore) ListPendingOffers(ctx context.Context) ([]models.Offer, error) {
	return selectOffers(ctx, p.db, `SELECT `+offerColumns+` FROM offers WHERE status = 'pending' ORDER BY quoted_at, ride_id, driver_id`)
}

func (p *PostgresStore) ListOnlineDrivers(ctx context.Context) ([]models.Driver, error) {
	var rows []driverRow
	if err := p.db.SelectContext(ctx, &rows, `SELECT `+driverColumns+` FROM drivers WHERE online ORDER BY id`); err != nil {
		return nil, classify(err)
	}
	out := make([]models.Driver, len(rows))
	for i, r := range rows {
		out[i] = r.model()
	}
	return out, nil
}

func (p *PostgresStore) Timeline(ctx context.Context, rideID string) ([]models.TimelineEvent, error) {
	var rows []eventRow
	if err := p.db.SelectContext(ctx, &rows, `SELECT `+eventColumns+` FROM ride_events WHERE ride_id = $1 ORDER BY seq`, rideID); err != nil {
		return nil, classify(err)
	}
	out := make([]models.TimelineEvent, len(rows))
	for i, r := range rows {
		out[i] = r.model()
	}
	return out, nil
}

func (p *PostgresStore) PutBlock(ctx context.Context, b models.BlockEntry) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO driver_blocks (`+blockColumns+`) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (driver_id, customer_id, initiator) DO UPDATE SET reason = EXCLUDED.reason`,
		b.DriverID, b.CustomerID, string(b.Initiator), b.Reason, b.CreatedAt)
	return classify(err)
}

func (p *PostgresStore) DeleteBlock(ctx context.Context, driverID, customerID string, initiator models.BlockInitiator) (bool, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM driver_blocks WHERE driver_id = $1 AND customer_id = $2 AND initiator = $3`,
		driverID, customerID, string(initiator))
	if err != nil {
		return false, classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classify(err)
	}
	return n > 0, nil
}

func (p *PostgresStore) ListBlocksByCustomer(ctx context.Context, customerID string) ([]models.BlockEntry, error) {
	return p.selectBlocks(ctx, `SELECT `+blockColumns+` FROM driver_blocks WHERE customer_id = $1 ORDER BY driver_id, initiator`, customerID)
}

func (p *PostgresStore) ListBlocksByDriver(ctx context.Context, driverID string) ([]models.BlockEntry, error) {
	return p.selectBlocks(ctx, `SELECT `+blockColumns+` FROM driver_blocks WHERE driver_id = $1 ORDER BY customer_id, initiator`, driverID)
}

func (p *PostgresStore) selectBlocks(ctx context.Context, query string, arg string) ([]models.BlockEntry, error) {
	var rows []blockRow
	if err := p.db.SelectContext(ctx, &rows, query, arg); err != nil {
		return nil, classify(err)
	}
	out := make([]models.BlockEntry, len(rows))
	for i, r := range rows {
		out[i] = models.BlockEntry{
			DriverID:   r.DriverID,
			CustomerID: r.CustomerID,
			Initiator:  models.BlockInitiator(r.Initiator),
			Reason:     r.Reason,
			CreatedAt:  r.CreatedAt,
		}
	}
	return out, nil
}

type pgTx struct {
	tx *sqlx.Tx
}

func (t *pgTx) Ride(ctx context.Context, id string) (models.Ride, error) {
	return getRide(ctx, t.tx, `SELECT `+rideColumns+` FROM rides WHERE id = $1 FOR UPDATE`, id)
}

func (t *pgTx) PutRide(ctx context.Context, r models.Ride) error {
	return namedUpsert(ctx, t.tx, upsertRide, newRideRow(r), "ride "+r.ID)
}

func (t *pgTx) Offer(ctx context.Context, rideID, driverID string) (models.Offer, error) {
	var row offerRow
	err := t.tx.GetContext(ctx, &row, `SELECT `+offerColumns+` FROM offers WHERE ride_id = $1 AND driver_id = $2 FOR UPDATE`, rideID, driverID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Offer{}, fmt.Errorf("offer %s/%s: %w", rideID, driverID, models.ErrNotFound)
	}
	if err != nil {
		return models.Offer{}, classify(err)
	}
	return row.model(), nil
}

func (t *pgTx) Offers(ctx context.Context, rideID string) ([]models.Offer, error) {
	return selectOffers(ctx, t.tx, `SELECT `+offerColumns+` FROM offers WHERE ride_id = $1 ORDER BY quoted_at, driver_id FOR UPDATE`, rideID)
}

func (t *pgTx) PutOffer(ctx context.Context, o models.Offer) error {
	return namedUpsert(ctx, t.tx, upsertOffer, newOfferRow(o), "offer "+o.RideID+"/"+o.DriverID)
}

func (t *pgTx) Driver(ctx context.Context, id string) (models.Driver, error) {
	return getDriver(ctx, t.tx, `SELECT `+driverColumns+` FROM drivers WHERE id = $1 FOR UPDATE`, id)
}

func (t *pgTx) PutDriver(ctx context.Context, d models.Driver) error {
	return namedUpsert(ctx, t.tx, upsertDriver, newDriverRow(d), "driver "+d.ID)
}

func (t *pgTx) AppendEvent(ctx context.Context, ev models.TimelineEvent) error {
	_, err := t.tx.NamedExecContext(ctx, `INSERT INTO ride_events (`+eventColumns+`) VALUES (
		:id, :ride_id, :from_state, :to_state, :kind, :actor_id, :actor_role, :driver_id, :reason, :at)`, newEventRow(ev))
	return classify(err)
}

func (t *pgTx) MarkProcessed(ctx context.Context, eventID string) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `INSERT INTO processed_events (event_id) VALUES ($1) ON CONFLICT (event_id) DO NOTHING`, eventID)
	if err != nil {
		return false, classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classify(err)
	}
	return n == 1, nil
}

func namedUpsert(ctx context.Context, tx *sqlx.Tx, query string, arg any, what string) error {
	res, err := tx.NamedExecContext(ctx, query, arg)
	if err != nil {
		return classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify(err)
	}
	if n == 0 {
		return fmt.Errorf("postgres: %s: stale version: %w: %w", what, models.ErrConflict, ErrTransient)
	}
	return nil
}

func getRide(ctx context.Context, q sqlx.QueryerContext, query, id string) (models.Ride, error) {
	var row rideRow
	err := sqlx.GetContext(ctx, q, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Ride{}, fmt.Errorf("ride %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return models.Ride{}, classify(err)
	}
	return row.model(), nil
}

func getDriver(ctx context.Context, q sqlx.QueryerContext, query, id string) (models.Driver, error) {
	var row driverRow
	err := sqlx.GetContext(ctx, q, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Driver{}, fmt.Errorf("driver %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return models.Driver{}, classify(err)
	}
	return row.model(), nil
}

func selectOffers(ctx context.Context, q sqlx.QueryerContext, query string, args ...any) ([]models.Offer, error) {
	var rows []offerRow
	if err := sqlx.SelectContext(ctx, q, &rows, query, args...); err != nil {
		return nil, classify(err)
	}
	out := make([]models.Offer, len(rows))
	for i, r := range rows {
		out[i] = r.model()
	}
	return out, nil
}

type rideRow struct {
	ID                 string         `db:"id"`
	RiderID            string         `db:"rider_id"`
	DriverID           sql.NullString `db:"driver_id"`
	Status             string         `db:"status"`
	Tier               string         `db:"tier"`
	PickupLat          float64        `db:"pickup_lat"`
	PickupLon          float64        `db:"pickup_lon"`
	DropoffLat         float64        `db:"dropoff_lat"`
	DropoffLon         float64        `db:"dropoff_lon"`
	PriceAmount        int64          `db:"price_amount"`
	PriceCurrency      string         `db:"price_currency"`
	DispatchAttempts   int            `db:"dispatch_attempts"`
	AttemptedDriverIDs pq.StringArray `db:"attempted_driver_ids"`
	SearchExpiresAt    sql.NullTime   `db:"search_expires_at"`
	OfferExpiresAt     sql.NullTime   `db:"offer_expires_at"`
	NextRoundAt        sql.NullTime   `db:"next_round_at"`
	CancelReason       string         `db:"cancel_reason"`
	PaymentStatus      string         `db:"payment_status"`
	PaymentIntentID    string         `db:"payment_intent_id"`
	CreatedAt          time.Time      `db:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at"`
	AcceptedAt         sql.NullTime   `db:"accepted_at"`
	StartedAt          sql.NullTime   `db:"started_at"`
	CompletedAt        sql.NullTime   `db:"completed_at"`
	CancelledAt        sql.NullTime   `db:"cancelled_at"`
	Version            int64          `db:"version"`
}

func newRideRow(r models.Ride) rideRow {
	attempted := r.AttemptedDriverIDs
	if attempted == nil {
		attempted = []string{}
	}
	return rideRow{
		ID:                 r.ID,
		RiderID:            r.RiderID,
		DriverID:           nullString(r.DriverID),
		Status:             string(r.Status),
		Tier:               string(r.Tier),
		PickupLat:          r.Pickup.Lat,
		PickupLon:          r.Pickup.Lon,
		DropoffLat:         r.Dropoff.Lat,
		DropoffLon:         r.Dropoff.Lon,
		PriceAmount:        r.Price.Amount,
		PriceCurrency:      r.Price.Currency,
		DispatchAttempts:   r.DispatchAttempts,
		AttemptedDriverIDs: pq.StringArray(attempted),
		SearchExpiresAt:    nullTime(r.SearchExpiresAt),
		OfferExpiresAt:     nullTime(r.OfferExpiresAt),
		NextRoundAt:        nullTime(r.NextRoundAt),
		CancelReason:       r.CancelReason,
		PaymentStatus:      string(r.PaymentStatus),
		PaymentIntentID:    r.PaymentIntentID,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
		AcceptedAt:         nullTime(r.AcceptedAt),
		StartedAt:          nullTime(r.StartedAt),
		CompletedAt:        nullTime(r.CompletedAt),
		CancelledAt:        nullTime(r.CancelledAt),
		Version:            r.Version,
	}
}

func (r rideRow) model() models.Ride {
	var attempted []string
	if len(r.AttemptedDriverIDs) > 0 {
		attempted = []string(r.AttemptedDriverIDs)
	}
	return models.Ride{
		ID:                 r.ID,
		RiderID:            r.RiderID,
		DriverID:           r.DriverID.String,
		Status:             models.RideStatus(r.Status),
		Tier:               models.ServiceTier(r.Tier),
		Pickup:             models.Coord{Lat: r.PickupLat, Lon: r.PickupLon},
		Dropoff:            models.Coord{Lat: r.DropoffLat, Lon: r.DropoffLon},
		Price:              models.Money{Amount: r.PriceAmount, Currency: r.PriceCurrency},
		DispatchAttempts:   r.DispatchAttempts,
		AttemptedDriverIDs: attempted,
		SearchExpiresAt:    timePtr(r.SearchExpiresAt),
		OfferExpiresAt:     timePtr(r.OfferExpiresAt),
		NextRoundAt:        timePtr(r.NextRoundAt),
		CancelReason:       r.CancelReason,
		PaymentStatus:      models.PaymentStatus(r.PaymentStatus),
		PaymentIntentID:    r.PaymentIntentID,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
		AcceptedAt:         timePtr(r.AcceptedAt),
		StartedAt:          timePtr(r.StartedAt),
		CompletedAt:        timePtr(r.CompletedAt),
		CancelledAt:        timePtr(r.CancelledAt),
		Version:            r.Version,
	}
}

type offerRow struct {
	RideID        string       `db:"ride_id"`
	DriverID      string       `db:"driver_id"`
	Status        string       `db:"status"`
	Tier          string       `db:"tier"`
	PickupLat     float64      `db:"pickup_lat"`
	PickupLon     float64      `db:"pickup_lon"`
	DropoffLat    float64      `db:"dropoff_lat"`
	DropoffLon    float64      `db:"dropoff_lon"`
	PriceAmount   int64        `db:"price_amount"`
	PriceCurrency string       `db:"price_currency"`
	QuotedAt      time.Time    `db:"quoted_at"`
	ExpiresAt     time.Time    `db:"expires_at"`
	RespondedAt   sql.NullTime `db:"responded_at"`
	Version       int64        `db:"version"`
}

func newOfferRow(o models.Offer) offerRow {
	return offerRow{
		RideID:        o.RideID,
		DriverID:      o.DriverID,
		Status:        string(o.Status),
		Tier:          string(o.Tier),
		PickupLat:     o.Pickup.Lat,
		PickupLon:     o.Pickup.Lon,
		DropoffLat:    o.Dropoff.Lat,
		DropoffLon:    o.Dropoff.Lon,
		PriceAmount:   o.Price.Amount,
		PriceCurrency: o.Price.Currency,
		QuotedAt:      o.QuotedAt,
		ExpiresAt:     o.ExpiresAt,
		RespondedAt:   nullTime(o.RespondedAt),
		Version:       o.Version,
	}
}

func (r offerRow) model() models.Offer {
	return models.Offer{
		RideID:      r.RideID,
		DriverID:    r.DriverID,
		Status:      models.OfferStatus(r.Status),
		Tier:        models.ServiceTier(r.Tier),
		Pickup:      models.Coord{Lat: r.PickupLat, Lon: r.PickupLon},
		Dropoff:     models.Coord{Lat: r.DropoffLat, Lon: r.DropoffLon},
		Price:       models.Money{Amount: r.PriceAmount, Currency: r.PriceCurrency},
		QuotedAt:    r.QuotedAt,
		ExpiresAt:   r.ExpiresAt,
		RespondedAt: timePtr(r.RespondedAt),
		Version:     r.Version,
	}
}

type driverRow struct {
	ID              string         `db:"id"`
	Online          bool           `db:"online"`
	Busy            bool           `db:"busy"`
	CurrentRideID   sql.NullString `db:"current_ride_id"`
	VehicleClass    string         `db:"vehicle_class"`
	Lat             float64        `db:"lat"`
	Lon             float64        `db:"lon"`
	LastHeartbeatAt time.Time      `db:"last_heartbeat_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
	Version         int64          `db:"version"`
}

func newDriverRow(d models.Driver) driverRow {
	return driverRow{
		ID:              d.ID,
		Online:          d.Online,
		Busy:            d.Busy,
		CurrentRideID:   nullString(d.CurrentRideID),
		VehicleClass:    string(d.VehicleClass),
		Lat:             d.Location.Lat,
		Lon:             d.Location.Lon,
		LastHeartbeatAt: d.LastHeartbeatAt,
		UpdatedAt:       d.UpdatedAt,
		Version:         d.Version,
	}
}

func (r driverRow) model() models.Driver {
	return models.Driver{
		ID:              r.ID,
		Online:          r.Online,
		Busy:            r.Busy,
		CurrentRideID:   r.CurrentRideID.String,
		VehicleClass:    models.VehicleClass(r.VehicleClass),
		Location:        models.Coord{Lat: r.Lat, Lon: r.Lon},
		LastHeartbeatAt: r.LastHeartbeatAt,
		UpdatedAt:       r.UpdatedAt,
		Version:         r.Version,
	}
}

type eventRow struct {
	ID        string    `db:"id"`
	RideID    string    `db:"ride_id"`
	From      string    `db:"from_state"`
	To        string    `db:"to_state"`
	Kind      string    `db:"kind"`
	ActorID   string    `db:"actor_id"`
	ActorRole string    `db:"actor_role"`
	DriverID  string    `db:"driver_id"`
	Reason    string    `db:"reason"`
	At        time.Time `db:"at"`
}

func newEventRow(ev models.TimelineEvent) eventRow {
	return eventRow{
		ID:        ev.ID,
		RideID:    ev.RideID,
		From:      string(ev.From),
		To:        string(ev.To),
		Kind:      string(ev.Kind),
		ActorID:   ev.ActorID,
		ActorRole: string(ev.ActorRole),
		DriverID:  ev.DriverID,
		Reason:    ev.Reason,
		At:        ev.At,
	}
}

func (r eventRow) model() models.TimelineEvent {
	return models.TimelineEvent{
		ID:        r.ID,
		RideID:    r.RideID,
		From:      models.RideStatus(r.From),
		To:        models.RideStatus(r.To),
		Kind:      models.EventKind(r.Kind),
		ActorID:   r.ActorID,
		ActorRole: models.Role(r.ActorRole),
		DriverID:  r.DriverID,
		Reason:    r.Reason,
		At:        r.At,
	}
}

type blockRow struct {
	DriverID   string    `db:"driver_id"`
	CustomerID string    `db:"customer_id"`
	Initiator  string    `db:"initiator"`
	Reason     string    `db:"reason"`
	CreatedAt  time.Time `db:"created_at"`
}

func nullString(s string) sql.NullString { return sql.NullString{String: s, Valid: s != ""} }

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
