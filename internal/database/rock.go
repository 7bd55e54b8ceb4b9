package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"github.com/BEMADEV/Open-Connections-Digest/internal/config"
	"github.com/BEMADEV/Open-Connections-Digest/internal/models"
)

var (
	ErrGroupNotFound  = errors.New("group not found")
	ErrPersonNotFound = errors.New("person not found")
)

// Rock stores GroupMemberStatus.Active as 1.
const groupMemberStatusActive = 1

// activityChunkSize bounds the IN list when loading request activities.
const activityChunkSize = 500

// RockDB reads connection requests, people, groups and system
// communications from the Rock database. It never writes.
type RockDB struct {
	db      *sql.DB
	timeout time.Duration
}

// ConnectRock opens the Rock database. Rock keeps datetimes as naive
// wall-clock values in the organization's timezone, so loc is used both to
// read them and to write time parameters.
func ConnectRock(cfg config.RockConfig, loc *time.Location) (*RockDB, error) {
	dsn, err := rockDSN(cfg.DSN, loc)
	if err != nil {
		return nil, err
	}
	connector, err := mysql.NewConnector(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db := sql.OpenDB(connector)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return NewRockDB(db, cfg.Timeout.Duration), nil
}

func rockDSN(raw string, loc *time.Location) (*mysql.Config, error) {
	dsn, err := mysql.ParseDSN(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid Rock DSN: %w", err)
	}
	if loc == nil {
		loc = time.Local
	}
	dsn.Loc = loc
	dsn.ParseTime = true
	return dsn, nil
}

// NewRockDB wraps an open handle. A zero timeout disables per-query
// deadlines.
func NewRockDB(db *sql.DB, timeout time.Duration) *RockDB {
	return &RockDB{db: db, timeout: timeout}
}

func (r *RockDB) Close() error {
	return r.db.Close()
}

func (r *RockDB) Ping(ctx context.Context) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return r.db.PingContext(ctx)
}

func (r *RockDB) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}

// RequestQuery pushes the cheap predicates down to the database.
type RequestQuery struct {
	// FollowUpBefore is midnight at the end of the run's day.
	FollowUpBefore   time.Time
	OpportunityGUIDs []uuid.UUID
}

const requestColumns = `
		SELECT
			cr.Id,
			cr.ConnectorPersonAliasId,
			pa.PersonId,
			cr.ConnectionOpportunityId,
			cr.ConnectionState,
			COALESCE(cs.Name, '') AS StatusName,
			COALESCE(cs.IsCritical, 0) AS StatusIsCritical,
			cr.FollowupDate,
			cr.CreatedDateTime,
			COALESCE(cr.Comments, '') AS Comments,
			co.Guid,
			co.Name,
			co.IsActive,
			ct.Id,
			ct.Name,
			ct.DaysUntilRequestIdle,
			TRIM(CONCAT(COALESCE(rp.NickName, ''), ' ', COALESCE(rp.LastName, ''))) AS PersonName
		FROM ConnectionRequest cr
		INNER JOIN PersonAlias pa ON pa.Id = cr.ConnectorPersonAliasId
		INNER JOIN ConnectionOpportunity co ON co.Id = cr.ConnectionOpportunityId
		INNER JOIN ConnectionType ct ON ct.Id = co.ConnectionTypeId
		LEFT JOIN ConnectionStatus cs ON cs.Id = cr.ConnectionStatusId
		LEFT JOIN PersonAlias rpa ON rpa.Id = cr.PersonAliasId
		LEFT JOIN Person rp ON rp.Id = rpa.PersonId`

func buildRequestQuery(q RequestQuery) (string, []any) {
	var sb strings.Builder
	sb.WriteString(requestColumns)
	sb.WriteString(`
		WHERE cr.ConnectorPersonAliasId IS NOT NULL
			AND (
				cr.ConnectionState = ?
				OR (cr.ConnectionState = ? AND cr.FollowupDate IS NOT NULL AND cr.FollowupDate < ?)
			)`)
	args := []any{int(models.StateActive), int(models.StateFutureFollowUp), q.FollowUpBefore}

	if len(q.OpportunityGUIDs) > 0 {
		sb.WriteString("\n\t\t\tAND co.Guid IN (" + placeholders(len(q.OpportunityGUIDs)) + ")")
		for _, g := range q.OpportunityGUIDs {
			args = append(args, g.String())
		}
	}

	sb.WriteString("\n\t\tORDER BY cr.CreatedDateTime ASC, cr.Id ASC")
	return sb.String(), args
}

// ConnectionRequests returns assigned requests that are active or due for
// follow-up, with opportunity, connection type, status and activities
// already loaded.
func (r *RockDB) ConnectionRequests(ctx context.Context, q RequestQuery) ([]models.ConnectionRequest, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	query, args := buildRequestQuery(q)
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	requests, err := scanRequests(rows)
	if err != nil {
		return nil, err
	}

	if err := r.loadActivities(ctx, requests); err != nil {
		return nil, err
	}
	return requests, nil
}

func scanRequests(rows *sql.Rows) ([]models.ConnectionRequest, error) {
	var requests []models.ConnectionRequest

	for rows.Next() {
		var (
			cr          models.ConnectionRequest
			aliasID     sql.NullInt64
			personID    sql.NullInt64
			state       int
			followUp    sql.NullTime
			oppGUID     string
			oppIsActive bool
		)

		err := rows.Scan(
			&cr.ID,
			&aliasID,
			&personID,
			&cr.OpportunityID,
			&state,
			&cr.StatusName,
			&cr.StatusIsCritical,
			&followUp,
			&cr.CreatedAt,
			&cr.Comments,
			&oppGUID,
			&cr.Opportunity.Name,
			&oppIsActive,
			&cr.Opportunity.ConnectionType.ID,
			&cr.Opportunity.ConnectionType.Name,
			&cr.Opportunity.ConnectionType.DaysUntilRequestIdle,
			&cr.PersonName,
		)
		if err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}

		if aliasID.Valid {
			v := int(aliasID.Int64)
			cr.ConnectorAliasID = &v
		}
		if personID.Valid {
			v := int(personID.Int64)
			cr.ConnectorPersonID = &v
		}
		if followUp.Valid {
			t := followUp.Time
			cr.FollowUpDate = &t
		}
		cr.State = models.ConnectionState(state)
		cr.Opportunity.ID = cr.OpportunityID
		cr.Opportunity.IsActive = oppIsActive
		cr.Opportunity.GUID, err = uuid.Parse(oppGUID)
		if err != nil {
			return nil, fmt.Errorf("opportunity %d has invalid guid %q: %w", cr.OpportunityID, oppGUID, err)
		}

		requests = append(requests, cr)
	}

	return requests, rows.Err()
}

// loadActivities attaches activity timestamps, oldest first.
func (r *RockDB) loadActivities(ctx context.Context, requests []models.ConnectionRequest) error {
	if len(requests) == 0 {
		return nil
	}

	index := make(map[int]int, len(requests))
	ids := make([]any, len(requests))
	for i, cr := range requests {
		index[cr.ID] = i
		ids[i] = cr.ID
	}

	for _, chunk := range chunkArgs(ids, activityChunkSize) {
		query := `
			SELECT ConnectionRequestId, CreatedDateTime
			FROM ConnectionRequestActivity
			WHERE ConnectionRequestId IN (` + placeholders(len(chunk)) + `)
				AND CreatedDateTime IS NOT NULL
			ORDER BY ConnectionRequestId ASC, CreatedDateTime ASC`

		rows, err := r.db.QueryContext(ctx, query, chunk...)
		if err != nil {
			return fmt.Errorf("activity query failed: %w", err)
		}

		for rows.Next() {
			var requestID int
			var created time.Time
			if err := rows.Scan(&requestID, &created); err != nil {
				rows.Close()
				return fmt.Errorf("activity scan failed: %w", err)
			}
			if i, ok := index[requestID]; ok {
				requests[i].Activities = append(requests[i].Activities, created)
			}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return err
		}
	}

	return nil
}

func (r *RockDB) Person(ctx context.Context, personID int) (*models.Person, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	query := `
		SELECT
			p.Id,
			COALESCE(p.NickName, ''),
			COALESCE(p.FirstName, ''),
			COALESCE(p.LastName, ''),
			COALESCE(p.Email, ''),
			p.CommunicationPreference,
			COALESCE((
				SELECT pn.Number
				FROM PhoneNumber pn
				WHERE pn.PersonId = p.Id AND pn.IsMessagingEnabled = 1
				ORDER BY pn.Id ASC
				LIMIT 1
			), '')
		FROM Person p
		WHERE p.Id = ?`

	var p models.Person
	var pref int
	err := r.db.QueryRowContext(ctx, query, personID).Scan(
		&p.ID,
		&p.NickName,
		&p.FirstName,
		&p.LastName,
		&p.Email,
		&pref,
		&p.SMSNumber,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %d", ErrPersonNotFound, personID)
	}
	if err != nil {
		return nil, fmt.Errorf("person query failed: %w", err)
	}
	p.CommunicationPreference = models.CommunicationType(pref)

	return &p, nil
}

// GroupMemberPersonIDs returns the active members of a group. With
// includeDescendants it walks every active descendant group as well.
func (r *RockDB) GroupMemberPersonIDs(ctx context.Context, groupGUID uuid.UUID, includeDescendants bool) ([]int, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var rootID int
	err := r.db.QueryRowContext(ctx, "SELECT Id FROM `Group` WHERE Guid = ?", groupGUID.String()).Scan(&rootID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrGroupNotFound, groupGUID)
	}
	if err != nil {
		return nil, fmt.Errorf("group query failed: %w", err)
	}

	groupIDs := []int{rootID}
	if includeDescendants {
		groupIDs, err = collectDescendants(rootID, func(parents []int) ([]int, error) {
			return r.queryInts(ctx, "SELECT Id FROM `Group` WHERE IsActive = 1 AND IsArchived = 0 AND ParentGroupId IN (%s)", parents)
		})
		if err != nil {
			return nil, fmt.Errorf("descendant group query failed: %w", err)
		}
	}

	members, err := r.queryInts(ctx, `
		SELECT DISTINCT PersonId
		FROM GroupMember
		WHERE GroupId IN (%s)
			AND GroupMemberStatus = `+fmt.Sprint(groupMemberStatusActive)+`
			AND IsArchived = 0
		ORDER BY PersonId ASC`, groupIDs)
	if err != nil {
		return nil, fmt.Errorf("group member query failed: %w", err)
	}

	// chunks are each DISTINCT but may overlap
	slices.Sort(members)
	return slices.Compact(members), nil
}

// collectDescendants walks the group tree breadth first from root. Groups
// already visited are skipped so a cyclic parent chain terminates.
func collectDescendants(root int, children func(parents []int) ([]int, error)) ([]int, error) {
	visited := map[int]bool{root: true}
	all := []int{root}
	frontier := []int{root}

	for len(frontier) > 0 {
		next, err := children(frontier)
		if err != nil {
			return nil, err
		}
		frontier = frontier[:0:0]
		for _, id := range next {
			if visited[id] {
				continue
			}
			visited[id] = true
			all = append(all, id)
			frontier = append(frontier, id)
		}
	}

	return all, nil
}

// queryInts runs a single-column query whose %s is replaced by an IN list
// for ids.
func (r *RockDB) queryInts(ctx context.Context, format string, ids []int) ([]int, error) {
	var out []int
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	for _, chunk := range chunkArgs(args, activityChunkSize) {
		rows, err := r.db.QueryContext(ctx, fmt.Sprintf(format, placeholders(len(chunk))), chunk...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var v int
			if err := rows.Scan(&v); err != nil {
				rows.Close()
				return nil, err
			}
			out = append(out, v)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}

	return out, nil
}

// SystemCommunication returns nil when the communication doesn't exist or
// is inactive.
func (r *RockDB) SystemCommunication(ctx context.Context, guid uuid.UUID) (*models.SystemCommunication, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	query := "SELECT Id, Guid, COALESCE(Title, ''), COALESCE(FromName, ''), COALESCE(`From`, ''), " +
		"COALESCE(Subject, ''), COALESCE(Body, ''), COALESCE(SMSMessage, ''), " +
		"COALESCE(PushTitle, ''), COALESCE(PushMessage, '') " +
		"FROM SystemCommunication WHERE Guid = ? AND IsActive = 1"

	var sc models.SystemCommunication
	var rawGUID string
	err := r.db.QueryRowContext(ctx, query, guid.String()).Scan(
		&sc.ID,
		&rawGUID,
		&sc.Title,
		&sc.FromName,
		&sc.FromEmail,
		&sc.Subject,
		&sc.Body,
		&sc.SMSMessage,
		&sc.PushTitle,
		&sc.PushBody,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("system communication query failed: %w", err)
	}
	if sc.GUID, err = uuid.Parse(rawGUID); err != nil {
		return nil, fmt.Errorf("system communication %d has invalid guid: %w", sc.ID, err)
	}

	return &sc, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func chunkArgs(args []any, size int) [][]any {
	var chunks [][]any
	for size < len(args) {
		args, chunks = args[size:], append(chunks, args[:size:size])
	}
	if len(args) > 0 {
		chunks = append(chunks, args)
	}
	return chunks
}
