package store

import (
	"context"
	"database/sql"

	"github.com/calder/transitpipe/internal/models"
)

// InternHost maps a hostname to its id, inserting on first sighting.
func (s *Store) InternHost(ctx context.Context, hostname string) (*models.WorkerHost, error) {
	var h models.WorkerHost
	err := s.queryRow(ctx,
		`SELECT host_id, hostname FROM worker_hosts WHERE hostname = ?`, hostname).
		Scan(&h.ID, &h.Hostname)
	if err == nil {
		return &h, nil
	}
	if err != sql.ErrNoRows {
		return nil, wrap("lookup host", err)
	}
	id, err := s.insertReturningID(ctx, nil,
		`INSERT INTO worker_hosts (hostname) VALUES (?)`, "host_id", hostname)
	if err != nil {
		return nil, err
	}
	return &models.WorkerHost{ID: id, Hostname: hostname}, nil
}

// GetHost fetches one host by id.
func (s *Store) GetHost(ctx context.Context, hostID int64) (*models.WorkerHost, error) {
	var h models.WorkerHost
	err := s.queryRow(ctx,
		`SELECT host_id, hostname FROM worker_hosts WHERE host_id = ?`, hostID).
		Scan(&h.ID, &h.Hostname)
	if err != nil {
		return nil, wrap("get host", err)
	}
	return &h, nil
}

// AppendLog stores a log message, truncating it to MaxLogMessageLength with
// a three-character ellipsis marker. The stored length never exceeds the
// limit.
func (s *Store) AppendLog(ctx context.Context, attemptID *int64, severity, message string) error {
	if s.MaxLogMessageLength > 3 && len(message) > s.MaxLogMessageLength {
		message = message[:s.MaxLogMessageLength-3] + "..."
	}
	var aid interface{}
	if attemptID != nil {
		aid = *attemptID
	}
	_, err := s.exec(ctx,
		`INSERT INTO log_messages (attempt_id, generated_time, severity, message)
		 VALUES (?, ?, ?, ?)`, aid, now(), severity, message)
	return err
}

// LogsForAttempt returns an attempt's log stream in insertion order.
func (s *Store) LogsForAttempt(ctx context.Context, attemptID int64) ([]*models.LogMessage, error) {
	return s.listLogs(ctx,
		`SELECT message_id, attempt_id, generated_time, severity, message
		 FROM log_messages WHERE attempt_id = ? ORDER BY message_id`, attemptID)
}

// ErrorLogs returns every stored message at error severity, newest last.
func (s *Store) ErrorLogs(ctx context.Context) ([]*models.LogMessage, error) {
	return s.listLogs(ctx,
		`SELECT message_id, attempt_id, generated_time, severity, message
		 FROM log_messages WHERE severity = ? ORDER BY message_id`, models.SeverityError)
}

func (s *Store) listLogs(ctx context.Context, query string, args ...interface{}) ([]*models.LogMessage, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var logs []*models.LogMessage
	for rows.Next() {
		var m models.LogMessage
		var aid sql.NullInt64
		if err := rows.Scan(&m.ID, &aid, &m.GeneratedTime, &m.Severity, &m.Message); err != nil {
			return nil, wrap("scan log", err)
		}
		if aid.Valid {
			m.AttemptID = &aid.Int64
		}
		logs = append(logs, &m)
	}
	return logs, wrap("list logs", rows.Err())
}
