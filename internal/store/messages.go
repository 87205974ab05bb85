package store

import (
	"context"
	"slices"

	"github.com/maxrios/mcs/internal/errs"
	"github.com/maxrios/mcs/internal/protocol"
)

// SaveMessage appends one packet to history.
func (s *Store) SaveMessage(ctx context.Context, p protocol.ChatPacket) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO messages (sender, content, timestamp) VALUES ($1, $2, $3)`,
		p.Sender, p.Content, p.Timestamp)
	if err != nil {
		return errs.Wrap(errs.KindDatabase, "inserting message", err)
	}
	return nil
}

// RecentBefore returns up to limit packets whose timestamp is strictly
// below before, ascending by timestamp. Clients page backwards by passing
// the earliest returned timestamp as the next cursor.
func (s *Store) RecentBefore(ctx context.Context, before int64, limit int) ([]protocol.ChatPacket, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT sender, content, timestamp FROM messages
		 WHERE timestamp < $1
		 ORDER BY timestamp DESC
		 LIMIT $2`,
		before, limit)
	if err != nil {
		return nil, errs.Wrap(errs.KindDatabase, "querying history", err)
	}
	defer rows.Close()

	var packets []protocol.ChatPacket
	for rows.Next() {
		var p protocol.ChatPacket
		if err := rows.Scan(&p.Sender, &p.Content, &p.Timestamp); err != nil {
			return nil, errs.Wrap(errs.KindDatabase, "scanning message row", err)
		}
		packets = append(packets, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.KindDatabase, "iterating history rows", err)
	}

	slices.Reverse(packets)
	return packets, nil
}
