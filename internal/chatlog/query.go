package chatlog

import (
	"database/sql"
	"fmt"
	"time"
)

// defaultQueryLength is the default "length" used when a query form
// doesn't specify one (§4.4).
const defaultQueryLength = 50

// rowScanner holds the scan destinations for one row of the event join,
// used by the shared materialization step below. The payload columns hold the still-S2-compressed bytes
// read straight out of the join (§4.4: "joins all five payload
// references"), decompressed once in materialize.
type rowScanner struct {
	userID, networkID uint64
	timeMillis         int64
	kind               int
	msgid              string
	bufferEnc          []byte
	tagsEnc            []byte
	dataEnc            []byte
	prefixEnc          []byte
	paramsEnc          []byte
}

// eventJoinColumns and eventJoinFrom together replace five separate
// loadPayloadBytes round-trips per row with one query that joins the
// events row against all five payloads it references, per §4.4.
const eventJoinColumns = `e.user_id, e.network_id, e.time, e.kind, e.msgid, pbuf.bytes, ptags.bytes, pdata.bytes, pprefix.bytes, pparams.bytes`

const eventJoinFrom = `events e
		JOIN payloads pbuf    ON pbuf.id = e.buffer_ref
		JOIN payloads ptags   ON ptags.id = e.tags_ref
		JOIN payloads pdata   ON pdata.id = e.data_ref
		JOIN payloads pprefix ON pprefix.id = e.prefix_ref
		JOIN payloads pparams ON pparams.id = e.params_ref`

// FromMsgid returns up to length events in buffer strictly after the
// event identified by msgid, ascending by time (§4.4).
func (s *Store) FromMsgid(userID, networkID uint64, buffer, msgid string, length int) ([]Event, error) {
	return s.timedQuery(func() ([]Event, error) {
		anchor, err := s.resolveMsgidCursor(userID, networkID, buffer, msgid)
		if err != nil {
			if err == errNoSuchMsgid {
				return nil, nil
			}
			return nil, err
		}
		return s.queryAscending(userID, networkID, buffer, anchor.timeMillis, false, length)
	})
}

// FromTime returns up to length events in buffer strictly after t,
// ascending by time (§4.4).
func (s *Store) FromTime(userID, networkID uint64, buffer string, unixMillis int64, length int) ([]Event, error) {
	return s.timedQuery(func() ([]Event, error) {
		return s.queryAscending(userID, networkID, buffer, unixMillis, false, length)
	})
}

// BeforeMsgid returns up to length events in buffer at or before the
// event identified by msgid, ascending by time (§4.4). Internally this
// scans descending from the anchor, then reverses, so the newest
// length events at or before the anchor are returned in ascending
// order.
func (s *Store) BeforeMsgid(userID, networkID uint64, buffer, msgid string, length int) ([]Event, error) {
	return s.timedQuery(func() ([]Event, error) {
		anchor, err := s.resolveMsgidCursor(userID, networkID, buffer, msgid)
		if err != nil {
			if err == errNoSuchMsgid {
				return nil, nil
			}
			return nil, err
		}
		return s.queryDescendingThenReverse(userID, networkID, buffer, anchor.timeMillis, true, length)
	})
}

// BeforeTime returns up to length events in buffer at or before t,
// ascending by time (§4.4).
func (s *Store) BeforeTime(userID, networkID uint64, buffer string, unixMillis int64, length int) ([]Event, error) {
	return s.timedQuery(func() ([]Event, error) {
		return s.queryDescendingThenReverse(userID, networkID, buffer, unixMillis, true, length)
	})
}

// Endpoint is one bound of a Between query: either an absolute
// timestamp or a msgid, per §4.4. Build one with AtTime or AtMsgid.
type Endpoint struct {
	millis  int64
	msgid   string
	byMsgid bool
}

// AtTime builds a timestamp Endpoint.
func AtTime(unixMillis int64) Endpoint {
	return Endpoint{millis: unixMillis}
}

// AtMsgid builds a msgid Endpoint. It resolves to time-of(msgid) when
// the query runs; an unknown msgid resolves to NULL, so the comparison
// is false for every row and the query returns empty (§4.4 edge case).
func AtMsgid(msgid string) Endpoint {
	return Endpoint{msgid: msgid, byMsgid: true}
}

// Between returns up to length events in buffer with from inclusive
// and to exclusive, ascending by time. When from is AtTime(0) and to
// is the maximum timestamp, this degenerates to "most recent length
// events" (§4.4 edge case).
func (s *Store) Between(userID, networkID uint64, buffer string, from, to Endpoint, length int) ([]Event, error) {
	return s.timedQuery(func() ([]Event, error) {
		fromMillis, ok, err := s.resolveEndpoint(userID, networkID, buffer, from)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		toMillis, ok, err := s.resolveEndpoint(userID, networkID, buffer, to)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		return s.queryBetween(userID, networkID, buffer, fromMillis, toMillis, length)
	})
}

// resolveEndpoint maps an Endpoint to its absolute millisecond value.
// ok is false when a msgid Endpoint names an event that doesn't exist,
// matching time-of(msgid)'s NULL semantics (§4.4 edge case).
func (s *Store) resolveEndpoint(userID, networkID uint64, buffer string, e Endpoint) (millis int64, ok bool, err error) {
	if !e.byMsgid {
		return e.millis, true, nil
	}
	cursor, err := s.resolveMsgidCursor(userID, networkID, buffer, e.msgid)
	if err != nil {
		if err == errNoSuchMsgid {
			return 0, false, nil
		}
		return 0, false, err
	}
	return cursor.timeMillis, true, nil
}

func (s *Store) timedQuery(fn func() ([]Event, error)) ([]Event, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	start := s.cfg.Clock()
	defer func() {
		s.metrics.observeLookup(s.cfg.Clock().Sub(start))
	}()
	return fn()
}

type msgidCursor struct {
	timeMillis int64
}

func (s *Store) resolveMsgidCursor(userID, networkID uint64, buffer, msgid string) (msgidCursor, error) {
	bufferRef, ok, err := s.lookupBufferRef(buffer)
	if err != nil {
		return msgidCursor{}, err
	}
	if !ok {
		return msgidCursor{}, errNoSuchMsgid
	}

	var t int64
	err = s.db.QueryRow(
		`SELECT time FROM events WHERE user_id = ? AND network_id = ? AND buffer_ref = ? AND msgid = ? LIMIT 1`,
		userID, networkID, bufferRef, msgid,
	).Scan(&t)
	if err == sql.ErrNoRows {
		return msgidCursor{}, errNoSuchMsgid
	}
	if err != nil {
		return msgidCursor{}, fmt.Errorf("chatlog: resolve msgid cursor: %w", err)
	}
	return msgidCursor{timeMillis: t}, nil
}

// lookupBufferRef finds the payload id for buffer's interned bytes
// without going through intern's cache-populate path, since queries
// never assign new ids.
func (s *Store) lookupBufferRef(buffer string) (uint64, bool, error) {
	var id uint64
	err := s.db.QueryRow(`SELECT id FROM payloads WHERE bytes = ?`, compress([]byte(buffer))).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("chatlog: lookup buffer: %w", err)
	}
	return id, true, nil
}

func (s *Store) queryAscending(userID, networkID uint64, buffer string, fromMillis int64, inclusive bool, length int) ([]Event, error) {
	if length <= 0 {
		length = defaultQueryLength
	}
	bufferRef, ok, err := s.lookupBufferRef(buffer)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	op := ">"
	if inclusive {
		op = ">="
	}
	query := fmt.Sprintf(
		`SELECT %s FROM %s WHERE e.user_id = ? AND e.network_id = ? AND e.buffer_ref = ? AND e.time %s ? ORDER BY e.time ASC, e.rowid ASC LIMIT ?`,
		eventJoinColumns, eventJoinFrom, op,
	)
	rows, err := s.db.Query(query, userID, networkID, bufferRef, fromMillis, length)
	if err != nil {
		return nil, fmt.Errorf("chatlog: query: %w", err)
	}
	defer rows.Close()
	return s.materialize(rows)
}

func (s *Store) queryDescendingThenReverse(userID, networkID uint64, buffer string, beforeMillis int64, inclusive bool, length int) ([]Event, error) {
	if length <= 0 {
		length = defaultQueryLength
	}
	bufferRef, ok, err := s.lookupBufferRef(buffer)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	op := "<"
	if inclusive {
		op = "<="
	}
	query := fmt.Sprintf(
		`SELECT %s FROM %s WHERE e.user_id = ? AND e.network_id = ? AND e.buffer_ref = ? AND e.time %s ? ORDER BY e.time DESC, e.rowid DESC LIMIT ?`,
		eventJoinColumns, eventJoinFrom, op,
	)
	rows, err := s.db.Query(query, userID, networkID, bufferRef, beforeMillis, length)
	if err != nil {
		return nil, fmt.Errorf("chatlog: query: %w", err)
	}
	defer rows.Close()
	events, err := s.materialize(rows)
	if err != nil {
		return nil, err
	}
	reverseEvents(events)
	return events, nil
}

func (s *Store) queryBetween(userID, networkID uint64, buffer string, fromMillis, toMillis int64, length int) ([]Event, error) {
	if length <= 0 {
		length = defaultQueryLength
	}
	bufferRef, ok, err := s.lookupBufferRef(buffer)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	// Collect from the tail of the range and reverse, so that when the
	// window holds more than length events we return the most recent
	// length of them while still ascending (§4.4 edge case: between(0,
	// max) degenerates to "most recent length events"). from is
	// inclusive, to is exclusive, per §4.4.
	query := fmt.Sprintf(
		`SELECT %s FROM %s WHERE e.user_id = ? AND e.network_id = ? AND e.buffer_ref = ? AND e.time >= ? AND e.time < ? ORDER BY e.time DESC, e.rowid DESC LIMIT ?`,
		eventJoinColumns, eventJoinFrom,
	)
	rows, err := s.db.Query(query, userID, networkID, bufferRef, fromMillis, toMillis, length)
	if err != nil {
		return nil, fmt.Errorf("chatlog: query: %w", err)
	}
	defer rows.Close()
	events, err := s.materialize(rows)
	if err != nil {
		return nil, err
	}
	reverseEvents(events)
	return events, nil
}

func (s *Store) materialize(rows *sql.Rows) ([]Event, error) {
	var out []Event
	for rows.Next() {
		var r rowScanner
		if err := rows.Scan(
			&r.userID, &r.networkID, &r.timeMillis, &r.kind, &r.msgid,
			&r.bufferEnc, &r.tagsEnc, &r.dataEnc, &r.prefixEnc, &r.paramsEnc,
		); err != nil {
			return nil, fmt.Errorf("chatlog: scan event: %w", err)
		}

		bufferBytes, err := decompress(r.bufferEnc)
		if err != nil {
			return nil, fmt.Errorf("chatlog: decode buffer payload: %w", err)
		}
		tagsBytes, err := decompress(r.tagsEnc)
		if err != nil {
			return nil, fmt.Errorf("chatlog: decode tags payload: %w", err)
		}
		dataBytes, err := decompress(r.dataEnc)
		if err != nil {
			return nil, fmt.Errorf("chatlog: decode data payload: %w", err)
		}
		prefixBytes, err := decompress(r.prefixEnc)
		if err != nil {
			return nil, fmt.Errorf("chatlog: decode prefix payload: %w", err)
		}
		paramsBytes, err := decompress(r.paramsEnc)
		if err != nil {
			return nil, fmt.Errorf("chatlog: decode params payload: %w", err)
		}

		out = append(out, Event{
			UserID:    r.userID,
			NetworkID: r.networkID,
			Buffer:    string(bufferBytes),
			Time:      unixMillisToTime(r.timeMillis),
			Kind:      Kind(r.kind),
			Msgid:     r.msgid,
			Tags:      parseCanonicalTags(tagsBytes),
			Params:    string(paramsBytes),
			Data:      string(dataBytes),
			Prefix:    string(prefixBytes),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func reverseEvents(events []Event) {
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
}

func unixMillisToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
