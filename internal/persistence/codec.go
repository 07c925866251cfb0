package persistence

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/netsendo/funnel/pkg/api"
)

// Column values are stored as JSON text and times as Unix nanoseconds, so
// the same schema works unchanged on SQLite and PostgreSQL.

func encodeJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeJSON(s string, v any) error {
	if s == "" || s == "null" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// aggregateStats folds assignments into per-variant outcome counters in
// variant order. A subscriber counts once per metric no matter how many
// open or click events were recorded.
func aggregateStats(variants []api.Variant, assignments []api.ABEnrollment) []api.VariantStats {
	idx := make(map[string]int, len(variants))
	out := make([]api.VariantStats, len(variants))
	for i, v := range variants {
		idx[v.ID] = i
		out[i].VariantID = v.ID
	}

	for _, a := range assignments {
		i, ok := idx[a.VariantID]
		if !ok {
			continue
		}
		st := &out[i]
		st.Enrolled++
		if a.Converted {
			st.Converted++
			st.TotalValue += a.ConversionValue
		}
		var opened, clicked bool
		for _, ev := range a.Events {
			switch ev.Type {
			case api.ABEventOpen:
				opened = true
			case api.ABEventClick:
				clicked = true
			}
		}
		if opened {
			st.Opened++
		}
		if clicked {
			st.Clicked++
		}
	}
	return out
}
