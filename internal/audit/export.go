package audit

import (
	"bytes"
	"encoding/csv"
	"strconv"
	"time"
)

var csvHeader = []string{"at", "actor_id", "actor", "action", "entity", "entity_id", "meta"}

// WriteCSV renders rows as an RFC 4180 document with a header line.
func WriteCSV(rows []TimelineRow) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, row := range rows {
		actorID := ""
		if row.ActorID > 0 {
			actorID = strconv.FormatInt(row.ActorID, 10)
		}
		record := []string{
			row.At.UTC().Format(time.RFC3339),
			actorID,
			row.Actor,
			row.Action,
			row.Entity,
			row.EntityID,
			string(row.Meta),
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
