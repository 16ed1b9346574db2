package storage

import (
	"encoding/json"
	"io"
	"time"

	"github.com/panelbroker/gamebroker/pkg/db"
	"github.com/panelbroker/gamebroker/pkg/errors"
)

// Record is the archived form of a decided request.
type Record struct {
	ID            int64      `json:"id"`
	UserID        int64      `json:"user_id"`
	Username      string     `json:"username"`
	GameName      string     `json:"game_name"`
	Status        string     `json:"status"`
	RequestedAt   time.Time  `json:"requested_at"`
	ProcessedAt   *time.Time `json:"processed_at,omitempty"`
	ProcessedBy   *int64     `json:"processed_by,omitempty"`
	Notes         string     `json:"notes,omitempty"`
	AccountHandle string     `json:"amp_user_id,omitempty"`
	InstanceID    string     `json:"amp_instance_id,omitempty"`
}

// NewRecord converts a request for archiving.
func NewRecord(r *db.Request) Record {
	return Record{
		ID:            r.ID,
		UserID:        r.UserID,
		Username:      r.Username,
		GameName:      r.GameName,
		Status:        string(r.Status),
		RequestedAt:   r.RequestedAt.UTC(),
		ProcessedAt:   r.ProcessedAt,
		ProcessedBy:   r.ProcessedBy,
		Notes:         r.Notes,
		AccountHandle: r.AccountHandle,
		InstanceID:    r.InstanceID,
	}
}

// EncodeRecords writes one JSON object per line.
func EncodeRecords(w io.Writer, requests []*db.Request) error {
	enc := json.NewEncoder(w)
	for _, r := range requests {
		if err := enc.Encode(NewRecord(r)); err != nil {
			return errors.Wrap(err, "failed to encode record")
		}
	}
	return nil
}

// DecodeRecords reads records written by EncodeRecords.
func DecodeRecords(r io.Reader) ([]Record, error) {
	dec := json.NewDecoder(r)
	var out []Record
	for dec.More() {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			return nil, errors.Wrap(err, "failed to decode record")
		}
		out = append(out, rec)
	}
	return out, nil
}
