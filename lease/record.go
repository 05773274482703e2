package lease

import (
	"encoding/json"
	"fmt"
	"time"
)

// record is the JSON body stored at lockKey(export). holderID identifies
// the session that currently holds the lease; acquiredAt is fixed at the
// moment the lease was first taken (or taken over) and does not move on
// subsequent heartbeats; expiresAt is a wall-clock deadline, not a
// relative TTL, so a reader never needs to know when the record was
// written to tell whether it's still live.
type record struct {
	HolderID   string    `json:"holder_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func encodeRecord(r record) ([]byte, error) {
	return json.Marshal(r)
}

func decodeRecord(data []byte) (record, error) {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return record{}, fmt.Errorf("lease: malformed record: %w", err)
	}
	return r, nil
}

// lockKey returns the S3 key holding export's lease record, per spec §6:
// locks/{export_name}.
func lockKey(export string) string {
	return fmt.Sprintf("locks/%s", export)
}
