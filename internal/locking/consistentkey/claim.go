package consistentkey

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/thinkaurelius/titan-sub001/internal/locking"
	"github.com/thinkaurelius/titan-sub001/internal/storage"
)

// claimValueLen is the size of an encoded claim timestamp.
const claimValueLen = 8

// Claim is one decoded bid read back from the lock store.
type Claim struct {
	Rid       locking.Rid
	Timestamp time.Time
	Expired   bool
	Winner    bool
}

// EncodeTimestamp renders ts as big-endian unix nanoseconds.
func EncodeTimestamp(ts time.Time) []byte {
	out := make([]byte, claimValueLen)
	binary.BigEndian.PutUint64(out, uint64(ts.UnixNano()))
	return out
}

// DecodeTimestamp parses a claim value.
func DecodeTimestamp(b []byte) (time.Time, error) {
	if len(b) != claimValueLen {
		return time.Time{}, fmt.Errorf("consistentkey: claim value has %d bytes, want %d", len(b), claimValueLen)
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(b))).UTC(), nil
}

// precedes orders claims by timestamp, then Rid bytes.
func precedes(a, b Claim) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return bytes.Compare(a.Rid, b.Rid) < 0
}

// resolve decodes entries and marks expired claims and the winner. Entries
// whose value cannot be decoded are returned in skipped.
func resolve(entries []storage.Entry, now time.Time, expiry time.Duration) (claims []Claim, winner int, skipped []storage.Entry) {
	winner = -1
	claims = make([]Claim, 0, len(entries))
	for _, e := range entries {
		ts, err := DecodeTimestamp(e.Value)
		if err != nil || len(e.Column) == 0 {
			skipped = append(skipped, e)
			continue
		}
		c := Claim{Rid: locking.Rid(storage.Clone(e.Column)), Timestamp: ts}
		c.Expired = !now.Before(ts.Add(expiry))
		claims = append(claims, c)
	}
	for i := range claims {
		if claims[i].Expired {
			continue
		}
		if winner < 0 || precedes(claims[i], claims[winner]) {
			winner = i
		}
	}
	if winner >= 0 {
		claims[winner].Winner = true
	}
	return claims, winner, skipped
}
