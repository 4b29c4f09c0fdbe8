package mapping

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EventKeyFields are the fact-candidate columns that identify one play.
var EventKeyFields = []string{"ts", "actor_id", "session_id", "item_in_session", "song_title", "artist_name"}

// EventKey returns the hex SHA-256 of the canonical encoding of row's identifying
// fields. Equal plays read from a re-delivered partition get equal keys.
func EventKey(row Row) string {
	var b strings.Builder
	var scratch [64]byte
	for i, name := range EventKeyFields {
		if i > 0 {
			b.WriteByte('\x1f')
		}
		b.WriteString(name)
		b.WriteByte('=')
		appendCanonical(&b, row[name], &scratch)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func appendCanonical(b *strings.Builder, v any, scratch *[64]byte) {
	switch t := v.(type) {
	case nil:
		b.WriteString("null")
	case string:
		b.WriteString(strings.TrimSpace(t))
	case bool:
		b.WriteString(strconv.FormatBool(t))
	case int64:
		b.Write(strconv.AppendInt(scratch[:0], t, 10))
	case int:
		b.Write(strconv.AppendInt(scratch[:0], int64(t), 10))
	case float64:
		b.WriteString(strconv.FormatFloat(t, 'g', -1, 64))
	case time.Time:
		b.WriteString(t.UTC().Format(time.RFC3339Nano))
	default:
		fmt.Fprintf(b, "%v", t)
	}
}
