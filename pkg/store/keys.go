package store

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"pactcache/pkg/models"
	"pactcache/pkg/timekey"
)

const (
	// notation dictionary for key formats:
	// c = conversation marker
	// w = writ, ordered by time key
	// i = index from message id to time key
	// segments are separated by ":"; <...> is a variable segment

	ConversationKey = "c:%s"    // c:<whom>
	WritKey         = "w:%s:%s" // w:<whom>:<time_hex>
	IndexKey        = "i:%s:%s" // i:<whom>:<msg_id>

	// fixed hex width of a time key so keys sort like timekey.Compare
	TimeHexWidth = 32
)

func GenConversationKey(whom models.Whom) string {
	return fmt.Sprintf(ConversationKey, whom)
}

func GenWritKey(whom models.Whom, t timekey.Key) string {
	return fmt.Sprintf(WritKey, whom, PadTime(t))
}

func GenIndexKey(whom models.Whom, id string) string {
	return fmt.Sprintf(IndexKey, whom, id)
}

// WritPrefix is the common prefix of every writ key in whom.
func WritPrefix(whom models.Whom) string {
	return fmt.Sprintf("w:%s:", whom)
}

// PadTime renders t as fixed-width lowercase hex.
func PadTime(t timekey.Key) string {
	return fmt.Sprintf("%016x%016x", t.Hi, t.Lo)
}

// ParseTime reverses PadTime.
func ParseTime(s string) (timekey.Key, error) {
	if len(s) != TimeHexWidth {
		return timekey.Key{}, errors.Newf("time segment must be %d hex digits, got %q", TimeHexWidth, s)
	}
	hi, err := strconv.ParseUint(s[:16], 16, 64)
	if err != nil {
		return timekey.Key{}, errors.Wrapf(err, "parse time segment %q", s)
	}
	lo, err := strconv.ParseUint(s[16:], 16, 64)
	if err != nil {
		return timekey.Key{}, errors.Wrapf(err, "parse time segment %q", s)
	}
	return timekey.Key{Hi: hi, Lo: lo}, nil
}

// ParseWritKey splits a writ key into its conversation and time key.
func ParseWritKey(key string) (models.Whom, timekey.Key, error) {
	if !strings.HasPrefix(key, "w:") {
		return models.Whom{}, timekey.Key{}, errors.Newf("not a writ key: %q", key)
	}
	rest := key[2:]
	i := strings.LastIndexByte(rest, ':')
	if i < 0 {
		return models.Whom{}, timekey.Key{}, errors.Newf("not a writ key: %q", key)
	}
	whom, err := models.ParseWhom(rest[:i])
	if err != nil {
		return models.Whom{}, timekey.Key{}, err
	}
	t, err := ParseTime(rest[i+1:])
	if err != nil {
		return models.Whom{}, timekey.Key{}, err
	}
	return whom, t, nil
}

// upperBound returns the smallest key greater than every key with prefix.
func upperBound(prefix string) []byte {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return b[:i+1]
		}
	}
	return nil
}
