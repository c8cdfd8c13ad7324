package messages

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

//Expiry resolves to an absolute expiration time in epoch seconds
type Expiry func(now time.Time) int64

//ExpireAt is an absolute expiration time
func ExpireAt(epoch int64) Expiry {
	return func(time.Time) int64 {
		return epoch
	}
}

//ExpireIn is an expiration time relative to the build time
func ExpireIn(d time.Duration) Expiry {
	return func(now time.Time) int64 {
		return now.Add(d).Unix()
	}
}

//ParseExpiry accepts either an epoch timestamp ("1700000000") or a
//relative duration ("30s", "15m", "1h", "2d")
func ParseExpiry(s string) (Expiry, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("empty expiration time")
	}

	if epoch, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ExpireAt(epoch), nil
	}

	seconds, err := ParseSeconds(s)
	if err != nil {
		return nil, err
	}
	return ExpireIn(time.Duration(seconds) * time.Second), nil
}

//ParseSeconds converts a duration string into whole seconds.
//Besides time.ParseDuration units it understands a "d" (day) suffix,
//a bare integer is taken as seconds.
func ParseSeconds(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty duration")
	}

	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}

	if strings.HasSuffix(s, "d") {
		days, err := strconv.ParseInt(strings.TrimSuffix(s, "d"), 10, 64)
		if err != nil {
			return 0, errors.Wrapf(err, "parsing days in %q", s)
		}
		return days * 24 * 60 * 60, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.Wrapf(err, "parsing duration %q", s)
	}
	return int64(d / time.Second), nil
}

//Expired reports whether an epoch expiration time has passed at now
func Expired(expire int64, now time.Time) bool {
	return expire <= now.Unix()
}
