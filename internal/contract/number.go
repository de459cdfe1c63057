package contract

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"
)

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

// MintNumber builds a contract number of the form
// <prefix>-<year>-<base36 millis><2 random base36 chars>, upper-cased.
func MintNumber(prefix string, now time.Time) string {
	millis := strconv.FormatInt(now.UnixMilli(), 36)
	suffix := []byte{base36[rand.IntN(len(base36))], base36[rand.IntN(len(base36))]}
	return strings.ToUpper(fmt.Sprintf("%s-%d-%s%s", prefix, now.Year(), millis, suffix))
}
