package wire

import (
	"net/url"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// AppUIDParam is the wire parameter carrying the host application id
// used to scope Clear.
const AppUIDParam = "AppUID"

// EncodeParams serializes wire params as key=value pairs joined by "&".
// Values are NFC-normalized and form-encoded as UTF-8. Keys are emitted
// in sorted order so the same params always encode identically.
func EncodeParams(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(norm.NFC.String(params[k])))
	}
	return b.String()
}

// DecodeParams parses an encoded hit string back into params. Pairs that
// fail to unescape are dropped.
func DecodeParams(s string) map[string]string {
	params := make(map[string]string)
	for _, pair := range strings.Split(s, "&") {
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		value, err := url.QueryUnescape(v)
		if err != nil {
			continue
		}
		params[k] = value
	}
	return params
}

// PostProcess appends the queue-time and cache-buster parameters to an
// encoded hit at send time. Queue time is only added for hits with a
// positive timestamp that is not in the future.
func PostProcess(hitString string, hitTime, hitID, now int64) string {
	var b strings.Builder
	b.Grow(len(hitString) + 32)
	b.WriteString(hitString)
	if hitTime > 0 {
		if qt := now - hitTime; qt >= 0 {
			b.WriteString("&qt=")
			b.WriteString(strconv.FormatInt(qt, 10))
		}
	}
	b.WriteString("&z=")
	b.WriteString(strconv.FormatInt(hitID, 10))
	return b.String()
}
