package worker

import (
	"net/url"
	"strconv"
	"strings"
	"unicode/utf16"
)

const (
	// APIVersion is sent as the protocol version on every hit.
	APIVersion = "1"

	maxSampleRate        = 100
	sampleRateMultiplier = 100
	sampleRateModulo     = 10000
)

// Hit fields the worker reads or fills in.
const (
	FieldClientID        = "clientId"
	FieldHitTime         = "hitTime"
	FieldSampleRate      = "sampleRate"
	FieldCampaign        = "campaign"
	FieldInternalHitURL  = "internalHitUrl"
	FieldUseSecure       = "useSecure"
	FieldAppName         = "appName"
	FieldAppVersion      = "appVersion"
	FieldAppID           = "appId"
	FieldAppInstallerID  = "appInstallerId"
	FieldAPIVersion      = "apiVersion"
	FieldCampaignContent = "campaignContent"
	FieldCampaignMedium  = "campaignMedium"
	FieldCampaignName    = "campaignName"
	FieldCampaignSource  = "campaignSource"
	FieldCampaignKeyword = "campaignKeyword"
	FieldCampaignID      = "campaignId"
	FieldGclid           = "gclid"
	FieldDclid           = "dclid"
	FieldGmobT           = "gmob_t"
)

// AppInfo identifies the producing application.
type AppInfo struct {
	Name        string
	Version     string
	ID          string
	InstallerID string
}

// campaignParams are the referrer parameters kept by FilterCampaign, in
// output order.
var campaignParams = []string{
	"dclid", "utm_source", "gclid",
	"utm_campaign", "utm_medium", "utm_term",
	"utm_content", "utm_id", "gmob_t",
}

// campaignFields maps kept referrer parameters to hit fields.
var campaignFields = map[string]string{
	"utm_content":  FieldCampaignContent,
	"utm_medium":   FieldCampaignMedium,
	"utm_campaign": FieldCampaignName,
	"utm_source":   FieldCampaignSource,
	"utm_term":     FieldCampaignKeyword,
	"utm_id":       FieldCampaignID,
	"gclid":        FieldGclid,
	"dclid":        FieldDclid,
	"gmob_t":       FieldGmobT,
}

// FilterCampaign reduces a referrer URL or query string to the
// recognised campaign parameters, joined as k=v&k=v. Returns "" when
// nothing usable is present.
func FilterCampaign(campaign string) string {
	if campaign == "" {
		return ""
	}
	query := campaign
	if strings.Contains(campaign, "?") {
		parts := strings.Split(campaign, "?")
		if len(parts) < 2 {
			return ""
		}
		query = parts[1]
	}

	if strings.Contains(query, "%3D") {
		decoded, err := url.QueryUnescape(query)
		if err != nil {
			return ""
		}
		query = decoded
	} else if !strings.Contains(query, "=") {
		return ""
	}

	values := ParseURLParameters(query)
	var b strings.Builder
	for _, name := range campaignParams {
		v := values[name]
		if v == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('&')
		}
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(v)
	}
	return b.String()
}

// ParseURLParameters splits k=v&k=v without unescaping. A key with no
// value maps to "".
func ParseURLParameters(s string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(s, "&") {
		kv := strings.Split(pair, "=")
		switch {
		case len(kv) > 1:
			out[kv[0]] = kv[1]
		case kv[0] != "":
			out[kv[0]] = ""
		}
	}
	return out
}

// fillCampaignParameters expands the hit's campaign field into the
// individual campaign fields.
func fillCampaignParameters(hit map[string]string) {
	filtered := FilterCampaign(hit[FieldCampaign])
	if filtered == "" {
		return
	}
	for param, value := range ParseURLParameters(filtered) {
		if field, ok := campaignFields[param]; ok && value != "" {
			hit[field] = value
		}
	}
}

// fillAppParameters adds the app identity without overriding anything
// the producer set.
func fillAppParameters(hit map[string]string, app AppInfo) {
	putIfAbsent(hit, FieldAppName, app.Name)
	putIfAbsent(hit, FieldAppVersion, app.Version)
	putIfAbsent(hit, FieldAppID, app.ID)
	putIfAbsent(hit, FieldAppInstallerID, app.InstallerID)
	hit[FieldAPIVersion] = APIVersion
}

func putIfAbsent(hit map[string]string, key, value string) {
	if value == "" {
		return
	}
	if _, ok := hit[key]; !ok {
		hit[key] = value
	}
}

// sampledOut reports whether the hit's sample rate excludes this client.
// The decision is stable per client id.
func sampledOut(hit map[string]string) bool {
	raw, ok := hit[FieldSampleRate]
	if !ok {
		return false
	}
	rate, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		rate = 0
	}
	if rate <= 0 {
		return true
	}
	if rate < maxSampleRate {
		cid, ok := hit[FieldClientID]
		if ok && float64(sampleBucket(cid)) >= rate*sampleRateMultiplier {
			return true
		}
	}
	return false
}

// sampleBucket is |h| % 10000 where h is the 32-bit polynomial string
// hash (s[0]*31^(n-1) + ... over UTF-16 code units). The bucket must not
// change across releases or clients would flip in and out of samples.
func sampleBucket(s string) int32 {
	var h int32
	for _, u := range utf16.Encode([]rune(s)) {
		h = 31*h + int32(u)
	}
	if h < 0 {
		// -MinInt32 overflows back to MinInt32, giving a negative bucket
		// that is always sampled in.
		h = -h
	}
	return h % sampleRateModulo
}

// hostURL picks the collector for a hit.
func hostURL(hit map[string]string, secure, insecure string) string {
	if u, ok := hit[FieldInternalHitURL]; ok {
		return u
	}
	if v, ok := hit[FieldUseSecure]; ok {
		if strings.EqualFold(v, "true") {
			return secure
		}
		return insecure
	}
	return secure
}
