// Package click derives everything the tracking pipeline needs from an
// incoming redirect request: the deterministic click identifier, the IP hash,
// the device class and the bot heuristic. All derivations are pure functions
// of request metadata so the queue consumer can re-derive any field the
// producer did not carry.
package click

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// DeviceClass buckets user agents into coarse device categories. The set is
// closed; analytics rollups key on these values verbatim.
type DeviceClass string

const (
	DeviceMobile  DeviceClass = "mobile"
	DeviceTablet  DeviceClass = "tablet"
	DeviceDesktop DeviceClass = "desktop"
	DeviceUnknown DeviceClass = "unknown"
)

// Event is the queue message emitted for every tracked click. Optional fields
// are omitted when unknown; consumers tolerate their absence and re-derive
// device class from the user agent when it is not carried.
type Event struct {
	ClickID        string    `json:"click_id"`
	Timestamp      time.Time `json:"ts"`
	WorkspaceID    string    `json:"workspace_id"`
	LinkID         string    `json:"link_id"`
	Domain         string    `json:"domain"`
	Slug           string    `json:"slug"`
	DestinationURL string    `json:"destination_url"`
	Referrer       string    `json:"referrer,omitempty"`
	UserAgent      string    `json:"user_agent,omitempty"`
	IPHash         string    `json:"ip_hash,omitempty"`
	Country        string    `json:"country,omitempty"`
	Region         string    `json:"region,omitempty"`
	City           string    `json:"city,omitempty"`
	DeviceClass    string    `json:"device_class,omitempty"`
}

// Device token lists, checked in order: tablet before mobile because tablet
// user agents usually carry mobile tokens too, desktop last as the broadest
// match. Matching is case-insensitive substring.
var (
	tabletTokens  = []string{"ipad", "tablet", "kindle", "silk", "playbook"}
	mobileTokens  = []string{"mobile", "iphone", "ipod", "android", "blackberry", "windows phone", "opera mini", "webos"}
	desktopTokens = []string{"windows nt", "macintosh", "x11", "cros", "linux"}
)

// botTokens is the fixed crawler list. A match excludes the request from
// counters, the queue and billing alike.
var botTokens = []string{
	"bot", "crawl", "spider", "slurp", "scraper",
	"curl", "wget", "python-requests", "go-http-client", "httpclient",
	"facebookexternalhit", "whatsapp", "telegram", "slackbot", "discordbot",
	"headless", "phantomjs", "lighthouse", "pingdom", "uptimerobot",
	"preview", "vkshare", "embedly", "quora link preview",
}

// ClickID returns the deterministic click identifier: the hex-encoded SHA-256
// of "<linkID>|<tsMillis>|<uniquePart>". Retries and duplicate queue
// deliveries of the same request collapse on this key; the millisecond bucket
// keeps identical requests spaced apart distinct.
func ClickID(linkID string, tsMillis int64, uniquePart string) string {
	sum := sha256.Sum256([]byte(linkID + "|" + strconv.FormatInt(tsMillis, 10) + "|" + uniquePart))
	return hex.EncodeToString(sum[:])
}

// UniquePart selects the per-request discriminator for the click identifier:
// the edge-provided request ID when present, otherwise the first 16 hex
// characters of the SHA-256 of the user agent.
func UniquePart(requestID, userAgent string) string {
	if requestID != "" {
		return requestID
	}
	sum := sha256.Sum256([]byte(userAgent))
	return hex.EncodeToString(sum[:])[:16]
}

// HashIP returns the hex-encoded SHA-256 of the client IP string. The raw IP
// must never be persisted, logged or forwarded; this hash is the only
// IP-derived value that leaves the handler.
func HashIP(ip string) string {
	if ip == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(ip))
	return hex.EncodeToString(sum[:])
}

// DeviceClassOf classifies a user agent. Unknown and empty user agents map to
// DeviceUnknown.
func DeviceClassOf(userAgent string) DeviceClass {
	ua := strings.ToLower(userAgent)
	if ua == "" {
		return DeviceUnknown
	}
	for _, tok := range tabletTokens {
		if strings.Contains(ua, tok) {
			return DeviceTablet
		}
	}
	for _, tok := range mobileTokens {
		if strings.Contains(ua, tok) {
			return DeviceMobile
		}
	}
	for _, tok := range desktopTokens {
		if strings.Contains(ua, tok) {
			return DeviceDesktop
		}
	}
	return DeviceUnknown
}

// IsBot reports whether the user agent matches the fixed crawler list.
func IsBot(userAgent string) bool {
	ua := strings.ToLower(userAgent)
	if ua == "" {
		return false
	}
	for _, tok := range botTokens {
		if strings.Contains(ua, tok) {
			return true
		}
	}
	return false
}
