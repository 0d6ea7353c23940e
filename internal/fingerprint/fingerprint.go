// Package fingerprint derives a pseudo-stable participant identity from
// device/browser signals. The identity is a heuristic deduplication key used
// to prevent repeat draws; it is not a security primitive and collisions are
// an accepted trade-off.
package fingerprint

import (
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/text/language"
)

// HeaderFingerprint carries a client-computed fingerprint. When present it is
// used verbatim, so browser and server ports of the app agree on identity.
const HeaderFingerprint = "X-Client-Fingerprint"

// Client-signal headers sent by the web front end. Absent headers degrade to
// zero values; derivation never fails.
const (
	headerScreen       = "X-Screen-Geometry"
	headerColorDepth   = "X-Color-Depth"
	headerTZOffset     = "X-Timezone-Offset"
	headerCanvasDigest = "X-Canvas-Digest"
	headerCores        = "X-Hardware-Concurrency"
	headerDeviceMemory = "X-Device-Memory"
)

// Signals is the fixed set of environment inputs that feed the fingerprint
// hash. Field order is part of the derivation contract.
type Signals struct {
	UserAgent      string
	Language       string
	ScreenGeometry string // "WIDTHxHEIGHT"
	ColorDepth     int
	TimezoneOffset int // minutes from UTC
	CanvasDigest   string
	Cores          int
	DeviceMemory   int // GiB hint
}

// Derive concatenates the signals with a "|" separator and hashes the result.
// The same device and configuration always yields the same value.
func Derive(sig Signals) string {
	joined := strings.Join([]string{
		sig.UserAgent,
		sig.Language,
		sig.ScreenGeometry,
		strconv.Itoa(sig.ColorDepth),
		strconv.Itoa(sig.TimezoneOffset),
		sig.CanvasDigest,
		strconv.Itoa(sig.Cores),
		strconv.Itoa(sig.DeviceMemory),
	}, "|")
	return strconv.FormatInt(hash32(joined), 10)
}

// FromRequest returns the participant identity for an HTTP request. A
// client-supplied fingerprint header wins; otherwise the identity is derived
// from whatever signal headers the client sent.
func FromRequest(r *http.Request) string {
	if fp := strings.TrimSpace(r.Header.Get(HeaderFingerprint)); fp != "" {
		return fp
	}
	return Derive(SignalsFromRequest(r))
}

// SignalsFromRequest collects derivation inputs from request headers. Missing
// or malformed numeric headers are treated as zero.
func SignalsFromRequest(r *http.Request) Signals {
	return Signals{
		UserAgent:      r.UserAgent(),
		Language:       primaryLanguage(r.Header.Get("Accept-Language")),
		ScreenGeometry: strings.TrimSpace(r.Header.Get(headerScreen)),
		ColorDepth:     atoiOrZero(r.Header.Get(headerColorDepth)),
		TimezoneOffset: atoiOrZero(r.Header.Get(headerTZOffset)),
		CanvasDigest:   strings.TrimSpace(r.Header.Get(headerCanvasDigest)),
		Cores:          atoiOrZero(r.Header.Get(headerCores)),
		DeviceMemory:   atoiOrZero(r.Header.Get(headerDeviceMemory)),
	}
}

// hash32 applies the 32-bit rolling hash h = (h<<5) - h + b with signed
// wraparound, returning the absolute value. The constant shape matches the
// fingerprint the web client computes.
func hash32(s string) int64 {
	var h int32
	for i := 0; i < len(s); i++ {
		h = (h << 5) - h + int32(s[i])
	}
	v := int64(h)
	if v < 0 {
		v = -v
	}
	return v
}

// primaryLanguage extracts the preferred tag from an Accept-Language value
// ("en-GB,en;q=0.9" -> "en-GB"). Unparseable values degrade to "" rather
// than failing the derivation.
func primaryLanguage(al string) string {
	if strings.TrimSpace(al) == "" {
		return ""
	}
	tags, _, err := language.ParseAcceptLanguage(al)
	if err != nil || len(tags) == 0 {
		return ""
	}
	return tags[0].String()
}

func atoiOrZero(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}
