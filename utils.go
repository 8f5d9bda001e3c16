// utils.go
package agoranet

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// newID mints a fresh UUIDv4 entity id (spec.md §3: "UUIDv4 recommended").
func newID() string {
	return uuid.NewString()
}

// ulidEntropy is a process-wide monotonic entropy source for ULID
// generation, following the oklog/ulid guidance against seeding a fresh
// source per call (which would blow the monotonic read/compare property
// across concurrent goroutines).
var (
	ulidMu      sync.Mutex
	ulidEntropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// newULID mints a lexicographically sortable id; it backs newRequestID,
// so request ids sort by arrival time. Change Bus and federation seqs are
// plain uint64 counters (localSeqCounter), not ULIDs.
func newULID() string {
	ulidMu.Lock()
	defer ulidMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulidEntropy).String()
}

func fallback(val, def string) string {
	if strings.TrimSpace(val) == "" {
		return def
	}
	return val
}

// ParseCSV splits a comma-separated env value into trimmed, non-empty parts.
func ParseCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, c := range strings.Split(raw, ",") {
		c = strings.TrimSpace(c)
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}

func ensureHTTP(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	return "http://" + addr
}

// EnvDuration parses val as a Go duration (falling back to bare seconds),
// returning def on empty or unparseable input. Exported so cmd/server can
// share one implementation of the ambient config stack instead of rolling
// its own.
func EnvDuration(val string, def time.Duration) time.Duration {
	val = strings.TrimSpace(val)
	if val == "" {
		return def
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(val); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}

func envInt(val string, def int) int {
	val = strings.TrimSpace(val)
	if val == "" {
		return def
	}
	if n, err := strconv.Atoi(val); err == nil {
		return n
	}
	return def
}

// EnvBool parses common truthy/falsy env spellings, returning def otherwise.
func EnvBool(val string, def bool) bool {
	val = strings.TrimSpace(strings.ToLower(val))
	if val == "" {
		return def
	}
	switch val {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

// -------- cluster HMAC transport security --------
// Federation and Runtime RPC traffic is signed the same way the teacher
// secures its /cluster/* and /raft/* endpoints: an HMAC-SHA256 over the
// request body, keyed by a shared secret distributed out of band.

func computeHMACSHA256Hex(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func verifyHMACSHA256Hex(body []byte, secret, hexSig string) bool {
	expect := computeHMACSHA256Hex(body, secret)
	return hmac.Equal([]byte(expect), []byte(hexSig))
}

func validateClusterHMAC(w http.ResponseWriter, r *http.Request, secret string) bool {
	if secret == "" {
		http.Error(w, "federation HMAC secret not configured", http.StatusInternalServerError)
		return false
	}
	sig := r.Header.Get("X-Federation-Signature")
	if sig == "" {
		http.Error(w, "missing signature", http.StatusUnauthorized)
		return false
	}
	if !verifyHMACSHA256Hex(nil, secret, sig) {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return false
	}
	return true
}

// jittered computes a decorrelated-jitter backoff duration bounded by
// [base, cap], per §4.3's back-pressure policy.
func jittered(prev, base, cap time.Duration) time.Duration {
	if prev <= 0 {
		prev = base
	}
	upper := prev * 3
	if upper > cap {
		upper = cap
	}
	if upper <= base {
		return base
	}
	span := upper - base
	return base + time.Duration(rand.Int63n(int64(span)))
}
