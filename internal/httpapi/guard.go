package httpapi

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"net"
	"strings"
	"sync"
	"time"
)

// csrfIssuer derives stateless tokens from a per-process key and the current
// window. A token stays valid for the window it was issued in and the next.
type csrfIssuer struct {
	key    []byte
	window time.Duration
}

func newCSRFIssuer(window time.Duration) (*csrfIssuer, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return &csrfIssuer{key: key, window: window}, nil
}

func (c *csrfIssuer) tokenFor(bucket int64) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(bucket))
	mac := hmac.New(sha256.New, c.key)
	mac.Write(buf[:])
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *csrfIssuer) bucket(now time.Time) int64 {
	return now.UnixNano() / int64(c.window)
}

func (c *csrfIssuer) Issue(now time.Time) string {
	return c.tokenFor(c.bucket(now))
}

func (c *csrfIssuer) Valid(token string, now time.Time) bool {
	if token == "" {
		return false
	}
	current := c.bucket(now)
	for _, b := range [...]int64{current, current - 1} {
		if hmac.Equal([]byte(token), []byte(c.tokenFor(b))) {
			return true
		}
	}
	return false
}

// loginLimiter counts attempts per client in fixed windows.
type loginLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	clients map[string]*attemptWindow
}

type attemptWindow struct {
	start time.Time
	count int
}

func newLoginLimiter(limit int, window time.Duration) *loginLimiter {
	return &loginLimiter{
		limit:   max(limit, 1),
		window:  window,
		clients: make(map[string]*attemptWindow),
	}
}

func (l *loginLimiter) Allow(client string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.clients[client]
	if !ok || now.Sub(w.start) >= l.window {
		l.sweep(now)
		l.clients[client] = &attemptWindow{start: now, count: 1}
		return true
	}
	if w.count >= l.limit {
		return false
	}
	w.count++
	return true
}

// sweep drops expired windows. Caller holds mu.
func (l *loginLimiter) sweep(now time.Time) {
	for client, w := range l.clients {
		if now.Sub(w.start) >= l.window {
			delete(l.clients, client)
		}
	}
}

// clientKey identifies the caller by remote IP without the port.
func clientKey(remoteAddr string) string {
	addr := strings.TrimSpace(remoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	if addr == "" {
		return "unknown"
	}
	return addr
}
