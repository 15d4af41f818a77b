package usage

import (
	"fmt"
	"net"
	"strings"
)

// TierLimits drives admission and media preparation policy for one tier.
type TierLimits struct {
	Name           string
	MonthlyMinutes float64
	DailyRequests  int
	MaxDurationSec int
	PreviewClip    bool // tier output is always clipped to the preview ceiling
	HighAccuracy   bool // tier may request the high-accuracy supplier
}

// Tier names. "anonymous" is synthesized for unauthenticated preview calls.
const (
	TierAnonymous = "anonymous"
	TierFree      = "free"
	TierStarter   = "starter"
	TierPro       = "pro"
)

// DefaultTiers is the operator-tunable tier table.
var DefaultTiers = map[string]TierLimits{
	TierAnonymous: {Name: TierAnonymous, DailyRequests: 10, PreviewClip: true},
	TierFree:      {Name: TierFree, MonthlyMinutes: 30, DailyRequests: 5, MaxDurationSec: 1800, PreviewClip: true},
	TierStarter:   {Name: TierStarter, MonthlyMinutes: 300, DailyRequests: 50, MaxDurationSec: 2 * 3600},
	TierPro:       {Name: TierPro, MonthlyMinutes: 1200, DailyRequests: 200, MaxDurationSec: 4 * 3600, HighAccuracy: true},
}

// Identity is the admission subject: an authenticated user or a normalized
// anonymous client address.
type Identity struct {
	UserID string
	Tier   string
	Addr   string
}

func (id Identity) Anonymous() bool { return id.UserID == "" }

// Key is the ledger identity: stable per user, per normalized address for
// anonymous callers.
func (id Identity) Key() string {
	if id.Anonymous() {
		return "anon:" + NormalizeAddr(id.Addr)
	}
	return "user:" + id.UserID
}

// NormalizeAddr strips the port and truncates IPv6 to its /64 so one client
// cannot rotate through a whole prefix for fresh daily caps.
func NormalizeAddr(addr string) string {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return strings.ToLower(host)
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	masked := ip.Mask(net.CIDRMask(64, 128))
	return fmt.Sprintf("%s/64", masked)
}
