package profilesvc

import (
	"time"

	"github.com/fleetops/migrationd/internal/capability"
	"github.com/fleetops/migrationd/internal/store"
)

// Score bands for ActivityScore: a weighted function over five signals,
// each capped at its own maximum.
const (
	maxLoginScore      = 40.0
	maxProcessScore    = 20.0
	maxLoadedScore     = 15.0
	maxRecentActivity  = 15.0
	maxSizeTierScore   = 10.0
)

// ActivityScore computes the informational 0-100 activity score rules may
// reference via the `daysSinceLogin`/`daysSinceActivity` property paths or
// directly. It is a pure function of profile + metrics + now, so repeated
// evaluation over the same inputs always yields the same score.
func ActivityScore(profile *store.UserProfile, metrics capability.ActivitySnapshot, now time.Time) float64 {
	score := loginRecencyScore(now, metrics.LastLogin) +
		processCountScore(metrics.ActiveProcessCount) +
		loadedBonus(metrics.IsLoaded, metrics.HasActiveSession) +
		recentActivityScore(now, metrics.LastActivity) +
		sizeTierScore(profile.ProfileSizeBytes)

	if score < 0 {
		score = 0
	}

	if score > 100 {
		score = 100
	}

	return score
}

// loginRecencyScore awards the full maxLoginScore for a login today,
// decaying linearly to 0 at 90 days.
func loginRecencyScore(now, lastLogin time.Time) float64 {
	days := daysSince(now, lastLogin)
	if days <= 0 {
		return maxLoginScore
	}

	if days >= 90 {
		return 0
	}

	return maxLoginScore * (1 - days/90)
}

func processCountScore(count int) float64 {
	switch {
	case count <= 0:
		return 0
	case count >= 10:
		return maxProcessScore
	default:
		return maxProcessScore * float64(count) / 10
	}
}

func loadedBonus(isLoaded, hasSession bool) float64 {
	if isLoaded && hasSession {
		return maxLoadedScore
	}

	if isLoaded {
		return maxLoadedScore * 0.6
	}

	return 0
}

func recentActivityScore(now, lastActivity time.Time) float64 {
	days := daysSince(now, lastActivity)
	if days <= 1 {
		return maxRecentActivity
	}

	if days >= 30 {
		return 0
	}

	return maxRecentActivity * (1 - days/30)
}

// sizeTierScore rewards profiles large enough to be worth the backup effort,
// without over-rewarding runaway sizes.
func sizeTierScore(sizeBytes int64) float64 {
	const gib = 1 << 30

	switch {
	case sizeBytes >= 20*gib:
		return maxSizeTierScore
	case sizeBytes >= 5*gib:
		return maxSizeTierScore * 0.75
	case sizeBytes >= 1*gib:
		return maxSizeTierScore * 0.5
	case sizeBytes >= 100*(1<<20):
		return maxSizeTierScore * 0.25
	default:
		return 0
	}
}

// backupPriorityFor computes a user's BackupPriority in [1, 999] from its
// size, recency, loaded state, and profile type. Only Active users get a
// priority; every other classification clears it.
func backupPriorityFor(profile *store.UserProfile, metrics capability.ActivitySnapshot, now time.Time) int {
	base := 100.0

	base += sizeTierScore(profile.ProfileSizeBytes) * 20 // up to +200
	base += loginRecencyScore(now, metrics.LastLogin) * 5 // up to +200
	base += loadedBonus(metrics.IsLoaded, metrics.HasActiveSession) * 10 // up to +150

	switch profile.ProfileType {
	case store.ProfileTypeDomain, store.ProfileTypeAzureAD, store.ProfileTypeHybrid:
		base += 100
	}

	priority := int(base)
	if priority < 1 {
		priority = 1
	}

	if priority > 999 {
		priority = 999
	}

	return priority
}
