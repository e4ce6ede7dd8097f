package models

import "time"

// Sentinel scope for sessions manufactured by crash recovery when an orphaned
// artifact cannot be attributed to any existing session.
const (
	SentinelGuildID      = "unknown"
	SentinelCampaignName = "Recovered Sessions"
)

// Session is a bounded recording event grouping many artifacts.
// A session with no campaign association is valid but "unattributed"; such
// sessions exist only for orphan recovery.
type Session struct {
	SessionID      string    `json:"session_id"`
	GuildID        string    `json:"guild_id"`
	CampaignID     *int64    `json:"campaign_id,omitempty"`
	StartTime      time.Time `json:"start_time"`
	Phase          Phase     `json:"phase"`
	PhaseStartedAt time.Time `json:"phase_started_at,omitempty"`
}

// Campaign is the narrative context a session belongs to. Only the fields
// needed by recovery (find-or-create of the sentinel campaign) live here.
type Campaign struct {
	ID      int64  `json:"id"`
	GuildID string `json:"guild_id"`
	Name    string `json:"name"`
}
