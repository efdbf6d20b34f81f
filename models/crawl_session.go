package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type SessionType string
type SessionState string

const (
	SessionTypeFull  SessionType = "full"
	SessionTypeDelta SessionType = "delta"

	SessionStatePending     SessionState = "pending"
	SessionStateDiscovering SessionState = "discovering"
	SessionStateFetching    SessionState = "fetching"
	SessionStateProcessing  SessionState = "processing"
	SessionStateDone        SessionState = "done"
	SessionStateFailed      SessionState = "failed"
)

// ActiveStates are the states that block a second session on the same site.
var ActiveStates = []SessionState{
	SessionStatePending,
	SessionStateDiscovering,
	SessionStateFetching,
	SessionStateProcessing,
}

// SessionCounters accumulates per-session progress. Stored as one JSON
// column and written atomically with the state transition.
type SessionCounters struct {
	URLsDiscovered int `json:"urls_discovered"`
	Fetched        int `json:"fetched"`
	Changed        int `json:"changed"`
	Unchanged      int `json:"unchanged"`
	Failed         int `json:"failed"`
	ChunksUpserted int `json:"chunks_upserted"`
	ChunksSkipped  int `json:"chunks_skipped"`
	EmbeddingCalls int `json:"embedding_calls"`
}

func (c SessionCounters) Value() (driver.Value, error) {
	return json.Marshal(c)
}

func (c *SessionCounters) Scan(value interface{}) error {
	if value == nil {
		*c = SessionCounters{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, c)
	case string:
		return json.Unmarshal([]byte(v), c)
	default:
		return fmt.Errorf("unsupported type for SessionCounters: %T", value)
	}
}

// CrawlSession is one attempt to synchronize a Site with its source.
type CrawlSession struct {
	ID         uuid.UUID       `json:"id" gorm:"type:uuid;primaryKey"`
	TenantID   string          `json:"tenant_id" gorm:"not null;index:idx_sessions_tenant_site,priority:1"`
	SiteID     uuid.UUID       `json:"site_id" gorm:"type:uuid;not null;index:idx_sessions_tenant_site,priority:2"`
	Type       SessionType     `json:"type" gorm:"not null"`
	State      SessionState    `json:"state" gorm:"not null;index"`
	Counters   SessionCounters `json:"counters" gorm:"column:counters_json;type:jsonb"`
	FailReason string          `json:"fail_reason,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

func (CrawlSession) TableName() string { return "crawl_sessions" }

// IsActive reports whether the session still holds the per-site crawl lease.
func (s *CrawlSession) IsActive() bool {
	for _, st := range ActiveStates {
		if s.State == st {
			return true
		}
	}
	return false
}

// FetchOutcome classifies one URL's fetch within a session.
type FetchOutcome string

const (
	FetchOutcomeNew       FetchOutcome = "new"
	FetchOutcomeChanged   FetchOutcome = "changed"
	FetchOutcomeUnchanged FetchOutcome = "unchanged"
	FetchOutcomeFailed    FetchOutcome = "failed"
)
