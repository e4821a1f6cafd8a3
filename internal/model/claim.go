package model

import (
	"time"

	"github.com/google/uuid"
)

// Related entity names. These double as the top-level fact prefixes and as
// the names reported when an entity fails to load.
const (
	EntityClaim       = "claim"
	EntitySupplements = "supplements"
	EntityPhotos      = "photos"
	EntityInspections = "inspections"
)

// Claim is the CRM's claim record as the engine sees it. Fixed columns are
// typed; everything else the CRM tracks lives in Data.
type Claim struct {
	ID          uuid.UUID      `json:"id"`
	OrgID       uuid.UUID      `json:"org_id"`
	ClaimNumber string         `json:"claim_number"`
	Status      string         `json:"status"`
	Carrier     string         `json:"carrier"`
	Description string         `json:"description"`
	Data        map[string]any `json:"data"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Supplement is a supplemental payment request filed against a claim.
type Supplement struct {
	ID        uuid.UUID      `json:"id"`
	ClaimID   uuid.UUID      `json:"claim_id"`
	Status    string         `json:"status"`
	Amount    float64        `json:"amount"`
	Data      map[string]any `json:"data"`
	CreatedAt time.Time      `json:"created_at"`
}

// Photo is a claim photo's metadata (the file itself lives elsewhere).
type Photo struct {
	ID       uuid.UUID      `json:"id"`
	ClaimID  uuid.UUID      `json:"claim_id"`
	Category string         `json:"category"`
	TakenAt  *time.Time     `json:"taken_at,omitempty"`
	Data     map[string]any `json:"data"`
}

// Inspection is a scheduled or completed site inspection.
type Inspection struct {
	ID          uuid.UUID      `json:"id"`
	ClaimID     uuid.UUID      `json:"claim_id"`
	Status      string         `json:"status"`
	Inspector   string         `json:"inspector"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Data        map[string]any `json:"data"`
}

// ClaimBundle is a claim with its related entities, fetched before evaluation.
// Unavailable names related entities that failed to load.
type ClaimBundle struct {
	Claim       Claim
	Supplements []Supplement
	Photos      []Photo
	Inspections []Inspection
	Unavailable []string
}

// IngestClaimRequest is the request body for PUT /v1/claims/{claim_id}.
type IngestClaimRequest struct {
	Claim       Claim        `json:"claim"`
	Supplements []Supplement `json:"supplements"`
	Photos      []Photo      `json:"photos"`
	Inspections []Inspection `json:"inspections"`
}

// Bundle returns the request as a bundle for claim id. Related entities are
// re-parented onto id and given IDs when they have none.
func (r IngestClaimRequest) Bundle(id uuid.UUID) ClaimBundle {
	r.Claim.ID = id
	b := ClaimBundle{Claim: r.Claim}
	for _, s := range r.Supplements {
		s.ClaimID = id
		if s.ID == uuid.Nil {
			s.ID = uuid.New()
		}
		b.Supplements = append(b.Supplements, s)
	}
	for _, p := range r.Photos {
		p.ClaimID = id
		if p.ID == uuid.Nil {
			p.ID = uuid.New()
		}
		b.Photos = append(b.Photos, p)
	}
	for _, in := range r.Inspections {
		in.ClaimID = id
		if in.ID == uuid.Nil {
			in.ID = uuid.New()
		}
		b.Inspections = append(b.Inspections, in)
	}
	return b
}
