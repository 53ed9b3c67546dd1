package models

import "time"

type GeoData struct {
	Country   string  `json:"country"`
	City      string  `json:"city"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	ASN       uint    `json:"asn,omitempty"`
	ASNOrg    string  `json:"asn_org,omitempty"`
}

// Block is one distributed block request. CIDR is always the canonical
// normalized form produced by netblock.Parse, which is what the one-active-
// block-per-network rule keys on.
type Block struct {
	ID          string    `json:"id" db:"id"`
	CIDR        string    `json:"cidr" db:"cidr"`
	RequestedBy string    `json:"requested_by" db:"requested_by"`
	Source      string    `json:"source" db:"source"`
	Why         string    `json:"why" db:"why"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	Duration    int64     `json:"duration,omitempty" db:"duration"` // seconds; 0 = indefinite
	Active      bool      `json:"active" db:"active"`
	Geolocation *GeoData  `json:"geolocation,omitempty" db:"-"`
}

// Expired reports whether a duration-limited block has passed its TTL at
// the given instant. Indefinite blocks never expire.
func (b *Block) Expired(now time.Time) bool {
	if b.Duration <= 0 {
		return false
	}
	return !now.Before(b.CreatedAt.Add(time.Duration(b.Duration) * time.Second))
}

// AgentConfirmation is one agent's acknowledgment state for one block.
// A nil ConfirmedAt means the agent has never confirmed, or has reported
// the network unblocked again.
type AgentConfirmation struct {
	BlockID     string     `json:"block_id" db:"block_id"`
	Ident       string     `json:"ident" db:"ident"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty" db:"confirmed_at"`
}

type WhitelistEntry struct {
	ID        string    `json:"id" db:"id"`
	CIDR      string    `json:"cidr" db:"cidr"`
	Who       string    `json:"who" db:"who"`
	Why       string    `json:"why" db:"why"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type AuditLog struct {
	ID        int64     `json:"id" db:"id"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
	Actor     string    `json:"actor" db:"actor"`
	Action    string    `json:"action" db:"action"`
	Target    string    `json:"target" db:"target"`
	Reason    string    `json:"reason" db:"reason"`
}

type Operator struct {
	Username     string    `json:"username" db:"username"`
	PasswordHash string    `json:"-" db:"password_hash"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

type APIToken struct {
	ID         int64      `json:"id" db:"id"`
	TokenHash  string     `json:"-" db:"token_hash"` // SHA256 sum of the raw token
	Name       string     `json:"name" db:"name"`
	Username   string     `json:"username" db:"username"`
	AllowedIPs string     `json:"allowed_ips" db:"allowed_ips"` // Comma-separated CIDRs
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at" db:"expires_at"`
	LastUsed   *time.Time `json:"last_used" db:"last_used"`
}

// AgentStatus is derived from the per-agent poll heartbeats kept in Redis.
type AgentStatus struct {
	Ident    string    `json:"ident"`
	LastPoll time.Time `json:"last_poll"`
}
