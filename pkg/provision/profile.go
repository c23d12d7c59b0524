package provision

import "time"

// Profile is one minted subscriber identity. The signaling engine treats it
// as opaque data echoed into provisioning responses.
type Profile struct {
	ID             string    `json:"id"`
	ICCID          string    `json:"iccid"`
	IMSI           string    `json:"imsi"`
	Ki             string    `json:"ki"`
	OPC            string    `json:"opc"`
	MSISDN         string    `json:"msisdn"`
	Status         string    `json:"status"`
	ActivationCode string    `json:"activation_code"`
	OwnerHint      string    `json:"owner_hint,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ProfileStore mints and retrieves subscriber profiles. Mint may be slow
// (key generation, persistence) and is always called off the engine's
// dispatch loop.
type ProfileStore interface {
	Mint(ownerHint string) (*Profile, error)
	Get(id string) (*Profile, bool)
}
