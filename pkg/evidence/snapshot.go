package evidence

import (
	"fmt"
	"time"
)

// Objects lists the domain objects a snapshot vouches for.
type Objects struct {
	OfferIDs     []string `json:"offer_ids"`
	SKUIDs       []string `json:"sku_ids"`
	CartID       string   `json:"cart_id,omitempty"`
	DraftOrderID string   `json:"draft_order_id,omitempty"`
}

// Snapshot is an immutable bundle of the tool calls behind a draft order.
type Snapshot struct {
	ID          string           `json:"snapshot_id"`
	MissionID   string           `json:"mission_id"`
	SessionID   string           `json:"session_id"`
	Objects     Objects          `json:"objects"`
	ToolCalls   []ToolCallRecord `json:"tool_calls"`
	Assumptions []string         `json:"assumptions,omitempty"`
	Warnings    []string         `json:"warnings,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	Hash        string           `json:"hash"`
}

// NewSnapshot copies the inputs and seals them with a content hash.
func NewSnapshot(id, missionID, sessionID string, objects Objects, calls []ToolCallRecord, assumptions, warnings []string, now time.Time) (Snapshot, error) {
	s := Snapshot{
		ID:          id,
		MissionID:   missionID,
		SessionID:   sessionID,
		Objects:     objects,
		ToolCalls:   append([]ToolCallRecord(nil), calls...),
		Assumptions: append([]string(nil), assumptions...),
		Warnings:    append([]string(nil), warnings...),
		CreatedAt:   now.UTC(),
	}
	h, err := s.contentHash()
	if err != nil {
		return Snapshot{}, fmt.Errorf("hash snapshot %s: %w", id, err)
	}
	s.Hash = h
	return s, nil
}

func (s Snapshot) contentHash() (string, error) {
	s.Hash = ""
	return HashValue(s)
}

// Verify recomputes the content hash and compares it with the sealed one.
func (s Snapshot) Verify() error {
	h, err := s.contentHash()
	if err != nil {
		return err
	}
	if h != s.Hash {
		return fmt.Errorf("snapshot %s hash mismatch: sealed %s, computed %s", s.ID, s.Hash, h)
	}
	return nil
}
