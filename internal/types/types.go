// Package types defines the domain model for the knowledge-exchange service:
// notebooks, entries, claims, jobs, subscriptions, and the supporting enums.
package types

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// AuthorID is a 32-byte identity derived from hashing a signing public key.
type AuthorID [32]byte

// ParseAuthorID decodes a 64-character hex string into an AuthorID.
func ParseAuthorID(s string) (AuthorID, error) {
	var id AuthorID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid author id: %w", err)
	}
	if len(b) != 32 {
		return id, fmt.Errorf("invalid author id: expected 32 bytes, got %d", len(b))
	}
	copy(id[:], b)
	return id, nil
}

func (a AuthorID) String() string { return hex.EncodeToString(a[:]) }

// IsZero reports whether the identity is unset.
func (a AuthorID) IsZero() bool { return a == AuthorID{} }

// ClassificationLevel orders notebook sensitivity. Higher values dominate lower.
type ClassificationLevel int

const (
	LevelPublic ClassificationLevel = iota
	LevelInternal
	LevelConfidential
	LevelSecret
	LevelTopSecret
)

var levelNames = map[ClassificationLevel]string{
	LevelPublic:       "PUBLIC",
	LevelInternal:     "INTERNAL",
	LevelConfidential: "CONFIDENTIAL",
	LevelSecret:       "SECRET",
	LevelTopSecret:    "TOP_SECRET",
}

func (l ClassificationLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("LEVEL(%d)", int(l))
}

// ParseClassificationLevel parses a level name. Empty means PUBLIC.
func ParseClassificationLevel(s string) (ClassificationLevel, error) {
	if s == "" {
		return LevelPublic, nil
	}
	for l, name := range levelNames {
		if strings.EqualFold(s, name) {
			return l, nil
		}
	}
	return 0, fmt.Errorf("unknown classification level %q", s)
}

// Label pairs a classification level with a compartment set.
type Label struct {
	Level        ClassificationLevel `json:"level"`
	Compartments []string            `json:"compartments,omitempty"`
}

// Dominates reports whether l may read material labeled other: the level must
// be at least other's, and every compartment of other must be held by l.
func (l Label) Dominates(other Label) bool {
	if l.Level < other.Level {
		return false
	}
	held := make(map[string]bool, len(l.Compartments))
	for _, c := range l.Compartments {
		held[c] = true
	}
	for _, c := range other.Compartments {
		if !held[c] {
			return false
		}
	}
	return true
}

// Tier is the access level an author holds on a notebook.
type Tier int

const (
	TierNone Tier = iota
	TierExistence
	TierRead
	TierReadWrite
	TierAdmin
)

var tierNames = map[Tier]string{
	TierNone:      "none",
	TierExistence: "existence",
	TierRead:      "read",
	TierReadWrite: "read_write",
	TierAdmin:     "admin",
}

func (t Tier) String() string {
	if name, ok := tierNames[t]; ok {
		return name
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// ParseTier parses a tier name.
func ParseTier(s string) (Tier, error) {
	for t, name := range tierNames {
		if strings.EqualFold(s, name) {
			return t, nil
		}
	}
	return TierNone, fmt.Errorf("unknown access tier %q", s)
}

// Notebook groups entries under one owner, label, and monotonic sequence.
type Notebook struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Owner           AuthorID `json:"owner"`
	CreatedAt       time.Time `json:"created_at"`
	CurrentSequence int64    `json:"current_sequence"`
	Label           Label    `json:"label"`
	ReviewThreshold float64  `json:"review_threshold"`
}

// AccessGrant maps an author to a tier on a notebook. The owner needs no
// grant; ownership is implicit admin.
type AccessGrant struct {
	NotebookID string    `json:"notebook_id"`
	Author     AuthorID  `json:"author"`
	Tier       Tier      `json:"tier"`
	GrantedBy  AuthorID  `json:"granted_by"`
	CreatedAt  time.Time `json:"created_at"`
}

// ClaimsStatus tracks how far an entry has moved through claim analysis.
type ClaimsStatus string

const (
	ClaimsPending   ClaimsStatus = "pending"
	ClaimsDistilled ClaimsStatus = "distilled"
	ClaimsVerified  ClaimsStatus = "verified"
)

// IntegrationStatus is the quality verdict after comparisons land.
type IntegrationStatus string

const (
	IntegrationProbation  IntegrationStatus = "probation"
	IntegrationIntegrated IntegrationStatus = "integrated"
	IntegrationOrphan     IntegrationStatus = "orphan"
)

// ReviewStatus gates untrusted submissions off the pipeline.
type ReviewStatus string

const (
	ReviewApproved ReviewStatus = "approved"
	ReviewPending  ReviewStatus = "pending"
	ReviewRejected ReviewStatus = "rejected"
)

// Claim is one short factual statement distilled from an entry.
type Claim struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Contradiction records a pair of claims that cannot both hold.
type Contradiction struct {
	A        string  `json:"a"`
	B        string  `json:"b"`
	Severity float64 `json:"severity"`
}

// Comparison is the result of comparing an entry's claims against one peer.
type Comparison struct {
	ComparedAgainst string          `json:"compared_against"`
	Entropy         float64         `json:"entropy"`
	Friction        float64         `json:"friction"`
	Contradictions  []Contradiction `json:"contradictions,omitempty"`
	Mirrored        bool            `json:"mirrored,omitempty"`
}

// Entry is the central record: authored content plus everything the pipeline
// derives from it.
type Entry struct {
	ID                  string   `json:"id"`
	NotebookID          string   `json:"notebook_id"`
	Sequence            int64    `json:"sequence"`
	Content             []byte   `json:"content"`
	ContentType         string   `json:"content_type"`
	OriginalContentType string   `json:"original_content_type,omitempty"`
	Topic               string   `json:"topic,omitempty"`
	Author              AuthorID `json:"author"`
	Signature           []byte   `json:"signature,omitempty"`
	RevisionOf          string   `json:"revision_of,omitempty"`
	References          []string `json:"references,omitempty"`

	FragmentOf    string `json:"fragment_of,omitempty"`
	FragmentIndex *int   `json:"fragment_index,omitempty"`

	Claims              []Claim           `json:"claims,omitempty"`
	ClaimsStatus        ClaimsStatus      `json:"claims_status"`
	Comparisons         []Comparison      `json:"comparisons,omitempty"`
	ExpectedComparisons int               `json:"expected_comparisons"`
	MaxFriction         *float64          `json:"max_friction,omitempty"`
	NeedsReview         bool              `json:"needs_review"`
	Embedding           []float32         `json:"embedding,omitempty"`
	IntegrationStatus   IntegrationStatus `json:"integration_status"`
	ReviewStatus        ReviewStatus      `json:"review_status"`

	CreatedAt time.Time `json:"created_at"`
}

// Validate checks the structural invariants that do not need storage access.
func (e *Entry) Validate() error {
	if e.NotebookID == "" {
		return fmt.Errorf("entry missing notebook id")
	}
	if e.Author.IsZero() {
		return fmt.Errorf("entry missing author")
	}
	if e.ContentType == "" {
		return fmt.Errorf("entry missing content type")
	}
	if (e.FragmentOf == "") != (e.FragmentIndex == nil) {
		return fmt.Errorf("fragment_of and fragment_index must be set together")
	}
	if e.FragmentIndex != nil && *e.FragmentIndex < 0 {
		return fmt.Errorf("fragment_index must be >= 0, got %d", *e.FragmentIndex)
	}
	if e.Topic != "" && strings.Contains(e.Topic, "//") {
		return fmt.Errorf("topic %q contains an empty segment", e.Topic)
	}
	return nil
}

// RecomputeMaxFriction refreshes the cached friction maximum from the
// comparison list. Sets MaxFriction to nil when no comparisons exist.
func (e *Entry) RecomputeMaxFriction() {
	if len(e.Comparisons) == 0 {
		e.MaxFriction = nil
		return
	}
	max := e.Comparisons[0].Friction
	for _, c := range e.Comparisons[1:] {
		if c.Friction > max {
			max = c.Friction
		}
	}
	e.MaxFriction = &max
}
