// Package model defines the tagged record types shared across the memory
// and context engine: messages, media, facts, episodes, conversation
// windows, and system prompt records.
package model

import (
	"math"
	"time"
)

// Role identifies who produced a Message.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// MediaKind is the closed set of media descriptor kinds.
type MediaKind string

const (
	MediaImage     MediaKind = "image"
	MediaVideo     MediaKind = "video"
	MediaAudio     MediaKind = "audio"
	MediaDocument  MediaKind = "document"
	MediaSticker   MediaKind = "sticker"
	MediaAnimation MediaKind = "animation"
)

// Media is an inline-or-URI media descriptor attached to a message.
// Exactly one of Inline or URI is set.
type Media struct {
	Kind    MediaKind
	MIME    string
	Size    int64
	Inline  []byte
	URI     string
	Caption string
}

// ExternalIDs carries the four transport-assigned identifiers as strings so
// that 64-bit precision survives any JSON round trip.
type ExternalIDs struct {
	MessageID      string
	UserID         string
	ReplyMessageID string
	ReplyUserID    string
}

// Message is one persisted turn in a conversation. Immutable once created
// except for an asynchronously backfilled Embedding.
type Message struct {
	ID        int64
	ChatID    int64
	ThreadID  int64 // 0 means no thread
	AuthorID  int64
	Role      Role
	Text      string
	Media     []Media
	Metadata  map[string]string
	Embedding []float32
	CreatedAt time.Time
	External  ExternalIDs
}

// EntityKind distinguishes the two subjects a Fact can describe.
type EntityKind string

const (
	EntityUser EntityKind = "user"
	EntityChat EntityKind = "chat"
)

// FactCategory is the closed enum of fact categories.
type FactCategory string

const (
	CategoryPersonal   FactCategory = "personal"
	CategoryPreference FactCategory = "preference"
	CategorySkill      FactCategory = "skill"
	CategoryInterest   FactCategory = "interest"
	CategoryLanguage   FactCategory = "language"
	CategoryLocation   FactCategory = "location"
	CategoryRelation   FactCategory = "relationship"
	CategoryRule       FactCategory = "rule"
	CategoryTrait      FactCategory = "trait"
	CategoryStyle      FactCategory = "style"
	CategoryTopic      FactCategory = "topic"
	CategoryNorm       FactCategory = "norm"
	CategoryCulture    FactCategory = "culture"
)

// ConfidenceFloor is the minimum effective confidence a fact can decay to.
const ConfidenceFloor = 0.1

// Fact is a versioned, decaying belief about an entity.
type Fact struct {
	ID              int64
	EntityKind      EntityKind
	EntityID        int64
	ChatContext     *int64
	Category        FactCategory
	Key             string
	Value           string
	Confidence      float64
	EvidenceCount   int
	EvidenceExcerpt string
	SourceMessageID *int64
	Embedding       []float32
	DecayRate       float64
	CreatedAt       time.Time
	UpdatedAt       time.Time
	Active          bool
}

// EffectiveConfidence applies read-time decay, clamped to ConfidenceFloor.
func (f Fact) EffectiveConfidence(now time.Time) float64 {
	ageDays := now.Sub(f.UpdatedAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	eff := f.Confidence * math.Exp(-f.DecayRate*ageDays)
	if eff < ConfidenceFloor {
		return ConfidenceFloor
	}
	return eff
}

// FactChangeType is the closed enum of fact-version change types.
type FactChangeType string

const (
	ChangeCreated    FactChangeType = "created"
	ChangeReinforced FactChangeType = "reinforced"
	ChangeEvolved    FactChangeType = "evolved"
	ChangeCorrected  FactChangeType = "corrected"
	ChangeSuperseded FactChangeType = "superseded"
	ChangeDeleted    FactChangeType = "deleted"
)

// FactVersion is an append-only audit row for a Fact mutation.
type FactVersion struct {
	ID              int64
	FactID          int64
	ChangeType      FactChangeType
	ConfidenceDelta float64
	PriorValue      string
	NewValue        string
	CreatedAt       time.Time
}

// Valence is the closed set of episode emotional valences.
type Valence string

const (
	ValencePositive Valence = "positive"
	ValenceNegative Valence = "negative"
	ValenceNeutral  Valence = "neutral"
	ValenceMixed    Valence = "mixed"
)

// Episode is a durable summary of a bounded conversation window.
type Episode struct {
	ID           int64
	ChatID       int64
	ThreadID     int64
	Participants []int64
	Topic        string
	Summary      string
	Valence      Valence
	Tags         []string
	MessageIDs   []int64
	Importance   float64
	Embedding    []float32
	CreatedAt    time.Time
}

// PromptScope identifies whether a SystemPrompt applies globally or to one chat.
type PromptScope struct {
	Global bool
	ChatID int64
}

// SystemPrompt is one version of a system-prompt record for a scope.
type SystemPrompt struct {
	Scope     PromptScope
	Version   int
	Body      string
	Active    bool
	CreatedAt time.Time
}
