package waggle

import "encoding/json"

// ============================================================================
// Auth Types
// ============================================================================

// StoredTokens is the access/refresh token pair owned by the HTTP pipeline.
type StoredTokens struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
}

// LoginOptions is the credentials payload for Login.
type LoginOptions struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// TokenResponse is returned by /auth/login and /auth/refresh.
type TokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	UserID       string `json:"userId,omitempty"`
}

// ============================================================================
// Realtime Wire Types
// ============================================================================

// Namespace identifies a realtime channel. The set is closed.
type Namespace string

const (
	NamespaceChat          Namespace = "chat"
	NamespacePresence      Namespace = "presence"
	NamespaceNotifications Namespace = "notifications"
)

// WebSocketMessage is the JSON frame exchanged over the realtime connection.
// Immutable once created.
type WebSocketMessage struct {
	ID            string          `json:"id"`
	Namespace     Namespace       `json:"namespace"`
	Event         string          `json:"event"`
	Data          json.RawMessage `json:"data,omitempty"`
	Timestamp     int64           `json:"timestamp"`
	CorrelationID string          `json:"correlationId"`
}

// QueuedMessage is a WebSocketMessage awaiting (re)delivery.
type QueuedMessage struct {
	WebSocketMessage
	Retries    int `json:"retries"`
	MaxRetries int `json:"maxRetries"`
}

// ConnectionStatus is the payload of "connection" events.
type ConnectionStatus struct {
	Status   string `json:"status"` // connected | disconnected | error | failed
	Attempts int    `json:"attempts,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// DeliveryReceipt is the payload of message_acknowledged / message_failed events.
type DeliveryReceipt struct {
	MessageID string `json:"messageId"`
	Event     string `json:"event"`
	Error     string `json:"error,omitempty"`
}

// ============================================================================
// Offline Action Types
// ============================================================================

// ActionKind enumerates the domain mutations the offline queue can replay.
type ActionKind string

const (
	ActionSendMessage      ActionKind = "send_message"
	ActionLikePet          ActionKind = "like_pet"
	ActionPassPet          ActionKind = "pass_pet"
	ActionCreatePost       ActionKind = "create_post"
	ActionUpdateProfile    ActionKind = "update_profile"
	ActionSchedulePlaydate ActionKind = "schedule_playdate"
	ActionUploadPhoto      ActionKind = "upload_photo"
)

// ActionStatus is the lifecycle state of a queued action.
type ActionStatus string

const (
	ActionPending   ActionStatus = "pending"
	ActionSyncing   ActionStatus = "syncing"
	ActionFailed    ActionStatus = "failed"
	ActionCompleted ActionStatus = "completed"
)

// PendingSyncAction is a durably queued user mutation.
type PendingSyncAction struct {
	ID            string          `json:"id"`
	Action        ActionKind      `json:"action"`
	Data          json.RawMessage `json:"data"`
	Timestamp     int64           `json:"timestamp"`
	Retries       int             `json:"retries"`
	MaxRetries    int             `json:"maxRetries"`
	CorrelationID string          `json:"correlationId"`
	Status        ActionStatus    `json:"status"`
	Error         string          `json:"error,omitempty"`
}

// SyncStatus is the snapshot exposed to UI indicators.
type SyncStatus struct {
	Online         bool  `json:"online"`
	Syncing        bool  `json:"syncing"`
	PendingActions int   `json:"pendingActions"`
	FailedActions  int   `json:"failedActions"`
	LastSyncAt     int64 `json:"lastSyncAt,omitempty"`
}

// ============================================================================
// Domain Types
// ============================================================================

// ChatMessage is a persisted chat message.
type ChatMessage struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversationId"`
	SenderID       string          `json:"senderId"`
	Content        string          `json:"content"`
	Type           string          `json:"type"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	CreatedAt      string          `json:"createdAt"`
}

// SendMessageOptions is the payload for Chat.Send and the send_message action.
type SendMessageOptions struct {
	ConversationID string          `json:"conversationId"`
	Content        string          `json:"content"`
	Type           string          `json:"type,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
}

// SwipeOptions is the payload for Matching.Like / Matching.Pass.
type SwipeOptions struct {
	PetID       string `json:"petId"`
	TargetPetID string `json:"targetPetId"`
}

// Match is a mutual-like result.
type Match struct {
	ID             string `json:"id"`
	PetID          string `json:"petId"`
	TargetPetID    string `json:"targetPetId"`
	ConversationID string `json:"conversationId,omitempty"`
	CreatedAt      string `json:"createdAt"`
}

// PetProfile is the editable pet profile.
type PetProfile struct {
	ID       string   `json:"id,omitempty"`
	Name     string   `json:"name"`
	Species  string   `json:"species"`
	Breed    string   `json:"breed,omitempty"`
	Bio      string   `json:"bio,omitempty"`
	AgeYears int      `json:"ageYears,omitempty"`
	PhotoIDs []string `json:"photoIds,omitempty"`
}

// Post is a community feed post.
type Post struct {
	ID        string   `json:"id,omitempty"`
	AuthorID  string   `json:"authorId,omitempty"`
	Content   string   `json:"content"`
	PhotoIDs  []string `json:"photoIds,omitempty"`
	Tags      []string `json:"tags,omitempty"`
	CreatedAt string   `json:"createdAt,omitempty"`
}

// Comment is a feed post comment.
type Comment struct {
	ID        string `json:"id,omitempty"`
	PostID    string `json:"postId"`
	Content   string `json:"content"`
	CreatedAt string `json:"createdAt,omitempty"`
}

// ReactionOptions adds or removes a reaction on a post.
type ReactionOptions struct {
	PostID string `json:"postId"`
	Kind   string `json:"kind"` // paw | heart | laugh
}

// ReportOptions flags a post or profile for moderation.
type ReportOptions struct {
	TargetID   string `json:"targetId"`
	TargetType string `json:"targetType"` // post | comment | profile
	Reason     string `json:"reason"`
}

// Playdate is a scheduled meetup between matched pets.
type Playdate struct {
	ID        string `json:"id,omitempty"`
	MatchID   string `json:"matchId"`
	Location  string `json:"location"`
	StartsAt  string `json:"startsAt"`
	Note      string `json:"note,omitempty"`
	Status    string `json:"status,omitempty"` // proposed | confirmed | cancelled
	CreatedAt string `json:"createdAt,omitempty"`
}

// PhotoUploadOptions is the payload for Media.Upload and the upload_photo action.
type PhotoUploadOptions struct {
	PetID    string `json:"petId"`
	FileName string `json:"fileName"`
	MimeType string `json:"mimeType,omitempty"`
	Base64   string `json:"base64"`
}

// Photo is an uploaded media record.
type Photo struct {
	ID       string `json:"id"`
	PetID    string `json:"petId"`
	URL      string `json:"url"`
	MimeType string `json:"mimeType,omitempty"`
}

// Entitlement is a plan-derived permission consumed by UI gating.
type Entitlement struct {
	Key       string `json:"key"`
	Limit     int    `json:"limit,omitempty"`
	Unlimited bool   `json:"unlimited,omitempty"`
	ExpiresAt string `json:"expiresAt,omitempty"`
}
