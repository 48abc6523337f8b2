package models

import "time"

// Note is a markdown note in the user's tree.
type Note struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id,omitempty"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Content   string    `json:"content,omitempty"`
	Pinned    bool      `json:"pinned"`
	Archived  bool      `json:"archived"`
	Modified  Timestamp `json:"modified"`
	CreatedAt Timestamp `json:"created_at"`
	DeletedAt Timestamp `json:"deleted_at"`
}

func (Note) EntityType() EntityType { return EntityNote }
func (n Note) EntityID() string     { return n.ID }
func (n Note) Touched() time.Time   { return n.Modified.Time }
func (n Note) Deleted() bool        { return !n.DeletedAt.IsZero() }

// Task is a to-do item.
type Task struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id,omitempty"`
	Title     string    `json:"title"`
	Notes     string    `json:"notes,omitempty"`
	Completed bool      `json:"completed"`
	DueDate   Timestamp `json:"due_date"`
	Archived  bool      `json:"archived"`
	UpdatedAt Timestamp `json:"updated_at"`
	CreatedAt Timestamp `json:"created_at"`
	DeletedAt Timestamp `json:"deleted_at"`
}

func (Task) EntityType() EntityType { return EntityTask }
func (t Task) EntityID() string     { return t.ID }
func (t Task) Touched() time.Time   { return t.UpdatedAt.Time }
func (t Task) Deleted() bool        { return !t.DeletedAt.IsZero() }

// Website is a saved web page.
type Website struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id,omitempty"`
	URL       string    `json:"url"`
	Title     string    `json:"title"`
	Summary   string    `json:"summary,omitempty"`
	Pinned    bool      `json:"pinned"`
	Archived  bool      `json:"archived"`
	UpdatedAt Timestamp `json:"updated_at"`
	CreatedAt Timestamp `json:"created_at"`
	DeletedAt Timestamp `json:"deleted_at"`
}

func (Website) EntityType() EntityType { return EntityWebsite }
func (w Website) EntityID() string     { return w.ID }
func (w Website) Touched() time.Time   { return w.UpdatedAt.Time }
func (w Website) Deleted() bool        { return !w.DeletedAt.IsZero() }

// File is an ingested file.
type File struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id,omitempty"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	MimeType  string    `json:"mime_type,omitempty"`
	Size      int64     `json:"size"`
	Checksum  string    `json:"checksum,omitempty"`
	UpdatedAt Timestamp `json:"updated_at"`
	CreatedAt Timestamp `json:"created_at"`
	DeletedAt Timestamp `json:"deleted_at"`
}

func (File) EntityType() EntityType { return EntityFile }
func (f File) EntityID() string     { return f.ID }
func (f File) Touched() time.Time   { return f.UpdatedAt.Time }
func (f File) Deleted() bool        { return !f.DeletedAt.IsZero() }

// Scratchpad is the user's free-form scratch note.
type Scratchpad struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id,omitempty"`
	Content   string    `json:"content"`
	UpdatedAt Timestamp `json:"updated_at"`
}

func (Scratchpad) EntityType() EntityType { return EntityScratchpad }
func (s Scratchpad) EntityID() string     { return s.ID }
func (s Scratchpad) Touched() time.Time   { return s.UpdatedAt.Time }
func (Scratchpad) Deleted() bool          { return false }

// Message is one chat message.
type Message struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id,omitempty"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      Timestamp `json:"created_at"`
}

func (Message) EntityType() EntityType { return EntityMessage }
func (m Message) EntityID() string     { return m.ID }
func (m Message) Touched() time.Time   { return m.CreatedAt.Time }
func (Message) Deleted() bool          { return false }
