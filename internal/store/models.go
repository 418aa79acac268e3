package store

import "time"

const (
	LabelInbox   = "INBOX"
	LabelSent    = "SENT"
	LabelDraft   = "DRAFT"
	LabelStarred = "STARRED"
)

// FileCategory distinguishes the rendered body from attachments.
type FileCategory string

const (
	CategoryEmail      FileCategory = "email"
	CategoryAttachment FileCategory = "emailAttachment"
)

// Sync statuses recorded in sync_state.
const (
	StatusHooked  = "HOOKED"
	StatusSyncing = "SYNCING"
	StatusIdle    = "IDLE"
	StatusError   = "ERROR"
)

// PageSize is the number of rows returned per list page.
const PageSize = 50

type User struct {
	ID        string    `json:"id"`
	FullName  string    `json:"fullName"`
	FirstName string    `json:"firstName"`
	LastName  string    `json:"lastName"`
	Email     string    `json:"email"`
	ImageURL  string    `json:"imageUrl"`
	Provider  string    `json:"provider"`
	CreatedAt time.Time `json:"createdAt"`
}

// Person is a deduplicated email participant. UserID is set when the address belongs to a local user.
type Person struct {
	ID     string `json:"id"`
	Email  string `json:"email"`
	Name   string `json:"name"`
	UserID string `json:"userId,omitempty"`
}

type AccountToken struct {
	UserID       string
	Provider     string
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

type Thread struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Subject   string    `json:"subject"`
	Snippet   string    `json:"snippet"`
	HistoryID uint64    `json:"historyId"`
	Date      time.Time `json:"date"`
	Emails    []Email   `json:"emails,omitempty"`
}

type Email struct {
	ID         string      `json:"id"`
	UserID     string      `json:"userId"`
	ThreadID   string      `json:"threadId"`
	SenderID   string      `json:"senderId"`
	Sender     *Person     `json:"sender,omitempty"`
	Subject    string      `json:"subject"`
	Content    string      `json:"content"`
	Snippet    string      `json:"snippet"`
	Date       time.Time   `json:"date"`
	Labels     []string    `json:"labels"`
	DraftID    string      `json:"draftId,omitempty"`
	Recipients []Recipient `json:"recipients,omitempty"`
	Files      []File      `json:"files,omitempty"`
}

// HasLabel reports whether the email carries label.
func (e *Email) HasLabel(label string) bool {
	for _, l := range e.Labels {
		if l == label {
			return true
		}
	}

	return false
}

// Recipient links an email to one of its To/Cc/Bcc participants.
type Recipient struct {
	ID       string  `json:"id"`
	EmailID  string  `json:"emailId"`
	PersonID string  `json:"personId"`
	Person   *Person `json:"person,omitempty"`
	IsTo     bool    `json:"isTo"`
	IsCc     bool    `json:"isCc"`
	IsBcc    bool    `json:"isBcc"`
}

type File struct {
	ID          string       `json:"id"`
	EmailID     string       `json:"emailId"`
	FileName    string       `json:"fileName"`
	FormatType  string       `json:"formatType"`
	Category    FileCategory `json:"contentCategory"`
	Size        int64        `json:"size"`
	DownloadKey string       `json:"downloadKey"`
}

type SyncState struct {
	UserID       string
	Provider     string
	HistoryID    uint64
	Status       string
	LastError    string
	RetryCount   int
	LastSyncedAt time.Time
}

// OutboxMessage is a pending event waiting to be published.
type OutboxMessage struct {
	ID      string
	Subject string
	Payload []byte
	MsgID   string
}

// ThreadQuery selects a page of threads carrying Label.
type ThreadQuery struct {
	UserID string
	Label  string
	Search string
	Cursor string
	Limit  int
}

type ThreadPage struct {
	Threads    []Thread `json:"threads"`
	NextCursor string   `json:"nextCursor,omitempty"`
}

// EmailQuery selects a page of a user's emails.
type EmailQuery struct {
	UserID string
	Cursor string
	Limit  int
}

type EmailPage struct {
	Emails     []Email `json:"emails"`
	NextCursor string  `json:"nextCursor,omitempty"`
}

func pageLimit(limit int) int {
	if limit <= 0 || limit > PageSize {
		return PageSize
	}

	return limit
}
