package broadcast

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

type Status string
type RecipientStatus string
type Level string

const (
	StatusQueued         Status = "QUEUED"
	StatusProcessing     Status = "PROCESSING"
	StatusCompleted      Status = "Completed"
	StatusFailed         Status = "Failed"
	StatusPartialFailure Status = "PartialFailure"
)

const (
	RecipientPending RecipientStatus = "PENDING"
	RecipientSent    RecipientStatus = "SENT"
	RecipientFailed  RecipientStatus = "FAILED"
)

const (
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// DefaultLanguage is used when a job does not name a template language.
const DefaultLanguage = "en_US"

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusPartialFailure:
		return true
	}
	return false
}

// Component is one structural part of a message template as stored on the job.
type Component struct {
	Type   string `json:"type"`             // HEADER, BODY, ...
	Format string `json:"format,omitempty"` // TEXT, IMAGE, VIDEO, DOCUMENT (headers only)
	Text   string `json:"text,omitempty"`
}

// VariableMapping binds a template placeholder index to a recipient variable key.
type VariableMapping struct {
	Var   string `json:"var"`
	Value string `json:"value"`
}

type VariableMappings []VariableMapping

// KeyFor returns the recipient variable key for placeholder index i.
// Unmapped indices fall back to "variable<i>".
func (m VariableMappings) KeyFor(i int) string {
	want := strconv.Itoa(i)
	for _, vm := range m {
		if vm.Var == want && vm.Value != "" {
			return vm.Value
		}
	}
	return "variable" + want
}

// JobConfig is the static snapshot of a BroadcastJob carried in every batch.
type JobConfig struct {
	ID                string           `json:"_id"`
	ProjectID         string           `json:"projectId"`
	AccessToken       string           `json:"accessToken"`
	PhoneNumberID     string           `json:"phoneNumberId"`
	TemplateName      string           `json:"templateName"`
	Language          string           `json:"language,omitempty"`
	Components        []Component      `json:"components,omitempty"`
	VariableMappings  VariableMappings `json:"variableMappings,omitempty"`
	HeaderMediaID     string           `json:"headerMediaId,omitempty"`
	HeaderImageURL    string           `json:"headerImageUrl,omitempty"`
	MessagesPerSecond int              `json:"messagesPerSecond,omitempty"`
	ContactCount      int              `json:"contactCount,omitempty"`
}

// Component returns the first component of the given type (case-insensitive).
func (j JobConfig) Component(typ string) (Component, bool) {
	for _, c := range j.Components {
		if strings.EqualFold(c.Type, typ) {
			return c, true
		}
	}
	return Component{}, false
}

func (j JobConfig) LanguageCode() string {
	if j.Language == "" {
		return DefaultLanguage
	}
	return j.Language
}

// Recipient is one destination of a job as carried in a batch.
type Recipient struct {
	ID          string            `json:"_id"`
	BroadcastID string            `json:"broadcastId,omitempty"`
	Phone       string            `json:"phone"`
	Variables   Variables         `json:"variables,omitempty"`
	Status      RecipientStatus   `json:"status,omitempty"`
}

// Variables holds a recipient's template values. JSON scalars of any type
// decode to their string form, null decodes to "" and nested values keep
// their compact JSON text.
type Variables map[string]string

func (v *Variables) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*v = nil
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Variables, len(raw))
	for k, r := range raw {
		s, err := scalarString(r)
		if err != nil {
			return fmt.Errorf("variable %q: %w", k, err)
		}
		out[k] = s
	}
	*v = out
	return nil
}

func scalarString(r json.RawMessage) (string, error) {
	r = bytes.TrimSpace(r)
	if len(r) == 0 {
		return "", nil
	}
	switch r[0] {
	case 'n':
		return "", nil
	case '"':
		var s string
		err := json.Unmarshal(r, &s)
		return s, err
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(r, &b); err != nil {
			return "", err
		}
		return strconv.FormatBool(b), nil
	case '{', '[':
		var buf bytes.Buffer
		if err := json.Compact(&buf, r); err != nil {
			return "", err
		}
		return buf.String(), nil
	}
	var n json.Number
	if err := json.Unmarshal(r, &n); err != nil {
		return "", err
	}
	return n.String(), nil
}

// MaxErrorText bounds the error text stored for a recipient.
const MaxErrorText = 4 << 10

// CleanText makes s safe for a TEXT column: invalid UTF-8 is replaced, NUL
// bytes are removed and the result is cut to at most limit bytes on a rune
// boundary. limit <= 0 means no limit.
func CleanText(s string, limit int) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	s = strings.ReplaceAll(s, "\x00", "")
	if limit > 0 && len(s) > limit {
		cut := limit
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut]
	}
	return strings.TrimSpace(s)
}

// Batch is one queue message: a job snapshot plus a subset of its recipients.
type Batch struct {
	Job      JobConfig   `json:"jobDetails"`
	Contacts []Recipient `json:"contacts"`
}

// RecipientUpdate is the terminal state written for one recipient.
type RecipientUpdate struct {
	RecipientID string
	Status      RecipientStatus
	SentAt      time.Time
	MessageID   string
	Error       string
}

// Counters is the job state returned by an atomic counter increment.
type Counters struct {
	SuccessCount int
	ErrorCount   int
	ContactCount int
	Status       Status
}

func (c Counters) Accounted() int { return c.SuccessCount + c.ErrorCount }

// Done reports whether every recipient of the job has an outcome.
func (c Counters) Done() bool { return c.Accounted() >= c.ContactCount }

// TerminalStatus picks the final status for a finished job.
func (c Counters) TerminalStatus() Status {
	switch {
	case c.ErrorCount == 0:
		return StatusCompleted
	case c.SuccessCount == 0:
		return StatusFailed
	default:
		return StatusPartialFailure
	}
}

// Job is the persisted BroadcastJob row.
type Job struct {
	ID           string
	ProjectID    string
	Status       Status
	ContactCount int
	SuccessCount int
	ErrorCount   int
	WorkerID     string
	StartedAt    *time.Time
	CompletedAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// LogEntry is one append-only audit record scoped to a job.
type LogEntry struct {
	ID        string         `json:"id,omitempty"`
	JobID     string         `json:"broadcastId"`
	ProjectID string         `json:"projectId"`
	Level     Level          `json:"level"`
	Message   string         `json:"message"`
	Meta      map[string]any `json:"meta,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// RecipientRecord is the persisted state of one recipient.
type RecipientRecord struct {
	ID          string
	BroadcastID string
	Status      RecipientStatus
	SentAt      *time.Time
	MessageID   string
	Error       string
}
