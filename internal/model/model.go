package model

import (
	"errors"
	"time"
)

type JobStatus string

const (
	JobInQueue JobStatus = "in_queue"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobError   JobStatus = "error"
)

// CanTransition reports whether a status update from -> to is allowed.
// The machine is forward-only: in_queue -> running -> {done, error}.
// Terminal states are never left; a retry creates a new record instead.
func CanTransition(from, to JobStatus) bool {
	switch from {
	case JobInQueue:
		return to == JobRunning
	case JobRunning:
		return to == JobDone || to == JobError
	default:
		return false
	}
}

// TagPinned blocks deletion while present on a job.
const TagPinned = "pinned"

// ReservedTags maps reserved tag names to their delete-protection flag.
var ReservedTags = map[string]bool{
	TagPinned: true,
}

var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicateID       = errors.New("duplicate job id")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrProtected         = errors.New("job is pinned and cannot be deleted")
	ErrForbidden         = errors.New("only the owner or an admin may do this")
	ErrValidation        = errors.New("invalid parameters")
)

// JobParams is the immutable snapshot of build inputs taken at submit time.
// Kickstart holds the full file contents, resolved from either a named
// template or an uploaded file before the record is created.
type JobParams struct {
	Name        string   `json:"name"`
	ImageType   string   `json:"imageType"`
	Overlay     string   `json:"overlay"`
	Release     string   `json:"release"`
	Arch        string   `json:"arch"`
	DeviceGroup string   `json:"deviceGroup,omitempty"`
	TestImage   bool     `json:"testImage,omitempty"`
	Notify      bool     `json:"notify,omitempty"`
	ExtraRepos  []string `json:"extraRepos,omitempty"`
	Kickstart   string   `json:"kickstart,omitempty"`
}

// Job is a single image-build request plus its lifecycle state.
//
// ID has the form <owner>-<YYYYMMDD>-<HHMMSS> and never changes. Params and
// QueueName are write-once; everything else is maintained by the store.
type Job struct {
	ID             string    `json:"id"`
	Owner          string    `json:"owner"`
	Email          string    `json:"email,omitempty"`
	QueueName      string    `json:"queue"`
	Params         JobParams `json:"params"`
	Status         JobStatus `json:"status"`
	Error          string    `json:"error,omitempty"`
	Log            string    `json:"log,omitempty"`
	Tags           []string  `json:"tags,omitempty"`
	ClaimedBy      string    `json:"claimedBy,omitempty"`
	LeaseExpiresAt time.Time `json:"-"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Terminal reports whether the job has finished, successfully or not.
func (j Job) Terminal() bool {
	return j.Status == JobDone || j.Status == JobError
}

// Pinned reports whether the job carries the reserved "pinned" tag.
func (j Job) Pinned() bool {
	for _, t := range j.Tags {
		if t == TagPinned {
			return true
		}
	}
	return false
}

// Queue is a named partition of pending jobs.
type Queue struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// Identity is the authenticated principal as supplied by the outer layer.
// The core treats it as opaque; it does no authentication of its own.
type Identity struct {
	UserID string
	Email  string
	Admin  bool
}

// Owns reports whether the identity may mutate a job owned by owner.
func (id Identity) Owns(owner string) bool {
	return id.Admin || id.UserID == owner
}
