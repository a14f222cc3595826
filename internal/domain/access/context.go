package access

import (
	"time"

	"github.com/bytedance/sonic"

	"github.com/GriffinCanCode/AnnotationBridge/internal/shared/fault"
)

// DefaultTTL applies when a context arrives without one
const DefaultTTL = time.Hour

// User is the authenticated principal
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
}

// Project scopes the annotation work
type Project struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Task is the unit of annotation work inside a project
type Task struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Status string `json:"status,omitempty"`
}

// AnnotationContext is the trust context pushed into the frame
type AnnotationContext struct {
	User        User
	Project     *Project
	Task        *Task
	Permissions []Permission
	Timestamp   time.Time
	TTL         time.Duration
}

// wireContext carries ttl in seconds
type wireContext struct {
	User        User         `json:"user"`
	Project     *Project     `json:"project,omitempty"`
	Task        *Task        `json:"task,omitempty"`
	Permissions []Permission `json:"permissions"`
	Timestamp   time.Time    `json:"timestamp"`
	TTL         int64        `json:"ttl"`
}

func (c AnnotationContext) MarshalJSON() ([]byte, error) {
	return sonic.ConfigStd.Marshal(wireContext{
		User:        c.User,
		Project:     c.Project,
		Task:        c.Task,
		Permissions: c.Permissions,
		Timestamp:   c.Timestamp,
		TTL:         int64(c.TTL / time.Second),
	})
}

func (c *AnnotationContext) UnmarshalJSON(data []byte) error {
	var w wireContext
	if err := sonic.ConfigStd.Unmarshal(data, &w); err != nil {
		return err
	}
	*c = AnnotationContext{
		User:        w.User,
		Project:     w.Project,
		Task:        w.Task,
		Permissions: w.Permissions,
		Timestamp:   w.Timestamp,
		TTL:         time.Duration(w.TTL) * time.Second,
	}
	for i, p := range c.Permissions {
		c.Permissions[i] = NewPermission(p.Action, p.Resource, p.Allowed)
	}
	return nil
}

// ExpiresAt is the instant after which the context is stale
func (c AnnotationContext) ExpiresAt() time.Time {
	return c.Timestamp.Add(c.TTL)
}

// IsStale reports whether now is past timestamp+ttl
func (c AnnotationContext) IsStale(now time.Time) bool {
	return now.After(c.ExpiresAt())
}

// Clone returns a deep copy
func (c AnnotationContext) Clone() AnnotationContext {
	out := c
	if c.Project != nil {
		p := *c.Project
		out.Project = &p
	}
	if c.Task != nil {
		t := *c.Task
		out.Task = &t
	}
	out.Permissions = append([]Permission(nil), c.Permissions...)
	return out
}

// normalize fills defaults, tags permissions and validates required fields
func (c *AnnotationContext) normalize() error {
	if c.User.ID == "" {
		return fault.New(fault.KindValidation, "access.context", "user id is required")
	}
	if c.Timestamp.IsZero() {
		return fault.New(fault.KindValidation, "access.context", "timestamp is required")
	}
	if c.TTL == 0 {
		c.TTL = DefaultTTL
	}
	return c.validateTTL()
}

func (c *AnnotationContext) validateTTL() error {
	if c.TTL <= 0 {
		return fault.Newf(fault.KindValidation, "access.context", "ttl must be positive, got %s", c.TTL)
	}
	for i, p := range c.Permissions {
		c.Permissions[i] = NewPermission(p.Action, p.Resource, p.Allowed)
	}
	return nil
}

// Patch carries the fields UpdateContext merges. Nil fields are left as is.
type Patch struct {
	User        *User          `json:"user,omitempty"`
	Project     *Project       `json:"project,omitempty"`
	Task        *Task          `json:"task,omitempty"`
	Permissions []Permission   `json:"permissions,omitempty"`
	Timestamp   *time.Time     `json:"timestamp,omitempty"`
	TTL         *time.Duration `json:"-"`
	TTLSeconds  *int64         `json:"ttl,omitempty"`
}

func (p Patch) apply(c *AnnotationContext) {
	if p.User != nil {
		c.User = *p.User
	}
	if p.Project != nil {
		proj := *p.Project
		c.Project = &proj
	}
	if p.Task != nil {
		task := *p.Task
		c.Task = &task
	}
	if p.Permissions != nil {
		c.Permissions = append([]Permission(nil), p.Permissions...)
	}
	if p.Timestamp != nil {
		c.Timestamp = *p.Timestamp
	}
	switch {
	case p.TTL != nil:
		c.TTL = *p.TTL
	case p.TTLSeconds != nil:
		c.TTL = time.Duration(*p.TTLSeconds) * time.Second
	}
}

// Snapshot is the read-only view pushed to the frame and dashboards
type Snapshot struct {
	User        User         `json:"user"`
	Project     *Project     `json:"project,omitempty"`
	Task        *Task        `json:"task,omitempty"`
	Permissions []Permission `json:"permissions"`
	Timestamp   time.Time    `json:"timestamp"`
	TTL         int64        `json:"ttl"`
	ExpiresAt   time.Time    `json:"expiresAt"`
	Stale       bool         `json:"stale"`
}

func newSnapshot(c AnnotationContext, now time.Time) *Snapshot {
	c = c.Clone()
	return &Snapshot{
		User:        c.User,
		Project:     c.Project,
		Task:        c.Task,
		Permissions: c.Permissions,
		Timestamp:   c.Timestamp,
		TTL:         int64(c.TTL / time.Second),
		ExpiresAt:   c.ExpiresAt(),
		Stale:       c.IsStale(now),
	}
}
