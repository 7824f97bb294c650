package provider

import (
	"context"
)

type Action string

const (
	ActionAdd    Action = "add"
	ActionRemove Action = "remove"
)

type Member struct {
	ID    string `json:"id,omitempty"`
	Email string `json:"email"`
	Role  string `json:"role,omitempty"`
}

type Group struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

type MemberFilter struct {
	Role     string
	PageSize int
}

// Capabilities describes what a provider implementation supports. Group
// lifecycle is always off: groups are managed in the providers themselves,
// not by this system.
type Capabilities struct {
	MemberAdd      bool `yaml:"memberAdd" json:"memberAdd"`
	MemberRemove   bool `yaml:"memberRemove" json:"memberRemove"`
	Batch          bool `yaml:"batch" json:"batch"`
	MaxBatchSize   int  `yaml:"maxBatchSize" json:"maxBatchSize"`
	RoleInfo       bool `yaml:"roleInfo" json:"roleInfo"`
	UserLifecycle  bool `yaml:"userLifecycle" json:"userLifecycle"`
	GroupLifecycle bool `yaml:"-" json:"groupLifecycle"`
}

// GroupProvider is the contract every identity-provider driver implements.
// Implementations hold no per-request state and are safe for concurrent use.
// Every method returns its anticipated outcome as an OperationResult; the
// error return is for unexpected faults only.
type GroupProvider interface {
	Name() string
	Capabilities() Capabilities
	DefaultPrefix() string

	Initialize(ctx context.Context, config map[string]any) error
	Validate(ctx context.Context) error

	GetUserManagedGroups(ctx context.Context, userKey string) (*OperationResult, error)
	GetGroupMembers(ctx context.Context, groupKey string, filter MemberFilter) (*OperationResult, error)
	AddMember(ctx context.Context, groupKey string, member Member, justification string) (*OperationResult, error)
	RemoveMember(ctx context.Context, groupKey string, member Member, justification string) (*OperationResult, error)
	ValidatePermissions(ctx context.Context, userKey, groupKey string, action Action) (*OperationResult, error)

	CreateGroup(ctx context.Context, group Group) (*OperationResult, error)
	DeleteGroup(ctx context.Context, groupKey string) (*OperationResult, error)

	Close() error
}
