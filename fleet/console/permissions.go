// Copyright (C) 2025 GitFleet Labs.
// See LICENSE for copying information.

package console

// Resource is a protected API surface. The recognized set is enumerated;
// unknown resources fail closed.
type Resource string

// The recognized resources.
const (
	ResourceRepository Resource = "repository"
	ResourcePipeline   Resource = "pipelines"
	ResourceTemplate   Resource = "templates"
	ResourceDeployment Resource = "deployment"
	ResourceMetrics    Resource = "metrics"
	ResourceWebhooks   Resource = "webhooks"
)

// Action is an operation on a resource.
type Action string

// The recognized actions.
const (
	ActionRead    Action = "read"
	ActionWrite   Action = "write"
	ActionCreate  Action = "create"
	ActionTrigger Action = "trigger"
	ActionCancel  Action = "cancel"
	ActionApply   Action = "apply"
)

// Permission is a (resource, action) pair.
type Permission struct {
	Resource Resource
	Action   Action
}

// Wildcard grants every permission.
var Wildcard = Permission{Resource: "*", Action: "*"}

// validPairs enumerates every recognized (resource, action) pair. Pairs
// outside this set deny regardless of role.
var validPairs = map[Permission]struct{}{
	{ResourceRepository, ActionRead}:   {},
	{ResourceRepository, ActionWrite}:  {},
	{ResourcePipeline, ActionRead}:     {},
	{ResourcePipeline, ActionTrigger}:  {},
	{ResourcePipeline, ActionCancel}:   {},
	{ResourceTemplate, ActionRead}:     {},
	{ResourceTemplate, ActionApply}:    {},
	{ResourceTemplate, ActionCreate}:   {},
	{ResourceDeployment, ActionRead}:   {},
	{ResourceDeployment, ActionCreate}: {},
	{ResourceDeployment, ActionCancel}: {},
	{ResourceMetrics, ActionRead}:      {},
	{ResourceWebhooks, ActionRead}:     {},
}

// Valid reports whether the pair is recognized.
func (permission Permission) Valid() bool {
	_, ok := validPairs[permission]
	return ok
}

// Role is a named permission set.
type Role string

// The built-in roles.
const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleViewer   Role = "viewer"
)

// ParseRole parses the wire form of a role.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleAdmin, RoleOperator, RoleViewer:
		return Role(s), nil
	}
	return "", Error.New("unknown role %q", s)
}

// rolePermissions are the default grants per role.
var rolePermissions = map[Role][]Permission{
	RoleAdmin: {Wildcard},
	RoleOperator: {
		{ResourceRepository, ActionRead},
		{ResourceRepository, ActionWrite},
		{ResourcePipeline, ActionRead},
		{ResourcePipeline, ActionTrigger},
		{ResourcePipeline, ActionCancel},
		{ResourceTemplate, ActionRead},
		{ResourceTemplate, ActionApply},
		{ResourceTemplate, ActionCreate},
		{ResourceMetrics, ActionRead},
		{ResourceWebhooks, ActionRead},
	},
	RoleViewer: {
		{ResourceRepository, ActionRead},
		{ResourcePipeline, ActionRead},
		{ResourceTemplate, ActionRead},
		{ResourceMetrics, ActionRead},
	},
}

// HasPermission reports whether the role grants the pair. Matching is exact
// or the wildcard *:* only; unknown pairs deny.
func (role Role) HasPermission(permission Permission) bool {
	if !permission.Valid() {
		return false
	}
	for _, granted := range rolePermissions[role] {
		if granted == Wildcard || granted == permission {
			return true
		}
	}
	return false
}
