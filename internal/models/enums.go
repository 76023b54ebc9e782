package models

import "strings"

// ApprovalStatus is the moderation state of a post inside a group.
type ApprovalStatus string

const (
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalRejected ApprovalStatus = "REJECTED"
)

// ParseApprovalStatus parses a stored approval status. An empty value means APPROVED,
// which is how documents written before group moderation existed are stored.
func ParseApprovalStatus(raw string) (ApprovalStatus, error) {
	switch ApprovalStatus(strings.ToUpper(strings.TrimSpace(raw))) {
	case "", ApprovalApproved:
		return ApprovalApproved, nil
	case ApprovalPending:
		return ApprovalPending, nil
	case ApprovalRejected:
		return ApprovalRejected, nil
	default:
		return ApprovalPending, &ParseError{Kind: "approval status", Value: raw}
	}
}

// GroupPrivacy controls who can see a group's posts in the feed.
type GroupPrivacy string

const (
	GroupPublic  GroupPrivacy = "PUBLIC"
	GroupPrivate GroupPrivacy = "PRIVATE"
)

// ParseGroupPrivacy parses a stored group privacy value. Empty means PUBLIC.
func ParseGroupPrivacy(raw string) (GroupPrivacy, error) {
	switch GroupPrivacy(strings.ToUpper(strings.TrimSpace(raw))) {
	case "", GroupPublic:
		return GroupPublic, nil
	case GroupPrivate:
		return GroupPrivate, nil
	default:
		return GroupPublic, &ParseError{Kind: "group privacy", Value: raw}
	}
}

// LoadType is the kind of load requested by the paging layer.
type LoadType string

const (
	LoadRefresh LoadType = "refresh"
	LoadPrepend LoadType = "prepend"
	LoadAppend  LoadType = "append"
)

// ParseLoadType parses a load type as sent by a client.
func ParseLoadType(raw string) (LoadType, error) {
	switch LoadType(strings.ToLower(strings.TrimSpace(raw))) {
	case LoadRefresh:
		return LoadRefresh, nil
	case LoadPrepend:
		return LoadPrepend, nil
	case LoadAppend:
		return LoadAppend, nil
	default:
		return "", &ParseError{Kind: "load type", Value: raw}
	}
}

// JobStatus is the state of a durable upload job.
type JobStatus string

const (
	JobEnqueued  JobStatus = "enqueued"
	JobRunning   JobStatus = "running"
	JobRetry     JobStatus = "retry"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// MutationKind identifies the kind of an in-flight optimistic change.
type MutationKind string

const (
	MutationLike MutationKind = "like"
)
