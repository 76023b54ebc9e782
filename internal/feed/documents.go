// Package feed implements the offline-first feed engine: the remote page fetcher, the
// paging mediator that writes pages into the local cache, and the optimistic post
// mutations.
package feed

import (
	"errors"
	"fmt"
	"time"

	"feedsync/internal/models"
	"feedsync/internal/remote"
)

// Remote collections.
const (
	CollectionPosts        = "posts"
	CollectionLikes        = "likes"
	CollectionGroups       = "groups"
	CollectionGroupMembers = "group_members"
	CollectionUsers        = "users"
)

// Remote document fields.
const (
	FieldAuthorID        = "authorId"
	FieldAuthorName      = "authorName"
	FieldAuthorAvatarURL = "authorAvatarUrl"
	FieldText            = "text"
	FieldMediaURLs       = "mediaUrls"
	FieldLikeCount       = "likeCount"
	FieldCommentCount    = "commentCount"
	FieldCreatedAt       = remote.FieldCreatedAt
	FieldGroupID         = "groupId"
	FieldGroupName       = "groupName"
	FieldGroupAvatarURL  = "groupAvatarUrl"
	FieldApprovalStatus  = "approvalStatus"
	FieldIsPinned        = "isPinned"
	FieldIsHidden        = "isHidden"
	FieldPrivacy         = "privacy"
	FieldUserID          = "userId"
	FieldPostID          = "postId"
	FieldName            = "name"
	FieldAvatarURL       = "avatarUrl"
)

var errMissingAuthor = errors.New("document has no author")

// LikeID returns the id of the like document recording that userID liked postID.
func LikeID(userID, postID string) string {
	return fmt.Sprintf("%s_%s", userID, postID)
}

// MembershipID returns the id of the membership document of userID in groupID.
func MembershipID(groupID, userID string) string {
	return fmt.Sprintf("%s_%s", groupID, userID)
}

// PostDocument returns the remote fields of a post. Liked state and sync state are
// per-device and not stored remotely.
func PostDocument(p *models.Post) map[string]any {
	status := p.ApprovalStatus
	if status == "" {
		status = models.ApprovalApproved
	}
	fields := map[string]any{
		FieldAuthorID:        p.AuthorID,
		FieldAuthorName:      p.AuthorName,
		FieldAuthorAvatarURL: p.AuthorAvatarURL,
		FieldText:            p.Text,
		FieldMediaURLs:       p.MediaURLs,
		FieldLikeCount:       p.LikeCount,
		FieldCommentCount:    p.CommentCount,
		FieldCreatedAt:       p.CreatedAt.UTC(),
		FieldApprovalStatus:  string(status),
		FieldIsPinned:        p.IsPinned,
		FieldIsHidden:        p.IsHidden,
	}
	if p.MediaURLs == nil {
		fields[FieldMediaURLs] = []string{}
	}
	if p.GroupID != "" {
		fields[FieldGroupID] = p.GroupID
		fields[FieldGroupName] = p.GroupName
		fields[FieldGroupAvatarURL] = p.GroupAvatarURL
	}
	return fields
}

// postFromDocument converts a remote post. The approval status is returned unparsed
// so the caller decides how strictly to treat unknown values.
func postFromDocument(doc *remote.Document) (*models.Post, string, error) {
	authorID := doc.String(FieldAuthorID)
	if authorID == "" {
		return nil, "", errMissingAuthor
	}
	createdAt := doc.Time(FieldCreatedAt)
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	p := &models.Post{
		ID:              doc.ID,
		AuthorID:        authorID,
		AuthorName:      doc.String(FieldAuthorName),
		AuthorAvatarURL: doc.String(FieldAuthorAvatarURL),
		Text:            doc.String(FieldText),
		MediaURLs:       doc.Strings(FieldMediaURLs),
		LikeCount:       doc.Int(FieldLikeCount),
		CommentCount:    doc.Int(FieldCommentCount),
		CreatedAt:       createdAt,
		GroupID:         doc.String(FieldGroupID),
		GroupName:       doc.String(FieldGroupName),
		GroupAvatarURL:  doc.String(FieldGroupAvatarURL),
		IsPinned:        doc.Bool(FieldIsPinned),
		IsHidden:        doc.Bool(FieldIsHidden),
	}
	return p, doc.String(FieldApprovalStatus), nil
}

func chunk(values []string, size int) [][]string {
	var out [][]string
	for len(values) > size {
		out = append(out, values[:size])
		values = values[size:]
	}
	if len(values) > 0 {
		out = append(out, values)
	}
	return out
}
