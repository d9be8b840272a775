// Package notifications builds the notification documents written as side
// effects of reactions, replies and follows, and serves a user's live
// notification feed.
package notifications

import (
	"time"

	"github.com/anonto42/tilt/backend/internal/docpath"
	"github.com/anonto42/tilt/backend/internal/docstore"
)

// Kind of a notification.
type Kind string

const (
	Like    Kind = "like"
	Dislike Kind = "dislike"
	Comment Kind = "comment"
	Follow  Kind = "follow"
)

// Collection is the per-user notification collection.
const Collection = "notifications"

// OrderBy is the ordering key of the notification feed.
const OrderBy = "sentAt"

var messages = map[Kind]string{
	Like:    "Your post received a like!",
	Dislike: "Your post received a dislike!",
	Comment: "Your post received a comment!",
	Follow:  "You have a new follower!",
}

// Notification is a notification document.
type Notification struct {
	ID      string `json:"id"`
	From    string `json:"from"`
	To      string `json:"to"`
	Type    Kind   `json:"type"`
	PostID  string `json:"postId,omitempty"`
	SentAt  int64  `json:"sentAt"`
	Message string `json:"message"`
}

// ReactionID is shared by the like and dislike of one user on one post, so
// switching reaction overwrites the previous notification.
func ReactionID(postID, actor string) string { return postID + actor }

// CommentID is the id of the notification for a reply.
func CommentID(replyID string) string { return replyID }

// FollowID is the id of the notification for a follow.
func FollowID(actor string) string { return actor }

// Path locates notification id in the inbox of user to.
func Path(to, id string) string {
	return docpath.UserPath(to).Sub(Collection, id).String()
}

// CollectionPath is the inbox of uid.
func CollectionPath(uid string) string {
	return docpath.UserPath(uid).String() + "/" + Collection
}

// New builds a notification. It returns false for self-actions, which never
// notify.
func New(kind Kind, from, to, postID string, now time.Time) (Notification, bool) {
	if from == to {
		return Notification{}, false
	}
	n := Notification{
		From:    from,
		To:      to,
		Type:    kind,
		SentAt:  now.Unix(),
		Message: messages[kind],
	}
	switch kind {
	case Like, Dislike:
		n.ID = ReactionID(postID, from)
		n.PostID = postID
	case Comment:
		n.ID = CommentID(postID)
		n.PostID = postID
	case Follow:
		n.ID = FollowID(from)
	}
	return n, true
}

// Path of n in its recipient's inbox.
func (n Notification) Path() string { return Path(n.To, n.ID) }

// Fields is the stored form of n.
func (n Notification) Fields() docstore.Fields {
	f := docstore.Fields{
		"id":      n.ID,
		"from":    n.From,
		"to":      n.To,
		"type":    string(n.Type),
		"sentAt":  n.SentAt,
		"message": n.Message,
	}
	if n.PostID != "" {
		f["postId"] = n.PostID
	}
	return f
}

// FromDocument reads a stored notification.
func FromDocument(d docstore.Document) Notification {
	return Notification{
		ID:      d.ID(),
		From:    d.String("from"),
		To:      d.String("to"),
		Type:    Kind(d.String("type")),
		PostID:  d.String("postId"),
		SentAt:  d.Int("sentAt"),
		Message: d.String("message"),
	}
}
