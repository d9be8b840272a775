package models

// Post is the stored shape of a post or reply document.
type Post struct {
	ID              string `json:"id"`
	UID             string `json:"uid"`
	Path            string `json:"path"`
	Body            string `json:"post"`
	CreatedAt       int64  `json:"createdAt"`
	PhotoURL        string `json:"photoURL,omitempty"`
	VideoURL        string `json:"videoURL,omitempty"`
	LikesCounter    int64  `json:"likesCounter"`
	DislikesCounter int64  `json:"dislikesCounter"`
	CommentsCounter int64  `json:"commentsCounter"`
	Score           int64  `json:"score"`
}

// CreatePostRequest is the form body for a new post or reply. The image, if
// any, arrives as the multipart file "image".
type CreatePostRequest struct {
	Body     string `json:"post" form:"post" validate:"max=200"`
	VideoURL string `json:"videoURL" form:"videoURL" validate:"omitempty,youtube"`
}

// ReactionResponse describes the viewer's reaction to a post.
type ReactionResponse struct {
	PostID   string `json:"postId"`
	State    string `json:"state"`
	Likes    int64  `json:"likesCounter"`
	Dislikes int64  `json:"dislikesCounter"`
}

// FeedResponse is one page of a post or notification feed.
type FeedResponse struct {
	Items     interface{} `json:"items"`
	Cursor    string      `json:"cursor,omitempty"`
	Exhausted bool        `json:"exhausted"`
}
