package models

// User is the profile document stored at users/<uid>.
type User struct {
	UID              string `json:"uid"`
	DisplayName      string `json:"displayName"`
	Photo            string `json:"photo"`
	Bio              string `json:"bio"`
	Joined           int64  `json:"joined"`
	LikesCounter     int64  `json:"likesCounter"`
	DislikesCounter  int64  `json:"dislikesCounter"`
	FollowersCounter int64  `json:"followersCounter"`
	FollowsCounter   int64  `json:"followsCounter"`
	Score            int64  `json:"score"`
}

type UpdateUsernameRequest struct {
	Name string `json:"name" validate:"required,min=2,max=50,alphanumunicode"`
}

// FollowResponse describes whether the caller follows a user.
type FollowResponse struct {
	UID       string `json:"uid"`
	Following bool   `json:"following"`
	Followers int64  `json:"followersCounter"`
}
