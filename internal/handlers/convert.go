package handlers

import (
	"github.com/anonto42/tilt/backend/internal/docstore"
	"github.com/anonto42/tilt/backend/internal/models"
)

func postOf(d docstore.Document) models.Post {
	return models.Post{
		ID:              d.ID(),
		UID:             d.String("uid"),
		Path:            d.Path.String(),
		Body:            d.String("post"),
		CreatedAt:       d.Int("createdAt"),
		PhotoURL:        d.String("photoURL"),
		VideoURL:        d.String("videoURL"),
		LikesCounter:    d.Int("likesCounter"),
		DislikesCounter: d.Int("dislikesCounter"),
		CommentsCounter: d.Int("commentsCounter"),
		Score:           d.Int("score"),
	}
}

func postsOf(docs []docstore.Document) []models.Post {
	out := make([]models.Post, len(docs))
	for i, d := range docs {
		out[i] = postOf(d)
	}
	return out
}

// page builds a feed response whose cursor is the last item.
func page(items interface{}, docs []docstore.Document, orderBy string, limit int) models.FeedResponse {
	r := models.FeedResponse{Items: items, Exhausted: len(docs) < limit}
	if len(docs) > 0 && !r.Exhausted {
		r.Cursor = encodeCursor(docstore.BoundOf(docs[len(docs)-1], orderBy))
	}
	return r
}
