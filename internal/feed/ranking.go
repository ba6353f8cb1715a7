package feed

import (
	"math"
	"sort"
	"time"

	"github.com/adirai/community-api/internal/models"
)

// Score weights
const (
	likeWeight       = 2
	commentWeight    = 3
	importantWeight  = 5
	urgentWeight     = 10
	suspiciousWeight = 5
	maxPenalty       = 50
)

// RankedPost is a post with its computed score and placement flags
type RankedPost struct {
	models.Post
	Score        int  `json:"score"`
	Pinned       bool `json:"pinned"`
	TopPlacement bool `json:"topPlacement"`
}

// Placement is the derived pin state of a post at a point in time
type Placement struct {
	Pinned       bool
	TopPlacement bool
}

// PlacementOf compares the post's expiry fields with now
func PlacementOf(post *models.Post, now time.Time) Placement {
	return Placement{
		Pinned:       post.ImportantPinnedUntil != nil && post.ImportantPinnedUntil.After(now),
		TopPlacement: post.TopPlacementUntil != nil && post.TopPlacementUntil.After(now),
	}
}

// RecencyWeight is round(100 / ageHours) with age floored at one hour
func RecencyWeight(createdAt, now time.Time) int {
	ageHours := math.Max(1, now.Sub(createdAt).Hours())
	return int(math.Round(100 / ageHours))
}

// Penalty for posts that attracted suspicious signals, capped at 50
func Penalty(suspicious int) int {
	if p := suspicious * suspiciousWeight; p < maxPenalty {
		return p
	}
	return maxPenalty
}

// Score is deterministic for a given post and now
func Score(post *models.Post, now time.Time) int {
	return post.LikesCount*likeWeight +
		post.CommentsCount*commentWeight +
		post.ImportantVotes*importantWeight +
		post.UrgentVotes*urgentWeight +
		RecencyWeight(post.CreatedAt, now) -
		Penalty(post.SuspiciousSignalsCount)
}

// Rank scores posts and orders them top placement first, pinned second, then
// by score. Ties keep the input order.
func Rank(posts []models.Post, now time.Time) []RankedPost {
	ranked := make([]RankedPost, 0, len(posts))
	for i := range posts {
		placement := PlacementOf(&posts[i], now)
		ranked = append(ranked, RankedPost{
			Post:         posts[i],
			Score:        Score(&posts[i], now),
			Pinned:       placement.Pinned,
			TopPlacement: placement.TopPlacement,
		})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.TopPlacement != b.TopPlacement {
			return a.TopPlacement
		}
		if a.Pinned != b.Pinned {
			return a.Pinned
		}
		return a.Score > b.Score
	})
	return ranked
}
