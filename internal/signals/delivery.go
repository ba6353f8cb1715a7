package signals

import "github.com/adirai/community-api/internal/models"

// Boost tiers
const (
	TierNone   = "none"
	TierLocal  = "local"
	TierGlobal = "global"
)

// Urgent vote thresholds for each tier
const (
	localThreshold  = 1
	globalThreshold = 10
)

// DefaultArea is used for the first delivery stage when a post has no location tag
const DefaultArea = "Adirai"

// DeliveryPlanFor returns the staged reach for a post with the given number of
// accepted urgent votes
func DeliveryPlanFor(urgentVotes int, area string) models.DeliveryPlan {
	if area == "" {
		area = DefaultArea
	}

	switch {
	case urgentVotes >= globalThreshold:
		return models.DeliveryPlan{
			Tier:  TierGlobal,
			Reach: 300,
			Stages: []models.DeliveryStage{
				{Stage: "same_area", Users: 120, Area: area},
				{Stage: "nearby_wards", Users: 120},
				{Stage: "wider_region", Users: 60},
			},
		}
	case urgentVotes >= localThreshold:
		return models.DeliveryPlan{
			Tier:   TierLocal,
			Reach:  30,
			Stages: []models.DeliveryStage{{Stage: "same_area", Users: 30, Area: area}},
		}
	}
	return models.DeliveryPlan{Tier: TierNone, Reach: 0, Stages: []models.DeliveryStage{}}
}
