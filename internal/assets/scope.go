package assets

import (
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/compositor-backend/pkg/db/models"
	"github.com/angelmondragon/compositor-backend/pkg/enums"
)

// ScopeContext is the show/episode a lookup is made from.
type ScopeContext struct {
	EpisodeID uuid.UUID
	ShowID    *uuid.UUID
}

// ScopePredicate selects the assets of one scope level visible from a context.
type ScopePredicate struct {
	Scope enums.AssetScope
	// Apply narrows a query on assets to this level.
	Apply func(q *gorm.DB) *gorm.DB
	// Matches is the in-memory form of Apply.
	Matches func(a *models.Asset) bool
}

// Chain returns the resolution order for sc: EPISODE, then SHOW, then GLOBAL.
// The SHOW level is skipped when the context carries no show.
func Chain(sc ScopeContext) []ScopePredicate {
	chain := make([]ScopePredicate, 0, 3)

	episodeID := sc.EpisodeID
	if episodeID != uuid.Nil {
		chain = append(chain, ScopePredicate{
			Scope: enums.AssetScopeEpisode,
			Apply: func(q *gorm.DB) *gorm.DB {
				return q.Where("scope = ? AND episode_id = ?", enums.AssetScopeEpisode, episodeID)
			},
			Matches: func(a *models.Asset) bool {
				return a.Scope == enums.AssetScopeEpisode && a.EpisodeID != nil && *a.EpisodeID == episodeID
			},
		})
	}

	if sc.ShowID != nil && *sc.ShowID != uuid.Nil {
		showID := *sc.ShowID
		chain = append(chain, ScopePredicate{
			Scope: enums.AssetScopeShow,
			Apply: func(q *gorm.DB) *gorm.DB {
				return q.Where("scope = ? AND show_id = ?", enums.AssetScopeShow, showID)
			},
			Matches: func(a *models.Asset) bool {
				return a.Scope == enums.AssetScopeShow && a.ShowID != nil && *a.ShowID == showID
			},
		})
	}

	chain = append(chain, ScopePredicate{
		Scope: enums.AssetScopeGlobal,
		Apply: func(q *gorm.DB) *gorm.DB {
			return q.Where("scope = ?", enums.AssetScopeGlobal)
		},
		Matches: func(a *models.Asset) bool {
			return a.Scope == enums.AssetScopeGlobal
		},
	})
	return chain
}

// Visible reports whether asset can be seen from sc at any level of the chain.
func Visible(asset *models.Asset, sc ScopeContext) bool {
	for _, pred := range Chain(sc) {
		if pred.Matches(asset) {
			return true
		}
	}
	return false
}

// precedence ranks a visible asset's level, lower is stronger. -1 when not visible.
func precedence(asset *models.Asset, sc ScopeContext) int {
	for i, pred := range Chain(sc) {
		if pred.Matches(asset) {
			return i
		}
	}
	return -1
}
