package enums

import (
	"fmt"
	"strings"
)

// AssetScope is the breadth at which an asset may be reused.
type AssetScope string

const (
	AssetScopeGlobal  AssetScope = "GLOBAL"
	AssetScopeShow    AssetScope = "SHOW"
	AssetScopeEpisode AssetScope = "EPISODE"
)

var validAssetScopes = []AssetScope{
	AssetScopeGlobal,
	AssetScopeShow,
	AssetScopeEpisode,
}

func (s AssetScope) String() string {
	return string(s)
}

// IsValid reports whether the scope is known.
func (s AssetScope) IsValid() bool {
	for _, candidate := range validAssetScopes {
		if candidate == s {
			return true
		}
	}
	return false
}

// ParseAssetScope converts raw input into an AssetScope. Matching is case-insensitive.
func ParseAssetScope(value string) (AssetScope, error) {
	normalized := strings.ToUpper(strings.TrimSpace(value))
	for _, candidate := range validAssetScopes {
		if string(candidate) == normalized {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid asset scope %q", value)
}

// ApprovalStatus tracks whether an asset may be used in compositions.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalRejected ApprovalStatus = "REJECTED"
)

var validApprovalStatuses = []ApprovalStatus{
	ApprovalPending,
	ApprovalApproved,
	ApprovalRejected,
}

func (s ApprovalStatus) String() string {
	return string(s)
}

func (s ApprovalStatus) IsValid() bool {
	for _, candidate := range validApprovalStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// ParseApprovalStatus converts raw input into an ApprovalStatus.
func ParseApprovalStatus(value string) (ApprovalStatus, error) {
	normalized := strings.ToUpper(strings.TrimSpace(value))
	for _, candidate := range validApprovalStatuses {
		if string(candidate) == normalized {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid approval status %q", value)
}
