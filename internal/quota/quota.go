package quota

import (
	"fmt"
	"time"
)

// Resource is an upstream resource type with its own quota per account.
type Resource string

const (
	ResourceText   Resource = "text"
	ResourceImages Resource = "images"
	ResourceVideos Resource = "videos"
)

// Resources lists every tracked resource type.
var Resources = []Resource{ResourceText, ResourceImages, ResourceVideos}

// ParseResource validates a resource name from the API boundary.
func ParseResource(s string) (Resource, error) {
	switch Resource(s) {
	case ResourceText, ResourceImages, ResourceVideos:
		return Resource(s), nil
	}
	return "", fmt.Errorf("unknown resource type %q", s)
}

// Cooldowns holds the configured rate-limit cooldown per resource type.
type Cooldowns struct {
	Text   time.Duration
	Images time.Duration
	Videos time.Duration
}

// For returns the cooldown configured for r.
func (c Cooldowns) For(r Resource) time.Duration {
	switch r {
	case ResourceImages:
		return c.Images
	case ResourceVideos:
		return c.Videos
	default:
		return c.Text
	}
}

// Status is the availability of one resource type on one account.
// RemainingSeconds is only present while a cooldown is pending; when absent,
// Available is a static flag rather than a countdown.
type Status struct {
	Available        bool  `json:"available"`
	RemainingSeconds int64 `json:"remaining_seconds,omitempty"`
}

// AccountStatus aggregates the per-resource statuses for one account.
type AccountStatus struct {
	Quotas       map[Resource]Status `json:"quotas"`
	LimitedCount int                 `json:"limited_count"`
	TotalCount   int                 `json:"total_count"`
	IsExpired    bool                `json:"is_expired"`
}
