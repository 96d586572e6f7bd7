package catalog

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/menta2k/ar-target/pkg/types"
)

// Status is the generation state of a campaign's target.
type Status string

const (
	StatusPending    Status = "pending"
	StatusComposing  Status = "composing"
	StatusGenerating Status = "generating"
	StatusReady      Status = "ready"
	// StatusDegraded means a composite exists but no descriptor could be
	// generated; clients show the content without AR.
	StatusDegraded Status = "degraded"
	StatusFailed   Status = "failed"
)

// Models lists every table of the catalog.
var Models = []any{
	&Campaign{},
	&PendingGeneration{},
}

// Campaign is the latest target of one campaign.
type Campaign struct {
	ID            string         `json:"id" gorm:"primaryKey;size:36"`
	DesignURL     string         `json:"designUrl" gorm:"size:1024"`
	DesignVersion string         `json:"designVersion" gorm:"size:127"`
	DesignWidth   int            `json:"designWidth"`
	DesignHeight  int            `json:"designHeight"`
	Placement     datatypes.JSON `json:"placement"`
	Payload       string         `json:"payload" gorm:"size:2048"`
	Status        Status         `json:"status" gorm:"size:16;index"`
	LastError     string         `json:"lastError,omitempty" gorm:"size:2048"`

	// RawDesign is set when the composite is the unmodified design because
	// the marker could not be placed.
	RawDesign bool `json:"rawDesign"`

	CompositeKey  string     `json:"-" gorm:"size:512"`
	CompositeURL  string     `json:"compositeUrl,omitempty" gorm:"size:1024"`
	CompositeSize int64      `json:"compositeSize,omitempty"`
	CompositeAt   *time.Time `json:"compositeAt,omitempty"`

	DescriptorKey    string     `json:"-" gorm:"size:512"`
	DescriptorURL    string     `json:"descriptorUrl,omitempty" gorm:"size:1024"`
	DescriptorSize   int64      `json:"descriptorSize,omitempty"`
	DescriptorMethod string     `json:"descriptorMethod,omitempty" gorm:"size:16"`
	DescriptorAt     *time.Time `json:"descriptorAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Design returns the campaign's design asset.
func (c *Campaign) Design() types.DesignAsset {
	return types.DesignAsset{URL: c.DesignURL, Version: c.DesignVersion, Width: c.DesignWidth, Height: c.DesignHeight}
}

// MarkerPlacement decodes the stored placement; the zero value when unset.
func (c *Campaign) MarkerPlacement() types.MarkerPlacement {
	var p types.MarkerPlacement
	if len(c.Placement) > 0 {
		_ = json.Unmarshal(c.Placement, &p)
	}
	return p
}

// Composite returns the stored composite, ok false when none exists.
func (c *Campaign) Composite() (types.CompositeTarget, bool) {
	if c.CompositeURL == "" || c.CompositeAt == nil {
		return types.CompositeTarget{}, false
	}
	return types.CompositeTarget{URL: c.CompositeURL, Size: c.CompositeSize, GeneratedAt: *c.CompositeAt}, true
}

// Descriptor returns the stored descriptor, ok false when none exists.
func (c *Campaign) Descriptor() (types.FeatureDescriptor, bool) {
	if c.DescriptorURL == "" || c.DescriptorAt == nil {
		return types.FeatureDescriptor{}, false
	}
	return types.FeatureDescriptor{
		URL:              c.DescriptorURL,
		SizeBytes:        c.DescriptorSize,
		GeneratedAt:      *c.DescriptorAt,
		GenerationMethod: types.GenerationMethod(c.DescriptorMethod),
	}, true
}

// PendingGeneration records a descriptor generation that failed every
// strategy, for a later retry.
type PendingGeneration struct {
	gorm.Model
	CampaignID   string         `json:"campaignId" gorm:"size:36;index"`
	CompositeKey string         `json:"compositeKey" gorm:"size:512"`
	Reason       string         `json:"reason" gorm:"size:2048"`
	Attempts     datatypes.JSON `json:"attempts"`
	Resolved     bool           `json:"resolved" gorm:"index"`
}

// placementToJSON converts a placement to datatypes.JSON for DB storage.
func placementToJSON(p types.MarkerPlacement) datatypes.JSON {
	if p.IsZero() {
		return datatypes.JSON("null")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return datatypes.JSON("null")
	}
	return datatypes.JSON(data)
}

// attemptsToJSON converts attempt messages to datatypes.JSON for DB storage.
func attemptsToJSON(attempts []string) datatypes.JSON {
	if len(attempts) == 0 {
		return datatypes.JSON("[]")
	}
	data, err := json.Marshal(attempts)
	if err != nil {
		return datatypes.JSON("[]")
	}
	return datatypes.JSON(data)
}
