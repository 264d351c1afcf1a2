package model

import "fmt"

// WH is a width x height pair in pixels.
type WH struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (wh WH) String() string {
	return fmt.Sprintf("%dx%d", wh.Width, wh.Height)
}

// AssetID is the identity triple of one asset. It must be unique
// within a batch and is half of every cache key.
type AssetID struct {
	Dataset   string `json:"dataset"`
	ContentID int    `json:"content_id"`
	AssetID   int    `json:"asset_id"`
}

func (id AssetID) String() string {
	return fmt.Sprintf("%s_%d_%d", id.Dataset, id.ContentID, id.AssetID)
}

// Asset describes one job: where the reference and the distorted input
// live, where their ephemeral workfiles go and at which dimensions the
// quality computation runs. An Asset is immutable once built, jobs
// never mutate each other's assets.
type Asset struct {
	ID AssetID `json:"id"`

	RefPath string `json:"ref_path"`
	DisPath string `json:"dis_path"`

	RefWorkfilePath string `json:"ref_workfile_path,omitempty"`
	DisWorkfilePath string `json:"dis_workfile_path,omitempty"`

	QualityWH WH `json:"quality_wh"`
	RefWH     WH `json:"ref_wh"`
	DisWH     WH `json:"dis_wh"`
}

// String is a stable descriptor, also used as the log file name.
func (a Asset) String() string {
	return fmt.Sprintf("%s_q_%s", a.ID, a.QualityWH)
}

// VerifyDimensions checks that the quality, reference and distorted
// dimensions agree. For now only matching dimensions are supported.
func (a Asset) VerifyDimensions() error {
	if a.QualityWH != a.RefWH || a.QualityWH != a.DisWH {
		return fmt.Errorf("asset %s: quality %s, ref %s, dis %s: %w",
			a, a.QualityWH, a.RefWH, a.DisWH, ErrDimensionMismatch)
	}
	return nil
}

// AssertUniqueAssets fails when two assets share the identity triple.
// Called before any job runs, a duplicate means a caller error.
func AssertUniqueAssets(assets []Asset) error {
	seen := make(map[AssetID]struct{}, len(assets))
	for _, asset := range assets {
		if _, ok := seen[asset.ID]; ok {
			return fmt.Errorf("asset %s: %w", asset.ID, ErrDuplicateAsset)
		}
		seen[asset.ID] = struct{}{}
	}
	return nil
}
