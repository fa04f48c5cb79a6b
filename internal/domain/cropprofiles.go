package domain

import (
	"context"
	"strings"
)

// StaticCropProfiles is an in-process CropProfileProvider backed by a fixed
// table of regional vegetable crops. Unknown or empty crop identifiers fall
// back to the generic profile.
type StaticCropProfiles struct {
	profiles map[string]CropProfile
}

// NewStaticCropProfiles builds the default crop table. Base temperatures
// follow the regional horticulture guidance for the Rabi/Kharif vegetables.
func NewStaticCropProfiles() *StaticCropProfiles {
	return &StaticCropProfiles{profiles: map[string]CropProfile{
		"tomato":      {Crop: "tomato", GDDBaseTemp: 10, SoilMoistureDryBelow: 30, SoilMoistureSaturatedAbove: 70},
		"potato":      {Crop: "potato", GDDBaseTemp: 7, SoilMoistureDryBelow: 35, SoilMoistureSaturatedAbove: 75},
		"cauliflower": {Crop: "cauliflower", GDDBaseTemp: 5, SoilMoistureDryBelow: 30, SoilMoistureSaturatedAbove: 70},
		"cucumber":    {Crop: "cucumber", GDDBaseTemp: 12, SoilMoistureDryBelow: 40, SoilMoistureSaturatedAbove: 80},
	}}
}

func (p *StaticCropProfiles) Profile(_ context.Context, crop string) (CropProfile, error) {
	if profile, ok := p.profiles[strings.ToLower(strings.TrimSpace(crop))]; ok {
		return profile, nil
	}
	return DefaultCropProfile(), nil
}
