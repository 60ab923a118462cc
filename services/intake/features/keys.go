// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package features holds the canonical feature keys shared by the intake
// engine: the minimal stage-1 set, the optional clinical extras, the lab
// marker catalog, and the meta-probability keys derived from stage 1.
package features

// Category is the sub-map of the Info Sheet a canonical key belongs to.
type Category string

const (
	CategoryClinical Category = "clinical"
	CategoryLab      Category = "labs"
)

// =============================================================================
// Clinical keys
// =============================================================================

const (
	AgeMonths       = "age.months"
	Sex             = "sex"
	RecentAdmission = "adm.recent"
	WeightForAgeZ   = "wfaz"
	IllnessDays     = "illness.days"
	NotAlert        = "not.alert"
	HeartRate       = "hr.all"
	RespiratoryRate = "rr.all"
	Temperature     = "temp.all"
	CapRefillLong   = "crt.long"

	// OxygenSaturation is room-air SpO2. It is a clinical feature even though
	// the validated lab sets require it.
	OxygenSaturation = "oxy.ra"

	SIRSCount        = "SIRS_num"
	PriorCare        = "prior.care"
	DangerSign       = "danger.sign"
	URTI             = "urti"
	LRTI             = "lrti"
	Diarrhoeal       = "diarrhoeal"
	EnvHighTemp      = "envhtemp"
	ParenteralScreen = "parenteral_screen"
)

// RequiredStage1 is the minimal stage-1 set in asking order. The first
// missing entry is the field requested next.
var RequiredStage1 = []string{
	AgeMonths,
	Sex,
	RecentAdmission,
	WeightForAgeZ,
	IllnessDays,
	NotAlert,
	HeartRate,
	RespiratoryRate,
	Temperature,
	CapRefillLong,
}

// OptionalClinical lists the clinical extras the stage-1 model accepts.
var OptionalClinical = []string{
	OxygenSaturation,
	SIRSCount,
	PriorCare,
	DangerSign,
	URTI,
	LRTI,
	Diarrhoeal,
	EnvHighTemp,
	ParenteralScreen,
}

// =============================================================================
// Lab catalog
// =============================================================================

const (
	CRP         = "CRP"
	PCT         = "PCT"
	Lactate     = "Lactate"
	WBC         = "WBC"
	Neutrophils = "Neutrophils"
	Platelets   = "Platelets"
	TNFR1       = "TNFR1"
	SuPAR       = "supar"
	CXCL10      = "CXCl10"
	IL6         = "IL6"
	IL8         = "IL8"
	IL10        = "IL10"
	IL1RA       = "IL1ra"
	Ang1        = "Ang1"
	Ang2        = "Ang2"
	STREM1      = "sTREM1"
	SFlt1       = "sFlt1"
)

// LabCatalog is the 17-marker catalog counted for the full-panel set.
var LabCatalog = []string{
	CRP, PCT, Lactate, WBC, Neutrophils, Platelets,
	TNFR1, SuPAR, CXCL10, IL6, IL8, IL10, IL1RA,
	Ang1, Ang2, STREM1, SFlt1,
}

var labSet = func() map[string]bool {
	m := make(map[string]bool, len(LabCatalog))
	for _, k := range LabCatalog {
		m[k] = true
	}
	return m
}()

// IsLab reports whether key is a catalog lab marker.
func IsLab(key string) bool {
	return labSet[key]
}

// =============================================================================
// Derived stage-1 meta-probabilities
// =============================================================================

const (
	// MetaSevereProb is v1.prob from the stage-1 response.
	MetaSevereProb = "v1_pred_Severe"
	// MetaSevereOther is 1 - v1.prob.
	MetaSevereOther = "v1_pred_Other"
	// MetaNotSevereProb is v2.prob from the stage-1 response.
	MetaNotSevereProb = "v2_pred_NOTSevere"
	// MetaNotSevereOther is 1 - v2.prob.
	MetaNotSevereOther = "v2_pred_Other"
)

// DerivedStage1 lists the clinical keys written by attaching a stage-1
// result. They are never sent back to stage 1.
var DerivedStage1 = []string{
	MetaSevereProb,
	MetaSevereOther,
	MetaNotSevereProb,
	MetaNotSevereOther,
}

// IsDerived reports whether key is a derived stage-1 meta key.
func IsDerived(key string) bool {
	for _, k := range DerivedStage1 {
		if k == key {
			return true
		}
	}
	return false
}

// Labels gives a human-readable name per canonical key for prompts and
// warnings. Keys without a label are shown as-is.
var Labels = map[string]string{
	AgeMonths:        "age (months)",
	Sex:              "sex",
	RecentAdmission:  "recent overnight admission",
	WeightForAgeZ:    "weight-for-age z-score",
	IllnessDays:      "illness duration (days)",
	NotAlert:         "not alert",
	HeartRate:        "heart rate",
	RespiratoryRate:  "respiratory rate",
	Temperature:      "temperature (°C)",
	CapRefillLong:    "prolonged capillary refill",
	OxygenSaturation: "SpO2 on room air",
}

// Label returns the display label for key.
func Label(key string) string {
	if l, ok := Labels[key]; ok {
		return l
	}
	return key
}
