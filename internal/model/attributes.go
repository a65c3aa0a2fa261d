package model

import "strings"

// Unknown is the sentinel value for any attribute that could not be derived.
const Unknown = "unknown"

// SafetyTier is the content-safety tier reported by the classifier.
type SafetyTier string

// Safety tiers, least to most restricted.
const (
	TierSFW      SafetyTier = "sfw"
	TierSoft     SafetyTier = "soft"
	TierMature   SafetyTier = "mature"
	TierExplicit SafetyTier = "explicit"
)

// ParseSafetyTier normalises a classifier label. ok is false for unrecognised labels.
func ParseSafetyTier(s string) (SafetyTier, bool) {
	switch SafetyTier(strings.ToLower(strings.TrimSpace(s))) {
	case TierSFW:
		return TierSFW, true
	case TierSoft:
		return TierSoft, true
	case TierMature:
		return TierMature, true
	case TierExplicit:
		return TierExplicit, true
	}
	return "", false
}

// AgeRating is the catalog age rating derived from the safety tier.
type AgeRating string

// Age ratings, lowest to highest.
const (
	AgeRatingGeneral AgeRating = "general"
	AgeRatingTeen    AgeRating = "teen"
	AgeRatingMature  AgeRating = "mature"
)

// AgeRatingFor maps a non-explicit tier to its age rating.
func AgeRatingFor(t SafetyTier) (AgeRating, bool) {
	switch t {
	case TierSFW:
		return AgeRatingGeneral, true
	case TierSoft:
		return AgeRatingTeen, true
	case TierMature:
		return AgeRatingMature, true
	}
	return "", false
}

// Gender attribute values.
type Gender string

const (
	GenderFemale    Gender = "female"
	GenderMale      Gender = "male"
	GenderNonBinary Gender = "nonbinary"
	GenderUnknown   Gender = Unknown
)

// Species attribute values.
type Species string

const (
	SpeciesHuman    Species = "human"
	SpeciesHumanoid Species = "humanoid"
	SpeciesAnthro   Species = "anthro"
	SpeciesCreature Species = "creature"
	SpeciesRobot    Species = "robot"
	SpeciesUnknown  Species = Unknown
)

// Style attribute values.
type Style string

const (
	StyleAnime     Style = "anime"
	StyleRealistic Style = "realistic"
	StyleCartoon   Style = "cartoon"
	StylePainterly Style = "painterly"
	StylePixel     Style = "pixel"
	StyleUnknown   Style = Unknown
)

// Attributes are the derived demographic and style attributes of a candidate.
// Every field is always set; underivable values hold the Unknown sentinel.
type Attributes struct {
	Gender  Gender  `json:"gender"`
	Species Species `json:"species"`
	Style   Style   `json:"style"`
}

// UnknownAttributes returns attributes with every field set to Unknown.
func UnknownAttributes() Attributes {
	return Attributes{Gender: GenderUnknown, Species: SpeciesUnknown, Style: StyleUnknown}
}

// ParseAttributes normalises raw extractor labels, mapping anything unrecognised to Unknown.
func ParseAttributes(gender, species, style string) Attributes {
	return Attributes{
		Gender:  ParseGender(gender),
		Species: ParseSpecies(species),
		Style:   ParseStyle(style),
	}
}

// ParseGender normalises a gender label.
func ParseGender(s string) Gender {
	switch g := Gender(normalize(s)); g {
	case GenderFemale, GenderMale, GenderNonBinary:
		return g
	case "non-binary", "androgynous":
		return GenderNonBinary
	}
	return GenderUnknown
}

// ParseSpecies normalises a species label.
func ParseSpecies(s string) Species {
	switch sp := Species(normalize(s)); sp {
	case SpeciesHuman, SpeciesHumanoid, SpeciesAnthro, SpeciesCreature, SpeciesRobot:
		return sp
	case "elf", "demon", "angel", "vampire":
		return SpeciesHumanoid
	case "furry", "kemonomimi":
		return SpeciesAnthro
	case "android", "cyborg", "mecha":
		return SpeciesRobot
	case "monster", "animal", "dragon":
		return SpeciesCreature
	}
	return SpeciesUnknown
}

// ParseStyle normalises a visual style label.
func ParseStyle(s string) Style {
	switch st := Style(normalize(s)); st {
	case StyleAnime, StyleRealistic, StyleCartoon, StylePainterly, StylePixel:
		return st
	case "manga":
		return StyleAnime
	case "photorealistic", "semi-realistic":
		return StyleRealistic
	case "pixel-art", "pixelart":
		return StylePixel
	}
	return StyleUnknown
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Dimension is a tracked diversity dimension.
type Dimension string

const (
	DimensionAgeRating Dimension = "age_rating"
	DimensionGender    Dimension = "gender"
	DimensionSpecies   Dimension = "species"
	DimensionStyle     Dimension = "style"
)

// Dimensions lists every tracked dimension.
var Dimensions = []Dimension{DimensionAgeRating, DimensionGender, DimensionSpecies, DimensionStyle}
