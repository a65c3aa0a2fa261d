package curation

import (
	"context"
	"hash/fnv"

	"github.com/yangwenmai/charseed/internal/model"
)

// Stub is a deterministic classifier, scorer, attribute extractor and
// fingerprinter for development without inference services. Results derive from
// a hash of the image reference.
type Stub struct{}

var (
	_ Classifier         = Stub{}
	_ Scorer             = Stub{}
	_ AttributeExtractor = Stub{}
	_ Fingerprinter      = Stub{}
)

var (
	stubTiers   = []model.SafetyTier{model.TierSFW, model.TierSFW, model.TierSFW, model.TierSoft, model.TierMature}
	stubGenders = []model.Gender{model.GenderFemale, model.GenderMale, model.GenderNonBinary, model.GenderUnknown}
	stubSpecies = []model.Species{model.SpeciesHuman, model.SpeciesHumanoid, model.SpeciesAnthro, model.SpeciesCreature, model.SpeciesRobot}
	stubStyles  = []model.Style{model.StyleAnime, model.StyleRealistic, model.StyleCartoon, model.StylePainterly, model.StylePixel}
)

func (Stub) Classify(_ context.Context, imageRef string) (Classification, error) {
	h := stubHash(imageRef)
	tier := stubTiers[h%uint64(len(stubTiers))]
	rating, _ := model.AgeRatingFor(tier)
	return Classification{Tier: string(tier), AgeRating: string(rating), Categories: []string{"character"}, Confidence: 0.9}, nil
}

func (Stub) Score(_ context.Context, imageRef string) (QualityScore, error) {
	h := stubHash(imageRef) >> 8
	return QualityScore{Composite: 3.5 + float64(h%60)/10}, nil
}

func (Stub) ExtractAttributes(_ context.Context, imageRef string) (model.Attributes, error) {
	h := stubHash(imageRef) >> 16
	return model.Attributes{
		Gender:  stubGenders[h%uint64(len(stubGenders))],
		Species: stubSpecies[(h>>4)%uint64(len(stubSpecies))],
		Style:   stubStyles[(h>>8)%uint64(len(stubStyles))],
	}, nil
}

func (Stub) Fingerprint(_ context.Context, imageRef string) (uint64, error) {
	return stubHash(imageRef), nil
}

func stubHash(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}
