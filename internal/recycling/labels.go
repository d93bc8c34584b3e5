package recycling

import (
	"math/rand"
	"strings"
	"sync"
	"time"
)

// MaterialType is the recycling stream an item belongs to.
type MaterialType string

const (
	Plastic     MaterialType = "Plastic"
	Metal       MaterialType = "Metal"
	Paper       MaterialType = "Paper"
	UnknownType MaterialType = "Unknown"
)

// MaterialTypes lists the types a label can map to, in rule order.
var MaterialTypes = []MaterialType{Plastic, Metal, Paper}

// Brand is the detected product brand.
type Brand string

const (
	Pepsi        Brand = "Pepsi"
	Dasani       Brand = "Dasani"
	OtherBrand   Brand = "Other"
	UnknownBrand Brand = "Unknown"
)

var typeRules = []struct {
	keywords []string
	result   MaterialType
}{
	{[]string{"bottle", "plastic"}, Plastic},
	{[]string{"can", "tin", "metal"}, Metal},
	{[]string{"paper", "carton"}, Paper},
}

var brandRules = []struct {
	keyword string
	result  Brand
}{
	{"pepsi", Pepsi},
	{"dasani", Dasani},
}

// FallbackPolicy picks a material type for labels no keyword rule matches.
type FallbackPolicy interface {
	Choose(label string) MaterialType
	// Deterministic reports whether Choose always returns the same value
	// for the same label.
	Deterministic() bool
	Name() string
}

// RandomFallback picks uniformly among Plastic, Metal and Paper.
type RandomFallback struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomFallback seeds a RandomFallback from the clock.
func NewRandomFallback() *RandomFallback {
	return NewSeededRandomFallback(time.Now().UnixNano())
}

// NewSeededRandomFallback returns a RandomFallback with a fixed seed.
func NewSeededRandomFallback(seed int64) *RandomFallback {
	return &RandomFallback{rng: rand.New(rand.NewSource(seed))}
}

// Choose picks Plastic, Metal or Paper uniformly at random.
func (r *RandomFallback) Choose(string) MaterialType {
	r.mu.Lock()
	defer r.mu.Unlock()
	return MaterialTypes[r.rng.Intn(len(MaterialTypes))]
}

// Deterministic reports false: repeated calls may disagree.
func (r *RandomFallback) Deterministic() bool { return false }

// Name identifies the policy in reasoning strings.
func (r *RandomFallback) Name() string { return "random" }

// FixedFallback always maps unmatched labels to Type.
type FixedFallback struct {
	Type MaterialType
}

// Choose returns f.Type for every label.
func (f FixedFallback) Choose(string) MaterialType { return f.Type }

// Deterministic reports true.
func (f FixedFallback) Deterministic() bool { return true }

// Name identifies the policy in reasoning strings.
func (f FixedFallback) Name() string { return "fixed " + strings.ToLower(string(f.Type)) }

// FallbackByName resolves "random", "plastic", "metal" or "paper".
// Anything else yields the random policy.
func FallbackByName(name string) FallbackPolicy {
	for _, t := range MaterialTypes {
		if strings.EqualFold(name, string(t)) {
			return FixedFallback{Type: t}
		}
	}
	return NewRandomFallback()
}

// Mapping is the result of mapping one label.
type Mapping struct {
	Type         MaterialType
	Brand        Brand
	FallbackUsed bool
}

// Mapper applies the keyword rules, deferring to Fallback when no type rule matches.
type Mapper struct {
	Fallback FallbackPolicy
}

// NewMapper returns a Mapper. A nil fallback selects RandomFallback.
func NewMapper(fallback FallbackPolicy) Mapper {
	if fallback == nil {
		fallback = NewRandomFallback()
	}
	return Mapper{Fallback: fallback}
}

var defaultMapper = NewMapper(nil)

// MapLabel maps label with the default random fallback.
func MapLabel(label string) (MaterialType, Brand) {
	return defaultMapper.Map(label)
}

// Map returns the material type and brand for label.
func (m Mapper) Map(label string) (MaterialType, Brand) {
	res := m.MapDetailed(label)
	return res.Type, res.Brand
}

// MapDetailed is Map plus whether the fallback decided the type.
func (m Mapper) MapDetailed(label string) Mapping {
	lower := strings.ToLower(label)

	res := Mapping{Brand: OtherBrand}
	if t, ok := matchType(lower); ok {
		res.Type = t
	} else {
		fallback := m.Fallback
		if fallback == nil {
			fallback = defaultMapper.Fallback
		}
		res.Type = fallback.Choose(label)
		res.FallbackUsed = true
	}
	for _, rule := range brandRules {
		if strings.Contains(lower, rule.keyword) {
			res.Brand = rule.result
			break
		}
	}
	return res
}

func matchType(lower string) (MaterialType, bool) {
	for _, rule := range typeRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return rule.result, true
			}
		}
	}
	return "", false
}
