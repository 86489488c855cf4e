package types

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Artifact is a single opaque file belonging to a trained model
type Artifact struct {
	Name string
	Data []byte
}

// ArtifactSet is an immutable, ordered bundle of artifacts produced by one
// training run (weights, scaler, encoders)
type ArtifactSet struct {
	files []Artifact
}

// NewArtifactSet copies the given artifacts into a new set. Names must be
// flat file names and unique within the set.
func NewArtifactSet(files ...Artifact) (ArtifactSet, error) {
	seen := make(map[string]struct{}, len(files))
	out := make([]Artifact, 0, len(files))

	for _, f := range files {
		if err := ValidateArtifactName(f.Name); err != nil {
			return ArtifactSet{}, err
		}
		if _, dup := seen[f.Name]; dup {
			return ArtifactSet{}, fmt.Errorf("duplicate artifact name %q", f.Name)
		}
		seen[f.Name] = struct{}{}

		data := make([]byte, len(f.Data))
		copy(data, f.Data)
		out = append(out, Artifact{Name: f.Name, Data: data})
	}

	return ArtifactSet{files: out}, nil
}

// Len returns the number of artifacts in the set
func (s ArtifactSet) Len() int {
	return len(s.files)
}

// Files returns a copy of the artifacts in order
func (s ArtifactSet) Files() []Artifact {
	out := make([]Artifact, len(s.files))
	for i, f := range s.files {
		data := make([]byte, len(f.Data))
		copy(data, f.Data)
		out[i] = Artifact{Name: f.Name, Data: data}
	}
	return out
}

// Names returns the artifact names in order
func (s ArtifactSet) Names() []string {
	names := make([]string, len(s.files))
	for i, f := range s.files {
		names[i] = f.Name
	}
	return names
}

// Get returns the content of the named artifact
func (s ArtifactSet) Get(name string) ([]byte, bool) {
	for _, f := range s.files {
		if f.Name == name {
			data := make([]byte, len(f.Data))
			copy(data, f.Data)
			return data, true
		}
	}
	return nil, false
}

// Size returns the total number of content bytes in the set
func (s ArtifactSet) Size() int64 {
	var n int64
	for _, f := range s.files {
		n += int64(len(f.Data))
	}
	return n
}

// ValidateArtifactName rejects names that are not plain file names
func ValidateArtifactName(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("invalid artifact name %q", name)
	}
	if strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return fmt.Errorf("artifact name %q must not contain path separators", name)
	}
	return nil
}

var familyPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// ValidateFamily checks that a model family name is usable as a path
// component and ledger key
func ValidateFamily(family string) error {
	if !familyPattern.MatchString(family) {
		return fmt.Errorf("invalid model family %q", family)
	}
	return nil
}

// MetricsRecord is the best score promoted for a family
type MetricsRecord struct {
	Score     float64   `json:"score"`
	Version   VersionID `json:"version,omitempty"`
	UpdatedAt time.Time `json:"last_updated"`
}

// PromotionOutcome is the result of a promotion decision
type PromotionOutcome struct {
	Promoted       bool    `json:"promoted"`
	PreviousScore  float64 `json:"previous_score"`
	EffectiveScore float64 `json:"effective_score"`
}

// CycleStatus is the terminal state of one family's retrain cycle
type CycleStatus string

const (
	StatusPromoted        CycleStatus = "promoted"
	StatusNotImproved     CycleStatus = "not_improved"
	StatusTrainingFailure CycleStatus = "training_failure"
	StatusStorageFailure  CycleStatus = "storage_failure"
	StatusLocked          CycleStatus = "locked"
)

// FamilyReport summarizes one family within a run
type FamilyReport struct {
	Family        string      `json:"family"`
	Status        CycleStatus `json:"status"`
	PreviousScore float64     `json:"previous_score"`
	NewScore      *float64    `json:"new_score,omitempty"`
	Version       VersionID   `json:"version,omitempty"`
	Promoted      bool        `json:"promoted"`
	Pruned        []VersionID `json:"pruned,omitempty"`
	Error         string      `json:"error,omitempty"`
	Notes         []string    `json:"notes,omitempty"`
}

// RunReport is the immutable record of one orchestrator run
type RunReport struct {
	RunID      string         `json:"run_id"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	KeepLast   int            `json:"keep_last"`
	Families   []FamilyReport `json:"families"`
}

// Family returns the entry for the named family
func (r *RunReport) Family(name string) (FamilyReport, bool) {
	for _, f := range r.Families {
		if f.Family == name {
			return f, true
		}
	}
	return FamilyReport{}, false
}
