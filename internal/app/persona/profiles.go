package persona

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/AnalineS/roteirosdedispersacao/internal/domain"
)

// Technicality levels understood by the adapter pipeline.
const (
	TechnicalityHigh = "high"
	TechnicalityLow  = "low"
)

// Profiles is the read-only persona catalogue.
type Profiles struct {
	byID  map[domain.PersonaID]domain.PersonaProfile
	order []domain.PersonaID
}

func NewProfiles(list ...domain.PersonaProfile) *Profiles {
	p := &Profiles{byID: make(map[domain.PersonaID]domain.PersonaProfile, len(list))}
	for _, prof := range list {
		p.put(prof)
	}
	return p
}

func (p *Profiles) put(prof domain.PersonaProfile) {
	if _, exists := p.byID[prof.ID]; !exists {
		p.order = append(p.order, prof.ID)
	}
	p.byID[prof.ID] = prof
}

// Get returns a copy of the profile.
func (p *Profiles) Get(id domain.PersonaID) (domain.PersonaProfile, bool) {
	prof, ok := p.byID[id]
	if !ok {
		return domain.PersonaProfile{}, false
	}
	prof.Expertise = append([]string(nil), prof.Expertise...)
	prof.Retrieval.PreferredCategories = append([]string(nil), prof.Retrieval.PreferredCategories...)
	return prof, true
}

func (p *Profiles) Has(id domain.PersonaID) bool {
	_, ok := p.byID[id]
	return ok
}

// List returns profiles in registration order.
func (p *Profiles) List() []domain.PersonaProfile {
	out := make([]domain.PersonaProfile, 0, len(p.order))
	for _, id := range p.order {
		prof, _ := p.Get(id)
		out = append(out, prof)
	}
	return out
}

// DefaultProfiles holds the two built-in personas. Retrieval floors are on
// the knowledge base scale: a passage holding every term of the question
// scores about 0.5 or more, an unrelated one close to 0.
func DefaultProfiles() *Profiles {
	return NewProfiles(
		domain.PersonaProfile{
			ID:        domain.PersonaTechnical,
			Name:      "Dr. Gasnelio",
			Tone:      "técnico e preciso",
			Expertise: []string{"farmacologia", "PQT-U", "dispensação", "interações medicamentosas"},
			Signature: "Dr. Gasnelio | Farmacêutico clínico",
			Style: domain.ResponseStyle{
				Formality:        "formal",
				Technicality:     TechnicalityHigh,
				IncludeExamples:  false,
				IncludeCitations: true,
			},
			Retrieval: domain.RetrievalPreferences{
				MaxChunks:           5,
				MinSimilarity:       0.2,
				MinConfidence:       0.3,
				PreferredCategories: []string{"dosage", "protocol", "safety", "interactions"},
			},
		},
		domain.PersonaProfile{
			ID:        domain.PersonaEmpathetic,
			Name:      "Gá",
			Tone:      "acolhedor e simples",
			Expertise: []string{"acolhimento", "adesão ao tratamento", "orientação ao paciente"},
			Signature: "Gá | Sua companhia no tratamento",
			Style: domain.ResponseStyle{
				Formality:        "informal",
				Technicality:     TechnicalityLow,
				IncludeExamples:  true,
				IncludeCitations: false,
			},
			Retrieval: domain.RetrievalPreferences{
				MaxChunks:           3,
				MinSimilarity:       0.2,
				MinConfidence:       0.25,
				PreferredCategories: []string{"patient_guidance", "adherence", "side_effects"},
			},
		},
	)
}

type profilesFile struct {
	Personas []domain.PersonaProfile `yaml:"personas"`
}

// LoadProfiles overlays the personas in a YAML file on the built-in ones.
// A listed persona replaces the built-in with the same id.
func LoadProfiles(path string) (*Profiles, error) {
	p := DefaultProfiles()
	if path == "" {
		return p, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read personas file: %w", err)
	}
	var f profilesFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse personas file %s: %w", path, err)
	}
	for i, prof := range f.Personas {
		if prof.ID == "" {
			return nil, fmt.Errorf("persona #%d in %s has no id", i, path)
		}
		if prof.Retrieval.MaxChunks < 0 || prof.Retrieval.MinConfidence < 0 || prof.Retrieval.MinConfidence > 1 {
			return nil, fmt.Errorf("persona %s: invalid retrieval preferences", prof.ID)
		}
		p.put(prof)
	}
	return p, nil
}
