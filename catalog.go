package phase

import (
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-errors"
)

// PhaseDefinition describes one stage of the case pipeline. Definitions are
// immutable once a Catalog is built.
type PhaseDefinition struct {
	ID                  string        `json:"id" yaml:"id"`
	Name                string        `json:"name" yaml:"name"`
	Description         string        `json:"description,omitempty" yaml:"description,omitempty"`
	EstimatedDuration   time.Duration `json:"estimated_duration,omitempty" yaml:"estimated_duration,omitempty"`
	ExpectedOutputKinds []string      `json:"expected_output_kinds,omitempty" yaml:"expected_output_kinds,omitempty"`
	SubSteps            []string      `json:"sub_steps,omitempty" yaml:"sub_steps,omitempty"`
}

// SubStepIndex returns the position of label in SubSteps.
func (d PhaseDefinition) SubStepIndex(label string) (int, bool) {
	label = strings.TrimSpace(label)
	if label == "" {
		return 0, false
	}
	for i, step := range d.SubSteps {
		if strings.EqualFold(step, label) {
			return i, true
		}
	}
	return 0, false
}

func (d PhaseDefinition) clone() PhaseDefinition {
	d.ExpectedOutputKinds = append([]string(nil), d.ExpectedOutputKinds...)
	d.SubSteps = append([]string(nil), d.SubSteps...)
	return d
}

// Catalog is the ordered, linear list of phases. Catalog order is the only
// valid execution order.
type Catalog struct {
	phases []PhaseDefinition
	index  map[string]int
}

// NewCatalog validates and freezes the given definitions.
func NewCatalog(defs ...PhaseDefinition) (Catalog, error) {
	if len(defs) == 0 {
		return Catalog{}, errors.New("catalog requires at least one phase", errors.CategoryValidation).
			WithTextCode("CATALOG_EMPTY")
	}
	c := Catalog{
		phases: make([]PhaseDefinition, 0, len(defs)),
		index:  make(map[string]int, len(defs)),
	}
	for i, def := range defs {
		id := strings.TrimSpace(def.ID)
		if id == "" {
			return Catalog{}, errors.New(fmt.Sprintf("phase[%d] id is required", i), errors.CategoryValidation).
				WithTextCode("CATALOG_PHASE_ID_REQUIRED")
		}
		if _, exists := c.index[id]; exists {
			return Catalog{}, errors.New(fmt.Sprintf("duplicate phase id %q", id), errors.CategoryConflict).
				WithTextCode("CATALOG_DUPLICATE_PHASE").
				WithMetadata(map[string]any{"phase_id": id, "position": i})
		}
		def.ID = id
		if strings.TrimSpace(def.Name) == "" {
			def.Name = id
		}
		c.index[id] = len(c.phases)
		c.phases = append(c.phases, def.clone())
	}
	return c, nil
}

// MustCatalog is NewCatalog for static definitions.
func MustCatalog(defs ...PhaseDefinition) Catalog {
	c, err := NewCatalog(defs...)
	if err != nil {
		panic(err)
	}
	return c
}

// Len returns the number of phases.
func (c Catalog) Len() int { return len(c.phases) }

// At returns a copy of the definition at position i.
func (c Catalog) At(i int) PhaseDefinition {
	return c.phases[i].clone()
}

// Index returns the catalog position of id.
func (c Catalog) Index(id string) (int, bool) {
	i, ok := c.index[strings.TrimSpace(id)]
	return i, ok
}

// Lookup returns the definition for id.
func (c Catalog) Lookup(id string) (PhaseDefinition, bool) {
	i, ok := c.Index(id)
	if !ok {
		return PhaseDefinition{}, false
	}
	return c.At(i), true
}

// Definitions returns a copy of every definition in order.
func (c Catalog) Definitions() []PhaseDefinition {
	out := make([]PhaseDefinition, len(c.phases))
	for i := range c.phases {
		out[i] = c.phases[i].clone()
	}
	return out
}

// IDs returns phase identifiers in catalog order.
func (c Catalog) IDs() []string {
	out := make([]string, len(c.phases))
	for i, def := range c.phases {
		out[i] = def.ID
	}
	return out
}

// IsBoundary reports whether position i is the intake or delivery phase.
// Boundary phases cannot be skipped.
func (c Catalog) IsBoundary(i int) bool {
	return i == 0 || i == len(c.phases)-1
}

// DefaultCatalog is the case-processing pipeline used when no catalog is configured.
func DefaultCatalog() Catalog {
	return MustCatalog(
		PhaseDefinition{
			ID:                  "intake",
			Name:                "Case Intake",
			Description:         "Validate the case record and register uploaded evidence.",
			EstimatedDuration:   2 * time.Minute,
			ExpectedOutputKinds: []string{"case_summary", "evidence_index"},
			SubSteps:            []string{"validate_case", "load_evidence", "classify_documents"},
		},
		PhaseDefinition{
			ID:                  "evidence_analysis",
			Name:                "Evidence Analysis",
			Description:         "Parse evidence documents and build a timeline.",
			EstimatedDuration:   5 * time.Minute,
			ExpectedOutputKinds: []string{"timeline", "entity_map"},
			SubSteps:            []string{"parse_documents", "extract_entities", "build_timeline"},
		},
		PhaseDefinition{
			ID:                  "fact_extraction",
			Name:                "Fact Extraction",
			Description:         "Identify material facts and score their support.",
			EstimatedDuration:   4 * time.Minute,
			ExpectedOutputKinds: []string{"fact_sheet"},
			SubSteps:            []string{"identify_facts", "cross_reference", "score_confidence"},
		},
		PhaseDefinition{
			ID:                  "legal_research",
			Name:                "Legal Research",
			Description:         "Find and rank relevant authorities.",
			EstimatedDuration:   8 * time.Minute,
			ExpectedOutputKinds: []string{"research_memo", "authority_list"},
			SubSteps:            []string{"query_authorities", "rank_precedents", "summarize_holdings"},
		},
		PhaseDefinition{
			ID:                  "strategy",
			Name:                "Case Strategy",
			Description:         "Outline arguments and assess risks.",
			EstimatedDuration:   4 * time.Minute,
			ExpectedOutputKinds: []string{"strategy_outline"},
			SubSteps:            []string{"outline_arguments", "assess_risks", "select_approach"},
		},
		PhaseDefinition{
			ID:                  "drafting",
			Name:                "Document Drafting",
			Description:         "Draft the case documents.",
			EstimatedDuration:   10 * time.Minute,
			ExpectedOutputKinds: []string{"draft_document"},
			SubSteps:            []string{"draft_sections", "cite_authorities", "assemble_document"},
		},
		PhaseDefinition{
			ID:                  "delivery",
			Name:                "Final Delivery",
			Description:         "Review, format and package the deliverables.",
			EstimatedDuration:   2 * time.Minute,
			ExpectedOutputKinds: []string{"final_document", "delivery_package"},
			SubSteps:            []string{"final_review", "format_output", "package_delivery"},
		},
	)
}
