package corpus

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks tag constraints plus the cross-field invariants.
func (s *Section) Validate() error {
	if err := validate.Struct(s); err != nil {
		return err
	}
	if s.TextHTML != "" && strings.TrimSpace(s.TextPlain) == "" {
		return errors.New("section: text_plain required when text_html is set")
	}
	return nil
}

func (n *StructureNode) Validate() error {
	if err := validate.Struct(n); err != nil {
		return err
	}
	if n.ParentID == n.ID && n.ParentID != "" {
		return errors.New("structure: node cannot parent itself")
	}
	return nil
}

func (r *CrossReference) Validate() error {
	if err := validate.Struct(r); err != nil {
		return err
	}
	if r.FromID == r.ToID {
		return errors.New("ref: from_id equals to_id")
	}
	return nil
}

func (o *Obligation) Validate() error {
	if err := validate.Struct(o); err != nil {
		return err
	}
	if (o.Value == nil) != (o.Unit == "") {
		return errors.New("obligation: value and unit must co-occur")
	}
	return nil
}

func (p *SimilarityPair) Validate() error {
	if err := validate.Struct(p); err != nil {
		return err
	}
	if p.SectionA >= p.SectionB {
		return errors.New("similarity: section_a must sort before section_b")
	}
	return nil
}

func (c *Classification) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.SectionA >= c.SectionB {
		return errors.New("classification: section_a must sort before section_b")
	}
	return nil
}

func (a *Analysis) Validate() error {
	return validate.Struct(a)
}

func (c *ReportingCandidate) Validate() error {
	return validate.Struct(c)
}
