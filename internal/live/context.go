// Package live drives the provider ladder through the provider-call
// adapter: one-shot turns with disagreement and cost arbitration, and
// streaming turns with early commit.
package live

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/loqalabs/sttgate/internal/lexicon"
	"github.com/loqalabs/sttgate/internal/provider"
	"github.com/loqalabs/sttgate/internal/stt"
)

var (
	tokenPattern    = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]{0,127}$`)
	providerPattern = regexp.MustCompile(`^[a-z][a-z0-9_-]{1,63}$`)
	modelPattern    = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:/-]{0,127}$`)
)

const (
	maxVocabularyPacks = 32
	maxLexiconEntries  = 256
	maxCostUnits       = 1_000_000
)

// Route binds a ladder slot to a concrete provider and model.
type Route struct {
	ProviderID string `json:"provider_id"`
	ModelID    string `json:"model_id"`
	CostUnits  int    `json:"cost_units"`
}

func (r Route) configured() bool {
	return r.ProviderID != ""
}

// Context is the per-turn routing configuration. Build it once per turn
// and Validate it before use.
type Context struct {
	CorrelationID  string `json:"correlation_id"`
	TurnID         string `json:"turn_id"`
	TenantID       string `json:"tenant_id"`
	RequestID      string `json:"request_id"`
	IdempotencyKey string `json:"idempotency_key"`

	Primary   Route `json:"primary"`
	Secondary Route `json:"secondary"`

	TimeoutMS   int64          `json:"timeout_ms"`
	RetryBudget int            `json:"retry_budget"`
	Flags       provider.Flags `json:"flags"`

	VocabularyPackIDs []string               `json:"vocabulary_pack_ids,omitempty"`
	TenantLexicon     []string               `json:"tenant_lexicon,omitempty"`
	DomainLexicon     []string               `json:"domain_lexicon,omitempty"`
	GlobalLexicon     []lexicon.WeightedTerm `json:"global_lexicon,omitempty"`

	DisagreementThresholdBP int  `json:"disagreement_threshold_bp"`
	EnforceDisagreement     bool `json:"enforce_disagreement"`
	CostQualityRouting      bool `json:"cost_quality_routing"`
}

// Route returns the route bound to slot.
func (c Context) Route(slot stt.ProviderSlot) (Route, bool) {
	switch slot {
	case stt.SlotPrimary:
		return c.Primary, c.Primary.configured()
	case stt.SlotSecondary:
		return c.Secondary, c.Secondary.configured()
	default:
		return Route{}, false
	}
}

// Validate rejects malformed or out-of-range contexts.
func (c Context) Validate() error {
	for name, value := range map[string]string{
		"correlation_id":  c.CorrelationID,
		"turn_id":         c.TurnID,
		"tenant_id":       c.TenantID,
		"request_id":      c.RequestID,
		"idempotency_key": c.IdempotencyKey,
	} {
		if !tokenPattern.MatchString(value) {
			return fmt.Errorf("invalid %s", name)
		}
	}
	if !c.Primary.configured() {
		return errors.New("primary provider required")
	}
	if err := c.Primary.validate("primary"); err != nil {
		return err
	}
	if c.Secondary.configured() {
		if err := c.Secondary.validate("secondary"); err != nil {
			return err
		}
	}
	if c.TimeoutMS < 50 || c.TimeoutMS > 60000 {
		return errors.New("timeout_ms must be within [50,60000]")
	}
	if c.RetryBudget < 1 || c.RetryBudget > 8 {
		return errors.New("retry_budget must be within [1,8]")
	}
	if c.DisagreementThresholdBP < 0 || c.DisagreementThresholdBP > 10000 {
		return errors.New("disagreement_threshold_bp must be within [0,10000]")
	}
	if len(c.VocabularyPackIDs) > maxVocabularyPacks {
		return fmt.Errorf("at most %d vocabulary packs", maxVocabularyPacks)
	}
	for _, id := range c.VocabularyPackIDs {
		if !tokenPattern.MatchString(id) {
			return fmt.Errorf("invalid vocabulary pack id %q", id)
		}
	}
	if len(c.TenantLexicon) > maxLexiconEntries || len(c.DomainLexicon) > maxLexiconEntries || len(c.GlobalLexicon) > maxLexiconEntries {
		return fmt.Errorf("lexicon lists are limited to %d entries", maxLexiconEntries)
	}
	for _, term := range c.GlobalLexicon {
		if term.WeightBP < 0 || term.WeightBP > 10000 || term.ExpiresAtMS < 0 {
			return fmt.Errorf("invalid global lexicon term %q", term.Term)
		}
	}
	return nil
}

func (r Route) validate(slot string) error {
	if !providerPattern.MatchString(r.ProviderID) {
		return fmt.Errorf("invalid %s provider id", slot)
	}
	if !modelPattern.MatchString(r.ModelID) {
		return fmt.Errorf("invalid %s model id", slot)
	}
	if r.CostUnits < 0 || r.CostUnits > maxCostUnits {
		return fmt.Errorf("%s cost_units must be within [0,%d]", slot, maxCostUnits)
	}
	return nil
}
