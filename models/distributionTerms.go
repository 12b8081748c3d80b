package models

import (
	"strings"

	"github.com/mmdatafocus/estate_backend/utils"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// BeneficiaryShare is one beneficiary's percentage of the asset.
type BeneficiaryShare struct {
	FamilyId   string          `json:"family_id"`
	Percentage decimal.Decimal `json:"percentage"`
}

// DistributionTerms is a closed sum over the four legal regimes.
// Each variant carries only the fields its regime requires.
type DistributionTerms interface {
	Type() DistributionType
	isDistributionTerms()
}

type EndowmentTerms struct {
	Organization string
}

type StatutoryInheritanceTerms struct{}

type GiftTerms struct {
	Beneficiaries []BeneficiaryShare
}

type WillTerms struct {
	Beneficiaries []BeneficiaryShare
}

func (EndowmentTerms) Type() DistributionType { return DistributionTypeEndowment }
func (StatutoryInheritanceTerms) Type() DistributionType {
	return DistributionTypeStatutoryInheritance
}
func (GiftTerms) Type() DistributionType { return DistributionTypeGift }
func (WillTerms) Type() DistributionType { return DistributionTypeWill }

func (EndowmentTerms) isDistributionTerms()            {}
func (StatutoryInheritanceTerms) isDistributionTerms() {}
func (GiftTerms) isDistributionTerms()                 {}
func (WillTerms) isDistributionTerms()                 {}

// TermsBeneficiaries returns the explicit beneficiary list of a variant (nil for the others).
func TermsBeneficiaries(t DistributionTerms) []BeneficiaryShare {
	switch v := t.(type) {
	case GiftTerms:
		return v.Beneficiaries
	case WillTerms:
		return v.Beneficiaries
	}
	return nil
}

// NewDistributionTerms builds the variant for distributionType, rejecting fields that
// do not belong to it. ownerId may not appear among the beneficiaries.
func NewDistributionTerms(distributionType DistributionType, organization string, beneficiaries []BeneficiaryShare, ownerId string) (DistributionTerms, error) {
	organization = strings.TrimSpace(organization)
	switch distributionType {
	case DistributionTypeEndowment:
		if organization == "" {
			return nil, utils.NewFieldError("organization", "required")
		}
		if len(beneficiaries) > 0 {
			return nil, utils.NewFieldError("beneficiaries", "not allowed for endowment")
		}
		return EndowmentTerms{Organization: organization}, nil
	case DistributionTypeStatutoryInheritance:
		if organization != "" {
			return nil, utils.NewFieldError("organization", "not allowed for statutory_inheritance")
		}
		if len(beneficiaries) > 0 {
			return nil, utils.NewFieldError("beneficiaries", "heirs are derived from the family record")
		}
		return StatutoryInheritanceTerms{}, nil
	case DistributionTypeGift, DistributionTypeWill:
		if organization != "" {
			return nil, utils.NewFieldError("organization", "not allowed for "+string(distributionType))
		}
		if err := validateShares(beneficiaries, ownerId); err != nil {
			return nil, err
		}
		shares := make([]BeneficiaryShare, len(beneficiaries))
		copy(shares, beneficiaries)
		if distributionType == DistributionTypeGift {
			return GiftTerms{Beneficiaries: shares}, nil
		}
		return WillTerms{Beneficiaries: shares}, nil
	}
	return nil, utils.NewFieldError("type", "oneof")
}

func validateShares(shares []BeneficiaryShare, ownerId string) error {
	if len(shares) == 0 {
		return utils.NewFieldError("beneficiaries", "required")
	}
	seen := make(map[string]bool, len(shares))
	total := decimal.Zero
	for _, s := range shares {
		id := strings.TrimSpace(s.FamilyId)
		if id == "" {
			return utils.NewFieldError("beneficiaries.family_id", "required")
		}
		if id == ownerId {
			return utils.NewFieldError("beneficiaries.family_id", "owner cannot be a beneficiary")
		}
		if seen[id] {
			return utils.NewFieldError("beneficiaries.family_id", "duplicate")
		}
		seen[id] = true
		if !s.Percentage.IsPositive() || s.Percentage.GreaterThan(hundred) {
			return utils.NewFieldError("beneficiaries.percentage", "must be greater than 0 and at most 100")
		}
		total = total.Add(s.Percentage)
	}
	if !total.Equal(hundred) {
		return utils.NewFieldError("beneficiaries.percentage", "must sum to 100, got "+total.String())
	}
	return nil
}
