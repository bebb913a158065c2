package models

import "github.com/shopspring/decimal"

type PackageType string

const (
	PackageLite       PackageType = "lite"
	PackageStandard   PackageType = "standard"
	PackagePro        PackageType = "pro"
	PackageEnterprise PackageType = "enterprise"
)

// Package is a fixed-size credit bundle from the catalogue.
type Package struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Type      PackageType     `json:"type"`
	Credits   int64           `json:"credits"`
	Price     decimal.Decimal `json:"price"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	IsPopular bool            `json:"is_popular"`
	IsActive  bool            `json:"is_active"`
}

// StandardRate is the per-credit price packages are compared against.
var StandardRate = decimal.NewFromInt(30)

// Savings returns the percentage saved against StandardRate.
func (p Package) Savings() decimal.Decimal {
	if StandardRate.IsZero() || p.UnitPrice.GreaterThanOrEqual(StandardRate) {
		return decimal.Zero
	}
	return StandardRate.Sub(p.UnitPrice).Div(StandardRate).Mul(decimal.NewFromInt(100)).Round(1)
}

// DefaultPackages is the seeded catalogue.
func DefaultPackages() []Package {
	return []Package{
		{ID: "lite", Name: "Lite", Type: PackageLite, Credits: 5000, Price: decimal.NewFromInt(90000), UnitPrice: decimal.NewFromInt(18), IsActive: true},
		{ID: "standard", Name: "Standard", Type: PackageStandard, Credits: 50000, Price: decimal.NewFromInt(700000), UnitPrice: decimal.NewFromInt(14), IsPopular: true, IsActive: true},
		{ID: "pro", Name: "Pro", Type: PackagePro, Credits: 250000, Price: decimal.NewFromInt(3000000), UnitPrice: decimal.NewFromInt(12), IsActive: true},
	}
}
