package memory

import (
	"context"

	"github.com/honeynil/sms-billing/internal/models"
	"github.com/honeynil/sms-billing/internal/repository"
	pkgerrors "github.com/honeynil/sms-billing/pkg/errors"
)

var _ repository.PackageRepository = (*PackageStore)(nil)

// PackageStore serves a fixed catalogue.
type PackageStore struct {
	packages []models.Package
}

func NewPackageStore(packages []models.Package) *PackageStore {
	return &PackageStore{packages: append([]models.Package(nil), packages...)}
}

func (s *PackageStore) List(ctx context.Context) ([]models.Package, error) {
	var out []models.Package
	for _, p := range s.packages {
		if p.IsActive {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *PackageStore) GetByID(ctx context.Context, id string) (*models.Package, error) {
	for _, p := range s.packages {
		if p.ID == id && p.IsActive {
			out := p
			return &out, nil
		}
	}
	return nil, pkgerrors.ErrPackageNotFound
}
