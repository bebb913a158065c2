package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/honeynil/sms-billing/internal/models"
	"github.com/honeynil/sms-billing/internal/repository"
	pkgerrors "github.com/honeynil/sms-billing/pkg/errors"
)

const packageColumns = `id, name, package_type, credits, price, unit_price, is_popular, is_active`

var _ repository.PackageRepository = (*PackageRepository)(nil)

type PackageRepository struct {
	db *sql.DB
}

func NewPackageRepository(db *sql.DB) *PackageRepository {
	return &PackageRepository{db: db}
}

func (r *PackageRepository) List(ctx context.Context) (pkgs []models.Package, err error) {
	ctx, _, finish := startCall(ctx, "ListPackages")
	defer func() { finish(err) }()

	rows, err := r.db.QueryContext(ctx, `SELECT `+packageColumns+` FROM sms_packages WHERE is_active ORDER BY credits`)
	if err != nil {
		return nil, fmt.Errorf("failed to list packages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		p, scanErr := scanPackage(rows)
		if scanErr != nil {
			err = fmt.Errorf("failed to scan package: %w", scanErr)
			return nil, err
		}
		pkgs = append(pkgs, *p)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate packages: %w", err)
	}
	return pkgs, nil
}

func (r *PackageRepository) GetByID(ctx context.Context, id string) (p *models.Package, err error) {
	ctx, _, finish := startCall(ctx, "GetPackageByID")
	defer func() { finish(err) }()

	p, err = scanPackage(r.db.QueryRowContext(ctx, `SELECT `+packageColumns+` FROM sms_packages WHERE id = $1 AND is_active`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.ErrPackageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get package: %w", err)
	}
	return p, nil
}

func scanPackage(row rowScanner) (*models.Package, error) {
	var p models.Package
	if err := row.Scan(&p.ID, &p.Name, &p.Type, &p.Credits, &p.Price, &p.UnitPrice, &p.IsPopular, &p.IsActive); err != nil {
		return nil, err
	}
	return &p, nil
}
