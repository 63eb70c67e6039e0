package domain

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

type Service interface {
	Get(ctx context.Context, id string) (*Plan, error)
	ListActive(ctx context.Context) ([]Plan, error)
	Upsert(ctx context.Context, plan Plan) (*Plan, error)
	SeedFromFile(ctx context.Context, path string) (int, error)
}

type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, id string) (*Plan, error)
	ListActive(ctx context.Context, db *gorm.DB) ([]Plan, error)
	Upsert(ctx context.Context, db *gorm.DB, plan *Plan) error
	IsReferenced(ctx context.Context, db *gorm.DB, id string) (bool, error)
}

var (
	ErrPlanNotFound    = errors.New("plan_not_found")
	ErrPlanImmutable   = errors.New("plan_immutable")
	ErrInvalidPlan     = errors.New("invalid_plan")
	ErrInvalidInterval = errors.New("invalid_billing_interval")
	ErrInvalidResource = errors.New("invalid_resource")
	ErrInvalidCatalog  = errors.New("invalid_plan_catalog")
)
