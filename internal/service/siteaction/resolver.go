package siteaction

import (
	"context"
	"fmt"

	"github.com/frappe/press-sub003/internal/repository"
	"github.com/frappe/press-sub003/internal/service/siteops"
)

// Reference types resolvable beyond the siteops sub-entities.
const (
	RefDeployCandidate = "Deploy Candidate"
	RefBuild           = "Build"
)

// Resolver looks up the current status of spawned sub-entities so steps
// can wait on them uniformly.
type Resolver struct {
	siteops    repository.SiteOpsRepository
	candidates repository.CandidateRepository
	builds     repository.BuildRepository
}

// NewResolver builds a resolver over the sub-entity repositories.
func NewResolver(siteopsRepo repository.SiteOpsRepository, candidates repository.CandidateRepository, builds repository.BuildRepository) *Resolver {
	return &Resolver{siteops: siteopsRepo, candidates: candidates, builds: builds}
}

// Status implements ReferenceStatus.
func (r *Resolver) Status(ctx context.Context, referenceType, referenceID string) (string, error) {
	switch referenceType {
	case siteops.RefSiteUpdate:
		update, err := r.siteops.GetSiteUpdateByID(ctx, referenceID)
		if err != nil {
			return "", err
		}
		return update.Status, nil
	case siteops.RefSiteMigration:
		migration, err := r.siteops.GetSiteMigrationByID(ctx, referenceID)
		if err != nil {
			return "", err
		}
		return migration.Status, nil
	case siteops.RefBenchUpdate:
		update, err := r.siteops.GetBenchUpdateByID(ctx, referenceID)
		if err != nil {
			return "", err
		}
		return update.Status, nil
	case RefDeployCandidate:
		candidate, err := r.candidates.GetCandidateByID(ctx, referenceID)
		if err != nil {
			return "", err
		}
		return candidate.Status, nil
	case RefBuild:
		build, err := r.builds.GetBuildByID(ctx, referenceID)
		if err != nil {
			return "", err
		}
		return build.Status, nil
	}
	return "", fmt.Errorf("%w: unknown reference type %q", repository.ErrInvalidArgument, referenceType)
}
