package contract

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/accredit/internal/observability"
	"github.com/pitabwire/accredit/model"
)

// Reprocess regenerates a batch of contracts: the listed ids, or every
// failed contract plus those stuck in generated or pending_signature since
// before the cutoff. Signed contracts whose provider record was never
// synced get the sync retried instead. Items run with bounded concurrency
// and a failed item never stops the others.
func (c *Coordinator) Reprocess(ctx context.Context, rctx *model.RequestContext, req model.ReprocessRequest) (model.BatchResult, error) {
	if !rctx.Can(model.CapContractReprocess) {
		return model.BatchResult{}, model.NewNotAuthorizedError("not allowed to reprocess contracts")
	}

	ctx, cancel := c.withTimeout(ctx, c.cfg.ReprocessTimeout)
	defer cancel()

	ids, err := c.reprocessTargets(ctx, req)
	if err != nil {
		return model.BatchResult{}, err
	}

	items := make([]model.BatchItemResult, len(ids))
	delegated := delegate(rctx)
	limit := c.cfg.ReprocessConcurrency
	if limit < 1 {
		limit = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, id := range ids {
		g.Go(func() error {
			fresh, err := c.reprocessOne(gctx, delegated, id)
			items[i] = itemResult(id, fresh, err)
			if c.metrics != nil {
				c.metrics.RecordReprocessItem(items[i].Success)
			}
			return nil
		})
	}
	_ = g.Wait()

	res := model.NewBatchResult(items)
	observability.RequestLogger(ctx, c.logger).Info("contracts reprocessed",
		zap.Int("succeeded", res.Succeeded),
		zap.Int("failed", res.Failed),
	)
	return res, nil
}

func (c *Coordinator) reprocessOne(ctx context.Context, rctx *model.RequestContext, id string) (model.Contract, error) {
	ct, err := c.store.GetContract(ctx, id)
	if err != nil {
		return model.Contract{}, err
	}
	if ct.Status != model.ContractSigned {
		return c.Regenerate(ctx, rctx, id)
	}
	repaired, err := c.syncProvider(ctx, rctx, ct)
	if err != nil {
		return model.Contract{}, err
	}
	if !repaired {
		return model.Contract{}, model.NewInvalidStateError(
			fmt.Sprintf("contract %s is signed and its provider is up to date", ct.ID),
		)
	}
	return ct, nil
}

func (c *Coordinator) reprocessTargets(ctx context.Context, req model.ReprocessRequest) ([]string, error) {
	if len(req.ContractIDs) > 0 {
		return req.ContractIDs, nil
	}

	cutoff := c.now().UTC().Add(-c.cfg.StuckAfter)
	if req.StuckBefore != nil {
		cutoff = req.StuckBefore.UTC()
	}

	var ids []string
	failed, err := c.store.ListContracts(ctx, model.ContractFilter{
		Statuses: []model.ContractStatus{model.ContractFailed},
	})
	if err != nil {
		return nil, err
	}
	for _, ct := range failed {
		ids = append(ids, ct.ID)
	}
	stuck, err := c.store.ListContracts(ctx, model.ContractFilter{
		Statuses:      []model.ContractStatus{model.ContractGenerated, model.ContractPendingSignature},
		UpdatedBefore: &cutoff,
	})
	if err != nil {
		return nil, err
	}
	for _, ct := range stuck {
		ids = append(ids, ct.ID)
	}
	signed, err := c.store.ListContracts(ctx, model.ContractFilter{
		Statuses: []model.ContractStatus{model.ContractSigned},
	})
	if err != nil {
		return nil, err
	}
	for _, ct := range signed {
		synced, err := c.sync.Synced(ctx, ct)
		if err != nil {
			return nil, fmt.Errorf("checking provider of contract %s: %w", ct.ID, err)
		}
		if !synced {
			ids = append(ids, ct.ID)
		}
	}
	return ids, nil
}

func itemResult(id string, fresh model.Contract, err error) model.BatchItemResult {
	item := model.BatchItemResult{ID: id, ResultID: fresh.ID}
	if err == nil {
		item.Success = true
		return item
	}
	var env *model.ErrorEnvelope
	switch {
	case errors.As(err, &env):
		item.Error = env
	case errors.Is(err, context.DeadlineExceeded):
		item.Error = model.NewProviderUnavailableError("reprocessing deadline")
	default:
		item.Error = model.NewInternalError()
	}
	return item
}
