package flow

import (
	"slices"
	"time"

	"github.com/transfa/settlement-service/internal/domain"
)

// NewSnapshot freezes a definition. Steps are deep copied and sorted by step order, so
// later edits to the definition never reach the snapshot.
func NewSnapshot(def domain.FlowDefinition, takenAt time.Time) domain.FlowSnapshot {
	steps := domain.CloneStepTemplates(def.Steps)
	slices.SortStableFunc(steps, func(a, b domain.StepTemplate) int { return a.StepOrder - b.StepOrder })
	for i := range steps {
		if steps[i].CompletionPolicy == "" {
			steps[i].CompletionPolicy = domain.CompletionImmediate
		}
	}
	return domain.FlowSnapshot{
		DefinitionID:    def.ID,
		Name:            def.Name,
		Blockchain:      def.Blockchain,
		CryptoAsset:     def.CryptoAsset,
		TargetCurrency:  def.TargetCurrency,
		Fees:            def.Fees,
		MinAmount:       def.MinAmount,
		MaxAmount:       def.MaxAmount,
		PricingProvider: def.PricingProvider,
		PayoutProvider:  def.PayoutProvider,
		Steps:           steps,
		TakenAt:         takenAt,
	}
}
