package packetstore

import (
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/budgierless/spark-advisory-engine/pkg/advisoryerr"
	"github.com/budgierless/spark-advisory-engine/pkg/model"
)

// packetValidation mirrors model.Packet's required fields for struct-tag
// validation; validator/v10 wants tags on the struct it validates, and we'd
// rather keep model.Packet free of persistence-layer tags, so we validate a
// thin projection instead.
type packetValidation struct {
	PacketID          string `validate:"required"`
	ProjectKey        string `validate:"required"`
	SessionContextKey string `validate:"required"`
	ToolName          string `validate:"required"`
	IntentFamily      string `validate:"required"`
	TaskPlane         string `validate:"required"`
	SourceMode        string `validate:"required,oneof=baseline_deterministic prefetch_deterministic live_deterministic live_ai"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	return validate
}

// validatePacket implements spec.md §4.4's validate_packet: required fields
// plus a lineage schema check.
func validatePacket(p *model.Packet) error {
	proj := packetValidation{
		PacketID:          p.PacketID,
		ProjectKey:        p.ProjectKey,
		SessionContextKey: p.SessionContextKey,
		ToolName:          p.ToolName,
		IntentFamily:      p.IntentFamily,
		TaskPlane:         p.TaskPlane,
		SourceMode:        string(p.SourceMode),
	}
	if err := getValidator().Struct(proj); err != nil {
		return fmt.Errorf("%w: %v", advisoryerr.ErrInvalidPacket, err)
	}
	if p.Lineage.Sources == nil {
		return fmt.Errorf("%w: lineage.sources must not be nil", advisoryerr.ErrInvalidPacket)
	}
	for _, item := range p.AdviceItems {
		if item.AdviceID == "" {
			return fmt.Errorf("%w: advice_items entries must carry an advice_id", advisoryerr.ErrInvalidPacket)
		}
	}
	return nil
}
