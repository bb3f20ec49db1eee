package rules

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/canopy-network/statex/pkg/db/models"
	"github.com/canopy-network/statex/pkg/keys"
	"github.com/canopy-network/statex/pkg/transform"
)

var daoKinds = []string{KindDaoCore}

// ProposalModule is the stored shape of a DAO proposal module.
type ProposalModule struct {
	Address string `json:"address"`
	Prefix  string `json:"prefix"`
	Status  string `json:"status"`
}

// DaoCore projects dao-core configuration and module wiring.
func DaoCore() []transform.Rule {
	return []transform.Rule{
		transform.MakeRule(daoKinds, "config", "config_v2", "config"),
		transform.MakeRule(daoKinds, "paused"),
		transform.MakeRule(daoKinds, "admin"),
		transform.MakeRule(daoKinds, "votingModule", "voting_module"),
		transform.MakeMapRule(daoKinds, "proposalModule", []string{"proposal_modules", "proposal_modules_v2"}, transform.MapOptions{
			Value: proposalModuleValue,
		}),
		transform.MakeMapRule(daoKinds, "item", []string{"items"}, transform.MapOptions{}),
	}
}

// proposalModuleValue normalizes v1 entries, which store no value, into the v2 shape.
func proposalModuleValue(_ context.Context, ev models.StateEvent, _ transform.Previous) (json.RawMessage, bool, error) {
	parts, err := keys.Decode(ev.Key, keys.KindString, keys.KindString)
	if err != nil {
		return nil, false, err
	}
	namespace, address := parts[0].(string), parts[1].(string)
	switch namespace {
	case "proposal_modules":
		out, err := json.Marshal(ProposalModule{Address: address, Status: "Enabled"})
		return out, err == nil, err
	case "proposal_modules_v2":
		return ev.ValueJSON, true, nil
	default:
		return nil, false, fmt.Errorf("unexpected proposal module namespace %q", namespace)
	}
}
