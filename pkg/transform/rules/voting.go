package rules

import (
	"github.com/canopy-network/statex/pkg/transform"
)

// Cw4 projects cw4 group membership and the dao-voting-cw4 module wiring.
func Cw4() []transform.Rule {
	return []transform.Rule{
		transform.MakeMapRule([]string{KindCw4Group}, "member", []string{"members"}, transform.MapOptions{}),
		transform.MakeRule([]string{KindCw4Group}, "totalWeight", "total"),
		transform.MakeRule([]string{KindVotingCw4}, "groupContract", "group_contract"),
		transform.MakeRule([]string{KindVotingCw4, KindVotingCw20}, "dao"),
	}
}

// Cw20Staked projects dao-voting-cw20-staked wiring and cw20-stake balances.
func Cw20Staked() []transform.Rule {
	return []transform.Rule{
		transform.MakeRule([]string{KindVotingCw20}, "stakingContract", "staking_contract"),
		transform.MakeMapRule([]string{KindCw20Stake}, "stakedBalance", []string{"staked_balances"}, transform.MapOptions{}),
		transform.MakeRule([]string{KindCw20Stake}, "totalStaked", "total_staked"),
	}
}
