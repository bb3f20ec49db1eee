package models

// Entity is an addressable target of state that carries a code identity, such as an
// instantiated contract. Entities without a code identity (wallets, validators) are not
// registered.
type Entity struct {
	Address                       string `json:"address"`
	CodeID                        uint64 `json:"codeId"`
	Admin                         string `json:"admin,omitempty"`
	Creator                       string `json:"creator,omitempty"`
	Label                         string `json:"label,omitempty"`
	InstantiatedAtBlockHeight     uint64 `json:"instantiatedAtBlockHeight"`
	InstantiatedAtBlockTimeUnixMs int64  `json:"instantiatedAtBlockTimeUnixMs"`
}
