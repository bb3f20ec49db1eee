package controller

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/canopy-network/statex/pkg/formula"
)

// FormulaInfo describes one registered formula.
type FormulaInfo struct {
	Name         string   `json:"name"`
	Type         string   `json:"type"`
	Dynamic      bool     `json:"dynamic"`
	CodeKinds    []string `json:"codeKinds,omitempty"`
	RequiredArgs []string `json:"requiredArgs,omitempty"`
	Docs         string   `json:"docs,omitempty"`
}

// HandleFormulas lists the formulas of a type.
func (c *Controller) HandleFormulas(w http.ResponseWriter, r *http.Request) {
	typ, err := formula.ParseType(mux.Vars(r)["type"])
	if err != nil {
		c.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	formulas := c.App.Engine.Registry().List(typ)
	out := make([]FormulaInfo, 0, len(formulas))
	for _, f := range formulas {
		out = append(out, FormulaInfo{
			Name:         f.Name,
			Type:         string(f.Type),
			Dynamic:      f.Dynamic,
			CodeKinds:    f.Filter.CodeKinds,
			RequiredArgs: f.RequiredArgs,
			Docs:         f.Docs,
		})
	}
	c.writeJSON(w, http.StatusOK, out)
}
