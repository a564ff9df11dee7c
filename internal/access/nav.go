package access

import "juntaut/internal/auth"

type NavItem struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

// Nav lists the menu entries id may follow, in policy order. Entries come from
// the same rule the gate enforces, so the menu never links to a denial.
func (g *Gate) Nav(id *auth.Identity) []NavItem {
	items := []NavItem{{Label: "Inicio", URL: "/"}}
	if id == nil || !id.Active {
		return append(items, NavItem{Label: "Ingresar", URL: g.loginPath})
	}
	for _, res := range g.policy.resources {
		if Evaluate(id, res) == nil {
			items = append(items, NavItem{Label: res.Label, URL: res.Path})
		}
	}
	return items
}
