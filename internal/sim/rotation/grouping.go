package rotation

// Groups partitions the roster for one round: the voters and the serving
// representative play together, everyone else sits alone.
type Groups struct {
	Active     []string   `json:"active"`
	Singletons [][]string `json:"singletons"`
}

// ComputeGroups keeps roster order inside the active group. With no
// serving representative the active group is empty.
func ComputeGroups(s *State, roster []Participant) Groups {
	g := Groups{Active: []string{}, Singletons: [][]string{}}
	for _, p := range roster {
		if s.HasRep() && (s.IsVoter(p.ID) || p.ID == s.CurrentRepID) {
			g.Active = append(g.Active, p.ID)
			continue
		}
		g.Singletons = append(g.Singletons, []string{p.ID})
	}
	return g
}

func (g Groups) InActive(id string) bool { return contains(g.Active, id) }
