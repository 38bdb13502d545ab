package domain

// ContingencyElement is one network element affected by a contingency.
type ContingencyElement struct {
	ID          string `json:"id"`
	ElementType string `json:"elementType"`
}

// Contingency is a named perturbation applied to the network.
type Contingency struct {
	ID       string               `json:"id"`
	Elements []ContingencyElement `json:"elements"`
}

// ContingencyInfos is what the actions collaborator resolves for one
// contingency of a list.
type ContingencyInfos struct {
	ID                   string       `json:"id"`
	Contingency          *Contingency `json:"contingency"`
	NotFoundElements     []string     `json:"notFoundElements,omitempty"`
	NotConnectedElements []string     `json:"notConnectedElements,omitempty"`
}

// ResolvedContingencies keeps the contingencies that could be resolved
// against the network, dropping entries without a definition.
func ResolvedContingencies(infos []ContingencyInfos) []Contingency {
	out := make([]Contingency, 0, len(infos))
	for _, info := range infos {
		if info.Contingency != nil {
			out = append(out, *info.Contingency)
		}
	}
	return out
}
