package digest

import "github.com/BEMADEV/Open-Connections-Digest/internal/models"

// ConnectorGroup is every matched request for one connector.
type ConnectorGroup struct {
	PersonID int
	Requests []models.ConnectionRequest
}

// GroupByConnector partitions requests by connector person id. Groups come
// back in order of first appearance; requests without a connector are
// skipped.
func GroupByConnector(requests []models.ConnectionRequest) []ConnectorGroup {
	index := make(map[int]int)
	var groups []ConnectorGroup

	for _, r := range requests {
		if r.ConnectorPersonID == nil {
			continue
		}
		id := *r.ConnectorPersonID
		i, ok := index[id]
		if !ok {
			i = len(groups)
			index[id] = i
			groups = append(groups, ConnectorGroup{PersonID: id})
		}
		groups[i].Requests = append(groups[i].Requests, r)
	}

	return groups
}
