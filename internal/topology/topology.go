// Package topology turns the flat channel and client tables returned by
// the query protocol into a materialized channel forest with computed
// depth and path, ready for viewers.
package topology

import (
	"sort"

	"github.com/emberhollow/voicesync/internal/query"
)

// Channel is a node of the normalized channel forest.
type Channel struct {
	ID              int        `json:"id"`
	ParentID        int        `json:"parentId,omitempty"`
	Order           int        `json:"order"`
	Name            string     `json:"name"`
	TotalClients    int        `json:"totalClients"`
	NeededTalkPower int        `json:"neededTalkPower,omitempty"`
	Depth           int        `json:"depth"`
	Path            []string   `json:"path"`
	Children        []*Channel `json:"children"`
	Clients         []Client   `json:"clients"`
}

// Client is an online voice user attached to the normalized topology.
// Muted is derived: input or output muted.
type Client struct {
	UniqueID     string   `json:"uniqueId"`
	Nickname     string   `json:"nickname"`
	ChannelID    int      `json:"channelId,omitempty"`
	ChannelName  string   `json:"channelName,omitempty"`
	ChannelPath  []string `json:"channelPath,omitempty"`
	ServerGroups []int    `json:"serverGroups"`
	Away         bool     `json:"away"`
	InputMuted   bool     `json:"inputMuted"`
	OutputMuted  bool     `json:"outputMuted"`
	Muted        bool     `json:"muted"`
}

// BuildTree normalizes flat channel and client records. It returns the
// channel roots ordered by declared order and the flat normalized client
// list in input order. Query bot clients are excluded.
//
// The result is guaranteed to be a forest: a channel whose parent is
// missing, itself, or part of a cycle is demoted to a root before
// traversal, so depth assignment always terminates.
func BuildTree(channels []query.Channel, clients []query.Client) ([]*Channel, []Client) {
	nodes := make(map[int]*Channel, len(channels))
	ordered := make([]*Channel, 0, len(channels))
	for _, ch := range channels {
		node := &Channel{
			ID:              ch.ID,
			ParentID:        ch.ParentID,
			Order:           ch.Order,
			Name:            ch.Name,
			TotalClients:    ch.TotalClients,
			NeededTalkPower: ch.NeededTalkPower,
			Children:        []*Channel{},
			Clients:         []Client{},
		}
		nodes[ch.ID] = node
		ordered = append(ordered, node)
	}

	var roots []*Channel
	for _, node := range ordered {
		parent, ok := nodes[node.ParentID]
		if node.ParentID == 0 || !ok || parent == node {
			node.ParentID = 0
			roots = append(roots, node)
			continue
		}
		parent.Children = append(parent.Children, node)
	}

	sortByOrder(roots)
	for _, node := range ordered {
		sortByOrder(node.Children)
	}

	visited := make(map[int]bool, len(ordered))
	for _, root := range roots {
		assignDepth(root, 0, nil, visited)
	}
	// Any node still unvisited sits on a parent cycle. Demote the first
	// such node (in input order) to a root and traverse from it; repeat
	// until everything is reachable.
	for _, node := range ordered {
		if visited[node.ID] {
			continue
		}
		detachFromParent(nodes, node)
		node.ParentID = 0
		roots = append(roots, node)
		assignDepth(node, 0, nil, visited)
	}

	flat := make([]Client, 0, len(clients))
	for _, cl := range clients {
		if cl.IsQueryClient() {
			continue
		}
		nc := Client{
			UniqueID:     cl.UniqueID,
			Nickname:     cl.Nickname,
			ChannelID:    cl.ChannelID,
			ServerGroups: cl.ServerGroups,
			Away:         cl.Away,
			InputMuted:   cl.InputMuted,
			OutputMuted:  cl.OutputMuted,
			Muted:        cl.InputMuted || cl.OutputMuted,
		}
		if node, ok := nodes[cl.ChannelID]; ok {
			nc.ChannelName = node.Name
			nc.ChannelPath = node.Path
			node.Clients = append(node.Clients, nc)
		}
		flat = append(flat, nc)
	}
	return roots, flat
}

func sortByOrder(nodes []*Channel) {
	sort.SliceStable(nodes, func(i, j int) bool {
		return nodes[i].Order < nodes[j].Order
	})
}

func assignDepth(node *Channel, depth int, ancestors []string, visited map[int]bool) {
	if visited[node.ID] {
		return
	}
	visited[node.ID] = true
	node.Depth = depth
	node.Path = append(append([]string{}, ancestors...), node.Name)
	for _, child := range node.Children {
		assignDepth(child, depth+1, node.Path, visited)
	}
}

func detachFromParent(nodes map[int]*Channel, node *Channel) {
	parent, ok := nodes[node.ParentID]
	if !ok {
		return
	}
	for i, child := range parent.Children {
		if child == node {
			parent.Children = append(parent.Children[:i], parent.Children[i+1:]...)
			return
		}
	}
}
