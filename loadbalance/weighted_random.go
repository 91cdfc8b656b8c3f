package loadbalance

import (
	"fmt"
	"math/rand"
)

// WeightedRandomBalancer selects nodes probabilistically based on their
// weight. A node with weight 10 gets roughly 2x the traffic of one with
// weight 5.
//
// Algorithm:
//  1. Sum all weights -> totalWeight
//  2. Generate random number r in [0, totalWeight)
//  3. Subtract each node's weight from r until r < 0
//  4. The node that makes r negative is selected
type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(nodes []Node) (*Node, error) {
	if len(nodes) == 0 {
		return nil, fmt.Errorf("loadbalance: no nodes available")
	}

	totalWeight := 0
	for _, n := range nodes {
		totalWeight += n.Weight
	}
	if totalWeight <= 0 {
		return &nodes[rand.Intn(len(nodes))], nil
	}

	r := rand.Intn(totalWeight)
	for i := range nodes {
		r -= nodes[i].Weight
		if r < 0 {
			return &nodes[i], nil
		}
	}

	return nil, fmt.Errorf("loadbalance: unexpected error in weighted random selection")
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}
