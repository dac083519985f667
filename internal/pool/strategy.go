package pool

import "math/rand"

type roundRobinStrategy struct {
	counter int
}

// RoundRobin returns a Strategy that cycles through idle candidates.
func RoundRobin() Strategy { return &roundRobinStrategy{} }

func (s *roundRobinStrategy) Select(candidates []*Conn) *Conn {
	if len(candidates) == 0 {
		return nil
	}
	c := candidates[s.counter%len(candidates)]
	s.counter++
	return c
}

type leastConnectionsStrategy struct{}

// LeastConnections returns a Strategy that picks the idle candidate with
// the fewest requests handled so far.
func LeastConnections() Strategy { return leastConnectionsStrategy{} }

func (leastConnectionsStrategy) Select(candidates []*Conn) *Conn {
	if len(candidates) == 0 {
		return nil
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.handled < best.handled {
			best = c
		}
	}
	return best
}

type randomStrategy struct{}

// Random returns a Strategy that picks a uniformly random idle candidate.
func Random() Strategy { return randomStrategy{} }

func (randomStrategy) Select(candidates []*Conn) *Conn {
	if len(candidates) == 0 {
		return nil
	}
	return candidates[rand.Intn(len(candidates))]
}
