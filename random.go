package gossipsub

import (
	"math/rand"

	"github.com/libp2p/go-libp2p-core/peer"
)

// Rand is the random source the router draws on for every shuffle and
// random peer pick. It is an injected capability rather than a direct
// dependency on the package-level math/rand functions, so property tests
// can pin a seed.
type Rand interface {
	// Intn returns a pseudo-random number in [0, n).
	Intn(n int) int
}

// mathRand adapts the default, unseeded math/rand source to Rand. It is
// what DefaultConfig wires up; WithRand lets tests swap in a seeded
// rand.New(rand.NewSource(seed)) instead.
type mathRand struct{}

func newMathRand() Rand { return mathRand{} }

func (mathRand) Intn(n int) int { return rand.Intn(n) }

// shufflePeers performs an in-place Fisher-Yates shuffle driven by the
// injected Rand.
func shufflePeers(rnd Rand, peers []peer.ID) {
	for i := len(peers) - 1; i > 0; i-- {
		j := rnd.Intn(i + 1)
		peers[i], peers[j] = peers[j], peers[i]
	}
}

// shuffleStrings is the string-slice analogue of shufflePeers, used when
// shuffling message ids for IHAVE/IWANT ordering.
func shuffleStrings(rnd Rand, lst []string) {
	for i := len(lst) - 1; i > 0; i-- {
		j := rnd.Intn(i + 1)
		lst[i], lst[j] = lst[j], lst[i]
	}
}

// pickRandom returns up to n distinct peers drawn from candidates that pass
// filter, in random order. It underlies getPeers-style selection throughout
// JOIN, heartbeat repair, and gossip emission (§4.1, §4.5).
func pickRandom(rnd Rand, candidates []peer.ID, n int, filter func(peer.ID) bool) []peer.ID {
	eligible := make([]peer.ID, 0, len(candidates))
	for _, p := range candidates {
		if filter == nil || filter(p) {
			eligible = append(eligible, p)
		}
	}
	shufflePeers(rnd, eligible)
	if n >= 0 && n < len(eligible) {
		eligible = eligible[:n]
	}
	return eligible
}
