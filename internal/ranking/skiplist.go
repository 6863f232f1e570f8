package ranking

import (
	"math/rand/v2"
)

const (
	skipListMaxLevel = 32
	skipListP        = 0.25
)

type skipNode struct {
	userID string
	points int64
	next   []*skipNode
}

// less reports whether (points, userID) sorts before n in leaderboard order.
func (n *skipNode) less(points int64, userID string) bool {
	if n.points != points {
		return n.points > points
	}
	return n.userID < userID
}

// skipList is ordered by points descending then user ID ascending, the same order as a Redis
// sorted set read with ZREVRANGE after tie correction. Not safe for concurrent use.
type skipList struct {
	head   *skipNode
	level  int
	length int
	rnd    *rand.Rand
}

func newSkipList(seed uint64) *skipList {
	return &skipList{
		head:  &skipNode{next: make([]*skipNode, skipListMaxLevel)},
		level: 1,
		rnd:   rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

func (l *skipList) randomLevel() int {
	lvl := 1
	for lvl < skipListMaxLevel && l.rnd.Float64() < skipListP {
		lvl++
	}
	return lvl
}

func (l *skipList) insert(userID string, points int64) {
	var update [skipListMaxLevel]*skipNode
	x := l.head
	for i := l.level - 1; i >= 0; i-- {
		for x.next[i] != nil && x.next[i].less(points, userID) {
			x = x.next[i]
		}
		update[i] = x
	}

	lvl := l.randomLevel()
	if lvl > l.level {
		for i := l.level; i < lvl; i++ {
			update[i] = l.head
		}
		l.level = lvl
	}

	n := &skipNode{userID: userID, points: points, next: make([]*skipNode, lvl)}
	for i := 0; i < lvl; i++ {
		n.next[i] = update[i].next[i]
		update[i].next[i] = n
	}
	l.length++
}

// remove deletes the node for (userID, points) and reports whether it was found.
func (l *skipList) remove(userID string, points int64) bool {
	var update [skipListMaxLevel]*skipNode
	x := l.head
	for i := l.level - 1; i >= 0; i-- {
		for x.next[i] != nil && x.next[i].less(points, userID) {
			x = x.next[i]
		}
		update[i] = x
	}

	x = x.next[0]
	if x == nil || x.userID != userID || x.points != points {
		return false
	}

	for i := 0; i < l.level; i++ {
		if update[i].next[i] != x {
			break
		}
		update[i].next[i] = x.next[i]
	}
	for l.level > 1 && l.head.next[l.level-1] == nil {
		l.level--
	}
	l.length--
	return true
}

// headN returns up to n entries from the front of the list; n <= 0 returns all of them.
func (l *skipList) headN(n int) []skipNode {
	if n <= 0 || n > l.length {
		n = l.length
	}
	out := make([]skipNode, 0, n)
	for x := l.head.next[0]; x != nil && len(out) < n; x = x.next[0] {
		out = append(out, skipNode{userID: x.userID, points: x.points})
	}
	return out
}
