package object

import "sort"

// ScoredMember is a member with its score in a sorted set.
type ScoredMember struct {
	Member string
	Score  float64
}

// SortedSetValue is the payload of a sorted set object.
// Not locked; the keyspace serializes access.
type SortedSetValue struct {
	members map[string]float64
}

// NewSortedSetValue creates an empty sorted set payload.
func NewSortedSetValue() *SortedSetValue {
	return &SortedSetValue{members: make(map[string]float64)}
}

// Add adds members with scores. Returns the number of new members.
func (z *SortedSetValue) Add(members ...ScoredMember) int {
	added := 0
	for _, m := range members {
		if _, exists := z.members[m.Member]; !exists {
			added++
		}
		z.members[m.Member] = m.Score
	}
	return added
}

// Score returns the score of a member.
func (z *SortedSetValue) Score(member string) (float64, bool) {
	score, exists := z.members[member]
	return score, exists
}

// Remove removes members. Returns the number removed.
func (z *SortedSetValue) Remove(members ...string) int {
	removed := 0
	for _, m := range members {
		if _, exists := z.members[m]; exists {
			delete(z.members, m)
			removed++
		}
	}
	return removed
}

// Card returns the number of members.
func (z *SortedSetValue) Card() int { return len(z.members) }

// Range returns members ordered by score ascending, rank start to stop
// inclusive, supporting negative ranks.
func (z *SortedSetValue) Range(start, stop int) []ScoredMember {
	sorted := z.sorted()
	n := len(sorted)
	if n == 0 {
		return nil
	}
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop {
		return nil
	}
	return sorted[start : stop+1]
}

// Clone returns a deep copy.
func (z *SortedSetValue) Clone() *SortedSetValue {
	cp := NewSortedSetValue()
	for m, s := range z.members {
		cp.members[m] = s
	}
	return cp
}

func (z *SortedSetValue) sorted() []ScoredMember {
	out := make([]ScoredMember, 0, len(z.members))
	for m, s := range z.members {
		out = append(out, ScoredMember{Member: m, Score: s})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score == out[j].Score {
			return out[i].Member < out[j].Member
		}
		return out[i].Score < out[j].Score
	})
	return out
}
