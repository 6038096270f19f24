package conflate

// labelCounts is a labelView maintained record by record. It keeps the latest
// decision per pair and user and adjusts the tallies whenever a decision is
// superseded, so queries never scan the log.
type labelCounts struct {
	latest   map[userPairKey]Record
	pairs    map[PairKey]pairTally
	nbhUsers map[string]map[string]int
	byUser   map[string]map[PairKey]struct{}
	userNbhs map[string]map[string]int
}

func newLabelCounts() *labelCounts {
	return &labelCounts{
		latest:   make(map[userPairKey]Record),
		pairs:    make(map[PairKey]pairTally),
		nbhUsers: make(map[string]map[string]int),
		byUser:   make(map[string]map[PairKey]struct{}),
		userNbhs: make(map[string]map[string]int),
	}
}

func (c *labelCounts) apply(r Record) {
	k := userPairKey{PairKey: r.Key(), Username: r.Username}
	if old, ok := c.latest[k]; ok {
		c.remove(old)
	}
	c.latest[k] = r
	c.add(r)
}

func (c *labelCounts) add(r Record) {
	if c.byUser[r.Username] == nil {
		c.byUser[r.Username] = make(map[PairKey]struct{})
	}
	c.byUser[r.Username][r.Key()] = struct{}{}
	if r.Neighborhood != "" {
		incr(c.userNbhs, r.Username, r.Neighborhood, 1)
	}
	if r.Match == LabelUnsure {
		return
	}

	t := c.pairs[r.Key()]
	t.Users++
	switch r.Match {
	case LabelYes:
		t.Yes++
	case LabelNo:
		t.No++
	}
	c.pairs[r.Key()] = t
	if r.Neighborhood != "" {
		incr(c.nbhUsers, r.Neighborhood, r.Username, 1)
	}
}

func (c *labelCounts) remove(r Record) {
	delete(c.byUser[r.Username], r.Key())
	if r.Neighborhood != "" {
		incr(c.userNbhs, r.Username, r.Neighborhood, -1)
	}
	if r.Match == LabelUnsure {
		return
	}

	t := c.pairs[r.Key()]
	t.Users--
	switch r.Match {
	case LabelYes:
		t.Yes--
	case LabelNo:
		t.No--
	}
	if t.Users == 0 {
		delete(c.pairs, r.Key())
	} else {
		c.pairs[r.Key()] = t
	}
	if r.Neighborhood != "" {
		incr(c.nbhUsers, r.Neighborhood, r.Username, -1)
	}
}

// incr adjusts a nested counter and prunes entries that drop to zero.
func incr(m map[string]map[string]int, outer, inner string, delta int) {
	if m[outer] == nil {
		m[outer] = make(map[string]int)
	}
	m[outer][inner] += delta
	if m[outer][inner] <= 0 {
		delete(m[outer], inner)
	}
	if len(m[outer]) == 0 {
		delete(m, outer)
	}
}

func (c *labelCounts) pairTallies() map[PairKey]pairTally {
	out := make(map[PairKey]pairTally, len(c.pairs))
	for k, t := range c.pairs {
		out[k] = t
	}
	return out
}

func (c *labelCounts) neighborhoodUsers() map[string]int {
	out := make(map[string]int, len(c.nbhUsers))
	for n, users := range c.nbhUsers {
		out[n] = len(users)
	}
	return out
}

func (c *labelCounts) userPairs(user string) map[PairKey]struct{} {
	out := make(map[PairKey]struct{}, len(c.byUser[user]))
	for k := range c.byUser[user] {
		out[k] = struct{}{}
	}
	return out
}

func (c *labelCounts) userNeighborhoods(user string) map[string]struct{} {
	out := make(map[string]struct{}, len(c.userNbhs[user]))
	for n := range c.userNbhs[user] {
		out[n] = struct{}{}
	}
	return out
}
