package region

// Generation is the capability set shared by the young and old variants.
// Behaviour that differs by variant is reached through these methods rather
// than through type switches at call sites.
type Generation interface {
	Name() string
	Tag() Tag
	Contains(id ID) bool
	ContainsAddr(addr uint64) bool

	// RequiresCoalesceAndFill reports whether dead objects left behind by a
	// completed mark must be turned into filler before the mark is discarded.
	RequiresCoalesceAndFill() bool

	// ForEachRegion visits every occupied region of the generation in index order.
	ForEachRegion(fn func(id ID))
}

type generation struct {
	dir       *Directory
	tag       Tag
	name      string
	needsFill bool
}

func (g *generation) Name() string {
	return g.name
}

func (g *generation) Tag() Tag {
	return g.tag
}

func (g *generation) Contains(id ID) bool {
	if id == Invalid || int(id) >= len(g.dir.regions) {
		return false
	}
	return g.dir.Status(id) != StatusFree && g.dir.Generation(id) == g.tag
}

func (g *generation) ContainsAddr(addr uint64) bool {
	return g.Contains(g.dir.RegionOf(addr))
}

func (g *generation) RequiresCoalesceAndFill() bool {
	return g.needsFill
}

func (g *generation) ForEachRegion(fn func(id ID)) {
	for i := range g.dir.regions {
		id := ID(i)
		if g.dir.Status(id) == StatusOccupied && g.dir.Generation(id) == g.tag {
			fn(id)
		}
	}
}

// Young returns the young-generation view of the directory.
func (d *Directory) Young() Generation {
	return &generation{dir: d, tag: TagYoung, name: "Young"}
}

// Old returns the old-generation view of the directory. Old marking runs
// across many young cycles, so its dead objects must be made parseable.
func (d *Directory) Old() Generation {
	return &generation{dir: d, tag: TagOld, name: "Old", needsFill: true}
}

// GenerationFor returns the variant for a tag.
func (d *Directory) GenerationFor(tag Tag) Generation {
	if tag == TagOld {
		return d.Old()
	}
	return d.Young()
}
