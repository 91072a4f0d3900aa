package catalog

import (
	"errors"
	"slices"
	"sort"
	"strings"
	"time"
)

// ErrBlacklisted is returned when adding a descriptor for a blacklisted identifier.
var ErrBlacklisted = errors.New("identifier is blacklisted")

// Descriptor is the validated metadata for one plugin, produced by a
// successful probe. One identifier (a bundle on disk) may yield several
// descriptors, told apart by UID.
type Descriptor struct {
	Format       string    `json:"format"`
	Identifier   string    `json:"identifier"`
	UID          string    `json:"uid"`
	Name         string    `json:"name"`
	Manufacturer string    `json:"manufacturer"`
	Category     string    `json:"category,omitempty"`
	Version      string    `json:"version,omitempty"`
	IsInstrument bool      `json:"is_instrument"`
	NumInputs    int       `json:"num_inputs"`
	NumOutputs   int       `json:"num_outputs"`
	FileModTime  time.Time `json:"file_mod_time"`
	LastScanned  time.Time `json:"last_scanned"`
}

// ID is the string clients use to reference the plugin.
func (d Descriptor) ID() string {
	if d.UID == "" {
		return d.Identifier
	}
	return d.Identifier + "#" + d.UID
}

func (d Descriptor) sameKey(o Descriptor) bool {
	return d.Format == o.Format && d.Identifier == o.Identifier && d.UID == o.UID
}

// Catalog is the known-plugin list plus the blacklist. An identifier is
// never present in both. Catalog is not safe for concurrent use; owners
// hand out copies via Clone.
type Catalog struct {
	descriptors []Descriptor
	blacklist   map[string]time.Time // identifier -> first blacklisted
}

// New returns an empty catalog.
func New() *Catalog {
	return &Catalog{blacklist: make(map[string]time.Time)}
}

// Clone returns a deep copy.
func (c *Catalog) Clone() *Catalog {
	out := &Catalog{
		descriptors: slices.Clone(c.descriptors),
		blacklist:   make(map[string]time.Time, len(c.blacklist)),
	}
	for id, at := range c.blacklist {
		out.blacklist[id] = at
	}
	return out
}

// Len returns the number of descriptors.
func (c *Catalog) Len() int { return len(c.descriptors) }

// Descriptors returns a copy of the descriptors in catalog order.
func (c *Catalog) Descriptors() []Descriptor {
	return slices.Clone(c.descriptors)
}

// ForIdentifier returns the descriptors produced from identifier.
func (c *Catalog) ForIdentifier(identifier string) []Descriptor {
	var out []Descriptor
	for _, d := range c.descriptors {
		if d.Identifier == identifier {
			out = append(out, d)
		}
	}
	return out
}

// HasName reports whether any descriptor has exactly this descriptive name.
func (c *Catalog) HasName(name string) bool {
	for _, d := range c.descriptors {
		if d.Name == name {
			return true
		}
	}
	return false
}

// Add inserts d, replacing any descriptor with the same format, identifier
// and UID.
func (c *Catalog) Add(d Descriptor) error {
	if c.IsBlacklisted(d.Identifier) {
		return ErrBlacklisted
	}
	for i := range c.descriptors {
		if c.descriptors[i].sameKey(d) {
			c.descriptors[i] = d
			return nil
		}
	}
	c.descriptors = append(c.descriptors, d)
	return nil
}

// Replace supersedes every descriptor of identifier in format with ds.
func (c *Catalog) Replace(format, identifier string, ds []Descriptor) error {
	if c.IsBlacklisted(identifier) {
		return ErrBlacklisted
	}
	c.descriptors = slices.DeleteFunc(c.descriptors, func(d Descriptor) bool {
		return d.Format == format && d.Identifier == identifier
	})
	for _, d := range ds {
		d.Format = format
		d.Identifier = identifier
		if err := c.Add(d); err != nil {
			return err
		}
	}
	return nil
}

// IsBlacklisted reports whether identifier is blacklisted.
func (c *Catalog) IsBlacklisted(identifier string) bool {
	_, ok := c.blacklist[identifier]
	return ok
}

// Blacklist marks identifier unsafe and drops its descriptors. It reports
// whether the identifier was newly added.
func (c *Catalog) Blacklist(identifier string) bool {
	c.descriptors = slices.DeleteFunc(c.descriptors, func(d Descriptor) bool {
		return d.Identifier == identifier
	})
	if _, ok := c.blacklist[identifier]; ok {
		return false
	}
	c.blacklist[identifier] = time.Now().UTC()
	return true
}

// BlacklistedAt returns when identifier was first blacklisted.
func (c *Catalog) BlacklistedAt(identifier string) (time.Time, bool) {
	at, ok := c.blacklist[identifier]
	return at, ok
}

// Unblacklist removes identifier from the blacklist. Only operators call this.
func (c *Catalog) Unblacklist(identifier string) bool {
	if _, ok := c.blacklist[identifier]; !ok {
		return false
	}
	delete(c.blacklist, identifier)
	return true
}

// Blacklisted returns the blacklist sorted.
func (c *Catalog) Blacklisted() []string {
	out := make([]string, 0, len(c.blacklist))
	for id := range c.blacklist {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Sort orders descriptors alphabetically by name, ignoring case. Equal
// names keep their relative order.
func (c *Catalog) Sort() {
	sort.SliceStable(c.descriptors, func(i, j int) bool {
		return strings.ToLower(c.descriptors[i].Name) < strings.ToLower(c.descriptors[j].Name)
	})
}

// Clear drops everything held in memory. Nothing is persisted.
func (c *Catalog) Clear() {
	c.descriptors = nil
	c.blacklist = make(map[string]time.Time)
}
