package vfs

import "fmt"

// Location is the role a group of files plays in the pipeline. Every lookup
// in a FS is qualified by a Location; two locations never share storage.
type Location uint8

const (
	// Source holds hand-written inputs: the grammar and its imports.
	Source Location = iota
	// GeneratedSource holds the generator's output.
	GeneratedSource
	// ClassOutput holds compiled class files.
	ClassOutput
	// Classpath holds prebuilt class files shared by every compile.
	Classpath

	numLocations
)

var locationNames = [...]string{
	Source:          "source",
	GeneratedSource: "generated-source",
	ClassOutput:     "class-output",
	Classpath:       "classpath",
}

// String returns the location's stable name. The name is also the key used
// by the on-disk mirror.
func (l Location) String() string {
	if l < numLocations {
		return locationNames[l]
	}
	return fmt.Sprintf("Location(%d)", uint8(l))
}

// Valid reports whether l is one of the defined locations.
func (l Location) Valid() bool {
	return l < numLocations
}

// ParseLocation is the inverse of Location.String.
func ParseLocation(name string) (Location, error) {
	for i, n := range locationNames {
		if n == name {
			return Location(i), nil
		}
	}
	return 0, fmt.Errorf("vfs: unknown location %q", name)
}

// AllLocations returns every defined location in declaration order.
func AllLocations() []Location {
	locs := make([]Location, 0, numLocations)
	for l := Location(0); l < numLocations; l++ {
		locs = append(locs, l)
	}
	return locs
}

// Key identifies one file in a FS.
type Key struct {
	Location Location
	Path     string
}

// String renders the key as "location:path".
func (k Key) String() string {
	return k.Location.String() + ":" + k.Path
}

// Less orders keys by location, then path.
func (k Key) Less(other Key) bool {
	if k.Location != other.Location {
		return k.Location < other.Location
	}
	return k.Path < other.Path
}
