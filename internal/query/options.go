package query

import (
	"fmt"
	"slices"

	"github.com/aidanlsb/echo/internal/keys"
)

// DeletedMode controls whether tombstoned objects match.
type DeletedMode int

const (
	// DeletedDefault hides deleted objects, or inherits the enclosing
	// filter's mode for nested filters.
	DeletedDefault DeletedMode = iota
	HideDeleted
	ShowDeleted
	ShowDeletedOnly
)

func (m DeletedMode) String() string {
	switch m {
	case HideDeleted:
		return "hide"
	case ShowDeleted:
		return "show"
	case ShowDeletedOnly:
		return "show_only"
	default:
		return ""
	}
}

// ParseDeletedMode parses the String form.
func ParseDeletedMode(s string) (DeletedMode, error) {
	switch s {
	case "":
		return DeletedDefault, nil
	case "hide":
		return HideDeleted, nil
	case "show":
		return ShowDeleted, nil
	case "show_only":
		return ShowDeletedOnly, nil
	default:
		return DeletedDefault, fmt.Errorf("%w: deleted mode %q", ErrInvalidFilter, s)
	}
}

// DataLocation restricts which kind of source may answer a query.
type DataLocation int

const (
	// DataLocationAll lets every source answer.
	DataLocationAll DataLocation = iota
	// DataLocationLocal limits results to loaded databases.
	DataLocationLocal
	// DataLocationRemote limits results to index-backed sources.
	DataLocationRemote
)

func (l DataLocation) String() string {
	switch l {
	case DataLocationLocal:
		return "local"
	case DataLocationRemote:
		return "remote"
	default:
		return ""
	}
}

// ParseDataLocation parses the String form.
func ParseDataLocation(s string) (DataLocation, error) {
	switch s {
	case "":
		return DataLocationAll, nil
	case "local":
		return DataLocationLocal, nil
	case "remote":
		return DataLocationRemote, nil
	default:
		return DataLocationAll, fmt.Errorf("%w: data location %q", ErrInvalidFilter, s)
	}
}

// Options scope a query.
type Options struct {
	// Spaces limits the query to these spaces. Empty means every space.
	Spaces []keys.SpaceKey
	// Models limits legacy model types. Empty means every model.
	Models       []string
	Deleted      DeletedMode
	DataLocation DataLocation
}

// Merge returns o with every set field of other applied on top.
func (o Options) Merge(other Options) Options {
	out := o
	if len(other.Spaces) > 0 {
		out.Spaces = slices.Clone(other.Spaces)
	}
	if len(other.Models) > 0 {
		out.Models = slices.Clone(other.Models)
	}
	if other.Deleted != DeletedDefault {
		out.Deleted = other.Deleted
	}
	if other.DataLocation != DataLocationAll {
		out.DataLocation = other.DataLocation
	}
	return out
}

// IncludesSpace reports whether the options allow results from key.
func (o Options) IncludesSpace(key keys.SpaceKey) bool {
	return len(o.Spaces) == 0 || slices.Contains(o.Spaces, key)
}
