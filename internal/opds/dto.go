package opds

import (
	"bytes"
	"fmt"

	json "github.com/goccy/go-json"
)

// Document is the root of an OPDS 2 feed
type Document struct {
	Metadata     Metadata          `json:"metadata"`
	Links        []Link            `json:"links,omitempty"`
	Facets       []FacetGroup      `json:"facets,omitempty"`
	Navigation   []Link            `json:"navigation,omitempty"`
	Groups       []Group           `json:"groups,omitempty"`
	Publications []json.RawMessage `json:"publications,omitempty"`
}

// Metadata describes a feed, group or facet group
type Metadata struct {
	Title         string `json:"title"`
	NumberOfItems int    `json:"numberOfItems,omitempty"`
	ItemsPerPage  int    `json:"itemsPerPage,omitempty"`
	CurrentPage   int    `json:"currentPage,omitempty"`
}

// Group is a named lane within a grouped feed
type Group struct {
	Metadata     Metadata          `json:"metadata"`
	Links        []Link            `json:"links,omitempty"`
	Navigation   []Link            `json:"navigation,omitempty"`
	Publications []json.RawMessage `json:"publications,omitempty"`
}

// FacetGroup is a set of alternative views of the feed
type FacetGroup struct {
	Metadata Metadata `json:"metadata"`
	Links    []Link   `json:"links"`
}

// Link is a Readium web publication link
type Link struct {
	Href       string          `json:"href"`
	Type       string          `json:"type,omitempty"`
	Rel        Rels            `json:"rel,omitempty"`
	Title      string          `json:"title,omitempty"`
	Templated  bool            `json:"templated,omitempty"`
	Properties *LinkProperties `json:"properties,omitempty"`
}

// HasRel reports whether the link carries the relation
func (l Link) HasRel(rel string) bool {
	for _, r := range l.Rel {
		if r == rel {
			return true
		}
	}
	return false
}

// LinkProperties carries lending details on acquisition links
type LinkProperties struct {
	NumberOfItems       int                   `json:"numberOfItems,omitempty"`
	Availability        *AvailabilityDTO      `json:"availability,omitempty"`
	Holds               *Holds                `json:"holds,omitempty"`
	Copies              *Copies               `json:"copies,omitempty"`
	IndirectAcquisition []IndirectAcquisition `json:"indirectAcquisition,omitempty"`
}

// AvailabilityDTO is the OPDS 2 availability object
type AvailabilityDTO struct {
	State string `json:"state"` // available, unavailable, reserved, ready
	Since string `json:"since,omitempty"`
	Until string `json:"until,omitempty"`
}

// Holds describes the hold queue
type Holds struct {
	Total    int  `json:"total,omitempty"`
	Position *int `json:"position,omitempty"`
}

// Copies describes the licensed copies
type Copies struct {
	Total     int `json:"total,omitempty"`
	Available int `json:"available,omitempty"`
}

// IndirectAcquisition names the content type reached through a link
type IndirectAcquisition struct {
	Type  string                `json:"type"`
	Child []IndirectAcquisition `json:"child,omitempty"`
}

// Publication is one catalog entry
type Publication struct {
	Metadata PublicationMetadata `json:"metadata"`
	Links    []Link              `json:"links"`
	Images   []Link              `json:"images,omitempty"`
}

// PublicationMetadata describes a publication
type PublicationMetadata struct {
	Identifier  string       `json:"identifier"`
	Title       string       `json:"title"`
	Author      Contributors `json:"author,omitempty"`
	Description string       `json:"description,omitempty"`
	Duration    float64      `json:"duration,omitempty"` // Seconds
	Modified    string       `json:"modified,omitempty"`
}

// Problem is an RFC 7807 problem document
type Problem struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail"`
}

// Rels accepts either a single relation string or an array of them
type Rels []string

func (r *Rels) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*r = Rels{s}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("rel: %w", err)
	}
	*r = many
	return nil
}

// Contributors accepts a name, a contributor object, or an array of either
type Contributors []string

func (c *Contributors) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil
	}
	switch data[0] {
	case '[':
		var raw []json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		var names Contributors
		for _, item := range raw {
			var one Contributors
			if err := one.UnmarshalJSON(item); err != nil {
				return err
			}
			names = append(names, one...)
		}
		*c = names
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = Contributors{s}
	case '{':
		var obj struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		*c = Contributors{obj.Name}
	case 'n':
		*c = nil
	default:
		return fmt.Errorf("author: unexpected %q", data[0])
	}
	return nil
}
