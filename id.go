package entitle

import "github.com/xraph/entitle/id"

// ID is the identifier type for generated entitle entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
