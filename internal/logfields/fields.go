package logfields

const (
	// Identifiers

	Name      = "name"
	Operation = "operation"

	ID          = "id"
	ContainerID = "cid"
	Image       = "image"
	Group       = "container-group"

	// image sources

	Source       = "source"
	Tarball      = "tarball"
	Architecture = "architecture"
	Layer        = "layer"
	LayerCount   = "layers"
	DiffID       = "diff-id"

	// files

	File = "file"
	Path = "path"

	// Keys/Values

	Doc      = "document"
	Field    = "field"
	Key      = "key"
	Value    = "value"
	Feed     = "feed"
	Strategy = "strategy"
	Rule     = "rule"

	// Golang type's

	ExpectedType = "expected-type"

	// progress

	Step  = "step"
	Total = "total"
)
