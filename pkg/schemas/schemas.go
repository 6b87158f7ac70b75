// Package schemas ships the PKL schema that pipeline declarations amend.
// The init command copies it into new projects so evaluation works offline.
package schemas

import _ "embed"

//go:embed Pipeline.pkl
var PipelineSchema []byte
