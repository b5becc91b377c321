// Package appfs embeds application assets needed at runtime.
package appfs

import "embed"

//go:embed migrations/*.sql
var FS embed.FS
