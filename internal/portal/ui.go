package portal

import (
	"embed"
	"io/fs"
)

//go:embed assets/index.html
var assetsFS embed.FS

// embeddedUI is served when no --ui-directory override is configured.
var embeddedUI = mustSub(assetsFS, "assets")

func mustSub(fsys embed.FS, dir string) fs.FS {
	sub, err := fs.Sub(fsys, dir)
	if err != nil {
		panic(err)
	}

	return sub
}
