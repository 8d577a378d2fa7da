// Package web holds the monitor page.
package web

import (
	"embed"
	"io/fs"
	"log"
	"net/http"
)

//go:embed dist/*
var dist embed.FS

// Assets returns the files of the monitor page, rooted at index.html.
func Assets() fs.FS {
	assets, err := fs.Sub(dist, "dist")
	if err != nil {
		log.Panic(err)
	}

	return assets
}

// Handler serves the monitor page. The page polls the monitor API for the
// table statistics, the slots of a bucket, and the running workload rounds.
func Handler() http.Handler {
	return http.FileServer(http.FS(Assets()))
}
