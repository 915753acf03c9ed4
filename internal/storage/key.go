// Package storage names the objects ingested documents are stored under and
// declares the errors shared by the content store implementations.
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"mime"
	"path"
	"strings"
)

// ErrNotFound is returned by Get for a handle with no stored object.
var ErrNotFound = errors.New("content not found")

// ErrBadHandle is returned by Get for a handle another store issued.
var ErrBadHandle = errors.New("content handle not recognized")

// Key derives a stable object key for a document: the hex SHA-256 of the URI
// fanned out by its first two characters, with an extension for the media
// type when one is known.
func Key(prefix, uri, mediaType string) string {
	sum := sha256.Sum256([]byte(uri))
	digest := hex.EncodeToString(sum[:])
	name := digest + extension(mediaType)
	return path.Join(strings.Trim(prefix, "/"), digest[:2], name)
}

func extension(mediaType string) string {
	switch mediaType {
	case "":
		return ""
	case "text/html":
		return ".html"
	case "text/plain":
		return ".txt"
	}
	exts, err := mime.ExtensionsByType(mediaType)
	if err != nil || len(exts) == 0 {
		return ""
	}
	return exts[0]
}
