package assets

import "strings"

// octetStream is the fallback MIME type for extensions the table below does
// not recognize.
const octetStream = "application/octet-stream"

// mimeTable maps a lowercased file extension (without the leading dot) to
// its MIME type, per spec §6.
var mimeTable = map[string]string{
	"html": "text/html",
	"htm":  "text/html",
	"jpg":  "image/jpg",
	"jpeg": "image/jpg",
	"css":  "text/css",
	"js":   "application/javascript",
	"json": "application/json",
	"pdf":  "application/pdf",
	"txt":  "text/plain",
	"gif":  "image/gif",
	"png":  "image/png",
	"ico":  "image/vnd.microsoft.icon",
}

// mimeForPath returns the MIME type for a request/asset path, based solely
// on its lowercased extension.
func mimeForPath(path string) string {
	ext := extOf(path)
	if mt, ok := mimeTable[ext]; ok {
		return mt
	}
	return octetStream
}

// extOf returns the lowercased extension of path without the leading dot,
// or "" if there is none.
func extOf(path string) string {
	dot := strings.LastIndexByte(path, '.')
	if dot < 0 || dot == len(path)-1 {
		return ""
	}
	return strings.ToLower(path[dot+1:])
}
