package fetcher

import (
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// CacheFileName is the name of the per-scope EPG cache file.
const CacheFileName = "epg.xml"

// CachePath returns the cache file location for an account/server pair:
// <root>/<account>/<server>/epg.xml. The account id always maps to exactly
// one directory below root.
func CachePath(root, accountID string, serverID int64) string {
	return filepath.Join(root, accountDir(accountID), strconv.FormatInt(serverID, 10), CacheFileName)
}

// accountDir path-escapes id. Ids made only of dots ("", ".", "..") are
// percent-encoded in full since PathEscape leaves dots alone.
func accountDir(id string) string {
	if strings.Trim(id, ".") != "" {
		return url.PathEscape(id)
	}
	if id == "" {
		return "%"
	}
	return strings.ReplaceAll(id, ".", "%2E")
}

// IsFresh reports whether the file at path exists and was modified within
// window of now. A non-positive window never counts as fresh.
func IsFresh(path string, window time.Duration, now time.Time) bool {
	if window <= 0 {
		return false
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return now.Sub(info.ModTime()) < window
}
