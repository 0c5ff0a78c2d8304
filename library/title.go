package library

import (
	"net/url"
	"path"
	"strings"
)

// TitleFromFilename guesses a human title from a file name: the extension is
// stripped and the usual separators become spaces.
func TitleFromFilename(name string) string {
	if u, err := url.PathUnescape(name); err == nil {
		name = u
	}
	name = path.Base(strings.ReplaceAll(name, `\`, "/"))
	if name == "." || name == "/" {
		return ""
	}
	if ext := path.Ext(name); ext != "" && len(ext) <= 10 && !strings.Contains(ext, " ") {
		name = strings.TrimSuffix(name, ext)
	}
	name = strings.Map(func(r rune) rune {
		switch r {
		case '.', '_', '-', '+':
			return ' '
		}
		return r
	}, name)
	return strings.Join(strings.Fields(name), " ")
}
