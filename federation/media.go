package federation

import (
	"regexp"
	"strings"

	"github.com/gomarkdown/markdown"
	"github.com/gomarkdown/markdown/ast"
	"github.com/gomarkdown/markdown/parser"

	"github.com/steadyfed/stead/codec"
)

var markdownImagePattern = regexp.MustCompile(`!\[[^\]]*\]\([^)]*\)\n?`)

var mediaExtensions = map[string]codec.MediaKind{
	".mp3":  codec.MediaAudio,
	".ogg":  codec.MediaAudio,
	".flac": codec.MediaAudio,
	".mp4":  codec.MediaVideo,
	".webm": codec.MediaVideo,
	".mov":  codec.MediaVideo,
}

// extractMedia walks the markdown body, lifts images and media links
// into attachments and returns the body with the images stripped.
// The inverse of inlineMedia on the inbound side.
func extractMedia(body string) (string, []codec.Media) {
	doc := markdown.Parse([]byte(body), parser.New())

	var media []codec.Media
	ast.WalkFunc(doc, func(node ast.Node, entering bool) ast.WalkStatus {
		if !entering {
			return ast.GoToNext
		}
		switch n := node.(type) {
		case *ast.Image:
			media = append(media, codec.Media{
				Kind: codec.MediaImage,
				URL:  string(n.Destination),
				Name: string(n.Title),
			})
		case *ast.Link:
			dest := string(n.Destination)
			if kind, ok := mediaExtensions[linkExtension(dest)]; ok {
				media = append(media, codec.Media{Kind: kind, URL: dest})
			}
		}
		return ast.GoToNext
	})

	stripped := strings.TrimSpace(markdownImagePattern.ReplaceAllString(body, ""))
	return stripped, media
}

func linkExtension(url string) string {
	if i := strings.IndexAny(url, "?#"); i >= 0 {
		url = url[:i]
	}
	if i := strings.LastIndex(url, "."); i >= 0 {
		return strings.ToLower(url[i:])
	}
	return ""
}
